package pipeline

import (
	"errors"
	"fmt"

	"github.com/stuartshay/path-worker/internal/metrics"
)

// MaxDetailLength bounds the error detail included in display messages
const MaxDetailLength = 200

var (
	// ErrInsufficientPoints means fewer points than snap-to-roads requires
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrNoProcessableData means no point survived normalization
	ErrNoProcessableData = errors.New("no processable data")
)

// SubmitError is a failed path submission. StatusCode is 0 for transport errors.
type SubmitError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *SubmitError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submission rejected with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("submission failed: %v", e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// OutcomeKind tags the result of a finalization
type OutcomeKind string

// Finalization outcomes
const (
	Succeeded          OutcomeKind = metrics.OutcomeSucceeded
	InsufficientPoints OutcomeKind = metrics.OutcomeInsufficientPoints
	NoProcessableData  OutcomeKind = metrics.OutcomeNoProcessableData
	SubmissionFailed   OutcomeKind = metrics.OutcomeSubmissionFailed
)

// Outcome is the tagged result of Finalize. Err is nil for a clean Succeeded.
// ClearFailed marks an accepted path whose points are still in the store;
// Err then carries the store error.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	PointsRead     int         `json:"points_read"`
	ItemsSubmitted int         `json:"items_submitted"`
	DistanceM      float64     `json:"distance_m"`
	Snapped        bool        `json:"snapped"`
	ClearFailed    bool        `json:"clear_failed,omitempty"`
	Err            error       `json:"-"`
}

// OK reports whether the path was accepted
func (o Outcome) OK() bool {
	return o.Kind == Succeeded
}

// Message is a short user-displayable description of the outcome
func (o Outcome) Message() string {
	switch o.Kind {
	case Succeeded:
		msg := fmt.Sprintf("Path submitted: %d points, %.1f m", o.ItemsSubmitted, o.DistanceM)
		if o.ClearFailed {
			msg += "; local points could not be cleared and will be resent"
		}
		return msg
	case InsufficientPoints:
		return fmt.Sprintf("Not enough points to process the path (need at least %d)", MinSnapPoints)
	case NoProcessableData:
		return "No processable data in the recorded path"
	case SubmissionFailed:
		var se *SubmitError
		if errors.As(o.Err, &se) && se.StatusCode != 0 {
			return fmt.Sprintf("Submission failed (status %d): %s", se.StatusCode, truncate(se.Body, MaxDetailLength))
		}
		detail := "unknown error"
		if o.Err != nil {
			detail = o.Err.Error()
		}
		return "Submission failed: " + truncate(detail, MaxDetailLength)
	default:
		return string(o.Kind)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
