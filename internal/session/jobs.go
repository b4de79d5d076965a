package session

import (
	"context"
	"errors"

	"github.com/stuartshay/path-worker/internal/queue"
)

// ProcessJob is the queue.ProcessFunc for submission jobs. The session must
// already be finalizing (see BeginStop). A non-success outcome fails the job
// and keeps its result.
func (s *Session) ProcessJob(ctx context.Context, _ *queue.Job) (*queue.JobResult, error) {
	outcome, err := s.CompleteStop(ctx)
	if err != nil {
		return nil, err
	}

	result := &queue.JobResult{
		Outcome:        string(outcome.Kind),
		Message:        outcome.Message(),
		PointsRead:     outcome.PointsRead,
		ItemsSubmitted: outcome.ItemsSubmitted,
		DistanceM:      outcome.DistanceM,
		Snapped:        outcome.Snapped,
		ClearFailed:    outcome.ClearFailed,
	}
	if !outcome.OK() {
		if outcome.Err != nil {
			return result, outcome.Err
		}
		return result, errors.New(result.Message)
	}
	return result, nil
}
