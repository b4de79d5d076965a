// Package pipeline turns the buffered points of a session into a submitted
// path: snap to roads, measure, submit, and clear local data on acceptance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stuartshay/path-worker/internal/calculator"
	"github.com/stuartshay/path-worker/internal/gameapi"
	"github.com/stuartshay/path-worker/internal/maps"
	"github.com/stuartshay/path-worker/internal/metrics"
	"github.com/stuartshay/path-worker/internal/state"
	"github.com/stuartshay/path-worker/internal/store"
)

// MinSnapPoints is the smallest path sent to snap-to-roads
const MinSnapPoints = 3

var tracer = otel.Tracer("github.com/stuartshay/path-worker/internal/pipeline")

// Snapper snaps an ordered path to the road network
type Snapper interface {
	SnapToRoads(ctx context.Context, path []state.Coordinate, interpolate bool) ([]maps.SnappedPoint, error)
}

// PathClient submits a finished path
type PathClient interface {
	SubmitPath(ctx context.Context, items []gameapi.PathDataItem) error
}

// Option configures a Submitter
type Option func(*Submitter)

// WithSnapper enables snap-to-roads before submission
func WithSnapper(s Snapper, interpolate bool) Option {
	return func(sub *Submitter) {
		sub.snapper = s
		sub.interpolate = interpolate
	}
}

// Submitter runs finalizations. At most one runs at a time.
type Submitter struct {
	mu          sync.Mutex
	store       store.PointStore
	client      PathClient
	caches      *state.Caches
	metrics     *metrics.Metrics
	snapper     Snapper
	interpolate bool
}

// NewSubmitter creates a Submitter. Without WithSnapper the raw points are submitted.
func NewSubmitter(st store.PointStore, client PathClient, caches *state.Caches, m *metrics.Metrics, opts ...Option) *Submitter {
	s := &Submitter{
		store:   st,
		client:  client,
		caches:  caches,
		metrics: m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SnapEnabled reports whether snap-to-roads runs before submission
func (s *Submitter) SnapEnabled() bool {
	return s.snapper != nil
}

// Finalize reads every buffered point, converts them to a path, and submits it.
// The store is cleared only when the server accepts the path. A store read
// failure is returned as an error; every other result is an Outcome.
func (s *Submitter) Finalize(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "pipeline.Finalize")
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
	}()

	points, err := s.store.GetAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read points")
		return Outcome{}, fmt.Errorf("failed to read buffered points: %w", err)
	}
	span.SetAttributes(attribute.Int("points.read", len(points)))

	outcome := Outcome{PointsRead: len(points)}

	if s.snapper != nil && len(points) < MinSnapPoints {
		s.caches.ProcessedDistance.Reset()
		outcome.Kind = InsufficientPoints
		outcome.Err = fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, len(points), MinSnapPoints)
		return s.finish(span, outcome), nil
	}

	items, snapped := s.buildItems(ctx, points)
	outcome.Snapped = snapped

	if len(items) == 0 {
		s.caches.ProcessedDistance.Reset()
		outcome.Kind = NoProcessableData
		outcome.Err = ErrNoProcessableData
		return s.finish(span, outcome), nil
	}

	locations := make([]calculator.Location, len(items))
	for i, it := range items {
		locations[i] = calculator.Location{Latitude: it.Latitude, Longitude: it.Longitude}
	}
	pm := calculator.CalculateMetrics(locations)
	s.caches.ProcessedDistance.Set(pm.TotalDistanceM)
	outcome.DistanceM = pm.TotalDistanceM
	outcome.ItemsSubmitted = len(items)

	log.Info().
		Int("points", len(points)).
		Int("items", len(items)).
		Bool("snapped", snapped).
		Float64("distance_m", pm.TotalDistanceM).
		Float64("max_segment_m", pm.MaxSegmentM).
		Msg("Submitting path")

	if err := s.client.SubmitPath(ctx, items); err != nil {
		outcome.Kind = SubmissionFailed
		outcome.Err = toSubmitError(err)
		return s.finish(span, outcome), nil
	}

	if err := s.store.Clear(ctx); err != nil {
		// the server already holds the path, so the kind stays Succeeded
		outcome.ClearFailed = true
		outcome.Err = fmt.Errorf("path accepted but clearing the point store failed: %w", err)
		s.metrics.ClearFailures.Inc()
	}
	s.caches.ResetLocations()
	s.refreshBuffered(ctx)

	s.metrics.SubmittedPoints.Observe(float64(len(items)))
	s.metrics.SubmittedDistanceM.Observe(pm.TotalDistanceM)

	outcome.Kind = Succeeded
	return s.finish(span, outcome), nil
}

func (s *Submitter) finish(span trace.Span, o Outcome) Outcome {
	s.metrics.Finalizations.WithLabelValues(string(o.Kind)).Inc()
	span.SetAttributes(
		attribute.String("outcome", string(o.Kind)),
		attribute.Int("items.submitted", o.ItemsSubmitted),
		attribute.Bool("snapped", o.Snapped),
		attribute.Bool("clear_failed", o.ClearFailed),
	)

	evt := log.Info()
	if o.Err != nil {
		span.RecordError(o.Err)
		if o.Kind == SubmissionFailed || o.ClearFailed {
			span.SetStatus(codes.Error, o.Err.Error())
			evt = log.Warn().Err(o.Err)
		} else {
			evt = log.Info().Err(o.Err)
		}
	}
	evt.Str("outcome", string(o.Kind)).Int("points", o.PointsRead).Msg("Finalize finished")
	return o
}

// refreshBuffered sets the buffered-points gauge from the store
func (s *Submitter) refreshBuffered(ctx context.Context) {
	n, err := s.store.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count buffered points")
		return
	}
	s.metrics.BufferedPoints.Set(float64(n))
}

// buildItems converts points to wire items, snapping them when enabled.
// Any snap problem falls back to the raw points.
func (s *Submitter) buildItems(ctx context.Context, points []store.Point) ([]gameapi.PathDataItem, bool) {
	if s.snapper == nil || len(points) == 0 {
		return rawItems(points), false
	}

	path := make([]state.Coordinate, len(points))
	for i, p := range points {
		path[i] = state.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
	}

	snapCtx, span := tracer.Start(ctx, "pipeline.SnapToRoads")
	snappedPoints, err := s.snapper.SnapToRoads(snapCtx, path, s.interpolate)
	span.End()

	if err != nil {
		s.metrics.SnapFallbacks.Inc()
		log.Warn().Err(err).Int("points", len(points)).Msg("Snap to roads failed, submitting raw points")
		return rawItems(points), false
	}

	items := SnappedItems(snappedPoints, points)
	if len(items) == 0 {
		s.metrics.SnapFallbacks.Inc()
		log.Warn().
			Int("points", len(points)).
			Int("snapped", len(snappedPoints)).
			Msg("Snap to roads returned no usable points, submitting raw points")
		return rawItems(points), false
	}

	return items, true
}

// SnappedItems keeps snapped points that carry a location and an index into
// points; the timestamp comes from the raw point at that index.
func SnappedItems(snapped []maps.SnappedPoint, points []store.Point) []gameapi.PathDataItem {
	items := make([]gameapi.PathDataItem, 0, len(snapped))
	for _, sp := range snapped {
		if sp.Location == nil || sp.OriginalIndex == nil {
			continue
		}
		idx := *sp.OriginalIndex
		if idx < 0 || idx >= len(points) {
			continue
		}
		items = append(items, gameapi.PathDataItem{
			Latitude:  sp.Location.Latitude,
			Longitude: sp.Location.Longitude,
			Timestamp: gameapi.FormatTimestamp(points[idx].Timestamp),
		})
	}
	return items
}

func rawItems(points []store.Point) []gameapi.PathDataItem {
	items := make([]gameapi.PathDataItem, len(points))
	for i, p := range points {
		items[i] = gameapi.PathDataItem{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Timestamp: gameapi.FormatTimestamp(p.Timestamp),
		}
	}
	return items
}

func toSubmitError(err error) *SubmitError {
	var apiErr *gameapi.APIError
	if errors.As(err, &apiErr) {
		return &SubmitError{StatusCode: apiErr.StatusCode, Body: apiErr.Body, Err: err}
	}
	return &SubmitError{Err: err}
}
