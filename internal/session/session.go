// Package session runs one location-collection session: it accepts fixes while
// collecting, normalizes and deduplicates them on a single worker, and hands the
// buffered path to the submission pipeline when stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stuartshay/path-worker/internal/metrics"
	"github.com/stuartshay/path-worker/internal/pipeline"
	"github.com/stuartshay/path-worker/internal/sampler"
	"github.com/stuartshay/path-worker/internal/state"
	"github.com/stuartshay/path-worker/internal/store"
)

// State is the lifecycle state of a session
type State string

// Session states
const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateFinalizing State = "finalizing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// DefaultQueueSize bounds the fixes waiting for normalization
const DefaultQueueSize = 64

var (
	// ErrNotCollecting is returned for fixes that arrive outside a collection run
	ErrNotCollecting = errors.New("session is not collecting")
	// ErrInvalidTransition is returned when Start or Stop is not allowed in the current state
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrQueueFull is returned when a fix is dropped because the fix queue is full
	ErrQueueFull = errors.New("fix queue is full")
)

// Finalizer submits the buffered path
type Finalizer interface {
	Finalize(ctx context.Context) (pipeline.Outcome, error)
}

// Source feeds fixes to the session while it is collecting
type Source interface {
	Run(ctx context.Context, emit func(sampler.Fix)) error
}

// Options wires a Session to its collaborators
type Options struct {
	Store      store.PointStore
	Finalizer  Finalizer
	Caches     *state.Caches
	Metrics    *metrics.Metrics
	Normalizer FixNormalizer
	Source     Source
	QueueSize  int
	TickEvery  time.Duration
}

// Status is a point-in-time view of the session
type Status struct {
	State          State             `json:"state"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	Elapsed        string            `json:"elapsed"`
	BufferedPoints int               `json:"buffered_points"`
	Caches         state.Snapshot    `json:"caches"`
	LastOutcome    *pipeline.Outcome `json:"last_outcome,omitempty"`
	LastMessage    string            `json:"last_message,omitempty"`
}

// Session owns the collection lifecycle
type Session struct {
	store      store.PointStore
	finalizer  Finalizer
	caches     *state.Caches
	metrics    *metrics.Metrics
	normalizer FixNormalizer
	source     Source
	queueSize  int
	tickEvery  time.Duration
	now        func() time.Time

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	fixes       chan sampler.Fix
	cancel      context.CancelFunc
	tasks       *errgroup.Group
	workerDone  chan struct{}
	lastOutcome *pipeline.Outcome
	lastMessage string
}

// New creates an idle session
func New(opts Options) *Session {
	if opts.Normalizer == nil {
		opts.Normalizer = IdentityNormalizer{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.TickEvery <= 0 {
		opts.TickEvery = time.Second
	}
	if opts.Caches == nil {
		opts.Caches = state.NewCaches()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	return &Session{
		store:      opts.Store,
		finalizer:  opts.Finalizer,
		caches:     opts.Caches,
		metrics:    opts.Metrics,
		normalizer: opts.Normalizer,
		source:     opts.Source,
		queueSize:  opts.QueueSize,
		tickEvery:  opts.TickEvery,
		now:        time.Now,
		state:      StateIdle,
	}
}

// Caches returns the latest-state holders published by the session
func (s *Session) Caches() *state.Caches {
	return s.caches
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins a collection run. Points left in the store by a failed run
// are kept and submitted with the new ones.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateSucceeded, StateFailed:
	default:
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidTransition, s.state)
	}

	s.caches.ResetLocations()
	s.caches.Elapsed.Set(0)
	s.startedAt = s.now()
	s.lastOutcome = nil
	s.lastMessage = ""

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	s.fixes = make(chan sampler.Fix, s.queueSize)
	s.workerDone = make(chan struct{})
	s.cancel = cancel
	s.tasks = g

	go s.runWorker(s.fixes, s.workerDone)

	startedAt := s.startedAt
	g.Go(func() error {
		return s.runTimer(gctx, startedAt)
	})
	if s.source != nil {
		g.Go(func() error {
			return s.source.Run(gctx, func(f sampler.Fix) {
				if err := s.HandleFix(f); err != nil && !errors.Is(err, ErrNotCollecting) {
					log.Warn().Err(err).Msg("Sampled fix rejected")
				}
			})
		})
	}

	s.state = StateCollecting
	log.Info().Time("started_at", startedAt).Msg("Collection session started")
	return nil
}

// HandleFix accepts a raw fix while collecting. The raw cache is updated
// immediately; normalization and persistence happen on the session worker.
func (s *Session) HandleFix(fix sampler.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCollecting {
		return ErrNotCollecting
	}
	if fix.Timestamp == 0 {
		fix.Timestamp = s.now().UnixMilli()
	}

	s.metrics.FixesReceived.Inc()
	s.caches.RawLocation.Set(state.Coordinate{Latitude: fix.Latitude, Longitude: fix.Longitude})

	select {
	case s.fixes <- fix:
		return nil
	default:
		s.metrics.FixesDropped.Inc()
		log.Warn().Int("queue_size", s.queueSize).Msg("Fix queue full, dropping fix")
		return ErrQueueFull
	}
}

// Stop halts collection and finalizes the buffered path
func (s *Session) Stop(ctx context.Context) (pipeline.Outcome, error) {
	if err := s.BeginStop(); err != nil {
		return pipeline.Outcome{}, err
	}
	return s.CompleteStop(ctx)
}

// BeginStop moves the session to finalizing. Collection tasks are cancelled
// and in-flight fixes are allowed to finish before it returns. Allowed while
// collecting, or after a failed finalization to retry it.
func (s *Session) BeginStop() error {
	s.mu.Lock()
	prev := s.state
	switch prev {
	case StateCollecting, StateFailed:
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidTransition, prev)
	}

	s.state = StateFinalizing
	cancel, tasks, workerDone := s.cancel, s.tasks, s.workerDone
	if prev == StateCollecting {
		close(s.fixes)
	}
	s.cancel, s.tasks, s.workerDone, s.fixes = nil, nil, nil, nil
	s.mu.Unlock()

	if prev != StateCollecting {
		log.Info().Msg("Retrying finalization")
		return nil
	}

	cancel()
	if err := tasks.Wait(); err != nil {
		log.Warn().Err(err).Msg("Collection task ended with error")
	}
	<-workerDone

	log.Info().Msg("Collection stopped, finalizing path")
	return nil
}

// CompleteStop runs the finalization started by BeginStop. Caller
// cancellation does not interrupt it.
func (s *Session) CompleteStop(ctx context.Context) (pipeline.Outcome, error) {
	if st := s.State(); st != StateFinalizing {
		return pipeline.Outcome{}, fmt.Errorf("%w: not finalizing (state %s)", ErrInvalidTransition, st)
	}

	outcome, err := s.finalizer.Finalize(context.WithoutCancel(ctx))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state = StateFailed
		s.lastOutcome = nil
		s.lastMessage = err.Error()
		return pipeline.Outcome{}, err
	}

	s.lastOutcome = &outcome
	s.lastMessage = outcome.Message()
	if outcome.OK() {
		s.state = StateSucceeded
	} else {
		s.state = StateFailed
	}
	return outcome, nil
}

// Status returns a snapshot of the session
func (s *Session) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		State:       s.state,
		LastMessage: s.lastMessage,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		st.StartedAt = &started
	}
	if s.lastOutcome != nil {
		o := *s.lastOutcome
		st.LastOutcome = &o
	}
	s.mu.Unlock()

	st.Caches = s.caches.Snapshot()
	st.Elapsed = st.Caches.Elapsed

	n, err := s.store.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count buffered points")
	}
	st.BufferedPoints = n
	return st
}

func (s *Session) runTimer(ctx context.Context, startedAt time.Time) error {
	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.caches.Elapsed.Set(s.now().Sub(startedAt))
		}
	}
}

// runWorker drains the fix queue in arrival order. Each run has its own
// dedupe tracker so the last-saved coordinate never leaks across sessions.
func (s *Session) runWorker(fixes <-chan sampler.Fix, done chan<- struct{}) {
	defer close(done)

	tracker := &dedupeTracker{}
	for fix := range fixes {
		s.processFix(context.Background(), tracker, fix)
	}
}

func (s *Session) processFix(ctx context.Context, tracker *dedupeTracker, fix sampler.Fix) {
	coord, matched, err := s.normalizer.Normalize(ctx, fix.Latitude, fix.Longitude)
	if err != nil || !matched {
		s.metrics.NormalizeFailures.Inc()
		if err != nil {
			log.Warn().Err(err).Float64("lat", fix.Latitude).Float64("lng", fix.Longitude).Msg("Fix normalization failed")
		} else {
			log.Debug().Float64("lat", fix.Latitude).Float64("lng", fix.Longitude).Msg("No normalized location for fix")
		}
		tracker.reset()
		s.caches.NormalizedLocation.Reset()
		return
	}

	s.caches.NormalizedLocation.Set(coord)

	if !tracker.shouldPersist(coord) {
		s.metrics.FixesDeduplicated.Inc()
		return
	}

	if _, err := s.store.Insert(ctx, store.Point{
		Latitude:  coord.Latitude,
		Longitude: coord.Longitude,
		Timestamp: fix.Timestamp,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to persist fix")
		return
	}

	tracker.saved(coord)
	s.metrics.FixesPersisted.Inc()
	s.metrics.BufferedPoints.Inc()
}
