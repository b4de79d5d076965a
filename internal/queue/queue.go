// Package queue provides an in-memory job queue with a worker pool for
// asynchronous path submissions.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// JobStatus represents the state of a submission job
type JobStatus string

// Job status constants define the lifecycle states
const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// DefaultHistory is how many finished jobs are kept for inspection
const DefaultHistory = 100

// Job represents one finalize-and-submit request
type Job struct {
	ID           string     `json:"id"`
	DeviceID     string     `json:"device_id"`
	Trigger      string     `json:"trigger"`
	Status       JobStatus  `json:"status"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Result       *JobResult `json:"result,omitempty"`

	done chan struct{}
}

// JobResult contains the output of a finished submission
type JobResult struct {
	Outcome          string  `json:"outcome"`
	Message          string  `json:"message"`
	PointsRead       int     `json:"points_read"`
	ItemsSubmitted   int     `json:"items_submitted"`
	DistanceM        float64 `json:"distance_m"`
	Snapped          bool    `json:"snapped"`
	ClearFailed      bool    `json:"clear_failed,omitempty"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
}

// ProcessFunc processes a job. A non-nil error marks the job failed; a
// result returned alongside it is kept.
type ProcessFunc func(ctx context.Context, job *Job) (*JobResult, error)

// Queue manages submission jobs with a worker pool
type Queue struct {
	mu           sync.RWMutex
	jobs         map[string]*Job
	pendingQueue chan *Job
	workers      int
	history      int
	processor    ProcessFunc
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewQueue creates a new job queue with the specified number of workers
func NewQueue(workers int, processor ProcessFunc) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:         make(map[string]*Job),
		pendingQueue: make(chan *Job, 100),
		workers:      workers,
		history:      DefaultHistory,
		processor:    processor,
		ctx:          ctx,
		cancel:       cancel,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	return q
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(deviceID, trigger string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobID := uuid.New().String()

	job := &Job{
		ID:       jobID,
		DeviceID: deviceID,
		Trigger:  trigger,
		Status:   StatusQueued,
		QueuedAt: time.Now().UTC(),
		done:     make(chan struct{}),
	}

	q.jobs[jobID] = job
	q.prune()

	select {
	case q.pendingQueue <- job:
		return jobID, nil
	default:
		job.Status = StatusFailed
		job.ErrorMessage = "queue is full"
		close(job.done)
		return "", fmt.Errorf("queue is full")
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(jobID string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	return copyJob(job), nil
}

// Wait blocks until the job finishes or ctx is done, then returns its latest state
func (q *Queue) Wait(ctx context.Context, jobID string) (*Job, error) {
	q.mu.RLock()
	job, exists := q.jobs[jobID]
	q.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return q.GetJob(jobID)
}

// ListJobs returns jobs filtered by status, newest first
func (q *Queue) ListJobs(status JobStatus, limit, offset int) []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var filtered []*Job
	for _, job := range q.jobs {
		if status == "" || job.Status == status {
			filtered = append(filtered, copyJob(job))
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].QueuedAt.After(filtered[j].QueuedAt)
	})

	start := offset
	if start > len(filtered) {
		return []*Job{}
	}

	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	return filtered[start:end]
}

// GetStats returns queue statistics
func (q *Queue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":      len(q.jobs),
		"queued":     0,
		"processing": 0,
		"completed":  0,
		"failed":     0,
	}

	for _, job := range q.jobs {
		switch job.Status {
		case StatusQueued:
			stats["queued"]++
		case StatusProcessing:
			stats["processing"]++
		case StatusCompleted:
			stats["completed"]++
		case StatusFailed:
			stats["failed"]++
		}
	}

	return stats
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.pendingQueue:
			q.processJob(id, job)
		}
	}
}

func (q *Queue) processJob(workerID int, job *Job) {
	startTime := time.Now()

	q.mu.Lock()
	job.Status = StatusProcessing
	now := time.Now().UTC()
	job.StartedAt = &now
	q.mu.Unlock()

	result, err := q.processor(q.ctx, job)

	q.mu.Lock()
	defer q.mu.Unlock()
	defer close(job.done)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt
	job.Result = result
	if result != nil {
		result.ProcessingTimeMS = time.Since(startTime).Milliseconds()
	}

	if err != nil {
		job.Status = StatusFailed
		job.ErrorMessage = err.Error()
		log.Warn().Err(err).Str("job_id", job.ID).Int("worker", workerID).Msg("Submission job failed")
		return
	}

	job.Status = StatusCompleted
	log.Info().Str("job_id", job.ID).Int("worker", workerID).Msg("Submission job completed")
}

// prune drops the oldest finished jobs beyond the history limit. Caller holds q.mu.
func (q *Queue) prune() {
	if len(q.jobs) <= q.history {
		return
	}

	var finished []*Job
	for _, job := range q.jobs {
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			finished = append(finished, job)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].QueuedAt.Before(finished[j].QueuedAt)
	})

	for _, job := range finished {
		if len(q.jobs) <= q.history {
			return
		}
		delete(q.jobs, job.ID)
	}
}

func copyJob(job *Job) *Job {
	jobCopy := *job
	jobCopy.done = nil
	if job.StartedAt != nil {
		startedCopy := *job.StartedAt
		jobCopy.StartedAt = &startedCopy
	}
	if job.CompletedAt != nil {
		completedCopy := *job.CompletedAt
		jobCopy.CompletedAt = &completedCopy
	}
	if job.Result != nil {
		resultCopy := *job.Result
		jobCopy.Result = &resultCopy
	}
	return &jobCopy
}

// Shutdown gracefully shuts down the queue
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
