// Package worker runs ingestion jobs off the request path. One
// consumer goroutine drains a FIFO queue, so jobs never run
// concurrently with each other; each job snapshots the active config
// at submission and carries a cancel flag the pipeline polls.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/engine/ingest"
	"github.com/tesserai/tessera/pkg/metrics"
)

// ErrStopped reports a submission to a worker that has shut down.
var ErrStopped = errors.New("worker: stopped")

// Kind names what a job ingests.
type Kind string

const (
	KindIngestPath     Kind = "ingest_path"
	KindIngestPathList Kind = "ingest_path_list"
	KindIngestURL      Kind = "ingest_url"
	KindIngestURLList  Kind = "ingest_url_list"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindIngestPath, KindIngestPathList, KindIngestURL, KindIngestURLList:
		return true
	}
	return false
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job is one background ingestion unit. The config snapshot pins the
// settings active at submission so a reload cannot change a job
// mid-flight.
type Job struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Args        map[string]string `json:"args"`
	Status      Status            `json:"status"`
	SubmittedAt time.Time         `json:"submitted_at"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	FinishedAt  time.Time         `json:"finished_at,omitzero"`
	Error       string            `json:"error,omitempty"`

	Config config.Config `json:"-"`

	cancel *atomic.Bool
}

// Canceled reports the job's cancel flag; the ingest pipeline polls it
// between documents and batches.
func (j Job) Canceled() bool { return j.cancel != nil && j.cancel.Load() }

// Runner executes one job. Implementations dispatch on job.Kind and
// return ingest.ErrCanceled when job.Canceled() turned true mid-run.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) error

func (f RunnerFunc) Run(ctx context.Context, job Job) error { return f(ctx, job) }

// queueCap bounds submissions waiting for the consumer.
const queueCap = 1024

// Worker owns the job table and the single consumer goroutine.
type Worker struct {
	runner Runner
	log    *slog.Logger

	jobsDone   func(status Status) *metrics.Counter
	jobSeconds *metrics.Histogram
	queueDepth *metrics.Gauge

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
	seq   uint64

	queue   chan string
	stopCh  chan struct{}
	done    chan struct{}
	stopped atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Worker. Call Start before submitting.
func New(runner Runner, logger *slog.Logger, met *metrics.Registry) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if met == nil {
		met = metrics.New()
	}
	return &Worker{
		runner: runner,
		log:    logger,
		jobsDone: func(status Status) *metrics.Counter {
			return met.Counter(metrics.WithLabels("worker_jobs_total", "status", string(status)),
				"finished jobs by status")
		},
		jobSeconds: met.Histogram("worker_job_seconds", "job run duration", nil),
		queueDepth: met.Gauge("worker_queue_depth", "jobs waiting for the consumer"),
		jobs:       make(map[string]*Job),
		queue:      make(chan string, queueCap),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Safe to call once.
func (w *Worker) Start() {
	w.startOnce.Do(func() { go w.consume() })
}

// Submit enqueues a job and returns its record immediately.
func (w *Worker) Submit(kind Kind, args map[string]string, cfg config.Config) (Job, error) {
	if w.stopped.Load() {
		return Job{}, ErrStopped
	}
	w.mu.Lock()
	w.seq++
	job := &Job{
		ID:          strconv.FormatUint(w.seq, 10),
		Kind:        kind,
		Args:        args,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
		Config:      cfg,
		cancel:      &atomic.Bool{},
	}
	w.jobs[job.ID] = job
	w.order = append(w.order, job.ID)
	snapshot := *job
	w.mu.Unlock()

	// The snapshot is taken before the id is visible to the consumer.
	select {
	case w.queue <- job.ID:
	default:
		w.mu.Lock()
		job.Status = StatusFailed
		job.Error = "queue full"
		job.FinishedAt = time.Now()
		snapshot = *job
		w.mu.Unlock()
		return snapshot, fmt.Errorf("worker: queue full: %w", domain.ErrBusy)
	}
	w.queueDepth.Inc()
	w.log.Info("job submitted", "job_id", job.ID, "kind", kind)
	return snapshot, nil
}

// Get returns a snapshot of one job.
func (w *Worker) Get(id string) (Job, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("worker: job %s: %w", id, domain.ErrJobNotFound)
	}
	return *job, nil
}

// List returns snapshots of all jobs in submission order.
func (w *Worker) List() []Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Job, 0, len(w.order))
	for _, id := range w.order {
		if job, ok := w.jobs[id]; ok {
			out = append(out, *job)
		}
	}
	return out
}

// Cancel stops a job. A pending job turns CANCELED immediately; a
// running job turns CANCELED when the pipeline reaches its next
// boundary. Terminal jobs are not cancelable.
func (w *Worker) Cancel(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.jobs[id]
	if !ok {
		return fmt.Errorf("worker: job %s: %w", id, domain.ErrJobNotFound)
	}
	switch job.Status {
	case StatusPending:
		job.cancel.Store(true)
		job.Status = StatusCanceled
		job.FinishedAt = time.Now()
		return nil
	case StatusRunning:
		job.cancel.Store(true)
		return nil
	}
	return fmt.Errorf("worker: job %s is %s: %w", id, job.Status, domain.ErrJobNotCancelable)
}

// Remove deletes a terminal job from the table.
func (w *Worker) Remove(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.jobs[id]
	if !ok {
		return fmt.Errorf("worker: job %s: %w", id, domain.ErrJobNotFound)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("worker: job %s is %s: %w", id, job.Status, domain.ErrJobActive)
	}
	w.deleteLocked(id)
	return nil
}

// PruneTerminal removes every terminal job and reports how many.
func (w *Worker) PruneTerminal() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int
	for _, id := range append([]string(nil), w.order...) {
		if job, ok := w.jobs[id]; ok && job.Status.Terminal() {
			w.deleteLocked(id)
			n++
		}
	}
	return n
}

// deleteLocked must be called with mu held.
func (w *Worker) deleteLocked(id string) {
	delete(w.jobs, id)
	for i, oid := range w.order {
		if oid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// Shutdown cancels every unfinished job, stops the consumer without
// starting new work, and waits for it to exit or ctx to end.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.Start()
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.mu.Lock()
		for _, job := range w.jobs {
			if !job.Status.Terminal() {
				job.cancel.Store(true)
			}
		}
		w.mu.Unlock()
		close(w.stopCh)
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) consume() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			w.drainPending()
			return
		case id := <-w.queue:
			w.queueDepth.Dec()
			w.runJob(id)
		}
	}
}

// drainPending marks everything still waiting CANCELED.
func (w *Worker) drainPending() {
	for {
		select {
		case <-w.queue:
			w.queueDepth.Dec()
		default:
			w.mu.Lock()
			now := time.Now()
			for _, job := range w.jobs {
				if job.Status == StatusPending {
					job.Status = StatusCanceled
					job.FinishedAt = now
				}
			}
			w.mu.Unlock()
			return
		}
	}
}

func (w *Worker) runJob(id string) {
	w.mu.Lock()
	job, ok := w.jobs[id]
	if !ok || job.Status != StatusPending {
		w.mu.Unlock()
		return
	}
	if job.cancel.Load() {
		job.Status = StatusCanceled
		job.FinishedAt = time.Now()
		w.mu.Unlock()
		return
	}
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	snapshot := *job
	w.mu.Unlock()

	w.log.Info("job started", "job_id", id, "kind", snapshot.Kind)
	start := time.Now()
	err := w.runner.Run(context.Background(), snapshot)
	w.jobSeconds.Since(start)

	w.mu.Lock()
	defer w.mu.Unlock()
	job.FinishedAt = time.Now()
	switch {
	case err == nil && job.cancel.Load():
		// The flag flipped after the last pipeline boundary.
		job.Status = StatusCanceled
	case err == nil:
		job.Status = StatusSucceeded
	case errors.Is(err, ingest.ErrCanceled):
		job.Status = StatusCanceled
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
	}
	w.jobsDone(job.Status).Inc()
	w.log.Info("job finished",
		"job_id", id,
		"status", job.Status,
		"duration", time.Since(start),
		"error", job.Error,
	)
}
