// Package reconcile relabels a user's historical events once the user is
// identified from a new installation, so their history is not split across
// identify ids.
//
// Two jobs for the same user may race; the last writer wins.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/metrics"
	"example.com/beacon/internal/storage"
)

// Store is the subset of storage.Store used for reconciliation.
type Store interface {
	LatestIdentifyID(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, userID, exclude string) (string, error)
	RelabelIdentifyID(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, from, to string) (int64, error)
}

// Job asks for userID's events to be moved under IdentifyID.
type Job struct {
	Plane      domain.DataPlane
	APIKey     uuid.UUID
	UserID     string
	IdentifyID string
}

type Options struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single job.
	Timeout time.Duration
	Logger  slog.Logger
	Metrics *metrics.Metrics
}

type Reconciler struct {
	store   Store
	queue   chan Job
	workers int
	timeout time.Duration
	log     slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func New(store Store, opts Options) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Reconciler{
		store:   store,
		queue:   make(chan Job, opts.QueueSize),
		workers: opts.Workers,
		timeout: opts.Timeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// Start launches the workers. They stop once ctx is done; jobs still
// queued at that point are abandoned.
func (r *Reconciler) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-r.queue:
					r.run(ctx, job)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Enqueue schedules a job without blocking. It reports false, and logs,
// when the queue is full.
func (r *Reconciler) Enqueue(job Job) bool {
	select {
	case r.queue <- job:
		return true
	default:
		r.log.Warn(context.Background(), "reconcile queue full, dropping job",
			slog.F("plane", job.Plane),
			slog.F("user_id", job.UserID),
		)
		r.metrics.Reconciled("dropped")
		return false
	}
}

func (r *Reconciler) run(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.Reconcile(ctx, job)
	if err != nil {
		r.log.Error(ctx, "reconcile identity",
			slog.F("plane", job.Plane),
			slog.F("user_id", job.UserID),
			slog.F("identify_id", job.IdentifyID),
			slog.Error(err),
		)
		r.metrics.Reconciled("error")
		return
	}
	if n == 0 {
		r.metrics.Reconciled("noop")
		return
	}
	r.log.Debug(ctx, "reconciled identity",
		slog.F("plane", job.Plane),
		slog.F("user_id", job.UserID),
		slog.F("identify_id", job.IdentifyID),
		slog.F("relabeled", n),
	)
	r.metrics.Reconciled("relabeled")
}

// Reconcile moves every record of the user's previous identify id to
// job.IdentifyID and returns how many records changed. It is a no-op when
// the user has no other identify id, so repeating a finished job writes
// nothing.
func (r *Reconciler) Reconcile(ctx context.Context, job Job) (int64, error) {
	if job.UserID == "" || job.IdentifyID == "" {
		return 0, nil
	}
	previous, err := r.store.LatestIdentifyID(ctx, job.Plane, job.APIKey, job.UserID, job.IdentifyID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Errorf("find previous identify id: %w", err)
	}
	if previous == job.IdentifyID {
		return 0, nil
	}
	n, err := r.store.RelabelIdentifyID(ctx, job.Plane, job.APIKey, previous, job.IdentifyID)
	if err != nil {
		return 0, xerrors.Errorf("relabel %s: %w", previous, err)
	}
	return n, nil
}
