// Package worker claims due workflows and drives them through the engine.
//
// Claiming is lease-based: the pull CASes a lease row inside a transaction,
// so two workers never execute one workflow concurrently. A worker that
// loses its lease abandons the run; the next holder replays idempotently.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/metrics"
)

type Config struct {
	// WorkerInstanceID defaults to a fresh uuid per process.
	WorkerInstanceID uuid.UUID

	PollInterval  time.Duration
	LeaseTTL      time.Duration
	PingInterval  time.Duration
	SweepInterval time.Duration
	PullBatch     int

	// MaxConsecutiveFailures marks a workflow dead after this many fatal
	// runs in a row without a successful commit.
	MaxConsecutiveFailures int
	RetryBackoffBase       time.Duration
	RetryBackoffMax        time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerInstanceID == uuid.Nil {
		c.WorkerInstanceID = uuid.New()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.PullBatch <= 0 {
		c.PullBatch = 32
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 4
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 5 * time.Minute
	}
}

type Worker struct {
	cfg     Config
	store   *history.Store
	engine  *engine.Engine
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func New(cfg Config, store *history.Store, eng *engine.Engine, m *metrics.Metrics, log zerolog.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:     cfg,
		store:   store,
		engine:  eng,
		metrics: m,
		log: log.With().
			Str("component", "worker").
			Stringer("worker_instance_id", cfg.WorkerInstanceID).
			Logger(),
		inflight: map[uuid.UUID]struct{}{},
	}
}

func (w *Worker) WorkerInstanceID() uuid.UUID { return w.cfg.WorkerInstanceID }

// Run polls for due workflows until ctx is canceled, waiting for in-flight
// runs before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	ping := time.NewTicker(w.cfg.PingInterval)
	defer ping.Stop()
	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()
	refresh := time.NewTicker(w.cfg.LeaseTTL / 3)
	defer refresh.Stop()

	if err := w.store.UpdateWorkerPing(ctx, w.cfg.WorkerInstanceID); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.log.Info().Msg("worker stopped")
			return ctx.Err()
		case <-poll.C:
			w.pollOnce(ctx, &wg)
		case <-ping.C:
			if err := w.store.UpdateWorkerPing(ctx, w.cfg.WorkerInstanceID); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("worker ping failed")
			}
		case <-sweep.C:
			cleared, err := w.store.ClearExpiredLeases(ctx)
			if err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("lease sweep failed")
				continue
			}
			if w.metrics != nil {
				w.metrics.LeasesCleared.Add(float64(cleared))
			}
		case <-refresh.C:
			w.refreshLeases(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context, wg *sync.WaitGroup) {
	names := w.engine.Registry().WorkflowNames()
	pulled, err := w.store.PullWorkflows(ctx, w.cfg.WorkerInstanceID, names, w.cfg.LeaseTTL, w.cfg.PullBatch)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("pull failed")
		}
		return
	}

	for _, wf := range pulled {
		w.mu.Lock()
		if _, running := w.inflight[wf.WorkflowID]; running {
			w.mu.Unlock()
			continue
		}
		w.inflight[wf.WorkflowID] = struct{}{}
		w.mu.Unlock()

		if w.metrics != nil {
			w.metrics.WorkflowsPulled.Inc()
			w.metrics.ActiveWorkflows.Inc()
		}
		wg.Add(1)
		go func(wf *history.PulledWorkflow) {
			defer wg.Done()
			defer func() {
				w.mu.Lock()
				delete(w.inflight, wf.WorkflowID)
				w.mu.Unlock()
				if w.metrics != nil {
					w.metrics.ActiveWorkflows.Dec()
				}
			}()
			w.runOne(ctx, wf)
		}(wf)
	}
}

func (w *Worker) refreshLeases(ctx context.Context) {
	w.mu.Lock()
	ids := make([]uuid.UUID, 0, len(w.inflight))
	for id := range w.inflight {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		err := w.store.ExtendLease(ctx, id, w.cfg.WorkerInstanceID, w.cfg.LeaseTTL)
		if err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Stringer("workflow_id", id).Msg("lease refresh failed")
		}
	}
}

func (w *Worker) runOne(ctx context.Context, wf *history.PulledWorkflow) {
	log := w.log.With().
		Stringer("workflow_id", wf.WorkflowID).
		Str("workflow", wf.Name).
		Logger()

	outcome := w.engine.RunWorkflow(ctx, wf)
	switch {
	case outcome.Err != nil:
		w.handleFailure(ctx, wf, outcome.Err, log)
	case outcome.Wake != nil:
		err := w.store.SuspendWorkflow(ctx, wf.WorkflowID, w.cfg.WorkerInstanceID, *outcome.Wake, outcome.ErrMsg)
		if w.commitFailed(err, log, "suspend") {
			return
		}
		if w.metrics != nil {
			w.metrics.WorkflowsSuspended.Inc()
		}
	default:
		err := w.store.CompleteWorkflow(ctx, wf.WorkflowID, w.cfg.WorkerInstanceID, outcome.Output)
		if w.commitFailed(err, log, "complete") {
			return
		}
		if w.metrics != nil {
			w.metrics.WorkflowsCompleted.Inc()
		}
		log.Info().Msg("workflow completed")
	}
}

// handleFailure requeues a fatally failed workflow with exponential backoff,
// marking it dead once the consecutive-failure budget is spent. The count
// rides on the workflow row, so the budget holds across worker restarts and
// failovers.
func (w *Worker) handleFailure(ctx context.Context, wf *history.PulledWorkflow, runErr error, log zerolog.Logger) {
	count := wf.ConsecutiveFailures + 1

	if count >= int64(w.cfg.MaxConsecutiveFailures) {
		log.Error().Err(runErr).Int64("failures", count).Msg("workflow marked dead")
		err := w.store.FailWorkflow(ctx, wf.WorkflowID, w.cfg.WorkerInstanceID, runErr.Error(), 0, count)
		if w.commitFailed(err, log, "fail") {
			return
		}
		if w.metrics != nil {
			w.metrics.WorkflowsDead.Inc()
		}
		return
	}

	backoff := w.cfg.RetryBackoffBase << (count - 1)
	if backoff > w.cfg.RetryBackoffMax {
		backoff = w.cfg.RetryBackoffMax
	}
	log.Warn().Err(runErr).Int64("failures", count).Dur("backoff", backoff).Msg("workflow run failed, requeueing")
	err := w.store.FailWorkflow(ctx, wf.WorkflowID, w.cfg.WorkerInstanceID, runErr.Error(), time.Now().Add(backoff).UnixMilli(), count)
	if w.commitFailed(err, log, "fail") {
		return
	}
	if w.metrics != nil {
		w.metrics.WorkflowsFailed.Inc()
	}
}

// commitFailed logs a commit error. A lost lease is expected contention:
// another worker reclaimed the workflow and will replay it, so the run is
// abandoned without touching the row.
func (w *Worker) commitFailed(err error, log zerolog.Logger, op string) bool {
	if err == nil {
		return false
	}
	var lost *history.ErrLeaseLost
	if errors.As(err, &lost) {
		log.Warn().Str("op", op).Msg("lease lost, abandoning run")
		return true
	}
	log.Error().Err(err).Str("op", op).Msg("commit failed")
	return true
}
