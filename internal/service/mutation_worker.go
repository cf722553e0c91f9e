package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sportbond/competition-api/internal/models"
	"github.com/sportbond/competition-api/pkg/metrics"
)

// HandlerStatus is the terminal classification of one handler run.
type HandlerStatus int

const (
	// OutcomeDone means the operation was performed (or was already done).
	OutcomeDone HandlerStatus = iota
	// OutcomeSkipped means a business precondition was not met. The record
	// is still marked processed: a skip is a terminal decision, not a fault,
	// and the operation must be requested again once conditions are met.
	OutcomeSkipped
)

// HandlerOutcome is returned by handlers instead of signalling preconditions
// through error values. A non-nil error from Process always means retry.
type HandlerOutcome struct {
	Status HandlerStatus
	Reason string
}

// Done reports a completed operation.
func Done() HandlerOutcome { return HandlerOutcome{Status: OutcomeDone} }

// Skipped reports an operation refused because a precondition was not met.
func Skipped(reason string) HandlerOutcome {
	return HandlerOutcome{Status: OutcomeSkipped, Reason: reason}
}

// Label returns the metrics label for the outcome.
func (o HandlerOutcome) Label() string {
	if o.Status == OutcomeSkipped {
		return "skipped"
	}
	return "done"
}

// MutationHandler processes all mutation records of one kind. Handlers must
// be idempotent at the business level: a record may be delivered more than
// once across worker restarts, and producers occasionally create duplicates.
type MutationHandler interface {
	Kind() models.MutationKind
	Process(ctx context.Context, mutation *models.Mutation) (HandlerOutcome, error)
}

type mutationQueue interface {
	GetByID(ctx context.Context, id int64) (*models.Mutation, error)
	ListUnprocessedIDs(ctx context.Context, afterID int64) ([]int64, error)
	MaxID(ctx context.Context) (int64, error)
	MarkProcessed(ctx context.Context, id int64) error
}

type pingWaiter interface {
	WaitForPing(timeout time.Duration) bool
}

type heartbeatRecorder interface {
	Record(ctx context.Context) error
}

// MutationWorker is the single consumer of the mutation queue. It drains
// unprocessed records strictly in insertion order, then sleeps on the wake
// signal until the next poll or until its run budget expires. Exactly one
// instance should be draining at a time; this is an operational arrangement
// (one scheduled instance), not a lock, so correctness rests on handler
// idempotency rather than on lock hygiene.
type MutationWorker struct {
	queue        mutationQueue
	handlers     map[models.MutationKind]MutationHandler
	sync         pingWaiter
	heartbeat    heartbeatRecorder
	metrics      *metrics.WorkerMetrics
	logger       *zap.Logger
	pollInterval time.Duration

	pingCount int
}

// MutationWorkerOption configures the worker.
type MutationWorkerOption func(*MutationWorker)

// WithWorkerHeartbeat enables the external liveness heartbeat.
func WithWorkerHeartbeat(recorder heartbeatRecorder) MutationWorkerOption {
	return func(w *MutationWorker) { w.heartbeat = recorder }
}

// WithWorkerMetrics overrides the default (unregistered) collectors.
func WithWorkerMetrics(m *metrics.WorkerMetrics) MutationWorkerOption {
	return func(w *MutationWorker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithPollInterval overrides the wait between drain passes.
func WithPollInterval(interval time.Duration) MutationWorkerOption {
	return func(w *MutationWorker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// NewMutationWorker wires the worker with its handlers.
func NewMutationWorker(queue mutationQueue, sync pingWaiter, handlers []MutationHandler, logger *zap.Logger, opts ...MutationWorkerOption) *MutationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &MutationWorker{
		queue:        queue,
		handlers:     make(map[models.MutationKind]MutationHandler, len(handlers)),
		sync:         sync,
		metrics:      metrics.NewWorkerMetrics(nil),
		logger:       logger,
		pollInterval: 3 * time.Second,
	}
	for _, handler := range handlers {
		w.handlers[handler.Kind()] = handler
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run drains and waits until stopAt or until the context is cancelled. All
// errors are logged, never returned: the worker relies on its next scheduled
// invocation, and a bad record must not look like a scheduling failure.
func (w *MutationWorker) Run(ctx context.Context, stopAt time.Time) {
	w.logger.Info("mutation worker started", zap.Time("stop_at", stopAt))

	var watermark int64
	for {
		if ctx.Err() != nil {
			break
		}
		remaining := time.Until(stopAt)
		if remaining <= 0 {
			break
		}

		next, err := w.DrainPass(ctx, watermark)
		if err != nil {
			w.metrics.DrainErrors.Inc()
			w.logger.Error("drain pass aborted", zap.Error(err))
		} else {
			watermark = next
		}

		if w.heartbeat != nil {
			if err := w.heartbeat.Record(ctx); err != nil {
				w.logger.Warn("heartbeat not recorded", zap.Error(err))
			}
		}

		remaining = time.Until(stopAt)
		if remaining <= 0 {
			break
		}
		wait := w.pollInterval
		if remaining < wait {
			wait = remaining
		}
		if w.sync.WaitForPing(wait) {
			w.pingCount++
			w.metrics.PingsReceived.Inc()
		}
	}

	w.logger.Info("mutation worker stopping", zap.Int("pings_received", w.pingCount))
}

// DrainPass handles every unprocessed record above the given watermark in
// ascending id order and returns the watermark for the next pass. Records
// inserted while the pass runs may be visited again next time; that overlap
// is harmless because handlers are idempotent. A record that could not be
// handled keeps the watermark below it so it is retried.
func (w *MutationWorker) DrainPass(ctx context.Context, afterID int64) (int64, error) {
	begin := time.Now()

	latest, err := w.queue.MaxID(ctx)
	if err != nil {
		return afterID, err
	}

	ids, err := w.queue.ListUnprocessedIDs(ctx, afterID)
	if err != nil {
		return afterID, err
	}

	next := latest
	handled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			if id-1 < next {
				next = id - 1
			}
			break
		}
		if w.processOne(ctx, id) {
			handled++
			continue
		}
		if id-1 < next {
			next = id - 1
		}
	}

	w.metrics.DrainDuration.Observe(time.Since(begin).Seconds())
	if handled > 0 {
		w.logger.Info("mutations processed",
			zap.Int("count", handled),
			zap.Int64("watermark", next),
			zap.Duration("duration", time.Since(begin)))
	}
	return next, nil
}

// processOne reports whether the record reached a terminal state. False
// leaves the record unprocessed for the next cycle.
func (w *MutationWorker) processOne(ctx context.Context, id int64) bool {
	// fetch one at a time so the handler sees fresh state
	mutation, err := w.queue.GetByID(ctx, id)
	if err != nil {
		w.logger.Warn("load mutation failed", zap.Int64("id", id), zap.Error(err))
		return false
	}
	if mutation.Processed {
		return true
	}

	handler, ok := w.handlers[mutation.Kind]
	if !ok {
		w.logger.Error("no handler for mutation kind",
			zap.Int64("id", mutation.ID),
			zap.String("kind", string(mutation.Kind)))
		return false
	}

	outcome, err := w.invoke(ctx, handler, mutation)
	if err != nil {
		w.metrics.MutationsProcessed.WithLabelValues(string(mutation.Kind), "error").Inc()
		w.logger.Warn("mutation handler failed",
			zap.Int64("id", mutation.ID),
			zap.String("kind", string(mutation.Kind)),
			zap.Error(err))
		return false
	}

	if outcome.Status == OutcomeSkipped {
		w.logger.Info("mutation skipped",
			zap.Int64("id", mutation.ID),
			zap.String("kind", string(mutation.Kind)),
			zap.String("reason", outcome.Reason))
	}

	if err := w.queue.MarkProcessed(ctx, mutation.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		w.logger.Warn("mark processed failed", zap.Int64("id", mutation.ID), zap.Error(err))
		return false
	}

	w.metrics.MutationsProcessed.WithLabelValues(string(mutation.Kind), outcome.Label()).Inc()
	return true
}

func (w *MutationWorker) invoke(ctx context.Context, handler MutationHandler, mutation *models.Mutation) (outcome HandlerOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Process(ctx, mutation)
}
