package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/bunrui/internal/model"
	"github.com/ashita-ai/bunrui/internal/storage"
	"github.com/ashita-ai/bunrui/internal/tooltype"
)

// WorkerConfig tunes the outbox worker.
type WorkerConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int           // delivery attempts before the DispatchFailed annotation
	DeliveryTimeout time.Duration // per-delivery context deadline
}

// Worker polls the dispatch outbox and routes claimed entries to the
// collaborator keyed by their tool type's dispatch key.
type Worker struct {
	db            *storage.DB
	registry      *tooltype.Registry
	collaborators map[string]Collaborator
	logger        *slog.Logger
	cfg           WorkerConfig

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll

	delivered metric.Int64Counter
	deferred  metric.Int64Counter
	failed    metric.Int64Counter
}

// NewWorker creates a dispatch worker. collaborators maps dispatch keys to
// implementations; keys with no collaborator behave as unavailable targets
// and are retried.
func NewWorker(db *storage.DB, registry *tooltype.Registry, collaborators map[string]Collaborator, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if collaborators == nil {
		collaborators = map[string]Collaborator{}
	}
	w := &Worker{
		db:            db,
		registry:      registry,
		collaborators: collaborators,
		logger:        logger,
		cfg:           cfg,
		done:          make(chan struct{}),
		drainCh:       make(chan context.Context, 1),
	}
	w.registerMetrics()
	return w
}

// Start re-arms deferred entries whose codes this deployment now knows and
// begins the background poll loop. Safe to call only once; subsequent calls
// are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("dispatch: Start called more than once, ignoring")
		return
	}
	if n, err := w.db.RearmDeferredDispatches(ctx, w.registry.Codes()); err != nil {
		w.logger.Warn("dispatch: rearm deferred entries", "error", err)
	} else if n > 0 {
		w.logger.Info("dispatch: re-armed deferred entries", "count", n)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining claimable entries,
// and blocks until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("dispatch: drain timed out")
	}
}

// NotifyCancelled sends a best-effort cancellation advisory to the run's
// collaborator, if it implements Canceller. Fire-and-forget: the caller has
// already committed the authoritative status change.
func (w *Worker) NotifyCancelled(run model.RunRecord) {
	tt, ok := w.registry.Lookup(run.ToolType)
	if !ok || tt.DispatchKey == "" {
		return
	}
	c, ok := w.collaborators[tt.DispatchKey]
	if !ok {
		return
	}
	canceller, ok := c.(Canceller)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DeliveryTimeout)
		defer cancel()
		if err := canceller.CancelRun(ctx, run); err != nil {
			w.logger.Debug("dispatch: cancel advisory failed",
				"run_id", run.ID, "dispatch_key", tt.DispatchKey, "error", err)
		}
	}()
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the final pass
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout+10*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

// ProcessOnce runs a single claim-and-deliver pass. Exported for tests and
// for the drain path; the steady-state loop calls it on every tick.
func (w *Worker) ProcessOnce(ctx context.Context) {
	w.processBatch(ctx)
}

func (w *Worker) processBatch(ctx context.Context) {
	entries, err := w.db.ClaimDispatchEntries(ctx, w.cfg.BatchSize, w.cfg.MaxAttempts, w.cfg.DeliveryTimeout+time.Minute)
	if err != nil {
		w.logger.Error("dispatch: claim entries", "error", err)
		return
	}

	for _, entry := range entries {
		w.deliver(ctx, entry)
	}
}

func (w *Worker) deliver(ctx context.Context, entry model.DispatchEntry) {
	tt, ok := w.registry.Lookup(entry.ToolType)
	if !ok {
		// Classification drift: a later deployment registered this code.
		// Park the entry where operators can see it; never drop it.
		reason := fmt.Sprintf("tool type %d unknown to this process", entry.ToolType)
		if err := w.db.MarkDispatchDeferred(ctx, entry.ID, reason); err != nil {
			w.logger.Error("dispatch: defer entry", "outbox_id", entry.ID, "error", err)
			return
		}
		w.logger.Warn("dispatch: deferred entry with unknown tool type",
			"outbox_id", entry.ID, "run_id", entry.RunID, "tool_type", entry.ToolType)
		w.deferred.Add(ctx, 1, metric.WithAttributes(attribute.Int("tool_type", entry.ToolType)))
		return
	}

	if tt.DispatchKey == "" {
		// Regular runs are never enqueued; an empty key here means a custom
		// code was registered without a target. Nothing to route to.
		if err := w.db.MarkDispatchDelivered(ctx, entry.ID); err != nil {
			w.logger.Error("dispatch: settle no-op entry", "outbox_id", entry.ID, "error", err)
		}
		return
	}

	run, err := w.db.GetRun(ctx, entry.RunID)
	if err != nil {
		w.logger.Error("dispatch: load run snapshot", "run_id", entry.RunID, "error", err)
		w.markFailed(ctx, entry, fmt.Sprintf("load run: %v", err))
		return
	}

	c, ok := w.collaborators[tt.DispatchKey]
	if !ok {
		w.markFailed(ctx, entry, fmt.Sprintf("no collaborator registered for %q", tt.DispatchKey))
		return
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	err = c.Deliver(deliveryCtx, run)
	cancel()
	if err != nil {
		w.markFailed(ctx, entry, err.Error())
		return
	}

	if err := w.db.MarkDispatchDelivered(ctx, entry.ID); err != nil {
		w.logger.Error("dispatch: settle delivered entry", "outbox_id", entry.ID, "error", err)
		return
	}
	w.logger.Info("dispatch: delivered",
		"run_id", entry.RunID, "run_status", entry.RunStatus, "dispatch_key", tt.DispatchKey)
	w.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("dispatch_key", tt.DispatchKey)))
}

func (w *Worker) markFailed(ctx context.Context, entry model.DispatchEntry, errMsg string) {
	if err := w.db.MarkDispatchFailed(ctx, entry.ID, errMsg, w.cfg.MaxAttempts); err != nil {
		w.logger.Error("dispatch: record failed attempt", "outbox_id", entry.ID, "error", err)
		return
	}
	if entry.Attempts+1 >= w.cfg.MaxAttempts {
		w.logger.Warn("dispatch: attempts exhausted, entry annotated as failed",
			"outbox_id", entry.ID,
			"run_id", entry.RunID,
			"attempts", entry.Attempts+1,
			"error", errMsg,
		)
		w.failed.Add(ctx, 1, metric.WithAttributes(attribute.Int("tool_type", entry.ToolType)))
	}
}

func (w *Worker) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("bunrui/dispatch")

	w.delivered, _ = meter.Int64Counter("bunrui.dispatch.delivered",
		metric.WithDescription("Outbox entries delivered to a collaborator"))
	w.deferred, _ = meter.Int64Counter("bunrui.dispatch.deferred",
		metric.WithDescription("Outbox entries deferred because the tool type is unknown to this process"))
	w.failed, _ = meter.Int64Counter("bunrui.dispatch.failed",
		metric.WithDescription("Outbox entries that exhausted their delivery attempts"))

	_, _ = meter.Int64ObservableGauge("bunrui.dispatch.outbox_depth",
		metric.WithDescription("Pending entries in the dispatch outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.db.CountPendingDispatches(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(int64(n))
			return nil
		}),
	)
}
