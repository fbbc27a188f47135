package outbox

import (
	"context"
	"time"

	domain "github.com/zenamanage/writepath/internal/domain/outbox"
	"go.uber.org/zap"
)

// Dispatcher drains pending events to the publish sink, decoupled in time
// from the request path: the writer's transaction commits fast and publishing
// can be slow, retried or temporarily offline without blocking callers.
type Dispatcher struct {
	repo      domain.Repository
	publisher Publisher
	logger    *zap.Logger
	metrics   *Metrics

	pollInterval  time.Duration
	batchSize     int
	maxRetries    int
	staleClaimAge time.Duration

	// Optional maintenance hook run once per poll (expired idempotency
	// record pruning).
	Maintenance func(ctx context.Context)
}

// DispatcherConfig tunes the polling worker. MaxRetries bounds automatic
// retry so a poison event cannot cause an infinite storm; its correct value
// depends on the sink's latency profile, hence configuration not a literal.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int

	// StaleClaimAge bounds how long a row may sit in processing before it is
	// treated as abandoned by a crashed dispatcher and requeued.
	StaleClaimAge time.Duration
}

func NewDispatcher(repo domain.Repository, publisher Publisher, cfg DispatcherConfig, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = 5 * time.Minute
	}
	return &Dispatcher{
		repo:          repo,
		publisher:     publisher,
		logger:        logger,
		metrics:       metrics,
		pollInterval:  cfg.PollInterval,
		batchSize:     cfg.BatchSize,
		maxRetries:    cfg.MaxRetries,
		staleClaimAge: cfg.StaleClaimAge,
	}
}

// Run polls the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.poll(ctx)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	if _, err := d.ProcessPending(ctx, d.batchSize); err != nil {
		d.logger.Error("outbox_poll_failed", zap.Error(err))
	}
	if _, err := d.RetryFailed(ctx, d.batchSize); err != nil {
		d.logger.Error("outbox_retry_sweep_failed", zap.Error(err))
	}
	if _, err := d.ReclaimStale(ctx, d.batchSize); err != nil {
		d.logger.Error("outbox_stale_sweep_failed", zap.Error(err))
	}
	if d.Maintenance != nil {
		d.Maintenance(ctx)
	}
	d.publishMetrics(ctx)
}

// ProcessPending claims up to batchSize of the oldest pending events,
// publishes each, and finalizes its row. Returns the number published
// successfully. Safe to run from concurrent dispatcher instances: the claim
// moves rows to processing atomically, so no event is published twice under
// normal operation.
func (d *Dispatcher) ProcessPending(ctx context.Context, batchSize int) (int, error) {
	events, err := d.repo.ClaimPending(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	completed := 0
	for i := range events {
		event := &events[i]
		if err := d.publishOne(ctx, event); err != nil {
			d.logger.Error("outbox_event_publish_failed",
				zap.Error(err),
				zap.Int64("event_id", event.ID),
				zap.String("event_name", event.EventName),
				zap.String("tenant_id", event.TenantID),
				zap.Int("retry_count", event.RetryCount+1),
			)
			continue
		}
		completed++
	}
	return completed, nil
}

func (d *Dispatcher) publishOne(ctx context.Context, event *domain.Event) error {
	if err := d.publisher.Publish(ctx, event); err != nil {
		if markErr := d.repo.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			d.logger.Error("outbox_mark_failed_error",
				zap.Error(markErr),
				zap.Int64("event_id", event.ID),
			)
		}
		if event.RetryCount+1 >= d.maxRetries {
			// Terminal after this failure; operators find it via metrics.
			d.logger.Error("outbox_event_retries_exhausted",
				zap.Int64("event_id", event.ID),
				zap.String("event_name", event.EventName),
				zap.String("last_error", err.Error()),
			)
		}
		return err
	}

	if err := d.repo.MarkCompleted(ctx, event.ID, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// RetryFailed re-queues failed events whose retry_count is below the
// maximum. Rows at the maximum stay failed until an operator intervenes.
func (d *Dispatcher) RetryFailed(ctx context.Context, batchSize int) (int, error) {
	n, err := d.repo.RequeueFailed(ctx, batchSize, d.maxRetries)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("outbox_failed_events_requeued", zap.Int64("count", n))
	}
	return int(n), nil
}

// ReclaimStale returns processing rows older than the stale-claim bound to
// pending. Without this sweep, a dispatcher that crashes between claiming and
// finalizing strands its batch in processing, invisible to the retry sweep.
func (d *Dispatcher) ReclaimStale(ctx context.Context, batchSize int) (int, error) {
	n, err := d.repo.RequeueStale(ctx, batchSize, d.staleClaimAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Warn("outbox_stale_claims_requeued", zap.Int64("count", n))
	}
	return int(n), nil
}

// GetMetrics returns aggregate outbox state with derived health.
func (d *Dispatcher) GetMetrics(ctx context.Context) (*domain.Metrics, error) {
	return d.repo.Metrics(ctx)
}

func (d *Dispatcher) publishMetrics(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	m, err := d.repo.Metrics(ctx)
	if err != nil {
		d.logger.Warn("outbox_metrics_refresh_failed", zap.Error(err))
		return
	}
	d.metrics.Observe(m)
}
