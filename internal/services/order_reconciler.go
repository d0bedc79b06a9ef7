package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/repositories"
)

const (
	// SweepUnpaid cancels orders nobody paid for in time.
	SweepUnpaid = "unpaid"
	// SweepStuckDelivery completes orders left in delivery past the age threshold.
	SweepStuckDelivery = "stuck_delivery"

	defaultUnpaidTimeout       = 15 * time.Minute
	defaultUnpaidSweepInterval = time.Minute
	defaultStuckDeliveryAge    = time.Hour
	defaultSweepBatchSize      = 500

	reconcilerMeterName = "github.com/takeout-platform/api/internal/services/reconciler"
)

// SweepTransitions are the lifecycle calls the reconciler drives. They revalidate state like any other
// caller; the reconciler has no privileged path.
type SweepTransitions interface {
	Cancel(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Complete(ctx context.Context, cmd OrderActionCommand) (Order, error)
}

// StaleOrderFinder selects candidates for a sweep.
type StaleOrderFinder interface {
	ListStaleByStatus(ctx context.Context, status domain.OrderStatus, cutoff time.Time, limit int) ([]int64, error)
}

var _ StaleOrderFinder = (repositories.OrderRepository)(nil)

// ClockTime is a wall clock time of day.
type ClockTime struct {
	Hour   uint
	Minute uint
	Second uint
}

// OrderReconcilerConfig controls sweep timing.
type OrderReconcilerConfig struct {
	UnpaidTimeout       time.Duration
	UnpaidSweepInterval time.Duration
	StuckDeliveryAge    time.Duration
	// StuckDeliverySweepInterval wins over StuckDeliverySweepAt when positive.
	StuckDeliverySweepInterval time.Duration
	StuckDeliverySweepAt       ClockTime
	Location                   *time.Location
	BatchSize                  int
}

// OrderReconcilerDeps bundles reconciler collaborators.
type OrderReconcilerDeps struct {
	Orders      StaleOrderFinder
	Transitions SweepTransitions
	Config      OrderReconcilerConfig
	Clock       func() time.Time
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
	// SchedulerLogger receives gocron's own diagnostics.
	SchedulerLogger gocron.Logger
}

// SweepResult summarises one sweep execution.
type SweepResult struct {
	Sweep        string
	Scanned      int
	Transitioned int
	Skipped      int
	Failed       int
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// OrderReconciler owns the periodic sweeps that force timed-out orders through the lifecycle.
type OrderReconciler struct {
	orders      StaleOrderFinder
	transitions SweepTransitions
	cfg         OrderReconcilerConfig
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
	schedLogger gocron.Logger

	processed metric.Int64Counter
	runs      metric.Int64Counter

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	last      map[string]SweepResult
}

// NewOrderReconciler validates configuration and constructs a reconciler. Start must be called to run
// the sweeps on schedule.
func NewOrderReconciler(deps OrderReconcilerDeps) (*OrderReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("order reconciler: order finder is required")
	}
	if deps.Transitions == nil {
		return nil, errors.New("order reconciler: lifecycle transitions are required")
	}

	cfg := deps.Config
	if cfg.UnpaidTimeout <= 0 {
		cfg.UnpaidTimeout = defaultUnpaidTimeout
	}
	if cfg.UnpaidSweepInterval <= 0 {
		cfg.UnpaidSweepInterval = defaultUnpaidSweepInterval
	}
	if cfg.StuckDeliveryAge <= 0 {
		cfg.StuckDeliveryAge = defaultStuckDeliveryAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatchSize
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StuckDeliverySweepAt.Hour > 23 || cfg.StuckDeliverySweepAt.Minute > 59 || cfg.StuckDeliverySweepAt.Second > 59 {
		return nil, fmt.Errorf("order reconciler: invalid stuck delivery sweep time %+v", cfg.StuckDeliverySweepAt)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(reconcilerMeterName)
	}

	processed, err := meter.Int64Counter("reconciler.orders.processed",
		metric.WithDescription("Orders examined by reconciler sweeps, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("order reconciler: register processed metric: %w", err)
	}
	runs, err := meter.Int64Counter("reconciler.sweeps",
		metric.WithDescription("Reconciler sweep executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("order reconciler: register sweep metric: %w", err)
	}

	return &OrderReconciler{
		orders:      deps.Orders,
		transitions: deps.Transitions,
		cfg:         cfg,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:      logger,
		schedLogger: deps.SchedulerLogger,
		processed:   processed,
		runs:        runs,
		last:        make(map[string]SweepResult, 2),
	}, nil
}

// Start schedules both sweeps. Sweeps run in singleton mode so a slow run never overlaps the next tick.
func (r *OrderReconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return errors.New("order reconciler: already started")
	}

	options := []gocron.SchedulerOption{gocron.WithLocation(r.cfg.Location)}
	if r.schedLogger != nil {
		options = append(options, gocron.WithLogger(r.schedLogger))
	}
	scheduler, err := gocron.NewScheduler(options...)
	if err != nil {
		return fmt.Errorf("order reconciler: create scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if _, err := scheduler.NewJob(
		gocron.DurationJob(r.cfg.UnpaidSweepInterval),
		gocron.NewTask(func() { _, _ = r.SweepUnpaid(runCtx) }),
		gocron.WithName(SweepUnpaid),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return fmt.Errorf("order reconciler: schedule unpaid sweep: %w", err)
	}

	var stuckDef gocron.JobDefinition
	if r.cfg.StuckDeliverySweepInterval > 0 {
		stuckDef = gocron.DurationJob(r.cfg.StuckDeliverySweepInterval)
	} else {
		at := r.cfg.StuckDeliverySweepAt
		stuckDef = gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(at.Hour, at.Minute, at.Second)))
	}
	if _, err := scheduler.NewJob(
		stuckDef,
		gocron.NewTask(func() { _, _ = r.SweepStuckDeliveries(runCtx) }),
		gocron.WithName(SweepStuckDelivery),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return fmt.Errorf("order reconciler: schedule stuck delivery sweep: %w", err)
	}

	scheduler.Start()
	r.scheduler = scheduler
	r.cancel = cancel

	r.logger(ctx, "reconciler.started", map[string]any{
		"unpaidTimeout":       r.cfg.UnpaidTimeout.String(),
		"unpaidSweepInterval": r.cfg.UnpaidSweepInterval.String(),
		"stuckDeliveryAge":    r.cfg.StuckDeliveryAge.String(),
	})
	return nil
}

// Stop cancels in-flight sweeps and waits for the scheduler to shut down. An interrupted sweep resumes on
// the next start because every candidate is re-selected by query.
func (r *OrderReconciler) Stop() error {
	r.mu.Lock()
	scheduler, cancel := r.scheduler, r.cancel
	r.scheduler, r.cancel = nil, nil
	r.mu.Unlock()

	if scheduler == nil {
		return nil
	}
	cancel()
	return scheduler.Shutdown()
}

// SweepUnpaid cancels PendingPayment orders older than the unpaid timeout.
func (r *OrderReconciler) SweepUnpaid(ctx context.Context) (SweepResult, error) {
	return r.sweep(ctx, SweepUnpaid, domain.OrderStatusPendingPayment, r.cfg.UnpaidTimeout, func(ctx context.Context, orderID int64) error {
		_, err := r.transitions.Cancel(ctx, OrderActionCommand{OrderID: orderID, Reason: UnpaidTimeoutReason, ActorID: "reconciler"})
		return err
	})
}

// SweepStuckDeliveries completes DeliveryInProgress orders older than the stuck delivery age.
func (r *OrderReconciler) SweepStuckDeliveries(ctx context.Context) (SweepResult, error) {
	return r.sweep(ctx, SweepStuckDelivery, domain.OrderStatusDeliveryInProgress, r.cfg.StuckDeliveryAge, func(ctx context.Context, orderID int64) error {
		_, err := r.transitions.Complete(ctx, OrderActionCommand{OrderID: orderID, ActorID: "reconciler"})
		return err
	})
}

// LastSweeps returns the most recent result of each sweep that has run.
func (r *OrderReconciler) LastSweeps() []SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]SweepResult, 0, len(r.last))
	for _, name := range []string{SweepUnpaid, SweepStuckDelivery} {
		if result, ok := r.last[name]; ok {
			results = append(results, result)
		}
	}
	return results
}

func (r *OrderReconciler) sweep(ctx context.Context, name string, status domain.OrderStatus, age time.Duration, transition func(context.Context, int64) error) (result SweepResult, err error) {
	result = SweepResult{Sweep: name, StartedAt: r.clock()}
	defer func() {
		result.FinishedAt = r.clock()
		r.record(ctx, result)
	}()

	cutoff := result.StartedAt.Add(-age)
	ids, err := r.orders.ListStaleByStatus(ctx, status, cutoff, r.cfg.BatchSize)
	if err != nil {
		result.Err = err
		r.logger(ctx, "reconciler.sweep.query_failed", map[string]any{
			"sweep": name,
			"error": err.Error(),
		})
		return result, err
	}
	result.Scanned = len(ids)

	for _, orderID := range ids {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}
		err := transition(ctx, orderID)
		switch {
		case err == nil, IsPartialRefundFailure(err):
			result.Transitioned++
			r.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("sweep", name), attribute.String("outcome", "transitioned")))
		case errors.Is(err, ErrOrderInvalidState), errors.Is(err, ErrOrderNotFound):
			result.Skipped++
			r.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("sweep", name), attribute.String("outcome", "skipped")))
		default:
			result.Failed++
			r.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("sweep", name), attribute.String("outcome", "failed")))
			r.logger(ctx, "reconciler.order.failed", map[string]any{
				"sweep":   name,
				"orderId": orderID,
				"error":   err.Error(),
			})
		}
	}

	if result.Scanned > 0 {
		r.logger(ctx, "reconciler.sweep.completed", map[string]any{
			"sweep":        name,
			"scanned":      result.Scanned,
			"transitioned": result.Transitioned,
			"skipped":      result.Skipped,
			"failed":       result.Failed,
		})
	}
	return result, nil
}

func (r *OrderReconciler) record(ctx context.Context, result SweepResult) {
	outcome := "ok"
	if result.Err != nil || result.Failed > 0 {
		outcome = "error"
	}
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("sweep", result.Sweep), attribute.String("outcome", outcome)))

	r.mu.Lock()
	r.last[result.Sweep] = result
	r.mu.Unlock()
}
