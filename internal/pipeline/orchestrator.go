// Package pipeline coordinates the per-signal processing cycle and periodic
// maintenance jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/risk"
)

// Decider produces a decision for one admitted signal.
type Decider interface {
	Decide(ctx context.Context, sig domain.Signal, riskParams domain.RiskParams, open []domain.Position, equity float64) (domain.Decision, error)
}

// Executor carries out an approved decision.
type Executor interface {
	Execute(ctx context.Context, d domain.Decision) (*domain.Position, error)
}

// Reconciler is implemented by executors that can resolve positions whose
// fills were never confirmed. The orchestrator sweeps for them periodically.
type Reconciler interface {
	Reconcile(ctx context.Context, pos domain.Position, d domain.Decision) (domain.Position, error)
}

// EquitySource reports the account's current equity.
type EquitySource interface {
	AccountEquity(ctx context.Context) (float64, error)
}

// EventSink receives pipeline state transition events.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Cleaner is implemented by admitters that need periodic expiry sweeps. The
// Redis admitter relies on key TTLs instead and does not implement it.
type Cleaner interface {
	Cleanup()
}

// Config holds the worker pool and cycle parameters.
type Config struct {
	Workers        int
	QueueSize      int
	CycleDeadline  time.Duration
	CleanupEvery   time.Duration
	LockTTL        time.Duration
	LockPoll       time.Duration
	ReconcileEvery time.Duration
}

// Orchestrator runs the admit, decide, gate, execute cycle for every inbound
// signal on a bounded worker pool. One signal is one cycle; cycles for
// different symbols run concurrently, and the symbol lock is held from before
// the decision until execution finishes so same-symbol cycles serialize.
type Orchestrator struct {
	admitter  domain.Admitter
	locks     domain.LockManager
	signals   domain.SignalStore
	decisions domain.DecisionStore
	positions domain.PositionStore
	decider   Decider
	gate      *risk.Gate
	bounds    *risk.Holder
	exec      Executor
	equity    EquitySource
	sink      EventSink
	cfg       Config
	logger    *slog.Logger

	queue chan domain.Signal
}

// New creates an Orchestrator. Zero config fields fall back to safe values.
func New(
	admitter domain.Admitter,
	locks domain.LockManager,
	signals domain.SignalStore,
	decisions domain.DecisionStore,
	positions domain.PositionStore,
	decider Decider,
	gate *risk.Gate,
	bounds *risk.Holder,
	exec Executor,
	equity EquitySource,
	sink EventSink,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 8
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = 45 * time.Second
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 250 * time.Millisecond
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = 30 * time.Second
	}
	return &Orchestrator{
		admitter:  admitter,
		locks:     locks,
		signals:   signals,
		decisions: decisions,
		positions: positions,
		decider:   decider,
		gate:      gate,
		bounds:    bounds,
		exec:      exec,
		equity:    equity,
		sink:      sink,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
		queue:     make(chan domain.Signal, cfg.QueueSize),
	}
}

// Submit enqueues a signal for processing. It never blocks: a full queue
// sheds the signal with an error so the HTTP handler can report back
// pressure instead of stalling the listener.
func (o *Orchestrator) Submit(sig domain.Signal) error {
	select {
	case o.queue <- sig:
		return nil
	default:
		return fmt.Errorf("pipeline: queue full, dropping signal %s", sig.ID)
	}
}

// Run starts the worker pool and the dedup cleanup ticker, blocking until the
// context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			o.worker(ctx)
			return nil
		})
	}

	if cleaner, ok := o.admitter.(Cleaner); ok {
		g.Go(func() error {
			ticker := time.NewTicker(o.cfg.CleanupEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					cleaner.Cleanup()
				}
			}
		})
	}

	if reconciler, ok := o.exec.(Reconciler); ok {
		g.Go(func() error {
			ticker := time.NewTicker(o.cfg.ReconcileEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					o.reconcilePending(ctx, reconciler)
				}
			}
		})
	}

	o.logger.Info("pipeline started",
		"workers", o.cfg.Workers, "queue_size", o.cfg.QueueSize,
		"cycle_deadline", o.cfg.CycleDeadline)

	return g.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-o.queue:
			cycleCtx, cancel := context.WithTimeout(ctx, o.cfg.CycleDeadline)
			if err := o.cycle(cycleCtx, sig); err != nil {
				o.logger.Error("cycle failed",
					"signal_id", sig.ID, "symbol", sig.Symbol, "error", err)
				// Publish on the worker context: the cycle context may
				// already be past its deadline, and subscribers still need
				// to see that the signal went nowhere.
				o.publish(ctx, domain.Event{
					Symbol: sig.Symbol,
					Type:   domain.EventDecisionRejected,
					Reason: err.Error(),
					At:     time.Now().UTC(),
				})
			}
			cancel()
		}
	}
}

// cycle processes one signal end to end under the cycle deadline.
func (o *Orchestrator) cycle(ctx context.Context, sig domain.Signal) error {
	accepted, err := o.admitter.Admit(ctx, sig.ID)
	if err != nil {
		return fmt.Errorf("admit: %w", err)
	}
	if !accepted {
		o.logger.Info("duplicate signal dropped", "signal_id", sig.ID, "symbol", sig.Symbol)
		return nil
	}

	if err := o.signals.Create(ctx, sig); err != nil {
		return fmt.Errorf("persist signal: %w", err)
	}
	o.publish(ctx, domain.Event{
		Symbol: sig.Symbol,
		Type:   domain.EventSignalAdmitted,
		At:     time.Now().UTC(),
	})

	// Hold the symbol lock across decide and execute so the open-position
	// snapshot the decision is based on cannot change under it.
	unlock, err := o.acquireLock(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("acquire symbol lock: %w", err)
	}
	defer unlock()

	open, err := o.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	// Equity is advisory context for the decision; a venue hiccup here must
	// not kill the cycle.
	equity, err := o.equity.AccountEquity(ctx)
	if err != nil {
		o.logger.Warn("equity unavailable for decision context",
			"signal_id", sig.ID, "error", err)
		equity = 0
	}

	decision, err := o.decider.Decide(ctx, sig, o.bounds.For(sig.Symbol), open, equity)
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}

	if err := o.decisions.Create(ctx, decision); err != nil {
		return fmt.Errorf("persist decision: %w", err)
	}
	o.publish(ctx, domain.Event{
		Symbol:   sig.Symbol,
		Type:     domain.EventDecisionCreated,
		At:       time.Now().UTC(),
		Decision: &decision,
	})

	if verdict := o.gate.Evaluate(decision, open); !verdict.Allowed {
		o.publish(ctx, domain.Event{
			Symbol:   sig.Symbol,
			Type:     domain.EventDecisionRejected,
			Reason:   string(verdict.Reason),
			At:       time.Now().UTC(),
			Decision: &decision,
		})
		return nil
	}

	if _, err := o.exec.Execute(ctx, decision); err != nil {
		if errors.Is(err, domain.ErrRiskRejected) {
			// The executor re-checks under the symbol lock; a rejection
			// there is reported the same way as a gate rejection.
			o.publish(ctx, domain.Event{
				Symbol:   sig.Symbol,
				Type:     domain.EventDecisionRejected,
				Reason:   err.Error(),
				At:       time.Now().UTC(),
				Decision: &decision,
			})
			return nil
		}
		if errors.Is(err, domain.ErrReconcileNeeded) {
			// The position was left pending; the reconcile sweep settles it.
			o.logger.Warn("fill unconfirmed, deferring to reconciliation",
				"signal_id", sig.ID, "symbol", sig.Symbol, "decision_id", decision.ID)
			return nil
		}
		return fmt.Errorf("execute: %w", err)
	}
	return nil
}

// acquireLock polls for the per-symbol lock until it is granted or the cycle
// deadline expires.
func (o *Orchestrator) acquireLock(ctx context.Context, symbol string) (func(), error) {
	for {
		unlock, err := o.locks.Acquire(ctx, symbol, o.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.LockPoll):
		}
	}
}

// reconcilePending sweeps positions whose fills were never confirmed and asks
// the executor to settle them against the venue.
func (o *Orchestrator) reconcilePending(ctx context.Context, r Reconciler) {
	open, err := o.positions.ListOpen(ctx)
	if err != nil {
		o.logger.Error("reconcile sweep: list open positions", "error", err)
		return
	}

	for _, pos := range open {
		if pos.Status != domain.PositionPending {
			continue
		}
		d, err := o.decisions.GetByID(ctx, pos.DecisionID)
		if err != nil {
			o.logger.Error("reconcile sweep: load decision",
				"position_id", pos.ID, "decision_id", pos.DecisionID, "error", err)
			continue
		}

		// A held lock means an active cycle owns the symbol; it will settle
		// the position itself.
		unlock, err := o.locks.Acquire(ctx, pos.Symbol, o.cfg.LockTTL)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				o.logger.Error("reconcile sweep: acquire lock",
					"symbol", pos.Symbol, "error", err)
			}
			continue
		}
		if _, err := r.Reconcile(ctx, pos, d); err != nil {
			o.logger.Warn("reconcile pending position failed",
				"position_id", pos.ID, "symbol", pos.Symbol, "error", err)
		}
		unlock()
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev domain.Event) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(ctx, ev)
}
