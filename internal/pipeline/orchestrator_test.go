package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/dedup"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/risk"
)

type memSignals struct {
	mu   sync.Mutex
	rows []domain.Signal
}

func (m *memSignals) Create(_ context.Context, sig domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, sig)
	return nil
}

func (m *memSignals) GetByID(_ context.Context, id string) (domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sig := range m.rows {
		if sig.ID == id {
			return sig, nil
		}
	}
	return domain.Signal{}, domain.ErrNotFound
}

type memDecisions struct {
	mu   sync.Mutex
	rows []domain.Decision
}

func (m *memDecisions) Create(_ context.Context, d domain.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, d)
	return nil
}

func (m *memDecisions) GetByID(_ context.Context, id string) (domain.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.rows {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Decision{}, domain.ErrNotFound
}

func (m *memDecisions) ListRecent(context.Context, domain.ListOpts) ([]domain.Decision, error) {
	return nil, nil
}

func (m *memDecisions) ListBefore(context.Context, time.Time, int) ([]domain.Decision, error) {
	return nil, nil
}

func (m *memDecisions) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memDecisions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type stubPositions struct {
	open []domain.Position
}

func (s *stubPositions) Create(context.Context, domain.Position) error { return nil }
func (s *stubPositions) Update(context.Context, domain.Position) error { return nil }
func (s *stubPositions) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *stubPositions) GetOpenBySymbol(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *stubPositions) ListOpen(context.Context) ([]domain.Position, error) { return s.open, nil }
func (s *stubPositions) CountOpen(context.Context) (int, error)              { return len(s.open), nil }
func (s *stubPositions) ListHistory(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (s *stubPositions) ListTerminalBefore(context.Context, time.Time, int) ([]domain.Position, error) {
	return nil, nil
}
func (s *stubPositions) DeleteTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// fixedDecider returns a canned action at a canned confidence.
type fixedDecider struct {
	action domain.SignalAction
}

func (f *fixedDecider) Decide(_ context.Context, sig domain.Signal, riskParams domain.RiskParams, _ []domain.Position, _ float64) (domain.Decision, error) {
	return domain.Decision{
		ID:         "D-" + sig.ID,
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Action:     f.action,
		Confidence: 0.9,
		Risk:       riskParams,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

type countingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (c *countingExecutor) Execute(_ context.Context, d domain.Decision) (*domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &domain.Position{ID: "P1", Symbol: d.Symbol, Status: domain.PositionOpen}, nil
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixedEquity struct{}

func (fixedEquity) AccountEquity(context.Context) (float64, error) { return 1000, nil }

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Publish(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) find(typ domain.EventType) *domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.events {
		if c.events[i].Type == typ {
			ev := c.events[i]
			return &ev
		}
	}
	return nil
}

func (c *captureSink) types() []domain.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func testBounds() *risk.Holder {
	return risk.NewHolder(config.RiskConfig{
		MaxLeverage:            7,
		PositionSizeFraction:   0.05,
		StopLossFraction:       0.15,
		MaxConcurrentPositions: 3,
	}, nil)
}

type fixture struct {
	orch      *Orchestrator
	signals   *memSignals
	decisions *memDecisions
	exec      *countingExecutor
	sink      *captureSink
}

func newFixture(action domain.SignalAction, open []domain.Position) *fixture {
	bounds := testBounds()
	f := &fixture{
		signals:   &memSignals{},
		decisions: &memDecisions{},
		exec:      &countingExecutor{},
		sink:      &captureSink{},
	}
	f.orch = New(
		dedup.NewAdmitter(time.Minute),
		dedup.NewLockArena(),
		f.signals,
		f.decisions,
		&stubPositions{open: open},
		&fixedDecider{action: action},
		risk.NewGate(bounds, slog.Default()),
		bounds,
		f.exec,
		fixedEquity{},
		f.sink,
		Config{Workers: 2, QueueSize: 4, CycleDeadline: time.Second, LockTTL: time.Minute, LockPoll: time.Millisecond},
		slog.Default(),
	)
	return f
}

func signal(id string) domain.Signal {
	return domain.Signal{
		ID:         id,
		Source:     "tradingview",
		Symbol:     "SUI/USD",
		Action:     domain.ActionOpenLong,
		Type:       domain.TypeGreenCircle,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestCycleRunsFullPipeline(t *testing.T) {
	f := newFixture(domain.ActionOpenLong, nil)

	require.NoError(t, f.orch.cycle(context.Background(), signal("A1")))

	assert.Equal(t, 1, f.decisions.count())
	assert.Equal(t, 1, f.exec.count())
	assert.Equal(t, []domain.EventType{
		domain.EventSignalAdmitted,
		domain.EventDecisionCreated,
	}, f.sink.types())
}

func TestCycleDropsDuplicate(t *testing.T) {
	f := newFixture(domain.ActionOpenLong, nil)
	ctx := context.Background()

	require.NoError(t, f.orch.cycle(ctx, signal("A1")))
	require.NoError(t, f.orch.cycle(ctx, signal("A1")))

	assert.Equal(t, 1, f.decisions.count(), "duplicate produces no second decision")
	assert.Equal(t, 1, f.exec.count())
}

func TestCycleRejectsHoldDecision(t *testing.T) {
	f := newFixture(domain.ActionHold, nil)

	require.NoError(t, f.orch.cycle(context.Background(), signal("A1")))

	assert.Equal(t, 0, f.exec.count(), "hold never reaches the executor")
	types := f.sink.types()
	require.Len(t, types, 3)
	assert.Equal(t, domain.EventDecisionRejected, types[2])
}

func TestCycleGateRejectionCarriesReason(t *testing.T) {
	open := []domain.Position{{Symbol: "SUI/USD", Status: domain.PositionOpen}}
	f := newFixture(domain.ActionOpenLong, open)

	require.NoError(t, f.orch.cycle(context.Background(), signal("A1")))

	assert.Equal(t, 0, f.exec.count())
	last := f.sink.events[len(f.sink.events)-1]
	assert.Equal(t, domain.EventDecisionRejected, last.Type)
	assert.Equal(t, string(domain.RejectDuplicatePosition), last.Reason)
}

func TestSubmitShedsWhenQueueFull(t *testing.T) {
	f := newFixture(domain.ActionOpenLong, nil)

	// Queue size is 4 and no workers are running.
	for i := 0; i < 4; i++ {
		require.NoError(t, f.orch.Submit(signal("A1")))
	}
	assert.Error(t, f.orch.Submit(signal("A5")))
}

// trackingDecider records how many Decide calls overlap in time.
type trackingDecider struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (d *trackingDecider) Decide(_ context.Context, sig domain.Signal, riskParams domain.RiskParams, _ []domain.Position, _ float64) (domain.Decision, error) {
	d.mu.Lock()
	d.active++
	if d.active > d.maxSeen {
		d.maxSeen = d.active
	}
	d.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	d.mu.Lock()
	d.active--
	d.mu.Unlock()

	return domain.Decision{
		ID:         "D-" + sig.ID,
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Action:     domain.ActionHold,
		Confidence: 0.9,
		Risk:       riskParams,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (d *trackingDecider) max() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxSeen
}

// stallDecider never answers; only the cycle deadline gets rid of it.
type stallDecider struct{}

func (stallDecider) Decide(ctx context.Context, _ domain.Signal, _ domain.RiskParams, _ []domain.Position, _ float64) (domain.Decision, error) {
	<-ctx.Done()
	return domain.Decision{}, ctx.Err()
}

func TestSameSymbolCyclesSerialize(t *testing.T) {
	bounds := testBounds()
	decider := &trackingDecider{}
	decisions := &memDecisions{}
	orch := New(
		dedup.NewAdmitter(time.Minute),
		dedup.NewLockArena(),
		&memSignals{},
		decisions,
		&stubPositions{},
		decider,
		risk.NewGate(bounds, slog.Default()),
		bounds,
		&countingExecutor{},
		fixedEquity{},
		&captureSink{},
		Config{Workers: 2, QueueSize: 4, CycleDeadline: time.Second, LockTTL: time.Minute, LockPoll: time.Millisecond},
		slog.Default(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = orch.Run(ctx)
		close(done)
	}()

	// Two distinct signals for one symbol land on two idle workers; the
	// symbol lock must keep their decide phases from overlapping.
	require.NoError(t, orch.Submit(signal("A1")))
	require.NoError(t, orch.Submit(signal("A2")))

	assert.Eventually(t, func() bool {
		return decisions.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, decider.max(), "same-symbol cycles must not decide concurrently")

	cancel()
	<-done
}

func TestCycleDeadlineIsBroadcast(t *testing.T) {
	bounds := testBounds()
	sink := &captureSink{}
	orch := New(
		dedup.NewAdmitter(time.Minute),
		dedup.NewLockArena(),
		&memSignals{},
		&memDecisions{},
		&stubPositions{},
		stallDecider{},
		risk.NewGate(bounds, slog.Default()),
		bounds,
		&countingExecutor{},
		fixedEquity{},
		sink,
		Config{Workers: 1, QueueSize: 4, CycleDeadline: 20 * time.Millisecond, LockTTL: time.Minute, LockPoll: time.Millisecond},
		slog.Default(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = orch.Run(ctx)
		close(done)
	}()

	require.NoError(t, orch.Submit(signal("A1")))

	// A cycle killed by its deadline still surfaces as a rejection event, so
	// subscribers never see a signal vanish without a terminal outcome.
	assert.Eventually(t, func() bool {
		return sink.find(domain.EventDecisionRejected) != nil
	}, 2*time.Second, 10*time.Millisecond)
	rejected := sink.find(domain.EventDecisionRejected)
	assert.Equal(t, "SUI/USD", rejected.Symbol)
	assert.Contains(t, rejected.Reason, "deadline")

	cancel()
	<-done
}

// pendingPositions serves one pending position and records updates.
type pendingPositions struct {
	stubPositions
	mu      sync.Mutex
	pending domain.Position
}

func (p *pendingPositions) ListOpen(context.Context) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []domain.Position{p.pending}, nil
}

type recordingReconciler struct {
	countingExecutor
	mu         sync.Mutex
	reconciled []string
}

func (r *recordingReconciler) Reconcile(_ context.Context, pos domain.Position, _ domain.Decision) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciled = append(r.reconciled, pos.ID)
	pos.Status = domain.PositionOpen
	return pos, nil
}

func TestReconcileSweepSettlesPendingPositions(t *testing.T) {
	bounds := testBounds()
	decisions := &memDecisions{}
	require.NoError(t, decisions.Create(context.Background(), domain.Decision{ID: "D1", Symbol: "SUI/USD"}))

	positions := &pendingPositions{pending: domain.Position{
		ID:         "P1",
		Symbol:     "SUI/USD",
		Status:     domain.PositionPending,
		DecisionID: "D1",
	}}
	rec := &recordingReconciler{}
	orch := New(
		dedup.NewAdmitter(time.Minute),
		dedup.NewLockArena(),
		&memSignals{},
		decisions,
		positions,
		&fixedDecider{action: domain.ActionHold},
		risk.NewGate(bounds, slog.Default()),
		bounds,
		rec,
		fixedEquity{},
		&captureSink{},
		Config{Workers: 1, QueueSize: 4, LockTTL: time.Minute, LockPoll: time.Millisecond},
		slog.Default(),
	)

	orch.reconcilePending(context.Background(), rec)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"P1"}, rec.reconciled)
}

func TestReconcileSweepSkipsLockedSymbols(t *testing.T) {
	bounds := testBounds()
	decisions := &memDecisions{}
	require.NoError(t, decisions.Create(context.Background(), domain.Decision{ID: "D1", Symbol: "SUI/USD"}))

	positions := &pendingPositions{pending: domain.Position{
		ID:         "P1",
		Symbol:     "SUI/USD",
		Status:     domain.PositionPending,
		DecisionID: "D1",
	}}
	locks := dedup.NewLockArena()
	rec := &recordingReconciler{}
	orch := New(
		dedup.NewAdmitter(time.Minute),
		locks,
		&memSignals{},
		decisions,
		positions,
		&fixedDecider{action: domain.ActionHold},
		risk.NewGate(bounds, slog.Default()),
		bounds,
		rec,
		fixedEquity{},
		&captureSink{},
		Config{Workers: 1, QueueSize: 4, LockTTL: time.Minute, LockPoll: time.Millisecond},
		slog.Default(),
	)

	// An active cycle holds the symbol; the sweep must leave it alone.
	unlock, err := locks.Acquire(context.Background(), "SUI/USD", time.Minute)
	require.NoError(t, err)
	defer unlock()

	orch.reconcilePending(context.Background(), rec)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.reconciled)
}

func TestRunProcessesSubmittedSignals(t *testing.T) {
	f := newFixture(domain.ActionOpenLong, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = f.orch.Run(ctx)
		close(done)
	}()

	require.NoError(t, f.orch.Submit(signal("A1")))
	require.NoError(t, f.orch.Submit(signal("A2")))

	assert.Eventually(t, func() bool {
		return f.exec.count() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
