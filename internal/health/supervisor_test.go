package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

type flakyProbe struct {
	mu   sync.Mutex
	fail bool
}

func (p *flakyProbe) set(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *flakyProbe) probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("connection refused")
	}
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Publish(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) count(typ domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newTestSupervisor(sink EventSink) *Supervisor {
	return New(Config{
		Interval:      time.Second,
		ProbeTimeout:  time.Second,
		DegradedAfter: 2,
		DownAfter:     4,
	}, sink, slog.Default())
}

func statusOf(t *testing.T, s *Supervisor, name string) domain.ServiceHealth {
	t.Helper()
	for _, sh := range s.Snapshot() {
		if sh.Service == name {
			return sh
		}
	}
	t.Fatalf("service %s not found", name)
	return domain.ServiceHealth{}
}

func TestEscalationThroughDegradedToDown(t *testing.T) {
	sink := &captureSink{}
	s := newTestSupervisor(sink)
	probe := &flakyProbe{fail: true}
	s.Register("redis", probe.probe, nil)
	ctx := context.Background()

	s.Check(ctx)
	assert.Equal(t, domain.HealthHealthy, statusOf(t, s, "redis").Status, "one failure stays healthy")

	s.Check(ctx)
	assert.Equal(t, domain.HealthDegraded, statusOf(t, s, "redis").Status)
	assert.True(t, s.Healthy(), "degraded does not fail the overall check")

	s.Check(ctx)
	s.Check(ctx)
	st := statusOf(t, s, "redis")
	assert.Equal(t, domain.HealthDown, st.Status)
	assert.Equal(t, 4, st.ConsecutiveFailures)
	assert.False(t, s.Healthy())

	// The down event fires once per transition, not once per check.
	s.Check(ctx)
	assert.Equal(t, 1, sink.count(domain.EventComponentDown))
}

func TestRecoveryResetsCounters(t *testing.T) {
	s := newTestSupervisor(nil)
	probe := &flakyProbe{fail: true}
	s.Register("postgres", probe.probe, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Check(ctx)
	}
	assert.Equal(t, domain.HealthDegraded, statusOf(t, s, "postgres").Status)

	probe.set(false)
	s.Check(ctx)

	st := statusOf(t, s, "postgres")
	assert.Equal(t, domain.HealthHealthy, st.Status)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.Detail)
}

func TestRestartCalledOnDownTransition(t *testing.T) {
	restarted := make(chan struct{}, 1)
	s := New(Config{
		DegradedAfter: 1,
		DownAfter:     1,
		RestartOnDown: true,
	}, nil, slog.Default())

	probe := &flakyProbe{fail: true}
	s.Register("venue", probe.probe, func(context.Context) error {
		restarted <- struct{}{}
		return nil
	})

	s.Check(context.Background())

	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("restart hook was not invoked")
	}
}

func TestSnapshotSorted(t *testing.T) {
	s := newTestSupervisor(nil)
	ok := func(context.Context) error { return nil }
	s.Register("venue", ok, nil)
	s.Register("ai", ok, nil)
	s.Register("redis", ok, nil)

	s.Check(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "ai", snap[0].Service)
	assert.Equal(t, "redis", snap[1].Service)
	assert.Equal(t, "venue", snap[2].Service)
}
