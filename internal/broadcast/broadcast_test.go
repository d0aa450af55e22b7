package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// memBus is an in-memory SignalBus backing replay tests. Streams retain the
// last maxLen messages, matching Redis MAXLEN trimming.
type memBus struct {
	mu      sync.Mutex
	streams map[string][]domain.StreamMessage
	maxLen  int
	nextID  int
}

func newMemBus(maxLen int) *memBus {
	return &memBus{streams: make(map[string][]domain.StreamMessage), maxLen: maxLen}
}

func (m *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msgs := append(m.streams[stream], domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", m.nextID),
		Payload: payload,
	})
	if m.maxLen > 0 && len(msgs) > m.maxLen {
		msgs = msgs[len(msgs)-m.maxLen:]
	}
	m.streams[stream] = msgs
	return nil
}

func (m *memBus) StreamRead(_ context.Context, stream string, _ string, _ int) ([]domain.StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StreamMessage(nil), m.streams[stream]...), nil
}

func event(symbol string, typ domain.EventType) domain.Event {
	return domain.Event{Symbol: symbol, Type: typ, At: time.Now().UTC()}
}

func TestPublishAssignsPerSymbolSequences(t *testing.T) {
	b := New(newMemBus(0), 8, slog.Default())
	ctx := context.Background()

	b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	b.Publish(ctx, event("BTC/USD", domain.EventSignalAdmitted))
	b.Publish(ctx, event("SUI/USD", domain.EventDecisionCreated))

	assert.Equal(t, uint64(2), b.Seq("SUI/USD"))
	assert.Equal(t, uint64(1), b.Seq("BTC/USD"))
}

func TestSubscriberReceivesOrderedEvents(t *testing.T) {
	b := New(nil, 8, slog.Default())
	ctx := context.Background()

	sub := b.Subscribe([]string{"SUI/USD"})
	defer b.Unsubscribe(sub)

	b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	b.Publish(ctx, event("BTC/USD", domain.EventSignalAdmitted)) // filtered out
	b.Publish(ctx, event("SUI/USD", domain.EventDecisionCreated))

	ev1 := <-sub.Events()
	ev2 := <-sub.Events()
	assert.Equal(t, uint64(1), ev1.Seq)
	assert.Equal(t, domain.EventSignalAdmitted, ev1.Type)
	assert.Equal(t, uint64(2), ev2.Seq)
	assert.Equal(t, domain.EventDecisionCreated, ev2.Type)
}

func TestSlowSubscriberIsDroppedNotTheEvent(t *testing.T) {
	b := New(nil, 2, slog.Default())
	ctx := context.Background()

	slow := b.Subscribe(nil)
	fast := b.Subscribe(nil)

	// Fill the slow subscriber's queue and overflow it. The fast subscriber
	// must still see every event.
	for i := 0; i < 3; i++ {
		b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
		<-fast.Events()
	}

	// The slow subscriber's channel is closed after its two queued events.
	var got int
	for range slow.Events() {
		got++
	}
	assert.Equal(t, 2, got)
	assert.ErrorIs(t, slow.Err(), domain.ErrBacklogExceeded)

	// Fast subscriber is unaffected by the drop.
	b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	ev := <-fast.Events()
	assert.Equal(t, uint64(4), ev.Seq)
}

func TestReplayAfterSeq(t *testing.T) {
	b := New(newMemBus(0), 8, slog.Default())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	}
	b.Publish(ctx, event("BTC/USD", domain.EventSignalAdmitted))

	events, err := b.Replay(ctx, "SUI/USD", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].Seq)
	assert.Equal(t, uint64(5), events[1].Seq)
}

func TestReplayExpiredSequence(t *testing.T) {
	// Stream retains only the last 3 messages.
	b := New(newMemBus(3), 8, slog.Default())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	}

	// Seqs 1-3 are trimmed; resuming after 1 leaves a gap.
	_, err := b.Replay(ctx, "SUI/USD", 1)
	assert.ErrorIs(t, err, domain.ErrSequenceExpired)

	// Resuming after 3 is still contiguous with the retained tail.
	events, err := b.Replay(ctx, "SUI/USD", 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestReplayCaughtUpReturnsNothing(t *testing.T) {
	b := New(newMemBus(0), 8, slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	}

	events, err := b.Replay(ctx, "SUI/USD", 3)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplayFullyTrimmedSymbolReportsGap(t *testing.T) {
	// Retention keeps only the last 2 messages. After the BTC publishes the
	// stream holds no SUI events at all, but the live SUI counter is at 5.
	b := New(newMemBus(2), 8, slog.Default())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	}
	b.Publish(ctx, event("BTC/USD", domain.EventSignalAdmitted))
	b.Publish(ctx, event("BTC/USD", domain.EventDecisionCreated))

	// Resuming behind the live counter must not look like caught-up: events
	// 4 and 5 are gone and only a snapshot can recover the client.
	_, err := b.Replay(ctx, "SUI/USD", 3)
	assert.ErrorIs(t, err, domain.ErrSequenceExpired)
}

func TestReplayAheadOfLiveCounterReportsGap(t *testing.T) {
	// A resume point beyond the live counter comes from a previous stream
	// incarnation (counters restarted); force a snapshot.
	b := New(newMemBus(0), 8, slog.Default())
	ctx := context.Background()

	b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))

	_, err := b.Replay(ctx, "SUI/USD", 9)
	assert.ErrorIs(t, err, domain.ErrSequenceExpired)
}

func TestReplayWithoutDurableStreamReportsGap(t *testing.T) {
	b := New(nil, 8, slog.Default())
	ctx := context.Background()

	b.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	b.Publish(ctx, event("SUI/USD", domain.EventDecisionCreated))

	_, err := b.Replay(ctx, "SUI/USD", 1)
	assert.ErrorIs(t, err, domain.ErrSequenceExpired)
}

func TestRestoreRecoversSequences(t *testing.T) {
	bus := newMemBus(0)
	ctx := context.Background()

	b1 := New(bus, 8, slog.Default())
	b1.Publish(ctx, event("SUI/USD", domain.EventSignalAdmitted))
	b1.Publish(ctx, event("SUI/USD", domain.EventDecisionCreated))

	// A new broadcaster over the same stream continues the numbering.
	b2 := New(bus, 8, slog.Default())
	require.NoError(t, b2.Restore(ctx))
	b2.Publish(ctx, event("SUI/USD", domain.EventPositionOpen))
	assert.Equal(t, uint64(3), b2.Seq("SUI/USD"))
}
