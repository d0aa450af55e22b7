// Package broadcast fans out pipeline state transitions to subscribers with
// per-symbol ordering and durable replay.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// eventStream is the Redis stream holding the serialized event log.
const eventStream = "events"

// Subscription is one subscriber's view of the event stream. Events arrive
// in publish order for each subscribed symbol. When the subscriber falls too
// far behind, the channel is closed and Err reports the reason.
type Subscription struct {
	id      string
	ch      chan domain.Event
	symbols map[string]struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Err reports why the subscription ended, if it ended abnormally.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// wants reports whether the subscription covers the symbol. An empty symbol
// set subscribes to everything.
func (s *Subscription) wants(symbol string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Broadcaster assigns per-symbol sequence numbers, appends every event to the
// durable stream, and fans out to live subscribers.
//
// A slow subscriber never blocks publishing and never causes event loss for
// others: when its queue fills, the subscriber itself is dropped and must
// reconnect with a resume point.
type Broadcaster struct {
	mu        sync.Mutex
	seqs      map[string]uint64
	subs      map[*Subscription]struct{}
	queueSize int
	bus       domain.SignalBus
	logger    *slog.Logger
}

// New creates a Broadcaster. bus may be nil in tests; durable replay is then
// unavailable.
func New(bus domain.SignalBus, queueSize int, logger *slog.Logger) *Broadcaster {
	if queueSize < 1 {
		queueSize = 256
	}
	return &Broadcaster{
		seqs:      make(map[string]uint64),
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
		bus:       bus,
		logger:    logger.With("component", "broadcast"),
	}
}

// Restore replays the durable stream to recover per-symbol sequence counters
// after a restart, so sequence numbers keep increasing across process
// lifetimes.
func (b *Broadcaster) Restore(ctx context.Context) error {
	if b.bus == nil {
		return nil
	}

	msgs, err := b.bus.StreamRead(ctx, eventStream, "0", 0)
	if err != nil {
		return fmt.Errorf("broadcast: restore: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			continue
		}
		if ev.Seq > b.seqs[ev.Symbol] {
			b.seqs[ev.Symbol] = ev.Seq
		}
	}

	b.logger.Info("sequence counters restored", "symbols", len(b.seqs))
	return nil
}

// Publish assigns the event's sequence number, appends it to the durable
// stream, and delivers it to matching subscribers. Events for one symbol are
// sequenced and delivered in the order Publish is called.
func (b *Broadcaster) Publish(ctx context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[ev.Symbol]++
	ev.Seq = b.seqs[ev.Symbol]
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if b.bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			if err := b.bus.StreamAppend(ctx, eventStream, payload); err != nil {
				b.logger.Error("stream append failed", "symbol", ev.Symbol, "seq", ev.Seq, "error", err)
			}
		}
	}

	for sub := range b.subs {
		if !sub.wants(ev.Symbol) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Queue full. Drop the subscriber, not the event.
			delete(b.subs, sub)
			sub.close(domain.ErrBacklogExceeded)
			b.logger.Warn("subscriber dropped, backlog exceeded",
				"subscription_id", sub.id, "symbol", ev.Symbol, "seq", ev.Seq)
		}
	}
}

// Subscribe registers a subscriber for the given symbols. An empty slice
// subscribes to all symbols. The caller must drain the channel promptly or
// be dropped.
func (b *Broadcaster) Subscribe(symbols []string) *Subscription {
	sub := &Subscription{
		id:      uuid.New().String(),
		ch:      make(chan domain.Event, b.queueSize),
		symbols: make(map[string]struct{}, len(symbols)),
	}
	for _, s := range symbols {
		sub.symbols[s] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close(nil)
}

// Seq returns the last sequence number assigned for a symbol.
func (b *Broadcaster) Seq(symbol string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[symbol]
}

// Replay returns the durable events for symbol with sequence numbers greater
// than afterSeq, in order. It returns domain.ErrSequenceExpired when the
// stream cannot fill the range up to the live counter, in which case the
// caller must take a fresh snapshot instead. An empty result with a nil error
// means the client is already caught up.
func (b *Broadcaster) Replay(ctx context.Context, symbol string, afterSeq uint64) ([]domain.Event, error) {
	live := b.Seq(symbol)
	if afterSeq == live {
		return nil, nil
	}
	if afterSeq > live {
		// The resume point is from a previous stream incarnation.
		return nil, domain.ErrSequenceExpired
	}
	if b.bus == nil {
		// Nothing durable to serve the gap from.
		return nil, domain.ErrSequenceExpired
	}

	msgs, err := b.bus.StreamRead(ctx, eventStream, "0", 0)
	if err != nil {
		return nil, fmt.Errorf("broadcast: replay: %w", err)
	}

	var (
		out    []domain.Event
		oldest uint64
	)
	for _, msg := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			continue
		}
		if ev.Symbol != symbol {
			continue
		}
		if oldest == 0 || ev.Seq < oldest {
			oldest = ev.Seq
		}
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}

	// Events behind the live counter exist but the stream no longer retains
	// the ones right after the resume point: there is a gap the replay
	// cannot fill. oldest == 0 means trimming removed every event for the
	// symbol.
	if oldest == 0 || afterSeq+1 < oldest {
		return nil, domain.ErrSequenceExpired
	}
	return out, nil
}
