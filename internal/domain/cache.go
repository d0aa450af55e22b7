package domain

import (
	"context"
	"time"
)

// Admitter decides whether a signal ID has been seen before. Admit is atomic
// under concurrent identical IDs: exactly one caller gets true.
type Admitter interface {
	Admit(ctx context.Context, signalID string) (accepted bool, err error)
}

// LockManager provides per-symbol advisory locks. The unlock function must be
// called on every exit path and is safe to call more than once.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is a single entry read back from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus is the durable, bounded event log behind the broadcaster. Live
// fan-out is in-process; the stream exists for sequence recovery on restart
// and subscriber reconnect-resume.
type SignalBus interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
