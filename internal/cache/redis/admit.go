package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Admitter implements domain.Admitter using Redis SET NX with a TTL equal to
// the dedup retention window. SET NX is atomic on the server, so concurrent
// submissions of the same signal ID resolve to exactly one winner even across
// replicas.
type Admitter struct {
	rdb    *redis.Client
	window time.Duration
}

// NewAdmitter creates an Admitter with the given retention window.
func NewAdmitter(c *Client, window time.Duration) *Admitter {
	return &Admitter{rdb: c.Underlying(), window: window}
}

func admitKey(signalID string) string {
	return "signal:seen:" + signalID
}

// Admit records the signal ID and reports whether this caller is the first to
// present it within the retention window. Retention is enforced by key expiry;
// no separate cleanup pass is needed.
func (a *Admitter) Admit(ctx context.Context, signalID string) (bool, error) {
	ok, err := a.rdb.SetNX(ctx, admitKey(signalID), time.Now().UTC().Format(time.RFC3339Nano), a.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis: admit %s: %w", signalID, err)
	}
	return ok, nil
}

// Seen reports whether the signal ID is already recorded, without consuming
// the admission slot. The HTTP layer uses it to answer duplicates with 200
// instead of 202 while the pipeline keeps sole authority over admission.
func (a *Admitter) Seen(ctx context.Context, signalID string) (bool, error) {
	n, err := a.rdb.Exists(ctx, admitKey(signalID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: seen %s: %w", signalID, err)
	}
	return n > 0, nil
}

// Compile-time interface check.
var _ domain.Admitter = (*Admitter)(nil)
