// Package guard keeps the per-order tracking flags that make delivery at
// most once.
//
// Two flags exist per order. "prepared" is claimed by the client-side
// conversion path with a plain read followed by a write, so two racing
// requests may both claim it; the browser side tolerates a duplicate
// conversion attempt. "confirmed" is written by the server-side path only
// after the collector accepted the event, with an atomic set-if-absent.
// Neither flag is ever cleared.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"example.com/conversion-relay/internal/kvstore"
	"example.com/conversion-relay/internal/metrics"
)

const (
	FlagPrepared  = "prepared"
	FlagConfirmed = "confirmed"
)

type Guard struct {
	store   kvstore.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store kvstore.Store, m *metrics.Metrics) *Guard {
	return &Guard{store: store, metrics: m, now: time.Now}
}

// TryPrepare claims the prepared flag for entityID. It returns false when
// the flag is already present.
func (g *Guard) TryPrepare(ctx context.Context, entityID string) (bool, error) {
	key := kvstore.FlagKey(entityID, FlagPrepared)
	_, exists, err := g.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read prepared flag: %w", err)
	}
	if exists {
		g.metrics.ObserveFlag(FlagPrepared, false)
		return false, nil
	}
	if err := g.store.Set(ctx, key, g.stamp()); err != nil {
		return false, fmt.Errorf("write prepared flag: %w", err)
	}
	g.metrics.ObserveFlag(FlagPrepared, true)
	return true, nil
}

func (g *Guard) IsPrepared(ctx context.Context, entityID string) (bool, error) {
	return g.has(ctx, kvstore.FlagKey(entityID, FlagPrepared))
}

// MarkConfirmed records a successful server-side delivery. It reports
// whether this call created the flag.
func (g *Guard) MarkConfirmed(ctx context.Context, entityID string) (bool, error) {
	set, err := g.store.SetIfAbsent(ctx, kvstore.FlagKey(entityID, FlagConfirmed), g.stamp())
	if err != nil {
		return false, fmt.Errorf("write confirmed flag: %w", err)
	}
	g.metrics.ObserveFlag(FlagConfirmed, set)
	return set, nil
}

func (g *Guard) IsConfirmed(ctx context.Context, entityID string) (bool, error) {
	return g.has(ctx, kvstore.FlagKey(entityID, FlagConfirmed))
}

func (g *Guard) has(ctx context.Context, key string) (bool, error) {
	_, ok, err := g.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read flag %s: %w", key, err)
	}
	return ok, nil
}

func (g *Guard) stamp() string {
	return strconv.FormatInt(g.now().Unix(), 10)
}
