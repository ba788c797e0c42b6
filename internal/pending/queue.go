// Package pending holds purchase payloads that could not be executed in the
// browser right away and replays them on a later page render.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"example.com/conversion-relay/internal/kvstore"
	"example.com/conversion-relay/internal/metrics"
	"example.com/conversion-relay/internal/payload"
)

// Record is one captured conversion waiting for browser delivery.
type Record struct {
	EntityID      string           `json:"order_id"`
	Payload       payload.Purchase `json:"payload"`
	TriggerSource string           `json:"trigger_source"`
	CapturedAt    time.Time        `json:"timestamp"`
}

type Queue struct {
	store   kvstore.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewQueue(store kvstore.Store, m *metrics.Metrics, logger *slog.Logger) *Queue {
	return &Queue{store: store, metrics: m, logger: logger}
}

// ForUser returns the durable holder of an authenticated user.
func (q *Queue) ForUser(userID string) *UserHolder {
	return NewUserHolder(q.store, userID)
}

// Enqueue adds or replaces the record for rec.EntityID in h.
func (q *Queue) Enqueue(ctx context.Context, h Holder, rec Record) error {
	records, err := h.Load(ctx)
	if err != nil {
		return err
	}
	records[rec.EntityID] = rec
	if err := h.Save(ctx, records); err != nil {
		return err
	}
	q.metrics.ObservePending("enqueue", string(h.Scope().Kind))
	q.logger.Debug("pending conversion queued", "order_id", rec.EntityID, "scope", h.Scope().Kind, "trigger_source", rec.TriggerSource)
	return nil
}

// Flush returns every record in h ordered by capture time. It does not
// remove anything.
func (q *Queue) Flush(ctx context.Context, h Holder) ([]Record, error) {
	return q.FlushAll(ctx, h)
}

// FlushAll merges the records of several holders by entity id, the first
// holder winning on duplicates, and orders them by capture time.
func (q *Queue) FlushAll(ctx context.Context, holders ...Holder) ([]Record, error) {
	merged := map[string]Record{}
	for _, h := range holders {
		records, err := h.Load(ctx)
		if err != nil {
			return nil, err
		}
		for id, rec := range records {
			if _, ok := merged[id]; !ok {
				merged[id] = rec
			}
		}
		if len(records) > 0 {
			q.metrics.ObservePending("flush", string(h.Scope().Kind))
		}
	}
	out := make([]Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out, nil
}

func (q *Queue) Clear(ctx context.Context, h Holder) error {
	if err := h.Clear(ctx); err != nil {
		return err
	}
	q.metrics.ObservePending("clear", string(h.Scope().Kind))
	return nil
}

// StashForEntity keeps the order-scoped copy of a record so a later
// thank-you render can hand it to an anonymous browser.
func (q *Queue) StashForEntity(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pending record: %w", err)
	}
	if err := q.store.Set(ctx, kvstore.EntityKey(rec.EntityID, "pending"), string(raw)); err != nil {
		return fmt.Errorf("stash pending record: %w", err)
	}
	return nil
}

// ForEntity loads the order-scoped record, if any.
func (q *Queue) ForEntity(ctx context.Context, entityID string) (Record, bool, error) {
	raw, ok, err := q.store.Get(ctx, kvstore.EntityKey(entityID, "pending"))
	if err != nil {
		return Record{}, false, fmt.Errorf("load pending record: %w", err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode pending record: %w", err)
	}
	return rec, true, nil
}
