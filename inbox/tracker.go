// Package inbox answers which transactions a viewer has seen and lists the
// viewer's orders and sales annotated for display.
package inbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"taskmarket/kvstore"
	"taskmarket/metrics"
)

const (
	keyPrefix = "lastViewedTx_"
	indexKey  = "viewedTransactions"

	// StaleAfter is how long a viewed record is kept.
	StaleAfter = 90 * 24 * time.Hour
	// MaxViewed bounds the number of ids indexed per viewer.
	MaxViewed = 1000
)

// TransactionRef is the part of a transaction the tracker compares against.
type TransactionRef struct {
	ID string
	// LastTransitionedAt is zero when the platform did not report it.
	LastTransitionedAt time.Time
}

// Tracker keeps last-viewed timestamps in a key-value store. Storage
// failures are logged and counted, and the operation returns its default.
type Tracker struct {
	store   kvstore.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type TrackerOption func(*Tracker)

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithTrackerLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithTrackerMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// NewTracker wraps store. A nil store behaves as unavailable storage.
func NewTracker(store kvstore.Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkViewed records now as the last view of txID. When the index grows
// past MaxViewed the earliest viewed ids are forgotten.
func (t *Tracker) MarkViewed(ctx context.Context, txID string) {
	if t.store == nil || txID == "" {
		return
	}
	stamp := strconv.FormatInt(t.now().UnixMilli(), 10)
	if err := t.store.Set(ctx, keyPrefix+txID, stamp); err != nil {
		t.fail("mark_viewed", err, zap.String("transaction_id", txID))
		return
	}

	var evicted []string
	err := t.store.Update(ctx, indexKey, func(raw string, exists bool) (string, bool, error) {
		evicted = nil
		ids := t.decodeIndex(raw, exists)
		for _, id := range ids {
			if id == txID {
				return raw, exists, nil
			}
		}
		ids = append(ids, txID)
		if over := len(ids) - MaxViewed; over > 0 {
			evicted = append(evicted, ids[:over]...)
			ids = ids[over:]
		}
		return encodeIndex(ids)
	})
	if err != nil {
		t.fail("mark_viewed", err, zap.String("transaction_id", txID))
		return
	}
	t.removeRecords(ctx, "mark_viewed", evicted)
}

// LastViewedAt returns when txID was last viewed.
func (t *Tracker) LastViewedAt(ctx context.Context, txID string) (time.Time, bool) {
	if t.store == nil || txID == "" {
		return time.Time{}, false
	}
	raw, ok, err := t.store.Get(ctx, keyPrefix+txID)
	if err != nil {
		t.fail("last_viewed_at", err, zap.String("transaction_id", txID))
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		t.logger.Warn("unparseable last viewed timestamp",
			zap.String("transaction_id", txID),
			zap.String("value", raw),
		)
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// HasUnreadUpdates reports whether tx changed since it was last viewed.
// A never viewed transaction is unread; one without a transition
// timestamp is not.
func (t *Tracker) HasUnreadUpdates(ctx context.Context, tx TransactionRef) bool {
	if tx.ID == "" {
		return false
	}
	viewedAt, ok := t.LastViewedAt(ctx, tx.ID)
	if !ok {
		return true
	}
	if tx.LastTransitionedAt.IsZero() {
		return false
	}
	return tx.LastTransitionedAt.UnixMilli() > viewedAt.UnixMilli()
}

// ViewedTransactions returns the index of viewed ids. A corrupt index reads as empty.
func (t *Tracker) ViewedTransactions(ctx context.Context) []string {
	if t.store == nil {
		return []string{}
	}
	raw, ok, err := t.store.Get(ctx, indexKey)
	if err != nil {
		t.fail("viewed_transactions", err)
		return []string{}
	}
	return t.decodeIndex(raw, ok)
}

// ClearAll removes the index and then every record it listed.
func (t *Tracker) ClearAll(ctx context.Context) {
	if t.store == nil {
		return
	}
	var listed []string
	err := t.store.Update(ctx, indexKey, func(raw string, exists bool) (string, bool, error) {
		listed = t.decodeIndex(raw, exists)
		return "", false, nil
	})
	if err != nil {
		t.fail("clear_all", err)
		return
	}
	t.removeRecords(ctx, "clear_all", listed)
}

// CleanupStale drops records last viewed StaleAfter or longer ago, as well
// as records with a missing or unreadable timestamp. It returns the number
// of ids dropped from the index.
func (t *Tracker) CleanupStale(ctx context.Context) int {
	if t.store == nil {
		return 0
	}
	now := t.now()
	stale := make(map[string]bool)
	for _, id := range t.ViewedTransactions(ctx) {
		viewedAt, ok := t.LastViewedAt(ctx, id)
		if !ok || now.Sub(viewedAt) >= StaleAfter {
			stale[id] = true
		}
	}
	if len(stale) == 0 {
		return 0
	}

	// drop from the index first so a failure never leaves unindexed records
	var dropped []string
	err := t.store.Update(ctx, indexKey, func(raw string, exists bool) (string, bool, error) {
		dropped = nil
		ids := t.decodeIndex(raw, exists)
		survivors := make([]string, 0, len(ids))
		for _, id := range ids {
			if stale[id] {
				dropped = append(dropped, id)
				continue
			}
			survivors = append(survivors, id)
		}
		return encodeIndex(survivors)
	})
	if err != nil {
		t.fail("cleanup_stale", err)
		return 0
	}
	t.removeRecords(ctx, "cleanup_stale", dropped)
	t.metrics.StaleSwept(len(dropped))
	return len(dropped)
}

func (t *Tracker) removeRecords(ctx context.Context, op string, ids []string) {
	for _, id := range ids {
		if err := t.store.Remove(ctx, keyPrefix+id); err != nil {
			t.fail(op, err, zap.String("transaction_id", id))
			return
		}
	}
}

func (t *Tracker) decodeIndex(raw string, exists bool) []string {
	if !exists || raw == "" {
		return []string{}
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		t.logger.Warn("unparseable viewed transactions index", zap.Error(err))
		return []string{}
	}
	if ids == nil {
		ids = []string{}
	}
	return ids
}

// encodeIndex is shaped as a kvstore.UpdateFunc result; an empty index is removed.
func encodeIndex(ids []string) (string, bool, error) {
	if len(ids) == 0 {
		return "", false, nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

func (t *Tracker) fail(op string, err error, fields ...zap.Field) {
	t.metrics.StorageFailure(op)
	t.logger.Warn("viewed state storage failure",
		append(fields, zap.String("operation", op), zap.Error(err))...)
}

// Trackers hands out one tracker per viewer, each over its own namespace.
type Trackers struct {
	backend kvstore.Backend
	opts    []TrackerOption
}

// NewTrackers wraps backend. A nil backend yields trackers over unavailable storage.
func NewTrackers(backend kvstore.Backend, opts ...TrackerOption) *Trackers {
	return &Trackers{backend: backend, opts: opts}
}

// For returns the tracker of viewerID.
func (ts *Trackers) For(viewerID string) *Tracker {
	if ts.backend == nil || viewerID == "" {
		return NewTracker(nil, ts.opts...)
	}
	return NewTracker(ts.backend.Namespace(viewerID), ts.opts...)
}

// HasUnreadUpdates answers for tx as seen by viewerID.
func (ts *Trackers) HasUnreadUpdates(ctx context.Context, tx TransactionRef, viewerID string) bool {
	return ts.For(viewerID).HasUnreadUpdates(ctx, tx)
}
