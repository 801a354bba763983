package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printfleet/internal/db"
)

// QueueStore is the persisted, ordered print queue. Every mutation runs in
// one transaction and writers are serialized by mu.
type QueueStore struct {
	db     *sql.DB
	ops    db.QueueOperations
	mu     sync.Mutex
	sink   QueueEventSink
	logger *slog.Logger
	now    func() time.Time
}

func NewQueueStore(database *sql.DB, sink QueueEventSink, logger *slog.Logger) *QueueStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueStore{
		db:     database,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// SetEventSink replaces the sink notified after each committed transition.
func (q *QueueStore) SetEventSink(sink QueueEventSink) {
	q.mu.Lock()
	q.sink = sink
	q.mu.Unlock()
}

func (q *QueueStore) Enqueue(ctx context.Context, filePath, fileName string, tags []string) (*QueueItem, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrInvalidCommand)
	}
	if fileName == "" {
		fileName = baseName(filePath)
	}

	row := &db.QueueRow{
		ID:       uuid.NewString(),
		FilePath: filePath,
		FileName: fileName,
		AddedAt:  q.now(),
		Tags:     NormalizeTags(tags),
		Status:   string(ItemTodo),
	}

	err := q.withTx(ctx, func(tx *sql.Tx) error {
		next, err := q.ops.NextOrderIndex(ctx, tx)
		if err != nil {
			return err
		}
		row.OrderIndex = next
		return q.ops.InsertItem(ctx, tx, row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue item: %w", err)
	}

	item := fromRow(row)
	q.notify(EventQueueItemAdded, item)
	return item, nil
}

func (q *QueueStore) Get(ctx context.Context, id string) (*QueueItem, error) {
	row, err := q.ops.GetItem(ctx, q.db, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrQueueItemNotFound, id)
		}
		return nil, err
	}
	return fromRow(row), nil
}

// List returns items in queue order. With tags, only items carrying at
// least one of them are returned.
func (q *QueueStore) List(ctx context.Context, tags []string) ([]*QueueItem, error) {
	rows, err := q.ops.ListItems(ctx, q.db)
	if err != nil {
		return nil, err
	}

	items := make([]*QueueItem, 0, len(rows))
	for _, r := range rows {
		item := fromRow(r)
		if len(tags) > 0 && !item.HasAnyTag(tags) {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Reorder moves the named items to the front in the given order. Items not
// named keep their relative order after them. Unknown ids abort the whole
// operation.
func (q *QueueStore) Reorder(ctx context.Context, ids []string) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		current, err := q.ops.ListIDs(ctx, tx)
		if err != nil {
			return err
		}

		known := make(map[string]bool, len(current))
		for _, id := range current {
			known[id] = true
		}

		placed := make(map[string]bool, len(ids))
		order := make([]string, 0, len(current))
		for _, id := range ids {
			if !known[id] {
				return fmt.Errorf("%w: unknown queue item %s", ErrQueueConflict, id)
			}
			if placed[id] {
				continue
			}
			placed[id] = true
			order = append(order, id)
		}
		for _, id := range current {
			if !placed[id] {
				order = append(order, id)
			}
		}

		return q.ops.RewriteOrder(ctx, tx, order)
	})
}

// Remove deletes one item and reports whether it existed.
func (q *QueueStore) Remove(ctx context.Context, id string) (bool, error) {
	var removed *QueueItem
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		row, err := q.ops.GetItem(ctx, tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := q.ops.DeleteItem(ctx, tx, id); err != nil {
			return err
		}
		removed = fromRow(row)
		return q.compact(ctx, tx)
	})
	if err != nil {
		return false, err
	}
	if removed == nil {
		return false, nil
	}
	q.notify(EventQueueItemRemoved, removed)
	return true, nil
}

// Clear removes every item, or with tags only the items matching any of
// them. It returns the number removed.
func (q *QueueStore) Clear(ctx context.Context, tags []string) (int, error) {
	var removed []*QueueItem
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := q.ops.ListItems(ctx, tx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			item := fromRow(r)
			if len(tags) > 0 && !item.HasAnyTag(tags) {
				continue
			}
			if _, err := q.ops.DeleteItem(ctx, tx, item.ID); err != nil {
				return err
			}
			removed = append(removed, item)
		}
		if len(removed) == 0 {
			return nil
		}
		return q.compact(ctx, tx)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}

	for _, item := range removed {
		q.notify(EventQueueItemRemoved, item)
	}
	return len(removed), nil
}

// UpdateStatus sets status and whichever optional fields are given.
func (q *QueueStore) UpdateStatus(ctx context.Context, id string, status ItemStatus, upd StatusUpdate) (*QueueItem, error) {
	return q.transition(ctx, id, status, upd, nil)
}

// MarkStarted claims a todo item for printerName.
func (q *QueueStore) MarkStarted(ctx context.Context, id, printerName string) (*QueueItem, error) {
	now := q.now()
	requireTodo := func(item *QueueItem) error {
		if item.Status != ItemTodo {
			return fmt.Errorf("%w: queue item %s is %s, not todo", ErrQueueConflict, id, item.Status)
		}
		return nil
	}
	return q.transition(ctx, id, ItemPrinting, StatusUpdate{
		ClearRun:    true,
		PrinterName: &printerName,
		StartedAt:   &now,
	}, requireTodo)
}

func (q *QueueStore) MarkFinished(ctx context.Context, id string) (*QueueItem, error) {
	now := q.now()
	return q.transition(ctx, id, ItemFinished, StatusUpdate{FinishedAt: &now}, nil)
}

func (q *QueueStore) MarkFailed(ctx context.Context, id, message string) (*QueueItem, error) {
	return q.markFailed(ctx, id, message, nil)
}

func (q *QueueStore) MarkSuccessful(ctx context.Context, id string) (*QueueItem, error) {
	return q.transition(ctx, id, ItemSuccess, StatusUpdate{}, nil)
}

// Retry returns an item to todo with printer, timestamps and error cleared.
func (q *QueueStore) Retry(ctx context.Context, id string) (*QueueItem, error) {
	return q.transition(ctx, id, ItemTodo, StatusUpdate{ClearRun: true}, nil)
}

func (q *QueueStore) markFailed(ctx context.Context, id, message string, guard ItemGuard) (*QueueItem, error) {
	now := q.now()
	return q.transition(ctx, id, ItemFailed, StatusUpdate{FinishedAt: &now, ErrorMessage: &message}, guard)
}

// ItemGuard vetoes a mark. It sees the stored item inside the transaction
// that would write the new status.
type ItemGuard func(item *QueueItem) error

// GuardedQueue applies the caller-driven marks through a guard.
type GuardedQueue struct {
	q     *QueueStore
	guard ItemGuard
}

func (q *QueueStore) Guarded(guard ItemGuard) GuardedQueue {
	return GuardedQueue{q: q, guard: guard}
}

func (g GuardedQueue) Retry(ctx context.Context, id string) (*QueueItem, error) {
	return g.q.transition(ctx, id, ItemTodo, StatusUpdate{ClearRun: true}, g.guard)
}

func (g GuardedQueue) MarkFailed(ctx context.Context, id, message string) (*QueueItem, error) {
	return g.q.markFailed(ctx, id, message, g.guard)
}

func (g GuardedQueue) MarkSuccessful(ctx context.Context, id string) (*QueueItem, error) {
	return g.q.transition(ctx, id, ItemSuccess, StatusUpdate{}, g.guard)
}

// AllTags returns the sorted set of tags across all items.
func (q *QueueStore) AllTags(ctx context.Context) ([]string, error) {
	rows, err := q.ops.ListItems(ctx, q.db)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	tags := []string{}
	for _, r := range rows {
		for _, t := range r.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	sort.Strings(tags)
	return tags, nil
}

func (q *QueueStore) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.ops.CountByStatus(ctx, q.db)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Todo:     counts[string(ItemTodo)],
		Printing: counts[string(ItemPrinting)],
		Finished: counts[string(ItemFinished)],
		Success:  counts[string(ItemSuccess)],
		Failed:   counts[string(ItemFailed)],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// ItemsForPrinter lists the items a printer currently holds in status.
func (q *QueueStore) ItemsForPrinter(ctx context.Context, printerName string, status ItemStatus) ([]*QueueItem, error) {
	rows, err := q.ops.ListItemsByPrinter(ctx, q.db, printerName, string(status))
	if err != nil {
		return nil, err
	}
	items := make([]*QueueItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, fromRow(r))
	}
	return items, nil
}

func (q *QueueStore) transition(ctx context.Context, id string, status ItemStatus, upd StatusUpdate, check ItemGuard) (*QueueItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown queue status %q", ErrInvalidCommand, status)
	}

	var updated *db.QueueRow
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		row, err := q.ops.GetItem(ctx, tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrQueueItemNotFound, id)
		}
		if err != nil {
			return err
		}

		if check != nil {
			if err := check(fromRow(row)); err != nil {
				return err
			}
		}

		applyUpdate(row, status, upd)
		if err := q.ops.UpdateState(ctx, tx, row); err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	item := fromRow(updated)
	q.notify(eventForStatus(status), item)
	return item, nil
}

func applyUpdate(row *db.QueueRow, status ItemStatus, upd StatusUpdate) {
	if upd.ClearRun {
		row.PrinterName = nil
		row.StartedAt = nil
		row.FinishedAt = nil
		row.ErrorMessage = nil
	}

	row.Status = string(status)
	if upd.PrinterName != nil {
		name := *upd.PrinterName
		row.PrinterName = &name
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		row.StartedAt = &t
	}
	if upd.FinishedAt != nil {
		t := *upd.FinishedAt
		row.FinishedAt = &t
	}
	if upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		row.ErrorMessage = &msg
	}
}

func eventForStatus(status ItemStatus) string {
	switch status {
	case ItemPrinting:
		return EventQueueItemStarted
	case ItemFinished:
		return EventQueueItemFinished
	case ItemFailed:
		return EventQueueItemFailed
	case ItemSuccess:
		return EventQueueItemSuccess
	default:
		return EventQueueItemRetried
	}
}

// compact rewrites order_index as 0..n-1 in current order.
func (q *QueueStore) compact(ctx context.Context, tx *sql.Tx) error {
	ids, err := q.ops.ListIDs(ctx, tx)
	if err != nil {
		return err
	}
	return q.ops.RewriteOrder(ctx, tx, ids)
}

func (q *QueueStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (q *QueueStore) notify(event string, item *QueueItem) {
	q.mu.Lock()
	sink := q.sink
	q.mu.Unlock()

	q.logger.Debug("queue item changed", "event", event, "id", item.ID, "status", item.Status)
	if sink == nil {
		return
	}
	sink.QueueItemChanged(event, *item)
}

// NormalizeTags trims, drops empties and duplicates, and falls back to
// DefaultTag when nothing is left.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return []string{DefaultTag}
	}
	return out
}

func fromRow(r *db.QueueRow) *QueueItem {
	return &QueueItem{
		ID:           r.ID,
		FilePath:     r.FilePath,
		FileName:     r.FileName,
		AddedAt:      r.AddedAt,
		Tags:         append([]string(nil), r.Tags...),
		OrderIndex:   r.OrderIndex,
		Status:       ItemStatus(r.Status),
		PrinterName:  r.PrinterName,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		ErrorMessage: r.ErrorMessage,
	}
}

func baseName(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
