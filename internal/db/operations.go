package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const timeLayout = time.RFC3339Nano

type QueueOperations struct{}

func (o *QueueOperations) InsertItem(ctx context.Context, q Querier, r *QueueRow) error {
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	_, err = q.ExecContext(ctx, InsertQueueItem,
		r.ID, r.FilePath, r.FileName, r.AddedAt.UTC().Format(timeLayout),
		string(tags), r.OrderIndex, r.Status)
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

// GetItem returns sql.ErrNoRows when the id is unknown.
func (o *QueueOperations) GetItem(ctx context.Context, q Querier, id string) (*QueueRow, error) {
	r, err := scanQueueRow(q.QueryRowContext(ctx, GetQueueItemByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return r, nil
}

func (o *QueueOperations) ListItems(ctx context.Context, q Querier) ([]*QueueRow, error) {
	rows, err := q.QueryContext(ctx, ListQueueItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	return scanQueueRows(rows)
}

func (o *QueueOperations) ListItemsByPrinter(ctx context.Context, q Querier, printerName, status string) ([]*QueueRow, error) {
	rows, err := q.QueryContext(ctx, ListQueueItemsByPrinterAndStatus, printerName, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items for printer: %w", err)
	}
	return scanQueueRows(rows)
}

func (o *QueueOperations) ListIDs(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, ListQueueIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan queue id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (o *QueueOperations) NextOrderIndex(ctx context.Context, q Querier) (int, error) {
	var max int
	if err := q.QueryRowContext(ctx, MaxQueueOrderIndex).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max order index: %w", err)
	}
	return max + 1, nil
}

// RewriteOrder assigns order_index 0..n-1 following ids.
func (o *QueueOperations) RewriteOrder(ctx context.Context, q Querier, ids []string) error {
	for i, id := range ids {
		if _, err := q.ExecContext(ctx, UpdateQueueOrderIndex, i, id); err != nil {
			return fmt.Errorf("failed to update order index: %w", err)
		}
	}
	return nil
}

func (o *QueueOperations) UpdateState(ctx context.Context, q Querier, r *QueueRow) error {
	result, err := q.ExecContext(ctx, UpdateQueueItemState,
		r.Status, nullString(r.PrinterName), nullTime(r.StartedAt), nullTime(r.FinishedAt),
		nullString(r.ErrorMessage), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update queue item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (o *QueueOperations) DeleteItem(ctx context.Context, q Querier, id string) (bool, error) {
	result, err := q.ExecContext(ctx, DeleteQueueItem, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete queue item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (o *QueueOperations) CountByStatus(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, CountQueueItemsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueRow(s rowScanner) (*QueueRow, error) {
	var (
		r                                  QueueRow
		addedAt, tags                      string
		printer, started, finished, errMsg sql.NullString
	)
	if err := s.Scan(&r.ID, &r.FilePath, &r.FileName, &addedAt, &tags, &r.OrderIndex,
		&r.Status, &printer, &started, &finished, &errMsg); err != nil {
		return nil, err
	}

	t, err := time.Parse(timeLayout, addedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid added_at %q: %w", addedAt, err)
	}
	r.AddedAt = t

	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags for %s: %w", r.ID, err)
	}

	if printer.Valid {
		r.PrinterName = &printer.String
	}
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}
	if r.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanQueueRows(rows *sql.Rows) ([]*QueueRow, error) {
	defer rows.Close()

	var items []*QueueRow
	for rows.Next() {
		r, err := scanQueueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
