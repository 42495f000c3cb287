package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the payload staged in the outbox. At is the authoritative
// time of the change, used by consumers to order rows staged within one
// poll window.
type Envelope struct {
	Kind string    `json:"kind"`
	Ref  string    `json:"ref"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// OutboxRow is one pending broadcast.
type OutboxRow struct {
	ID        int64
	Kind      string
	Ref       string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// PendingOutbox returns undelivered rows in the order they were staged.
func (ix *Index) PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	db, release, err := ix.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, ref, payload, created_at_ns
		FROM outbox
		WHERE delivered_at_ns IS NULL
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []OutboxRow{}
	for rows.Next() {
		var r OutboxRow
		var payload string
		var created int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Ref, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkDelivered stamps rows as delivered so they are never sent again.
func (ix *Index) MarkDelivered(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return ix.withRetry(ctx, "index.MarkDelivered", func(tx *sql.Tx) error {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
		args := make([]any, 0, len(ids)+1)
		args = append(args, at.UnixNano())
		for _, id := range ids {
			args = append(args, id)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET delivered_at_ns = ? WHERE delivered_at_ns IS NULL AND id IN (`+marks+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return nil
	})
}

// PruneDelivered deletes delivered rows older than cutoff and returns how
// many were removed.
func (ix *Index) PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := ix.withRetry(ctx, "index.PruneDelivered", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM outbox WHERE delivered_at_ns IS NOT NULL AND delivered_at_ns < ?`, cutoff.UnixNano())
		if err != nil {
			return fmt.Errorf("prune outbox: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// PendingCount returns the number of undelivered rows.
func (ix *Index) PendingCount(ctx context.Context) (int, error) {
	db, release, err := ix.handle()
	if err != nil {
		return 0, err
	}
	defer release()
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE delivered_at_ns IS NULL`).Scan(&n)
	return n, err
}
