package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// PGDeduper implements store.MessageDeduper over the processed_messages
// table. Insert order is the BIGSERIAL id; once the table holds more than
// capacity rows the oldest half is removed in one batch.
type PGDeduper struct {
	db       *sql.DB
	capacity int
}

func NewPGDeduper(db *sql.DB, capacity int) *PGDeduper {
	if capacity <= 0 {
		capacity = 1000
	}
	return &PGDeduper{db: db, capacity: capacity}
}

func (d *PGDeduper) CheckAndRecord(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO processed_messages (message_id) VALUES ($1) ON CONFLICT (message_id) DO NOTHING`,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("record message id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record message id: %w", err)
	}
	if n == 0 {
		return true, nil
	}

	if err := d.trim(ctx); err != nil {
		slog.Warn("dedup trim failed", "error", err)
	}
	return false, nil
}

// keep is how many ids survive a trim: capacity minus the oldest half,
// evicting at least one.
func (d *PGDeduper) keep() int {
	return d.capacity - max(1, d.capacity/2) + 1
}

// trim drops the oldest half when the table exceeds capacity.
func (d *PGDeduper) trim(ctx context.Context) error {
	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT count(*) FROM processed_messages`).Scan(&count); err != nil {
		return err
	}
	if count <= d.capacity {
		return nil
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM processed_messages ORDER BY id ASC LIMIT $1`, count-d.keep())
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := d.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return err
	}
	slog.Debug("dedup table trimmed", "removed", len(ids))
	return nil
}
