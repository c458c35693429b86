package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

var activityColumns = []string{"report_id", "key", "message", "meta", "ts"}

// AppendActivity bulk-inserts entries with COPY.
func (s *Store) AppendActivity(ctx context.Context, entries []report.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		var meta []byte
		if len(e.Meta) > 0 {
			encoded, err := json.Marshal(e.Meta)
			if err != nil {
				return fmt.Errorf("marshal activity meta: %w", err)
			}
			meta = encoded
		}
		rows = append(rows, []any{e.ReportID, e.Key, e.Message, meta, e.Timestamp})
	}
	if _, err := s.db.CopyFrom(ctx, pgx.Identifier{"report_activity"}, activityColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy activity: %w", err)
	}
	return nil
}

// ListActivity returns the most recent entries for a report, oldest first.
func (s *Store) ListActivity(ctx context.Context, reportID string, limit int) ([]report.ActivityEntry, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `
SELECT report_id, key, message, meta, ts FROM (
	SELECT id, report_id, key, message, meta, ts FROM report_activity
	WHERE report_id = $1 ORDER BY id DESC LIMIT $2
) recent ORDER BY id`, reportID, lim)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	out := []report.ActivityEntry{}
	for rows.Next() {
		var (
			e    report.ActivityEntry
			meta []byte
		)
		if err := rows.Scan(&e.ReportID, &e.Key, &e.Message, &meta, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode activity meta: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}
