package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

const reportColumns = `id, owner, source_url, conversation_id, goal, persona, status,
	reply_threshold, min_length, blue_only, min_followers, weights,
	useful_count, qualified_count, scraped_count,
	original_id, original_text, original_author, original_avatar, title,
	last_item_at, last_activity_at, created_at, updated_at, version`

// CreateReport inserts a new report at version 1.
func (s *Store) CreateReport(ctx context.Context, r report.Report) error {
	weights, err := json.Marshal(r.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO reports (`+reportColumns+`) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
)`,
		r.ID, r.Owner, r.SourceURL, r.ConversationID, r.Goal, r.Persona, string(r.Status),
		r.ReplyThreshold, r.MinLength, r.BlueOnly, r.MinFollowers, weights,
		r.UsefulCount, r.QualifiedCount, r.ScrapedCount,
		r.OriginalPost.ExternalID, r.OriginalPost.Text, r.OriginalPost.Author, r.OriginalPost.AvatarURL, r.Title,
		r.LastItemAt, r.LastActivityAt, r.CreatedAt, r.UpdatedAt, r.Version,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// GetReport fetches a report by id.
func (s *Store) GetReport(ctx context.Context, id string) (report.Report, error) {
	row := s.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return report.Report{}, fmt.Errorf("report %s: %w", id, report.ErrNotFound)
	}
	if err != nil {
		return report.Report{}, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

// ListCreatedSince returns the owner's creation times at or after since, oldest first.
func (s *Store) ListCreatedSince(ctx context.Context, owner string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.Query(ctx,
		`SELECT created_at FROM reports WHERE owner = $1 AND created_at >= $2 ORDER BY created_at`,
		owner, since)
	if err != nil {
		return nil, fmt.Errorf("list created since: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("scan created_at: %w", err)
	}
	return out, nil
}

// UpdateOriginalPost records the fields of the conversation's root post.
func (s *Store) UpdateOriginalPost(ctx context.Context, id string, post report.OriginalPost) error {
	tag, err := s.db.Exec(ctx, `
UPDATE reports SET original_id = $2, original_text = $3, original_author = $4, original_avatar = $5, updated_at = $6
WHERE id = $1`, id, post.ExternalID, post.Text, post.Author, post.AvatarURL, s.clock.Now())
	if err != nil {
		return fmt.Errorf("update original post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("report %s: %w", id, report.ErrNotFound)
	}
	return nil
}

// SetTitle records a generated title.
func (s *Store) SetTitle(ctx context.Context, id string, title string) error {
	tag, err := s.db.Exec(ctx, `UPDATE reports SET title = $2, updated_at = $3 WHERE id = $1`,
		id, title, s.clock.Now())
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("report %s: %w", id, report.ErrNotFound)
	}
	return nil
}

// AdvanceStatus applies a forward-only status move. The set of statuses the
// report may currently hold is computed from report.CanAdvance so the rule
// lives in one place.
func (s *Store) AdvanceStatus(ctx context.Context, id string, to report.Status, at time.Time) (bool, error) {
	from := advanceableFrom(to)
	if len(from) == 0 {
		return false, s.reportExists(ctx, id)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE reports SET status = $2, last_activity_at = $3, updated_at = $4, version = version + 1
WHERE id = $1 AND status = ANY($5)`, id, string(to), at, s.clock.Now(), from)
	if err != nil {
		return false, fmt.Errorf("advance status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.reportExists(ctx, id)
}

const swapProgressSQL = `
UPDATE reports SET status = $3, useful_count = $4, qualified_count = $5, scraped_count = $6,
	last_item_at = $7, last_activity_at = $8, updated_at = $9, version = version + 1
WHERE id = $1 AND version = $2`

// CompareAndSwapProgress writes p when the stored version matches. With an
// ApplyKey the key is claimed in the same transaction as the update.
func (s *Store) CompareAndSwapProgress(ctx context.Context, id string, expectedVersion int64, p report.Progress) (bool, error) {
	if p.ApplyKey == "" {
		tag, err := s.db.Exec(ctx, swapProgressSQL, s.swapArgs(id, expectedVersion, p)...)
		if err != nil {
			return false, fmt.Errorf("compare and swap progress: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return true, nil
		}
		return false, s.reportExists(ctx, id)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin progress: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now()
	claim, err := tx.Exec(ctx, `
INSERT INTO progress_applied (report_id, apply_key, applied_at)
SELECT id, $2, $3 FROM reports WHERE id = $1
ON CONFLICT (report_id, apply_key) DO NOTHING`, id, p.ApplyKey, now)
	if err != nil {
		return false, fmt.Errorf("claim progress key: %w", err)
	}
	if claim.RowsAffected() == 0 {
		if err := s.reportExists(ctx, id); err != nil {
			return false, err
		}
		return false, fmt.Errorf("report %s key %s: %w", id, p.ApplyKey, report.ErrAlreadyApplied)
	}
	tag, err := tx.Exec(ctx, swapProgressSQL, s.swapArgs(id, expectedVersion, p)...)
	if err != nil {
		return false, fmt.Errorf("compare and swap progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit progress: %w", err)
	}
	return true, nil
}

func (s *Store) swapArgs(id string, expectedVersion int64, p report.Progress) []any {
	return []any{
		id, expectedVersion, string(p.Status), p.UsefulCount, p.QualifiedCount, p.ScrapedCount,
		p.LastItemAt, p.LastActivityAt, s.clock.Now(),
	}
}

// ListStale returns reports in statuses idle since before the cutoff, least recently active first.
func (s *Store) ListStale(ctx context.Context, statuses []report.Status, before time.Time, limit int) ([]report.Report, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `SELECT `+reportColumns+` FROM reports
WHERE status = ANY($1) AND last_activity_at < $2
ORDER BY last_activity_at LIMIT $3`, names, before, lim)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()
	var out []report.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

func advanceableFrom(to report.Status) []string {
	var out []string
	for _, from := range []report.Status{
		report.StatusSettingUp,
		report.StatusPending,
		report.StatusScraping,
		report.StatusCompleted,
		report.StatusFailed,
	} {
		if report.CanAdvance(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

func scanReport(row pgx.Row) (report.Report, error) {
	var (
		r       report.Report
		status  string
		weights []byte
	)
	err := row.Scan(
		&r.ID, &r.Owner, &r.SourceURL, &r.ConversationID, &r.Goal, &r.Persona, &status,
		&r.ReplyThreshold, &r.MinLength, &r.BlueOnly, &r.MinFollowers, &weights,
		&r.UsefulCount, &r.QualifiedCount, &r.ScrapedCount,
		&r.OriginalPost.ExternalID, &r.OriginalPost.Text, &r.OriginalPost.Author, &r.OriginalPost.AvatarURL, &r.Title,
		&r.LastItemAt, &r.LastActivityAt, &r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return report.Report{}, err //nolint:wrapcheck
	}
	r.Status = report.Status(status)
	if len(weights) > 0 {
		if err := json.Unmarshal(weights, &r.Weights); err != nil {
			return report.Report{}, fmt.Errorf("decode weights: %w", err)
		}
	}
	return r, nil
}
