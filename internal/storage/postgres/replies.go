package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// InsertReplies stores replies whose external ids are new to the report and
// returns exactly those. Duplicates are skipped by the (report_id,
// external_id) unique constraint.
func (s *Store) InsertReplies(ctx context.Context, reportID string, replies []report.Reply) ([]report.Reply, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert replies: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM reports WHERE id = $1`, reportID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("report %s: %w", reportID, report.ErrNotFound)
		}
		return nil, fmt.Errorf("check report: %w", err)
	}

	inserted := make([]report.Reply, 0, len(replies))
	for _, reply := range replies {
		reply.ReportID = reportID
		if reply.Evaluation == "" {
			reply.Evaluation = report.EvaluationPending
		}
		var id string
		err := tx.QueryRow(ctx, `
INSERT INTO replies (id, report_id, external_id, author, text, length, verified, follower_count, observed_at, evaluation)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (report_id, external_id) DO NOTHING
RETURNING id`,
			reply.ID, reportID, reply.ExternalID, reply.Author, reply.Text, reply.Length,
			reply.Verified, reply.FollowerCount, reply.ObservedAt, string(reply.Evaluation),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert reply %s: %w", reply.ExternalID, err)
		}
		inserted = append(inserted, reply)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replies: %w", err)
	}
	return inserted, nil
}

// ListReplies returns a page of replies in insertion order. A limit <= 0 returns all.
func (s *Store) ListReplies(ctx context.Context, reportID string, limit, offset int) ([]report.Reply, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(ctx, `
SELECT id, report_id, external_id, author, text, length, verified, follower_count, observed_at, evaluation
FROM replies WHERE report_id = $1 ORDER BY seq LIMIT $2 OFFSET $3`, reportID, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()
	out := []report.Reply{}
	for rows.Next() {
		var (
			r          report.Reply
			evaluation string
		)
		if err := rows.Scan(&r.ID, &r.ReportID, &r.ExternalID, &r.Author, &r.Text, &r.Length,
			&r.Verified, &r.FollowerCount, &r.ObservedAt, &evaluation); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		r.Evaluation = report.EvaluationState(evaluation)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return out, nil
}

// SetEvaluation moves a pending reply to state and reports whether it changed.
func (s *Store) SetEvaluation(ctx context.Context, reportID, replyID string, state report.EvaluationState) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE replies SET evaluation = $3 WHERE report_id = $1 AND id = $2 AND evaluation = 'pending'`,
		reportID, replyID, string(state))
	if err != nil {
		return false, fmt.Errorf("set evaluation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	ok, err := s.exists(ctx, `SELECT 1 FROM replies WHERE report_id = $1 AND id = $2`, reportID, replyID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("reply %s: %w", replyID, report.ErrNotFound)
	}
	return false, nil
}
