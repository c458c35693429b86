// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/reply-report-engine/internal/report"
)

// Store keeps reports, replies, activity, and workflow checkpoints in memory.
// It implements report.ReportStore, report.ReplyStore, report.ActivityStore,
// and workflow.CheckpointStore.
type Store struct {
	mu          sync.RWMutex
	clock       report.Clock
	reports     map[string]report.Report
	replies     map[string][]report.Reply
	seen        map[string]map[string]struct{}
	applied     map[string]map[string]struct{}
	activity    map[string][]report.ActivityEntry
	checkpoints map[string][]byte
}

// NewStore constructs an empty Store.
func NewStore(clock report.Clock) *Store {
	return &Store{
		clock:       clock,
		reports:     make(map[string]report.Report),
		replies:     make(map[string][]report.Reply),
		seen:        make(map[string]map[string]struct{}),
		applied:     make(map[string]map[string]struct{}),
		activity:    make(map[string][]report.ActivityEntry),
		checkpoints: make(map[string][]byte),
	}
}

// CreateReport stores a new report.
func (s *Store) CreateReport(_ context.Context, r report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[r.ID]; exists {
		return errors.New("report already exists")
	}
	if r.Version == 0 {
		r.Version = 1
	}
	s.reports[r.ID] = r
	return nil
}

// GetReport fetches a report by id.
func (s *Store) GetReport(_ context.Context, id string) (report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return report.Report{}, fmt.Errorf("report %s: %w", id, report.ErrNotFound)
	}
	return r, nil
}

// ListCreatedSince returns the owner's creation times at or after since, oldest first.
func (s *Store) ListCreatedSince(_ context.Context, owner string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []time.Time
	for _, r := range s.reports {
		if r.Owner == owner && !r.CreatedAt.Before(since) {
			out = append(out, r.CreatedAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// UpdateOriginalPost records the fields of the conversation's root post.
func (s *Store) UpdateOriginalPost(_ context.Context, id string, post report.OriginalPost) error {
	return s.mutate(id, func(r *report.Report) bool {
		r.OriginalPost = post
		return true
	})
}

// SetTitle records a generated title.
func (s *Store) SetTitle(_ context.Context, id string, title string) error {
	return s.mutate(id, func(r *report.Report) bool {
		r.Title = title
		return true
	})
}

// AdvanceStatus applies a forward-only status move.
func (s *Store) AdvanceStatus(_ context.Context, id string, to report.Status, at time.Time) (bool, error) {
	applied := false
	err := s.mutate(id, func(r *report.Report) bool {
		if !report.CanAdvance(r.Status, to) {
			return false
		}
		r.Status = to
		r.LastActivityAt = at
		r.Version++
		applied = true
		return true
	})
	return applied, err
}

// CompareAndSwapProgress writes p when the stored version matches.
func (s *Store) CompareAndSwapProgress(_ context.Context, id string, expectedVersion int64, p report.Progress) (bool, error) {
	swapped := false
	var dup bool
	err := s.mutate(id, func(r *report.Report) bool {
		if p.ApplyKey != "" {
			if _, ok := s.applied[id][p.ApplyKey]; ok {
				dup = true
				return false
			}
		}
		if r.Version != expectedVersion {
			return false
		}
		if p.ApplyKey != "" {
			if s.applied[id] == nil {
				s.applied[id] = make(map[string]struct{})
			}
			s.applied[id][p.ApplyKey] = struct{}{}
		}
		r.Status = p.Status
		r.UsefulCount = p.UsefulCount
		r.QualifiedCount = p.QualifiedCount
		r.ScrapedCount = p.ScrapedCount
		r.LastItemAt = p.LastItemAt
		r.LastActivityAt = p.LastActivityAt
		r.Version++
		swapped = true
		return true
	})
	if err == nil && dup {
		return false, fmt.Errorf("report %s key %s: %w", id, p.ApplyKey, report.ErrAlreadyApplied)
	}
	return swapped, err
}

// ListStale returns reports in statuses idle since before the cutoff, least recently active first.
func (s *Store) ListStale(_ context.Context, statuses []report.Status, before time.Time, limit int) ([]report.Report, error) {
	wanted := make(map[report.Status]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []report.Report
	for _, r := range s.reports {
		if _, ok := wanted[r.Status]; ok && r.LastActivityAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) mutate(id string, fn func(r *report.Report) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return fmt.Errorf("report %s: %w", id, report.ErrNotFound)
	}
	if fn(&r) {
		r.UpdatedAt = s.clock.Now()
		s.reports[id] = r
	}
	return nil
}

// InsertReplies stores replies whose external ids are new to the report.
func (s *Store) InsertReplies(_ context.Context, reportID string, replies []report.Reply) ([]report.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[reportID]; !ok {
		return nil, fmt.Errorf("report %s: %w", reportID, report.ErrNotFound)
	}
	seen := s.seen[reportID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.seen[reportID] = seen
	}
	inserted := make([]report.Reply, 0, len(replies))
	for _, reply := range replies {
		if _, dup := seen[reply.ExternalID]; dup {
			continue
		}
		seen[reply.ExternalID] = struct{}{}
		reply.ReportID = reportID
		if reply.Evaluation == "" {
			reply.Evaluation = report.EvaluationPending
		}
		s.replies[reportID] = append(s.replies[reportID], reply)
		inserted = append(inserted, reply)
	}
	return inserted, nil
}

// ListReplies returns a page of replies in insertion order. A limit <= 0 returns all.
func (s *Store) ListReplies(_ context.Context, reportID string, limit, offset int) ([]report.Reply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.replies[reportID]
	if offset >= len(all) {
		return []report.Reply{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]report.Reply(nil), all[offset:end]...), nil
}

// SetEvaluation moves a pending reply to state.
func (s *Store) SetEvaluation(_ context.Context, reportID, replyID string, state report.EvaluationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.replies[reportID]
	for i := range list {
		if list[i].ID != replyID {
			continue
		}
		if list[i].Evaluation != report.EvaluationPending {
			return false, nil
		}
		list[i].Evaluation = state
		return true, nil
	}
	return false, fmt.Errorf("reply %s: %w", replyID, report.ErrNotFound)
}

// AppendActivity appends entries.
func (s *Store) AppendActivity(_ context.Context, entries []report.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.activity[e.ReportID] = append(s.activity[e.ReportID], e)
	}
	return nil
}

// ListActivity returns the most recent entries for a report, oldest first.
func (s *Store) ListActivity(_ context.Context, reportID string, limit int) ([]report.ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.activity[reportID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]report.ActivityEntry(nil), all...), nil
}

// LoadCheckpoint returns a recorded step result.
func (s *Store) LoadCheckpoint(_ context.Context, instanceID, step string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.checkpoints[checkpointKey(instanceID, step)]
	return payload, ok, nil
}

// SaveCheckpoint records a step result.
func (s *Store) SaveCheckpoint(_ context.Context, instanceID, step string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey(instanceID, step)] = append([]byte(nil), payload...)
	return nil
}

func checkpointKey(instanceID, step string) string {
	return instanceID + "\x00" + step
}
