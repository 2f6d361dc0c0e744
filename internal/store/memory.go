package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/johnnywatts/forker/internal/model"
)

// MemStore is an in-memory Store implementation used by unit tests across
// the codebase so components can be exercised without a real database.
// It enforces the same optimistic-concurrency and transactional-audit
// contract as SQLiteStore, just guarded by a single mutex instead of a
// SQL transaction.
type MemStore struct {
	mu sync.Mutex

	jobs        map[string]model.FileJob
	targets     map[string]map[model.TargetID]model.TargetOutcome
	quarantines map[string]model.QuarantineEntry
	deadLetters map[string]model.DeadLetterEntry
	history     []model.StateChangeLogEntry
	nextLogID   int64

	now func() time.Time
}

// NewMemStore creates an empty MemStore. now defaults to time.Now; tests
// that need deterministic timestamps can set MemStore.now directly.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:        make(map[string]model.FileJob),
		targets:     make(map[string]map[model.TargetID]model.TargetOutcome),
		quarantines: make(map[string]model.QuarantineEntry),
		deadLetters: make(map[string]model.DeadLetterEntry),
		now:         time.Now,
	}
}

func (s *MemStore) appendHistoryLocked(jobID string, entityType model.EntityType, targetID *model.TargetID, oldState *string, newState string, changeCtx map[string]any) {
	s.nextLogID++
	var duration time.Duration
	for i := len(s.history) - 1; i >= 0; i-- {
		h := s.history[i]
		if h.JobID == jobID && h.EntityType == entityType && sameTarget(h.TargetID, targetID) {
			duration = s.now().Sub(h.Timestamp)
			break
		}
	}
	s.history = append(s.history, model.StateChangeLogEntry{
		ID:         s.nextLogID,
		JobID:      jobID,
		EntityType: entityType,
		TargetID:   targetID,
		OldState:   oldState,
		NewState:   newState,
		Timestamp:  s.now(),
		Duration:   duration,
		Context:    changeCtx,
	})
}

func sameTarget(a, b *model.TargetID) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func (s *MemStore) InsertJob(_ context.Context, job model.FileJob, targets [2]model.TargetOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrAlreadyExists
	}
	job.Version = 1
	now := s.now()
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = job

	tset := make(map[model.TargetID]model.TargetOutcome, 2)
	for _, t := range targets {
		t.Version = 1
		t.CreatedAt, t.UpdatedAt = now, now
		tset[t.TargetID] = t
	}
	s.targets[job.ID] = tset

	s.appendHistoryLocked(job.ID, model.EntityJob, nil, nil, string(job.State), nil)
	for _, t := range targets {
		tid := t.TargetID
		s.appendHistoryLocked(job.ID, model.EntityTarget, &tid, nil, string(t.CopyState), nil)
	}
	return nil
}

func (s *MemStore) UpdateJobState(_ context.Context, jobID string, expectedVersion int, newState model.JobState, changeCtx map[string]any) (model.FileJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return model.FileJob{}, ErrNotFound
	}
	if job.Version != expectedVersion {
		return model.FileJob{}, ErrVersionConflict
	}
	old := string(job.State)
	job.State = newState
	job.Version++
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job

	s.appendHistoryLocked(jobID, model.EntityJob, nil, &old, string(newState), changeCtx)
	return job, nil
}

func (s *MemStore) SetSourceHash(_ context.Context, jobID string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.SourceHash = &hash
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

func (s *MemStore) UpdateTarget(_ context.Context, jobID string, targetID model.TargetID, expectedVersion int, mutate TargetMutation, changeCtx map[string]any) (model.TargetOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tset, ok := s.targets[jobID]
	if !ok {
		return model.TargetOutcome{}, ErrNotFound
	}
	t, ok := tset[targetID]
	if !ok {
		return model.TargetOutcome{}, ErrNotFound
	}
	if t.Version != expectedVersion {
		return model.TargetOutcome{}, ErrVersionConflict
	}
	old := string(t.CopyState)
	mutate(&t)
	t.Version++
	t.UpdatedAt = s.now()
	tset[targetID] = t

	s.appendHistoryLocked(jobID, model.EntityTarget, &targetID, &old, string(t.CopyState), changeCtx)
	return t, nil
}

func (s *MemStore) GetJobWithTargets(_ context.Context, jobID string) (model.FileJob, []model.TargetOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return model.FileJob{}, nil, ErrNotFound
	}
	return job, s.targetSliceLocked(jobID), nil
}

func (s *MemStore) targetSliceLocked(jobID string) []model.TargetOutcome {
	tset := s.targets[jobID]
	out := make([]model.TargetOutcome, 0, len(tset))
	for _, id := range []model.TargetID{model.TargetA, model.TargetB} {
		if t, ok := tset[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *MemStore) FindJobsByState(_ context.Context, state model.JobState) ([]model.FileJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.FileJob
	for _, j := range s.jobs {
		if j.State == state {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) FindTargetsByCopyState(_ context.Context, state model.CopyState) ([]model.TargetOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TargetOutcome
	for _, tset := range s.targets {
		for _, t := range tset {
			if t.CopyState == state {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

func (s *MemStore) AppendStateChange(_ context.Context, entry model.StateChangeLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	entry.ID = s.nextLogID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.history = append(s.history, entry)
	return entry.ID, nil
}

func (s *MemStore) History(_ context.Context, jobID string, targetID *model.TargetID) ([]model.StateChangeLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.StateChangeLogEntry
	for _, h := range s.history {
		if h.JobID != jobID {
			continue
		}
		if targetID != nil && !sameTarget(h.TargetID, targetID) {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemStore) TrimStateChangeLog(_ context.Context, olderThan time.Time, maxRows int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []model.StateChangeLogEntry
	var removed int64
	for _, h := range s.history {
		if h.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	if maxRows > 0 && len(kept) > maxRows {
		excess := len(kept) - maxRows
		removed += int64(excess)
		kept = kept[excess:]
	}
	s.history = kept
	return removed, nil
}

func (s *MemStore) CreateQuarantineEntry(_ context.Context, entry model.QuarantineEntry, jobExpectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[entry.JobID]
	if !ok {
		return ErrNotFound
	}
	if job.Version != jobExpectedVersion {
		return ErrVersionConflict
	}
	if entry.Status == "" {
		entry.Status = model.QuarantineActive
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.quarantines[entry.ID] = entry

	old := string(job.State)
	job.State = model.JobQuarantined
	job.Version++
	job.UpdatedAt = s.now()
	s.jobs[entry.JobID] = job
	s.appendHistoryLocked(entry.JobID, model.EntityJob, nil, &old, string(model.JobQuarantined), map[string]any{"quarantine_id": entry.ID})
	return nil
}

func (s *MemStore) GetQuarantineEntry(_ context.Context, id string) (model.QuarantineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quarantines[id]
	if !ok {
		return model.QuarantineEntry{}, ErrNotFound
	}
	return q, nil
}

func (s *MemStore) ListQuarantineEntries(_ context.Context, status model.QuarantineStatus) ([]model.QuarantineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QuarantineEntry
	for _, q := range s.quarantines {
		if q.Status == status {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ReleaseQuarantine(_ context.Context, id string, actor string) (model.FileJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quarantines[id]
	if !ok {
		return model.FileJob{}, ErrNotFound
	}
	if q.Status != model.QuarantineActive {
		return model.FileJob{}, ErrVersionConflict
	}
	job, ok := s.jobs[q.JobID]
	if !ok {
		return model.FileJob{}, ErrNotFound
	}
	tset := s.targets[q.JobID]
	for _, snap := range q.Snapshots {
		t := tset[snap.TargetID]
		oldCopy := string(t.CopyState)
		t.CopyState = model.CopyPending
		t.Attempts = 0
		t.TargetHash = nil
		t.Version++
		t.UpdatedAt = s.now()
		tset[snap.TargetID] = t
		tid := snap.TargetID
		s.appendHistoryLocked(q.JobID, model.EntityTarget, &tid, &oldCopy, string(model.CopyPending), map[string]any{"released_from_quarantine": id})
	}

	oldJob := string(job.State)
	job.State = model.JobQueued
	job.Version++
	job.UpdatedAt = s.now()
	s.jobs[q.JobID] = job
	s.appendHistoryLocked(q.JobID, model.EntityJob, nil, &oldJob, string(model.JobQueued), map[string]any{"released_from_quarantine": id})

	now := s.now()
	q.Status = model.QuarantineReleased
	q.ResolvedAt = &now
	q.ResolvedBy = actor
	s.quarantines[id] = q

	return job, nil
}

func (s *MemStore) PurgeQuarantine(_ context.Context, id string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quarantines[id]
	if !ok {
		return ErrNotFound
	}
	if q.Status != model.QuarantineActive {
		return ErrVersionConflict
	}
	job, ok := s.jobs[q.JobID]
	if !ok {
		return ErrNotFound
	}
	oldJob := string(job.State)
	job.State = model.JobFailed
	job.Version++
	job.UpdatedAt = s.now()
	s.jobs[q.JobID] = job
	s.appendHistoryLocked(q.JobID, model.EntityJob, nil, &oldJob, string(model.JobFailed), map[string]any{"purged_quarantine": id})

	now := s.now()
	q.Status = model.QuarantinePurged
	q.ResolvedAt = &now
	q.ResolvedBy = actor
	s.quarantines[id] = q
	return nil
}

func (s *MemStore) CreateDeadLetterEntry(_ context.Context, entry model.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Status == "" {
		entry.Status = model.DeadLetterActive
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.deadLetters[entry.ID] = entry
	return nil
}

func (s *MemStore) ListDeadLetterEntries(_ context.Context, status model.DeadLetterStatus) ([]model.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.DeadLetterEntry
	for _, d := range s.deadLetters {
		if d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) RequeueDeadLetter(_ context.Context, id string) (model.FileJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deadLetters[id]
	if !ok {
		return model.FileJob{}, ErrNotFound
	}
	if d.Status != model.DeadLetterActive && d.Status != model.DeadLetterUnderInvestigation {
		return model.FileJob{}, ErrVersionConflict
	}
	job, ok := s.jobs[d.JobID]
	if !ok {
		return model.FileJob{}, ErrNotFound
	}

	tset := s.targets[d.JobID]
	if d.TargetID != nil {
		t := tset[*d.TargetID]
		old := string(t.CopyState)
		t.CopyState = model.CopyPending
		t.Attempts = 0
		t.Version++
		t.UpdatedAt = s.now()
		tset[*d.TargetID] = t
		s.appendHistoryLocked(d.JobID, model.EntityTarget, d.TargetID, &old, string(model.CopyPending), map[string]any{"requeued_from_dead_letter": id})
	}

	oldJob := string(job.State)
	job.State = model.JobQueued
	job.Version++
	job.UpdatedAt = s.now()
	s.jobs[d.JobID] = job
	s.appendHistoryLocked(d.JobID, model.EntityJob, nil, &oldJob, string(model.JobQueued), map[string]any{"requeued_from_dead_letter": id})

	d.Status = model.DeadLetterRequeued
	s.deadLetters[id] = d
	return job, nil
}

func (s *MemStore) PurgeDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deadLetters[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = model.DeadLetterPurged
	s.deadLetters[id] = d
	return nil
}

func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
