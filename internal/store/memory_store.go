package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"relentless-harvester/internal/models"
)

// MemoryStore keeps every record in process memory. It backs single-process runs
// (worker RUN_ONCE mode) and tests.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	jobOrder []string
	egresses map[string]*models.Egress
	targets  map[string]*models.ScanTarget
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		egresses: make(map[string]*models.Egress),
		targets:  make(map[string]*models.ScanTarget),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateJobIfNoneActive(_ context.Context, job models.Job) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Family == job.Family && j.Status.Active() {
			return *j, false, nil
		}
	}
	stored := job
	s.jobs[job.ID] = &stored
	s.jobOrder = append(s.jobOrder, job.ID)
	return stored, true, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *j, nil
}

func (s *MemoryStore) ActiveJob(_ context.Context, family string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Family == family && j.Status.Active() {
			return *j, nil
		}
	}
	return models.Job{}, ErrNotFound
}

func (s *MemoryStore) LatestJob(_ context.Context, family string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		if j := s.jobs[s.jobOrder[i]]; j.Family == family {
			return *j, nil
		}
	}
	return models.Job{}, ErrNotFound
}

func (s *MemoryStore) TransitionJob(_ context.Context, id string, from []models.JobStatus, to models.JobStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !statusIn(j.Status, from) || !models.CanTransition(j.Status, to) {
		return ErrConflict
	}
	j.Status = to
	if to == models.JobPaused {
		t := at
		j.PausedAt = &t
	}
	if to.Terminal() {
		t := at
		j.CompletedAt = &t
	}
	return nil
}

func (s *MemoryStore) SetJobTotal(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Total = total
	return nil
}

func (s *MemoryStore) IncrementProgress(_ context.Context, id string, found int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Progress++
	j.FoundCount += found
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !j.Status.Active() {
		return ErrConflict
	}
	t := at
	j.Status = models.JobCompleted
	j.Progress = j.Total
	j.CompletedAt = &t
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, id string, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !j.Status.Active() {
		return ErrConflict
	}
	t := at
	j.Status = models.JobFailed
	j.ErrorMessage = msg
	j.CompletedAt = &t
	return nil
}

func (s *MemoryStore) ListAliveEgresses(_ context.Context) ([]models.Egress, error) {
	return s.listEgresses(true), nil
}

func (s *MemoryStore) ListEgresses(_ context.Context) ([]models.Egress, error) {
	return s.listEgresses(false), nil
}

func (s *MemoryStore) listEgresses(aliveOnly bool) []models.Egress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Egress, 0, len(s.egresses))
	for _, e := range s.egresses {
		if aliveOnly && !e.IsAlive {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) UpdateEgressHealth(_ context.Context, egress models.Egress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.egresses[egress.ID]
	if !ok {
		return ErrNotFound
	}
	e.IsAlive = egress.IsAlive
	e.FailCount = egress.FailCount
	e.LastUsedAt = egress.LastUsedAt
	e.LastFailedAt = egress.LastFailedAt
	return nil
}

func (s *MemoryStore) UpsertEgress(_ context.Context, egress models.Egress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := egress
	s.egresses[egress.ID] = &stored
	return nil
}

func (s *MemoryStore) DeleteEgress(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.egresses[id]; !ok {
		return ErrNotFound
	}
	delete(s.egresses, id)
	return nil
}

func (s *MemoryStore) ListEnabledTargets(_ context.Context) ([]models.ScanTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScanTarget, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Enabled {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastQualifying != out[j].LastQualifying {
			return out[i].LastQualifying > out[j].LastQualifying
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) RecordTargetScan(_ context.Context, outcome models.TargetScanOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[outcome.TargetID]
	if !ok {
		return ErrNotFound
	}
	t.LastYield = outcome.RawCount
	t.LastQualifying = outcome.Qualifying
	if outcome.RawCount == 0 {
		t.ConsecutiveEmpty++
	} else {
		t.ConsecutiveEmpty = 0
	}
	t.Tier = models.ClassifyTier(t.LastQualifying, t.ConsecutiveEmpty)
	scanned := outcome.ScannedAt
	t.LastScannedAt = &scanned
	return nil
}

func (s *MemoryStore) UpsertTarget(_ context.Context, target models.ScanTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := target
	if stored.Tier == "" {
		stored.Tier = models.ClassifyTier(stored.LastQualifying, stored.ConsecutiveEmpty)
	}
	s.targets[target.ID] = &stored
	return nil
}

func statusIn(status models.JobStatus, set []models.JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
