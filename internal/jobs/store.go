package jobs

import (
	"sync"
	"time"

	"github.com/virtforge/virtforge/pkg/types"
)

var statusRank = map[types.JobStatus]int{
	types.JobStatusQueued:       0,
	types.JobStatusProvisioning: 1,
	types.JobStatusUploading:    2,
	types.JobStatusRunning:      3,
	types.JobStatusDownloading:  4,
}

// Store is the shared job map. It is the only state touched by both
// workers and API callers, so every access goes through the lock.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*Job)}
}

func (s *Store) Put(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

// Advance moves a job forward through the pipeline. Transitions out of
// a terminal status, or backwards, are refused.
func (s *Store) Advance(id string, status types.JobStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	if !status.Terminal() && statusRank[status] <= statusRank[j.Status] {
		return false
	}
	j.Status = status
	return true
}

// MarkStarted records worker pickup time. The watchdog ceiling is
// measured from this instant, not from submission.
func (s *Store) MarkStarted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.StartedAt == nil {
		now := time.Now()
		j.StartedAt = &now
	}
}

// Complete moves a job to a terminal status with its result and error
// message, stamping completed_at. A job already terminal is left
// untouched so the first terminal writer wins.
func (s *Store) Complete(id string, status types.JobStatus, result *types.JobResult, errMsg string) bool {
	if !status.Terminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}
	now := time.Now()
	j.Status = status
	j.Result = result
	j.ErrorMessage = errMsg
	j.CompletedAt = &now
	return true
}

// Snapshot returns a caller-owned copy of the job's state.
func (s *Store) Snapshot(id string) (types.JobSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return types.JobSnapshot{}, false
	}
	return j.snapshot(), true
}

// Stale returns the ids of non-terminal jobs whose worker picked them
// up more than ceiling ago.
func (s *Store) Stale(ceiling time.Duration) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, j := range s.jobs {
		if j.Status.Terminal() || j.StartedAt == nil {
			continue
		}
		if time.Since(*j.StartedAt) > ceiling {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}
