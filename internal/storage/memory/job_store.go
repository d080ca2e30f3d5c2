// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// JobStore keeps analysis jobs in a map guarded by a single mutex. The
// active-pair check and the insert happen under the same lock, which gives
// CreateJob the same single-flight guarantee the SQL stores get from their
// unique partial index.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]analysis.Job
	active map[pairKey]string
	seq    map[string]int64
	next   int64
}

type pairKey struct {
	owner string
	url   string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string]analysis.Job),
		active: make(map[pairKey]string),
		seq:    make(map[string]int64),
	}
}

// CreateJob inserts job unless a non-terminal job exists for the same pair.
func (s *JobStore) CreateJob(_ context.Context, job analysis.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	key := pairKey{owner: job.OwnerID, url: job.WebsiteURL}
	if !job.Status.Terminal() {
		if activeID, ok := s.active[key]; ok {
			return &analysis.ConflictError{ActiveJobID: activeID, WebsiteURL: job.WebsiteURL}
		}
		s.active[key] = job.ID
	}
	s.next++
	s.seq[job.ID] = s.next
	s.jobs[job.ID] = job.Clone()
	return nil
}

// UpdateJob replaces the stored job when its status still equals expected.
func (s *JobStore) UpdateJob(_ context.Context, job analysis.Job, expected analysis.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, analysis.ErrNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("job %s is %s, expected %s: %w", job.ID, current.Status, expected, analysis.ErrStatusChanged)
	}
	if current.Status.Terminal() {
		return fmt.Errorf("job %s is terminal: %w", job.ID, analysis.ErrStatusChanged)
	}
	// Identity fields never change after creation.
	job.OwnerID = current.OwnerID
	job.WebsiteURL = current.WebsiteURL
	job.Attempt = current.Attempt
	job.CreatedAt = current.CreatedAt
	s.jobs[job.ID] = job.Clone()
	if job.Status.Terminal() {
		delete(s.active, pairKey{owner: current.OwnerID, url: current.WebsiteURL})
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.Job{}, fmt.Errorf("job %s: %w", jobID, analysis.ErrNotFound)
	}
	return job.Clone(), nil
}

// LatestJob returns the active job for the pair, else the newest terminal one.
func (s *JobStore) LatestJob(_ context.Context, ownerID, websiteURL string) (analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.active[pairKey{owner: ownerID, url: websiteURL}]; ok {
		return s.jobs[id].Clone(), nil
	}
	var (
		latest analysis.Job
		best   int64
	)
	for id, job := range s.jobs {
		if job.OwnerID != ownerID || job.WebsiteURL != websiteURL {
			continue
		}
		if seq := s.seq[id]; seq > best {
			best = seq
			latest = job
		}
	}
	if best == 0 {
		return analysis.Job{}, fmt.Errorf("no job for %s: %w", websiteURL, analysis.ErrNotFound)
	}
	return latest.Clone(), nil
}

// ListStale returns non-terminal jobs whose UpdatedAt is before the cutoff,
// oldest first.
func (s *JobStore) ListStale(_ context.Context, before time.Time, limit int) ([]analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []analysis.Job
	for _, id := range s.active {
		job := s.jobs[id]
		if job.UpdatedAt.Before(before) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *JobStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *JobStore) Close() error { return nil }
