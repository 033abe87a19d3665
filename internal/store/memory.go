package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/models"
)

// MemoryStore keeps everything in maps. It is thread-safe and hands out
// copies, so callers never share state with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	integrations  map[string]*models.Integration
	jobs          map[string]*models.AutomationJob
	notifications map[string]*models.Notification
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		integrations:  make(map[string]*models.Integration),
		jobs:          make(map[string]*models.AutomationJob),
		notifications: make(map[string]*models.Notification),
	}
}

// Integration operations

func (s *MemoryStore) SaveIntegration(_ context.Context, in *models.Integration) error {
	if err := in.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if prev, ok := s.integrations[in.ID]; ok {
		in.CreatedAt = prev.CreatedAt
	} else if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	s.integrations[in.ID] = copyIntegration(in)
	return nil
}

func (s *MemoryStore) GetIntegration(_ context.Context, id string) (*models.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.integrations[id]
	if !ok {
		return nil, &errors.ErrNotFound{Kind: "integration", ID: id}
	}
	return copyIntegration(in), nil
}

func (s *MemoryStore) ListIntegrations(_ context.Context, ownerID, driver string) (models.IntegrationSlice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := models.IntegrationSlice{}
	for _, in := range s.integrations {
		if ownerID != "" && in.OwnerID != ownerID {
			continue
		}
		if driver != "" && in.Driver != driver {
			continue
		}
		out = append(out, copyIntegration(in))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteIntegration removes the integration together with its jobs.
func (s *MemoryStore) DeleteIntegration(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.integrations[id]; !ok {
		return &errors.ErrNotFound{Kind: "integration", ID: id}
	}
	delete(s.integrations, id)
	for jobID, job := range s.jobs {
		if job.IntegrationID == id {
			delete(s.jobs, jobID)
		}
	}
	return nil
}

// Job operations

// SaveJob inserts or replaces a job, assigning an ID to new ones.
func (s *MemoryStore) SaveJob(_ context.Context, job *models.AutomationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.integrations[job.IntegrationID]; !ok {
		return &errors.ErrNotFound{Kind: "integration", ID: job.IntegrationID}
	}
	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.Status == models.JobPending && job.NextRetryAt == nil {
		next := now
		job.NextRetryAt = &next
	}
	if prev, ok := s.jobs[job.ID]; ok {
		job.CreatedAt = prev.CreatedAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.AutomationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, &errors.ErrNotFound{Kind: "job", ID: id}
	}
	return copyJob(job), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, integrationID string) ([]*models.AutomationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.AutomationJob{}
	for _, job := range s.jobs {
		if integrationID == "" || job.IntegrationID == integrationID {
			out = append(out, copyJob(job))
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) DueJobs(_ context.Context, now time.Time, limit int) ([]*models.AutomationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.AutomationJob{}
	for _, job := range s.jobs {
		if job.Status == models.JobPending && job.IsDue(now) {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(*out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(*out[j].NextRetryAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RescheduleFailedJobs(_ context.Context, integrationID string, codes []int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.IntegrationID != integrationID || job.Status != models.JobFailed {
			continue
		}
		if !containsCode(codes, job.LastErrorCode) {
			continue
		}
		next := at
		job.Status = models.JobPending
		job.NextRetryAt = &next
		job.UpdatedAt = at
		n++
	}
	return n, nil
}

// Notification operations

func (s *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	s.notifications[n.ID] = copyNotification(n)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, ownerID string, openOnly bool) ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Notification{}
	for _, n := range s.notifications {
		if n.OwnerID != ownerID || (openOnly && !n.IsOpen()) {
			continue
		}
		out = append(out, copyNotification(n))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CloseNotifications(_ context.Context, ownerID, notificationType string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, note := range s.notifications {
		if note.OwnerID != ownerID || note.Type != notificationType || !note.IsOpen() {
			continue
		}
		closed := at
		note.ClosedAt = &closed
		n++
	}
	return n, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func sortJobs(jobs []*models.AutomationJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
