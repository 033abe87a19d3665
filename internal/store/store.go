// Package store persists integrations, scheduled automation jobs and owner
// notifications. MemoryStore serves tests and single-shot CLI runs;
// SQLiteStore is the durable backend.
package store

import (
	"context"
	"time"

	"github.com/convertful/integrations/internal/models"
)

// Store is implemented by every backend. Lookups of missing records fail
// with *errors.ErrNotFound. Store also satisfies errors.RetrySweeper.
type Store interface {
	SaveIntegration(ctx context.Context, in *models.Integration) error
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	// ListIntegrations filters by owner and driver; empty filters match all.
	ListIntegrations(ctx context.Context, ownerID, driver string) (models.IntegrationSlice, error)
	DeleteIntegration(ctx context.Context, id string) error

	SaveJob(ctx context.Context, job *models.AutomationJob) error
	GetJob(ctx context.Context, id string) (*models.AutomationJob, error)
	ListJobs(ctx context.Context, integrationID string) ([]*models.AutomationJob, error)
	// DueJobs returns up to limit unfinished jobs whose retry time has come,
	// oldest first.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.AutomationJob, error)
	RescheduleFailedJobs(ctx context.Context, integrationID string, codes []int, at time.Time) (int, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, ownerID string, openOnly bool) ([]*models.Notification, error)
	CloseNotifications(ctx context.Context, ownerID, notificationType string, at time.Time) (int, error)

	Close() error
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func copyIntegration(in *models.Integration) *models.Integration {
	out := *in
	out.Credentials = in.Credentials.Clone()
	out.Meta = in.Meta.Clone()
	out.Params = in.Params.Clone()
	return &out
}

func copyJob(job *models.AutomationJob) *models.AutomationJob {
	out := *job
	out.Params = job.Params.Clone()
	out.SubscriberData = job.SubscriberData.Clone()
	if job.NextRetryAt != nil {
		t := *job.NextRetryAt
		out.NextRetryAt = &t
	}
	return &out
}

func copyNotification(n *models.Notification) *models.Notification {
	out := *n
	if n.ClosedAt != nil {
		t := *n.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}
