package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/models"
)

var _ errors.RetrySweeper = (Store)(nil)

// backends runs fn against every store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func seedIntegration(t *testing.T, s Store, id, owner, driver string) *models.Integration {
	t.Helper()
	in := &models.Integration{
		ID:          id,
		OwnerID:     owner,
		Driver:      driver,
		Credentials: models.Values{"api_key": "k-us6", "oauth": map[string]any{"expires_in": int64(1700000000)}},
		Meta:        models.Values{"lists": map[string]any{"L1": "Newsletter"}},
	}
	require.NoError(t, s.SaveIntegration(context.Background(), in))
	return in
}

func TestIntegrations(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := seedIntegration(t, s, "i1", "u1", "mailchimp")
		seedIntegration(t, s, "i2", "u1", "hubspot")
		seedIntegration(t, s, "i3", "u2", "mailchimp")
		created := in.CreatedAt

		got, err := s.GetIntegration(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, "k-us6", got.Credentials.String("api_key"))
		assert.Equal(t, "Newsletter", got.Meta.String("lists", "L1"))
		expires, ok := models.ToInt64(got.Credentials.Path(nil, "oauth", "expires_in"))
		require.True(t, ok)
		assert.Equal(t, int64(1700000000), expires)

		// returned values are copies
		got.Credentials["api_key"] = "changed"
		again, err := s.GetIntegration(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, "k-us6", again.Credentials.String("api_key"))

		got.Credentials["api_key"] = "rotated-us6"
		require.NoError(t, s.SaveIntegration(ctx, got))
		again, err = s.GetIntegration(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, "rotated-us6", again.Credentials.String("api_key"))
		assert.True(t, again.CreatedAt.Equal(created))

		list, err := s.ListIntegrations(ctx, "u1", "")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "i1", list[0].ID)

		list, err = s.ListIntegrations(ctx, "", "mailchimp")
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.DeleteIntegration(ctx, "i3"))
		_, err = s.GetIntegration(ctx, "i3")
		assert.True(t, errors.IsNotFound(err))
		assert.True(t, errors.IsNotFound(s.DeleteIntegration(ctx, "i3")))

		assert.Error(t, s.SaveIntegration(ctx, &models.Integration{ID: "x"}))
	})
}

func TestJobs_DueOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedIntegration(t, s, "i1", "u1", "mailchimp")
		now := time.Now()
		later := now.Add(time.Hour)
		earlier := now.Add(-time.Minute)
		earliest := now.Add(-time.Hour)

		jobs := []*models.AutomationJob{
			{IntegrationID: "i1", Automation: "submit_person", NextRetryAt: &later},
			{IntegrationID: "i1", Automation: "submit_person", NextRetryAt: &earlier, SubscriberData: models.Values{"email": "b@example.com"}},
			{IntegrationID: "i1", Automation: "submit_person", NextRetryAt: &earliest, SubscriberData: models.Values{"email": "a@example.com"}},
			{IntegrationID: "i1", Automation: "submit_person", Status: models.JobDone},
		}
		for _, job := range jobs {
			require.NoError(t, s.SaveJob(ctx, job))
			assert.NotEmpty(t, job.ID)
		}
		assert.Equal(t, models.JobPending, jobs[0].Status)

		due, err := s.DueJobs(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "a@example.com", due[0].SubscriberData.String("email"))
		assert.Equal(t, "b@example.com", due[1].SubscriberData.String("email"))

		due, err = s.DueJobs(ctx, now, 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)

		all, err := s.ListJobs(ctx, "i1")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		assert.True(t, errors.IsNotFound(s.SaveJob(ctx, &models.AutomationJob{IntegrationID: "missing"})))
	})
}

func TestJobs_NewPendingJobIsDueImmediately(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedIntegration(t, s, "i1", "u1", "mailchimp")
		job := &models.AutomationJob{IntegrationID: "i1", Automation: "submit_person"}
		require.NoError(t, s.SaveJob(ctx, job))
		require.NotNil(t, job.NextRetryAt)

		due, err := s.DueJobs(ctx, time.Now().Add(time.Second), 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, job.ID, due[0].ID)
	})
}

func TestRetrySweep(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := seedIntegration(t, s, "i1", "u1", "mailchimp")
		seedIntegration(t, s, "i2", "u1", "hubspot")

		failed := func(integrationID string, code errors.Code) *models.AutomationJob {
			job := &models.AutomationJob{
				IntegrationID: integrationID,
				Automation:    "submit_person",
				Status:        models.JobFailed,
				LastErrorCode: int(code),
				Attempts:      1,
			}
			require.NoError(t, s.SaveJob(ctx, job))
			return job
		}
		creds := failed("i1", errors.CodeWrongCredentials)
		params := failed("i1", errors.CodeWrongParams)
		other := failed("i2", errors.CodeWrongCredentials)

		require.NoError(t, s.CreateNotification(ctx, &models.Notification{
			OwnerID: "u1", Type: models.NotificationIntegration, IntegrationID: "i1", Message: "Wrong credentials",
		}))
		require.NoError(t, s.CreateNotification(ctx, &models.Notification{
			OwnerID: "u1", Type: "billing", Message: "Card expired",
		}))

		n, err := errors.Retry(ctx, s, in)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetJob(ctx, creds.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobPending, got.Status)
		assert.True(t, got.IsDue(time.Now().Add(time.Second)))

		got, err = s.GetJob(ctx, params.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, got.Status)

		got, err = s.GetJob(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, got.Status)

		open, err := s.ListNotifications(ctx, "u1", true)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "billing", open[0].Type)

		all, err := s.ListNotifications(ctx, "u1", false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		n, err = errors.Retry(ctx, s, in, errors.CodeWrongParams, errors.CodeWrongCredentials)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "store.db")
	s, err := NewSQLiteStoreWithRetention(dbPath, 0)
	require.NoError(t, err)
	seedIntegration(t, s, "i1", "u1", "mailchimp")
	require.NoError(t, s.Close())

	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	s, err = NewSQLiteStoreWithRetention(dbPath, 0)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetIntegration(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, "mailchimp", got.Driver)
}

func TestSQLiteStore_Cleanup(t *testing.T) {
	s, err := NewSQLiteStoreWithRetention(filepath.Join(t.TempDir(), "test.db"), 7)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	seedIntegration(t, s, "i1", "u1", "mailchimp")

	done := &models.AutomationJob{IntegrationID: "i1", Automation: "submit_person", Status: models.JobDone}
	pending := &models.AutomationJob{IntegrationID: "i1", Automation: "submit_person"}
	require.NoError(t, s.SaveJob(ctx, done))
	require.NoError(t, s.SaveJob(ctx, pending))
	closed := time.Now()
	require.NoError(t, s.CreateNotification(ctx, &models.Notification{OwnerID: "u1", Type: "integration", Message: "m", ClosedAt: &closed}))

	s.cleanupOldData(time.Now().AddDate(0, 0, 8))

	jobs, err := s.ListJobs(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, pending.ID, jobs[0].ID)

	notes, err := s.ListNotifications(ctx, "u1", false)
	require.NoError(t, err)
	assert.Empty(t, notes)
}
