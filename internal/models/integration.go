package models

import (
	"fmt"
	"time"
)

// Integration is a stored connection between an owner and one provider account.
type Integration struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Driver      string    `json:"driver"`
	Credentials Values    `json:"credentials"`
	Meta        Values    `json:"meta"`
	Params      Values    `json:"params,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the identifying fields of the integration.
func (i *Integration) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("integration ID is required")
	}
	if i.OwnerID == "" {
		return fmt.Errorf("owner ID is required")
	}
	if i.Driver == "" {
		return fmt.Errorf("driver is required")
	}
	return nil
}

// IntegrationSlice is a slice of integrations with helper methods.
type IntegrationSlice []*Integration

// Except returns all integrations but the one with the given ID.
func (s IntegrationSlice) Except(id string) IntegrationSlice {
	result := make(IntegrationSlice, 0, len(s))
	for _, in := range s {
		if in != nil && in.ID != id {
			result = append(result, in)
		}
	}
	return result
}

// JobStatus is the lifecycle state of a scheduled automation job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// AutomationJob is one scheduled execution of a driver automation.
type AutomationJob struct {
	ID             string     `json:"id"`
	IntegrationID  string     `json:"integration_id"`
	Automation     string     `json:"automation"`
	Params         Values     `json:"params,omitempty"`
	SubscriberData Values     `json:"subscriber_data"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	LastErrorCode  int        `json:"last_error_code"`
	LastError      string     `json:"last_error,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsDue reports whether the job should run at now.
func (j *AutomationJob) IsDue(now time.Time) bool {
	if j.Status == JobDone {
		return false
	}
	return j.NextRetryAt != nil && !j.NextRetryAt.After(now)
}

// NotificationIntegration is the notification type raised for integration failures.
const NotificationIntegration = "integration"

// Notification is a user-facing message shown to an integration owner.
type Notification struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Type          string     `json:"type"`
	IntegrationID string     `json:"integration_id,omitempty"`
	Message       string     `json:"message"`
	CreatedAt     time.Time  `json:"created_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// IsOpen reports whether the notification is still shown.
func (n *Notification) IsOpen() bool {
	return n.ClosedAt == nil
}
