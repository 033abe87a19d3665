// Package automation executes scheduled automation jobs against the
// drivers of their integrations.
package automation

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/store"
)

// Config holds configuration for the runner
type Config struct {
	Interval         time.Duration
	BatchSize        int
	TemporaryBackoff time.Duration
	MaxAttempts      int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		BatchSize:        50,
		TemporaryBackoff: 5 * time.Minute,
		MaxAttempts:      5,
	}
}

// ConfigFromWorker converts the worker section of the service config.
func ConfigFromWorker(w config.WorkerConfig) Config {
	cfg := DefaultConfig()
	if w.Interval > 0 {
		cfg.Interval = w.Interval
	}
	if w.BatchSize > 0 {
		cfg.BatchSize = w.BatchSize
	}
	if w.TemporaryBackoff > 0 {
		cfg.TemporaryBackoff = w.TemporaryBackoff
	}
	if w.MaxAttempts > 0 {
		cfg.MaxAttempts = w.MaxAttempts
	}
	return cfg
}

// Result summarizes one pass over the due jobs.
type Result struct {
	Done        int `json:"done"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

// Notifier is told about every integration notification the runner opens.
type Notifier interface {
	NotifyIntegrationFailure(ctx context.Context, in *models.Integration, n *models.Notification) error
}

// Runner picks due jobs from the store and executes them one at a time.
type Runner struct {
	store    store.Store
	registry *driver.Registry
	cfg      Config
	logger   *logging.Logger
	clock    func() time.Time
	notifier Notifier

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a runner. A nil logger discards output.
func NewRunner(s store.Store, reg *driver.Registry, cfg Config, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{
		store:    s,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
	}
}

// SetNotifier forwards newly opened notifications. Delivery failures are
// logged and never fail the job.
func (r *Runner) SetNotifier(n Notifier) {
	r.notifier = n
}

// Enqueue schedules an automation for immediate execution.
func (r *Runner) Enqueue(ctx context.Context, integrationID, automation string, params, subscriber models.Values) (*models.AutomationJob, error) {
	now := r.clock()
	job := &models.AutomationJob{
		IntegrationID:  integrationID,
		Automation:     automation,
		Params:         params,
		SubscriberData: subscriber,
		Status:         models.JobPending,
		NextRetryAt:    &now,
	}
	if err := r.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Start begins the runner's polling loop
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return &errors.ErrServerStart{Addr: "automation-runner", Err: fmt.Errorf("runner already running")}
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.pollLoop(ctx)
	return nil
}

// Stop waits for the job in flight, if any, and stops the loop.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	stopCh := r.stopCh
	r.mu.Unlock()

	close(stopCh)
	r.wg.Wait()
	return nil
}

func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	r.poll(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	res, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error("automation poll failed", "error", err.Error())
		return
	}
	if res.Done+res.Rescheduled+res.Failed > 0 {
		r.logger.Info("automation poll finished", "done", res.Done, "rescheduled", res.Rescheduled, "failed", res.Failed)
	}
}

// RunOnce executes every job due now, up to the batch size.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	// one correlation id per pass
	ctx, _ = logging.EnsureCorrelationID(ctx)
	jobs, err := r.store.DueJobs(ctx, r.clock(), r.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		status, err := r.runJob(ctx, job)
		if err != nil {
			return res, err
		}
		switch status {
		case models.JobDone:
			res.Done++
		case models.JobPending:
			res.Rescheduled++
		default:
			res.Failed++
		}
	}
	return res, nil
}

// RunJob executes a single job right away, due or not, and returns its
// stored state afterwards. Finished jobs are returned untouched.
func (r *Runner) RunJob(ctx context.Context, id string) (*models.AutomationJob, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobDone {
		return job, nil
	}
	if _, err := r.runJob(ctx, job); err != nil {
		return nil, err
	}
	return r.store.GetJob(ctx, id)
}

// runJob executes one job and stores its outcome. The returned error is
// about persistence only; automation failures are recorded on the job.
func (r *Runner) runJob(ctx context.Context, job *models.AutomationJob) (models.JobStatus, error) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	log := r.logger.With("job_id", job.ID, "integration_id", job.IntegrationID, "automation", job.Automation)

	in, err := r.store.GetIntegration(ctx, job.IntegrationID)
	if err != nil {
		if errors.IsNotFound(err) {
			// jobs go away with their integration
			log.WarnWithContext(ctx, "integration of job not found")
			return models.JobFailed, nil
		}
		return "", err
	}

	execErr := r.execute(ctx, in, job)
	job.Attempts++
	now := r.clock()

	if execErr == nil {
		job.Status = models.JobDone
		job.LastErrorCode = 0
		job.LastError = ""
		job.NextRetryAt = nil
		log.InfoWithContext(ctx, "automation job done", "attempts", job.Attempts)
		return job.Status, r.store.SaveJob(ctx, job)
	}

	code := errors.CodeOf(execErr)
	message := execErr.Error()
	wait := r.cfg.TemporaryBackoff * time.Duration(job.Attempts)
	if ie, ok := errors.AsIntegrationError(execErr); ok {
		message = ie.Message
		if ie.RetryAfter > wait {
			wait = ie.RetryAfter
		}
	}

	if code == errors.CodeTemporary && job.Attempts < r.cfg.MaxAttempts {
		next := now.Add(wait)
		job.Status = models.JobPending
		job.LastErrorCode = int(code)
		job.LastError = message
		job.NextRetryAt = &next
		log.WarnWithContext(ctx, "automation job rescheduled", "attempts", job.Attempts, "next_retry_at", next.Format(time.RFC3339))
		return job.Status, r.store.SaveJob(ctx, job)
	}

	log.WarnWithContext(ctx, "automation job failed", "code", int(code), "error", message)
	return r.fail(ctx, job, in, code, message)
}

// execute builds the driver, runs the automation and persists credentials
// the driver changed on the way, such as refreshed OAuth tokens.
func (r *Runner) execute(ctx context.Context, in *models.Integration, job *models.AutomationJob) error {
	d, err := r.registry.ForIntegration(in)
	if err != nil {
		return err
	}
	before := d.Credentials().Clone()

	execErr := d.ExecAutomation(ctx, job.Automation, job.Params, job.SubscriberData)

	if after := d.Credentials(); !reflect.DeepEqual(before, after) {
		in.Credentials = after.Clone()
		if err := r.store.SaveIntegration(ctx, in); err != nil {
			r.logger.ErrorWithContext(ctx, "failed to persist refreshed credentials", "integration_id", in.ID, "error", err.Error())
		}
	}
	return execErr
}

// fail marks the job failed and opens an integration notification for the
// owner unless one is already open for this integration.
func (r *Runner) fail(ctx context.Context, job *models.AutomationJob, in *models.Integration, code errors.Code, message string) (models.JobStatus, error) {
	job.Status = models.JobFailed
	job.LastErrorCode = int(code)
	job.LastError = message
	job.NextRetryAt = nil
	if err := r.store.SaveJob(ctx, job); err != nil {
		return "", err
	}

	open, err := r.store.ListNotifications(ctx, in.OwnerID, true)
	if err != nil {
		return "", err
	}
	for _, n := range open {
		if n.Type == models.NotificationIntegration && n.IntegrationID == in.ID {
			return job.Status, nil
		}
	}
	name := in.Credentials.String("name")
	if name == "" {
		name = in.Driver
	}
	note := &models.Notification{
		OwnerID:       in.OwnerID,
		Type:          models.NotificationIntegration,
		IntegrationID: in.ID,
		Message:       fmt.Sprintf("%s: %s", name, message),
	}
	if err := r.store.CreateNotification(ctx, note); err != nil {
		return "", err
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyIntegrationFailure(ctx, in, note); err != nil {
			r.logger.WarnWithContext(ctx, "notification delivery failed", "notification_id", note.ID, "error", err.Error())
		}
	}
	return job.Status, nil
}
