package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/models"
)

// SQLiteStore persists to a SQLite database in WAL mode. Timestamps are
// stored as unix nanoseconds so that due-job comparisons stay numeric.
type SQLiteStore struct {
	db     *sql.DB
	logger *logging.Logger

	// Retention cleanup
	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	retentionDays int
}

// NewSQLiteStore creates a new SQLite store with WAL mode enabled
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithRetention(dbPath, 30)
}

// NewSQLiteStoreWithRetention creates a store that purges finished jobs and
// closed notifications older than retentionDays. Zero disables the purge.
func NewSQLiteStoreWithRetention(dbPath string, retentionDays int) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{
		db:            db,
		logger:        logging.NewLogger(),
		cleanupDone:   make(chan struct{}),
		retentionDays: retentionDays,
	}
	if retentionDays > 0 {
		store.startCleanup()
	}
	return store, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS integrations (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					driver TEXT NOT NULL,
					credentials TEXT NOT NULL DEFAULT '{}',
					meta TEXT NOT NULL DEFAULT '{}',
					params TEXT NOT NULL DEFAULT '{}',
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS automation_jobs (
					id TEXT PRIMARY KEY,
					integration_id TEXT NOT NULL,
					automation TEXT NOT NULL,
					params TEXT NOT NULL DEFAULT '{}',
					subscriber_data TEXT NOT NULL DEFAULT '{}',
					status TEXT NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					last_error_code INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					next_retry_at INTEGER,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					FOREIGN KEY (integration_id) REFERENCES integrations(id) ON DELETE CASCADE
				);

				CREATE TABLE IF NOT EXISTS notifications (
					id TEXT PRIMARY KEY,
					owner_id TEXT NOT NULL,
					type TEXT NOT NULL,
					integration_id TEXT NOT NULL DEFAULT '',
					message TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					closed_at INTEGER
				);

				CREATE INDEX IF NOT EXISTS idx_integrations_owner ON integrations(owner_id);
				CREATE INDEX IF NOT EXISTS idx_integrations_driver ON integrations(driver);
				CREATE INDEX IF NOT EXISTS idx_jobs_integration ON automation_jobs(integration_id);
				CREATE INDEX IF NOT EXISTS idx_jobs_due ON automation_jobs(status, next_retry_at);
				CREATE INDEX IF NOT EXISTS idx_notifications_owner ON notifications(owner_id, type);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}
	return nil
}

// startCleanup starts the retention cleanup goroutine
func (s *SQLiteStore) startCleanup() {
	s.cleanupTicker = time.NewTicker(time.Hour)
	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				s.cleanupOldData(time.Now())
			case <-s.cleanupDone:
				return
			}
		}
	}()
}

// cleanupOldData removes finished jobs and closed notifications past retention.
func (s *SQLiteStore) cleanupOldData(now time.Time) {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -s.retentionDays).UnixNano()

	if _, err := s.db.Exec("DELETE FROM automation_jobs WHERE status = ? AND updated_at < ?", models.JobDone, cutoff); err != nil {
		s.logger.Error("cleanup failed", "table", "automation_jobs", "error", err.Error())
	}
	if _, err := s.db.Exec("DELETE FROM notifications WHERE closed_at IS NOT NULL AND closed_at < ?", cutoff); err != nil {
		s.logger.Error("cleanup failed", "table", "notifications", "error", err.Error())
	}
}

// Close gracefully shuts down the store
func (s *SQLiteStore) Close() error {
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
		close(s.cleanupDone)
		s.cleanupTicker = nil
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Integration operations

func (s *SQLiteStore) SaveIntegration(ctx context.Context, in *models.Integration) error {
	if err := in.Validate(); err != nil {
		return err
	}
	creds, meta, params, err := encodeValues(in.Credentials, in.Meta, in.Params)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode integration", Err: err}
	}

	now := time.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, owner_id, driver, credentials, meta, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			driver = excluded.driver,
			credentials = excluded.credentials,
			meta = excluded.meta,
			params = excluded.params,
			updated_at = excluded.updated_at
	`, in.ID, in.OwnerID, in.Driver, creds, meta, params, in.CreatedAt.UnixNano(), in.UpdatedAt.UnixNano())
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save integration", Err: err}
	}
	// an update keeps the original creation time
	var created int64
	if err := s.db.QueryRowContext(ctx, "SELECT created_at FROM integrations WHERE id = ?", in.ID).Scan(&created); err == nil {
		in.CreatedAt = time.Unix(0, created)
	}
	return nil
}

const integrationColumns = "id, owner_id, driver, credentials, meta, params, created_at, updated_at"

func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+integrationColumns+" FROM integrations WHERE id = ?", id)
	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, &errors.ErrNotFound{Kind: "integration", ID: id}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get integration", Err: err}
	}
	return in, nil
}

func (s *SQLiteStore) ListIntegrations(ctx context.Context, ownerID, driver string) (models.IntegrationSlice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE (? = '' OR owner_id = ?) AND (? = '' OR driver = ?)
		ORDER BY id
	`, ownerID, ownerID, driver, driver)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list integrations", Err: err}
	}
	defer rows.Close()

	out := models.IntegrationSlice{}
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan integration", Err: err}
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteIntegration(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM integrations WHERE id = ?", id)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete integration", Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.ErrNotFound{Kind: "integration", ID: id}
	}
	return nil
}

// Job operations

func (s *SQLiteStore) SaveJob(ctx context.Context, job *models.AutomationJob) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM integrations WHERE id = ?", job.IntegrationID).Scan(&exists)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "check job integration", Err: err}
	}
	if exists == 0 {
		return &errors.ErrNotFound{Kind: "integration", ID: job.IntegrationID}
	}

	params, data, _, err := encodeValues(job.Params, job.SubscriberData, nil)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "encode job", Err: err}
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
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_jobs (id, integration_id, automation, params, subscriber_data, status, attempts, last_error_code, last_error, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			automation = excluded.automation,
			params = excluded.params,
			subscriber_data = excluded.subscriber_data,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error_code = excluded.last_error_code,
			last_error = excluded.last_error,
			next_retry_at = excluded.next_retry_at,
			updated_at = excluded.updated_at
	`, job.ID, job.IntegrationID, job.Automation, params, data, string(job.Status), job.Attempts,
		job.LastErrorCode, job.LastError, nullTime(job.NextRetryAt), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save job", Err: err}
	}
	return nil
}

const jobColumns = "id, integration_id, automation, params, subscriber_data, status, attempts, last_error_code, last_error, next_retry_at, created_at, updated_at"

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.AutomationJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM automation_jobs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, &errors.ErrNotFound{Kind: "job", ID: id}
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "get job", Err: err}
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, integrationID string) ([]*models.AutomationJob, error) {
	return s.queryJobs(ctx, "list jobs", `
		SELECT `+jobColumns+` FROM automation_jobs
		WHERE (? = '' OR integration_id = ?)
		ORDER BY created_at, id
	`, integrationID, integrationID)
}

func (s *SQLiteStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.AutomationJob, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryJobs(ctx, "due jobs", `
		SELECT `+jobColumns+` FROM automation_jobs
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at, id
		LIMIT ?
	`, string(models.JobPending), now.UnixNano(), limit)
}

func (s *SQLiteStore) RescheduleFailedJobs(ctx context.Context, integrationID string, codes []int, at time.Time) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	args := []any{string(models.JobPending), at.UnixNano(), at.UnixNano(), integrationID, string(models.JobFailed)}
	for _, c := range codes {
		args = append(args, c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")

	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_jobs SET status = ?, next_retry_at = ?, updated_at = ?
		WHERE integration_id = ? AND status = ? AND last_error_code IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "reschedule failed jobs", Err: err}
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*models.AutomationJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: op, Err: err}
	}
	defer rows.Close()

	out := []*models.AutomationJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: op, Err: err}
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Notification operations

func (s *SQLiteStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, owner_id, type, integration_id, message, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.OwnerID, n.Type, n.IntegrationID, n.Message, n.CreatedAt.UnixNano(), nullTime(n.ClosedAt))
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create notification", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, ownerID string, openOnly bool) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, type, integration_id, message, created_at, closed_at
		FROM notifications
		WHERE owner_id = ? AND (? = 0 OR closed_at IS NULL)
		ORDER BY created_at, id
	`, ownerID, boolInt(openOnly))
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list notifications", Err: err}
	}
	defer rows.Close()

	out := []*models.Notification{}
	for rows.Next() {
		var (
			n       models.Notification
			created int64
			closed  sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Type, &n.IntegrationID, &n.Message, &created, &closed); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan notification", Err: err}
		}
		n.CreatedAt = time.Unix(0, created)
		n.ClosedAt = timePtr(closed)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CloseNotifications(ctx context.Context, ownerID, notificationType string, at time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET closed_at = ?
		WHERE owner_id = ? AND type = ? AND closed_at IS NULL
	`, at.UnixNano(), ownerID, notificationType)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "close notifications", Err: err}
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row scanner) (*models.Integration, error) {
	var (
		in                   models.Integration
		creds, meta, params  string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&in.ID, &in.OwnerID, &in.Driver, &creds, &meta, &params, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if in.Credentials, err = decodeValues(creds); err != nil {
		return nil, err
	}
	if in.Meta, err = decodeValues(meta); err != nil {
		return nil, err
	}
	if in.Params, err = decodeValues(params); err != nil {
		return nil, err
	}
	in.CreatedAt = time.Unix(0, createdAt)
	in.UpdatedAt = time.Unix(0, updatedAt)
	return &in, nil
}

func scanJob(row scanner) (*models.AutomationJob, error) {
	var (
		job                  models.AutomationJob
		params, data, status string
		next                 sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&job.ID, &job.IntegrationID, &job.Automation, &params, &data, &status,
		&job.Attempts, &job.LastErrorCode, &job.LastError, &next, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if job.Params, err = decodeValues(params); err != nil {
		return nil, err
	}
	if job.SubscriberData, err = decodeValues(data); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.NextRetryAt = timePtr(next)
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)
	return &job, nil
}

func encodeValues(a, b, c models.Values) (string, string, string, error) {
	out := [3]string{}
	for i, v := range []models.Values{a, b, c} {
		if v == nil {
			out[i] = "{}"
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", "", "", err
		}
		out[i] = string(raw)
	}
	return out[0], out[1], out[2], nil
}

func decodeValues(raw string) (models.Values, error) {
	v := models.Values{}
	if raw == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
