package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convertful/integrations/internal/automation"
	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/store"
)

// runCLI executes the root command and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	InitCLI()
	reset := func() {
		RootCmd.SetOut(nil)
		RootCmd.SetErr(nil)
		globalFlags = GlobalFlags{Config: "config.yaml"}
		retryFlags.Codes = nil
	}
	reset()
	t.Cleanup(reset)

	out := &bytes.Buffer{}
	RootCmd.SetOut(out)
	RootCmd.SetErr(&bytes.Buffer{})
	err := Execute(args)
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	InitCLI()
	assert.Equal(t, "convertful-integrations", RootCmd.Use)

	var names []string
	for _, c := range RootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "drivers", "check", "retry", "run-jobs", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCommand_JSON(t *testing.T) {
	out, err := runCLI(t, "version", "--json")
	require.NoError(t, err)

	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Worker.Enabled)
}

func TestHTTPOptions(t *testing.T) {
	opts := httpOptions(config.HTTPConfig{Timeout: 20 * time.Second, FreshConnect: true})
	assert.Equal(t, 20*time.Second, opts.Timeout)
	assert.Equal(t, 5*time.Second, opts.ConnectTimeout)
	assert.False(t, opts.InsecureSkipVerify)
	assert.NotEmpty(t, opts.UserAgent)
}

func TestOpenStore(t *testing.T) {
	s, err := openStore(config.StorageConfig{Driver: "memory"}, "")
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = openStore(config.StorageConfig{Driver: "memory"}, filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, s)
	require.NoError(t, s.Close())
}

func TestAttachNotifier(t *testing.T) {
	runner := automation.NewRunner(store.NewMemoryStore(), nil, automation.DefaultConfig(), nil)
	assert.False(t, attachNotifier(runner, config.TelegramConfig{}, logging.Discard()))

	bot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Convertful"}}`))
	}))
	t.Cleanup(bot.Close)
	assert.True(t, attachNotifier(runner, config.TelegramConfig{
		Enabled:     true,
		BotToken:    "token",
		ChatID:      42,
		APIEndpoint: bot.URL + "/bot%s/%s",
	}, logging.Discard()))

	// an unreachable bot leaves the runner without a notifier
	assert.False(t, attachNotifier(runner, config.TelegramConfig{
		Enabled:     true,
		BotToken:    "token",
		ChatID:      42,
		APIEndpoint: "http://127.0.0.1:1/bot%s/%s",
	}, logging.Discard()))
}

func TestSummarizeDrivers(t *testing.T) {
	reg := newRegistry(config.Default(), logging.Discard(), nil)
	summaries, err := summarizeDrivers(reg)
	require.NoError(t, err)

	byName := map[string]DriverSummary{}
	for _, s := range summaries {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "hubspot")
	require.Contains(t, byName, "mailchimp")
	assert.True(t, byName["hubspot"].OAuth)
	assert.False(t, byName["mailchimp"].OAuth)
	assert.Contains(t, byName["mailchimp"].Automations, "submit_person")
}

func TestDriversCommand(t *testing.T) {
	out, err := runCLI(t, "drivers", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "infusionsoft")
}

func mailchimpUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, pass, _ := r.BasicAuth(); pass != "good-us6" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"title":"API Key Invalid","detail":"Your API key may be invalid."}`))
			return
		}
		switch r.URL.Path {
		case "/lists":
			_, _ = w.Write([]byte(`{"lists":[{"id":"L1","name":"Newsletter"}]}`))
		default:
			_, _ = w.Write([]byte(`{"merge_fields":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Drivers = map[string]config.DriverConfig{"mailchimp": {BaseURL: mailchimpUpstream(t).URL}}
	reg := newRegistry(cfg, logging.Discard(), nil)
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	report, err := checkDriver(cmd, reg, "mailchimp", models.Values{"api_key": "good-us6"}, models.Values{"list": "L1"})
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, "Newsletter", report.Meta.String("lists", "L1"))
	assert.Equal(t, "L1", report.Params.String("list"))
	assert.Len(t, report.RequestLog, 2)

	report, err = checkDriver(cmd, reg, "mailchimp", models.Values{"api_key": "bad-us6"}, nil)
	require.Error(t, err)
	require.NotNil(t, report.Error)
	assert.Equal(t, errors.CodeWrongCredentials, report.Error.Code)
	assert.Equal(t, "api_key", report.Error.Field)
	assert.Len(t, report.RequestLog, 1)

	report, err = checkDriver(cmd, reg, "mailchimp", models.Values{}, nil)
	require.Error(t, err)
	assert.Equal(t, "api_key", report.Error.Field)
	assert.Empty(t, report.RequestLog)

	report, err = checkDriver(cmd, reg, "nope", nil, nil)
	assert.Nil(t, report)
	var notFound *errors.ErrDriverNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestPrintCheckReport(t *testing.T) {
	buf := &bytes.Buffer{}
	printCheckReport(buf, &CheckReport{
		Driver: "mailchimp",
		Error:  &CheckFailure{Code: errors.CodeWrongCredentials, Field: "api_key", Message: "Invalid key"},
	}, false)
	assert.Equal(t, "✗ mailchimp: [10] Invalid key (field api_key)\n", buf.String())

	buf.Reset()
	printCheckReport(buf, &CheckReport{
		Driver:       "mailchimp",
		OK:           true,
		Meta:         models.Values{"lists": map[string]any{"L1": "Newsletter"}},
		CustomFields: []string{"Birthday"},
	}, false)
	assert.Contains(t, buf.String(), "lists: 1 entries")
	assert.Contains(t, buf.String(), "Custom fields: Birthday")
}

func seedFailedJob(t *testing.T, dbPath string) {
	t.Helper()
	s, err := store.NewSQLiteStoreWithRetention(dbPath, 0)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveIntegration(ctx, &models.Integration{
		ID:          "i1",
		OwnerID:     "u1",
		Driver:      "mailchimp",
		Credentials: models.Values{"api_key": "good-us6"},
	}))
	require.NoError(t, s.SaveJob(ctx, &models.AutomationJob{
		IntegrationID:  "i1",
		Automation:     "submit_person",
		SubscriberData: models.Values{"email": "ann@example.com"},
		Status:         models.JobFailed,
		LastErrorCode:  int(errors.CodeWrongCredentials),
	}))
}

func TestRetryAndRunJobsCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "jobs.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := "version: \"1\"\ndrivers:\n  mailchimp:\n    base_url: " + mailchimpUpstream(t).URL + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))
	seedFailedJob(t, dbPath)

	out, err := runCLI(t, "retry", "i1", "--db", dbPath, "--config", cfgPath, "--code", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "Rescheduled 0 job(s) of i1")

	out, err = runCLI(t, "retry", "i1", "--db", dbPath, "--config", cfgPath, "--json")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, float64(1), res["rescheduled"])

	// the job has no list param, so it fails again without a retry
	out, err = runCLI(t, "run-jobs", "--db", dbPath, "--config", cfgPath, "--json")
	require.NoError(t, err)
	var result map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, map[string]int{"done": 0, "rescheduled": 0, "failed": 1}, result)

	s, err := store.NewSQLiteStoreWithRetention(dbPath, 0)
	require.NoError(t, err)
	defer s.Close()
	jobs, err := s.ListJobs(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobFailed, jobs[0].Status)
	assert.Equal(t, int(errors.CodeWrongParams), jobs[0].LastErrorCode)

	_, err = runCLI(t, "retry", "missing", "--db", dbPath, "--config", cfgPath)
	assert.True(t, errors.IsNotFound(err))
}

func TestValidateTLSConfig(t *testing.T) {
	assert.Error(t, validateTLSConfig(config.TLSConfig{Enabled: true}))
	assert.Error(t, validateTLSConfig(config.TLSConfig{Enabled: true, CertFile: "/nope.crt", KeyFile: "/nope.key"}))
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("CLI_TEST_DURATION", "15")
	assert.Equal(t, 15*time.Second, envDuration("CLI_TEST_DURATION", time.Second))
	t.Setenv("CLI_TEST_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, envDuration("CLI_TEST_DURATION", time.Second))
	t.Setenv("CLI_TEST_DURATION", "junk")
	assert.Equal(t, time.Second, envDuration("CLI_TEST_DURATION", time.Second))
}
