package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convertful/integrations/internal/automation"
	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/drivers"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/metrics"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/store"
)

// fakeMailChimp serves the handful of endpoints the mailchimp driver needs.
type fakeMailChimp struct {
	mu      sync.Mutex
	created []map[string]any
	down    bool
}

func (f *fakeMailChimp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	if _, pass, _ := r.BasicAuth(); pass != "good-us6" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"title":"API Key Invalid","detail":"Your API key may be invalid."}`))
		return
	}
	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"title":"Service Unavailable","detail":"Try again later."}`))
		return
	}
	switch {
	case r.URL.Path == "/lists":
		_, _ = w.Write([]byte(`{"lists":[{"id":"L1","name":"Newsletter"}]}`))
	case r.URL.Path == "/lists/L1/merge-fields":
		_, _ = w.Write([]byte(`{"merge_fields":[{"tag":"FNAME","name":"First Name"}]}`))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/lists/L1/members/"):
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"title":"Resource Not Found"}`))
	case r.Method == http.MethodPost && r.URL.Path == "/lists/L1/members":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.created = append(f.created, body)
		_ = json.NewEncoder(w).Encode(body)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeMailChimp) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeMailChimp) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type harness struct {
	server *Server
	store  *store.MemoryStore
	fake   *fakeMailChimp
}

func setupTestServer(t *testing.T, apiCfg config.APIConfig) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := &fakeMailChimp{}
	upstream := httptest.NewServer(fake)
	t.Cleanup(upstream.Close)

	s := store.NewMemoryStore()
	m := metrics.NewMetrics("test")
	reg := drivers.NewRegistry(
		driver.Deps{Logger: logging.Discard(), Metrics: m},
		map[string]config.DriverConfig{"mailchimp": {BaseURL: upstream.URL}},
	)
	runner := automation.NewRunner(s, reg, automation.DefaultConfig(), logging.Discard())

	server := NewServer(config.ServerConfig{Host: "localhost", HTTPPort: 8080}, apiCfg, Deps{
		Store:    s,
		Registry: reg,
		Runner:   runner,
		Metrics:  m,
		Logger:   logging.Discard(),
	})
	return &harness{server: server, store: s, fake: fake}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	w := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["drivers"])
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestListDrivers(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	w := h.do(t, http.MethodGet, "/v1/drivers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Drivers []DriverInfo `json:"drivers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Drivers, 3)
	assert.Equal(t, "hubspot", body.Drivers[0].Name)
	assert.Equal(t, "submit_person", body.Drivers[2].Automations[0].Name)
}

func TestDriverFields(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	w := h.do(t, http.MethodGet, "/v1/drivers/infusionsoft/fields", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body FieldsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	_, ok := body.Credentials.Get("app_name")
	assert.True(t, ok)
	assert.Equal(t, []any{"opt_in", "=", true}, body.ShowIf["opt_in_reason"])

	w = h.do(t, http.MethodGet, "/v1/drivers/nope/fields", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheck(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	w := h.do(t, http.MethodPost, "/v1/drivers/mailchimp/check", CheckRequest{
		Credentials: models.Values{"name": "Main", "api_key": "good-us6"},
		Params:      models.Values{"list": "L1"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body CheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Main", body.Name)
	assert.Equal(t, "Newsletter", body.Meta.String("lists", "L1"))
	assert.Equal(t, "L1", body.Params.String("list"))
	assert.Len(t, body.RequestLog, 2)
}

func TestCheck_Failures(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})

	w := h.do(t, http.MethodPost, "/v1/drivers/mailchimp/check", CheckRequest{
		Credentials: models.Values{"api_key": ""},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.IntegrationCode)
	assert.Equal(t, "api_key", resp.Field)

	w = h.do(t, http.MethodPost, "/v1/drivers/mailchimp/check", CheckRequest{
		Credentials: models.Values{"api_key": "wrong-us6"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, "api_key", body["error"].(map[string]any)["field"])
	assert.Len(t, body["request_log"], 1)

	w = h.do(t, http.MethodPost, "/v1/drivers/mailchimp/check", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func createIntegration(t *testing.T, h *harness) *models.Integration {
	t.Helper()
	w := h.do(t, http.MethodPost, "/v1/integrations", CreateIntegrationRequest{
		ID:          "i1",
		OwnerID:     "u1",
		Driver:      "mailchimp",
		Credentials: models.Values{"name": "Main", "api_key": "good-us6"},
		Params:      models.Values{"list": "L1"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	in, err := h.store.GetIntegration(context.Background(), "i1")
	require.NoError(t, err)
	return in
}

func TestIntegrationLifecycle(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	in := createIntegration(t, h)
	assert.Equal(t, "Newsletter", in.Meta.String("lists", "L1"))
	assert.Equal(t, "L1", in.Params.String("list"))

	// same key under another id is a duplicate
	w := h.do(t, http.MethodPost, "/v1/integrations", CreateIntegrationRequest{
		OwnerID:     "u1",
		Driver:      "mailchimp",
		Credentials: models.Values{"name": "Other", "api_key": "good-us6"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "api_key", resp.Field)

	w = h.do(t, http.MethodGet, "/v1/integrations/i1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodDelete, "/v1/integrations/i1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodGet, "/v1/integrations/i1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateIntegration_NameUniqueAcrossDrivers(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	require.NoError(t, h.store.SaveIntegration(context.Background(), &models.Integration{
		ID:          "hs1",
		OwnerID:     "u1",
		Driver:      "hubspot",
		Credentials: models.Values{"name": "Main", "oauth": map[string]any{"hub_id": "42"}},
	}))

	w := h.do(t, http.MethodPost, "/v1/integrations", CreateIntegrationRequest{
		OwnerID:     "u1",
		Driver:      "mailchimp",
		Credentials: models.Values{"name": "Main", "api_key": "good-us6"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "name", resp.Field)

	w = h.do(t, http.MethodPost, "/v1/drivers/mailchimp/check", CheckRequest{
		OwnerID:     "u1",
		Credentials: models.Values{"name": "Main", "api_key": "good-us6"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// another owner may reuse the name
	w = h.do(t, http.MethodPost, "/v1/integrations", CreateIntegrationRequest{
		OwnerID:     "u2",
		Driver:      "mailchimp",
		Credentials: models.Values{"name": "Main", "api_key": "good-us6"},
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestExecAutomation(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	createIntegration(t, h)

	w := h.do(t, http.MethodPost, "/v1/integrations/i1/automations/submit_person", AutomationRequest{
		Params:     models.Values{"list": "L1"},
		Subscriber: models.Values{"email": "ann@example.com", "first_name": "Ann"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var job models.AutomationJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobDone, job.Status)
	assert.Equal(t, 1, h.fake.createdCount())

	w = h.do(t, http.MethodPost, "/v1/integrations/i1/automations/submit_person", AutomationRequest{
		Subscriber: models.Values{"email": "bob@example.com"},
		Async:      true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobPending, job.Status)

	w = h.do(t, http.MethodGet, "/v1/integrations/i1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["jobs"], 2)

	w = h.do(t, http.MethodPost, "/v1/integrations/i1/automations/tag_person", AutomationRequest{
		Subscriber: models.Values{"email": "ann@example.com"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecAutomation_StoredParams(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	createIntegration(t, h)

	w := h.do(t, http.MethodPost, "/v1/integrations/i1/automations/submit_person", AutomationRequest{
		Subscriber: models.Values{"email": "ann@example.com"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var job models.AutomationJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobDone, job.Status, job.LastError)
	require.Equal(t, 1, h.fake.createdCount())
	assert.Equal(t, "subscribed", h.fake.created[0]["status"])

	// call params override the stored ones and are coerced by the schema
	w = h.do(t, http.MethodPost, "/v1/integrations/i1/automations/submit_person", AutomationRequest{
		Params:     models.Values{"double_optin": "1"},
		Subscriber: models.Values{"email": "bob@example.com"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobDone, job.Status, job.LastError)
	require.Equal(t, 2, h.fake.createdCount())
	assert.Equal(t, "pending", h.fake.created[1]["status"])

	w = h.do(t, http.MethodGet, "/v1/owners/u1/notifications", nil)
	assert.Empty(t, decode(t, w)["notifications"])
}

func TestExecAutomation_DataRules(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	createIntegration(t, h)

	w := h.do(t, http.MethodPost, "/v1/integrations/i1/automations/submit_person", AutomationRequest{
		Subscriber: models.Values{"email": "ann@example.com", "site": "not a url"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var job models.AutomationJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 22, job.LastErrorCode)
	assert.Zero(t, h.fake.createdCount())
}

func TestRetryClosesNotifications(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	in := createIntegration(t, h)
	ctx := context.Background()

	// the key gets revoked after the integration was created
	in.Credentials["api_key"] = "revoked-us6"
	require.NoError(t, h.store.SaveIntegration(ctx, in))

	w := h.do(t, http.MethodPost, "/v1/integrations/i1/automations/submit_person", AutomationRequest{
		Subscriber: models.Values{"email": "ann@example.com"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var job models.AutomationJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 10, job.LastErrorCode)

	w = h.do(t, http.MethodGet, "/v1/owners/u1/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["notifications"], 1)

	w = h.do(t, http.MethodPost, "/v1/integrations/i1/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["rescheduled"])

	w = h.do(t, http.MethodGet, "/v1/owners/u1/notifications", nil)
	assert.Empty(t, decode(t, w)["notifications"])
	w = h.do(t, http.MethodGet, "/v1/owners/u1/notifications?open=false", nil)
	assert.Len(t, decode(t, w)["notifications"], 1)

	w = h.do(t, http.MethodPost, "/v1/integrations/i1/retry", RetryRequest{Codes: []int{42}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["rescheduled"])
}

func TestTemporaryFailureStaysPending(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	createIntegration(t, h)
	h.fake.setDown(true)

	w := h.do(t, http.MethodPost, "/v1/integrations/i1/automations/submit_person", AutomationRequest{
		Subscriber: models.Values{"email": "ann@example.com"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var job models.AutomationJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 42, job.LastErrorCode)
	require.NotNil(t, job.NextRetryAt)
}

func TestOAuthEndpoints(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})

	w := h.do(t, http.MethodGet, "/v1/drivers/hubspot/authorize?state=abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "abc", body["state"])
	assert.Contains(t, body["url"], "state=abc")

	w = h.do(t, http.MethodGet, "/v1/drivers/mailchimp/authorize", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/v1/oauth/hubspot/callback?code=xyz&state=abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "xyz", body["credentials"].(map[string]any)["oauth"].(map[string]any)["code"])

	w = h.do(t, http.MethodGet, "/v1/oauth/hubspot/callback?error=access_denied", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "access_denied", decode(t, w)["message"])
}

func TestAuthEnabled(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{
		Auth: config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}},
	})

	w := h.do(t, http.MethodGet, "/v1/drivers", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/drivers", nil)
	req.Header.Set(DefaultAPIKeyHeader, "secret")
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// health and metrics stay open
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestShutdownClosesStore(t *testing.T) {
	h := setupTestServer(t, config.APIConfig{})
	assert.NoError(t, h.server.Shutdown(context.Background()))
}
