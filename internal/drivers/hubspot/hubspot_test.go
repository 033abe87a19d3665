package hubspot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/models"
)

type fakeHubSpot struct {
	mu       sync.Mutex
	contacts map[string]map[string]any
	grants   []string
	bearer   []string
}

func (f *fakeHubSpot) contact(email string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts[email]
}

func (f *fakeHubSpot) seen() (grants, bearer []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.grants...), append([]string(nil), f.bearer...)
}

func (f *fakeHubSpot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/oauth/v1/token":
		_ = r.ParseForm()
		f.grants = append(f.grants, r.PostForm.Get("grant_type"))
		if r.PostForm.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":"BAD_CLIENT_ID","message":"missing or unknown client id"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-` + r.PostForm.Get("grant_type") + `","refresh_token":"rt","expires_in":1800}`))
		return
	case strings.HasPrefix(r.URL.Path, "/oauth/v1/access-tokens/"):
		_, _ = w.Write([]byte(`{"hub_id":62515,"user":"owner@example.com"}`))
		return
	}

	f.bearer = append(f.bearer, r.Header.Get("Authorization"))
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/crm/v3/properties/contacts":
		_, _ = w.Write([]byte(`{"results":[
			{"name":"firstname","label":"First Name"},
			{"name":"favorite_color","label":"Favorite color"},
			{"name":"hs_secret","label":"Hidden","hidden":true},
			{"name":"hs_object_id","label":"Record ID","modificationMetadata":{"readOnlyValue":true}}
		]}`))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/crm/v3/objects/contacts/"):
		email := strings.TrimPrefix(r.URL.Path, "/crm/v3/objects/contacts/")
		c, ok := f.contacts[email]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":"error","message":"resource not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "1", "properties": c})
	case r.Method == http.MethodPost && r.URL.Path == "/crm/v3/objects/contacts":
		var body map[string]map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		email, _ := body["properties"]["email"].(string)
		f.contacts[email] = body["properties"]
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/crm/v3/objects/contacts/"):
		email := strings.TrimPrefix(r.URL.Path, "/crm/v3/objects/contacts/")
		var body map[string]map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		for k, v := range body["properties"] {
			f.contacts[email][k] = v
		}
		_, _ = w.Write([]byte(`{"id":"1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestDriver(t *testing.T, fake *fakeHubSpot, clock func() time.Time) *Driver {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return New(driver.Deps{
		Logger: logging.Discard(),
		Clock:  clock,
		Config: config.DriverConfig{
			BaseURL:      server.URL,
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURI:  "https://app.example.com/oauth",
		},
	})
}

func TestFetchMeta_ExchangesCodeFirst(t *testing.T) {
	fake := &fakeHubSpot{contacts: map[string]map[string]any{}}
	d := newTestDriver(t, fake, nil)
	require.NoError(t, d.SetCredentials(models.Values{
		driver.OAuthField: map[string]any{"code": "auth-code"},
	}, true))

	require.NoError(t, d.FetchMeta(context.Background()))

	assert.Equal(t, "at-authorization_code", d.AccessToken())
	assert.Equal(t, "62515", d.Credential(nil, driver.OAuthField, TokenKey))
	assert.Equal(t, map[string]any{"favorite_color": "Favorite color"}, map[string]any(d.Meta().Map("properties")))
	assert.Equal(t, []string{"Favorite color"}, d.SuggestCustomFields())
	grants, bearer := fake.seen()
	assert.Equal(t, []string{"authorization_code"}, grants)
	assert.Equal(t, []string{"Bearer at-authorization_code"}, bearer)
}

func TestOAuth_MissingCode(t *testing.T) {
	d := newTestDriver(t, &fakeHubSpot{}, nil)

	err := d.SetCredentials(models.Values{}, true)
	ie, ok := errors.AsIntegrationError(err)
	require.True(t, ok)
	assert.Equal(t, driver.OAuthField, ie.Field)

	err = d.FetchMeta(context.Background())
	assert.Equal(t, errors.CodeWrongCredentials, errors.CodeOf(err))
}

func TestOAuth_BadClient(t *testing.T) {
	fake := &fakeHubSpot{}
	server := httptest.NewServer(fake)
	defer server.Close()
	d := New(driver.Deps{Config: config.DriverConfig{BaseURL: server.URL, ClientID: "client", ClientSecret: "wrong"}})
	require.NoError(t, d.SetCredentials(models.Values{driver.OAuthField: map[string]any{"code": "c"}}, true))

	err := d.FetchMeta(context.Background())
	ie, ok := errors.AsIntegrationError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeWrongCredentials, ie.Code)
	assert.Equal(t, "missing or unknown client id", ie.Message)
}

func TestSubmitPerson_RefreshesExpiredToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fake := &fakeHubSpot{contacts: map[string]map[string]any{}}
	d := newTestDriver(t, fake, func() time.Time { return now })
	require.NoError(t, d.SetCredentials(models.Values{
		driver.OAuthField: map[string]any{
			"code":          "c",
			"access_token":  "stale",
			"refresh_token": "rt",
			"expires_in":    now.Unix() - 10,
			TokenKey:        "62515",
		},
	}, true))
	d.SetMeta(models.Values{"properties": map[string]any{"favorite_color": "Favorite color"}})

	ctx := context.Background()
	subscriber := models.Values{
		"email":      "ann@example.com",
		"first_name": "Ann",
		"site":       "https://ann.example.com",
		"meta":       map[string]any{"Favorite color": "green"},
	}
	require.NoError(t, d.ExecAutomation(ctx, driver.SubmitPersonAutomation, models.Values{"lifecycle_stage": "lead"}, subscriber))

	grants, _ := fake.seen()
	assert.Equal(t, []string{"refresh_token"}, grants)
	assert.Equal(t, "at-refresh_token", d.AccessToken())
	assert.Equal(t, map[string]any{
		"email":          "ann@example.com",
		"firstname":      "Ann",
		"website":        "https://ann.example.com",
		"favorite_color": "green",
		"lifecyclestage": "lead",
	}, fake.contact("ann@example.com"))

	person, err := d.GetSubscriber(ctx, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Ann", person[models.PersonFirstName])
	assert.Equal(t, "green", person.Meta()["Favorite color"])

	subscriber["first_name"] = "Anna"
	require.NoError(t, d.ExecAutomation(ctx, driver.SubmitPersonAutomation, nil, subscriber))
	assert.Equal(t, "Anna", fake.contact("ann@example.com")["firstname"])
	assert.Equal(t, "lead", fake.contact("ann@example.com")["lifecyclestage"])
}

func TestValidateIfUnique_ComparesPortal(t *testing.T) {
	d := New(driver.Deps{})
	require.NoError(t, d.SetCredentials(models.Values{
		driver.OAuthField: map[string]any{"code": "a", TokenKey: "62515"},
	}, false))

	err := d.ValidateIfUnique(models.IntegrationSlice{{
		ID:          "other",
		Credentials: models.Values{driver.OAuthField: map[string]any{"code": "b", TokenKey: "62515"}},
	}})
	ie, ok := errors.AsIntegrationError(err)
	require.True(t, ok)
	assert.Equal(t, driver.OAuthField, ie.Field)
}

func TestAuthorizeURL(t *testing.T) {
	d := New(driver.Deps{Config: config.DriverConfig{ClientID: "client", RedirectURI: "https://app.example.com/oauth"}})
	u := d.AuthorizeURL("st")
	assert.True(t, strings.HasPrefix(u, "https://app.hubspot.com/oauth/authorize?"))
	assert.Contains(t, u, "client_id=client")
	assert.Contains(t, u, "state=st")
}

func TestParamsDefault(t *testing.T) {
	d := New(driver.Deps{})
	require.NoError(t, d.SetParams(models.Values{"lifecycle_stage": "bogus"}, true))
	assert.Equal(t, "subscriber", d.Param(nil, "lifecycle_stage"))
}
