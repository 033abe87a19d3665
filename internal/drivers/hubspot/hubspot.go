// Package hubspot implements the HubSpot CRM driver. It authorizes with
// OAuth 2 and stores contacts through the CRM v3 objects API.
package hubspot

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/fields"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/transport"
)

const (
	Name = "hubspot"

	DefaultBaseURL = "https://api.hubapi.com"
	// TokenKey identifies the connected portal for uniqueness checks.
	TokenKey = "hub_id"
)

// standardProperties maps person keys onto HubSpot contact properties.
var standardProperties = map[string]string{
	models.PersonFirstName: "firstname",
	models.PersonLastName:  "lastname",
	models.PersonPhone:     "phone",
	models.PersonCompany:   "company",
	models.PersonSite:      "website",
}

var lifecycleStages = []fields.Option{
	{Value: "subscriber", Title: "Subscriber"},
	{Value: "lead", Title: "Lead"},
	{Value: "marketingqualifiedlead", Title: "Marketing qualified lead"},
	{Value: "customer", Title: "Customer"},
}

// Driver talks to one HubSpot portal.
type Driver struct {
	*driver.Base
	*driver.Standard
	*driver.OAuth
}

// New creates an unconfigured HubSpot driver.
func New(deps driver.Deps) *Driver {
	d := &Driver{}
	d.Base = driver.NewBase(d, deps)
	d.Standard = driver.NewStandard(d.Base, d)
	d.OAuth = driver.NewOAuth(d.Base, d)
	return d
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Company() driver.Company {
	return driver.Company{
		Name:    "HubSpot",
		Address: "2 Canal Park, Cambridge, MA 02141 USA",
		URL:     "https://www.hubspot.com/",
	}
}

func (d *Driver) DescribeCredentialsFields(refresh bool) fields.Schema {
	return fields.Schema{
		{
			Name:  "name",
			Type:  fields.TypeText,
			Title: "Integration name",
		},
		{
			Name:     driver.OAuthField,
			Type:     fields.TypeOAuth,
			Title:    "HubSpot account",
			TokenKey: TokenKey,
			Rules:    []fields.Rule{fields.NotEmpty().WithMessage("Please connect your HubSpot account")},
		},
	}
}

func (d *Driver) ParamsSchema() fields.Schema {
	return fields.Schema{
		{
			Name:    "lifecycle_stage",
			Type:    fields.TypeSelect,
			Title:   "Lifecycle stage",
			Options: lifecycleStages,
			Default: "subscriber",
		},
	}
}

func (d *Driver) CustomFieldSuggestions() []string {
	props := d.Meta().Map("properties")
	out := make([]string, 0, len(props))
	for _, label := range props {
		out = append(out, models.Stringify(label))
	}
	sort.Strings(out)
	return out
}

// AuthorizeURL is where the user grants access. The code HubSpot sends
// back goes to credentials oauth.code.
func (d *Driver) AuthorizeURL(state string) string {
	cfg := d.Deps().Config
	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", cfg.RedirectURI)
	q.Set("scope", "crm.objects.contacts.read crm.objects.contacts.write crm.schemas.contacts.read")
	q.Set("state", state)
	return "https://app.hubspot.com/oauth/authorize?" + q.Encode()
}

func (d *Driver) OAuthGetToken(ctx context.Context) error {
	code := models.Stringify(d.Credential("", driver.OAuthField, "code"))
	if code == "" {
		return errors.NewIntegrationError(errors.CodeWrongCredentials, driver.OAuthField, "Please connect your HubSpot account")
	}

	cfg := d.Deps().Config
	err := d.RequestToken(ctx, d.baseURL()+"/oauth/v1/token", map[string]any{
		"grant_type":    "authorization_code",
		"client_id":     cfg.ClientID,
		"client_secret": cfg.ClientSecret,
		"redirect_uri":  cfg.RedirectURI,
		"code":          code,
	}, "get")
	if err != nil {
		return err
	}
	return d.fetchHubID(ctx)
}

func (d *Driver) OAuthRefreshToken(ctx context.Context) error {
	cfg := d.Deps().Config
	return d.RequestToken(ctx, d.baseURL()+"/oauth/v1/token", map[string]any{
		"grant_type":    "refresh_token",
		"client_id":     cfg.ClientID,
		"client_secret": cfg.ClientSecret,
		"refresh_token": d.RefreshToken(),
	}, "refresh")
}

func (d *Driver) fetchHubID(ctx context.Context) error {
	resp := d.NewRequest().
		URL(d.baseURL() + "/oauth/v1/access-tokens/" + url.PathEscape(d.AccessToken())).
		Header("Accept-Type", "application/json").
		Execute(ctx)
	if !resp.IsSuccessful() {
		return d.ResponseError(resp, driver.OAuthField, "message")
	}
	d.SetCredential(models.Stringify(resp.Get("hub_id", "")), driver.OAuthField, TokenKey)
	return nil
}

// FetchMeta loads the writable contact properties.
func (d *Driver) FetchMeta(ctx context.Context) error {
	req, err := d.api(ctx, http.MethodGet, "/crm/v3/properties/contacts")
	if err != nil {
		return err
	}
	resp := req.Execute(ctx)
	if !resp.IsSuccessful() {
		return d.ResponseError(resp, driver.OAuthField, "message")
	}

	props := map[string]any{}
	items, _ := resp.Get("results", nil).([]any)
	for _, item := range items {
		p, ok := models.AsMap(item)
		if !ok {
			continue
		}
		v := models.Values(p)
		if hidden, _ := v.Get("hidden", false).(bool); hidden {
			continue
		}
		if ro, _ := v.Path(false, "modificationMetadata", "readOnlyValue").(bool); ro {
			continue
		}
		name := v.String("name")
		if name == "" || name == "email" || isStandard(name) {
			continue
		}
		props[name] = v.String("label")
	}

	d.SetMeta(models.Values{"properties": props, "hub_id": d.Credential("", driver.OAuthField, TokenKey)})
	return nil
}

// GetPerson returns nil when no contact has the email.
func (d *Driver) GetPerson(ctx context.Context, email string) (models.Person, error) {
	req, err := d.api(ctx, http.MethodGet, contactPath(email))
	if err != nil {
		return nil, err
	}
	resp := req.Data(map[string]any{
		"idProperty": "email",
		"properties": strings.Join(d.propertyNames(), ","),
	}).Execute(ctx)
	if resp.Code() == http.StatusNotFound {
		return nil, nil
	}
	if !resp.IsSuccessful() {
		return nil, d.ResponseError(resp, "", "message")
	}
	return d.toPerson(resp.Values().Map("properties")), nil
}

func (d *Driver) CreatePerson(ctx context.Context, email string, data models.Person) error {
	req, err := d.api(ctx, http.MethodPost, "/crm/v3/objects/contacts")
	if err != nil {
		return err
	}
	props := d.toProperties(data)
	props["email"] = email
	if stage := models.Stringify(d.CurrentParam("", "lifecycle_stage")); stage != "" {
		props["lifecyclestage"] = stage
	}

	resp := req.Set("properties", props).Execute(ctx)
	if !resp.IsSuccessful() {
		return d.ResponseError(resp, "", "message")
	}
	return nil
}

func (d *Driver) UpdatePerson(ctx context.Context, email string, data models.Person) error {
	req, err := d.api(ctx, http.MethodPatch, contactPath(email)+"?idProperty=email")
	if err != nil {
		return err
	}
	resp := req.Set("properties", d.toProperties(data)).Execute(ctx)
	if !resp.IsSuccessful() {
		return d.ResponseError(resp, "", "message")
	}
	return nil
}

// api makes sure the access token is current and returns an
// authenticated JSON request.
func (d *Driver) api(ctx context.Context, method, path string) (*transport.Request, error) {
	if err := d.ProvideOAuthAccess(ctx); err != nil {
		return nil, err
	}
	return d.NewRequest().
		Method(method).
		URL(d.baseURL()+path).
		Header("Authorization", "Bearer "+d.AccessToken()).
		Header("Content-Type", "application/json").
		Header("Accept-Type", "application/json"), nil
}

func (d *Driver) baseURL() string {
	if u := d.Deps().Config.BaseURL; u != "" {
		return strings.TrimRight(u, "/")
	}
	return DefaultBaseURL
}

func (d *Driver) propertyNames() []string {
	names := make([]string, 0, len(standardProperties))
	for _, prop := range standardProperties {
		names = append(names, prop)
	}
	for prop := range d.Meta().Map("properties") {
		names = append(names, prop)
	}
	sort.Strings(names)
	return names
}

func (d *Driver) toPerson(props models.Values) models.Person {
	p := models.Person{}
	for key, prop := range standardProperties {
		if s := props.String(prop); s != "" {
			p[key] = s
		}
	}
	labels := d.Meta().Map("properties")
	for prop, val := range props {
		label := labels.String(prop)
		if label == "" {
			continue
		}
		if s := models.Stringify(val); s != "" {
			p.SetMeta(label, s)
		}
	}
	return p
}

func (d *Driver) toProperties(p models.Person) map[string]any {
	out := map[string]any{}
	for key, prop := range standardProperties {
		if val, ok := p.Field(key); ok {
			out[prop] = val
		}
	}
	byLabel := map[string]string{}
	for prop, label := range d.Meta().Map("properties") {
		byLabel[models.Stringify(label)] = prop
	}
	for label, val := range p.Meta() {
		if prop, ok := byLabel[label]; ok {
			out[prop] = models.Stringify(val)
		}
	}
	return out
}

func isStandard(prop string) bool {
	for _, p := range standardProperties {
		if p == prop {
			return true
		}
	}
	return false
}

func contactPath(email string) string {
	return "/crm/v3/objects/contacts/" + url.PathEscape(email)
}
