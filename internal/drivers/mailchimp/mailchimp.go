// Package mailchimp implements the MailChimp Marketing API v3 driver:
// API key with basic auth, JSON bodies, one audience list per integration.
package mailchimp

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
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
	Name = "mailchimp"

	baseURLTemplate = "https://%s.api.mailchimp.com/3.0"
	pageSize        = 100
)

// standardTags maps MailChimp's default merge tags onto person keys.
var standardTags = map[string]string{
	"FNAME":   models.PersonFirstName,
	"LNAME":   models.PersonLastName,
	"PHONE":   models.PersonPhone,
	"COMPANY": models.PersonCompany,
	"WEBSITE": models.PersonSite,
}

// Driver talks to one MailChimp account.
type Driver struct {
	*driver.Base
	*driver.Standard
}

// New creates an unconfigured MailChimp driver.
func New(deps driver.Deps) *Driver {
	d := &Driver{}
	d.Base = driver.NewBase(d, deps)
	d.Standard = driver.NewStandard(d.Base, d)
	return d
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Company() driver.Company {
	return driver.Company{
		Name:    "MailChimp",
		Address: "675 Ponce de Leon Ave NE, Suite 5000, Atlanta, GA 30308 USA",
		URL:     "https://mailchimp.com/",
	}
}

func (d *Driver) DescribeCredentialsFields(refresh bool) fields.Schema {
	return fields.Schema{
		{
			Name:        "name",
			Type:        fields.TypeText,
			Title:       "Integration name",
			Placeholder: "My MailChimp account",
		},
		{
			Name:        "api_key",
			Type:        fields.TypeKey,
			Title:       "API Key",
			Description: "Account > Extras > API keys",
			Rules: []fields.Rule{
				fields.NotEmpty(),
				fields.Regex(`-[a-z]+[0-9]+$`).WithMessage("API Key must end with your data center, like -us6"),
			},
		},
	}
}

func (d *Driver) ParamsSchema() fields.Schema {
	lists := d.Meta().Map("lists")
	titles := make(map[string]string, len(lists))
	for id, name := range lists {
		titles[id] = models.Stringify(name)
	}
	ids := make([]string, 0, len(titles))
	for id := range titles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return fields.Schema{
		{
			Name:    "list",
			Type:    fields.TypeSelect,
			Title:   "List",
			Options: fields.OptionsFromMap(titles, ids),
			Rules:   []fields.Rule{fields.NotEmpty().WithMessage("Please select a list")},
		},
		{
			Name:        "double_optin",
			Type:        fields.TypeSwitch,
			Title:       "Double opt-in",
			Description: "New subscribers confirm their address before they are added",
		},
	}
}

func (d *Driver) DataRules() fields.Schema {
	return fields.Schema{
		{Name: models.PersonPhone, Type: fields.TypeText, Title: "Phone", Rules: []fields.Rule{fields.MaxLength(50)}},
		{Name: models.PersonSite, Type: fields.TypeText, Title: "Website", Rules: []fields.Rule{fields.URL()}},
	}
}

// CustomFieldSuggestions lists the custom merge field labels of the
// selected list.
func (d *Driver) CustomFieldSuggestions() []string {
	list := models.Stringify(d.Param("", "list"))
	tags := d.Meta().Map("merge_fields", list)
	out := make([]string, 0, len(tags))
	for tag, label := range tags {
		if _, std := standardTags[tag]; std {
			continue
		}
		out = append(out, models.Stringify(label))
	}
	sort.Strings(out)
	return out
}

// FetchMeta loads the account lists and the merge fields of each one.
func (d *Driver) FetchMeta(ctx context.Context) error {
	resp := d.request(http.MethodGet, "/lists").
		Data(map[string]any{"count": pageSize, "fields": "lists.id,lists.name"}).
		Execute(ctx)
	if !resp.IsSuccessful() {
		return d.ResponseError(resp, "api_key", "detail", "title")
	}

	lists := map[string]any{}
	mergeFields := map[string]any{}
	items, _ := resp.Get("lists", nil).([]any)
	for _, item := range items {
		list, ok := models.AsMap(item)
		if !ok {
			continue
		}
		id := models.Stringify(list["id"])
		if id == "" {
			continue
		}
		lists[id] = models.Stringify(list["name"])

		tags, err := d.fetchMergeFields(ctx, id)
		if err != nil {
			return err
		}
		mergeFields[id] = tags
	}

	d.SetMeta(models.Values{"lists": lists, "merge_fields": mergeFields})
	return nil
}

func (d *Driver) fetchMergeFields(ctx context.Context, list string) (map[string]any, error) {
	resp := d.request(http.MethodGet, "/lists/"+url.PathEscape(list)+"/merge-fields").
		Data(map[string]any{"count": pageSize, "fields": "merge_fields.tag,merge_fields.name"}).
		Execute(ctx)
	if !resp.IsSuccessful() {
		return nil, d.ResponseError(resp, "", "detail", "title")
	}

	tags := map[string]any{}
	items, _ := resp.Get("merge_fields", nil).([]any)
	for _, item := range items {
		field, ok := models.AsMap(item)
		if !ok {
			continue
		}
		tags[models.Stringify(field["tag"])] = models.Stringify(field["name"])
	}
	return tags, nil
}

// GetPerson returns nil when the email is not a member of the list.
func (d *Driver) GetPerson(ctx context.Context, email string) (models.Person, error) {
	list, err := d.listID()
	if err != nil {
		return nil, err
	}

	resp := d.request(http.MethodGet, memberPath(list, email)).Execute(ctx)
	if resp.Code() == http.StatusNotFound {
		return nil, nil
	}
	if !resp.IsSuccessful() {
		return nil, d.ResponseError(resp, "", "detail", "title")
	}
	return d.toPerson(list, resp.Values().Map("merge_fields")), nil
}

func (d *Driver) CreatePerson(ctx context.Context, email string, data models.Person) error {
	list, err := d.listID()
	if err != nil {
		return err
	}

	status := "subscribed"
	if optin, _ := d.CurrentParam(false, "double_optin").(bool); optin {
		status = "pending"
	}

	resp := d.request(http.MethodPost, "/lists/"+url.PathEscape(list)+"/members").
		Set("email_address", email).
		Set("status", status).
		Set("merge_fields", d.toMergeFields(list, data)).
		Execute(ctx)
	if !resp.IsSuccessful() {
		return d.ResponseError(resp, "", "detail", "title")
	}
	return nil
}

func (d *Driver) UpdatePerson(ctx context.Context, email string, data models.Person) error {
	list, err := d.listID()
	if err != nil {
		return err
	}

	resp := d.request(http.MethodPatch, memberPath(list, email)).
		Set("merge_fields", d.toMergeFields(list, data)).
		Execute(ctx)
	if !resp.IsSuccessful() {
		return d.ResponseError(resp, "", "detail", "title")
	}
	return nil
}

func (d *Driver) request(method, path string) *transport.Request {
	return d.NewRequest().
		Method(method).
		URL(d.baseURL()+path).
		BasicAuth("convertful", models.Stringify(d.Credential("", "api_key"))).
		Header("Content-Type", "application/json").
		Header("Accept-Type", "application/json")
}

// baseURL prefers the configured URL, then the data center suffix of the key.
func (d *Driver) baseURL() string {
	if u := d.Deps().Config.BaseURL; u != "" {
		return strings.TrimRight(u, "/")
	}
	return fmt.Sprintf(baseURLTemplate, DataCenter(models.Stringify(d.Credential("", "api_key"))))
}

func (d *Driver) listID() (string, error) {
	list := models.Stringify(d.CurrentParam("", "list"))
	if list == "" {
		return "", errors.NewIntegrationError(errors.CodeWrongParams, "list", "Please select a list")
	}
	return list, nil
}

// toPerson keeps the standard tags and the merge fields known from meta.
func (d *Driver) toPerson(list string, mergeFields models.Values) models.Person {
	labels := d.Meta().Map("merge_fields", list)
	p := models.Person{}
	for tag, val := range mergeFields {
		s := models.Stringify(val)
		if s == "" {
			continue
		}
		if key, ok := standardTags[tag]; ok {
			p[key] = s
			continue
		}
		if label := labels.String(tag); label != "" {
			p.SetMeta(label, s)
		}
	}
	return p
}

func (d *Driver) toMergeFields(list string, p models.Person) map[string]any {
	out := map[string]any{}
	for tag, key := range standardTags {
		if val, ok := p.Field(key); ok {
			out[tag] = val
		}
	}

	byLabel := map[string]string{}
	for tag, label := range d.Meta().Map("merge_fields", list) {
		byLabel[models.Stringify(label)] = tag
	}
	for label, val := range p.Meta() {
		if tag, ok := byLabel[label]; ok {
			if _, std := standardTags[tag]; !std {
				out[tag] = models.Stringify(val)
			}
		}
	}
	return out
}

// DataCenter extracts the data center ("us6") from an API key.
func DataCenter(apiKey string) string {
	if i := strings.LastIndex(apiKey, "-"); i >= 0 && i < len(apiKey)-1 {
		return apiKey[i+1:]
	}
	return "us1"
}

// SubscriberHash is the member id MailChimp derives from an email.
func SubscriberHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

func memberPath(list, email string) string {
	return "/lists/" + url.PathEscape(list) + "/members/" + SubscriberHash(email)
}
