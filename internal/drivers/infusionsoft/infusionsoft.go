// Package infusionsoft implements the Infusionsoft (Keap) driver over the
// legacy XML-RPC API, authenticated by an application name and API key.
package infusionsoft

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/fields"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/transport"
)

const (
	Name = "infusionsoft"

	endpointTemplate = "https://%s.infusionsoft.com/api/xmlrpc"
	pageSize         = 1000
)

// contactFields maps person keys onto Contact table columns.
var contactFields = map[string]string{
	models.PersonFirstName: "FirstName",
	models.PersonLastName:  "LastName",
	models.PersonPhone:     "Phone1",
	models.PersonCompany:   "Company",
	models.PersonSite:      "Website",
}

// Driver talks to one Infusionsoft application.
type Driver struct {
	*driver.Base
	*driver.Standard
}

// New creates an unconfigured Infusionsoft driver.
func New(deps driver.Deps) *Driver {
	d := &Driver{}
	d.Base = driver.NewBase(d, deps)
	d.Standard = driver.NewStandard(d.Base, d)
	return d
}

func (d *Driver) Name() string { return Name }

func (d *Driver) Company() driver.Company {
	return driver.Company{
		Name:    "Infusionsoft",
		Address: "1260 S Spectrum Blvd, Chandler, AZ 85286 USA",
		URL:     "https://keap.com/",
	}
}

func (d *Driver) DescribeCredentialsFields(refresh bool) fields.Schema {
	return fields.Schema{
		{Name: "name", Type: fields.TypeText, Title: "Integration name"},
		{
			Name:        "app_name",
			Type:        fields.TypeText,
			Title:       "Application name",
			Description: "The first part of your Infusionsoft address: <app_name>.infusionsoft.com",
			Rules:       []fields.Rule{fields.NotEmpty(), fields.AlphaDash()},
		},
		{
			Name:  "api_key",
			Type:  fields.TypeKey,
			Title: "API Key",
			Rules: []fields.Rule{fields.NotEmpty()},
		},
	}
}

func (d *Driver) ParamsSchema() fields.Schema {
	tags := d.Meta().Map("tags")
	titles := make(map[string]string, len(tags))
	for id, name := range tags {
		titles[id] = models.Stringify(name)
	}
	ids := make([]string, 0, len(titles))
	for id := range titles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return fields.Schema{
		{
			Name:    "tags",
			Type:    fields.TypeSelect2,
			Title:   "Apply tags",
			Options: fields.OptionsFromMap(titles, ids),
		},
		{
			Name:  "opt_in",
			Type:  fields.TypeSwitch,
			Title: "Mark email as marketable",
		},
		{
			Name:    "opt_in_reason",
			Type:    fields.TypeText,
			Title:   "Opt-in reason",
			Default: "Subscribed with a Convertful form",
			Rules:   []fields.Rule{fields.MaxLength(255)},
		},
	}
}

func (d *Driver) ShowIf() map[string][]any {
	return map[string][]any{
		"opt_in_reason": {"opt_in", "=", true},
	}
}

func (d *Driver) CustomFieldSuggestions() []string {
	custom := d.Meta().Map("custom_fields")
	out := make([]string, 0, len(custom))
	for _, label := range custom {
		out = append(out, models.Stringify(label))
	}
	sort.Strings(out)
	return out
}

// FetchMeta loads the tags and the contact custom fields.
func (d *Driver) FetchMeta(ctx context.Context) error {
	groups, err := d.query(ctx, "ContactGroup", map[string]any{"Id": "%"}, []string{"Id", "GroupName"})
	if err != nil {
		return err
	}
	tags := map[string]any{}
	for _, g := range groups {
		tags[g.String("Id")] = g.String("GroupName")
	}

	// FormId -1 is the Contact table
	formFields, err := d.query(ctx, "DataFormField", map[string]any{"FormId": -1}, []string{"Name", "Label"})
	if err != nil {
		return err
	}
	custom := map[string]any{}
	for _, f := range formFields {
		custom["_"+f.String("Name")] = f.String("Label")
	}

	d.SetMeta(models.Values{"tags": tags, "custom_fields": custom})
	return nil
}

// GetPerson returns nil when no contact has the email.
func (d *Driver) GetPerson(ctx context.Context, email string) (models.Person, error) {
	contact, err := d.findContact(ctx, email)
	if err != nil || contact == nil {
		return nil, err
	}
	return d.toPerson(contact), nil
}

func (d *Driver) CreatePerson(ctx context.Context, email string, data models.Person) error {
	record := d.toRecord(data)
	record["Email"] = email
	result, err := d.call(ctx, "ContactService.addWithDupCheck", record, "Email")
	if err != nil {
		return err
	}
	id, ok := models.ToInt64(result)
	if !ok {
		return errors.NewIntegrationError(errors.CodeWrongRequest, "", "Unexpected response to contact creation")
	}
	return d.afterSave(ctx, id, email)
}

func (d *Driver) UpdatePerson(ctx context.Context, email string, data models.Person) error {
	contact, err := d.findContact(ctx, email)
	if err != nil {
		return err
	}
	if contact == nil {
		return d.CreatePerson(ctx, email, data)
	}
	id, _ := contact.Int64("Id")
	if _, err := d.call(ctx, "ContactService.update", id, d.toRecord(data)); err != nil {
		return err
	}
	return d.afterSave(ctx, id, email)
}

// afterSave applies the opt-in and tag params of the running automation.
func (d *Driver) afterSave(ctx context.Context, id int64, email string) error {
	if optIn, _ := d.CurrentParam(false, "opt_in").(bool); optIn {
		reason := models.Stringify(d.CurrentParam("", "opt_in_reason"))
		if reason == "" {
			reason = "Subscribed with a Convertful form"
		}
		if _, err := d.call(ctx, "APIEmailService.optIn", email, reason); err != nil {
			return err
		}
	}
	for _, tag := range tagIDs(d.CurrentParam(nil, "tags")) {
		if _, err := d.call(ctx, "ContactService.addToGroup", id, tag); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) findContact(ctx context.Context, email string) (models.Values, error) {
	var custom []string
	for name := range d.Meta().Map("custom_fields") {
		custom = append(custom, name)
	}
	sort.Strings(custom)
	returnFields := append([]string{"Id", "Email"}, sortedColumns()...)
	returnFields = append(returnFields, custom...)

	result, err := d.call(ctx, "ContactService.findByEmail", email, returnFields)
	if err != nil {
		return nil, err
	}
	items, _ := result.([]any)
	if len(items) == 0 {
		return nil, nil
	}
	contact, ok := models.AsMap(items[0])
	if !ok {
		return nil, nil
	}
	return contact, nil
}

func (d *Driver) query(ctx context.Context, table string, filter map[string]any, returnFields []string) ([]models.Values, error) {
	result, err := d.call(ctx, "DataService.query", table, pageSize, 0, filter, returnFields)
	if err != nil {
		return nil, err
	}
	items, _ := result.([]any)
	out := make([]models.Values, 0, len(items))
	for _, item := range items {
		if m, ok := models.AsMap(item); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// call runs one XML-RPC method. The API key is always the first param.
func (d *Driver) call(ctx context.Context, method string, params ...any) (any, error) {
	req := d.NewRequest().
		Method(http.MethodPost).
		URL(d.endpoint()).
		Header("Content-Type", "application/xml").
		Header(transport.XMLRPCMethodHeader, method).
		Set("key", models.Stringify(d.Credential("", "api_key")))
	for i, p := range params {
		req.Set(fmt.Sprintf("p%d", i), p)
	}

	resp := req.Execute(ctx)
	if !resp.IsSuccessful() {
		return nil, d.ResponseError(resp, "")
	}

	result, err := resp.XMLRPCResult()
	if err != nil {
		var fault *transport.XMLRPCFault
		if stderrors.As(err, &fault) {
			return nil, faultError(fault)
		}
		return nil, errors.WrapIntegrationError(errors.CodeWrongRequest, "", "", err)
	}
	return result, nil
}

func (d *Driver) endpoint() string {
	if u := d.Deps().Config.BaseURL; u != "" {
		return strings.TrimRight(u, "/")
	}
	return fmt.Sprintf(endpointTemplate, models.Stringify(d.Credential("", "app_name")))
}

// faultError classifies the fault strings Infusionsoft documents.
func faultError(f *transport.XMLRPCFault) *errors.IntegrationError {
	switch {
	case strings.Contains(f.String, "InvalidKey"):
		return errors.WrapIntegrationError(errors.CodeWrongCredentials, "api_key", "The API key is not valid", f)
	case strings.Contains(f.String, "InvalidParameter"):
		return errors.WrapIntegrationError(errors.CodeWrongData, "", f.String, f)
	case strings.Contains(f.String, "DatabaseError"), strings.Contains(f.String, "Timeout"):
		return errors.WrapIntegrationError(errors.CodeTemporary, "", "", f)
	default:
		return errors.WrapIntegrationError(errors.CodeWrongRequest, "", f.String, f)
	}
}

func (d *Driver) toPerson(contact models.Values) models.Person {
	p := models.Person{}
	for key, col := range contactFields {
		if s := contact.String(col); s != "" {
			p[key] = s
		}
	}
	for name, label := range d.Meta().Map("custom_fields") {
		if s := contact.String(name); s != "" {
			p.SetMeta(models.Stringify(label), s)
		}
	}
	return p
}

func (d *Driver) toRecord(p models.Person) map[string]any {
	out := map[string]any{}
	for key, col := range contactFields {
		if val, ok := p.Field(key); ok {
			out[col] = val
		}
	}
	byLabel := map[string]string{}
	for name, label := range d.Meta().Map("custom_fields") {
		byLabel[models.Stringify(label)] = name
	}
	for label, val := range p.Meta() {
		if name, ok := byLabel[label]; ok {
			out[name] = models.Stringify(val)
		}
	}
	return out
}

func sortedColumns() []string {
	cols := make([]string, 0, len(contactFields))
	for _, col := range contactFields {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func tagIDs(v any) []int64 {
	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			raw = append(raw, models.Stringify(item))
		}
	case string:
		if t != "" {
			raw = []string{t}
		}
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		if id, ok := models.ToInt64(s); ok {
			out = append(out, id)
		}
	}
	return out
}
