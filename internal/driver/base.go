package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/fields"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/transport"
)

// InvalidEmailMessage is reported on the email field when an automation
// is called without a usable address.
const InvalidEmailMessage = "Please enter a valid email"

// Base implements every Driver operation except those in Describer.
// Concrete drivers embed *Base and create it with NewBase(self, deps) so
// the base can reach their schemas and hooks.
type Base struct {
	self Describer
	deps Deps
	log  *transport.Log

	credentials models.Values
	meta        models.Values
	params      models.Values
}

// NewBase binds the shared behavior to a concrete driver.
func NewBase(self Describer, deps Deps) *Base {
	log := deps.Log
	if log == nil {
		log = transport.NewLog()
	}
	if deps.HTTP == (transport.Options{}) {
		deps.HTTP = transport.DefaultOptions()
	}
	return &Base{
		self:        self,
		deps:        deps,
		log:         log,
		credentials: models.Values{},
		meta:        models.Values{},
		params:      models.Values{},
	}
}

// Deps returns the collaborators the driver was built with.
func (b *Base) Deps() Deps { return b.deps }

// Logger returns a logger labelled with the driver name.
func (b *Base) Logger() *logging.Logger {
	return b.deps.Logger.With("driver", b.self.Name())
}

// RequestLog is the log every request of this driver appends to.
func (b *Base) RequestLog() *transport.Log { return b.log }

// NewRequest returns a request wired to the driver's transport options,
// log, logger and metrics.
func (b *Base) NewRequest() *transport.Request {
	opts := []transport.RequestOption{
		transport.WithOptions(b.deps.HTTP),
		transport.WithLog(b.log),
		transport.WithLogger(b.deps.Logger),
		transport.WithMetrics(b.deps.Metrics),
		transport.WithDriverName(b.self.Name()),
	}
	if b.deps.Client != nil {
		opts = append(opts, transport.WithClient(b.deps.Client))
	}
	if b.deps.Clock != nil {
		opts = append(opts, transport.WithClock(b.deps.Clock))
	}
	return transport.New(opts...)
}

// Credentials

func (b *Base) FilterCredentials(raw models.Values) (models.Values, error) {
	return fields.FilterValues(raw, b.self.DescribeCredentialsFields(false))
}

// ValidateCredentials reports the first failing field as a wrong
// credentials error.
func (b *Base) ValidateCredentials(raw models.Values) error {
	return validateAs(raw, b.self.DescribeCredentialsFields(false), errors.CodeWrongCredentials)
}

// SetCredentials filters raw and, when asked, validates the result before
// replacing the stored credentials as a whole.
func (b *Base) SetCredentials(raw models.Values, validate bool) error {
	filtered, err := b.FilterCredentials(raw)
	if err != nil {
		return err
	}
	if validate {
		if err := b.ValidateCredentials(filtered); err != nil {
			return err
		}
	}
	b.credentials = filtered
	return nil
}

func (b *Base) Credentials() models.Values { return b.credentials }

func (b *Base) Credential(def any, path ...string) any {
	return b.credentials.Path(def, path...)
}

// SetCredential stores one value without filtering, for values the
// driver learns from the provider (tokens, account ids).
func (b *Base) SetCredential(value any, path ...string) {
	if b.credentials == nil {
		b.credentials = models.Values{}
	}
	b.credentials.SetPath(value, path...)
}

// GetName returns the user-given integration name, if the driver has one.
func (b *Base) GetName() string {
	return models.Stringify(b.credentials.Get("name", ""))
}

// ValidateIfUnique fails on the first identifying credential field that
// another integration already uses. Identifying fields are "name" and key
// fields, compared whole, and oauth fields, compared at their token key.
func (b *Base) ValidateIfUnique(others models.IntegrationSlice) error {
	for _, f := range b.self.DescribeCredentialsFields(false) {
		var path []string
		switch {
		case f.Type == fields.TypeOAuth:
			path = []string{f.Name, f.OAuthTokenKey()}
		case f.Name == "name" || f.Type == fields.TypeKey:
			path = []string{f.Name}
		default:
			continue
		}

		mine := models.Stringify(b.credentials.Path(nil, path...))
		if mine == "" {
			continue
		}
		for _, other := range others {
			if other == nil {
				continue
			}
			if models.Stringify(other.Credentials.Path(nil, path...)) == mine {
				return errors.NewIntegrationError(errors.CodeWrongCredentials, f.Name,
					fmt.Sprintf("Another integration already uses this %s", strings.ToLower(f.Label())))
			}
		}
	}
	return nil
}

// Meta

// SetMeta replaces the stored meta. Meta is trusted and never validated.
func (b *Base) SetMeta(meta models.Values) {
	if meta == nil {
		meta = models.Values{}
	}
	b.meta = meta
}

func (b *Base) Meta() models.Values { return b.meta }

func (b *Base) MetaValue(def any, path ...string) any {
	return b.meta.Path(def, path...)
}

// Params

func (b *Base) DescribeParamsFields() fields.Schema {
	if d, ok := b.self.(ParamsDescriber); ok {
		return d.ParamsSchema()
	}
	return fields.Schema{}
}

func (b *Base) FilterParams(raw models.Values) (models.Values, error) {
	return fields.FilterValues(raw, b.DescribeParamsFields())
}

// ValidateParams reports the first failing field as a wrong params error.
func (b *Base) ValidateParams(raw models.Values) error {
	return validateAs(raw, b.DescribeParamsFields(), errors.CodeWrongParams)
}

func (b *Base) SetParams(raw models.Values, validate bool) error {
	filtered, err := b.FilterParams(raw)
	if err != nil {
		return err
	}
	if validate {
		if err := b.ValidateParams(filtered); err != nil {
			return err
		}
	}
	b.params = filtered
	return nil
}

func (b *Base) Params() models.Values { return b.params }

func (b *Base) Param(def any, path ...string) any {
	return b.params.Path(def, path...)
}

// Descriptions

func (b *Base) DescribeDataRules() fields.Schema {
	if d, ok := b.self.(DataRulesDescriber); ok {
		return d.DataRules()
	}
	return fields.Schema{}
}

func (b *Base) DescribeShowIf() map[string][]any {
	if d, ok := b.self.(ShowIfDescriber); ok {
		return d.ShowIf()
	}
	return map[string][]any{}
}

func (b *Base) SuggestCustomFields() []string {
	if d, ok := b.self.(CustomFieldsSuggester); ok {
		return d.CustomFieldSuggestions()
	}
	return []string{}
}

func (b *Base) DescribeAutomations() []Automation {
	if d, ok := b.self.(AutomationsDescriber); ok {
		return d.Automations()
	}
	return []Automation{}
}

// ExecAutomation validates and strips the subscriber email, checks the
// remaining data against DescribeDataRules and runs the named automation.
// A missing or malformed email fails on the "email" field with
// CodeWrongData and no automation is run. Call params are laid over the
// stored params and filtered through the automation's params schema.
func (b *Base) ExecAutomation(ctx context.Context, name string, params, subscriber models.Values) error {
	driverName := b.self.Name()

	data := subscriber.Clone()
	email := strings.TrimSpace(models.Stringify(data.Get(models.PersonEmail, "")))
	delete(data, models.PersonEmail)
	if !fields.IsEmail(email) {
		b.deps.Metrics.RecordAutomation(driverName, name, "invalid")
		return errors.NewIntegrationError(errors.CodeWrongData, models.PersonEmail, InvalidEmailMessage)
	}

	var automation *Automation
	for _, a := range b.DescribeAutomations() {
		if a.Name == name {
			automation = &a
			break
		}
	}
	if automation == nil || automation.Handler == nil {
		return &errors.ErrUnknownAutomation{Driver: driverName, Automation: name}
	}

	if err := validateAs(data, b.DescribeDataRules(), errors.CodeWrongData); err != nil {
		b.deps.Metrics.RecordAutomation(driverName, name, "invalid")
		return err
	}

	callParams, err := b.automationParams(automation.ParamsFields, params)
	if err != nil {
		return err
	}

	err = automation.Handler(ctx, email, callParams, models.NewPerson(data))
	if err != nil {
		b.deps.Metrics.RecordAutomation(driverName, name, "error")
		b.Logger().WarnWithContext(ctx, "automation failed", "automation", name, "error", err.Error())
		return err
	}
	b.deps.Metrics.RecordAutomation(driverName, name, "success")
	return nil
}

// automationParams lays the call params over the stored ones. An empty
// schema keeps the merged values as they are.
func (b *Base) automationParams(schema fields.Schema, params models.Values) (models.Values, error) {
	merged := b.params.Clone()
	if merged == nil {
		merged = models.Values{}
	}
	for k, v := range params {
		merged[k] = v
	}
	if len(schema) == 0 {
		return merged, nil
	}
	return fields.FilterValues(merged, schema)
}

func validateAs(raw models.Values, schema fields.Schema, code errors.Code) error {
	if err := schema.Check(); err != nil {
		return err
	}
	ok, errs := fields.ValidateValues(raw, schema)
	if ok {
		return nil
	}
	first, _ := errs.First()
	return errors.NewIntegrationError(code, first.Field, first.Message)
}
