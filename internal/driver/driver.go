// Package driver defines the integration driver contract shared by every
// email service provider and CRM, plus the reusable base behavior.
package driver

import (
	"context"
	"net/http"
	"time"

	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/fields"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/metrics"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/transport"
)

// Company is the static description of the provider behind a driver.
type Company struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	URL     string `json:"url,omitempty"`
}

// AutomationFunc runs one automation for a subscriber. The email has
// already been validated and removed from data.
type AutomationFunc func(ctx context.Context, email string, params models.Values, data models.Person) error

// Automation is one entry of a driver's dispatch table.
type Automation struct {
	Name         string         `json:"name"`
	Title        string         `json:"title"`
	ParamsFields fields.Schema  `json:"params_fields"`
	Handler      AutomationFunc `json:"-"`
}

// Driver is the full contract of an integration driver.
type Driver interface {
	Describer

	FilterCredentials(raw models.Values) (models.Values, error)
	ValidateCredentials(raw models.Values) error
	SetCredentials(raw models.Values, validate bool) error
	Credentials() models.Values
	Credential(def any, path ...string) any
	ValidateIfUnique(others models.IntegrationSlice) error
	GetName() string

	SetMeta(meta models.Values)
	Meta() models.Values
	MetaValue(def any, path ...string) any

	DescribeParamsFields() fields.Schema
	FilterParams(raw models.Values) (models.Values, error)
	ValidateParams(raw models.Values) error
	SetParams(raw models.Values, validate bool) error
	Params() models.Values
	Param(def any, path ...string) any

	DescribeDataRules() fields.Schema
	DescribeShowIf() map[string][]any
	SuggestCustomFields() []string
	DescribeAutomations() []Automation
	ExecAutomation(ctx context.Context, name string, params, subscriber models.Values) error

	RequestLog() *transport.Log
}

// Describer is what every concrete driver must provide itself.
type Describer interface {
	Name() string
	Company() Company
	DescribeCredentialsFields(refresh bool) fields.Schema
	// FetchMeta calls the provider with the current credentials and
	// stores the result with SetMeta.
	FetchMeta(ctx context.Context) error
}

// Optional hooks a concrete driver implements to extend the defaults.
type (
	ParamsDescriber interface {
		ParamsSchema() fields.Schema
	}
	DataRulesDescriber interface {
		DataRules() fields.Schema
	}
	ShowIfDescriber interface {
		ShowIf() map[string][]any
	}
	CustomFieldsSuggester interface {
		CustomFieldSuggestions() []string
	}
	AutomationsDescriber interface {
		Automations() []Automation
	}
)

// Deps are the collaborators handed to every driver constructor.
type Deps struct {
	HTTP    transport.Options
	Log     *transport.Log
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Config  config.DriverConfig
	// Client overrides the transport client, mostly in tests.
	Client *http.Client
	Clock  func() time.Time
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}
