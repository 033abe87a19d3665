package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/transport"
)

// checkCmd validates credentials against the live provider.
var checkCmd = &cobra.Command{
	Use:     "check <driver>",
	Aliases: []string{"c", "validate"},
	Short:   "Validate credentials against a provider",
	Long: `Validate credentials, fetch the account metadata and print it together
with every request made to the provider.

Example:
  convertful-integrations check mailchimp --cred api_key=0123456789abcdef-us6
  convertful-integrations check hubspot --credentials '{"oauth":{"code":"..."}}'`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var checkFlags struct {
	Creds       map[string]string
	Credentials string
	Params      map[string]string
	ShowLog     bool
}

func init() {
	checkCmd.Flags().StringToStringVar(&checkFlags.Creds, "cred", nil, "Credential as key=value (repeatable)")
	checkCmd.Flags().StringVar(&checkFlags.Credentials, "credentials", "", "Credentials as a JSON object")
	checkCmd.Flags().StringToStringVar(&checkFlags.Params, "param", nil, "Params to validate after the check, as key=value")
	checkCmd.Flags().BoolVar(&checkFlags.ShowLog, "log", false, "Print the request log")

	RootCmd.AddCommand(checkCmd)
}

// CheckReport is what a successful or failed check prints.
type CheckReport struct {
	Driver       string               `json:"driver"`
	OK           bool                 `json:"ok"`
	Name         string               `json:"name,omitempty"`
	Meta         models.Values        `json:"meta,omitempty"`
	Params       models.Values        `json:"params,omitempty"`
	CustomFields []string             `json:"custom_fields,omitempty"`
	Error        *CheckFailure        `json:"error,omitempty"`
	RequestLog   []transport.LogEntry `json:"request_log,omitempty"`
}

// CheckFailure mirrors an integration error.
type CheckFailure struct {
	Code    errors.Code `json:"code"`
	Field   string      `json:"field,omitempty"`
	Message string      `json:"message"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(globalFlags.Config)
	if err != nil {
		return err
	}
	creds, err := checkCredentials()
	if err != nil {
		return err
	}
	var params models.Values
	if len(checkFlags.Params) > 0 {
		params = stringValues(checkFlags.Params)
	}

	reg := newRegistry(cfg, newLogger(cfg), nil)
	report, checkErr := checkDriver(cmd, reg, args[0], creds, params)
	if report == nil {
		return checkErr
	}

	if globalFlags.JSON {
		if err := writeJSON(cmd, report); err != nil {
			return err
		}
	} else {
		printCheckReport(cmd.OutOrStdout(), report, checkFlags.ShowLog)
	}
	return checkErr
}

// checkDriver runs the credential check. A nil report means the driver
// could not be built at all.
func checkDriver(cmd *cobra.Command, reg *driver.Registry, name string, creds, params models.Values) (*CheckReport, error) {
	d, err := reg.FactoryValidated(name, creds, nil, nil)
	if err != nil {
		if ie, ok := errors.AsIntegrationError(err); ok {
			return &CheckReport{Driver: name, Error: failure(ie)}, err
		}
		return nil, err
	}

	report := &CheckReport{Driver: name}
	err = d.FetchMeta(cmd.Context())
	if err == nil && params != nil {
		err = d.SetParams(params, true)
	}
	report.RequestLog = d.RequestLog().Entries()
	if err != nil {
		ie, ok := errors.AsIntegrationError(err)
		if !ok {
			return nil, err
		}
		report.Error = failure(ie)
		return report, err
	}

	report.OK = true
	report.Name = d.GetName()
	report.Meta = d.Meta()
	report.Params = d.Params()
	report.CustomFields = d.SuggestCustomFields()
	return report, nil
}

func checkCredentials() (models.Values, error) {
	creds := models.Values{}
	if checkFlags.Credentials != "" {
		if err := json.Unmarshal([]byte(checkFlags.Credentials), &creds); err != nil {
			return nil, fmt.Errorf("invalid --credentials JSON: %w", err)
		}
	}
	for k, v := range stringValues(checkFlags.Creds) {
		creds[k] = v
	}
	return creds, nil
}

func stringValues(in map[string]string) models.Values {
	out := make(models.Values, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func failure(ie *errors.IntegrationError) *CheckFailure {
	return &CheckFailure{Code: ie.Code, Field: ie.Field, Message: ie.Message}
}

func printCheckReport(w io.Writer, r *CheckReport, showLog bool) {
	if r.OK {
		fmt.Fprintf(w, "✓ %s: credentials are valid\n", r.Driver)
		if r.Name != "" {
			fmt.Fprintf(w, "  Name: %s\n", r.Name)
		}
		keys := make([]string, 0, len(r.Meta))
		for key := range r.Meta {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(w, "  %s: %s\n", key, summarize(r.Meta[key]))
		}
		if len(r.CustomFields) > 0 {
			fmt.Fprintf(w, "  Custom fields: %s\n", strings.Join(r.CustomFields, ", "))
		}
	} else if r.Error != nil {
		fmt.Fprintf(w, "✗ %s: [%d] %s", r.Driver, r.Error.Code, r.Error.Message)
		if r.Error.Field != "" {
			fmt.Fprintf(w, " (field %s)", r.Error.Field)
		}
		fmt.Fprintln(w)
	}

	if !showLog {
		return
	}
	for _, e := range r.RequestLog {
		fmt.Fprintf(w, "  %s -> %d\n", e.Request, e.ResponseCode)
	}
}

func summarize(v any) string {
	if m, ok := models.AsMap(v); ok {
		return fmt.Sprintf("%d entries", len(m))
	}
	return models.Stringify(v)
}
