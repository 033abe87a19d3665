package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/convertful/integrations/internal/driver"
)

// driversCmd lists the registered drivers.
var driversCmd = &cobra.Command{
	Use:     "drivers",
	Aliases: []string{"d", "list"},
	Short:   "List the available drivers",
	RunE:    runDrivers,
}

func init() {
	RootCmd.AddCommand(driversCmd)
}

// DriverSummary is one row of the drivers listing.
type DriverSummary struct {
	Name        string         `json:"name"`
	Company     driver.Company `json:"company"`
	Automations []string       `json:"automations"`
	OAuth       bool           `json:"oauth"`
}

func runDrivers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(globalFlags.Config)
	if err != nil {
		return err
	}
	reg := newRegistry(cfg, newLogger(cfg), nil)

	summaries, err := summarizeDrivers(reg)
	if err != nil {
		return err
	}
	if globalFlags.JSON {
		return writeJSON(cmd, summaries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCOMPANY\tOAUTH\tAUTOMATIONS")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%t\t%v\n", s.Name, s.Company.Name, s.OAuth, s.Automations)
	}
	return w.Flush()
}

func summarizeDrivers(reg *driver.Registry) ([]DriverSummary, error) {
	var out []DriverSummary
	for _, name := range reg.Names() {
		d, err := reg.New(name)
		if err != nil {
			return nil, err
		}
		s := DriverSummary{Name: name, Company: d.Company()}
		for _, a := range d.DescribeAutomations() {
			s.Automations = append(s.Automations, a.Name)
		}
		_, s.OAuth = d.(driver.OAuthFlow)
		out = append(out, s)
	}
	return out, nil
}
