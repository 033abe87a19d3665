// Package drivers wires the concrete provider drivers into a registry.
package drivers

import (
	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/drivers/hubspot"
	"github.com/convertful/integrations/internal/drivers/infusionsoft"
	"github.com/convertful/integrations/internal/drivers/mailchimp"
)

// Register adds every bundled driver to reg.
func Register(reg *driver.Registry) {
	reg.Register(hubspot.Name, func(deps driver.Deps) driver.Driver { return hubspot.New(deps) })
	reg.Register(infusionsoft.Name, func(deps driver.Deps) driver.Driver { return infusionsoft.New(deps) })
	reg.Register(mailchimp.Name, func(deps driver.Deps) driver.Driver { return mailchimp.New(deps) })
}

// NewRegistry returns a registry holding every bundled driver.
func NewRegistry(deps driver.Deps, configs map[string]config.DriverConfig) *driver.Registry {
	reg := driver.NewRegistry(deps, configs)
	Register(reg)
	return reg
}
