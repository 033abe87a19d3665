package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "convertful-integrations",
	Short: "Convertful integrations - email service provider and CRM drivers",
	Long: `Convertful integrations connects opt-in forms to email service providers
and CRMs. It validates credentials, fetches account metadata and delivers
subscribers through per-provider drivers.

Usage:
  convertful-integrations [command] [flags]

Available Commands:
  serve      Start the integrations API server and automation worker
  drivers    List the available drivers
  check      Validate credentials against a provider
  retry      Reschedule failed automation jobs of an integration
  run-jobs   Run every due automation job once

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --db string       Path to SQLite database (overrides storage config)
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "convertful-integrations [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv("CONVERTFUL_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	dbPath := os.Getenv("CONVERTFUL_DB_PATH")

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", dbPath, "Path to SQLite database (overrides storage config)")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of convertful-integrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := GetVersionInfo()
		if globalFlags.JSON {
			return writeJSON(cmd, info)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Version:", info.Version)
		fmt.Fprintln(out, "Go Version:", info.GoVersion)
		fmt.Fprintln(out, "OS/Arch:", info.OS+"/"+info.Arch)
		fmt.Fprintln(out, "Build Date:", info.BuildDate)
		return nil
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

// Version and BuildDate are set at link time.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}
