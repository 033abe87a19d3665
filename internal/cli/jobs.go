package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convertful/integrations/internal/errors"
)

// retryCmd reschedules failed jobs of one integration.
var retryCmd = &cobra.Command{
	Use:   "retry <integration-id>",
	Short: "Reschedule failed automation jobs of an integration",
	Long: `Put failed automation jobs of an integration back in the queue and close
its open error notifications. Without --code only wrong-credential
failures (code 10) are retried.

Example:
  convertful-integrations retry 5f0c... --code 42 --code 10`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

// runJobsCmd drains the due jobs once, for cron-driven deployments.
var runJobsCmd = &cobra.Command{
	Use:   "run-jobs",
	Short: "Run every due automation job once",
	RunE:  runJobs,
}

var retryFlags struct {
	Codes []int
}

func init() {
	retryCmd.Flags().IntSliceVar(&retryFlags.Codes, "code", nil, "Only retry failures with this integration error code (repeatable)")

	RootCmd.AddCommand(retryCmd)
	RootCmd.AddCommand(runJobsCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	a, err := appFromFlags()
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := a.store.GetIntegration(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	codes := make([]errors.Code, 0, len(retryFlags.Codes))
	for _, c := range retryFlags.Codes {
		codes = append(codes, errors.Code(c))
	}
	n, err := errors.Retry(cmd.Context(), a.store, in, codes...)
	if err != nil {
		return err
	}
	a.metrics.AddJobsRescheduled(n)

	if globalFlags.JSON {
		return writeJSON(cmd, map[string]any{"integration_id": in.ID, "rescheduled": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rescheduled %d job(s) of %s\n", n, in.ID)
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	a, err := appFromFlags()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	if globalFlags.JSON {
		return writeJSON(cmd, res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Done: %d, rescheduled: %d, failed: %d\n", res.Done, res.Rescheduled, res.Failed)
	return nil
}

func appFromFlags() (*app, error) {
	cfg, err := loadConfig(globalFlags.Config)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}
