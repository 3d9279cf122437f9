package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run stale attempt recovery once and exit",
	Long: `sweep closes call attempts that have been in flight longer than
STALE_AFTER and returns their contacts to the queue. It is safe to run while
serve is running: every row is taken with SKIP LOCKED.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig(false)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		recovered, err := a.scheduler.RecoverStale(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		for _, r := range recovered {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tcontact=%s\tcampaign=%s\tstate=%s\texhausted=%t\n",
				r.CallID, r.ContactID, r.CampaignID, r.State, r.Exhausted)
		}
		log.Info("sweep finished", "recovered", len(recovered))
		return nil
	},
}
