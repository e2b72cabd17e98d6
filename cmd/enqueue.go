package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/report-verify/internal/intake"
	"github.com/sells-group/report-verify/internal/model"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <report-id> <user-id>",
	Short: "Queue a report for verification as the submission path would",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		tierKey, _ := cmd.Flags().GetString("tier")
		media, _ := cmd.Flags().GetBool("media")

		var ticket model.Ticket
		if media {
			ticket, err = env.Intake.EnqueueMediaVerification(ctx, args[0], args[1])
		} else {
			ticket, err = env.Intake.EnqueueVerification(ctx, args[0], args[1],
				intake.Options{TierOverride: model.TierKey(tierKey)})
		}
		if errors.Is(err, intake.ErrSystemDisabled) || errors.Is(err, intake.ErrNotEligible) {
			fmt.Fprintf(os.Stderr, "Skipped: %v\n", err)
			return nil
		}
		if err != nil {
			return err
		}
		formatTicket(os.Stdout, ticket)
		return nil
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <report-id>",
	Short: "Queue an explicit re-run that may replace the current outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		tierKey, _ := cmd.Flags().GetString("tier")
		actor, _ := cmd.Flags().GetString("actor")

		ticket, err := env.Intake.Rerun(ctx, args[0], actor, model.TierKey(tierKey))
		if err != nil {
			return err
		}
		formatTicket(os.Stdout, ticket)
		return nil
	},
}

func formatTicket(w io.Writer, t model.Ticket) {
	fmt.Fprintf(w, "Queued job %s for report %s at %s\n", t.JobID, t.ReportID, t.EnqueuedAt.Format(time.RFC3339))
}

func init() {
	enqueueCmd.Flags().String("tier", "", "tier override (ignored unless enabled)")
	enqueueCmd.Flags().Bool("media", false, "enqueue through the media upload path")
	rerunCmd.Flags().String("tier", "", "tier override (ignored unless enabled)")
	rerunCmd.Flags().String("actor", "cli", "who requested the re-run, for the audit log")
	rootCmd.AddCommand(enqueueCmd, rerunCmd)
}
