package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/report-verify/internal/model"
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Inspect verification outcomes",
}

var outcomeShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show a report's verification outcomes and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		outcomes, err := st.ListOutcomes(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "outcome show")
		}
		if len(outcomes) == 0 {
			fmt.Fprintf(os.Stderr, "No outcomes for report %s.\n", args[0])
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(outcomes)
		}

		formatOutcomes(os.Stdout, outcomes)

		audit, err := st.ListAudit(ctx, args[0], 20)
		if err != nil {
			return eris.Wrap(err, "outcome show audit")
		}
		fmt.Fprintln(os.Stdout)
		formatAudit(os.Stdout, audit)
		return nil
	},
}

func formatOutcomes(w io.Writer, outcomes []model.VerificationOutcome) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CURRENT\tDECISION\tSCORE\tTIER\tPOLICY\tDECIDED AT\tNOTE")
	for _, o := range outcomes {
		marker := ""
		if o.Current {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%d\t%s\t%s\n",
			marker, o.Decision, o.CompositeScore, o.TierKeyUsed, o.PolicyVersion,
			o.DecidedAt.Format("2006-01-02 15:04:05"), o.Note)
	}
	_ = tw.Flush()

	for _, o := range outcomes {
		if !o.Current {
			continue
		}
		fmt.Fprintln(w, "\nLevels (current):")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, r := range o.LevelResults {
			reason, _ := r.Detail["reason"].(string)
			fmt.Fprintf(tw, "  %s\t%s\t%.1f\t%s\n", r.LevelKey, r.Status, r.Score, reason)
		}
		_ = tw.Flush()
	}
}

func formatAudit(w io.Writer, entries []model.AuditEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tKIND\tDECISION\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, e.Decision, e.Message)
	}
	_ = tw.Flush()
}

func init() {
	outcomeShowCmd.Flags().Bool("json", false, "print outcomes as JSON")
	outcomeCmd.AddCommand(outcomeShowCmd)
	rootCmd.AddCommand(outcomeCmd)
}
