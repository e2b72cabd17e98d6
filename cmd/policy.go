package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and update the verification policy",
}

// -- policy show --

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current policy as YAML (credentials masked)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		svc, err := initPolicies(st)
		if err != nil {
			return err
		}
		current, err := svc.LoadCurrentPolicy(ctx)
		if err != nil {
			return eris.Wrap(err, "policy show")
		}
		out, err := policy.MarshalYAML(current.Redacted())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "# version %d\n", current.Version)
		_, err = os.Stdout.Write(out)
		return err
	},
}

// -- policy apply --

var policyApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Replace the policy with a YAML policy file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")
		actor, _ := cmd.Flags().GetString("actor")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		svc, err := initPolicies(st)
		if err != nil {
			return err
		}
		next, err := svc.UpdateFromFile(ctx, file, actor)
		if err != nil {
			return eris.Wrap(err, "policy apply")
		}
		fmt.Fprintf(os.Stdout, "Policy version %d saved by %s\n", next.Version, actor)
		return nil
	},
}

// -- policy history --

var policyHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List saved policy versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		history, err := st.PolicyHistory(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "policy history")
		}
		if len(history) == 0 {
			fmt.Fprintln(os.Stderr, "No saved policy versions; the built-in default is in effect.")
			return nil
		}
		formatPolicyHistory(os.Stdout, history)
		return nil
	},
}

func formatPolicyHistory(w io.Writer, history []model.PolicyConfig) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tENABLED\tDEFAULT TIER\tTIERS\tUPDATED BY\tUPDATED AT")
	for _, p := range history {
		tiers := make([]string, len(p.EnabledTierKeys))
		for i, k := range p.EnabledTierKeys {
			tiers[i] = string(k)
		}
		fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%s\t%s\n",
			p.Version, p.SystemEnabled, p.DefaultTierKey, strings.Join(tiers, ","),
			p.UpdatedBy, p.UpdatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func init() {
	policyApplyCmd.Flags().StringP("file", "f", "", "policy YAML file")
	_ = policyApplyCmd.MarkFlagRequired("file")
	policyApplyCmd.Flags().String("actor", "cli", "who made the change, for the audit log")
	policyHistoryCmd.Flags().Int("limit", 20, "maximum versions to list")

	policyCmd.AddCommand(policyShowCmd, policyApplyCmd, policyHistoryCmd)
	rootCmd.AddCommand(policyCmd)
}
