package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/report-verify/internal/model"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Manage per-user tier assignments",
}

var tiersImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-assign tiers from a CSV of user_id,tier_key rows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "tiers import: open %s", path)
		}
		defer f.Close() //nolint:errcheck

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
			return eris.Wrap(err, "tiers import: load policy")
		}

		assignments, err := parseAssignments(f, current)
		if err != nil {
			return err
		}
		n, err := st.AssignUserTiers(ctx, assignments)
		if err != nil {
			return eris.Wrap(err, "tiers import")
		}
		fmt.Fprintf(os.Stdout, "Assigned tiers for %d users\n", n)
		return nil
	},
}

// parseAssignments reads user_id,tier_key rows. A header row is skipped and
// every tier must be defined by the policy.
func parseAssignments(r io.Reader, p *model.PolicyConfig) ([]model.UserTierAssignment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	var out []model.UserTierAssignment
	seen := make(map[string]int)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "tiers import: line %d", line)
		}
		user, key := strings.TrimSpace(rec[0]), model.TierKey(strings.TrimSpace(rec[1]))
		if line == 1 && user == "user_id" {
			continue
		}
		if user == "" {
			return nil, eris.Errorf("tiers import: line %d: empty user_id", line)
		}
		if _, ok := p.Tiers[key]; !ok {
			return nil, eris.Errorf("tiers import: line %d: unknown tier %q", line, key)
		}
		// Later rows win, matching upsert order.
		if i, dup := seen[user]; dup {
			out[i].TierKey = key
			continue
		}
		seen[user] = len(out)
		out = append(out, model.UserTierAssignment{UserID: user, TierKey: key})
	}
	return out, nil
}

func init() {
	tiersImportCmd.Flags().StringP("file", "f", "", "CSV file of user_id,tier_key rows")
	_ = tiersImportCmd.MarkFlagRequired("file")
	tiersCmd.AddCommand(tiersImportCmd)
	rootCmd.AddCommand(tiersCmd)
}
