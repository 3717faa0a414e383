package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dealdesk/internal/quality"
	"github.com/sells-group/dealdesk/internal/signal"
)

var qualityCmd = &cobra.Command{
	Use:   "quality <deal-id>",
	Short: "Score the quality of a deal's TAS blueprint",
	Long: `Run the two-tier quality engine over a deal's TAS answers. The model
tier validates each answer against the blueprint; deterministic guardrails
cap placeholder, hedged, and unsupported answers regardless of what the
model says. Without an API key only the heuristic tier runs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		v := viewer()
		detail, err := env.Aggregator.GetDeal(ctx, v, args[0], signal.ListOptions{})
		if err != nil {
			return eris.Wrap(err, "quality")
		}

		key := quality.Fingerprint(v.UserID, detail.Deal.OpportunityID, detail.Deal.Stage, detail.Questions)
		report := env.Quality.Evaluate(ctx, detail.Deal, detail.Questions, key)

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Printf("Overall confidence: %.2f\n\n", report.OverallConfidence)

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SECTION\tCONF\tOUTSTANDING")
		for _, section := range report.SectionQuality {
			fmt.Fprintf(tw, "%s\t%.2f\t%d\n", section.SectionID, section.Confidence, len(section.OutstandingItems))
		}
		tw.Flush()

		if len(report.CriticalFlags) > 0 {
			fmt.Println("\nCritical flags:")
			for _, flag := range report.CriticalFlags {
				fmt.Printf("  - %s\n", flag)
			}
		}
		return nil
	},
}

func init() {
	qualityCmd.Flags().Bool("json", false, "print the full report as JSON")
	rootCmd.AddCommand(qualityCmd)
}
