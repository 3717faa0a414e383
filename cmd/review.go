package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dealdesk/internal/ingest"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the extraction review queue",
	Long:  "List pending answer proposals for a deal and accept, edit, or reject them one at a time or in bulk.",
}

// -- review queue --

var reviewQueueCmd = &cobra.Command{
	Use:   "queue <deal-id>",
	Short: "List the review queue for a deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		queue, err := env.Orchestrator.ReviewQueue(ctx, args[0], viewerUserID)
		if err != nil {
			return eris.Wrap(err, "review queue")
		}

		if len(queue) == 0 {
			fmt.Fprintln(os.Stderr, "Review queue is empty.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DELTA\tQUESTION\tSTATUS\tCONF\tPROPOSED")
		for _, d := range queue {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n",
				d.ID, d.QuestionID, d.Status, d.Confidence, truncate(d.ProposedValue, 60))
		}
		tw.Flush()
		return nil
	},
}

// -- review decide --

var reviewDecideCmd = &cobra.Command{
	Use:   "decide <delta-id>",
	Short: "Accept, edit, or reject one proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		action, _ := cmd.Flags().GetString("action")
		answer, _ := cmd.Flags().GetString("answer")
		name, _ := cmd.Flags().GetString("name")

		delta, err := env.Reviewer.Decide(ctx, ingest.DecideInput{
			DeltaID:      args[0],
			UserID:       viewerUserID,
			UserName:     name,
			Action:       ingest.ReviewAction(action),
			EditedAnswer: answer,
		})
		if err != nil {
			return eris.Wrap(err, "review decide")
		}

		fmt.Printf("Delta %s is now %s\n", delta.ID, delta.Status)
		return nil
	},
}

// -- review bulk --

var reviewBulkCmd = &cobra.Command{
	Use:   "bulk <deal-id>",
	Short: "Decide all pending proposals above a confidence floor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		action, _ := cmd.Flags().GetString("action")
		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
		name, _ := cmd.Flags().GetString("name")

		affected, err := env.Reviewer.DecideBulk(ctx, ingest.BulkInput{
			DealID:        args[0],
			UserID:        viewerUserID,
			UserName:      name,
			Action:        ingest.ReviewAction(action),
			MinConfidence: minConfidence,
		})
		if err != nil {
			return eris.Wrap(err, "review bulk")
		}

		fmt.Printf("%d delta(s) %sed\n", affected, action)
		return nil
	},
}

func init() {
	reviewDecideCmd.Flags().String("action", string(ingest.ActionAccept), "accept, edit_then_accept, or reject")
	reviewDecideCmd.Flags().String("answer", "", "edited answer (required for edit_then_accept)")
	reviewDecideCmd.Flags().String("name", "", "reviewer display name")

	reviewBulkCmd.Flags().String("action", string(ingest.ActionAccept), "accept or reject")
	reviewBulkCmd.Flags().Float64("min-confidence", 0, "only decide deltas at or above this confidence")
	reviewBulkCmd.Flags().String("name", "", "reviewer display name")

	reviewCmd.AddCommand(reviewQueueCmd)
	reviewCmd.AddCommand(reviewDecideCmd)
	reviewCmd.AddCommand(reviewBulkCmd)
	rootCmd.AddCommand(reviewCmd)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
