package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dealdesk/internal/ingest"
	"github.com/sells-group/dealdesk/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the paste-to-review ingestion pipeline",
	Long:  "Submit raw deal context for extraction, list past ingestion runs, and recover the decrypted context of a run you submitted.",
}

// -- ingest submit --

var ingestSubmitCmd = &cobra.Command{
	Use:   "submit <deal-id>",
	Short: "Submit raw context for extraction",
	Long: `Submit pasted deal context (call notes, emails, Slack threads) for one
extraction pass. Reads from --file or stdin. High-confidence answer
proposals land in the review queue; nothing touches the live TAS state
until a human decides.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		file, _ := cmd.Flags().GetString("file")
		sourceType, _ := cmd.Flags().GetString("source")

		var raw []byte
		if file != "" {
			raw, err = os.ReadFile(file)
			if err != nil {
				return eris.Wrap(err, "ingest submit: read file")
			}
		} else {
			raw, err = io.ReadAll(os.Stdin)
			if err != nil {
				return eris.Wrap(err, "ingest submit: read stdin")
			}
		}

		result, err := env.Orchestrator.SubmitContext(ctx, ingest.SubmitInput{
			DealID:     args[0],
			UserID:     viewerUserID,
			SourceType: model.IngestionSourceType(sourceType),
			RawContext: string(raw),
		})
		if err != nil {
			return eris.Wrap(err, "ingest submit")
		}

		fmt.Printf("Run %s completed: %d proposal(s) queued for review\n", result.RunID, result.DeltaCount)
		return nil
	},
}

// -- ingest runs --

var ingestRunsCmd = &cobra.Command{
	Use:   "runs <deal-id>",
	Short: "List ingestion runs for a deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Orchestrator.ListRuns(ctx, args[0], viewerUserID)
		if err != nil {
			return eris.Wrap(err, "ingest runs")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No ingestion runs found.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSOURCE\tSTATUS\tDELTAS\tMODEL\tCREATED")
		for _, run := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				run.ID, run.SourceType, run.Status, run.DeltaCount,
				run.Model, run.CreatedAt.Format("2006-01-02 15:04"))
		}
		tw.Flush()
		return nil
	},
}

// -- ingest context --

var ingestContextCmd = &cobra.Command{
	Use:   "context <run-id>",
	Short: "Print the decrypted raw context of a run you submitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		raw, err := env.Orchestrator.DecryptedContext(ctx, args[0], viewerUserID)
		if err != nil {
			return eris.Wrap(err, "ingest context")
		}

		fmt.Println(raw)
		return nil
	},
}

func init() {
	ingestSubmitCmd.Flags().String("file", "", "read context from a file instead of stdin")
	ingestSubmitCmd.Flags().String("source", string(model.SourceTypePastedContext), "source type (call_notes, slack, email, doc, pasted_context, other)")

	ingestCmd.AddCommand(ingestSubmitCmd)
	ingestCmd.AddCommand(ingestRunsCmd)
	ingestCmd.AddCommand(ingestContextCmd)
	rootCmd.AddCommand(ingestCmd)
}
