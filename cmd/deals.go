package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/signal"
)

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "Inspect and create deals",
	Long:  "Commands for listing hydrated deal cards, viewing deal detail with the TAS blueprint and audit, and creating manual deals.",
}

// -- deals list --

var dealsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deals with TAS progress and risk",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ownerEmail, _ := cmd.Flags().GetString("owner-email")
		withSignals, _ := cmd.Flags().GetBool("with-signals")

		deals, err := env.Aggregator.ListDeals(ctx, viewer(), signal.ListOptions{
			OwnerEmail:  ownerEmail,
			WithSignals: withSignals,
		})
		if err != nil {
			return eris.Wrap(err, "deals list")
		}

		if len(deals) == 0 {
			fmt.Fprintln(os.Stderr, "No deals found.")
			return nil
		}

		formatDealList(os.Stdout, deals)
		return nil
	},
}

// -- deals show --

var dealsShowCmd = &cobra.Command{
	Use:   "show <deal-id>",
	Short: "Show deal detail with question states and audit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		withSignals, _ := cmd.Flags().GetBool("with-signals")

		detail, err := env.Aggregator.GetDeal(ctx, viewer(), args[0], signal.ListOptions{WithSignals: withSignals})
		if err != nil {
			return eris.Wrap(err, "deals show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

// -- deals create --

var dealsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a manual deal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		account, _ := cmd.Flags().GetString("account")
		opportunity, _ := cmd.Flags().GetString("opportunity")
		stage, _ := cmd.Flags().GetString("stage")
		amount, _ := cmd.Flags().GetFloat64("amount")
		closeDateRaw, _ := cmd.Flags().GetString("close-date")
		ownerName, _ := cmd.Flags().GetString("owner-name")
		ownerEmail, _ := cmd.Flags().GetString("owner-email")
		createInCRM, _ := cmd.Flags().GetBool("crm")

		if account == "" || opportunity == "" {
			return eris.New("deals create: --account and --opportunity are required")
		}

		closeDate := time.Now().UTC().AddDate(0, 1, 0)
		if closeDateRaw != "" {
			parsed, err := time.Parse("2006-01-02", closeDateRaw)
			if err != nil {
				return eris.Wrap(err, "deals create: parse close date")
			}
			closeDate = parsed
		}

		card, err := env.Aggregator.CreateDeal(ctx, viewer(), model.ManualDealDraft{
			AccountName:     account,
			OpportunityName: opportunity,
			Stage:           stage,
			Amount:          amount,
			CloseDate:       closeDate,
			OwnerName:       ownerName,
			OwnerEmail:      ownerEmail,
		}, createInCRM)
		if err != nil {
			return eris.Wrap(err, "deals create")
		}

		fmt.Printf("Created deal %s (%s / %s)\n", card.OpportunityID, card.AccountName, card.OpportunityName)
		return nil
	},
}

func init() {
	dealsListCmd.Flags().String("owner-email", "", "filter to one rep's book")
	dealsListCmd.Flags().Bool("with-signals", false, "fetch live provider signals per deal")

	dealsShowCmd.Flags().Bool("with-signals", false, "fetch live provider signals")

	dealsCreateCmd.Flags().String("account", "", "account name")
	dealsCreateCmd.Flags().String("opportunity", "", "opportunity name")
	dealsCreateCmd.Flags().String("stage", "Discovery", "deal stage")
	dealsCreateCmd.Flags().Float64("amount", 0, "deal amount")
	dealsCreateCmd.Flags().String("close-date", "", "close date (YYYY-MM-DD, default one month out)")
	dealsCreateCmd.Flags().String("owner-name", "", "owner display name")
	dealsCreateCmd.Flags().String("owner-email", "", "owner email")
	dealsCreateCmd.Flags().Bool("crm", false, "also create the opportunity in Salesforce")

	dealsCmd.AddCommand(dealsListCmd)
	dealsCmd.AddCommand(dealsShowCmd)
	dealsCmd.AddCommand(dealsCreateCmd)
	rootCmd.AddCommand(dealsCmd)
}

func formatDealList(w io.Writer, deals []model.DealCard) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEAL\tACCOUNT\tOPPORTUNITY\tSTAGE\tCLOSE\tTAS\tEVIDENCE\tRISK\tREVIEW")
	for _, d := range deals {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d/%d\t%s\t%d\n",
			d.OpportunityID,
			d.AccountName,
			d.OpportunityName,
			d.Stage,
			d.CloseDate.Format("2006-01-02"),
			d.TasProgress.Answered, d.TasProgress.Total,
			d.EvidenceCoverage.Backed, d.EvidenceCoverage.Total,
			d.Risk.Severity,
			d.NeedsReviewCount,
		)
	}
	tw.Flush()
}
