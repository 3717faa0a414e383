package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/dealdesk/internal/model"
)

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "Probe signal provider connectivity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		probes := []struct {
			name  string
			probe model.ProbeResult
		}{
			{"gmail", env.Gmail.Probe(ctx)},
			{"slack", env.Slack.Probe(ctx)},
			{"gong", env.Gong.Probe(ctx)},
			{"gtm_agent", env.GTM.Probe(ctx)},
		}
		if env.SF != nil {
			probes = append(probes, struct {
				name  string
				probe model.ProbeResult
			}{"salesforce", probeSalesforce(ctx, env)})
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CONNECTOR\tCONNECTED\tMODE\tMESSAGE")
		for _, p := range probes {
			fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", p.name, p.probe.Connected, p.probe.Mode, p.probe.Message)
		}
		tw.Flush()
		return nil
	},
}

func probeSalesforce(ctx context.Context, env *appEnv) model.ProbeResult {
	var out []struct{}
	if err := env.SF.Query(ctx, "SELECT Id FROM Opportunity LIMIT 1", &out); err != nil {
		return model.ProbeResult{Connected: false, Mode: "jwt", Message: err.Error()}
	}
	return model.ProbeResult{Connected: true, Mode: "jwt"}
}

func init() {
	rootCmd.AddCommand(connectorsCmd)
}
