package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oceanbase/contextmem-go/pkg/core"
)

func newDecayCmd(opts *rootOptions) *cobra.Command {
	var ratio float64

	cmd := &cobra.Command{
		Use:   "decay [query]",
		Short: "Forget low-activation records beyond a retention ratio",
		Long: `Rank every record by activation for the query and delete those outside
the retained share whose activation fell below the retain cutoff. Records
never accessed are always kept. Without a query, semantic relevance is 0.

Examples:
  contextmem decay "travel plans" --ratio 0.8`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(client *core.Client) error {
				result, err := client.Decay(cmd.Context(), firstArg(args), ratio)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "forgot %d of %d records\n", len(result.Forgotten), result.Total)
				for _, id := range result.Forgotten {
					fmt.Fprintln(out, id)
				}
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&ratio, "ratio", 0.8, "Share of records to retain, in [0, 1]")
	return cmd
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var (
		threshold float64
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup [query]",
		Short: "Delete records whose activation is below a threshold",
		Long: `Score every record for the query and delete those whose total activation
is below the threshold. Use --dry-run to preview the plan.

Examples:
  contextmem cleanup --threshold 0.1 --dry-run
  contextmem cleanup "project deadlines" --threshold 0.05`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(client *core.Client) error {
				result, err := client.Cleanup(cmd.Context(), firstArg(args), threshold, dryRun)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), result)
				}

				out := cmd.OutOrStdout()
				verb := "deleted"
				if result.DryRun {
					verb = "would delete"
				}
				fmt.Fprintf(out, "plan %s: %s %d of %d records below %.3f\n",
					result.Plan.ID, verb, len(result.Plan.Candidates), result.Plan.Total, threshold)

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tACTIVATION\tRELEVANCE\tRECENCY\tFREQUENCY")
				for _, s := range result.Plan.Candidates {
					fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%.4f\n",
						s.HashID, s.TotalActivation, s.SemanticRelevance, s.RecencyBonus, s.ContextFrequency)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0.1, "Activation below which records are deleted, in [0, 1]")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the plan without deleting")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
