package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanbase/contextmem-go/pkg/core"
	"github.com/oceanbase/contextmem-go/pkg/intelligence"
)

// factEntry is one fact of a facts file with its optional source record.
type factEntry struct {
	Fact   intelligence.Fact `json:"fact"`
	HashID string            `json:"hash_id,omitempty"`
}

// factsFile is the input of the resolve command.
type factsFile struct {
	Existing []factEntry `json:"existing"`
	Incoming []factEntry `json:"incoming"`
}

func (f *factsFile) split() (existing, incoming []intelligence.Fact, ids *intelligence.FactIndex) {
	ids = intelligence.NewFactIndex()
	for _, e := range f.Existing {
		existing = append(existing, e.Fact)
		if e.HashID != "" {
			ids.Put(e.Fact, e.HashID)
		}
	}
	for _, e := range f.Incoming {
		incoming = append(incoming, e.Fact)
		if e.HashID != "" {
			ids.Put(e.Fact, e.HashID)
		}
	}
	return existing, incoming, ids
}

func readFactsFile(path string) (*factsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts file: %w", err)
	}
	var f factsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse facts file %s: %w", path, err)
	}
	return &f, nil
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var strategyName string

	cmd := &cobra.Command{
		Use:   "resolve <facts.json>",
		Short: "Detect and resolve conflicts between existing and incoming facts",
		Long: `Detect facts that share a subject and predicate but differ in object, and
resolve each conflict with one strategy: keep_new, keep_old, merge or
keep_frequent. Access counts for keep_frequent come from the store.

The facts file holds two lists of {"fact": [subject, predicate, object],
"hash_id": "<record id>"} entries named "existing" and "incoming".

Examples:
  contextmem resolve facts.json
  contextmem resolve facts.json --strategy keep_frequent --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy := intelligence.StrategyDefault
			if strategyName != "" {
				var err error
				if strategy, err = intelligence.ParseStrategy(strategyName); err != nil {
					return err
				}
			}

			facts, err := readFactsFile(args[0])
			if err != nil {
				return err
			}
			existing, incoming, ids := facts.split()

			return opts.withClient(func(client *core.Client) error {
				resolution, err := client.ResolveFacts(existing, incoming, ids, strategy)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), resolution)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d conflicts detected\n", len(resolution.Conflicts))
				if resolution.Result == nil {
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "OLD\tNEW\tSTRATEGY\tRESULT")
				for _, r := range resolution.Result.Records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.OldFact, r.NewFact, r.Strategy, r.Result)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				for _, id := range resolution.Result.FactsToDelete {
					fmt.Fprintf(out, "delete %s\n", id)
				}
				for _, m := range resolution.Result.FactsToMerge {
					fmt.Fprintf(out, "merge %s + %s -> %s\n", m.OldHashID, m.NewHashID, m.MergedValue)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&strategyName, "strategy", "s", "", "Resolution strategy (default: configured default)")
	return cmd
}

func newConflictsCmd(opts *rootOptions) *cobra.Command {
	var showHistory bool

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Summarize the conflict audit log",
		Long: `Summarize the conflict audit log configured with conflict.audit_log_path
(or CONFLICT_AUDIT_LOG).

Examples:
  contextmem conflicts
  contextmem conflicts --history --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(func(client *core.Client) error {
				resolver := client.Resolver()
				summary := resolver.Summary()
				if opts.jsonOutput {
					if showHistory {
						return writeJSON(cmd.OutOrStdout(), resolver.History())
					}
					return writeJSON(cmd.OutOrStdout(), summary)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "total conflicts: %d\n", summary.TotalConflicts)
				for name, n := range summary.StrategiesUsed {
					fmt.Fprintf(out, "  %s: %d\n", name, n)
				}
				if summary.LatestConflict != nil {
					fmt.Fprintf(out, "latest: %s\n", summary.LatestConflict.Format(time.RFC3339))
				}
				if showHistory {
					for _, r := range resolver.History() {
						fmt.Fprintf(out, "%s %s -> %s [%s] %s\n", r.ID, r.OldFact, r.NewFact, r.Strategy, r.Notes)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showHistory, "history", false, "Also list every recorded resolution")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default TOML config",
		Long: `Write the default configuration as TOML, to contextmem.toml unless a path
is given. An existing file is not overwritten.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "contextmem.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}

			config := core.DefaultConfig()
			config.Embedder.Provider = "openai"
			config.Store.AccessLog.Provider = "json"
			if err := config.WriteTOML(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", filepath.Clean(path))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := opts.loadConfig()
			if err != nil {
				return err
			}
			redacted := *config
			if redacted.Embedder.APIKey != "" {
				redacted.Embedder.APIKey = "***"
			}
			return writeJSON(cmd.OutOrStdout(), redacted)
		},
	})

	return cmd
}
