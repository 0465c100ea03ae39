package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oceanbase/contextmem-go/pkg/core"
)

func newAddCmd(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "add [text...]",
		Short: "Add texts to the store",
		Long: `Add texts to the store. Texts already present are reported and not
re-embedded.

Examples:
  contextmem add "Paris is the capital of France" "Berlin is in Germany"
  contextmem add --file notes.txt
  cat notes.txt | contextmem add --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			texts := append([]string{}, args...)
			if file != "" {
				lines, err := readLines(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				texts = append(texts, lines...)
			}
			if len(texts) == 0 {
				return fmt.Errorf("no texts given")
			}

			return opts.withClient(func(client *core.Client) error {
				result, err := client.Add(cmd.Context(), texts...)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "inserted %d, already present %d\n", result.Inserted, result.Existing)
				for _, id := range result.IDs {
					fmt.Fprintln(out, id)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read one text per line from a file (- for stdin)")
	return cmd
}

// readLines returns the non-blank lines of path, or of stdin for "-".
func readLines(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

func newRetrieveCmd(opts *rootOptions) *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Retrieve the records most similar to a query",
		Long: `Retrieve the records most similar to a query. Every returned record gets
an access event and the query joins the context window.

Examples:
  contextmem retrieve "capital of France"
  contextmem retrieve "capital of France" --top 10 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(client *core.Client) error {
				results, err := client.Retrieve(cmd.Context(), args[0], topK)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), results)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RANK\tSCORE\tID\tCONTENT")
				for _, r := range results {
					fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", r.Rank+1, r.Score, r.HashID, truncate(r.Content, 60))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&topK, "top", "k", 5, "Number of results to return")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored records with their access counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(func(client *core.Client) error {
				store := client.Store()
				type row struct {
					HashID   string `json:"hash_id"`
					Accesses int    `json:"accesses"`
					Content  string `json:"content"`
				}
				records := store.Records()
				rows := make([]row, 0, len(records))
				for _, r := range records {
					rows = append(rows, row{HashID: r.HashID, Accesses: store.AccessCount(r.HashID), Content: r.Content})
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), rows)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tACCESSES\tCONTENT")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%d\t%s\n", r.HashID, r.Accesses, truncate(r.Content, 60))
				}
				return w.Flush()
			})
		},
	}
}
