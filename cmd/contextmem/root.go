package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oceanbase/contextmem-go/pkg/core"
)

const rootLongDesc string = `contextmem manages a context-aware memory store.

Texts are embedded once and kept in a namespaced record store. Every
retrieval is logged per record, and activation scores built from relevance,
recency and context frequency drive decay and cleanup passes.

Configuration comes from --config (.toml or .json) or, without it, from the
environment and the nearest .env file.

Examples:
  contextmem add "Paris is the capital of France"
  contextmem retrieve "capital of France" --top 3
  contextmem cleanup --threshold 0.05 --dry-run`

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dir        string
	namespace  string
	logLevel   string
	statePath  string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "contextmem",
		Short:         "Context-aware memory store",
		Long:          rootLongDesc,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (.toml or .json)")
	flags.StringVar(&opts.dir, "dir", "", "Working directory (overrides config)")
	flags.StringVarP(&opts.namespace, "namespace", "n", "", "Store namespace (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.statePath, "state", "", "Activation engine state file (default: <dir>/engine_state_<namespace>.json)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Output results as JSON")

	cmd.AddCommand(
		newAddCmd(opts),
		newRetrieveCmd(opts),
		newDecayCmd(opts),
		newCleanupCmd(opts),
		newResolveCmd(opts),
		newConflictsCmd(opts),
		newListCmd(opts),
		newConfigCmd(opts),
	)

	return cmd
}

// loadConfig reads the config file or the environment, then applies flag
// overrides.
func (o *rootOptions) loadConfig() (*core.Config, error) {
	var (
		config *core.Config
		err    error
	)
	if o.configPath != "" {
		config, err = core.LoadConfigFromFile(o.configPath)
	} else {
		config, err = core.LoadConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}

	if o.dir != "" {
		config.Store.Dir = o.dir
	}
	if o.namespace != "" {
		config.Store.Namespace = o.namespace
	}
	if o.logLevel != "" {
		config.LogLevel = o.logLevel
	}
	return config, nil
}

func (o *rootOptions) stateFile(config *core.Config) string {
	if o.statePath != "" {
		return o.statePath
	}
	return filepath.Join(config.Store.Dir, fmt.Sprintf("engine_state_%s.json", config.Store.Namespace))
}

// withClient opens a client, restores the engine state, runs fn, then
// saves the state and closes the client.
func (o *rootOptions) withClient(fn func(*core.Client) error) (err error) {
	config, err := o.loadConfig()
	if err != nil {
		return err
	}

	client, err := core.NewClient(config)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); err == nil {
			err = closeErr
		}
	}()

	statePath := o.stateFile(config)
	if err := client.LoadState(statePath); err != nil {
		return fmt.Errorf("loading engine state: %w", err)
	}

	if err := fn(client); err != nil {
		return err
	}
	return client.SaveState(statePath)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
