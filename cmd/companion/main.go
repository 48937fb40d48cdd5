// Companion is a personal assistant agent that plans tool calls for an
// utterance, answers in one of four personas and learns the user's
// habits to offer proactive suggestions.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	companion serve                    Start the API server and periodic jobs
//	companion ask <utterance>          Run a single turn and print the reply
//	companion check-daily --user <id>  Run the proactive daily check for a user
//	companion cleanup                  Purge actions older than the retention window
//	companion version                  Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/companion-agent/internal/buildinfo"
	"github.com/nugget/companion-agent/internal/config"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	output     string // "text" or "json"
	stdout     io.Writer
	stderr     io.Writer
}

// run is the real entry point. ctx controls the process lifetime,
// stdout receives command output and logs, stderr receives traces, and
// args are the arguments after the program name.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(&options{stdout: stdout, stderr: stderr})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag
// state out of package globals.
func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "companion",
		Short:         "Companion - persona-aware personal assistant agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newCheckDailyCmd(opts),
		newCleanupCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(opts.stdout, opts.output)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
