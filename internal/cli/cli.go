// Package cli is the cobra-based command surface spec.md §6 describes:
// start, stop[--upgrade], reload[--upgrade], run <words...>, and info,
// plus the global identity/config/pidfile flags every command shares.
// Grounded on the cobra root-command/flag/Execute shape used elsewhere in
// the retrieval pack (a dedicated cmd/root.go wiring persistent flags and
// child commands, Execute() printing to stderr and exiting 1 on failure).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time in a real release; fixed here since
// this exercise never runs a build pipeline.
const Version = "0.1.0"

// globalFlags mirrors spec.md §6's global-flag set, shared by every
// subcommand through rootCmd's PersistentFlags.
type globalFlags struct {
	id         string
	idMask     string
	configPath string
	pidPath    string
	upgrade    bool
	startupLog string
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "atapp",
	Short: "atapp message-routing node",
	Long: `atapp runs one node of a message-routing cluster: a tick-driven
lifecycle, a pluggable Connector transport, and a Router that forwards
messages by id, name, discovery lookup, consistent hash, random, or
round robin.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.id, "id", "", "node id (overrides atapp.id from config); dotted when paired with --id-mask")
	rootCmd.PersistentFlags().StringVar(&flags.idMask, "id-mask", "", "dotted id mask, e.g. 8.8.8.8")
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "configuration file (YAML or INI)")
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "conf", "", "alias for --config")
	rootCmd.PersistentFlags().StringVarP(&flags.pidPath, "pid", "p", "", "pidfile path")
	rootCmd.PersistentFlags().BoolVar(&flags.upgrade, "upgrade", false, "mark stop/reload as an upgrade (retain pidfile)")
	rootCmd.PersistentFlags().StringVar(&flags.startupLog, "startup-log", "stdout", "where to write startup diagnostics: a file path, stdout, or stderr")

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println("atapp " + Version)
			os.Exit(0)
		}
		return nil
	}

	rootCmd.AddCommand(startCmd, stopCmd, reloadCmd, runCmd, infoCmd)
}

// Execute runs the selected command and exits 1 on failure, matching the
// pack's cobra root-command convention.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startupLogWriter() (*os.File, func(), error) {
	switch flags.startupLog {
	case "", "stdout":
		return os.Stdout, func() {}, nil
	case "stderr":
		return os.Stderr, func() {}, nil
	default:
		f, err := os.OpenFile(flags.startupLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
}
