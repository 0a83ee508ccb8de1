package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anthanhphan/atapp/internal/adminserver"
	"github.com/anthanhphan/atapp/internal/config"
	"github.com/anthanhphan/atapp/internal/errs"
	"github.com/anthanhphan/atapp/internal/pidfile"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running instance to stop",
	RunE:  runStop,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running instance to reload its configuration",
	RunE:  runReload,
}

var runCmd = &cobra.Command{
	Use:   "run <words...>",
	Short: "Send an arbitrary command to a running instance",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runStop(cmd *cobra.Command, args []string) error {
	return dispatchToRunningInstance("stop", nil)
}

func runReload(cmd *cobra.Command, args []string) error {
	return dispatchToRunningInstance("reload", nil)
}

func runRun(cmd *cobra.Command, args []string) error {
	return dispatchToRunningInstance(args[0], args[1:])
}

// dispatchToRunningInstance resolves the admin address from the same
// config file the running instance was started with, then relays cmd
// through adminserver's handshake (spec.md §6: stop/reload/run "connect to
// a running instance over its preferred listen address").
func dispatchToRunningInstance(cmdName string, args []string) error {
	if flags.pidPath != "" {
		if _, running := pidfile.IsRunning(flags.pidPath); !running {
			return fmt.Errorf("no running instance found at pidfile %s", flags.pidPath)
		}
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return errs.Wrap(err, "load configuration")
	}
	if cfg.Admin.Listen == "" {
		return fmt.Errorf("no atapp.admin.listen configured in %s", flags.configPath)
	}

	lines, err := adminserver.SendCommand(cfg.Admin.Listen, cmdName, args, flags.upgrade)
	for _, line := range lines {
		fmt.Println(line)
	}
	if err != nil {
		return errs.Wrap(err, "command failed")
	}
	return nil
}
