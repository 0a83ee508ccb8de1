package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anthanhphan/atapp/internal/config"
	"github.com/anthanhphan/atapp/internal/errs"
	"github.com/anthanhphan/atapp/internal/pidfile"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print resolved configuration and running-instance status",
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return errs.Wrap(err, "load configuration")
	}
	if err := applyGlobalFlags(cfg); err != nil {
		return err
	}

	fmt.Printf("atapp %s\n", Version)
	fmt.Printf("id:            %d\n", cfg.App.ID)
	fmt.Printf("name:          %s\n", cfg.App.Name)
	fmt.Printf("listen:        %v\n", cfg.Bus.Listen)
	fmt.Printf("admin listen:  %s\n", cfg.Admin.Listen)
	fmt.Printf("tick interval: %s\n", cfg.Timer.TickInterval)
	fmt.Printf("stop timeout:  %s\n", cfg.Timer.StopTimeout)

	if flags.pidPath != "" {
		if pid, running := pidfile.IsRunning(flags.pidPath); running {
			fmt.Printf("instance:      running (pid %d)\n", pid)
		} else {
			fmt.Printf("instance:      not running\n")
		}
	}
	return nil
}
