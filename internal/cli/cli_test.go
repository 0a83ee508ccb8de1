package cli

import (
	"testing"

	"github.com/anthanhphan/atapp/internal/config"
)

func resetFlags() {
	flags = globalFlags{}
}

func TestApplyGlobalFlags_IDOverridesConfig(t *testing.T) {
	defer resetFlags()
	flags.id = "1.2.3.4"
	flags.idMask = "8.8.8.8"

	cfg := config.DefaultConfig()
	cfg.App.ID = 999

	if err := applyGlobalFlags(cfg); err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	want := uint64(1)<<24 | uint64(2)<<16 | uint64(3)<<8 | uint64(4)
	if cfg.App.ID != want {
		t.Fatalf("expected App.ID=%d, got %d", want, cfg.App.ID)
	}
}

func TestApplyGlobalFlags_NoIDFlagLeavesConfigUntouched(t *testing.T) {
	defer resetFlags()
	cfg := config.DefaultConfig()
	cfg.App.ID = 42

	if err := applyGlobalFlags(cfg); err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	if cfg.App.ID != 42 {
		t.Fatalf("expected App.ID to stay 42, got %d", cfg.App.ID)
	}
}

func TestApplyGlobalFlags_UpgradeSuppressesPidfileRemoval(t *testing.T) {
	defer resetFlags()
	flags.upgrade = true

	cfg := config.DefaultConfig()
	cfg.RemovePidfileAfterExit = true

	if err := applyGlobalFlags(cfg); err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	if cfg.RemovePidfileAfterExit {
		t.Fatal("expected --upgrade to suppress RemovePidfileAfterExit")
	}
}

func TestApplyGlobalFlags_RejectsBadMask(t *testing.T) {
	defer resetFlags()
	flags.id = "1.2.3"
	flags.idMask = "8.8.8.8"

	cfg := config.DefaultConfig()
	if err := applyGlobalFlags(cfg); err == nil {
		t.Fatal("expected error for mismatched id/mask segment counts")
	}
}

func TestRootCommand_RegistersEveryCommand(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "reload", "run", "info"} {
		if !names[want] {
			t.Fatalf("expected rootCmd to register a %q command", want)
		}
	}
}

func TestInstanceCommandHandler_UnrecognizedCommandErrors(t *testing.T) {
	retain := false
	h := &instanceCommandHandler{lc: nil, retainPidfile: &retain}
	if _, err := h.HandleCommand("frobnicate", nil, false); err == nil {
		t.Fatal("expected an error for an unrecognized command")
	}
}
