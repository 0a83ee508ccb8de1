// Package module defines the plugin contract spec.md §1/§9 surfaces to
// domain extensions: a fixed set of lifecycle hooks the core calls in a
// fixed order, never the other way around.
package module

// Module is the contract every domain extension registers against. The
// core calls these hooks; a Module never calls back into the core's
// private state directly (it goes through whatever collaborator — Router,
// discovery.Set — it was constructed with).
type Module interface {
	// Name identifies the module in logs and STATISTICS lines.
	Name() string

	// Setup runs once, before Init, with no dependency on other modules
	// having run yet (registration-time wiring only).
	Setup() error

	// Init runs once, in configured order, right after this module's own
	// Setup has succeeded; Setup and Init are interleaved per module, so
	// modules registered later have not run Setup yet. A non-nil error
	// aborts startup; already-initialized modules are cleaned up in reverse
	// order.
	Init() error

	// Ready runs once, after every module's Init has succeeded.
	Ready() error

	// Reload re-applies configuration without a full restart. Idempotent.
	Reload() error

	// Tick runs once per event-loop pass while the module is enabled.
	// A positive return counts this module as "active" (driving re-tick
	// within the same pass); zero or negative means idle this pass.
	Tick() (int, error)

	// Stop is called once STOPPING is set, once per shutdown-drain pass,
	// until the module disables itself. A positive return means "still
	// draining, keep me enabled and call me again"; zero or negative
	// disables the module.
	Stop() (int, error)

	// Timeout is called instead of further Stop passes once the
	// stop-timeout elapses without the module having disabled itself.
	Timeout() error

	// Cleanup runs once, in reverse configured order, during post-drain.
	Cleanup() error
}
