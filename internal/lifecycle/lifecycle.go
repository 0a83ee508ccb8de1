// Package lifecycle implements the process state machine spec.md §4.5/§4.6
// describes: init/reload/stop/shutdown-drain/post-drain, the fixed-size
// signal capture queue, and the tick driver that advances modules, the
// transport, and the router's waker heap.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthanhphan/atapp/internal/errs"
	"github.com/anthanhphan/atapp/internal/module"
	"github.com/anthanhphan/atapp/internal/obslog"
)

// State is the bitset spec.md §4.5 describes.
type State uint32

const (
	StateRunning State = 1 << iota
	StateStopping
	StateTimeout
	StateInCallback
	StateResetTimer
	StateInitialized
	StateStopped
	StateDisableAtbusFallback
)

func (s State) has(flag State) bool { return s&flag != 0 }

func (s State) String() string {
	names := []struct {
		flag State
		name string
	}{
		{StateRunning, "RUNNING"},
		{StateStopping, "STOPPING"},
		{StateTimeout, "TIMEOUT"},
		{StateInCallback, "IN_CALLBACK"},
		{StateResetTimer, "RESET_TIMER"},
		{StateInitialized, "INITIALIZED"},
		{StateStopped, "STOPPED"},
		{StateDisableAtbusFallback, "DISABLE_ATBUS_FALLBACK"},
	}
	out := ""
	for _, n := range names {
		if s.has(n.flag) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// MaxSignalCount bounds the pending-signal queue (spec.md §4.5).
const MaxSignalCount = 32

// MessageRouter is the subset of *router.Router the tick loop drives;
// declared here so lifecycle never imports router (router has no reason to
// import lifecycle either, but keeping the dependency one-directional and
// interface-shaped matches how this core treats every cross-package
// collaborator).
type MessageRouter interface {
	DrainWakers(now time.Time, loopTimes int)
	EndpointCount() int
	WakerCount() int
}

// Transport is the pluggable-transport advance hook step 3 of Tick calls;
// satisfied by the default atbus-style Connector.
type Transport interface {
	Advance() error
}

// backlogReporter is an optional capability a Transport may implement;
// maybeLogStatistics includes it in the periodic STATISTICS line when
// present. grpcbus.Connector implements it via its DispatchPool.
type backlogReporter interface {
	DispatchBacklog() int
}

// Config carries the §6 timer settings the tick loop and shutdown drain
// consume.
type Config struct {
	TickInterval time.Duration // default 16ms, 1ms minimum
	StopTimeout  time.Duration // default 30s
	LoopTimes    int           // retry() max_count passed to the router each tick
}

func (c Config) tickInterval() time.Duration {
	if c.TickInterval < time.Millisecond {
		return 16 * time.Millisecond
	}
	return c.TickInterval
}

func (c Config) stopTimeout() time.Duration {
	if c.StopTimeout <= 0 {
		return 30 * time.Second
	}
	return c.StopTimeout
}

type moduleEntry struct {
	mod     module.Module
	enabled bool
}

// Lifecycle owns the state bitset, the ordered module registry, the signal
// queue, and the tick driver.
type Lifecycle struct {
	state atomic.Uint32

	mu      sync.Mutex
	modules []*moduleEntry

	cfg Config

	router    MessageRouter
	transport Transport

	sigCh chan os.Signal

	tickInterval atomic.Int64

	stopDeadline   time.Time
	stopArmed      bool
	lastMinuteMark time.Time
}

// New creates a Lifecycle with no modules registered.
func New(cfg Config, router MessageRouter, transport Transport) *Lifecycle {
	lc := &Lifecycle{
		cfg:       cfg,
		router:    router,
		transport: transport,
		sigCh:     make(chan os.Signal, MaxSignalCount),
	}
	lc.tickInterval.Store(int64(cfg.tickInterval()))
	return lc
}

// TickInterval reports the interval the main loop should currently wait on
// between ticks. It starts at Config.TickInterval and moves only through
// SetTickInterval, so a reload that changes atapp.timer.tick_interval is
// observable here as soon as it's applied.
func (lc *Lifecycle) TickInterval() time.Duration {
	return time.Duration(lc.tickInterval.Load())
}

// SetTickInterval updates the interval TickInterval reports and returns
// whether it actually changed. The reload path calls this before Reload so
// the StateResetTimer flag Reload may set corresponds to a value the main
// loop can already observe.
func (lc *Lifecycle) SetTickInterval(d time.Duration) bool {
	if d < time.Millisecond {
		d = 16 * time.Millisecond
	}
	old := lc.tickInterval.Swap(int64(d))
	return old != int64(d)
}

func (lc *Lifecycle) State() State { return State(lc.state.Load()) }

func (lc *Lifecycle) setFlags(flags State)   { lc.state.Or(uint32(flags)) }
func (lc *Lifecycle) clearFlags(flags State) { lc.state.And(^uint32(flags)) }

// AddModule registers m; order of registration is the order Init, Tick,
// and Stop visit modules, and the reverse order Cleanup visits them.
func (lc *Lifecycle) AddModule(m module.Module) {
	lc.mu.Lock()
	lc.modules = append(lc.modules, &moduleEntry{mod: m, enabled: true})
	lc.mu.Unlock()
}

// WatchSignals wires SIGTERM (and, where the platform allows it, SIGSTOP)
// to Stop, and explicitly ignores SIGINT, SIGHUP, SIGPIPE, SIGTSTP,
// SIGTTIN, and SIGTTOU so Go's default disposition for them never fires.
func (lc *Lifecycle) WatchSignals() {
	signal.Ignore(syscall.SIGINT, syscall.SIGHUP, syscall.SIGPIPE, syscall.SIGTSTP, syscall.SIGTTIN, syscall.SIGTTOU)
	signal.Notify(lc.sigCh, syscall.SIGTERM, syscall.SIGSTOP)
}

// DrainSignals is called by the main loop between event-loop iterations; it
// non-blockingly drains the pending signal queue and triggers Stop for any
// stop-worthy signal found.
func (lc *Lifecycle) DrainSignals() {
	for {
		select {
		case <-lc.sigCh:
			lc.Stop()
		default:
			return
		}
	}
}

// Init runs Setup then Init on every registered module in order. On
// failure, already-initialized modules are cleaned up in reverse order and
// the first error is returned (spec.md §4.5).
func (lc *Lifecycle) Init() error {
	if lc.State().has(StateInitialized) {
		return errs.ErrAlreadyInited
	}

	lc.mu.Lock()
	entries := lc.modules
	lc.mu.Unlock()

	initialized := make([]*moduleEntry, 0, len(entries))
	for _, e := range entries {
		if err := e.mod.Setup(); err != nil {
			lc.rollback(initialized)
			return errs.Wrap(err, "module setup failed: "+e.mod.Name())
		}
		if err := e.mod.Init(); err != nil {
			lc.rollback(initialized)
			return errs.Wrap(err, "module init failed: "+e.mod.Name())
		}
		initialized = append(initialized, e)
	}

	for _, e := range initialized {
		if err := e.mod.Ready(); err != nil {
			obslog.Warnw("module ready hook failed", "module", e.mod.Name(), "error", err)
		}
	}

	lc.setFlags(StateInitialized | StateRunning)
	lc.clearFlags(StateStopped | StateStopping)
	return nil
}

func (lc *Lifecycle) rollback(initialized []*moduleEntry) {
	for i := len(initialized) - 1; i >= 0; i-- {
		if err := initialized[i].mod.Cleanup(); err != nil {
			obslog.Warnw("module cleanup failed during rollback", "module", initialized[i].mod.Name(), "error", err)
		}
	}
}

// Reload reparses configuration and asks every module to reload; it is
// idempotent. tickIntervalChanged requests a timer reset on the next main
// loop iteration instead of tearing down the active timer re-entrantly.
func (lc *Lifecycle) Reload(tickIntervalChanged bool) error {
	lc.mu.Lock()
	entries := lc.modules
	lc.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if !e.enabled {
			continue
		}
		if err := e.mod.Reload(); err != nil && firstErr == nil {
			firstErr = errs.Wrap(err, "module reload failed: "+e.mod.Name())
		}
	}

	if tickIntervalChanged {
		lc.setFlags(StateResetTimer)
	}
	return firstErr
}

// ConsumeResetTimer reports and clears StateResetTimer; the main loop calls
// this right before re-entering its timer setup.
func (lc *Lifecycle) ConsumeResetTimer() bool {
	if !lc.State().has(StateResetTimer) {
		return false
	}
	lc.clearFlags(StateResetTimer)
	return true
}

// Stop requests shutdown. A re-entrant call is benign.
func (lc *Lifecycle) Stop() {
	if lc.State().has(StateStopping) {
		obslog.Infow("stop requested while already stopping")
		return
	}
	obslog.Infow("stop requested")
	lc.setFlags(StateStopping)
}

// DrainShutdown runs one shutdown-drain pass (spec.md §4.5): Stop() on
// every enabled module, arming the stop-timeout on first entry, escalating
// to Timeout() once it elapses. Returns true once every module has disabled
// itself (drained).
func (lc *Lifecycle) DrainShutdown(now time.Time) bool {
	lc.mu.Lock()
	entries := lc.modules
	lc.mu.Unlock()

	lc.setFlags(StateStopped)

	if !lc.stopArmed {
		lc.stopDeadline = now.Add(lc.cfg.stopTimeout())
		lc.stopArmed = true
	}
	timedOut := !lc.State().has(StateTimeout) && now.After(lc.stopDeadline)
	if timedOut {
		lc.setFlags(StateTimeout)
	}

	anyEnabled := false
	for _, e := range entries {
		if !e.enabled {
			continue
		}
		if lc.State().has(StateTimeout) {
			if err := e.mod.Timeout(); err != nil {
				obslog.Warnw("module timeout hook failed", "module", e.mod.Name(), "error", err)
			}
			e.enabled = false
			continue
		}

		n, err := e.mod.Stop()
		if err != nil {
			obslog.Warnw("module stop failed", "module", e.mod.Name(), "error", err)
		}
		if n > 0 {
			anyEnabled = true
			lc.clearFlags(StateStopped)
			continue
		}
		e.enabled = false
	}

	return !anyEnabled
}

// PostDrain runs once DrainShutdown reports drained: Cleanup in reverse
// order, pidfile removal (delegated to removePidfile, which may be nil),
// and clears INITIALIZED/RUNNING.
func (lc *Lifecycle) PostDrain(removePidfile func()) {
	lc.mu.Lock()
	entries := lc.modules
	lc.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].mod.Cleanup(); err != nil {
			obslog.Warnw("module cleanup failed", "module", entries[i].mod.Name(), "error", err)
		}
	}

	if removePidfile != nil {
		removePidfile()
	}

	lc.clearFlags(StateInitialized | StateRunning)
}

// Tick runs one pass of spec.md §4.6's six steps and reports whether any
// module remains active (the caller loops again immediately if so and the
// tick interval hasn't elapsed, otherwise waits for the next timer fire).
func (lc *Lifecycle) Tick(now time.Time) (active int, err error) {
	lc.mu.Lock()
	entries := lc.modules
	lc.mu.Unlock()

	for _, e := range entries {
		if !e.enabled {
			continue
		}
		n, tickErr := e.mod.Tick()
		if tickErr != nil {
			obslog.Warnw("module tick failed", "module", e.mod.Name(), "error", tickErr)
			continue
		}
		if n > 0 {
			active++
		}
	}

	if lc.transport != nil {
		if tErr := lc.transport.Advance(); tErr != nil {
			err = errs.Wrap(tErr, "transport advance failed")
		}
	}

	if lc.router != nil {
		lc.router.DrainWakers(now, lc.cfg.LoopTimes)
	}

	lc.maybeLogStatistics(now)
	return active, err
}

// maybeLogStatistics emits the STATISTICS line once per minute boundary
// (spec.md §4.6 step 6).
func (lc *Lifecycle) maybeLogStatistics(now time.Time) {
	minuteMark := now.Truncate(time.Minute)
	if minuteMark.Equal(lc.lastMinuteMark) {
		return
	}
	lc.lastMinuteMark = minuteMark

	endpoints, wakers := 0, 0
	if lc.router != nil {
		endpoints = lc.router.EndpointCount()
		wakers = lc.router.WakerCount()
	}

	kv := []interface{}{"endpoints", endpoints, "wakers", wakers, "state", lc.State()}
	if reporter, ok := lc.transport.(backlogReporter); ok {
		kv = append(kv, "dispatch_backlog", reporter.DispatchBacklog())
	}
	obslog.Infow("STATISTICS", kv...)
}
