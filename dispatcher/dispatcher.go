// Package dispatcher implements the execution dispatcher (spec.md §4.1):
// the single-threaded `loopstep` hot loop that picks a backend, drains the
// signal router, services in-core-retryable HLT trampolines, and routes
// everything else through the fault router and interrupt dispatch table.
//
// Grounded in the teacher's vmm.VMM: Init/Setup/Boot orchestrates one
// machine.Machine the same way CoreState orchestrates one backend.Backend,
// generalized from "always create and boot a KVM guest" to "activate
// whichever of four backends Config names" and from a multi-vCPU Linux
// guest's wg.Wait() fan-out to the single vCPU a DOS session always has.
package dispatcher

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/dosemu-go/coredos/backend"
	"github.com/dosemu-go/coredos/backend/interp"
	"github.com/dosemu-go/coredos/backend/jit"
	"github.com/dosemu-go/coredos/backend/kvmbackend"
	"github.com/dosemu-go/coredos/backend/v86"
	"github.com/dosemu-go/coredos/coopth"
	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/devio"
	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/fault"
	"github.com/dosemu-go/coredos/hlt"
	"github.com/dosemu-go/coredos/hwsignal"
	"github.com/dosemu-go/coredos/intr"
	"github.com/dosemu-go/coredos/memlayout"
	"github.com/dosemu-go/coredos/term"
)

// BackendKind names which of the four execution backends a Config
// activates. Switching backends mid-run is not supported (spec.md §9).
type BackendKind int

const (
	// BackendAuto probes the host and picks the best available backend:
	// KVM if /dev/kvm is usable, else V86 on a 386 kernel, else the
	// portable interpreter.
	BackendAuto BackendKind = iota
	BackendV86
	BackendKVM
	BackendInterp
	BackendJIT
)

func (k BackendKind) String() string {
	switch k {
	case BackendV86:
		return "v86"
	case BackendKVM:
		return "kvm"
	case BackendInterp:
		return "interp"
	case BackendJIT:
		return "jit"
	default:
		return "auto"
	}
}

// defaultCoopthPoolSize sizes the fixed coopth thread table (spec.md §3:
// "threads share a fixed-size array; reuse after finished"). There is no
// spec-mandated number; this is sized generously for the handful of DOS
// service threads (keyboard, mouse, redirector callbacks) a session
// typically runs concurrently.
const defaultCoopthPoolSize = 64

// Config is the code-constructed equivalent of the teacher's
// flag.BootArgs/vmm.Config, without a flag-parsing front end (spec.md §1,
// §6 scope host CLI parsing out; SPEC_FULL.md §4.14).
type Config struct {
	// NumCPUs must be 1: DOS is a single-tasking, single-vCPU guest, unlike
	// the teacher's multi-vCPU Linux guests. Kept as a field (rather than
	// removed) for parity with the teacher's NCPUs, and validated in New.
	NumCPUs int

	// LowMemKiB/XMSKiB size conventional and extended memory (spec.md §6);
	// zero LowMemKiB defaults to 640.
	LowMemKiB int
	XMSKiB    int

	Backend BackendKind

	Logger *log.Logger
}

var errUnsupportedCPUCount = errors.New("dispatcher: DOS sessions support exactly one vCPU")

// CoreState owns every component a running DOS session needs: the active
// backend, guest address space, signal router, fault router, interrupt
// table, coopth pool, HLT trampoline block, and port-I/O bus.
type CoreState struct {
	cfg Config
	log *log.Logger

	Space  *dosaddr.Space
	Layout *memlayout.Table

	Backend backend.Backend
	CPU     coreregs.CPUState

	Signals *hwsignal.Router
	Faults  *fault.Router
	Intr    *intr.Table
	Coopth  *coopth.Pool
	HLT     *hlt.Block
	IO      *devio.Bus

	ivtRead func(vector int) (seg, off uint16)

	frozen      bool
	coopthSlept bool

	kbdMu  sync.Mutex
	kbdBuf []byte

	// KeyboardInput, when set, is handed the bytes the background
	// terminal reader accumulated each time it raises the internal
	// notifier signal (spec.md §4.16); nil means input is discarded,
	// since wiring it to an actual DOS keyboard IRQ is the serial/console
	// emulator's job, an external collaborator (spec.md §1).
	KeyboardInput func([]byte)

	// MMIOHandler services a ReasonMMIO yield; nil escalates it as an
	// emulation gap (see handleMMIO).
	MMIOHandler func(backend.Yield) error

	// OnPeriodicTick and OnIOSignal are optional hooks an embedder wires
	// up for PIT-tick-driven and SIGIO-driven device work; both may be
	// nil.
	OnPeriodicTick func()
	OnIOSignal     func()

	// HardwareTick is an optional hook for device-timer work beyond the
	// JIT dirty-page check hardwareRun always performs.
	HardwareTick func()
}

// New builds a CoreState: it allocates the guest address space, installs
// the fixed memory layout, and activates cfg.Backend, but does not yet
// call Backend.Setup (that's New's caller's job via CoreState.Setup, the
// same Init/Setup split vmm.VMM uses).
func New(cfg Config) (*CoreState, error) {
	if cfg.NumCPUs == 0 {
		cfg.NumCPUs = 1
	}

	if cfg.NumCPUs != 1 {
		return nil, fmt.Errorf("%w: got %d", errUnsupportedCPUCount, cfg.NumCPUs)
	}

	if cfg.LowMemKiB == 0 {
		cfg.LowMemKiB = 640
	}

	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	sp := dosaddr.New(32)
	layout := memlayout.New(cfg.LowMemKiB, cfg.XMSKiB)

	if err := layout.Install(sp); err != nil {
		return nil, fmt.Errorf("dispatcher: install memory layout: %w", err)
	}

	be, err := selectBackend(cfg.Backend, sp)
	if err != nil {
		return nil, err
	}

	ivtRead := func(vector int) (seg, off uint16) {
		off, _ = dosaddr.ReadWord(sp, dosaddr.Addr(vector*4))
		seg, _ = dosaddr.ReadWord(sp, dosaddr.Addr(vector*4+2))

		return seg, off
	}
	ivtWrite := func(vector int, seg, off uint16) {
		_ = dosaddr.WriteWord(sp, dosaddr.Addr(vector*4), off)
		_ = dosaddr.WriteWord(sp, dosaddr.Addr(vector*4+2), seg)
	}

	c := &CoreState{
		cfg:     cfg,
		log:     cfg.Logger,
		Space:   sp,
		Layout:  layout,
		Backend: be,
		Signals: hwsignal.New(syscall.SIGALRM, syscall.SIGIO, syscall.SIGCHLD),
		Faults:  fault.New(cfg.Logger.Printf),
		Intr:    intr.NewTable(ivtRead, ivtWrite),
		Coopth:  coopth.NewPool(defaultCoopthPoolSize),
		HLT:     hlt.NewBlock(layout.HLTBase, memlayout.HLTBlockSize),
		IO:      devio.NewBus(),
		ivtRead: ivtRead,
	}

	if err := c.IO.Register(&devio.PostCode{}); err != nil {
		return nil, fmt.Errorf("dispatcher: register postcode device: %w", err)
	}

	return c, nil
}

func probeDevKVM() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return false
	}

	f.Close()

	return true
}

func selectBackend(kind BackendKind, sp *dosaddr.Space) (backend.Backend, error) {
	switch kind {
	case BackendKVM:
		return kvmbackend.New(sp), nil
	case BackendV86:
		return v86.New(), nil
	case BackendInterp:
		return interp.New(sp), nil
	case BackendJIT:
		return jit.New(sp), nil
	default:
		if probeDevKVM() {
			return kvmbackend.New(sp), nil
		}

		if runtime.GOARCH == "386" {
			return v86.New(), nil
		}

		return interp.New(sp), nil
	}
}

// CreateThread registers a coopth thread and wires its Sleep hook so
// runVM86 can tell the bounded HLT-servicing loop to exit immediately
// when this thread parks, per spec.md §4.1's "exits the inner loop when
// ... a cooperative thread asks to sleep".
func (c *CoreState) CreateThread(name string, entry coopth.Entry, hooks coopth.Hooks) (coopth.TID, error) {
	userSleep := hooks.Sleep
	hooks.Sleep = func(tid coopth.TID) {
		c.coopthSlept = true

		if userSleep != nil {
			userSleep(tid)
		}
	}

	return c.Coopth.Create(name, entry, hooks)
}

// Setup activates the backend and, for the interpreter backend, wires its
// signal-pending check and port-I/O hook to this CoreState's router and
// bus (the interpreter has no host hardware to synchronize with, unlike
// V86/KVM, so it needs these passed in directly rather than discovered
// from an exit reason).
func (c *CoreState) Setup() error {
	if err := c.Backend.Setup(); err != nil {
		return err
	}

	ib, ok := c.Backend.(*interp.Backend)
	if jb, isJIT := c.Backend.(*jit.Backend); isJIT {
		ib, ok = jb.Interp(), true
	}

	if ok {
		ib.Signal = c.Signals.Pending
		ib.IO = func(port uint16, write bool, width int, val uint32) uint32 {
			if write {
				_ = c.IO.Out(uint64(port), width, val)

				return 0
			}

			v, _ := c.IO.In(uint64(port), width)

			return v
		}
	}

	return c.Backend.WriteState(&c.CPU)
}

// Shutdown stops the background signal goroutine and releases the
// backend's host resources.
func (c *CoreState) Shutdown() error {
	c.Signals.Close()

	return c.Backend.Shutdown()
}

// Freeze and Thaw implement the `frozen` flag `loopstep` checks: a frozen
// core stops entering the backend but keeps draining signals and hardware
// timers, the same "paused but still ticking" state the teacher's debugger
// attach path needs (machine.go's single-step toggle is the nearest
// analogue, generalized from "step one instruction" to "stop entirely
// until thawed").
func (c *CoreState) Freeze() { c.frozen = true }
func (c *CoreState) Thaw()   { c.frozen = false }

const frozenSleepInterval = 10 * time.Millisecond

// Loopstep runs one iteration of spec.md §4.1's algorithm.
func (c *CoreState) Loopstep() error {
	if !c.frozen && !c.Signals.Pending() {
		if err := c.runBackendBounded(); err != nil {
			return err
		}
	}

	if c.frozen {
		time.Sleep(frozenSleepInterval)
	}

	c.doPeriodicStuff()
	c.hardwareRun()

	return nil
}

// Run drives Loopstep until it returns an error (ordinarily a
// *fault.FatalError from an unrecoverable condition, the Go equivalent of
// `leavedos` unwinding all the way out).
func (c *CoreState) Run() error {
	for {
		if err := c.Loopstep(); err != nil {
			var fe *fault.FatalError
			if errors.As(err, &fe) {
				c.log.Printf("dispatcher: fatal: %v", fe)
			}

			return err
		}
	}
}

// runBackendBounded picks run_dpmi vs run_vm86 based on whether the CPU
// context is currently inside a V86-mode task (spec.md: "if
// in_protected_mode(): run_dpmi() else: run_vm86()").
func (c *CoreState) runBackendBounded() error {
	if c.CPU.VMFlag {
		return c.runVM86()
	}

	return c.runDPMI()
}

// runDPMI advances the backend exactly one yield and routes it: no inner
// retry loop, since in protected mode a yield is never one of the three
// in-core-serviceable HLT trampoline cases run_vm86 retries on.
func (c *CoreState) runDPMI() error {
	if err := c.Backend.WriteState(&c.CPU); err != nil {
		return err
	}

	y, err := c.Backend.RunUntilYield()
	if err != nil {
		return err
	}

	if err := c.Backend.ReadState(&c.CPU); err != nil {
		return err
	}

	return c.handleYield(y)
}

// maxVM86Retries bounds run_vm86's inner loop: a backend that never stops
// yielding in-core-serviceable events (a guest spinning on a port-I/O HLT
// trampoline, say) must not wedge the dispatcher forever.
const maxVM86Retries = 10000

var errTooManyVM86Retries = errors.New("dispatcher: run_vm86 exceeded its retry bound")

// runVM86 implements run_vm86's bounded retry loop (spec.md §4.1): it
// keeps re-entering the backend as long as each yield is serviceable
// entirely within the core (a registered HLT trampoline whose handler
// didn't park a coopth thread, or a JIT self-modifying-code page fault —
// the latter deferred to backend/jit), and exits the moment a mode switch
// to DPMI occurs mid-fault, an unserviceable event arrives, or a
// cooperative thread asks to sleep.
func (c *CoreState) runVM86() error {
	for i := 0; i < maxVM86Retries; i++ {
		if err := c.Backend.WriteState(&c.CPU); err != nil {
			return err
		}

		y, err := c.Backend.RunUntilYield()
		if err != nil {
			return err
		}

		if err := c.Backend.ReadState(&c.CPU); err != nil {
			return err
		}

		serviced, err := c.serviceInCore(y)
		if err != nil {
			return err
		}

		if serviced {
			if !c.CPU.VMFlag {
				// The handler switched the guest into protected mode
				// mid-fault: the target backend changes, so the outer
				// dispatcher must re-enter through runBackendBounded.
				return nil
			}

			continue
		}

		return c.handleYield(y)
	}

	return fault.Fatal(fault.KindEmulationGap, 4, errTooManyVM86Retries)
}

// serviceInCore handles the two yield shapes run_vm86 is allowed to retry
// without unwinding to the outer dispatcher: a HLT inside the registered
// trampoline block, and a JIT self-modifying-code page fault (a no-op
// today since backend/jit doesn't exist yet — the hook point is named so
// wiring it in later is a one-line change). It reports false for anything
// else, including a trampoline handler that parked a coopth thread.
func (c *CoreState) serviceInCore(y backend.Yield) (bool, error) {
	switch y.Reason {
	case backend.ReasonHLT:
		// HLT is a single byte; every backend reports EIP already
		// advanced past it (real hardware's HLT retires EIP immediately
		// and simply stops fetching until an interrupt wakes it), so the
		// trampoline address is one byte back.
		addr := dosaddr.Addr(c.CPU.CS.Base+c.CPU.EIP) - 1
		if !c.HLT.Contains(addr) {
			return false, nil
		}

		c.coopthSlept = false

		if err := c.HLT.Dispatch(int(addr - c.HLT.Base)); err != nil {
			return false, err
		}

		return !c.coopthSlept, nil

	case backend.ReasonFault:
		if y.Trap == fault.TrapPageFault && c.jitPageIsCodeProtected(c.CPU.CR2) {
			c.invalidateJITPage(c.CPU.CR2)

			return true, nil
		}

		return false, nil

	default:
		return false, nil
	}
}

// jitPageIsCodeProtected and invalidateJITPage are the hook points
// spec.md §4.6's "0x0E (#PF) in JIT host code" row describes: a guest
// write into a host-mprotect'd translated-code page raising a page
// fault the core must service in-core (unprotect, invalidate, resume)
// rather than route through the fault router. backend/jit deliberately
// never mprotects guest pages — it detects the same writes through
// dosaddr's dirty-page bitmap instead (see jit.Backend.
// InvalidateDirtyJITPages, polled from hardwareRun) — so no backend
// this core ships ever raises that kind of fault, and this always
// reports false.
func (c *CoreState) jitPageIsCodeProtected(addr uint32) bool { return false }
func (c *CoreState) invalidateJITPage(addr uint32)           {}

// handleYield routes a yield run_vm86 couldn't service in-core, or the
// single yield run_dpmi produced, to the appropriate component.
func (c *CoreState) handleYield(y backend.Yield) error {
	switch y.Reason {
	case backend.ReasonHLT:
		// HLT outside any registered trampoline: the guest is genuinely
		// idle, waiting for the next hardware interrupt. Nothing to do;
		// the next Loopstep will re-enter the backend, which resumes
		// immediately once an interrupt is pending.
		return nil

	case backend.ReasonFault:
		return c.handleFault(y)

	case backend.ReasonSoftInt:
		c.redirectToGuestVector(y.SoftIntVector)

		return nil

	case backend.ReasonSignal:
		// An async signal cut the backend's run short before it reached
		// a natural yield point; doPeriodicStuff below will drain it.
		return nil

	case backend.ReasonIOWindow:
		return c.handleIOWindow()

	case backend.ReasonMMIO:
		return c.handleMMIO(y)

	default:
		return fmt.Errorf("dispatcher: unhandled yield reason %d", y.Reason)
	}
}

const cr0AMBit = 1 << 18 // CR0.AM

// handleFault builds the backend-neutral fault context and dispatches it
// through the fault router. Only reached for ReasonFault — a genuine
// CPU-raised exception — never for a guest INT instruction, which
// backends report as ReasonSoftInt instead and which handleYield routes
// straight to redirectToGuestVector without consulting the fault router
// (its exception-precedence table has no entry for an arbitrary software
// interrupt vector).
func (c *CoreState) handleFault(y backend.Yield) error {
	c.CPU.ErrorCode = y.ErrorCode

	cx := &fault.Context{
		CPU:                   &c.CPU,
		Trap:                  y.Trap,
		ErrorCode:             y.ErrorCode,
		InV86:                 c.CPU.VMFlag,
		RedirectToGuestVector: c.redirectToGuestVector,
	}

	disp, err := c.Faults.Dispatch(cx)
	if err != nil {
		return err
	}

	switch disp {
	case fault.DispositionResume, fault.DispositionRedirected:
		return nil
	default:
		return fmt.Errorf("dispatcher: fault router returned unexpected disposition %d", disp)
	}
}

// redirectToGuestVector implements the software-trap branch of spec.md
// §4.6's precedence table by funneling through intr.Table.DoInt, the same
// do_int algorithm hardware IRQs and guest INT instructions both use.
func (c *CoreState) redirectToGuestVector(trap int) bool {
	acSet := c.CPU.CR0&cr0AMBit != 0

	readByte := func(seg, off uint16) byte {
		v, _ := dosaddr.ReadByte(c.Space, dosaddr.Addr(uint32(seg)<<4+uint32(off)))

		return v
	}

	pushWord := c.CPU.PushWord(func(addr uint32, v uint16) {
		_ = dosaddr.WriteWord(c.Space, dosaddr.Addr(addr), v)
	})

	enterIVT := func(vector int) {
		intr.EnterReal(&c.CPU, vector, acSet, c.ivtRead, pushWord)
	}

	c.Intr.DoInt(trap, &c.CPU, true, acSet, readByte, func() {}, enterIVT)

	return true
}

// immediateExitSetter is implemented by backends (kvmbackend) that need
// to be told whether to keep an interrupt-ready window open.
type immediateExitSetter interface {
	SetImmediateExit(on bool)
}

// handleIOWindow responds to a ReasonIOWindow yield (KVM's
// KVM_EXIT_IRQ_WINDOW_OPEN). This core doesn't model the PIC/PIT chips
// that would decide what to inject (spec.md §1 scopes full hardware
// emulation's BIOS-adjacent pieces out), so there is never anything
// pending to inject; it simply closes the window back down.
func (c *CoreState) handleIOWindow() error {
	if s, ok := c.Backend.(immediateExitSetter); ok {
		s.SetImmediateExit(false)
	}

	return nil
}

// handleMMIO routes a memory-mapped I/O yield to an external handler.
// Video RAM is the only guest-visible MMIO region this core's memory map
// defines (memlayout.VGAWindowBase), and the video emulator is an
// external collaborator this core only exposes a fault protocol to
// (spec.md §1) — so without a handler installed, an MMIO yield is an
// emulation gap, not a silently-dropped access.
func (c *CoreState) handleMMIO(y backend.Yield) error {
	if c.MMIOHandler == nil {
		return fault.Fatal(fault.KindEmulationGap, 4,
			fmt.Errorf("dispatcher: MMIO access at %#x with no handler installed", y.MMIOAddr))
	}

	return c.MMIOHandler(y)
}

// doPeriodicStuff drains the signal router (spec.md §4.2): every queued
// host signal is classified and handled exactly once, in the order it was
// raised.
func (c *CoreState) doPeriodicStuff() {
	c.Signals.Drain(c.handleSignalEvent)
}

func (c *CoreState) handleSignalEvent(e hwsignal.Event) {
	switch e.Class {
	case hwsignal.ClassPeriodic:
		c.CPU.SigAlrmPending = true

		if c.OnPeriodicTick != nil {
			c.OnPeriodicTick()
		}

	case hwsignal.ClassIO:
		if c.OnIOSignal != nil {
			c.OnIOSignal()
		}

	case hwsignal.ClassChild:
		// This core owns no child processes; nothing to reap.

	case hwsignal.ClassEmergency:
		c.Freeze()

	case hwsignal.ClassInternal:
		c.drainKeyboard()
	}
}

func (c *CoreState) drainKeyboard() {
	c.kbdMu.Lock()
	b := c.kbdBuf
	c.kbdBuf = nil
	c.kbdMu.Unlock()

	if len(b) > 0 && c.KeyboardInput != nil {
		c.KeyboardInput(b)
	}
}

// dirtyPageProvider is implemented by backends (kvmbackend) that can
// report which guest RAM pages were written since the last check; the
// JIT backend's self-modifying-code invalidation will consume this once
// it exists.
type dirtyPageProvider interface {
	InvalidateDirtyJITPages() ([]uint32, error)
}

// hardwareRun drains device timers (spec.md: "hardware_run(): drains
// device timers"). Concretely today that means asking the active backend
// which RAM pages the guest wrote, the same bookkeeping the JIT backend
// needs to invalidate stale translations; an optional HardwareTick hook
// covers anything else an embedder wires up (PIT/PIC chip emulation is
// out of this core's scope, spec.md §1).
func (c *CoreState) hardwareRun() {
	if dp, ok := c.Backend.(dirtyPageProvider); ok {
		if _, err := dp.InvalidateDirtyJITPages(); err != nil {
			c.log.Printf("dispatcher: InvalidateDirtyJITPages: %v", err)
		}
	}

	if c.HardwareTick != nil {
		c.HardwareTick()
	}
}

// termSignal is the synthetic os.Signal the background terminal reader
// raises through hwsignal's internal-notifier class (spec.md §5's "the
// terminal-input pty reader (background)" is the one extra host thread
// this core allows).
type termSignal struct{}

func (termSignal) String() string { return "term-data-ready" }
func (termSignal) Signal()        {}

// StartTerminalReader starts the one background goroutine spec.md §5
// permits: reading raw bytes off stdin and raising the internal notifier
// so the main loop picks them up at its next doPeriodicStuff. It is a
// no-op (returning a no-op restore func) when stdin isn't a tty, the same
// check vmm.Boot makes before calling term.SetRawMode.
func (c *CoreState) StartTerminalReader() (restore func(), err error) {
	if !term.IsTerminal() {
		return func() {}, nil
	}

	restore, err = term.SetRawMode()
	if err != nil {
		return func() {}, err
	}

	go func() {
		in := bufio.NewReader(os.Stdin)

		for {
			b, err := in.ReadByte()
			if err != nil {
				return
			}

			c.kbdMu.Lock()
			c.kbdBuf = append(c.kbdBuf, b)
			c.kbdMu.Unlock()

			c.Signals.Raise(hwsignal.Event{Class: hwsignal.ClassInternal, Sig: termSignal{}})
		}
	}()

	return restore, nil
}
