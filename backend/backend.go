// Package backend defines the interface every execution backend
// implements (spec.md §9: "the four backends share an interface
// {setup, run_until_yield, inject_fault, read_state, write_state,
// shutdown}. Tag the active backend at startup; switching mid-run is not
// supported.").
//
// Grounded in the teacher's machine.Machine as the shape of "one object
// that owns a vCPU's lifecycle", generalized from "always KVM" to "any of
// four backends selected once at startup".
package backend

import (
	"errors"

	"github.com/dosemu-go/coredos/coreregs"
)

// Reason classifies why Backend.RunUntilYield returned control to the
// dispatcher.
type Reason int

const (
	// ReasonFault means a CPU exception trapped; Backend.InjectFault's
	// counterpart context is available via ReadState and the trap/error
	// code accompanying this Reason.
	ReasonFault Reason = iota

	// ReasonHLT means the guest executed HLT (inside or outside a
	// registered hlt.Block — the caller decides which).
	ReasonHLT

	// ReasonIOWindow means the backend is ready to accept an injected
	// interrupt (the KVM backend's KVM_EXIT_IRQ_WINDOW_OPEN).
	ReasonIOWindow

	// ReasonSignal means an async host signal interrupted the backend
	// before it reached a natural yield point (immediate-exit).
	ReasonSignal

	// ReasonMMIO means a memory-mapped I/O access needs servicing.
	ReasonMMIO

	// ReasonSoftInt means the guest executed INT imm8: a software
	// interrupt instruction, never a CPU-raised exception, for any
	// vector 0-255. Backends must report every guest INT this way
	// rather than folding it into ReasonFault — only a real CPU
	// exception belongs there — so spec.md §4.5/§8's "do_int(i) for all
	// i in 0..255" is reachable regardless of which vector the guest
	// names.
	ReasonSoftInt
)

// Yield describes one RunUntilYield return.
type Yield struct {
	Reason Reason

	// Trap/ErrorCode are valid when Reason == ReasonFault: a genuine
	// CPU-raised exception and its error code (0 when the vector has
	// none).
	Trap      int
	ErrorCode uint32

	// SoftIntVector is valid when Reason == ReasonSoftInt: the operand
	// of the guest's INT instruction, unrelated to any CPU exception
	// vector.
	SoftIntVector int

	// MMIOAddr/MMIOData/MMIOWrite are valid when Reason == ReasonMMIO.
	MMIOAddr   uint32
	MMIOData   []byte
	MMIOWrite  bool
}

// Backend is the dynamic-dispatch seam between dispatcher and the four
// concrete execution engines.
type Backend interface {
	// Setup prepares the backend to run: for the KVM backend this opens
	// /dev/kvm and builds the monitor region; for V86 and the software
	// backends it is comparatively cheap.
	Setup() error

	// RunUntilYield advances guest execution until the backend has
	// something for the dispatcher to handle.
	RunUntilYield() (Yield, error)

	// InjectFault re-raises a fault/interrupt into the guest the way a
	// real CPU would (set up a synthetic exception frame and transfer
	// control to the guest's IDT/IVT entry).
	InjectFault(trap int, errorCode uint32) error

	// ReadState copies the backend's live register file into cs.
	ReadState(cs *coreregs.CPUState) error

	// WriteState copies cs into the backend's live register file.
	WriteState(cs *coreregs.CPUState) error

	// Shutdown releases any backend-owned host resources (VM/VCPU fds,
	// mmap'd monitor region, ptrace'd helper process).
	Shutdown() error
}

// ErrNotSupported is returned by backends for operations the spec
// explicitly scopes to a subset of the four (e.g. dirty-log queries only
// make sense for backends with the KVM backend's MMU sync support).
var ErrNotSupported = errors.New("backend: operation not supported by this backend")
