// Package fault is the fault/exception router (spec.md §4.6): the single
// place every backend's exit path and the emergency signal handler land
// on to turn a trap number + error code + backend-neutral cpu context
// into either "resume the backend" or an escalation.
//
// Grounded in the teacher's kvm.ExitType.String() exhaustive-switch
// style for trap classification and in machine.go's error wrapping
// (fmt.Errorf + %w) for FatalError, which replaces the C original's
// longjmp-based leavedos with a plain Go error return, per this
// project's own preference for explicit control flow over a C-style
// global jump.
package fault

import (
	"errors"
	"fmt"

	"github.com/dosemu-go/coredos/coreregs"
)

// Trap numbers the router dispatches on, named the way x86 architecture
// manuals name them.
const (
	TrapDivide      = 0x00
	TrapDebug       = 0x01
	TrapNMI         = 0x02
	TrapBreakpoint  = 0x03
	TrapOverflow    = 0x04
	TrapBoundRange  = 0x05
	TrapInvalidOp   = 0x06
	TrapDeviceNA    = 0x07
	TrapGPFault     = 0x0D
	TrapPageFault   = 0x0E
)

// Kind classifies why a FatalError unwinds to leavedos — spec.md §7's
// "Unrecoverable" bucket.
type Kind int

const (
	KindUnknown Kind = iota
	KindEmulationGap
	KindHostResourceExhaustion
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindEmulationGap:
		return "EmulationGap"
	case KindHostResourceExhaustion:
		return "HostResourceExhaustion"
	case KindProtocolViolation:
		return "ProtocolViolation"
	default:
		return "Unknown"
	}
}

// FatalError is the only error type that unwinds all the way to
// leavedos; everything else the router handles is resolved in place by
// resuming the backend or redirecting to a guest vector.
type FatalError struct {
	Kind Kind
	Code int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fault: fatal (%s, code %d): %v", e.Kind, e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal constructs a FatalError, the Go equivalent of calling leavedos(code).
func Fatal(kind Kind, code int, err error) *FatalError {
	return &FatalError{Kind: kind, Code: code, Err: err}
}

// Disposition is what the router decided to do with a trap.
type Disposition int

const (
	DispositionResume Disposition = iota
	DispositionEscalate
	DispositionRedirected
)

// Context is the backend-neutral cpu context plus the trap metadata the
// router needs (spec.md §4.6: "a backend-neutral cpu context plus a trap
// number and error code").
type Context struct {
	CPU       *coreregs.CPUState
	Trap      int
	ErrorCode uint32
	InV86     bool

	// Hooks the router calls into for trap-specific decisions; nil hooks
	// are treated as "not handled, keep going down the dispatch table".
	JITPageIsCodeProtected func(addr uint32) bool
	JITInvalidateAndUnprotect func(addr uint32)
	VGAPageFault            func(addr uint32) bool
	DPMILDTShadowFault      func(addr uint32) bool
	V86ServiceGPFault       func(cx *Context) bool
	VMESTIWithVIP           func() bool
	RedirectToGuestVector   func(trap int) bool
}

// Router dispatches traps per the precedence table in spec.md §4.6 and
// deduplicates repeated identical faults the way the teacher's error
// paths avoid log-spamming on a tight fault loop.
type Router struct {
	lastTrap int
	lastEIP  uint32
	repeats  int

	logf func(format string, args ...interface{})
}

// New builds a Router. logf is typically *log.Logger.Printf; nil disables
// logging.
func New(logf func(format string, args ...interface{})) *Router {
	return &Router{logf: logf}
}

var errUnexpectedTrap = errors.New("fault: unexpected trap, no guest handler installed")

// Dispatch implements the precedence-ordered table from spec.md §4.6. It
// returns the Disposition, or a *FatalError if nothing in the table
// claims the trap.
func (r *Router) Dispatch(cx *Context) (Disposition, error) {
	r.logDeduped(cx)

	switch {
	case cx.Trap == TrapPageFault && cx.JITPageIsCodeProtected != nil && cx.JITPageIsCodeProtected(cx.CPU.CR2):
		cx.JITInvalidateAndUnprotect(cx.CPU.CR2)

		return DispositionResume, nil

	case cx.Trap == TrapPageFault && cx.VGAPageFault != nil && cx.VGAPageFault(cx.CPU.CR2):
		return DispositionResume, nil

	case cx.Trap == TrapPageFault && cx.DPMILDTShadowFault != nil && cx.DPMILDTShadowFault(cx.CPU.CR2):
		return DispositionResume, nil

	case cx.Trap == TrapGPFault && cx.InV86 && cx.V86ServiceGPFault != nil && cx.V86ServiceGPFault(cx):
		return DispositionResume, nil

	case cx.Trap == TrapGPFault && cx.VMESTIWithVIP != nil && cx.VMESTIWithVIP():
		return DispositionEscalate, nil

	case cx.Trap == TrapInvalidOp:
		return DispositionEscalate, fmt.Errorf("%w: #UD (BOUND or unimplemented opcode)", errUnexpectedTrap)

	case isSoftwareLikeTrap(cx.Trap):
		if cx.RedirectToGuestVector != nil && cx.RedirectToGuestVector(cx.Trap) {
			return DispositionRedirected, nil
		}

		return DispositionEscalate, Fatal(KindEmulationGap, 4, fmt.Errorf("trap %#x: no guest vector installed", cx.Trap))

	default:
		return DispositionEscalate, Fatal(KindUnknown, 4, fmt.Errorf("unexpected trap %#x", cx.Trap))
	}
}

func isSoftwareLikeTrap(trap int) bool {
	switch trap {
	case TrapDivide, TrapDebug, TrapBreakpoint, TrapOverflow, TrapBoundRange, TrapDeviceNA:
		return true
	default:
		return false
	}
}

// logDeduped logs a trap once per distinct (trap, EIP) pair, the way
// dosemu_error avoids flooding the log when a guest spins on the same
// faulting instruction.
func (r *Router) logDeduped(cx *Context) {
	if r.logf == nil {
		return
	}

	eip := cx.CPU.EIP

	if cx.Trap == r.lastTrap && eip == r.lastEIP {
		r.repeats++

		if r.repeats > 1 && r.repeats&(r.repeats-1) != 0 {
			return // only log at repeat counts that are powers of two
		}
	} else {
		r.lastTrap = cx.Trap
		r.lastEIP = eip
		r.repeats = 0
	}

	r.logf("fault: trap=%#x eip=%#x err=%#x repeats=%d", cx.Trap, eip, cx.ErrorCode, r.repeats)
}
