// Package v86 is the V86 backend (spec.md §4.7): a thin wrapper over the
// host kernel's virtual-8086 primitive. It is the cheapest backend to set
// up — no /dev/kvm, no JIT buffer — but it is only available on an x86-32
// host kernel, since Linux's vm86()/vm86old() syscalls have no amd64
// counterpart. v86_386.go carries the real implementation; v86_stub.go
// satisfies the same Backend interface on every other GOARCH by always
// reporting backend.ErrNotSupported, the same arch-gating convention the
// teacher uses for machine/debug_amd64.go (a build-tag-suffixed file per
// architecture rather than runtime branching).
package v86

import (
	"github.com/dosemu-go/coredos/backend"
	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/fault"
)

// Backend implements backend.Backend over the host vm86 primitive.
type Backend struct {
	cs coreregs.CPUState

	// preEntryEFlags is saved before each VM86 entry so the backend can
	// restore dosemu's fenv and re-assert VIP if the host kernel cleared
	// it (spec.md §4.7's documented kernel quirk).
	preEntryEFlags uint32
	preEntryVIP    bool

	impl vm86Impl
}

// vm86Impl is the arch-specific half: issuing the actual syscall. reason
// is VM86_TYPE(ret), the low byte of the vm86(2) return value (the
// kernel's VM86_* enum, or one of this package's own out-of-band
// trapHLT/trapSTI sentinels); arg is VM86_ARG(ret), the high bytes —
// the INT vector for VM86_INTx, the real trap number for VM86_TRAP,
// unused otherwise.
type vm86Impl interface {
	enter(cs *coreregs.CPUState) (reason, arg int, err error)
	available() bool
}

// New builds a V86 backend. On a host/arch without a vm86 syscall,
// Setup returns backend.ErrNotSupported.
func New() *Backend {
	return &Backend{impl: newImpl()}
}

func (b *Backend) Setup() error {
	if !b.impl.available() {
		return backend.ErrNotSupported
	}

	return nil
}

const (
	vifBit = 1 << 20
	vipBit = 1 << 20 // VIP shares VIF's bit position in the VME-extended EFLAGS view used here
	ifBit  = 1 << 9
)

func (b *Backend) RunUntilYield() (backend.Yield, error) {
	b.preEntryEFlags = b.cs.EFlags
	b.preEntryVIP = b.cs.EFlags&vipBit != 0

	for {
		reason, arg, err := b.impl.enter(&b.cs)
		if err != nil {
			return backend.Yield{}, err
		}

		// The STI optimization: a VM86_STI return with IF still clear
		// but VIP set is retried internally rather than bounced to the
		// dispatcher (spec.md §4.7).
		if reason == trapSTI && b.cs.EFlags&ifBit == 0 && b.cs.EFlags&vipBit != 0 {
			continue
		}

		if b.preEntryVIP && b.cs.EFlags&vipBit == 0 {
			// Some kernels clear VIP on exit; re-assert the pre-entry
			// value so a pending virtual interrupt isn't lost.
			b.cs.EFlags |= vipBit
		}

		if reason == vm86PicReturn {
			// The kernel's own PIC emulation already reflected a pending
			// hardware IRQ into the V86 guest; nothing left to service,
			// just re-enter.
			continue
		}

		return classify(reason, arg), nil
	}
}

// The kernel's VM86_* return codes (arch/x86/include/uapi/asm/vm86.h).
// VM86_SIGNAL and VM86_PICRETURN carry no interrupt/trap number; only
// VM86_INTx and VM86_TRAP use arg.
const (
	vm86Signal    = 0
	vm86Unknown   = 1
	vm86Intx      = 2
	vm86STI       = 3
	vm86PicReturn = 4
	vm86Trap      = 6
)

const trapSTI = vm86STI // the real VM86_STI reason code, retried internally rather than yielded

// classify maps a raw vm86(2) (reason, arg) pair onto the backend's
// yield model. VM86_UNKNOWN is the kernel's catch-all for a V86-mode
// fault it couldn't emulate itself (HLT, a privileged instruction, an
// unmapped port) — the real x86 trap number for all of those is always
// #GP, never reason itself (reason is a wrapper code, not a trap
// number). VM86_INTx is always a software interrupt, reported as
// ReasonSoftInt rather than ReasonFault so it reaches do_int for every
// vector per spec.md §4.5/§8, not just the ones the fault router's
// exception table recognizes. VM86_TRAP carries a real trap number in
// arg (e.g. INT1/INT3 debug traps taken while in V86 mode).
func classify(reason, arg int) backend.Yield {
	switch reason {
	case trapHLT:
		return backend.Yield{Reason: backend.ReasonHLT}
	case vm86Unknown:
		return backend.Yield{Reason: backend.ReasonFault, Trap: fault.TrapGPFault}
	case vm86Intx:
		return backend.Yield{Reason: backend.ReasonSoftInt, SoftIntVector: arg}
	case vm86Trap:
		return backend.Yield{Reason: backend.ReasonFault, Trap: arg}
	case vm86Signal:
		return backend.Yield{Reason: backend.ReasonSignal}
	default:
		return backend.Yield{Reason: backend.ReasonFault, Trap: reason}
	}
}

const trapHLT = 0x100 // out-of-band marker distinguishing "guest executed HLT" from a real trap number

func (b *Backend) InjectFault(trap int, errorCode uint32) error {
	b.cs.ErrorCode = errorCode

	return nil
}

func (b *Backend) ReadState(cs *coreregs.CPUState) error {
	*cs = b.cs

	return nil
}

func (b *Backend) WriteState(cs *coreregs.CPUState) error {
	b.cs = *cs

	return nil
}

func (b *Backend) Shutdown() error {
	return nil
}
