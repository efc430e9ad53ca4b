// Package interp is the software x86 interpreter backend (spec.md §4.9):
// a decode-execute loop over a single Interp86(start_eip, mode) entry
// point, used when neither V86 nor KVM is available (e.g. inside a
// container with no /dev/kvm and no 32-bit vm86 syscall) and as the
// JIT backend's emulation-gap fallback for instructions it declines to
// translate.
//
// Grounded in the teacher's machine/debug_amd64.go Inst/GetReg/Pointer
// trio: the same "decode one instruction with x86asm, resolve its
// register/memory operands by hand" shape, generalized from a ptrace
// debugger printing one instruction to an execution loop that mutates
// guest state on every step. Memory access goes through dosaddr.Space,
// the same primitive backend/kvmbackend uses for its monitor-region
// trap frame.
package interp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/dosemu-go/coredos/backend"
	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/fault"
)

// maxInstLen is the longest possible x86 instruction encoding (with
// every prefix byte used), the window ReadBytes fetches before decode.
const maxInstLen = 15

// PendingSignal lets the dispatcher's signal router interrupt a running
// interpreter loop the way hwsignal.Pending works for the other
// backends: checked once per instruction, never mid-instruction.
type PendingSignal func() bool

// IOPort services an IN/OUT against a registered device (spec.md
// §4.17's port-I/O map), shared with backend/v86's V86GPHandlers shape.
type IOPort func(port uint16, write bool, width int, val uint32) uint32

// Backend implements backend.Backend with a pure-software decode-execute
// loop. Unlike V86 and KVM it never touches host CPU state: every
// register in cs is the guest's actual, authoritative value between
// yields.
type Backend struct {
	cs    coreregs.CPUState
	space *dosaddr.Space

	Signal PendingSignal
	IO     IOPort
}

// New builds an interpreter backend over the given address space.
func New(space *dosaddr.Space) *Backend {
	return &Backend{space: space}
}

func (b *Backend) Setup() error { return nil }

func (b *Backend) Shutdown() error { return nil }

func (b *Backend) ReadState(cs *coreregs.CPUState) error {
	*cs = b.cs

	return nil
}

func (b *Backend) WriteState(cs *coreregs.CPUState) error {
	b.cs = *cs

	return nil
}

// InjectFault synthesizes a guest interrupt-gate transfer: push
// EFLAGS/CS/EIP, clear IF/TF, and load CS:EIP from the guest's IVT, the
// same semantics intr.DoInt implements for a software INT. The
// interpreter has no hardware exception-injection primitive to defer
// to, so it performs the transfer directly.
func (b *Backend) InjectFault(trap int, errorCode uint32) error {
	cs := &b.cs
	push := cs.PushWord(func(addr uint32, v uint16) {
		_ = dosaddr.WriteWord(b.space, dosaddr.Addr(addr), v)
	})

	push(uint16(cs.EFlags))
	push(cs.CS.Selector)
	push(uint16(cs.EIP))

	cs.EFlags &^= flagIF | flagTF

	vec, err := dosaddr.ReadDword(b.space, dosaddr.Addr(trap*4))
	if err != nil {
		return err
	}

	cs.EIP = vec & 0xFFFF
	cs.CS.Selector = uint16(vec >> 16)
	cs.CS.Base = uint32(cs.CS.Selector) << 4

	return nil
}

// RunUntilYield decode-executes instructions until HLT, a fault, an
// emulation gap, or a pending signal — mirroring run_vm86's "retries
// inside a bounded loop... exits when an IRET-worthy event occurs"
// shape, but with the interpreter itself as the only backend.
func (b *Backend) RunUntilYield() (backend.Yield, error) {
	for {
		if b.Signal != nil && b.Signal() {
			return backend.Yield{Reason: backend.ReasonSignal}, nil
		}

		y, done, err := b.step()
		if err != nil {
			return backend.Yield{}, err
		}

		if done {
			return y, nil
		}
	}
}

// Step decode-executes exactly one instruction at CS:EIP, returning
// done=true only when it produced a Yield (HLT/fault/INT/etc.). The JIT
// backend drives the interpreter one instruction at a time this way to
// execute the instructions inside a translated node while keeping its
// own translation-cache bookkeeping on top.
func (b *Backend) Step() (backend.Yield, bool, error) {
	return b.step()
}

// step decode-executes a single instruction at CS:EIP.
func (b *Backend) step() (backend.Yield, bool, error) {
	cs := &b.cs

	var buf [maxInstLen]byte

	addr := dosaddr.Addr(cs.CS.Base + cs.EIP)

	n, err := dosaddr.ReadBytes(b.space, addr, buf[:])
	if err != nil || n == 0 {
		return b.pageFault(uint32(addr), 0), true, nil
	}

	mode := 32
	if cs.StackMask == 0xFFFF {
		mode = 16
	}

	inst, err := x86asm.Decode(buf[:n], mode)
	if err != nil {
		return backend.Yield{}, false, fault.Fatal(fault.KindEmulationGap, 4,
			fmt.Errorf("interp: decode at %#x: %w", addr, err))
	}

	return b.execute(&inst)
}

// pageFault fills CR2/ErrorCode the way spec.md §4.9 describes ("each
// faulted memory access raises EXCP0E_PAGE with CR2 and err filled")
// and reports it as a yield for the dispatcher's fault router to
// dispatch, rather than raising it in-process.
func (b *Backend) pageFault(addr uint32, errorCode uint32) backend.Yield {
	b.cs.CR2 = addr
	b.cs.ErrorCode = errorCode

	return backend.Yield{Reason: backend.ReasonFault, Trap: fault.TrapPageFault, ErrorCode: errorCode}
}
