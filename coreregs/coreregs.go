// Package coreregs defines CPUState, the backend-neutral register file
// every backend reads from and writes into at a yield boundary (spec.md
// §3.1 "TheCPU"). It is the single value the fault router hands to
// dispatcher.Loopstep and the interrupt/HLT code paths.
//
// Grounded in the teacher's machine/state.go structBytes/copyStruct
// pattern (byte-aliasing a fixed-size struct via unsafe.Slice instead of
// hand-written field-by-field (de)serialization) and in kvm.Regs/kvm.Sregs
// for which fields a real CPU context needs.
package coreregs

import (
	"fmt"
	"unsafe"
)

// SegReg mirrors one segment's cached descriptor, the way the V86 and KVM
// backends both need base/limit/access-rights alongside the raw selector
// even in real/V86 mode (ground: kvm.Segment).
type SegReg struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	Access   uint16
}

// DescriptorPtr mirrors GDTR/IDTR: a linear base plus a limit.
type DescriptorPtr struct {
	Base  uint32
	Limit uint16
}

// FPUState is the 80387-compatible floating point register file plus the
// SSE area the interpreter and JIT backends share with the KVM backend's
// FXSAVE-shaped blob.
type FPUState struct {
	CWD, SWD, TWD, FOP uint16
	FIP, FCS, FOO, FOS uint32
	ST                 [8][10]byte
	XMM                [8][16]byte
	MXCSR              uint32
}

// CPUState ("TheCPU" in spec.md §3.1) is the complete architectural state
// of one DOS virtual CPU: general-purpose registers, segment cache,
// control/debug registers, EFLAGS, the descriptor table pointers, and the
// handful of emulator-private bookkeeping fields every backend must agree
// on at a yield boundary.
type CPUState struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP                uint32
	EFlags             uint32

	CS, SS, DS, ES, FS, GS SegReg

	CR0, CR2, CR3, CR4 uint32
	DR                 [8]uint32

	GDT, IDT DescriptorPtr
	LDT      SegReg
	TR       SegReg

	FPU FPUState

	// StackMask is 0xFFFFFFFF in 32-bit stack mode, 0xFFFF in 16-bit
	// stack mode; every push/pop in the interpreter and fault router's
	// IRET emulation masks ESP through this field.
	StackMask uint32

	// SigAlrmPending latches a periodic-signal hit that arrived while
	// handle_signals was already running, for hwsignal to replay once
	// it unwinds (spec.md §4.2 "reentrancy").
	SigAlrmPending bool

	// ErrorCode is the last fault's hardware error code, valid only
	// while fault.Router is dispatching.
	ErrorCode uint32

	// VMFlag reports whether this context is currently inside a V86-mode
	// task, read by the fault router to choose the #GP decode path.
	VMFlag bool
}

// Bytes returns a byte slice aliasing cs's memory, for the migration-style
// whole-state copy the coopth context switch and backend snapshot/restore
// paths use instead of field-by-field assignment.
func Bytes(cs *CPUState) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(cs)), unsafe.Sizeof(*cs))
}

// CopyFrom overwrites dst with the bytes produced by a prior Bytes call on
// a CPUState of the same layout.
func CopyFrom(dst *CPUState, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("coreregs: state buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

// Clone returns a deep copy of cs, used when a backend needs to hand the
// fault router a stable snapshot while it continues mutating the live
// state (e.g. the JIT backend's self-modifying-code retry path).
func Clone(cs *CPUState) *CPUState {
	out := &CPUState{}
	copy(Bytes(out), Bytes(cs))

	return out
}

// PushWord and PushDword implement the guest-stack push primitive the
// fault router's synthetic IRET/interrupt-gate injection needs, masking
// ESP through StackMask so both 16- and 32-bit stacks work unmodified.
func (cs *CPUState) PushWord(write func(addr uint32, v uint16)) func(uint16) {
	return func(v uint16) {
		cs.ESP = (cs.ESP - 2) & cs.StackMask
		write(cs.SS.Base+(cs.ESP&cs.StackMask), v)
	}
}

func (cs *CPUState) PushDword(write func(addr uint32, v uint32)) func(uint32) {
	return func(v uint32) {
		cs.ESP = (cs.ESP - 4) & cs.StackMask
		write(cs.SS.Base+(cs.ESP&cs.StackMask), v)
	}
}
