package kvm

import "unsafe"

const numInterrupts = 0x100

// Regs are the general purpose registers for both 16/32-bit (RAX..RDI hold
// only their low 16/32 bits meaningfully in that mode) and amd64 guests.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs gets the general purpose registers for a vcpu.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetRegs, unsafe.Sizeof(*regs)), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs sets the general purpose registers for a vcpu.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetRegs, unsafe.Sizeof(*regs)), uintptr(unsafe.Pointer(regs)))

	return err
}

// Segment is an x86 segment descriptor in KVM's unpacked form; TheCPU's
// descriptor cache (spec.md §3) is kept consistent with these fields.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes a GDTR/IDTR pseudo-descriptor.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs are the special (segment + control) registers.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs gets the special registers for a vcpu.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetSregs, unsafe.Sizeof(*sregs)), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs sets the special registers for a vcpu.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetSregs, unsafe.Sizeof(*sregs)), uintptr(unsafe.Pointer(sregs)))

	return err
}

// DebugRegs mirrors DR0-DR7; the JIT backend's ptrace-based hardware
// breakpoint helper (backend/jit) programs these indirectly via ptrace on
// the host process rather than through this ioctl, but migration/checkpoint
// style save-restore (coreregs) still goes through it.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// GetDebugRegs reads debug registers from a vcpu.
func GetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetDebugRegs, unsafe.Sizeof(*dregs)), uintptr(unsafe.Pointer(dregs)))

	return err
}

// SetDebugRegs sets debug registers on a vcpu.
func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetDebugRegs, unsafe.Sizeof(*dregs)), uintptr(unsafe.Pointer(dregs)))

	return err
}

// MPState is the multiprocessing state (KVM_MP_STATE_RUNNABLE, etc).
type MPState struct {
	State uint32
}

// GetMPState reads a vCPU's multiprocessing state.
func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetMPState, unsafe.Sizeof(*s)), uintptr(unsafe.Pointer(s)))

	return err
}

// SetMPState writes a vCPU's multiprocessing state.
func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetMPState, unsafe.Sizeof(*s)), uintptr(unsafe.Pointer(s)))

	return err
}

// VCPUEvents captures pending exceptions/interrupts/NMI state across a
// fault-router yield, so a chained INT can be re-delivered faithfully.
type VCPUEvents struct {
	InjectedException   uint8
	InjectedNR          uint8
	InjectedHasErrorCode uint8
	InjectedErrorCode    uint32
	InjectedPending      uint8
	InterruptNR          uint8
	InterruptSoft        uint8
	InterruptShadow      uint8
	NMIPending           uint8
	NMIMasked            uint8
	SipiVector           uint32
	Flags                uint32
	_                    [20]uint8
}

// GetVCPUEvents reads pending event state.
func GetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetVCPUEvents, unsafe.Sizeof(*e)), uintptr(unsafe.Pointer(e)))

	return err
}

// SetVCPUEvents writes pending event state.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetVCPUEvents, unsafe.Sizeof(*e)), uintptr(unsafe.Pointer(e)))

	return err
}

// XCRS holds the extended control registers (XCR0 and friends) backing the
// SSE portion of TheCPU's FPU area.
type XCRS struct {
	NXCRs uint32
	_     uint32
	XCRs  [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [16]uint64
}

// GetXCRS reads extended control registers.
func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetXCRS, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXCRS writes extended control registers.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetXCRS, unsafe.Sizeof(*x)), uintptr(unsafe.Pointer(x)))

	return err
}
