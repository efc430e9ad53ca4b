package kvm

import (
	"errors"
	"os"
	"unsafe"
)

// ErrUnexpectedExitReason is returned when KVM_RUN exits with a reason the
// core's fault router has no dispatch entry for (spec.md §4.6, "any ->
// unexpected -> leavedos(4)").
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ErrDebug reports a debug exit, caused by single-step or a hardware
// breakpoint (the JIT backend's ptrace-based DR0-DR3 support relies on this).
var ErrDebug = errors.New("debug exit")

// OpenDevice opens the host /dev/kvm character device.
func OpenDevice(path string) (uintptr, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, err
	}

	return f.Fd(), nil
}

// GetAPIVersion returns the KVM API version; callers should refuse to run
// against anything other than version 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrGetAPIVersion), 0)
}

// CreateVM creates a new, empty virtual machine and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrCreateVM), 0)
}

// CreateVCPU creates vCPU number cpu within vmFd.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, IIO(nrCreateVCPU), uintptr(cpu))
}

// GetVCPUMMapSize returns the size of the mmap'd kvm_run structure.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrGetVCPUMMapSize), 0)
}

// Run re-enters the guest. On return, inspect RunData.ExitReason.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(nrRun), 0)

	return err
}

// SetTSSAddr reserves three pages above guest RAM for KVM's 16-bit real-mode
// TSS shim (required before entering any protected-mode-capable vCPU on
// Intel hosts). spec.md §4.8 step 4 depends on this having already run.
func SetTSSAddr(vmFd uintptr, addr uint64) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr reserves one page for the EPT identity-map page table.
func SetIdentityMapAddr(vmFd uintptr, addr uint64) error {
	_, err := Ioctl(vmFd, IIOW(nrSetIdentityMapAddr, unsafe.Sizeof(addr)), uintptr(unsafe.Pointer(&addr)))

	return err
}

// CreateIRQChip creates an in-kernel PIC/IOAPIC pair.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrCreateIRQChip), 0)

	return err
}

// PITConfig configures CreatePIT2.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates an in-kernel i8254 PIT, the source of the 100 Hz guest
// tick that the signal router's SIGALRM class (spec.md §4.2) mirrors on the
// host side for backends that do not have an in-kernel PIT (V86, interpreter,
// JIT).
func CreatePIT2(vmFd uintptr) error {
	pit := PITConfig{}
	_, err := Ioctl(vmFd, IIOW(nrCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQLevel is the argument to the KVM_IRQ_LINE ioctl.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises (level=1) or lowers (level=0) a legacy IRQ line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, IIOW(nrIRQLine, unsafe.Sizeof(l)), uintptr(unsafe.Pointer(&l)))

	return err
}

// UserspaceMemoryRegion describes one guest-physical-to-host-virtual mapping,
// the primitive backend/kvmbackend uses to alias dosaddr.Space pages into
// the VM and that migration-less dirty tracking (dosaddr package) reads back.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MemLogDirtyPages marks a bit in Flags so that writes are tracked.
const MemLogDirtyPages = 1 << 0

// MemReadonly marks a region read-only; used for the ROM window.
const MemReadonly = 1 << 1

// SetUserMemoryRegion installs or updates one of up to ~400 memory slots.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(nrSetUserMemoryRegion, unsafe.Sizeof(*region)), uintptr(unsafe.Pointer(region)))

	return err
}

// DirtyLog is the argument to KVM_GET_DIRTY_LOG.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// GetDirtyLog retrieves and atomically clears the dirty bitmap for a slot.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(nrGetDirtyLog, unsafe.Sizeof(*dl)), uintptr(unsafe.Pointer(dl)))

	return err
}

// SingleStep enables or disables KVM_GUESTDBG_SINGLESTEP on a vCPU. Used by
// the JIT backend when the guest has TF set inside a translated block
// (spec.md §4.10, "TF is cleared on block entry... SINGLESTEP invalidates").
func SingleStep(vcpuFd uintptr, onoff bool) error {
	var dbg struct {
		Control  uint32
		_        uint32
		DebugReg [8]uint64
	}

	if onoff {
		const guestDBGEnable = 1
		const guestDBGSingleStep = 1 << 16
		dbg.Control = guestDBGEnable | guestDBGSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(nrSetSingleStep, unsafe.Sizeof(dbg)), uintptr(unsafe.Pointer(&dbg)))

	return err
}
