// Package kvmbackend is the KVM backend (spec.md §4.8): one VM with one
// VCPU running a VME-assisted real/V86-mode monitor, exiting to the
// dispatcher on HLT, MMIO, IRQ-window-open, or an async signal.
//
// Grounded directly in the teacher's machine.Machine: the open-device /
// check-capabilities / create-VM / create-VCPU / set-TSS-addr /
// set-identity-map-addr sequence in machine.New, the mmap'd kvm.RunData
// page obtained via kvm.GetVCPUMMmapSize (machine.go's m.runs setup), the
// CPUID-patch idea from machine.go's long-mode sregs setup (generalized
// from "set up long mode paging" to "set up a VME real-mode monitor"),
// and kvm.ExitType's exhaustive classification switch for the exit-reason
// dispatch.
package kvmbackend

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/dosemu-go/coredos/backend"
	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/kvm"
)

// kvmInternalTSSAddr/kvmInternalIdentityMapAddr are handed to
// kvm.SetTSSAddr/SetIdentityMapAddr: three pages of guest-physical
// address space KVM itself reserves for unrestricted-guest-unsupported
// hosts to emulate real/V86 mode, never backed by a registered memory
// slot and never touched by this package directly. They must sit well
// outside the region SetUserMemoryRegion actually maps — high, like the
// teacher's machine.New does — so they can never collide with
// MonitorDosAddr's own hand-built GDT/IDT/TSS in monitor.go.
const (
	kvmInternalTSSAddr         = 0xFFFF_D000
	kvmInternalIdentityMapAddr = 0xFFFF_C000
)

// requiredCapabilities are probed before VM creation, per spec.md §4.8
// step 1.
var requiredCapabilities = []kvm.Capability{
	kvm.CapSyncMMU,
	kvm.CapSetTSSAddr,
	kvm.CapSetIdentityMapAddr,
	kvm.CapXSave,
	kvm.CapImmediateExit,
}

// Backend implements backend.Backend over a real /dev/kvm VM+VCPU.
type Backend struct {
	devKVM *os.File
	kvmFd  uintptr
	vmFd   uintptr
	cpuFd  uintptr

	run    *kvm.RunData
	runBuf []byte

	space *dosaddr.Space
}

// New builds a KVM backend backed by the given address space, which must
// already have memlayout.Table.Install'd its regions.
func New(space *dosaddr.Space) *Backend {
	return &Backend{space: space}
}

func (b *Backend) Setup() error {
	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("kvmbackend: open /dev/kvm: %w", err)
	}

	b.devKVM = devKVM
	b.kvmFd = devKVM.Fd()

	if _, err := kvm.GetAPIVersion(b.kvmFd); err != nil {
		return fmt.Errorf("kvmbackend: GetAPIVersion: %w", err)
	}

	for _, cap := range requiredCapabilities {
		if ok, err := kvm.CheckExtension(b.kvmFd, cap); err != nil || ok == 0 {
			return fmt.Errorf("kvmbackend: required capability %s unavailable: %w", cap, err)
		}
	}

	vmFd, err := kvm.CreateVM(b.kvmFd)
	if err != nil {
		return fmt.Errorf("kvmbackend: CreateVM: %w", err)
	}

	b.vmFd = vmFd

	if err := kvm.SetTSSAddr(b.vmFd, kvmInternalTSSAddr); err != nil {
		return fmt.Errorf("kvmbackend: SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(b.vmFd, kvmInternalIdentityMapAddr); err != nil {
		return fmt.Errorf("kvmbackend: SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(b.vmFd); err != nil {
		return fmt.Errorf("kvmbackend: CreateIRQChip: %w", err)
	}

	cpuFd, err := kvm.CreateVCPU(b.vmFd, 0)
	if err != nil {
		return fmt.Errorf("kvmbackend: CreateVCPU: %w", err)
	}

	b.cpuFd = cpuFd

	if err := b.mmapRun(); err != nil {
		return err
	}

	if err := b.patchHypervisorSignature(); err != nil {
		return err
	}

	if err := b.installMemory(); err != nil {
		return err
	}

	if err := b.buildMonitorRegion(); err != nil {
		return fmt.Errorf("kvmbackend: buildMonitorRegion: %w", err)
	}

	return b.initSregs()
}

// mmapRun maps the kvm_run structure the kernel shares with this vCPU,
// the same m.runs[cpu] = (*kvm.RunData)(unsafe.Pointer(&r[0])) pattern
// machine.New uses.
func (b *Backend) mmapRun() error {
	size, err := kvm.GetVCPUMMmapSize(b.kvmFd)
	if err != nil {
		return fmt.Errorf("kvmbackend: GetVCPUMMmapSize: %w", err)
	}

	buf, err := syscall.Mmap(int(b.cpuFd), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("kvmbackend: mmap kvm_run: %w", err)
	}

	b.runBuf = buf
	b.run = (*kvm.RunData)(unsafe.Pointer(&buf[0]))

	return nil
}

// patchHypervisorSignature queries the supported CPUID leaves and
// overwrites the hypervisor-signature leaf to read "KVMKVMKVM", per
// spec.md §4.8 step 3.
func (b *Backend) patchHypervisorSignature() error {
	c := &kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(b.kvmFd, c); err != nil {
		return fmt.Errorf("kvmbackend: GetSupportedCPUID: %w", err)
	}

	for i := range c.Entries {
		if c.Entries[i].Function == kvm.CPUIDSignature {
			c.Entries[i].Ebx = 0x4b4d564b // "KVMK"
			c.Entries[i].Ecx = 0x564b4d56 // "VMKV"
			c.Entries[i].Edx = 0x4d4b564d // "MKVM"
		}
	}

	return kvm.SetCPUID2(b.cpuFd, c)
}

// installMemory registers every dosaddr.Slot already mapped into the
// address space as a KVM userspace memory region, in slot order so slot
// index matches KVM's own indexing.
func (b *Backend) installMemory() error {
	for _, slot := range b.space.Slots {
		flags := uint32(0)
		if slot.Type == dosaddr.RegionRAM {
			flags = kvm.MemLogDirtyPages
		}

		region := &kvm.UserspaceMemoryRegion{
			Slot:          slot.Index,
			Flags:         flags,
			GuestPhysAddr: uint64(slot.Base),
			MemorySize:    uint64(slot.Size),
			UserspaceAddr: slot.HostAddrUint64(),
		}

		if err := kvm.SetUserMemoryRegion(b.vmFd, region); err != nil {
			return fmt.Errorf("kvmbackend: SetUserMemoryRegion(%d): %w", slot.Index, err)
		}
	}

	return nil
}

// initSregs loads the flat real-mode segment descriptors the VME monitor
// runs guest code under (every segment based at 0, 64 KiB limit, matching
// the identity-mapped low-RAM layout dosaddr.Space already provides), and
// points GDTR/IDTR/TR at the monitor region buildMonitorRegion just wrote
// into guest RAM, per spec.md §3/§4.8: when a fault forces a mode exit
// out of V86 back to protected mode, the CPU resolves the handler and the
// CPL0 stack through these, not through anything per-guest-segment.
func (b *Backend) initSregs() error {
	sregs, err := kvm.GetSregs(b.cpuFd)
	if err != nil {
		return fmt.Errorf("kvmbackend: GetSregs: %w", err)
	}

	flat := kvm.Segment{Base: 0, Limit: 0xFFFF, Selector: 0, Typ: 3, Present: 1, S: 1, DB: 0, G: 0}
	sregs.CS, sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = flat, flat, flat, flat, flat, flat
	sregs.CS.Typ = 0xB // execute/read/accessed

	const cr0PE = 1
	const cr4VME = 1 // CR4.VME
	sregs.CR0 |= cr0PE
	sregs.CR4 |= cr4VME

	sregs.GDT = kvm.Descriptor{Base: uint64(MonitorDosAddr + monitorGDTOffset), Limit: 5*8 - 1}
	sregs.IDT = kvm.Descriptor{Base: uint64(MonitorDosAddr + monitorIDTOffset), Limit: numVectors*8 - 1}
	sregs.TR = kvm.Segment{
		Base: uint64(MonitorDosAddr + monitorTSSOffset), Limit: tssSize - 1,
		Selector: monitorTSSSelector, Typ: 0xB, Present: 1, S: 0, G: 0,
	}

	return kvm.SetSregs(b.cpuFd, sregs)
}

func (b *Backend) RunUntilYield() (backend.Yield, error) {
	if err := kvm.Run(b.cpuFd); err != nil {
		return backend.Yield{}, fmt.Errorf("kvmbackend: Run: %w", err)
	}

	switch kvm.ExitType(b.run.ExitReason) {
	case kvm.EXITHLT:
		return b.handleHLTExit()
	case kvm.EXITMMIO:
		addr, data, _, isWrite := b.run.MMIO()

		return backend.Yield{
			Reason:    backend.ReasonMMIO,
			MMIOAddr:  uint32(addr),
			MMIOData:  data,
			MMIOWrite: isWrite,
		}, nil
	case kvm.EXITIRQWINDOWOPEN:
		return backend.Yield{Reason: backend.ReasonIOWindow}, nil
	case kvm.EXITINTR:
		return backend.Yield{Reason: backend.ReasonSignal}, nil
	default:
		return backend.Yield{}, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, kvm.ExitType(b.run.ExitReason))
	}
}

// handleHLTExit reads the trap number and error code the monitor's
// exception stub wrote before executing HLT. This only ever represents a
// genuine CPU-raised exception (the monitor's IDT has no notion of a
// guest INT instruction, which VME reflects straight into the V86 guest
// without a mode exit), so it is always ReasonFault; the fault router
// (fault.Router.Dispatch) owns the 0x0D-VME/0x01-or-0x03-debug/etc
// precedence decisions from there.
func (b *Backend) handleHLTExit() (backend.Yield, error) {
	trap, errCode := b.readMonitorTrapFrame()

	return backend.Yield{Reason: backend.ReasonFault, Trap: trap, ErrorCode: errCode}, nil
}

// readMonitorTrapFrame reads the exception number and error code the
// monitor's common trap handler (monitor.go) wrote at
// MonitorDosAddr+monitorTrapFrameOffset before executing HLT.
func (b *Backend) readMonitorTrapFrame() (trap int, errCode uint32) {
	trapNo, err := dosaddr.ReadDword(b.space, MonitorDosAddr+monitorTrapFrameOffset)
	if err != nil {
		return 0, 0
	}

	ec, err := dosaddr.ReadDword(b.space, MonitorDosAddr+monitorTrapFrameOffset+4)
	if err != nil {
		return int(trapNo), 0
	}

	return int(trapNo), ec
}

func (b *Backend) InjectFault(trap int, errorCode uint32) error {
	e := &kvm.VCPUEvents{}
	if err := kvm.GetVCPUEvents(b.cpuFd, e); err != nil {
		return fmt.Errorf("kvmbackend: GetVCPUEvents: %w", err)
	}

	e.InjectedException = 1
	e.InjectedNR = uint8(trap)
	e.InjectedHasErrorCode = 1
	e.InjectedErrorCode = errorCode

	return kvm.SetVCPUEvents(b.cpuFd, e)
}

func (b *Backend) ReadState(cs *coreregs.CPUState) error {
	regs, err := kvm.GetRegs(b.cpuFd)
	if err != nil {
		return fmt.Errorf("kvmbackend: GetRegs: %w", err)
	}

	sregs, err := kvm.GetSregs(b.cpuFd)
	if err != nil {
		return fmt.Errorf("kvmbackend: GetSregs: %w", err)
	}

	cs.EAX, cs.EBX, cs.ECX, cs.EDX = uint32(regs.RAX), uint32(regs.RBX), uint32(regs.RCX), uint32(regs.RDX)
	cs.ESI, cs.EDI, cs.EBP, cs.ESP = uint32(regs.RSI), uint32(regs.RDI), uint32(regs.RBP), uint32(regs.RSP)
	cs.EIP = uint32(regs.RIP)
	cs.EFlags = uint32(regs.RFLAGS)

	cs.CS.Selector, cs.CS.Base = sregs.CS.Selector, uint32(sregs.CS.Base)
	cs.SS.Selector, cs.SS.Base = sregs.SS.Selector, uint32(sregs.SS.Base)
	cs.DS.Selector, cs.DS.Base = sregs.DS.Selector, uint32(sregs.DS.Base)
	cs.ES.Selector, cs.ES.Base = sregs.ES.Selector, uint32(sregs.ES.Base)
	cs.CR0, cs.CR3, cs.CR4 = uint32(sregs.CR0), uint32(sregs.CR3), uint32(sregs.CR4)

	return nil
}

func (b *Backend) WriteState(cs *coreregs.CPUState) error {
	regs, err := kvm.GetRegs(b.cpuFd)
	if err != nil {
		return fmt.Errorf("kvmbackend: GetRegs: %w", err)
	}

	regs.RAX, regs.RBX, regs.RCX, regs.RDX = uint64(cs.EAX), uint64(cs.EBX), uint64(cs.ECX), uint64(cs.EDX)
	regs.RSI, regs.RDI, regs.RBP, regs.RSP = uint64(cs.ESI), uint64(cs.EDI), uint64(cs.EBP), uint64(cs.ESP)
	regs.RIP = uint64(cs.EIP)
	regs.RFLAGS = uint64(cs.EFlags)

	if err := kvm.SetRegs(b.cpuFd, regs); err != nil {
		return fmt.Errorf("kvmbackend: SetRegs: %w", err)
	}

	sregs, err := kvm.GetSregs(b.cpuFd)
	if err != nil {
		return fmt.Errorf("kvmbackend: GetSregs: %w", err)
	}

	sregs.CS.Selector, sregs.CS.Base = cs.CS.Selector, uint64(cs.CS.Base)
	sregs.SS.Selector, sregs.SS.Base = cs.SS.Selector, uint64(cs.SS.Base)
	sregs.DS.Selector, sregs.DS.Base = cs.DS.Selector, uint64(cs.DS.Base)
	sregs.ES.Selector, sregs.ES.Base = cs.ES.Selector, uint64(cs.ES.Base)

	return kvm.SetSregs(b.cpuFd, sregs)
}

func (b *Backend) Shutdown() error {
	if b.runBuf != nil {
		_ = syscall.Munmap(b.runBuf)
	}

	return b.devKVM.Close()
}

// InvalidateDirtyJITPages drains the KVM dirty log for every RAM slot and
// reports the guest-physical addresses the JIT backend must invalidate,
// per spec.md §4.8's "dirty-logging is used on low RAM to invalidate JIT
// cache pages that the guest wrote".
func (b *Backend) InvalidateDirtyJITPages() ([]uint32, error) {
	var dirty []uint32

	for _, slot := range b.space.Slots {
		if slot.Type != dosaddr.RegionRAM {
			continue
		}

		words := (slot.Size/4096 + 63) / 64
		bitmap := make([]uint64, words)

		dl := &kvm.DirtyLog{Slot: slot.Index, BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}
		if err := kvm.GetDirtyLog(b.vmFd, dl); err != nil {
			return nil, fmt.Errorf("kvmbackend: GetDirtyLog(%d): %w", slot.Index, err)
		}

		for page, word := range bitmap {
			for bit := 0; bit < 64; bit++ {
				if word&(1<<uint(bit)) != 0 {
					dirty = append(dirty, uint32(slot.Base)+uint32(page*64+bit)*4096)
				}
			}
		}
	}

	return dirty, nil
}

// SetImmediateExit wires the immediate-exit invariant from spec.md §4.8:
// the dispatcher sets this before interrupting a running VCPU, and the
// next Run call returns EINTR, which the caller must treat as "process
// the pending exit, then re-arm" rather than a dropped event.
func (b *Backend) SetImmediateExit(on bool) {
	b.run.SetImmediateExit(on)
}
