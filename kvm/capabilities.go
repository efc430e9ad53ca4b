package kvm

// Capability identifies a KVM_CHECK_EXTENSION query. spec.md §4.8 step 1
// requires the KVM backend to probe exactly this set before creating a VM.
//
//go:generate stringer -type=Capability
type Capability int

const (
	CapIRQChip            Capability = 0
	CapUserMemory         Capability = 3
	CapSetTSSAddr         Capability = 4
	CapMPState            Capability = 14
	CapSyncMMU            Capability = 16
	CapIOMMU              Capability = 18
	CapIRQRouting         Capability = 25
	CapSetIdentityMapAddr Capability = 37
	CapXSave              Capability = 76
	CapKVMClockCtrl       Capability = 171
	CapImmediateExit      Capability = 136
)

// String renders a Capability the way kvm.ExitType does, so diagnostics and
// fault logs read as enum names rather than bare integers.
func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapUserMemory:
		return "CapUserMemory"
	case CapSetTSSAddr:
		return "CapSetTSSAddr"
	case CapMPState:
		return "CapMPState"
	case CapSyncMMU:
		return "CapSyncMMU"
	case CapIOMMU:
		return "CapIOMMU"
	case CapSetIdentityMapAddr:
		return "CapSetIdentityMapAddr"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapXSave:
		return "CapXSave"
	case CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	case CapImmediateExit:
		return "CapImmediateExit"
	default:
		return "Capability(255)"
	}
}

// CheckExtension asks the host how much of a given capability it supports.
// A return of 0 means unsupported; KVM_CAP_NR_MEMSLOTS-style capabilities
// instead return a count (dosaddr.Space uses this to size its slot table).
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	r, err := Ioctl(kvmFd, IIO(nrCheckExtension), uintptr(cap))

	return int(int32(r)), err
}
