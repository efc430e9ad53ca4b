package kvm

import "unsafe"

// ExitType is the reason KVM_RUN returned control to userspace. The fault
// router (package fault) switches on exactly this value for the KVM backend.
//
//go:generate stringer -type=ExitType
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
)

func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "EXITUNKNOWN"
	case EXITEXCEPTION:
		return "EXITEXCEPTION"
	case EXITIO:
		return "EXITIO"
	case EXITHYPERCALL:
		return "EXITHYPERCALL"
	case EXITDEBUG:
		return "EXITDEBUG"
	case EXITHLT:
		return "EXITHLT"
	case EXITMMIO:
		return "EXITMMIO"
	case EXITIRQWINDOWOPEN:
		return "EXITIRQWINDOWOPEN"
	case EXITSHUTDOWN:
		return "EXITSHUTDOWN"
	case EXITFAILENTRY:
		return "EXITFAILENTRY"
	case EXITINTR:
		return "EXITINTR"
	case EXITSETTPR:
		return "EXITSETTPR"
	case EXITTPRACCESS:
		return "EXITTPRACCESS"
	case EXITS390SIEIC:
		return "EXITS390SIEIC"
	case EXITS390RESET:
		return "EXITS390RESET"
	case EXITDCR:
		return "EXITDCR"
	case EXITNMI:
		return "EXITNMI"
	case EXITINTERNALERROR:
		return "EXITINTERNALERROR"
	default:
		return "EXITUNKNOWN"
	}
}

const (
	EXITIOIN  = 0
	EXITIOOUT = 1
)

// RunData is the mmap'd kvm_run structure shared between host and kernel.
// Only the fields the core's fault router and MMIO/IO paths need are
// modeled; the remainder of the page is the architecture-specific exit
// payload union, reached through unsafe offsets the same way the teacher's
// machine.RunOnce does for EXITIO.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	ImmediateExit              uint8
	_                          [7]uint8
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO payload packed into Data[0]/Data[1].
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the KVM_EXIT_MMIO payload: a physical address, up to 8 data
// bytes, length, and a is-write flag.
func (r *RunData) MMIO() (addr uint64, data []byte, length uint32, isWrite bool) {
	addr = r.Data[0]
	length = uint32(r.Data[1] & 0xFFFFFFFF)
	isWrite = (r.Data[1]>>32)&0xFF != 0
	dataPtr := (*[8]byte)(unsafe.Pointer(&r.Data[2]))

	return addr, dataPtr[:length], length, isWrite
}

// SetImmediateExit arms or disarms KVM_CAP_IMMEDIATE_EXIT. The dispatcher
// sets this right before waking a vCPU thread for an asynchronous event
// (spec.md §4.8, "Immediate-exit invariant"): the *next* KVM_RUN then exits
// with EINTR instead of blocking past the event.
func (r *RunData) SetImmediateExit(on bool) {
	if on {
		r.ImmediateExit = 1
	} else {
		r.ImmediateExit = 0
	}
}
