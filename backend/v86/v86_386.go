//go:build 386

package v86

import (
	"syscall"
	"unsafe"

	"github.com/dosemu-go/coredos/coreregs"
)

// sysVM86 is the vm86old(2) syscall number on Linux/386.
const sysVM86 = 113

// vm86Regs mirrors struct vm86_struct's regs member (kernel
// arch/x86/include/uapi/asm/vm86.h), the layout the vm86old syscall
// reads and writes directly.
type vm86Regs struct {
	EBX, ECX, EDX, ESI, EDI, EBP, EAX uint32
	_                                 uint32 // __null
	EIP                               uint32
	CS                                uint16
	_                                 uint16
	EFlags                            uint32
	ESP                               uint32
	SS, ES, DS, FS, GS                uint16
	_                                 uint16
}

type linuxImpl struct{}

func newImpl() vm86Impl { return linuxImpl{} }

func (linuxImpl) available() bool { return true }

func (linuxImpl) enter(cs *coreregs.CPUState) (int, int, error) {
	var r vm86Regs
	r.EAX, r.EBX, r.ECX, r.EDX = cs.EAX, cs.EBX, cs.ECX, cs.EDX
	r.ESI, r.EDI, r.EBP, r.ESP = cs.ESI, cs.EDI, cs.EBP, cs.ESP
	r.EIP, r.EFlags = cs.EIP, cs.EFlags
	r.CS, r.SS, r.DS, r.ES, r.FS, r.GS = cs.CS.Selector, cs.SS.Selector,
		cs.DS.Selector, cs.ES.Selector, cs.FS.Selector, cs.GS.Selector

	ret, _, errno := syscall.Syscall(sysVM86, uintptr(unsafe.Pointer(&r)), 0, 0)
	if errno != 0 {
		return 0, 0, errno
	}

	cs.EAX, cs.EBX, cs.ECX, cs.EDX = r.EAX, r.EBX, r.ECX, r.EDX
	cs.ESI, cs.EDI, cs.EBP, cs.ESP = r.ESI, r.EDI, r.EBP, r.ESP
	cs.EIP, cs.EFlags = r.EIP, r.EFlags
	cs.CS.Selector, cs.SS.Selector = r.CS, r.SS
	cs.DS.Selector, cs.ES.Selector = r.DS, r.ES
	cs.FS.Selector, cs.GS.Selector = r.FS, r.GS

	// VM86_* return codes are packed via VM86_TYPE(ret) = ret&0xff (the
	// reason) and VM86_ARG(ret) = ret>>8 (the INT vector for VM86_INTx,
	// the real trap number for VM86_TRAP, unused otherwise) — both are
	// needed, not just the reason byte.
	reason := int(ret & 0xFF)
	arg := int(ret >> 8)

	return reason, arg, nil
}
