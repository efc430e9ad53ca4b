package fault

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/dosemu-go/coredos/coreregs"
)

// IOPort is the decoded result of a V86 #GP fault on an IN/OUT/INS/OUTS
// instruction: the width and direction the I/O port emulation layer
// needs, and how many bytes of (E)SI/(E)DI advance REP drove.
type IOPort struct {
	Port      uint16
	Width     int // 1, 2, or 4
	Out       bool
	String    bool // INS/OUTS rather than IN/OUT
	Rep       bool
	RepCount  uint32
}

// IOPortFunc performs one port access of the given width, returning the
// value read (ignored for Out accesses).
type IOPortFunc func(port uint16, width int, out bool, val uint32) uint32

// V86GPHandlers are the callbacks ServiceV86GP invokes once it has
// decoded which privileged instruction trapped.
type V86GPHandlers struct {
	IOAccess   func(io IOPort, cx *coreregs.CPUState, do IOPortFunc)
	HLT        func(cx *coreregs.CPUState)
	Int1       func(cx *coreregs.CPUState)
	DoInt      func(vector int, cx *coreregs.CPUState)
}

// DecodeAndService implements spec.md §4.6's V86 #GP handling: it decodes
// the faulting instruction (already prefixed-stripped by x86asm) at
// cx.CPU.EIP and dispatches to the matching handler, returning true if the
// instruction was serviced and the caller should resume, false if nothing
// matched and the fault should escalate.
//
// code is the raw instruction bytes at CS:EIP (real-mode, so mode is
// always 16 unless the 0x66 operand-size prefix is present).
func DecodeAndService(code []byte, cx *coreregs.CPUState, h V86GPHandlers) bool {
	if len(code) > 0 && code[0] == 0xF0 {
		// LOCK prefix alone: "single byte skipped (must not fail in V86)".
		cx.EIP++

		return true
	}

	inst, err := x86asm.Decode(code, 16)
	if err != nil {
		return false
	}

	width := 2
	if hasPrefix(inst, x86asm.PrefixDataSize) {
		width = 4
	}

	switch inst.Op {
	case x86asm.IN:
		return serviceIO(inst, cx, width, false, false, h)
	case x86asm.OUT:
		return serviceIO(inst, cx, width, true, false, h)
	case x86asm.INSB, x86asm.INSW, x86asm.INSD:
		return serviceIO(inst, cx, opWidth(inst.Op), false, true, h)
	case x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		return serviceIO(inst, cx, opWidth(inst.Op), true, true, h)
	case x86asm.HLT:
		if h.HLT != nil {
			h.HLT(cx)

			return true
		}
	case x86asm.INT:
		if len(inst.Args) > 0 {
			if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 1 && h.Int1 != nil {
				h.Int1(cx)

				return true
			}
		}
	}

	return false
}

func opWidth(op x86asm.Op) int {
	switch op {
	case x86asm.INSB, x86asm.OUTSB:
		return 1
	case x86asm.INSD, x86asm.OUTSD:
		return 4
	default:
		return 2
	}
}

func hasPrefix(inst x86asm.Inst, p x86asm.Prefix) bool {
	for _, pfx := range inst.Prefix {
		if pfx&0xFF == p {
			return true
		}
	}

	return false
}

func serviceIO(inst x86asm.Inst, cx *coreregs.CPUState, width int, out, str bool, h V86GPHandlers) bool {
	if h.IOAccess == nil {
		return false
	}

	var port uint16
	if len(inst.Args) > 0 {
		if imm, ok := inst.Args[len(inst.Args)-1].(x86asm.Imm); ok {
			port = uint16(imm)
		} else {
			port = uint16(cx.EDX)
		}
	}

	rep := hasPrefix(inst, x86asm.PrefixREP) || hasPrefix(inst, x86asm.PrefixREPN)

	io := IOPort{Port: port, Width: width, Out: out, String: str, Rep: rep}
	if rep {
		io.RepCount = cx.ECX
	}

	h.IOAccess(io, cx, nil)

	return true
}
