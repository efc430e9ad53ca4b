package interp

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/dosemu-go/coredos/backend"
	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/fault"
)

// EFLAGS bits the interpreter computes on every ALU op, per spec.md
// §4.10's EFLAGS_CC mask (0x8D5: CF, PF, AF, ZF, SF, OF) plus the two
// control bits (IF, TF) the interpreter itself manages directly instead
// of leaving to host hardware.
const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagAF = 1 << 4
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagTF = 1 << 8
	flagIF = 1 << 9
	flagDF = 1 << 10
	flagOF = 1 << 11
)

// execute dispatches one decoded instruction, returning a Yield and
// done=true when the loop should stop (HLT, a fault, or INT), or
// done=false to keep stepping.
func (b *Backend) execute(inst *x86asm.Inst) (backend.Yield, bool, error) {
	cs := &b.cs
	nextEIP := cs.EIP + uint32(inst.Len)

	switch inst.Op {
	case x86asm.NOP:
		cs.EIP = nextEIP

		return backend.Yield{}, false, nil

	case x86asm.HLT:
		cs.EIP = nextEIP

		return backend.Yield{Reason: backend.ReasonHLT}, true, nil

	case x86asm.CLI:
		cs.EFlags &^= flagIF
		cs.EIP = nextEIP

		return backend.Yield{}, false, nil

	case x86asm.STI:
		cs.EFlags |= flagIF
		cs.EIP = nextEIP

		return backend.Yield{}, false, nil

	case x86asm.CLD:
		cs.EFlags &^= flagDF
		cs.EIP = nextEIP

		return backend.Yield{}, false, nil

	case x86asm.STD:
		cs.EFlags |= flagDF
		cs.EIP = nextEIP

		return backend.Yield{}, false, nil

	case x86asm.CLC:
		cs.EFlags &^= flagCF
		cs.EIP = nextEIP

		return backend.Yield{}, false, nil

	case x86asm.STC:
		cs.EFlags |= flagCF
		cs.EIP = nextEIP

		return backend.Yield{}, false, nil

	case x86asm.MOV:
		return b.execMOV(inst, nextEIP)

	case x86asm.LEA:
		return b.execLEA(inst, nextEIP)

	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		return b.execALU(inst, nextEIP)

	case x86asm.INC, x86asm.DEC:
		return b.execINCDEC(inst, nextEIP)

	case x86asm.PUSH:
		return b.execPUSH(inst, nextEIP)

	case x86asm.POP:
		return b.execPOP(inst, nextEIP)

	case x86asm.JMP:
		return b.execJMP(inst, nextEIP)

	case x86asm.CALL:
		return b.execCALL(inst, nextEIP)

	case x86asm.RET:
		return b.execRET(nextEIP)

	case x86asm.INT:
		return b.execINT(inst, nextEIP)

	case x86asm.IN:
		return b.execIN(inst, nextEIP)

	case x86asm.OUT:
		return b.execOUT(inst, nextEIP)

	default:
		if jcc, ok := condJump(inst.Op); ok {
			return b.execJcc(inst, nextEIP, jcc)
		}

		return backend.Yield{}, false, fault.Fatal(fault.KindEmulationGap, 4,
			fmt.Errorf("interp: unsupported opcode %v at %#x", inst.Op, cs.EIP))
	}
}

func width(inst *x86asm.Inst) int {
	if inst.DataSize != 0 {
		return inst.DataSize
	}

	return 32
}

// regRead/regWrite resolve a general-purpose register operand against
// cs's 32-bit backing fields, the same "mask to the addressed width"
// idiom real hardware (and the teacher's GetReg) uses for AL/AX/EAX
// aliasing.
func regRead(cs *coreregs.CPUState, r x86asm.Reg) uint64 {
	full, size := regField(cs, r)

	switch size {
	case 8:
		if isHighByte(r) {
			return uint64(*full>>8) & 0xFF
		}

		return uint64(*full) & 0xFF
	case 16:
		return uint64(*full) & 0xFFFF
	default:
		return uint64(*full)
	}
}

func regWrite(cs *coreregs.CPUState, r x86asm.Reg, v uint64) {
	full, size := regField(cs, r)

	switch size {
	case 8:
		if isHighByte(r) {
			*full = (*full &^ 0xFF00) | (uint32(v)&0xFF)<<8
		} else {
			*full = (*full &^ 0xFF) | uint32(v)&0xFF
		}
	case 16:
		*full = (*full &^ 0xFFFF) | uint32(v)&0xFFFF
	default:
		*full = uint32(v)
	}
}

func isHighByte(r x86asm.Reg) bool {
	switch r {
	case x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH:
		return true
	default:
		return false
	}
}

// regField returns a pointer to the 32-bit field backing r plus the
// addressed operand width in bits.
func regField(cs *coreregs.CPUState, r x86asm.Reg) (*uint32, int) {
	switch r {
	case x86asm.AL, x86asm.AH, x86asm.AX, x86asm.EAX:
		return &cs.EAX, regSize(r)
	case x86asm.CL, x86asm.CH, x86asm.CX, x86asm.ECX:
		return &cs.ECX, regSize(r)
	case x86asm.DL, x86asm.DH, x86asm.DX, x86asm.EDX:
		return &cs.EDX, regSize(r)
	case x86asm.BL, x86asm.BH, x86asm.BX, x86asm.EBX:
		return &cs.EBX, regSize(r)
	case x86asm.SPB, x86asm.SP, x86asm.ESP:
		return &cs.ESP, regSize(r)
	case x86asm.BPB, x86asm.BP, x86asm.EBP:
		return &cs.EBP, regSize(r)
	case x86asm.SIB, x86asm.SI, x86asm.ESI:
		return &cs.ESI, regSize(r)
	case x86asm.DIB, x86asm.DI, x86asm.EDI:
		return &cs.EDI, regSize(r)
	default:
		var scratch uint32

		return &scratch, 32
	}
}

func regSize(r x86asm.Reg) int {
	switch r {
	case x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL, x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH,
		x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB:
		return 8
	case x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX, x86asm.SP, x86asm.BP, x86asm.SI, x86asm.DI:
		return 16
	default:
		return 32
	}
}

// segBase resolves a Mem operand's segment base, defaulting to DS the
// way the x86 architecture does when Segment is unset.
func (b *Backend) segBase(seg x86asm.Reg) uint32 {
	switch seg {
	case x86asm.ES:
		return b.cs.ES.Base
	case x86asm.SS:
		return b.cs.SS.Base
	case x86asm.FS:
		return b.cs.FS.Base
	case x86asm.GS:
		return b.cs.GS.Base
	case x86asm.CS:
		return b.cs.CS.Base
	default:
		return b.cs.DS.Base
	}
}

// linearAddr computes a Mem operand's effective linear address:
// segment base + base-reg + scale*index-reg + disp.
func (b *Backend) linearAddr(m x86asm.Mem) uint32 {
	addr := b.segBase(m.Segment)

	if m.Base != 0 {
		addr += uint32(regRead(&b.cs, m.Base))
	}

	if m.Index != 0 {
		addr += uint32(m.Scale) * uint32(regRead(&b.cs, m.Index))
	}

	return addr + uint32(m.Disp)
}

// readOperand resolves arg as a zero/sign-extended uint64 and reports
// whether it named a memory operand whose address is also returned (for
// write-back by the caller, e.g. INC [mem]).
func (b *Backend) readOperand(arg x86asm.Arg, w int) (uint64, uint32, bool, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return regRead(&b.cs, a), 0, false, nil
	case x86asm.Imm:
		return uint64(a) & mask(w), 0, false, nil
	case x86asm.Mem:
		addr := b.linearAddr(a)

		v, err := b.readMem(addr, w)

		return v, addr, true, err
	default:
		return 0, 0, false, fmt.Errorf("interp: unsupported operand %T", arg)
	}
}

func (b *Backend) writeOperand(arg x86asm.Arg, w int, v uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		regWrite(&b.cs, a, v)

		return nil
	case x86asm.Mem:
		return b.writeMem(b.linearAddr(a), w, v)
	default:
		return fmt.Errorf("interp: unsupported write-back operand %T", arg)
	}
}

func mask(w int) uint64 {
	switch w {
	case 8:
		return 0xFF
	case 16:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

// memAccessError records the faulting linear address alongside the
// underlying dosaddr error, so the execXxx helpers can fill CR2 without
// threading addr through every call site.
type memAccessError struct {
	addr uint32
	err  error
}

func (e *memAccessError) Error() string { return e.err.Error() }
func (e *memAccessError) Unwrap() error { return e.err }

func (b *Backend) readMem(addr uint32, w int) (uint64, error) {
	var (
		v   uint64
		err error
	)

	switch w {
	case 8:
		var b8 uint8
		b8, err = dosaddr.ReadByte(b.space, dosaddr.Addr(addr))
		v = uint64(b8)
	case 16:
		var w16 uint16
		w16, err = dosaddr.ReadWord(b.space, dosaddr.Addr(addr))
		v = uint64(w16)
	default:
		var d32 uint32
		d32, err = dosaddr.ReadDword(b.space, dosaddr.Addr(addr))
		v = uint64(d32)
	}

	if err != nil {
		return 0, &memAccessError{addr, err}
	}

	return v, nil
}

func (b *Backend) writeMem(addr uint32, w int, v uint64) error {
	var err error

	switch w {
	case 8:
		err = dosaddr.WriteByte(b.space, dosaddr.Addr(addr), uint8(v))
	case 16:
		err = dosaddr.WriteWord(b.space, dosaddr.Addr(addr), uint16(v))
	default:
		err = dosaddr.WriteDword(b.space, dosaddr.Addr(addr), uint32(v))
	}

	if err != nil {
		return &memAccessError{addr, err}
	}

	return nil
}

func (b *Backend) execMOV(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	w := width(inst)

	v, _, _, err := b.readOperand(inst.Args[1], w)
	if err != nil {
		return b.memFault(err), true, nil
	}

	if err := b.writeOperand(inst.Args[0], w, v); err != nil {
		return b.memFault(err), true, nil
	}

	b.cs.EIP = nextEIP

	return backend.Yield{}, false, nil
}

func (b *Backend) execLEA(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	m, ok := inst.Args[1].(x86asm.Mem)
	if !ok {
		return backend.Yield{}, false, fmt.Errorf("interp: LEA without memory operand")
	}

	regWrite(&b.cs, inst.Args[0].(x86asm.Reg), uint64(b.linearAddr(m)))
	b.cs.EIP = nextEIP

	return backend.Yield{}, false, nil
}

func (b *Backend) execALU(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	w := width(inst)

	dst, addr, isMem, err := b.readOperand(inst.Args[0], w)
	if err != nil {
		return b.memFault(err), true, nil
	}

	src, _, _, err := b.readOperand(inst.Args[1], w)
	if err != nil {
		return b.memFault(err), true, nil
	}

	result, flags := aluResult(inst.Op, dst, src, w, b.cs.EFlags)
	b.cs.EFlags = flags

	switch inst.Op {
	case x86asm.CMP, x86asm.TEST:
		// comparison ops only update flags.
	default:
		if isMem {
			if err := b.writeMem(addr, w, result); err != nil {
				return b.memFault(err), true, nil
			}
		} else {
			regWrite(&b.cs, inst.Args[0].(x86asm.Reg), result)
		}
	}

	b.cs.EIP = nextEIP

	return backend.Yield{}, false, nil
}

func (b *Backend) execINCDEC(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	w := width(inst)

	v, addr, isMem, err := b.readOperand(inst.Args[0], w)
	if err != nil {
		return b.memFault(err), true, nil
	}

	delta := uint64(1)
	op := x86asm.ADD

	if inst.Op == x86asm.DEC {
		op = x86asm.SUB
	}

	// INC/DEC preserve CF, per the architecture; compute flags against a
	// scratch copy and restore CF afterward.
	savedCF := b.cs.EFlags & flagCF
	result, flags := aluResult(op, v, delta, w, b.cs.EFlags)
	b.cs.EFlags = (flags &^ flagCF) | savedCF

	if isMem {
		if err := b.writeMem(addr, w, result); err != nil {
			return b.memFault(err), true, nil
		}
	} else {
		regWrite(&b.cs, inst.Args[0].(x86asm.Reg), result)
	}

	b.cs.EIP = nextEIP

	return backend.Yield{}, false, nil
}

func (b *Backend) execPUSH(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	w := width(inst)

	v, _, _, err := b.readOperand(inst.Args[0], w)
	if err != nil {
		return b.memFault(err), true, nil
	}

	b.cs.ESP = (b.cs.ESP - uint32(w/8)) & b.cs.StackMask
	if err := b.writeMem(b.cs.SS.Base+(b.cs.ESP&b.cs.StackMask), w, v); err != nil {
		return b.memFault(err), true, nil
	}

	b.cs.EIP = nextEIP

	return backend.Yield{}, false, nil
}

func (b *Backend) execPOP(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	w := width(inst)

	v, err := b.readMem(b.cs.SS.Base+(b.cs.ESP&b.cs.StackMask), w)
	if err != nil {
		return b.memFault(err), true, nil
	}

	if err := b.writeOperand(inst.Args[0], w, v); err != nil {
		return b.memFault(err), true, nil
	}

	b.cs.ESP = (b.cs.ESP + uint32(w/8)) & b.cs.StackMask
	b.cs.EIP = nextEIP

	return backend.Yield{}, false, nil
}

func (b *Backend) execJMP(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	target, err := b.branchTarget(inst, nextEIP)
	if err != nil {
		return b.memFault(err), true, nil
	}

	b.cs.EIP = target

	return backend.Yield{}, false, nil
}

func (b *Backend) execCALL(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	target, err := b.branchTarget(inst, nextEIP)
	if err != nil {
		return b.memFault(err), true, nil
	}

	w := 32
	if b.cs.StackMask == 0xFFFF {
		w = 16
	}

	b.cs.ESP = (b.cs.ESP - uint32(w/8)) & b.cs.StackMask
	if err := b.writeMem(b.cs.SS.Base+(b.cs.ESP&b.cs.StackMask), w, uint64(nextEIP)); err != nil {
		return b.memFault(err), true, nil
	}

	b.cs.EIP = target

	return backend.Yield{}, false, nil
}

func (b *Backend) execRET(nextEIP uint32) (backend.Yield, bool, error) {
	w := 32
	if b.cs.StackMask == 0xFFFF {
		w = 16
	}

	v, err := b.readMem(b.cs.SS.Base+(b.cs.ESP&b.cs.StackMask), w)
	if err != nil {
		return b.memFault(err), true, nil
	}

	b.cs.ESP = (b.cs.ESP + uint32(w/8)) & b.cs.StackMask
	b.cs.EIP = uint32(v)

	return backend.Yield{}, false, nil
}

func (b *Backend) execJcc(inst *x86asm.Inst, nextEIP uint32, jcc func(uint32) bool) (backend.Yield, bool, error) {
	if !jcc(b.cs.EFlags) {
		b.cs.EIP = nextEIP

		return backend.Yield{}, false, nil
	}

	return b.execJMP(inst, nextEIP)
}

func (b *Backend) branchTarget(inst *x86asm.Inst, nextEIP uint32) (uint32, error) {
	switch a := inst.Args[0].(type) {
	case x86asm.Rel:
		return nextEIP + uint32(a), nil
	case x86asm.Imm:
		return uint32(a), nil
	case x86asm.Reg:
		return uint32(regRead(&b.cs, a)), nil
	case x86asm.Mem:
		v, err := b.readMem(b.linearAddr(a), width(inst))

		return uint32(v), err
	default:
		return 0, fmt.Errorf("interp: unsupported branch operand %T", inst.Args[0])
	}
}

// execINT yields to the dispatcher rather than servicing the interrupt
// itself: intr.DoInt owns the IVT-revectoring decision (software vs.
// hardware-owned vector). INT imm8 is always a software interrupt
// instruction, never a CPU-raised exception, for any vector 0-255, so
// it is reported as ReasonSoftInt rather than ReasonFault — the fault
// router's precedence table is for genuine exceptions only.
func (b *Backend) execINT(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	imm, ok := inst.Args[0].(x86asm.Imm)
	if !ok {
		return backend.Yield{}, false, fmt.Errorf("interp: INT without immediate vector")
	}

	b.cs.EIP = nextEIP

	return backend.Yield{Reason: backend.ReasonSoftInt, SoftIntVector: int(imm)}, true, nil
}

func (b *Backend) execIN(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	if b.IO == nil {
		return backend.Yield{}, false, fault.Fatal(fault.KindEmulationGap, 4,
			fmt.Errorf("interp: IN with no IOPort handler installed"))
	}

	w := width(inst)

	port, _, _, err := b.readOperand(inst.Args[1], 16)
	if err != nil {
		return b.memFault(err), true, nil
	}

	v := b.IO(uint16(port), false, w, 0)
	regWrite(&b.cs, inst.Args[0].(x86asm.Reg), uint64(v))
	b.cs.EIP = nextEIP

	return backend.Yield{}, false, nil
}

func (b *Backend) execOUT(inst *x86asm.Inst, nextEIP uint32) (backend.Yield, bool, error) {
	if b.IO == nil {
		return backend.Yield{}, false, fault.Fatal(fault.KindEmulationGap, 4,
			fmt.Errorf("interp: OUT with no IOPort handler installed"))
	}

	w := width(inst)

	port, _, _, err := b.readOperand(inst.Args[0], 16)
	if err != nil {
		return b.memFault(err), true, nil
	}

	val, _, _, err := b.readOperand(inst.Args[1], w)
	if err != nil {
		return b.memFault(err), true, nil
	}

	b.IO(uint16(port), true, w, uint32(val))
	b.cs.EIP = nextEIP

	return backend.Yield{}, false, nil
}

func (b *Backend) memFault(err error) backend.Yield {
	var addr uint32

	var mae *memAccessError
	if errors.As(err, &mae) {
		addr = mae.addr
	}

	return b.pageFault(addr, 0)
}

// condJump maps a conditional-jump Op to a predicate over EFLAGS, the
// Jcc family the interpreter supports.
func condJump(op x86asm.Op) (func(uint32) bool, bool) {
	switch op {
	case x86asm.JE:
		return func(f uint32) bool { return f&flagZF != 0 }, true
	case x86asm.JNE:
		return func(f uint32) bool { return f&flagZF == 0 }, true
	case x86asm.JL:
		return func(f uint32) bool { return (f&flagSF != 0) != (f&flagOF != 0) }, true
	case x86asm.JGE:
		return func(f uint32) bool { return (f&flagSF != 0) == (f&flagOF != 0) }, true
	case x86asm.JLE:
		return func(f uint32) bool {
			return f&flagZF != 0 || (f&flagSF != 0) != (f&flagOF != 0)
		}, true
	case x86asm.JG:
		return func(f uint32) bool {
			return f&flagZF == 0 && (f&flagSF != 0) == (f&flagOF != 0)
		}, true
	case x86asm.JB:
		return func(f uint32) bool { return f&flagCF != 0 }, true
	case x86asm.JAE:
		return func(f uint32) bool { return f&flagCF == 0 }, true
	case x86asm.JBE:
		return func(f uint32) bool { return f&flagCF != 0 || f&flagZF != 0 }, true
	case x86asm.JA:
		return func(f uint32) bool { return f&flagCF == 0 && f&flagZF == 0 }, true
	case x86asm.JS:
		return func(f uint32) bool { return f&flagSF != 0 }, true
	case x86asm.JNS:
		return func(f uint32) bool { return f&flagSF == 0 }, true
	case x86asm.JO:
		return func(f uint32) bool { return f&flagOF != 0 }, true
	case x86asm.JNO:
		return func(f uint32) bool { return f&flagOF == 0 }, true
	case x86asm.JCXZ:
		return nil, false // CX-relative jumps need an explicit CX read; unsupported for now
	default:
		return nil, false
	}
}

// aluResult computes result+flags for the ADD/SUB/CMP/AND/OR/XOR/TEST
// family over an operand of width w bits, honoring EFLAGS_CC (spec.md
// §4.10's 0x8D5 mask: CF, PF, AF, ZF, SF, OF).
func aluResult(op x86asm.Op, dst, src uint64, w int, flags uint32) (uint64, uint32) {
	m := mask(w)
	signBit := uint64(1) << (w - 1)

	var wide uint64

	var carry, overflow bool

	switch op {
	case x86asm.ADD, x86asm.INC:
		wide = dst + src
		carry = wide > m
		overflow = (dst&signBit) == (src&signBit) && (wide&signBit) != (dst&signBit)
	case x86asm.SUB, x86asm.CMP, x86asm.DEC:
		wide = dst - src
		carry = src > dst
		overflow = (dst&signBit) != (src&signBit) && (wide&signBit) != (dst&signBit)
	case x86asm.AND, x86asm.TEST:
		wide = dst & src
	case x86asm.OR:
		wide = dst | src
	case x86asm.XOR:
		wide = dst ^ src
	}

	result := wide & m

	flags &^= flagCF | flagZF | flagSF | flagOF | flagPF

	if carry {
		flags |= flagCF
	}

	if overflow {
		flags |= flagOF
	}

	if result == 0 {
		flags |= flagZF
	}

	if result&signBit != 0 {
		flags |= flagSF
	}

	if parityEven(uint8(result)) {
		flags |= flagPF
	}

	return result, flags
}

func parityEven(b uint8) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1

	return b&1 == 0
}
