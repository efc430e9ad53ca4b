// Package intr implements interrupt dispatch (spec.md §4.5): the IVT
// living in the first 1 KiB of guest memory, the revectoring bitmap that
// lets the core steal a vector out from under the guest, and the do_int
// algorithm every INT instruction and hardware IRQ funnels through.
//
// Grounded in the teacher's device.IODevice-style table-driven dispatch
// and in coreregs.CPUState's PushWord/PushDword for the real-mode IRQ
// entry sequence.
package intr

import "github.com/dosemu-go/coredos/coreregs"

const numVectors = 256

// IRETOpcode is the single-byte opcode (0xCF) that marks a vector as
// "IRET-only": no action required, the core emulates the IRET itself.
const IRETOpcode = 0xCF

// MemReader/MemWriter are the guest-memory primitives do_int needs;
// callers pass dosaddr.ReadByte/WriteWord etc. bound to a live Space.
type MemReader func(addr uint32) (byte, error)
type MemWriter func(addr uint32, v uint16)

// RevectFunc services a revectored vector synchronously and reports
// whether it completed (false means the caller should instead start a
// coopth thread and let it emulate the IRET via a HLT trampoline).
type RevectFunc func(vector int, cs *coreregs.CPUState) bool

// Table is the interrupt dispatch policy for all 256 vectors.
type Table struct {
	revectored    [numVectors / 8]byte
	debuggerOwned [numVectors / 8]byte // mhp_revectored

	// InterruptFunction holds the registered revect handler per vector,
	// indexed the same way spec.md's interrupt_function[REVECT] is.
	InterruptFunction [numVectors]RevectFunc

	// StartRevectThread is invoked when a vector is revectored but has
	// no synchronous RevectFunc: it must start a dedicated coopth thread
	// that performs the work and on completion emulates an IRET via a
	// HLT trampoline.
	StartRevectThread func(vector int, cs *coreregs.CPUState)

	ivtRead  func(vector int) (seg, off uint16)
	ivtWrite func(vector int, seg, off uint16)
}

// NewTable builds an interrupt table backed by the given IVT accessors
// (ordinarily dosaddr.ReadWord/WriteWord bound at vector*4 and
// vector*4+2, since the IVT is 256 far pointers starting at guest
// address 0).
func NewTable(read func(vector int) (seg, off uint16), write func(vector int, seg, off uint16)) *Table {
	return &Table{ivtRead: read, ivtWrite: write}
}

func bitSet(bitmap *[numVectors / 8]byte, i int) bool {
	return bitmap[i/8]&(1<<(i%8)) != 0
}

func bitSetTo(bitmap *[numVectors / 8]byte, i int, v bool) {
	if v {
		bitmap[i/8] |= 1 << (i % 8)
	} else {
		bitmap[i/8] &^= 1 << (i % 8)
	}
}

// SetRevectored marks vector i as revectored (or clears it).
func (t *Table) SetRevectored(i int, on bool) {
	bitSetTo(&t.revectored, i, on)
}

// IsRevectored reports whether vector i is currently revectored.
func (t *Table) IsRevectored(i int) bool {
	return bitSet(&t.revectored, i)
}

// SetDebuggerOwned marks vector i as owned by the debugger (mhp_revectored),
// which exempts it from revectoring even if SetRevectored(i, true) was
// called.
func (t *Table) SetDebuggerOwned(i int, on bool) {
	bitSetTo(&t.debuggerOwned, i, on)
}

// NextRevectored walks forward from (exclusive) start and returns the next
// revectored, non-debugger-owned vector, or -1 if none remain — step (a)
// of the revect/unrevect protocol.
func (t *Table) NextRevectored(start int) int {
	for i := start + 1; i < numVectors; i++ {
		if t.IsRevectored(i) && !bitSet(&t.debuggerOwned, i) {
			return i
		}
	}

	return -1
}

// OriginalVector fetches vector i's current IVT entry — step (b), "fetch
// the original CS:IP for it" before the core overwrites the slot.
func (t *Table) OriginalVector(i int) (seg, off uint16) {
	return t.ivtRead(i)
}

// Unrevect clears the revectored bit for vector i and restores the IVT
// entry the caller fetched with OriginalVector — step (c).
func (t *Table) Unrevect(i int, seg, off uint16) {
	t.SetRevectored(i, false)
	t.ivtWrite(i, seg, off)
}

// IsIRETOnly reports whether the target vector's handler is the
// single-byte IRET opcode, per spec.md's "two bits of policy" for do_int.
func (t *Table) IsIRETOnly(i int, readByte func(seg, off uint16) byte) bool {
	seg, off := t.ivtRead(i)

	return readByte(seg, off) == IRETOpcode
}

// DoInt implements spec.md §4.5's do_int(i) algorithm. isInstruction
// reports whether the interrupt was raised by a guest INT instruction
// (true) vs. a trap/IRQ (false) — only an INT instruction clears AC when
// CR0.AM is set. acSet reports IS_CR0_AM_SET(). onIRETOnly is called when
// the target vector is a bare IRET and should be treated as a no-op
// (debugger notification is the caller's responsibility). enterIVT
// performs the faithful real-mode IRQ entry (push FLAGS/CS/IP, clear
// TF/NT/IF/AC, load CS:IP from the IVT).
func (t *Table) DoInt(i int, cs *coreregs.CPUState, isInstruction, acSet bool,
	readByte func(seg, off uint16) byte, onIRETOnly func(), enterIVT func(vector int),
) {
	if acSet && isInstruction {
		const acBit = 1 << 18 // EFLAGS.AC
		cs.EFlags &^= acBit
	}

	if t.IsRevectored(i) && !bitSet(&t.debuggerOwned, i) {
		if fn := t.InterruptFunction[i]; fn != nil && fn(i, cs) {
			return
		}

		if t.StartRevectThread != nil {
			t.StartRevectThread(i, cs)
		}

		return
	}

	if t.IsIRETOnly(i, readByte) {
		if onIRETOnly != nil {
			onIRETOnly()
		}

		return
	}

	enterIVT(i)
}

// EnterReal performs the real-mode IRQ entry sequence: push FLAGS, CS,
// IP, clear TF/NT/IF (and AC when acSet), then load CS:IP from the IVT
// entry for vector i.
func EnterReal(cs *coreregs.CPUState, i int, acSet bool, read func(vector int) (seg, off uint16),
	pushWord func(uint16),
) {
	pushWord(uint16(cs.EFlags))
	pushWord(cs.CS.Selector)
	pushWord(uint16(cs.EIP))

	const (
		tfBit = 1 << 8
		ifBit = 1 << 9
		ntBit = 1 << 14
		acBit = 1 << 18
	)

	cs.EFlags &^= tfBit | ifBit | ntBit

	if acSet {
		cs.EFlags &^= acBit
	}

	seg, off := read(i)
	cs.CS.Selector = seg
	cs.CS.Base = uint32(seg) << 4
	cs.EIP = uint32(off)
}
