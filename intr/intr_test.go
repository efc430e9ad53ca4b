package intr_test

import (
	"testing"

	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/intr"
)

func newIVT() (map[int][2]uint16, func(int) (uint16, uint16), func(int, uint16, uint16)) {
	ivt := make(map[int][2]uint16)

	read := func(v int) (uint16, uint16) {
		e := ivt[v]

		return e[0], e[1]
	}

	write := func(v int, seg, off uint16) {
		ivt[v] = [2]uint16{seg, off}
	}

	return ivt, read, write
}

func TestRevectoredBitmap(t *testing.T) {
	_, read, write := newIVT()
	tbl := intr.NewTable(read, write)

	if tbl.IsRevectored(0x21) {
		t.Fatal("vector should start non-revectored")
	}

	tbl.SetRevectored(0x21, true)

	if !tbl.IsRevectored(0x21) {
		t.Fatal("expected vector to be revectored")
	}
}

func TestNextRevectoredSkipsDebuggerOwned(t *testing.T) {
	_, read, write := newIVT()
	tbl := intr.NewTable(read, write)

	tbl.SetRevectored(5, true)
	tbl.SetRevectored(6, true)
	tbl.SetDebuggerOwned(5, true)

	if got := tbl.NextRevectored(0); got != 6 {
		t.Fatalf("have %d, want 6", got)
	}
}

func TestUnrevectRestoresIVT(t *testing.T) {
	_, read, write := newIVT()
	tbl := intr.NewTable(read, write)

	tbl.SetRevectored(0x1C, true)
	tbl.Unrevect(0x1C, 0x07C0, 0x0100)

	if tbl.IsRevectored(0x1C) {
		t.Fatal("expected vector to be cleared")
	}

	seg, off := tbl.OriginalVector(0x1C)
	if seg != 0x07C0 || off != 0x0100 {
		t.Fatalf("have %#x:%#x, want 07C0:0100", seg, off)
	}
}

func TestDoIntRevectoredCallsHandlerSynchronously(t *testing.T) {
	_, read, write := newIVT()
	tbl := intr.NewTable(read, write)
	tbl.SetRevectored(0x21, true)

	called := false
	tbl.InterruptFunction[0x21] = func(vector int, cs *coreregs.CPUState) bool {
		called = true

		return true
	}

	cs := &coreregs.CPUState{}
	tbl.DoInt(0x21, cs, true, false, func(seg, off uint16) byte { return 0 }, nil, func(int) {
		t.Fatal("enterIVT should not run for a handled revect")
	})

	if !called {
		t.Fatal("synchronous revect handler was not invoked")
	}
}

func TestDoIntIRETOnlyIsNoop(t *testing.T) {
	_, read, write := newIVT()
	write(0x05, 0x0000, 0x0010)
	tbl := intr.NewTable(read, write)

	readByte := func(seg, off uint16) byte { return intr.IRETOpcode }

	noopCalled := false
	cs := &coreregs.CPUState{}
	tbl.DoInt(0x05, cs, true, false, readByte, func() { noopCalled = true }, func(int) {
		t.Fatal("enterIVT should not run for an IRET-only vector")
	})

	if !noopCalled {
		t.Fatal("expected onIRETOnly callback")
	}
}

func TestDoIntEntersRealModeOtherwise(t *testing.T) {
	_, read, write := newIVT()
	write(0x10, 0xF000, 0x1000)
	tbl := intr.NewTable(read, write)

	readByte := func(seg, off uint16) byte { return 0x90 } // NOP, not IRET

	entered := -1
	cs := &coreregs.CPUState{}
	tbl.DoInt(0x10, cs, true, false, readByte, nil, func(v int) { entered = v })

	if entered != 0x10 {
		t.Fatalf("have %d, want 0x10", entered)
	}
}

func TestEnterRealPushesAndClearsFlags(t *testing.T) {
	cs := &coreregs.CPUState{EIP: 0x100, EFlags: (1 << 8) | (1 << 9) | (1 << 14)}
	cs.CS.Selector = 0x07C0

	var pushed []uint16

	intr.EnterReal(cs, 0x21, false, func(v int) (uint16, uint16) { return 0xF000, 0xFEA5 },
		func(v uint16) { pushed = append(pushed, v) })

	if len(pushed) != 3 {
		t.Fatalf("expected 3 pushes, got %d", len(pushed))
	}

	if cs.CS.Selector != 0xF000 || cs.EIP != 0xFEA5 {
		t.Fatalf("CS:IP = %#x:%#x, want F000:FEA5", cs.CS.Selector, cs.EIP)
	}

	const tfBit, ifBit, ntBit = 1 << 8, 1 << 9, 1 << 14
	if cs.EFlags&(tfBit|ifBit|ntBit) != 0 {
		t.Fatalf("TF/IF/NT not cleared: %#x", cs.EFlags)
	}
}
