package interp_test

import (
	"testing"

	"github.com/dosemu-go/coredos/backend"
	"github.com/dosemu-go/coredos/backend/interp"
	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/fault"
)

func newRealModeSpace(t *testing.T, code []byte) *dosaddr.Space {
	t.Helper()

	sp := dosaddr.New(4)

	slot, err := sp.AddRegion(0, 0x10000, dosaddr.RegionRAM, false)
	if err != nil {
		t.Fatal(err)
	}

	copy(slot.Buf, code)

	return sp
}

func newFlatState() coreregs.CPUState {
	var cs coreregs.CPUState
	cs.StackMask = 0xFFFF
	cs.ESP = 0xFFFE

	return cs
}

func TestMovIncHlt(t *testing.T) {
	// mov ax, 1; inc ax; hlt
	sp := newRealModeSpace(t, []byte{0xB8, 0x01, 0x00, 0x40, 0xF4})

	b := interp.New(sp)
	cs := newFlatState()

	if err := b.WriteState(&cs); err != nil {
		t.Fatal(err)
	}

	y, err := b.RunUntilYield()
	if err != nil {
		t.Fatal(err)
	}

	if y.Reason != backend.ReasonHLT {
		t.Fatalf("reason = %v, want ReasonHLT", y.Reason)
	}

	var out coreregs.CPUState
	if err := b.ReadState(&out); err != nil {
		t.Fatal(err)
	}

	if out.EAX&0xFFFF != 2 {
		t.Fatalf("AX = %#x, want 2", out.EAX&0xFFFF)
	}
}

func TestAddSetsZeroFlag(t *testing.T) {
	// mov ax, 0; add ax, 0; hlt
	sp := newRealModeSpace(t, []byte{0xB8, 0x00, 0x00, 0x83, 0xC0, 0x00, 0xF4})

	b := interp.New(sp)
	cs := newFlatState()

	if err := b.WriteState(&cs); err != nil {
		t.Fatal(err)
	}

	if _, err := b.RunUntilYield(); err != nil {
		t.Fatal(err)
	}

	var out coreregs.CPUState
	if err := b.ReadState(&out); err != nil {
		t.Fatal(err)
	}

	const flagZF = 1 << 6
	if out.EFlags&flagZF == 0 {
		t.Fatalf("EFlags = %#x, want ZF set", out.EFlags)
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	// mov ax, 0x1234; push ax; pop bx; hlt
	sp := newRealModeSpace(t, []byte{0xB8, 0x34, 0x12, 0x50, 0x5B, 0xF4})

	b := interp.New(sp)
	cs := newFlatState()

	if err := b.WriteState(&cs); err != nil {
		t.Fatal(err)
	}

	if _, err := b.RunUntilYield(); err != nil {
		t.Fatal(err)
	}

	var out coreregs.CPUState
	if err := b.ReadState(&out); err != nil {
		t.Fatal(err)
	}

	if out.EBX&0xFFFF != 0x1234 {
		t.Fatalf("BX = %#x, want 0x1234", out.EBX&0xFFFF)
	}
}

func TestUnmappedFetchYieldsPageFault(t *testing.T) {
	sp := dosaddr.New(4)

	b := interp.New(sp)
	cs := newFlatState()
	cs.EIP = 0x4000 // nothing mapped

	if err := b.WriteState(&cs); err != nil {
		t.Fatal(err)
	}

	y, err := b.RunUntilYield()
	if err != nil {
		t.Fatal(err)
	}

	if y.Reason != backend.ReasonFault || y.Trap != fault.TrapPageFault {
		t.Fatalf("y = %+v, want a ReasonFault/TrapPageFault yield", y)
	}
}

func TestUnsupportedOpcodeIsEmulationGap(t *testing.T) {
	// 0F 0B is UD2, never implemented by design.
	sp := newRealModeSpace(t, []byte{0x0F, 0x0B})

	b := interp.New(sp)
	cs := newFlatState()

	if err := b.WriteState(&cs); err != nil {
		t.Fatal(err)
	}

	_, err := b.RunUntilYield()

	var fe *fault.FatalError
	if err == nil {
		t.Fatal("want a FatalError for an unsupported opcode")
	}

	if !isFatalError(err, &fe) {
		t.Fatalf("err = %v, want *fault.FatalError", err)
	}

	if fe.Kind != fault.KindEmulationGap {
		t.Fatalf("Kind = %v, want KindEmulationGap", fe.Kind)
	}
}

func isFatalError(err error, target **fault.FatalError) bool {
	if fe, ok := err.(*fault.FatalError); ok {
		*target = fe

		return true
	}

	return false
}
