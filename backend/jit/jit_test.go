package jit_test

import (
	"testing"

	"github.com/dosemu-go/coredos/backend"
	"github.com/dosemu-go/coredos/backend/jit"
	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/dosaddr"
)

func newSpace(t *testing.T) *dosaddr.Space {
	t.Helper()

	sp := dosaddr.New(1)
	if _, err := sp.AddRegion(0, 0x10000, dosaddr.RegionRAM, false); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	return sp
}

// runOneLap drives RunUntilYield until a Signal trips (right after the
// loop has gone around once), reporting the yield.
func runOneLap(t *testing.T, b *jit.Backend) backend.Yield {
	t.Helper()

	laps := 0
	b.Interp().Signal = func() bool {
		laps++

		return laps > 1
	}

	y, err := b.RunUntilYield()
	if err != nil {
		t.Fatalf("RunUntilYield: %v", err)
	}

	if y.Reason != backend.ReasonSignal {
		t.Fatalf("Reason = %v, want ReasonSignal", y.Reason)
	}

	return y
}

// TestLoopTranslateAndInvalidate is spec.md §7's acceptance test 3:
// translate a loop ("mov ax,1; inc ax; jmp back"), then write a byte
// elsewhere in its page and confirm the next execution retranslates and
// still produces the same result.
func TestLoopTranslateAndInvalidate(t *testing.T) {
	sp := newSpace(t)

	b := jit.New(sp)
	if err := b.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	const codeAddr = 0x2000

	code := []byte{
		0xB8, 0x01, 0x00, // mov ax, 1
		0x40,       // inc ax
		0xEB, 0xFA, // jmp codeAddr (nextEIP=0x2006, disp=-6)
	}

	for i, by := range code {
		if err := dosaddr.WriteByte(sp, dosaddr.Addr(codeAddr+i), by); err != nil {
			t.Fatalf("WriteByte: %v", err)
		}
	}

	cs := coreregs.CPUState{StackMask: 0xFFFF, EIP: codeAddr}
	if err := b.WriteState(&cs); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	runOneLap(t, b)

	var after coreregs.CPUState
	if err := b.ReadState(&after); err != nil {
		t.Fatalf("ReadState: %v", err)
	}

	if ax := after.EAX & 0xFFFF; ax != 2 {
		t.Fatalf("ax after one lap = %d, want 2", ax)
	}

	if after.EIP != codeAddr {
		t.Fatalf("EIP after one lap = %#x, want %#x (looped back)", after.EIP, uint32(codeAddr))
	}

	// A write elsewhere in the same 4 KiB page must invalidate the node,
	// even though the loop's own bytes are untouched.
	const scratchAddr = codeAddr + 0x100

	if err := dosaddr.WriteByte(sp, scratchAddr, 0x90); err != nil {
		t.Fatalf("WriteByte(scratch): %v", err)
	}

	invalidated, err := b.InvalidateDirtyJITPages()
	if err != nil {
		t.Fatalf("InvalidateDirtyJITPages: %v", err)
	}

	found := false

	for _, addr := range invalidated {
		if addr == codeAddr {
			found = true
		}
	}

	if !found {
		t.Fatalf("InvalidateDirtyJITPages = %v, want it to include the loop's node at %#x", invalidated, uint32(codeAddr))
	}

	cs = coreregs.CPUState{StackMask: 0xFFFF, EIP: codeAddr}
	if err := b.WriteState(&cs); err != nil {
		t.Fatalf("WriteState (2nd pass): %v", err)
	}

	runOneLap(t, b)

	if err := b.ReadState(&after); err != nil {
		t.Fatalf("ReadState (2nd pass): %v", err)
	}

	if ax := after.EAX & 0xFFFF; ax != 2 {
		t.Fatalf("ax after retranslation = %d, want 2 (same result)", ax)
	}
}

func TestGenBufSizeOverflowIsFatal(t *testing.T) {
	sp := dosaddr.New(1)
	if _, err := sp.AddRegion(0, jit.GenBufSize*2, dosaddr.RegionRAM, false); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	b := jit.New(sp)
	if err := b.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	// Fill the whole region with NOPs: a single straight-line block
	// running off the end of the address space, forcing translate to
	// keep extending a single node past GenBufSize.
	for i := 0; i < jit.GenBufSize*2; i++ {
		if err := dosaddr.WriteByte(sp, dosaddr.Addr(i), 0x90); err != nil {
			t.Fatalf("WriteByte: %v", err)
		}
	}

	cs := coreregs.CPUState{StackMask: 0xFFFF}
	if err := b.WriteState(&cs); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	if _, err := b.RunUntilYield(); err == nil {
		t.Fatal("want an error once translate crosses GenBufSize")
	}
}
