package hlt_test

import (
	"testing"

	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/hlt"
)

func TestRegisterAndDispatch(t *testing.T) {
	b := hlt.NewBlock(0xF0000, 16)

	var invoked bool

	off, err := b.Register(hlt.Handler{Name: "int21", Invoke: func() { invoked = true }})
	if err != nil {
		t.Fatal(err)
	}

	if off != 0 {
		t.Fatalf("first offset = %d, want 0", off)
	}

	if err := b.Dispatch(off); err != nil {
		t.Fatal(err)
	}

	if !invoked {
		t.Fatal("handler was not invoked")
	}
}

func TestRegisterAdvancesByLen(t *testing.T) {
	b := hlt.NewBlock(0xF0000, 16)

	off1, err := b.Register(hlt.Handler{Name: "a", Len: 4, Invoke: func() {}})
	if err != nil {
		t.Fatal(err)
	}

	off2, err := b.Register(hlt.Handler{Name: "b", Invoke: func() {}})
	if err != nil {
		t.Fatal(err)
	}

	if off1 != 0 || off2 != 4 {
		t.Fatalf("offsets = %d, %d, want 0, 4", off1, off2)
	}
}

func TestRegisterBlockFull(t *testing.T) {
	b := hlt.NewBlock(0xF0000, 2)

	if _, err := b.Register(hlt.Handler{Name: "a", Len: 2, Invoke: func() {}}); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Register(hlt.Handler{Name: "b", Invoke: func() {}}); err == nil {
		t.Fatal("expected ErrBlockFull")
	}
}

func TestDispatchUnknownOffset(t *testing.T) {
	b := hlt.NewBlock(0xF0000, 16)

	if err := b.Dispatch(5); err == nil {
		t.Fatal("expected ErrUnknownOffset")
	}
}

func TestContainsAndAddr(t *testing.T) {
	b := hlt.NewBlock(0xF0000, 16)

	off, err := b.Register(hlt.Handler{Name: "a", Invoke: func() {}})
	if err != nil {
		t.Fatal(err)
	}

	addr := b.Addr(off)
	if addr != dosaddr.Addr(0xF0000) {
		t.Fatalf("addr = %#x, want 0xF0000", addr)
	}

	if !b.Contains(addr) {
		t.Fatal("block should contain its own handler address")
	}

	if b.Contains(0) {
		t.Fatal("block should not contain address 0")
	}
}
