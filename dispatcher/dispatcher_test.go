package dispatcher

import (
	"fmt"
	"testing"

	"github.com/dosemu-go/coredos/coopth"
	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/hlt"
)

func newInterpCore(t *testing.T) *CoreState {
	t.Helper()

	c, err := New(Config{Backend: BackendInterp})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	return c
}

func TestNewRejectsMultipleCPUs(t *testing.T) {
	if _, err := New(Config{NumCPUs: 2}); err == nil {
		t.Fatal("want an error for NumCPUs != 1")
	}
}

func TestFreezeSkipsBackendButStillDrainsSignals(t *testing.T) {
	c := newInterpCore(t)

	c.Freeze()

	if err := c.Loopstep(); err != nil {
		t.Fatalf("Loopstep while frozen: %v", err)
	}

	c.Thaw()

	if c.frozen {
		t.Fatal("Thaw did not clear frozen")
	}
}

// TestLoopstepServicesHLTTrampolineThenStopsOnCoopthSleep exercises
// run_vm86's bounded retry loop (spec.md §4.1): the guest executes HLT
// inside the registered trampoline block, the handler parks a coopth
// thread, and the loop exits without spinning into the rest of the
// (poisoned) HLT block.
func TestLoopstepServicesHLTTrampolineThenStopsOnCoopthSleep(t *testing.T) {
	c := newInterpCore(t)

	var entered int

	tid, err := c.CreateThread("svc", func(ctl *coopth.Control, offset int, arg interface{}) {
		entered++
		ctl.Wait()
	}, coopth.Hooks{})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	off, err := c.HLT.Register(hlt.Handler{
		Name: "svc",
		Invoke: func() {
			if err := c.Coopth.Start(tid, nil); err != nil {
				t.Fatalf("Start: %v", err)
			}

			if err := c.Coopth.RunTid(tid); err != nil {
				t.Fatalf("RunTid: %v", err)
			}
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	addr := c.HLT.Addr(off)
	if err := dosaddr.WriteByte(c.Space, addr, 0xF4); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}

	c.CPU.VMFlag = true
	c.CPU.StackMask = 0xFFFF
	c.CPU.CS.Base = 0
	c.CPU.EIP = uint32(addr)

	if err := c.Loopstep(); err != nil {
		t.Fatalf("Loopstep: %v", err)
	}

	if entered != 1 {
		t.Fatalf("entered = %d, want 1", entered)
	}
}

// TestINTRedirectsThenServicesTrampoline exercises the ReasonSoftInt
// path: a guest INT instruction is redirected straight to the IVT entry
// without consulting the fault router, landing on a HLT trampoline the
// next Loopstep then services. Covers both a vector below 0x20 (the
// range DOS/BIOS calls actually use — INT 10h/13h/16h/1Ah — which the
// fault router's exception-precedence table has no entry for) and one
// above it, since ReasonSoftInt's routing does not branch on the vector
// value at all.
func TestINTRedirectsThenServicesTrampoline(t *testing.T) {
	for _, vector := range []byte{0x10, 0x21} {
		t.Run(fmt.Sprintf("vector=%#x", vector), func(t *testing.T) {
			c := newInterpCore(t)

			var called bool

			tid, err := c.CreateThread("intvec", func(ctl *coopth.Control, offset int, arg interface{}) {
				called = true
				ctl.Wait()
			}, coopth.Hooks{})
			if err != nil {
				t.Fatalf("CreateThread: %v", err)
			}

			off, err := c.HLT.Register(hlt.Handler{
				Name: "intvec",
				Invoke: func() {
					_ = c.Coopth.Start(tid, nil)
					_ = c.Coopth.RunTid(tid)
				},
			})
			if err != nil {
				t.Fatalf("Register: %v", err)
			}

			trampoline := c.HLT.Addr(off)
			if err := dosaddr.WriteByte(c.Space, trampoline, 0xF4); err != nil {
				t.Fatalf("WriteByte: %v", err)
			}

			if trampoline%16 != 0 {
				t.Fatalf("test assumes a paragraph-aligned trampoline base, got %#x", trampoline)
			}

			seg := uint16(trampoline / 16)

			if err := dosaddr.WriteWord(c.Space, dosaddr.Addr(int(vector)*4), 0); err != nil {
				t.Fatal(err)
			}

			if err := dosaddr.WriteWord(c.Space, dosaddr.Addr(int(vector)*4+2), seg); err != nil {
				t.Fatal(err)
			}

			const codeAddr = dosaddr.Addr(0x1000)

			if err := dosaddr.WriteByte(c.Space, codeAddr, 0xCD); err != nil { // INT
				t.Fatal(err)
			}

			if err := dosaddr.WriteByte(c.Space, codeAddr+1, vector); err != nil {
				t.Fatal(err)
			}

			c.CPU.VMFlag = true
			c.CPU.StackMask = 0xFFFF
			c.CPU.ESP = 0xFFFE
			c.CPU.SS.Base = 0
			c.CPU.CS.Base = 0
			c.CPU.EIP = uint32(codeAddr)

			if err := c.Loopstep(); err != nil {
				t.Fatalf("Loopstep (INT): %v", err)
			}

			if c.CPU.CS.Base != uint32(trampoline) {
				t.Fatalf("CS.Base = %#x, want %#x (redirected to the IVT-installed trampoline)", c.CPU.CS.Base, trampoline)
			}

			if err := c.Loopstep(); err != nil {
				t.Fatalf("Loopstep (trampoline HLT): %v", err)
			}

			if !called {
				t.Fatalf("coopth thread tied to the INT %#x trampoline never ran", vector)
			}
		})
	}
}
