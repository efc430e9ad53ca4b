package fault_test

import (
	"errors"
	"testing"

	"github.com/dosemu-go/coredos/coreregs"
	"github.com/dosemu-go/coredos/fault"
)

func TestDispatchJITPageFaultResumes(t *testing.T) {
	r := fault.New(nil)

	cx := &fault.Context{
		CPU:  &coreregs.CPUState{CR2: 0x1000},
		Trap: fault.TrapPageFault,
		JITPageIsCodeProtected: func(addr uint32) bool { return addr == 0x1000 },
	}

	var invalidated uint32
	cx.JITInvalidateAndUnprotect = func(addr uint32) { invalidated = addr }

	disp, err := r.Dispatch(cx)
	if err != nil {
		t.Fatal(err)
	}

	if disp != fault.DispositionResume {
		t.Fatalf("disposition = %v, want Resume", disp)
	}

	if invalidated != 0x1000 {
		t.Fatalf("invalidated = %#x, want 0x1000", invalidated)
	}
}

func TestDispatchUnknownTrapIsFatal(t *testing.T) {
	r := fault.New(nil)

	cx := &fault.Context{CPU: &coreregs.CPUState{}, Trap: 0x42}

	disp, err := r.Dispatch(cx)
	if disp != fault.DispositionEscalate {
		t.Fatalf("disposition = %v, want Escalate", disp)
	}

	var fe *fault.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FatalError, got %v", err)
	}

	if fe.Kind != fault.KindUnknown {
		t.Fatalf("kind = %v, want Unknown", fe.Kind)
	}
}

func TestDispatchSoftwareTrapRedirects(t *testing.T) {
	r := fault.New(nil)

	cx := &fault.Context{
		CPU:                   &coreregs.CPUState{},
		Trap:                  fault.TrapDivide,
		RedirectToGuestVector: func(trap int) bool { return true },
	}

	disp, err := r.Dispatch(cx)
	if err != nil {
		t.Fatal(err)
	}

	if disp != fault.DispositionRedirected {
		t.Fatalf("disposition = %v, want Redirected", disp)
	}
}

func TestDispatchSoftwareTrapNoHandlerIsFatal(t *testing.T) {
	r := fault.New(nil)

	cx := &fault.Context{CPU: &coreregs.CPUState{}, Trap: fault.TrapOverflow}

	disp, err := r.Dispatch(cx)
	if disp != fault.DispositionEscalate {
		t.Fatalf("disposition = %v, want Escalate", disp)
	}

	var fe *fault.FatalError
	if !errors.As(err, &fe) || fe.Kind != fault.KindEmulationGap {
		t.Fatalf("expected EmulationGap FatalError, got %v", err)
	}
}

func TestDispatchInvalidOpcodeEscalates(t *testing.T) {
	r := fault.New(nil)

	cx := &fault.Context{CPU: &coreregs.CPUState{}, Trap: fault.TrapInvalidOp}

	disp, err := r.Dispatch(cx)
	if disp != fault.DispositionEscalate || err == nil {
		t.Fatalf("disposition = %v, err = %v, want Escalate+error", disp, err)
	}
}

func TestDispatchV86GPServiced(t *testing.T) {
	r := fault.New(nil)

	cx := &fault.Context{
		CPU:               &coreregs.CPUState{},
		Trap:              fault.TrapGPFault,
		InV86:             true,
		V86ServiceGPFault: func(*fault.Context) bool { return true },
	}

	disp, err := r.Dispatch(cx)
	if err != nil {
		t.Fatal(err)
	}

	if disp != fault.DispositionResume {
		t.Fatalf("disposition = %v, want Resume", disp)
	}
}
