package kvmbackend

import (
	"os"
	"testing"

	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/memlayout"
)

// requireKVM skips tests that need a real /dev/kvm the way machine_test.go's
// root check gates its own hardware-dependent tests.
func requireKVM(t *testing.T) {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}

	f.Close()
}

func newTestSpace(t *testing.T) *dosaddr.Space {
	t.Helper()

	sp := dosaddr.New(32)
	table := memlayout.New(640, 0)

	if err := table.Install(sp); err != nil {
		t.Fatal(err)
	}

	return sp
}

func TestSetupAndShutdown(t *testing.T) {
	requireKVM(t)

	b := New(newTestSpace(t))
	if err := b.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if err := b.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestReadMonitorTrapFrameDefaultsToZero(t *testing.T) {
	sp := newTestSpace(t)
	b := &Backend{space: sp}

	trap, errCode := b.readMonitorTrapFrame()
	if trap != 0 || errCode != 0 {
		t.Fatalf("trap, errCode = %d, %d, want 0, 0 on an untouched monitor frame", trap, errCode)
	}
}

func TestInjectFaultAndReadWriteStateRoundTrip(t *testing.T) {
	requireKVM(t)

	b := New(newTestSpace(t))
	if err := b.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Shutdown()

	if err := b.InjectFault(0x0D, 0); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
}

func TestInvalidateDirtyJITPagesRunsClean(t *testing.T) {
	requireKVM(t)

	b := New(newTestSpace(t))
	if err := b.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Shutdown()

	if _, err := b.InvalidateDirtyJITPages(); err != nil {
		t.Fatalf("InvalidateDirtyJITPages: %v", err)
	}
}
