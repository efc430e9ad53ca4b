package kvmbackend

import (
	"fmt"
	"io"
	"os"

	"github.com/dosemu-go/coredos/kvm"
)

// diagnosticCapabilities is the broader capability sweep a host-setup
// diagnostic prints, as opposed to requiredCapabilities, which is the
// short list Setup actually refuses to start without.
var diagnosticCapabilities = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapMPState,
	kvm.CapSyncMMU,
	kvm.CapIOMMU,
	kvm.CapIRQRouting,
	kvm.CapSetIdentityMapAddr,
	kvm.CapXSave,
	kvm.CapKVMClockCtrl,
	kvm.CapImmediateExit,
}

// DumpCapabilities reports, for every capability this backend either
// requires or might opportunistically use, whether the host's /dev/kvm
// supports it. Intended for a host diagnostics command, not the normal
// Setup path, which only checks requiredCapabilities.
func DumpCapabilities(w io.Writer) error {
	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("kvmbackend: open /dev/kvm: %w", err)
	}
	defer kvmFile.Close()

	kvmFd := kvmFile.Fd()

	for _, cap := range diagnosticCapabilities {
		ok, err := kvm.CheckExtension(kvmFd, cap)
		if err != nil {
			return fmt.Errorf("kvmbackend: CheckExtension(%s): %w", cap, err)
		}

		fmt.Fprintf(w, "%-24s: %t\n", cap, ok != 0)
	}

	return nil
}

// DumpSupportedCPUID reports the host's KVM_GET_SUPPORTED_CPUID leaves,
// the table initSregs' CPUID patch (cr4VME and friends) is built against.
func DumpSupportedCPUID(w io.Writer) error {
	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("kvmbackend: open /dev/kvm: %w", err)
	}
	defer kvmFile.Close()

	cpuid := kvm.CPUID{
		Nent:    100,
		Entries: make([]kvm.CPUIDEntry2, 100),
	}

	if err := kvm.GetSupportedCPUID(kvmFile.Fd(), &cpuid); err != nil {
		return fmt.Errorf("kvmbackend: GetSupportedCPUID: %w", err)
	}

	for _, e := range cpuid.Entries {
		fmt.Fprintf(w, "0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flags:%x)\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx, e.Flags)
	}

	return nil
}
