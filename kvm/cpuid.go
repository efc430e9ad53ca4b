package kvm

import "unsafe"

// CPUIDSignature is the leaf KVM reserves for the hypervisor signature
// string. spec.md §4.8 step 3: "patch the hypervisor-signature leaf to
// KVMKVMKVM".
const CPUIDSignature = 0x40000000

// CPUIDFeatures is the KVM feature-bits leaf.
const CPUIDFeatures = 0x40000001

// CPUIDFuncPerMon is the performance-monitoring leaf the core disables on
// every entry (guest PMU virtualization is out of scope).
const CPUIDFuncPerMon = 0x0A

// CPUIDEntry2 is one CPUID leaf/subleaf result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID is the variable-length set of entries passed to
// KVM_GET_SUPPORTED_CPUID / KVM_SET_CPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// GetSupportedCPUID fills CPUID with every leaf/subleaf the host can
// virtualize.
func GetSupportedCPUID(kvmFd uintptr, c *CPUID) error {
	_, err := Ioctl(kvmFd, IIOWR(nrGetSupportedCPUID, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}

// SetCPUID2 installs the (possibly patched) CPUID leaves on one vCPU.
func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetCPUID2, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}
