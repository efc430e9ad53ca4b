package kvm

import "unsafe"

// ClockData is the KVM pvclock snapshot.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     uint32
	_     [2]uint64
}

// GetClock reads the current kvmclock value.
func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(nrGetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd)))

	return err
}

// SetClock writes a kvmclock value, used when re-synchronizing the PIT/RTC
// behind the signal router's SIGALRM tick after a long dispatcher stall
// (e.g. coopth flush during shutdown).
func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(nrSetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd)))

	return err
}

// IRQChip captures in-kernel PIC0/PIC1/IOAPIC state.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// GetIRQChip reads one in-kernel interrupt controller's state.
func GetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(nrGetIRQChip, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}

// SetIRQChip writes one in-kernel interrupt controller's state.
func SetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOR(nrSetIRQChip, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}

// PITState2 captures the in-kernel i8254 PIT.
type PITState2 struct {
	Channels [3]struct {
		Count         uint32
		LatchedCount  uint16
		CountLatched  uint8
		StatusLatched uint8
		Status        uint8
		ReadState     uint8
		WriteState    uint8
		WriteLatch    uint8
		RWMode        uint8
		Mode          uint8
		BCD           uint8
		Gate          uint8
		CountLoadTime int64
	}
	Flags uint32
	_     [9]uint32
}

// GetPIT2 reads the in-kernel PIT state.
func GetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(nrGetPIT2, unsafe.Sizeof(*p)), uintptr(unsafe.Pointer(p)))

	return err
}

// SetPIT2 writes the in-kernel PIT state.
func SetPIT2(vmFd uintptr, p *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(nrSetPIT2, unsafe.Sizeof(*p)), uintptr(unsafe.Pointer(p)))

	return err
}
