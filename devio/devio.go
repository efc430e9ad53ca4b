// Package devio defines the port-I/O device interface the fault
// router's IN/OUT path (spec.md §4.6) and the PIC/PIT/CMOS/POST
// handlers dispatch against, plus a Bus that resolves a port number to
// its registered device the way the teacher's machine.go resolves an
// EXITIO payload to an IODevice.
//
// Grounded in the teacher's device.IODevice interface.
package devio

import (
	"errors"
	"fmt"
)

// ErrDataLenInvalid reports a Read/Write call whose data slice doesn't
// match a device's expected access width.
var ErrDataLenInvalid = errors.New("devio: invalid data length for this port")

// ErrNoDevice reports an I/O access to a port with nothing registered.
var ErrNoDevice = errors.New("devio: no device registered at this port")

// Device describes the interface a port-I/O device must implement,
// regardless of which backend's IN/OUT decode path calls it
// (ground: device.IODevice).
type Device interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}

// Bus maps port ranges to devices, the software analogue of the
// chipset's address decoder — generalized from machine.go's single
// flat map (one device per exact port) to cover each device's
// registered Size() range, since DOS-era devices like the PIC and CMOS
// occupy more than one port.
type Bus struct {
	devices []Device
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register adds d to the bus. Overlapping registrations are rejected —
// two devices claiming the same port is a configuration bug, not a
// runtime condition to paper over.
func (b *Bus) Register(d Device) error {
	lo, hi := d.IOPort(), d.IOPort()+d.Size()

	for _, existing := range b.devices {
		elo, ehi := existing.IOPort(), existing.IOPort()+existing.Size()
		if lo < ehi && elo < hi {
			return fmt.Errorf("devio: port range [%#x,%#x) overlaps existing device at [%#x,%#x)", lo, hi, elo, ehi)
		}
	}

	b.devices = append(b.devices, d)

	return nil
}

// find returns the device covering port, if any.
func (b *Bus) find(port uint64) Device {
	for _, d := range b.devices {
		if port >= d.IOPort() && port < d.IOPort()+d.Size() {
			return d
		}
	}

	return nil
}

// In services a guest IN instruction of the given byte width.
func (b *Bus) In(port uint64, width int) (uint32, error) {
	d := b.find(port)
	if d == nil {
		return 0, fmt.Errorf("%w: port %#x", ErrNoDevice, port)
	}

	data := make([]byte, width)
	if err := d.Read(port, data); err != nil {
		return 0, err
	}

	var v uint32
	for i, b := range data {
		v |= uint32(b) << (8 * i)
	}

	return v, nil
}

// Out services a guest OUT instruction of the given byte width.
func (b *Bus) Out(port uint64, width int, val uint32) error {
	d := b.find(port)
	if d == nil {
		return fmt.Errorf("%w: port %#x", ErrNoDevice, port)
	}

	data := make([]byte, width)
	for i := range data {
		data[i] = byte(val >> (8 * i))
	}

	return d.Write(port, data)
}
