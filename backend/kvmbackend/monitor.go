package kvmbackend

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/memlayout"
)

// The monitor region (spec.md §3/§4.8) is a hand-built GDT/IDT/TSS plus a
// 16-byte exception stub per vector, written into guest RAM so that a
// fault taken while the VCPU is in VME-assisted V86 mode has somewhere
// real to land: the CPU always serves an exception at CPL0, which forces
// a mode exit back to protected mode, and protected mode needs its own
// descriptor tables and a valid TR to do that privilege-level switch.
//
// It lives in the HMA, just below the HLT trampoline block installed by
// package hlt, rather than in the ROM-shadow window below 1 MiB: ROM
// writes are silently dropped (dosaddr.WriteByte), so anything placed
// there could never actually be read back.
const monitorSize = 0x3000

// MonitorDosAddr is the guest-physical base of the monitor region.
const MonitorDosAddr = memlayout.HMABase + dosaddr.Addr(memlayout.HMASize-memlayout.HLTBlockSize-monitorSize)

const (
	monitorGDTOffset       = dosaddr.Addr(0x0000)
	monitorTSSOffset       = dosaddr.Addr(0x0040)
	monitorIDTOffset       = dosaddr.Addr(0x0100)
	monitorTrapFrameOffset = dosaddr.Addr(0x0900)
	monitorStubOffset      = dosaddr.Addr(0x1000)
	monitorCommonOffset    = dosaddr.Addr(0x2000)
)

const (
	monitorCodeSelector = 0x08
	monitorDataSelector = 0x10
	monitorTSSSelector  = 0x18

	numVectors    = 256
	stubEntrySize = 16
)

// tssSize is the minimum (no I/O permission bitmap) 32-bit TSS size.
const tssSize = 104

// gdtEntry is one 8-byte GDT segment descriptor, packed byte-for-byte in
// the order the CPU expects (not a convenience struct: field order here
// *is* the wire format).
type gdtEntry struct {
	LimitLow       uint16
	BaseLow        uint16
	BaseMid        uint8
	Access         uint8
	LimitHighFlags uint8
	BaseHigh       uint8
}

func newSegmentDescriptor(base, limit uint32, access, flags uint8) gdtEntry {
	return gdtEntry{
		LimitLow:       uint16(limit),
		BaseLow:        uint16(base),
		BaseMid:        uint8(base >> 16),
		Access:         access,
		LimitHighFlags: uint8(limit>>16)&0x0F | flags&0xF0,
		BaseHigh:       uint8(base >> 24),
	}
}

// idtEntry is one 8-byte 32-bit interrupt-gate descriptor.
type idtEntry struct {
	OffsetLow  uint16
	Selector   uint16
	Zero       uint8
	TypeAttr   uint8
	OffsetHigh uint16
}

// interruptGateTypeAttr: present, DPL 0, 32-bit interrupt gate (type 0xE).
// Every vector is DPL 0 because a V86-mode fault always forces CPL0 entry
// regardless of what the guest was doing.
const interruptGateTypeAttr = 0x8E

func newInterruptGate(selector uint16, offset uint32) idtEntry {
	return idtEntry{
		OffsetLow:  uint16(offset),
		Selector:   selector,
		TypeAttr:   interruptGateTypeAttr,
		OffsetHigh: uint16(offset >> 16),
	}
}

// tss32 is the minimum Intel 32-bit TSS (no I/O permission bitmap): only
// SS0/ESP0 are meaningful here, since the only privilege transition this
// monitor ever takes is V86-guest-fault -> CPL0 stub.
type tss32 struct {
	Link   uint16
	_      uint16
	ESP0   uint32
	SS0    uint16
	_      uint16
	ESP1   uint32
	SS1    uint16
	_      uint16
	ESP2   uint32
	SS2    uint16
	_      uint16
	CR3    uint32
	EIP    uint32
	EFlags uint32
	EAX    uint32
	ECX    uint32
	EDX    uint32
	EBX    uint32
	ESP    uint32
	EBP    uint32
	ESI    uint32
	EDI    uint32
	ES     uint16
	_      uint16
	CS     uint16
	_      uint16
	SS     uint16
	_      uint16
	DS     uint16
	_      uint16
	FS     uint16
	_      uint16
	GS     uint16
	_      uint16
	LDT    uint16
	_      uint16

	Trap      uint16
	IOMapBase uint16
}

// vectorsWithHardwareErrorCode are the CPU exceptions that push their own
// error code before transferring control, per the Intel SDM's exception
// table; every other vector's stub pushes a dummy 0 so the common
// handler always finds the same stack shape.
var vectorsWithHardwareErrorCode = map[int]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true,
}

func (b *Backend) buildMonitorRegion() error {
	if err := b.writeMonitorGDT(); err != nil {
		return err
	}

	if err := b.writeMonitorTSS(); err != nil {
		return err
	}

	if err := b.writeMonitorIDT(); err != nil {
		return err
	}

	if err := b.writeMonitorStubs(); err != nil {
		return err
	}

	return b.writeMonitorCommonHandler()
}

func (b *Backend) writeMonitorGDT() error {
	gdt := [5]gdtEntry{
		{}, // null descriptor
		newSegmentDescriptor(0, 0xFFFFF, 0x9A, 0xC0), // flat 32-bit code, G=1 D=1
		newSegmentDescriptor(0, 0xFFFFF, 0x92, 0xC0), // flat 32-bit data, G=1 D=1
		newSegmentDescriptor(uint32(MonitorDosAddr+monitorTSSOffset), tssSize-1, 0x89, 0x00), // 32-bit TSS (available)
		{}, // spare
	}

	return b.writeMonitorStruct(monitorGDTOffset, &gdt)
}

func (b *Backend) writeMonitorTSS() error {
	tss := tss32{
		SS0:       monitorDataSelector,
		ESP0:      uint32(MonitorDosAddr + monitorTrapFrameOffset),
		IOMapBase: tssSize, // no I/O permission bitmap
	}

	return b.writeMonitorStruct(monitorTSSOffset, &tss)
}

func (b *Backend) writeMonitorIDT() error {
	var idt [numVectors]idtEntry

	for v := 0; v < numVectors; v++ {
		stubAddr := uint32(MonitorDosAddr+monitorStubOffset) + uint32(v)*stubEntrySize
		idt[v] = newInterruptGate(monitorCodeSelector, stubAddr)
	}

	return b.writeMonitorStruct(monitorIDTOffset, &idt)
}

// writeMonitorStubs lays down the per-vector trampoline: push a
// (possibly dummy) error code, push the vector number, jump to the
// shared handler that stashes both and halts. Every entry is padded to
// exactly stubEntrySize with HLT filler bytes, which are never reached.
func (b *Backend) writeMonitorStubs() error {
	commonAddr := uint32(MonitorDosAddr + monitorCommonOffset)
	stubs := make([]byte, numVectors*stubEntrySize)

	for v := 0; v < numVectors; v++ {
		addr := uint32(MonitorDosAddr+monitorStubOffset) + uint32(v)*stubEntrySize
		stub := buildExceptionStub(v, vectorsWithHardwareErrorCode[v], addr, commonAddr)
		copy(stubs[v*stubEntrySize:], stub)
	}

	return dosaddr.WriteBytes(b.space, MonitorDosAddr+monitorStubOffset, stubs)
}

func buildExceptionStub(vector int, hasHardwareErrorCode bool, addr, commonAddr uint32) []byte {
	var stub []byte

	if !hasHardwareErrorCode {
		stub = append(stub, encodePushImm32(0)...)
	}

	stub = append(stub, encodePushImm32(uint32(vector))...)
	stub = append(stub, encodeJmpRel32(addr+uint32(len(stub)), commonAddr)...)

	for len(stub) < stubEntrySize {
		stub = append(stub, 0xF4) // HLT filler; padding only, never executed
	}

	return stub
}

// writeMonitorCommonHandler emits the shared tail every stub jumps to:
// pop the vector and error code the stub(s) pushed and store them at
// MonitorDosAddr+monitorTrapFrameOffset, the layout readMonitorTrapFrame
// reads back, then HLT to hand control to RunUntilYield.
func (b *Backend) writeMonitorCommonHandler() error {
	trapAddr := uint32(MonitorDosAddr + monitorTrapFrameOffset)

	var h []byte
	h = append(h, 0x58)                          // pop eax (vector, pushed last)
	h = append(h, encodeMovMoffsEax(trapAddr)...) // mov [trapAddr], eax
	h = append(h, 0x58)                           // pop eax (error code)
	h = append(h, encodeMovMoffsEax(trapAddr+4)...)
	h = append(h, 0xF4) // hlt

	return dosaddr.WriteBytes(b.space, MonitorDosAddr+monitorCommonOffset, h)
}

func encodePushImm32(v uint32) []byte {
	b := make([]byte, 5)
	b[0] = 0x68
	binary.LittleEndian.PutUint32(b[1:], v)

	return b
}

// encodeJmpRel32 encodes JMP rel32 at address from, targeting to. rel32
// is relative to the address of the byte following the instruction.
func encodeJmpRel32(from, to uint32) []byte {
	b := make([]byte, 5)
	b[0] = 0xE9
	binary.LittleEndian.PutUint32(b[1:], to-(from+5))

	return b
}

// encodeMovMoffsEax encodes MOV [addr], EAX (opcode 0xA3, the
// accumulator-only absolute-moffs form).
func encodeMovMoffsEax(addr uint32) []byte {
	b := make([]byte, 5)
	b[0] = 0xA3
	binary.LittleEndian.PutUint32(b[1:], addr)

	return b
}

func (b *Backend) writeMonitorStruct(offset dosaddr.Addr, v interface{}) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("kvmbackend: encode monitor struct at %#x: %w", offset, err)
	}

	return dosaddr.WriteBytes(b.space, MonitorDosAddr+offset, buf.Bytes())
}
