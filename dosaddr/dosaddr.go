// Package dosaddr implements the guest physical <-> host virtual address
// translation that every backend shares (spec.md §3 "Guest memory",
// §4.11 "Address-space and memory mapping").
//
// Grounded in the teacher's memory package (memory/memory.go,
// memory/addressSpace.go): a single flat mmap'd region plays the role of
// mem_base, and KVM memory slots are tracked the same way, but the slot
// table here is sized for the fixed DOS layout (memlayout.Table) rather
// than for an arbitrary Linux guest's RAM size.
package dosaddr

import (
	"errors"
	"syscall"
	"unsafe"
)

var (
	// ErrNoSlotsAvail reports that the host KVM instance's slot table
	// (KVM_CAP_NR_MEMSLOTS) is exhausted.
	ErrNoSlotsAvail = errors.New("maximal number of memory slots exhausted")

	// ErrSlotNotFound reports a lookup miss in Space.Slots.
	ErrSlotNotFound = errors.New("unable to find memory slot")

	// ErrOutOfRange reports a guest address outside mem_base's span.
	ErrOutOfRange = errors.New("dosaddr out of range")
)

// Addr is the 32-bit guest linear/physical address type named dosaddr_t in
// spec.md §3. DOS and DPMI never need more than 32 bits of address space.
type Addr uint32

// RegionType classifies a Slot the way the fault router's TLB miss path
// (spec.md §4.11) needs to route an access: straight RAM, read-only ROM
// (writes silently dropped), or an MMIO-trapped range (VGA, LFB).
type RegionType uint8

const (
	RegionRAM RegionType = iota
	RegionROM
	RegionMMIO
)

// Poison is written across any physical page the core doesn't back with
// real content yet. It decodes as "mov eax, 0xcafebabe; nop; ud2" so a
// runaway guest IP immediately UD2-faults instead of executing zero bytes
// as a 32-instance ADD AL,[EAX] chain — ground: memory.Poison.
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// Slot is one KVM userspace memory region backing a contiguous range of
// guest physical memory.
type Slot struct {
	Index      uint32
	Base       Addr
	Size       int
	Type       RegionType
	Buf        []byte
	hostAddr   uintptr
	dirtyWords []uint64 // populated lazily by EnableDirtyTracking
}

// HostAddrUint64 returns the host virtual address of this slot's backing
// buffer, the value the KVM backend passes as UserspaceMemoryRegion's
// UserspaceAddr field.
func (s *Slot) HostAddrUint64() uint64 {
	return uint64(s.hostAddr)
}

// HostPtr returns the host virtual address backing guest offset off within
// this slot (the "mem_base + dosaddr_t" computation from spec.md §3).
func (s *Slot) HostPtr(off Addr) (unsafe.Pointer, error) {
	if int(off) >= s.Size {
		return nil, ErrOutOfRange
	}

	return unsafe.Pointer(&s.Buf[off]), nil
}

// Space is the guest's entire physical address space: mem_base plus the
// slot table that backs it.
type Space struct {
	Slots    []*Slot
	MaxSlots uint32
	nextSlot uint32
}

// New allocates a Space, probing the host for how many memory slots it can
// register (grounded on memory.New's kvm.CheckExtension(CapNRMemSlots)
// call). checkExtension is injected so callers that don't have a live
// /dev/kvm fd (the V86/interpreter/JIT backends) can still build a Space.
func New(maxSlots uint32) *Space {
	if maxSlots == 0 {
		maxSlots = 32
	}

	return &Space{MaxSlots: maxSlots}
}

// AddRegion mmaps size anonymous bytes and registers them as a new slot
// starting at guest physical address base, poisoning everything past the
// first 1 MiB the way the teacher poisons everything above highMemBase.
func (sp *Space) AddRegion(base Addr, size int, typ RegionType, poison bool) (*Slot, error) {
	if uint32(len(sp.Slots)) >= sp.MaxSlots {
		return nil, ErrNoSlotsAvail
	}

	buf, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	if poison {
		for i := 0; i+len(Poison) <= len(buf); i += len(Poison) {
			copy(buf[i:], Poison)
		}
	}

	slot := &Slot{
		Index:    sp.nextSlot,
		Base:     base,
		Size:     size,
		Type:     typ,
		Buf:      buf,
		hostAddr: uintptr(unsafe.Pointer(&buf[0])),
	}
	sp.nextSlot++
	sp.Slots = append(sp.Slots, slot)

	return slot, nil
}

// EnableDirtyTracking allocates the bitmap GetDirtyPages folds into, sized
// for one bit per page. Only the backends that can't otherwise tell which
// pages the guest wrote (V86, interpreter, JIT) call this; the KVM backend
// asks kvm.GetDirtyLog directly and never touches dirtyWords.
func (s *Slot) EnableDirtyTracking() {
	pages := (s.Size + 4095) / 4096
	s.dirtyWords = make([]uint64, (pages+63)/64)
}

func (s *Slot) markDirty(off Addr) {
	if s.dirtyWords == nil {
		return
	}

	page := uint32(off) / 4096
	s.dirtyWords[page/64] |= 1 << (page % 64)
}

// DirtyPages returns the guest-physical page numbers (relative to s.Base)
// written since the last call, then clears the bitmap — the same
// collect-and-clear contract as kvm.GetDirtyLog, so the JIT backend's
// self-modifying-code invalidation hook (spec.md §9) can treat both
// sources identically.
func (s *Slot) DirtyPages() []uint32 {
	if s.dirtyWords == nil {
		return nil
	}

	var pages []uint32

	for w, word := range s.dirtyWords {
		for word != 0 {
			bit := word & (-word)
			idx := uint32(w)*64 + uint32(bitLen(bit)-1)
			pages = append(pages, idx)
			word ^= bit
		}

		s.dirtyWords[w] = 0
	}

	return pages
}

func bitLen(x uint64) int {
	n := 0
	for x != 0 {
		x >>= 1
		n++
	}

	return n
}

// FindSlot returns the slot covering guest address addr, if any.
func (sp *Space) FindSlot(addr Addr) (*Slot, error) {
	for _, s := range sp.Slots {
		if addr >= s.Base && int(addr-s.Base) < s.Size {
			return s, nil
		}
	}

	return nil, ErrSlotNotFound
}

// Translate converts a guest address into a host pointer, the single
// primitive every read_byte/word/dword/qword and write_* helper in
// spec.md §4.11 is built from.
func (sp *Space) Translate(addr Addr) (unsafe.Pointer, error) {
	s, err := sp.FindSlot(addr)
	if err != nil {
		return nil, err
	}

	return s.HostPtr(addr - s.Base)
}

// ReadByte/ReadWord/ReadDword/ReadQword and the Write* counterparts are the
// signal-safe memory accessors from spec.md §4.11. They do not themselves
// implement the VGA/MMIO/ROM/DPMI routing — that lives in the fault
// router's TLB-miss handler — but they are what a TLB hit resolves to.

func ReadByte(sp *Space, addr Addr) (uint8, error) {
	p, err := sp.Translate(addr)
	if err != nil {
		return 0, err
	}

	return *(*uint8)(p), nil
}

func ReadWord(sp *Space, addr Addr) (uint16, error) {
	p, err := sp.Translate(addr)
	if err != nil {
		return 0, err
	}

	return *(*uint16)(p), nil
}

func ReadDword(sp *Space, addr Addr) (uint32, error) {
	p, err := sp.Translate(addr)
	if err != nil {
		return 0, err
	}

	return *(*uint32)(p), nil
}

func ReadQword(sp *Space, addr Addr) (uint64, error) {
	p, err := sp.Translate(addr)
	if err != nil {
		return 0, err
	}

	return *(*uint64)(p), nil
}

// ReadBytes copies up to len(b) bytes starting at addr into b, stopping
// early (without error) at the end of the covering slot — callers that
// need a full-length instruction-decode window (interp, the JIT
// translator) pass a buffer sized for the longest possible x86
// instruction and check the returned count.
func ReadBytes(sp *Space, addr Addr, b []byte) (int, error) {
	s, err := sp.FindSlot(addr)
	if err != nil {
		return 0, err
	}

	off := int(addr - s.Base)
	n := len(b)

	if off+n > s.Size {
		n = s.Size - off
	}

	copy(b, s.Buf[off:off+n])

	return n, nil
}

func WriteByte(sp *Space, addr Addr, v uint8) error {
	s, err := sp.FindSlot(addr)
	if err != nil {
		return err
	}

	if s.Type == RegionROM {
		return nil // ROM writes are silently dropped, per spec.md §4.11.
	}

	p, err := s.HostPtr(addr - s.Base)
	if err != nil {
		return err
	}

	*(*uint8)(p) = v
	s.markDirty(addr - s.Base)

	return nil
}

func WriteWord(sp *Space, addr Addr, v uint16) error {
	s, err := sp.FindSlot(addr)
	if err != nil {
		return err
	}

	if s.Type == RegionROM {
		return nil
	}

	p, err := s.HostPtr(addr - s.Base)
	if err != nil {
		return err
	}

	*(*uint16)(p) = v
	s.markDirty(addr - s.Base)

	return nil
}

func WriteDword(sp *Space, addr Addr, v uint32) error {
	s, err := sp.FindSlot(addr)
	if err != nil {
		return err
	}

	if s.Type == RegionROM {
		return nil
	}

	p, err := s.HostPtr(addr - s.Base)
	if err != nil {
		return err
	}

	*(*uint32)(p) = v
	s.markDirty(addr - s.Base)

	return nil
}

// WriteBytes copies b into the slot covering addr, byte by byte so each
// one gets the same ROM-drop/dirty-tracking treatment as WriteByte. Used
// for blitting a prebuilt blob (the KVM backend's monitor region: GDT,
// IDT, TSS, exception stub code) into guest memory in one call.
func WriteBytes(sp *Space, addr Addr, b []byte) error {
	for i, v := range b {
		if err := WriteByte(sp, addr+Addr(i), v); err != nil {
			return err
		}
	}

	return nil
}
