// Package memlayout describes the fixed guest physical memory map every
// DOS session boots with (spec.md §3.2): the IVT, BIOS data area, EBDA,
// video/ROM window, the HLT trampoline block, conventional/HMA/XMS RAM.
//
// Grounded in the teacher's e820-table construction (bootparam.AddE820Entry)
// generalized from "describe a Linux guest's one big RAM region plus MMIO
// holes" to "describe DOS's dozen fixed regions", and in ebda/ebda.go for
// the extended-BIOS-data-area placement.
package memlayout

import "github.com/dosemu-go/coredos/dosaddr"

// Region is one named, fixed-size span of guest physical memory.
type Region struct {
	Name string
	Base dosaddr.Addr
	Size int
	Type dosaddr.RegionType
}

const (
	// IVTBase is the real-mode interrupt vector table: 256 far pointers.
	IVTBase = dosaddr.Addr(0x00000)
	IVTSize = 0x400

	// BDABase is the BIOS data area immediately above the IVT.
	BDABase = dosaddr.Addr(0x00400)
	BDASize = 0x100

	// LowMemSize is conventional memory below the EBDA, 640 KiB in the
	// default layout (spec.md's LOWMEM_SIZE).
	LowMemSize = 0xA0000

	// VGAWindowBase is the legacy VGA/EGA graphics window.
	VGAWindowBase = dosaddr.Addr(0xA0000)
	VGAWindowSize = 0x20000

	// ROMAreaBase covers video BIOS, option ROMs and the system BIOS
	// shadow, up to the 1 MiB boundary.
	ROMAreaBase = dosaddr.Addr(0xC0000)
	ROMAreaSize = 0x40000

	// EBDASize is the extended BIOS data area carved out of the top of
	// conventional memory (ebda.go's fixed 1 KiB reservation).
	EBDASize = 0x400

	// HMASize is the high memory area, the 64 KiB (less 16 bytes) just
	// above the 1 MiB boundary addressable from real mode via A20.
	HMABase = dosaddr.Addr(0x100000)
	HMASize = 0xFFF0

	// HLTBlockSize is the size of the trampoline page the hlt package
	// registers callback offsets into.
	HLTBlockSize = 0x1000
)

// Table is the ordered list of fixed regions making up a default DOS
// session's guest physical memory, built once at dispatcher startup.
type Table struct {
	Regions []Region

	LowMem  dosaddr.Addr // top of conventional RAM usable by DOS, below EBDA
	HLTBase dosaddr.Addr
	XMSBase dosaddr.Addr
	XMSSize int
}

// New builds the fixed region table for a session with lowMemKiB KiB of
// conventional memory (typically 640) and xmsKiB KiB of extended memory
// above the 1 MiB boundary, reserving hltPages pages for the HLT
// trampoline block at the top of the HMA.
func New(lowMemKiB, xmsKiB int) *Table {
	lowMemBytes := lowMemKiB * 1024
	ebdaBase := dosaddr.Addr(lowMemBytes - EBDASize)
	hltBase := HMABase + dosaddr.Addr(HMASize-HLTBlockSize)

	t := &Table{
		LowMem:  ebdaBase,
		HLTBase: hltBase,
		XMSBase: HMABase + HMASize,
		XMSSize: xmsKiB * 1024,
	}

	t.Regions = []Region{
		{Name: "ivt", Base: IVTBase, Size: IVTSize, Type: dosaddr.RegionRAM},
		{Name: "bda", Base: BDABase, Size: BDASize, Type: dosaddr.RegionRAM},
		{Name: "lowmem", Base: BDABase + BDASize, Size: int(ebdaBase) - int(BDABase+BDASize), Type: dosaddr.RegionRAM},
		{Name: "ebda", Base: ebdaBase, Size: EBDASize, Type: dosaddr.RegionRAM},
		{Name: "vga", Base: VGAWindowBase, Size: VGAWindowSize, Type: dosaddr.RegionMMIO},
		{Name: "rom", Base: ROMAreaBase, Size: ROMAreaSize, Type: dosaddr.RegionROM},
		{Name: "hma", Base: HMABase, Size: HMASize - HLTBlockSize, Type: dosaddr.RegionRAM},
		{Name: "hlt", Base: hltBase, Size: HLTBlockSize, Type: dosaddr.RegionRAM},
	}

	if xmsKiB > 0 {
		t.Regions = append(t.Regions, Region{
			Name: "xms", Base: t.XMSBase, Size: t.XMSSize, Type: dosaddr.RegionRAM,
		})
	}

	return t
}

// Install mmaps every region in t into sp, in table order, so slot index
// always matches the order regions appear here. The KVM backend relies on
// that ordering to cross-reference kvm.UserspaceMemoryRegion.Slot.
func (t *Table) Install(sp *dosaddr.Space) error {
	for _, r := range t.Regions {
		poison := r.Name != "ivt" && r.Name != "bda" && r.Name != "ebda"

		if _, err := sp.AddRegion(r.Base, r.Size, r.Type, poison); err != nil {
			return err
		}
	}

	return nil
}
