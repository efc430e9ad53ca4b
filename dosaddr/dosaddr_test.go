package dosaddr_test

import (
	"testing"

	"github.com/dosemu-go/coredos/dosaddr"
)

func TestAddRegionAndTranslate(t *testing.T) {
	sp := dosaddr.New(4)

	slot, err := sp.AddRegion(0, 0x1000, dosaddr.RegionRAM, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := dosaddr.WriteByte(sp, 0x10, 0x42); err != nil {
		t.Fatal(err)
	}

	got, err := dosaddr.ReadByte(sp, 0x10)
	if err != nil {
		t.Fatal(err)
	}

	if got != 0x42 {
		t.Fatalf("have: %#x, want: 0x42", got)
	}

	if slot.Base != 0 {
		t.Fatalf("unexpected slot base: %d", slot.Base)
	}
}

func TestTranslateOutOfRange(t *testing.T) {
	sp := dosaddr.New(4)

	if _, err := sp.AddRegion(0x1000, 0x1000, dosaddr.RegionRAM, false); err != nil {
		t.Fatal(err)
	}

	if _, err := sp.Translate(0x500); err != dosaddr.ErrSlotNotFound {
		t.Fatalf("have: %v, want: ErrSlotNotFound", err)
	}
}

func TestRegionROMWritesAreDropped(t *testing.T) {
	sp := dosaddr.New(4)

	if _, err := sp.AddRegion(0xC0000, 0x1000, dosaddr.RegionROM, false); err != nil {
		t.Fatal(err)
	}

	if err := dosaddr.WriteByte(sp, 0xC0000, 0xFF); err != nil {
		t.Fatal(err)
	}

	got, err := dosaddr.ReadByte(sp, 0xC0000)
	if err != nil {
		t.Fatal(err)
	}

	if got != 0 {
		t.Fatalf("ROM write was not dropped, read back %#x", got)
	}
}

func TestPoisonFill(t *testing.T) {
	sp := dosaddr.New(4)

	slot, err := sp.AddRegion(0, 0x1000, dosaddr.RegionRAM, true)
	if err != nil {
		t.Fatal(err)
	}

	if slot.Buf[0] != 0xB8 || slot.Buf[len(dosaddr.Poison)-1] != 0x0B {
		t.Fatal("poison pattern not written")
	}
}

func TestDirtyPages(t *testing.T) {
	sp := dosaddr.New(4)

	slot, err := sp.AddRegion(0, 3*4096, dosaddr.RegionRAM, false)
	if err != nil {
		t.Fatal(err)
	}

	slot.EnableDirtyTracking()

	if err := dosaddr.WriteDword(sp, 0, 1); err != nil {
		t.Fatal(err)
	}

	if err := dosaddr.WriteDword(sp, 2*4096, 1); err != nil {
		t.Fatal(err)
	}

	pages := slot.DirtyPages()
	if len(pages) != 2 || pages[0] != 0 || pages[1] != 2 {
		t.Fatalf("unexpected dirty pages: %v", pages)
	}

	if more := slot.DirtyPages(); len(more) != 0 {
		t.Fatalf("dirty bitmap not cleared: %v", more)
	}
}

func TestReadBytesTruncatesAtSlotEnd(t *testing.T) {
	sp := dosaddr.New(4)

	slot, err := sp.AddRegion(0, 8, dosaddr.RegionRAM, false)
	if err != nil {
		t.Fatal(err)
	}

	copy(slot.Buf, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	var b [16]byte

	n, err := dosaddr.ReadBytes(sp, 4, b[:])
	if err != nil {
		t.Fatal(err)
	}

	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}

	if b[0] != 5 || b[3] != 8 {
		t.Fatalf("unexpected bytes: %v", b[:4])
	}
}

func TestNoSlotsAvail(t *testing.T) {
	sp := dosaddr.New(1)

	if _, err := sp.AddRegion(0, 0x1000, dosaddr.RegionRAM, false); err != nil {
		t.Fatal(err)
	}

	if _, err := sp.AddRegion(0x1000, 0x1000, dosaddr.RegionRAM, false); err != dosaddr.ErrNoSlotsAvail {
		t.Fatalf("have: %v, want: ErrNoSlotsAvail", err)
	}
}
