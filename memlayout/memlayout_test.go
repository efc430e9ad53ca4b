package memlayout_test

import (
	"testing"

	"github.com/dosemu-go/coredos/dosaddr"
	"github.com/dosemu-go/coredos/memlayout"
)

func TestNewOrdersRegionsByAddress(t *testing.T) {
	tbl := memlayout.New(640, 8192)

	for i := 1; i < len(tbl.Regions); i++ {
		prev, cur := tbl.Regions[i-1], tbl.Regions[i]
		if cur.Base < prev.Base {
			t.Fatalf("region %q (%#x) precedes %q (%#x)", cur.Name, cur.Base, prev.Name, prev.Base)
		}
	}
}

func TestNewWithoutXMSOmitsRegion(t *testing.T) {
	tbl := memlayout.New(640, 0)

	for _, r := range tbl.Regions {
		if r.Name == "xms" {
			t.Fatal("xms region present despite xmsKiB=0")
		}
	}
}

func TestInstallPopulatesSpace(t *testing.T) {
	tbl := memlayout.New(640, 1024)
	sp := dosaddr.New(32)

	if err := tbl.Install(sp); err != nil {
		t.Fatal(err)
	}

	if len(sp.Slots) != len(tbl.Regions) {
		t.Fatalf("have %d slots, want %d", len(sp.Slots), len(tbl.Regions))
	}

	if _, err := sp.Translate(memlayout.IVTBase); err != nil {
		t.Fatalf("IVT not mapped: %v", err)
	}

	if _, err := sp.Translate(tbl.HLTBase); err != nil {
		t.Fatalf("HLT block not mapped: %v", err)
	}
}

func TestHLTBaseWithinHMA(t *testing.T) {
	tbl := memlayout.New(640, 0)

	if tbl.HLTBase < memlayout.HMABase || tbl.HLTBase >= memlayout.HMABase+memlayout.HMASize {
		t.Fatalf("HLT base %#x outside HMA", tbl.HLTBase)
	}
}
