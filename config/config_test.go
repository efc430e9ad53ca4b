package config_test

import (
	"testing"

	"github.com/dosemu-go/coredos/config"
)

func TestParseSizeUnits(t *testing.T) {
	cases := []struct {
		s    string
		unit string
		want int
	}{
		{"256m", "g", 256 << 20},
		{"1G", "g", 1 << 30},
		{"640k", "g", 640 << 10},
		{"64", "m", 64 << 20},
		{"1024", "", 1024},
	}

	for _, c := range cases {
		got, err := config.ParseSize(c.s, c.unit)
		if err != nil {
			t.Fatalf("ParseSize(%q, %q): %v", c.s, c.unit, err)
		}

		if got != c.want {
			t.Fatalf("ParseSize(%q, %q) = %d, want %d", c.s, c.unit, got, c.want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	if _, err := config.ParseSize("g", "g"); err == nil {
		t.Fatal("want error for a size string with no digits")
	}

	if _, err := config.ParseSize("16x", ""); err == nil {
		t.Fatal("want error for an unrecognized unit suffix")
	}
}
