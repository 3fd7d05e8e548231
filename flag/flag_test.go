package flag_test

import (
	"testing"

	"github.com/the80srobot/rekall/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		unit string
		want int
	}{
		{"64M", "", 64 << 20},
		{"2g", "", 2 << 30},
		{"16k", "", 16 << 10},
		{"512", "", 512},
		{"4", "m", 4 << 20},
		{"0x10", "", 16},
	} {
		got, err := flag.ParseSize(tt.in, tt.unit)
		if err != nil {
			t.Errorf("ParseSize(%q, %q): %v", tt.in, tt.unit, err)

			continue
		}

		if got != tt.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.in, tt.unit, got, tt.want)
		}
	}

	for _, bad := range []string{"", "g", "12q", "one"} {
		if _, err := flag.ParseSize(bad, ""); err == nil {
			t.Errorf("ParseSize(%q) accepted", bad)
		}
	}
}

func TestParseAddr(t *testing.T) {
	t.Parallel()

	a, err := flag.ParseAddr("0xe0000000")
	if err != nil {
		t.Fatal(err)
	}

	if a != 0xe000_0000 {
		t.Errorf("got %#x", a)
	}

	if _, err := flag.ParseAddr("lowmem"); err == nil {
		t.Error("garbage address accepted")
	}
}

func TestParseHole(t *testing.T) {
	t.Parallel()

	base, size, err := flag.ParseHole("0xe0000000:256M")
	if err != nil {
		t.Fatal(err)
	}

	if base != 0xe000_0000 || size != 256<<20 {
		t.Errorf("got %#x:%d", base, size)
	}

	for _, bad := range []string{"", "0x1000", "x:1M", "0x1000:"} {
		if _, _, err := flag.ParseHole(bad); err == nil {
			t.Errorf("ParseHole(%q) accepted", bad)
		}
	}
}
