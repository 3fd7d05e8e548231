// Package flag defines the pmem command line.
package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional, and if not set, the unit passed in is used. The number can
// be any base and size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseAddr parses a physical address in any base, 0x hex being the
// usual spelling.
func ParseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q:can't parse as address:%w", s, err)
	}

	return a, nil
}

// ParseHole parses an unreadable range as base:size, e.g.
// 0xe0000000:256M.
func ParseHole(s string) (base uint64, size int, err error) {
	b, rest, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%q:can't parse as base:size:%w", s, strconv.ErrSyntax)
	}

	if base, err = ParseAddr(b); err != nil {
		return 0, 0, err
	}

	if size, err = ParseSize(rest, ""); err != nil {
		return 0, 0, err
	}

	return base, size, nil
}
