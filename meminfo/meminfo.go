// Package meminfo describes the physical memory layout an acquisition
// device advertises to its consumers: runs of usable memory, sparse
// stretches, and the table base, rendered as YAML the way the pmem
// info device reports it.
package meminfo

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Uint64Hex renders as 0x-prefixed hex in YAML, which is how memory
// layouts are read in practice.
type Uint64Hex uint64

// MarshalYAML implements yaml.Marshaler.
func (u Uint64Hex) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(u)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting hex or decimal.
func (u *Uint64Hex) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("parse %q: %w", s, err)
	}

	*u = Uint64Hex(v)

	return nil
}

// Range is one run of physical memory. Sparse runs are holes the
// consumer should pad rather than read.
type Range struct {
	Base   Uint64Hex `yaml:"base"`
	Size   Uint64Hex `yaml:"size"`
	Sparse bool      `yaml:"sparse,omitempty"`
}

// End returns the address one past the run.
func (r Range) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Info is the layout advertised by the device.
type Info struct {
	PageSize  int       `yaml:"page_size"`
	TableBase Uint64Hex `yaml:"table_base"`
	NCPUs     int       `yaml:"ncpus"`
	Runs      []Range   `yaml:"runs"`
}

// Size returns the end of the last run, i.e. the extent a sequential
// acquisition covers.
func (i Info) Size() uint64 {
	if len(i.Runs) == 0 {
		return 0
	}

	return i.Runs[len(i.Runs)-1].End()
}

// YAML renders the layout.
func (i Info) YAML() ([]byte, error) {
	return yaml.Marshal(i)
}

// Parse reads a layout back from YAML.
func Parse(data []byte) (Info, error) {
	var i Info

	if err := yaml.Unmarshal(data, &i); err != nil {
		return Info{}, fmt.Errorf("parse meminfo: %w", err)
	}

	return i, nil
}
