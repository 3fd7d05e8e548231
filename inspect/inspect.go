// Package inspect spot-checks acquired memory by disassembling it.
// Seeing plausible instructions at a known code address is a quick
// sanity check that an acquisition read the frames it claims to have
// read.
package inspect

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble decodes code as 64-bit x86 and writes one line per
// instruction to w, addressed from pa. Undecodable bytes are emitted
// as single data bytes so the output stays aligned with the input.
func Disassemble(w io.Writer, code []byte, pa uint64) error {
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			if _, err := fmt.Fprintf(w, "%#012x: (bad) %#02x\n", pa, code[0]); err != nil {
				return err
			}

			code = code[1:]
			pa++

			continue
		}

		if _, err := fmt.Fprintf(w, "%#012x: %s\n", pa, x86asm.GNUSyntax(inst, pa, nil)); err != nil {
			return err
		}

		code = code[inst.Len:]
		pa += uint64(inst.Len)
	}

	return nil
}
