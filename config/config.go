// Package config assembles the board-specific values — partition
// table, alt-setting names, LED palette, and whether BootPolicy's
// button/magic-byte logic is active — that the four near-duplicate
// firmware variants used to hard-code per build. A single binary now
// accepts one Board value at startup instead of being recompiled per
// variant.
package config

import (
	"fmt"

	"github.com/lunca-labs/fpga-dfu/led"
)

// Partition describes one DFU alternate setting's region of the flash
// array.
type Partition struct {
	Base   uint32
	Length uint32
	Name   string
}

// SectorSize is the flash erase granularity every partition bound must
// align to.
const SectorSize = 64 * 1024

// Validate checks the alignment, sizing, and non-overlap invariants
// required of a partition table.
func Validate(parts []Partition) error {
	if len(parts) == 0 {
		return fmt.Errorf("config: partition table must have at least one entry")
	}

	type span struct{ lo, hi uint32 }
	var spans []span

	for _, p := range parts {
		if p.Base%SectorSize != 0 {
			return fmt.Errorf("config: partition %q base %#x is not sector aligned", p.Name, p.Base)
		}
		if p.Length == 0 || p.Length%SectorSize != 0 {
			return fmt.Errorf("config: partition %q length %#x is not a positive multiple of the sector size", p.Name, p.Length)
		}

		spans = append(spans, span{p.Base, p.Base + p.Length})
	}

	for i := range spans {
		for j := range spans {
			if i == j {
				continue
			}
			if spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi {
				return fmt.Errorf("config: partitions %q and %q overlap", parts[i].Name, parts[j].Name)
			}
		}
	}

	return nil
}

// Strings carries the fixed (non-partition-derived) string descriptor
// table entries.
type Strings struct {
	Manufacturer string
	Product      string
}

// Board is the full set of boot-time configuration a bootloader binary
// needs: what this firmware replaces the four duplicated main.c
// variants with.
type Board struct {
	Partitions []Partition
	Strings    Strings
	Palette    led.Palette

	// BootPolicyEnabled selects whether button/magic-byte boot
	// arbitration runs, or whether the bootloader always stays
	// resident (used by variants with no physical button wired). The
	// scratch-register check runs either way.
	BootPolicyEnabled bool

	// XferBufSize is the DFU negotiated block size; it must be a
	// multiple of 256 and must divide SectorSize.
	XferBufSize uint16
}
