package config

import "github.com/lunca-labs/fpga-dfu/led"

// Reference returns the four-way partition layout used by the
// example board: main gateware, main firmware, an extra scratch image,
// and the bootloader's own region.
func Reference() Board {
	return Board{
		Partitions: []Partition{
			{Base: 0x200000, Length: 0x600000, Name: "main-gateware @0x200000"},
			{Base: 0x800000, Length: 0x400000, Name: "main-firmware @0x800000"},
			{Base: 0xc00000, Length: 0x400000, Name: "extra @0xc00000"},
			{Base: 0x000000, Length: 0x200000, Name: "bootloader @0x000000"},
		},
		Strings: Strings{
			Manufacturer: "Good Stuff Department",
			Product:      "fpga-dfu bootloader",
		},
		Palette:           led.DefaultPalette,
		BootPolicyEnabled: true,
		XferBufSize:       4096,
	}
}
