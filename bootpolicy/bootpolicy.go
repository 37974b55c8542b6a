// Package bootpolicy implements the cold-boot decision between staying
// in the DFU service loop and handing off to the user bitstream: rail
// sequencing, the USB PHY reset pulse, the one-shot/sticky boot-magic
// check in flash security page 3, the button-hold exit path, and the
// flash write-protection lifecycle that brackets bootloader residency.
package bootpolicy

import (
	"encoding/binary"

	"github.com/lunca-labs/fpga-dfu/clock"
	"github.com/lunca-labs/fpga-dfu/internal/regio"
	"github.com/lunca-labs/fpga-dfu/spiflash"
)

// Register offsets for the rail-sequencing and boot-handoff CSRs.
const (
	offVCCIOCh0     = 0x00
	offVCCIOCh1     = 0x04
	offVCCIOCh2     = 0x08
	offVCCIOEnable  = 0x0c
	offUSBCtrlReset = 0x10
	offScratch      = 0x14
	offButtonIn     = 0x18
	offCtrlReset    = 0x1c
	offUSBConnect   = 0x20
	offResetOut     = 0x24
)

// VCCIOTrim1V8 is the rail-sequencer trim word selecting 1.8V on each
// VCCIO channel.
const VCCIOTrim1V8 = 45000

// SecurityPageBootMagic is the security page index holding the
// boot-magic value.
const SecurityPageBootMagic = 3

// Boot-magic constants (BootMagic, little-endian in flash).
const (
	MagicOneShot uint32 = 0x021b3bcd // stay in bootloader, self-clearing
	MagicSticky  uint32 = 0xc4f86d8a // stay in bootloader, preserved
)

// ButtonHoldExitMS is how long the button must be held low while in
// the service loop before the bootloader commands a reset back into
// itself.
const ButtonHoldExitMS = 5000

// Sleeper performs a busy/blocking millisecond delay. RealSleep spins
// on a clock source; cmd/bootloader wires a fixed-iteration loop
// instead, and tests substitute a no-op or a clock-advancing stub.
type Sleeper func(ms uint32)

// Policy drives the cold-boot decision and the protection lifecycle
// around it.
type Policy struct {
	Bus   regio.Bus
	Base  uint32
	Flash *spiflash.Flash
	Clock clock.Source
	Sleep Sleeper

	// DisableInterrupts, if set, is called at the start of Handoff to
	// mask the USB interrupt source before the pullup is dropped, so
	// no further SETUP/IN/OUT event can race the reset. Callers wire
	// this to usbdcd.USB.IntDisable.
	DisableInterrupts func()

	// BootloaderUpgrade records whether this boot was entered via the
	// scratch==0 soft-reset path (i.e. the previous session commanded
	// a return to the bootloader for an upgrade already in progress).
	BootloaderUpgrade bool

	// StayInBootloader records whether a boot-magic match was
	// observed in security page 3.
	StayInBootloader bool

	buttonReleasedAtMS uint32
}

func (p *Policy) reg(off uint32) uint32 {
	return p.Base + off
}

// SequenceRails configures all three VCCIO channels to 1.8V and
// enables them, settling for 10ms — every channel must be configured
// even though only the USB ULPI channel strictly needs it, because the
// hardware requires all three to be set before the enable.
func (p *Policy) SequenceRails() {
	p.Bus.Write32(p.reg(offVCCIOCh0), VCCIOTrim1V8)
	p.Bus.Write32(p.reg(offVCCIOCh1), VCCIOTrim1V8)
	p.Bus.Write32(p.reg(offVCCIOCh2), VCCIOTrim1V8)
	p.Sleep(10)
	p.Bus.Write32(p.reg(offVCCIOEnable), 1)
}

// PulseUSBReset asserts and releases the USB controller reset line,
// settling 20ms on each side.
func (p *Policy) PulseUSBReset() {
	p.Bus.Write32(p.reg(offUSBCtrlReset), 1)
	p.Sleep(20)
	p.Bus.Write32(p.reg(offUSBCtrlReset), 0)
	p.Sleep(20)
}

// CheckScratchAndProtection implements the soft-reset-to-bootloader
// path: if the scratch register reads zero, a prior session asked to
// return here for an upgrade, so the bootloader region is unlocked and
// BootloaderUpgrade is recorded; otherwise protection is (re-)enabled
// if it was not already.
func (p *Policy) CheckScratchAndProtection() {
	if p.Bus.Read32(p.reg(offScratch)) == 0 {
		p.BootloaderUpgrade = true
		p.Flash.ProtectionWrite(false)
		return
	}

	if !p.Flash.ProtectionRead() {
		p.Flash.ProtectionWrite(true)
	}
}

// CheckBootMagic reads security page 3 and matches its first four
// bytes against the one-shot and sticky boot-magic constants. A
// one-shot match arms StayInBootloader and erases the page; a sticky
// match arms it without erasing.
func (p *Policy) CheckBootMagic() {
	page := p.Flash.SecurityRead(SecurityPageBootMagic)
	magic := binary.LittleEndian.Uint32(page[:4])

	switch magic {
	case MagicOneShot:
		p.StayInBootloader = true
		p.Flash.WriteEnable()
		p.Flash.SecurityErase(SecurityPageBootMagic)
		p.Flash.BusyWait(nil)
	case MagicSticky:
		p.StayInBootloader = true
	}
}

// ShouldEnterServiceLoop reports whether the boot sequence should enter
// the DFU service loop, per the button-held-low-or-boot-magic rule.
func (p *Policy) ShouldEnterServiceLoop() bool {
	return p.Bus.Read32(p.reg(offButtonIn))&1 == 0 || p.StayInBootloader
}

// ButtonHeld reports whether the physical button currently reads
// asserted (active-low).
func (p *Policy) ButtonHeld() bool {
	return p.Bus.Read32(p.reg(offButtonIn)) == 0
}

// ResetButtonHoldTimer records the current time as the start of the
// hold-duration measurement. Call once before entering the service
// loop, mirroring the reference firmware's button_count = board_millis()
// initialization ahead of its main loop.
func (p *Policy) ResetButtonHoldTimer() {
	p.buttonReleasedAtMS = p.Clock.NowMS()
}

// CheckButtonHoldExit reports whether the button has been held
// continuously, without an intervening release, for at least
// ButtonHoldExitMS. It must be called once per service-loop iteration:
// each call the button reads released rearms the timer, exactly as the
// reference firmware rewrites button_count to board_millis() on every
// iteration the button is not pressed, then only compares elapsed time
// in the iterations it is.
func (p *Policy) CheckButtonHoldExit() bool {
	if !p.ButtonHeld() {
		p.buttonReleasedAtMS = p.Clock.NowMS()
		return false
	}
	return p.Clock.NowMS()-p.buttonReleasedAtMS >= ButtonHoldExitMS
}

// CommandResetToBootloader writes scratch=0, drops the USB pullup and
// asserts the hardware reset line, the button-hold exit path's effect:
// on the next boot, CheckScratchAndProtection will see scratch==0 and
// unlock the bootloader region again.
func (p *Policy) CommandResetToBootloader() {
	p.Bus.Write32(p.reg(offScratch), 0)
	p.Bus.Write32(p.reg(offUSBConnect), 0)
	p.Sleep(20)
	p.Bus.Write32(p.reg(offCtrlReset), 1)
}

// Handoff performs the exit sequence to the user bitstream: mask the
// USB interrupt, drop the pullup so the host sees a disconnect, ensure
// flash write-protection is enabled, and assert reset-out to hand the
// SoC over to the user bitstream.
func (p *Policy) Handoff() {
	if p.DisableInterrupts != nil {
		p.DisableInterrupts()
	}

	p.Bus.Write32(p.reg(offUSBConnect), 0)
	p.Sleep(20)

	if !p.Flash.ProtectionRead() {
		p.Flash.ProtectionWrite(true)
	}

	p.Bus.Write32(p.reg(offResetOut), 1)
}

// RealSleep returns a Sleeper that busy-waits against clk.
func RealSleep(clk clock.Source) Sleeper {
	return func(ms uint32) {
		start := clk.NowMS()
		for clk.NowMS()-start < ms {
		}
	}
}
