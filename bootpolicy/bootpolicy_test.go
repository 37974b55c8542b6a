package bootpolicy

import (
	"testing"

	"github.com/lunca-labs/fpga-dfu/clock"
	"github.com/lunca-labs/fpga-dfu/internal/regio"
	"github.com/lunca-labs/fpga-dfu/spiflash"
)

// magicBus simulates the SPI master well enough to drive SecurityRead's
// four-byte magic comparison: the 6th through 9th RXTX read (the first
// four bytes of the 256-byte security page, after the 5-byte
// command/address/dummy preamble) returns the configured magic word
// instead of echoing the write. All RXTX writes are recorded so tests
// can assert an erase command was or wasn't issued.
type magicBus struct {
	*regio.Sim
	flashBase uint32
	magic     [4]byte
	calls     int
	written   []byte
}

func (b *magicBus) Read32(addr uint32) uint32 {
	off := addr - b.flashBase
	switch off {
	case 0x04, 0x08: // tx/rx ready
		return 1
	case 0x00:
		b.calls++
		if b.calls >= 6 && b.calls <= 9 {
			return uint32(b.magic[b.calls-6])
		}
	}
	return b.Sim.Read32(addr)
}

func (b *magicBus) Write32(addr uint32, val uint32) {
	if addr-b.flashBase == 0x00 {
		b.written = append(b.written, byte(val))
	}
	b.Sim.Write32(addr, val)
}

func (b *magicBus) eraseIssued() bool {
	for _, c := range b.written {
		if c == 0x44 { // cmdEraseSecurity
			return true
		}
	}
	return false
}

func noopSleep(uint32) {}

func newPolicy(bus *magicBus) *Policy {
	const ctrlBase = 0x2000
	return &Policy{
		Bus:   bus,
		Base:  ctrlBase,
		Flash: spiflash.New(bus, bus.flashBase, 0),
		Clock: &clock.Sim{},
		Sleep: noopSleep,
	}
}

func le32(v uint32) [4]byte {
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func TestCheckBootMagicOneShotErases(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000, magic: le32(MagicOneShot)}
	p := newPolicy(bus)

	p.CheckBootMagic()

	if !p.StayInBootloader {
		t.Fatal("expected StayInBootloader after one-shot magic match")
	}
	if !bus.eraseIssued() {
		t.Fatal("expected security page erase after one-shot magic match")
	}
}

func TestCheckBootMagicStickyDoesNotErase(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000, magic: le32(MagicSticky)}
	p := newPolicy(bus)

	p.CheckBootMagic()

	if !p.StayInBootloader {
		t.Fatal("expected StayInBootloader after sticky magic match")
	}
	if bus.eraseIssued() {
		t.Fatal("expected no erase after sticky magic match")
	}
}

func TestCheckBootMagicNoMatch(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000, magic: le32(0xdeadbeef)}
	p := newPolicy(bus)

	p.CheckBootMagic()

	if p.StayInBootloader {
		t.Fatal("expected StayInBootloader to remain false with no magic match")
	}
	if bus.eraseIssued() {
		t.Fatal("expected no erase with no magic match")
	}
}

func TestCheckScratchZeroUnlocksForUpgrade(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	bus.Poke(p.reg(offScratch), 0)

	p.CheckScratchAndProtection()

	if !p.BootloaderUpgrade {
		t.Fatal("expected BootloaderUpgrade when scratch reads zero")
	}
}

func TestCheckScratchNonZeroLeavesUpgradeUnset(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	bus.Poke(p.reg(offScratch), 1)

	p.CheckScratchAndProtection()

	if p.BootloaderUpgrade {
		t.Fatal("expected BootloaderUpgrade to remain false when scratch is non-zero")
	}
}

func TestShouldEnterServiceLoopOnButtonHeld(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	bus.Poke(p.reg(offButtonIn), 0)

	if !p.ShouldEnterServiceLoop() {
		t.Fatal("expected to enter service loop when button reads asserted (active-low)")
	}
}

func TestShouldEnterServiceLoopOnStickyMagicEvenWithButtonReleased(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	bus.Poke(p.reg(offButtonIn), 1)
	p.StayInBootloader = true

	if !p.ShouldEnterServiceLoop() {
		t.Fatal("expected to enter service loop when boot magic is armed, regardless of button state")
	}
}

func TestShouldNotEnterServiceLoopWhenButtonReleasedAndNoMagic(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	bus.Poke(p.reg(offButtonIn), 1)

	if p.ShouldEnterServiceLoop() {
		t.Fatal("expected not to enter service loop when button is released and no magic armed")
	}
}

func TestSequenceRailsEnablesAfterAllChannelsConfigured(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)

	p.SequenceRails()

	if v := bus.Peek(p.reg(offVCCIOCh0)); v != VCCIOTrim1V8 {
		t.Fatalf("expected VCCIO ch0 = %d, got %d", VCCIOTrim1V8, v)
	}
	if v := bus.Peek(p.reg(offVCCIOCh1)); v != VCCIOTrim1V8 {
		t.Fatalf("expected VCCIO ch1 = %d, got %d", VCCIOTrim1V8, v)
	}
	if v := bus.Peek(p.reg(offVCCIOCh2)); v != VCCIOTrim1V8 {
		t.Fatalf("expected VCCIO ch2 = %d, got %d", VCCIOTrim1V8, v)
	}
	if v := bus.Peek(p.reg(offVCCIOEnable)); v != 1 {
		t.Fatal("expected VCCIO enable set after channel configuration")
	}
}

func TestPulseUSBResetAssertsThenDeasserts(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)

	p.PulseUSBReset()

	if v := bus.Peek(p.reg(offUSBCtrlReset)); v != 0 {
		t.Fatalf("expected USB controller reset deasserted after pulse, got %d", v)
	}
}

func TestCommandResetToBootloaderClearsScratch(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	bus.Poke(p.reg(offScratch), 1)

	p.CommandResetToBootloader()

	if v := bus.Peek(p.reg(offScratch)); v != 0 {
		t.Fatalf("expected scratch cleared, got %d", v)
	}
	if v := bus.Peek(p.reg(offCtrlReset)); v != 1 {
		t.Fatal("expected ctrl reset asserted")
	}
}

func TestHandoffDropsConnectAndAssertsResetOut(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	bus.Poke(p.reg(offUSBConnect), 1)

	p.Handoff()

	if v := bus.Peek(p.reg(offUSBConnect)); v != 0 {
		t.Fatalf("expected USB connect dropped, got %d", v)
	}
	if v := bus.Peek(p.reg(offResetOut)); v != 1 {
		t.Fatal("expected reset-out asserted")
	}
}

func TestHandoffDisablesInterrupts(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)

	called := false
	p.DisableInterrupts = func() { called = true }

	p.Handoff()

	if !called {
		t.Fatal("expected DisableInterrupts to be called during Handoff")
	}
}

func TestCheckButtonHoldExitFiresAfterThreshold(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	sim := p.Clock.(*clock.Sim)

	p.ResetButtonHoldTimer()
	bus.Poke(p.reg(offButtonIn), 0)

	sim.Advance(ButtonHoldExitMS - 1)
	if p.CheckButtonHoldExit() {
		t.Fatal("expected no exit just below threshold")
	}

	sim.Advance(1)
	if !p.CheckButtonHoldExit() {
		t.Fatal("expected exit once held for the full threshold")
	}
}

func TestCheckButtonHoldExitRearmsOnRelease(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)
	sim := p.Clock.(*clock.Sim)

	p.ResetButtonHoldTimer()
	bus.Poke(p.reg(offButtonIn), 0)
	sim.Advance(ButtonHoldExitMS)

	bus.Poke(p.reg(offButtonIn), 1)
	if p.CheckButtonHoldExit() {
		t.Fatal("expected release to rearm the timer")
	}

	bus.Poke(p.reg(offButtonIn), 0)
	sim.Advance(1)
	if p.CheckButtonHoldExit() {
		t.Fatal("expected no exit immediately after a fresh press")
	}
}

func TestButtonHeld(t *testing.T) {
	bus := &magicBus{Sim: regio.NewSim(), flashBase: 0x1000}
	p := newPolicy(bus)

	bus.Poke(p.reg(offButtonIn), 0)
	if !p.ButtonHeld() {
		t.Fatal("expected ButtonHeld true when register reads 0")
	}

	bus.Poke(p.reg(offButtonIn), 1)
	if p.ButtonHeld() {
		t.Fatal("expected ButtonHeld false when register reads non-zero")
	}
}
