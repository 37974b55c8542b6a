// Package dfu implements the DFU-download state integration that sits
// between a class-agnostic USB DFU handler and the SPI-NOR flash
// driver: block-number-to-flash-offset mapping, partition bound
// enforcement, and the erase-before-program policy that erases a 64 KiB
// block whenever a page to be programmed starts on that block's
// boundary.
package dfu

import (
	"fmt"

	"github.com/lunca-labs/fpga-dfu/config"
	"github.com/lunca-labs/fpga-dfu/led"
	"github.com/lunca-labs/fpga-dfu/spiflash"
)

// Status mirrors the DFU class status codes (DFU 1.1, Table A.1) that
// this coordinator can signal; only the subset it actually produces is
// named here.
type Status uint8

const (
	StatusOK         Status = 0x00
	StatusErrAddress Status = 0x08
	StatusErrVerify  Status = 0x0e
)

// Mode mirrors the DFU state machine states this coordinator drives
// (DFU 1.1, Table A.2); the full GetStatus/GetState state machine lives
// in the upper, out-of-scope USB stack, but the modes below are the
// ones this coordinator sets directly.
type Mode int

const (
	ModeIdle Mode = iota
	ModeDownload
	ModeError
	ModeSleep

	// ModeIdleBootloader is the idle mode entered instead of ModeIdle
	// when this session was reached via the scratch==0 soft-reset path
	// (State.BootloaderUpgrade is already true before the first
	// Download call): the coordinator is idle, but an upgrade is
	// already in progress rather than freshly started.
	ModeIdleBootloader
)

// ManifestDigest computes an integrity digest over a flash partition
// region, for comparison against a digest the host supplied out of
// band. A nil ManifestDigest disables verification entirely (the
// common, allocation-free case).
type ManifestDigest func(flash *spiflash.Flash, partition config.Partition) ([]byte, error)

// State tracks the coordinator's current DFU mode, the countdown
// driving detach-to-reboot, and whether this boot is servicing an
// in-progress upgrade.
type State struct {
	Mode              Mode
	DetachCountdownMS uint32
	BootloaderUpgrade bool
}

// Coordinator maps DFU (alt, blockNum, data) downloads onto flash
// writes according to a fixed partition table.
type Coordinator struct {
	Flash      *spiflash.Flash
	Partitions []config.Partition
	XferSize   uint16
	Animator   led.Animator

	// ExpectedDigest, if set alongside ManifestDigest, is consulted at
	// Manifest time; a mismatch yields StatusErrVerify.
	ManifestDigest ManifestDigest
	ExpectedDigest []byte

	State State
}

func (c *Coordinator) tick() {
	if c.Animator != nil {
		mode := led.ModeBusy
		switch c.State.Mode {
		case ModeError:
			mode = led.ModeError
		case ModeSleep:
			mode = led.ModeSleep
		}
		c.Animator.Tick(mode)
	}
}

// Download implements one DFU_DNLOAD block: translate (alt, blockNum)
// to a flash address, bounds-check it against the partition table,
// erase a 64 KiB sector before programming any page that starts on a
// sector boundary, and page-program the payload. A block that begins
// inside a sector does not trigger an erase of that sector.
//
// Download panics if data's length is not a multiple of 256 or exceeds
// XferSize; that is a negotiation bug in the upper USB stack, not a
// recoverable host-facing condition.
func (c *Coordinator) Download(alt int, blockNum uint32, data []byte) (Status, error) {
	if alt < 0 || alt >= len(c.Partitions) {
		return StatusErrAddress, fmt.Errorf("dfu: alternate setting %d out of range", alt)
	}
	if len(data) == 0 {
		return StatusOK, nil
	}
	if len(data) > int(c.XferSize) || len(data)%spiflash.PageSize != 0 {
		panic(fmt.Sprintf("dfu: download block length %d incompatible with negotiated transfer size %d", len(data), c.XferSize))
	}

	part := c.Partitions[alt]

	blockOffset := uint64(blockNum) * uint64(c.XferSize)
	if blockOffset >= uint64(part.Length) {
		c.State.Mode = ModeError
		c.tick()
		return StatusErrAddress, nil
	}

	c.State.Mode = ModeDownload

	flashAddr := part.Base + uint32(blockOffset)

	for off := 0; off < len(data); off += spiflash.PageSize {
		addr := flashAddr + uint32(off)

		if addr%config.SectorSize == 0 {
			c.Flash.WriteEnable()
			c.Flash.SectorErase(addr)
			c.Flash.BusyWait(c.tick)
		}

		c.Flash.WriteEnable()
		c.Flash.PageProgram(addr, data[off:off+spiflash.PageSize])
		c.Flash.BusyWait(c.tick)
	}

	return StatusOK, nil
}

// Manifest is invoked once the host has sent the final download block
// and moved to the DFU manifestation phase. If a ManifestDigest hook is
// configured, it verifies the just-written partition before reporting
// success.
func (c *Coordinator) Manifest(alt int) (Status, error) {
	if c.ManifestDigest == nil {
		c.State.Mode = ModeIdle
		return StatusOK, nil
	}

	if alt < 0 || alt >= len(c.Partitions) {
		return StatusErrAddress, fmt.Errorf("dfu: alternate setting %d out of range", alt)
	}

	digest, err := c.ManifestDigest(c.Flash, c.Partitions[alt])
	if err != nil {
		c.State.Mode = ModeError
		c.tick()
		return StatusErrVerify, err
	}

	if !digestsEqual(digest, c.ExpectedDigest) {
		c.State.Mode = ModeError
		c.tick()
		return StatusErrVerify, nil
	}

	c.State.Mode = ModeIdle
	return StatusOK, nil
}

func digestsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Abort signals a host-initiated abort: visual feedback goes to error,
// flash state is left exactly as it was (no rollback of partial
// writes).
func (c *Coordinator) Abort() {
	c.State.Mode = ModeError
	c.tick()
}

// Detach arms the detach-to-reboot countdown; the main service loop
// exits once it reaches zero.
func (c *Coordinator) Detach() {
	c.State.Mode = ModeSleep
	c.State.DetachCountdownMS = 100
	c.tick()
}

// PollTimeout reports the millisecond delay the host should wait
// before the next DFU_GETSTATUS poll: 1ms while downloading
// (programming is synchronous within Download), 0 during manifest.
func (c *Coordinator) PollTimeout() uint32 {
	if c.State.Mode == ModeDownload {
		return 1
	}
	return 0
}
