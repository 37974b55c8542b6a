// Command bootloader is the composition root: it wires the flash,
// device-controller, descriptor, DFU, and boot-policy packages into the
// single binary that replaces the four near-duplicate firmware
// variants, selecting behavior at runtime from one config.Board value
// instead of at compile time.
//
// The class-agnostic pieces of a USB device stack — enumeration,
// standard request parsing, interface/alt-setting bookkeeping — are
// not a separate package in this repository; they are exactly as much
// glue as this command needs to drive UsbDeviceBackend from below and
// DfuFlashCoordinator from above, so they live here rather than behind
// an abstraction nothing else would implement.
package main

import (
	"encoding/binary"
	"log"

	"github.com/lunca-labs/fpga-dfu/bootpolicy"
	"github.com/lunca-labs/fpga-dfu/clock"
	"github.com/lunca-labs/fpga-dfu/config"
	"github.com/lunca-labs/fpga-dfu/descriptor"
	"github.com/lunca-labs/fpga-dfu/dfu"
	"github.com/lunca-labs/fpga-dfu/internal/regio"
	"github.com/lunca-labs/fpga-dfu/led"
	"github.com/lunca-labs/fpga-dfu/spiflash"
	"github.com/lunca-labs/fpga-dfu/usbdcd"
)

// Register base addresses. These mirror the CSR map LiteX generates
// for the reference gateware build; a real port adjusts them to match
// csr.json for its own bitstream.
const (
	baseSPIFlash    = 0xf0000000
	baseFlashMMAP   = 0x20000000
	baseBootCtrl    = 0xf0001000
	baseMillisTicks = 0xf0003000
)

var usbBases = usbdcd.Bases{
	Device: 0xf0002000,
	Setup:  0xf0002100,
	In:     0xf0002200,
	Out:    0xf0002300,
}

// Standard USB request codes this bootloader must answer itself, since
// no class-agnostic stack sits above UsbDeviceBackend in this repo.
const (
	reqGetDescriptor = 6
	reqSetAddress    = 5
	reqSetConfig     = 9
)

// DFU 1.1 class request codes (Table 3.2).
const (
	dfuDetach    = 0
	dfuDnload    = 1
	dfuUpload    = 2
	dfuGetStatus = 3
	dfuClrStatus = 4
	dfuGetState  = 5
	dfuAbort     = 6
)

type app struct {
	board  config.Board
	flash  *spiflash.Flash
	usb    *usbdcd.USB
	dev    *descriptor.Device
	coord  *dfu.Coordinator
	anim   led.Animator
	serial string

	currentAlt int
}

func buildDescriptors(board config.Board, serial string) *descriptor.Device {
	dev := &descriptor.Device{}
	dev.Descriptor = &descriptor.DeviceDescriptor{}
	dev.Descriptor.SetDefaults()

	iface := &descriptor.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.Func = &descriptor.DFUFunctionalDescriptor{}
	iface.Func.SetDefaults(board.XferBufSize)

	dev.Configuration = &descriptor.ConfigurationDescriptor{Interface: iface}
	dev.Configuration.SetDefaults()

	dev.SetLanguageCodes([]uint16{0x0409})

	mfgIdx, _ := dev.AddString(board.Strings.Manufacturer)
	prodIdx, _ := dev.AddString(board.Strings.Product)
	serialIdx, _ := dev.AddString(serial)

	dev.Descriptor.Manufacturer = mfgIdx
	dev.Descriptor.Product = prodIdx
	dev.Descriptor.SerialNumber = serialIdx

	for _, p := range board.Partitions {
		idx, _ := dev.AddString(p.Name)
		dev.AlternateNames = append(dev.AlternateNames, p.Name)
		_ = idx
	}

	return dev
}

// onSetup implements just enough of the standard and DFU class request
// handlers to exercise DfuFlashCoordinator end to end: GET_DESCRIPTOR
// for enumeration, SET_ADDRESS/SET_CONFIGURATION as no-ops beyond
// acknowledgement, and the six DFU requests the host tool needs to
// drive a download-then-manifest cycle and a detach.
func (a *app) onSetup(pkt [8]byte) {
	bmRequestType := pkt[0]
	bRequest := pkt[1]
	wValue := binary.LittleEndian.Uint16(pkt[2:4])
	wIndex := binary.LittleEndian.Uint16(pkt[4:6])
	wLength := binary.LittleEndian.Uint16(pkt[6:8])

	classRequest := bmRequestType&0x60 == 0x20

	if classRequest {
		a.onDFURequest(bRequest, wValue, wLength)
		return
	}

	switch bRequest {
	case reqGetDescriptor:
		a.onGetDescriptor(wValue, wLength)
	case reqSetAddress, reqSetConfig:
		a.usb.EndpointXfer(0x80, nil, 0)
	case descriptor.MSFTVendorCode:
		if wIndex == 0x0004 {
			a.usb.EndpointXfer(0x80, descriptor.WCIDCompatibleID(), int(wLength))
		}
	default:
		a.usb.EndpointStall(0x80)
	}
}

func (a *app) onGetDescriptor(wValue uint16, wLength uint16) {
	descType := byte(wValue >> 8)
	descIndex := byte(wValue)

	var payload []byte

	switch descType {
	case descriptor.TypeDevice:
		payload = a.dev.Descriptor.Bytes()
	case descriptor.TypeConfiguration:
		payload = a.dev.ConfigurationBytes()
	case descriptor.TypeString:
		if descIndex == descriptor.MSOSStringIndex {
			payload = descriptor.MSOSString()
		} else if int(descIndex) < len(a.dev.Strings) {
			payload = a.dev.Strings[descIndex]
		}
	}

	if payload == nil {
		a.usb.EndpointStall(0x80)
		return
	}
	if len(payload) > int(wLength) {
		payload = payload[:wLength]
	}

	a.usb.EndpointXfer(0x80, payload, len(payload))
}

func (a *app) onDFURequest(bRequest byte, wValue uint16, wLength uint16) {
	switch bRequest {
	case dfuDnload:
		buf := make([]byte, wLength)
		a.usb.EndpointXfer(0x00, buf, int(wLength))

		status, err := a.coord.Download(a.currentAlt, uint32(wValue), buf)
		if err != nil {
			log.Printf("bootloader: download error: %v", err)
		}
		if status == dfu.StatusOK && wLength == 0 {
			a.coord.Manifest(a.currentAlt)
		}
		a.usb.EndpointXfer(0x80, nil, 0)

	case dfuGetStatus:
		resp := make([]byte, 6)
		resp[0] = byte(dfuStatusFor(a.coord.State.Mode))
		timeout := a.coord.PollTimeout()
		resp[1], resp[2], resp[3] = byte(timeout), byte(timeout>>8), byte(timeout>>16)
		resp[4] = byte(dfuStateFor(a.coord.State.Mode))
		a.usb.EndpointXfer(0x80, resp, len(resp))

	case dfuGetState:
		a.usb.EndpointXfer(0x80, []byte{byte(dfuStateFor(a.coord.State.Mode))}, 1)

	case dfuClrStatus:
		if a.coord.State.BootloaderUpgrade {
			a.coord.State.Mode = dfu.ModeIdleBootloader
		} else {
			a.coord.State.Mode = dfu.ModeIdle
		}
		a.usb.EndpointXfer(0x80, nil, 0)

	case dfuAbort:
		a.coord.Abort()
		a.usb.EndpointXfer(0x80, nil, 0)

	case dfuDetach:
		a.coord.Detach()
		a.usb.EndpointXfer(0x80, nil, 0)

	default:
		a.usb.EndpointStall(0x80)
	}
}

// dfuStatusFor and dfuStateFor translate the coordinator's reduced
// Mode into the DFU 1.1 status/state byte values a GetStatus/GetState
// response must carry (Table A.1/A.2); only the states this
// coordinator itself drives are represented.
func dfuStatusFor(m dfu.Mode) dfu.Status {
	if m == dfu.ModeError {
		return dfu.StatusErrAddress
	}
	return dfu.StatusOK
}

func dfuStateFor(m dfu.Mode) byte {
	switch m {
	case dfu.ModeDownload:
		return 5 // dfuDNLOAD-IDLE
	case dfu.ModeError:
		return 10 // dfuERROR
	case dfu.ModeSleep:
		return 0 // appIDLE (post-detach)
	default:
		return 2 // dfuIDLE
	}
}

func (a *app) onReset(fullSpeed bool) {
	a.currentAlt = 0
	if a.coord.State.BootloaderUpgrade {
		a.coord.State.Mode = dfu.ModeIdleBootloader
	} else {
		a.coord.State.Mode = dfu.ModeIdle
	}
	log.Printf("bootloader: bus reset (full-speed=%v)", fullSpeed)
}

func main() {
	log.SetFlags(0)

	bus := regio.MMIO{}
	board := config.Reference()
	if err := config.Validate(board.Partitions); err != nil {
		log.Fatalf("bootloader: invalid partition table: %v", err)
	}

	flash := spiflash.New(bus, baseSPIFlash, baseFlashMMAP)
	animator := led.NewSolid(board.Palette)

	policy := &bootpolicy.Policy{
		Bus:   bus,
		Base:  baseBootCtrl,
		Flash: flash,
		Clock: clock.CSR{Bus: bus, Addr: baseMillisTicks},
		Sleep: func(ms uint32) { busyWaitMS(ms) },
	}

	policy.SequenceRails()
	policy.PulseUSBReset()
	policy.CheckScratchAndProtection()

	if board.BootPolicyEnabled {
		policy.CheckBootMagic()
	}

	if board.BootPolicyEnabled && !policy.ShouldEnterServiceLoop() {
		policy.Handoff()
		return
	}

	uuid := flash.ReadUUID()
	serial := descriptor.SerialFromUUID(uuid)
	dev := buildDescriptors(board, serial)

	coord := &dfu.Coordinator{
		Flash:      flash,
		Partitions: board.Partitions,
		XferSize:   board.XferBufSize,
		Animator:   animator,
	}
	coord.State.BootloaderUpgrade = policy.BootloaderUpgrade
	if policy.BootloaderUpgrade {
		coord.State.Mode = dfu.ModeIdleBootloader
	}

	a := &app{board: board, flash: flash, dev: dev, coord: coord, anim: animator, serial: serial}

	usb := usbdcd.New(bus, usbBases)
	usb.OnSetup = a.onSetup
	usb.OnReset = a.onReset
	a.usb = usb

	policy.DisableInterrupts = usb.IntDisable

	usb.Init()

	log.Printf("bootloader: serial %s, %d partitions, entering service loop", serial, len(board.Partitions))

	policy.ResetButtonHoldTimer()
	lastTick := policy.Clock.NowMS()

	for {
		usb.ServiceInterrupt()
		animator.Tick(led.ModeIdle)

		if board.BootPolicyEnabled && policy.CheckButtonHoldExit() {
			policy.CommandResetToBootloader()
			return
		}

		if coord.State.Mode == dfu.ModeSleep {
			if coord.State.DetachCountdownMS == 0 {
				break
			}
			if now := policy.Clock.NowMS(); now != lastTick {
				lastTick = now
				coord.State.DetachCountdownMS--
			}
		}
	}

	policy.Handoff()
}

// busyWaitMS spins for approximately ms milliseconds. A board bring-up
// calibrates the iteration count against its actual clock; this counts
// a fixed number of loop iterations per millisecond instead of reading
// clock.Source, since bootpolicy.Policy.Sleep has no feedback path to
// the CPU cycle counter at this call site.
func busyWaitMS(ms uint32) {
	for i := uint32(0); i < ms*1000; i++ {
	}
}
