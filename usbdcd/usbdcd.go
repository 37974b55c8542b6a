// Package usbdcd implements the register-level device-controller
// back-end for the "eptri" USB peripheral: three independent FIFO
// engines (SETUP, IN, OUT) sharing one PHY, driven entirely by
// event-pending/event-enable register pairs rather than a DMA
// descriptor ring.
//
// The type here is the lower edge a class-agnostic USB device stack
// would sit on top of; enumeration, descriptor parsing and standard
// request dispatch are not part of this package.
package usbdcd

import (
	"sync"

	"github.com/lunca-labs/fpga-dfu/internal/regio"
)

// EPSize is the maximum packet size of every endpoint on this
// controller.
const EPSize = 64

// EPCount is the number of endpoint numbers supported per direction.
const EPCount = 16

// Register block offsets. Each of the four sub-controllers (device,
// setup, in, out) exposes its own base address; offsets below are
// relative to that base.
const (
	offEvStatus  = 0x00
	offEvPending = 0x04
	offEvEnable  = 0x08
)

const (
	deviceOffConnect = 0x0c
	deviceOffSpeed   = 0x10
)

const (
	setupOffReset   = 0x0c
	setupOffAddress = 0x10
	setupOffData    = 0x14
	setupOffHave    = 0x18
)

const (
	inOffReset = 0x0c
	inOffEPNo  = 0x10
	inOffData  = 0x14
	inOffStall = 0x18
)

const (
	outOffReset  = 0x0c
	outOffEPNo   = 0x10
	outOffEnable = 0x14
	outOffPrime  = 0x18
	outOffStall  = 0x1c
	outOffData   = 0x20
	outOffHave   = 0x24
	outOffDataEP = 0x28
)

// Bases groups the four register-block base addresses that make up one
// eptri controller instance.
type Bases struct {
	Device uint32
	Setup  uint32
	In     uint32
	Out    uint32
}

// SetupHandler receives a freshly captured 8-byte SETUP packet.
type SetupHandler func(packet [8]byte)

// ResetHandler is invoked when a bus reset is observed, with the
// negotiated speed (true = full speed, false = high speed, matching the
// controller's own speed-status polarity).
type ResetHandler func(fullSpeed bool)

// CompleteHandler reports that a transfer on an endpoint has finished,
// with the number of bytes actually transferred.
type CompleteHandler func(epNum int, n int)

type epSlot struct {
	buffer []byte
	offset int
	max    int
}

func (s *epSlot) idle() bool {
	return s.buffer == nil
}

// USB is an eptri device-controller instance.
type USB struct {
	bus   regio.Bus
	bases Bases

	mu sync.Mutex

	rx [EPCount]epSlot
	tx [EPCount]epSlot

	txEP     uint8
	txActive bool

	resetCount uint8

	OnSetup    SetupHandler
	OnReset    ResetHandler
	OnTxDone   CompleteHandler
	OnRxDone   CompleteHandler
}

// New returns a controller driving the given register bases on bus.
func New(bus regio.Bus, bases Bases) *USB {
	return &USB{bus: bus, bases: bases}
}

func (u *USB) clearEndpoints() {
	u.txActive = false
	for i := range u.rx {
		u.rx[i] = epSlot{}
		u.tx[i] = epSlot{}
	}
}

func (u *USB) resetFIFOs() {
	u.bus.Write32(u.bases.Setup+setupOffReset, 1)
	u.bus.Write32(u.bases.In+inOffReset, 1)
	u.bus.Write32(u.bases.Out+outOffReset, 1)
}

func (u *USB) ackPending(base uint32) {
	u.bus.Write32(base+offEvPending, u.bus.Read32(base+offEvPending))
}

// Init brings the controller up: disconnect, reset all three FIFO
// engines, clear endpoint state, enable all event sources, then
// reconnect the pullup.
func (u *USB) Init() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.bus.Write32(u.bases.Device+deviceOffConnect, 0)

	u.resetFIFOs()
	u.clearEndpoints()
	u.resetCount = 0

	u.ackPending(u.bases.Device)
	u.ackPending(u.bases.Setup)
	u.ackPending(u.bases.In)
	u.ackPending(u.bases.Out)

	u.bus.Write32(u.bases.Device+offEvEnable, 1)
	u.bus.Write32(u.bases.In+offEvEnable, 1)
	u.bus.Write32(u.bases.Out+offEvEnable, 1)
	u.bus.Write32(u.bases.Setup+offEvEnable, 1)

	u.bus.Write32(u.bases.Device+deviceOffConnect, 1)
}

// IntEnable unmasks all four event sources at the interrupt controller.
// It is the counterpart of IntDisable. Endpoint state shared with
// ServiceInterrupt is guarded by the controller's mutex, not by these
// calls.
func (u *USB) IntEnable() {
	u.bus.Write32(u.bases.Device+offEvEnable, 1)
	u.bus.Write32(u.bases.Setup+offEvEnable, 1)
	u.bus.Write32(u.bases.In+offEvEnable, 1)
	u.bus.Write32(u.bases.Out+offEvEnable, 1)
}

// IntDisable masks all four event sources.
func (u *USB) IntDisable() {
	u.bus.Write32(u.bases.Device+offEvEnable, 0)
	u.bus.Write32(u.bases.Setup+offEvEnable, 0)
	u.bus.Write32(u.bases.In+offEvEnable, 0)
	u.bus.Write32(u.bases.Out+offEvEnable, 0)
}

// SetAddress performs the mandated zero-length status IN on endpoint 0
// before latching the new address, as required by the USB spec's
// address-change timing.
func (u *USB) SetAddress(addr uint8) {
	u.EndpointXfer(0x80, nil, 0)

	for u.txInFlight() {
	}

	u.bus.Write32(u.bases.Setup+setupOffAddress, uint32(addr))
}

func (u *USB) txInFlight() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txActive
}

// EndpointOpen resets the bookkeeping for an endpoint. Isochronous
// transfer type (1, per the standard endpoint descriptor's bmAttributes
// transfer-type field: 0 control, 1 isochronous, 2 bulk, 3 interrupt)
// is rejected; every other transfer type is accepted.
func (u *USB) EndpointOpen(epAddr uint8, xferType int) bool {
	if xferType == 1 {
		return false
	}

	epNum := int(epAddr & 0x0f)

	u.mu.Lock()
	defer u.mu.Unlock()

	if isIN(epAddr) {
		u.tx[epNum] = epSlot{}
	} else {
		u.rx[epNum] = epSlot{}
	}

	return true
}

func isIN(epAddr uint8) bool {
	return epAddr&0x80 != 0
}

// EndpointStall stalls the given endpoint (IN or OUT, direction encoded
// in the top bit of epAddr as usual).
func (u *USB) EndpointStall(epAddr uint8) {
	epNum := uint32(epAddr & 0x0f)

	if isIN(epAddr) {
		u.bus.Write32(u.bases.In+inOffStall, 1)
		u.bus.Write32(u.bases.In+inOffEPNo, epNum)
		return
	}

	u.mu.Lock()
	enable := uint32(0)
	if !u.rx[epAddr&0x0f].idle() {
		enable = 1
	}
	u.mu.Unlock()

	u.bus.Write32(u.bases.Out+outOffEPNo, epNum)
	u.bus.Write32(u.bases.Out+outOffStall, 1)
	u.bus.Write32(u.bases.Out+outOffEnable, enable)
}

// EndpointClearStall clears a stall condition. IN endpoints clear
// implicitly once new data is written, so only OUT is handled here.
func (u *USB) EndpointClearStall(epAddr uint8) {
	if isIN(epAddr) {
		return
	}

	epNum := uint32(epAddr & 0x0f)

	u.mu.Lock()
	enable := uint32(0)
	if !u.rx[epAddr&0x0f].idle() {
		enable = 1
	}
	u.mu.Unlock()

	u.bus.Write32(u.bases.Out+outOffEPNo, epNum)
	u.bus.Write32(u.bases.Out+outOffStall, 0)
	u.bus.Write32(u.bases.Out+outOffEnable, enable)
}

// EndpointXfer posts a transfer on an endpoint. A nil buffer with
// total=0 requests a zero-length packet. The call blocks until any
// prior transfer on the same endpoint has drained, then posts the new
// one; it returns early (true) without posting if a bus reset is
// observed while waiting.
func (u *USB) EndpointXfer(epAddr uint8, buffer []byte, total int) bool {
	epNum := int(epAddr & 0x0f)

	if isIN(epAddr) {
		return u.xferIn(epNum, buffer, total)
	}
	return u.xferOut(epNum, buffer, total)
}

func (u *USB) xferIn(epNum int, buffer []byte, total int) bool {
	prevReset := u.snapshotResetCount()

	for {
		u.mu.Lock()
		if u.tx[epNum].idle() {
			break
		}
		u.mu.Unlock()
	}
	// u.mu held here.

	if u.resetCount != prevReset {
		u.mu.Unlock()
		return true
	}

	buf := buffer
	if buf == nil {
		buf = sentinelBuffer(total)
	}

	u.tx[epNum] = epSlot{buffer: buf, offset: 0, max: total}

	if !u.txActive {
		u.txEP = uint8(epNum)
		u.txActive = true
		u.txMoreDataLocked()
	}
	u.mu.Unlock()

	return true
}

func sentinelBuffer(total int) []byte {
	if total == 0 {
		return []byte{}
	}
	return make([]byte, total)
}

func (u *USB) xferOut(epNum int, buffer []byte, total int) bool {
	prevReset := u.snapshotResetCount()

	for {
		u.mu.Lock()
		if u.rx[epNum].idle() {
			break
		}
		u.mu.Unlock()
	}
	// u.mu held here.

	if u.resetCount != prevReset {
		u.mu.Unlock()
		return true
	}

	if buffer == nil {
		buffer = sentinelBuffer(total)
	}

	u.rx[epNum] = epSlot{buffer: buffer, offset: 0, max: total}
	u.mu.Unlock()

	u.bus.Write32(u.bases.Out+outOffEPNo, uint32(epNum))
	u.bus.Write32(u.bases.Out+outOffPrime, 1)
	u.bus.Write32(u.bases.Out+outOffEnable, 1)

	return true
}

func (u *USB) snapshotResetCount() uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.resetCount
}

// txMoreDataLocked writes up to EPSize bytes of the current IN
// endpoint's buffer into the FIFO and commits the packet. Caller must
// hold u.mu.
func (u *USB) txMoreDataLocked() {
	slot := &u.tx[u.txEP]

	added := 0
	for added < EPSize && slot.offset < slot.max {
		u.bus.Write32(u.bases.In+inOffData, uint32(slot.buffer[slot.offset]))
		slot.offset++
		added++
	}

	u.bus.Write32(u.bases.In+inOffEPNo, uint32(u.txEP))
}

// advanceTxEPLocked moves the round-robin cursor to the next armed IN
// endpoint, wrapping once. Caller must hold u.mu.
func (u *USB) advanceTxEPLocked() bool {
	prev := u.txEP
	for next := (u.txEP + 1) & 0x0f; next != prev; next = (next + 1) & 0x0f {
		if !u.tx[next].idle() {
			u.txEP = next
			return true
		}
	}
	return !u.tx[u.txEP].idle()
}

// processTx implements the IN-complete handler. It takes u.mu itself
// and releases it around the completion callback.
func (u *USB) processTx() {
	u.mu.Lock()

	if u.tx[u.txEP].idle() {
		if u.advanceTxEPLocked() {
			u.txMoreDataLocked()
		} else {
			u.txActive = false
		}
		u.mu.Unlock()
		return
	}

	slot := &u.tx[u.txEP]
	if slot.offset >= slot.max {
		ep := u.txEP
		n := slot.max
		*slot = epSlot{}

		active := u.advanceTxEPLocked()
		u.txActive = active

		onTxDone := u.OnTxDone
		u.mu.Unlock()

		if onTxDone != nil {
			onTxDone(int(ep), n)
		}

		if !active {
			return
		}

		u.mu.Lock()
		u.txMoreDataLocked()
		u.mu.Unlock()
		return
	}

	u.txMoreDataLocked()
	u.mu.Unlock()
}

// processRx implements the OUT-complete handler: drains the RX FIFO
// for the endpoint the hardware reports, decides whether the transfer
// is complete (full buffer, short packet, or true ZLP), and re-arms
// reception.
func (u *USB) processRx() {
	rxEP := int(u.bus.Read32(u.bases.Out + outOffDataEP))

	u.mu.Lock()
	slot := &u.rx[rxEP]

	totalRead := 0
	for u.bus.Read32(u.bases.Out+outOffHave) != 0 {
		c := byte(u.bus.Read32(u.bases.Out + outOffData))
		totalRead++
		if slot.offset < slot.max {
			slot.buffer[slot.offset] = c
			slot.offset++
		}
	}

	if slot.offset > slot.max {
		slot.offset = slot.max
	}

	complete := slot.offset == slot.max ||
		(totalRead == 0 && slot.offset&63 == 0) ||
		(slot.offset&63 != 0 && totalRead < 66)

	var (
		onRxDone CompleteHandler
		n        int
	)

	if complete {
		n = slot.offset
		*slot = epSlot{}
		onRxDone = u.OnRxDone
	}

	u.mu.Unlock()

	u.bus.Write32(u.bases.Out+outOffEnable, 1)

	if onRxDone != nil {
		onRxDone(rxEP, n)
	}

	u.ackPending(u.bases.Out)
}

func (u *USB) handleSetup() {
	var packet [8]byte
	n := 0

	for u.bus.Read32(u.bases.Setup+setupOffHave) != 0 {
		c := byte(u.bus.Read32(u.bases.Setup + setupOffData))
		if n < len(packet) {
			packet[n] = c
		}
		n++
	}

	if n == 8 && u.OnSetup != nil {
		u.OnSetup(packet)
	}

	u.ackPending(u.bases.Setup)
}

func (u *USB) handleReset() {
	u.ackPending(u.bases.Device)

	u.mu.Lock()
	u.resetCount++
	u.bus.Write32(u.bases.Device+offEvEnable, 0)
	u.bus.Write32(u.bases.Setup+offEvEnable, 0)
	u.bus.Write32(u.bases.In+offEvEnable, 0)
	u.bus.Write32(u.bases.Out+offEvEnable, 0)

	u.bus.Write32(u.bases.Setup+setupOffAddress, 0)
	u.resetFIFOs()
	u.clearEndpoints()

	u.ackPending(u.bases.Device)
	u.ackPending(u.bases.Setup)
	u.ackPending(u.bases.In)
	u.ackPending(u.bases.Out)

	u.bus.Write32(u.bases.In+offEvEnable, 1)
	u.bus.Write32(u.bases.Out+offEvEnable, 1)
	u.bus.Write32(u.bases.Setup+offEvEnable, 1)
	u.bus.Write32(u.bases.Device+offEvEnable, 1)

	fullSpeed := u.bus.Read32(u.bases.Device+deviceOffSpeed) != 0
	onReset := u.OnReset
	u.mu.Unlock()

	if onReset != nil {
		onReset(fullSpeed)
	}
}

// ServiceInterrupt drains every pending event, in priority order
// bus-reset, setup, IN, OUT, handling each until no source remains
// pending. It is invoked from the board's interrupt vector; the test
// harness calls it directly after poking pending bits on a regio.Sim.
func (u *USB) ServiceInterrupt() {
	for {
		switch {
		case u.bus.Read32(u.bases.Device+offEvPending) != 0:
			u.handleReset()
		case u.bus.Read32(u.bases.Setup+offEvPending) != 0:
			u.handleSetup()
		case u.bus.Read32(u.bases.In+offEvPending) != 0:
			u.ackPending(u.bases.In)
			u.processTx()
		case u.bus.Read32(u.bases.Out+offEvPending) != 0:
			u.processRx()
		default:
			return
		}
	}
}
