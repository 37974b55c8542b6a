// Package descriptor assembles the USB device, configuration,
// interface, DFU functional, and string descriptors, plus the
// Microsoft WCID compatible-ID blob that lets the DFU interface
// auto-bind WinUSB on Windows hosts.
package descriptor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Standard USB descriptor sizes.
const (
	DeviceLength    = 18
	ConfigLength    = 9
	InterfaceLength = 9
	EndpointLength  = 7
	DFUFuncLength   = 9
)

// Standard descriptor type codes (USB 2.0, Table 9-5).
const (
	TypeDevice        = 1
	TypeConfiguration = 2
	TypeString        = 3
	TypeInterface     = 4
	TypeEndpoint      = 5
)

// TypeDFUFunctional is the DFU class functional descriptor type
// (DFU 1.1, Table 4.2).
const TypeDFUFunctional = 0x21

// DFU functional descriptor attribute bits (DFU 1.1, Table 4.2).
const (
	AttrWillDetach            = 1 << 3
	AttrManifestationTolerant = 1 << 2
	AttrCanUpload             = 1 << 1
	AttrCanDownload           = 1 << 0
)

// VendorID and ProductID identify this device class across the pack's
// shared VID/PID allocation.
const (
	VendorID  = 0x1209
	ProductID = 0x5af0
	BCDDevice = 0x0100
)

// DeviceDescriptor implements the USB 2.0 standard device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BCDUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorId          uint16
	ProductId         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// SetDefaults fills in the fixed identity fields for this device.
func (d *DeviceDescriptor) SetDefaults() {
	d.Length = DeviceLength
	d.DescriptorType = TypeDevice
	d.BCDUSB = 0x0200
	d.MaxPacketSize = 64
	d.VendorId = VendorID
	d.ProductId = ProductID
	d.Device = BCDDevice
	d.NumConfigurations = 1
}

// Bytes converts the descriptor to wire format.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationDescriptor implements the USB 2.0 standard configuration
// descriptor.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interface *InterfaceDescriptor
}

// SetDefaults fills in bus-powered, 100 mA defaults.
func (d *ConfigurationDescriptor) SetDefaults() {
	d.Length = ConfigLength
	d.DescriptorType = TypeConfiguration
	d.ConfigurationValue = 1
	d.NumInterfaces = 1
	d.Attributes = 0x80
	d.MaxPower = 50
}

func (d *ConfigurationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.TotalLength)
	binary.Write(buf, binary.LittleEndian, d.NumInterfaces)
	binary.Write(buf, binary.LittleEndian, d.ConfigurationValue)
	binary.Write(buf, binary.LittleEndian, d.Configuration)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPower)

	return buf.Bytes()
}

// InterfaceDescriptor implements the USB 2.0 standard interface
// descriptor for the single DFU interface. ConfigurationBytes emits one
// such descriptor; no further alternate-setting descriptors are emitted
// for the other flash partitions.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	Func *DFUFunctionalDescriptor
}

// DFU class/subclass/protocol (DFU 1.1, Table 4.1).
const (
	ClassApplicationSpecific = 0xfe
	SubClassDFU              = 0x01
	ProtocolDFUMode          = 0x02
)

// SetDefaults fills in the DFU application-specific interface class.
func (d *InterfaceDescriptor) SetDefaults() {
	d.Length = InterfaceLength
	d.DescriptorType = TypeInterface
	d.InterfaceClass = ClassApplicationSpecific
	d.InterfaceSubClass = SubClassDFU
	d.InterfaceProtocol = ProtocolDFUMode
}

func (d *InterfaceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.InterfaceNumber)
	binary.Write(buf, binary.LittleEndian, d.AlternateSetting)
	binary.Write(buf, binary.LittleEndian, d.NumEndpoints)
	binary.Write(buf, binary.LittleEndian, d.InterfaceClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceSubClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceProtocol)
	binary.Write(buf, binary.LittleEndian, d.Interface)

	if d.Func != nil {
		buf.Write(d.Func.Bytes())
	}

	return buf.Bytes()
}

// DFUFunctionalDescriptor implements the DFU class functional
// descriptor (DFU 1.1, Table 4.2).
type DFUFunctionalDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Attributes     uint8
	DetachTimeout  uint16
	TransferSize   uint16
	BCDDFUVersion  uint16
}

// SetDefaults fills in the bootloader's detach-capable, download-only,
// manifestation-tolerant DFU functional descriptor.
func (d *DFUFunctionalDescriptor) SetDefaults(xferBufSize uint16) {
	d.Length = DFUFuncLength
	d.DescriptorType = TypeDFUFunctional
	d.Attributes = AttrWillDetach | AttrCanDownload | AttrManifestationTolerant
	d.DetachTimeout = 1000
	d.TransferSize = xferBufSize
	d.BCDDFUVersion = 0x0110
}

func (d *DFUFunctionalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// StringDescriptor implements the USB 2.0 standard string descriptor
// header.
type StringDescriptor struct {
	Length         uint8
	DescriptorType uint8
}

func (d *StringDescriptor) SetDefaults() {
	d.Length = 2
	d.DescriptorType = TypeString
}

// Device collects the descriptor hierarchy and string table for one
// DFU bootloader configuration.
type Device struct {
	Descriptor    *DeviceDescriptor
	Configuration *ConfigurationDescriptor
	Strings       [][]byte

	AlternateNames []string
}

func (d *Device) addStringDescriptor(s []byte, zero bool) (uint8, error) {
	desc := &StringDescriptor{}
	desc.SetDefaults()

	length := int(desc.Length) + len(s)
	if length > 255 {
		return 0, fmt.Errorf("descriptor: string descriptor size (%d) exceeds 255", length)
	}
	desc.Length = uint8(length)

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, desc.Length)
	binary.Write(buf, binary.LittleEndian, desc.DescriptorType)
	buf.Write(s)

	if zero && len(d.Strings) >= 1 {
		d.Strings[0] = buf.Bytes()
	} else {
		d.Strings = append(d.Strings, buf.Bytes())
	}

	return uint8(len(d.Strings) - 1), nil
}

// SetLanguageCodes configures string descriptor zero (USB 2.0,
// Table 9-15). Only a single language is supported.
func (d *Device) SetLanguageCodes(codes []uint16) error {
	if len(codes) != 1 {
		return errors.New("descriptor: only a single language is supported")
	}

	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, codes[0])

	_, err := d.addStringDescriptor(b, true)
	return err
}

// AddString adds a UTF-16 string descriptor and returns its index.
func (d *Device) AddString(s string) (uint8, error) {
	var buf []byte

	for _, r := range utf16.Encode([]rune(s)) {
		buf = append(buf, byte(r&0xff), byte(r>>8))
	}

	return d.addStringDescriptor(buf, false)
}

// SerialFromUUID formats an 8-byte flash UUID as the device's serial
// number string: 8 dash-separated lowercase hex byte pairs —
// "b0-b1-b2-b3-b4-b5-b6-b7".
func SerialFromUUID(uuid [8]byte) string {
	var b bytes.Buffer

	for i, by := range uuid {
		if i != 0 {
			b.WriteByte('-')
		}
		fmt.Fprintf(&b, "%02x", by)
	}

	return b.String()
}

// ConfigurationBytes renders the configuration descriptor followed by
// its single interface descriptor (and, within it, the DFU functional
// descriptor), filling in TotalLength.
func (d *Device) ConfigurationBytes() []byte {
	conf := d.Configuration
	ifaceBytes := conf.Interface.Bytes()

	conf.TotalLength = uint16(int(conf.Length) + len(ifaceBytes))

	return append(conf.Bytes(), ifaceBytes...)
}

// MSFTVendorCode is the arbitrary vendor request code the WCID
// convention uses to fetch the compatible-ID feature descriptor.
const MSFTVendorCode = '~'

// MSOSStringIndex is the fixed string descriptor index (0xEE) at which
// Windows looks for the Microsoft OS 1.0 descriptor.
const MSOSStringIndex = 0xee

// MSOSString is the Microsoft OS 1.0 string descriptor payload
// identifying the vendor code used for the WCID compatible-ID request.
// See https://github.com/pbatard/libwdi/wiki/WCID-Devices.
func MSOSString() []byte {
	payload := []byte("MSFT100")
	payload = append(payload, MSFTVendorCode)

	desc := &StringDescriptor{}
	desc.SetDefaults()
	desc.Length += uint8(len(payload))

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, desc.Length)
	binary.Write(buf, binary.LittleEndian, desc.DescriptorType)
	buf.Write(payload)

	return buf.Bytes()
}

// WCIDLength is the length of the WCID compatible-ID feature
// descriptor below.
const WCIDLength = 40

// WCIDCompatibleID returns the 40-byte Microsoft Compatible ID Feature
// Descriptor declaring the WINUSB driver for interface 0.
func WCIDCompatibleID() []byte {
	buf := make([]byte, WCIDLength)

	binary.LittleEndian.PutUint32(buf[0:4], WCIDLength)
	buf[4], buf[5] = 0x00, 0x01 // bcdVersion 1.0
	buf[6], buf[7] = 0x04, 0x00 // wIndex: compatible ID descriptor
	buf[8] = 1                 // bCount: one section
	// buf[9:16] reserved, left zero

	buf[16] = 0 // interface number
	buf[17] = 1 // reserved

	copy(buf[18:26], []byte("WINUSB\x00\x00"))
	// buf[26:34] sub-compatible ID, unused, left zero
	// buf[34:40] reserved, left zero

	return buf
}
