// Package usb speaks the plist-framed usbmuxd protocol used to discover
// devices and dial their service ports. Pairing and the TLS session layer
// are out of scope; service ports are provided by configuration.
package usb

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"

	"github.com/blacktop/go-plist"
	"github.com/pkg/errors"
)

const (
	ProgName            = "companion"
	BundleID            = "io.blacktop.companion"
	ClientVersionString = "companion-usbmux-0.0.1"

	usbmuxdSocket = "/var/run/usbmuxd"
)

// Header frames every usbmuxd message.
type Header struct {
	Length      uint32
	Version     uint32
	MessageType uint32
	Tag         uint32
}

var headerSize = uint32(binary.Size(Header{}))

// Conn is one usbmuxd control connection. After a successful Dial it
// becomes a raw pipe to the device service.
type Conn struct {
	net.Conn
	tag uint32
}

// NewConn connects to the local usbmuxd socket.
func NewConn() (*Conn, error) {
	conn, err := net.Dial("unix", usbmuxdSocket)
	if err != nil {
		return nil, errors.Wrap(err, "dial usbmuxd")
	}
	return &Conn{Conn: conn}, nil
}

type ResultValue int

const (
	ResultValueOK ResultValue = iota
	ResultValueBadCommand
	ResultValueBadDevice
	ResultValueConnectionRefused
	resultValueUnknown1
	resultValueUnknown2
	ResultValueBadVersion
)

type connectMessage struct {
	BundleID            string
	ClientVersionString string
	MessageType         string
	ProgName            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	DeviceID            uint32
	PortNumber          uint16
}

type resultResponse struct {
	Number ResultValue
}

// Dial asks usbmuxd to bridge this connection to a device service port.
func (c *Conn) Dial(deviceID, port int) error {
	req := &connectMessage{
		BundleID:            BundleID,
		ClientVersionString: ClientVersionString,
		MessageType:         "Connect",
		ProgName:            ProgName,
		LibUSBMuxVersion:    3,
		DeviceID:            uint32(deviceID),
		PortNumber:          htons(uint16(port)),
	}
	var resp resultResponse
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	if resp.Number != ResultValueOK {
		return errors.Errorf("usbmux: connect to device %d port %d refused (result %d)",
			deviceID, port, resp.Number)
	}
	return nil
}

type listDevicesRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
}

type listDevicesResponse struct {
	DeviceList []*deviceAttached
}

type deviceAttached struct {
	MessageType string
	DeviceID    int
	Properties  *DeviceAttachment
}

// DeviceAttachment describes one attached device.
type DeviceAttachment struct {
	ConnectionSpeed int
	ConnectionType  string
	DeviceID        int
	LocationID      int
	ProductID       int
	SerialNumber    string
	UDID            string
	USBSerialNumber string
}

// ListDevices enumerates attached devices.
func (c *Conn) ListDevices() ([]*DeviceAttachment, error) {
	req := &listDevicesRequest{
		MessageType:         "ListDevices",
		ProgName:            ProgName,
		ClientVersionString: ClientVersionString,
	}
	var resp listDevicesResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}
	devices := make([]*DeviceAttachment, 0, len(resp.DeviceList))
	for _, device := range resp.DeviceList {
		devices = append(devices, device.Properties)
	}
	return devices, nil
}

// Request sends one plist message and decodes the reply.
func (c *Conn) Request(req, resp any) error {
	if err := c.Send(req); err != nil {
		return err
	}
	return c.Recv(resp)
}

func (c *Conn) Send(msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return errors.Wrap(err, "marshal usbmux message")
	}
	hdr := &Header{
		Length:      uint32(len(data)) + headerSize,
		Version:     1,
		MessageType: 8, // plist
		Tag:         atomic.AddUint32(&c.tag, 1),
	}
	if err := binary.Write(c, binary.LittleEndian, hdr); err != nil {
		return errors.Wrap(err, "send usbmux header")
	}
	if _, err := c.Write(data); err != nil {
		return errors.Wrap(err, "send usbmux message")
	}
	return nil
}

func (c *Conn) Recv(msg any) error {
	var hdr Header
	if err := binary.Read(c, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(err, "recv usbmux header")
	}
	if hdr.Length < headerSize {
		return errors.Errorf("usbmux: short frame (%d bytes)", hdr.Length)
	}
	data := make([]byte, hdr.Length-headerSize)
	if _, err := io.ReadFull(c, data); err != nil {
		return errors.Wrap(err, "recv usbmux message")
	}
	if _, err := plist.Unmarshal(data, msg); err != nil {
		return errors.Wrap(err, "unmarshal usbmux message")
	}
	return nil
}

// DialService opens a fresh usbmuxd connection bridged to the given
// service port on the device with the given UDID.
func DialService(udid string, port int) (net.Conn, error) {
	conn, err := NewConn()
	if err != nil {
		return nil, err
	}
	devices, err := conn.ListDevices()
	if err != nil {
		conn.Close()
		return nil, err
	}
	deviceID := -1
	for _, device := range devices {
		if device.UDID == udid {
			deviceID = device.DeviceID
			break
		}
	}
	if deviceID < 0 {
		conn.Close()
		return nil, errors.Errorf("usbmux: no device with udid %s", udid)
	}
	if err := conn.Dial(deviceID, port); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// usbmuxd expects the port in network byte order.
func htons(v uint16) uint16 {
	return (v << 8 & 0xFF00) | (v >> 8 & 0xFF)
}
