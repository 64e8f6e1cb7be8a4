package usb

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/blacktop/go-plist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMux answers one plist request per call to respond.
func fakeMux(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, mux := net.Pipe()
	return &Conn{Conn: client}, mux
}

func binaryWrite(w io.Writer, hdr Header) error {
	return binary.Write(w, binary.LittleEndian, &hdr)
}

func readRequest(mux net.Conn, msg any) error {
	var hdr Header
	if err := binary.Read(mux, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	data := make([]byte, hdr.Length-headerSize)
	if _, err := io.ReadFull(mux, data); err != nil {
		return err
	}
	_, err := plist.Unmarshal(data, msg)
	return err
}

func respond(t *testing.T, mux net.Conn, msg any) {
	t.Helper()
	data, err := plist.Marshal(msg, plist.XMLFormat)
	require.NoError(t, err)
	hdr := Header{
		Length:      uint32(len(data)) + headerSize,
		Version:     1,
		MessageType: 8,
		Tag:         1,
	}
	require.NoError(t, binaryWrite(mux, hdr))
	_, err = mux.Write(data)
	require.NoError(t, err)
}

func TestListDevices(t *testing.T) {
	conn, mux := fakeMux(t)
	defer conn.Close()

	go func() {
		var req listDevicesRequest
		if err := readRequest(mux, &req); err != nil {
			return
		}
		respond(t, mux, map[string]any{
			"DeviceList": []any{
				map[string]any{
					"MessageType": "Attached",
					"DeviceID":    3,
					"Properties": map[string]any{
						"ConnectionType": "USB",
						"DeviceID":       3,
						"SerialNumber":   "00008101-000E4CAE3B8A001E",
						"UDID":           "00008101-000E4CAE3B8A001E",
					},
				},
			},
		})
	}()

	devices, err := conn.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, 3, devices[0].DeviceID)
	assert.Equal(t, "USB", devices[0].ConnectionType)
	assert.Equal(t, "00008101-000E4CAE3B8A001E", devices[0].UDID)
}

func TestDialRefused(t *testing.T) {
	conn, mux := fakeMux(t)
	defer conn.Close()

	go func() {
		var req connectMessage
		if err := readRequest(mux, &req); err != nil {
			return
		}
		respond(t, mux, map[string]any{"Number": int(ResultValueConnectionRefused)})
	}()

	err := conn.Dial(3, 32768)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestDialSendsNetworkOrderPort(t *testing.T) {
	conn, mux := fakeMux(t)
	defer conn.Close()

	got := make(chan connectMessage, 1)
	go func() {
		var req connectMessage
		if err := readRequest(mux, &req); err != nil {
			return
		}
		got <- req
		respond(t, mux, map[string]any{"Number": int(ResultValueOK)})
	}()

	require.NoError(t, conn.Dial(7, 32768))
	req := <-got
	assert.Equal(t, "Connect", req.MessageType)
	assert.Equal(t, uint32(7), req.DeviceID)
	assert.Equal(t, htons(32768), req.PortNumber)
}

func TestHtons(t *testing.T) {
	assert.Equal(t, uint16(0x3412), htons(0x1234))
	assert.Equal(t, uint16(0x0080), htons(htons(0x0080)))
}
