// Package afc implements a client for the device file-service protocol.
// All exchanges on one connection share a single logical stream: requests
// are dispatched strictly in submission order, at most one is in flight at
// a time, and every response must echo the packet number of the request at
// the head of the queue. Each operation returns a future; a connection
// fault fails every queued and subsequent request until the connection is
// re-established.
package afc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/companion/pkg/future"
)

const (
	// ServiceName is the lockdown service the protocol is served on.
	ServiceName = "com.apple.afc"

	headerSize = 40
	afcMagic   = "CFA6LPAA"

	// maxChunk bounds a single file read exchange.
	maxChunk = 1 << 20
	// maxPacket is the sanity bound on one response frame; a header
	// claiming more is corrupt and must not drive allocation.
	maxPacket = 8 << 20
)

const (
	opStatus          = 0x00000001
	opData            = 0x00000002
	opReadDir         = 0x00000003
	opReadFile        = 0x00000004
	opWriteFile       = 0x00000005
	opWritePart       = 0x00000006
	opTruncateFile    = 0x00000007
	opRemovePath      = 0x00000008
	opMakeDir         = 0x00000009
	opGetFileInfo     = 0x0000000a
	opGetDeviceInfo   = 0x0000000b
	opWriteFileAtomic = 0x0000000c
	opFileRefOpen     = 0x0000000d
	opFileRefOpenRes  = 0x0000000e
	opFileRefRead     = 0x0000000f
	opFileRefWrite    = 0x00000010
	opFileRefSeek     = 0x00000011
	opFileRefTell     = 0x00000012
	opFileRefTellRes  = 0x00000013
	opFileRefClose    = 0x00000014
	opFileRefSetSize  = 0x00000015
	opGetConInfo      = 0x00000016
	opSetConOptions   = 0x00000017
	opRenamePath      = 0x00000018
	opMakeLink        = 0x0000001c
	opSetFileTime     = 0x0000001e
)

const (
	codeSuccess             = 0
	codeUnknownError        = 1
	codeOpHeaderInvalid     = 2
	codeNoResources         = 3
	codeReadError           = 4
	codeWriteError          = 5
	codeUnknownPacketType   = 6
	codeInvalidArg          = 7
	codeObjectNotFound      = 8
	codeObjectIsDir         = 9
	codePermDenied          = 10
	codeServiceNotConnected = 11
	codeOpTimeout           = 12
	codeTooMuchData         = 13
	codeEndOfData           = 14
	codeOpNotSupported      = 15
	codeObjectExists        = 16
	codeObjectBusy          = 17
	codeNoSpaceLeft         = 18
	codeOpWouldBlock        = 19
	codeIoError             = 20
	codeOpInterrupted       = 21
	codeOpInProgress        = 22
	codeInternalError       = 23
)

const (
	fopenRdonly   = 0x00000001 /* O_RDONLY */
	fopenRw       = 0x00000002 /* O_RDWR   | O_CREAT */
	fopenWronly   = 0x00000003 /* O_WRONLY | O_CREAT  | O_TRUNC */
	fopenWr       = 0x00000004 /* O_RDWR   | O_CREAT  | O_TRUNC */
	fopenAppend   = 0x00000005 /* O_WRONLY | O_APPEND | O_CREAT */
	fopenRdAppend = 0x00000006 /* O_RDWR   | O_APPEND | O_CREAT */
)

var codeStrings = map[uint64]string{
	codeUnknownError:        "unknown error",
	codeOpHeaderInvalid:     "invalid operation header",
	codeNoResources:         "no resources",
	codeReadError:           "read error",
	codeWriteError:          "write error",
	codeUnknownPacketType:   "unknown packet type",
	codeInvalidArg:          "invalid argument",
	codeObjectNotFound:      "object not found",
	codeObjectIsDir:         "object is a directory",
	codePermDenied:          "permission denied",
	codeServiceNotConnected: "service not connected",
	codeOpTimeout:           "operation timeout",
	codeTooMuchData:         "too much data",
	codeEndOfData:           "end of data",
	codeOpNotSupported:      "operation not supported",
	codeObjectExists:        "object exists",
	codeObjectBusy:          "object busy",
	codeNoSpaceLeft:         "no space left",
	codeOpWouldBlock:        "operation would block",
	codeIoError:             "io error",
	codeOpInterrupted:       "operation interrupted",
	codeOpInProgress:        "operation in progress",
	codeInternalError:       "internal error",
}

var (
	// ErrConnectionClosed fails every request on a torn-down connection.
	ErrConnectionClosed = errors.New("afc: connection closed")
	// ErrProtocolViolation marks bad framing or a correlation mismatch.
	// It is fatal to the connection.
	ErrProtocolViolation = errors.New("afc: protocol violation")
)

// DeviceError is a device-reported status code. It fails the single
// operation that triggered it; the connection stays usable.
type DeviceError struct {
	Code uint64
}

func (e *DeviceError) Error() string {
	msg, ok := codeStrings[e.Code]
	if !ok {
		msg = "unrecognized status"
	}
	return fmt.Sprintf("afc: device error %d: %s", e.Code, msg)
}

// EndOfData reports whether the device signalled end of file data.
func (e *DeviceError) EndOfData() bool {
	return e.Code == codeEndOfData
}

// Header is the fixed wire header preceding every request and response.
type Header struct {
	Magic        [8]byte
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    uint64
}

// Response is one decoded exchange result. Data holds the header argument
// region, Payload the trailing payload bytes.
type Response struct {
	Operation uint64
	Data      []byte
	Payload   []byte
}

type request struct {
	name    string
	op      uint64
	args    []byte
	payload []byte
	fut     *future.Future[*Response]
	res     *future.Resolver[*Response]
}

// Client multiplexes correlated request/response exchanges over a single
// file-service connection.
type Client struct {
	conn net.Conn
	log  *log.Entry

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*request
	fault     error
	packetNum uint64
}

// NewClient wraps an established service connection and starts the
// dispatch loop.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn: conn,
		log:  log.WithField("pkg", "afc"),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.loop()
	return c
}

// Close tears the connection down. Queued and subsequent requests fail
// with ErrConnectionClosed.
func (c *Client) Close() error {
	c.poison(ErrConnectionClosed)
	return nil
}

// Err returns the fault that poisoned the connection, or nil while it is
// healthy.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// submit enqueues one exchange and returns its future. Cancelling the
// future before dispatch keeps the request off the wire.
func (c *Client) submit(name string, op uint64, payload []byte, args ...any) *future.Future[*Response] {
	fut, res := future.New[*Response](future.WithName(name))
	req := &request{
		name:    name,
		op:      op,
		args:    encodeArgs(args...),
		payload: payload,
		fut:     fut,
		res:     res,
	}
	c.mu.Lock()
	if c.fault != nil {
		c.mu.Unlock()
		res.Fail(ErrConnectionClosed)
		return fut
	}
	c.queue = append(c.queue, req)
	c.cond.Signal()
	c.mu.Unlock()
	return fut
}

func (c *Client) loop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && c.fault == nil {
			c.cond.Wait()
		}
		if c.fault != nil {
			pending := c.queue
			c.queue = nil
			c.mu.Unlock()
			for _, req := range pending {
				req.res.Fail(ErrConnectionClosed)
			}
			return
		}
		req := c.queue[0]
		c.queue = c.queue[1:]
		c.packetNum++
		id := c.packetNum
		c.mu.Unlock()

		if req.fut.Status() != future.Pending {
			continue // cancelled while queued
		}

		resp, err := c.exchange(id, req)
		if err != nil {
			var devErr *DeviceError
			if errors.As(err, &devErr) {
				// Local to this operation; the connection stays up.
				req.res.Fail(err)
				continue
			}
			c.log.WithError(err).Warn("connection fault")
			req.res.Fail(err)
			c.poison(err)
			continue
		}
		req.res.Succeed(resp)
	}
}

// exchange performs one request/response round trip. Any returned error
// that is not a *DeviceError is fatal to the connection.
func (c *Client) exchange(id uint64, req *request) (*Response, error) {
	hdr := &Header{
		EntireLength: headerSize + uint64(len(req.args)) + uint64(len(req.payload)),
		ThisLength:   headerSize + uint64(len(req.args)),
		PacketNum:    id,
		Operation:    req.op,
	}
	copy(hdr.Magic[:], afcMagic)
	if err := binary.Write(c.conn, binary.LittleEndian, hdr); err != nil {
		return nil, errors.Wrapf(err, "send %s header", req.name)
	}
	if len(req.args) > 0 {
		if _, err := c.conn.Write(req.args); err != nil {
			return nil, errors.Wrapf(err, "send %s args", req.name)
		}
	}
	if len(req.payload) > 0 {
		if _, err := c.conn.Write(req.payload); err != nil {
			return nil, errors.Wrapf(err, "send %s payload", req.name)
		}
	}

	var rhdr Header
	if err := binary.Read(c.conn, binary.LittleEndian, &rhdr); err != nil {
		return nil, errors.Wrapf(err, "recv %s header", req.name)
	}
	if string(rhdr.Magic[:]) != afcMagic {
		return nil, errors.Wrapf(ErrProtocolViolation, "bad magic %q", rhdr.Magic)
	}
	if rhdr.ThisLength < headerSize || rhdr.EntireLength < rhdr.ThisLength {
		return nil, errors.Wrapf(ErrProtocolViolation,
			"truncated framing (header %d, total %d)", rhdr.ThisLength, rhdr.EntireLength)
	}
	if rhdr.EntireLength > maxPacket {
		return nil, errors.Wrapf(ErrProtocolViolation,
			"oversized frame (%d bytes)", rhdr.EntireLength)
	}
	if rhdr.PacketNum != id {
		return nil, errors.Wrapf(ErrProtocolViolation,
			"response %d does not correlate with request %d", rhdr.PacketNum, id)
	}

	resp := &Response{Operation: rhdr.Operation}
	if n := rhdr.ThisLength - headerSize; n > 0 {
		resp.Data = make([]byte, n)
		if _, err := io.ReadFull(c.conn, resp.Data); err != nil {
			return nil, errors.Wrapf(err, "recv %s data", req.name)
		}
	}
	if n := rhdr.EntireLength - rhdr.ThisLength; n > 0 {
		resp.Payload = make([]byte, n)
		if _, err := io.ReadFull(c.conn, resp.Payload); err != nil {
			return nil, errors.Wrapf(err, "recv %s payload", req.name)
		}
	}

	if rhdr.Operation == opStatus {
		if len(resp.Data) < 8 {
			return nil, errors.Wrap(ErrProtocolViolation, "status response without code")
		}
		if code := binary.LittleEndian.Uint64(resp.Data); code != codeSuccess {
			return nil, &DeviceError{Code: code}
		}
	}
	return resp, nil
}

// poison marks the connection dead and wakes the dispatch loop so it can
// fail everything still queued.
func (c *Client) poison(err error) {
	c.mu.Lock()
	if c.fault != nil {
		c.mu.Unlock()
		return
	}
	c.fault = err
	c.cond.Broadcast()
	c.mu.Unlock()
	c.conn.Close()
}

func encodeArgs(args ...any) []byte {
	ret := make([]byte, 0)
	for _, arg := range args {
		switch v := arg.(type) {
		case uint16:
			b := make([]byte, 2)
			binary.LittleEndian.PutUint16(b, v)
			ret = append(ret, b...)
		case uint32:
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, v)
			ret = append(ret, b...)
		case uint64:
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, v)
			ret = append(ret, b...)
		case string:
			ret = append(ret, []byte(v)...)
			ret = append(ret, 0)
		case []byte:
			ret = append(ret, v...)
		default:
			panic(fmt.Errorf("invalid argument type %v", reflect.TypeOf(v)))
		}
	}
	return ret
}

func decodeStringList(data []byte) []string {
	ret := strings.Split(string(data), "\x00")
	return ret[:len(ret)-1]
}

func listToDict(kv []string) (map[string]string, error) {
	if len(kv)%2 != 0 {
		return nil, errors.Wrap(ErrProtocolViolation, "key/value list with odd length")
	}
	ret := map[string]string{}
	for i := 0; i < len(kv); i += 2 {
		ret[kv[i]] = kv[i+1]
	}
	return ret, nil
}
