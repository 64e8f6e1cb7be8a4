// Package afctest provides an in-memory device end of the file-service
// protocol for tests: real framing over a synchronous pipe, backed by a
// map filesystem.
package afctest

import (
	"encoding/binary"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	magic      = "CFA6LPAA"
	headerSize = 40
)

// Operation codes the fake device understands.
const (
	OpStatus         = 0x01
	OpData           = 0x02
	OpReadDir        = 0x03
	OpRemovePath     = 0x08
	OpMakeDir        = 0x09
	OpGetFileInfo    = 0x0a
	OpGetDeviceInfo  = 0x0b
	OpFileRefOpen    = 0x0d
	OpFileRefOpenRes = 0x0e
	OpFileRefRead    = 0x0f
	OpFileRefWrite   = 0x10
	OpFileRefClose   = 0x14
	OpRenamePath     = 0x18
)

// Device-reported status codes.
const (
	CodeSuccess        = 0
	CodeInvalidArg     = 7
	CodeObjectNotFound = 8
	CodeObjectIsDir    = 9
	CodeEndOfData      = 14
	CodeOpNotSupported = 15
	CodeDirNotEmpty    = 33
)

type header struct {
	Magic        [8]byte
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    uint64
}

type handle struct {
	path   string
	offset int
	write  bool
}

// Device is an in-memory file-service device. Dial returns a client-side
// connection served by the device; multiple connections may be dialed over
// the device's lifetime (e.g. after a poisoned client reconnects).
type Device struct {
	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	handles map[uint64]*handle
	nextRef uint64
	info    map[string]string
}

// NewDevice creates a device with an empty root directory.
func NewDevice() *Device {
	return &Device{
		files:   map[string][]byte{},
		dirs:    map[string]bool{"/": true},
		handles: map[uint64]*handle{},
		info: map[string]string{
			"Model":          "FakeDevice1,1",
			"FSTotalBytes":   "64000000000",
			"FSFreeBytes":    "32000000000",
			"FSBlockSize":    "4096",
		},
	}
}

// AddFile seeds a file, creating parent directories.
func (d *Device) AddFile(name string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addDirLocked(path.Dir(name))
	d.files[name] = append([]byte(nil), data...)
}

// AddDir seeds a directory.
func (d *Device) AddDir(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addDirLocked(name)
}

// File returns the current contents of a seeded or written file.
func (d *Device) File(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[name]
	return append([]byte(nil), data...), ok
}

func (d *Device) addDirLocked(name string) {
	for dir := path.Clean(name); ; dir = path.Dir(dir) {
		d.dirs[dir] = true
		if dir == "/" || dir == "." {
			return
		}
	}
}

// Dial returns the client end of a connection served by this device.
func (d *Device) Dial() net.Conn {
	client, device := net.Pipe()
	go d.serve(device)
	return client
}

func (d *Device) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var hdr header
		if err := binary.Read(conn, binary.LittleEndian, &hdr); err != nil {
			return
		}
		data := make([]byte, hdr.ThisLength-headerSize)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}
		payload := make([]byte, hdr.EntireLength-hdr.ThisLength)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		op, rdata, rpayload := d.dispatch(hdr.Operation, data, payload)

		rhdr := header{
			EntireLength: headerSize + uint64(len(rdata)) + uint64(len(rpayload)),
			ThisLength:   headerSize + uint64(len(rdata)),
			PacketNum:    hdr.PacketNum,
			Operation:    op,
		}
		copy(rhdr.Magic[:], magic)
		if err := binary.Write(conn, binary.LittleEndian, &rhdr); err != nil {
			return
		}
		if len(rdata) > 0 {
			if _, err := conn.Write(rdata); err != nil {
				return
			}
		}
		if len(rpayload) > 0 {
			if _, err := conn.Write(rpayload); err != nil {
				return
			}
		}
	}
}

func status(code uint64) (uint64, []byte, []byte) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, code)
	return OpStatus, data, nil
}

func stringList(items ...string) (uint64, []byte, []byte) {
	var payload []byte
	for _, item := range items {
		payload = append(payload, item...)
		payload = append(payload, 0)
	}
	return OpData, nil, payload
}

func cstr(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == 0 {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	return out
}

func (d *Device) dispatch(op uint64, data, payload []byte) (uint64, []byte, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch op {
	case OpReadDir:
		args := cstr(data)
		if len(args) != 1 {
			return status(CodeInvalidArg)
		}
		dir := path.Clean(args[0])
		if !d.dirs[dir] {
			return status(CodeObjectNotFound)
		}
		names := []string{".", ".."}
		var children []string
		for name := range d.files {
			if path.Dir(name) == dir {
				children = append(children, path.Base(name))
			}
		}
		for name := range d.dirs {
			if name != dir && path.Dir(name) == dir {
				children = append(children, path.Base(name))
			}
		}
		sort.Strings(children)
		return stringList(append(names, children...)...)

	case OpGetFileInfo:
		args := cstr(data)
		if len(args) != 1 {
			return status(CodeInvalidArg)
		}
		name := path.Clean(args[0])
		if d.dirs[name] {
			return stringList(
				"st_size", "68",
				"st_ifmt", "S_IFDIR",
				"st_mtime", strconv.FormatInt(time.Now().UnixNano(), 10),
			)
		}
		contents, ok := d.files[name]
		if !ok {
			return status(CodeObjectNotFound)
		}
		return stringList(
			"st_size", strconv.Itoa(len(contents)),
			"st_ifmt", "S_IFREG",
			"st_mtime", strconv.FormatInt(time.Now().UnixNano(), 10),
		)

	case OpGetDeviceInfo:
		var kv []string
		keys := make([]string, 0, len(d.info))
		for k := range d.info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kv = append(kv, k, d.info[k])
		}
		return stringList(kv...)

	case OpMakeDir:
		args := cstr(data)
		if len(args) != 1 {
			return status(CodeInvalidArg)
		}
		d.addDirLocked(args[0])
		return status(CodeSuccess)

	case OpRemovePath:
		args := cstr(data)
		if len(args) != 1 {
			return status(CodeInvalidArg)
		}
		name := path.Clean(args[0])
		if _, ok := d.files[name]; ok {
			delete(d.files, name)
			return status(CodeSuccess)
		}
		if d.dirs[name] {
			for child := range d.files {
				if path.Dir(child) == name {
					return status(CodeDirNotEmpty)
				}
			}
			delete(d.dirs, name)
			return status(CodeSuccess)
		}
		return status(CodeObjectNotFound)

	case OpRenamePath:
		args := cstr(data)
		if len(args) != 2 {
			return status(CodeInvalidArg)
		}
		from, to := path.Clean(args[0]), path.Clean(args[1])
		contents, ok := d.files[from]
		if !ok {
			return status(CodeObjectNotFound)
		}
		delete(d.files, from)
		d.files[to] = contents
		return status(CodeSuccess)

	case OpFileRefOpen:
		if len(data) < 9 {
			return status(CodeInvalidArg)
		}
		mode := binary.LittleEndian.Uint64(data[:8])
		args := cstr(data[8:])
		if len(args) != 1 {
			return status(CodeInvalidArg)
		}
		name := path.Clean(args[0])
		if d.dirs[name] {
			return status(CodeObjectIsDir)
		}
		write := mode != 0x01
		if _, ok := d.files[name]; !ok {
			if !write {
				return status(CodeObjectNotFound)
			}
			d.addDirLocked(path.Dir(name))
		}
		if write {
			d.files[name] = nil
		}
		d.nextRef++
		d.handles[d.nextRef] = &handle{path: name, write: write}
		refData := make([]byte, 8)
		binary.LittleEndian.PutUint64(refData, d.nextRef)
		return OpFileRefOpenRes, refData, nil

	case OpFileRefRead:
		if len(data) < 16 {
			return status(CodeInvalidArg)
		}
		ref := binary.LittleEndian.Uint64(data[:8])
		want := int(binary.LittleEndian.Uint64(data[8:16]))
		h, ok := d.handles[ref]
		if !ok {
			return status(CodeInvalidArg)
		}
		contents := d.files[h.path]
		if h.offset >= len(contents) {
			return status(CodeEndOfData)
		}
		end := h.offset + want
		if end > len(contents) {
			end = len(contents)
		}
		chunk := contents[h.offset:end]
		h.offset = end
		return OpData, nil, chunk

	case OpFileRefWrite:
		if len(data) < 8 {
			return status(CodeInvalidArg)
		}
		ref := binary.LittleEndian.Uint64(data[:8])
		h, ok := d.handles[ref]
		if !ok || !h.write {
			return status(CodeInvalidArg)
		}
		d.files[h.path] = append(d.files[h.path], payload...)
		return status(CodeSuccess)

	case OpFileRefClose:
		if len(data) < 8 {
			return status(CodeInvalidArg)
		}
		delete(d.handles, binary.LittleEndian.Uint64(data[:8]))
		return status(CodeSuccess)
	}

	return status(CodeOpNotSupported)
}
