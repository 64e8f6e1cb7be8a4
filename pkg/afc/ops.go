package afc

import (
	"bytes"
	"encoding/binary"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/blacktop/companion/pkg/future"
)

// ListDirectory lists the entry names under dir.
func (c *Client) ListDirectory(dir string) *future.Future[[]string] {
	return future.Map(c.submit("afc.ls "+dir, opReadDir, nil, dir), func(r *Response) ([]string, error) {
		return decodeStringList(r.Payload), nil
	})
}

// FileInfo returns the raw stat dictionary for a path (st_size, st_ifmt,
// st_mtime, ...).
func (c *Client) FileInfo(name string) *future.Future[map[string]string] {
	return future.Map(c.submit("afc.stat "+name, opGetFileInfo, nil, name), func(r *Response) (map[string]string, error) {
		return listToDict(decodeStringList(r.Payload))
	})
}

// Stat returns an os.FileInfo view over FileInfo.
func (c *Client) Stat(name string) *future.Future[os.FileInfo] {
	return future.Map(c.FileInfo(name), func(info map[string]string) (os.FileInfo, error) {
		return newFileInfo(name, info)
	})
}

// DeviceInfo returns the file-service level device dictionary (model,
// capacity, block size).
func (c *Client) DeviceInfo() *future.Future[map[string]string] {
	return future.Map(c.submit("afc.deviceinfo", opGetDeviceInfo, nil), func(r *Response) (map[string]string, error) {
		return listToDict(decodeStringList(r.Payload))
	})
}

// RemovePath removes a file or an empty directory.
func (c *Client) RemovePath(name string) *future.Future[future.Void] {
	return discard(c.submit("afc.rm "+name, opRemovePath, nil, name))
}

// MakeDirectory creates a directory, parents included.
func (c *Client) MakeDirectory(dir string) *future.Future[future.Void] {
	return discard(c.submit("afc.mkdir "+dir, opMakeDir, nil, dir))
}

// RenamePath moves a file or directory.
func (c *Client) RenamePath(from, to string) *future.Future[future.Void] {
	return discard(c.submit("afc.mv", opRenamePath, nil, from, to))
}

// MakeLink creates a symlink at linkname pointing at target.
func (c *Client) MakeLink(target, linkname string) *future.Future[future.Void] {
	return discard(c.submit("afc.ln", opMakeLink, nil, uint64(2), target, linkname))
}

// ReadFile reads an entire file: an open exchange, chained chunk reads,
// then a best-effort close.
func (c *Client) ReadFile(name string) *future.Future[[]byte] {
	open := c.submit("afc.open "+name, opFileRefOpen, nil, uint64(fopenRdonly), name)
	return future.Then(open, func(resp *Response) *future.Future[[]byte] {
		if len(resp.Data) < 8 {
			return future.Errored[[]byte](errors.Wrap(ErrProtocolViolation, "open response without file ref"))
		}
		ref := binary.LittleEndian.Uint64(resp.Data)
		return future.Go("afc.read "+name, func() ([]byte, error) {
			defer c.submit("afc.close", opFileRefClose, nil, ref)
			var buf bytes.Buffer
			for {
				r, err := c.submit("afc.read.chunk", opFileRefRead, nil, ref, uint64(maxChunk)).Result()
				if err != nil {
					var devErr *DeviceError
					if errors.As(err, &devErr) && devErr.EndOfData() {
						break
					}
					return nil, err
				}
				if len(r.Payload) == 0 {
					break
				}
				buf.Write(r.Payload)
			}
			return buf.Bytes(), nil
		})
	})
}

// WriteFile creates or truncates a file with the given contents.
func (c *Client) WriteFile(name string, data []byte) *future.Future[future.Void] {
	open := c.submit("afc.create "+name, opFileRefOpen, nil, uint64(fopenWronly), name)
	return future.Then(open, func(resp *Response) *future.Future[future.Void] {
		if len(resp.Data) < 8 {
			return future.Errored[future.Void](errors.Wrap(ErrProtocolViolation, "open response without file ref"))
		}
		ref := binary.LittleEndian.Uint64(resp.Data)
		return future.Go("afc.write "+name, func() (future.Void, error) {
			defer c.submit("afc.close", opFileRefClose, nil, ref)
			if _, err := c.submit("afc.write.data", opFileRefWrite, data, ref).Result(); err != nil {
				return future.Void{}, err
			}
			return future.Void{}, nil
		})
	})
}

func discard(f *future.Future[*Response]) *future.Future[future.Void] {
	return future.Map(f, func(*Response) (future.Void, error) {
		return future.Void{}, nil
	})
}

type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func newFileInfo(name string, info map[string]string) (*fileInfo, error) {
	fi := &fileInfo{
		name: path.Base(name),
	}
	var err error
	fi.size, err = strconv.ParseInt(info["st_size"], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s: st_size", name)
	}
	mtime, err := strconv.ParseInt(info["st_mtime"], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s: st_mtime", name)
	}
	fi.modTime = time.Unix(0, mtime)
	switch info["st_ifmt"] {
	case "S_IFBLK":
		fi.mode |= os.ModeDevice
	case "S_IFCHR":
		fi.mode |= os.ModeDevice | os.ModeCharDevice
	case "S_IFDIR":
		fi.mode |= os.ModeDir
	case "S_IFIFO":
		fi.mode |= os.ModeNamedPipe
	case "S_IFLNK":
		fi.mode |= os.ModeSymlink
	case "S_IFREG":
		// regular file
	case "S_IFSOCK":
		fi.mode |= os.ModeSocket
	}
	return fi, nil
}

func (f *fileInfo) Name() string       { return f.name }
func (f *fileInfo) Size() int64        { return f.size }
func (f *fileInfo) Mode() os.FileMode  { return f.mode }
func (f *fileInfo) ModTime() time.Time { return f.modTime }
func (f *fileInfo) IsDir() bool        { return f.mode&os.ModeDir != 0 }
func (f *fileInfo) Sys() any           { return nil }
