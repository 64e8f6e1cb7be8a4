// Package target abstracts the single controllable device a companion
// serves. Command families are expressed as capabilities on the Target
// interface and composed by the server; per-target variants implement the
// interface rather than subclassing anything.
package target

import (
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/blacktop/companion/pkg/afc"
	"github.com/blacktop/companion/pkg/future"
	"github.com/blacktop/companion/pkg/stream"
	"github.com/blacktop/companion/pkg/usb"
)

// ErrUnsupported marks a capability the target's transport cannot provide.
var ErrUnsupported = errors.New("target: operation not supported")

// Target is one controllable device or simulator.
type Target interface {
	// UDID is the unique device identifier.
	UDID() string
	// Name is a human-readable label.
	Name() string
	// AFC returns the target's file-service client. The connection is
	// established lazily and replaced once poisoned.
	AFC() (*afc.Client, error)
	// AppContainer returns a file-service client rooted at the given
	// application's data container. An empty bundle id selects the media
	// container.
	AppContainer(bundleID string) (*afc.Client, error)
	// Screenshot captures one encoded frame.
	Screenshot() *future.Future[[]byte]
	// VideoStream creates a new streaming session.
	VideoStream() (stream.BitmapStream, error)
	// LaunchAgent starts a background binary agent described by config.
	LaunchAgent(config AgentLaunchConfiguration) (*future.Continuation, error)
}

// DeviceTarget serves a physical device over usbmuxd. Capabilities that
// require the secured lockdown session (screenshots, video, agents) are
// unsupported here; the file service is reachable on a configured port.
type DeviceTarget struct {
	udid    string
	name    string
	afcPort int
	log     *log.Entry

	dials singleflight.Group
	mu    sync.Mutex
	afc   *afc.Client
}

// NewDeviceTarget describes a device by udid, with the AFC service
// reachable on afcPort.
func NewDeviceTarget(udid, name string, afcPort int) *DeviceTarget {
	return &DeviceTarget{
		udid:    udid,
		name:    name,
		afcPort: afcPort,
		log:     log.WithField("udid", udid),
	}
}

func (t *DeviceTarget) UDID() string { return t.udid }
func (t *DeviceTarget) Name() string { return t.name }

// AFC dials the file service through usbmuxd on first use and re-dials
// once the previous connection is poisoned. Concurrent callers share one
// dial.
func (t *DeviceTarget) AFC() (*afc.Client, error) {
	v, err, _ := t.dials.Do("afc", func() (any, error) {
		t.mu.Lock()
		current := t.afc
		t.mu.Unlock()
		if current != nil && current.Err() == nil {
			return current, nil
		}
		if current != nil {
			t.log.WithError(current.Err()).Warn("replacing poisoned afc connection")
		}
		conn, err := usb.DialService(t.udid, t.afcPort)
		if err != nil {
			return nil, errors.Wrap(err, "dial afc service")
		}
		client := afc.NewClient(conn)
		t.mu.Lock()
		t.afc = client
		t.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*afc.Client), nil
}

func (t *DeviceTarget) AppContainer(bundleID string) (*afc.Client, error) {
	if bundleID == "" {
		return t.AFC()
	}
	// Vending app containers needs the house-arrest service behind the
	// secured session, which is out of scope for this transport.
	return nil, errors.Wrapf(ErrUnsupported, "app container %s", bundleID)
}

func (t *DeviceTarget) Screenshot() *future.Future[[]byte] {
	return future.Errored[[]byte](errors.Wrap(ErrUnsupported, "screenshot"))
}

func (t *DeviceTarget) VideoStream() (stream.BitmapStream, error) {
	return nil, errors.Wrap(ErrUnsupported, "video streaming")
}

func (t *DeviceTarget) LaunchAgent(config AgentLaunchConfiguration) (*future.Continuation, error) {
	return nil, errors.Wrap(ErrUnsupported, "agent launch")
}
