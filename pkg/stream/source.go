package stream

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// ErrSourceClosed unblocks Next once a source is closed.
var ErrSourceClosed = errors.New("stream: source closed")

// GrabFunc captures one encoded frame.
type GrabFunc func() ([]byte, error)

// ScreenshotSource adapts a frame-grab capability (screenshot service,
// test fixture) into a paced frame source.
type ScreenshotSource struct {
	grab GrabFunc
	fps  int

	mu      sync.Mutex
	closed  chan struct{}
	started bool
	last    time.Time
}

// NewScreenshotSource polls grab at the given frame rate.
func NewScreenshotSource(grab GrabFunc, fps int) *ScreenshotSource {
	if fps <= 0 {
		fps = 10
	}
	return &ScreenshotSource{
		grab:   grab,
		fps:    fps,
		closed: make(chan struct{}),
	}
}

// Attributes describes the polling encoder parameters.
func (s *ScreenshotSource) Attributes() (Attributes, error) {
	return Attributes{
		"encoding":   "png",
		"frame_rate": cast.ToFloat64(s.fps),
	}, nil
}

// Next grabs the next frame, pacing grabs to the configured rate.
func (s *ScreenshotSource) Next() ([]byte, error) {
	s.mu.Lock()
	interval := time.Second / time.Duration(s.fps)
	wait := time.Duration(0)
	if s.started {
		if elapsed := time.Since(s.last); elapsed < interval {
			wait = interval - elapsed
		}
	}
	s.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-s.closed:
			return nil, ErrSourceClosed
		}
	}
	select {
	case <-s.closed:
		return nil, ErrSourceClosed
	default:
	}

	frame, err := s.grab()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.started = true
	s.last = time.Now()
	s.mu.Unlock()
	return frame, nil
}

// Close unblocks Next. Idempotent.
func (s *ScreenshotSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}
