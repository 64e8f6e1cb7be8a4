// Package stream implements the bitmap/video streaming session: a
// long-running operation exposed as a continuation, pumping frames from a
// source into a data consumer until stopped.
package stream

import (
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/companion/pkg/future"
)

var (
	// ErrAlreadyStarted is returned by StartStreaming while streaming.
	ErrAlreadyStarted = errors.New("stream: already started")
	// ErrInvalidState is returned for transitions out of Stopped.
	ErrInvalidState = errors.New("stream: invalid state")
)

// State is the session's lifecycle state.
type State int

const (
	Idle State = iota
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// DataConsumer receives raw frame bytes as they are produced. Backpressure
// is the consumer's concern; ConsumeData may block the pump.
type DataConsumer interface {
	ConsumeData(data []byte)
}

// Attributes is a point-in-time snapshot of encoder/frame parameters,
// produced fresh per query.
type Attributes map[string]any

// Source produces frames. Next blocks until a frame is available and must
// unblock with an error once Close is called.
type Source interface {
	Attributes() (Attributes, error)
	Next() ([]byte, error)
	Close() error
}

// BitmapStream is the streaming session surface.
type BitmapStream interface {
	StreamAttributes() *future.Future[Attributes]
	StartStreaming(consumer DataConsumer) *future.Future[future.Void]
	StopStreaming() *future.Future[future.Void]
	Continuation() *future.Continuation
}

// VideoStream pumps frames from a Source to a DataConsumer. The state
// machine is Idle -> Streaming -> Stopped; Stopped is terminal.
type VideoStream struct {
	source       Source
	log          *log.Entry
	startTimeout time.Duration

	mu       sync.Mutex
	state    State
	consumer DataConsumer
	stop     chan struct{}
	started  bool

	completed    *future.Future[future.Void]
	completedRes *future.Resolver[future.Void]
	continuation *future.Continuation
}

// VideoStreamOption configures a VideoStream.
type VideoStreamOption func(*VideoStream)

// WithStartTimeout bounds how long StartStreaming waits for the first
// frame confirmation.
func WithStartTimeout(d time.Duration) VideoStreamOption {
	return func(v *VideoStream) { v.startTimeout = d }
}

// NewVideoStream creates an idle session over source.
func NewVideoStream(source Source, opts ...VideoStreamOption) *VideoStream {
	v := &VideoStream{
		source:       source,
		log:          log.WithField("pkg", "stream"),
		startTimeout: 10 * time.Second,
		state:        Idle,
	}
	for _, opt := range opts {
		opt(v)
	}
	// Cancelling the completion future (e.g. on server shutdown) runs the
	// same teardown as an explicit stop. The hook only signals; it never
	// waits on the pump, so a stalled consumer cannot block cancellation.
	v.completed, v.completedRes = future.New[future.Void](
		future.WithName("video-stream"),
		future.WithCancel(v.signalStop),
	)
	v.continuation = future.NewContinuation(future.ContinuationTypeVideoStreaming, v.completed)
	return v
}

// Continuation returns the session's background-operation handle.
func (v *VideoStream) Continuation() *future.Continuation {
	return v.continuation
}

// State reports the current lifecycle state.
func (v *VideoStream) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// StreamAttributes queries the source for a fresh attribute snapshot. It
// is valid in any state and does not mutate the session.
func (v *VideoStream) StreamAttributes() *future.Future[Attributes] {
	return future.Go("stream.attributes", v.source.Attributes)
}

// StartStreaming attaches consumer and begins pumping frames. It resolves
// once the first frame has been forwarded, bounded by the start timeout.
// From Streaming it fails with ErrAlreadyStarted without re-attaching;
// from Stopped it fails with ErrInvalidState.
func (v *VideoStream) StartStreaming(consumer DataConsumer) *future.Future[future.Void] {
	v.mu.Lock()
	switch v.state {
	case Streaming:
		v.mu.Unlock()
		return future.Errored[future.Void](ErrAlreadyStarted)
	case Stopped:
		v.mu.Unlock()
		return future.Errored[future.Void](errors.Wrap(ErrInvalidState, "session is stopped"))
	}
	v.state = Streaming
	v.consumer = consumer
	v.stop = make(chan struct{})
	v.started = true
	firstFrame, confirm := future.New[future.Void](future.WithName("stream.start"))
	go v.pump(consumer, v.stop, confirm)
	v.mu.Unlock()

	v.log.Info("streaming started")
	return future.Timeout(firstFrame, v.startTimeout)
}

// pump is the only writer to the consumer and, once a stop has been
// signalled, the one that resolves the completion future on its way out.
// That keeps "no bytes after stop resolves" without anyone having to wait
// on a consumer that may be stalled inside ConsumeData.
func (v *VideoStream) pump(consumer DataConsumer, stop chan struct{}, confirm *future.Resolver[future.Void]) {
	for {
		frame, err := v.source.Next()
		if err != nil {
			select {
			case <-stop:
				// Teardown closed the source; not a failure.
				confirm.Fail(future.ErrCancelled)
				v.completedRes.Succeed(future.Void{})
			default:
				v.log.WithError(err).Error("frame source failed")
				confirm.Fail(err)
				v.signalStop()
				v.completedRes.Fail(err)
			}
			return
		}
		select {
		case <-stop:
			v.completedRes.Succeed(future.Void{})
			return
		default:
		}
		consumer.ConsumeData(frame)
		confirm.Succeed(future.Void{})
	}
}

// StopStreaming stops the pump and transitions to Stopped. It is an
// idempotent no-op from Idle. The returned future is the continuation's
// completion; once a pump has run it resolves only after the pump exits,
// so the consumer observes no bytes after it resolves.
func (v *VideoStream) StopStreaming() *future.Future[future.Void] {
	v.signalStop()
	v.mu.Lock()
	started := v.started
	v.mu.Unlock()
	if !started {
		v.completedRes.Succeed(future.Void{})
	}
	return v.completed
}

// signalStop moves the session to Stopped and unblocks the pump without
// waiting for it. Cancellation (server shutdown) must stay bounded even
// when the consumer is stalled mid-write.
func (v *VideoStream) signalStop() {
	v.mu.Lock()
	if v.state == Stopped {
		v.mu.Unlock()
		return
	}
	wasStreaming := v.state == Streaming
	v.state = Stopped
	stop := v.stop
	v.consumer = nil
	v.mu.Unlock()

	if !wasStreaming {
		return
	}
	close(stop)
	if err := v.source.Close(); err != nil {
		v.log.WithError(err).Debug("source close")
	}
	v.log.Info("streaming stopped")
}
