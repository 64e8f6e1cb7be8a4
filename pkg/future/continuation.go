package future

// ContinuationType tags the kind of background operation a Continuation
// represents.
type ContinuationType string

const (
	// ContinuationTypeVideoStreaming is a running bitmap/video stream.
	ContinuationTypeVideoStreaming ContinuationType = "video-streaming"
	// ContinuationTypeAgent is a launched background agent process.
	ContinuationTypeAgent ContinuationType = "agent"
)

// Continuation is the handle for a background operation with no final
// value: a typed tag plus a completion future that resolves when the
// operation stops, by request or by failure. The continuation does not own
// the operation; whoever started it does.
type Continuation struct {
	typ       ContinuationType
	completed *Future[Void]
}

// NewContinuation wraps a completion future in a typed handle.
func NewContinuation(typ ContinuationType, completed *Future[Void]) *Continuation {
	return &Continuation{typ: typ, completed: completed}
}

// Type returns the continuation's tag.
func (c *Continuation) Type() ContinuationType {
	return c.typ
}

// Completed returns the future that resolves once the operation has
// stopped.
func (c *Continuation) Completed() *Future[Void] {
	return c.completed
}

// Cancel requests termination of the underlying operation via the
// completion future's cancellation hook.
func (c *Continuation) Cancel() {
	c.completed.Cancel()
}
