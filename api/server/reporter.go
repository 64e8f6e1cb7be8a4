package server

import (
	"github.com/apex/log"
)

// EventReporter receives companion lifecycle and operation events. It is
// an opaque sink; the server never depends on what a reporter does.
type EventReporter interface {
	ReportEvent(name string, fields map[string]any)
}

type logReporter struct {
	log *log.Entry
}

func (r *logReporter) ReportEvent(name string, fields map[string]any) {
	r.log.WithFields(log.Fields(fields)).Info(name)
}
