// Package logging provides the process-wide structured logger used by
// every Cloudillo subsystem. It is built on logrus, following the stream
// routing idea in the teacher's common/logging.go: error-level records
// are written to stderr, everything else to stdout, so container log
// collectors can apply different retention/alerting rules per stream.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// streamSplitter routes formatted log lines to stdout or stderr based on
// their level, without requiring two separate logger instances.
type streamSplitter struct {
	out, err *os.File
}

func (s *streamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) || bytes.Contains(p, []byte("level=panic")) {
		return s.err.Write(p)
	}
	return s.out.Write(p)
}

// Logger is the process-wide logger. Subsystems derive a scoped entry
// with WithComponent instead of calling the package-level logger
// directly, so every line carries a "component" field.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(&streamSplitter{out: os.Stdout, err: os.Stderr})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// WithComponent returns a logger entry scoped to a subsystem name, e.g.
// logging.WithComponent("scheduler").
func WithComponent(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// WithTenant further scopes an entry to a tenant id, the way adapters
// should log every per-tenant operation.
func WithTenant(component string, tnID int64) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{"component": component, "tn_id": tnID})
}
