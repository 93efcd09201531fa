// Package logging provides the daemon-wide dual-sink logger: every message
// goes to a local *log.Logger and, when configured, to a gcp.LoggerInterface
// sink, with both sides scrubbed of secrets before they leave the process.
package logging

import (
	"fmt"
	"io"
	"log"

	"github.com/ralphloop/ralph/internal/cloud/gcp"
	"github.com/ralphloop/ralph/internal/security"
)

// Logger wraps a local logger and an optional cloud sink, scrubbing every
// message through a Scrubber and LogSanitizer before either sink sees it.
// It is safe to construct with a nil cloud sink: Info/Warning/Error then
// write only to the local logger.
type Logger struct {
	local  *log.Logger
	cloud  gcp.LoggerInterface
	scrub  *security.Scrubber
	saniti *security.LogSanitizer
}

// New builds a Logger writing to w, with cloud as the optional secondary
// sink (pass nil to disable it, e.g. outside GCP or in tests).
func New(w io.Writer, prefix string, cloud gcp.LoggerInterface) *Logger {
	return &Logger{
		local:  log.New(w, prefix, log.LstdFlags),
		cloud:  cloud,
		scrub:  security.NewScrubber(),
		saniti: security.NewLogSanitizer(),
	}
}

func (l *Logger) sanitize(msg string) string {
	return l.saniti.Sanitize(l.scrub.Scrub(msg))
}

// Info logs a formatted INFO-level message to both sinks.
func (l *Logger) Info(format string, args ...interface{}) {
	msg := l.sanitize(fmt.Sprintf(format, args...))
	l.local.Printf("%s", msg)
	if l.cloud != nil {
		l.cloud.LogInfo(msg)
	}
}

// Warning logs a formatted WARNING-level message to both sinks.
func (l *Logger) Warning(format string, args ...interface{}) {
	msg := l.sanitize(fmt.Sprintf(format, args...))
	l.local.Printf("Warning: %s", msg)
	if l.cloud != nil {
		l.cloud.LogWarning(msg)
	}
}

// Error logs a formatted ERROR-level message to both sinks.
func (l *Logger) Error(format string, args ...interface{}) {
	msg := l.sanitize(fmt.Sprintf(format, args...))
	l.local.Printf("Error: %s", msg)
	if l.cloud != nil {
		l.cloud.LogError(msg)
	}
}

// SetIteration tags subsequent cloud log entries with the current loop
// iteration number. A no-op when no cloud sink is configured.
func (l *Logger) SetIteration(iteration int) {
	if l.cloud != nil {
		l.cloud.SetIteration(iteration)
	}
}

// Close flushes and releases the cloud sink, if any.
func (l *Logger) Close() error {
	if l.cloud != nil {
		return l.cloud.Close()
	}
	return nil
}

// StdLogger exposes the underlying *log.Logger for packages (e.g. cobra's
// SetOut) that need a plain io.Writer-backed logger rather than the
// sanitizing wrapper.
func (l *Logger) StdLogger() *log.Logger {
	return l.local
}
