// Package telemetry supplies the structured logger shared by every tsch
// package. It wraps charmbracelet/log rather than the standard library's
// log package so that MAC-layer fields (asn, slotframe, neighbor, link)
// attach consistently and so levels map directly onto the error-kind
// table in spec.md's error handling section.
package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Logger is the type every tsch package logs through. It is a thin alias
// so callers don't need to import charmbracelet/log directly.
type Logger = *log.Logger

// New builds a logger writing to w with the given level. Pass nil for w to
// log to os.Stderr.
func New(w io.Writer, level log.Level) Logger {
	if w == nil {
		w = os.Stderr
	}

	var l = log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
	})

	return l
}

// Discard returns a logger that drops everything, for tests that don't
// care about log output.
func Discard() Logger {
	return New(io.Discard, log.FatalLevel+1)
}

// DailyTraceFileName renders a per-day MAC trace file name from pattern,
// the way the teacher's transmit code stamps timestamped artifacts with
// lestrrat-go/strftime rather than hand-rolled time formatting.
func DailyTraceFileName(pattern string, when time.Time) (string, error) {
	var f, err = strftime.New(pattern)
	if err != nil {
		return "", fmt.Errorf("telemetry: bad trace file pattern %q: %w", pattern, err)
	}

	return f.FormatString(when), nil
}
