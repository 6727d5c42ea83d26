package ufmf

import (
	"io"
	"log"
	"os"
)

var (
	opsLogger   = newLogger("[ufmf] ", os.Stderr)
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the ufmf package.
// Pass nil for any writer to disable that stream. Call it before starting a
// session.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger("[ufmf] ", ops)
	diagLogger = newLogger("[ufmf] ", diag)
	traceLogger = newLogger("[ufmf] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// opsf logs to the ops stream (errors, timeouts, session lifecycle).
func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// diagf logs to the diag stream (parameters, background updates, summaries).
func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef logs to the trace stream (per-frame telemetry).
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}

// diagEnabled reports whether diag output is wanted, to skip formatting work.
func diagEnabled() bool {
	return diagLogger != nil
}
