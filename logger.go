package bwtree

import (
	"log"
	"os"
)

// Logger is the engine's logging seam, matching the teacher's
// plasma.go Logger usage (logInfo/logError calling Infof/Errorf with a
// prefix) so callers can plug in whatever structured logger their
// service already runs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// stdLogger backs Infof/Warnf/Errorf with the standard library logger,
// the default when a caller doesn't supply one (spec: ambient logging).
type stdLogger struct {
	l *log.Logger
}

func newStdLogger() *stdLogger {
	return &stdLogger{l: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

func (s *stdLogger) Infof(format string, args ...any)  { s.l.Printf("INFO  "+format, args...) }
func (s *stdLogger) Warnf(format string, args ...any)  { s.l.Printf("WARN  "+format, args...) }
func (s *stdLogger) Errorf(format string, args ...any) { s.l.Printf("ERROR "+format, args...) }

// noopLogger discards everything; used in tests that don't want log
// noise.
type noopLogger struct{}

func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
