// Package log provides the guest-tagged logging facade used throughout the
// runtime. It mirrors the API shape of the original C++ Logger class
// (common/logger.hpp) — Trace/Debug/Info/Warn/Error/Critical plus a
// process-wide id allocator with a free-list — but emits through
// logrus.Logger (the teacher's own logging dependency) instead of spdlog,
// since the original's logging sink is explicitly an external collaborator
// (spec.md §1) and logrus is the real third-party logger already present
// in the teacher's go.mod.
package log

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level mirrors ARION_LOG_LEVEL from the original runtime's global_defs.hpp.
type Level int

// Log levels, ordered least to most severe, plus Off to disable logging
// entirely.
const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Critical
	Off
)

// ParseLevel converts the configuration string spelling ("log_lvl":
// TRACE/DEBUG/INFO/WARN/ERROR/CRITICAL/OFF) into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "TRACE":
		return Trace, nil
	case "DEBUG":
		return Debug, nil
	case "INFO":
		return Info, nil
	case "WARN":
		return Warn, nil
	case "ERROR":
		return Error, nil
	case "CRITICAL":
		return Critical, nil
	case "OFF":
		return Off, nil
	default:
		return Off, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Trace:
		return logrus.TraceLevel
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warn:
		return logrus.WarnLevel
	case Error:
		return logrus.ErrorLevel
	case Off:
		// Criticalf logs at FatalLevel; PanicLevel suppresses it too.
		return logrus.PanicLevel
	default:
		return logrus.FatalLevel
	}
}

// idAllocator is the process-wide logger-id allocator with a free-list
// described in spec.md §9 ("Global logger counter"): ids are handed out
// monotonically and recycled via a free-list when a Logger is dropped, so
// a long-running embedder that creates and destroys many guests doesn't
// leak ever-growing ids.
type idAllocator struct {
	mu   sync.Mutex
	next uint64
	free []uint64
}

func (a *idAllocator) alloc() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	a.next++
	return a.next
}

func (a *idAllocator) release(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, id)
}

var loggerIDs idAllocator

// Logger is a per-guest logger tagged with the owning guest's pid/tid, the
// way the original runtime's refresh_prefix prepends "[pid:tid]" to every
// line.
type Logger struct {
	id      uint64
	pid     int
	tid     int
	lvl     Level
	backend *logrus.Logger
}

// New allocates a Logger at the given level. Call Close when the owning
// guest is destroyed to recycle its id.
func New(lvl Level) *Logger {
	backend := logrus.New()
	backend.SetLevel(lvl.logrusLevel())
	return &Logger{id: loggerIDs.alloc(), lvl: lvl, backend: backend}
}

// Close releases the logger's id back to the free-list.
func (l *Logger) Close() {
	loggerIDs.release(l.id)
}

// SetPID updates the pid/tid prefix used on subsequent log lines.
func (l *Logger) SetPID(pid, tid int) {
	l.pid = pid
	l.tid = tid
}

// SetLevel changes the minimum severity emitted by this logger.
func (l *Logger) SetLevel(lvl Level) {
	l.lvl = lvl
	l.backend.SetLevel(lvl.logrusLevel())
}

// Level returns the logger's current minimum severity.
func (l *Logger) Level() Level { return l.lvl }

func (l *Logger) prefix() string {
	return fmt.Sprintf("[pid:%d tid:%d]", l.pid, l.tid)
}

// Tracef logs at Trace severity.
func (l *Logger) Tracef(format string, args ...any) {
	l.backend.Tracef(l.prefix()+" "+format, args...)
}

// Debugf logs at Debug severity.
func (l *Logger) Debugf(format string, args ...any) {
	l.backend.Debugf(l.prefix()+" "+format, args...)
}

// Infof logs at Info severity.
func (l *Logger) Infof(format string, args ...any) {
	l.backend.Infof(l.prefix()+" "+format, args...)
}

// Warnf logs at Warn severity.
func (l *Logger) Warnf(format string, args ...any) {
	l.backend.Warnf(l.prefix()+" "+format, args...)
}

// Errorf logs at Error severity.
func (l *Logger) Errorf(format string, args ...any) {
	l.backend.Errorf(l.prefix()+" "+format, args...)
}

// Criticalf logs at Critical severity. Unlike logrus.Fatalf, it does not
// call os.Exit — a guest fault is not a reason to kill the embedding
// process.
func (l *Logger) Criticalf(format string, args ...any) {
	l.backend.Logf(logrus.FatalLevel, l.prefix()+" "+format, args...)
}
