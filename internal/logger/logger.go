package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"medlabel/internal/database"
)

// Level is the severity of a coded log entry.
type Level int

const (
	LevelInfo Level = iota + 1
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Code identifies an operational event. The thousands digit is the subsystem.
type Code int

const (
	// 1000 system
	SystemStartup  Code = 1001
	SystemShutdown Code = 1002

	// 2000 stream
	StreamConnectionFailed Code = 2001
	StreamReconnecting     Code = 2002
	StreamFallbackActive   Code = 2003
	StreamSourceExhausted  Code = 2004
	FrameDecodeError       Code = 2006

	// 3000 detection
	ModelInferenceError Code = 3002
	ModelNotFound       Code = 3003

	// 4000 recognition
	RecognitionFailed Code = 4001
	ArtifactSaveError Code = 4002

	// 5000 database
	DatabaseWriteError Code = 5001

	// 6000 webhook
	WebhookSendFailed Code = 6001
	WebhookDelivered  Code = 6002

	// 7000 command
	CommandInvalidRequest Code = 7004
	ChannelStarted        Code = 7010
	ChannelStopped        Code = 7011

	// 9000 config
	ConfigInvalid Code = 9001
)

// Store receives log entries for persistence.
type Store interface {
	SaveAppLog(entry *database.AppLogRecord) error
}

// Logger writes coded, leveled entries to a writer and, when a store is
// attached, to the app_logs table. Store failures are written to the
// writer and never returned.
type Logger struct {
	out   *log.Logger
	store Store
	mu    sync.Mutex
}

// New creates a logger writing to w. store may be nil.
func New(w io.Writer, store Store) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		out:   log.New(w, "", log.Ldate|log.Ltime),
		store: store,
	}
}

// Info writes an info-level entry.
func (l *Logger) Info(code Code, format string, v ...interface{}) {
	l.write(LevelInfo, code, format, v...)
}

// Warning writes a warning-level entry.
func (l *Logger) Warning(code Code, format string, v ...interface{}) {
	l.write(LevelWarning, code, format, v...)
}

// Error writes an error-level entry.
func (l *Logger) Error(code Code, format string, v ...interface{}) {
	l.write(LevelError, code, format, v...)
}

// Critical writes a critical-level entry.
func (l *Logger) Critical(code Code, format string, v ...interface{}) {
	l.write(LevelCritical, code, format, v...)
}

func (l *Logger) write(level Level, code Code, format string, v ...interface{}) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf(format, v...)

	l.mu.Lock()
	l.out.Printf("%-8s [%d] %s", level, code, msg)
	l.mu.Unlock()

	if l.store == nil {
		return
	}
	if err := l.store.SaveAppLog(&database.AppLogRecord{
		Code:    int(code),
		Level:   level.String(),
		Message: msg,
	}); err != nil {
		l.mu.Lock()
		l.out.Printf("%-8s [%d] failed to persist log entry: %v", LevelWarning, DatabaseWriteError, err)
		l.mu.Unlock()
	}
}
