// logger.go - Structured logging for the pool daemon
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
)

// Logger bundles the daemon log and the audit trail of value-moving events.
type Logger struct {
	zerolog.Logger
	audit zerolog.Logger
	files []*os.File
}

// NewLogger writes to the console and, when set, to logFile. Audit events go to auditFile.
func NewLogger(level, logFile, auditFile string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	l := &Logger{audit: zerolog.Nop()}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}}
	if logFile != "" {
		f, err := openAppend(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, f)
	}
	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()

	if auditFile != "" {
		f, err := openAppend(auditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		l.audit = zerolog.New(f).With().Timestamp().Str("stream", "audit").Logger()
	}

	// gnark logs compile and setup progress on its own logger
	gnarkLvl := zerolog.WarnLevel
	if lvl <= zerolog.DebugLevel {
		gnarkLvl = zerolog.DebugLevel
	}
	gnarklogger.Set(l.Logger.Level(gnarkLvl).With().Str("component", "gnark").Logger())
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Audit records a value-moving event.
func (l *Logger) Audit(event string) *zerolog.Event {
	return l.audit.Log().Str("event", event)
}

// Close closes the log files.
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}
