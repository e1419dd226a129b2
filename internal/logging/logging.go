// Package logging provides the leveled logger interface injected into the
// blob engine, replacing the teacher's direct log.Printf/log.Println calls
// (db.go, sstable/ssManager.go) with an interface so callers (and tests) can
// supply a silent or capturing logger instead of writing to a process-wide
// singleton — see spec §9's design note.
package logging

import (
	"fmt"
	"io"
	"log"
)

// Level is a logging severity threshold, mirroring the original C++'s
// SMACK_LOG_{DSA,NOTICE,INFO,ERROR} severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelError
)

// Logger is the leveled logging interface the blob and blobstore packages
// hold instead of calling the log package directly.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Noticef(format string, args ...any)
	Errorf(format string, args ...any)
}

// StdLogger wraps the standard library's log.Logger with a severity
// threshold, below which messages are dropped.
type StdLogger struct {
	l     *log.Logger
	level Level
}

// NewStdLogger returns a Logger that writes messages at or above level to w.
func NewStdLogger(w io.Writer, level Level) *StdLogger {
	return &StdLogger{l: log.New(w, "", log.LstdFlags), level: level}
}

func (s *StdLogger) log(level Level, prefix, format string, args ...any) {
	if level < s.level {
		return
	}
	s.l.Output(3, prefix+fmt.Sprintf(format, args...))
}

func (s *StdLogger) Debugf(format string, args ...any)  { s.log(LevelDebug, "DEBUG: ", format, args...) }
func (s *StdLogger) Infof(format string, args ...any)   { s.log(LevelInfo, "INFO: ", format, args...) }
func (s *StdLogger) Noticef(format string, args ...any) { s.log(LevelNotice, "NOTICE: ", format, args...) }
func (s *StdLogger) Errorf(format string, args ...any)  { s.log(LevelError, "ERROR: ", format, args...) }

// nopLogger discards everything; used as the default when callers pass a
// nil Logger into blob.Options/blobstore.Options.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)  {}
func (nopLogger) Infof(string, ...any)   {}
func (nopLogger) Noticef(string, ...any) {}
func (nopLogger) Errorf(string, ...any)  {}

// Nop returns a Logger that discards every message.
func Nop() Logger { return nopLogger{} }
