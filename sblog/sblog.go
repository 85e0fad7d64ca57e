// Package sblog is the structured logger used by the aggregator, the
// controller and cmd/sandboxrun, adapted from the teacher's
// ingest/log package: an RFC5424-encoded line sink over one or more
// io.Writer destinations, with leveled convenience methods and a
// structured key/value call form.
package sblog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Debug
	case INFO:
		return rfc5424.Info
	case WARN:
		return rfc5424.Warning
	case ERROR:
		return rfc5424.Error
	}
	return rfc5424.Info
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "OFF"
}

// KV is one structured key/value parameter attached to a log line,
// mirroring the teacher's rfc5424.SDParam-based structured call form.
type KV struct {
	Key   string
	Value string
}

// KVErr is a convenience constructor for attaching an error as a KV.
func KVErr(err error) KV {
	if err == nil {
		return KV{Key: "error", Value: ""}
	}
	return KV{Key: "error", Value: err.Error()}
}

const defaultMsgID = "sandboxcore"

// Logger writes leveled, RFC5424-framed lines to one or more sinks.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.Writer
	lvl      Level
	hostname string
	appname  string
}

// New creates a Logger at level INFO writing to w.
func New(w io.Writer) *Logger {
	host, _ := os.Hostname()
	return &Logger{wtrs: []io.Writer{w}, lvl: INFO, hostname: host, appname: "sandboxcore"}
}

// Discard returns a Logger that drops every line, for tests and
// callers that don't want logging.
func Discard() *Logger { return New(io.Discard) }

// AddWriter adds an additional sink.
func (l *Logger) AddWriter(w io.Writer) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.wtrs = append(l.wtrs, w)
}

// SetLevel sets the minimum level that will be emitted.
func (l *Logger) SetLevel(lvl Level) { l.lvl = lvl }

func (l *Logger) Debugf(f string, args ...interface{}) { l.outputf(DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{})  { l.outputf(INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.outputf(WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.outputf(ERROR, f, args...) }

// Structured emits msg at lvl with attached key/value parameters, for
// logging a failure kind alongside its context (spec.md §7). The
// components in this module log through the leveled *f methods.
func (l *Logger) Structured(lvl Level, msg string, kvs ...KV) {
	if l.lvl == OFF || lvl < l.lvl {
		return
	}
	params := make([]rfc5424.SDParam, 0, len(kvs))
	for _, kv := range kvs {
		params = append(params, rfc5424.SDParam{Name: kv.Key, Value: kv.Value})
	}
	l.write(lvl, msg, params...)
}

func (l *Logger) outputf(lvl Level, f string, args ...interface{}) {
	if l.lvl == OFF || lvl < l.lvl {
		return
	}
	l.write(lvl, fmt.Sprintf(f, args...))
}

func (l *Logger) write(lvl Level, msg string, params ...rfc5424.SDParam) {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now(),
		Hostname:  trimLen(255, l.hostname),
		AppName:   trimLen(48, l.appname),
		MessageID: trimLen(32, defaultMsgID),
		Message:   []byte(msg),
	}
	if len(params) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: "sbx@1", Parameters: params}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return
	}
	line := strings.TrimRight(string(b), "\n\r") + "\n"

	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, w := range l.wtrs {
		io.WriteString(w, line)
	}
}

func trimLen(max int, s string) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
