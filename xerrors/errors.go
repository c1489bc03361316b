// Package xerrors is a drop-in replacement for parts of Golang's 'errors'
// package, chaining a caller location, a prefix, and a severity onto a
// wrapped error.
package xerrors

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

type hasInnerError interface {
	Unwrap() error
}

type hasSeverity interface {
	Severity() logrus.Level
}

// Error is an error object with an underlying error.
type Error struct {
	prefix   []interface{}
	message  []interface{}
	caller   string
	inner    error
	severity logrus.Level
}

// New creates a new Error with the given message components.
func New(msg ...interface{}) *Error {
	return &Error{
		message:  msg,
		caller:   caller(),
		severity: logrus.ErrorLevel,
	}
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	for _, p := range e.prefix {
		b.WriteByte('[')
		b.WriteString(toString(p))
		b.WriteString("] ")
	}
	if e.caller != "" {
		b.WriteString(e.caller)
		b.WriteString(": ")
	}
	b.WriteString(concat(e.message...))
	if e.inner != nil {
		b.WriteString(" > ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

// Unwrap implements hasInnerError.
func (e *Error) Unwrap() error {
	return e.inner
}

// Base sets the wrapped underlying error.
func (e *Error) Base(err error) *Error {
	e.inner = err
	return e
}

// WithPrefix tags the error with a bracketed prefix, e.g. an epoch or a
// component name.
func (e *Error) WithPrefix(p interface{}) *Error {
	e.prefix = append(e.prefix, p)
	return e
}

func (e *Error) atSeverity(l logrus.Level) *Error {
	e.severity = l
	return e
}

// AtDebug marks the error as debug severity.
func (e *Error) AtDebug() *Error { return e.atSeverity(logrus.DebugLevel) }

// AtInfo marks the error as info severity.
func (e *Error) AtInfo() *Error { return e.atSeverity(logrus.InfoLevel) }

// AtWarning marks the error as warning severity.
func (e *Error) AtWarning() *Error { return e.atSeverity(logrus.WarnLevel) }

// AtError marks the error as error severity (the default).
func (e *Error) AtError() *Error { return e.atSeverity(logrus.ErrorLevel) }

// Severity implements hasSeverity. If the inner error carries a severity of
// its own and it is more severe (lower level number), that wins.
func (e *Error) Severity() logrus.Level {
	if e.inner == nil {
		return e.severity
	}
	if s, ok := e.inner.(hasSeverity); ok {
		if inner := s.Severity(); inner < e.severity {
			return inner
		}
	}
	return e.severity
}

// Log writes err to entry at its own severity, if it carries one, or at
// logrus.ErrorLevel otherwise.
func Log(entry *logrus.Entry, err error) {
	if err == nil {
		return
	}
	level := logrus.ErrorLevel
	if s, ok := err.(hasSeverity); ok {
		level = s.Severity()
	}
	entry.Log(level, err.Error())
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return concat(v)
}

func concat(values ...interface{}) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(' ')
		}
		if s, ok := v.(string); ok {
			b.WriteString(s)
			continue
		}
		if s, ok := v.(interface{ String() string }); ok {
			b.WriteString(s.String())
			continue
		}
		b.WriteString(fmt.Sprint(v))
	}
	return b.String()
}
