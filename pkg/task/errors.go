package task

import (
	"errors"
	"fmt"
	"go/token"
	"reflect"
)

// Error kinds that appear as the prefix of a trace error text.
const (
	KindTask      = "TaskError"
	KindPanic     = "PanicError"
	KindTimeout   = "TimeoutError"
	KindExecution = "ExecutionError"
	KindCanceled  = "CanceledError"
)

// Error is a task failure with an explicit kind.
type Error struct {
	Kind string `json:"kind"`
	Msg  string `json:"message"`
}

// Errorf builds an *Error of the given kind.
func Errorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Msg
}

// Kinder is implemented by errors that name their own kind.
type Kinder interface {
	Kind() string
}

// KindOf returns the kind reported for err: the value of a Kind method when the
// error (or anything it wraps) has one, else the name of its exported concrete
// type, else KindTask.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || !token.IsExported(t.Name()) {
		return KindTask
	}
	return t.Name()
}

// Describe renders err as "<Kind>: <message>".
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e == err {
		return e.Error()
	}
	return KindOf(err) + ": " + err.Error()
}

// Panic converts a recovered panic value into an error of kind KindPanic.
func Panic(r any) *Error {
	if err, ok := r.(error); ok {
		return &Error{Kind: KindPanic, Msg: err.Error()}
	}
	return &Error{Kind: KindPanic, Msg: fmt.Sprint(r)}
}
