package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// ErrorHandler receives I/O failures from a Pipe so the polling loop that
// drives it can keep running.
type ErrorHandler interface {
	HandleError(err error)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(err error)

func (f ErrorHandlerFunc) HandleError(err error) { f(err) }

// Discard drops every error.
var Discard ErrorHandler = ErrorHandlerFunc(func(error) {})

// PrintErrors writes each error as a line to w.
func PrintErrors(w io.Writer) ErrorHandler {
	return ErrorHandlerFunc(func(err error) {
		_, _ = fmt.Fprintf(w, "stream error: %v\n", err)
	})
}

// LogErrors logs each error at level with the given attributes.
func LogErrors(l *slog.Logger, level slog.Level, attrs ...any) ErrorHandler {
	if l == nil {
		l = slog.Default()
	}
	return ErrorHandlerFunc(func(err error) {
		l.Log(context.Background(), level, "stream copy failed", append(attrs, "error", err)...)
	})
}
