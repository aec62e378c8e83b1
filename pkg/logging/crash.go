package logging

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// CrashReporter receives panics recovered at the top of long-running
// goroutines and request handlers. The process keeps running afterwards.
type CrashReporter interface {
	ReportCrash(where string, err error, stack []byte)
}

// LogReporter reports crashes to a logger
type LogReporter struct {
	Logger *zap.Logger
}

// ReportCrash implements CrashReporter
func (r LogReporter) ReportCrash(where string, err error, stack []byte) {
	r.Logger.Error("Recovered panic",
		zap.String("where", where),
		zap.Error(err),
		zap.ByteString("stack", stack),
	)
}

// Recover must be deferred directly. It stops a panic and hands it to r.
func Recover(r CrashReporter, where string) {
	v := recover()
	if v == nil {
		return
	}
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("%v", v)
	}
	if r != nil {
		r.ReportCrash(where, err, debug.Stack())
	}
}
