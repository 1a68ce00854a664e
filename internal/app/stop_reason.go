package app

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// StopReason is logged by Stop.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// ReasonFromSignal maps a received signal; nil means the app stopped itself.
func ReasonFromSignal(sig os.Signal) StopReason {
	switch sig {
	case nil:
		return StopAppStop
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	default:
		return StopUnknown
	}
}

// ReasonFromErr classifies the supervisor error that ended the run.
func ReasonFromErr(err error) StopReason {
	if err == nil || errors.Is(err, context.Canceled) {
		return StopAppStop
	}
	return StopFatalError
}
