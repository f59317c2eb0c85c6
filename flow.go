package http2

import (
	"errors"
	"sync/atomic"
)

// Flow-control window accounting shared by both connection sides.
//
// Windows are kept as int64 even though the protocol caps them at
// 2^31-1: a SETTINGS-initiated shrink can legally drive a window
// negative, and a misbehaving peer may try to overflow it, so all
// arithmetic happens in the wider type and gets clamped.

const maxWindowIncrement = 1<<31 - 1
const maxWindowSize = maxWindowIncrement

var (
	errInvalidWindowSizeIncrement = errors.New("invalid window size increment")
	errWindowSizeOverflow         = errors.New("window size overflow")
	errWindowIncrementZero        = errors.New("window size increment is 0")
)

// validateWindowIncrement checks a WINDOW_UPDATE increment as read off
// the wire. A zero increment is a distinct error because the protocol
// assigns it a different error code.
func validateWindowIncrement(inc int64) error {
	if inc == 0 {
		return errWindowIncrementZero
	}

	if inc < 0 || inc > maxWindowSize {
		return errInvalidWindowSizeIncrement
	}

	return nil
}

// addAndClampWindow applies inc to the window, clamping at the protocol
// maximum. Crossing the maximum reports errWindowSizeOverflow, which is
// a flow-control connection error for the caller to surface.
func addAndClampWindow(window *int64, inc int64) (int64, error) {
	if inc <= 0 || inc > maxWindowSize {
		return atomic.LoadInt64(window), errInvalidWindowSizeIncrement
	}

	for {
		current := atomic.LoadInt64(window)
		if current >= maxWindowSize {
			return maxWindowSize, nil
		}

		if current > maxWindowSize-inc {
			atomic.StoreInt64(window, maxWindowSize)
			return maxWindowSize, errWindowSizeOverflow
		}

		next := current + inc
		if atomic.CompareAndSwapInt64(window, current, next) {
			return next, nil
		}
	}
}

func windowUpdateErrorMessage(err error) string {
	switch err {
	case errInvalidWindowSizeIncrement:
		return "invalid window size increment"
	case errWindowSizeOverflow:
		return "window is above limits"
	case errWindowIncrementZero:
		return "window size increment is 0"
	default:
		return err.Error()
	}
}
