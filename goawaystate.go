package http2

import (
	"fmt"
	"sync"
)

// goAwayState remembers the GOAWAYs this endpoint has sent on a connection.
//
// Once a last-stream-id has been announced it can only ratchet downward:
// every stream above it has already been promised a refusal, so announcing
// a higher id later would break that promise. Attempting it is an internal
// bug, not peer behavior, and panics.
type goAwayState struct {
	mu sync.Mutex

	sent   bool
	lastID uint32
	code   ErrorCode

	closeNow      bool
	closeOnIdle   bool
	userInitiated bool
}

// record assumes gs.mu is held.
func (gs *goAwayState) record(lastID uint32, code ErrorCode, closeNow bool) bool {
	if gs.sent {
		if lastID > gs.lastID {
			panic(fmt.Sprintf(
				"goaway last stream id went up: %d > %d", lastID, gs.lastID))
		}

		// only a repeated immediate close is a duplicate; escalating a
		// drain to an immediate close still changes the close mode and
		// must announce.
		if closeNow && gs.closeNow && lastID == gs.lastID && code == gs.code {
			return false
		}
	}

	gs.sent = true
	gs.lastID = lastID
	gs.code = code

	if closeNow {
		gs.closeNow = true
	} else {
		gs.closeOnIdle = true
	}

	return true
}

// goAway records a drain-style GOAWAY: in-flight streams at or below
// lastID may still finish before the connection closes. It reports whether
// a frame should actually go on the wire.
func (gs *goAwayState) goAway(lastID uint32, code ErrorCode) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	return gs.record(lastID, code, false)
}

// goAwayNow records an immediate-close GOAWAY. An identical announcement
// (same last stream id and code) dedups to a no-op.
func (gs *goAwayState) goAwayNow(lastID uint32, code ErrorCode) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	return gs.record(lastID, code, true)
}

// goAwayFromUser is goAwayNow for operator-initiated shutdown, so the
// close can later be told apart from a protocol-error close.
func (gs *goAwayState) goAwayFromUser(lastID uint32, code ErrorCode) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.userInitiated = true

	return gs.record(lastID, code, true)
}

// goAwayClamped lowers lastID to the previously announced id when needed
// before recording, keeping the ratchet invariant without panicking on
// frames triggered by peer activity after shutdown already started.
// It returns the id actually recorded and whether a frame should be sent.
func (gs *goAwayState) goAwayClamped(lastID uint32, code ErrorCode, closeNow bool) (uint32, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.sent && lastID > gs.lastID {
		lastID = gs.lastID
	}

	return lastID, gs.record(lastID, code, closeNow)
}

func (gs *goAwayState) goingAway() (lastID uint32, code ErrorCode, ok bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	return gs.lastID, gs.code, gs.sent
}

func (gs *goAwayState) shouldCloseNow() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	return gs.closeNow
}

func (gs *goAwayState) shouldCloseOnIdle() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	return gs.closeOnIdle && !gs.closeNow
}

func (gs *goAwayState) initiatedByUser() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	return gs.userInitiated
}
