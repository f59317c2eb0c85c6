package http2

// DefaultEarlyFrameCap bounds how many early frames a recorder keeps
// before freezing on its own. A peer streaming PRIORITY frames forever
// must not grow the buffer without limit.
const DefaultEarlyFrameCap = 16

// EarlyFrame is one frame observed on a connection before any HEADERS
// frame: the kinds that shape a connection fingerprint.
type EarlyFrame struct {
	Kind   FrameType
	Stream uint32

	Settings     Settings
	Priority     Priority
	WindowUpdate WindowUpdate
}

// AppendToFrameHeader materializes the early frame into fr, acquiring
// the matching frame body.
func (ef *EarlyFrame) AppendToFrameHeader(fr *FrameHeader) {
	fr.SetStream(ef.Stream)

	switch ef.Kind {
	case FrameSettings:
		st := AcquireFrame(FrameSettings).(*Settings)
		ef.Settings.CopyTo(st)
		fr.SetBody(st)
	case FramePriority:
		pry := AcquireFrame(FramePriority).(*Priority)
		ef.Priority.CopyTo(pry)
		fr.SetBody(pry)
	case FrameWindowUpdate:
		wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
		ef.WindowUpdate.CopyTo(wu)
		fr.SetBody(wu)
	}
}

// EarlyFrameCapture is an immutable snapshot of recorded early frames.
// It is safe to share across connections without copying; replayers
// and fingerprint helpers only ever read it.
type EarlyFrameCapture struct {
	frames []EarlyFrame
}

func (efc *EarlyFrameCapture) Len() int {
	if efc == nil {
		return 0
	}

	return len(efc.frames)
}

// Frames returns the captured frames in original order. The returned
// slice must not be mutated.
func (efc *EarlyFrameCapture) Frames() []EarlyFrame {
	if efc == nil {
		return nil
	}

	return efc.frames
}

type earlyFrameMode int8

const (
	earlyFrameNop earlyFrameMode = iota
	earlyFrameRecorder
	earlyFrameReplayer
)

// EarlyFrameStreamContext is the per-connection early-frame state:
// either inert, recording the peer's early frames, or replaying a
// previously captured sequence. Created once at connection setup and
// owned by the connection loop.
type EarlyFrameStreamContext struct {
	mode earlyFrameMode

	recorded []EarlyFrame
	frozen   *EarlyFrameCapture

	// replay holds the remaining frames in reverse, so consuming from
	// the back yields original order without shifting.
	replay []EarlyFrame
}

// NewNopEarlyFrameContext returns an inert context: every call is a
// no-op.
func NewNopEarlyFrameContext() EarlyFrameStreamContext {
	return EarlyFrameStreamContext{mode: earlyFrameNop}
}

// NewEarlyFrameRecorder returns a context that accumulates early
// frames up to DefaultEarlyFrameCap.
func NewEarlyFrameRecorder() EarlyFrameStreamContext {
	return EarlyFrameStreamContext{
		mode:     earlyFrameRecorder,
		recorded: make([]EarlyFrame, 0, DefaultEarlyFrameCap),
	}
}

// NewEarlyFrameReplayer returns a context that emits the captured
// frames one at a time in their original order.
func NewEarlyFrameReplayer(capture *EarlyFrameCapture) EarlyFrameStreamContext {
	n := capture.Len()
	if n == 0 {
		return NewNopEarlyFrameContext()
	}

	replay := make([]EarlyFrame, n)
	for i, ef := range capture.Frames() {
		replay[n-1-i] = ef
	}

	return EarlyFrameStreamContext{
		mode:   earlyFrameReplayer,
		replay: replay,
	}
}

func (efc *EarlyFrameStreamContext) record(ef EarlyFrame) {
	if efc.mode != earlyFrameRecorder || efc.frozen != nil {
		return
	}

	efc.recorded = append(efc.recorded, ef)
	if len(efc.recorded) >= DefaultEarlyFrameCap {
		efc.FreezeRecorder()
	}
}

// RecordPriorityFrame records a PRIORITY frame observed on the given
// stream. No-op outside Recorder mode.
func (efc *EarlyFrameStreamContext) RecordPriorityFrame(stream uint32, pry *Priority) {
	ef := EarlyFrame{Kind: FramePriority, Stream: stream}
	pry.CopyTo(&ef.Priority)
	efc.record(ef)
}

// RecordSettingsFrame records a SETTINGS frame. No-op outside Recorder
// mode; acks are not early frames and the caller must not pass them.
func (efc *EarlyFrameStreamContext) RecordSettingsFrame(st *Settings) {
	ef := EarlyFrame{Kind: FrameSettings}
	st.CopyTo(&ef.Settings)
	efc.record(ef)
}

// RecordWindowUpdateFrame records a WINDOW_UPDATE frame observed on
// the given stream. No-op outside Recorder mode.
func (efc *EarlyFrameStreamContext) RecordWindowUpdateFrame(stream uint32, wu *WindowUpdate) {
	ef := EarlyFrame{Kind: FrameWindowUpdate, Stream: stream}
	wu.CopyTo(&ef.WindowUpdate)
	efc.record(ef)
}

// FreezeRecorder freezes whatever has been recorded so far into a
// capture. Idempotent: once frozen, the same capture is returned and
// later recordings are dropped. Empty recordings freeze to nil.
func (efc *EarlyFrameStreamContext) FreezeRecorder() *EarlyFrameCapture {
	if efc.mode != earlyFrameRecorder {
		return nil
	}

	if efc.frozen != nil {
		return efc.frozen
	}

	if len(efc.recorded) == 0 {
		return nil
	}

	frames := make([]EarlyFrame, len(efc.recorded))
	copy(frames, efc.recorded)
	efc.frozen = &EarlyFrameCapture{frames: frames}
	efc.recorded = efc.recorded[:0]

	return efc.frozen
}

// ReplayNextFrame pops the next frame in original capture order. When
// the queue empties the context degrades to Nop, so further calls are
// free no-ops.
func (efc *EarlyFrameStreamContext) ReplayNextFrame() (EarlyFrame, bool) {
	if efc.mode != earlyFrameReplayer || len(efc.replay) == 0 {
		return EarlyFrame{}, false
	}

	ef := efc.replay[len(efc.replay)-1]
	efc.replay = efc.replay[:len(efc.replay)-1]

	if len(efc.replay) == 0 {
		efc.mode = earlyFrameNop
		efc.replay = nil
	}

	return ef, true
}

// IsRecorder reports whether the context is still in Recorder mode.
func (efc *EarlyFrameStreamContext) IsRecorder() bool {
	return efc.mode == earlyFrameRecorder
}

// IsReplayer reports whether the context still has frames to replay.
func (efc *EarlyFrameStreamContext) IsReplayer() bool {
	return efc.mode == earlyFrameReplayer
}
