package http2

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

type StreamState int8

const (
	StreamStateIdle StreamState = iota
	StreamStateReserved
	StreamStateOpen
	StreamStateHalfClosed
	StreamStateClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateIdle:
		return "Idle"
	case StreamStateReserved:
		return "Reserved"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosed:
		return "HalfClosed"
	case StreamStateClosed:
		return "Closed"
	}

	return "IDK"
}

type Stream struct {
	id                   uint32
	window               int64
	recvWindowSize       int32
	sendWindow           int64
	pendingData          []byte
	pendingDataEndStream bool
	pendingMu            sync.Mutex
	responseStarted      bool
	responseEnded        bool
	state                StreamState
	ctx                  *fasthttp.RequestCtx
	scheme               []byte
	previousHeaderBytes  []byte

	// keeps track of the number of header blocks received
	headerBlockNum int

	// order in which the client sent the pseudo-headers, a
	// fingerprintable signal preserved verbatim
	pseudoOrder PseudoHeaderOrder

	// original type
	origType         FrameType
	startedAt        time.Time
	headersFinished  bool
	pendingEndStream bool

	// Header validation tracking
	regularHeaderSeen bool
	seenMethod        bool
	seenScheme        bool
	seenPath          bool
	seenAuthority     bool
	isConnect         bool
}

var streamPool = sync.Pool{
	New: func() any {
		return &Stream{}
	},
}

func NewStream(id uint32, recvWin, sendWin int32) *Stream {
	strm := streamPool.Get().(*Stream)
	strm.id = id
	strm.window = int64(recvWin)
	strm.recvWindowSize = recvWin
	strm.sendWindow = int64(sendWin)
	strm.pendingData = strm.pendingData[:0]
	strm.pendingDataEndStream = false
	strm.responseStarted = false
	strm.responseEnded = false
	strm.state = StreamStateIdle
	strm.headersFinished = false
	strm.pendingEndStream = false
	strm.startedAt = time.Time{}
	strm.previousHeaderBytes = strm.previousHeaderBytes[:0]
	strm.ctx = nil
	strm.scheme = []byte("https")
	strm.origType = 0
	strm.headerBlockNum = 0
	strm.pseudoOrder.Reset()
	strm.regularHeaderSeen = false
	strm.seenMethod = false
	strm.seenScheme = false
	strm.seenPath = false
	strm.seenAuthority = false
	strm.isConnect = false

	return strm
}

func (s *Stream) ID() uint32 {
	return s.id
}

func (s *Stream) SetID(id uint32) {
	s.id = id
}

func (s *Stream) State() StreamState {
	return s.state
}

func (s *Stream) SetState(state StreamState) {
	s.state = state
}

func (s *Stream) Window() int32 {
	return int32(s.window)
}

func (s *Stream) SetWindow(win int32) {
	s.window = int64(win)
	s.recvWindowSize = win
}

func (s *Stream) IncrWindow(win int32) {
	s.window += int64(win)
}

func (s *Stream) SendWindow() int32 {
	return int32(s.sendWindow)
}

func (s *Stream) SetSendWindow(win int32) {
	s.sendWindow = int64(win)
}

func (s *Stream) IncrSendWindow(win int32) {
	s.sendWindow += int64(win)
}

// PseudoOrder returns the order in which the client sent its
// pseudo-headers on this stream.
func (s *Stream) PseudoOrder() *PseudoHeaderOrder {
	return &s.pseudoOrder
}

func (s *Stream) Ctx() *fasthttp.RequestCtx {
	return s.ctx
}

func (s *Stream) SetData(ctx *fasthttp.RequestCtx) {
	s.ctx = ctx
}

type Streams []*Stream

func (strms Streams) Search(id uint32) *Stream {
	for _, strm := range strms {
		if strm.ID() == id {
			return strm
		}
	}

	return nil
}

func (strms *Streams) Del(id uint32) {
	if len(*strms) == 1 && (*strms)[0].ID() == id {
		*strms = (*strms)[:0]
		return
	}

	for i, strm := range *strms {
		if strm.ID() == id {
			*strms = append((*strms)[:i], (*strms)[i+1:]...)
			return
		}
	}
}

// GetFirstOf returns the first stream originated by a frame of type `ftype`.
func (strms Streams) GetFirstOf(ftype FrameType) *Stream {
	for _, strm := range strms {
		if strm.origType == ftype {
			return strm
		}
	}

	return nil
}

// getPrevious returns the stream before the last one originated by `ftype`.
func (strms Streams) getPrevious(ftype FrameType) *Stream {
	for i := len(strms) - 2; i >= 0; i-- {
		if strms[i].origType == ftype {
			return strms[i]
		}
	}

	return nil
}
