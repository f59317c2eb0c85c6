package http2

import (
	"bufio"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestServerExposesFingerprintCapture(t *testing.T) {
	type result struct {
		capture *EarlyFrameCapture
		order   *PseudoHeaderOrder
	}

	results := make(chan result, 1)

	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				capture, _ := ctx.UserValue(EarlyFrameCaptureUserValue).(*EarlyFrameCapture)
				order, _ := ctx.UserValue(PseudoHeaderOrderUserValue).(*PseudoHeaderOrder)
				results <- result{capture: capture, order: order}

				io.WriteString(ctx, "ok")
			},
		},
		cnf: ServerConfig{
			CollectFingerprint: true,
		},
	}

	c, ln, err := getConn(s)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		ln.Close()
	})

	wu := AcquireFrameHeader()
	w := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	w.SetIncrement(12517377)
	wu.SetBody(w)
	require.NoError(t, c.writeFrame(wu))

	pfr := AcquireFrameHeader()
	pfr.SetStream(3)
	pry := AcquireFrame(FramePriority).(*Priority)
	pry.SetStream(0)
	pry.SetWeight(200)
	pfr.SetBody(pry)
	require.NoError(t, c.writeFrame(pfr))

	h := makeHeaders(3, c.enc, true, true, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "GET",
		string(StringPath):      "/fp",
		string(StringScheme):    "https",
	})
	require.NoError(t, c.writeFrame(h))

	var res result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the request to be handled")
	}

	require.NotNil(t, res.capture)
	require.NotNil(t, res.order)

	// handshake SETTINGS + handshake WINDOW_UPDATE + the two frames
	// written above; HEADERS ends the early-frame phase.
	require.Equal(t, 4, res.capture.Len())

	fp, err := ComputeAkamaiH2(res.capture, res.order)
	require.NoError(t, err)
	require.Equal(t, "4:1048576;2:0;1:4096;3:1024;5:16384|983041|3:0:0:200|a,m,p,s", fp.String())
}

func TestConnReplaysEarlyFrames(t *testing.T) {
	rec := NewEarlyFrameRecorder()

	st := AcquireFrame(FrameSettings).(*Settings)
	st.SetHeaderTableSize(65536)
	st.SetMaxWindowSize(131072)
	rec.RecordSettingsFrame(st)
	ReleaseFrame(st)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(12517377)
	rec.RecordWindowUpdateFrame(0, wu)
	ReleaseFrame(wu)

	pry := AcquireFrame(FramePriority).(*Priority)
	pry.SetStream(0)
	pry.SetWeight(200)
	pry.SetExclusive(true)
	rec.RecordPriorityFrame(3, pry)
	ReleaseFrame(pry)

	capture := rec.FreezeRecorder()
	require.Equal(t, 3, capture.Len())

	rawConn := &stubConn{}
	c := NewConn(rawConn, ConnOpts{EarlyFrames: capture})

	require.NoError(t, c.replayEarlyFrames())

	br := bufio.NewReader(bytes.NewReader(rawConn.Buffer.Bytes()))
	require.True(t, ReadPreface(br))

	fr, err := ReadFrameFrom(br)
	require.NoError(t, err)
	require.Equal(t, FrameSettings, fr.Type())
	got := fr.Body().(*Settings)
	v, ok := got.Value(HeaderTableSize)
	require.True(t, ok)
	require.Equal(t, uint32(65536), v)
	// the explicitly set parameters lead, the remaining defaults follow
	// in canonical order
	require.Equal(t, []SettingID{
		HeaderTableSize, MaxWindowSize,
		MaxConcurrentStreams, MaxFrameSize,
	}, got.Order())
	ReleaseFrameHeader(fr)

	fr, err = ReadFrameFrom(br)
	require.NoError(t, err)
	require.Equal(t, FrameWindowUpdate, fr.Type())
	require.Equal(t, 12517377, fr.Body().(*WindowUpdate).Increment())
	ReleaseFrameHeader(fr)

	fr, err = ReadFrameFrom(br)
	require.NoError(t, err)
	require.Equal(t, FramePriority, fr.Type())
	require.EqualValues(t, 3, fr.Stream())
	require.True(t, fr.Body().(*Priority).Exclusive())
	require.EqualValues(t, 200, fr.Body().(*Priority).Weight())
	ReleaseFrameHeader(fr)
}

func TestConnWritesPseudoHeadersInOrder(t *testing.T) {
	var order PseudoHeaderOrder
	order.Push(PseudoHeaderPath)
	order.Push(PseudoHeaderMethod)
	order.Push(PseudoHeaderAuthority)
	order.Push(PseudoHeaderScheme)

	rawConn := &stubConn{}
	c := NewConn(rawConn, ConnOpts{PseudoHeaderOrder: &order})
	c.serverS.SetMaxConcurrentStreams(2)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://example.com/test")
	req.Header.SetMethod("GET")

	ctx := &Ctx{
		Request:  req,
		Response: res,
		Err:      make(chan error, 1),
	}

	require.NoError(t, c.writeRequest(ctx))

	br := bufio.NewReader(bytes.NewReader(rawConn.Buffer.Bytes()))

	fr, err := ReadFrameFrom(br)
	require.NoError(t, err)
	defer ReleaseFrameHeader(fr)
	require.Equal(t, FrameHeaders, fr.Type())

	dec := AcquireHPACK()
	defer ReleaseHPACK(dec)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	var keys []string
	b := fr.Body().(*Headers).Headers()
	for len(b) > 0 {
		b, err = dec.Next(hf, b)
		require.NoError(t, err)
		keys = append(keys, hf.Key())
	}

	require.GreaterOrEqual(t, len(keys), 4)
	require.Equal(t, []string{":path", ":method", ":authority", ":scheme"}, keys[:4])
}
