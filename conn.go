package http2

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/h2mimic/http2/http2utils"
)

// windowWaitTimeout bounds how long a data writer waits for the peer
// to open the send window before giving up with FlowControlError.
const windowWaitTimeout = time.Second

// ConnOpts defines the connection options.
type ConnOpts struct {
	// PingInterval defines the interval in which the client will ping the server.
	//
	// An interval of 0 disables the ping timer.
	PingInterval time.Duration

	// DisableCompression disables HPACK compression on outgoing headers.
	DisableCompression bool

	// OnDisconnect is called when the connection goes away.
	OnDisconnect func(*Conn)

	// OnRTT is called after every PING round trip.
	OnRTT func(time.Duration)

	// EarlyFrames holds a recorded pre-request frame sequence to replay
	// during the handshake instead of the default SETTINGS exchange.
	// When nil, the standard handshake sequence is written.
	EarlyFrames *EarlyFrameCapture

	// PseudoHeaderOrder controls the order the request pseudo-headers
	// are emitted in. When nil, method, path, scheme and authority are
	// written in that order.
	PseudoHeaderOrder *PseudoHeaderOrder

	// Clock controls time-related operations. If nil, a real clock is used.
	Clock Clock
}

// Conn is the client side of an HTTP/2 connection.
type Conn struct {
	c net.Conn

	br *bufio.Reader
	bw *bufio.Writer

	encMu sync.Mutex
	enc   *HPACK
	dec   *HPACK

	nextID uint32

	// in holds requests waiting to be written by the writeLoop, out
	// holds control frames.
	in  chan *Ctx
	out chan *FrameHeader

	reqQueued sync.Map

	// serverWindow is the flow-control window the server granted us at
	// the connection level. currentWindow is the window we grant the
	// server, replenished up to maxWindow as DATA arrives.
	serverWindow       int32
	currentWindow      int32
	maxWindow          int32
	serverStreamWindow int32

	st Settings

	serverSMu sync.Mutex
	serverS   Settings

	openStreams int32
	unacks      int32
	closed      uint64

	errMu   sync.Mutex
	lastErr error

	windowOnce sync.Once
	windowCh   chan struct{}

	closeChOnce sync.Once
	closeCh     chan struct{}

	pingInterval time.Duration

	onDisconnect func(*Conn)
	onRTT        func(time.Duration)

	earlyFrames EarlyFrameStreamContext
	pseudoOrder *PseudoHeaderOrder

	clock Clock
}

// NewConn returns a Conn over the given transport. The caller must run
// doHandshake before issuing requests.
func NewConn(c net.Conn, opts ConnOpts) *Conn {
	conn := &Conn{
		c:   c,
		br:  bufio.NewReaderSize(c, 4096),
		bw:  bufio.NewWriterSize(c, 4096),
		enc: AcquireHPACK(),
		dec: AcquireHPACK(),

		nextID: 1,

		in:  make(chan *Ctx, 64),
		out: make(chan *FrameHeader, 64),

		maxWindow:          1 << 20,
		currentWindow:      1 << 20,
		serverWindow:       defaultWindowSize,
		serverStreamWindow: defaultWindowSize,

		pingInterval: opts.PingInterval,
		onDisconnect: opts.OnDisconnect,
		onRTT:        opts.OnRTT,

		pseudoOrder: opts.PseudoHeaderOrder,

		clock: opts.Clock,
	}

	if conn.clock == nil {
		conn.clock = realClock{}
	}

	if opts.DisableCompression {
		conn.enc.DisableCompression = true
	}

	conn.earlyFrames = NewEarlyFrameReplayer(opts.EarlyFrames)

	conn.st.Reset()
	conn.st.SetMaxWindowSize(uint32(conn.maxWindow))
	conn.st.SetPush(false)

	conn.serverS.Reset()

	return conn
}

// SetOnDisconnect sets the callback invoked when the connection closes.
func (c *Conn) SetOnDisconnect(fn func(*Conn)) {
	c.onDisconnect = fn
}

// Closed reports whether the connection went away.
func (c *Conn) Closed() bool {
	return atomic.LoadUint64(&c.closed) == 1
}

// CanOpenStream reports whether the server allows opening more streams.
func (c *Conn) CanOpenStream() bool {
	c.serverSMu.Lock()
	maxStreams := c.serverS.maxStreams
	c.serverSMu.Unlock()

	return !c.Closed() &&
		(maxStreams == 0 || atomic.LoadInt32(&c.openStreams) < int32(maxStreams))
}

func (c *Conn) setLastErr(err error) {
	c.errMu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.errMu.Unlock()
}

// LastErr returns the error that broke the connection, if any.
func (c *Conn) LastErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.lastErr
}

func (c *Conn) windowNotify() chan struct{} {
	c.windowOnce.Do(func() {
		c.windowCh = make(chan struct{}, 1)
	})

	return c.windowCh
}

func (c *Conn) notifyWindowAvailable() {
	select {
	case c.windowNotify() <- struct{}{}:
	default:
	}
}

func (c *Conn) closeNotify() chan struct{} {
	c.closeChOnce.Do(func() {
		c.closeCh = make(chan struct{})
	})

	return c.closeCh
}

// Close terminates the connection and resolves any in-flight request.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapUint64(&c.closed, 0, 1) {
		return nil
	}

	close(c.closeNotify())

	if c.in != nil {
		close(c.in)
	}

	var err error
	if c.c != nil {
		err = c.c.Close()
	}

	if c.onDisconnect != nil {
		c.onDisconnect(c)
	}

	return err
}

// Write enqueues the request for the writer loop.
func (c *Conn) Write(ctx *Ctx) {
	if c.Closed() {
		ctx.resolve(ErrConnectionClosed)
		return
	}

	defer func() {
		if recover() != nil {
			ctx.resolve(ErrConnectionClosed)
		}
	}()

	c.in <- ctx
}

// Cancel aborts the request if it already got a stream assigned.
func (c *Conn) Cancel(ctx *Ctx) error {
	if atomic.LoadUint32(&ctx.streamID) == 0 {
		return ErrStreamNotReady
	}

	c.cancel(ctx)

	return nil
}

// cancel drops the request from the queue and asks the server to reset
// the stream.
func (c *Conn) cancel(ctx *Ctx) {
	id := atomic.LoadUint32(&ctx.streamID)

	c.reqQueued.Delete(id)

	fr := AcquireFrameHeader()
	fr.SetStream(id)

	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(StreamCanceled)
	fr.SetBody(rst)

	select {
	case c.out <- fr:
	default:
		ReleaseFrameHeader(fr)
	}
}

// doHandshake writes our side of the connection preface and consumes
// the server's initial SETTINGS frame.
func (c *Conn) doHandshake() error {
	if c.earlyFrames.IsReplayer() {
		if err := c.replayEarlyFrames(); err != nil {
			return err
		}
	} else if err := Handshake(true, c.bw, &c.st, c.maxWindow); err != nil {
		return err
	}

	fr, err := ReadFrameFrom(c.br)
	if err != nil {
		return err
	}
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FrameSettings {
		return ErrServerSupport
	}

	if st := fr.Body().(*Settings); !st.IsAck() {
		c.handleSettings(st)
	}

	c.consumeHandshakeWindowUpdate()

	return nil
}

// consumeHandshakeWindowUpdate drains the connection-level
// WINDOW_UPDATE a server may send right after its SETTINGS to widen
// the connection window. Both frames arrive in one flush, so anything
// beyond the already buffered bytes is left to the read loop.
func (c *Conn) consumeHandshakeWindowUpdate() {
	for c.br.Buffered() >= FrameHeaderLen {
		peek, err := c.br.Peek(FrameHeaderLen)
		if err != nil {
			return
		}

		if FrameType(peek[3]) != FrameWindowUpdate ||
			http2utils.BytesToUint32(peek[5:])&(1<<31-1) != 0 {
			return
		}

		fr, err := ReadFrameFrom(c.br)
		if err != nil {
			return
		}

		atomic.AddInt32(&c.serverWindow, int32(fr.Body().(*WindowUpdate).Increment()))
		ReleaseFrameHeader(fr)
	}
}

// replayEarlyFrames writes the recorded pre-request sequence after the
// preface, reproducing the wire order of the captured connection.
func (c *Conn) replayEarlyFrames() error {
	if err := WritePreface(c.bw); err != nil {
		return err
	}

	for {
		ef, ok := c.earlyFrames.ReplayNextFrame()
		if !ok {
			break
		}

		fr := AcquireFrameHeader()
		ef.AppendToFrameHeader(fr)

		_, err := fr.WriteTo(c.bw)
		ReleaseFrameHeader(fr)
		if err != nil {
			return err
		}
	}

	return c.bw.Flush()
}

// handleSettings merges the frame into the view of the server's
// settings and queues the acknowledgement.
func (c *Conn) handleSettings(st *Settings) {
	c.serverSMu.Lock()

	if v, ok := st.Value(HeaderTableSize); ok {
		c.serverS.SetHeaderTableSize(v)

		if c.enc != nil {
			c.encMu.Lock()
			c.enc.SetMaxTableSize(v)
			c.encMu.Unlock()
		}
	}

	if v, ok := st.Value(MaxConcurrentStreams); ok {
		c.serverS.SetMaxConcurrentStreams(v)
	}

	if st.HasMaxWindowSize() {
		v := st.MaxWindowSize()
		c.serverS.SetMaxWindowSize(v)
		atomic.StoreInt32(&c.serverStreamWindow, int32(v))
	}

	if v, ok := st.Value(MaxFrameSize); ok {
		c.serverS.SetMaxFrameSize(v)
	}

	if v, ok := st.Value(MaxHeaderListSize); ok {
		c.serverS.SetMaxHeaderListSize(v)
	}

	c.serverSMu.Unlock()

	fr := AcquireFrameHeader()

	ack := AcquireFrame(FrameSettings).(*Settings)
	ack.SetAck(true)
	fr.SetBody(ack)

	c.out <- fr
}

// handlePing responds to a server ping with the same payload.
func (c *Conn) handlePing(ping *Ping) {
	fr := AcquireFrameHeader()

	pong := AcquireFrame(FramePing).(*Ping)
	pong.SetAck(true)
	pong.SetData(ping.Data())
	fr.SetBody(pong)

	c.out <- fr
}

func (c *Conn) handlePingAck(ping *Ping) {
	atomic.AddInt32(&c.unacks, -1)

	if c.onRTT != nil {
		if sent := ping.DataAsTime(); !sent.IsZero() {
			c.onRTT(c.clock.Now().Sub(sent))
		}
	}
}

// writePing sends a ping carrying the current time so the ack can be
// turned into an RTT sample.
func (c *Conn) writePing() error {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()
	fr.SetBody(ping)

	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
	}

	if err == nil {
		atomic.AddInt32(&c.unacks, 1)
	}

	return err
}

// writeFrame writes the frame synchronously. The caller keeps ownership
// of fr.
func (c *Conn) writeFrame(fr *FrameHeader) error {
	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
	}

	return err
}

// readNext returns the next frame the caller has to act on. SETTINGS
// and PING frames are handled in place; a GOAWAY is returned as the
// error value.
func (c *Conn) readNext() (*FrameHeader, error) {
	for {
		fr, err := ReadFrameFrom(c.br)
		if err != nil {
			if errors.Is(err, ErrUnknownFrameType) {
				ReleaseFrameHeader(fr)
				continue
			}

			return nil, err
		}

		switch fr.Type() {
		case FrameSettings:
			if st := fr.Body().(*Settings); !st.IsAck() {
				c.handleSettings(st)
			}

			ReleaseFrameHeader(fr)
		case FramePing:
			if ping := fr.Body().(*Ping); ping.IsAck() {
				c.handlePingAck(ping)
			} else {
				c.handlePing(ping)
			}

			ReleaseFrameHeader(fr)
		case FrameGoAway:
			ga := fr.Body().(*GoAway).Copy()
			ReleaseFrameHeader(fr)

			return nil, ga
		default:
			return fr, nil
		}
	}
}

// readHeader decodes the response header block into res.
func (c *Conn) readHeader(b []byte, res *fasthttp.Response) error {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	var err error

	for len(b) > 0 {
		b, err = c.dec.Next(hf, b)
		if err != nil {
			return err
		}

		if hf.IsPseudo() {
			if bytes.Equal(hf.KeyBytes(), StringStatus) {
				n, cerr := strconv.Atoi(hf.Value())
				if cerr != nil {
					return NewGoAwayError(ProtocolError, "invalid :status")
				}

				res.SetStatusCode(n)
			}

			continue
		}

		if bytes.Equal(hf.KeyBytes(), StringContentLength) {
			n, _ := strconv.Atoi(hf.Value())
			res.Header.SetContentLength(n)
		} else {
			res.Header.AddBytesKV(hf.KeyBytes(), hf.ValueBytes())
		}
	}

	return nil
}

// readStream consumes a DATA frame, appending the payload to res and
// replenishing the flow-control windows. The stream window is restored
// right away; the connection window only once it drops below half of
// maxWindow.
func (c *Conn) readStream(fr *FrameHeader, res *fasthttp.Response) error {
	data := fr.Body().(*Data)

	if len(data.Data()) > 0 {
		res.AppendBody(data.Data())
	}

	n := fr.Len()
	if n == 0 {
		return nil
	}

	atomic.AddInt32(&c.currentWindow, -int32(n))
	atomic.AddInt32(&c.serverWindow, -int32(n))

	c.sendWindowUpdate(fr.Stream(), n)

	if current := atomic.LoadInt32(&c.currentWindow); current < c.maxWindow/2 {
		c.sendWindowUpdate(0, int(c.maxWindow-current))
		atomic.StoreInt32(&c.currentWindow, c.maxWindow)
	}

	return nil
}

func (c *Conn) sendWindowUpdate(streamID uint32, n int) {
	fr := AcquireFrameHeader()
	fr.SetStream(streamID)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(n)
	fr.SetBody(wu)

	c.out <- fr
}

// finish closes the request's stream accounting and resolves the
// caller.
func (c *Conn) finish(ctx *Ctx, streamID uint32, err error) {
	atomic.AddInt32(&c.openStreams, -1)
	c.reqQueued.Delete(streamID)
	ctx.resolve(err)
}

// writeRequest serializes the request onto the wire and registers the
// stream.
func (c *Conn) writeRequest(ctx *Ctx) error {
	if !c.CanOpenStream() {
		return ErrNotAvailableStreams
	}

	if c.Closed() {
		return ErrConnectionClosed
	}

	id := atomic.AddUint32(&c.nextID, 2) - 2

	fr := AcquireFrameHeader()
	fr.SetStream(id)

	h := AcquireFrame(FrameHeaders).(*Headers)
	fr.SetBody(h)

	req := ctx.Request
	body := req.Body()

	c.encMu.Lock()
	c.appendPseudoHeaders(h, req)
	c.appendRegularHeaders(h, req)
	c.encMu.Unlock()

	h.SetPadding(false)
	h.SetEndHeaders(true)
	h.SetEndStream(len(body) == 0)

	atomic.StoreUint32(&ctx.streamID, id)
	atomic.StoreInt32(&ctx.sendWindow, atomic.LoadInt32(&c.serverStreamWindow))

	c.reqQueued.Store(id, ctx)
	atomic.AddInt32(&c.openStreams, 1)

	_, err := fr.WriteTo(c.bw)
	ReleaseFrameHeader(fr)

	if err == nil && len(body) > 0 {
		fh := AcquireFrameHeader()
		fh.SetStream(id)

		err = c.writeData(fh, ctx, body)

		ReleaseFrameHeader(fh)
	}

	if err == nil {
		err = c.bw.Flush()
	}

	if err != nil {
		c.reqQueued.Delete(id)
		atomic.AddInt32(&c.openStreams, -1)

		return err
	}

	return nil
}

func (c *Conn) appendPseudoHeaders(h *Headers, req *fasthttp.Request) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	emit := func(ph PseudoHeader) {
		switch ph {
		case PseudoHeaderMethod:
			hf.SetBytes(StringMethod, req.Header.Method())
		case PseudoHeaderPath:
			hf.SetBytes(StringPath, req.URI().RequestURI())
		case PseudoHeaderScheme:
			hf.SetBytes(StringScheme, req.URI().Scheme())
		case PseudoHeaderAuthority:
			hf.SetBytes(StringAuthority, req.URI().Host())
		default:
			return
		}

		c.enc.AppendHeaderField(h, hf, true)
	}

	if c.pseudoOrder != nil && !c.pseudoOrder.IsEmpty() {
		for _, ph := range c.pseudoOrder.Iter() {
			emit(ph)
		}

		return
	}

	emit(PseudoHeaderMethod)
	emit(PseudoHeaderPath)
	emit(PseudoHeaderScheme)
	emit(PseudoHeaderAuthority)
}

func (c *Conn) appendRegularHeaders(h *Headers, req *fasthttp.Request) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	var keyBuf []byte

	req.Header.VisitAll(func(k, v []byte) {
		if bytes.EqualFold(k, []byte("Host")) ||
			bytes.EqualFold(k, []byte("Connection")) ||
			bytes.EqualFold(k, []byte("Transfer-Encoding")) {
			return
		}

		keyBuf = ToLower(append(keyBuf[:0], k...))
		hf.SetBytes(keyBuf, v)
		c.enc.AppendHeaderField(h, hf, false)
	})

	if len(req.Body()) > 0 {
		hf.SetBytes(StringContentLength, []byte(strconv.Itoa(len(req.Body()))))
		c.enc.AppendHeaderField(h, hf, false)
	}
}

// writeData writes body as DATA frames honoring both the stream and the
// connection send windows.
func (c *Conn) writeData(fh *FrameHeader, ctx *Ctx, body []byte) error {
	data := AcquireFrame(FrameData).(*Data)
	fh.SetBody(data)

	timer := time.NewTimer(windowWaitTimeout)
	defer timer.Stop()

	sent := 0
	for sent < len(body) {
		step := int32(len(body) - sent)
		if sw := atomic.LoadInt32(&ctx.sendWindow); sw < step {
			step = sw
		}
		if cw := atomic.LoadInt32(&c.serverWindow); cw < step {
			step = cw
		}

		if step <= 0 {
			select {
			case <-c.windowNotify():
				continue
			case <-c.closeNotify():
				return net.ErrClosed
			case <-timer.C:
				return NewGoAwayError(FlowControlError, "send window stalled")
			}
		}

		end := sent + int(step)

		data.SetData(body[sent:end])
		data.SetPadding(false)
		data.SetEndStream(end == len(body))

		if _, err := fh.WriteTo(c.bw); err != nil {
			return err
		}

		atomic.AddInt32(&ctx.sendWindow, -step)
		atomic.AddInt32(&c.serverWindow, -step)
		sent = end

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(windowWaitTimeout)
	}

	return nil
}

// writeLoop serializes requests and control frames onto the wire.
func (c *Conn) writeLoop() {
	var pingC <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	fail := func(err error) {
		c.setLastErr(WriteError{err: err})
		c.Close()
	}

	for {
		select {
		case ctx, ok := <-c.in:
			if !ok {
				return
			}

			if err := c.writeRequest(ctx); err != nil {
				ctx.resolve(err)

				if !errors.Is(err, ErrNotAvailableStreams) {
					fail(err)
					return
				}
			}
		case fr, ok := <-c.out:
			if !ok {
				return
			}

			err := c.writeFrame(fr)
			ReleaseFrameHeader(fr)

			if err != nil {
				fail(err)
				return
			}
		case <-pingC:
			if err := c.writePing(); err != nil {
				fail(err)
				return
			}
		case <-c.closeNotify():
			return
		}
	}
}

// readLoop dispatches incoming frames to their streams.
func (c *Conn) readLoop() {
	defer func() {
		c.Close()

		err := c.LastErr()
		if err == nil {
			err = ErrConnectionClosed
		}

		c.reqQueued.Range(func(k, v any) bool {
			c.reqQueued.Delete(k)
			v.(*Ctx).resolve(err)

			return true
		})
	}()

	for {
		fr, err := c.readNext()
		if err != nil {
			c.setLastErr(err)
			return
		}

		ctxI, queued := c.reqQueued.Load(fr.Stream())

		switch fr.Type() {
		case FrameHeaders:
			if queued {
				ctx := ctxI.(*Ctx)

				if herr := c.readHeader(fr.Body().(*Headers).Headers(), ctx.Response); herr != nil {
					c.finish(ctx, fr.Stream(), herr)
				} else if fr.Flags().Has(FlagEndStream) {
					c.finish(ctx, fr.Stream(), nil)
				}
			}
		case FrameData:
			if queued {
				ctx := ctxI.(*Ctx)

				_ = c.readStream(fr, ctx.Response)

				if fr.Flags().Has(FlagEndStream) {
					c.finish(ctx, fr.Stream(), nil)
				}
			}
		case FrameResetStream:
			if queued {
				c.finish(ctxI.(*Ctx), fr.Stream(), fr.Body().(*RstStream).Code())
			}
		case FrameWindowUpdate:
			inc := int32(fr.Body().(*WindowUpdate).Increment())

			if fr.Stream() == 0 {
				atomic.AddInt32(&c.serverWindow, inc)
			} else if queued {
				atomic.AddInt32(&ctxI.(*Ctx).sendWindow, inc)
			}

			c.notifyWindowAvailable()
		}

		ReleaseFrameHeader(fr)
	}
}
