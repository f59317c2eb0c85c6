package http2

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/valyala/fasthttp"
)

// ServerConfig ...
type ServerConfig struct {
	// PingInterval is the interval at which the server will send a
	// ping message to a client.
	//
	// To disable pings set the PingInterval to a negative value.
	PingInterval time.Duration

	// ...
	MaxConcurrentStreams int

	// Debug is a flag that will allow the library to print debugging information.
	Debug bool

	// CollectFingerprint records each connection's early frames and
	// pseudo-header order and exposes them on the request ctx under
	// EarlyFrameCaptureUserValue and PseudoHeaderOrderUserValue.
	CollectFingerprint bool

	// Clock controls time-related operations. If nil, a real clock is used.
	Clock Clock
}

// User value keys under which a request ctx carries the connection's
// fingerprint material when CollectFingerprint is enabled.
const (
	EarlyFrameCaptureUserValue = "http2.earlyFrameCapture"
	PseudoHeaderOrderUserValue = "http2.pseudoHeaderOrder"
)

func (sc *ServerConfig) defaults() {
	if sc.PingInterval == 0 {
		sc.PingInterval = time.Second * 10
	}

	if sc.MaxConcurrentStreams <= 0 {
		sc.MaxConcurrentStreams = 1024
	}

	if sc.Clock == nil {
		sc.Clock = realClock{}
	}
}

// H2TLSProto is the ALPN token identifying HTTP/2 over TLS.
const H2TLSProto = "h2"

// Server defines an HTTP/2 entity that can handle HTTP/2 connections.
type Server struct {
	s *fasthttp.Server

	cnf ServerConfig
}

// ConfigureServer makes s handle HTTP/2 connections negotiated via
// ALPN.
func ConfigureServer(s *fasthttp.Server, cnf ServerConfig) *Server {
	cnf.defaults()

	s2 := &Server{
		s:   s,
		cnf: cnf,
	}

	s.NextProto(H2TLSProto, s2.ServeConn)

	return s2
}

// ConfigureServerAndConfig is like ConfigureServer and also advertises
// h2 in the TLS configuration.
func ConfigureServerAndConfig(s *fasthttp.Server, tlsConfig *tls.Config) *Server {
	s2 := ConfigureServer(s, ServerConfig{})

	for _, proto := range tlsConfig.NextProtos {
		if proto == H2TLSProto {
			return s2
		}
	}

	tlsConfig.NextProtos = append(tlsConfig.NextProtos, H2TLSProto)

	return s2
}

// ServeConn starts serving a net.Conn as HTTP/2.
//
// This function will fail if the connection does not support the HTTP/2 protocol.
func (s *Server) ServeConn(c net.Conn) error {
	defer func() { _ = c.Close() }()

	if !ReadPreface(c) {
		return errors.New("wrong preface")
	}

	clock := s.cnf.Clock
	if clock == nil {
		clock = realClock{}
	}

	sc := &serverConn{
		c:              c,
		h:              s.s.Handler,
		clock:          clock,
		br:             bufio.NewReader(c),
		bw:             bufio.NewWriterSize(c, 1<<14*10),
		lastID:         0,
		writer:         make(chan *FrameHeader, 128),
		reader:         make(chan *FrameHeader, 128),
		maxRequestTime: s.s.ReadTimeout,
		maxIdleTime:    s.s.IdleTimeout,
		pingInterval:   s.cnf.PingInterval,
		logger:         s.s.Logger,
		debug:          s.cnf.Debug,
	}

	if sc.logger == nil {
		sc.logger = logger
	}

	if s.cnf.CollectFingerprint {
		sc.earlyFrames = NewEarlyFrameRecorder()
	}

	sc.enc.Reset()
	sc.dec.Reset()

	sc.maxWindow = 1 << 22
	sc.currentWindow = sc.maxWindow

	sc.st.Reset()
	sc.st.SetMaxWindowSize(uint32(sc.maxWindow))
	sc.st.SetMaxConcurrentStreams(uint32(s.cnf.MaxConcurrentStreams))

	if err := sc.Handshake(); err != nil {
		return err
	}

	return sc.Serve()
}
