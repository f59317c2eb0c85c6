package http2

import (
	"crypto/tls"
	"net"
	"time"
)

// Dialer establishes HTTP/2 connections.
type Dialer struct {
	// Addr is the server address, host:port.
	Addr string

	// TLSConfig is the configuration used during the TLS handshake.
	// When nil a sane default advertising h2 is built from Addr.
	TLSConfig *tls.Config

	// NetDial, when set, replaces the TCP+TLS dial. The returned
	// connection is used as-is, skipping the ALPN check.
	NetDial func(addr string) (net.Conn, error)

	// PingInterval is handed to every connection this dialer opens.
	PingInterval time.Duration
}

// configureDialer fills in the TLS defaults: the server name derived
// from Addr and the h2 ALPN token. An already-set ServerName wins.
func configureDialer(d *Dialer) {
	if d.TLSConfig == nil {
		d.TLSConfig = &tls.Config{}
	}

	cfg := d.TLSConfig

	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(d.Addr)
		if err != nil {
			host = d.Addr
		}

		cfg.ServerName = host
	}

	for _, proto := range cfg.NextProtos {
		if proto == H2TLSProto {
			return
		}
	}

	cfg.NextProtos = append(cfg.NextProtos, H2TLSProto)
}

// Dial opens a connection, performs the handshake and starts the
// connection loops.
func (d *Dialer) Dial(opts ConnOpts) (*Conn, error) {
	c, err := d.tryDial()
	if err != nil {
		return nil, err
	}

	if opts.PingInterval == 0 {
		opts.PingInterval = d.PingInterval
	}

	nc := NewConn(c, opts)

	if err = nc.doHandshake(); err != nil {
		_ = c.Close()
		return nil, err
	}

	go nc.readLoop()
	go nc.writeLoop()

	return nc, nil
}

func (d *Dialer) tryDial() (net.Conn, error) {
	configureDialer(d)

	if d.NetDial != nil {
		return d.NetDial(d.Addr)
	}

	c, err := net.DialTimeout("tcp", d.Addr, 10*time.Second)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(c, d.TLSConfig)

	if err = tlsConn.Handshake(); err != nil {
		_ = c.Close()
		return nil, err
	}

	if tlsConn.ConnectionState().NegotiatedProtocol != H2TLSProto {
		_ = tlsConn.Close()
		return nil, ErrServerSupport
	}

	return tlsConn, nil
}
