package http2

import (
	"bufio"
	"bytes"
	"io"
)

// http2Preface is the connection preface every client opens with
// (RFC 9113 section 3.4).
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// ReadPreface reads the connection preface from c and reports whether
// it is valid. The preface bytes are consumed either way.
func ReadPreface(c io.Reader) bool {
	b := make([]byte, len(http2Preface))

	n, err := io.ReadFull(c, b)
	if err != nil || n != len(http2Preface) {
		return false
	}

	return bytes.Equal(b, http2Preface)
}

// WritePreface writes the connection preface to w.
func WritePreface(w io.Writer) error {
	_, err := w.Write(http2Preface)
	return err
}

// Handshake performs the connection setup for one endpoint: the
// preface when acting as a client, the local SETTINGS frame and, when
// maxWin exceeds the protocol default, a WINDOW_UPDATE widening the
// connection window.
func Handshake(preface bool, bw *bufio.Writer, st *Settings, maxWin int32) error {
	if preface {
		if err := WritePreface(bw); err != nil {
			return err
		}
	}

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	st2 := AcquireFrame(FrameSettings).(*Settings)
	st.CopyTo(st2)
	fr.SetBody(st2)

	if _, err := fr.WriteTo(bw); err != nil {
		return err
	}

	if maxWin > defaultWindowSize {
		fr2 := AcquireFrameHeader()
		defer ReleaseFrameHeader(fr2)

		wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
		wu.SetIncrement(int(maxWin - defaultWindowSize))
		fr2.SetBody(wu)

		if _, err := fr2.WriteTo(bw); err != nil {
			return err
		}
	}

	return bw.Flush()
}
