package http2

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strconv"
)

// AkamaiH2 is the Akamai HTTP/2 fingerprint of a connection, computed
// from its early frames and pseudo-header order.
//
// The text form is `S[;]|WU|P[,]|PS[,]` where S is the settings
// parameters as id:value pairs, WU the first connection-level
// WINDOW_UPDATE increment (or "00"), P the priority frames as
// stream:exclusive:dependency:weight tuples (or "0"), and PS the
// pseudo-header order as m/p/a/s letters.
type AkamaiH2 struct {
	settings     []Setting
	windowUpdate uint32
	hasWindow    bool
	priorities   []akamaiPriority
	pseudoOrder  []byte
}

type akamaiPriority struct {
	stream    uint32
	exclusive bool
	dependsOn uint32
	weight    uint8
}

var (
	ErrMissingEarlyFrames = errors.New("missing early frame capture")
	ErrMissingPseudoOrder = errors.New("missing pseudo-header order")
	ErrNoSettingsRecorded = errors.New("no settings found in early frames")
)

// ComputeAkamaiH2 builds the fingerprint from a frozen early-frame
// capture and the pseudo-header order of the first HEADERS frame.
func ComputeAkamaiH2(capture *EarlyFrameCapture, order *PseudoHeaderOrder) (*AkamaiH2, error) {
	if capture.Len() == 0 {
		return nil, ErrMissingEarlyFrames
	}
	if order == nil {
		return nil, ErrMissingPseudoOrder
	}

	fp := &AkamaiH2{}

	for i := range capture.Frames() {
		ef := &capture.Frames()[i]

		switch ef.Kind {
		case FrameSettings:
			if ef.Settings.IsAck() {
				continue
			}

			for _, id := range ef.Settings.Order() {
				if value, ok := ef.Settings.Value(id); ok {
					fp.settings = append(fp.settings, Setting{ID: id, Value: value})
				}
			}
		case FrameWindowUpdate:
			// only the connection-level increment is part of the
			// fingerprint
			if ef.Stream == 0 && !fp.hasWindow {
				fp.windowUpdate = uint32(ef.WindowUpdate.Increment())
				fp.hasWindow = true
			}
		case FramePriority:
			fp.priorities = append(fp.priorities, akamaiPriority{
				stream:    ef.Stream,
				exclusive: ef.Priority.Exclusive(),
				dependsOn: ef.Priority.Stream(),
				weight:    ef.Priority.Weight(),
			})
		}
	}

	if len(fp.settings) == 0 {
		return nil, ErrNoSettingsRecorded
	}

	for _, ph := range order.Iter() {
		switch ph {
		case PseudoHeaderMethod:
			fp.pseudoOrder = append(fp.pseudoOrder, 'm')
		case PseudoHeaderPath:
			fp.pseudoOrder = append(fp.pseudoOrder, 'p')
		case PseudoHeaderAuthority:
			fp.pseudoOrder = append(fp.pseudoOrder, 'a')
		case PseudoHeaderScheme:
			fp.pseudoOrder = append(fp.pseudoOrder, 's')
		}
	}

	return fp, nil
}

// AppendText appends the text form of the fingerprint to dst.
func (fp *AkamaiH2) AppendText(dst []byte) []byte {
	for i, s := range fp.settings {
		if i > 0 {
			dst = append(dst, ';')
		}
		dst = strconv.AppendUint(dst, uint64(s.ID), 10)
		dst = append(dst, ':')
		dst = strconv.AppendUint(dst, uint64(s.Value), 10)
	}
	dst = append(dst, '|')

	if fp.hasWindow {
		dst = strconv.AppendUint(dst, uint64(fp.windowUpdate), 10)
	} else {
		dst = append(dst, '0', '0')
	}
	dst = append(dst, '|')

	if len(fp.priorities) == 0 {
		dst = append(dst, '0')
	} else {
		for i, p := range fp.priorities {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendUint(dst, uint64(p.stream), 10)
			dst = append(dst, ':')
			if p.exclusive {
				dst = append(dst, '1')
			} else {
				dst = append(dst, '0')
			}
			dst = append(dst, ':')
			dst = strconv.AppendUint(dst, uint64(p.dependsOn), 10)
			dst = append(dst, ':')
			dst = strconv.AppendUint(dst, uint64(p.weight), 10)
		}
	}
	dst = append(dst, '|')

	for i, ch := range fp.pseudoOrder {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, ch)
	}

	return dst
}

// String returns the readable text form of the fingerprint.
func (fp *AkamaiH2) String() string {
	return string(fp.AppendText(nil))
}

// Hash returns the md5 hex digest of the text form, the compact form
// the fingerprint is usually exchanged in.
func (fp *AkamaiH2) Hash() string {
	sum := md5.Sum(fp.AppendText(nil))
	return hex.EncodeToString(sum[:])
}
