// Package wire implements the versioned envelope and typed payload variants carried over QUIC streams and
// datagrams. Each payload shape gets its own small constructor/parser function rather than a generic
// reflection-based codec.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the only version this build accepts. Peers presenting any other value are rejected with
// apperr.VersionMismatch before their body is even parsed.
const ProtocolVersion uint16 = 1

// Flags bits carried in the envelope header. Currently only the ack bit is defined; the rest are reserved.
const (
	FlagNone uint8 = 0
	FlagAck  uint8 = 1 << 0
)

// headerSize is protocol_version(2) + channel_id(1) + sequence(4) + flags(1) + body_len(4).
const headerSize = 2 + 1 + 4 + 1 + 4

// maxBodyLen caps the declared body length a peer may ask the receiver to buffer for a single frame.
const maxBodyLen = 1 << 20

// Envelope is the fixed header that precedes every payload body on both reliable streams and unreliable datagrams.
type Envelope struct {
	ProtocolVersion uint16
	ChannelID       uint8
	Sequence        uint32
	Flags           uint8
	Body            []byte
}

// Encode serialises the envelope to its wire form: header followed by the exact-length body.
func (e Envelope) Encode() []byte {
	buf := make([]byte, headerSize+len(e.Body))
	binary.BigEndian.PutUint16(buf[0:2], e.ProtocolVersion)
	buf[2] = e.ChannelID
	binary.BigEndian.PutUint32(buf[3:7], e.Sequence)
	buf[7] = e.Flags
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(e.Body)))
	copy(buf[headerSize:], e.Body)
	return buf
}

// ErrMalformed is returned when a frame is truncated, has a trailing remainder, or otherwise fails the size-exact
// check demanded by the taxonomy's MALFORMED kind.
var ErrMalformed = fmt.Errorf("malformed frame")

// ErrVersionMismatch is returned when the envelope's protocol_version does not match ProtocolVersion.
var ErrVersionMismatch = fmt.Errorf("protocol version mismatch")

// Decode parses a single envelope from buf. Deserialization is size-exact: any trailing or missing bytes versus the
// declared body length is ErrMalformed, so that decode(encode(m)) == m and nothing else
// round-trips.
func Decode(buf []byte) (Envelope, error) {
	if len(buf) < headerSize {
		return Envelope{}, ErrMalformed
	}
	version := binary.BigEndian.Uint16(buf[0:2])
	channelID := buf[2]
	seq := binary.BigEndian.Uint32(buf[3:7])
	flags := buf[7]
	bodyLen := binary.BigEndian.Uint32(buf[8:12])

	if version != ProtocolVersion {
		return Envelope{}, ErrVersionMismatch
	}
	if uint32(len(buf)-headerSize) != bodyLen {
		return Envelope{}, ErrMalformed
	}

	body := make([]byte, bodyLen)
	copy(body, buf[headerSize:])

	return Envelope{
		ProtocolVersion: version,
		ChannelID:       channelID,
		Sequence:        seq,
		Flags:           flags,
		Body:            body,
	}, nil
}

// ReadEnvelope reads exactly one envelope from an unframed byte stream, using the header's body_len to reassemble
// frames that arrive split across reads or coalesced with their successor. A body truncated by stream close is
// ErrMalformed; other I/O errors are returned as-is so callers can tell a dead stream from a bad peer.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}

	version := binary.BigEndian.Uint16(header[0:2])
	if version != ProtocolVersion {
		return Envelope{}, ErrVersionMismatch
	}
	bodyLen := binary.BigEndian.Uint32(header[8:12])
	if bodyLen > maxBodyLen {
		return Envelope{}, ErrMalformed
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Envelope{}, ErrMalformed
		}
		return Envelope{}, err
	}

	return Envelope{
		ProtocolVersion: version,
		ChannelID:       header[2],
		Sequence:        binary.BigEndian.Uint32(header[3:7]),
		Flags:           header[7],
		Body:            body,
	}, nil
}
