package proto

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrConnIDTooLong is returned when a connection id does not fit the uint16 length prefix.
var ErrConnIDTooLong = errors.New("connection id too long")

// frameHeaderLen is the size of the big-endian id length prefix.
const frameHeaderLen = 2

// EncodeFrame packs connID and payload as
//
//	uint16 len(connID) | connID bytes | payload
//
// The payload has no length field; one binary wire message is one frame.
func EncodeFrame(connID string, payload []byte) ([]byte, error) {
	if len(connID) > math.MaxUint16 {
		return nil, ErrConnIDTooLong
	}
	out := make([]byte, frameHeaderLen+len(connID)+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(connID)))
	n := copy(out[frameHeaderLen:], connID)
	copy(out[frameHeaderLen+n:], payload)
	return out, nil
}

// DecodeFrame unpacks a binary wire frame. It reports false for input shorter
// than the declared id; callers drop such frames. The returned payload aliases b.
func DecodeFrame(b []byte) (*BinaryFrame, bool) {
	if len(b) < frameHeaderLen {
		return nil, false
	}
	idLen := int(binary.BigEndian.Uint16(b))
	if len(b) < frameHeaderLen+idLen {
		return nil, false
	}
	return &BinaryFrame{
		ConnectionID: string(b[frameHeaderLen : frameHeaderLen+idLen]),
		Payload:      b[frameHeaderLen+idLen:],
	}, true
}
