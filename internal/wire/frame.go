// Package wire implements the archipel binary frame format and the JSON
// payload schemas carried inside frames.
//
// A frame on the wire is:
//
//	MAGIC(4)="ARCH" | TYPE(1) | NODE_ID(32) | PAYLOAD_LEN(4, big-endian) | PAYLOAD | MAC(32)
//
// The MAC is HMAC-SHA256 over everything preceding it.
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// Magic prefixes every frame.
const Magic = "ARCH"

const (
	// HeaderLen is the fixed prefix before the payload.
	HeaderLen = 4 + 1 + 32 + 4
	// MACLen is the length of the trailing HMAC-SHA256.
	MACLen = sha256.Size
	// MinFrameLen is the length of a frame with an empty payload.
	MinFrameLen = HeaderLen + MACLen
	// MaxPayloadLen bounds the declared payload length. The largest legal
	// payload is a CHUNK_DATA frame carrying a base64-encoded 512 KiB chunk.
	MaxPayloadLen = 4 << 20
)

// FrameType identifies the kind of payload a frame carries.
type FrameType byte

const (
	TypeHello     FrameType = 1
	TypePeerList  FrameType = 2
	TypeMsg       FrameType = 3
	TypeChunkReq  FrameType = 4
	TypeChunkData FrameType = 5
	TypeManifest  FrameType = 6
	TypeAck       FrameType = 7
	TypeRelay     FrameType = 8
)

func (t FrameType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypePeerList:
		return "PEER_LIST"
	case TypeMsg:
		return "MSG"
	case TypeChunkReq:
		return "CHUNK_REQ"
	case TypeChunkData:
		return "CHUNK_DATA"
	case TypeManifest:
		return "MANIFEST"
	case TypeAck:
		return "ACK"
	case TypeRelay:
		return "RELAY"
	}
	return "UNKNOWN"
}

// Frame is the in-memory view of a validated wire frame. Frames are
// immutable once parsed.
type Frame struct {
	Type   FrameType
	Sender [32]byte // raw NodeId of the declared sender

	Payload []byte

	// Unverified is set when MAC verification failed but the frame was
	// still returned under the HELLO discovery exception. Consumers must
	// treat such frames as address hints only.
	Unverified bool
}

var (
	ErrTruncated  = errors.New("wire: frame truncated")
	ErrBadMagic   = errors.New("wire: bad magic")
	ErrBadLength  = errors.New("wire: declared payload length exceeds buffer")
	ErrBadMAC     = errors.New("wire: MAC verification failed")
	ErrOversized  = errors.New("wire: payload length exceeds limit")
)

// Build frames type, sender and payload, appending an HMAC-SHA256 of the
// header+payload under key.
func Build(t FrameType, sender [32]byte, payload, key []byte) []byte {
	buf := make([]byte, 0, HeaderLen+len(payload)+MACLen)
	buf = append(buf, Magic...)
	buf = append(buf, byte(t))
	buf = append(buf, sender[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	mac := hmac.New(sha256.New, key)
	mac.Write(buf)
	return mac.Sum(buf)
}

// Parse validates buf as a single frame under key. It returns an error for
// short buffers, magic mismatches, length overruns and (for every type but
// HELLO) MAC failures. MAC comparison is constant-time.
//
// Discovery exception: a HELLO frame whose MAC does not verify is still
// returned, flagged Unverified, because HELLO must be parseable before a
// session key exists.
func Parse(buf, key []byte) (*Frame, error) {
	if len(buf) < MinFrameLen {
		return nil, ErrTruncated
	}
	if string(buf[:4]) != Magic {
		return nil, ErrBadMagic
	}
	payloadLen := binary.BigEndian.Uint32(buf[37:41])
	if payloadLen > MaxPayloadLen {
		return nil, ErrOversized
	}
	total := HeaderLen + int(payloadLen) + MACLen
	if total > len(buf) {
		return nil, ErrBadLength
	}

	signed := buf[:HeaderLen+int(payloadLen)]
	mac := hmac.New(sha256.New, key)
	mac.Write(signed)
	verified := hmac.Equal(mac.Sum(nil), buf[HeaderLen+int(payloadLen):total])

	f := &Frame{Type: FrameType(buf[4])}
	copy(f.Sender[:], buf[5:37])
	f.Payload = append([]byte(nil), buf[HeaderLen:HeaderLen+int(payloadLen)]...)

	if !verified {
		if f.Type != TypeHello {
			return nil, ErrBadMAC
		}
		f.Unverified = true
	}
	return f, nil
}
