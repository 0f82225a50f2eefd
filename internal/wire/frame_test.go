package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"archipel/internal/wire"
)

var testSender = [32]byte{0xaa, 0xbb, 0x01, 0x02}

func TestBuildParse(t *testing.T) {
	key := []byte("cluster-key")

	t.Run("round-trips every frame type", func(t *testing.T) {
		types := []wire.FrameType{
			wire.TypeHello, wire.TypePeerList, wire.TypeMsg, wire.TypeChunkReq,
			wire.TypeChunkData, wire.TypeManifest, wire.TypeAck, wire.TypeRelay,
		}
		for _, ft := range types {
			payload := []byte(`{"hello":"world"}`)
			buf := wire.Build(ft, testSender, payload, key)

			f, err := wire.Parse(buf, key)
			if err != nil {
				t.Fatalf("Parse(%s) error = %v", ft, err)
			}
			if f.Type != ft {
				t.Errorf("Type = %v, want %v", f.Type, ft)
			}
			if f.Sender != testSender {
				t.Errorf("Sender = %x, want %x", f.Sender, testSender)
			}
			if !bytes.Equal(f.Payload, payload) {
				t.Errorf("Payload = %q, want %q", f.Payload, payload)
			}
			if f.Unverified {
				t.Errorf("Unverified = true for valid frame")
			}
		}
	})

	t.Run("round-trips empty payload", func(t *testing.T) {
		buf := wire.Build(wire.TypeAck, testSender, nil, key)
		if len(buf) != wire.MinFrameLen {
			t.Fatalf("frame length = %d, want %d", len(buf), wire.MinFrameLen)
		}
		f, err := wire.Parse(buf, key)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if len(f.Payload) != 0 {
			t.Errorf("Payload length = %d, want 0", len(f.Payload))
		}
	})

	t.Run("rejects wrong key for non-HELLO types", func(t *testing.T) {
		buf := wire.Build(wire.TypeMsg, testSender, []byte("x"), key)
		if _, err := wire.Parse(buf, []byte("other-key")); !errors.Is(err, wire.ErrBadMAC) {
			t.Errorf("Parse() error = %v, want ErrBadMAC", err)
		}
	})

	t.Run("HELLO with wrong key is returned unverified", func(t *testing.T) {
		buf := wire.Build(wire.TypeHello, testSender, []byte(`{}`), key)
		f, err := wire.Parse(buf, []byte("other-key"))
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if !f.Unverified {
			t.Errorf("Unverified = false, want true")
		}
	})

	t.Run("rejects short buffer", func(t *testing.T) {
		buf := wire.Build(wire.TypeMsg, testSender, nil, key)
		if _, err := wire.Parse(buf[:wire.MinFrameLen-1], key); !errors.Is(err, wire.ErrTruncated) {
			t.Errorf("Parse() error = %v, want ErrTruncated", err)
		}
	})

	t.Run("rejects bad magic", func(t *testing.T) {
		buf := wire.Build(wire.TypeMsg, testSender, nil, key)
		buf[0] = 'X'
		if _, err := wire.Parse(buf, key); !errors.Is(err, wire.ErrBadMagic) {
			t.Errorf("Parse() error = %v, want ErrBadMagic", err)
		}
	})

	t.Run("rejects length overrun", func(t *testing.T) {
		buf := wire.Build(wire.TypeMsg, testSender, []byte("abc"), key)
		// Declare more payload than the buffer holds.
		buf[37], buf[38], buf[39], buf[40] = 0, 0, 1, 0
		if _, err := wire.Parse(buf, key); !errors.Is(err, wire.ErrBadLength) {
			t.Errorf("Parse() error = %v, want ErrBadLength", err)
		}
	})

	t.Run("any bit flip after magic invalidates a MSG frame", func(t *testing.T) {
		payload := []byte(`{"ciphertext":"deadbeef"}`)
		orig := wire.Build(wire.TypeMsg, testSender, payload, key)
		for i := 4; i < len(orig); i++ {
			buf := append([]byte(nil), orig...)
			buf[i] ^= 0x01
			f, err := wire.Parse(buf, key)
			if err == nil && !f.Unverified {
				t.Fatalf("Parse() accepted frame with bit flip at offset %d", i)
			}
		}
	})
}

func TestProbeType(t *testing.T) {
	t.Run("extracts discriminator", func(t *testing.T) {
		if got := wire.ProbeType([]byte(`{"type":"HANDSHAKE_INIT","nodeId":"ab"}`)); got != wire.MsgHandshakeInit {
			t.Errorf("ProbeType() = %q, want %q", got, wire.MsgHandshakeInit)
		}
	})

	t.Run("chat payloads have no discriminator", func(t *testing.T) {
		if got := wire.ProbeType([]byte(`{"ciphertext":"hi","nonce":null}`)); got != "" {
			t.Errorf("ProbeType() = %q, want empty", got)
		}
	})

	t.Run("garbage yields empty", func(t *testing.T) {
		if got := wire.ProbeType([]byte("not json")); got != "" {
			t.Errorf("ProbeType() = %q, want empty", got)
		}
	})
}
