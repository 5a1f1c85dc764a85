package proto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

func TestFrameBackToBack(t *testing.T) {
	ids := []string{"c", "4f1c2b3a-7d1e-4e55-9a0b-2f3c4d5e6f70", "连接-ü-🚀", strings.Repeat("x", 300)}
	for _, id := range ids {
		small := make([]byte, 10)
		large := make([]byte, 5000)
		_, _ = rand.Read(small)
		_, _ = rand.Read(large)
		for _, payload := range [][]byte{small, large} {
			wire, err := EncodeFrame(id, payload)
			if err != nil {
				t.Fatalf("encode %q: %v", id, err)
			}
			f, ok := DecodeFrame(wire)
			if !ok {
				t.Fatalf("decode %q failed", id)
			}
			if f.ConnectionID != id {
				t.Errorf("id = %q, want %q", f.ConnectionID, id)
			}
			if !bytes.Equal(f.Payload, payload) {
				t.Errorf("payload corrupted for id %q (len %d)", id, len(payload))
			}
		}
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	wire, err := EncodeFrame("abc", nil)
	if err != nil {
		t.Fatal(err)
	}
	f, ok := DecodeFrame(wire)
	if !ok || f.ConnectionID != "abc" || len(f.Payload) != 0 {
		t.Errorf("unexpected frame %#v ok=%v", f, ok)
	}
}

func TestFrameShortInput(t *testing.T) {
	for _, in := range [][]byte{nil, {0}, {0, 5, 'a', 'b'}, {0xff, 0xff}} {
		if f, ok := DecodeFrame(in); ok || f != nil {
			t.Errorf("DecodeFrame(%v) = %v, %v; want nil, false", in, f, ok)
		}
	}
}

func TestFrameIDTooLong(t *testing.T) {
	_, err := EncodeFrame(strings.Repeat("a", 70000), []byte("x"))
	if !errors.Is(err, ErrConnIDTooLong) {
		t.Errorf("expected ErrConnIDTooLong, got %v", err)
	}
}

func TestEncodeBinaryFrameEnvelope(t *testing.T) {
	wire, err := Encode(&BinaryFrame{ConnectionID: "c1", Payload: []byte("data")})
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{0, 2, 'c', '1'}, "data"...)
	if !bytes.Equal(wire, want) {
		t.Errorf("wire = %v, want %v", wire, want)
	}
}
