package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestDecodeOfferScenario(t *testing.T) {
	raw, err := hex.DecodeString("abcddcba023a983a99")
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	offer, err := DecodeOffer(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if offer.UDPPort != 15000 || offer.TCPPort != 15001 {
		t.Fatalf("unexpected ports: %+v", offer)
	}
}

func TestDecodeOfferRejects(t *testing.T) {
	valid := EncodeOffer(NewOffer(2000, 3000))

	wrongCookie := append([]byte(nil), valid...)
	wrongCookie[0] = 0x00
	wrongType := append([]byte(nil), valid...)
	wrongType[4] = TypePayload

	cases := map[string][]byte{
		"empty":        nil,
		"short":        valid[:OfferLen-1],
		"wrong cookie": wrongCookie,
		"wrong type":   wrongType,
	}
	for name, in := range cases {
		if _, err := DecodeOffer(in); !errors.Is(err, ErrNotOffer) {
			t.Fatalf("%s: expected ErrNotOffer, got %v", name, err)
		}
	}
}

func TestDecodeOfferIgnoresTrailingBytes(t *testing.T) {
	raw := append(EncodeOffer(NewOffer(1, 2)), 0xff, 0xee)
	offer, err := DecodeOffer(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if offer.UDPPort != 1 || offer.TCPPort != 2 {
		t.Fatalf("unexpected offer %+v", offer)
	}
}

func TestOfferRoundTrip(t *testing.T) {
	for _, in := range []Offer{NewOffer(0, 0), NewOffer(15000, 15001), NewOffer(65535, 1)} {
		out, err := DecodeOffer(EncodeOffer(in))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
		}
	}
}

func TestUDPRequestRoundTrip(t *testing.T) {
	buf := EncodeUDPRequest(1 << 40)
	if len(buf) != UDPRequestLen {
		t.Fatalf("expected %d bytes, got %d", UDPRequestLen, len(buf))
	}
	size, err := DecodeUDPRequest(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if size != 1<<40 {
		t.Fatalf("size mismatch: got %d", size)
	}
	if _, err := DecodeUDPRequest(buf[:UDPRequestLen-1]); !errors.Is(err, ErrNotRequest) {
		t.Fatalf("expected ErrNotRequest for truncated request, got %v", err)
	}
}

func TestPayloadHeaderRoundTrip(t *testing.T) {
	h := PayloadHeader{TotalSegments: 5, SegmentIndex: 3}
	data := []byte("hello")
	buf := make([]byte, PayloadHeaderLen+len(data))
	n, err := EncodePayload(buf, h, data)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected %d bytes written, got %d", len(buf), n)
	}
	got, err := DecodePayloadHeader(buf[:n])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != h {
		t.Fatalf("header mismatch: got %+v want %+v", got, h)
	}
	if !bytes.Equal(buf[PayloadHeaderLen:n], data) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodePayloadBufferTooSmall(t *testing.T) {
	buf := make([]byte, PayloadHeaderLen)
	if _, err := EncodePayload(buf, PayloadHeader{}, []byte{1}); err == nil {
		t.Fatal("expected encode error for short buffer")
	}
}

func TestDecodePayloadHeaderRejects(t *testing.T) {
	buf := make([]byte, PayloadHeaderLen)
	if _, err := EncodePayload(buf, PayloadHeader{TotalSegments: 1}, nil); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := DecodePayloadHeader(buf[:PayloadHeaderLen-1]); !errors.Is(err, ErrNotPayload) {
		t.Fatalf("expected ErrNotPayload for truncated header, got %v", err)
	}
	buf[4] = TypeOffer
	if _, err := DecodePayloadHeader(buf); !errors.Is(err, ErrNotPayload) {
		t.Fatalf("expected ErrNotPayload for wrong type, got %v", err)
	}
}

func TestTCPRequest(t *testing.T) {
	if got := string(EncodeTCPRequest(1024)); got != "1024\n" {
		t.Fatalf("unexpected request %q", got)
	}
	size, err := ParseTCPRequest(" 4096\r\n")
	if err != nil || size != 4096 {
		t.Fatalf("parse failed: size=%d err=%v", size, err)
	}
	if _, err := ParseTCPRequest("-1\n"); err == nil {
		t.Fatal("expected error for negative size")
	}
}
