package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MagicCookie uint32 = 0xABCDDCBA

	TypeOffer   byte = 0x2
	TypeRequest byte = 0x3
	TypePayload byte = 0x4

	OfferLen         = 9
	UDPRequestLen    = 13
	PayloadHeaderLen = 21
)

var (
	ErrNotOffer   = errors.New("not an offer")
	ErrNotRequest = errors.New("not a request")
	ErrNotPayload = errors.New("not a payload segment")
)

type Offer struct {
	Cookie  uint32
	Type    byte
	UDPPort uint16
	TCPPort uint16
}

// NewOffer fills in the cookie and type for an outgoing announcement.
func NewOffer(udpPort, tcpPort uint16) Offer {
	return Offer{Cookie: MagicCookie, Type: TypeOffer, UDPPort: udpPort, TCPPort: tcpPort}
}

func EncodeOffer(o Offer) []byte {
	dst := make([]byte, OfferLen)
	binary.BigEndian.PutUint32(dst[0:4], o.Cookie)
	dst[4] = o.Type
	binary.BigEndian.PutUint16(dst[5:7], o.UDPPort)
	binary.BigEndian.PutUint16(dst[7:9], o.TCPPort)
	return dst
}

func DecodeOffer(src []byte) (Offer, error) {
	if len(src) < OfferLen {
		return Offer{}, ErrNotOffer
	}
	if !hasPrefix(src, TypeOffer) {
		return Offer{}, ErrNotOffer
	}
	return Offer{
		Cookie:  MagicCookie,
		Type:    TypeOffer,
		UDPPort: binary.BigEndian.Uint16(src[5:7]),
		TCPPort: binary.BigEndian.Uint16(src[7:9]),
	}, nil
}

func EncodeUDPRequest(size uint64) []byte {
	dst := make([]byte, UDPRequestLen)
	binary.BigEndian.PutUint32(dst[0:4], MagicCookie)
	dst[4] = TypeRequest
	binary.BigEndian.PutUint64(dst[5:13], size)
	return dst
}

// DecodeUDPRequest returns the requested byte count.
func DecodeUDPRequest(src []byte) (uint64, error) {
	if len(src) < UDPRequestLen || !hasPrefix(src, TypeRequest) {
		return 0, ErrNotRequest
	}
	return binary.BigEndian.Uint64(src[5:13]), nil
}

type PayloadHeader struct {
	TotalSegments uint64
	SegmentIndex  uint64
}

// EncodePayload writes header and data into dst and returns the number of bytes used.
func EncodePayload(dst []byte, h PayloadHeader, data []byte) (int, error) {
	need := PayloadHeaderLen + len(data)
	if len(dst) < need {
		return 0, fmt.Errorf("buffer too small: need %d, got %d", need, len(dst))
	}
	binary.BigEndian.PutUint32(dst[0:4], MagicCookie)
	dst[4] = TypePayload
	binary.BigEndian.PutUint64(dst[5:13], h.TotalSegments)
	binary.BigEndian.PutUint64(dst[13:21], h.SegmentIndex)
	copy(dst[PayloadHeaderLen:], data)
	return need, nil
}

func DecodePayloadHeader(src []byte) (PayloadHeader, error) {
	if len(src) < PayloadHeaderLen || !hasPrefix(src, TypePayload) {
		return PayloadHeader{}, ErrNotPayload
	}
	return PayloadHeader{
		TotalSegments: binary.BigEndian.Uint64(src[5:13]),
		SegmentIndex:  binary.BigEndian.Uint64(src[13:21]),
	}, nil
}

// EncodeTCPRequest formats size as decimal digits followed by a newline.
func EncodeTCPRequest(size uint64) []byte {
	return []byte(strconv.FormatUint(size, 10) + "\n")
}

func ParseTCPRequest(line string) (uint64, error) {
	size, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size request %q: %w", line, err)
	}
	return size, nil
}

func hasPrefix(src []byte, kind byte) bool {
	return binary.BigEndian.Uint32(src[0:4]) == MagicCookie && src[4] == kind
}
