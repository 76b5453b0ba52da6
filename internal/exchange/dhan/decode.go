package dhan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"depthfeed/internal/types"
)

// Wire layout, all fields big-endian:
//
//	header  int16 length | int8 feed code | int8 segment | int32 security id | 4 reserved
//	level   float64 price | uint32 quantity | uint32 orders
const (
	HeaderSize      = 12
	LevelSize       = 16
	DepthPacketSize = HeaderSize + LevelSize*types.DepthLevels

	disconnectPacketSize = HeaderSize + 2
)

// Feed response codes
const (
	FeedCodeBid        int8 = 41
	FeedCodeDisconnect int8 = 50
	FeedCodeAsk        int8 = 51
)

var (
	ErrMalformedHeader = errors.New("dhan: malformed header")
	ErrTruncatedFrame  = errors.New("dhan: truncated frame")
)

// Header is the fixed 12-byte prefix of every packet
type Header struct {
	MessageLength   int16
	FeedCode        int8
	ExchangeSegment int8
	SecurityID      int32
	Reserved        [4]byte
}

// FrameKind classifies a decoded packet
type FrameKind int

const (
	// KindIgnored is a well-formed packet with a feed code this decoder does not act on
	KindIgnored FrameKind = iota
	KindDepth
	KindDisconnect
)

func (k FrameKind) String() string {
	switch k {
	case KindDepth:
		return "depth"
	case KindDisconnect:
		return "disconnect"
	default:
		return "ignored"
	}
}

// Frame is one decoded packet. Levels is set only for KindDepth and always has
// types.DepthLevels entries in wire order.
type Frame struct {
	Header         Header
	Kind           FrameKind
	Side           types.Side
	Levels         []types.DepthLevel
	DisconnectCode int16
}

// HasDepth reports whether the frame carries a side replacement
func (f Frame) HasDepth() bool {
	return f.Kind == KindDepth
}

// DecodeHeader parses the first HeaderSize bytes of buf
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedHeader, len(buf), HeaderSize)
	}

	h := Header{
		MessageLength:   int16(binary.BigEndian.Uint16(buf[0:2])),
		FeedCode:        int8(buf[2]),
		ExchangeSegment: int8(buf[3]),
		SecurityID:      int32(binary.BigEndian.Uint32(buf[4:8])),
	}
	copy(h.Reserved[:], buf[8:12])
	return h, nil
}

// Decode turns one packet into a Frame. It has no side effects; bytes past the
// packet's fixed size are ignored and messageLength is not checked.
func Decode(buf []byte) (Frame, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}

	frame := Frame{Header: h}

	switch h.FeedCode {
	case FeedCodeBid, FeedCodeAsk:
		if len(buf) < DepthPacketSize {
			return Frame{}, fmt.Errorf("%w: feed code %d has %d bytes, need %d",
				ErrTruncatedFrame, h.FeedCode, len(buf), DepthPacketSize)
		}
		frame.Kind = KindDepth
		frame.Side = types.Bid
		if h.FeedCode == FeedCodeAsk {
			frame.Side = types.Ask
		}
		frame.Levels = decodeLevels(buf[HeaderSize:DepthPacketSize])

	case FeedCodeDisconnect:
		if len(buf) < disconnectPacketSize {
			return Frame{}, fmt.Errorf("%w: disconnect packet has %d bytes, need %d",
				ErrTruncatedFrame, len(buf), disconnectPacketSize)
		}
		frame.Kind = KindDisconnect
		frame.DisconnectCode = int16(binary.BigEndian.Uint16(buf[HeaderSize:disconnectPacketSize]))

	default:
		frame.Kind = KindIgnored
	}

	return frame, nil
}

func decodeLevels(body []byte) []types.DepthLevel {
	levels := make([]types.DepthLevel, types.DepthLevels)
	for i := range levels {
		row := body[i*LevelSize : (i+1)*LevelSize]
		levels[i] = types.DepthLevel{
			Price:    math.Float64frombits(binary.BigEndian.Uint64(row[0:8])),
			Quantity: binary.BigEndian.Uint32(row[8:12]),
			Orders:   binary.BigEndian.Uint32(row[12:16]),
		}
	}
	return levels
}

// Split cuts one websocket message into the packets it carries. The feed may pack
// several packets back to back; a short or unknown tail is returned as the last
// element so Decode can report it.
func Split(buf []byte) [][]byte {
	var packets [][]byte
	for len(buf) > 0 {
		n := packetSize(buf)
		if n <= 0 || n > len(buf) {
			n = len(buf)
		}
		packets = append(packets, buf[:n])
		buf = buf[n:]
	}
	return packets
}

func packetSize(buf []byte) int {
	if len(buf) < HeaderSize {
		return len(buf)
	}
	switch int8(buf[2]) {
	case FeedCodeBid, FeedCodeAsk:
		return DepthPacketSize
	case FeedCodeDisconnect:
		return disconnectPacketSize
	}
	if l := int(int16(binary.BigEndian.Uint16(buf[0:2]))); l >= HeaderSize {
		return l
	}
	return len(buf)
}

// EncodeHeader writes h in wire layout
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, h)
	return buf
}

// EncodeDepth builds a depth packet. Exactly types.DepthLevels rows are written:
// missing levels are zero, extra levels are dropped. A zero MessageLength is
// filled in with DepthPacketSize.
func EncodeDepth(h Header, levels []types.DepthLevel) []byte {
	if h.MessageLength == 0 {
		h.MessageLength = DepthPacketSize
	}

	buf := make([]byte, DepthPacketSize)
	putHeader(buf, h)

	for i := 0; i < types.DepthLevels && i < len(levels); i++ {
		row := buf[HeaderSize+i*LevelSize:]
		binary.BigEndian.PutUint64(row[0:8], math.Float64bits(levels[i].Price))
		binary.BigEndian.PutUint32(row[8:12], levels[i].Quantity)
		binary.BigEndian.PutUint32(row[12:16], levels[i].Orders)
	}
	return buf
}

// EncodeDisconnect builds a feed-code-50 packet carrying reason code
func EncodeDisconnect(h Header, code int16) []byte {
	h.FeedCode = FeedCodeDisconnect
	if h.MessageLength == 0 {
		h.MessageLength = disconnectPacketSize
	}

	buf := make([]byte, disconnectPacketSize)
	putHeader(buf, h)
	binary.BigEndian.PutUint16(buf[HeaderSize:], uint16(code))
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.MessageLength))
	buf[2] = byte(h.FeedCode)
	buf[3] = byte(h.ExchangeSegment)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.SecurityID))
	copy(buf[8:12], h.Reserved[:])
}
