// Package wire implements the fixed-layout byte protocol connecting a
// channel processor to channel stubs: the 44-byte common header, the
// per-type message bodies, and the header validation rules a receive
// loop must apply before trusting anything else in a message.
//
// All fixed-width integers are written in network byte order; IEEE-754
// doubles carry their bit pattern in network byte order. Physical
// quantities use canonical units: nanoseconds for time, picowatts
// (watts x 10^12, rounded to integer) for linear power, hertz for
// frequency, meters for distance. Decibel values are informational
// and travel as doubles.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// HeaderSize is the fixed byte length of every wire message's header.
const HeaderSize = 44

// MaxMessageSize is the recommended upper bound on total_length.
const MaxMessageSize = 1 << 20 // 1 MiB

// MessageType enumerates the wire protocol's message kinds.
type MessageType uint32

const (
	DeviceRegister   MessageType = 100
	ConfigDelayModel MessageType = 101
	ConfigLossModel  MessageType = 102
	TxRequest        MessageType = 103
	DeviceRemove     MessageType = 104
	PositionUpdate   MessageType = 105

	RxNotification MessageType = 200
	TxStartNotify  MessageType = 201
	TxEndNotify    MessageType = 202
	ConfigAck      MessageType = 203
	ErrorNotify    MessageType = 204

	Heartbeat MessageType = 301
)

// String renders a MessageType for logs and trace records.
func (mt MessageType) String() string {
	switch mt {
	case DeviceRegister:
		return "DEVICE_REGISTER"
	case ConfigDelayModel:
		return "CONFIG_DELAY_MODEL"
	case ConfigLossModel:
		return "CONFIG_LOSS_MODEL"
	case TxRequest:
		return "TX_REQUEST"
	case DeviceRemove:
		return "DEVICE_REMOVE"
	case PositionUpdate:
		return "POSITION_UPDATE"
	case RxNotification:
		return "RX_NOTIFICATION"
	case TxStartNotify:
		return "TX_START_NOTIFY"
	case TxEndNotify:
		return "TX_END_NOTIFY"
	case ConfigAck:
		return "CONFIG_ACK"
	case ErrorNotify:
		return "ERROR_NOTIFY"
	case Heartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(mt))
	}
}

// KnownMessageType reports whether mt is one of the enumerated values.
func KnownMessageType(mt MessageType) bool {
	switch mt {
	case DeviceRegister, ConfigDelayModel, ConfigLossModel, TxRequest, DeviceRemove, PositionUpdate,
		RxNotification, TxStartNotify, TxEndNotify, ConfigAck, ErrorNotify, Heartbeat:
		return true
	default:
		return false
	}
}

// Header is the common 44-byte prefix of every wire message.
type Header struct {
	MessageType     MessageType
	TotalLength     uint32
	SourceRank      uint32
	DestinationRank uint32
	TimestampNS     uint64
	SequenceNumber  uint32
	DeviceID        uint32
	Reserved        uint32
	HeaderVersion   uint32
	BodyChecksum    uint32
}

// CurrentHeaderVersion is the only header_version this implementation emits.
const CurrentHeaderVersion = 1

// Encode writes the header's 44-byte wire representation.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.MessageType))
	binary.BigEndian.PutUint32(buf[4:8], h.TotalLength)
	binary.BigEndian.PutUint32(buf[8:12], h.SourceRank)
	binary.BigEndian.PutUint32(buf[12:16], h.DestinationRank)
	binary.BigEndian.PutUint64(buf[16:24], h.TimestampNS)
	binary.BigEndian.PutUint32(buf[24:28], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[28:32], h.DeviceID)
	binary.BigEndian.PutUint32(buf[32:36], h.Reserved)
	binary.BigEndian.PutUint32(buf[36:40], h.HeaderVersion)
	binary.BigEndian.PutUint32(buf[40:44], h.BodyChecksum)
	return buf
}

// DecodeHeader parses a 44-byte header from buf.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("wire: short header, got %d bytes want %d", len(buf), HeaderSize)
	}
	h := &Header{
		MessageType:     MessageType(binary.BigEndian.Uint32(buf[0:4])),
		TotalLength:     binary.BigEndian.Uint32(buf[4:8]),
		SourceRank:      binary.BigEndian.Uint32(buf[8:12]),
		DestinationRank: binary.BigEndian.Uint32(buf[12:16]),
		TimestampNS:     binary.BigEndian.Uint64(buf[16:24]),
		SequenceNumber:  binary.BigEndian.Uint32(buf[24:28]),
		DeviceID:        binary.BigEndian.Uint32(buf[28:32]),
		Reserved:        binary.BigEndian.Uint32(buf[32:36]),
		HeaderVersion:   binary.BigEndian.Uint32(buf[36:40]),
		BodyChecksum:    binary.BigEndian.Uint32(buf[40:44]),
	}
	return h, nil
}

// BodyChecksum computes the xor-fold of body's 32-bit words. A body
// whose length is not a multiple of 4 folds its trailing bytes as if
// zero-padded.
func BodyChecksum(body []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(body); i += 4 {
		sum ^= binary.BigEndian.Uint32(body[i : i+4])
	}
	if rem := len(body) % 4; rem != 0 {
		var tail [4]byte
		copy(tail[:], body[len(body)-rem:])
		sum ^= binary.BigEndian.Uint32(tail[:])
	}
	return sum
}

// putFloat64 and getFloat64 carry IEEE-754 doubles with their bit
// pattern written in network byte order.
func putFloat64(buf []byte, v float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
}

func getFloat64(buf []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf))
}

// WattsToPicowatts converts linear watts to the wire's picowatt integer
// encoding (watts x 10^12, rounded to the nearest integer), so that an
// exact power value survives the crossing between floating-point
// implementations.
func WattsToPicowatts(w float64) uint64 {
	if w <= 0 {
		return 0
	}
	return uint64(math.Round(w * 1e12))
}

// PicowattsToWatts converts the wire's picowatt integer encoding back
// to linear watts.
func PicowattsToWatts(pw uint64) float64 {
	return float64(pw) / 1e12
}
