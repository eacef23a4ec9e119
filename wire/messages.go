package wire

import (
	"encoding/binary"
	"fmt"
)

// TxRequestBody is the TX_REQUEST body (device rank → channel rank):
// device_id, phy_id, tx_power_pw, payload, tx_vector.
type TxRequestBody struct {
	DeviceID  uint32
	PhyID     uint32
	TxPowerPW uint64
	Payload   []byte
	TxVector  []byte
}

// Size returns the encoded length of the body.
func (b *TxRequestBody) Size() int {
	return 4 + 4 + 8 + 4 + 4 + len(b.Payload) + len(b.TxVector)
}

// Encode serializes the body to its wire representation.
func (b *TxRequestBody) Encode() []byte {
	buf := make([]byte, b.Size())
	binary.BigEndian.PutUint32(buf[0:4], b.DeviceID)
	binary.BigEndian.PutUint32(buf[4:8], b.PhyID)
	binary.BigEndian.PutUint64(buf[8:16], b.TxPowerPW)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(b.Payload)))
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(b.TxVector)))
	off := 24
	off += copy(buf[off:], b.Payload)
	copy(buf[off:], b.TxVector)
	return buf
}

// DecodeTxRequestBody parses a TX_REQUEST body.
func DecodeTxRequestBody(buf []byte) (*TxRequestBody, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("wire: TX_REQUEST body too short: %d bytes", len(buf))
	}
	b := &TxRequestBody{
		DeviceID:  binary.BigEndian.Uint32(buf[0:4]),
		PhyID:     binary.BigEndian.Uint32(buf[4:8]),
		TxPowerPW: binary.BigEndian.Uint64(buf[8:16]),
	}
	payloadLen := binary.BigEndian.Uint32(buf[16:20])
	vecLen := binary.BigEndian.Uint32(buf[20:24])
	want := 24 + int(payloadLen) + int(vecLen)
	if len(buf) < want {
		return nil, fmt.Errorf("wire: TX_REQUEST body truncated: have %d want %d", len(buf), want)
	}
	b.Payload = append([]byte(nil), buf[24:24+payloadLen]...)
	b.TxVector = append([]byte(nil), buf[24+payloadLen:want]...)
	return b, nil
}

// RxNotificationBody is the RX_NOTIFICATION body (channel rank → device rank).
type RxNotificationBody struct {
	ReceiverDeviceID    uint32
	TransmitterDeviceID uint32
	PhyID               uint32
	RxPowerPW           uint64
	RxPowerDBm          float64
	PathLossDB          float64
	DistanceM           float64
	FrequencyHz         uint32
	PropagationDelayNS  uint64
	TxTimestampNS       uint64
	Payload             []byte
}

func (b *RxNotificationBody) Size() int {
	return 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 8 + 4 + 8 + len(b.Payload)
}

func (b *RxNotificationBody) Encode() []byte {
	buf := make([]byte, b.Size())
	binary.BigEndian.PutUint32(buf[0:4], b.ReceiverDeviceID)
	binary.BigEndian.PutUint32(buf[4:8], b.TransmitterDeviceID)
	binary.BigEndian.PutUint32(buf[8:12], b.PhyID)
	binary.BigEndian.PutUint64(buf[12:20], b.RxPowerPW)
	putFloat64(buf[20:28], b.RxPowerDBm)
	putFloat64(buf[28:36], b.PathLossDB)
	putFloat64(buf[36:44], b.DistanceM)
	binary.BigEndian.PutUint32(buf[44:48], b.FrequencyHz)
	binary.BigEndian.PutUint64(buf[48:56], b.PropagationDelayNS)
	binary.BigEndian.PutUint32(buf[56:60], uint32(len(b.Payload)))
	binary.BigEndian.PutUint64(buf[60:68], b.TxTimestampNS)
	copy(buf[68:], b.Payload)
	return buf
}

// DecodeRxNotificationBody parses an RX_NOTIFICATION body.
func DecodeRxNotificationBody(buf []byte) (*RxNotificationBody, error) {
	if len(buf) < 68 {
		return nil, fmt.Errorf("wire: RX_NOTIFICATION body too short: %d bytes", len(buf))
	}
	b := &RxNotificationBody{
		ReceiverDeviceID:    binary.BigEndian.Uint32(buf[0:4]),
		TransmitterDeviceID: binary.BigEndian.Uint32(buf[4:8]),
		PhyID:               binary.BigEndian.Uint32(buf[8:12]),
		RxPowerPW:           binary.BigEndian.Uint64(buf[12:20]),
		RxPowerDBm:          getFloat64(buf[20:28]),
		PathLossDB:          getFloat64(buf[28:36]),
		DistanceM:           getFloat64(buf[36:44]),
		FrequencyHz:         binary.BigEndian.Uint32(buf[44:48]),
		PropagationDelayNS:  binary.BigEndian.Uint64(buf[48:56]),
	}
	payloadLen := binary.BigEndian.Uint32(buf[56:60])
	b.TxTimestampNS = binary.BigEndian.Uint64(buf[60:68])
	want := 68 + int(payloadLen)
	if len(buf) < want {
		return nil, fmt.Errorf("wire: RX_NOTIFICATION body truncated: have %d want %d", len(buf), want)
	}
	b.Payload = append([]byte(nil), buf[68:want]...)
	return b, nil
}

// DeviceRegisterBody is the DEVICE_REGISTER body (device rank → channel rank).
type DeviceRegisterBody struct {
	PhyID           uint32
	PhyType         uint32
	ChannelNumber   uint32
	ChannelWidthMHz uint32
	NodeID          uint32
	PosX, PosY, PosZ float64
}

func (b *DeviceRegisterBody) Size() int { return 4*5 + 8*3 }

func (b *DeviceRegisterBody) Encode() []byte {
	buf := make([]byte, b.Size())
	binary.BigEndian.PutUint32(buf[0:4], b.PhyID)
	binary.BigEndian.PutUint32(buf[4:8], b.PhyType)
	binary.BigEndian.PutUint32(buf[8:12], b.ChannelNumber)
	binary.BigEndian.PutUint32(buf[12:16], b.ChannelWidthMHz)
	binary.BigEndian.PutUint32(buf[16:20], b.NodeID)
	putFloat64(buf[20:28], b.PosX)
	putFloat64(buf[28:36], b.PosY)
	putFloat64(buf[36:44], b.PosZ)
	return buf
}

// DecodeDeviceRegisterBody parses a DEVICE_REGISTER body.
func DecodeDeviceRegisterBody(buf []byte) (*DeviceRegisterBody, error) {
	if len(buf) < 44 {
		return nil, fmt.Errorf("wire: DEVICE_REGISTER body too short: %d bytes", len(buf))
	}
	return &DeviceRegisterBody{
		PhyID:           binary.BigEndian.Uint32(buf[0:4]),
		PhyType:         binary.BigEndian.Uint32(buf[4:8]),
		ChannelNumber:   binary.BigEndian.Uint32(buf[8:12]),
		ChannelWidthMHz: binary.BigEndian.Uint32(buf[12:16]),
		NodeID:          binary.BigEndian.Uint32(buf[16:20]),
		PosX:            getFloat64(buf[20:28]),
		PosY:            getFloat64(buf[28:36]),
		PosZ:            getFloat64(buf[36:44]),
	}, nil
}

// PositionUpdateBody is the POSITION_UPDATE body.
type PositionUpdateBody struct {
	DeviceID               uint32
	PosX, PosY, PosZ       float64
	Velocity, Heading      float64
}

func (b *PositionUpdateBody) Size() int { return 4 + 8*5 }

func (b *PositionUpdateBody) Encode() []byte {
	buf := make([]byte, b.Size())
	binary.BigEndian.PutUint32(buf[0:4], b.DeviceID)
	putFloat64(buf[4:12], b.PosX)
	putFloat64(buf[12:20], b.PosY)
	putFloat64(buf[20:28], b.PosZ)
	putFloat64(buf[28:36], b.Velocity)
	putFloat64(buf[36:44], b.Heading)
	return buf
}

// DecodePositionUpdateBody parses a POSITION_UPDATE body.
func DecodePositionUpdateBody(buf []byte) (*PositionUpdateBody, error) {
	if len(buf) < 44 {
		return nil, fmt.Errorf("wire: POSITION_UPDATE body too short: %d bytes", len(buf))
	}
	return &PositionUpdateBody{
		DeviceID: binary.BigEndian.Uint32(buf[0:4]),
		PosX:     getFloat64(buf[4:12]),
		PosY:     getFloat64(buf[12:20]),
		PosZ:     getFloat64(buf[20:28]),
		Velocity: getFloat64(buf[28:36]),
		Heading:  getFloat64(buf[36:44]),
	}, nil
}

// ConfigKind distinguishes CONFIG_DELAY_MODEL from CONFIG_LOSS_MODEL
// bodies sharing one layout.
type ConfigKind uint32

const (
	ConfigDelay ConfigKind = 0
	ConfigLoss  ConfigKind = 1
)

// ConfigModelBody is the CONFIG_DELAY_MODEL / CONFIG_LOSS_MODEL body.
// Params is opaque to the core; only the selected model interprets it.
type ConfigModelBody struct {
	Kind         ConfigKind
	ModelTypeHash uint32
	Params       []byte
}

func (b *ConfigModelBody) Size() int { return 4 + 4 + 4 + len(b.Params) }

func (b *ConfigModelBody) Encode() []byte {
	buf := make([]byte, b.Size())
	binary.BigEndian.PutUint32(buf[0:4], uint32(b.Kind))
	binary.BigEndian.PutUint32(buf[4:8], b.ModelTypeHash)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(b.Params)))
	copy(buf[12:], b.Params)
	return buf
}

// DecodeConfigModelBody parses a CONFIG_DELAY_MODEL / CONFIG_LOSS_MODEL body.
func DecodeConfigModelBody(buf []byte) (*ConfigModelBody, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("wire: CONFIG body too short: %d bytes", len(buf))
	}
	b := &ConfigModelBody{
		Kind:          ConfigKind(binary.BigEndian.Uint32(buf[0:4])),
		ModelTypeHash: binary.BigEndian.Uint32(buf[4:8]),
	}
	paramsLen := binary.BigEndian.Uint32(buf[8:12])
	want := 12 + int(paramsLen)
	if len(buf) < want {
		return nil, fmt.Errorf("wire: CONFIG body truncated: have %d want %d", len(buf), want)
	}
	b.Params = append([]byte(nil), buf[12:want]...)
	return b, nil
}

// ErrorResponseBody is the ERROR_NOTIFY body.
type ErrorResponseBody struct {
	ErrorKind       uint32
	ContextSequence uint32
	Message         []byte
}

func (b *ErrorResponseBody) Size() int { return 4 + 4 + 4 + len(b.Message) }

func (b *ErrorResponseBody) Encode() []byte {
	buf := make([]byte, b.Size())
	binary.BigEndian.PutUint32(buf[0:4], b.ErrorKind)
	binary.BigEndian.PutUint32(buf[4:8], b.ContextSequence)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(b.Message)))
	copy(buf[12:], b.Message)
	return buf
}

// DecodeErrorResponseBody parses an ERROR_NOTIFY body.
func DecodeErrorResponseBody(buf []byte) (*ErrorResponseBody, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("wire: ERROR_NOTIFY body too short: %d bytes", len(buf))
	}
	b := &ErrorResponseBody{
		ErrorKind:       binary.BigEndian.Uint32(buf[0:4]),
		ContextSequence: binary.BigEndian.Uint32(buf[4:8]),
	}
	msgLen := binary.BigEndian.Uint32(buf[8:12])
	want := 12 + int(msgLen)
	if len(buf) < want {
		return nil, fmt.Errorf("wire: ERROR_NOTIFY body truncated: have %d want %d", len(buf), want)
	}
	b.Message = append([]byte(nil), buf[12:want]...)
	return b, nil
}

// ConfigAckBody is the CONFIG_ACK body: it carries the assigned device
// id for a DEVICE_REGISTER ack and echoes the originating sequence
// number for any acked operation.
type ConfigAckBody struct {
	DeviceID        uint32
	EchoedSequence  uint32
}

func (b *ConfigAckBody) Size() int { return 8 }

func (b *ConfigAckBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], b.DeviceID)
	binary.BigEndian.PutUint32(buf[4:8], b.EchoedSequence)
	return buf
}

// DecodeConfigAckBody parses a CONFIG_ACK body.
func DecodeConfigAckBody(buf []byte) (*ConfigAckBody, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("wire: CONFIG_ACK body too short: %d bytes", len(buf))
	}
	return &ConfigAckBody{
		DeviceID:      binary.BigEndian.Uint32(buf[0:4]),
		EchoedSequence: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// DeviceRemoveBody is the DEVICE_REMOVE body: just the id to remove.
type DeviceRemoveBody struct {
	DeviceID uint32
}

func (b *DeviceRemoveBody) Size() int { return 4 }

func (b *DeviceRemoveBody) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf[0:4], b.DeviceID)
	return buf
}

// DecodeDeviceRemoveBody parses a DEVICE_REMOVE body.
func DecodeDeviceRemoveBody(buf []byte) (*DeviceRemoveBody, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("wire: DEVICE_REMOVE body too short: %d bytes", len(buf))
	}
	return &DeviceRemoveBody{DeviceID: binary.BigEndian.Uint32(buf[0:4])}, nil
}

// Encode assembles a complete wire message (header + body) given a
// message type and an already-encoded body, filling in total_length
// and body_checksum.
func Encode(h Header, body []byte) []byte {
	h.TotalLength = uint32(HeaderSize + len(body))
	h.BodyChecksum = BodyChecksum(body)
	h.HeaderVersion = CurrentHeaderVersion
	out := make([]byte, 0, h.TotalLength)
	out = append(out, h.Encode()...)
	out = append(out, body...)
	return out
}
