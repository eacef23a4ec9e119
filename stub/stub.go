// Package stub implements the channel stub: the per-device-process
// object that presents the same operation surface as the in-process
// channel object (attach, send, loss/delay model configuration,
// position-change notification) so that existing radios attach to it
// transparently, while translating every call into wire messages
// addressed to the channel rank and delivering RX_NOTIFICATION results
// back into the local radios.
//
// The stub exclusively owns its radio-id <-> handle map; radios hold a
// strong reference to the stub as if it were the real channel, and the
// stub holds only the map entries back, so no reference cycle crosses
// the process boundary.
package stub

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"go.uber.org/zap"

	"github.com/iti/wifi-mpi-channel/chanerr"
	"github.com/iti/wifi-mpi-channel/fabric"
	"github.com/iti/wifi-mpi-channel/mrnes"
	"github.com/iti/wifi-mpi-channel/wire"
)

// DefaultRegistrationTimeout is the wall-clock window Attach waits for
// its CONFIG_ACK before failing loudly.
const DefaultRegistrationTimeout = time.Second

// DefaultPositionEpsilonM is the suppression distance for
// NotifyPositionChanged: updates that move a radio by no more than
// this are not sent, bounding message rate.
const DefaultPositionEpsilonM = 1.0

const registrationPollInterval = time.Millisecond

// Radio is the physical-layer identity and reception entry point a
// channel stub needs from each radio attached to it. Receive is
// invoked when a reception event is delivered.
type Radio interface {
	NodeID() uint32
	PhyIndex() uint32
	Position() (x, y, z float64)
	ChannelNumber() uint32
	ChannelWidthMHz() uint32
	PhyType() uint32
	Receive(rx Reception)
}

// Reception is what the stub hands to a radio's Receive entry point:
// the equivalent of what the monolithic in-process channel would have
// constructed directly.
type Reception struct {
	TransmitterDeviceID  uint32
	RxPowerW             float64
	RxPowerDBm           float64
	PathLossDB           float64
	DistanceM            float64
	PropagationDelayNS   uint64
	TxTimestampNS        uint64
	ReceptionTimestampNS uint64
	Payload              []byte
}

type pendingRegistration struct {
	radio Radio
	ack   chan *wire.ConfigAckBody
}

// Stub is the per-device-process channel stub. One instance serves one
// logical channel on a device rank.
type Stub struct {
	rank        uint32
	channelRank uint32
	fab         fabric.Adapter
	evtMgr      *evtm.EventManager

	logger *zap.Logger
	trace  *mrnes.TraceManager

	radios    map[uint32]Radio
	deviceIDs map[Radio]uint32
	pending   map[uint32]pendingRegistration

	seqTracker *wire.SequenceTracker
	outSeq     map[wire.MessageType]uint32

	lastSentPos map[uint32][3]float64
	posEpsilonM float64

	lossModel  *mrnes.ModelSpec
	delayModel *mrnes.ModelSpec

	registrationTimeout time.Duration

	fatal error
}

// New constructs a Stub bound to localRank, addressing channelRank over
// fab. It fails fast if localRank == channelRank; the channel rank
// hosts no radios.
func New(localRank, channelRank uint32, fab fabric.Adapter, evtMgr *evtm.EventManager, logger *zap.Logger, trace *mrnes.TraceManager) (*Stub, error) {
	if localRank == channelRank {
		return nil, fmt.Errorf("stub: New called with local_rank == channel_rank (%d)", localRank)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stub{
		rank:                localRank,
		channelRank:         channelRank,
		fab:                 fab,
		evtMgr:              evtMgr,
		logger:              logger.With(zap.Uint32("rank", localRank)),
		trace:               trace,
		radios:              make(map[uint32]Radio),
		deviceIDs:            make(map[Radio]uint32),
		pending:             make(map[uint32]pendingRegistration),
		seqTracker:          wire.NewSequenceTracker(),
		outSeq:              make(map[wire.MessageType]uint32),
		lastSentPos:         make(map[uint32][3]float64),
		posEpsilonM:         DefaultPositionEpsilonM,
		registrationTimeout: DefaultRegistrationTimeout,
	}, nil
}

// Fatal returns the fatal error that halted the stub, or nil if it is
// still healthy.
func (s *Stub) Fatal() error { return s.fatal }

// SetRegistrationTimeout overrides the default 1s wall-clock attach timeout.
func (s *Stub) SetRegistrationTimeout(d time.Duration) { s.registrationTimeout = d }

// SetPositionEpsilonM overrides the default 1m position-update suppression distance.
func (s *Stub) SetPositionEpsilonM(m float64) { s.posEpsilonM = m }

// Attach synchronously obtains a device id for radio: it gathers the
// radio's PHY, channel, node identity and position fields, emits DEVICE_REGISTER, and
// blocks (wall-clock) until the matching CONFIG_ACK arrives or the
// registration timeout elapses. Registration is mandatory for
// correctness; a timeout is reported, not silently retried.
func (s *Stub) Attach(radio Radio) (uint32, error) {
	seq := s.nextSeq(wire.DeviceRegister)
	x, y, z := radio.Position()
	body := &wire.DeviceRegisterBody{
		PhyID:           radio.PhyIndex(),
		PhyType:         radio.PhyType(),
		ChannelNumber:   radio.ChannelNumber(),
		ChannelWidthMHz: radio.ChannelWidthMHz(),
		NodeID:          radio.NodeID(),
		PosX:            x,
		PosY:            y,
		PosZ:            z,
	}

	ackCh := make(chan *wire.ConfigAckBody, 1)
	s.pending[seq] = pendingRegistration{radio: radio, ack: ackCh}

	if err := s.emit(wire.DeviceRegister, 0, seq, body.Encode(), fabric.TagRegister); err != nil {
		delete(s.pending, seq)
		return 0, chanerr.New(chanerr.FabricError, s.rank, "DEVICE_REGISTER", seq, err.Error())
	}

	deadline := time.Now().Add(s.registrationTimeout)
	for {
		s.fab.Drain(s.Deliver)
		select {
		case ack := <-ackCh:
			s.radios[ack.DeviceID] = radio
			s.deviceIDs[radio] = ack.DeviceID
			s.logger.Info("radio attached", zap.Uint32("device_id", ack.DeviceID))
			return ack.DeviceID, nil
		default:
		}
		if time.Now().After(deadline) {
			delete(s.pending, seq)
			return 0, chanerr.New(chanerr.RegistrationTimeout, s.rank, "DEVICE_REGISTER", seq,
				"no CONFIG_ACK within registration timeout")
		}
		time.Sleep(registrationPollInterval)
	}
}

// Detach deregisters radio and removes it from the local radio map.
func (s *Stub) Detach(radio Radio) error {
	deviceID, ok := s.deviceIDs[radio]
	if !ok {
		return nil
	}
	body := &wire.DeviceRemoveBody{DeviceID: deviceID}
	seq := s.nextSeq(wire.DeviceRemove)
	err := s.emit(wire.DeviceRemove, deviceID, seq, body.Encode(), fabric.TagRemove)
	delete(s.radios, deviceID)
	delete(s.deviceIDs, radio)
	delete(s.lastSentPos, deviceID)
	return err
}

// Send emits a TX_REQUEST on behalf of radio, carrying the current
// simulation time as its transmission timestamp. It never invokes
// propagation locally: in distributed mode the local channel object is
// a stub and performs no propagation itself.
func (s *Stub) Send(radio Radio, payload []byte, txPowerW float64, txVector []byte) error {
	deviceID, ok := s.deviceIDs[radio]
	if !ok {
		return fmt.Errorf("stub: send from a radio that has not completed Attach")
	}
	body := &wire.TxRequestBody{
		DeviceID:  deviceID,
		PhyID:     radio.PhyIndex(),
		TxPowerPW: wire.WattsToPicowatts(txPowerW),
		Payload:   payload,
		TxVector:  txVector,
	}
	seq := s.nextSeq(wire.TxRequest)
	return s.emit(wire.TxRequest, deviceID, seq, body.Encode(), fabric.TagTX)
}

// SetLossModel serializes spec's configuration and emits
// CONFIG_LOSS_MODEL. The spec is also kept locally so operations issued
// before the channel rank has acknowledged still produce consistent
// queries.
func (s *Stub) SetLossModel(spec *mrnes.ModelSpec) error {
	s.lossModel = spec
	return s.sendConfig(wire.ConfigLossModel, wire.ConfigLoss, spec)
}

// SetDelayModel is SetLossModel's CONFIG_DELAY_MODEL counterpart.
func (s *Stub) SetDelayModel(spec *mrnes.ModelSpec) error {
	s.delayModel = spec
	return s.sendConfig(wire.ConfigDelayModel, wire.ConfigDelay, spec)
}

func (s *Stub) sendConfig(msgType wire.MessageType, kind wire.ConfigKind, spec *mrnes.ModelSpec) error {
	body := &wire.ConfigModelBody{
		Kind:          kind,
		ModelTypeHash: spec.TypeHash,
		Params:        mrnes.EncodeAttrbParams(spec.Attrbs),
	}
	seq := s.nextSeq(msgType)
	return s.emit(msgType, 0, seq, body.Encode(), fabric.TagConfig)
}

// NotifyPositionChanged is called from a mobility-change hook. It emits
// POSITION_UPDATE unless the radio has not moved by more than
// posEpsilonM since the last update sent for it, bounding message rate.
func (s *Stub) NotifyPositionChanged(radio Radio, x, y, z float64) error {
	deviceID, ok := s.deviceIDs[radio]
	if !ok {
		return fmt.Errorf("stub: position update for a radio that has not completed Attach")
	}
	if last, seen := s.lastSentPos[deviceID]; seen {
		dx, dy, dz := x-last[0], y-last[1], z-last[2]
		if math.Sqrt(dx*dx+dy*dy+dz*dz) <= s.posEpsilonM {
			return nil
		}
	}
	s.lastSentPos[deviceID] = [3]float64{x, y, z}

	body := &wire.PositionUpdateBody{DeviceID: deviceID, PosX: x, PosY: y, PosZ: z}
	seq := s.nextSeq(wire.PositionUpdate)
	return s.emit(wire.PositionUpdate, deviceID, seq, body.Encode(), fabric.TagPosition)
}

// Heartbeat emits a HEARTBEAT, purely for liveness diagnostics; the
// receiving side observes it without any state change.
func (s *Stub) Heartbeat() error {
	seq := s.nextSeq(wire.Heartbeat)
	return s.emit(wire.Heartbeat, 0, seq, nil, fabric.TagHeartbeat)
}

// Poll drains every message currently available from the fabric and
// applies it. Call once per safe-time advance, the same cooperative
// contract the channel processor's Run follows.
func (s *Stub) Poll() error {
	if s.fatal != nil {
		return s.fatal
	}
	s.fab.Drain(s.Deliver)
	return s.fatal
}

// Shutdown forgets every attached radio and closes the fabric hook.
// Attach waits synchronously, so no registration is left pending.
func (s *Stub) Shutdown() error {
	s.radios = make(map[uint32]Radio)
	s.deviceIDs = make(map[Radio]uint32)
	return s.fab.Close()
}

// Deliver is the fabric.DrainCallback the stub's Adapter invokes once
// per message currently available, and is also the synchronous-wait
// loop's poll function during Attach.
func (s *Stub) Deliver(sourceRank uint32, tag fabric.Tag, bytes []byte) {
	if s.fatal != nil {
		return
	}
	h, err := wire.DecodeHeader(bytes)
	if err != nil {
		s.fail(chanerr.New(chanerr.ProtocolViolation, sourceRank, "HEADER", 0, err.Error()))
		return
	}

	opts := wire.ValidationOpts{FabricReportedSourceRank: sourceRank, SafeTimeNS: s.fab.BarrierTimeNS()}
	if verr := wire.ValidateHeader(h, opts); verr != nil {
		if errors.Is(verr, wire.ErrTimestampTolerance) {
			s.logger.Warn("stale timestamp", zap.String("type", h.MessageType.String()), zap.Error(verr))
		} else {
			s.fail(chanerr.New(chanerr.ProtocolViolation, sourceRank, h.MessageType.String(), h.SequenceNumber, verr.Error()))
			return
		}
	}

	if seqErr := s.seqTracker.Observe(sourceRank, h.MessageType, h.SequenceNumber); seqErr != nil {
		if errors.Is(seqErr, wire.ErrDuplicateSequence) {
			return
		}
		s.fail(chanerr.New(chanerr.ProtocolViolation, sourceRank, h.MessageType.String(), h.SequenceNumber, seqErr.Error()))
		return
	}

	body := bytes[wire.HeaderSize:]
	switch h.MessageType {
	case wire.RxNotification:
		s.handleRxNotification(h, body)
	case wire.ConfigAck:
		s.handleConfigAck(body)
	case wire.ErrorNotify:
		s.handleErrorNotify(body)
	}
}

func (s *Stub) handleRxNotification(h *wire.Header, body []byte) {
	b, err := wire.DecodeRxNotificationBody(body)
	if err != nil {
		s.logger.Warn("malformed RX_NOTIFICATION body", zap.Error(err))
		return
	}
	radio, present := s.radios[b.ReceiverDeviceID]
	if !present {
		s.logger.Warn("RX_NOTIFICATION for a device id not in the local radio map",
			zap.Uint32("device_id", b.ReceiverDeviceID))
		return
	}

	receptionTimestampNS := b.TxTimestampNS + b.PropagationDelayNS
	now := s.fab.BarrierTimeNS()
	rx := Reception{
		TransmitterDeviceID:  b.TransmitterDeviceID,
		RxPowerW:             wire.PicowattsToWatts(b.RxPowerPW),
		RxPowerDBm:           b.RxPowerDBm,
		PathLossDB:           b.PathLossDB,
		DistanceM:            b.DistanceM,
		PropagationDelayNS:   b.PropagationDelayNS,
		TxTimestampNS:        b.TxTimestampNS,
		ReceptionTimestampNS: receptionTimestampNS,
		Payload:              b.Payload,
	}

	switch {
	case receptionTimestampNS > now:
		delaySec := float64(receptionTimestampNS-now) / 1e9
		s.evtMgr.Schedule(radio, rx, deliverReception, vrtime.SecondsToTime(delaySec))
	case receptionTimestampNS == now:
		radio.Receive(rx)
	default:
		s.fail(chanerr.New(chanerr.CausalViolation, h.SourceRank, "RX_NOTIFICATION", h.SequenceNumber,
			fmt.Sprintf("reception_timestamp %d precedes current safe time %d", receptionTimestampNS, now)))
	}
}

// deliverReception is the evtm.EventHandlerFunction scheduled for
// delayed RX delivery; it is the mechanism by which the fallback/
// single-process harness and the host-scheduler-driven distributed
// case both ultimately call a radio's physical-layer entry point.
func deliverReception(evtMgr *evtm.EventManager, context any, data any) any {
	radio := context.(Radio)
	rx := data.(Reception)
	radio.Receive(rx)
	return nil
}

func (s *Stub) handleConfigAck(body []byte) {
	ack, err := wire.DecodeConfigAckBody(body)
	if err != nil {
		s.logger.Warn("malformed CONFIG_ACK body", zap.Error(err))
		return
	}
	if ack.DeviceID == 0 {
		// An ack for a CONFIG_LOSS_MODEL/CONFIG_DELAY_MODEL operation
		// (assigned device ids start at 1, so registration acks never
		// carry 0): nothing further to resolve, the local spec is
		// already applied. Sequence numbers are per message type, so
		// the echoed sequence alone cannot distinguish the two streams.
		return
	}
	pending, ok := s.pending[ack.EchoedSequence]
	if !ok {
		return
	}
	delete(s.pending, ack.EchoedSequence)
	pending.ack <- ack
}

func (s *Stub) handleErrorNotify(body []byte) {
	b, err := wire.DecodeErrorResponseBody(body)
	if err != nil {
		return
	}
	kind := chanerr.Kind(b.ErrorKind)
	s.logger.Warn("ERROR_NOTIFY from channel processor", zap.String("kind", kind.String()), zap.String("message", string(b.Message)))
}

func (s *Stub) emit(msgType wire.MessageType, deviceID, seq uint32, body []byte, tag fabric.Tag) error {
	h := wire.Header{
		MessageType:     msgType,
		SourceRank:      s.rank,
		DestinationRank: s.channelRank,
		TimestampNS:     s.fab.BarrierTimeNS(),
		SequenceNumber:  seq,
		DeviceID:        deviceID,
	}
	frame := wire.Encode(h, body)
	if err := s.fab.Send(s.channelRank, frame, tag); err != nil {
		return err
	}
	mrnes.AddWireTrace(s.trace, vrtime.SecondsToTime(float64(h.TimestampNS)/1e9), int(s.rank), int(s.channelRank),
		int(deviceID), int(seq), msgType.String(), "send")
	return nil
}

func (s *Stub) nextSeq(msgType wire.MessageType) uint32 {
	seq := s.outSeq[msgType] + 1
	s.outSeq[msgType] = seq
	return seq
}

func (s *Stub) fail(cerr *chanerr.ChannelError) {
	s.fatal = cerr
	s.logger.Error("fatal channel error", zap.String("kind", cerr.Kind.String()),
		zap.Uint32("source_rank", cerr.SourceRank), zap.String("type", cerr.MessageType),
		zap.Uint32("seq", cerr.ContextSequence), zap.String("detail", cerr.Msg))
}
