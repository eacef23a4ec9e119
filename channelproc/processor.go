// Package channelproc implements the channel processor: the long-lived
// service on the channel rank that drains the fabric's receive loop,
// applies messages to the device registry and the propagation engine,
// and emits RX_NOTIFICATION fan-out. At most one Processor exists per
// process, constructed once at bootstrap and passed by reference.
package channelproc

import (
	"errors"
	"fmt"
	"time"

	"github.com/iti/evt/vrtime"
	"go.uber.org/zap"

	"github.com/iti/wifi-mpi-channel/chanerr"
	"github.com/iti/wifi-mpi-channel/fabric"
	"github.com/iti/wifi-mpi-channel/mrnes"
	"github.com/iti/wifi-mpi-channel/propagation"
	"github.com/iti/wifi-mpi-channel/registry"
	"github.com/iti/wifi-mpi-channel/wire"
)

// Processor is the channel rank's service object: one instance owns the
// device registry exclusively.
type Processor struct {
	rank      uint32
	worldSize uint32

	fab    fabric.Adapter
	reg    *registry.Registry
	engine *propagation.Engine

	lossSpec  *mrnes.ModelSpec
	delaySpec *mrnes.ModelSpec

	seqTracker *wire.SequenceTracker
	outSeq     map[wire.MessageType]uint32

	logger  *zap.Logger
	trace   *mrnes.TraceManager
	summary *RunSummary
	metrics *Metrics

	lastHeartbeatNS map[uint32]uint64

	fatal error
}

// New constructs a Processor bound to the channel rank. It fails fast
// unless rank == channelRank; no other rank may host the registry.
func New(rank, channelRank, worldSize uint32, fab fabric.Adapter, receptionThresholdW float64, logger *zap.Logger, trace *mrnes.TraceManager) (*Processor, error) {
	if rank != channelRank {
		return nil, fmt.Errorf("channelproc: New called on rank %d, channel rank is %d", rank, channelRank)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		rank:            rank,
		worldSize:       worldSize,
		fab:             fab,
		reg:             registry.New(),
		engine:          propagation.New(receptionThresholdW),
		seqTracker:      wire.NewSequenceTracker(),
		outSeq:          make(map[wire.MessageType]uint32),
		logger:          logger.With(zap.Uint32("rank", rank)),
		trace:           trace,
		summary:         newRunSummary(),
		lastHeartbeatNS: make(map[uint32]uint64),
	}, nil
}

// Fatal returns the fatal error that halted the processor, or nil if it
// is still healthy. Callers should exit non-zero once this is non-nil.
func (p *Processor) Fatal() error { return p.fatal }

// SetMetrics attaches a Prometheus collector bundle. A nil-metrics
// processor records nothing, the same inhibition convention
// TraceManager.InUse follows.
func (p *Processor) SetMetrics(m *Metrics) { p.metrics = m }

// Summary returns the accumulated per-run drop and reception summary.
func (p *Processor) Summary() *RunSummary { return p.summary }

// LastHeartbeatNS returns the simulation timestamp of the last
// heartbeat observed from rank, for liveness diagnostics only; it never
// gates causality.
func (p *Processor) LastHeartbeatNS(rank uint32) (uint64, bool) {
	ns, present := p.lastHeartbeatNS[rank]
	return ns, present
}

// Run drains every message currently available on the fabric and
// applies it, stopping early if a fatal error has already been latched.
// The host scheduler calls it once per safe-time advance.
func (p *Processor) Run() error {
	if p.fatal != nil {
		return p.fatal
	}
	p.fab.Drain(p.Deliver)
	return p.fatal
}

// Shutdown flushes pending sends (a no-op here: every Send call is
// already non-blocking and complete by the time it returns), clears the
// registry, and releases the fabric hook.
func (p *Processor) Shutdown() error {
	p.reg = registry.New()
	return p.fab.Close()
}

// Deliver is the fabric.DrainCallback the channel processor's Adapter
// invokes once per message currently available.
func (p *Processor) Deliver(sourceRank uint32, tag fabric.Tag, bytes []byte) {
	if p.fatal != nil {
		return
	}

	h, err := wire.DecodeHeader(bytes)
	if err != nil {
		p.failFraming(sourceRank, "HEADER", 0, err)
		return
	}
	if p.metrics != nil {
		p.metrics.MessagesTotal.WithLabelValues(h.MessageType.String()).Inc()
	}

	opts := wire.ValidationOpts{FabricReportedSourceRank: sourceRank, SafeTimeNS: p.fab.BarrierTimeNS()}
	if verr := wire.ValidateHeader(h, opts); verr != nil {
		if errors.Is(verr, wire.ErrTimestampTolerance) {
			p.logger.Warn("stale timestamp", zap.Uint32("source_rank", sourceRank),
				zap.String("type", h.MessageType.String()), zap.Error(verr))
		} else {
			p.failFraming(sourceRank, h.MessageType.String(), h.SequenceNumber, verr)
			return
		}
	}

	if seqErr := p.seqTracker.Observe(sourceRank, h.MessageType, h.SequenceNumber); seqErr != nil {
		if errors.Is(seqErr, wire.ErrDuplicateSequence) {
			// A replayed sequence number is detected and dropped, not
			// treated as a regression.
			p.recordDrop(chanerr.ProtocolViolation, h.MessageType)
			p.logger.Debug("duplicate sequence dropped", zap.Uint32("source_rank", sourceRank),
				zap.String("type", h.MessageType.String()), zap.Uint32("seq", h.SequenceNumber))
			return
		}
		p.failFraming(sourceRank, h.MessageType.String(), h.SequenceNumber, seqErr)
		return
	}

	body := bytes[wire.HeaderSize:]

	switch h.MessageType {
	case wire.DeviceRegister:
		p.handleDeviceRegister(sourceRank, h, body)
	case wire.DeviceRemove:
		p.handleDeviceRemove(sourceRank, h, body)
	case wire.PositionUpdate:
		p.handlePositionUpdate(sourceRank, h, body)
	case wire.ConfigLossModel, wire.ConfigDelayModel:
		p.handleConfigModel(sourceRank, h, body)
	case wire.TxRequest:
		p.handleTxRequest(sourceRank, h, body)
	case wire.Heartbeat:
		p.handleHeartbeat(sourceRank, h)
	default:
		// Known types with no handler on this side (the channel-to-device
		// notifications and acks) are dropped as protocol violations.
		p.recordDrop(chanerr.ProtocolViolation, h.MessageType)
	}
}

func (p *Processor) handleDeviceRegister(sourceRank uint32, h *wire.Header, body []byte) {
	b, err := wire.DecodeDeviceRegisterBody(body)
	if err != nil {
		p.recordDrop(chanerr.ProtocolViolation, wire.DeviceRegister)
		p.logger.Warn("malformed DEVICE_REGISTER body", zap.Uint32("source_rank", sourceRank), zap.Error(err))
		return
	}
	nowNS := p.fab.BarrierTimeNS()
	id := p.reg.Register(sourceRank, b.NodeID, b.PhyID, b.PosX, b.PosY, b.PosZ, 0, frequenciesOf(b), nowNS)

	mrnes.AddRegistryTrace(p.trace, vrtimeOf(nowNS), int(id), int(sourceRank), "register")
	p.logger.Info("device registered", zap.Uint32("device_id", id), zap.Uint32("source_rank", sourceRank),
		zap.Uint32("node_id", b.NodeID), zap.Uint32("phy_id", b.PhyID))

	ack := &wire.ConfigAckBody{DeviceID: id, EchoedSequence: h.SequenceNumber}
	p.send(sourceRank, wire.ConfigAck, id, ack.Encode(), fabric.TagAck)
}

func (p *Processor) handleDeviceRemove(sourceRank uint32, h *wire.Header, body []byte) {
	b, err := wire.DecodeDeviceRemoveBody(body)
	if err != nil {
		p.recordDrop(chanerr.ProtocolViolation, wire.DeviceRemove)
		return
	}
	p.reg.Deregister(b.DeviceID)
	mrnes.AddRegistryTrace(p.trace, vrtimeOf(p.fab.BarrierTimeNS()), int(b.DeviceID), int(sourceRank), "deregister")
	p.logger.Info("device deregistered", zap.Uint32("device_id", b.DeviceID), zap.Uint32("source_rank", sourceRank))
}

func (p *Processor) handlePositionUpdate(sourceRank uint32, h *wire.Header, body []byte) {
	b, err := wire.DecodePositionUpdateBody(body)
	if err != nil {
		p.recordDrop(chanerr.ProtocolViolation, wire.PositionUpdate)
		return
	}
	if err := p.reg.ValidateOwnership(b.DeviceID, sourceRank); err != nil {
		p.recordDrop(chanerr.UnknownDevice, wire.PositionUpdate)
		p.sendError(sourceRank, chanerr.UnknownDevice, h.SequenceNumber, err.Error())
		return
	}
	applied := p.reg.UpdatePosition(b.DeviceID, b.PosX, b.PosY, b.PosZ, h.TimestampNS)
	op := "position"
	if !applied {
		op = "reject"
	}
	mrnes.AddRegistryTrace(p.trace, vrtimeOf(h.TimestampNS), int(b.DeviceID), int(sourceRank), op)
}

func (p *Processor) handleConfigModel(sourceRank uint32, h *wire.Header, body []byte) {
	b, err := wire.DecodeConfigModelBody(body)
	if err != nil {
		p.recordDrop(chanerr.ProtocolViolation, h.MessageType)
		return
	}
	spec := &mrnes.ModelSpec{
		Kind:     mrnes.ModelKind(b.Kind),
		TypeHash: b.ModelTypeHash,
		Attrbs:   mrnes.ParseAttrbParams(b.Params),
	}
	switch b.Kind {
	case wire.ConfigLoss:
		p.lossSpec = spec
		p.engine.LossModel = newConfiguredLossModel(spec)
	case wire.ConfigDelay:
		p.delaySpec = spec
		p.engine.DelayModel = newConfiguredDelayModel(spec)
	}
	p.logger.Info("propagation model configured", zap.Uint32("source_rank", sourceRank),
		zap.String("type", h.MessageType.String()), zap.Uint32("type_hash", b.ModelTypeHash))

	ack := &wire.ConfigAckBody{DeviceID: 0, EchoedSequence: h.SequenceNumber}
	p.send(sourceRank, wire.ConfigAck, 0, ack.Encode(), fabric.TagAck)
}

func (p *Processor) handleTxRequest(sourceRank uint32, h *wire.Header, body []byte) {
	b, err := wire.DecodeTxRequestBody(body)
	if err != nil {
		p.recordDrop(chanerr.ProtocolViolation, wire.TxRequest)
		return
	}
	if err := p.reg.ValidateOwnership(b.DeviceID, sourceRank); err != nil {
		// Transmitter unknown: the engine is not invoked; the TX is
		// dropped here with a log.
		p.recordDrop(chanerr.UnknownDevice, wire.TxRequest)
		p.logger.Warn("TX_REQUEST from unregistered transmitter dropped", zap.Uint32("source_rank", sourceRank),
			zap.Uint32("device_id", b.DeviceID), zap.Error(err))
		p.sendError(sourceRank, chanerr.UnknownDevice, h.SequenceNumber, err.Error())
		return
	}

	// The wire's TX_REQUEST body carries no frequency field; the
	// transmitter's carrier frequency is the one it registered with.
	transmitter, _ := p.reg.Get(b.DeviceID)
	var freqHz uint32
	if len(transmitter.Frequencies) > 0 {
		freqHz = transmitter.Frequencies[0]
	}

	desc := propagation.TransmissionDescriptor{
		TransmitterDeviceID: b.DeviceID,
		TxPowerW:            wire.PicowattsToWatts(b.TxPowerPW),
		FrequencyHz:         freqHz,
		Payload:             b.Payload,
		TxVector:            b.TxVector,
		TxTimestampNS:       h.TimestampNS,
		SequenceNumber:      h.SequenceNumber,
	}

	observer := func(candidateID uint32, gated bool, reason string, rxPowerW, pathLossDB, distanceM float64, delayNS uint64) {
		mrnes.AddPropagationTrace(p.trace, vrtimeOf(h.TimestampNS), int(b.DeviceID), int(candidateID),
			rxPowerW, pathLossDB, distanceM, int64(delayNS), gated, reason)
	}

	evalStart := time.Now()
	receptions, err := p.engine.Evaluate(p.reg, desc, observer)
	if p.metrics != nil {
		p.metrics.EvalDuration.Observe(time.Since(evalStart).Seconds())
	}
	if err != nil {
		p.recordDrop(chanerr.ModelError, wire.TxRequest)
		p.logger.Warn("propagation engine evaluation failed", zap.Uint32("transmitter", b.DeviceID), zap.Error(err))
		return
	}

	for _, rx := range receptions {
		rxBody := &wire.RxNotificationBody{
			ReceiverDeviceID:    rx.TargetDeviceID,
			TransmitterDeviceID: b.DeviceID,
			PhyID:               b.PhyID,
			RxPowerPW:           wire.WattsToPicowatts(rx.RxPowerW),
			RxPowerDBm:          propagation.WattsToDBm(rx.RxPowerW),
			PathLossDB:          rx.PathLossDB,
			DistanceM:           rx.DistanceM,
			FrequencyHz:         desc.FrequencyHz,
			PropagationDelayNS:  rx.PropagationDelayNS,
			TxTimestampNS:       desc.TxTimestampNS,
			Payload:             rx.Payload,
		}
		p.sendTo(rx.TargetRank, wire.RxNotification, rx.TargetDeviceID, rxBody.Encode())
		p.summary.RecordReception(rxBody.RxPowerDBm, rx.PropagationDelayNS)
		if p.metrics != nil {
			p.metrics.RXEmittedTotal.Inc()
		}
	}
}

func (p *Processor) handleHeartbeat(sourceRank uint32, h *wire.Header) {
	p.lastHeartbeatNS[sourceRank] = h.TimestampNS
	if p.metrics != nil {
		p.metrics.LastHeartbeat.WithLabelValues(fmt.Sprintf("%d", sourceRank)).Set(float64(h.TimestampNS) / 1e9)
	}
}

// send addresses an outbound message to targetRank using the processor's
// own per-(channel rank, msgType) outbound sequence counter.
func (p *Processor) send(targetRank uint32, msgType wire.MessageType, deviceID uint32, body []byte, tag fabric.Tag) {
	p.sendWithTag(targetRank, msgType, deviceID, body, tag)
}

func (p *Processor) sendTo(targetRank uint32, msgType wire.MessageType, deviceID uint32, body []byte) {
	p.sendWithTag(targetRank, msgType, deviceID, body, fabric.TagRX)
}

func (p *Processor) sendWithTag(targetRank uint32, msgType wire.MessageType, deviceID uint32, body []byte, tag fabric.Tag) {
	seq := p.outSeq[msgType] + 1
	p.outSeq[msgType] = seq

	h := wire.Header{
		MessageType:     msgType,
		SourceRank:      p.rank,
		DestinationRank: targetRank,
		TimestampNS:     p.fab.BarrierTimeNS(),
		SequenceNumber:  seq,
		DeviceID:        deviceID,
	}
	frame := wire.Encode(h, body)

	// A failed fabric send is fatal.
	if err := p.fab.Send(targetRank, frame, tag); err != nil {
		p.fail(chanerr.New(chanerr.FabricError, p.rank, msgType.String(), seq, err.Error()))
		return
	}
	mrnes.AddWireTrace(p.trace, vrtimeOf(h.TimestampNS), int(p.rank), int(targetRank), int(deviceID), int(seq), msgType.String(), "send")
}

func (p *Processor) sendError(targetRank uint32, kind chanerr.Kind, contextSeq uint32, msg string) {
	b := &wire.ErrorResponseBody{ErrorKind: uint32(kind), ContextSequence: contextSeq, Message: []byte(msg)}
	p.send(targetRank, wire.ErrorNotify, 0, b.Encode(), fabric.TagError)
}

func (p *Processor) recordDrop(kind chanerr.Kind, msgType wire.MessageType) {
	p.summary.Record(kind, msgType)
	if p.metrics != nil {
		p.metrics.DropsTotal.WithLabelValues(kind.String()).Inc()
	}
}

// failFraming latches a fatal PROTOCOL_VIOLATION: framing-level header
// validation failures and sequence regressions are fatal.
func (p *Processor) failFraming(sourceRank uint32, msgType string, seq uint32, err error) {
	p.fail(chanerr.New(chanerr.ProtocolViolation, sourceRank, msgType, seq, err.Error()))
}

func (p *Processor) fail(cerr *chanerr.ChannelError) {
	p.fatal = cerr
	p.logger.Error("fatal channel error", zap.String("kind", cerr.Kind.String()),
		zap.Uint32("source_rank", cerr.SourceRank), zap.String("type", cerr.MessageType),
		zap.Uint32("seq", cerr.ContextSequence), zap.String("detail", cerr.Msg))
}

func frequenciesOf(b *wire.DeviceRegisterBody) []uint32 {
	freq := mrnes.ChannelNumberToFreqHz(b.ChannelNumber)
	if freq == 0 {
		return nil
	}
	return []uint32{freq}
}


func vrtimeOf(ns uint64) vrtime.Time {
	return vrtime.SecondsToTime(float64(ns) / 1e9)
}
