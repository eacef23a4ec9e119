package channelproc_test

// End-to-end exercises of the channel processor against real channel
// stubs over a loopback fabric hub: one process, real wire encoding,
// real receive loops on both sides.

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/iti/evt/evtm"

	"github.com/iti/wifi-mpi-channel/chanerr"
	"github.com/iti/wifi-mpi-channel/channelproc"
	"github.com/iti/wifi-mpi-channel/fabric"
	"github.com/iti/wifi-mpi-channel/mrnes"
	"github.com/iti/wifi-mpi-channel/propagation"
	"github.com/iti/wifi-mpi-channel/stub"
	"github.com/iti/wifi-mpi-channel/wire"
)

type testRadio struct {
	nodeID  uint32
	phyIdx  uint32
	channel uint32
	x, y, z float64

	got []stub.Reception
}

func (r *testRadio) NodeID() uint32              { return r.nodeID }
func (r *testRadio) PhyIndex() uint32            { return r.phyIdx }
func (r *testRadio) Position() (x, y, z float64) { return r.x, r.y, r.z }
func (r *testRadio) ChannelNumber() uint32       { return r.channel }
func (r *testRadio) ChannelWidthMHz() uint32     { return 20 }
func (r *testRadio) PhyType() uint32             { return 0 }
func (r *testRadio) Receive(rx stub.Reception)   { r.got = append(r.got, rx) }

type harness struct {
	proc     *channelproc.Processor
	stub     *stub.Stub
	procFab  *fabric.LoopbackFabric
	stubFab  *fabric.LoopbackFabric
	adapters []*fabric.LoopbackFabric
}

func newHarness(t *testing.T, thresholdW float64) *harness {
	t.Helper()
	adapters := fabric.NewHub(2)

	trace := mrnes.CreateTraceManager("test", false)
	proc, err := channelproc.New(0, 0, 2, adapters[0], thresholdW, nil, trace)
	if err != nil {
		t.Fatalf("channelproc.New: %v", err)
	}
	st, err := stub.New(1, 0, adapters[1], evtm.New(), nil, trace)
	if err != nil {
		t.Fatalf("stub.New: %v", err)
	}
	return &harness{proc: proc, stub: st, procFab: adapters[0], stubFab: adapters[1], adapters: adapters}
}

// pump runs the processor's receive loop in the background so that a
// stub's synchronous Attach can complete; the returned stop function
// waits for the pump goroutine to exit before the test continues
// driving the processor itself.
func (h *harness) pump() (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				h.proc.Run()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	return func() { close(done); wg.Wait() }
}

func (h *harness) attach(t *testing.T, r *testRadio) uint32 {
	t.Helper()
	stop := h.pump()
	defer stop()
	id, err := h.stub.Attach(r)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return id
}

// drainRawRX pulls everything waiting on the stub's rank and decodes
// the RX_NOTIFICATION frames in arrival order, for wire-level
// assertions the stub's delivery path would otherwise hide.
func (h *harness) drainRawRX(t *testing.T) []*wire.RxNotificationBody {
	t.Helper()
	var out []*wire.RxNotificationBody
	h.stubFab.Drain(func(sourceRank uint32, tag fabric.Tag, bytes []byte) {
		hd, err := wire.DecodeHeader(bytes)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if hd.MessageType != wire.RxNotification {
			return
		}
		b, err := wire.DecodeRxNotificationBody(bytes[wire.HeaderSize:])
		if err != nil {
			t.Fatalf("DecodeRxNotificationBody: %v", err)
		}
		out = append(out, b)
	})
	return out
}

func TestSingleReceiverFreeSpaceEndToEnd(t *testing.T) {
	h := newHarness(t, 1e-15)

	tx := &testRadio{nodeID: 1, channel: 1, x: 0, y: 0, z: 0}
	rx := &testRadio{nodeID: 2, channel: 1, x: 10, y: 0, z: 0}
	txID := h.attach(t, tx)
	h.attach(t, rx)

	if err := h.stub.Send(tx, []byte("frame"), propagation.DBmToWatts(20), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := h.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	notes := h.drainRawRX(t)
	if len(notes) != 1 {
		t.Fatalf("expected exactly 1 RX_NOTIFICATION, got %d", len(notes))
	}
	n := notes[0]
	if n.TransmitterDeviceID != txID {
		t.Fatalf("transmitter id = %d, want %d", n.TransmitterDeviceID, txID)
	}
	if n.DistanceM != 10.0 {
		t.Fatalf("distance_m = %v, want 10.0", n.DistanceM)
	}
	if n.PropagationDelayNS != 33 {
		t.Fatalf("propagation_delay_ns = %d, want 33", n.PropagationDelayNS)
	}
	// Channel 1 is 2412 MHz; free-space loss at 10 m is within a tenth
	// of a dB of the 60.05 the 2.4 GHz nominal frequency gives.
	if math.Abs(n.PathLossDB-60.05) > 0.1 {
		t.Fatalf("path_loss_db = %v, want about 60.05", n.PathLossDB)
	}
	wantDBm := 20 - n.PathLossDB
	if math.Abs(n.RxPowerDBm-wantDBm) > 1e-9 {
		t.Fatalf("rx_power_dbm = %v, want %v", n.RxPowerDBm, wantDBm)
	}
	wantPW := wire.WattsToPicowatts(propagation.DBmToWatts(n.RxPowerDBm))
	if diff := int64(n.RxPowerPW) - int64(wantPW); diff < -1 || diff > 1 {
		t.Fatalf("rx_power_pw %d inconsistent with rx_power_dbm %v", n.RxPowerPW, n.RxPowerDBm)
	}
}

func TestOrderedFanOutEndToEnd(t *testing.T) {
	h := newHarness(t, 1e-15)

	radios := []*testRadio{
		{nodeID: 1, channel: 1, x: 0},
		{nodeID: 2, channel: 1, x: 10},
		{nodeID: 3, channel: 1, x: 20},
		{nodeID: 4, channel: 1, x: 30},
	}
	ids := make([]uint32, len(radios))
	for i, r := range radios {
		ids[i] = h.attach(t, r)
	}

	if err := h.stub.Send(radios[0], []byte("bcast"), propagation.DBmToWatts(16), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := h.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	notes := h.drainRawRX(t)
	if len(notes) != 3 {
		t.Fatalf("expected exactly 3 RX_NOTIFICATIONs, got %d", len(notes))
	}
	for i, n := range notes {
		if n.ReceiverDeviceID != ids[i+1] {
			t.Fatalf("fan-out order: position %d got receiver %d, want %d", i, n.ReceiverDeviceID, ids[i+1])
		}
	}
	dists := make([]float64, len(notes))
	delays := make([]float64, len(notes))
	for i, n := range notes {
		dists[i] = n.DistanceM
		delays[i] = float64(n.PropagationDelayNS)
	}
	if !strictlyIncreasing(dists) {
		t.Fatalf("distances not strictly increasing: %v", dists)
	}
	if !strictlyIncreasing(delays) {
		t.Fatalf("delays not strictly increasing: %v", delays)
	}

	stats := h.proc.Summary().ReceptionStats()
	if stats.Count != 3 {
		t.Fatalf("reception stats count = %d, want 3", stats.Count)
	}
	if stats.MaxDelayNS != delays[len(delays)-1] {
		t.Fatalf("reception stats max delay = %v, want %v", stats.MaxDelayNS, delays[len(delays)-1])
	}
}

func strictlyIncreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return false
		}
	}
	return true
}

func TestFrequencyMismatchSuppressesReception(t *testing.T) {
	h := newHarness(t, 1e-15)

	tx := &testRadio{nodeID: 1, channel: 1, x: 0}
	rx := &testRadio{nodeID: 2, channel: 11, x: 10}
	h.attach(t, tx)
	h.attach(t, rx)

	if err := h.stub.Send(tx, []byte("frame"), propagation.DBmToWatts(20), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := h.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if notes := h.drainRawRX(t); len(notes) != 0 {
		t.Fatalf("expected zero RX_NOTIFICATIONs across a frequency mismatch, got %d", len(notes))
	}
}

func TestPositionUpdateOrderingDeterminism(t *testing.T) {
	h := newHarness(t, 1e-18)

	tx := &testRadio{nodeID: 1, channel: 1, x: 0}
	mover := &testRadio{nodeID: 2, channel: 1, x: 0}
	h.attach(t, tx)
	h.attach(t, mover)

	// Position update and transmission carry the same simulation
	// timestamp; the registry must apply the update before the TX is
	// evaluated because the device rank sent it first.
	if err := h.stub.NotifyPositionChanged(mover, 100, 0, 0); err != nil {
		t.Fatalf("NotifyPositionChanged: %v", err)
	}
	if err := h.stub.Send(tx, []byte("frame"), propagation.DBmToWatts(20), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := h.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	notes := h.drainRawRX(t)
	if len(notes) != 1 {
		t.Fatalf("expected exactly 1 RX_NOTIFICATION, got %d", len(notes))
	}
	if notes[0].DistanceM != 100.0 {
		t.Fatalf("distance_m = %v, want 100.0 after position update", notes[0].DistanceM)
	}
}

func TestRegistrationRoundTripAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t, 1e-15)

	r1 := &testRadio{nodeID: 7, channel: 1}
	r2 := &testRadio{nodeID: 8, channel: 1}
	id1 := h.attach(t, r1)
	id2 := h.attach(t, r2)

	if id1 == 0 || id2 == 0 {
		t.Fatalf("assigned ids must be nonzero, got %d and %d", id1, id2)
	}
	if id2 <= id1 {
		t.Fatalf("ids not monotone: %d then %d", id1, id2)
	}

	// A re-attach of the same radio identity recovers the same id.
	again := h.attach(t, &testRadio{nodeID: 7, channel: 1})
	if again != id1 {
		t.Fatalf("re-registration returned %d, want the original id %d", again, id1)
	}
}

func TestHeartbeatObservedOnly(t *testing.T) {
	h := newHarness(t, 1e-15)
	h.procFab.SetBarrierTimeNS(5_000_000_000)

	if err := h.stub.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := h.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ns, present := h.proc.LastHeartbeatNS(1)
	if !present {
		t.Fatal("heartbeat from rank 1 not observed")
	}
	if ns != 5_000_000_000 {
		t.Fatalf("heartbeat timestamp = %d, want 5000000000", ns)
	}
	if h.proc.Summary().Total != 0 {
		t.Fatalf("heartbeat must not count as a drop, summary: %+v", h.proc.Summary())
	}
}

// rawSender crafts wire frames directly, bypassing the stub, for
// protocol-level failure scenarios a well-behaved stub never produces.
type rawSender struct {
	fab  fabric.Adapter
	rank uint32
}

func (rs *rawSender) send(t *testing.T, msgType wire.MessageType, seq uint32, deviceID uint32, body []byte) {
	t.Helper()
	frame := wire.Encode(wire.Header{
		MessageType:     msgType,
		SourceRank:      rs.rank,
		DestinationRank: 0,
		TimestampNS:     rs.fab.BarrierTimeNS(),
		SequenceNumber:  seq,
		DeviceID:        deviceID,
	}, body)
	if err := rs.fab.Send(0, frame, fabric.TagTX); err != nil {
		t.Fatalf("raw send: %v", err)
	}
}

func newRawHarness(t *testing.T) (*channelproc.Processor, *rawSender, []*fabric.LoopbackFabric) {
	t.Helper()
	adapters := fabric.NewHub(2)
	trace := mrnes.CreateTraceManager("test", false)
	proc, err := channelproc.New(0, 0, 2, adapters[0], 1e-15, nil, trace)
	if err != nil {
		t.Fatalf("channelproc.New: %v", err)
	}
	return proc, &rawSender{fab: adapters[1], rank: 1}, adapters
}

func registerBody(nodeID uint32, x float64) []byte {
	b := &wire.DeviceRegisterBody{ChannelNumber: 1, ChannelWidthMHz: 20, NodeID: nodeID, PosX: x}
	return b.Encode()
}

func txBody(deviceID uint32, powerW float64) []byte {
	b := &wire.TxRequestBody{DeviceID: deviceID, TxPowerPW: wire.WattsToPicowatts(powerW), Payload: []byte("p")}
	return b.Encode()
}

func countRX(t *testing.T, fab *fabric.LoopbackFabric) int {
	t.Helper()
	n := 0
	fab.Drain(func(sourceRank uint32, tag fabric.Tag, bytes []byte) {
		hd, err := wire.DecodeHeader(bytes)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if hd.MessageType == wire.RxNotification {
			n += 1
		}
	})
	return n
}

func TestSequenceRegressionIsFatal(t *testing.T) {
	proc, raw, _ := newRawHarness(t)

	raw.send(t, wire.DeviceRegister, 1, 0, registerBody(1, 0))
	raw.send(t, wire.DeviceRegister, 2, 0, registerBody(2, 10))
	raw.send(t, wire.TxRequest, 5, 1, txBody(1, 0.1))
	raw.send(t, wire.TxRequest, 4, 1, txBody(1, 0.1))

	err := proc.Run()
	if err == nil {
		t.Fatal("sequence regression must latch a fatal error")
	}
	var cerr *chanerr.ChannelError
	if !errors.As(err, &cerr) {
		t.Fatalf("fatal error is %T, want *chanerr.ChannelError", err)
	}
	if cerr.Kind != chanerr.ProtocolViolation {
		t.Fatalf("fatal kind = %s, want PROTOCOL_VIOLATION", cerr.Kind)
	}
	if cerr.SourceRank != 1 || cerr.MessageType != "TX_REQUEST" {
		t.Fatalf("fatal error context missing rank/type: %v", cerr)
	}
}

func TestDuplicateTxRequestDroppedOnce(t *testing.T) {
	proc, raw, adapters := newRawHarness(t)

	raw.send(t, wire.DeviceRegister, 1, 0, registerBody(1, 0))
	raw.send(t, wire.DeviceRegister, 2, 0, registerBody(2, 10))
	if err := proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	countRX(t, adapters[1]) // discard the two registration acks

	raw.send(t, wire.TxRequest, 5, 1, txBody(1, 0.1))
	raw.send(t, wire.TxRequest, 5, 1, txBody(1, 0.1))
	if err := proc.Run(); err != nil {
		t.Fatalf("duplicate sequence must not be fatal: %v", err)
	}

	if n := countRX(t, adapters[1]); n != 1 {
		t.Fatalf("expected exactly one round of RX_NOTIFICATIONs, got %d", n)
	}
	if proc.Summary().ByKind["PROTOCOL_VIOLATION"] != 1 {
		t.Fatalf("duplicate drop not counted: %+v", proc.Summary())
	}
}

func TestUnknownTransmitterDroppedWithErrorNotify(t *testing.T) {
	proc, raw, adapters := newRawHarness(t)

	raw.send(t, wire.TxRequest, 1, 99, txBody(99, 0.1))
	if err := proc.Run(); err != nil {
		t.Fatalf("unknown device must not be fatal: %v", err)
	}
	if proc.Summary().ByKind["UNKNOWN_DEVICE"] != 1 {
		t.Fatalf("unknown-device drop not counted: %+v", proc.Summary())
	}

	sawError := false
	adapters[1].Drain(func(sourceRank uint32, tag fabric.Tag, bytes []byte) {
		hd, err := wire.DecodeHeader(bytes)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if hd.MessageType != wire.ErrorNotify {
			return
		}
		body, err := wire.DecodeErrorResponseBody(bytes[wire.HeaderSize:])
		if err != nil {
			t.Fatalf("DecodeErrorResponseBody: %v", err)
		}
		if chanerr.Kind(body.ErrorKind) != chanerr.UnknownDevice {
			t.Fatalf("error kind = %d, want UNKNOWN_DEVICE", body.ErrorKind)
		}
		if body.ContextSequence != 1 {
			t.Fatalf("context sequence = %d, want 1", body.ContextSequence)
		}
		sawError = true
	})
	if !sawError {
		t.Fatal("expected an ERROR_NOTIFY back to the source rank")
	}
}

func TestZeroPowerTransmissionIsNoOp(t *testing.T) {
	proc, raw, adapters := newRawHarness(t)

	raw.send(t, wire.DeviceRegister, 1, 0, registerBody(1, 0))
	raw.send(t, wire.DeviceRegister, 2, 0, registerBody(2, 10))
	raw.send(t, wire.TxRequest, 1, 1, txBody(1, 0))
	if err := proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := countRX(t, adapters[1]); n != 0 {
		t.Fatalf("zero-power TX produced %d RX_NOTIFICATIONs, want 0", n)
	}
}

func TestWrongRankInitFailsFast(t *testing.T) {
	adapters := fabric.NewHub(2)
	trace := mrnes.CreateTraceManager("test", false)
	if _, err := channelproc.New(1, 0, 2, adapters[1], 1e-15, nil, trace); err == nil {
		t.Fatal("channelproc.New must fail on a non-channel rank")
	}
}

func TestConfigModelRoundTrip(t *testing.T) {
	h := newHarness(t, 1e-18)

	tx := &testRadio{nodeID: 1, channel: 1, x: 0}
	rx := &testRadio{nodeID: 2, channel: 1, x: 10}
	h.attach(t, tx)
	h.attach(t, rx)

	spec := mrnes.CreateModelSpec(mrnes.LossModel, 0xfeed)
	if err := spec.AddAttrb("extra_loss_db", "20"); err != nil {
		t.Fatalf("AddAttrb: %v", err)
	}
	if err := h.stub.SetLossModel(spec); err != nil {
		t.Fatalf("SetLossModel: %v", err)
	}
	if err := h.stub.Send(tx, []byte("frame"), propagation.DBmToWatts(20), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := h.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	notes := h.drainRawRX(t)
	if len(notes) != 1 {
		t.Fatalf("expected 1 RX_NOTIFICATION, got %d", len(notes))
	}
	// 60.09 dB free-space at channel 1 plus the configured 20 dB offset.
	if math.Abs(notes[0].PathLossDB-80.1) > 0.1 {
		t.Fatalf("path_loss_db = %v, want about 80.1 with the configured extra loss", notes[0].PathLossDB)
	}
}

func TestRunSummaryWriteToFile(t *testing.T) {
	proc, raw, _ := newRawHarness(t)
	raw.send(t, wire.TxRequest, 1, 99, txBody(99, 0.1))
	if err := proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	file := t.TempDir() + "/summary.yaml"
	if err := proc.Summary().WriteToFile(file); err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}
	if proc.Summary().Total != 1 {
		t.Fatalf("summary total = %d, want 1", proc.Summary().Total)
	}
}
