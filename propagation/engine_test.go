package propagation

import (
	"math"
	"testing"

	"github.com/iti/wifi-mpi-channel/registry"
)

const testFreq2_4GHz = 2400000000

func TestSingleReceiverFreeSpace(t *testing.T) {
	reg := registry.New()
	txID := reg.Register(1, 1, 0, 0, 0, 0, 0, nil, 0)
	rxID := reg.Register(2, 2, 0, 10, 0, 0, 0, nil, 0)

	eng := New(1e-20)
	tx := TransmissionDescriptor{
		TransmitterDeviceID: txID,
		TxPowerW:            DBmToWatts(20), // 100 mW
		FrequencyHz:         testFreq2_4GHz,
		TxTimestampNS:       0,
	}

	recs, err := eng.Evaluate(reg, tx, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 reception, got %d", len(recs))
	}
	r := recs[0]
	if r.TargetDeviceID != rxID {
		t.Fatalf("target device id = %d, want %d", r.TargetDeviceID, rxID)
	}
	if math.Abs(r.DistanceM-10.0) > 1e-9 {
		t.Fatalf("distance_m = %v, want 10.0", r.DistanceM)
	}
	if r.PropagationDelayNS != 33 {
		t.Fatalf("propagation_delay_ns = %d, want 33", r.PropagationDelayNS)
	}
	if math.Abs(r.PathLossDB-60.05) > 0.01 {
		t.Fatalf("path_loss_db = %v, want ~60.05", r.PathLossDB)
	}
	if r.ReceptionTimestampNS != tx.TxTimestampNS+r.PropagationDelayNS {
		t.Fatal("reception_timestamp must equal tx_timestamp + propagation_delay exactly")
	}
}

func TestThreeReceiversOrderedFanOut(t *testing.T) {
	reg := registry.New()
	id1 := reg.Register(1, 1, 0, 0, 0, 0, 0, nil, 0)
	id2 := reg.Register(2, 2, 0, 10, 0, 0, 0, nil, 0)
	id3 := reg.Register(3, 3, 0, 20, 0, 0, 0, nil, 0)
	id4 := reg.Register(4, 4, 0, 30, 0, 0, 0, nil, 0)

	eng := New(1e-20)
	tx := TransmissionDescriptor{
		TransmitterDeviceID: id1,
		TxPowerW:            DBmToWatts(16),
		FrequencyHz:         testFreq2_4GHz,
	}
	recs, err := eng.Evaluate(reg, tx, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 receptions, got %d", len(recs))
	}
	wantOrder := []uint32{id2, id3, id4}
	for i, want := range wantOrder {
		if recs[i].TargetDeviceID != want {
			t.Fatalf("reception[%d].TargetDeviceID = %d, want %d", i, recs[i].TargetDeviceID, want)
		}
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].DistanceM <= recs[i-1].DistanceM {
			t.Fatalf("distances not strictly increasing: %v then %v",
				recs[i-1].DistanceM, recs[i].DistanceM)
		}
	}
}

func TestFrequencyMismatchYieldsZeroReceptions(t *testing.T) {
	reg := registry.New()
	id1 := reg.Register(1, 1, 0, 0, 0, 0, 0, nil, 0)
	reg.Register(2, 2, 0, 10, 0, 0, 0, []uint32{2462000000}, 0)

	eng := New(1e-20)
	tx := TransmissionDescriptor{TransmitterDeviceID: id1, TxPowerW: DBmToWatts(20), FrequencyHz: testFreq2_4GHz}
	recs, err := eng.Evaluate(reg, tx, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected 0 receptions on frequency mismatch, got %d", len(recs))
	}
}

func TestSamePositionBoundary(t *testing.T) {
	reg := registry.New()
	id1 := reg.Register(1, 1, 0, 0, 0, 0, 0, nil, 0)
	id2 := reg.Register(2, 2, 0, 0, 0, 0, 0, nil, 0)

	eng := New(1e-20)
	txPowerDBm := 20.0
	tx := TransmissionDescriptor{TransmitterDeviceID: id1, TxPowerW: DBmToWatts(txPowerDBm), FrequencyHz: testFreq2_4GHz}
	recs, err := eng.Evaluate(reg, tx, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 reception, got %d", len(recs))
	}
	r := recs[0]
	if r.TargetDeviceID != id2 {
		t.Fatalf("wrong target: %d", r.TargetDeviceID)
	}
	if r.PropagationDelayNS != 0 {
		t.Fatalf("propagation_delay_ns = %d, want 0", r.PropagationDelayNS)
	}
	if math.Abs(WattsToDBm(r.RxPowerW)-txPowerDBm) > 1e-9 {
		t.Fatalf("rx_power_dbm = %v, want %v", WattsToDBm(r.RxPowerW), txPowerDBm)
	}
}

func TestSingleDeviceRegistryYieldsZeroReceptions(t *testing.T) {
	reg := registry.New()
	id1 := reg.Register(1, 1, 0, 0, 0, 0, 0, nil, 0)

	eng := New(1e-20)
	tx := TransmissionDescriptor{TransmitterDeviceID: id1, TxPowerW: DBmToWatts(20), FrequencyHz: testFreq2_4GHz}
	recs, err := eng.Evaluate(reg, tx, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected 0 receptions for single-device registry, got %d", len(recs))
	}
}

func TestNonPositiveTransmitPowerIsNoOp(t *testing.T) {
	reg := registry.New()
	id1 := reg.Register(1, 1, 0, 0, 0, 0, 0, nil, 0)
	reg.Register(2, 2, 0, 10, 0, 0, 0, nil, 0)

	eng := New(1e-20)
	tx := TransmissionDescriptor{TransmitterDeviceID: id1, TxPowerW: 0, FrequencyHz: testFreq2_4GHz}
	recs, err := eng.Evaluate(reg, tx, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected 0 receptions for non-positive tx power, got %d", len(recs))
	}
}

func TestBelowThresholdGated(t *testing.T) {
	reg := registry.New()
	id1 := reg.Register(1, 1, 0, 0, 0, 0, 0, nil, 0)
	reg.Register(2, 2, 0, 1e9, 0, 0, 0, nil, 0) // absurdly far: guarantees below any realistic threshold

	eng := New(1e-3) // 1 mW threshold
	tx := TransmissionDescriptor{TransmitterDeviceID: id1, TxPowerW: DBmToWatts(0), FrequencyHz: testFreq2_4GHz}
	recs, err := eng.Evaluate(reg, tx, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected receiver below threshold to be gated, got %d receptions", len(recs))
	}
}

func TestDBmWattsRoundTrip(t *testing.T) {
	for _, dbm := range []float64{-80, -40, 0, 20} {
		w := DBmToWatts(dbm)
		got := WattsToDBm(w)
		if math.Abs(got-dbm) > 1e-9 {
			t.Fatalf("round trip dBm->W->dBm: got %v, want %v", got, dbm)
		}
	}
}
