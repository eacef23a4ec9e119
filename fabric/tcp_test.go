package fabric

import (
	"net"
	"sync"
	"testing"
	"time"
)

// freeAddr reserves a localhost port for a listener the test is about
// to open itself.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func dialPair(t *testing.T) (*TCPFabric, *TCPFabric) {
	t.Helper()
	addr1 := freeAddr(t)

	var f1 *TCPFabric
	var err1 error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Rank 1 listens for its lower-rank peer.
		f1, err1 = DialMesh(1, 2, addr1, map[uint32]string{})
	}()

	// Give the listener a moment to come up before rank 0 dials.
	time.Sleep(50 * time.Millisecond)
	f0, err := DialMesh(0, 2, "", map[uint32]string{1: addr1})
	if err != nil {
		t.Fatalf("DialMesh rank 0: %v", err)
	}
	wg.Wait()
	if err1 != nil {
		t.Fatalf("DialMesh rank 1: %v", err1)
	}
	t.Cleanup(func() {
		f0.Close()
		f1.Close()
	})
	return f0, f1
}

func TestTCPSendDrainRoundTrip(t *testing.T) {
	f0, f1 := dialPair(t)

	payload := []byte{0, 0, 0, 103, 9, 8, 7}
	if err := f0.Send(1, payload, TagTX); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	var gotRank uint32
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && got == nil {
		f1.Drain(func(sourceRank uint32, tag Tag, bytes []byte) {
			gotRank = sourceRank
			got = bytes
		})
		time.Sleep(time.Millisecond)
	}
	if got == nil {
		t.Fatal("message never arrived over TCP")
	}
	if gotRank != 0 {
		t.Fatalf("sourceRank = %d, want 0", gotRank)
	}
	if len(got) != len(payload) || got[4] != 9 {
		t.Fatalf("payload mismatch: %v", got)
	}
}

func TestTCPBidirectional(t *testing.T) {
	f0, f1 := dialPair(t)

	if err := f1.Send(0, []byte{0, 0, 0, 200, 1}, TagRX); err != nil {
		t.Fatalf("Send from rank 1: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && got == nil {
		f0.Drain(func(sourceRank uint32, tag Tag, bytes []byte) { got = bytes })
		time.Sleep(time.Millisecond)
	}
	if got == nil {
		t.Fatal("reverse-direction message never arrived")
	}
}

func TestTCPSendToUnknownRankErrors(t *testing.T) {
	f0, _ := dialPair(t)
	if err := f0.Send(7, []byte{1}, TagTX); err == nil {
		t.Fatal("expected error sending to a rank with no connection")
	}
}

func TestTCPPreservesPerPeerFIFO(t *testing.T) {
	f0, f1 := dialPair(t)

	const n = 50
	for i := 0; i < n; i++ {
		if err := f0.Send(1, []byte{0, 0, 0, 103, byte(i)}, TagTX); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	var seen []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(seen) < n {
		f1.Drain(func(sourceRank uint32, tag Tag, bytes []byte) {
			seen = append(seen, bytes[4])
		})
		time.Sleep(time.Millisecond)
	}
	if len(seen) != n {
		t.Fatalf("received %d of %d messages", len(seen), n)
	}
	for i := 0; i < n; i++ {
		if seen[i] != byte(i) {
			t.Fatalf("FIFO order violated at position %d: got %d", i, seen[i])
		}
	}
}
