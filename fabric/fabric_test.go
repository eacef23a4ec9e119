package fabric

import (
	"sync"
	"testing"
	"time"
)

func TestLoopbackSendDrainRoundTrip(t *testing.T) {
	adapters := NewHub(2)
	a0, a1 := adapters[0], adapters[1]

	if err := a0.Send(1, []byte{0, 0, 0, 103, 1, 2, 3}, TagTX); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	var gotRank uint32
	a1.Drain(func(sourceRank uint32, tag Tag, bytes []byte) {
		gotRank = sourceRank
		got = bytes
	})
	if gotRank != 0 {
		t.Fatalf("sourceRank = %d, want 0", gotRank)
	}
	if len(got) != 7 || got[4] != 1 {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestLoopbackDrainIsNonBlockingWhenEmpty(t *testing.T) {
	adapters := NewHub(2)
	called := false
	done := make(chan struct{})
	go func() {
		adapters[1].Drain(func(uint32, Tag, []byte) { called = true })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain blocked on an empty queue")
	}
	if called {
		t.Fatal("callback invoked with no pending messages")
	}
}

func TestLoopbackIdentity(t *testing.T) {
	adapters := NewHub(3)
	for i, a := range adapters {
		rank, world := a.Identity()
		if rank != uint32(i) || world != 3 {
			t.Fatalf("adapter %d: Identity() = (%d, %d)", i, rank, world)
		}
	}
}

func TestLoopbackBarrierTimeSharedAcrossRanks(t *testing.T) {
	adapters := NewHub(2)
	adapters[0].SetBarrierTimeNS(500)
	if adapters[1].BarrierTimeNS() != 500 {
		t.Fatalf("barrier time not shared: got %d", adapters[1].BarrierTimeNS())
	}
}

func TestLoopbackSendToClosedRankErrors(t *testing.T) {
	adapters := NewHub(2)
	if err := adapters[1].Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := adapters[0].Send(1, []byte{0, 0, 0, 1}, TagRegister); err == nil {
		t.Fatal("expected error sending to a closed rank")
	}
}

func TestLoopbackSaturatedQueueReportsError(t *testing.T) {
	adapters := NewHub(2)
	var firstErr error
	for i := 0; i < sendQueueDepth+8; i++ {
		if err := adapters[0].Send(1, []byte{0, 0, 0, 1}, TagRegister); err != nil {
			firstErr = err
			break
		}
	}
	if firstErr == nil {
		t.Fatal("expected saturation error once the queue fills")
	}
}

func TestTagForBytesRoundTripsKnownTypes(t *testing.T) {
	cases := map[uint32]Tag{
		100: TagRegister,
		101: TagConfig,
		102: TagConfig,
		103: TagTX,
		104: TagRemove,
		105: TagPosition,
		200: TagRX,
		203: TagAck,
		204: TagError,
		301: TagHeartbeat,
	}
	for msgType, want := range cases {
		buf := []byte{byte(msgType >> 24), byte(msgType >> 16), byte(msgType >> 8), byte(msgType)}
		if got := tagForBytes(buf); got != want {
			t.Fatalf("tagForBytes(%d) = %v, want %v", msgType, got, want)
		}
	}
}

func TestConcurrentSendersDoNotRace(t *testing.T) {
	adapters := NewHub(2)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = adapters[0].Send(1, []byte{0, 0, 0, 1}, TagRegister)
		}()
	}
	wg.Wait()
	count := 0
	adapters[1].Drain(func(uint32, Tag, []byte) { count++ })
	if count == 0 {
		t.Fatal("expected at least one delivered message")
	}
}
