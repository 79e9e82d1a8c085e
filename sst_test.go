package derecho

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func testParams() sstParams {
	return sstParams{
		numSubgroups:     2,
		numReceivedTotal: 3,
		windowSize:       3,
		slotSize:         256,
		suspicionTimeout: 100 * time.Millisecond,
	}
}

func TestSstLayoutAlignment(t *testing.T) {
	lay := makeLayout(5, testParams())
	offs := []int64{
		lay.offVid, lay.offChanges, lay.offJoinerIPs, lay.offNChanges,
		lay.offNCommitted, lay.offNAcked, lay.offNInstalled,
		lay.offSeqNum, lay.offStableNum, lay.offDeliveredNum,
		lay.offPersistedNum, lay.offNumReceived, lay.offNumReceivedSST,
		lay.offGlobalMin, lay.offSlots, lay.offHeartbeat,
	}
	for i, o := range offs {
		if o%8 != 0 {
			t.Fatalf("offset %v (=%v) is not 8-byte aligned", i, o)
		}
	}
	if lay.rowLen%8 != 0 {
		t.Fatalf("row length %v not 8-byte aligned", lay.rowLen)
	}
	if lay.slotStride < 16+lay.slotSize {
		t.Fatalf("slot stride %v too small for slot size %v", lay.slotStride, lay.slotSize)
	}
}

// twoNodeSSTs bootstraps a 2-member SST pair on one hub.
func twoNodeSSTs(t *testing.T, hub *MemHub, failureUpcallA func(int)) (*SST, *SST) {
	t.Helper()
	members := []NodeID{1, 2}
	exchFor := func(me NodeID) func(int, string) BlobExchange {
		return func(peerRank int, tag string) BlobExchange {
			return hub.Exchanger(me, members[peerRank], tag)
		}
	}
	var sstB *SST
	var errB error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sstB, errB = NewSST(hub.NewFabric(2), members, 1, testParams(), exchFor(2), nil, nil)
	}()
	sstA, errA := NewSST(hub.NewFabric(1), members, 0, testParams(), exchFor(1), failureUpcallA, nil)
	wg.Wait()
	if errA != nil || errB != nil {
		t.Fatalf("sst setup: %v / %v", errA, errB)
	}
	return sstA, sstB
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %v", what)
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func TestSstPutReplicatesRow(t *testing.T) {
	hub := NewMemHub()
	sstA, sstB := twoNodeSSTs(t, hub, nil)
	defer sstA.Stop()
	defer sstB.Stop()

	if got := sstB.SeqNum(0, 0); got != -1 {
		t.Fatalf("uninitialized seq_num should be -1, got %v", got)
	}
	sstA.SetSeqNum(0, 7)
	sstA.SetSeqNum(1, 9)
	sstA.PutRange(0, sstA.RowLen())
	waitUntil(t, time.Second, "seq_num replication", func() bool {
		return sstB.SeqNum(0, 0) == 7 && sstB.SeqNum(0, 1) == 9
	})
	// B's own row is untouched: write-ownership.
	if sstB.SeqNum(1, 0) != -1 {
		t.Fatalf("B's own row was mutated by A's put")
	}
}

func TestSstRangedPut(t *testing.T) {
	hub := NewMemHub()
	sstA, sstB := twoNodeSSTs(t, hub, nil)
	defer sstA.Stop()
	defer sstB.Stop()

	sstA.SetStableNum(0, 3)
	sstA.SetDeliveredNum(0, 2)
	// push only stable_num; delivered_num must not replicate.
	sstA.PutRange(sstA.OffStableNum(0), 8)
	waitUntil(t, time.Second, "stable_num replication", func() bool {
		return sstB.StableNum(0, 0) == 3
	})
	time.Sleep(5 * time.Millisecond)
	if got := sstB.DeliveredNum(0, 0); got != -1 {
		t.Fatalf("delivered_num replicated outside the put range: %v", got)
	}
}

func TestSstPredicateFires(t *testing.T) {
	hub := NewMemHub()
	sstA, sstB := twoNodeSSTs(t, hub, nil)
	defer sstA.Stop()
	defer sstB.Stop()

	fired := make(chan int64, 1)
	sstB.Predicates().Insert(
		func(s *SST) bool { return s.SeqNum(0, 0) >= 5 },
		func(s *SST) { fired <- s.SeqNum(0, 0) },
		OneTime)
	sstB.StartPredicates()

	sstA.SetSeqNum(0, 5)
	sstA.PutRange(sstA.OffSeqNum(0), 8)
	select {
	case v := <-fired:
		if v < 5 {
			t.Fatalf("trigger saw %v, want >= 5", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("one-time predicate never fired")
	}
	// OneTime: raising again must not re-fire.
	sstA.SetSeqNum(0, 6)
	sstA.PutRange(sstA.OffSeqNum(0), 8)
	select {
	case <-fired:
		t.Fatalf("one-time predicate fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSstRecurrentPredicateAndRemove(t *testing.T) {
	hub := NewMemHub()
	sstA, sstB := twoNodeSSTs(t, hub, nil)
	defer sstA.Stop()
	defer sstB.Stop()

	var mut sync.Mutex
	count := 0
	h := sstB.Predicates().Insert(
		func(s *SST) bool { return s.SeqNum(0, 0) >= 0 },
		func(s *SST) { mut.Lock(); count++; mut.Unlock() },
		Recurrent)
	sstB.StartPredicates()
	sstA.SetSeqNum(0, 0)
	sstA.PutRange(sstA.OffSeqNum(0), 8)
	waitUntil(t, time.Second, "recurrent trigger to fire a few times", func() bool {
		mut.Lock()
		defer mut.Unlock()
		return count >= 3
	})
	sstB.Predicates().Remove(h)
	mut.Lock()
	after := count
	mut.Unlock()
	time.Sleep(10 * time.Millisecond)
	mut.Lock()
	final := count
	mut.Unlock()
	if final > after+1 {
		t.Fatalf("removed predicate kept firing: %v -> %v", after, final)
	}
}

func TestSstFreezeStopsReplication(t *testing.T) {
	hub := NewMemHub()
	sstA, sstB := twoNodeSSTs(t, hub, nil)
	defer sstA.Stop()
	defer sstB.Stop()

	sstA.Freeze(1)
	sstA.SetSeqNum(0, 11)
	sstA.Put()
	time.Sleep(5 * time.Millisecond)
	if got := sstB.SeqNum(0, 0); got != -1 {
		t.Fatalf("frozen peer still received the put: %v", got)
	}
}

func TestSstPutWithCompletionDetectsDeadPeer(t *testing.T) {
	hub := NewMemHub()
	var mut sync.Mutex
	var failedRanks []int
	sstA, sstB := twoNodeSSTs(t, hub, func(rank int) {
		mut.Lock()
		failedRanks = append(failedRanks, rank)
		mut.Unlock()
	})
	defer sstA.Stop()
	defer sstB.Stop()

	// healthy heartbeat first
	sstA.BumpHeartbeat()
	if err := sstA.PutWithCompletion(sstA.OffHeartbeat(), 8); err != nil {
		t.Fatalf("healthy heartbeat errored: %v", err)
	}
	hub.Kill(2)
	sstA.BumpHeartbeat()
	err := sstA.PutWithCompletion(sstA.OffHeartbeat(), 8)
	if err == nil {
		t.Fatalf("heartbeat to a dead peer should error")
	}
	mut.Lock()
	defer mut.Unlock()
	if len(failedRanks) != 1 || failedRanks[0] != 1 {
		t.Fatalf("failure upcall: want [1], got %v", failedRanks)
	}
	if !sstA.Frozen(1) {
		t.Fatalf("dead peer's row should be frozen")
	}
	_ = fmt.Sprintf
}
