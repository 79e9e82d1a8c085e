package derecho

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestBinomialChildren(t *testing.T) {
	mk := func(pos, n int, algo RdmcAlgorithm) []int {
		g := &rdmcGroup{myPos: pos, algo: algo, members: make([]NodeID, n)}
		return g.children()
	}
	// binomial tree over 8 positions rooted at 0
	cases := []struct {
		pos  int
		want []int
	}{
		{0, []int{1, 2, 4}},
		{1, []int{3, 5}},
		{2, []int{6}},
		{3, []int{7}},
		{4, nil},
		{7, nil},
	}
	for _, c := range cases {
		got := mk(c.pos, 8, BinomialSend)
		if len(got) != len(c.want) {
			t.Fatalf("binomial children of %v: want %v, got %v", c.pos, c.want, got)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("binomial children of %v: want %v, got %v", c.pos, c.want, got)
			}
		}
	}
	// chain: each forwards to the next, last forwards nowhere
	if got := mk(0, 4, ChainSend); len(got) != 1 || got[0] != 1 {
		t.Fatalf("chain children of 0: got %v", got)
	}
	if got := mk(3, 4, ChainSend); got != nil {
		t.Fatalf("chain children of the tail: got %v", got)
	}
}

func runRdmcTransfer(t *testing.T, algo RdmcAlgorithm, msgLen int, blockSize int64) {
	t.Helper()
	hub := NewMemHub()
	members := []NodeID{10, 11, 12, 13}
	hosts := make(map[NodeID]*rdmcHost)
	for _, m := range members {
		hosts[m] = newRdmcHost(hub, m)
	}
	defer func() {
		for _, h := range hosts {
			h.stop()
		}
	}()

	payload := make([]byte, msgLen)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	var mut sync.Mutex
	got := make(map[NodeID][]byte)
	for _, m := range members {
		m := m
		dest := make([]byte, msgLen+int(blockSize))
		err := hosts[m].createGroup(1, members, blockSize, algo,
			func(msgSize int64) ([]byte, bool) { return dest, true },
			func(data []byte, size int64) {
				mut.Lock()
				got[m] = append([]byte{}, data[:size]...)
				mut.Unlock()
			},
			func(NodeID) {})
		if err != nil {
			t.Fatal(err)
		}
	}
	if !hosts[10].send(1, payload, int64(len(payload))) {
		t.Fatalf("send returned false")
	}
	waitUntil(t, 2*time.Second, "all members to complete", func() bool {
		mut.Lock()
		defer mut.Unlock()
		return len(got) == len(members)
	})
	mut.Lock()
	defer mut.Unlock()
	for _, m := range members {
		if !bytes.Equal(got[m], payload) {
			t.Fatalf("member %v: payload mismatch (%v bytes vs %v)", m, len(got[m]), len(payload))
		}
	}
}

func TestRdmcBinomialTransfer(t *testing.T) {
	runRdmcTransfer(t, BinomialSend, 10_000, 1024)
}

func TestRdmcChainTransfer(t *testing.T) {
	runRdmcTransfer(t, ChainSend, 10_000, 1024)
}

func TestRdmcSingleBlockMessage(t *testing.T) {
	runRdmcTransfer(t, BinomialSend, 100, 1024)
}

func TestRdmcFailureCallback(t *testing.T) {
	hub := NewMemHub()
	members := []NodeID{20, 21}
	hostA := newRdmcHost(hub, 20)
	hostB := newRdmcHost(hub, 21)
	defer hostA.stop()
	defer hostB.stop()

	var mut sync.Mutex
	var failures []NodeID
	err := hostA.createGroup(5, members, 64, ChainSend,
		func(int64) ([]byte, bool) { return nil, false },
		func([]byte, int64) {},
		func(n NodeID) {
			mut.Lock()
			failures = append(failures, n)
			mut.Unlock()
		})
	if err != nil {
		t.Fatal(err)
	}
	hub.Kill(21)
	if !hostA.send(5, make([]byte, 128), 128) {
		t.Fatalf("send should still report scheduled")
	}
	waitUntil(t, time.Second, "failure callback", func() bool {
		mut.Lock()
		defer mut.Unlock()
		return len(failures) > 0 && failures[0] == 21
	})
}
