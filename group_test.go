package derecho

import (
	"fmt"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// --- cluster harness ---

type dmsg struct {
	sender  NodeID
	index   int64
	payload string
}

type tnode struct {
	id  NodeID
	g   *Group
	mut sync.Mutex
	got []dmsg
}

func (n *tnode) onDeliver(sg SubgroupID, sender NodeID, index int64, data []byte) {
	n.mut.Lock()
	n.got = append(n.got, dmsg{sender: sender, index: index, payload: string(data)})
	n.mut.Unlock()
}

func (n *tnode) callbacks() CallbackSet {
	return CallbackSet{GlobalStability: n.onDeliver}
}

func (n *tnode) deliveredPayloads() (out []string) {
	n.mut.Lock()
	defer n.mut.Unlock()
	for _, m := range n.got {
		out = append(out, m.payload)
	}
	return
}

func (n *tnode) deliveredCount() int {
	n.mut.Lock()
	defer n.mut.Unlock()
	return len(n.got)
}

func joinWithRetry(t *testing.T, hub *MemHub, id NodeID, leaderAddr string,
	cb CallbackSet, layout SubgroupLayoutFn, cfg *Config) *Group {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		g, err := JoinGroup(hub, id, "", leaderAddr, cb, layout, cfg)
		if err == nil {
			return g
		}
		if time.Now().After(deadline) {
			t.Fatalf("node %v could not join: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startCluster brings up len(ids) members: ids[0] founds the
// group on the given port, the rest join one at a time.
func startCluster(t *testing.T, hub *MemHub, ids []NodeID, port int,
	layout SubgroupLayoutFn, mutate func(*Config)) []*tnode {
	t.Helper()
	leaderAddr := fmt.Sprintf("127.0.0.1:%v", port)
	nodes := make([]*tnode, len(ids))
	for i, id := range ids {
		nodes[i] = &tnode{id: id}
	}
	cfgFor := func(i int) *Config {
		c := NewConfig()
		if i == 0 {
			c.GmsAddr = leaderAddr
		} else {
			c.GmsAddr = "127.0.0.1:0"
		}
		if mutate != nil {
			mutate(c)
		}
		return c
	}

	var wg sync.WaitGroup
	var leaderErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		nodes[0].g, leaderErr = StartNewGroup(hub, ids[0], "", nodes[0].callbacks(), layout, cfgFor(0))
	}()
	nodes[1].g = joinWithRetry(t, hub, ids[1], leaderAddr, nodes[1].callbacks(), layout, cfgFor(1))
	wg.Wait()
	if leaderErr != nil {
		t.Fatalf("leader start: %v", leaderErr)
	}
	for i := 2; i < len(ids); i++ {
		nodes[i].g = joinWithRetry(t, hub, ids[i], leaderAddr, nodes[i].callbacks(), layout, cfgFor(i))
		wantVid := int64(i - 1)
		for j := 0; j <= i; j++ {
			if err := nodes[j].g.WaitForVid(wantVid, 20*time.Second); err != nil {
				t.Fatalf("node %v: %v", nodes[j].id, err)
			}
		}
	}
	return nodes
}

func stopCluster(nodes []*tnode) {
	for _, n := range nodes {
		if n.g != nil {
			n.g.Shutdown()
		}
	}
}

// sendPayload retries GetSendBuffer until the window opens.
func sendPayload(t *testing.T, n *tnode, sg SubgroupID, payload string, pause int) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for {
		buf := n.g.GetSendBufferOpts(sg, int64(len(payload)), pause, false)
		if buf != nil {
			copy(buf, payload)
			// Send returning false means the engine wedged
			// between get and send; the prepared message is
			// carried into the next view automatically.
			n.g.Send(sg)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("node %v: send window never opened for %q", n.id, payload)
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func waitDelivered(t *testing.T, nodes []*tnode, count int) {
	t.Helper()
	waitUntil(t, 30*time.Second, fmt.Sprintf("%v deliveries everywhere", count), func() bool {
		for _, n := range nodes {
			if n.deliveredCount() < count {
				return false
			}
		}
		return true
	})
}

// firstTwoSenders allows only the two lowest node ids to send.
func firstTwoSenders(mode Mode) SubgroupLayoutFn {
	return func(v *View) []SubgroupType {
		lo1, lo2 := NodeID(1<<31), NodeID(1<<31)
		for _, m := range v.Members {
			if m < lo1 {
				lo1, lo2 = m, lo1
			} else if m < lo2 {
				lo2 = m
			}
		}
		senders := make([]bool, len(v.Members))
		for i, m := range v.Members {
			senders[i] = m == lo1 || m == lo2
		}
		return []SubgroupType{{Name: "default", Shards: []ShardSpec{{
			Members: append([]NodeID{}, v.Members...),
			Senders: senders,
			Mode:    mode,
		}}}}
	}
}

// singleSender allows only the given node to send.
func singleSender(id NodeID, mode Mode) SubgroupLayoutFn {
	return func(v *View) []SubgroupType {
		senders := make([]bool, len(v.Members))
		for i, m := range v.Members {
			senders[i] = m == id
		}
		return []SubgroupType{{Name: "default", Shards: []ShardSpec{{
			Members: append([]NodeID{}, v.Members...),
			Senders: senders,
			Mode:    mode,
		}}}}
	}
}

// --- the scenarios ---

func TestThreeNodeTwoSenderOrdering(t *testing.T) {
	cv.Convey("3 nodes, 2 senders: delivery interleaves senders in sequence order on every member", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2, 3}, 29151, firstTwoSenders(OrderedMode), nil)
		defer stopCluster(nodes)

		a, b := nodes[0], nodes[1]
		sendPayload(t, a, 0, "x", 0) // A index 0 -> seq 0
		sendPayload(t, b, 0, "y", 0) // B index 0 -> seq 1
		sendPayload(t, a, 0, "z", 0) // A index 1 -> seq 2
		waitDelivered(t, nodes, 3)

		for _, n := range nodes {
			cv.So(n.deliveredPayloads(), cv.ShouldResemble, []string{"x", "y", "z"})
		}
		// the senders of the delivered messages line up too
		for _, n := range nodes {
			n.mut.Lock()
			cv.So(n.got[0].sender, cv.ShouldEqual, NodeID(1))
			cv.So(n.got[1].sender, cv.ShouldEqual, NodeID(2))
			cv.So(n.got[2].sender, cv.ShouldEqual, NodeID(1))
			n.mut.Unlock()
		}
	})
}

func TestWindowExhaustionReturnsNil(t *testing.T) {
	cv.Convey("with window_size=3 and delivery stalled, the 4th send buffer request returns nil", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2}, 29152, singleSender(1, OrderedMode), nil)
		defer stopCluster(nodes)
		a, b := nodes[0], nodes[1]

		// stall delivery: B stops evaluating predicates, so its
		// seq_num never advances and nothing can stabilize.
		b.g.vm.viewMut.RLock()
		b.g.vm.sstCur.preds.stop()
		b.g.vm.viewMut.RUnlock()

		for i := 0; i < 3; i++ {
			sendPayload(t, a, 0, fmt.Sprintf("m%v", i), 0)
		}
		// the window (3) is now full of undelivered messages.
		cv.So(a.g.GetSendBuffer(0, 8), cv.ShouldBeNil)
		cv.So(a.g.GetSendBuffer(0, 8), cv.ShouldBeNil)
	})
}

func TestWindowReopensAfterDelivery(t *testing.T) {
	cv.Convey("a stream far longer than the window drains in order", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2}, 29153, singleSender(1, OrderedMode), nil)
		defer stopCluster(nodes)
		a := nodes[0]

		var want []string
		for i := 0; i < 25; i++ {
			p := fmt.Sprintf("msg-%03d", i)
			want = append(want, p)
			sendPayload(t, a, 0, p, 0)
		}
		waitDelivered(t, nodes, 25)
		for _, n := range nodes {
			cv.So(n.deliveredPayloads(), cv.ShouldResemble, want)
		}
		// counter monotonicity on every row of every member:
		// seq_num >= stable_num >= delivered_num >= persisted_num.
		for _, n := range nodes {
			n.g.vm.viewMut.RLock()
			s := n.g.vm.sstCur
			n.g.vm.viewMut.RUnlock()
			for r := 0; r < s.NumRows(); r++ {
				cv.So(s.SeqNum(r, 0), cv.ShouldBeGreaterThanOrEqualTo, s.StableNum(r, 0))
				cv.So(s.StableNum(r, 0), cv.ShouldBeGreaterThanOrEqualTo, s.DeliveredNum(r, 0))
				cv.So(s.DeliveredNum(r, 0), cv.ShouldBeGreaterThanOrEqualTo, s.PersistedNum(r, 0))
			}
		}
	})
}

func TestWindowSizeOneSerializes(t *testing.T) {
	cv.Convey("window_size=1 still delivers a stream, fully serialized", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2}, 29154, singleSender(1, OrderedMode),
			func(c *Config) { c.WindowSize = 1 })
		defer stopCluster(nodes)
		a := nodes[0]

		var want []string
		for i := 0; i < 5; i++ {
			p := fmt.Sprintf("s%v", i)
			want = append(want, p)
			sendPayload(t, a, 0, p, 0)
		}
		waitDelivered(t, nodes, 5)
		for _, n := range nodes {
			cv.So(n.deliveredPayloads(), cv.ShouldResemble, want)
		}
	})
}

func TestPauseSendingTurnsPlaceholders(t *testing.T) {
	cv.Convey("pause_sending_turns=2 skips two sequence slots; only real messages are delivered", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2}, 29155, singleSender(1, OrderedMode), nil)
		defer stopCluster(nodes)
		a := nodes[0]

		sendPayload(t, a, 0, "first", 2) // index 0, then 2 skipped turns
		sendPayload(t, a, 0, "last", 0)  // must land at index 3
		waitDelivered(t, nodes, 2)

		for _, n := range nodes {
			n.mut.Lock()
			cv.So(n.got[0].index, cv.ShouldEqual, int64(0))
			cv.So(n.got[1].index, cv.ShouldEqual, int64(3))
			n.mut.Unlock()
		}
		// the placeholders advanced delivered_num through the
		// empty slots: with one sender, seq == index.
		for _, n := range nodes {
			n.g.vm.viewMut.RLock()
			s := n.g.vm.sstCur
			n.g.vm.viewMut.RUnlock()
			waitUntil(t, 5*time.Second, "delivered_num to pass the placeholders", func() bool {
				return s.DeliveredNum(s.MyRank(), 0) >= 3
			})
		}
	})
}

func TestSstVsRdmcRouting(t *testing.T) {
	cv.Convey("small messages ride the SST slot path, large ones the block path", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2}, 29156, singleSender(1, OrderedMode), nil)
		defer stopCluster(nodes)
		a := nodes[0]

		a.g.vm.viewMut.RLock()
		sstA := a.g.vm.sstCur
		a.g.vm.viewMut.RUnlock()
		myRank := sstA.MyRank()

		// 100 bytes fits the 256-byte slot: the slot's next_seq
		// must tick.
		sendPayload(t, a, 0, string(make([]byte, 100)), 0)
		waitDelivered(t, nodes, 1)
		cv.So(sstA.SlotNextSeq(myRank, 0), cv.ShouldEqual, int64(1))

		// 10 KiB cannot fit: the next slot (1) stays silent,
		// and the message still arrives intact over RDMC.
		big := make([]byte, 10*1024)
		for i := range big {
			big[i] = byte(i)
		}
		sendPayload(t, a, 0, string(big), 0)
		waitDelivered(t, nodes, 2)
		cv.So(sstA.SlotNextSeq(myRank, 1), cv.ShouldEqual, int64(0))
		for _, n := range nodes {
			n.mut.Lock()
			cv.So(len(n.got[1].payload), cv.ShouldEqual, len(big))
			cv.So(n.got[1].payload, cv.ShouldEqual, string(big))
			n.mut.Unlock()
		}
	})
}

func TestMaxPayloadBoundary(t *testing.T) {
	cv.Convey("a payload of exactly MaxPayloadSize goes through; one byte more is rejected synchronously", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2}, 29157, singleSender(1, OrderedMode),
			func(c *Config) {
				c.MaxPayloadSize = 8192
				c.BlockSize = 1024
			})
		defer stopCluster(nodes)
		a := nodes[0]

		cv.So(a.g.GetSendBuffer(0, 8193), cv.ShouldBeNil)
		_, err := a.g.GetSendBufferErr(0, 8193)
		cv.So(err, cv.ShouldEqual, ErrPayloadTooBig)

		exact := make([]byte, 8192)
		for i := range exact {
			exact[i] = byte(i * 7)
		}
		sendPayload(t, a, 0, string(exact), 0)
		waitDelivered(t, nodes, 1)
		for _, n := range nodes {
			n.mut.Lock()
			cv.So(n.got[0].payload, cv.ShouldEqual, string(exact))
			n.mut.Unlock()
		}
	})
}

func TestRawModePerSenderOrder(t *testing.T) {
	cv.Convey("raw mode preserves per-sender send order; cross-sender order is unspecified", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2, 3}, 29158, firstTwoSenders(RawMode), nil)
		defer stopCluster(nodes)
		a, b := nodes[0], nodes[1]

		for i := 0; i < 4; i++ {
			sendPayload(t, a, 0, fmt.Sprintf("a%v", i), 0)
			sendPayload(t, b, 0, fmt.Sprintf("b%v", i), 0)
		}
		waitDelivered(t, nodes, 8)

		for _, n := range nodes {
			n.mut.Lock()
			var fromA, fromB []string
			for _, m := range n.got {
				if m.sender == 1 {
					fromA = append(fromA, m.payload)
				} else {
					fromB = append(fromB, m.payload)
				}
			}
			n.mut.Unlock()
			cv.So(fromA, cv.ShouldResemble, []string{"a0", "a1", "a2", "a3"})
			cv.So(fromB, cv.ShouldResemble, []string{"b0", "b1", "b2", "b3"})
		}
	})
}

func TestNullSend(t *testing.T) {
	cv.Convey("a null send consumes a sequence slot without a delivery upcall", t, func() {
		hub := NewMemHub()
		nodes := startCluster(t, hub, []NodeID{1, 2}, 29159, singleSender(1, OrderedMode), nil)
		defer stopCluster(nodes)
		a := nodes[0]

		waitUntil(t, 10*time.Second, "null send accepted", func() bool {
			return a.g.SendNull(0)
		})
		sendPayload(t, a, 0, "real", 0)
		waitDelivered(t, nodes, 1)
		for _, n := range nodes {
			n.mut.Lock()
			cv.So(n.got[0].payload, cv.ShouldEqual, "real")
			cv.So(n.got[0].index, cv.ShouldEqual, int64(1))
			n.mut.Unlock()
		}
	})
}

func TestPersistenceGatesAndLogs(t *testing.T) {
	cv.Convey("with persistence on, every delivered message lands in the log and persisted_num advances", t, func() {
		hub := NewMemHub()
		dir := t.TempDir()
		var mut sync.Mutex
		persisted := map[NodeID]int{}
		logCtr := 0
		mkNodes := startCluster(t, hub, []NodeID{1, 2}, 29160, singleSender(1, OrderedMode),
			func(c *Config) { logCtr++; c.Filename = fmt.Sprintf("%v/log-%v.bin", dir, logCtr) })
		defer stopCluster(mkNodes)
		a := mkNodes[0]
		for _, n := range mkNodes {
			id := n.id
			n.g.RegisterPersistenceCallback(func(sg SubgroupID, sender NodeID, index int64, data []byte) {
				mut.Lock()
				persisted[id]++
				mut.Unlock()
			})
		}

		var want []string
		for i := 0; i < 5; i++ {
			p := fmt.Sprintf("p%v", i)
			want = append(want, p)
			sendPayload(t, a, 0, p, 0)
		}
		waitDelivered(t, mkNodes, 5)
		waitUntil(t, 10*time.Second, "persistence upcalls", func() bool {
			mut.Lock()
			defer mut.Unlock()
			return persisted[1] >= 5 && persisted[2] >= 5
		})
		// the sender's log replays to the same payload sequence
		a.g.vm.viewMut.RLock()
		path := a.g.vm.cfg.Filename
		a.g.vm.viewMut.RUnlock()
		waitUntil(t, 10*time.Second, "log to hold all records", func() bool {
			var got []string
			ReplayLog(path, func(sg SubgroupID, vid int64, sender NodeID, index int64, cooked bool, data []byte) error {
				got = append(got, string(data))
				return nil
			})
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		})
	})
}
