package derecho

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func TestLateJoinerSeesOnlyNewMessages(t *testing.T) {
	cv.Convey("a late joiner installs the next view, is delivered nothing from the old one, and shares order in the new one", t, func() {
		hub := NewMemHub()
		layout := AllMembersOneShard(OrderedMode)
		nodes := startCluster(t, hub, []NodeID{1, 2, 3}, 29170, layout, nil)
		defer stopCluster(nodes)
		a := nodes[0]

		var oldPayloads []string
		for i := 0; i < 100; i++ {
			p := fmt.Sprintf("old-%03d", i)
			oldPayloads = append(oldPayloads, p)
			sendPayload(t, a, 0, p, 0)
		}
		waitDelivered(t, nodes, 100)

		// D joins; everyone moves to the next view.
		d := &tnode{id: 4}
		d.g = joinWithRetry(t, hub, 4, "127.0.0.1:29170", d.callbacks(), layout, func() *Config {
			c := NewConfig()
			c.GmsAddr = "127.0.0.1:0"
			return c
		}())
		defer d.g.Shutdown()
		all := append(append([]*tnode{}, nodes...), d)
		joinedVid := int64(2) // v0 founding pair, v1 third member, v2 adds D
		for _, n := range all {
			cv.So(n.g.WaitForVid(joinedVid, 20*time.Second), cv.ShouldBeNil)
		}
		cv.So(len(d.g.GetMembers()), cv.ShouldEqual, 4)
		cv.So(d.deliveredCount(), cv.ShouldEqual, 0)

		// fresh traffic reaches all four, identically ordered.
		var newPayloads []string
		for i, n := range all {
			p := fmt.Sprintf("new-%v", i)
			newPayloads = append(newPayloads, p)
			sendPayload(t, n, 0, p, 0)
		}
		waitUntil(t, 30*time.Second, "new messages everywhere", func() bool {
			for _, n := range all {
				if n.deliveredCount() < len(n.wantTotal(oldPayloads, newPayloads)) {
					return false
				}
			}
			return true
		})
		dNew := d.deliveredPayloads()
		cv.So(len(dNew), cv.ShouldEqual, len(newPayloads))
		for _, n := range nodes {
			got := n.deliveredPayloads()
			cv.So(got[:100], cv.ShouldResemble, oldPayloads)
			cv.So(got[100:], cv.ShouldResemble, dNew)
		}
	})
}

// wantTotal sizes the expected delivery count for a node: the
// late joiner never sees the old traffic.
func (n *tnode) wantTotal(old, fresh []string) []string {
	if n.id == 4 {
		return fresh
	}
	return append(append([]string{}, old...), fresh...)
}

func TestNodeFailureMidStream(t *testing.T) {
	cv.Convey("a crash mid-stream yields a new view; survivors share one delivered sequence covering all of A's messages", t, func() {
		hub := NewMemHub()
		layout := singleSender(1, OrderedMode)
		nodes := startCluster(t, hub, []NodeID{1, 2, 3, 4}, 29171, layout, nil)
		a, c := nodes[0], nodes[2]

		var want []string
		for i := 0; i < 5; i++ {
			p := fmt.Sprintf("pre-%v", i)
			want = append(want, p)
			sendPayload(t, a, 0, p, 0)
		}
		waitDelivered(t, nodes, 5)

		// C crashes: stop its engine, then cut it off.
		c.g.Shutdown()
		hub.Kill(3)

		// A keeps sending through the view change; the window
		// may stall until the survivors trim and reinstall.
		for i := 5; i < 10; i++ {
			p := fmt.Sprintf("post-%v", i)
			want = append(want, p)
			sendPayload(t, a, 0, p, 0)
		}

		survivors := []*tnode{nodes[0], nodes[1], nodes[3]}
		for _, n := range survivors {
			cv.So(n.g.WaitForVid(3, 30*time.Second), cv.ShouldBeNil)
			cv.So(len(n.g.GetMembers()), cv.ShouldEqual, 3)
			cv.So(n.g.CurrentView().Rank(3), cv.ShouldEqual, -1)
		}
		waitDelivered(t, survivors, len(want))
		ref := survivors[0].deliveredPayloads()
		cv.So(ref, cv.ShouldResemble, want)
		for _, n := range survivors[1:] {
			cv.So(n.deliveredPayloads(), cv.ShouldResemble, ref)
		}
		stopCluster(survivors)
	})
}

func TestVirtualSynchronyPrefixes(t *testing.T) {
	cv.Convey("under churn, any member's delivered sequence is a prefix of another's", t, func() {
		hub := NewMemHub()
		layout := firstTwoSenders(OrderedMode)
		nodes := startCluster(t, hub, []NodeID{1, 2, 3}, 29172, layout, nil)
		defer stopCluster(nodes)
		a, b := nodes[0], nodes[1]

		for i := 0; i < 10; i++ {
			sendPayload(t, a, 0, fmt.Sprintf("A%v", i), 0)
			sendPayload(t, b, 0, fmt.Sprintf("B%v", i), 0)
		}
		waitDelivered(t, nodes, 20)
		seqs := make([][]string, len(nodes))
		for i, n := range nodes {
			seqs[i] = n.deliveredPayloads()
		}
		for i := range seqs {
			for j := range seqs {
				shorter, longer := seqs[i], seqs[j]
				if len(shorter) > len(longer) {
					shorter, longer = longer, shorter
				}
				cv.So(longer[:len(shorter)], cv.ShouldResemble, shorter)
			}
		}
	})
}

func TestLeaveShrinksView(t *testing.T) {
	cv.Convey("a clean leave installs a view without the departed member", t, func() {
		hub := NewMemHub()
		layout := AllMembersOneShard(OrderedMode)
		nodes := startCluster(t, hub, []NodeID{1, 2, 3}, 29173, layout, nil)
		a, b, c := nodes[0], nodes[1], nodes[2]

		cv.So(c.g.Leave(), cv.ShouldBeNil)
		for _, n := range []*tnode{a, b} {
			cv.So(n.g.WaitForVid(2, 30*time.Second), cv.ShouldBeNil)
			members := n.g.GetMembers()
			cv.So(len(members), cv.ShouldEqual, 2)
			cv.So(members[0], cv.ShouldEqual, NodeID(1))
			cv.So(members[1], cv.ShouldEqual, NodeID(2))
		}
		// the pair still multicasts
		sendPayload(t, a, 0, "after-leave", 0)
		waitDelivered(t, []*tnode{a, b}, 1)
		stopCluster([]*tnode{a, b})
	})
}

func TestRestartFromLogsRejoins(t *testing.T) {
	cv.Convey("a crashed member restarts from its view file and rejoins through the saved leader", t, func() {
		hub := NewMemHub()
		layout := AllMembersOneShard(OrderedMode)
		dir := t.TempDir()
		viewFiles := map[int]string{}
		ctr := 0
		nodes := startCluster(t, hub, []NodeID{1, 2, 3}, 29174, layout, func(c *Config) {
			ctr++
			c.ViewFile = filepath.Join(dir, fmt.Sprintf("view-%v.bin", ctr))
			viewFiles[ctr] = c.ViewFile
		})
		a, b, c := nodes[0], nodes[1], nodes[2]

		// C crashes after v1 installed.
		c.g.Shutdown()
		hub.Kill(3)
		for _, n := range []*tnode{a, b} {
			cv.So(n.g.WaitForVid(2, 30*time.Second), cv.ShouldBeNil)
			cv.So(len(n.g.GetMembers()), cv.ShouldEqual, 2)
		}

		// machine reboots; C rejoins from its saved view.
		hub.Revive(3)
		cfg := NewConfig()
		cfg.GmsAddr = "127.0.0.1:0"
		cfg.ViewFile = viewFiles[3]
		c2 := &tnode{id: 3}
		var err error
		c2.g, err = RestartFromLogs(hub, 3, "", c2.callbacks(), layout, cfg)
		cv.So(err, cv.ShouldBeNil)

		all := []*tnode{a, b, c2}
		for _, n := range all {
			cv.So(n.g.WaitForVid(3, 30*time.Second), cv.ShouldBeNil)
			cv.So(len(n.g.GetMembers()), cv.ShouldEqual, 3)
		}
		sendPayload(t, a, 0, "welcome-back", 0)
		waitDelivered(t, all, 1)
		stopCluster(all)
	})
}

func TestBarrierSync(t *testing.T) {
	hub := NewMemHub()
	layout := AllMembersOneShard(OrderedMode)
	nodes := startCluster(t, hub, []NodeID{1, 2}, 29176, layout, nil)
	defer stopCluster(nodes)

	errs := make(chan error, 2)
	for _, n := range nodes {
		n := n
		go func() { errs <- n.g.BarrierSync("checkpoint") }()
	}
	for range nodes {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("barrier: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("barrier never completed")
		}
	}
}

func TestReportFailureUnknownNode(t *testing.T) {
	hub := NewMemHub()
	layout := AllMembersOneShard(OrderedMode)
	nodes := startCluster(t, hub, []NodeID{1, 2}, 29175, layout, nil)
	defer stopCluster(nodes)
	if err := nodes[0].g.ReportFailure(99); err == nil {
		t.Fatalf("reporting an unknown node should error")
	}
}
