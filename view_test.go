package derecho

import (
	"path/filepath"
	"reflect"
	"testing"
)

func sampleView() *View {
	v := &View{
		Vid:       4,
		Members:   []NodeID{1, 2, 5},
		MemberIPs: []string{"10.0.0.1:23580", "10.0.0.2:23580", "10.0.0.5:23580"},
		Failed:    []bool{false, true, false},
		NumFailed: 1,
		Joined:    []NodeID{5},
		Departed:  []NodeID{3},
		MyRank:    0,
	}
	v.Types = []SubgroupType{{
		Name: "default",
		Shards: []ShardSpec{{
			Members: []NodeID{1, 2, 5},
			Senders: []bool{true, true, false},
			Mode:    OrderedMode,
		}},
	}}
	return v
}

func TestViewBlobRoundTrip(t *testing.T) {
	v := sampleView()
	blob, err := v.MarshalBlob()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalViewBlob(blob)
	if err != nil {
		t.Fatal(err)
	}
	got.MyRank = v.MyRank // MyRank is per-node, not serialized state
	if !reflect.DeepEqual(v, got) {
		t.Fatalf("view blob round trip:\nwant %+v\ngot  %+v", v, got)
	}
}

func TestViewFileRoundTrip(t *testing.T) {
	v := sampleView()
	path := filepath.Join(t.TempDir(), "view.bin")
	if err := saveViewFile(path, v); err != nil {
		t.Fatal(err)
	}
	got, err := loadViewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Vid != v.Vid || !reflect.DeepEqual(got.Members, v.Members) {
		t.Fatalf("view file round trip mismatch: %+v", got)
	}
}

func TestViewInvariants(t *testing.T) {
	v := sampleView()
	if err := v.CheckInvariants(); err != nil {
		t.Fatalf("sample view should be valid: %v", err)
	}
	dup := sampleView()
	dup.Members[2] = 1
	dup.Types[0].Shards[0].Members[2] = 1
	if err := dup.CheckInvariants(); err == nil {
		t.Fatalf("duplicate member should fail invariants")
	}
	stray := sampleView()
	stray.Types[0].Shards[0].Members[2] = 99
	if err := stray.CheckInvariants(); err == nil {
		t.Fatalf("shard member outside the view should fail invariants")
	}
	if lr := sampleView().LeaderRank(); lr != 0 {
		t.Fatalf("leader should be rank 0, got %v", lr)
	}
	failedLeader := sampleView()
	failedLeader.Failed[0] = true
	failedLeader.NumFailed = 2
	if lr := failedLeader.LeaderRank(); lr != 2 {
		t.Fatalf("leader should skip failed ranks, got %v", lr)
	}
}

func TestNextViewDeterministic(t *testing.T) {
	v := sampleView()
	v.Failed = []bool{false, false, false}
	v.NumFailed = 0
	// node 2 departs, node 7 joins
	nv := v.nextView([]NodeID{2, 7}, map[NodeID]string{7: "10.0.0.7:23580"})
	if nv.Vid != v.Vid+1 {
		t.Fatalf("vid should increment: %v", nv.Vid)
	}
	if !reflect.DeepEqual(nv.Members, []NodeID{1, 5, 7}) {
		t.Fatalf("members: got %v", nv.Members)
	}
	if !reflect.DeepEqual(nv.Departed, []NodeID{2}) || !reflect.DeepEqual(nv.Joined, []NodeID{7}) {
		t.Fatalf("deltas: departed %v joined %v", nv.Departed, nv.Joined)
	}
	if nv.MemberIPs[2] != "10.0.0.7:23580" {
		t.Fatalf("joiner ip: got %v", nv.MemberIPs[2])
	}
	// same inputs, same output
	nv2 := v.nextView([]NodeID{2, 7}, map[NodeID]string{7: "10.0.0.7:23580"})
	nv2.MyRank = nv.MyRank
	if !reflect.DeepEqual(nv, nv2) {
		t.Fatalf("nextView is not deterministic")
	}
}

func TestBuildSettings(t *testing.T) {
	v := sampleView()
	v.Failed = []bool{false, false, false}
	v.NumFailed = 0
	settings, nRecv := v.buildSettings(1)
	if nRecv != 2 {
		t.Fatalf("num_received total: want 2 senders, got %v", nRecv)
	}
	if len(settings) != 1 || settings[0] == nil {
		t.Fatalf("node 1 should have settings for the single shard")
	}
	st := settings[0]
	if st.senderRank != 0 {
		t.Fatalf("node 1 sender rank: want 0, got %v", st.senderRank)
	}
	if st.senderRankOfNode(2) != 1 || st.senderRankOfNode(5) != -1 {
		t.Fatalf("sender rank mapping wrong")
	}
	if st.shardRankOfSender(1) != 1 {
		t.Fatalf("shard rank of sender 1: got %v", st.shardRankOfSender(1))
	}
	// node 5 is a member but not a sender
	s5, _ := sampleOkSettings(v, 5)
	if s5.senderRank != -1 {
		t.Fatalf("node 5 should not be a sender")
	}
	// a stranger gets nil settings
	sx, _ := (*v).buildSettings(99)
	if sx[0] != nil {
		t.Fatalf("non-member should get nil settings")
	}
}

func sampleOkSettings(v *View, id NodeID) (*subgroupSettings, int) {
	settings, n := v.buildSettings(id)
	return settings[0], n
}
