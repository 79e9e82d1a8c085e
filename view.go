package derecho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/glycerine/greenpack/msgp"
	gjson "github.com/goccy/go-json"
)

// view.go: the membership snapshot. A View is immutable once
// installed; the GMS builds the next one deterministically
// from the committed change list so every member computes the
// same thing.

// ShardSpec is one replication unit: an ordered member list,
// a sender-allowed flag per member, and a delivery mode.
type ShardSpec struct {
	Members []NodeID
	Senders []bool
	Mode    Mode
}

// SubgroupType is one declared subgroup type with its ordered
// shard list.
type SubgroupType struct {
	Name   string
	Shards []ShardSpec
}

// SubgroupLayoutFn computes the subgroup layout for a view's
// membership. It must be deterministic: every member runs it
// on the same View and must get identical output.
type SubgroupLayoutFn func(v *View) []SubgroupType

// AllMembersOneShard is the common trivial layout: one
// subgroup type, one shard spanning the whole membership,
// everyone a sender.
func AllMembersOneShard(mode Mode) SubgroupLayoutFn {
	return func(v *View) []SubgroupType {
		senders := make([]bool, len(v.Members))
		for i := range senders {
			senders[i] = true
		}
		return []SubgroupType{{
			Name: "default",
			Shards: []ShardSpec{{
				Members: append([]NodeID{}, v.Members...),
				Senders: senders,
				Mode:    mode,
			}},
		}}
	}
}

// View is the authoritative membership descriptor for one
// epoch of the group.
type View struct {
	Vid       int64
	Members   []NodeID
	MemberIPs []string
	Failed    []bool
	NumFailed int
	Joined    []NodeID
	Departed  []NodeID
	MyRank    int

	// Types is the subgroup layout computed for this view.
	Types []SubgroupType
}

// Rank returns the member index of id, -1 if absent.
func (v *View) Rank(id NodeID) int {
	for i, m := range v.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// LeaderRank is the lowest-ranked non-failed member.
func (v *View) LeaderRank() int {
	for i := range v.Members {
		if !v.Failed[i] {
			return i
		}
	}
	return -1
}

func (v *View) IAmLeader() bool { return v.LeaderRank() == v.MyRank }

// NumSubgroups counts the flat shard enumeration.
func (v *View) NumSubgroups() (n int) {
	for _, t := range v.Types {
		n += len(t.Shards)
	}
	return
}

// Shard returns the flat-indexed shard.
func (v *View) Shard(sg int) *ShardSpec {
	for ti := range v.Types {
		if sg < len(v.Types[ti].Shards) {
			return &v.Types[ti].Shards[sg]
		}
		sg -= len(v.Types[ti].Shards)
	}
	return nil
}

// CheckInvariants validates the structural rules: no
// duplicate members, every shard member present in the view,
// parallel arrays aligned.
func (v *View) CheckInvariants() error {
	if len(v.Members) != len(v.MemberIPs) || len(v.Members) != len(v.Failed) {
		return fmt.Errorf("view %v: members/ips/failed lengths differ", v.Vid)
	}
	seen := make(map[NodeID]bool)
	for _, m := range v.Members {
		if seen[m] {
			return fmt.Errorf("view %v: duplicate member %v", v.Vid, m)
		}
		seen[m] = true
	}
	nf := 0
	for _, f := range v.Failed {
		if f {
			nf++
		}
	}
	if nf != v.NumFailed {
		return fmt.Errorf("view %v: NumFailed %v but %v failed flags set", v.Vid, v.NumFailed, nf)
	}
	for _, t := range v.Types {
		for si, sh := range t.Shards {
			if len(sh.Members) != len(sh.Senders) {
				return fmt.Errorf("view %v: shard %v/%v members/senders lengths differ", v.Vid, t.Name, si)
			}
			for _, m := range sh.Members {
				if !seen[m] {
					return fmt.Errorf("view %v: shard %v/%v member %v not in view", v.Vid, t.Name, si, m)
				}
			}
		}
	}
	return nil
}

// buildSettings derives this node's per-subgroup settings
// (shard rows, sender ranks, num_received offsets) from the
// flat shard enumeration. Entries are nil for shards this
// node is not in. numReceivedTotal is the full vector length,
// identical on every member.
func (v *View) buildSettings(myID NodeID) (settings []*subgroupSettings, numReceivedTotal int) {
	offset := 0
	sg := 0
	for _, t := range v.Types {
		for _, sh := range t.Shards {
			nSenders := 0
			for _, s := range sh.Senders {
				if s {
					nSenders++
				}
			}
			inShard := false
			for _, m := range sh.Members {
				if m == myID {
					inShard = true
				}
			}
			if inShard {
				st := &subgroupSettings{
					subgroup:          SubgroupID(sg),
					members:           append([]NodeID{}, sh.Members...),
					senders:           append([]bool{}, sh.Senders...),
					senderRank:        -1,
					numReceivedOffset: offset,
					mode:              sh.Mode,
				}
				for _, m := range sh.Members {
					st.shardRows = append(st.shardRows, v.Rank(m))
				}
				st.senderRank = st.senderRankOfNode(myID)
				settings = append(settings, st)
			} else {
				settings = append(settings, nil)
			}
			offset += nSenders
			sg++
		}
	}
	return settings, offset
}

// nextView builds the successor deterministically from the
// committed changes: a changed id already in the membership
// departs, an unknown one joins (with the recorded IP). The
// caller re-runs the layout function and sets MyRank.
func (v *View) nextView(changeIDs []NodeID, joinerIPs map[NodeID]string) *View {
	departing := make(map[NodeID]bool)
	var joining []NodeID
	for _, id := range changeIDs {
		if v.Rank(id) >= 0 {
			departing[id] = true
		} else {
			joining = append(joining, id)
		}
	}
	nv := &View{Vid: v.Vid + 1}
	for i, m := range v.Members {
		if departing[m] {
			nv.Departed = append(nv.Departed, m)
			continue
		}
		nv.Members = append(nv.Members, m)
		nv.MemberIPs = append(nv.MemberIPs, v.MemberIPs[i])
	}
	for _, j := range joining {
		nv.Members = append(nv.Members, j)
		nv.MemberIPs = append(nv.MemberIPs, joinerIPs[j])
		nv.Joined = append(nv.Joined, j)
	}
	nv.Failed = make([]bool, len(nv.Members))
	return nv
}

// --- wire codec (greenpack/msgp, hand-rolled) ---
//
// The join handshake and the view file both carry a View as a
// msgp blob: every field length-prefixed, no reflection.

func (v *View) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteInt64(v.Vid); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(v.Members))); err != nil {
		return
	}
	for i := range v.Members {
		if err = en.WriteUint32(uint32(v.Members[i])); err != nil {
			return
		}
		if err = en.WriteString(v.MemberIPs[i]); err != nil {
			return
		}
		if err = en.WriteBool(v.Failed[i]); err != nil {
			return
		}
	}
	if err = en.WriteArrayHeader(uint32(len(v.Joined))); err != nil {
		return
	}
	for _, j := range v.Joined {
		if err = en.WriteUint32(uint32(j)); err != nil {
			return
		}
	}
	if err = en.WriteArrayHeader(uint32(len(v.Departed))); err != nil {
		return
	}
	for _, d := range v.Departed {
		if err = en.WriteUint32(uint32(d)); err != nil {
			return
		}
	}
	if err = en.WriteArrayHeader(uint32(len(v.Types))); err != nil {
		return
	}
	for _, t := range v.Types {
		if err = en.WriteString(t.Name); err != nil {
			return
		}
		if err = en.WriteArrayHeader(uint32(len(t.Shards))); err != nil {
			return
		}
		for _, sh := range t.Shards {
			if err = en.WriteInt64(int64(sh.Mode)); err != nil {
				return
			}
			if err = en.WriteArrayHeader(uint32(len(sh.Members))); err != nil {
				return
			}
			for i := range sh.Members {
				if err = en.WriteUint32(uint32(sh.Members[i])); err != nil {
					return
				}
				if err = en.WriteBool(sh.Senders[i]); err != nil {
					return
				}
			}
		}
	}
	return nil
}

func (v *View) DecodeMsg(dc *msgp.Reader) (err error) {
	if v.Vid, err = dc.ReadInt64(); err != nil {
		return
	}
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	v.Members = make([]NodeID, n)
	v.MemberIPs = make([]string, n)
	v.Failed = make([]bool, n)
	v.NumFailed = 0
	for i := uint32(0); i < n; i++ {
		var id uint32
		if id, err = dc.ReadUint32(); err != nil {
			return
		}
		v.Members[i] = NodeID(id)
		if v.MemberIPs[i], err = dc.ReadString(); err != nil {
			return
		}
		if v.Failed[i], err = dc.ReadBool(); err != nil {
			return
		}
		if v.Failed[i] {
			v.NumFailed++
		}
	}
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	v.Joined = make([]NodeID, n)
	for i := uint32(0); i < n; i++ {
		var id uint32
		if id, err = dc.ReadUint32(); err != nil {
			return
		}
		v.Joined[i] = NodeID(id)
	}
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	v.Departed = make([]NodeID, n)
	for i := uint32(0); i < n; i++ {
		var id uint32
		if id, err = dc.ReadUint32(); err != nil {
			return
		}
		v.Departed[i] = NodeID(id)
	}
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	v.Types = make([]SubgroupType, n)
	for ti := uint32(0); ti < n; ti++ {
		t := &v.Types[ti]
		if t.Name, err = dc.ReadString(); err != nil {
			return
		}
		var ns uint32
		if ns, err = dc.ReadArrayHeader(); err != nil {
			return
		}
		t.Shards = make([]ShardSpec, ns)
		for si := uint32(0); si < ns; si++ {
			sh := &t.Shards[si]
			var mode int64
			if mode, err = dc.ReadInt64(); err != nil {
				return
			}
			sh.Mode = Mode(mode)
			var nm uint32
			if nm, err = dc.ReadArrayHeader(); err != nil {
				return
			}
			sh.Members = make([]NodeID, nm)
			sh.Senders = make([]bool, nm)
			for i := uint32(0); i < nm; i++ {
				var id uint32
				if id, err = dc.ReadUint32(); err != nil {
					return
				}
				sh.Members[i] = NodeID(id)
				if sh.Senders[i], err = dc.ReadBool(); err != nil {
					return
				}
			}
		}
	}
	return nil
}

// MarshalBlob serializes v for the join handshake / view file.
func (v *View) MarshalBlob() ([]byte, error) {
	var buf bytes.Buffer
	en := msgp.NewWriter(&buf)
	if err := v.EncodeMsg(en); err != nil {
		return nil, err
	}
	if err := en.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalViewBlob(b []byte) (*View, error) {
	v := &View{}
	dc := msgp.NewReader(bytes.NewReader(b))
	if err := v.DecodeMsg(dc); err != nil {
		return nil, err
	}
	return v, nil
}

// DebugDump renders the view as indented JSON for humans.
func (v *View) DebugDump() string {
	by, err := gjson.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("View{vid:%v, err:%v}", v.Vid, err)
	}
	return string(by)
}

// --- view file ---
//
// The last installed view is saved after every install so a
// restarting node can rejoin from where it left off. Frame:
// magic, blob length, crc, blob.

func saveViewFile(path string, v *View) error {
	blob, err := v.MarshalBlob()
	if err != nil {
		return err
	}
	out := make([]byte, 8+4+4+len(blob))
	copy(out, logMagic[:])
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(blob)))
	binary.LittleEndian.PutUint32(out[12:16], crc32.Checksum(blob, crcTable))
	copy(out[16:], blob)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadViewFile(path string) (*View, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(by) < 16 || !bytes.Equal(by[:8], logMagic[:]) {
		return nil, fmt.Errorf("view file %v: bad frame", path)
	}
	n := binary.LittleEndian.Uint32(by[8:12])
	wantCrc := binary.LittleEndian.Uint32(by[12:16])
	if len(by) < int(16+n) {
		return nil, fmt.Errorf("view file %v: truncated", path)
	}
	blob := by[16 : 16+n]
	if crc32.Checksum(blob, crcTable) != wantCrc {
		return nil, fmt.Errorf("view file %v: crc mismatch", path)
	}
	return UnmarshalViewBlob(blob)
}
