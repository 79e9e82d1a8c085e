package derecho

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// sst.go: the shared-state table. Every member owns exactly
// one row and only ever writes to it; put() pushes the row (or
// a byte range of it) into every live peer's copy with a
// one-sided write. All protocol state — multicast counters,
// membership proposals, heartbeats — lives in the row, and the
// predicate engine turns locally-visible changes into
// triggers.
//
// The row is a flat byte layout with computed field offsets,
// the same shape the table has inside a registered RDMA
// region. All 64-bit fields sit at 8-byte offsets so a
// field-granularity copy can never tear them.

// sstParams sizes the row.
type sstParams struct {
	numSubgroups int
	// numReceivedTotal is the sum of sender counts across
	// subgroups: the length of the num_received vectors.
	numReceivedTotal int
	windowSize       int
	// slotSize is the full byte budget of one multicast slot
	// (header + payload).
	slotSize int64
	// suspicionTimeout bounds PutWithCompletion waits.
	suspicionTimeout time.Duration
}

// sstLayout holds the byte offsets of every field within one
// row.
type sstLayout struct {
	n, nSub, nRecv, window, nChangeSlots int
	slotSize, slotStride                 int64

	offVid            int64
	offSuspected      int64
	offChanges        int64
	offJoinerIPs      int64
	offNChanges       int64
	offNCommitted     int64
	offNAcked         int64
	offNInstalled     int64
	offSeqNum         int64
	offStableNum      int64
	offDeliveredNum   int64
	offPersistedNum   int64
	offNumReceived    int64
	offNumReceivedSST int64
	offGlobalMin      int64
	offGlobalMinReady int64
	offSlots          int64
	offHeartbeat      int64
	rowLen            int64
}

func pad8(v int64) int64 {
	if rem := v % 8; rem != 0 {
		v += 8 - rem
	}
	return v
}

func makeLayout(n int, p sstParams) (lay sstLayout) {
	lay.n = n
	lay.nSub = p.numSubgroups
	lay.nRecv = p.numReceivedTotal
	lay.window = p.windowSize
	lay.nChangeSlots = n + 1
	lay.slotSize = p.slotSize
	lay.slotStride = pad8(16 + p.slotSize) // nextSeq:8, size:4, pad:4, buf

	off := int64(0)
	next := func(sz int64) (at int64) {
		at = off
		off = pad8(off + sz)
		return
	}
	lay.offVid = next(8)
	lay.offSuspected = next(int64(n))
	lay.offChanges = next(int64(lay.nChangeSlots) * 8)
	lay.offJoinerIPs = next(int64(lay.nChangeSlots) * 8)
	lay.offNChanges = next(8)
	lay.offNCommitted = next(8)
	lay.offNAcked = next(8)
	lay.offNInstalled = next(8)
	lay.offSeqNum = next(int64(lay.nSub) * 8)
	lay.offStableNum = next(int64(lay.nSub) * 8)
	lay.offDeliveredNum = next(int64(lay.nSub) * 8)
	lay.offPersistedNum = next(int64(lay.nSub) * 8)
	lay.offNumReceived = next(int64(lay.nRecv) * 8)
	lay.offNumReceivedSST = next(int64(lay.nRecv) * 8)
	lay.offGlobalMin = next(int64(lay.nRecv) * 8)
	lay.offGlobalMinReady = next(int64(lay.nSub))
	lay.offSlots = next(int64(lay.nSub) * int64(lay.window) * lay.slotStride)
	lay.offHeartbeat = next(8)
	lay.rowLen = off
	return
}

// SST is one member's copy of the table plus the queue pairs
// that replicate its row outward.
type SST struct {
	lay     sstLayout
	members []NodeID
	me      int // my rank
	table   []byte
	mr      *MemoryRegion
	fab     Fabric
	poller  *completionPoller
	preds   *Predicates
	params  sstParams

	mutQP  sync.Mutex
	qps    []QueuePair // indexed by rank; nil at me
	frozen []bool

	// exchFor builds the bootstrap exchanger used for QP
	// setup and barrier syncs with a given peer rank.
	exchFor func(peerRank int, tag string) BlobExchange

	// failureUpcall hears about ranks whose QP broke.
	failureUpcall func(rank int)
}

// NewSST allocates and registers the table, connects a queue
// pair to every peer (skipping ranks marked alreadyFailed),
// and starts the completion poller. Predicates do not run
// until StartPredicates.
func NewSST(fab Fabric, members []NodeID, myRank int, p sstParams,
	exchFor func(peerRank int, tag string) BlobExchange,
	failureUpcall func(rank int), alreadyFailed []bool) (*SST, error) {

	n := len(members)
	if myRank < 0 || myRank >= n {
		return nil, fmt.Errorf("sst: my rank %v out of range, %v members", myRank, n)
	}
	lay := makeLayout(n, p)
	table := make([]byte, lay.rowLen*int64(n))
	mr, err := fab.RegisterMemory(table)
	if err != nil {
		return nil, err
	}
	s := &SST{
		lay:           lay,
		members:       members,
		me:            myRank,
		table:         table,
		mr:            mr,
		fab:           fab,
		preds:         newPredicates(),
		params:        p,
		qps:           make([]QueuePair, n),
		frozen:        make([]bool, n),
		exchFor:       exchFor,
		failureUpcall: failureUpcall,
	}
	s.initLocalRows()

	s.poller = newCompletionPoller(fab, nil)
	s.poller.start()

	for r := 0; r < n; r++ {
		if r == myRank {
			continue
		}
		if alreadyFailed != nil && alreadyFailed[r] {
			s.frozen[r] = true
			continue
		}
		qp, err := fab.ConnectQueuePair(members[r], mr, exchFor(r, "sst-qp"))
		if err != nil {
			// a peer that died during bootstrap is frozen, not
			// fatal; the GMS will suspect it.
			alwaysPrintf("sst: qp to rank %v (node %v) failed during setup: %v", r, members[r], err)
			s.frozen[r] = true
			if failureUpcall != nil {
				failureUpcall(r)
			}
			continue
		}
		s.qps[r] = qp
	}
	return s, nil
}

// initLocalRows writes the uninitialized state (-1 counters)
// into every row of the local table.
func (s *SST) initLocalRows() {
	s.mr.Mut.Lock()
	defer s.mr.Mut.Unlock()
	for r := 0; r < s.lay.n; r++ {
		base := s.rowOff(r)
		for i := 0; i < s.lay.nChangeSlots; i++ {
			s.put64At(base+s.lay.offChanges+int64(i)*8, -1)
		}
		for i := 0; i < s.lay.nSub; i++ {
			s.put64At(base+s.lay.offSeqNum+int64(i)*8, -1)
			s.put64At(base+s.lay.offStableNum+int64(i)*8, -1)
			s.put64At(base+s.lay.offDeliveredNum+int64(i)*8, -1)
			s.put64At(base+s.lay.offPersistedNum+int64(i)*8, -1)
		}
		for i := 0; i < s.lay.nRecv; i++ {
			s.put64At(base+s.lay.offNumReceived+int64(i)*8, -1)
			s.put64At(base+s.lay.offNumReceivedSST+int64(i)*8, -1)
			s.put64At(base+s.lay.offGlobalMin+int64(i)*8, -1)
		}
	}
}

func (s *SST) rowOff(rank int) int64 { return int64(rank) * s.lay.rowLen }

func (s *SST) NumRows() int    { return s.lay.n }
func (s *SST) MyRank() int     { return s.me }
func (s *SST) Members() []NodeID { return s.members }

// RankOfNode maps a node id to its row, -1 if absent.
func (s *SST) RankOfNode(id NodeID) int {
	for i, m := range s.members {
		if m == id {
			return i
		}
	}
	return -1
}

func (s *SST) Predicates() *Predicates { return s.preds }

// StartPredicates begins trigger evaluation.
func (s *SST) StartPredicates() { s.preds.start(s) }

// raw accessors; callers hold s.mr.Mut appropriately.
func (s *SST) get64At(off int64) int64 {
	return int64(binary.LittleEndian.Uint64(s.table[off : off+8]))
}
func (s *SST) put64At(off int64, v int64) {
	binary.LittleEndian.PutUint64(s.table[off:off+8], uint64(v))
}

func (s *SST) read64(rank int, fieldOff int64, idx int) int64 {
	s.mr.Mut.RLock()
	v := s.get64At(s.rowOff(rank) + fieldOff + int64(idx)*8)
	s.mr.Mut.RUnlock()
	return v
}

// write64 writes into MY row only; rank parameters are absent
// on purpose. SST write-ownership is the core invariant.
func (s *SST) write64(fieldOff int64, idx int, v int64) {
	s.mr.Mut.Lock()
	s.put64At(s.rowOff(s.me)+fieldOff+int64(idx)*8, v)
	s.mr.Mut.Unlock()
}

func (s *SST) readBool(rank int, fieldOff int64, idx int) bool {
	s.mr.Mut.RLock()
	b := s.table[s.rowOff(rank)+fieldOff+int64(idx)]
	s.mr.Mut.RUnlock()
	return b != 0
}

func (s *SST) writeBool(fieldOff int64, idx int, v bool) {
	s.mr.Mut.Lock()
	var b byte
	if v {
		b = 1
	}
	s.table[s.rowOff(s.me)+fieldOff+int64(idx)] = b
	s.mr.Mut.Unlock()
}

// typed field accessors

func (s *SST) Vid(rank int) int64  { return s.read64(rank, s.lay.offVid, 0) }
func (s *SST) SetVid(v int64)      { s.write64(s.lay.offVid, 0, v) }

func (s *SST) Suspected(rank, j int) bool { return s.readBool(rank, s.lay.offSuspected, j) }
func (s *SST) SetSuspected(j int, v bool) { s.writeBool(s.lay.offSuspected, j, v) }

func (s *SST) Change(rank, k int) int64 { return s.read64(rank, s.lay.offChanges, k) }
func (s *SST) SetChange(k int, id int64) { s.write64(s.lay.offChanges, k, id) }

func (s *SST) JoinerIP(rank, k int) int64  { return s.read64(rank, s.lay.offJoinerIPs, k) }
func (s *SST) SetJoinerIP(k int, v int64)  { s.write64(s.lay.offJoinerIPs, k, v) }

func (s *SST) NChanges(rank int) int64   { return s.read64(rank, s.lay.offNChanges, 0) }
func (s *SST) SetNChanges(v int64)       { s.write64(s.lay.offNChanges, 0, v) }
func (s *SST) NCommitted(rank int) int64 { return s.read64(rank, s.lay.offNCommitted, 0) }
func (s *SST) SetNCommitted(v int64)     { s.write64(s.lay.offNCommitted, 0, v) }
func (s *SST) NAcked(rank int) int64     { return s.read64(rank, s.lay.offNAcked, 0) }
func (s *SST) SetNAcked(v int64)         { s.write64(s.lay.offNAcked, 0, v) }
func (s *SST) NInstalled(rank int) int64 { return s.read64(rank, s.lay.offNInstalled, 0) }
func (s *SST) SetNInstalled(v int64)     { s.write64(s.lay.offNInstalled, 0, v) }

func (s *SST) SeqNum(rank, sg int) int64       { return s.read64(rank, s.lay.offSeqNum, sg) }
func (s *SST) SetSeqNum(sg int, v int64)       { s.write64(s.lay.offSeqNum, sg, v) }
func (s *SST) StableNum(rank, sg int) int64    { return s.read64(rank, s.lay.offStableNum, sg) }
func (s *SST) SetStableNum(sg int, v int64)    { s.write64(s.lay.offStableNum, sg, v) }
func (s *SST) DeliveredNum(rank, sg int) int64 { return s.read64(rank, s.lay.offDeliveredNum, sg) }
func (s *SST) SetDeliveredNum(sg int, v int64) { s.write64(s.lay.offDeliveredNum, sg, v) }
func (s *SST) PersistedNum(rank, sg int) int64 { return s.read64(rank, s.lay.offPersistedNum, sg) }
func (s *SST) SetPersistedNum(sg int, v int64) { s.write64(s.lay.offPersistedNum, sg, v) }

func (s *SST) NumReceived(rank, i int) int64    { return s.read64(rank, s.lay.offNumReceived, i) }
func (s *SST) SetNumReceived(i int, v int64)    { s.write64(s.lay.offNumReceived, i, v) }
func (s *SST) NumReceivedSST(rank, i int) int64 { return s.read64(rank, s.lay.offNumReceivedSST, i) }
func (s *SST) SetNumReceivedSST(i int, v int64) { s.write64(s.lay.offNumReceivedSST, i, v) }

func (s *SST) GlobalMin(rank, i int) int64       { return s.read64(rank, s.lay.offGlobalMin, i) }
func (s *SST) SetGlobalMin(i int, v int64)       { s.write64(s.lay.offGlobalMin, i, v) }
func (s *SST) GlobalMinReady(rank, sg int) bool  { return s.readBool(rank, s.lay.offGlobalMinReady, sg) }
func (s *SST) SetGlobalMinReady(sg int, v bool)  { s.writeBool(s.lay.offGlobalMinReady, sg, v) }

func (s *SST) Heartbeat(rank int) int64 { return s.read64(rank, s.lay.offHeartbeat, 0) }
func (s *SST) BumpHeartbeat() {
	s.mr.Mut.Lock()
	off := s.rowOff(s.me) + s.lay.offHeartbeat
	s.put64At(off, s.get64At(off)+1)
	s.mr.Mut.Unlock()
}

// slot accessors; slotIdx = subgroup*window + (k % window), k
// counting the sender's slot messages.

func (s *SST) slotOff(rank, slotIdx int) int64 {
	return s.rowOff(rank) + s.lay.offSlots + int64(slotIdx)*s.lay.slotStride
}

func (s *SST) SlotNextSeq(rank, slotIdx int) int64 {
	s.mr.Mut.RLock()
	v := s.get64At(s.slotOff(rank, slotIdx))
	s.mr.Mut.RUnlock()
	return v
}

func (s *SST) SlotSize(rank, slotIdx int) int32 {
	s.mr.Mut.RLock()
	v := int32(binary.LittleEndian.Uint32(s.table[s.slotOff(rank, slotIdx)+8:]))
	s.mr.Mut.RUnlock()
	return v
}

// SlotBytes copies the slot payload out; sz from SlotSize.
func (s *SST) SlotBytes(rank, slotIdx int, sz int32) []byte {
	out := make([]byte, sz)
	s.mr.Mut.RLock()
	copy(out, s.table[s.slotOff(rank, slotIdx)+16:])
	s.mr.Mut.RUnlock()
	return out
}

// WriteMySlot fills my slot's buffer and size; NextSeq is
// written separately by SetMySlotNextSeq after the bytes, so
// a receiver that observes the new NextSeq sees whole bytes.
func (s *SST) WriteMySlot(slotIdx int, payload []byte) {
	s.mr.Mut.Lock()
	off := s.slotOff(s.me, slotIdx)
	binary.LittleEndian.PutUint32(s.table[off+8:], uint32(len(payload)))
	copy(s.table[off+16:off+16+int64(len(payload))], payload)
	s.mr.Mut.Unlock()
}

func (s *SST) SetMySlotNextSeq(slotIdx int, v int64) {
	s.mr.Mut.Lock()
	s.put64At(s.slotOff(s.me, slotIdx), v)
	s.mr.Mut.Unlock()
}

// MySlotCapacity is the byte budget of one multicast slot,
// header included.
func (s *SST) MySlotCapacity() int64 { return s.lay.slotSize }

// field offsets relative to row start, for ranged puts.

func (s *SST) OffVid() int64                { return s.lay.offVid }
func (s *SST) OffSuspected() int64          { return s.lay.offSuspected }
func (s *SST) OffChanges() int64            { return s.lay.offChanges }
func (s *SST) OffGms() (off, size int64)    { return s.lay.offSuspected, s.lay.offSeqNum - s.lay.offSuspected }
func (s *SST) OffSeqNum(sg int) int64       { return s.lay.offSeqNum + int64(sg)*8 }
func (s *SST) OffStableNum(sg int) int64    { return s.lay.offStableNum + int64(sg)*8 }
func (s *SST) OffDeliveredNum(sg int) int64 { return s.lay.offDeliveredNum + int64(sg)*8 }
func (s *SST) OffPersistedNum(sg int) int64 { return s.lay.offPersistedNum + int64(sg)*8 }
func (s *SST) OffNumReceived(i int) int64   { return s.lay.offNumReceived + int64(i)*8 }
func (s *SST) OffNumReceivedSST(i int) int64 {
	return s.lay.offNumReceivedSST + int64(i)*8
}
func (s *SST) OffGlobalMin(i int) int64      { return s.lay.offGlobalMin + int64(i)*8 }
func (s *SST) OffGlobalMinReady(sg int) int64 { return s.lay.offGlobalMinReady + int64(sg) }
func (s *SST) OffSlot(slotIdx int) (off, size int64) {
	return s.lay.offSlots + int64(slotIdx)*s.lay.slotStride, s.lay.slotStride
}
func (s *SST) OffHeartbeat() int64 { return s.lay.offHeartbeat }
func (s *SST) RowLen() int64       { return s.lay.rowLen }

// Freeze stops replicating to rank; its row keeps its last
// known contents.
func (s *SST) Freeze(rank int) {
	s.mutQP.Lock()
	s.frozen[rank] = true
	s.mutQP.Unlock()
}

func (s *SST) Frozen(rank int) bool {
	s.mutQP.Lock()
	defer s.mutQP.Unlock()
	return s.frozen[rank]
}

func (s *SST) liveQP(rank int) QueuePair {
	s.mutQP.Lock()
	defer s.mutQP.Unlock()
	if s.frozen[rank] || rank == s.me {
		return nil
	}
	return s.qps[rank]
}

func (s *SST) noteQPFailure(rank int) {
	s.mutQP.Lock()
	already := s.frozen[rank]
	s.frozen[rank] = true
	s.mutQP.Unlock()
	if !already && s.failureUpcall != nil {
		s.failureUpcall(rank)
	}
}

// Put replicates my whole row to every live peer.
func (s *SST) Put() {
	s.PutRange(0, s.lay.rowLen)
}

// PutRange replicates [off, off+size) of my row to every live
// peer. It returns once the work requests are posted.
func (s *SST) PutRange(off, size int64) {
	all := make([]int, 0, s.lay.n)
	for r := 0; r < s.lay.n; r++ {
		all = append(all, r)
	}
	s.PutRows(all, off, size)
}

// PutRows replicates a range of my row to the given ranks
// only (a shard's rows, usually).
func (s *SST) PutRows(rows []int, off, size int64) {
	myOff := s.rowOff(s.me) + off
	for _, r := range rows {
		qp := s.liveQP(r)
		if qp == nil {
			continue
		}
		err := qp.PostRemoteWrite(newWorkID(), myOff, myOff, size)
		if err != nil {
			//vv("put to rank %v failed: %v", r, err)
			s.noteQPFailure(r)
		}
	}
}

// PutWithCompletion replicates a range of my row and waits for
// the local completion from every live peer. Peers whose
// completion errors or times out are reported failed. Used by
// the heartbeat so silence turns into suspicion.
func (s *SST) PutWithCompletion(off, size int64) error {
	myOff := s.rowOff(s.me) + off
	type outstanding struct {
		rank int
		w    *completionWaiter
	}
	var waits []outstanding
	for r := 0; r < s.lay.n; r++ {
		qp := s.liveQP(r)
		if qp == nil {
			continue
		}
		wr := newWorkID()
		w := s.poller.expect(wr)
		err := qp.PostRemoteWriteWithCompletion(wr, myOff, myOff, size)
		if err != nil {
			s.poller.forget(wr)
			s.noteQPFailure(r)
			continue
		}
		waits = append(waits, outstanding{rank: r, w: w})
	}
	timeout := s.params.suspicionTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	deadline := time.After(timeout)
	var firstErr error
	for _, o := range waits {
		select {
		case <-o.w.Ready.WhenClosed():
			if o.w.Comp.Status != CompletionOK {
				s.noteQPFailure(o.rank)
				if firstErr == nil {
					firstErr = fmt.Errorf("completion error from rank %v", o.rank)
				}
			}
		case <-deadline:
			s.noteQPFailure(o.rank)
			if firstErr == nil {
				firstErr = fmt.Errorf("completion timeout from rank %v", o.rank)
			}
		}
	}
	return firstErr
}

// SyncWithMembers barriers with every live peer by a one-byte
// blob exchange. tag must be identical on all members.
func (s *SST) SyncWithMembers(tag string) error {
	var firstErr error
	for r := 0; r < s.lay.n; r++ {
		if r == s.me || s.Frozen(r) {
			continue
		}
		exch := s.exchFor(r, tag)
		if _, err := exch([]byte{1}); err != nil {
			s.noteQPFailure(r)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stop shuts down predicates and the completion poller. QPs
// are closed; the table memory is released with the SST.
func (s *SST) Stop() {
	s.preds.stop()
	s.poller.stop()
	s.mutQP.Lock()
	for _, qp := range s.qps {
		if qp != nil {
			qp.Close()
		}
	}
	s.mutQP.Unlock()
}
