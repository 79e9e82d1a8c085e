package derecho

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

// group.go: the multicast delivery core. One multicastGroup
// exists per installed view. It owns the per-subgroup message
// state (pending sends, locally-stable maps, free buffers),
// drives ordering and delivery off SST counters through
// trigger predicates, and wedges during a view change.

// DeliveryCallback observes one delivered message. data is the
// payload only; the header has been stripped.
type DeliveryCallback func(subgroup SubgroupID, sender NodeID, index int64, data []byte)

// CallbackSet bundles the application's upcalls.
type CallbackSet struct {
	// GlobalStability fires when a message is delivered (raw
	// sends; cooked sends route to the RPC dispatcher).
	GlobalStability DeliveryCallback

	// LocalPersistence fires after a delivered message has
	// been synced to the log, when persistence is enabled.
	LocalPersistence DeliveryCallback
}

// rpcDispatch receives cooked (RPC-framed) deliveries.
type rpcDispatch func(subgroup SubgroupID, sender NodeID, data []byte)

// subgroupSettings fixes this node's relationship to one
// shard for the lifetime of a view. Immutable after
// construction; predicates close over it freely.
type subgroupSettings struct {
	subgroup  SubgroupID
	members   []NodeID // shard members
	shardRows []int    // sst rank of each shard member
	senders   []bool   // sender-allowed flag per shard position
	// senderRank is this node's rank among the shard's
	// senders, -1 when it may not send.
	senderRank        int
	numReceivedOffset int
	mode              Mode
}

func (st *subgroupSettings) numSenders() (n int) {
	for _, s := range st.senders {
		if s {
			n++
		}
	}
	return
}

// shardRankOfSender maps sender rank -> shard position.
func (st *subgroupSettings) shardRankOfSender(senderRank int) int {
	k := 0
	for pos, isSender := range st.senders {
		if isSender {
			if k == senderRank {
				return pos
			}
			k++
		}
	}
	return -1
}

// senderRankOfNode maps a node id to its sender rank, -1 if
// the node is not a sender here.
func (st *subgroupSettings) senderRankOfNode(id NodeID) int {
	k := 0
	for pos, isSender := range st.senders {
		if isSender {
			if st.members[pos] == id {
				return k
			}
			k++
		}
	}
	return -1
}

type sgSeq struct {
	sg  int
	seq int64
}

type multicastGroup struct {
	cfg       *Config
	members   []NodeID
	myRank    int
	myID      NodeID
	sst       *SST
	rdmc      *rdmcHost
	fab       Fabric
	callbacks CallbackSet
	dispatch  rpcDispatch

	totalSubgroups int
	// settings[sg] is nil when this node is not in that shard.
	settings []*subgroupSettings

	rdmcGroupNumOffset uint16
	rdmcGroupsCreated  uint16
	subgroupToRdmcGroup map[int]uint16
	groupsCreated       bool

	// msgStateMut guards everything below. Triggers and the
	// completion path both take it; no blocking I/O happens
	// while held.
	msgStateMut          sync.Mutex
	senderCv             *sync.Cond
	futureMessageIndices []int64
	nextSends            []*rdmcMessage
	pendingSends         [][]*rdmcMessage
	currentSends         []*rdmcMessage
	nextMessageToDeliver []int64
	locallyStableRdmc    []*omap[int64, *rdmcMessage]
	locallyStableSst     []*omap[int64, *sstMessage]
	currentReceives      map[sgSeq]*rdmcMessage
	nonPersistent        []*omap[int64, *rdmcMessage]
	nonPersistentSst     []*omap[int64, *sstMessage]
	freeMessageBuffers   [][]*messageBuffer
	sstMcast             []*sstMulticastGroup
	lastTransferMedium   []bool

	fileWriter *logWriter

	wedgedFlag  atomic.Bool
	senderHalt  *idem.Halter
	timeoutHalt *idem.Halter

	predHandles []predHandle
}

// newMulticastGroup builds the delivery core for one view.
// old, when non-nil, is the wedged group of the previous view:
// its buffers are reclaimed and this node's unfinished sends
// are re-queued with fresh indices; other members' leftovers
// are discarded (ragged-edge cleanup already delivered what
// had to survive).
func newMulticastGroup(cfg *Config, members []NodeID, myID NodeID, sst *SST,
	rdmcHost *rdmcHost, fab Fabric, callbacks CallbackSet, dispatch rpcDispatch,
	settings []*subgroupSettings, fileWriter *logWriter,
	alreadyFailed []bool, old *multicastGroup) (*multicastGroup, error) {

	myRank := -1
	for i, m := range members {
		if m == myID {
			myRank = i
		}
	}
	if myRank < 0 {
		return nil, fmt.Errorf("multicast group: node %v not in member list", myID)
	}
	nSub := len(settings)
	g := &multicastGroup{
		cfg:                  cfg,
		members:              members,
		myRank:               myRank,
		myID:                 myID,
		sst:                  sst,
		rdmc:                 rdmcHost,
		fab:                  fab,
		callbacks:            callbacks,
		dispatch:             dispatch,
		totalSubgroups:       nSub,
		settings:             settings,
		subgroupToRdmcGroup:  make(map[int]uint16),
		futureMessageIndices: make([]int64, nSub),
		nextSends:            make([]*rdmcMessage, nSub),
		pendingSends:         make([][]*rdmcMessage, nSub),
		currentSends:         make([]*rdmcMessage, nSub),
		nextMessageToDeliver: make([]int64, nSub),
		locallyStableRdmc:    make([]*omap[int64, *rdmcMessage], nSub),
		locallyStableSst:     make([]*omap[int64, *sstMessage], nSub),
		currentReceives:      make(map[sgSeq]*rdmcMessage),
		nonPersistent:        make([]*omap[int64, *rdmcMessage], nSub),
		nonPersistentSst:     make([]*omap[int64, *sstMessage], nSub),
		freeMessageBuffers:   make([][]*messageBuffer, nSub),
		sstMcast:             make([]*sstMulticastGroup, nSub),
		lastTransferMedium:   make([]bool, nSub),
		fileWriter:           fileWriter,
		senderHalt:           idem.NewHalter(),
		timeoutHalt:          idem.NewHalter(),
	}
	g.senderCv = sync.NewCond(&g.msgStateMut)
	if old != nil {
		g.rdmcGroupNumOffset = old.rdmcGroupNumOffset + old.rdmcGroupsCreated
	}

	for sg, st := range settings {
		if st == nil {
			continue
		}
		g.locallyStableRdmc[sg] = newOmap[int64, *rdmcMessage]()
		g.locallyStableSst[sg] = newOmap[int64, *sstMessage]()
		g.nonPersistent[sg] = newOmap[int64, *rdmcMessage]()
		g.nonPersistentSst[sg] = newOmap[int64, *sstMessage]()
		g.sstMcast[sg] = newSstMulticastGroup(sst, sg, cfg.WindowSize,
			st.shardRows, st.senderRank, st.numReceivedOffset)
	}

	if err := g.fillBufferPools(old); err != nil {
		return nil, err
	}
	if old != nil {
		g.carryOverSends(old)
		g.fileWriter = old.fileWriter
	}
	if g.fileWriter != nil {
		g.fileWriter.setUpcall(g.onMessagePersisted)
	}

	// fresh rows everywhere, pushed, then a barrier so nobody
	// runs predicates against a half-initialized table.
	sst.Put()
	if err := sst.SyncWithMembers(fmt.Sprintf("mcgroup-init-%v", sst.Vid(sst.MyRank()))); err != nil {
		alwaysPrintf("multicast group: init barrier saw failure: %v", err)
	}

	noFailed := true
	for _, f := range alreadyFailed {
		if f {
			noFailed = false
		}
	}
	if noFailed {
		g.groupsCreated = g.createRdmcGroups()
	}
	g.registerPredicates()
	go g.sendLoop()
	go g.checkFailuresLoop()
	return g, nil
}

// fillBufferPools sizes each subgroup's free list to
// window*shardMembers buffers of maxMsgSize, reclaiming the
// old group's buffers first.
func (g *multicastGroup) fillBufferPools(old *multicastGroup) error {
	maxMsg := g.cfg.maxMsgSize()
	if old != nil {
		old.msgStateMut.Lock()
		defer old.msgStateMut.Unlock()
	}
	for sg, st := range g.settings {
		if st == nil {
			continue
		}
		if old != nil && sg < len(old.freeMessageBuffers) {
			g.freeMessageBuffers[sg] = old.freeMessageBuffers[sg]
			old.freeMessageBuffers[sg] = nil
		}
		if old != nil {
			// buffers parked in the old group's current-receive
			// map go back on the free list; carryOverSends deals
			// with the rest.
			for key, msg := range old.currentReceives {
				if key.sg == sg && msg.mb != nil {
					g.freeMessageBuffers[sg] = append(g.freeMessageBuffers[sg], msg.mb)
					delete(old.currentReceives, key)
				}
			}
		}
		want := g.cfg.WindowSize * len(st.members)
		for len(g.freeMessageBuffers[sg]) < want {
			mb, err := newMessageBuffer(g.fab, maxMsg)
			if err != nil {
				return err
			}
			g.freeMessageBuffers[sg] = append(g.freeMessageBuffers[sg], mb)
		}
	}
	return nil
}

// carryOverSends re-queues this node's unfinished sends from
// the wedged group under fresh indices, and reclaims or
// discards everything else. fillBufferPools has released
// old.msgStateMut by the time this runs, so it is taken again
// here.
func (g *multicastGroup) carryOverSends(old *multicastGroup) {
	old.msgStateMut.Lock()
	defer old.msgStateMut.Unlock()

	convert := func(sg int, msg *rdmcMessage) *rdmcMessage {
		msg.senderID = g.myID
		msg.index = g.futureMessageIndices[sg]
		h := decodeHeader(msg.mb.buf)
		h.Index = msg.index
		h.encodeTo(msg.mb.buf)
		g.futureMessageIndices[sg] += int64(h.PauseSendingTurns) + 1
		return msg
	}

	for sg := range old.settings {
		if sg >= len(g.settings) || g.settings[sg] == nil {
			continue
		}
		// Any locally-stable message the ragged edge did not
		// deliver is presumed failed: our own get re-attempted
		// in sequence order across both transports, everyone
		// else's buffers are reclaimed or dropped.
		type redo struct {
			seq int64
			msg *rdmcMessage
		}
		var redos []redo
		if lsr := old.locallyStableRdmc[sg]; lsr != nil {
			for seq, msg := range lsr.all() {
				if msg.mb == nil {
					continue
				}
				if msg.senderID == g.myID {
					redos = append(redos, redo{seq: seq, msg: msg})
				} else {
					g.freeMessageBuffers[sg] = append(g.freeMessageBuffers[sg], msg.mb)
				}
			}
			lsr.deleteAll()
		}
		if lss := old.locallyStableSst[sg]; lss != nil {
			for seq, msg := range lss.all() {
				if msg.senderID != g.myID || msg.size == 0 {
					continue
				}
				// slot-path bytes move into a registered buffer
				// so the retry can go out over either transport.
				if len(g.freeMessageBuffers[sg]) == 0 {
					alwaysPrintf("multicast group: no buffer to carry slot message seq %v", seq)
					continue
				}
				last := len(g.freeMessageBuffers[sg]) - 1
				mb := g.freeMessageBuffers[sg][last]
				g.freeMessageBuffers[sg] = g.freeMessageBuffers[sg][:last]
				copy(mb.buf, msg.buf[:msg.size])
				redos = append(redos, redo{seq: seq,
					msg: &rdmcMessage{senderID: g.myID, size: int64(msg.size), mb: mb}})
			}
			lss.deleteAll()
		}
		sort.Slice(redos, func(i, j int) bool { return redos[i].seq < redos[j].seq })
		for _, r := range redos {
			g.pendingSends[sg] = append(g.pendingSends[sg], convert(sg, r.msg))
		}
		if cur := old.currentSends[sg]; cur != nil {
			g.pendingSends[sg] = append(g.pendingSends[sg], convert(sg, cur))
			old.currentSends[sg] = nil
		}
		for _, msg := range old.pendingSends[sg] {
			g.pendingSends[sg] = append(g.pendingSends[sg], convert(sg, msg))
		}
		old.pendingSends[sg] = nil
		// a message prepared but not yet sent when the wedge
		// hit is treated as sent: queue it.
		if nxt := old.nextSends[sg]; nxt != nil {
			g.pendingSends[sg] = append(g.pendingSends[sg], convert(sg, nxt))
			old.nextSends[sg] = nil
		}
		if oldSlot := old.sstMcast[sg]; oldSlot != nil {
			if _, payload, ok := oldSlot.takeArmed(); ok {
				if len(g.freeMessageBuffers[sg]) > 0 {
					last := len(g.freeMessageBuffers[sg]) - 1
					mb := g.freeMessageBuffers[sg][last]
					g.freeMessageBuffers[sg] = g.freeMessageBuffers[sg][:last]
					copy(mb.buf, payload)
					msg := &rdmcMessage{senderID: g.myID, size: int64(len(payload)), mb: mb}
					g.pendingSends[sg] = append(g.pendingSends[sg], convert(sg, msg))
				}
			}
		}
		// messages awaiting fsync keep their buffers until the
		// writer reports them persisted.
		if np := old.nonPersistent[sg]; np != nil {
			for seq, msg := range np.all() {
				g.nonPersistent[sg].set(seq, msg)
			}
			np.deleteAll()
		}
		if nps := old.nonPersistentSst[sg]; nps != nil {
			for seq, msg := range nps.all() {
				g.nonPersistentSst[sg].set(seq, msg)
			}
			nps.deleteAll()
		}
	}
}

// createRdmcGroups builds one relay group per (subgroup,
// sender), with the member ordering rotated so the sender is
// first.
func (g *multicastGroup) createRdmcGroups() bool {
	for sg, st := range g.settings {
		if st == nil {
			continue
		}
		nShard := len(st.members)
		nSenders := st.numSenders()
		senderRank := -1
		for shardRank := 0; shardRank < nShard; shardRank++ {
			if !st.senders[shardRank] {
				continue
			}
			senderRank++
			nodeID := st.members[shardRank]

			rotated := make([]NodeID, nShard)
			for k := 0; k < nShard; k++ {
				rotated[k] = st.members[(shardRank+k)%nShard]
			}
			if nShard <= 1 {
				continue
			}

			sg := sg
			sr := senderRank
			nSenders := nSenders
			receiveHandler := func(data []byte, size int64) {
				g.rdmcReceiveHandler(sg, sr, nodeID, nSenders, data, size)
				g.msgStateMut.Lock()
				g.senderCv.Broadcast()
				g.msgStateMut.Unlock()
			}

			groupNum := g.rdmcGroupNumOffset + g.rdmcGroupsCreated
			g.rdmcGroupsCreated++
			var err error
			if nodeID == g.myID {
				// we are the sender: no receive destination is
				// ever queried on this node.
				err = g.rdmc.createGroup(groupNum, rotated, g.cfg.BlockSize, g.cfg.Algorithm,
					func(int64) ([]byte, bool) {
						panic("rdmc: sender group asked for a receive destination")
					},
					receiveHandler,
					func(NodeID) {})
				if err == nil {
					g.subgroupToRdmcGroup[sg] = groupNum
				}
			} else {
				err = g.rdmc.createGroup(groupNum, rotated, g.cfg.BlockSize, g.cfg.Algorithm,
					func(msgSize int64) ([]byte, bool) {
						return g.incomingRdmcDest(sg, sr, nodeID, nSenders, msgSize)
					},
					receiveHandler,
					func(NodeID) {})
			}
			if err != nil {
				alwaysPrintf("multicast group: create rdmc group %v failed: %v", groupNum, err)
				return false
			}
		}
	}
	return true
}

// incomingRdmcDest pops a free buffer for an arriving message
// and parks it in currentReceives keyed by its sequence
// number.
func (g *multicastGroup) incomingRdmcDest(sg, senderRank int, nodeID NodeID,
	nSenders int, msgSize int64) ([]byte, bool) {

	st := g.settings[sg]
	g.msgStateMut.Lock()
	defer g.msgStateMut.Unlock()
	if len(g.freeMessageBuffers[sg]) == 0 {
		alwaysPrintf("multicast group: no free buffers in subgroup %v", sg)
		return nil, false
	}
	last := len(g.freeMessageBuffers[sg]) - 1
	mb := g.freeMessageBuffers[sg][last]
	g.freeMessageBuffers[sg] = g.freeMessageBuffers[sg][:last]

	msg := &rdmcMessage{
		senderID: nodeID,
		index:    g.sst.NumReceived(g.myRank, st.numReceivedOffset+senderRank) + 1,
		size:     msgSize,
		mb:       mb,
	}
	seq := sequence(msg.index, nSenders, senderRank)
	g.currentReceives[sgSeq{sg, seq}] = msg
	return mb.buf, true
}

// resolveNumReceived folds a received index range into the
// high-water mark for one num_received slot. The emulated
// transports deliver in order per sender, so the range is
// contiguous with the current mark.
func (g *multicastGroup) resolveNumReceived(beg, end int64, recvIdx int) int64 {
	cur := g.sst.NumReceived(g.myRank, recvIdx)
	if beg > cur+1 {
		alwaysPrintf("multicast group: gap in received indices: have %v, got [%v,%v]", cur, beg, end)
		return cur
	}
	if end > cur {
		return end
	}
	return cur
}

// rdmcReceiveHandler runs when a block transfer completes
// locally (on the sender: when the send is locally stable).
func (g *multicastGroup) rdmcReceiveHandler(sg, senderRank int, nodeID NodeID,
	nSenders int, data []byte, size int64) {

	st := g.settings[sg]
	g.msgStateMut.Lock()
	defer g.msgStateMut.Unlock()

	h := decodeHeader(data)
	index := h.Index
	begIndex := index
	seq := sequence(index, nSenders, senderRank)
	//vv("locally received message in subgroup %v, sender rank %v, index %v", sg, senderRank, index)

	if nodeID == g.myID {
		cur := g.currentSends[sg]
		if cur == nil {
			alwaysPrintf("multicast group: self-completion with no current send, subgroup %v", sg)
			return
		}
		g.locallyStableRdmc[sg].set(seq, cur)
		g.currentSends[sg] = nil
	} else {
		key := sgSeq{sg, seq}
		msg, ok := g.currentReceives[key]
		if !ok {
			alwaysPrintf("multicast group: completion for unknown receive, subgroup %v seq %v", sg, seq)
			return
		}
		g.locallyStableRdmc[sg].set(seq, msg)
		delete(g.currentReceives, key)
	}

	// empty placeholders for each turn the sender is skipping.
	for j := uint32(0); j < h.PauseSendingTurns; j++ {
		index++
		seq += int64(nSenders)
		g.locallyStableRdmc[sg].set(seq, &rdmcMessage{senderID: nodeID, index: index})
	}

	recvIdx := st.numReceivedOffset + senderRank
	newNumReceived := g.resolveNumReceived(begIndex, index, recvIdx)

	if st.mode == RawMode {
		g.rawDeliverUpto(sg, senderRank, nSenders, newNumReceived)
	}
	if newNumReceived > g.sst.NumReceived(g.myRank, recvIdx) {
		g.sst.SetNumReceived(recvIdx, newNumReceived)
		g.recomputeSeqNum(sg, st, nSenders)
		g.sst.PutRows(st.shardRows, g.sst.OffNumReceived(recvIdx), 8)
	}
}

// recomputeSeqNum publishes the highest sequence number this
// node knows to be contiguously received across all senders:
// (min(num_received)+1)*S + argmin - 1.
func (g *multicastGroup) recomputeSeqNum(sg int, st *subgroupSettings, nSenders int) {
	min := g.sst.NumReceived(g.myRank, st.numReceivedOffset)
	argmin := 0
	for j := 1; j < nSenders; j++ {
		v := g.sst.NumReceived(g.myRank, st.numReceivedOffset+j)
		if v < min {
			min = v
			argmin = j
		}
	}
	newSeq := (min+1)*int64(nSenders) + int64(argmin) - 1
	if newSeq > g.sst.SeqNum(g.myRank, sg) {
		//vv("updating seq_num for subgroup %v to %v", sg, newSeq)
		g.sst.SetSeqNum(sg, newSeq)
		g.sst.PutRows(st.shardRows, g.sst.OffSeqNum(sg), 8)
	}
}

// rawDeliverUpto issues delivery upcalls immediately for raw
// mode, in per-sender index order, for indices
// (num_received, upto]. Caller holds msgStateMut.
func (g *multicastGroup) rawDeliverUpto(sg, senderRank, nSenders int, upto int64) {
	st := g.settings[sg]
	cur := g.sst.NumReceived(g.myRank, st.numReceivedOffset+senderRank)
	for i := cur + 1; i <= upto; i++ {
		seq := sequence(i, nSenders, senderRank)
		if msg, ok := g.locallyStableSst[sg].get2(seq); ok {
			if msg.size > 0 {
				h := decodeHeader(msg.buf)
				if payload := msg.buf[h.HdrSize:msg.size]; len(payload) > 0 {
					g.callbacks.GlobalStability(SubgroupID(sg), msg.senderID, msg.index, payload)
				}
			}
			g.locallyStableSst[sg].delkey(seq)
			continue
		}
		if msg, ok := g.locallyStableRdmc[sg].get2(seq); ok {
			if msg.size > 0 {
				h := decodeHeader(msg.mb.buf)
				if payload := msg.mb.buf[h.HdrSize:msg.size]; len(payload) > 0 {
					g.callbacks.GlobalStability(SubgroupID(sg), msg.senderID, msg.index, payload)
				}
				g.freeMessageBuffers[sg] = append(g.freeMessageBuffers[sg], msg.mb)
			}
			g.locallyStableRdmc[sg].delkey(seq)
		}
	}
}

// registerPredicates wires the four trigger families of the
// delivery core: receive (SST slots), stability, delivery,
// and sender wakeup.
func (g *multicastGroup) registerPredicates() {
	for sg, st := range g.settings {
		if st == nil {
			continue
		}
		sg := sg
		st := st
		nSenders := st.numSenders()

		// --- SST-multicast receive path ---
		receiverPred := func(s *SST) bool {
			for j := 0; j < nSenders; j++ {
				nr := s.NumReceivedSST(g.myRank, st.numReceivedOffset+j) + 1
				slot := sg*g.cfg.WindowSize + int(nr%int64(g.cfg.WindowSize))
				senderRow := st.shardRows[st.shardRankOfSender(j)]
				if s.SlotNextSeq(senderRow, slot) == nr/int64(g.cfg.WindowSize)+1 {
					return true
				}
			}
			return false
		}
		numTimes := g.cfg.WindowSize / 2
		if numTimes == 0 {
			numTimes = 1
		}
		receiverTrig := func(s *SST) {
			g.msgStateMut.Lock()
			for i := 0; i < numTimes; i++ {
				for j := 0; j < nSenders; j++ {
					nr := s.NumReceivedSST(g.myRank, st.numReceivedOffset+j) + 1
					slot := sg*g.cfg.WindowSize + int(nr%int64(g.cfg.WindowSize))
					senderRow := st.shardRows[st.shardRankOfSender(j)]
					if s.SlotNextSeq(senderRow, slot) == nr/int64(g.cfg.WindowSize)+1 {
						sz := s.SlotSize(senderRow, slot)
						g.sstReceiveHandler(sg, j, nSenders, s.SlotBytes(senderRow, slot, sz), sz)
						s.SetNumReceivedSST(st.numReceivedOffset+j, nr)
					}
				}
			}
			s.PutRows(st.shardRows, s.OffNumReceivedSST(st.numReceivedOffset), int64(nSenders)*8)
			g.recomputeSeqNum(sg, st, nSenders)
			s.PutRows(st.shardRows, s.OffNumReceived(st.numReceivedOffset), int64(nSenders)*8)
			g.msgStateMut.Unlock()
			g.senderCv.Broadcast()
		}
		g.predHandles = append(g.predHandles,
			g.sst.Predicates().Insert(receiverPred, receiverTrig, Recurrent))

		if st.mode != RawMode {
			// --- stability: min seq_num across the shard ---
			stabilityTrig := func(s *SST) {
				minSeq := s.SeqNum(st.shardRows[0], sg)
				for _, row := range st.shardRows {
					if v := s.SeqNum(row, sg); v < minSeq {
						minSeq = v
					}
				}
				if minSeq > s.StableNum(g.myRank, sg) {
					//vv("subgroup %v, updating stable_num to %v", sg, minSeq)
					s.SetStableNum(sg, minSeq)
					s.PutRows(st.shardRows, s.OffStableNum(sg), 8)
				}
			}
			g.predHandles = append(g.predHandles,
				g.sst.Predicates().Insert(func(*SST) bool { return true }, stabilityTrig, Recurrent))

			// --- delivery: min stable_num, then walk the two
			// locally-stable maps merging by sequence number ---
			deliveryTrig := func(s *SST) {
				minStable := s.StableNum(st.shardRows[0], sg)
				for _, row := range st.shardRows {
					if v := s.StableNum(row, sg); v < minStable {
						minStable = v
					}
				}
				g.msgStateMut.Lock()
				updated := g.deliverStableLocked(sg, minStable)
				g.msgStateMut.Unlock()
				if updated {
					s.PutRows(st.shardRows, s.OffDeliveredNum(sg), 8)
					g.senderCv.Broadcast()
				}
			}
			g.predHandles = append(g.predHandles,
				g.sst.Predicates().Insert(func(*SST) bool { return true }, deliveryTrig, Recurrent))

			if st.senderRank >= 0 {
				senderPred := func(s *SST) bool {
					seq := sequence(g.nextMessageToDeliver[sg], nSenders, st.senderRank)
					for _, row := range st.shardRows {
						if s.DeliveredNum(row, sg) < seq {
							return false
						}
						if g.fileWriter != nil && s.PersistedNum(row, sg) < seq {
							return false
						}
					}
					return true
				}
				senderTrig := func(s *SST) {
					g.nextMessageToDeliver[sg]++
					g.senderCv.Broadcast()
				}
				g.predHandles = append(g.predHandles,
					g.sst.Predicates().Insert(senderPred, senderTrig, Recurrent))
			}
		} else if st.senderRank >= 0 {
			// raw mode sender wakeup: window keyed off
			// num_received instead of delivered_num.
			senderPred := func(s *SST) bool {
				g.msgStateMut.Lock()
				future := g.futureMessageIndices[sg]
				g.msgStateMut.Unlock()
				for _, row := range st.shardRows {
					if s.NumReceived(row, st.numReceivedOffset+st.senderRank) < future-1-int64(g.cfg.WindowSize) {
						return false
					}
				}
				return true
			}
			senderTrig := func(s *SST) {
				g.senderCv.Broadcast()
			}
			g.predHandles = append(g.predHandles,
				g.sst.Predicates().Insert(senderPred, senderTrig, Recurrent))
		}
	}
}

// sstReceiveHandler mirrors rdmcReceiveHandler for the slot
// path. Caller holds msgStateMut.
func (g *multicastGroup) sstReceiveHandler(sg, senderRank, nSenders int, data []byte, size int32) {
	st := g.settings[sg]
	h := decodeHeader(data)
	index := h.Index
	begIndex := index
	seq := sequence(index, nSenders, senderRank)
	nodeID := st.members[st.shardRankOfSender(senderRank)]
	//vv("locally received sst message in subgroup %v, sender rank %v, index %v", sg, senderRank, index)

	g.locallyStableSst[sg].set(seq, &sstMessage{senderID: nodeID, index: index, size: size, buf: data})

	for j := uint32(0); j < h.PauseSendingTurns; j++ {
		index++
		seq += int64(nSenders)
		g.locallyStableSst[sg].set(seq, &sstMessage{senderID: nodeID, index: index})
	}

	recvIdx := st.numReceivedOffset + senderRank
	newNumReceived := g.resolveNumReceived(begIndex, index, recvIdx)
	if st.mode == RawMode {
		g.rawDeliverUpto(sg, senderRank, nSenders, newNumReceived)
	}
	g.sst.SetNumReceived(recvIdx, newNumReceived)
}

// deliverStableLocked delivers every locally-stable message
// with seq <= minStable, in sequence order, merging the RDMC
// and SST maps. Returns whether delivered_num moved. Caller
// holds msgStateMut.
func (g *multicastGroup) deliverStableLocked(sg int, minStable int64) (updated bool) {
	for {
		rseq, rmsg, rok := g.locallyStableRdmc[sg].min()
		sseq, smsg, sok := g.locallyStableSst[sg].min()
		if !rok && !sok {
			return
		}
		switch {
		case rok && (!sok || rseq < sseq) && rseq <= minStable:
			//vv("subgroup %v delivering rdmc seq %v (min_stable %v)", sg, rseq, minStable)
			g.deliverRdmcMessage(sg, rseq, rmsg)
			g.sst.SetDeliveredNum(sg, rseq)
			g.locallyStableRdmc[sg].delkey(rseq)
			updated = true
		case sok && (!rok || sseq < rseq) && sseq <= minStable:
			//vv("subgroup %v delivering sst seq %v (min_stable %v)", sg, sseq, minStable)
			g.deliverSstMessage(sg, sseq, smsg)
			g.sst.SetDeliveredNum(sg, sseq)
			g.locallyStableSst[sg].delkey(sseq)
			updated = true
		default:
			return
		}
	}
}

// deliverRdmcMessage fires the upcall for one message and
// moves its buffer toward retirement. Caller holds
// msgStateMut.
func (g *multicastGroup) deliverRdmcMessage(sg int, seq int64, msg *rdmcMessage) {
	if msg.size == 0 {
		return // pause placeholder
	}
	h := decodeHeader(msg.mb.buf)
	payload := msg.mb.buf[h.HdrSize:msg.size]
	if h.CookedSend {
		if g.dispatch != nil {
			g.dispatch(SubgroupID(sg), msg.senderID, payload)
		}
	} else if len(payload) > 0 {
		g.callbacks.GlobalStability(SubgroupID(sg), msg.senderID, msg.index, payload)
	}
	if g.fileWriter != nil {
		g.nonPersistent[sg].set(seq, msg)
		g.fileWriter.writeMessage(persistedMessage{
			Subgroup: SubgroupID(sg),
			Vid:      g.sst.Vid(g.myRank),
			Sender:   msg.senderID,
			Index:    msg.index,
			Seq:      seq,
			Cooked:   h.CookedSend,
			Data:     append([]byte{}, payload...),
		})
	} else {
		g.freeMessageBuffers[sg] = append(g.freeMessageBuffers[sg], msg.mb)
	}
}

func (g *multicastGroup) deliverSstMessage(sg int, seq int64, msg *sstMessage) {
	if msg.size == 0 {
		return
	}
	h := decodeHeader(msg.buf)
	payload := msg.buf[h.HdrSize:msg.size]
	if h.CookedSend {
		if g.dispatch != nil {
			g.dispatch(SubgroupID(sg), msg.senderID, payload)
		}
	} else if len(payload) > 0 {
		g.callbacks.GlobalStability(SubgroupID(sg), msg.senderID, msg.index, payload)
	}
	if g.fileWriter != nil {
		g.nonPersistentSst[sg].set(seq, msg)
		g.fileWriter.writeMessage(persistedMessage{
			Subgroup: SubgroupID(sg),
			Vid:      g.sst.Vid(g.myRank),
			Sender:   msg.senderID,
			Index:    msg.index,
			Seq:      seq,
			Cooked:   h.CookedSend,
			Data:     append([]byte{}, payload...),
		})
	}
}

// onMessagePersisted is the writer's fsync upcall: retire the
// buffer and publish persisted_num.
func (g *multicastGroup) onMessagePersisted(m persistedMessage) {
	sg := int(m.Subgroup)
	st := g.settings[sg]
	if st == nil {
		return
	}
	if g.callbacks.LocalPersistence != nil {
		g.callbacks.LocalPersistence(m.Subgroup, m.Sender, m.Index, m.Data)
	}
	g.msgStateMut.Lock()
	if msg, ok := g.nonPersistent[sg].get2(m.Seq); ok {
		g.freeMessageBuffers[sg] = append(g.freeMessageBuffers[sg], msg.mb)
		g.nonPersistent[sg].delkey(m.Seq)
	} else {
		g.nonPersistentSst[sg].delkey(m.Seq)
	}
	g.sst.SetPersistedNum(sg, m.Seq)
	g.sst.PutRows(st.shardRows, g.sst.OffPersistedNum(sg), 8)
	g.msgStateMut.Unlock()
}

// wedged reports whether the group has stopped accepting new
// sends for a view change.
func (g *multicastGroup) wedged() bool { return g.wedgedFlag.Load() }

// wedge freezes the group: predicates are withdrawn, relay
// groups destroyed, the sender thread stopped. In-flight
// receives still land (the SST keeps replicating) so
// ragged-edge cleanup can equalize deliveries.
func (g *multicastGroup) wedge() {
	if g.wedgedFlag.Swap(true) {
		return
	}
	for _, h := range g.predHandles {
		g.sst.Predicates().Remove(h)
	}
	g.predHandles = nil
	for i := uint16(0); i < g.rdmcGroupsCreated; i++ {
		g.rdmc.destroyGroup(g.rdmcGroupNumOffset + i)
	}
	g.senderHalt.ReqStop.Close()
	g.msgStateMut.Lock()
	g.senderCv.Broadcast()
	g.msgStateMut.Unlock()
	<-g.senderHalt.Done.Chan
	g.timeoutHalt.ReqStop.Close()
	<-g.timeoutHalt.Done.Chan
}

// sendLoop round-robins subgroups, issuing block sends as the
// window allows.
func (g *multicastGroup) sendLoop() {
	defer g.senderHalt.Done.Close()
	subgroupToSend := 0

	shouldSendTo := func(sg int) bool {
		st := g.settings[sg]
		if st == nil || !g.groupsCreated {
			return false
		}
		if len(g.pendingSends[sg]) == 0 {
			return false
		}
		msg := g.pendingSends[sg][0]
		nSenders := st.numSenders()
		if st.senderRank < 0 {
			return false
		}
		// our previous message must be locally sequenced first.
		if g.sst.NumReceived(g.myRank, st.numReceivedOffset+st.senderRank) < msg.index-1 {
			return false
		}
		if st.mode != RawMode {
			bound := sequence(msg.index-int64(g.cfg.WindowSize), nSenders, st.senderRank)
			for _, row := range st.shardRows {
				if g.sst.DeliveredNum(row, sg) < bound {
					return false
				}
				if g.fileWriter != nil && g.sst.PersistedNum(row, sg) < bound {
					return false
				}
			}
		} else {
			for _, row := range st.shardRows {
				if g.sst.NumReceived(row, st.numReceivedOffset+st.senderRank) < g.futureMessageIndices[sg]-1-int64(g.cfg.WindowSize) {
					return false
				}
			}
		}
		return true
	}

	shouldSend := func() bool {
		for i := 1; i <= g.totalSubgroups; i++ {
			sg := (subgroupToSend + i) % g.totalSubgroups
			if shouldSendTo(sg) {
				subgroupToSend = sg
				return true
			}
		}
		return false
	}

	stopRequested := func() bool {
		select {
		case <-g.senderHalt.ReqStop.Chan:
			return true
		default:
			return false
		}
	}

	g.msgStateMut.Lock()
	defer g.msgStateMut.Unlock()
	for {
		for !stopRequested() && !shouldSend() {
			g.senderCv.Wait()
		}
		if stopRequested() {
			return
		}
		sg := subgroupToSend
		msg := g.pendingSends[sg][0]
		g.pendingSends[sg] = g.pendingSends[sg][1:]
		g.currentSends[sg] = msg
		//vv("calling send in subgroup %v on message %v from sender %v", sg, msg.index, msg.senderID)

		// the relay completion re-enters msgStateMut; release
		// around the send.
		g.msgStateMut.Unlock()
		ok := g.rdmc.send(g.subgroupToRdmcGroup[sg], msg.mb.buf, msg.size)
		g.msgStateMut.Lock()
		if !ok {
			alwaysPrintf("multicast group: rdmc send failed in subgroup %v", sg)
			return
		}
	}
}

// checkFailuresLoop publishes the heartbeat with a completed
// write every sender-timeout interval; peers that stop
// completing get reported failed by the SST.
func (g *multicastGroup) checkFailuresLoop() {
	defer g.timeoutHalt.Done.Close()
	interval := g.cfg.senderTimeout()
	for {
		select {
		case <-g.timeoutHalt.ReqStop.Chan:
			return
		case <-time.After(interval):
		}
		g.sst.BumpHeartbeat()
		g.sst.PutWithCompletion(g.sst.OffHeartbeat(), 8)
	}
}

// getSendbufferPtr validates flow control and hands out the
// payload region of the next message. nil means the window is
// full, the engine is wedged, or the payload does not fit;
// the caller retries.
func (g *multicastGroup) getSendbufferPtr(sg int, payloadSize int64,
	pauseSendingTurns int, cookedSend, nullSend bool) []byte {

	if !g.groupsCreated || g.wedged() {
		return nil
	}
	st := g.settings[sg]
	if st == nil || st.senderRank < 0 {
		return nil
	}
	msgSize := payloadSize + headerSize
	if payloadSize == 0 {
		// zero asks for the whole buffer, handy for cooked
		// sends that serialize in place.
		msgSize = g.cfg.maxMsgSize()
	}
	if nullSend {
		msgSize = headerSize
	}
	if msgSize > g.cfg.maxMsgSize() {
		alwaysPrintf("multicast group: message size %v over the maximum %v", msgSize, g.cfg.maxMsgSize())
		return nil
	}

	nSenders := st.numSenders()
	g.msgStateMut.Lock()
	defer g.msgStateMut.Unlock()

	future := g.futureMessageIndices[sg]
	if st.mode != RawMode {
		bound := sequence(future-int64(g.cfg.WindowSize), nSenders, st.senderRank)
		for _, row := range st.shardRows {
			if g.sst.DeliveredNum(row, sg) < bound {
				return nil
			}
			if g.fileWriter != nil && g.sst.PersistedNum(row, sg) < bound {
				return nil
			}
		}
	} else {
		for _, row := range st.shardRows {
			if g.sst.NumReceived(row, st.numReceivedOffset+st.senderRank) < future-int64(g.cfg.WindowSize) {
				return nil
			}
		}
	}

	useRdmc := msgSize > g.sst.MySlotCapacity()
	hdr := header{
		HdrSize:           headerSize,
		PauseSendingTurns: uint32(pauseSendingTurns),
		Index:             future,
		CookedSend:        cookedSend,
	}
	if useRdmc {
		if len(g.freeMessageBuffers[sg]) == 0 {
			return nil
		}
		last := len(g.freeMessageBuffers[sg]) - 1
		mb := g.freeMessageBuffers[sg][last]
		g.freeMessageBuffers[sg] = g.freeMessageBuffers[sg][:last]

		msg := &rdmcMessage{senderID: g.myID, index: future, size: msgSize, mb: mb}
		hdr.encodeTo(mb.buf)
		g.nextSends[sg] = msg
		g.futureMessageIndices[sg] += int64(pauseSendingTurns) + 1
		g.lastTransferMedium[sg] = true
		return mb.buf[headerSize:msgSize]
	}
	buf := g.sstMcast[sg].getBuffer(future, msgSize)
	if buf == nil {
		return nil
	}
	hdr.encodeTo(buf)
	g.futureMessageIndices[sg] += int64(pauseSendingTurns) + 1
	g.lastTransferMedium[sg] = false
	return buf[headerSize:msgSize]
}

// send queues the prepared message for transmission.
func (g *multicastGroup) send(sg int) bool {
	if g.wedged() || !g.groupsCreated {
		return false
	}
	if g.lastTransferMedium[sg] {
		g.msgStateMut.Lock()
		msg := g.nextSends[sg]
		if msg == nil {
			g.msgStateMut.Unlock()
			return false
		}
		g.pendingSends[sg] = append(g.pendingSends[sg], msg)
		g.nextSends[sg] = nil
		g.senderCv.Broadcast()
		g.msgStateMut.Unlock()
		return true
	}
	g.sstMcast[sg].send()
	return true
}

// deliverMessagesUpto delivers everything locally stable up to
// the given per-sender index bounds, in sequence-number order.
// Ragged-edge cleanup calls this with the shard's agreed
// global minima.
func (g *multicastGroup) deliverMessagesUpto(maxIndicesForSenders []int64, sg int) {
	st := g.settings[sg]
	nSenders := st.numSenders()
	g.msgStateMut.Lock()
	defer g.msgStateMut.Unlock()

	curSeq := g.sst.DeliveredNum(g.myRank, sg)
	maxSeq := curSeq
	for sender := 0; sender < nSenders; sender++ {
		if s := sequence(maxIndicesForSenders[sender], nSenders, sender); s > maxSeq {
			maxSeq = s
		}
	}
	for seq := curSeq + 1; seq <= maxSeq; seq++ {
		if msg, ok := g.locallyStableRdmc[sg].get2(seq); ok {
			g.deliverRdmcMessage(sg, seq, msg)
			g.sst.SetDeliveredNum(sg, seq)
			g.locallyStableRdmc[sg].delkey(seq)
			continue
		}
		if msg, ok := g.locallyStableSst[sg].get2(seq); ok {
			g.deliverSstMessage(sg, seq, msg)
			g.sst.SetDeliveredNum(sg, seq)
			g.locallyStableSst[sg].delkey(seq)
		}
	}
	if g.sst.DeliveredNum(g.myRank, sg) > g.sst.StableNum(g.myRank, sg) {
		g.sst.SetStableNum(sg, g.sst.DeliveredNum(g.myRank, sg))
	}
}

// debugPrint dumps the per-subgroup counters.
func (g *multicastGroup) debugPrint() {
	var out string
	out += fmt.Sprintf("multicast group: %v rows, my rank %v, %v rdmc groups live\n",
		g.sst.NumRows(), g.myRank, g.rdmc.groups.Len())
	for sg, st := range g.settings {
		if st == nil {
			continue
		}
		out += fmt.Sprintf("subgroup %v: seq/stable/delivered/persisted per member\n", sg)
		for _, row := range st.shardRows {
			out += fmt.Sprintf("  row %v: %v %v %v %v\n", row,
				g.sst.SeqNum(row, sg), g.sst.StableNum(row, sg),
				g.sst.DeliveredNum(row, sg), g.sst.PersistedNum(row, sg))
		}
	}
	alwaysPrintf("%v", out)
}
