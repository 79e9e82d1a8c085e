package derecho

import (
	"fmt"
	"sync"

	"github.com/glycerine/idem"
)

// rdmc.go: reliable pipelined block multicast for large
// payloads. A group exists per (subgroup, sender) with the
// member ordering rotated so the sender sits first; the
// payload is sliced into blockSize units and relayed by the
// binomial-tree or chain schedule. On the sender the
// completion callback fires when the message is locally
// stable; on receivers the destination callback is queried
// for a buffer before the first block lands and completion
// fires once the full message is in place.

// rdmcGroup is one (subgroup, sender) relay group on one node.
type rdmcGroup struct {
	groupNum  uint16
	members   []NodeID // rotated; sender at position 0
	myPos     int
	blockSize int64
	algo      RdmcAlgorithm

	incomingDest func(msgSize int64) ([]byte, bool)
	completion   func(data []byte, size int64)
	failure      func(remote NodeID)

	mut sync.Mutex
	// one message in flight per group; the sender loop above
	// us serializes sends.
	recvBuf      []byte
	recvSize     int64
	recvBlocks   int
	recvGotCount int
}

// children returns the positions this node forwards a block to.
func (g *rdmcGroup) children() (kids []int) {
	n := len(g.members)
	switch g.algo {
	case ChainSend:
		if g.myPos+1 < n {
			kids = append(kids, g.myPos+1)
		}
	case BinomialSend:
		// binomial tree rooted at position 0: node p forwards
		// to p+2^k for every 2^k > p, while in range.
		step := 1
		for step <= g.myPos {
			step <<= 1
		}
		for ; g.myPos+step < n; step <<= 1 {
			kids = append(kids, g.myPos+step)
		}
	}
	return
}

// rdmcHost is the per-node endpoint: it owns the group
// registry and the dispatch goroutine draining this node's
// block inbox.
type rdmcHost struct {
	me     NodeID
	hub    *MemHub
	groups *Mutexmap[uint16, *rdmcGroup]
	halt   *idem.Halter
}

func newRdmcHost(hub *MemHub, me NodeID) *rdmcHost {
	h := &rdmcHost{
		me:     me,
		hub:    hub,
		groups: NewMutexmap[uint16, *rdmcGroup](),
		halt:   idem.NewHalter(),
	}
	inbox := hub.registerInbox(me)
	go func() {
		defer h.halt.Done.Close()
		for {
			select {
			case <-h.halt.ReqStop.Chan:
				return
			case bm := <-inbox:
				h.handleBlock(bm)
			}
		}
	}()
	return h
}

func (h *rdmcHost) stop() {
	h.halt.ReqStop.Close()
	<-h.halt.Done.Chan
}

// createGroup registers a relay group. rotated must list the
// sender first and be identical (up to rotation) on all
// members.
func (h *rdmcHost) createGroup(groupNum uint16, rotated []NodeID, blockSize int64,
	algo RdmcAlgorithm,
	incomingDest func(msgSize int64) ([]byte, bool),
	completion func(data []byte, size int64),
	failure func(remote NodeID)) error {

	myPos := -1
	for i, m := range rotated {
		if m == h.me {
			myPos = i
		}
	}
	if myPos < 0 {
		return fmt.Errorf("rdmc: node %v not in group %v membership", h.me, groupNum)
	}
	if blockSize <= 0 {
		return fmt.Errorf("rdmc: bad block size %v", blockSize)
	}
	g := &rdmcGroup{
		groupNum:     groupNum,
		members:      rotated,
		myPos:        myPos,
		blockSize:    blockSize,
		algo:         algo,
		incomingDest: incomingDest,
		completion:   completion,
		failure:      failure,
	}
	h.groups.Set(groupNum, g)
	return nil
}

func (h *rdmcHost) destroyGroup(groupNum uint16) {
	h.groups.Del(groupNum)
}

// send issues one message on the group where this node is the
// sender. Returns false if the group is unknown or the send
// could not be scheduled.
func (h *rdmcHost) send(groupNum uint16, buf []byte, size int64) bool {
	g, ok := h.groups.Get(groupNum)
	if !ok {
		return false
	}
	if g.myPos != 0 {
		alwaysPrintf("rdmc: send on group %v but we are position %v, not the sender", groupNum, g.myPos)
		return false
	}
	numBlocks := int((size + g.blockSize - 1) / g.blockSize)
	if numBlocks == 0 {
		numBlocks = 1
	}
	for b := 0; b < numBlocks; b++ {
		lo := int64(b) * g.blockSize
		hi := lo + g.blockSize
		if hi > size {
			hi = size
		}
		h.forward(g, blockMsg{
			groupNum:  groupNum,
			from:      h.me,
			msgSize:   size,
			blockNum:  b,
			numBlocks: numBlocks,
			data:      append([]byte{}, buf[lo:hi]...),
		})
	}
	// locally stable: the sender's own copy is the message.
	g.completion(buf, size)
	return true
}

// forward pushes a block to this node's children in the relay
// schedule.
func (h *rdmcHost) forward(g *rdmcGroup, bm blockMsg) {
	for _, kidPos := range g.children() {
		kid := g.members[kidPos]
		if err := h.hub.sendBlock(h.me, kid, bm); err != nil {
			//vv("rdmc group %v: forward to %v failed: %v", g.groupNum, kid, err)
			if g.failure != nil {
				g.failure(kid)
			}
		}
	}
}

// handleBlock assembles incoming blocks and relays them on.
func (h *rdmcHost) handleBlock(bm blockMsg) {
	g, ok := h.groups.Get(bm.groupNum)
	if !ok {
		// group was destroyed mid-transfer (wedge); drop.
		return
	}
	g.mut.Lock()
	if g.recvBuf == nil {
		dest, ok := g.incomingDest(bm.msgSize)
		if !ok {
			g.mut.Unlock()
			alwaysPrintf("rdmc group %v: no receive destination for %v byte message; dropping", bm.groupNum, bm.msgSize)
			return
		}
		g.recvBuf = dest
		g.recvSize = bm.msgSize
		g.recvBlocks = bm.numBlocks
		g.recvGotCount = 0
	}
	lo := int64(bm.blockNum) * g.blockSize
	copy(g.recvBuf[lo:], bm.data)
	g.recvGotCount++
	done := g.recvGotCount == g.recvBlocks
	var buf []byte
	var size int64
	if done {
		buf = g.recvBuf
		size = g.recvSize
		g.recvBuf = nil
		g.recvSize = 0
		g.recvBlocks = 0
		g.recvGotCount = 0
	}
	g.mut.Unlock()

	// relay before completing: keeps the pipeline moving while
	// the upcall runs.
	h.forward(g, bm)
	if done {
		g.completion(buf, size)
	}
}
