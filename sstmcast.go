package derecho

import (
	"sync"
)

// sstmcast.go: the small-payload path. A message that fits in
// one SST slot travels inside the sender's own row: the sender
// numbers its slot messages 0, 1, 2, ... (k), fills
// slots[subgroup*window + k%window] and bumps the slot's
// next_seq; receivers watch next_seq by predicate and
// consume the slot bytes out of their local copy of the row.
// No extra memory registration, no block pipeline, one put.

type sstMulticastGroup struct {
	sst       *SST
	subgroup  int
	window    int
	shardRows []int // sst ranks of the shard members

	// mySenderRank is this node's sender rank within the
	// shard, -1 when we never send here.
	mySenderRank      int
	numReceivedOffset int

	mut      sync.Mutex
	prep     []byte // scratch for the prepared message
	prepIdx  int64
	prepSize int64
	armed    bool
	numSent  int64 // slot messages sent so far
}

func newSstMulticastGroup(sst *SST, subgroup, window int, shardRows []int,
	mySenderRank, numReceivedOffset int) *sstMulticastGroup {
	return &sstMulticastGroup{
		sst:               sst,
		subgroup:          subgroup,
		window:            window,
		shardRows:         shardRows,
		mySenderRank:      mySenderRank,
		numReceivedOffset: numReceivedOffset,
		prep:              make([]byte, sst.MySlotCapacity()),
	}
}

// getBuffer hands out the scratch buffer for the message with
// the given per-sender index, or nil while the slot is still
// in use by an older message. The caller fills header+payload
// and calls send.
func (g *sstMulticastGroup) getBuffer(index, msgSize int64) []byte {
	if msgSize > g.sst.MySlotCapacity() {
		return nil
	}
	g.mut.Lock()
	defer g.mut.Unlock()
	// slot numSent%window is reusable only after every shard
	// member has consumed our slot message numSent-window.
	for _, row := range g.shardRows {
		if g.sst.NumReceivedSST(row, g.numReceivedOffset+g.mySenderRank) < g.numSent-int64(g.window) {
			return nil
		}
	}
	if g.armed {
		// previous message not sent yet
		return nil
	}
	g.armed = true
	g.prepIdx = index
	g.prepSize = msgSize
	return g.prep[:msgSize]
}

// takeArmed surrenders a prepared-but-unsent message, if one
// exists. The view change uses this to carry a message that
// was trapped between getBuffer and send across the wedge.
func (g *sstMulticastGroup) takeArmed() (index int64, payload []byte, ok bool) {
	g.mut.Lock()
	defer g.mut.Unlock()
	if !g.armed {
		return 0, nil, false
	}
	g.armed = false
	return g.prepIdx, append([]byte{}, g.prep[:g.prepSize]...), true
}

// send publishes the prepared message: bytes and size first,
// next_seq last, then one put of the slot range to the shard.
func (g *sstMulticastGroup) send() {
	g.mut.Lock()
	if !g.armed {
		g.mut.Unlock()
		return
	}
	k := g.numSent
	g.numSent++
	payload := g.prep[:g.prepSize]
	g.armed = false
	g.mut.Unlock()

	slotIdx := g.subgroup*g.window + int(k%int64(g.window))
	g.sst.WriteMySlot(slotIdx, payload)
	// receivers detect arrival by next_seq reaching
	// k/window + 1; writing it after the bytes means an
	// observed next_seq implies whole bytes.
	g.sst.SetMySlotNextSeq(slotIdx, k/int64(g.window)+1)
	off, size := g.sst.OffSlot(slotIdx)
	g.sst.PutRows(g.shardRows, off, size)
}
