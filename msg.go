package derecho

import (
	"encoding/binary"
	"fmt"
)

// NodeID is the stable identity of a participant. Membership
// rank within a View is separate: SST indexing uses rank,
// application-visible identifiers use NodeID.
type NodeID uint32

// SubgroupID flat-enumerates all shards across all subgroup
// types in a view, giving stable column indices into the
// per-subgroup SST arrays.
type SubgroupID uint32

// Mode is the delivery discipline of a shard.
type Mode int

const (
	// OrderedMode delivers in total sequence-number order,
	// only after global stability.
	OrderedMode Mode = 0

	// RawMode delivers as soon as a message is locally
	// received; cross-sender order is unspecified.
	RawMode Mode = 1
)

func (m Mode) String() string {
	switch m {
	case OrderedMode:
		return "OrderedMode"
	case RawMode:
		return "RawMode"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// headerSize is the fixed on-wire size of the message header
// that precedes every payload: 4+4+8+1 = 17 bytes of fields,
// padded out to keep payloads 16-byte aligned.
const headerSize = 32

// header precedes the payload in every transfer, over both the
// RDMC and the SST path. HdrSize carries headerSize so a
// receiver can locate the payload without recompiling.
// PauseSendingTurns declares that the sender will skip the
// next k of its sequence slots; receivers insert empty
// placeholders for them.
type header struct {
	HdrSize           uint32
	PauseSendingTurns uint32
	Index             int64
	CookedSend        bool
}

// encodeTo writes h into the first headerSize bytes of buf.
// Host byte order is fine in-process; we fix little-endian so
// every node decodes a header the same way.
func (h *header) encodeTo(buf []byte) {
	_ = buf[headerSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], h.HdrSize)
	binary.LittleEndian.PutUint32(buf[4:8], h.PauseSendingTurns)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Index))
	if h.CookedSend {
		buf[16] = 1
	} else {
		buf[16] = 0
	}
	for i := 17; i < headerSize; i++ {
		buf[i] = 0
	}
}

func decodeHeader(buf []byte) (h header) {
	_ = buf[headerSize-1]
	h.HdrSize = binary.LittleEndian.Uint32(buf[0:4])
	h.PauseSendingTurns = binary.LittleEndian.Uint32(buf[4:8])
	h.Index = int64(binary.LittleEndian.Uint64(buf[8:16]))
	h.CookedSend = buf[16] != 0
	return
}

// messageBuffer is one pinned payload region from the arena.
// Exactly one owner holds it at a time: the free list, an
// in-flight send, a current receive, a locally-stable entry,
// or the non-persistent set awaiting fsync. Transitions happen
// under msgStateMut; the handle moves, the bytes never alias.
type messageBuffer struct {
	mr  *MemoryRegion
	buf []byte
}

// newMessageBuffer registers maxMsgSize bytes with the fabric
// and wraps them.
func newMessageBuffer(fab Fabric, maxMsgSize int64) (*messageBuffer, error) {
	buf := make([]byte, maxMsgSize)
	mr, err := fab.RegisterMemory(buf)
	if err != nil {
		return nil, err
	}
	return &messageBuffer{mr: mr, buf: buf}, nil
}

// rdmcMessage is a message travelling (or having travelled)
// over the block-multicast path. A zero-size rdmcMessage with
// a nil buffer is a pause placeholder.
type rdmcMessage struct {
	senderID NodeID
	index    int64
	size     int64
	mb       *messageBuffer
}

// sstMessage is a message received in-place from a sender's
// SST slot. buf references the local copy of the slot; it is
// only valid until the slot is reused, which flow control
// forbids before delivery.
type sstMessage struct {
	senderID NodeID
	index    int64
	size     int32
	buf      []byte
}

// sequence interleaves senders round-robin:
// seq = index*numSenders + senderRank.
func sequence(index int64, numSenders, senderRank int) int64 {
	return index*int64(numSenders) + int64(senderRank)
}
