package derecho

import (
	"fmt"
	"sync"
	"time"
)

// memfabric.go is the in-process fabric: every node in the
// process registers with one MemHub, and "remote" writes are
// byte copies between registered regions. The real protocol
// code runs unchanged on top of the simulated fabric, which is
// what makes the multi-node tests deterministic. Deployments
// would supply a verbs-backed Fabric instead; nothing above
// this file knows the difference.

// exchangeTimeout bounds a rendezvous with a peer that may
// have died mid-bootstrap.
const exchangeTimeout = 5 * time.Second

// blockMsg is one RDMC block in flight between two members.
type blockMsg struct {
	groupNum  uint16
	from      NodeID
	msgSize   int64
	blockNum  int
	numBlocks int
	data      []byte
}

// pendingExchange is a two-party rendezvous slot.
type pendingExchange struct {
	firstBlob []byte
	firstDone chan []byte // second party sends its blob here
}

// MemHub owns the shared state of the emulated fabric: the
// registered regions of every node, the block-message routes,
// and the failure switchboard.
type MemHub struct {
	mut      sync.Mutex
	fabrics  map[NodeID]*memFabric
	regions  map[uint32]*MemoryRegion // rkey -> region
	owners   map[uint32]NodeID        // rkey -> owning node
	inboxes  map[NodeID]chan blockMsg
	dead     map[NodeID]bool
	pending  map[string]*pendingExchange
	nextRKey uint32
	nextQP   uint32
}

func NewMemHub() *MemHub {
	return &MemHub{
		fabrics: make(map[NodeID]*memFabric),
		regions: make(map[uint32]*MemoryRegion),
		owners:  make(map[uint32]NodeID),
		inboxes: make(map[NodeID]chan blockMsg),
		dead:    make(map[NodeID]bool),
		pending: make(map[string]*pendingExchange),
	}
}

// NewFabric returns the Fabric handle for node me. A closed
// cached fabric (a restarted node) is replaced by a fresh one.
func (h *MemHub) NewFabric(me NodeID) Fabric {
	h.mut.Lock()
	defer h.mut.Unlock()
	if f, ok := h.fabrics[me]; ok {
		f.mut.Lock()
		closed := f.closed
		f.mut.Unlock()
		if !closed {
			return f
		}
	}
	f := &memFabric{
		hub: h,
		me:  me,
		cq:  make(chan Completion, 4*maxPostedSendDepth),
	}
	h.fabrics[me] = f
	return f
}

// Kill silences a node: posts that target it fail, block
// sends to it error, rendezvous with it fail at once. Used by
// tests to crash a member.
func (h *MemHub) Kill(n NodeID) {
	h.mut.Lock()
	h.dead[n] = true
	h.mut.Unlock()
}

func (h *MemHub) isDead(n NodeID) bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.dead[n]
}

// Revive brings a killed node id back, with fresh resources,
// as if the machine rebooted. The node must build a new
// Fabric and endpoints afterwards.
func (h *MemHub) Revive(n NodeID) {
	h.mut.Lock()
	delete(h.dead, n)
	if f, ok := h.fabrics[n]; ok {
		f.mut.Lock()
		f.closed = true
		f.mut.Unlock()
		delete(h.fabrics, n)
	}
	delete(h.inboxes, n)
	h.mut.Unlock()
}

// Exchanger returns a BlobExchange that rendezvouses me with
// peer under tag. Both sides must use the same tag; distinct
// tags keep successive bootstraps (new views) apart.
func (h *MemHub) Exchanger(me, peer NodeID, tag string) BlobExchange {
	return func(send []byte) ([]byte, error) {
		if h.isDead(peer) || h.isDead(me) {
			return nil, fmt.Errorf("exchange %q: peer %v unreachable", tag, peer)
		}
		lo, hi := me, peer
		if lo > hi {
			lo, hi = hi, lo
		}
		key := fmt.Sprintf("%v|%v|%v", lo, hi, tag)

		h.mut.Lock()
		pe, ok := h.pending[key]
		if !ok {
			// first to arrive: park our blob, wait for the peer.
			pe = &pendingExchange{
				firstBlob: append([]byte{}, send...),
				firstDone: make(chan []byte, 1),
			}
			h.pending[key] = pe
			h.mut.Unlock()
			select {
			case theirs := <-pe.firstDone:
				return theirs, nil
			case <-time.After(exchangeTimeout):
				h.mut.Lock()
				delete(h.pending, key)
				h.mut.Unlock()
				return nil, fmt.Errorf("exchange %q with %v timed out", tag, peer)
			}
		}
		// second to arrive: hand over, take theirs.
		delete(h.pending, key)
		h.mut.Unlock()
		pe.firstDone <- append([]byte{}, send...)
		return pe.firstBlob, nil
	}
}

// registerInbox wires the RDMC endpoint for node me; deliver
// runs on a dedicated goroutine per node.
func (h *MemHub) registerInbox(me NodeID) chan blockMsg {
	h.mut.Lock()
	defer h.mut.Unlock()
	if ch, ok := h.inboxes[me]; ok {
		return ch
	}
	ch := make(chan blockMsg, 1024)
	h.inboxes[me] = ch
	return ch
}

// sendBlock routes one RDMC block. Errors when the target is
// dead so the sender can surface a failure callback.
func (h *MemHub) sendBlock(from, to NodeID, bm blockMsg) error {
	h.mut.Lock()
	if h.dead[to] || h.dead[from] {
		h.mut.Unlock()
		return fmt.Errorf("rdmc: node %v unreachable", to)
	}
	ch, ok := h.inboxes[to]
	h.mut.Unlock()
	if !ok {
		return fmt.Errorf("rdmc: node %v has no endpoint", to)
	}
	ch <- bm
	return nil
}

// memFabric implements Fabric for one node.
type memFabric struct {
	hub    *MemHub
	me     NodeID
	mut    sync.Mutex
	closed bool
	cq     chan Completion
}

func (f *memFabric) RegisterMemory(buf []byte) (*MemoryRegion, error) {
	f.mut.Lock()
	if f.closed {
		f.mut.Unlock()
		return nil, ErrShutdown
	}
	f.mut.Unlock()

	f.hub.mut.Lock()
	f.hub.nextRKey++
	mr := &MemoryRegion{Buf: buf, RKey: f.hub.nextRKey}
	f.hub.regions[mr.RKey] = mr
	f.hub.owners[mr.RKey] = f.me
	f.hub.mut.Unlock()
	return mr, nil
}

func (f *memFabric) ConnectQueuePair(remote NodeID, local *MemoryRegion, exch BlobExchange) (QueuePair, error) {
	f.hub.mut.Lock()
	f.hub.nextQP++
	qpNum := f.hub.nextQP
	f.hub.mut.Unlock()

	mine := qpExchangeBlob{
		Addr:  uint64(local.RKey), // emulated: the rkey is the address
		RKey:  local.RKey,
		QPNum: qpNum,
		Lid:   uint16(f.me),
	}
	qp := &memQP{fab: f, remote: remote, local: local, qpNum: qpNum, state: qpInit}
	theirs, err := exch(mine.encode())
	if err != nil {
		qp.state = qpError
		return nil, fmt.Errorf("qp connect to %v: %w", remote, err)
	}
	rb, err := decodeQpExchangeBlob(theirs)
	if err != nil {
		qp.state = qpError
		return nil, err
	}
	qp.remoteRKey = rb.RKey
	qp.remoteQPNum = rb.QPNum
	// modify_qp ladder: INIT -> RTR once we know the remote
	// address, -> RTS once we are ready to post.
	qp.state = qpRTR
	qp.state = qpRTS
	return qp, nil
}

func (f *memFabric) PollCompletions(dst []Completion) (n int) {
	if len(dst) == 0 {
		return 0
	}
	// block briefly for the first entry so the poller loop
	// does not spin hot, then drain whatever else is queued.
	select {
	case c := <-f.cq:
		dst[0] = c
		n = 1
	case <-time.After(200 * time.Microsecond):
		return 0
	}
	for n < len(dst) {
		select {
		case c := <-f.cq:
			dst[n] = c
			n++
		default:
			return n
		}
	}
	return n
}

func (f *memFabric) Close() error {
	f.mut.Lock()
	f.closed = true
	f.mut.Unlock()
	return nil
}

func (f *memFabric) pushCompletion(c Completion) {
	select {
	case f.cq <- c:
	default:
		// CQ overrun is fatal on real hardware too.
		panic(fmt.Sprintf("fabric: completion queue overrun on node %v", f.me))
	}
}

// memQP is one emulated reliable-connected queue pair.
type memQP struct {
	fab         *memFabric
	remote      NodeID
	local       *MemoryRegion
	qpNum       uint32
	remoteQPNum uint32
	remoteRKey  uint32

	mut    sync.Mutex
	state  qpState
	failed bool
}

func (q *memQP) QPNum() uint32 { return q.qpNum }

func (q *memQP) Failed() bool {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.failed
}

func (q *memQP) fail() {
	q.mut.Lock()
	q.failed = true
	q.state = qpError
	q.mut.Unlock()
}

func (q *memQP) Close() error {
	q.fail()
	return nil
}

// copyAligned copies in 8-byte chunks under the destination
// region lock, so readers never see a torn 64-bit field.
func copyAligned(dst, src []byte) {
	n := len(src)
	i := 0
	for ; i+8 <= n; i += 8 {
		copy(dst[i:i+8], src[i:i+8])
	}
	if i < n {
		copy(dst[i:], src[i:])
	}
}

func (q *memQP) post(wr WorkID, localOff, remoteOff, size int64, wantCompletion, isRead bool) error {
	q.mut.Lock()
	if q.failed {
		q.mut.Unlock()
		return ErrQPFailed
	}
	if q.state != qpRTS {
		q.mut.Unlock()
		return fmt.Errorf("qp to %v not in RTS", q.remote)
	}
	q.mut.Unlock()

	if q.fab.hub.isDead(q.remote) {
		q.fail()
		if wantCompletion {
			q.fab.pushCompletion(Completion{WorkID: wr, QPNum: q.qpNum, Status: CompletionError})
			return nil
		}
		return ErrQPFailed
	}

	q.fab.hub.mut.Lock()
	remoteMR, ok := q.fab.hub.regions[q.remoteRKey]
	q.fab.hub.mut.Unlock()
	if !ok {
		q.fail()
		return ErrQPFailed
	}
	// stage through a scratch buffer, never holding both
	// region locks at once (two nodes writing to each other
	// concurrently would deadlock otherwise).
	scratch := make([]byte, size)
	if isRead {
		remoteMR.Mut.RLock()
		copyAligned(scratch, remoteMR.Buf[remoteOff:remoteOff+size])
		remoteMR.Mut.RUnlock()
		q.local.Mut.Lock()
		copyAligned(q.local.Buf[localOff:localOff+size], scratch)
		q.local.Mut.Unlock()
	} else {
		q.local.Mut.RLock()
		copyAligned(scratch, q.local.Buf[localOff:localOff+size])
		q.local.Mut.RUnlock()
		remoteMR.Mut.Lock()
		copyAligned(remoteMR.Buf[remoteOff:remoteOff+size], scratch)
		remoteMR.Mut.Unlock()
	}
	if wantCompletion {
		q.fab.pushCompletion(Completion{WorkID: wr, QPNum: q.qpNum, Status: CompletionOK})
	}
	return nil
}

func (q *memQP) PostRemoteWrite(wr WorkID, localOff, remoteOff, size int64) error {
	return q.post(wr, localOff, remoteOff, size, false, false)
}

func (q *memQP) PostRemoteWriteWithCompletion(wr WorkID, localOff, remoteOff, size int64) error {
	return q.post(wr, localOff, remoteOff, size, true, false)
}

func (q *memQP) PostRemoteRead(wr WorkID, localOff, remoteOff, size int64) error {
	return q.post(wr, localOff, remoteOff, size, true, true)
}
