package derecho

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

// fabric.go holds the RDMA adapter boundary. The verbs layer
// proper (device discovery, ibv_* calls) lives behind the
// Fabric interface; the engine only ever sees registered
// memory regions, queue pairs, and completions. memfabric.go
// supplies the in-process emulation the tests run on.

var (
	ErrQPFailed  = fmt.Errorf("queue pair is in the failed state")
	ErrShutdown  = fmt.Errorf("engine is shutting down")
	ErrWedged    = fmt.Errorf("multicast group is wedged for a view change")
	ErrWindowFull = fmt.Errorf("send window is full")
	ErrPayloadTooBig = fmt.Errorf("payload exceeds MaxPayloadSize")
)

// WorkID names one posted work request; completions are
// matched back to posters by it.
type WorkID uint64

var nextWorkID atomic.Uint64

// newWorkID hands out process-unique work request ids.
func newWorkID() WorkID {
	return WorkID(nextWorkID.Add(1))
}

type CompletionStatus int

const (
	CompletionOK    CompletionStatus = 0
	CompletionError CompletionStatus = 1
)

// Completion is one drained completion-queue entry.
type Completion struct {
	WorkID WorkID
	QPNum  uint32
	Status CompletionStatus
}

// MemoryRegion is a registered, pinned buffer. Mut guards the
// bytes against torn reads while a remote write lands; writers
// copy field-aligned chunks under Mut.
type MemoryRegion struct {
	Mut  sync.RWMutex
	Buf  []byte
	RKey uint32
}

// qpState mirrors the verbs connection ladder.
type qpState int

const (
	qpInit qpState = iota
	qpRTR
	qpRTS
	qpError
)

// BlobExchange swaps one fixed-size blob with the peer, both
// sides blocking: the QP bootstrap runs its address handshake
// through one of these (TCP in deployment, in-process pipes in
// tests).
type BlobExchange func(send []byte) (recv []byte, err error)

// QueuePair is one reliable-connected link to a peer, bound at
// connect time to a (local region, remote region) pair.
// Posting returns when the work request is queued, not when
// the remote write lands; completions arrive by WorkID.
type QueuePair interface {
	QPNum() uint32

	// PostRemoteWrite pushes size bytes of the local region at
	// localOff into the remote region at remoteOff. No
	// completion entry is generated.
	PostRemoteWrite(wr WorkID, localOff, remoteOff, size int64) error

	// PostRemoteWriteWithCompletion is PostRemoteWrite plus a
	// completion entry once the write is locally done.
	PostRemoteWriteWithCompletion(wr WorkID, localOff, remoteOff, size int64) error

	// PostRemoteRead pulls size bytes of the remote region at
	// remoteOff into the local region at localOff, with a
	// completion entry.
	PostRemoteRead(wr WorkID, localOff, remoteOff, size int64) error

	// Failed reports whether a completion error has broken
	// this connection. Posts after failure return ErrQPFailed
	// synchronously.
	Failed() bool

	Close() error
}

// Fabric is the device boundary. One per process per node.
type Fabric interface {
	// RegisterMemory pins buf and returns its region handle.
	RegisterMemory(buf []byte) (*MemoryRegion, error)

	// ConnectQueuePair exchanges {addr,rkey,qp_num,lid,gid}
	// with the remote side over exch, then walks the pair
	// through INIT -> RTR -> RTS.
	ConnectQueuePair(remote NodeID, local *MemoryRegion, exch BlobExchange) (QueuePair, error)

	// PollCompletions drains up to len(dst) completion
	// entries, returning how many were filled.
	PollCompletions(dst []Completion) int

	Close() error
}

// qpExchangeBlob is the bootstrap handshake payload, network
// byte order, fixed size.
// {addr:64, rkey:32, qp_num:32, lid:16, gid:128}
const qpExchangeBlobSize = 8 + 4 + 4 + 2 + 16

type qpExchangeBlob struct {
	Addr  uint64
	RKey  uint32
	QPNum uint32
	Lid   uint16
	Gid   [16]byte
}

func (b *qpExchangeBlob) encode() []byte {
	out := make([]byte, qpExchangeBlobSize)
	binary.BigEndian.PutUint64(out[0:8], b.Addr)
	binary.BigEndian.PutUint32(out[8:12], b.RKey)
	binary.BigEndian.PutUint32(out[12:16], b.QPNum)
	binary.BigEndian.PutUint16(out[16:18], b.Lid)
	copy(out[18:34], b.Gid[:])
	return out
}

func decodeQpExchangeBlob(in []byte) (b qpExchangeBlob, err error) {
	if len(in) != qpExchangeBlobSize {
		err = fmt.Errorf("qp exchange blob: want %v bytes, got %v", qpExchangeBlobSize, len(in))
		return
	}
	b.Addr = binary.BigEndian.Uint64(in[0:8])
	b.RKey = binary.BigEndian.Uint32(in[8:12])
	b.QPNum = binary.BigEndian.Uint32(in[12:16])
	b.Lid = binary.BigEndian.Uint16(in[16:18])
	copy(b.Gid[:], in[18:34])
	return
}

// completionWaiter pairs a parked completion value with a
// loquet latch. The poller fills Comp, then closes Ready; the
// channel close publishes the write.
type completionWaiter struct {
	Comp  Completion
	Ready *loquet.Chan[Completion]
}

func (w *completionWaiter) wait() Completion {
	<-w.Ready.WhenClosed()
	return w.Comp
}

// completionPoller is the single background goroutine that
// drains the completion queue and dispatches to registered
// per-WorkID waiters. A completion nobody waits on is dropped;
// an error completion with no waiter goes to onOrphanError so
// the GMS can turn it into a suspicion.
type completionPoller struct {
	fab     Fabric
	waiters *Mutexmap[WorkID, *completionWaiter]
	halt    *idem.Halter

	// onOrphanError sees error completions with no waiter.
	onOrphanError func(Completion)
}

func newCompletionPoller(fab Fabric, onOrphanError func(Completion)) *completionPoller {
	return &completionPoller{
		fab:           fab,
		waiters:       NewMutexmap[WorkID, *completionWaiter](),
		halt:          idem.NewHalter(),
		onOrphanError: onOrphanError,
	}
}

// expect registers interest in wr before posting it; the
// returned waiter's latch closes with the completion.
func (p *completionPoller) expect(wr WorkID) *completionWaiter {
	w := &completionWaiter{Ready: loquet.NewChan[Completion](nil)}
	p.waiters.Set(wr, w)
	return w
}

func (p *completionPoller) forget(wr WorkID) {
	p.waiters.Del(wr)
}

func (p *completionPoller) start() {
	go func() {
		defer p.halt.Done.Close()
		buf := make([]Completion, 64)
		for {
			select {
			case <-p.halt.ReqStop.Chan:
				return
			default:
			}
			n := p.fab.PollCompletions(buf)
			if n == 0 {
				// busy poll, like the verbs layer; the
				// emulated fabric blocks briefly inside
				// PollCompletions instead of spinning hot.
				continue
			}
			for i := 0; i < n; i++ {
				c := buf[i]
				if w, ok := p.waiters.GetValNDel(c.WorkID); ok {
					w.Comp = c
					w.Ready.Close()
					continue
				}
				if c.Status != CompletionOK && p.onOrphanError != nil {
					p.onOrphanError(c)
				}
			}
		}
	}()
}

func (p *completionPoller) stop() {
	p.halt.ReqStop.Close()
	<-p.halt.Done.Chan
}
