package derecho

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/glycerine/idem"
	"github.com/klauspost/compress/zstd"
)

// persist.go: the append-only message log. Each delivered
// message becomes one framed record; once the record is synced
// the writer's upcall advances persisted_num, which feeds back
// into send flow control. Replay truncates at the first torn
// or corrupt record, so a crash mid-write loses at most the
// unsynced tail.

// logMagic is the first 8 bytes of every record. The last
// byte varies: it carries the payload compression in use.
// 00 => no compression
// 03 => zstd
var logMagic = [8]byte{0xd7, 0x2e, 0x91, 0x4c, 0x5a, 0xe0, 0x77, 0x00}

const (
	logCompressNone byte = 0
	logCompressZstd byte = 3
)

// payloads under this stay uncompressed; zstd on tiny inputs
// just adds bytes.
const compressFloor = 512

// record layout after the 8 magic bytes, little-endian:
// vid u32 | subgroup u32 | sender u32 | index u64 |
// size u32 (stored bytes) | usize u32 (original bytes) |
// cooked u8 | crc u32 (of stored payload) | payload[size]
const recordHdrLen = 4 + 4 + 4 + 8 + 4 + 4 + 1 + 4

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// persistedMessage is one record, in memory. Seq is the
// delivery sequence number; it is not serialized (it is
// derivable from index and the view's sender layout) but rides
// along so the upcall can retire the right buffer.
type persistedMessage struct {
	Subgroup SubgroupID
	Vid      int64
	Sender   NodeID
	Index    int64
	Seq      int64
	Cooked   bool
	Data     []byte
}

func encodeLogRecord(m *persistedMessage, enc *zstd.Encoder) []byte {
	payload := m.Data
	flag := logCompressNone
	if enc != nil && len(m.Data) >= compressFloor {
		c := enc.EncodeAll(m.Data, nil)
		if len(c) < len(m.Data) {
			payload = c
			flag = logCompressZstd
		}
	}
	out := make([]byte, 8+recordHdrLen+len(payload))
	copy(out, logMagic[:])
	out[7] = flag
	b := out[8:]
	binary.LittleEndian.PutUint32(b[0:4], uint32(m.Vid))
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.Subgroup))
	binary.LittleEndian.PutUint32(b[8:12], uint32(m.Sender))
	binary.LittleEndian.PutUint64(b[12:20], uint64(m.Index))
	binary.LittleEndian.PutUint32(b[20:24], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b[24:28], uint32(len(m.Data)))
	if m.Cooked {
		b[28] = 1
	}
	binary.LittleEndian.PutUint32(b[29:33], crc32.Checksum(payload, crcTable))
	copy(b[33:], payload)
	return out
}

// decodeLogRecord reads one record from r. io.EOF means a
// clean end; any framing or checksum problem comes back as an
// error so the caller can truncate there.
func decodeLogRecord(r io.Reader, dec *zstd.Decoder) (*persistedMessage, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err // io.EOF at a record boundary is clean
	}
	flag := magic[7]
	magic[7] = 0
	if magic != logMagic {
		return nil, fmt.Errorf("log record: bad magic")
	}
	var hdr [recordHdrLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("log record: torn header: %w", err)
	}
	m := &persistedMessage{
		Vid:      int64(binary.LittleEndian.Uint32(hdr[0:4])),
		Subgroup: SubgroupID(binary.LittleEndian.Uint32(hdr[4:8])),
		Sender:   NodeID(binary.LittleEndian.Uint32(hdr[8:12])),
		Index:    int64(binary.LittleEndian.Uint64(hdr[12:20])),
		Cooked:   hdr[28] != 0,
	}
	size := binary.LittleEndian.Uint32(hdr[20:24])
	usize := binary.LittleEndian.Uint32(hdr[24:28])
	wantCrc := binary.LittleEndian.Uint32(hdr[29:33])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("log record: torn payload: %w", err)
	}
	if crc32.Checksum(payload, crcTable) != wantCrc {
		return nil, fmt.Errorf("log record: crc mismatch")
	}
	switch flag {
	case logCompressNone:
		m.Data = payload
	case logCompressZstd:
		if dec == nil {
			return nil, fmt.Errorf("log record: zstd payload but no decoder")
		}
		d, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("log record: zstd: %w", err)
		}
		if uint32(len(d)) != usize {
			return nil, fmt.Errorf("log record: decompressed %v bytes, recorded %v", len(d), usize)
		}
		m.Data = d
	default:
		return nil, fmt.Errorf("log record: unknown compression flag %v", flag)
	}
	return m, nil
}

// logWriter appends records on its own goroutine, syncing
// after each queue drain and upcalling per synced message.
type logWriter struct {
	path string
	f    *os.File
	enc  *zstd.Encoder

	mut    sync.Mutex
	upcall func(persistedMessage)

	q    chan persistedMessage
	halt *idem.Halter

	// lastErr latches the first write failure; after that the
	// writer stops acking, persisted_num stalls, and flow
	// control eventually blocks the senders.
	errMut  sync.Mutex
	lastErr error
}

func newLogWriter(path string) (*logWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &logWriter{
		path: path,
		f:    f,
		enc:  enc,
		q:    make(chan persistedMessage, 256),
		halt: idem.NewHalter(),
	}
	go w.loop()
	return w, nil
}

// setUpcall re-points the persisted upcall; the new multicast
// group takes over a surviving writer this way on a view
// change.
func (w *logWriter) setUpcall(fn func(persistedMessage)) {
	w.mut.Lock()
	w.upcall = fn
	w.mut.Unlock()
}

func (w *logWriter) err() error {
	w.errMut.Lock()
	defer w.errMut.Unlock()
	return w.lastErr
}

func (w *logWriter) setErr(err error) {
	w.errMut.Lock()
	if w.lastErr == nil {
		w.lastErr = err
	}
	w.errMut.Unlock()
}

// writeMessage enqueues one record. Never blocks the delivery
// path for disk: the queue is buffered and drained by the
// writer goroutine.
func (w *logWriter) writeMessage(m persistedMessage) {
	select {
	case w.q <- m:
	case <-w.halt.ReqStop.Chan:
	}
}

func (w *logWriter) loop() {
	defer w.halt.Done.Close()
	for {
		var batch []persistedMessage
		select {
		case <-w.halt.ReqStop.Chan:
			return
		case m := <-w.q:
			batch = append(batch, m)
		}
		// drain whatever else is queued so one fsync covers it
	drain:
		for {
			select {
			case m := <-w.q:
				batch = append(batch, m)
			default:
				break drain
			}
		}
		if w.err() != nil {
			continue // stalled; records dropped, senders block
		}
		for i := range batch {
			if _, err := w.f.Write(encodeLogRecord(&batch[i], w.enc)); err != nil {
				alwaysPrintf("log writer: write failed: %v", err)
				w.setErr(err)
			}
		}
		if w.err() != nil {
			continue
		}
		if err := w.f.Sync(); err != nil {
			alwaysPrintf("log writer: fsync failed: %v", err)
			w.setErr(err)
			continue
		}
		w.mut.Lock()
		up := w.upcall
		w.mut.Unlock()
		if up != nil {
			for i := range batch {
				up(batch[i])
			}
		}
	}
}

func (w *logWriter) Close() {
	w.halt.ReqStop.Close()
	<-w.halt.Done.Chan
	w.f.Sync()
	w.f.Close()
	w.enc.Close()
}

// replayLog streams every intact record of the file to fn, in
// append order, stopping cleanly at EOF or the first corrupt
// record (which a crash mid-append can legitimately leave).
func replayLog(path string, fn func(*persistedMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()
	for {
		m, derr := decodeLogRecord(f, dec)
		if derr == io.EOF {
			return nil
		}
		if derr != nil {
			alwaysPrintf("replay of %v stopped: %v", path, derr)
			return nil
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}
