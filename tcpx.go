package derecho

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// tcpx.go: the bounded, blocking TCP bootstrap. Only used for
// connection setup (join handshake, view distribution); barrier
// syncs go through the fabric's exchanger, and all steady-state
// traffic is one-sided over the fabric.

// maxBootstrapBlob keeps a garbage peer from making us
// allocate unbounded memory during a handshake.
const maxBootstrapBlob = 64 * 1024 * 1024

func readFull(conn net.Conn, buf []byte, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	_, err := io.ReadFull(conn, buf)
	return err
}

func writeFull(conn net.Conn, buf []byte, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	nw := 0
	for nw < len(buf) {
		n, err := conn.Write(buf[nw:])
		if err != nil {
			return err
		}
		nw += n
	}
	return nil
}

// sendBlob writes one length-prefixed frame: 8 bytes of
// big-endian length, then the bytes.
func sendBlob(conn net.Conn, blob []byte, timeout time.Duration) error {
	var lenBy [8]byte
	binary.BigEndian.PutUint64(lenBy[:], uint64(len(blob)))
	if err := writeFull(conn, lenBy[:], timeout); err != nil {
		return err
	}
	return writeFull(conn, blob, timeout)
}

// recvBlob reads one length-prefixed frame.
func recvBlob(conn net.Conn, timeout time.Duration) ([]byte, error) {
	var lenBy [8]byte
	if err := readFull(conn, lenBy[:], timeout); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(lenBy[:])
	if n > maxBootstrapBlob {
		return nil, fmt.Errorf("bootstrap blob too long: %v is over %v", n, maxBootstrapBlob)
	}
	blob := make([]byte, n)
	if err := readFull(conn, blob, timeout); err != nil {
		return nil, err
	}
	return blob, nil
}

// exchangeBlobs does the symmetric write-then-read swap both
// sides run. Per-peer failure comes back to the caller as the
// error. A verbs-backed fabric would hand this to
// ConnectQueuePair as its BlobExchange.
func exchangeBlobs(conn net.Conn, send []byte, timeout time.Duration) ([]byte, error) {
	if err := sendBlob(conn, send, timeout); err != nil {
		return nil, err
	}
	return recvBlob(conn, timeout)
}
