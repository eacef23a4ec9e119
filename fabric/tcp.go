package fabric

// tcp.go implements Adapter over raw TCP sockets: one long-lived
// connection per peer rank and a length-prefixed framing layer
// independent of the wire package's own header.total_length (so the
// transport never needs to parse message bodies to find frame
// boundaries).
//
// The adapter is strictly single-threaded after bootstrap: no reader
// or writer goroutines exist. Send writes the frame inline, handing it
// to the kernel's socket buffer, and Drain polls each connection with
// a short read deadline, accumulating bytes into a per-peer buffer and
// extracting complete frames in arrival order. All socket activity
// therefore happens on the simulator thread that calls Send and Drain,
// and per-peer FIFO order follows directly from the TCP byte stream
// plus in-order frame extraction; no cross-goroutine ordering
// reasoning is ever needed.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/exp/slices"
)

// maxFrameSize bounds one length-prefixed transport frame, matching
// the wire protocol's own message-size ceiling plus the prefix.
const maxFrameSize = 1 << 20

// pollReadDeadline bounds how long a Drain poll may wait on one idle
// connection; data already buffered by the kernel returns immediately.
const pollReadDeadline = 200 * time.Microsecond

// writeDeadline bounds a Send; a peer that has stopped reading long
// enough to fill the socket buffer surfaces as a fabric error instead
// of stalling the simulator thread.
const writeDeadline = 5 * time.Second

// handshakeDeadline bounds the rank exchange during bootstrap.
const handshakeDeadline = 10 * time.Second

type tcpPeer struct {
	rank uint32
	conn net.Conn
	rbuf []byte // bytes received but not yet framed
}

// TCPFabric is a net.Conn-backed Adapter connecting one rank to every
// other rank in the run over a full mesh of long-lived TCP connections.
// It is not safe for concurrent use; all calls belong to the single
// simulator thread.
type TCPFabric struct {
	rank      uint32
	worldSize uint32

	peers map[uint32]*tcpPeer
	order []uint32 // ascending peer ranks, the deterministic Drain order

	safeTimeNS uint64

	err error
}

// DialMesh establishes a full mesh of TCP connections for a run of
// worldSize ranks: this rank listens on listenAddr for peers with a
// lower rank, then dials every peer with a higher rank at the address
// given in addrs. Each listener is created before any accept, so a
// lower rank's dial lands in the backlog even while this rank is still
// accepting earlier peers; the accept loop itself runs synchronously.
func DialMesh(rank, worldSize uint32, listenAddr string, addrs map[uint32]string) (*TCPFabric, error) {
	f := &TCPFabric{
		rank:      rank,
		worldSize: worldSize,
		peers:     make(map[uint32]*tcpPeer),
	}

	lowerPeers := make([]uint32, 0)
	higherPeers := make([]uint32, 0)
	for r := uint32(0); r < worldSize; r++ {
		if r < rank {
			lowerPeers = append(lowerPeers, r)
		} else if r > rank {
			higherPeers = append(higherPeers, r)
		}
	}

	if len(lowerPeers) > 0 {
		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return nil, fmt.Errorf("fabric: listen on %s: %w", listenAddr, err)
		}
		defer ln.Close()
		for i := 0; i < len(lowerPeers); i++ {
			conn, err := ln.Accept()
			if err != nil {
				return nil, fmt.Errorf("fabric: accepting peers: %w", err)
			}
			conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
			var peerRank uint32
			if err := binary.Read(conn, binary.BigEndian, &peerRank); err != nil {
				return nil, fmt.Errorf("fabric: peer handshake: %w", err)
			}
			conn.SetReadDeadline(time.Time{})
			f.addPeer(peerRank, conn)
		}
	}

	for _, p := range higherPeers {
		addr, present := addrs[p]
		if !present {
			return nil, fmt.Errorf("fabric: no address given for peer rank %d", p)
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("fabric: dial rank %d at %s: %w", p, addr, err)
		}
		conn.SetWriteDeadline(time.Now().Add(handshakeDeadline))
		if err := binary.Write(conn, binary.BigEndian, rank); err != nil {
			return nil, fmt.Errorf("fabric: handshake with rank %d: %w", p, err)
		}
		conn.SetWriteDeadline(time.Time{})
		f.addPeer(p, conn)
	}

	return f, nil
}

func (f *TCPFabric) addPeer(peerRank uint32, conn net.Conn) {
	f.peers[peerRank] = &tcpPeer{rank: peerRank, conn: conn}
	f.order = append(f.order, peerRank)
	slices.Sort(f.order)
}

// Identity implements Adapter.
func (f *TCPFabric) Identity() (uint32, uint32) {
	return f.rank, f.worldSize
}

// Send implements Adapter. The frame is written inline into the
// kernel's socket buffer and the call returns once the write
// completes; no queue or writer goroutine sits in between.
func (f *TCPFabric) Send(targetRank uint32, bytes []byte, tag Tag) error {
	if f.err != nil {
		return f.err
	}
	p, present := f.peers[targetRank]
	if !present {
		return fmt.Errorf("fabric: no connection to rank %d", targetRank)
	}

	frame := make([]byte, 4+len(bytes))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(bytes)))
	copy(frame[4:], bytes)

	p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := p.conn.Write(frame); err != nil {
		f.err = fmt.Errorf("fabric: send to rank %d: %w", targetRank, err)
		return f.err
	}
	return nil
}

// Drain implements Adapter: it polls every connection in ascending
// rank order, pulls whatever bytes the kernel has buffered, and
// invokes callback once per complete frame in arrival order. An idle
// connection costs one short deadline expiry and nothing else.
func (f *TCPFabric) Drain(callback DrainCallback) {
	if f.err != nil {
		return
	}
	for _, r := range f.order {
		p := f.peers[r]
		f.readAvailable(p)
		for {
			if len(p.rbuf) >= 4 {
				if n := binary.BigEndian.Uint32(p.rbuf[0:4]); n > maxFrameSize {
					f.err = fmt.Errorf("fabric: oversized frame (%d bytes) from rank %d", n, p.rank)
					return
				}
			}
			frame, rest, ok := nextFrame(p.rbuf)
			if !ok {
				break
			}
			p.rbuf = rest
			cp := make([]byte, len(frame))
			copy(cp, frame)
			callback(p.rank, tagForBytes(cp), cp)
		}
	}
}

// readAvailable moves buffered bytes from p's socket into p.rbuf,
// stopping at the poll deadline once the kernel has nothing more.
func (f *TCPFabric) readAvailable(p *tcpPeer) {
	var scratch [64 * 1024]byte
	for {
		p.conn.SetReadDeadline(time.Now().Add(pollReadDeadline))
		n, err := p.conn.Read(scratch[:])
		if n > 0 {
			p.rbuf = append(p.rbuf, scratch[:n]...)
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return
			}
			if errors.Is(err, io.EOF) {
				f.err = fmt.Errorf("fabric: rank %d closed its connection", p.rank)
			} else {
				f.err = fmt.Errorf("fabric: read from rank %d: %w", p.rank, err)
			}
			return
		}
	}
}

// nextFrame extracts one complete length-prefixed frame from buf,
// returning the frame, the remaining bytes, and whether a full frame
// was present.
func nextFrame(buf []byte) (frame, rest []byte, ok bool) {
	if len(buf) < 4 {
		return nil, buf, false
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	if len(buf) < 4+int(n) {
		return nil, buf, false
	}
	return buf[4 : 4+n], buf[4+int(n):], true
}

// Err returns the transport-level error that has poisoned this fabric,
// or nil while it is healthy. A lost or misbehaving peer is fatal to
// the run; callers check this each polling cycle and exit non-zero.
func (f *TCPFabric) Err() error {
	return f.err
}

// BarrierTimeNS implements Adapter.
func (f *TCPFabric) BarrierTimeNS() uint64 {
	return f.safeTimeNS
}

// SetBarrierTimeNS is called by the host scheduler integration whenever
// the conservative-synchronization safe time advances.
func (f *TCPFabric) SetBarrierTimeNS(ns uint64) {
	f.safeTimeNS = ns
}

// Close implements Adapter.
func (f *TCPFabric) Close() error {
	for _, p := range f.peers {
		_ = p.conn.Close()
	}
	f.peers = make(map[uint32]*tcpPeer)
	f.order = nil
	return nil
}

// tagForBytes derives an informational Tag from the wire header's
// message_type, purely for diagnostics; dispatch never depends on it.
func tagForBytes(b []byte) Tag {
	if len(b) < 4 {
		return TagError
	}
	switch binary.BigEndian.Uint32(b[0:4]) {
	case 100:
		return TagRegister
	case 101, 102:
		return TagConfig
	case 103:
		return TagTX
	case 104:
		return TagRemove
	case 105:
		return TagPosition
	case 200:
		return TagRX
	case 203:
		return TagAck
	case 204:
		return TagError
	case 301:
		return TagHeartbeat
	default:
		return TagError
	}
}
