// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the shared memory frame ring used by every IPC channel.
// Each direction is a queue header followed by nframes fixed size frames. The
// producer owns the write count and the state word, the consumer owns the read
// count. Both ends run the same code with the queues swapped.
package copro

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	IVC_ALIGN             = 64
	IVC_HEADER_SIZE       = 128
	IVC_HDR_W_COUNT       = 0
	IVC_HDR_STATE         = 4
	IVC_HDR_R_COUNT       = 64
	ipcHeaderSize         = 4 // little endian payload length at the start of every frame
	IVC_STATE_INIT        = 0
	IVC_STATE_SYNC        = 1
	IVC_STATE_ACK         = 2
	IVC_STATE_ESTABLISHED = 3
)

func ivcAlign(v uint32) uint32 {
	return (v + IVC_ALIGN - 1) &^ (IVC_ALIGN - 1)
}

// ivcQueueSize is the size of one direction of a channel
func ivcQueueSize(nframes, fsize uint32) uint64 {
	return IVC_HEADER_SIZE + uint64(nframes)*uint64(ivcAlign(fsize))
}

type ivcQueue struct {
	mem     []byte
	nframes uint32
	fsize   uint32
}

func (q *ivcQueue) word(ofs int) *uint32 {
	return (*uint32)(unsafe.Pointer(&q.mem[ofs]))
}

func (q *ivcQueue) wCount() uint32 { return atomic.LoadUint32(q.word(IVC_HDR_W_COUNT)) }
func (q *ivcQueue) setWCount(v uint32) { atomic.StoreUint32(q.word(IVC_HDR_W_COUNT), v) }
func (q *ivcQueue) rCount() uint32 { return atomic.LoadUint32(q.word(IVC_HDR_R_COUNT)) }
func (q *ivcQueue) setRCount(v uint32) { atomic.StoreUint32(q.word(IVC_HDR_R_COUNT), v) }
func (q *ivcQueue) state() uint32 { return atomic.LoadUint32(q.word(IVC_HDR_STATE)) }
func (q *ivcQueue) setState(v uint32) { atomic.StoreUint32(q.word(IVC_HDR_STATE), v) }
func (q *ivcQueue) used() uint32 { return q.wCount() - q.rCount() }

func (q *ivcQueue) frame(count uint32) []byte {
	ofs := IVC_HEADER_SIZE + uint64(count%q.nframes)*uint64(q.fsize)
	return q.mem[ofs : ofs+uint64(q.fsize)]
}

// ivc is one end of a channel. notify rings the other end.
type ivc struct {
	rx     ivcQueue
	tx     ivcQueue
	notify func()

	rxLock sync.Mutex
	txLock sync.Mutex
}

func newIvc(rxMem, txMem []byte, nframes, fsize uint32, notify func()) (*ivc, error) {
	fsize = ivcAlign(fsize)
	need := ivcQueueSize(nframes, fsize)
	if nframes == 0 || fsize <= ipcHeaderSize {
		return nil, fmt.Errorf("copro-ivc: %d frames of 0x%X bytes: %w", nframes, fsize, ErrIpcInit)
	}
	if uint64(len(rxMem)) < need || uint64(len(txMem)) < need {
		return nil, fmt.Errorf("copro-ivc: queue needs 0x%X bytes: %w", need, ErrIpcInit)
	}
	return &ivc{
		rx:     ivcQueue{mem: rxMem[:need], nframes: nframes, fsize: fsize},
		tx:     ivcQueue{mem: txMem[:need], nframes: nframes, fsize: fsize},
		notify: notify,
	}, nil
}

func (c *ivc) maxPayload() uint32 {
	return c.tx.fsize - ipcHeaderSize
}

func (c *ivc) localState() uint32 {
	return c.tx.state()
}

func (c *ivc) peerState() uint32 {
	return c.rx.state()
}

func (c *ivc) established() bool {
	return c.localState() == IVC_STATE_ESTABLISHED
}

// canRead reports whether a frame is waiting in the receive queue
func (c *ivc) canRead() bool {
	return c.established() && c.rx.used() != 0
}

func (c *ivc) canWrite() bool {
	return c.established() && c.tx.used() < c.tx.nframes
}

func (c *ivc) write(msg []byte) error {
	c.txLock.Lock()
	defer c.txLock.Unlock()
	if !c.established() {
		return ErrIpcNotReady
	}
	if uint32(len(msg)) > c.maxPayload() {
		return fmt.Errorf("copro-ivc: %d bytes, frame holds %d: %w", len(msg), c.maxPayload(), ErrIpcMsgTooLarge)
	}
	used := c.tx.used()
	if used > c.tx.nframes {
		return fmt.Errorf("copro-ivc: tx counters corrupt (%d in flight): %w", used, ErrIpcIvcErr)
	}
	if used == c.tx.nframes {
		return ErrIpcNoBuffers
	}
	w := c.tx.wCount()
	f := c.tx.frame(w)
	binary.LittleEndian.PutUint32(f, uint32(len(msg)))
	copy(f[ipcHeaderSize:], msg)
	c.tx.setWCount(w + 1)
	c.notify()
	return nil
}

func (c *ivc) read() ([]byte, error) {
	c.rxLock.Lock()
	defer c.rxLock.Unlock()
	if !c.established() {
		return nil, ErrIpcNotReady
	}
	used := c.rx.used()
	if used == 0 {
		return nil, ErrIpcNoData
	}
	if used > c.rx.nframes {
		return nil, fmt.Errorf("copro-ivc: rx counters corrupt (%d in flight): %w", used, ErrIpcIvcErr)
	}
	r := c.rx.rCount()
	f := c.rx.frame(r)
	n := binary.LittleEndian.Uint32(f)
	if n > c.rx.fsize-ipcHeaderSize {
		// the frame is consumed so the ring does not wedge on it
		c.rx.setRCount(r + 1)
		return nil, fmt.Errorf("copro-ivc: frame length %d: %w", n, ErrIpcBadHeader)
	}
	msg := make([]byte, n)
	copy(msg, f[ipcHeaderSize:ipcHeaderSize+n])
	c.rx.setRCount(r + 1)
	if used == c.rx.nframes {
		// the producer may be waiting for space
		c.notify()
	}
	return msg, nil
}

func (c *ivc) resetCounters() {
	c.tx.setWCount(0)
	c.rx.setRCount(0)
}

// reset starts the SYNC -> ACK -> ESTABLISHED handshake
func (c *ivc) reset() {
	c.rxLock.Lock()
	c.txLock.Lock()
	c.tx.setState(IVC_STATE_SYNC)
	c.txLock.Unlock()
	c.rxLock.Unlock()
	c.notify()
}

// notified advances the handshake after a signal from the peer and reports
// whether the channel is established
func (c *ivc) notified() bool {
	c.rxLock.Lock()
	c.txLock.Lock()
	local, peer := c.localState(), c.peerState()
	changed := true
	switch {
	case peer == IVC_STATE_SYNC:
		c.resetCounters()
		c.tx.setState(IVC_STATE_ACK)
	case local == IVC_STATE_SYNC && peer == IVC_STATE_ACK:
		c.resetCounters()
		c.tx.setState(IVC_STATE_ESTABLISHED)
	case local == IVC_STATE_ACK && peer != IVC_STATE_INIT:
		c.tx.setState(IVC_STATE_ESTABLISHED)
	default:
		changed = false
	}
	established := c.established()
	c.txLock.Unlock()
	c.rxLock.Unlock()
	if changed {
		c.notify()
	}
	return established
}

// drop forgets the handshake without telling the peer
func (c *ivc) drop() {
	c.rxLock.Lock()
	c.txLock.Lock()
	c.tx.setState(IVC_STATE_INIT)
	c.resetCounters()
	c.txLock.Unlock()
	c.rxLock.Unlock()
}
