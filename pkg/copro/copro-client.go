// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the client registry: one registrant per client type,
// request/response over the client's channel and dispatch of asynchronous
// messages to the registered callback through a fixed pool of slots.
package copro

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

type ClientType uint8

const (
	CLIENT_MGMT ClientType = iota
	CLIENT_SECURITY
	CLIENT_EVENT
	numClientTypes
)

func (t ClientType) String() string {
	switch t {
	case CLIENT_MGMT:
		return "mgmt"
	case CLIENT_SECURITY:
		return "security"
	case CLIENT_EVENT:
		return "event"
	}
	return fmt.Sprintf("ClientType(%d)", uint8(t))
}

var clientChannel = [numClientTypes]ChannelType{
	CLIENT_MGMT:     CH_MGMT,
	CLIENT_SECURITY: CH_SECURITY,
	CLIENT_EVENT:    CH_EVENT,
}

func clientForChannel(ch ChannelType) (ClientType, bool) {
	for t, c := range clientChannel {
		if c == ch {
			return ClientType(t), true
		}
	}
	return 0, false
}

// Handle : client type in the top byte, registration generation below it.
// A handle is never reused while the generation counter does not wrap.
type Handle uint32

const handleGenMask = 0xFFFFFF

func newHandle(t ClientType, gen uint32) Handle {
	return Handle((uint32(t)+1)<<24 | gen&handleGenMask)
}

func (h Handle) clientType() (ClientType, bool) {
	t := uint32(h) >> 24
	if t == 0 || t > uint32(numClientTypes) {
		return 0, false
	}
	return ClientType(t - 1), true
}

func (h Handle) String() string {
	return fmt.Sprintf("0x%08X", uint32(h))
}

// ClientCallback receives asynchronous messages. It runs on a dispatch
// worker and must not call Unregister for its own handle.
type ClientCallback func(h Handle, t ClientType, msg []byte, data any)

type clientEntry struct {
	handle   Handle
	itype    ClientType
	cb       ClientCallback
	data     any
	inflight sync.WaitGroup
}

type asyncSlot struct {
	msg   []byte
	itype ClientType
	reg   *ClientRegistry
	inUse bool
}

type rpcResult struct {
	msg []byte
	err error
}

type rpcWaiter struct {
	handle Handle
	done   chan rpcResult
}

type ClientRegistry struct {
	ipc           *IpcLayer
	metrics       *Metrics
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	logLimit      *rate.Limiter

	sem       *semaphore.Weighted
	slotMu    sync.Mutex
	slots     []asyncSlot
	dispatchQ *workQueue

	mu      sync.Mutex
	gen     uint32
	entries [numClientTypes]*clientEntry
	rpc     [numClientTypes]*rpcWaiter
	rpcLock [numClientTypes]sync.Mutex
	held    map[ClientType][]byte // read for a request that went away, waiting for a slot
}

func NewClientRegistry(ipc *IpcLayer, cfg Config, m *Metrics) *ClientRegistry {
	r := &ClientRegistry{
		ipc:           ipc,
		metrics:       m,
		timeout:       cfg.AdminTimeout.Duration,
		retries:       cfg.SendRetries,
		retryInterval: cfg.SendRetryInterval.Duration,
		logLimit:      rate.NewLimiter(rate.Every(time.Second), 5),
		sem:           semaphore.NewWeighted(int64(cfg.AsyncSlots)),
		slots:         make([]asyncSlot, cfg.AsyncSlots),
		held:          make(map[ClientType][]byte),
		// every queued item holds a slot, so the queue never overflows
		dispatchQ: newWorkQueue("dispatch", cfg.AsyncSlots, cfg.DispatchWorkers),
	}
	for i := range r.slots {
		r.slots[i].reg = r
	}
	return r
}

func (r *ClientRegistry) Register(t ClientType, cb ClientCallback, data any) (Handle, error) {
	if t >= numClientTypes {
		return 0, fmt.Errorf("copro-client.Register %s: %w", t, ErrIpcBadType)
	}
	if cb == nil {
		return 0, fmt.Errorf("copro-client.Register %s: nil callback: %w", t, ErrNullPtr)
	}
	r.mu.Lock()
	if old := r.entries[t]; old != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("copro-client.Register %s held by %s: %w", t, old.handle, ErrIpcChanRegistered)
	}
	r.gen++
	e := &clientEntry{handle: newHandle(t, r.gen), itype: t, cb: cb, data: data}
	r.entries[t] = e
	r.mu.Unlock()

	r.ipc.setRegistered(clientChannel[t], true)
	klog.V(DBG_LVL_INFO).InfoS("copro-client.Register", "type", t, "handle", e.handle)
	return e.handle, nil
}

func (r *ClientRegistry) lookup(h Handle) (*clientEntry, error) {
	t, ok := h.clientType()
	if !ok {
		return nil, fmt.Errorf("copro-client: handle %s: %w", h, ErrBadHandle)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[t]
	if e == nil || e.handle != h {
		return nil, fmt.Errorf("copro-client: handle %s: %w", h, ErrBadHandle)
	}
	return e, nil
}

// Unregister invalidates h and returns once every callback already running
// for it has returned. No callback for h starts after that.
func (r *ClientRegistry) Unregister(h Handle) error {
	t, ok := h.clientType()
	if !ok {
		return fmt.Errorf("copro-client.Unregister %s: %w", h, ErrBadHandle)
	}
	r.mu.Lock()
	e := r.entries[t]
	if e == nil || e.handle != h {
		r.mu.Unlock()
		return fmt.Errorf("copro-client.Unregister %s: %w", h, ErrBadHandle)
	}
	r.entries[t] = nil
	if w := r.rpc[t]; w != nil && w.handle == h {
		r.rpc[t] = nil
		w.done <- rpcResult{err: fmt.Errorf("copro-client: %s unregistered: %w", h, ErrBadHandle)}
	}
	r.mu.Unlock()

	e.inflight.Wait()
	r.ipc.setRegistered(clientChannel[t], false)
	klog.V(DBG_LVL_INFO).InfoS("copro-client.Unregister", "type", t, "handle", h)
	return nil
}

func (r *ClientRegistry) sendBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryInterval), uint64(r.retries))
	return backoff.WithContext(b, ctx)
}

// SendReceive sends req on the client's channel and waits for the next
// message the coprocessor sends back on it. One request per channel is in
// flight at a time; a full ring is retried with a bounded constant backoff.
func (r *ClientRegistry) SendReceive(ctx context.Context, h Handle, req []byte) ([]byte, error) {
	e, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	t := e.itype
	ch := clientChannel[t]
	r.rpcLock[t].Lock()
	defer r.rpcLock[t].Unlock()

	w := &rpcWaiter{handle: h, done: make(chan rpcResult, 1)}
	r.mu.Lock()
	if r.entries[t] != e {
		r.mu.Unlock()
		return nil, fmt.Errorf("copro-client.SendReceive %s: %w", h, ErrBadHandle)
	}
	r.rpc[t] = w
	r.mu.Unlock()

	op := func() error {
		err := r.ipc.Send(ch, req)
		if err != nil && !IsBackpressure(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, r.sendBackoff(ctx)); err != nil {
		r.clearRPC(t, w)
		return nil, fmt.Errorf("copro-client.SendReceive %s: %w", t, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-w.done:
		return res.msg, res.err
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = context.DeadlineExceeded
	}
	if !r.clearRPC(t, w) {
		// the reply won the race and is already on its way
		res := <-w.done
		return res.msg, res.err
	}
	klog.ErrorS(err, "copro-client.SendReceive no reply", "type", t, "handle", h)
	return nil, fmt.Errorf("copro-client.SendReceive %s: %v: %w", t, err, ErrTimerExpired)
}

// clearRPC removes w if it is still the channel's waiter
func (r *ClientRegistry) clearRPC(t ClientType, w *rpcWaiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rpc[t] != w {
		return false
	}
	r.rpc[t] = nil
	return true
}

func (r *ClientRegistry) deliverRPC(t ClientType, w *rpcWaiter, res rpcResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rpc[t] != w {
		return false
	}
	r.rpc[t] = nil
	w.done <- res
	return true
}

func (r *ClientRegistry) waiter(t ClientType) *rpcWaiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rpc[t]
}

// failRPC ends every pending request with err
func (r *ClientRegistry) failRPC(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, w := range r.rpc {
		if w != nil {
			r.rpc[t] = nil
			w.done <- rpcResult{err: err}
		}
	}
}

// drain moves waiting frames of a client channel to their consumer. A reply
// goes to the pending request; anything else needs a dispatch slot and is
// left in the ring when none is free.
func (r *ClientRegistry) drain(t ClientType) {
	ch := clientChannel[t]
	for {
		if w := r.waiter(t); w != nil {
			msg, err := r.ipc.Receive(ch)
			if err != nil {
				return
			}
			if !r.deliverRPC(t, w, rpcResult{msg: msg}) {
				r.dispatchOrHold(t, msg)
			}
			continue
		}
		if !r.dispatchHeld(t) {
			r.metrics.backpressure("dispatch-" + t.String())
			return
		}
		if !r.ipc.DataAvailable(ch) {
			return
		}
		if !r.sem.TryAcquire(1) {
			r.metrics.backpressure("dispatch-" + t.String())
			return
		}
		msg, err := r.ipc.Receive(ch)
		if err != nil {
			r.sem.Release(1)
			return
		}
		r.dispatch(t, msg)
	}
}

// dispatchOrHold dispatches a message already taken from the ring. With every
// slot busy it is kept for the next drain of t; one message is kept per type.
func (r *ClientRegistry) dispatchOrHold(t ClientType, msg []byte) {
	if r.sem.TryAcquire(1) {
		r.dispatch(t, msg)
		return
	}
	r.mu.Lock()
	_, busy := r.held[t]
	if !busy {
		r.held[t] = msg
	}
	r.mu.Unlock()
	if !busy {
		r.metrics.backpressure("dispatch-" + t.String())
		return
	}
	r.metrics.workDropped()
	if r.logLimit.Allow() {
		klog.ErrorS(ErrIpcNoBuffers, "copro-client.drain no dispatch slot, message dropped", "type", t)
	}
}

// dispatchHeld dispatches the message kept back for t, and reports false
// while it still waits for a slot
func (r *ClientRegistry) dispatchHeld(t ClientType) bool {
	r.mu.Lock()
	msg, ok := r.held[t]
	if !ok {
		r.mu.Unlock()
		return true
	}
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		return false
	}
	delete(r.held, t)
	r.mu.Unlock()
	r.dispatch(t, msg)
	return true
}

func (r *ClientRegistry) hasHeld(t ClientType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[t]
	return ok
}

// dispatch hands msg to a worker; the caller holds one semaphore unit
func (r *ClientRegistry) dispatch(t ClientType, msg []byte) {
	slot := r.claimSlot()
	slot.msg = msg
	slot.itype = t
	if !r.dispatchQ.schedule(func() { slot.run() }) {
		r.releaseSlot(slot)
		if r.logLimit.Allow() {
			klog.ErrorS(ErrShutDown, "copro-client.dispatch queue closed, message dropped", "type", t)
		}
	}
}

func (r *ClientRegistry) claimSlot() *asyncSlot {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()
	for i := range r.slots {
		if !r.slots[i].inUse {
			r.slots[i].inUse = true
			return &r.slots[i]
		}
	}
	// the semaphore admits no more holders than there are slots
	panic("copro-client: async slot pool exhausted")
}

func (r *ClientRegistry) releaseSlot(s *asyncSlot) {
	r.slotMu.Lock()
	s.msg = nil
	s.inUse = false
	r.slotMu.Unlock()
	r.sem.Release(1)
}

// run delivers the slot's message on a dispatch worker. The handle is
// checked and pinned under the registry lock right before the callback.
func (s *asyncSlot) run() {
	r := s.reg
	t, msg := s.itype, s.msg
	r.mu.Lock()
	e := r.entries[t]
	if e != nil {
		e.inflight.Add(1)
	}
	r.mu.Unlock()

	if e == nil {
		if r.logLimit.Allow() {
			klog.V(DBG_LVL_BASIC).InfoS("copro-client.dispatch no registrant, message dropped", "type", t, "len", len(msg))
		}
	} else {
		e.cb(e.handle, t, msg, e.data)
		e.inflight.Done()
		r.metrics.dispatched(t)
	}
	r.releaseSlot(s)
	r.rescan()
}

// rescan drains every client channel that still holds frames, for frames
// left behind while the slots were busy
func (r *ClientRegistry) rescan() {
	for t := ClientType(0); t < numClientTypes; t++ {
		if r.hasHeld(t) || r.ipc.DataAvailable(clientChannel[t]) {
			r.drain(t)
		}
	}
}

func (r *ClientRegistry) close() {
	r.failRPC(ErrShutDown)
	r.dispatchQ.stop()
}
