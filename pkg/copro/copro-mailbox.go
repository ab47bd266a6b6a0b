// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the mailbox interfaces: synchronous command/ack
// exchange over a pair of hardware mailbox slots per logical interface
package copro

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// Hardware mailbox slots. Even slots carry host to coprocessor words, odd
// slots coprocessor to host words.
const (
	MBOX_SLOT_BOOT_TX uint8 = iota
	MBOX_SLOT_BOOT_RX
	MBOX_SLOT_ADMIN_TX
	MBOX_SLOT_ADMIN_RX
	MBOX_SLOT_MGMT_TX
	MBOX_SLOT_MGMT_RX
	MBOX_SLOT_EVENT_TX
	MBOX_SLOT_EVENT_RX
	MBOX_SLOT_SECURITY_TX
	MBOX_SLOT_SECURITY_RX
	NUM_MAILBOX_SLOTS
)

func isRecvSlot(slot uint8) bool {
	return slot%2 == 1
}

// MailboxID : logical mailbox interfaces
type MailboxID uint8

const (
	MBOX_BOOT MailboxID = iota
	MBOX_ADMIN
	MBOX_MGMT
	MBOX_EVENT
	MBOX_SECURITY
	numMailboxes
)

func (id MailboxID) String() string {
	switch id {
	case MBOX_BOOT:
		return "boot"
	case MBOX_ADMIN:
		return "admin"
	case MBOX_MGMT:
		return "mgmt"
	case MBOX_EVENT:
		return "event"
	case MBOX_SECURITY:
		return "security"
	}
	return fmt.Sprintf("MailboxID(%d)", uint8(id))
}

// WaitMode selects how SendSync waits for the acknowledgement
type WaitMode uint8

const (
	WAIT_IRQ WaitMode = iota
	WAIT_POLL
)

// InterfaceHandler is the per-variant behaviour of a mailbox interface.
// IsAck and Matches run in interrupt context; HandleStatus runs on the
// deferred worker. Matches tells whether an ack answers the pending command.
type InterfaceHandler interface {
	IsAck(status uint32) bool
	Matches(cmd, status uint32) bool
	HandleStatus(id MailboxID, status uint32)
}

// commandTagger is implemented by interfaces whose command words carry a
// request tag that the coprocessor echoes in its ack
type commandTagger interface {
	Tag(cmd uint32, seq uint64) uint32
}

// statusLatch is implemented by interfaces that keep their own record of
// status words. Latch runs in interrupt context and reports whether it took
// the word; words it leaves go to HandleStatus.
type statusLatch interface {
	Latch(status uint32) bool
}

type mboxRequest struct {
	seq  uint64
	cmd  uint32
	done chan uint32
}

type mailboxWaiter interface {
	wait(ctx context.Context, mb *Mailbox, ifc *MailboxInterface, req *mboxRequest) (uint32, error)
}

// irqWaiter blocks until the interrupt path completes the request
type irqWaiter struct{}

func (irqWaiter) wait(ctx context.Context, mb *Mailbox, ifc *MailboxInterface, req *mboxRequest) (uint32, error) {
	select {
	case ack := <-req.done:
		return ack, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// pollWaiter reads the receive slot itself, for interfaces without an interrupt
type pollWaiter struct {
	interval time.Duration
}

func (w pollWaiter) wait(ctx context.Context, mb *Mailbox, ifc *MailboxInterface, req *mboxRequest) (uint32, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case ack := <-req.done:
			return ack, nil
		default:
		}
		if mb.hw.MailboxRead(ifc.recvSlot) != MAILBOX_STATUS_INVALID {
			mb.HandleSlot(ifc.recvSlot)
			continue
		}
		select {
		case ack := <-req.done:
			return ack, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

type MailboxInterface struct {
	id       MailboxID
	sendSlot uint8
	recvSlot uint8
	waiter   mailboxWaiter
	handler  InterfaceHandler

	sendLock sync.Mutex // held for the whole of one SendSync

	mu      sync.Mutex
	status  uint32
	ack     uint32
	valid   bool
	seq     uint64
	pending *mboxRequest
}

type Mailbox struct {
	hw           Hardware
	timeout      time.Duration
	pollInterval time.Duration
	sched        func(func()) bool
	metrics      *Metrics
	logLimit     *rate.Limiter

	mu     sync.RWMutex
	ifaces [numMailboxes]*MailboxInterface
	bySlot [NUM_MAILBOX_SLOTS]*MailboxInterface
}

// NewMailbox : sched must hand work to a worker without blocking
func NewMailbox(hw Hardware, timeout, pollInterval time.Duration, sched func(func()) bool, m *Metrics) *Mailbox {
	return &Mailbox{
		hw:           hw,
		timeout:      timeout,
		pollInterval: pollInterval,
		sched:        sched,
		metrics:      m,
		logLimit:     rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (mb *Mailbox) InitInterface(id MailboxID, sendSlot, recvSlot uint8, mode WaitMode, handler InterfaceHandler) error {
	if id >= numMailboxes || handler == nil {
		return fmt.Errorf("copro-mailbox.InitInterface %s: %w", id, ErrBadHandle)
	}
	if sendSlot >= NUM_MAILBOX_SLOTS || recvSlot >= NUM_MAILBOX_SLOTS || isRecvSlot(sendSlot) || !isRecvSlot(recvSlot) {
		return fmt.Errorf("copro-mailbox.InitInterface %s: slots %d/%d: %w", id, sendSlot, recvSlot, ErrInterfaceIncompatible)
	}
	ifc := &MailboxInterface{
		id:       id,
		sendSlot: sendSlot,
		recvSlot: recvSlot,
		handler:  handler,
		status:   MAILBOX_STATUS_INVALID,
		valid:    true,
	}
	switch mode {
	case WAIT_IRQ:
		ifc.waiter = irqWaiter{}
	case WAIT_POLL:
		ifc.waiter = pollWaiter{interval: mb.pollInterval}
	default:
		return fmt.Errorf("copro-mailbox.InitInterface %s: wait mode %d: %w", id, mode, ErrInvalidParam)
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.ifaces[id] != nil || mb.bySlot[sendSlot] != nil || mb.bySlot[recvSlot] != nil {
		return fmt.Errorf("copro-mailbox.InitInterface %s already in use: %w", id, ErrInterfaceIncompatible)
	}
	mb.hw.MailboxClear(recvSlot)
	mb.ifaces[id] = ifc
	mb.bySlot[sendSlot] = ifc
	mb.bySlot[recvSlot] = ifc
	klog.V(DBG_LVL_INFO).InfoS("copro-mailbox.InitInterface", "id", id, "send", sendSlot, "recv", recvSlot, "mode", mode)
	return nil
}

func (mb *Mailbox) DeinitInterface(id MailboxID) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if id >= numMailboxes || mb.ifaces[id] == nil {
		return
	}
	ifc := mb.ifaces[id]
	mb.ifaces[id] = nil
	mb.bySlot[ifc.sendSlot] = nil
	mb.bySlot[ifc.recvSlot] = nil
	ifc.mu.Lock()
	ifc.valid = false
	ifc.pending = nil
	ifc.mu.Unlock()
	klog.V(DBG_LVL_INFO).InfoS("copro-mailbox.DeinitInterface", "id", id)
}

func (mb *Mailbox) lookup(id MailboxID) (*MailboxInterface, error) {
	if id >= numMailboxes {
		return nil, fmt.Errorf("copro-mailbox %s: %w", id, ErrBadHandle)
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.ifaces[id] == nil {
		return nil, fmt.Errorf("copro-mailbox %s: %w", id, ErrNotInitialized)
	}
	return mb.ifaces[id], nil
}

// SendSync writes cmd to the interface and waits for the acknowledgement.
// A concurrent sender gets ErrInterfaceLocked. On timeout the interface is
// invalidated and stays so until Revalidate; a late ack is discarded.
func (mb *Mailbox) SendSync(ctx context.Context, cmd uint32, id MailboxID) (uint32, error) {
	ifc, err := mb.lookup(id)
	if err != nil {
		return 0, err
	}
	//1. Caller takes the interface, a sender already in flight is backpressure
	if !ifc.sendLock.TryLock() {
		mb.metrics.backpressure("mailbox-" + id.String())
		return 0, fmt.Errorf("copro-mailbox.SendSync %s: %w", id, ErrInterfaceLocked)
	}
	defer ifc.sendLock.Unlock()

	ifc.mu.Lock()
	if !ifc.valid {
		ifc.mu.Unlock()
		return 0, fmt.Errorf("copro-mailbox.SendSync %s invalidated: %w", id, ErrNotInitialized)
	}
	// the coprocessor has not taken the previous word yet
	if prev := mb.hw.MailboxRead(ifc.sendSlot); prev != MAILBOX_STATUS_INVALID {
		ifc.mu.Unlock()
		mb.metrics.backpressure("mailbox-" + id.String())
		return 0, fmt.Errorf("copro-mailbox.SendSync %s slot still holds 0x%X: %w", id, prev, ErrInterfaceLocked)
	}
	ifc.seq++
	if t, ok := ifc.handler.(commandTagger); ok {
		cmd = t.Tag(cmd, ifc.seq)
	}
	req := &mboxRequest{seq: ifc.seq, cmd: cmd, done: make(chan uint32, 1)}
	ifc.pending = req
	ifc.mu.Unlock()

	//2. Caller writes the command word and rings the doorbell
	klog.V(DBG_LVL_DETAIL).InfoS("copro-mailbox.SendSync", "MAILBOX OUT", id, "seq", req.seq, "cmd", hex(cmd))
	mb.hw.MailboxWrite(ifc.sendSlot, cmd)

	//3. Caller waits for the ack, by interrupt or by polling
	wctx, cancel := context.WithTimeout(ctx, mb.timeout)
	defer cancel()
	ack, err := ifc.waiter.wait(wctx, mb, ifc, req)
	if err != nil {
		ifc.mu.Lock()
		if ifc.pending == req {
			ifc.pending = nil
		}
		ifc.valid = false
		ifc.status = MAILBOX_STATUS_INVALID
		ifc.mu.Unlock()
		mb.metrics.mailboxTimeout(id)
		klog.ErrorS(err, "copro-mailbox.SendSync no ack, interface invalidated", "id", id, "seq", req.seq, "cmd", hex(cmd))
		return 0, fmt.Errorf("copro-mailbox.SendSync %s cmd 0x%X: %v: %w", id, cmd, err, ErrTimerExpired)
	}
	klog.V(DBG_LVL_DETAIL).InfoS("copro-mailbox.SendSync", "MAILBOX IN", id, "seq", req.seq, "ack", hex(ack))
	return ack, nil
}

// Revalidate makes an invalidated interface usable again. A command the
// coprocessor never took is withdrawn, anything left in the receive slot
// belongs to an abandoned request and is dropped.
func (mb *Mailbox) Revalidate(id MailboxID) error {
	ifc, err := mb.lookup(id)
	if err != nil {
		return err
	}
	ifc.sendLock.Lock()
	defer ifc.sendLock.Unlock()
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	mb.hw.MailboxClear(ifc.sendSlot)
	mb.hw.MailboxClear(ifc.recvSlot)
	ifc.pending = nil
	ifc.status = MAILBOX_STATUS_INVALID
	ifc.valid = true
	klog.V(DBG_LVL_INFO).InfoS("copro-mailbox.Revalidate", "id", id, "seq", ifc.seq)
	return nil
}

// Signal rings the interface without waiting for an answer. A signal equal
// to the word still waiting in the slot merges with it; a different word is
// never overwritten.
func (mb *Mailbox) Signal(id MailboxID, val uint32) error {
	ifc, err := mb.lookup(id)
	if err != nil {
		return err
	}
	switch prev := mb.hw.MailboxRead(ifc.sendSlot); prev {
	case MAILBOX_STATUS_INVALID:
		mb.hw.MailboxWrite(ifc.sendSlot, val)
	case val:
		klog.V(DBG_LVL_DEEP_DETAIL).InfoS("copro-mailbox.Signal merged", "id", id, "val", hex(val))
	default:
		mb.metrics.backpressure("mailbox-" + id.String())
		return fmt.Errorf("copro-mailbox.Signal %s slot still holds 0x%X: %w", id, prev, ErrInterfaceLocked)
	}
	return nil
}

// Status returns the last status word seen on the interface
func (mb *Mailbox) Status(id MailboxID) (uint32, error) {
	ifc, err := mb.lookup(id)
	if err != nil {
		return MAILBOX_STATUS_INVALID, err
	}
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.status, nil
}

// Valid reports whether the interface accepts commands
func (mb *Mailbox) Valid(id MailboxID) bool {
	ifc, err := mb.lookup(id)
	if err != nil {
		return false
	}
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.valid
}

// HandleSlot is the interrupt service routine for one full slot. It only
// reads the slot, updates the interface and hands the rest to the worker.
func (mb *Mailbox) HandleSlot(slot uint8) {
	if slot >= NUM_MAILBOX_SLOTS {
		return
	}
	mb.mu.RLock()
	ifc := mb.bySlot[slot]
	mb.mu.RUnlock()

	status := mb.hw.MailboxRead(slot)
	mb.hw.MailboxClear(slot)
	if status == MAILBOX_STATUS_INVALID {
		return
	}
	if ifc == nil || slot != ifc.recvSlot {
		if mb.logLimit.Allow() {
			klog.V(DBG_LVL_BASIC).InfoS("copro-mailbox.HandleSlot spurious status", "slot", slot, "status", hex(status))
		}
		return
	}

	ifc.mu.Lock()
	ifc.status = status
	if ifc.handler.IsAck(status) {
		req := ifc.pending
		if req == nil || !ifc.handler.Matches(req.cmd, status) {
			ifc.mu.Unlock()
			if mb.logLimit.Allow() {
				klog.V(DBG_LVL_BASIC).InfoS("copro-mailbox.HandleSlot stale ack dropped", "id", ifc.id, "status", hex(status))
			}
			return
		}
		ifc.pending = nil
		ifc.ack = status
		ifc.mu.Unlock()
		req.done <- status
		return
	}
	ifc.mu.Unlock()

	id, handler := ifc.id, ifc.handler
	if l, ok := handler.(statusLatch); ok && l.Latch(status) {
		return
	}
	if !mb.sched(func() { handler.HandleStatus(id, status) }) {
		mb.metrics.workDropped()
		if mb.logLimit.Allow() {
			klog.ErrorS(ErrBusy, "copro-mailbox.HandleSlot work queue full, status dropped", "id", id, "status", hex(status))
		}
	}
}
