// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package copro

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHW is a passive Hardware: tests play the coprocessor through onWrite and fire
type fakeHW struct {
	mu      sync.Mutex
	slots   [NUM_MAILBOX_SLOTS]simSlot
	regs    [numHwRegs]uint32
	writes  []uint32
	next    uint64
	onWrite func(slot uint8, val uint32)
	irq     func(uint8)
}

func newFakeHW() *fakeHW {
	return &fakeHW{next: 0x10000}
}

func (hw *fakeHW) MailboxWrite(slot uint8, val uint32) {
	hw.mu.Lock()
	hw.slots[slot] = simSlot{val: val, full: true}
	hw.writes = append(hw.writes, val)
	fn := hw.onWrite
	hw.mu.Unlock()
	if fn != nil {
		fn(slot, val)
	}
}

func (hw *fakeHW) MailboxRead(slot uint8) uint32 {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if !hw.slots[slot].full {
		return MAILBOX_STATUS_INVALID
	}
	return hw.slots[slot].val
}

func (hw *fakeHW) MailboxClear(slot uint8) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.slots[slot].full = false
}

func (hw *fakeHW) RegWrite(reg HwReg, val uint32) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.regs[reg] = val
}

func (hw *fakeHW) RegRead(reg HwReg) uint32 {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.regs[reg]
}

func (hw *fakeHW) DmaAlloc(size uint64) ([]byte, uint64, error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	iova := hw.next
	hw.next += (size + 0xFFF) &^ uint64(0xFFF)
	return make([]byte, size), iova, nil
}

func (hw *fakeHW) DmaFree(uint64) error { return nil }

func (hw *fakeHW) SetIRQHandler(fn func(uint8)) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.irq = fn
}

func (hw *fakeHW) Close() error { return nil }

func (hw *fakeHW) setOnWrite(fn func(slot uint8, val uint32)) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.onWrite = fn
}

func (hw *fakeHW) writeCount() int {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return len(hw.writes)
}

// fire plays the coprocessor filling a receive slot and raising the interrupt
func (hw *fakeHW) fire(slot uint8, val uint32) {
	hw.mu.Lock()
	hw.slots[slot] = simSlot{val: val, full: true}
	fn := hw.irq
	hw.mu.Unlock()
	if fn != nil {
		fn(slot)
	}
}

const testAckBit = 0x80000000

// testHandler treats words with the top bit set as acks
type testHandler struct {
	statuses chan uint32
}

func (testHandler) IsAck(status uint32) bool {
	return status&testAckBit != 0
}

// Matches pairs an ack with the command it carries
func (testHandler) Matches(cmd, status uint32) bool {
	return status&^testAckBit == cmd
}

func (h testHandler) HandleStatus(id MailboxID, status uint32) {
	h.statuses <- status
}

func newTestMailbox(t *testing.T, timeout time.Duration) (*Mailbox, *fakeHW, testHandler, *Metrics) {
	t.Helper()
	hw := newFakeHW()
	m := NewMetrics("mailbox-test")
	q := newWorkQueue("test", 8, 1)
	t.Cleanup(q.stop)
	mb := NewMailbox(hw, timeout, time.Millisecond, q.schedule, m)
	hw.SetIRQHandler(mb.HandleSlot)
	h := testHandler{statuses: make(chan uint32, 8)}
	require.NoError(t, mb.InitInterface(MBOX_BOOT, MBOX_SLOT_BOOT_TX, MBOX_SLOT_BOOT_RX, WAIT_IRQ, h))
	return mb, hw, h, m
}

// ackWith answers every boot command with its value and the ack bit
func ackWith(hw *fakeHW) func(slot uint8, val uint32) {
	return func(slot uint8, val uint32) {
		if slot == MBOX_SLOT_BOOT_TX {
			hw.fire(MBOX_SLOT_BOOT_RX, testAckBit|val)
		}
	}
}

func TestMailboxSendSync(t *testing.T) {
	mb, hw, _, _ := newTestMailbox(t, time.Second)
	hw.setOnWrite(ackWith(hw))

	ack, err := mb.SendSync(context.Background(), 0x42, MBOX_BOOT)
	require.NoError(t, err)
	assert.Equal(t, uint32(testAckBit|0x42), ack)
	status, err := mb.Status(MBOX_BOOT)
	require.NoError(t, err)
	assert.Equal(t, ack, status)
	assert.Equal(t, uint32(MAILBOX_STATUS_INVALID), hw.MailboxRead(MBOX_SLOT_BOOT_RX))
}

func TestMailboxPollMode(t *testing.T) {
	hw := newFakeHW()
	q := newWorkQueue("test", 8, 1)
	defer q.stop()
	mb := NewMailbox(hw, time.Second, time.Millisecond, q.schedule, nil)
	h := testHandler{statuses: make(chan uint32, 8)}
	require.NoError(t, mb.InitInterface(MBOX_MGMT, MBOX_SLOT_MGMT_TX, MBOX_SLOT_MGMT_RX, WAIT_POLL, h))

	// no interrupt handler installed: the waiter has to find the ack itself
	hw.setOnWrite(func(slot uint8, val uint32) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			hw.mu.Lock()
			hw.slots[MBOX_SLOT_MGMT_RX] = simSlot{val: testAckBit | 7, full: true}
			hw.mu.Unlock()
		}()
	})
	ack, err := mb.SendSync(context.Background(), 7, MBOX_MGMT)
	require.NoError(t, err)
	assert.Equal(t, uint32(testAckBit|7), ack)
}

func TestMailboxTimeoutInvalidates(t *testing.T) {
	mb, hw, _, m := newTestMailbox(t, 20*time.Millisecond)

	_, err := mb.SendSync(context.Background(), 1, MBOX_BOOT)
	assert.ErrorIs(t, err, ErrTimerExpired)
	assert.False(t, mb.Valid(MBOX_BOOT))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mboxTimeouts.WithLabelValues("boot")))
	status, err := mb.Status(MBOX_BOOT)
	require.NoError(t, err)
	assert.Equal(t, uint32(MAILBOX_STATUS_INVALID), status)

	writes := hw.writeCount()
	_, err = mb.SendSync(context.Background(), 2, MBOX_BOOT)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, writes, hw.writeCount(), "an invalidated interface must not touch the hardware")

	// the late ack of the first command arrives and must not satisfy anyone
	hw.fire(MBOX_SLOT_BOOT_RX, testAckBit|1)
	require.NoError(t, mb.Revalidate(MBOX_BOOT))
	assert.True(t, mb.Valid(MBOX_BOOT))

	hw.setOnWrite(ackWith(hw))
	ack, err := mb.SendSync(context.Background(), 3, MBOX_BOOT)
	require.NoError(t, err)
	assert.Equal(t, uint32(testAckBit|3), ack)
}

func TestMailboxLateAckAfterRevalidate(t *testing.T) {
	mb, hw, _, _ := newTestMailbox(t, 20*time.Millisecond)
	_, err := mb.SendSync(context.Background(), 1, MBOX_BOOT)
	require.ErrorIs(t, err, ErrTimerExpired)
	require.NoError(t, mb.Revalidate(MBOX_BOOT))

	// the stale ack lands in the slot right as the next command goes out
	hw.setOnWrite(func(slot uint8, val uint32) {
		if slot != MBOX_SLOT_BOOT_TX {
			return
		}
		go func() {
			time.Sleep(2 * time.Millisecond)
			hw.fire(MBOX_SLOT_BOOT_RX, testAckBit|val)
		}()
	})
	hw.fire(MBOX_SLOT_BOOT_RX, testAckBit|1)
	ack, err := mb.SendSync(context.Background(), 5, MBOX_BOOT)
	require.NoError(t, err)
	assert.Equal(t, uint32(testAckBit|5), ack)
}

func TestMailboxLateAckAfterNewCommand(t *testing.T) {
	mb, hw, h, _ := newTestMailbox(t, 20*time.Millisecond)
	_, err := mb.SendSync(context.Background(), 1, MBOX_BOOT)
	require.ErrorIs(t, err, ErrTimerExpired)
	require.NoError(t, mb.Revalidate(MBOX_BOOT))

	// the old ack shows up once the next command is already out
	hw.setOnWrite(func(slot uint8, val uint32) {
		if slot != MBOX_SLOT_BOOT_TX {
			return
		}
		hw.fire(MBOX_SLOT_BOOT_RX, testAckBit|1)
		go func() {
			time.Sleep(2 * time.Millisecond)
			hw.fire(MBOX_SLOT_BOOT_RX, testAckBit|val)
		}()
	})
	ack, err := mb.SendSync(context.Background(), 5, MBOX_BOOT)
	require.NoError(t, err)
	assert.Equal(t, uint32(testAckBit|5), ack)
	assert.Empty(t, h.statuses)
}

func TestBootAckTag(t *testing.T) {
	var h bootHandler
	first := h.Tag(bootCmdWord(BOOT_CMD_VERSION, 0, 0, 0), 1)
	second := h.Tag(bootCmdWord(BOOT_CMD_VERSION, 0, 0, 0), 2)
	assert.NotEqual(t, first, second)
	assert.Equal(t, uint32(BOOT_CMD_VERSION), BOOT_CMD_CMD.read(second))

	ack := bootStatusWord(0, false)
	STATUS_TAG.write(&ack, BOOT_CMD_TAG.read(first))
	assert.True(t, h.IsAck(ack))
	assert.True(t, h.Matches(first, ack))
	assert.False(t, h.Matches(second, ack), "an ack for the previous command")
}

func TestMailboxInterfaceLocked(t *testing.T) {
	mb, hw, _, m := newTestMailbox(t, time.Second)
	written := make(chan uint32, 1)
	hw.setOnWrite(func(slot uint8, val uint32) { written <- val })

	done := make(chan error, 1)
	go func() {
		_, err := mb.SendSync(context.Background(), 1, MBOX_BOOT)
		done <- err
	}()
	<-written
	_, err := mb.SendSync(context.Background(), 2, MBOX_BOOT)
	assert.ErrorIs(t, err, ErrInterfaceLocked)
	assert.True(t, IsBackpressure(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backpress.WithLabelValues("mailbox-boot")))

	hw.fire(MBOX_SLOT_BOOT_RX, testAckBit|1)
	require.NoError(t, <-done)
}

func TestMailboxSlotNotConsumed(t *testing.T) {
	mb, hw, _, m := newTestMailbox(t, time.Second)
	require.NoError(t, mb.InitInterface(MBOX_MGMT, MBOX_SLOT_MGMT_TX, MBOX_SLOT_MGMT_RX, WAIT_IRQ, testHandler{}))

	// the coprocessor never takes the words: signals merge, others wait
	require.NoError(t, mb.Signal(MBOX_MGMT, IPC_SIGNAL_NOTIFY))
	require.NoError(t, mb.Signal(MBOX_MGMT, IPC_SIGNAL_NOTIFY))
	assert.Equal(t, 1, hw.writeCount())
	err := mb.Signal(MBOX_MGMT, 0x2)
	assert.ErrorIs(t, err, ErrInterfaceLocked)
	assert.True(t, IsBackpressure(err))
	assert.Equal(t, uint32(IPC_SIGNAL_NOTIFY), hw.MailboxRead(MBOX_SLOT_MGMT_TX))

	hw.MailboxWrite(MBOX_SLOT_BOOT_TX, 0x99)
	_, err = mb.SendSync(context.Background(), 1, MBOX_BOOT)
	assert.ErrorIs(t, err, ErrInterfaceLocked)
	assert.Equal(t, uint32(0x99), hw.MailboxRead(MBOX_SLOT_BOOT_TX))
	assert.True(t, mb.Valid(MBOX_BOOT))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.backpress.WithLabelValues("mailbox-mgmt"))+testutil.ToFloat64(m.backpress.WithLabelValues("mailbox-boot")))

	hw.MailboxClear(MBOX_SLOT_BOOT_TX)
	hw.setOnWrite(ackWith(hw))
	ack, err := mb.SendSync(context.Background(), 1, MBOX_BOOT)
	require.NoError(t, err)
	assert.Equal(t, uint32(testAckBit|1), ack)
}

func TestMailboxStatusGoesToHandler(t *testing.T) {
	mb, hw, h, _ := newTestMailbox(t, time.Second)
	hw.fire(MBOX_SLOT_BOOT_RX, 0x5)
	select {
	case s := <-h.statuses:
		assert.Equal(t, uint32(0x5), s)
	case <-time.After(time.Second):
		t.Fatal("status not handed to the interface handler")
	}
	// a stale ack is never handed to the handler
	hw.fire(MBOX_SLOT_BOOT_RX, testAckBit|9)
	assert.Empty(t, h.statuses)
	assert.True(t, mb.Valid(MBOX_BOOT))
}

func TestMailboxWorkDropped(t *testing.T) {
	hw := newFakeHW()
	m := NewMetrics("mailbox-drop")
	mb := NewMailbox(hw, time.Second, time.Millisecond, func(func()) bool { return false }, m)
	hw.SetIRQHandler(mb.HandleSlot)
	require.NoError(t, mb.InitInterface(MBOX_EVENT, MBOX_SLOT_EVENT_TX, MBOX_SLOT_EVENT_RX, WAIT_IRQ, testHandler{}))
	hw.fire(MBOX_SLOT_EVENT_RX, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped))
}

func TestMailboxInitErrors(t *testing.T) {
	hw := newFakeHW()
	mb := NewMailbox(hw, time.Second, time.Millisecond, func(func()) bool { return true }, nil)
	h := testHandler{}

	assert.ErrorIs(t, mb.InitInterface(numMailboxes, 0, 1, WAIT_IRQ, h), ErrBadHandle)
	assert.ErrorIs(t, mb.InitInterface(MBOX_BOOT, 0, 1, WAIT_IRQ, nil), ErrBadHandle)
	assert.ErrorIs(t, mb.InitInterface(MBOX_BOOT, 1, 0, WAIT_IRQ, h), ErrInterfaceIncompatible)
	assert.ErrorIs(t, mb.InitInterface(MBOX_BOOT, 0, NUM_MAILBOX_SLOTS, WAIT_IRQ, h), ErrInterfaceIncompatible)
	assert.ErrorIs(t, mb.InitInterface(MBOX_BOOT, 0, 1, WaitMode(9), h), ErrInvalidParam)

	_, err := mb.SendSync(context.Background(), 1, MBOX_BOOT)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = mb.SendSync(context.Background(), 1, numMailboxes)
	assert.ErrorIs(t, err, ErrBadHandle)

	require.NoError(t, mb.InitInterface(MBOX_BOOT, 0, 1, WAIT_IRQ, h))
	assert.ErrorIs(t, mb.InitInterface(MBOX_ADMIN, 0, 1, WAIT_IRQ, h), ErrInterfaceIncompatible)
	assert.ErrorIs(t, mb.InitInterface(MBOX_BOOT, 2, 3, WAIT_IRQ, h), ErrInterfaceIncompatible)

	mb.DeinitInterface(MBOX_BOOT)
	assert.False(t, mb.Valid(MBOX_BOOT))
	assert.ErrorIs(t, mb.Revalidate(MBOX_BOOT), ErrNotInitialized)
	assert.ErrorIs(t, mb.Signal(MBOX_BOOT, 1), ErrNotInitialized)
	require.NoError(t, mb.InitInterface(MBOX_BOOT, 0, 1, WAIT_IRQ, h))
}
