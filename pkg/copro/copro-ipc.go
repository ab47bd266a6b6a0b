// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the IPC channel layer: channel setup over the IPC
// region, the reset handshake, framed send/receive and remote signaling.
package copro

import (
	"context"
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// ChannelType : the closed set of IPC channels
type ChannelType uint8

const (
	CH_ADMIN ChannelType = iota
	CH_MGMT
	CH_EVENT
	CH_SECURITY
	numChannelTypes
)

// channelTypes is the order channels are laid out in the IPC region
var channelTypes = []ChannelType{CH_ADMIN, CH_MGMT, CH_EVENT, CH_SECURITY}

// String returns the name used for the channel in the config file
func (t ChannelType) String() string {
	switch t {
	case CH_ADMIN:
		return "admin"
	case CH_MGMT:
		return "mgmt"
	case CH_EVENT:
		return "event"
	case CH_SECURITY:
		return "security"
	}
	return fmt.Sprintf("ChannelType(%d)", uint8(t))
}

// mailbox interface and slots each channel is signaled through
var channelMailbox = [numChannelTypes]struct {
	id   MailboxID
	send uint8
	recv uint8
}{
	CH_ADMIN:    {MBOX_ADMIN, MBOX_SLOT_ADMIN_TX, MBOX_SLOT_ADMIN_RX},
	CH_MGMT:     {MBOX_MGMT, MBOX_SLOT_MGMT_TX, MBOX_SLOT_MGMT_RX},
	CH_EVENT:    {MBOX_EVENT, MBOX_SLOT_EVENT_TX, MBOX_SLOT_EVENT_RX},
	CH_SECURITY: {MBOX_SECURITY, MBOX_SLOT_SECURITY_TX, MBOX_SLOT_SECURITY_RX},
}

type ChannelFlags uint32

const (
	CH_FLAG_VALID ChannelFlags = 1 << iota
	CH_FLAG_REGISTERED
	CH_FLAG_INITIALIZED
	CH_FLAG_SYNCED
	CH_FLAG_MSG_HEADER
	CH_FLAG_RM_ALLOWED
)

func (f ChannelFlags) String() string {
	names := []string{"VALID", "REGISTERED", "INITIALIZED", "SYNCED", "MSG_HEADER", "RM_ALLOWED"}
	var set []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			set = append(set, n)
		}
	}
	return strings.Join(set, "|")
}

// SignalType : how the host rings the coprocessor for a channel. The
// coprocessor always answers on the channel's mailbox receive slot.
type SignalType uint8

const (
	SIGNAL_MAILBOX SignalType = iota
	SIGNAL_DOORBELL
)

func (s SignalType) String() string {
	if s == SIGNAL_DOORBELL {
		return "doorbell"
	}
	return "mailbox"
}

func parseSignalType(s string) (SignalType, error) {
	switch s {
	case "", "mailbox":
		return SIGNAL_MAILBOX, nil
	case "doorbell":
		return SIGNAL_DOORBELL, nil
	}
	return 0, fmt.Errorf("signal type %q: %w", s, ErrIpcBadType)
}

// IPC_SIGNAL_NOTIFY is the word written to a channel mailbox to ring the peer
const IPC_SIGNAL_NOTIFY = 0x1

type Signaler interface {
	Notify()
}

type mailboxSignaler struct {
	mb *Mailbox
	id MailboxID
}

func (s mailboxSignaler) Notify() {
	if err := s.mb.Signal(s.id, IPC_SIGNAL_NOTIFY); err != nil {
		klog.ErrorS(err, "copro-ipc.Notify mailbox signal failed", "mailbox", s.id)
	}
}

type doorbellSignaler struct {
	hw  Hardware
	bit uint32
}

func (s doorbellSignaler) Notify() {
	s.hw.RegWrite(REG_DOORBELL, s.bit)
}

// QueueInfo describes the geometry and placement of one channel. Offsets are
// relative to the start of the IPC region.
type QueueInfo struct {
	Type      ChannelType
	NFrames   uint32
	FrameSize uint32
	RxOffset  uint64
	TxOffset  uint64
	RxIOVA    uint64
	TxIOVA    uint64
	Signal    SignalType
}

// ipcLayout places every channel, receive queue first, and returns the
// region size: the next power of two above the sum of all queues
func ipcLayout(cfg Config) ([]QueueInfo, uint64, error) {
	var infos []QueueInfo
	var ofs uint64
	for _, t := range channelTypes {
		chCfg := cfg.Channels[t.String()]
		st, err := parseSignalType(chCfg.Signal)
		if err != nil {
			return nil, 0, err
		}
		q := ivcQueueSize(chCfg.Frames, chCfg.FrameSize)
		infos = append(infos, QueueInfo{
			Type:      t,
			NFrames:   chCfg.Frames,
			FrameSize: ivcAlign(chCfg.FrameSize),
			RxOffset:  ofs,
			TxOffset:  ofs + q,
			Signal:    st,
		})
		ofs += 2 * q
	}
	return infos, nextPow2(ofs), nil
}

func nextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}

type IpcChannel struct {
	Type   ChannelType
	Info   QueueInfo
	Flags  ChannelFlags
	Signal Signaler
	ivc    *ivc
}

type IpcLayer struct {
	hw      Hardware
	mb      *Mailbox
	regions *RegionManager
	metrics *Metrics
	onData  func(ChannelType)

	mu       sync.Mutex
	channels [numChannelTypes]*IpcChannel
	changed  chan struct{}
}

func NewIpcLayer(hw Hardware, mb *Mailbox, regions *RegionManager, m *Metrics) *IpcLayer {
	return &IpcLayer{
		hw:      hw,
		mb:      mb,
		regions: regions,
		metrics: m,
		changed: make(chan struct{}),
	}
}

// SetDataHandler installs the function called on the deferred worker when a
// synced channel has frames waiting
func (l *IpcLayer) SetDataHandler(fn func(ChannelType)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onData = fn
}

// broadcast wakes WaitReady callers; l.mu must be held
func (l *IpcLayer) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *IpcLayer) ChannelInit(desc QueueInfo) (*IpcChannel, error) {
	if desc.Type >= numChannelTypes {
		return nil, fmt.Errorf("copro-ipc.ChannelInit %s: %w", desc.Type, ErrIpcBadType)
	}
	if desc.Signal != SIGNAL_MAILBOX && desc.Signal != SIGNAL_DOORBELL {
		return nil, fmt.Errorf("copro-ipc.ChannelInit %s signal %d: %w", desc.Type, desc.Signal, ErrIpcBadType)
	}
	region, err := l.regions.lookupMapped(REGION_IPC)
	if err != nil {
		return nil, fmt.Errorf("copro-ipc.ChannelInit %s: %w", desc.Type, err)
	}
	desc.FrameSize = ivcAlign(desc.FrameSize)
	q := ivcQueueSize(desc.NFrames, desc.FrameSize)
	if desc.RxOffset+q > region.Size || desc.TxOffset+q > region.Size ||
		(desc.RxOffset < desc.TxOffset+q && desc.TxOffset < desc.RxOffset+q) {
		return nil, fmt.Errorf("copro-ipc.ChannelInit %s: queues 0x%X/0x%X of 0x%X do not fit region 0x%X: %w",
			desc.Type, desc.RxOffset, desc.TxOffset, q, region.Size, ErrIpcInit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channels[desc.Type] != nil {
		return nil, fmt.Errorf("copro-ipc.ChannelInit %s already initialized: %w", desc.Type, ErrIpcInit)
	}
	mbx := channelMailbox[desc.Type]
	ch := &IpcChannel{Type: desc.Type}
	switch desc.Signal {
	case SIGNAL_DOORBELL:
		ch.Signal = doorbellSignaler{hw: l.hw, bit: 1 << uint32(desc.Type)}
	default:
		ch.Signal = mailboxSignaler{mb: l.mb, id: mbx.id}
	}
	mem := region.Bytes()
	ch.ivc, err = newIvc(mem[desc.RxOffset:desc.RxOffset+q], mem[desc.TxOffset:desc.TxOffset+q], desc.NFrames, desc.FrameSize, ch.Signal.Notify)
	if err != nil {
		return nil, fmt.Errorf("copro-ipc.ChannelInit %s: %w", desc.Type, err)
	}
	ch.ivc.drop()
	if err := l.mb.InitInterface(mbx.id, mbx.send, mbx.recv, WAIT_IRQ, channelHandler{ipc: l, t: desc.Type}); err != nil {
		return nil, fmt.Errorf("copro-ipc.ChannelInit %s: %w", desc.Type, err)
	}
	desc.RxIOVA = region.IOVA + desc.RxOffset
	desc.TxIOVA = region.IOVA + desc.TxOffset
	ch.Info = desc
	ch.Flags = CH_FLAG_VALID | CH_FLAG_INITIALIZED | CH_FLAG_MSG_HEADER
	if desc.Type == CH_MGMT {
		ch.Flags |= CH_FLAG_RM_ALLOWED
	}
	l.channels[desc.Type] = ch
	klog.V(DBG_LVL_INFO).InfoS("copro-ipc.ChannelInit", "channel", desc.Type, "frames", desc.NFrames, "fsize", desc.FrameSize,
		"rx", hex(desc.RxIOVA), "tx", hex(desc.TxIOVA), "signal", desc.Signal)
	return ch, nil
}

func (l *IpcLayer) ChannelDeinit(t ChannelType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t >= numChannelTypes || l.channels[t] == nil {
		return
	}
	l.channels[t].ivc.drop()
	l.channels[t] = nil
	l.mb.DeinitInterface(channelMailbox[t].id)
	l.broadcast()
	klog.V(DBG_LVL_INFO).InfoS("copro-ipc.ChannelDeinit", "channel", t)
}

func (l *IpcLayer) lookup(t ChannelType) (*IpcChannel, error) {
	if t >= numChannelTypes {
		return nil, fmt.Errorf("copro-ipc %s: %w", t, ErrIpcBadType)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := l.channels[t]
	if ch == nil {
		return nil, fmt.Errorf("copro-ipc %s: %w", t, ErrIpcBadChannel)
	}
	return ch, nil
}

// ChannelReset takes the channel out of ready and starts the handshake. A
// channel that is already resetting is left alone.
func (l *IpcLayer) ChannelReset(t ChannelType) error {
	ch, err := l.lookup(t)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch ch.ivc.localState() {
	case IVC_STATE_SYNC, IVC_STATE_ACK:
		klog.V(DBG_LVL_DETAIL).InfoS("copro-ipc.ChannelReset already in progress", "channel", t)
		return nil
	}
	if ch.Flags&CH_FLAG_SYNCED != 0 {
		ch.Flags &^= CH_FLAG_SYNCED
		l.broadcast()
	}
	klog.V(DBG_LVL_INFO).InfoS("copro-ipc.ChannelReset", "channel", t)
	ch.ivc.reset()
	return nil
}

// desync forgets every handshake, for when the coprocessor lost its state
func (l *IpcLayer) desync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.channels {
		if ch == nil {
			continue
		}
		ch.ivc.drop()
		ch.Flags &^= CH_FLAG_SYNCED
	}
	l.broadcast()
}

// HandleSignal runs on the deferred worker after the coprocessor rang a channel
func (l *IpcLayer) HandleSignal(t ChannelType) {
	ch, err := l.lookup(t)
	if err != nil {
		klog.V(DBG_LVL_BASIC).InfoS("copro-ipc.HandleSignal signal on unknown channel", "channel", t)
		return
	}
	established := ch.ivc.notified()

	l.mu.Lock()
	synced := ch.Flags&CH_FLAG_SYNCED != 0
	if established != synced {
		if established {
			ch.Flags |= CH_FLAG_SYNCED
		} else {
			ch.Flags &^= CH_FLAG_SYNCED
		}
		l.broadcast()
		klog.V(DBG_LVL_INFO).InfoS("copro-ipc.HandleSignal", "channel", t, "synced", established)
	}
	onData := l.onData
	l.mu.Unlock()

	if established && onData != nil && ch.ivc.canRead() {
		onData(t)
	}
}

func (l *IpcLayer) ready(ch *IpcChannel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ch.Flags&CH_FLAG_SYNCED != 0
}

func (l *IpcLayer) Send(t ChannelType, buf []byte) error {
	ch, err := l.lookup(t)
	if err != nil {
		return err
	}
	if !l.ready(ch) {
		return fmt.Errorf("copro-ipc.Send %s: %w", t, ErrIpcNotReady)
	}
	if err := ch.ivc.write(buf); err != nil {
		if Code(err) == ErrIpcNoBuffers {
			l.metrics.backpressure("ipc-" + t.String())
		}
		return fmt.Errorf("copro-ipc.Send %s: %w", t, err)
	}
	klog.V(DBG_LVL_DEEP_DETAIL).InfoS("copro-ipc.Send", "channel", t, "len", len(buf))
	return nil
}

func (l *IpcLayer) Receive(t ChannelType) ([]byte, error) {
	ch, err := l.lookup(t)
	if err != nil {
		return nil, err
	}
	if !l.ready(ch) {
		return nil, fmt.Errorf("copro-ipc.Receive %s: %w", t, ErrIpcNotReady)
	}
	msg, err := ch.ivc.read()
	if err != nil {
		return nil, fmt.Errorf("copro-ipc.Receive %s: %w", t, err)
	}
	klog.V(DBG_LVL_DEEP_DETAIL).InfoS("copro-ipc.Receive", "channel", t, "len", len(msg))
	return msg, nil
}

func (l *IpcLayer) IsReady(t ChannelType) bool {
	ch, err := l.lookup(t)
	return err == nil && l.ready(ch)
}

func (l *IpcLayer) DataAvailable(t ChannelType) bool {
	ch, err := l.lookup(t)
	return err == nil && l.ready(ch) && ch.ivc.canRead()
}

func (l *IpcLayer) ChannelInfo(t ChannelType) (QueueInfo, error) {
	ch, err := l.lookup(t)
	if err != nil {
		return QueueInfo{}, err
	}
	return ch.Info, nil
}

func (l *IpcLayer) ChannelFlags(t ChannelType) ChannelFlags {
	ch, err := l.lookup(t)
	if err != nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return ch.Flags
}

func (l *IpcLayer) setRegistered(t ChannelType, registered bool) {
	ch, err := l.lookup(t)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if registered {
		ch.Flags |= CH_FLAG_REGISTERED
	} else {
		ch.Flags &^= CH_FLAG_REGISTERED
	}
}

// WaitReady blocks until the channel finished its handshake
func (l *IpcLayer) WaitReady(ctx context.Context, t ChannelType) error {
	for {
		ch, err := l.lookup(t)
		if err != nil {
			return err
		}
		l.mu.Lock()
		synced := ch.Flags&CH_FLAG_SYNCED != 0
		changed := l.changed
		l.mu.Unlock()
		if synced {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("copro-ipc.WaitReady %s: %v: %w", t, ctx.Err(), ErrTimerExpired)
		}
	}
}

// channelHandler routes every status on a channel mailbox to the IPC layer.
// Channel mailboxes carry notifications only, never acknowledgements.
type channelHandler struct {
	ipc *IpcLayer
	t   ChannelType
}

func (channelHandler) Matches(uint32, uint32) bool {
	return false
}

func (channelHandler) IsAck(uint32) bool {
	return false
}

func (h channelHandler) HandleStatus(id MailboxID, status uint32) {
	klog.V(DBG_LVL_DEEP_DETAIL).InfoS("copro-ipc.HandleStatus", "mailbox", id, "status", hex(status))
	h.ipc.HandleSignal(h.t)
}
