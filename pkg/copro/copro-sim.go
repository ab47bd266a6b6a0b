// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements SimHardware, an in-process coprocessor. It provides the
// Hardware interface over plain memory and runs a small firmware on its own
// goroutine that speaks the boot, IPC and admin protocols.
package copro

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
)

const (
	SIM_DMA_BASE     = 0x80000000
	SIM_BOOT_VERSION = 0x10002
	SIM_MAX_FSIZE    = 4096
)

// SimFirmwareMagic starts every image the simulated core accepts
var SimFirmwareMagic = []byte("CPFW")

// SimFirmware returns an image the simulated core boots
func SimFirmware() Firmware {
	img := make([]byte, 4096)
	copy(img, SimFirmwareMagic)
	copy(img[len(SimFirmwareMagic):], "copro simulated firmware")
	return Firmware{Name: "copro-sim.bin", Image: img}
}

// SimBootInfo is what the firmware learnt from the bootstrap command flow
type SimBootInfo struct {
	StreamID  uint32
	AstLength uint64
	AstIOVA   uint64
	ReadAddr  uint64
	WriteAddr uint64
	NFrames   uint32
	FrameSize uint32
	Locked    bool
}

type simSlot struct {
	val  uint32
	full bool
}

type SimHardware struct {
	mu       sync.Mutex
	slots    [NUM_MAILBOX_SLOTS]simSlot
	outbox   [NUM_MAILBOX_SLOTS][]uint32 // words waiting for the host to clear a receive slot
	regs     [numHwRegs]uint32
	doorbell uint32
	bootReq  bool
	dma      map[uint64][]byte
	nextIOVA uint64

	irq        atomic.Pointer[func(uint8)]
	irqPending atomic.Uint32
	irqKick    chan struct{}
	fwKick     chan struct{}
	cmds       chan func()
	stop       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	replyDelay   atomic.Int64
	adminVersion atomic.Uint32
	boots        atomic.Int32

	fw *simFirmware // owned by the firmware goroutine
}

func NewSimHardware() *SimHardware {
	hw := &SimHardware{
		dma:      make(map[uint64][]byte),
		nextIOVA: SIM_DMA_BASE,
		irqKick:  make(chan struct{}, 1),
		fwKick:   make(chan struct{}, 1),
		cmds:     make(chan func()),
		stop:     make(chan struct{}),
	}
	hw.adminVersion.Store(adminVersion(ADMIN_VERSION_MAJOR, ADMIN_VERSION_MINOR))
	hw.fw = newSimFirmware(hw)
	hw.wg.Add(2)
	go hw.irqLine()
	go hw.runFirmware()
	return hw
}

func (hw *SimHardware) MailboxWrite(slot uint8, val uint32) {
	if slot >= NUM_MAILBOX_SLOTS {
		return
	}
	hw.mu.Lock()
	hw.slots[slot] = simSlot{val: val, full: true}
	hw.mu.Unlock()
	if !isRecvSlot(slot) {
		kick(hw.fwKick)
	}
}

func (hw *SimHardware) MailboxRead(slot uint8) uint32 {
	if slot >= NUM_MAILBOX_SLOTS {
		return MAILBOX_STATUS_INVALID
	}
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if !hw.slots[slot].full {
		return MAILBOX_STATUS_INVALID
	}
	return hw.slots[slot].val
}

// MailboxClear empties a slot; the next queued word for a receive slot is
// delivered right away
func (hw *SimHardware) MailboxClear(slot uint8) {
	if slot >= NUM_MAILBOX_SLOTS {
		return
	}
	hw.mu.Lock()
	hw.slots[slot].full = false
	raise := false
	if q := hw.outbox[slot]; len(q) > 0 {
		hw.slots[slot] = simSlot{val: q[0], full: true}
		hw.outbox[slot] = q[1:]
		raise = true
	}
	hw.mu.Unlock()
	if raise {
		hw.raise(slot)
	}
}

func (hw *SimHardware) RegWrite(reg HwReg, val uint32) {
	if reg >= numHwRegs {
		return
	}
	hw.mu.Lock()
	switch reg {
	case REG_BOOT_CTRL:
		if BootCtrl(val) == BOOT_CTRL_DONE && BootCtrl(hw.regs[REG_BOOT_CTRL]) == BOOT_CTRL_HALTED {
			hw.bootReq = true
		}
	case REG_DOORBELL:
		hw.doorbell |= val
	}
	hw.regs[reg] = val
	hw.mu.Unlock()
	kick(hw.fwKick)
}

func (hw *SimHardware) RegRead(reg HwReg) uint32 {
	if reg >= numHwRegs {
		return 0
	}
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.regs[reg]
}

func (hw *SimHardware) DmaAlloc(size uint64) ([]byte, uint64, error) {
	if size == 0 {
		return nil, 0, fmt.Errorf("copro-sim: zero size allocation: %w", ErrMemSize)
	}
	hw.mu.Lock()
	defer hw.mu.Unlock()
	iova := hw.nextIOVA
	hw.nextIOVA += (size + 0xFFF) &^ uint64(0xFFF)
	mem := make([]byte, size)
	hw.dma[iova] = mem
	return mem, iova, nil
}

func (hw *SimHardware) DmaFree(iova uint64) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if _, ok := hw.dma[iova]; !ok {
		return fmt.Errorf("copro-sim: free of unknown iova 0x%X: %w", iova, ErrMemNotMapped)
	}
	delete(hw.dma, iova)
	return nil
}

// dmaSlice resolves an IOVA range the way the coprocessor sees memory
func (hw *SimHardware) dmaSlice(iova, size uint64) ([]byte, error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	for base, mem := range hw.dma {
		if iova >= base && iova+size <= base+uint64(len(mem)) {
			return mem[iova-base : iova-base+size], nil
		}
	}
	return nil, fmt.Errorf("copro-sim: iova 0x%X size 0x%X not mapped: %w", iova, size, ErrMemNotMapped)
}

func (hw *SimHardware) SetIRQHandler(fn func(slot uint8)) {
	hw.irq.Store(&fn)
}

func (hw *SimHardware) Close() error {
	hw.closeOnce.Do(func() {
		close(hw.stop)
		hw.wg.Wait()
	})
	return nil
}

func (hw *SimHardware) raise(slot uint8) {
	hw.irqPending.Or(1 << slot)
	kick(hw.irqKick)
}

// irqLine delivers interrupts one at a time, like a single interrupt line
func (hw *SimHardware) irqLine() {
	defer hw.wg.Done()
	for {
		select {
		case <-hw.stop:
			return
		case <-hw.irqKick:
		}
		pending := hw.irqPending.Swap(0)
		fn := hw.irq.Load()
		if fn == nil || *fn == nil {
			continue
		}
		for slot := uint8(0); slot < NUM_MAILBOX_SLOTS; slot++ {
			if pending&(1<<slot) != 0 {
				(*fn)(slot)
			}
		}
	}
}

// post puts a word in a receive slot, or queues it behind the word the
// host has not cleared yet
func (hw *SimHardware) post(slot uint8, val uint32) {
	hw.mu.Lock()
	if hw.slots[slot].full {
		hw.outbox[slot] = append(hw.outbox[slot], val)
		hw.mu.Unlock()
		return
	}
	hw.slots[slot] = simSlot{val: val, full: true}
	hw.mu.Unlock()
	hw.raise(slot)
}

// postNotify rings a channel unless a ring is already pending
func (hw *SimHardware) postNotify(slot uint8) {
	hw.mu.Lock()
	pending := hw.slots[slot].full && hw.slots[slot].val == IPC_SIGNAL_NOTIFY
	for _, v := range hw.outbox[slot] {
		pending = pending || v == IPC_SIGNAL_NOTIFY
	}
	hw.mu.Unlock()
	if !pending {
		hw.post(slot, IPC_SIGNAL_NOTIFY)
	}
}

func (hw *SimHardware) postIRQ(irq uint32) {
	hw.post(MBOX_SLOT_BOOT_RX, irqStatusWord(irq))
}

func (hw *SimHardware) runFirmware() {
	defer hw.wg.Done()
	for {
		select {
		case <-hw.stop:
			return
		case fn := <-hw.cmds:
			fn()
		case <-hw.fwKick:
			hw.service()
		}
	}
}

// do runs fn on the firmware goroutine and waits for it
func (hw *SimHardware) do(fn func(fw *simFirmware) error) error {
	done := make(chan error, 1)
	select {
	case hw.cmds <- func() { done <- fn(hw.fw) }:
	case <-hw.stop:
		return ErrShutDown
	}
	return <-done
}

// service takes everything the host wrote since the last kick
func (hw *SimHardware) service() {
	hw.mu.Lock()
	bootReq := hw.bootReq
	hw.bootReq = false
	doorbell := hw.doorbell
	hw.doorbell = 0
	var words [NUM_MAILBOX_SLOTS]simSlot
	for slot := uint8(0); slot < NUM_MAILBOX_SLOTS; slot++ {
		if !isRecvSlot(slot) && hw.slots[slot].full {
			words[slot] = hw.slots[slot]
			hw.slots[slot].full = false
		}
	}
	hw.mu.Unlock()

	if bootReq {
		hw.fw.boot()
	}
	for slot, w := range words {
		if !w.full {
			continue
		}
		switch uint8(slot) {
		case MBOX_SLOT_BOOT_TX:
			hw.fw.bootCmd(w.val)
		default:
			for _, t := range channelTypes {
				if channelMailbox[t].send == uint8(slot) {
					hw.fw.channelSignal(t)
				}
			}
		}
	}
	for _, t := range channelTypes {
		if doorbell&(1<<uint32(t)) != 0 {
			hw.fw.channelSignal(t)
		}
	}
}

// SetReplyDelay holds back every boot command acknowledgement by d
func (hw *SimHardware) SetReplyDelay(d time.Duration) {
	hw.replyDelay.Store(int64(d))
}

// SetAdminVersion changes the version the admin VERSION command reports
func (hw *SimHardware) SetAdminVersion(major, minor uint32) {
	hw.adminVersion.Store(adminVersion(major, minor))
}

// BootCount is the number of cold boots the firmware went through
func (hw *SimHardware) BootCount() int {
	return int(hw.boots.Load())
}

func (hw *SimHardware) BootInfo() (SimBootInfo, error) {
	var info SimBootInfo
	err := hw.do(func(fw *simFirmware) error {
		info = fw.info
		return nil
	})
	return info, err
}

// InjectAbort makes the firmware report an abort and stop answering
func (hw *SimHardware) InjectAbort() error {
	return hw.do(func(fw *simFirmware) error {
		fw.running = false
		fw.logf("abort")
		hw.postIRQ(IRQ_ABORT)
		return nil
	})
}

// InjectCrash stores reason as the crash record and reports a crash
func (hw *SimHardware) InjectCrash(reason string) error {
	return hw.do(func(fw *simFirmware) error {
		fw.running = false
		fw.crash = reason
		fw.logf("crash: %s", reason)
		fw.writeLog([]byte(reason))
		hw.postIRQ(IRQ_CRASH_LOG)
		return nil
	})
}

func (hw *SimHardware) InjectLogOverflow() error {
	return hw.do(func(fw *simFirmware) error {
		hw.postIRQ(IRQ_LOG_OVERFLOW)
		return nil
	})
}

// InjectEvent sends msg to the host on channel t
func (hw *SimHardware) InjectEvent(t ChannelType, msg []byte) error {
	return hw.do(func(fw *simFirmware) error {
		ep, err := fw.endpoint(t)
		if err != nil {
			return err
		}
		return ep.write(msg)
	})
}

// InjectChannelReset makes the firmware ask for a new handshake on t
func (hw *SimHardware) InjectChannelReset(t ChannelType) error {
	return hw.do(func(fw *simFirmware) error {
		if t >= numChannelTypes || fw.channels[t] == nil {
			return ErrIpcBadChannel
		}
		fw.channels[t].reset()
		return nil
	})
}

// Logf adds a line to the firmware log
func (hw *SimHardware) Logf(format string, args ...any) error {
	return hw.do(func(fw *simFirmware) error {
		fw.logf(format, args...)
		return nil
	})
}

type simFirmware struct {
	hw *SimHardware

	running  bool
	sc7      bool
	prepared bool
	rmReady  bool
	info     SimBootInfo
	hi       map[uint32]uint32 // HI halves by command and direction
	channels [numChannelTypes]*ivc
	backlog  [numChannelTypes][][]byte
	logIOVA  uint64
	logSize  uint64
	log      []string
	crash    string
}

func newSimFirmware(hw *SimHardware) *simFirmware {
	return &simFirmware{hw: hw, hi: make(map[uint32]uint32)}
}

func (fw *simFirmware) logf(format string, args ...any) {
	fw.log = append(fw.log, fmt.Sprintf(format, args...))
}

// writeLog stores a length prefixed record at the start of the log region
func (fw *simFirmware) writeLog(rec []byte) {
	if fw.logSize <= 4 {
		return
	}
	mem, err := fw.hw.dmaSlice(fw.logIOVA, fw.logSize)
	if err != nil {
		return
	}
	n := min(uint64(len(rec)), fw.logSize-4)
	binary.LittleEndian.PutUint32(mem, uint32(n))
	copy(mem[4:], rec[:n])
}

func (fw *simFirmware) boot() {
	hw := fw.hw
	vector := uint64(hw.RegRead(REG_RESET_VECTOR))
	hw.mu.Lock()
	img, ok := hw.dma[vector]
	hw.mu.Unlock()
	if !ok || !bytes.HasPrefix(img, SimFirmwareMagic) {
		klog.V(DBG_LVL_BASIC).InfoS("copro-sim.boot no valid image at reset vector", "vector", hex(vector))
		hw.postIRQ(IRQ_ABORT)
		return
	}
	if fw.sc7 {
		fw.sc7 = false
		fw.prepared = false
		fw.running = true
		for _, ep := range fw.channels {
			if ep != nil {
				ep.drop()
			}
		}
		fw.logf("sc7 exit")
		hw.postIRQ(IRQ_READY)
		return
	}
	*fw = simFirmware{hw: hw, hi: make(map[uint32]uint32), running: true, log: fw.log, crash: fw.crash}
	hw.boots.Add(1)
	fw.logf("boot %d", hw.boots.Load())
	hw.postIRQ(IRQ_READY)
}

func (fw *simFirmware) ack(tag, val uint32, failed bool) {
	w := bootStatusWord(val, failed)
	STATUS_TAG.write(&w, tag)
	if d := time.Duration(fw.hw.replyDelay.Load()); d > 0 {
		time.AfterFunc(d, func() { fw.hw.post(MBOX_SLOT_BOOT_RX, w) })
		return
	}
	fw.hw.post(MBOX_SLOT_BOOT_RX, w)
}

// wide assembles a value sent as HI then LO
func (fw *simFirmware) wide(cmd BootCmd, rdwr, hilo, parm uint32) (uint64, bool) {
	key := uint32(cmd)<<1 | rdwr
	if hilo == 1 {
		fw.hi[key] = parm
		return 0, false
	}
	return uint64(fw.hi[key])<<BOOT_PARM_SHIFT | uint64(parm), true
}

func (fw *simFirmware) bootCmd(word uint32) {
	if !fw.running {
		return
	}
	tag := BOOT_CMD_TAG.read(word)
	if BOOT_CMD_GO.read(word) == 0 || fw.info.Locked {
		fw.ack(tag, 0, true)
		return
	}
	cmd := BootCmd(BOOT_CMD_CMD.read(word))
	parm := BOOT_CMD_PARM.read(word)
	rdwr := BOOT_CMD_RDWR.read(word)
	hilo := BOOT_CMD_HILO.read(word)
	var val uint32
	switch cmd {
	case BOOT_CMD_VERSION:
		val = SIM_BOOT_VERSION
	case BOOT_CMD_SET_SID:
		fw.info.StreamID = parm
	case BOOT_CMD_SET_AST_LENGTH:
		if v, ok := fw.wide(cmd, rdwr, hilo, parm); ok {
			fw.info.AstLength = v
		}
	case BOOT_CMD_SET_AST_IOVA:
		if v, ok := fw.wide(cmd, rdwr, hilo, parm); ok {
			fw.info.AstIOVA = v
		}
	case BOOT_CMD_SET_ADDR:
		if v, ok := fw.wide(cmd, rdwr, hilo, parm); ok {
			if rdwr == BOOT_RDWR_READ {
				fw.info.ReadAddr = v
			} else {
				fw.info.WriteAddr = v
			}
		}
	case BOOT_CMD_GET_FSIZE:
		val = SIM_MAX_FSIZE
	case BOOT_CMD_SET_NFRAMES:
		fw.info.NFrames = parm
	case BOOT_CMD_SET_FSIZE:
		fw.info.FrameSize = parm
	case BOOT_CMD_CHANNEL_INIT:
		// the firmware receives on what the host writes
		if err := fw.openChannel(CH_ADMIN, fw.info.ReadAddr, fw.info.WriteAddr, fw.info.NFrames, fw.info.FrameSize); err != nil {
			klog.V(DBG_LVL_BASIC).InfoS("copro-sim.bootCmd CHANNEL_INIT failed", "err", err)
			fw.ack(tag, uint32(Code(err)), true)
			return
		}
	case BOOT_CMD_LOCK:
		fw.info.Locked = true
	default:
		fw.ack(tag, uint32(ErrNotImplemented), true)
		return
	}
	fw.ack(tag, val, false)
}

func (fw *simFirmware) openChannel(t ChannelType, rxIOVA, txIOVA uint64, nframes, fsize uint32) error {
	if t >= numChannelTypes || nframes == 0 || fsize > SIM_MAX_FSIZE {
		return ErrIpcInit
	}
	q := ivcQueueSize(nframes, fsize)
	rx, err := fw.hw.dmaSlice(rxIOVA, q)
	if err != nil {
		return err
	}
	tx, err := fw.hw.dmaSlice(txIOVA, q)
	if err != nil {
		return err
	}
	slot := channelMailbox[t].recv
	ep, err := newIvc(rx, tx, nframes, fsize, func() { fw.hw.postNotify(slot) })
	if err != nil {
		return err
	}
	ep.drop()
	fw.channels[t] = ep
	fw.backlog[t] = nil
	return nil
}

func (fw *simFirmware) endpoint(t ChannelType) (*ivc, error) {
	if t >= numChannelTypes || fw.channels[t] == nil {
		return nil, ErrIpcBadChannel
	}
	if !fw.channels[t].established() {
		return nil, ErrIpcNotReady
	}
	return fw.channels[t], nil
}

func (fw *simFirmware) channelSignal(t ChannelType) {
	ep := fw.channels[t]
	if !fw.running || fw.sc7 || ep == nil {
		return
	}
	if !ep.notified() {
		return
	}
	for len(fw.backlog[t]) > 0 {
		if err := ep.write(fw.backlog[t][0]); err != nil {
			break
		}
		fw.backlog[t] = fw.backlog[t][1:]
	}
	for fw.running && !fw.sc7 {
		msg, err := ep.read()
		if err != nil {
			return
		}
		fw.serve(t, msg)
	}
}

func (fw *simFirmware) reply(t ChannelType, msg []byte) {
	if len(fw.backlog[t]) == 0 {
		err := fw.channels[t].write(msg)
		if err == nil {
			return
		}
		if Code(err) != ErrIpcNoBuffers {
			klog.V(DBG_LVL_BASIC).InfoS("copro-sim.reply dropped", "channel", t, "err", err)
			return
		}
	}
	fw.backlog[t] = append(fw.backlog[t], msg)
}

func (fw *simFirmware) serve(t ChannelType, msg []byte) {
	switch t {
	case CH_ADMIN:
		fw.admin(msg)
	case CH_MGMT, CH_SECURITY:
		fw.reply(t, msg)
	default:
		fw.logf("%s: %d bytes from host", t, len(msg))
	}
}

func (fw *simFirmware) admin(msg []byte) {
	seq, word, payload, err := decodeAdminMsg(msg)
	if err != nil {
		return
	}
	cmd := AdminCmd(word)
	code := ErrSuccess
	var resp []byte
	switch cmd {
	case ADMIN_CMD_ECHO:
		resp = payload
	case ADMIN_CMD_VERSION:
		resp = binary.LittleEndian.AppendUint32(nil, fw.hw.adminVersion.Load())
	case ADMIN_CMD_IPC_CREATE:
		var args ipcCreateArgs
		if err := bytesToStruct(payload, &args); err != nil {
			code = ErrIpcBadHeader
			break
		}
		t := ChannelType(args.Type)
		if t == CH_ADMIN {
			code = ErrIpcBadType
			break
		}
		if err := fw.openChannel(t, args.TxIOVA, args.RxIOVA, args.NFrames, args.FrameSize); err != nil {
			code = Code(err)
		}
	case ADMIN_CMD_RM_BOOTSTRAP:
		var args rmBootstrapArgs
		var blob configBlob
		if err := bytesToStruct(payload, &args); err != nil {
			code = ErrIpcBadHeader
			break
		}
		mem, err := fw.hw.dmaSlice(args.ConfigIOVA, args.ConfigSize)
		if err != nil || bytesToStruct(mem, &blob) != nil || blob.Magic != CONFIG_BLOB_MAGIC {
			code = ErrRmBootstrap
			break
		}
		fw.logIOVA, fw.logSize = blob.LogIOVA, blob.LogSize
		fw.rmReady = true
		fw.logf("rm bootstrap sid 0x%X channels %d", blob.StreamID, blob.NumChannels)
	case ADMIN_CMD_PREPARE_SC7:
		if !fw.rmReady {
			code = ErrNotInitialized
			break
		}
		fw.prepared = true
	case ADMIN_CMD_ENTER_SC7:
		if !fw.prepared {
			fw.logf("sc7 entry without prepare")
		}
		fw.sc7 = true
		fw.logf("sc7 enter")
		fw.hw.postIRQ(IRQ_SC7_ENTERED)
		return
	case ADMIN_CMD_LOG_FLUSH:
		fw.writeLog([]byte(strings.Join(fw.log, "\n")))
		fw.hw.postIRQ(IRQ_LOG_READY)
		return
	case ADMIN_CMD_CRASH_INFO:
		resp = []byte(fw.crash)
	default:
		code = ErrBadAdminCmd
	}
	fw.reply(CH_ADMIN, encodeAdminMsg(seq, uint32(code), resp))
}
