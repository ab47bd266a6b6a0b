// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the boot of the coprocessor: firmware load, release
// from reset, the bootstrap command flow over the boot mailbox and the admin
// sequence that brings up the IPC channels.
package copro

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
)

type BootCmd uint32

const (
	BOOT_CMD_VERSION BootCmd = iota
	BOOT_CMD_SET_SID
	BOOT_CMD_CHANNEL_INIT
	BOOT_CMD_SET_ADDR
	BOOT_CMD_GET_FSIZE
	BOOT_CMD_SET_NFRAMES
	BOOT_CMD_SET_FSIZE
	BOOT_CMD_SET_AST_LENGTH
	BOOT_CMD_SET_AST_IOVA
	BOOT_CMD_LOCK
	numBootCmds
)

var bootCmdNames = [numBootCmds]string{
	"VERSION", "SET_SID", "CHANNEL_INIT", "SET_ADDR", "GET_FSIZE",
	"SET_NFRAMES", "SET_FSIZE", "SET_AST_LENGTH", "SET_AST_IOVA", "LOCK",
}

func (c BootCmd) String() string {
	if c < numBootCmds {
		return bootCmdNames[c]
	}
	return fmt.Sprintf("BootCmd(%d)", uint32(c))
}

const (
	BOOT_PARM_SHIFT = 20 // a 64-bit value goes out as value>>20 (HI) then value (LO)
	BOOT_RDWR_READ  = 0
	BOOT_RDWR_WRITE = 1

	STATUS_TYPE_IRQ      = 1
	STATUS_TYPE_BOOT_CMD = 2
)

// Interrupt bits of an IRQ status word
const (
	IRQ_READY uint32 = 1 << iota
	IRQ_LOG_OVERFLOW
	IRQ_LOG_READY
	IRQ_CRASH_LOG
	IRQ_ABORT
	IRQ_SC7_ENTERED
)

func bootCmdWord(cmd BootCmd, parm, rdwr, hilo uint32) uint32 {
	var w uint32
	BOOT_CMD_PARM.write(&w, parm)
	BOOT_CMD_RDWR.write(&w, rdwr)
	BOOT_CMD_HILO.write(&w, hilo)
	BOOT_CMD_CMD.write(&w, uint32(cmd))
	BOOT_CMD_GO.write(&w, 1)
	return w
}

func bootStatusWord(val uint32, failed bool) uint32 {
	var w uint32
	STATUS_TYPE.write(&w, STATUS_TYPE_BOOT_CMD)
	STATUS_ERR_CODE.write(&w, val)
	if failed {
		STATUS_ERR_FLAG.write(&w, 1)
	}
	return w
}

func irqStatusWord(irq uint32) uint32 {
	var w uint32
	STATUS_TYPE.write(&w, STATUS_TYPE_IRQ)
	STATUS_IRQ.write(&w, irq)
	return w
}

// bootHandler is the boot mailbox variant: command acks complete SendSync,
// interrupt words become lifecycle events on the deferred worker
type bootHandler struct {
	c *Coprocessor
}

func (bootHandler) IsAck(status uint32) bool {
	return STATUS_TYPE.read(status) == STATUS_TYPE_BOOT_CMD
}

// Tag stamps the low bits of the request sequence into the command word
func (bootHandler) Tag(cmd uint32, seq uint64) uint32 {
	BOOT_CMD_TAG.write(&cmd, uint32(seq))
	return cmd
}

// Matches checks that the firmware echoed the tag of the pending command
func (bootHandler) Matches(cmd, status uint32) bool {
	return BOOT_CMD_TAG.read(cmd) == STATUS_TAG.read(status)
}

// Latch merges the bits of an interrupt word into the pending word and wakes
// the interrupt loop. A burst of interrupts coalesces, none is lost.
func (h bootHandler) Latch(status uint32) bool {
	if STATUS_TYPE.read(status) != STATUS_TYPE_IRQ {
		return false
	}
	h.c.irqPending.Or(STATUS_IRQ.read(status))
	kick(h.c.irqKick)
	return true
}

func (h bootHandler) HandleStatus(id MailboxID, status uint32) {
	klog.V(DBG_LVL_BASIC).InfoS("copro-bootstrap.HandleStatus unknown status type", "mailbox", id, "status", hex(status))
}

func (c *Coprocessor) startIrqLoop() {
	c.irqKick = make(chan struct{}, 1)
	c.irqStop = make(chan struct{})
	c.irqDone = make(chan struct{})
	go c.irqLoop()
}

// irqLoop runs the latched boot interrupts apart from the deferred work queue
func (c *Coprocessor) irqLoop() {
	defer close(c.irqDone)
	for {
		select {
		case <-c.irqStop:
			return
		case <-c.irqKick:
		}
		if irq := c.irqPending.Swap(0); irq != 0 {
			c.handleIRQ(irq)
		}
	}
}

func (c *Coprocessor) stopIrqLoop() {
	close(c.irqStop)
	<-c.irqDone
}

// handleIRQ turns coprocessor interrupt bits into lifecycle events
func (c *Coprocessor) handleIRQ(irq uint32) {
	if klog.V(DBG_LVL_DETAIL).Enabled() {
		word, _ := parseWord(irqStatusWord(irq), STATUS_WORD{})
		klog.V(DBG_LVL_DETAIL).InfoS("copro-bootstrap.handleIRQ", "irq", hex(irq), "status", word)
	}
	if irq&IRQ_READY != 0 {
		ev := EVENT_BOOT_COMPLETE_RECEIVED
		if c.fsm.State() == STATE_SC7_ENTERED {
			ev = EVENT_SC7_EXIT_RECEIVED
		}
		c.fsm.Post(ev)
	}
	if irq&IRQ_SC7_ENTERED != 0 {
		c.fsm.Post(EVENT_SC7_ENTERED_RECEIVED)
	}
	if irq&IRQ_LOG_READY != 0 {
		c.fsm.Post(EVENT_LOG_READY_RECEIVED)
	}
	if irq&IRQ_LOG_OVERFLOW != 0 {
		c.fsm.Post(EVENT_LOG_OVERFLOW_RECEIVED)
	}
	if irq&IRQ_CRASH_LOG != 0 {
		c.fsm.Post(EVENT_CRASH_LOG_RECEIVED)
		c.aborted()
	}
	if irq&IRQ_ABORT != 0 {
		c.fsm.Post(EVENT_ABORT_RECEIVED)
		c.aborted()
	}
}

// loadFirmware copies the image to the firmware region and returns its IOVA
func (c *Coprocessor) loadFirmware() (uint64, error) {
	if len(c.firmware.Image) == 0 {
		return 0, fmt.Errorf("copro-bootstrap: no firmware image loaded: %w", ErrBadFirmware)
	}
	r, err := c.regions.lookupMapped(REGION_FIRMWARE)
	if err != nil {
		return 0, fmt.Errorf("copro-bootstrap.loadFirmware: %w", err)
	}
	if uint64(len(c.firmware.Image)) > r.Size {
		return 0, fmt.Errorf("copro-bootstrap: image %s is 0x%X bytes, region 0x%X: %w", c.firmware.Name, len(c.firmware.Image), r.Size, ErrBadFirmware)
	}
	if r.IOVA>>32 != 0 {
		return 0, fmt.Errorf("copro-bootstrap: firmware iova 0x%X above the reset vector range: %w", r.IOVA, ErrRegionSize)
	}
	mem := r.Bytes()
	n := copy(mem, c.firmware.Image)
	clear(mem[n:])
	klog.V(DBG_LVL_INFO).InfoS("copro-bootstrap.loadFirmware", "image", c.firmware.Name, "size", hex(n), "iova", hex(r.IOVA))
	return r.IOVA, nil
}

func (c *Coprocessor) setBootCtrl(v BootCtrl) {
	c.hw.RegWrite(REG_BOOT_CTRL, uint32(v))
}

// releaseCore flips the boot control register halted -> done, which starts
// the coprocessor at the reset vector
func (c *Coprocessor) releaseCore() {
	c.setBootCtrl(BOOT_CTRL_HALTED)
	c.setBootCtrl(BOOT_CTRL_DONE)
}

// startCore loads the firmware, releases the core and waits for READY
func (c *Coprocessor) startCore(ctx context.Context) error {
	iova, err := c.loadFirmware()
	if err != nil {
		return err
	}
	c.hw.RegWrite(REG_RESET_VECTOR, uint32(iova))
	if err := c.fsm.Post(EVENT_BOOT_COMPLETE_REQUESTED); err != nil {
		return err
	}
	c.releaseCore()

	wctx, cancel := context.WithTimeout(ctx, c.cfg.BootTimeout.Duration)
	defer cancel()
	s, err := c.fsm.WaitFor(wctx, func(s FsmState) bool { return s != STATE_BOOT_WAIT })
	if err != nil {
		return fmt.Errorf("copro-bootstrap: no READY from coprocessor: %w", err)
	}
	if s == STATE_ABORT {
		return fmt.Errorf("copro-bootstrap: coprocessor aborted during boot: %w", ErrAborted)
	}
	klog.V(DBG_LVL_BASIC).InfoS("copro-bootstrap.startCore coprocessor ready", "name", c.cfg.Name, "state", s)
	return nil
}

// sendBootCmd runs one command of the bootstrap flow and returns the value
// carried in the acknowledgement
func (c *Coprocessor) sendBootCmd(ctx context.Context, cmd BootCmd, parm, rdwr, hilo uint32) (uint32, error) {
	if err := c.fsm.Post(EVENT_MBOX_IPC_REQUESTED, cmd); err != nil {
		return 0, err
	}
	word := bootCmdWord(cmd, parm, rdwr, hilo)
	ack, err := c.mailbox.SendSync(ctx, word, MBOX_BOOT)
	c.fsm.Post(EVENT_MBOX_IPC_RECEIVED, cmd, err)
	if err != nil {
		return 0, fmt.Errorf("copro-bootstrap %s: %w", cmd, err)
	}
	if STATUS_ERR_FLAG.read(ack) != 0 {
		return 0, fmt.Errorf("copro-bootstrap %s: firmware error 0x%X: %w", cmd, STATUS_ERR_CODE.read(ack), ErrBootCmdFailed)
	}
	return STATUS_ERR_CODE.read(ack), nil
}

// sendBootVal sends a value wider than one parameter as HI then LO
func (c *Coprocessor) sendBootVal(ctx context.Context, cmd BootCmd, val uint64, rdwr uint32) error {
	if val>>(2*BOOT_PARM_SHIFT) != 0 {
		return fmt.Errorf("copro-bootstrap %s: 0x%X does not fit: %w", cmd, val, ErrInvalidParam)
	}
	if _, err := c.sendBootCmd(ctx, cmd, uint32(val>>BOOT_PARM_SHIFT), rdwr, 1); err != nil {
		return err
	}
	_, err := c.sendBootCmd(ctx, cmd, uint32(val), rdwr, 0)
	return err
}

// bootstrapFlow hands the IPC region and the admin channel to the firmware
// over the boot mailbox, then locks the boot interface
func (c *Coprocessor) bootstrapFlow(ctx context.Context) error {
	ver, err := c.sendBootCmd(ctx, BOOT_CMD_VERSION, 0, 0, 0)
	if err != nil {
		return err
	}
	klog.V(DBG_LVL_INFO).InfoS("copro-bootstrap.bootstrapFlow", "firmware boot version", hex(ver))
	if _, err := c.sendBootCmd(ctx, BOOT_CMD_SET_SID, uint32(c.cfg.StreamID), 0, 0); err != nil {
		return err
	}

	ipc, err := c.regions.lookupMapped(REGION_IPC)
	if err != nil {
		return err
	}
	if err := c.sendBootVal(ctx, BOOT_CMD_SET_AST_LENGTH, ipc.Size, 0); err != nil {
		return err
	}
	if err := c.sendBootVal(ctx, BOOT_CMD_SET_AST_IOVA, ipc.IOVA, 0); err != nil {
		return err
	}

	info, err := c.ipc.ChannelInfo(CH_ADMIN)
	if err != nil {
		return err
	}
	// the firmware reads what the host transmits
	if err := c.sendBootVal(ctx, BOOT_CMD_SET_ADDR, info.TxIOVA, BOOT_RDWR_READ); err != nil {
		return err
	}
	if err := c.sendBootVal(ctx, BOOT_CMD_SET_ADDR, info.RxIOVA, BOOT_RDWR_WRITE); err != nil {
		return err
	}
	fsize, err := c.sendBootCmd(ctx, BOOT_CMD_GET_FSIZE, 0, 0, 0)
	if err != nil {
		return err
	}
	if info.FrameSize > fsize {
		return fmt.Errorf("copro-bootstrap: admin frame 0x%X above firmware maximum 0x%X: %w", info.FrameSize, fsize, ErrInterfaceIncompatible)
	}
	if _, err := c.sendBootCmd(ctx, BOOT_CMD_SET_NFRAMES, info.NFrames, 0, 0); err != nil {
		return err
	}
	if _, err := c.sendBootCmd(ctx, BOOT_CMD_SET_FSIZE, info.FrameSize, 0, 0); err != nil {
		return err
	}
	if _, err := c.sendBootCmd(ctx, BOOT_CMD_CHANNEL_INIT, 0, 0, 0); err != nil {
		return err
	}
	if _, err := c.sendBootCmd(ctx, BOOT_CMD_LOCK, 0, 0, 0); err != nil {
		return err
	}
	return nil
}

// syncChannel resets t and waits for the handshake to complete
func (c *Coprocessor) syncChannel(ctx context.Context, t ChannelType) error {
	if err := c.ipc.ChannelReset(t); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.AdminTimeout.Duration)
	defer cancel()
	return c.ipc.WaitReady(wctx, t)
}

func (c *Coprocessor) writeConfigBlob() (*Region, error) {
	cfgRegion, err := c.regions.lookupMapped(REGION_CONFIG)
	if err != nil {
		return nil, err
	}
	blob := configBlob{
		Magic:       CONFIG_BLOB_MAGIC,
		Version:     adminVersion(ADMIN_VERSION_MAJOR, ADMIN_VERSION_MINOR),
		StreamID:    uint32(c.cfg.StreamID),
		NumChannels: uint32(len(channelTypes)),
	}
	if logRegion, err := c.regions.lookupMapped(REGION_LOG); err == nil {
		blob.LogIOVA = logRegion.IOVA
		blob.LogSize = logRegion.Size
	}
	b := structToBytes(&blob)
	mem := cfgRegion.Bytes()
	clear(mem)
	copy(mem, b)
	return cfgRegion, nil
}

// adminFlow brings up the admin channel, creates every client channel on
// the firmware side and hands over the resource manager areas
func (c *Coprocessor) adminFlow(ctx context.Context) error {
	if err := c.syncChannel(ctx, CH_ADMIN); err != nil {
		return err
	}
	ver, err := c.admin.Version(ctx)
	if err != nil {
		return err
	}
	klog.V(DBG_LVL_INFO).InfoS("copro-bootstrap.adminFlow", "admin version", fmt.Sprintf("%d.%d", ver>>16, ver&0xFFFF))
	for _, t := range channelTypes {
		if t == CH_ADMIN {
			continue
		}
		info, err := c.ipc.ChannelInfo(t)
		if err != nil {
			return err
		}
		if err := c.admin.IpcCreate(ctx, info); err != nil {
			return err
		}
		if err := c.syncChannel(ctx, t); err != nil {
			return err
		}
	}
	cfgRegion, err := c.writeConfigBlob()
	if err != nil {
		return err
	}
	adminRegion, err := c.regions.lookupMapped(REGION_ADMIN)
	if err != nil {
		return err
	}
	return c.admin.RmBootstrap(ctx, adminRegion, cfgRegion)
}
