// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the API functions of the coprocessor library: attach,
// boot, recovery and detach of one coprocessor context
package copro

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jaypipes/pcidb"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

const (
	DBG_LVL_DEFAUILT    = iota //0
	DBG_LVL_BASIC              //1
	DBG_LVL_INFO               //2
	DBG_LVL_DETAIL             //3
	DBG_LVL_DEEP_DETAIL        //4
)

// Firmware : the image booted on the coprocessor
type Firmware struct {
	Name  string
	Image []byte
}

// Coprocessor is the root object of one coprocessor instance. Everything the
// core keeps about the instance hangs off it; there is no package state.
type Coprocessor struct {
	cfg      Config
	name     string
	hw       Hardware
	firmware Firmware
	metrics  *Metrics

	worker  *workQueue // ordered follow-up of interrupts
	fsm     *Fsm
	regions *RegionManager
	mailbox *Mailbox
	ipc     *IpcLayer
	admin   *Admin
	clients *ClientRegistry

	bootGroup singleflight.Group

	irqPending atomic.Uint32 // boot interrupt bits not handled yet
	irqKick    chan struct{}
	irqStop    chan struct{}
	irqDone    chan struct{}

	mu       sync.Mutex
	ready    bool
	detached bool
}

// Attach builds a context over hw. On failure everything acquired so far is
// released in reverse order. hw is not closed.
func Attach(cfg Config, hw Hardware, fw Firmware) (*Coprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coprocessor{
		cfg:      cfg,
		name:     cfg.Name,
		hw:       hw,
		firmware: fw,
		metrics:  NewMetrics(cfg.Name),
	}
	var unwind []func()
	fail := func(err error) (*Coprocessor, error) {
		for i := len(unwind) - 1; i >= 0; i-- {
			unwind[i]()
		}
		klog.ErrorS(err, "copro-util.Attach failed", "name", cfg.Name)
		return nil, err
	}

	c.worker = newWorkQueue("deferred", cfg.WorkQueueDepth, 1)
	unwind = append(unwind, c.worker.stop)
	c.fsm = NewFsm(c.metrics)
	c.startIrqLoop()
	unwind = append(unwind, c.stopIrqLoop)

	infos, ipcSize, err := ipcLayout(cfg)
	if err != nil {
		return fail(err)
	}
	c.regions = NewRegionManager(hw, cfg.RegionBudget)
	unwind = append(unwind, c.regions.teardown)
	sizes := []struct {
		id   RegionID
		size uint64
	}{
		{REGION_FIRMWARE, cfg.FirmwareSize},
		{REGION_IPC, ipcSize},
		{REGION_ADMIN, cfg.AdminSize},
		{REGION_CONFIG, cfg.ConfigSize},
		{REGION_LOG, cfg.LogSize},
	}
	// reserve everything first so an oversized layout fails before any mapping
	for _, r := range sizes {
		if _, err := c.regions.Reserve(r.id, r.size); err != nil {
			return fail(err)
		}
	}
	for _, r := range sizes {
		if _, err := c.regions.Map(r.id); err != nil {
			return fail(err)
		}
	}

	c.mailbox = NewMailbox(hw, cfg.MailboxTimeout.Duration, cfg.MailboxPoll.Duration, c.worker.schedule, c.metrics)
	if err := c.mailbox.InitInterface(MBOX_BOOT, MBOX_SLOT_BOOT_TX, MBOX_SLOT_BOOT_RX, WAIT_IRQ, bootHandler{c: c}); err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() { c.mailbox.DeinitInterface(MBOX_BOOT) })

	c.ipc = NewIpcLayer(hw, c.mailbox, c.regions, c.metrics)
	for _, info := range infos {
		if _, err := c.ipc.ChannelInit(info); err != nil {
			return fail(err)
		}
		t := info.Type
		unwind = append(unwind, func() { c.ipc.ChannelDeinit(t) })
	}
	c.admin = newAdmin(c.ipc, c.fsm, cfg, c.metrics)
	c.clients = NewClientRegistry(c.ipc, cfg, c.metrics)
	unwind = append(unwind, c.clients.close)
	c.ipc.SetDataHandler(c.routeData)

	hw.SetIRQHandler(c.ISR)
	if dev := deviceName(cfg.PciVendor, cfg.PciDevice); dev != "" {
		c.name = cfg.Name + " (" + dev + ")"
	}
	klog.V(DBG_LVL_BASIC).InfoS("copro-util.Attach", "name", c.name, "regions", hex(c.regions.Reserved()), "ipc", hex(ipcSize))
	return c, nil
}

// deviceName resolves the configured PCI ids to a readable name, best effort
func deviceName(vendor, device string) string {
	if vendor == "" {
		return ""
	}
	vendor, device = strings.ToLower(vendor), strings.ToLower(device)
	db, err := pcidb.New()
	if err != nil {
		klog.V(DBG_LVL_DETAIL).InfoS("copro-util.deviceName pci database unavailable", "err", err)
		return vendor + ":" + device
	}
	v, ok := db.Vendors[vendor]
	if !ok {
		return vendor + ":" + device
	}
	for _, p := range v.Products {
		if p.ID == device {
			return v.Name + " " + p.Name
		}
	}
	return v.Name + " " + device
}

// ISR is the interrupt entry point handed to the hardware layer
func (c *Coprocessor) ISR(slot uint8) {
	c.mailbox.HandleSlot(slot)
}

// routeData runs on the deferred worker for every synced channel with frames
func (c *Coprocessor) routeData(t ChannelType) {
	if t == CH_ADMIN {
		c.admin.drain()
		return
	}
	if ct, ok := clientForChannel(t); ok {
		c.clients.drain(ct)
	}
}

func (c *Coprocessor) setReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready reports whether boot and the admin sequence completed
func (c *Coprocessor) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.detached
}

// aborted fails everything still waiting on the coprocessor
func (c *Coprocessor) aborted() {
	c.setReady(false)
	c.admin.failAll(ErrAborted)
	c.clients.failRPC(ErrAborted)
	klog.ErrorS(ErrAborted, "copro-util coprocessor aborted", "name", c.name)
}

// Boot runs the boot sequence. Concurrent callers share one run.
func (c *Coprocessor) Boot(ctx context.Context) error {
	_, err, shared := c.bootGroup.Do("boot", func() (any, error) {
		return nil, c.boot(ctx)
	})
	if shared {
		klog.V(DBG_LVL_DETAIL).InfoS("copro-util.Boot joined a boot in progress", "name", c.name)
	}
	return err
}

func (c *Coprocessor) boot(ctx context.Context) error {
	c.mu.Lock()
	detached := c.detached
	c.mu.Unlock()
	if detached {
		return fmt.Errorf("copro-util.Boot %s: %w", c.name, ErrShutDown)
	}
	if c.Ready() {
		return nil
	}
	switch c.fsm.State() {
	case STATE_ABORT:
		return fmt.Errorf("copro-util.Boot %s needs Recover first: %w", c.name, ErrAborted)
	case STATE_IDLE:
	default:
		return fmt.Errorf("copro-util.Boot %s in %s: %w", c.name, c.fsm.State(), ErrBadSequence)
	}
	if c.fsm.Booted() {
		// booted but the admin sequence never finished: start over
		c.fsm.Recover()
	}
	if !c.fsm.Started() {
		if err := c.fsm.Post(EVENT_FSM_START); err != nil {
			return err
		}
	}
	if !c.mailbox.Valid(MBOX_BOOT) {
		if err := c.mailbox.Revalidate(MBOX_BOOT); err != nil {
			return err
		}
	}
	c.ipc.desync()

	klog.V(DBG_LVL_BASIC).InfoS("copro-util.Boot", "name", c.name, "firmware", c.firmware.Name)
	if err := c.startCore(ctx); err != nil {
		return c.bootFailed(err)
	}
	if err := c.bootstrapFlow(ctx); err != nil {
		return c.bootFailed(err)
	}
	if err := c.adminFlow(ctx); err != nil {
		return c.bootFailed(err)
	}
	c.setReady(true)
	klog.V(DBG_LVL_BASIC).InfoS("copro-util.Boot complete", "name", c.name)
	return nil
}

// bootFailed leaves the context not initialized. Firmware and region
// problems keep their own code, everything else is a bootstrap failure.
func (c *Coprocessor) bootFailed(err error) error {
	c.setReady(false)
	c.ipc.desync()
	if c.fsm.State() != STATE_ABORT {
		c.fsm.Recover()
	}
	klog.ErrorS(err, "copro-util.Boot failed", "name", c.name)
	switch Code(err) {
	case ErrBadFirmware, ErrMemNotFound, ErrMemNotMapped:
		return err
	}
	return fmt.Errorf("copro-util.Boot %s: %w: %w", c.name, ErrRmBootstrap, err)
}

// Recover is the explicit way out of Abort. The context returns to not
// initialized with every channel out of sync and every mailbox usable; Boot
// reloads the firmware.
func (c *Coprocessor) Recover() {
	c.setReady(false)
	c.admin.failAll(ErrAborted)
	c.clients.failRPC(ErrAborted)
	c.ipc.desync()
	for id := MailboxID(0); id < numMailboxes; id++ {
		if _, err := c.mailbox.lookup(id); err == nil && !c.mailbox.Valid(id) {
			c.mailbox.Revalidate(id)
		}
	}
	c.fsm.Recover()
	klog.V(DBG_LVL_BASIC).InfoS("copro-util.Recover", "name", c.name)
}

// Detach tears the context down in reverse order of Attach and closes hw
func (c *Coprocessor) Detach() error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return nil
	}
	c.detached = true
	c.ready = false
	c.mu.Unlock()

	c.hw.SetIRQHandler(nil)
	c.clients.close()
	c.admin.failAll(ErrShutDown)
	for i := len(channelTypes) - 1; i >= 0; i-- {
		c.ipc.ChannelDeinit(channelTypes[i])
	}
	c.mailbox.DeinitInterface(MBOX_BOOT)
	c.stopIrqLoop()
	c.worker.stop()
	c.regions.teardown()
	err := c.hw.Close()
	klog.V(DBG_LVL_BASIC).InfoS("copro-util.Detach", "name", c.name)
	return err
}

func (c *Coprocessor) Name() string { return c.name }
func (c *Coprocessor) Config() Config { return c.cfg }
func (c *Coprocessor) Metrics() *Metrics { return c.metrics }
func (c *Coprocessor) Fsm() *Fsm { return c.fsm }
func (c *Coprocessor) Regions() *RegionManager { return c.regions }
func (c *Coprocessor) Mailbox() *Mailbox { return c.mailbox }
func (c *Coprocessor) Ipc() *IpcLayer { return c.ipc }
func (c *Coprocessor) Admin() *Admin { return c.admin }
func (c *Coprocessor) Clients() *ClientRegistry { return c.clients }

// Wrapper function to shorten int to hex convertion call
func hex(a any) string {
	return fmt.Sprintf("%X", a)
}
