// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the hardware access layer: the Hardware interface the
// core drives, and the /dev/mem backed implementation of it.
package copro

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// HwReg : control registers of the coprocessor cluster
type HwReg uint8

const (
	REG_RESET_VECTOR HwReg = iota
	REG_BOOT_CTRL
	REG_DOORBELL
	REG_BOOT_SEMA
	numHwRegs
)

func (r HwReg) String() string {
	switch r {
	case REG_RESET_VECTOR:
		return "RESET_VECTOR"
	case REG_BOOT_CTRL:
		return "BOOT_CTRL"
	case REG_DOORBELL:
		return "DOORBELL"
	case REG_BOOT_SEMA:
		return "BOOT_SEMA"
	}
	return fmt.Sprintf("HwReg(%d)", uint8(r))
}

// BootCtrl : the only two values ever written to REG_BOOT_CTRL
type BootCtrl uint32

const (
	BOOT_CTRL_HALTED BootCtrl = 0
	BOOT_CTRL_DONE   BootCtrl = 1
)

// MAILBOX_STATUS_INVALID is what an empty or unreadable slot returns
const MAILBOX_STATUS_INVALID = 0xFFFFFFFF

// Hardware is the platform collaborator: thin register and memory access.
// The IRQ handler is invoked in interrupt context and must not block.
type Hardware interface {
	MailboxWrite(slot uint8, val uint32) // write the slot and ring its doorbell
	MailboxRead(slot uint8) uint32
	MailboxClear(slot uint8)
	RegWrite(reg HwReg, val uint32)
	RegRead(reg HwReg) uint32
	DmaAlloc(size uint64) ([]byte, uint64, error)
	DmaFree(iova uint64) error
	SetIRQHandler(fn func(slot uint8))
	Close() error
}

// MMIO window layout of the DevMem backend
const (
	MMIO_REG_STRIDE   = 4
	MMIO_SLOT_BASE    = 0x100
	MMIO_SLOT_STRIDE  = 0x10
	MMIO_SLOT_DATA    = 0x0
	MMIO_SLOT_FULL    = 0x4
	MMIO_WINDOW_SIZE  = 0x1000
	DEVMEM_POLL_DELAY = 200 * time.Microsecond
)

// DevMemHardware drives the coprocessor through an MMIO window and a DMA
// carveout mapped from /dev/mem. There is no interrupt line in user space, so
// the receive slots are polled and the IRQ handler is called for every slot
// found full.
type DevMemHardware struct {
	mmio         []byte
	carveout     []byte
	carveoutBase uint64
	dev_mem_file *os.File
	unmap        bool

	mu     sync.Mutex
	next   uint64
	allocs map[uint64]uint64 // iova -> size

	irq      atomic.Pointer[func(uint8)]
	stop     chan struct{}
	done     chan struct{}
	pollRate time.Duration
}

// OpenDevMem maps the MMIO window and the carveout described by cfg
func OpenDevMem(cfg Config) (*DevMemHardware, error) {
	var err error
	if cfg.MmioSize < MMIO_WINDOW_SIZE || cfg.CarveoutSize == 0 {
		return nil, fmt.Errorf("copro-hw: mmio_size must be >= 0x%X and carveout_size non zero: %w", MMIO_WINDOW_SIZE, ErrInvalidParam)
	}
	if cfg.MmioBase&0xFFF != 0 || cfg.CarveoutBase&0xFFF != 0 {
		return nil, fmt.Errorf("copro-hw: mmio_base and carveout_base must be 4k aligned: %w", ErrRegionSize)
	}
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	klog.V(DBG_LVL_INFO).Infof("copro-hw.OpenDevMem: mmio 0x%X size 0x%X carveout 0x%X size 0x%X", cfg.MmioBase, cfg.MmioSize, cfg.CarveoutBase, cfg.CarveoutSize)
	mmio, err := unix.Mmap(int(f.Fd()), int64(cfg.MmioBase), int(cfg.MmioSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	carveout, err := unix.Mmap(int(f.Fd()), int64(cfg.CarveoutBase), int(cfg.CarveoutSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(mmio)
		f.Close()
		return nil, err
	}
	hw := newDevMemHardware(mmio, carveout, cfg.CarveoutBase, DEVMEM_POLL_DELAY)
	hw.dev_mem_file = f
	hw.unmap = true
	klog.V(DBG_LVL_BASIC).Info("copro-hw.DevMemHardware initialized")
	return hw, nil
}

func newDevMemHardware(mmio, carveout []byte, carveoutBase uint64, pollRate time.Duration) *DevMemHardware {
	hw := &DevMemHardware{
		mmio:         mmio,
		carveout:     carveout,
		carveoutBase: carveoutBase,
		allocs:       make(map[uint64]uint64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		pollRate:     pollRate,
	}
	go hw.poll()
	return hw
}

func (hw *DevMemHardware) word(ofs int) *uint32 {
	return (*uint32)(unsafe.Pointer(&hw.mmio[ofs]))
}

func slotOffset(slot uint8) int {
	return MMIO_SLOT_BASE + int(slot)*MMIO_SLOT_STRIDE
}

func (hw *DevMemHardware) MailboxWrite(slot uint8, val uint32) {
	atomic.StoreUint32(hw.word(slotOffset(slot)+MMIO_SLOT_DATA), val)
	atomic.StoreUint32(hw.word(slotOffset(slot)+MMIO_SLOT_FULL), 1)
}

func (hw *DevMemHardware) MailboxRead(slot uint8) uint32 {
	if atomic.LoadUint32(hw.word(slotOffset(slot)+MMIO_SLOT_FULL)) == 0 {
		return MAILBOX_STATUS_INVALID
	}
	return atomic.LoadUint32(hw.word(slotOffset(slot) + MMIO_SLOT_DATA))
}

func (hw *DevMemHardware) MailboxClear(slot uint8) {
	atomic.StoreUint32(hw.word(slotOffset(slot)+MMIO_SLOT_FULL), 0)
}

func (hw *DevMemHardware) RegWrite(reg HwReg, val uint32) {
	atomic.StoreUint32(hw.word(int(reg)*MMIO_REG_STRIDE), val)
}

func (hw *DevMemHardware) RegRead(reg HwReg) uint32 {
	return atomic.LoadUint32(hw.word(int(reg) * MMIO_REG_STRIDE))
}

// DmaAlloc hands out 4k aligned chunks of the carveout. The carveout is
// identity mapped, so the IOVA is the physical address.
func (hw *DevMemHardware) DmaAlloc(size uint64) ([]byte, uint64, error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	aligned := (size + 0xFFF) &^ uint64(0xFFF)
	if size == 0 || hw.next+aligned > uint64(len(hw.carveout)) {
		return nil, 0, fmt.Errorf("copro-hw: carveout exhausted allocating 0x%X: %w", size, ErrMemSize)
	}
	ofs := hw.next
	hw.next += aligned
	buf := hw.carveout[ofs : ofs+size : ofs+size]
	clear(buf)
	iova := hw.carveoutBase + ofs
	hw.allocs[iova] = aligned
	return buf, iova, nil
}

func (hw *DevMemHardware) DmaFree(iova uint64) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if _, ok := hw.allocs[iova]; !ok {
		return fmt.Errorf("copro-hw: free of unknown iova 0x%X: %w", iova, ErrMemNotMapped)
	}
	delete(hw.allocs, iova)
	if len(hw.allocs) == 0 {
		hw.next = 0
	}
	return nil
}

func (hw *DevMemHardware) SetIRQHandler(fn func(slot uint8)) {
	hw.irq.Store(&fn)
}

func (hw *DevMemHardware) poll() {
	defer close(hw.done)
	ticker := time.NewTicker(hw.pollRate)
	defer ticker.Stop()
	for {
		select {
		case <-hw.stop:
			return
		case <-ticker.C:
		}
		fn := hw.irq.Load()
		if fn == nil || *fn == nil {
			continue
		}
		for slot := uint8(0); slot < NUM_MAILBOX_SLOTS; slot++ {
			if !isRecvSlot(slot) {
				continue
			}
			if atomic.LoadUint32(hw.word(slotOffset(slot)+MMIO_SLOT_FULL)) != 0 {
				(*fn)(slot)
			}
		}
	}
}

func (hw *DevMemHardware) Close() error {
	select {
	case <-hw.stop:
		return nil
	default:
	}
	close(hw.stop)
	<-hw.done
	if !hw.unmap {
		return nil
	}
	var firstErr error
	if err := unix.Munmap(hw.mmio); err != nil {
		firstErr = err
	}
	if err := unix.Munmap(hw.carveout); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := hw.dev_mem_file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
