// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the shared memory region manager
package copro

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// RegionID : well known shared memory regions
type RegionID uint8

const (
	REGION_FIRMWARE RegionID = iota
	REGION_IPC
	REGION_ADMIN
	REGION_CONFIG
	REGION_LOG
	numRegions
)

func (id RegionID) String() string {
	switch id {
	case REGION_FIRMWARE:
		return "firmware"
	case REGION_IPC:
		return "ipc"
	case REGION_ADMIN:
		return "admin"
	case REGION_CONFIG:
		return "config"
	case REGION_LOG:
		return "log"
	}
	return fmt.Sprintf("RegionID(%d)", uint8(id))
}

// size alignment each region must honour
var regionAlign = [numRegions]uint64{
	REGION_FIRMWARE: 4096,
	REGION_IPC:      64,
	REGION_ADMIN:    4096,
	REGION_CONFIG:   64,
	REGION_LOG:      4096,
}

type Region struct {
	ID     RegionID
	IOVA   uint64
	Size   uint64
	mem    []byte
	mapped bool
}

// Bytes returns the host view of a mapped region
func (r *Region) Bytes() []byte {
	return r.mem
}

func (r *Region) Mapped() bool {
	return r.mapped
}

type RegionManager struct {
	hw       Hardware
	budget   uint64
	mu       sync.Mutex
	regions  map[RegionID]*Region
	reserved uint64
}

func NewRegionManager(hw Hardware, budget uint64) *RegionManager {
	return &RegionManager{
		hw:      hw,
		budget:  budget,
		regions: make(map[RegionID]*Region),
	}
}

// Reserve accounts size bytes for region id. A region is reserved at most once.
func (rm *RegionManager) Reserve(id RegionID, size uint64) (*Region, error) {
	if id >= numRegions {
		return nil, fmt.Errorf("copro-region.Reserve %s: %w", id, ErrMemNotFound)
	}
	if size == 0 || size%regionAlign[id] != 0 {
		return nil, fmt.Errorf("copro-region.Reserve %s: size 0x%X not a multiple of 0x%X: %w", id, size, regionAlign[id], ErrRegionSize)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.regions[id]; ok {
		return nil, fmt.Errorf("copro-region.Reserve %s: %w", id, ErrMemAlreadyMapped)
	}
	if rm.reserved+size > rm.budget {
		return nil, fmt.Errorf("copro-region.Reserve %s: 0x%X + 0x%X exceeds budget 0x%X: %w", id, rm.reserved, size, rm.budget, ErrMemSize)
	}
	r := &Region{ID: id, Size: size}
	rm.regions[id] = r
	rm.reserved += size
	klog.V(DBG_LVL_INFO).InfoS("copro-region.Reserve", "region", id, "size", hex(size), "reserved", hex(rm.reserved))
	return r, nil
}

// Map pins backing memory for a reserved region and records its IOVA
func (rm *RegionManager) Map(id RegionID) (uint64, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.regions[id]
	if !ok {
		return 0, fmt.Errorf("copro-region.Map %s: %w", id, ErrMemNotFound)
	}
	if r.mapped {
		return 0, fmt.Errorf("copro-region.Map %s: %w", id, ErrMemAlreadyMapped)
	}
	mem, iova, err := rm.hw.DmaAlloc(r.Size)
	if err != nil {
		return 0, fmt.Errorf("copro-region.Map %s: %w", id, err)
	}
	r.mem = mem
	r.IOVA = iova
	r.mapped = true
	klog.V(DBG_LVL_INFO).InfoS("copro-region.Map", "region", id, "iova", hex(iova), "size", hex(r.Size))
	return iova, nil
}

// Unmap releases the backing memory. Unmapping a region that is not mapped is an error.
func (rm *RegionManager) Unmap(id RegionID) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.regions[id]
	if !ok || !r.mapped {
		return fmt.Errorf("copro-region.Unmap %s: %w", id, ErrMemNotMapped)
	}
	if err := rm.hw.DmaFree(r.IOVA); err != nil {
		return fmt.Errorf("copro-region.Unmap %s: %w", id, err)
	}
	r.mem = nil
	r.IOVA = 0
	r.mapped = false
	klog.V(DBG_LVL_INFO).InfoS("copro-region.Unmap", "region", id)
	return nil
}

// Release drops the reservation of an unmapped region
func (rm *RegionManager) Release(id RegionID) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.regions[id]
	if !ok {
		return fmt.Errorf("copro-region.Release %s: %w", id, ErrMemNotFound)
	}
	if r.mapped {
		return fmt.Errorf("copro-region.Release %s still mapped: %w", id, ErrMemAlreadyMapped)
	}
	delete(rm.regions, id)
	rm.reserved -= r.Size
	return nil
}

func (rm *RegionManager) Lookup(id RegionID) (*Region, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.regions[id]
	if !ok {
		return nil, fmt.Errorf("copro-region.Lookup %s: %w", id, ErrMemNotFound)
	}
	return r, nil
}

// lookupMapped returns a region only if it is mapped
func (rm *RegionManager) lookupMapped(id RegionID) (*Region, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.regions[id]
	if !ok {
		return nil, fmt.Errorf("copro-region %s: %w", id, ErrMemNotFound)
	}
	if !r.mapped {
		return nil, fmt.Errorf("copro-region %s: %w", id, ErrMemNotMapped)
	}
	return r, nil
}

// Reserved returns the total reserved size in bytes
func (rm *RegionManager) Reserved() uint64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.reserved
}

// teardown unmaps and releases every region, newest id first
func (rm *RegionManager) teardown() {
	for id := numRegions; id > 0; id-- {
		rid := id - 1
		if err := rm.Unmap(rid); err != nil && Code(err) != ErrMemNotMapped {
			klog.ErrorS(err, "copro-region.teardown unmap failed", "region", rid)
		}
		rm.Release(rid)
	}
}
