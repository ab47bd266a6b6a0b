// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the administrative surface of a coprocessor context:
// boot, suspend/resume, log and crash retrieval, health.
package copro

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"
)

const (
	HEALTH_TRIP_FAILURES = 3
	HEALTH_OPEN_TIMEOUT  = 30 * time.Second
)

var healthPayload = []byte("copro-health")

type Service struct {
	c       *Coprocessor
	breaker *gobreaker.CircuitBreaker
}

func NewService(c *Coprocessor) *Service {
	st := gobreaker.Settings{
		Name:        c.cfg.Name + "-health",
		MaxRequests: 1,
		Timeout:     HEALTH_OPEN_TIMEOUT,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= HEALTH_TRIP_FAILURES
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.V(DBG_LVL_BASIC).InfoS("copro-service health breaker", "name", name, "from", from, "to", to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsBackpressure(err)
		},
	}
	return &Service{c: c, breaker: gobreaker.NewCircuitBreaker(st)}
}

func (s *Service) Coprocessor() *Coprocessor {
	return s.c
}

func (s *Service) Boot(ctx context.Context) error {
	return s.c.Boot(ctx)
}

// Reload discards whatever state the coprocessor is in and boots again
func (s *Service) Reload(ctx context.Context) error {
	s.c.Recover()
	return s.c.Boot(ctx)
}

// Suspend puts the coprocessor into SC7 and returns once it confirmed
func (s *Service) Suspend(ctx context.Context) error {
	c := s.c
	if !c.Ready() {
		return fmt.Errorf("copro-service.Suspend %s: %w", c.name, ErrNotInitialized)
	}
	if err := c.admin.PrepareSc7(ctx); err != nil {
		return err
	}
	if err := c.fsm.Post(EVENT_SC7_ENTER_REQUESTED); err != nil {
		return err
	}
	c.setReady(false)
	if err := c.admin.Send(ctx, ADMIN_CMD_ENTER_SC7, nil); err != nil {
		// the firmware never saw the request and the context cannot leave Sc7EnterWfi
		c.Recover()
		return fmt.Errorf("copro-service.Suspend %s: %w", c.name, err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.AdminTimeout.Duration)
	defer cancel()
	st, err := c.fsm.WaitFor(wctx, func(st FsmState) bool {
		return st == STATE_SC7_ENTERED || st == STATE_ABORT
	})
	if err != nil {
		return err
	}
	if st == STATE_ABORT {
		return fmt.Errorf("copro-service.Suspend %s: %w", c.name, ErrAborted)
	}
	klog.V(DBG_LVL_BASIC).InfoS("copro-service.Suspend", "name", c.name)
	return nil
}

// Resume restarts the core from SC7 and brings every channel back in sync
func (s *Service) Resume(ctx context.Context) error {
	c := s.c
	if st := c.fsm.State(); st != STATE_SC7_ENTERED {
		return fmt.Errorf("copro-service.Resume %s in %s: %w", c.name, st, ErrBadSequence)
	}
	c.ipc.desync()
	c.releaseCore()

	wctx, cancel := context.WithTimeout(ctx, c.cfg.BootTimeout.Duration)
	defer cancel()
	st, err := c.fsm.WaitFor(wctx, func(st FsmState) bool { return st != STATE_SC7_ENTERED })
	if err != nil {
		return fmt.Errorf("copro-service.Resume %s: no READY: %w", c.name, err)
	}
	if st == STATE_ABORT {
		return fmt.Errorf("copro-service.Resume %s: %w", c.name, ErrAborted)
	}
	for _, t := range channelTypes {
		if err := c.syncChannel(ctx, t); err != nil {
			return err
		}
	}
	c.setReady(true)
	klog.V(DBG_LVL_BASIC).InfoS("copro-service.Resume", "name", c.name)
	return nil
}

// ReadLog asks the firmware to flush its log and returns it
func (s *Service) ReadLog(ctx context.Context) ([]byte, error) {
	c := s.c
	if err := c.fsm.Post(EVENT_LOG_REQUESTED); err != nil {
		return nil, err
	}
	if err := c.admin.Send(ctx, ADMIN_CMD_LOG_FLUSH, nil); err != nil {
		c.fsm.Post(EVENT_LOG_READY_RECEIVED, err)
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.AdminTimeout.Duration)
	defer cancel()
	st, err := c.fsm.WaitFor(wctx, func(st FsmState) bool { return st != STATE_LOG_READY_WFI })
	if err != nil {
		c.fsm.Post(EVENT_LOG_READY_RECEIVED, err)
		return nil, err
	}
	if st == STATE_ABORT {
		return nil, fmt.Errorf("copro-service.ReadLog %s: %w", c.name, ErrAborted)
	}
	return s.readLogRegion()
}

// readLogRegion returns the length prefixed record at the start of REGION_LOG
func (s *Service) readLogRegion() ([]byte, error) {
	r, err := s.c.regions.lookupMapped(REGION_LOG)
	if err != nil {
		return nil, err
	}
	mem := r.Bytes()
	if len(mem) < 4 {
		return nil, fmt.Errorf("copro-service: log region 0x%X: %w", len(mem), ErrRegionSize)
	}
	n := uint64(binary.LittleEndian.Uint32(mem))
	if n > uint64(len(mem)-4) {
		return nil, fmt.Errorf("copro-service: log length 0x%X in region 0x%X: %w", n, len(mem), ErrAdminResponse)
	}
	return append([]byte(nil), mem[4:4+n]...), nil
}

// CrashDump returns the crash record: from the log region once the
// coprocessor aborted, otherwise by asking the firmware
func (s *Service) CrashDump(ctx context.Context) ([]byte, error) {
	if s.c.fsm.State() == STATE_ABORT {
		return s.readLogRegion()
	}
	return s.c.admin.CrashInfo(ctx)
}

// Health echoes a fixed payload through the admin channel. After repeated failures
// the breaker opens and Health fails fast with ErrBusy.
func (s *Service) Health(ctx context.Context) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.c.admin.Echo(ctx, healthPayload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("copro-service.Health %s: %v: %w", s.c.name, err, ErrBusy)
	}
	return err
}

func (s *Service) HealthState() gobreaker.State {
	return s.breaker.State()
}

func (s *Service) Close() error {
	return s.c.Detach()
}
