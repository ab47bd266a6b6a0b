// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the lifecycle state machine of a coprocessor context
package copro

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

type FsmState uint8

const (
	STATE_IDLE FsmState = iota
	STATE_BOOT_WAIT
	STATE_MBOX_WFI
	STATE_ADMIN_WFI
	STATE_SC7_ENTER_WFI
	STATE_SC7_ENTERED
	STATE_LOG_READY_WFI
	STATE_ABORT
	numFsmStates
)

var fsmStateNames = [numFsmStates]string{
	"Idle", "BootWait", "MboxWfi", "AdminWfi", "Sc7EnterWfi", "Sc7Entered", "LogReadyWfi", "Abort",
}

func (s FsmState) String() string {
	if s < numFsmStates {
		return fsmStateNames[s]
	}
	return fmt.Sprintf("FsmState(%d)", uint8(s))
}

type FsmEvent uint8

const (
	EVENT_FSM_START FsmEvent = iota
	EVENT_FSM_STOP
	EVENT_BOOT_COMPLETE_REQUESTED
	EVENT_BOOT_COMPLETE_RECEIVED
	EVENT_MBOX_IPC_REQUESTED
	EVENT_MBOX_IPC_RECEIVED
	EVENT_ADMIN_IPC_REQUESTED
	EVENT_ADMIN_IPC_RECEIVED
	EVENT_SC7_ENTER_REQUESTED
	EVENT_SC7_ENTERED_RECEIVED
	EVENT_SC7_EXIT_RECEIVED
	EVENT_LOG_REQUESTED
	EVENT_LOG_READY_RECEIVED
	EVENT_ABORT_RECEIVED
	EVENT_CRASH_LOG_RECEIVED
	EVENT_LOG_OVERFLOW_RECEIVED
	numFsmEvents
)

var fsmEventNames = [numFsmEvents]string{
	"FsmStart", "FsmStop",
	"BootCompleteRequested", "BootCompleteReceived",
	"MboxIpcRequested", "MboxIpcReceived",
	"AdminIpcRequested", "AdminIpcReceived",
	"Sc7EnterRequested", "Sc7EnteredReceived", "Sc7ExitReceived",
	"LogRequested", "LogReadyReceived",
	"AbortReceived", "CrashLogReceived", "LogOverflowReceived",
}

func (e FsmEvent) String() string {
	if e < numFsmEvents {
		return fsmEventNames[e]
	}
	return fmt.Sprintf("FsmEvent(%d)", uint8(e))
}

// Fsm serializes every lifecycle event of one context. All transitions are
// taken under lock; WaitFor callers are woken on each of them.
type Fsm struct {
	metrics *Metrics

	lock        sync.Mutex
	state       FsmState
	started     bool
	booted      bool
	outstanding int
	changed     chan struct{}
}

func NewFsm(m *Metrics) *Fsm {
	f := &Fsm{
		metrics: m,
		changed: make(chan struct{}),
	}
	m.fsmState(STATE_IDLE)
	return f
}

// next returns the state event leads to from the current state, or false if
// the event is not valid there. f.lock must be held.
func (f *Fsm) next(ev FsmEvent) (FsmState, bool) {
	s := f.state
	switch ev {
	case EVENT_ABORT_RECEIVED, EVENT_CRASH_LOG_RECEIVED:
		return STATE_ABORT, true
	case EVENT_LOG_OVERFLOW_RECEIVED:
		return s, s != STATE_ABORT
	case EVENT_FSM_START:
		return STATE_IDLE, s == STATE_IDLE && !f.started
	case EVENT_FSM_STOP:
		return STATE_IDLE, (s == STATE_IDLE || s == STATE_SC7_ENTERED) && f.started
	case EVENT_BOOT_COMPLETE_REQUESTED:
		return STATE_BOOT_WAIT, s == STATE_IDLE && f.started && !f.booted
	case EVENT_BOOT_COMPLETE_RECEIVED:
		return STATE_IDLE, s == STATE_BOOT_WAIT
	case EVENT_MBOX_IPC_REQUESTED:
		return STATE_MBOX_WFI, s == STATE_IDLE && f.booted
	case EVENT_MBOX_IPC_RECEIVED:
		return STATE_IDLE, s == STATE_MBOX_WFI
	case EVENT_ADMIN_IPC_REQUESTED:
		return STATE_ADMIN_WFI, (s == STATE_IDLE || s == STATE_ADMIN_WFI) && f.booted
	case EVENT_ADMIN_IPC_RECEIVED:
		if s != STATE_ADMIN_WFI {
			return s, false
		}
		if f.outstanding > 1 {
			return STATE_ADMIN_WFI, true
		}
		return STATE_IDLE, true
	case EVENT_SC7_ENTER_REQUESTED:
		return STATE_SC7_ENTER_WFI, s == STATE_IDLE && f.booted
	case EVENT_SC7_ENTERED_RECEIVED:
		return STATE_SC7_ENTERED, s == STATE_SC7_ENTER_WFI
	case EVENT_SC7_EXIT_RECEIVED:
		return STATE_IDLE, s == STATE_SC7_ENTERED
	case EVENT_LOG_REQUESTED:
		return STATE_LOG_READY_WFI, s == STATE_IDLE && f.booted
	case EVENT_LOG_READY_RECEIVED:
		return STATE_IDLE, s == STATE_LOG_READY_WFI
	}
	return s, false
}

// Post is the single entry point for lifecycle events. An event that is not
// valid in the current state leaves the state unchanged and returns
// ErrBadSequence. Abort and crash are taken from any state.
func (f *Fsm) Post(ev FsmEvent, params ...any) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	from := f.state
	to, ok := f.next(ev)
	if !ok {
		f.metrics.fsmRejected(ev, from)
		klog.ErrorS(ErrBadSequence, "copro-fsm.Post event not valid in state", "event", ev, "state", from,
			"started", f.started, "booted", f.booted, "outstanding", f.outstanding, "params", params)
		return fmt.Errorf("copro-fsm: %s in %s: %w", ev, from, ErrBadSequence)
	}

	switch ev {
	case EVENT_FSM_START:
		f.started = true
	case EVENT_FSM_STOP:
		f.started = false
		f.booted = false
		f.outstanding = 0
	case EVENT_BOOT_COMPLETE_RECEIVED:
		f.booted = true
	case EVENT_MBOX_IPC_REQUESTED, EVENT_ADMIN_IPC_REQUESTED, EVENT_SC7_ENTER_REQUESTED, EVENT_LOG_REQUESTED:
		f.outstanding++
	case EVENT_MBOX_IPC_RECEIVED, EVENT_ADMIN_IPC_RECEIVED, EVENT_SC7_ENTERED_RECEIVED, EVENT_LOG_READY_RECEIVED:
		if f.outstanding > 0 {
			f.outstanding--
		}
	case EVENT_ABORT_RECEIVED, EVENT_CRASH_LOG_RECEIVED:
		f.outstanding = 0
	}
	f.state = to
	f.metrics.fsmTransition(ev, to)
	if from != to || ev == EVENT_ADMIN_IPC_REQUESTED || ev == EVENT_ADMIN_IPC_RECEIVED {
		f.notify()
	}
	lvl := klog.Level(DBG_LVL_DETAIL)
	if to == STATE_ABORT || ev == EVENT_LOG_OVERFLOW_RECEIVED {
		lvl = DBG_LVL_DEFAUILT
	}
	klog.V(lvl).InfoS("copro-fsm.Post", "event", ev, "from", from, "to", to, "outstanding", f.outstanding, "params", params)
	return nil
}

// notify wakes WaitFor callers; f.lock must be held
func (f *Fsm) notify() {
	close(f.changed)
	f.changed = make(chan struct{})
	f.metrics.fsmState(f.state)
}

func (f *Fsm) State() FsmState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

func (f *Fsm) Booted() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.booted
}

func (f *Fsm) Started() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.started
}

func (f *Fsm) Outstanding() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.outstanding
}

// WaitFor blocks until pred accepts the current state or ctx ends, and
// returns the last state seen
func (f *Fsm) WaitFor(ctx context.Context, pred func(FsmState) bool) (FsmState, error) {
	for {
		f.lock.Lock()
		s, changed := f.state, f.changed
		f.lock.Unlock()
		if pred(s) {
			return s, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s, fmt.Errorf("copro-fsm.WaitFor in %s: %v: %w", s, ctx.Err(), ErrTimerExpired)
		}
	}
}

// Recover is the explicit way out of Abort: the machine returns to a
// stopped, unbooted Idle
func (f *Fsm) Recover() {
	f.lock.Lock()
	defer f.lock.Unlock()
	from := f.state
	f.state = STATE_IDLE
	f.started = false
	f.booted = false
	f.outstanding = 0
	f.notify()
	klog.V(DBG_LVL_BASIC).InfoS("copro-fsm.Recover", "from", from)
}
