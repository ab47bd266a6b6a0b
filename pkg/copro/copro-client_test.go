// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package copro

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	h    Handle
	t    ClientType
	msg  []byte
	data any
}

func collect(ch chan delivery) ClientCallback {
	return func(h Handle, t ClientType, msg []byte, data any) {
		ch <- delivery{h: h, t: t, msg: msg, data: data}
	}
}

func TestHandle(t *testing.T) {
	h := newHandle(CLIENT_EVENT, 7)
	ct, ok := h.clientType()
	require.True(t, ok)
	assert.Equal(t, CLIENT_EVENT, ct)
	assert.Equal(t, "0x03000007", h.String())

	_, ok = Handle(0).clientType()
	assert.False(t, ok)
	_, ok = newHandle(numClientTypes, 1).clientType()
	assert.False(t, ok)

	// the generation wraps inside its field and never touches the type
	ct, ok = newHandle(CLIENT_MGMT, handleGenMask+2).clientType()
	require.True(t, ok)
	assert.Equal(t, CLIENT_MGMT, ct)
}

func TestClientRegister(t *testing.T) {
	c, _ := bootedSim(t)
	r := c.Clients()
	cb := func(Handle, ClientType, []byte, any) {}

	_, err := r.Register(CLIENT_MGMT, nil, nil)
	assert.ErrorIs(t, err, ErrNullPtr)
	_, err = r.Register(numClientTypes, cb, nil)
	assert.ErrorIs(t, err, ErrIpcBadType)

	h, err := r.Register(CLIENT_MGMT, cb, nil)
	require.NoError(t, err)
	assert.NotZero(t, c.Ipc().ChannelFlags(CH_MGMT)&CH_FLAG_REGISTERED)
	_, err = r.Register(CLIENT_MGMT, cb, nil)
	assert.ErrorIs(t, err, ErrIpcChanRegistered)

	require.NoError(t, r.Unregister(h))
	assert.Zero(t, c.Ipc().ChannelFlags(CH_MGMT)&CH_FLAG_REGISTERED)
	assert.ErrorIs(t, r.Unregister(h), ErrBadHandle)
	assert.ErrorIs(t, r.Unregister(Handle(0)), ErrBadHandle)

	// a new registration never revives the old handle
	h2, err := r.Register(CLIENT_MGMT, cb, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	_, err = r.SendReceive(context.Background(), h, []byte("stale"))
	assert.ErrorIs(t, err, ErrBadHandle)
}

func TestClientSendReceive(t *testing.T) {
	c, _ := bootedSim(t)
	r := c.Clients()
	async := make(chan delivery, 4)
	h, err := r.Register(CLIENT_MGMT, collect(async), nil)
	require.NoError(t, err)

	for _, req := range []string{"status", "reset-counters", ""} {
		resp, err := r.SendReceive(context.Background(), h, []byte(req))
		require.NoError(t, err, "request %q", req)
		assert.Equal(t, req, string(resp))
	}
	assert.Empty(t, async, "replies must not reach the callback")

	info, err := c.Ipc().ChannelInfo(CH_MGMT)
	require.NoError(t, err)
	_, err = r.SendReceive(context.Background(), h, make([]byte, info.FrameSize))
	assert.ErrorIs(t, err, ErrIpcMsgTooLarge)
}

func TestClientEventDispatch(t *testing.T) {
	c, hw := bootedSim(t)
	r := c.Clients()
	async := make(chan delivery, 8)
	h, err := r.Register(CLIENT_EVENT, collect(async), "event-ctx")
	require.NoError(t, err)
	intruder := make(chan delivery, 1)
	_, err = r.Register(CLIENT_EVENT, collect(intruder), "other")
	require.ErrorIs(t, err, ErrIpcChanRegistered)

	require.NoError(t, hw.InjectEvent(CH_EVENT, []byte("thermal")))
	select {
	case d := <-async:
		assert.Equal(t, h, d.h)
		assert.Equal(t, CLIENT_EVENT, d.t)
		assert.Equal(t, []byte("thermal"), d.msg)
		assert.Equal(t, "event-ctx", d.data)
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.Metrics().dispatches.WithLabelValues("event")) == 1
	}, time.Second, time.Millisecond)
}

func TestClientEventBurst(t *testing.T) {
	c, hw := bootedSim(t)
	async := make(chan delivery, 16)
	_, err := c.Clients().Register(CLIENT_EVENT, collect(async), nil)
	require.NoError(t, err)

	// more events than the ring holds and than there are dispatch slots
	info, err := c.Ipc().ChannelInfo(CH_EVENT)
	require.NoError(t, err)
	sent := 0
	for sent < int(info.NFrames)+4 {
		if err := hw.InjectEvent(CH_EVENT, []byte{byte(sent)}); err != nil {
			require.ErrorIs(t, err, ErrIpcNoBuffers)
			time.Sleep(time.Millisecond)
			continue
		}
		sent++
	}
	seen := make(map[byte]bool)
	for len(seen) < sent {
		select {
		case d := <-async:
			seen[d.msg[0]] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("%d of %d events dispatched", len(seen), sent)
		}
	}
}

func TestClientUnregisterWaitsForCallback(t *testing.T) {
	c, hw := bootedSim(t)
	r := c.Clients()
	started := make(chan struct{})
	release := make(chan struct{})
	h, err := r.Register(CLIENT_EVENT, func(Handle, ClientType, []byte, any) {
		close(started)
		<-release
	}, nil)
	require.NoError(t, err)

	require.NoError(t, hw.InjectEvent(CH_EVENT, []byte("slow")))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not started")
	}

	done := make(chan error, 1)
	go func() { done <- r.Unregister(h) }()
	select {
	case <-done:
		t.Fatal("Unregister returned while the callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister did not return")
	}

	// nobody listens any more: the event is dropped, not queued
	require.NoError(t, hw.InjectEvent(CH_EVENT, []byte("late")))
	require.Eventually(t, func() bool { return !c.Ipc().DataAvailable(CH_EVENT) }, time.Second, time.Millisecond)
}

func TestClientRequestAfterAbort(t *testing.T) {
	c, hw := bootedSim(t)
	r := c.Clients()
	h, err := r.Register(CLIENT_SECURITY, collect(make(chan delivery, 1)), nil)
	require.NoError(t, err)

	// the firmware stops answering before the request goes out
	require.NoError(t, hw.InjectAbort())
	waitState(t, c, STATE_ABORT)
	_, err = r.SendReceive(context.Background(), h, []byte("key"))
	assert.Error(t, err)
	assert.Equal(t, ACTION_RETRY, Classify(err), "no reply within the timeout")
}

func TestClientOrphanReplyHeld(t *testing.T) {
	c, _ := bootedSim(t)
	r := c.Clients()
	async := make(chan delivery, 2)
	_, err := r.Register(CLIENT_EVENT, collect(async), nil)
	require.NoError(t, err)

	// every dispatch slot busy when a reply turns up with nobody waiting
	n := int64(c.Config().AsyncSlots)
	require.True(t, r.sem.TryAcquire(n))
	r.dispatchOrHold(CLIENT_EVENT, []byte("orphan"))
	assert.True(t, r.hasHeld(CLIENT_EVENT))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().backpress.WithLabelValues("dispatch-event")))
	assert.Zero(t, testutil.ToFloat64(c.Metrics().dropped))

	// a second one while the first still waits is counted
	r.dispatchOrHold(CLIENT_EVENT, []byte("second"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().dropped))

	r.sem.Release(n)
	r.rescan()
	select {
	case d := <-async:
		assert.Equal(t, []byte("orphan"), d.msg)
	case <-time.After(2 * time.Second):
		t.Fatal("held message not dispatched")
	}
	assert.False(t, r.hasHeld(CLIENT_EVENT))
}
