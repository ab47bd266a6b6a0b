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

type ipcFixture struct {
	hw      *fakeHW
	mb      *Mailbox
	regions *RegionManager
	ipc     *IpcLayer
	metrics *Metrics
	data    chan ChannelType
}

func newIpcFixture(t *testing.T) *ipcFixture {
	t.Helper()
	cfg := testConfig()
	infos, size, err := ipcLayout(cfg)
	require.NoError(t, err)

	f := &ipcFixture{hw: newFakeHW(), metrics: NewMetrics("ipc-test"), data: make(chan ChannelType, 16)}
	q := newWorkQueue("test", 16, 1)
	t.Cleanup(q.stop)
	f.mb = NewMailbox(f.hw, time.Second, time.Millisecond, q.schedule, f.metrics)
	f.hw.SetIRQHandler(f.mb.HandleSlot)
	f.regions = NewRegionManager(f.hw, 1<<20)
	_, err = f.regions.Reserve(REGION_IPC, size)
	require.NoError(t, err)
	_, err = f.regions.Map(REGION_IPC)
	require.NoError(t, err)

	f.ipc = NewIpcLayer(f.hw, f.mb, f.regions, f.metrics)
	f.ipc.SetDataHandler(func(t ChannelType) { f.data <- t })
	for _, info := range infos {
		_, err := f.ipc.ChannelInit(info)
		require.NoError(t, err)
	}
	return f
}

// remote builds the coprocessor end of channel ct, ringing the host through
// the channel's mailbox receive slot
func (f *ipcFixture) remote(t *testing.T, ct ChannelType) *ivc {
	t.Helper()
	info, err := f.ipc.ChannelInfo(ct)
	require.NoError(t, err)
	r, err := f.regions.Lookup(REGION_IPC)
	require.NoError(t, err)
	q := ivcQueueSize(info.NFrames, info.FrameSize)
	mem := r.Bytes()
	slot := channelMailbox[ct].recv
	end, err := newIvc(mem[info.TxOffset:info.TxOffset+q], mem[info.RxOffset:info.RxOffset+q], info.NFrames, info.FrameSize,
		func() { f.hw.fire(slot, IPC_SIGNAL_NOTIFY) })
	require.NoError(t, err)
	return end
}

func (f *ipcFixture) sync(t *testing.T, ct ChannelType) *ivc {
	t.Helper()
	end := f.remote(t, ct)
	require.NoError(t, f.ipc.ChannelReset(ct))
	end.notified()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.ipc.WaitReady(ctx, ct))
	require.True(t, end.notified())
	return end
}

func TestIpcLayout(t *testing.T) {
	cfg := testConfig()
	infos, size, err := ipcLayout(cfg)
	require.NoError(t, err)
	require.Len(t, infos, len(channelTypes))

	var ofs uint64
	for i, info := range infos {
		assert.Equal(t, channelTypes[i], info.Type)
		q := ivcQueueSize(info.NFrames, info.FrameSize)
		assert.Equal(t, ofs, info.RxOffset, "%s rx", info.Type)
		assert.Equal(t, ofs+q, info.TxOffset, "%s tx", info.Type)
		ofs += 2 * q
	}
	assert.Equal(t, nextPow2(ofs), size)
	assert.Equal(t, SIGNAL_DOORBELL, infos[CH_EVENT].Signal)
	assert.Equal(t, SIGNAL_MAILBOX, infos[CH_ADMIN].Signal)

	assert.Equal(t, uint64(1), nextPow2(0))
	assert.Equal(t, uint64(4096), nextPow2(4096))
	assert.Equal(t, uint64(8192), nextPow2(4097))
}

func TestIpcChannelInit(t *testing.T) {
	f := newIpcFixture(t)

	assert.Equal(t, CH_FLAG_VALID|CH_FLAG_INITIALIZED|CH_FLAG_MSG_HEADER, f.ipc.ChannelFlags(CH_ADMIN))
	assert.Equal(t, CH_FLAG_VALID|CH_FLAG_INITIALIZED|CH_FLAG_MSG_HEADER|CH_FLAG_RM_ALLOWED, f.ipc.ChannelFlags(CH_MGMT))
	assert.Equal(t, "VALID|INITIALIZED|MSG_HEADER", f.ipc.ChannelFlags(CH_ADMIN).String())

	info, err := f.ipc.ChannelInfo(CH_SECURITY)
	require.NoError(t, err)
	r, err := f.regions.Lookup(REGION_IPC)
	require.NoError(t, err)
	assert.Equal(t, r.IOVA+info.RxOffset, info.RxIOVA)
	assert.Equal(t, r.IOVA+info.TxOffset, info.TxIOVA)

	_, err = f.ipc.ChannelInit(info)
	assert.ErrorIs(t, err, ErrIpcInit)
	_, err = f.ipc.ChannelInit(QueueInfo{Type: numChannelTypes})
	assert.ErrorIs(t, err, ErrIpcBadType)

	f.ipc.ChannelDeinit(CH_SECURITY)
	assert.Zero(t, f.ipc.ChannelFlags(CH_SECURITY))
	_, err = f.ipc.ChannelInfo(CH_SECURITY)
	assert.ErrorIs(t, err, ErrIpcBadChannel)

	bad := info
	bad.TxOffset = r.Size
	_, err = f.ipc.ChannelInit(bad)
	assert.ErrorIs(t, err, ErrIpcInit)
	overlap := info
	overlap.TxOffset = info.RxOffset + 64
	_, err = f.ipc.ChannelInit(overlap)
	assert.ErrorIs(t, err, ErrIpcInit)
	_, err = f.ipc.ChannelInit(info)
	require.NoError(t, err)
}

func TestIpcChannelInitNeedsMappedRegion(t *testing.T) {
	hw := newFakeHW()
	regions := NewRegionManager(hw, 1<<20)
	l := NewIpcLayer(hw, NewMailbox(hw, time.Second, time.Millisecond, func(func()) bool { return true }, nil), regions, nil)
	_, err := l.ChannelInit(QueueInfo{Type: CH_MGMT, NFrames: 2, FrameSize: 64})
	assert.ErrorIs(t, err, ErrMemNotFound)
	_, err = regions.Reserve(REGION_IPC, 4096)
	require.NoError(t, err)
	_, err = l.ChannelInit(QueueInfo{Type: CH_MGMT, NFrames: 2, FrameSize: 64})
	assert.ErrorIs(t, err, ErrMemNotMapped)
}

func TestIpcChannelResetIdempotent(t *testing.T) {
	f := newIpcFixture(t)
	writes := f.hw.writeCount()

	require.NoError(t, f.ipc.ChannelReset(CH_MGMT))
	assert.Equal(t, writes+1, f.hw.writeCount())
	assert.Equal(t, uint32(IPC_SIGNAL_NOTIFY), f.hw.MailboxRead(MBOX_SLOT_MGMT_TX))

	// the coprocessor stays silent: another reset does nothing
	require.NoError(t, f.ipc.ChannelReset(CH_MGMT))
	assert.Equal(t, writes+1, f.hw.writeCount())
	assert.False(t, f.ipc.IsReady(CH_MGMT))

	assert.ErrorIs(t, f.ipc.ChannelReset(numChannelTypes), ErrIpcBadType)
}

func TestIpcDoorbellSignal(t *testing.T) {
	f := newIpcFixture(t)
	writes := f.hw.writeCount()
	require.NoError(t, f.ipc.ChannelReset(CH_EVENT))
	assert.Equal(t, uint32(1)<<uint32(CH_EVENT), f.hw.RegRead(REG_DOORBELL))
	assert.Equal(t, writes, f.hw.writeCount(), "doorbell channels never touch a mailbox slot")
}

func TestIpcHandshakeAndTraffic(t *testing.T) {
	f := newIpcFixture(t)
	assert.ErrorIs(t, f.ipc.Send(CH_MGMT, []byte("early")), ErrIpcNotReady)
	_, err := f.ipc.Receive(CH_MGMT)
	assert.ErrorIs(t, err, ErrIpcNotReady)

	end := f.sync(t, CH_MGMT)
	assert.True(t, f.ipc.IsReady(CH_MGMT))
	assert.NotZero(t, f.ipc.ChannelFlags(CH_MGMT)&CH_FLAG_SYNCED)

	require.NoError(t, f.ipc.Send(CH_MGMT, []byte("ping")))
	msg, err := end.read()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), msg)

	require.NoError(t, end.write([]byte("pong")))
	select {
	case ct := <-f.data:
		assert.Equal(t, CH_MGMT, ct)
	case <-time.After(time.Second):
		t.Fatal("data handler not called")
	}
	assert.True(t, f.ipc.DataAvailable(CH_MGMT))
	msg, err = f.ipc.Receive(CH_MGMT)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), msg)
	_, err = f.ipc.Receive(CH_MGMT)
	assert.ErrorIs(t, err, ErrIpcNoData)
}

func TestIpcBackpressure(t *testing.T) {
	f := newIpcFixture(t)
	f.sync(t, CH_SECURITY)
	info, err := f.ipc.ChannelInfo(CH_SECURITY)
	require.NoError(t, err)
	for i := uint32(0); i < info.NFrames; i++ {
		require.NoError(t, f.ipc.Send(CH_SECURITY, []byte{byte(i)}))
	}
	err = f.ipc.Send(CH_SECURITY, []byte("full"))
	assert.ErrorIs(t, err, ErrIpcNoBuffers)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.backpress.WithLabelValues("ipc-security")))
	assert.ErrorIs(t, f.ipc.Send(CH_SECURITY, make([]byte, info.FrameSize)), ErrIpcMsgTooLarge)
}

func TestIpcRemoteResetDesyncs(t *testing.T) {
	f := newIpcFixture(t)
	end := f.sync(t, CH_MGMT)

	// the coprocessor restarts the handshake on its own
	end.drop()
	end.reset()
	require.Eventually(t, func() bool { return !f.ipc.IsReady(CH_MGMT) }, time.Second, time.Millisecond)
	require.True(t, end.notified())
	require.Eventually(t, func() bool {
		return f.ipc.channels[CH_MGMT].ivc.established() && f.ipc.IsReady(CH_MGMT)
	}, time.Second, time.Millisecond)

	f.ipc.desync()
	assert.False(t, f.ipc.IsReady(CH_MGMT))
	assert.Equal(t, uint32(IVC_STATE_INIT), f.ipc.channels[CH_MGMT].ivc.localState())
}

func TestIpcWaitReadyTimeout(t *testing.T) {
	f := newIpcFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.ipc.WaitReady(ctx, CH_ADMIN), ErrTimerExpired)
	assert.ErrorIs(t, f.ipc.WaitReady(ctx, numChannelTypes), ErrIpcBadType)
}
