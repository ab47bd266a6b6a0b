// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package copro

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminMsgCodec(t *testing.T) {
	msg := encodeAdminMsg(42, uint32(ADMIN_CMD_IPC_CREATE), []byte{1, 2, 3})
	assert.Len(t, msg, adminHdrSize+3)
	seq, word, payload, err := decodeAdminMsg(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), seq)
	assert.Equal(t, ADMIN_CMD_IPC_CREATE, AdminCmd(word))
	assert.Equal(t, []byte{1, 2, 3}, payload)

	_, _, _, err = decodeAdminMsg(msg[:adminHdrSize-1])
	assert.ErrorIs(t, err, ErrIpcBadHeader)
}

func TestAdminPayloads(t *testing.T) {
	args := ipcCreateArgs{Type: uint32(CH_EVENT), NFrames: 8, FrameSize: 256, Signal: uint32(SIGNAL_DOORBELL),
		RxIOVA: 0x80010000, TxIOVA: 0x80011000}
	b := structToBytes(&args)
	assert.Len(t, b, 32)
	var got ipcCreateArgs
	require.NoError(t, bytesToStruct(b, &got))
	if diff := cmp.Diff(args, got); diff != "" {
		t.Errorf("ipc create args mismatch (-want +got):\n%s", diff)
	}

	var blob configBlob
	assert.Error(t, bytesToStruct(b[:8], &blob))
	assert.Equal(t, "CRASH_INFO", ADMIN_CMD_CRASH_INFO.String())
	assert.Equal(t, "AdminCmd(99)", AdminCmd(99).String())
	assert.Equal(t, uint32(0x00010002), adminVersion(1, 2))
}

func TestAdminCommandKinds(t *testing.T) {
	a := newAdmin(nil, NewFsm(nil), testConfig(), nil)
	ctx := context.Background()

	// these are answered with an interrupt, never a response frame
	for _, cmd := range []AdminCmd{ADMIN_CMD_ENTER_SC7, ADMIN_CMD_LOG_FLUSH, numAdminCmds} {
		_, err := a.Call(ctx, cmd, nil)
		assert.ErrorIs(t, err, ErrBadAdminCmd, "%s", cmd)
	}
	assert.ErrorIs(t, a.Send(ctx, ADMIN_CMD_ECHO, nil), ErrBadAdminCmd)

	_, err := a.Call(ctx, ADMIN_CMD_VERSION, nil)
	assert.ErrorIs(t, err, ErrBadSequence, "not booted")
}

func TestAdminConcurrentCalls(t *testing.T) {
	c, _ := bootedSim(t)
	ctx := context.Background()
	errs := make(chan error, 4)
	for i := 0; i < cap(errs); i++ {
		go func() { errs <- c.Admin().Echo(ctx, []byte{byte(i), 0xA5}) }()
	}
	for i := 0; i < cap(errs); i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, STATE_IDLE, c.Fsm().State())
	assert.Zero(t, c.Fsm().Outstanding())
}
