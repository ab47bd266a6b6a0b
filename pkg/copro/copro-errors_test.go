// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package copro

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	assert.Equal(t, ErrSuccess, Code(nil))
	assert.Equal(t, ErrOther, Code(errors.New("plain")))
	assert.Equal(t, ErrIpcNoData, Code(ErrIpcNoData))

	wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrMemNotMapped))
	assert.Equal(t, ErrMemNotMapped, Code(wrapped))
	assert.ErrorIs(t, wrapped, ErrMemNotMapped)

	// the first code in the chain wins
	both := fmt.Errorf("boot: %w: %w", ErrRmBootstrap, ErrTimerExpired)
	assert.Equal(t, ErrRmBootstrap, Code(both))
	assert.ErrorIs(t, both, ErrTimerExpired)
}

func TestErrCodeNames(t *testing.T) {
	for c := ErrSuccess; c < errCodeMax; c++ {
		assert.NotEmpty(t, errCodeNames[c], "code %d has no name", c)
	}
	assert.Equal(t, "copro: ipc no data", ErrIpcNoData.Error())
	assert.Contains(t, ErrCode(0x999).Error(), "0x999")
	assert.Equal(t, ErrTimerExpired, ErrTimeout)
}

func TestIsBackpressure(t *testing.T) {
	assert.True(t, IsBackpressure(fmt.Errorf("send: %w", ErrIpcNoBuffers)))
	assert.True(t, IsBackpressure(ErrInterfaceLocked))
	assert.True(t, IsBackpressure(ErrBusy))
	assert.False(t, IsBackpressure(ErrTimerExpired))
	assert.False(t, IsBackpressure(nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Action
	}{
		{nil, ACTION_NONE},
		{ErrIpcNoBuffers, ACTION_RETRY},
		{ErrInterfaceLocked, ACTION_RETRY},
		{fmt.Errorf("mbox: %w", ErrTimerExpired), ACTION_RETRY},
		{ErrIpcNotReady, ACTION_RETRY},
		{ErrAborted, ACTION_RELOAD_FIRMWARE},
		{ErrBadFirmware, ACTION_RELOAD_FIRMWARE},
		{fmt.Errorf("boot: %w: %w", ErrRmBootstrap, ErrIpcInit), ACTION_RELOAD_FIRMWARE},
		{ErrBootCmdFailed, ACTION_RELOAD_FIRMWARE},
		{ErrBadSequence, ACTION_REPORT_AND_DISABLE},
		{ErrInterfaceIncompatible, ACTION_REPORT_AND_DISABLE},
		{errors.New("foreign"), ACTION_REPORT_AND_DISABLE},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "Classify(%v)", tt.err)
	}
	assert.Equal(t, "request-firmware-reload", ACTION_RELOAD_FIRMWARE.String())
}
