// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the result codes shared by every layer of the coprocessor core
package copro

import (
	"errors"
	"fmt"
)

// ErrCode : closed set of result codes. The numeric values are stable; the
// coprocessor firmware reports the same numbers in admin responses.
type ErrCode uint32

const (
	ErrSuccess ErrCode = iota
	ErrNotImplemented
	ErrBadSequence
	ErrMemNotFound
	ErrMemNotMapped
	ErrMemAlreadyMapped
	ErrMemSize
	ErrRegionSize
	ErrNullPtr
	ErrTimerInvalid
	ErrTimerExpired
	ErrIpcBadType
	ErrIpcBadChannel
	ErrIpcBadHeader
	ErrIpcNoHandles
	ErrIpcMsgTooLarge
	ErrIpcNoBuffers
	ErrIpcNoData
	ErrIpcChanRegistered
	ErrIpcInit
	ErrIpcIvcErr
	ErrIpcNotReady
	ErrInterfaceLocked
	ErrInterfaceIncompatible
	ErrNotInitialized
	ErrBadHandle
	ErrBadAdminCmd
	ErrGpioInvalid
	ErrGpioBusy
	ErrGpioTimeout
	ErrRmBootstrap
	ErrBootCmdFailed
	ErrAborted
	ErrBadFirmware
	ErrAdminResponse
	ErrInvalidParam
	ErrBusy
	ErrShutDown
	ErrOther
	errCodeMax
)

// ErrTimeout is the name the mailbox layer uses for an expired wait.
const ErrTimeout = ErrTimerExpired

var errCodeNames = [errCodeMax]string{
	"success",
	"not implemented",
	"bad sequence",
	"memory region not found",
	"memory region not mapped",
	"memory region already mapped",
	"memory budget exceeded",
	"region size mismatch",
	"null pointer",
	"timer invalid",
	"timer expired",
	"ipc bad type",
	"ipc bad channel",
	"ipc bad header",
	"ipc no handles",
	"ipc message too large",
	"ipc no buffers",
	"ipc no data",
	"ipc channel already registered",
	"ipc init failed",
	"ipc ivc error",
	"ipc channel not ready",
	"interface locked",
	"interface incompatible",
	"not initialized",
	"bad handle",
	"bad admin command",
	"gpio invalid",
	"gpio busy",
	"gpio timeout",
	"rm bootstrap failed",
	"boot command failed",
	"coprocessor aborted",
	"bad firmware",
	"admin response error",
	"invalid parameter",
	"busy",
	"shut down",
	"other",
}

func (e ErrCode) Error() string {
	if e < errCodeMax {
		return "copro: " + errCodeNames[e]
	}
	return fmt.Sprintf("copro: unknown error 0x%X", uint32(e))
}

// Code extracts the taxonomy code carried by err. Errors that did not originate
// in this package map to ErrOther.
func Code(err error) ErrCode {
	if err == nil {
		return ErrSuccess
	}
	var code ErrCode
	if errors.As(err, &code) {
		return code
	}
	return ErrOther
}

// IsBackpressure reports whether err is a transient condition the immediate
// caller should retry locally.
func IsBackpressure(err error) bool {
	switch Code(err) {
	case ErrInterfaceLocked, ErrIpcNoBuffers, ErrBusy:
		return true
	}
	return false
}

// Action : what a caller of the administrative surface should do about an error
type Action int

const (
	ACTION_NONE Action = iota
	ACTION_RETRY
	ACTION_REPORT_AND_DISABLE
	ACTION_RELOAD_FIRMWARE
)

func (a Action) String() string {
	switch a {
	case ACTION_NONE:
		return "none"
	case ACTION_RETRY:
		return "retry"
	case ACTION_REPORT_AND_DISABLE:
		return "report-and-disable"
	case ACTION_RELOAD_FIRMWARE:
		return "request-firmware-reload"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Classify translates an internal error into the action the administrative
// surface exposes to its callers.
func Classify(err error) Action {
	if err == nil {
		return ACTION_NONE
	}
	switch Code(err) {
	case ErrInterfaceLocked, ErrIpcNoBuffers, ErrBusy, ErrTimerExpired, ErrIpcNotReady:
		return ACTION_RETRY
	case ErrAborted, ErrBadFirmware, ErrRmBootstrap, ErrBootCmdFailed:
		return ACTION_RELOAD_FIRMWARE
	}
	return ACTION_REPORT_AND_DISABLE
}
