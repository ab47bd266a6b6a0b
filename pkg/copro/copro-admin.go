// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the admin RPC protocol over the admin IPC channel.
// Requests carry a sequence number the firmware echoes in its response, so
// several requests may be outstanding at once.
package copro

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

type AdminCmd uint32

const (
	ADMIN_CMD_ECHO AdminCmd = iota
	ADMIN_CMD_VERSION
	ADMIN_CMD_IPC_CREATE
	ADMIN_CMD_RM_BOOTSTRAP
	ADMIN_CMD_PREPARE_SC7
	ADMIN_CMD_ENTER_SC7
	ADMIN_CMD_LOG_FLUSH
	ADMIN_CMD_CRASH_INFO
	numAdminCmds
)

var adminCmdNames = [numAdminCmds]string{
	"ECHO", "VERSION", "IPC_CREATE", "RM_BOOTSTRAP", "PREPARE_SC7", "ENTER_SC7", "LOG_FLUSH", "CRASH_INFO",
}

func (c AdminCmd) String() string {
	if c < numAdminCmds {
		return adminCmdNames[c]
	}
	return fmt.Sprintf("AdminCmd(%d)", uint32(c))
}

const (
	adminHdrSize    = 8  // request: seq, cmd. response: seq, error code
	adminMsgMinSize = 64 // smallest admin frame able to carry every request

	ADMIN_VERSION_MAJOR = 1
	ADMIN_VERSION_MINOR = 2
	CONFIG_BLOB_MAGIC   = 0x46435043 // "CPCF"
)

func adminVersion(major, minor uint32) uint32 {
	return major<<16 | minor&0xFFFF
}

// IPC_CREATE request payload
type ipcCreateArgs struct {
	Type      uint32
	NFrames   uint32
	FrameSize uint32
	Signal    uint32
	RxIOVA    uint64
	TxIOVA    uint64
}

// RM_BOOTSTRAP request payload
type rmBootstrapArgs struct {
	AdminIOVA  uint64
	AdminSize  uint64
	ConfigIOVA uint64
	ConfigSize uint64
}

// configBlob is written to the start of REGION_CONFIG before RM_BOOTSTRAP
type configBlob struct {
	Magic       uint32
	Version     uint32
	StreamID    uint32
	NumChannels uint32
	LogIOVA     uint64
	LogSize     uint64
}

// Struct to byte array conversion
func structToBytes(s any) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// Byte array to struct conversion
func bytesToStruct(b []byte, s any) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, s)
}

func encodeAdminMsg(seq, word uint32, payload []byte) []byte {
	msg := make([]byte, adminHdrSize+len(payload))
	binary.LittleEndian.PutUint32(msg[0:], seq)
	binary.LittleEndian.PutUint32(msg[4:], word)
	copy(msg[adminHdrSize:], payload)
	return msg
}

func decodeAdminMsg(msg []byte) (seq, word uint32, payload []byte, err error) {
	if len(msg) < adminHdrSize {
		return 0, 0, nil, fmt.Errorf("copro-admin: %d byte message: %w", len(msg), ErrIpcBadHeader)
	}
	return binary.LittleEndian.Uint32(msg[0:]), binary.LittleEndian.Uint32(msg[4:]), msg[adminHdrSize:], nil
}

type adminResult struct {
	code    ErrCode
	payload []byte
	err     error
}

type adminCall struct {
	cmd  AdminCmd
	done chan adminResult
}

type Admin struct {
	ipc           *IpcLayer
	fsm           *Fsm
	metrics       *Metrics
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	logLimit      *rate.Limiter

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]*adminCall
}

func newAdmin(ipc *IpcLayer, fsm *Fsm, cfg Config, m *Metrics) *Admin {
	return &Admin{
		ipc:           ipc,
		fsm:           fsm,
		metrics:       m,
		timeout:       cfg.AdminTimeout.Duration,
		retries:       cfg.SendRetries,
		retryInterval: cfg.SendRetryInterval.Duration,
		logLimit:      rate.NewLimiter(rate.Every(time.Second), 5),
		pending:       make(map[uint32]*adminCall),
	}
}

func (a *Admin) nextSeq() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

// send writes one request frame, retrying a full ring with a bounded
// constant backoff
func (a *Admin) send(ctx context.Context, seq uint32, cmd AdminCmd, payload []byte) error {
	msg := encodeAdminMsg(seq, uint32(cmd), payload)
	op := func() error {
		err := a.ipc.Send(CH_ADMIN, msg)
		if err != nil && !IsBackpressure(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryInterval), uint64(a.retries))
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("copro-admin %s seq %d: %w", cmd, seq, err)
	}
	klog.V(DBG_LVL_DETAIL).InfoS("copro-admin.send", "cmd", cmd, "seq", seq, "len", len(payload))
	return nil
}

// take removes the pending call for seq. Whoever takes a call owns posting
// its AdminIpcReceived and completing it.
func (a *Admin) take(seq uint32) *adminCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	call := a.pending[seq]
	delete(a.pending, seq)
	return call
}

// Call sends an admin request and waits for the response carrying its
// sequence number
func (a *Admin) Call(ctx context.Context, cmd AdminCmd, payload []byte) ([]byte, error) {
	if cmd >= numAdminCmds || cmd == ADMIN_CMD_ENTER_SC7 || cmd == ADMIN_CMD_LOG_FLUSH {
		return nil, fmt.Errorf("copro-admin.Call %s: %w", cmd, ErrBadAdminCmd)
	}
	if err := a.fsm.Post(EVENT_ADMIN_IPC_REQUESTED, cmd); err != nil {
		return nil, err
	}
	seq := a.nextSeq()
	call := &adminCall{cmd: cmd, done: make(chan adminResult, 1)}
	a.mu.Lock()
	a.pending[seq] = call
	a.mu.Unlock()

	var err error
	if err = a.send(ctx, seq, cmd, payload); err == nil {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		select {
		case res := <-call.done:
			return a.result(cmd, res)
		case <-ctx.Done():
			err = fmt.Errorf("copro-admin %s seq %d: %v: %w", cmd, seq, ctx.Err(), ErrTimerExpired)
		case <-timer.C:
			err = fmt.Errorf("copro-admin %s seq %d: no response in %s: %w", cmd, seq, a.timeout, ErrTimerExpired)
		}
	}
	if a.take(seq) == nil {
		// completed concurrently
		return a.result(cmd, <-call.done)
	}
	a.fsm.Post(EVENT_ADMIN_IPC_RECEIVED, cmd, err)
	klog.ErrorS(err, "copro-admin.Call failed", "cmd", cmd, "seq", seq)
	return nil, err
}

func (a *Admin) result(cmd AdminCmd, res adminResult) ([]byte, error) {
	if res.err != nil {
		return nil, res.err
	}
	if res.code != ErrSuccess {
		return res.payload, fmt.Errorf("copro-admin %s: firmware returned %w", cmd, res.code)
	}
	return res.payload, nil
}

// Send writes a request the firmware answers with an interrupt instead of
// a response frame
func (a *Admin) Send(ctx context.Context, cmd AdminCmd, payload []byte) error {
	if cmd != ADMIN_CMD_ENTER_SC7 && cmd != ADMIN_CMD_LOG_FLUSH {
		return fmt.Errorf("copro-admin.Send %s: %w", cmd, ErrBadAdminCmd)
	}
	return a.send(ctx, a.nextSeq(), cmd, payload)
}

// drain runs on the deferred worker and completes the calls whose responses
// are waiting in the admin channel
func (a *Admin) drain() {
	for {
		msg, err := a.ipc.Receive(CH_ADMIN)
		if err != nil {
			if Code(err) != ErrIpcNoData && Code(err) != ErrIpcNotReady {
				klog.ErrorS(err, "copro-admin.drain receive failed")
			}
			return
		}
		seq, code, payload, err := decodeAdminMsg(msg)
		if err != nil {
			klog.ErrorS(err, "copro-admin.drain malformed response dropped")
			continue
		}
		call := a.take(seq)
		if call == nil {
			if a.logLimit.Allow() {
				klog.V(DBG_LVL_BASIC).InfoS("copro-admin.drain stale response dropped", "seq", seq, "code", ErrCode(code))
			}
			continue
		}
		a.fsm.Post(EVENT_ADMIN_IPC_RECEIVED, call.cmd, seq)
		call.done <- adminResult{code: ErrCode(code), payload: payload}
	}
}

// failAll completes every outstanding call with err, after the coprocessor
// stopped answering
func (a *Admin) failAll(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for seq, call := range a.pending {
		delete(a.pending, seq)
		call.done <- adminResult{err: fmt.Errorf("copro-admin %s seq %d: %w", call.cmd, seq, err)}
	}
}

func (a *Admin) Echo(ctx context.Context, data []byte) error {
	resp, err := a.Call(ctx, ADMIN_CMD_ECHO, data)
	if err != nil {
		return err
	}
	if !bytes.Equal(resp, data) {
		return fmt.Errorf("copro-admin ECHO: %d bytes came back, sent %d: %w", len(resp), len(data), ErrAdminResponse)
	}
	return nil
}

// Version returns the firmware admin interface version and checks the major
func (a *Admin) Version(ctx context.Context) (uint32, error) {
	resp, err := a.Call(ctx, ADMIN_CMD_VERSION, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, fmt.Errorf("copro-admin VERSION: %d byte payload: %w", len(resp), ErrAdminResponse)
	}
	v := binary.LittleEndian.Uint32(resp)
	if v>>16 != ADMIN_VERSION_MAJOR {
		return v, fmt.Errorf("copro-admin VERSION: firmware %d.%d, host %d.%d: %w",
			v>>16, v&0xFFFF, ADMIN_VERSION_MAJOR, ADMIN_VERSION_MINOR, ErrInterfaceIncompatible)
	}
	return v, nil
}

func (a *Admin) IpcCreate(ctx context.Context, info QueueInfo) error {
	args := ipcCreateArgs{
		Type:      uint32(info.Type),
		NFrames:   info.NFrames,
		FrameSize: info.FrameSize,
		Signal:    uint32(info.Signal),
		RxIOVA:    info.RxIOVA,
		TxIOVA:    info.TxIOVA,
	}
	_, err := a.Call(ctx, ADMIN_CMD_IPC_CREATE, structToBytes(&args))
	return err
}

func (a *Admin) RmBootstrap(ctx context.Context, admin, config *Region) error {
	args := rmBootstrapArgs{
		AdminIOVA:  admin.IOVA,
		AdminSize:  admin.Size,
		ConfigIOVA: config.IOVA,
		ConfigSize: config.Size,
	}
	_, err := a.Call(ctx, ADMIN_CMD_RM_BOOTSTRAP, structToBytes(&args))
	return err
}

func (a *Admin) CrashInfo(ctx context.Context) ([]byte, error) {
	return a.Call(ctx, ADMIN_CMD_CRASH_INFO, nil)
}

func (a *Admin) PrepareSc7(ctx context.Context) error {
	_, err := a.Call(ctx, ADMIN_CMD_PREPARE_SC7, nil)
	return err
}
