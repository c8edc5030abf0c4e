// Package detonerr defines the error taxonomy shared by every core
// component. Each member is a distinct exported type so callers can
// discriminate with errors.As, and each wraps an underlying cause with
// fmt.Errorf's %w the way the reference aegisvm daemon's own packages do
// (internal/vmm, internal/lifecycle never reach for a third-party errors
// package, so neither does this one).
package detonerr

import (
	"errors"
	"fmt"

	"github.com/iotsandbox/detonator/internal/sandbox"
)

// ConfigError wraps a missing or invalid configuration key, raised before
// any side effect occurs.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("config: missing required key %q", e.Key)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{Key: key, Err: err}
}

// QemuReason enumerates the fatal sub-causes a QemuError can carry.
type QemuReason string

const (
	ReasonAlreadyRunning           QemuReason = "already_running"
	ReasonNotStarted               QemuReason = "not_started"
	ReasonSpawnFailed              QemuReason = "spawn_failed"
	ReasonLoginFailed              QemuReason = "login_failed"
	ReasonMonitorHandshake         QemuReason = "monitor_handshake"
	ReasonUnsupportedMonitorOp     QemuReason = "unsupported_monitor_op"
	ReasonPromptTimeout            QemuReason = "prompt_timeout"
	ReasonExitParse                QemuReason = "exit_parse"
	ReasonOfflineOnlyArch          QemuReason = "offline_only_arch"
	ReasonStillRunning             QemuReason = "still_running"
	ReasonImageToolFailed          QemuReason = "image_tool_failed"
	ReasonAwaitingAlreadySet       QemuReason = "awaiting_already_set"
	ReasonAwaitingBlocksStop       QemuReason = "awaiting_blocks_stop"
	ReasonRemoteShellPkillRequired QemuReason = "remote_shell_pkill_required"
	ReasonMonitorError             QemuReason = "monitor_error"
)

// PipelineStage identifies which phase of the detonation pipeline
// failed, for logging and for deciding which compensating teardown steps
// to run.
type PipelineStage string

const (
	StageNetSetup     PipelineStage = "net_setup"
	StageVMStart      PipelineStage = "vm_start"
	StageTransferInit PipelineStage = "transfer_init"
	StageRun          PipelineStage = "run"
	StageTeardown     PipelineStage = "teardown"
)

// PipelineError carries the stage at which the detonation pipeline failed,
// so compensating teardown knows which resources to release.
type PipelineError struct {
	Stage PipelineStage
	Err   error
}

func (e *PipelineError) Error() string { return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err) }
func (e *PipelineError) Unwrap() error { return e.Err }

func NewPipelineError(stage PipelineStage, err error) *PipelineError {
	return &PipelineError{Stage: stage, Err: err}
}

// QemuError is the fatal error type for VM-controller failures.
type QemuError struct {
	Reason QemuReason
	Err    error
}

func (e *QemuError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("qemu: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("qemu: %s", e.Reason)
}

func (e *QemuError) Unwrap() error { return e.Err }

func NewQemuError(reason QemuReason, err error) *QemuError {
	return &QemuError{Reason: reason, Err: err}
}

// NetError wraps a failed privileged network command during setup.
// Teardown errors are logged, not surfaced as NetError.
type NetError struct {
	Op  string
	Err error
}

func (e *NetError) Error() string { return fmt.Sprintf("net: %s: %v", e.Op, e.Err) }
func (e *NetError) Unwrap() error { return e.Err }

func NewNetError(op string, err error) *NetError {
	return &NetError{Op: op, Err: err}
}

// TransferServerErrorCode is the numeric prefix the in-guest transfer
// server uses for rejections.
type TransferServerErrorCode int

const (
	CodePermissionDenied   TransferServerErrorCode = 301
	CodeNoSuchFile         TransferServerErrorCode = 302
	CodeNotADirectory      TransferServerErrorCode = 303
	CodeFileInUse          TransferServerErrorCode = 304
	CodeUnsupportedCommand TransferServerErrorCode = 305
	CodeInvalidArguments   TransferServerErrorCode = 306
	CodeFileAlreadyExists  TransferServerErrorCode = 307
	CodeUnknownError       TransferServerErrorCode = 308
	CodeIsADirectory       TransferServerErrorCode = 309
)

var transferServerMessages = map[TransferServerErrorCode]string{
	CodePermissionDenied:   "Permission denied",
	CodeNoSuchFile:         "No such file or directory",
	CodeNotADirectory:      "Not a directory",
	CodeFileInUse:          "File in use",
	CodeUnsupportedCommand: "Unsupported command",
	CodeInvalidArguments:   "Invalid arguments",
	CodeFileAlreadyExists:  "File already exists on server",
	CodeUnknownError:       "Unknown error",
	CodeIsADirectory:       "Is a directory",
}

// TransferServerError is raised when the in-guest transfer server rejects a
// command with one of these numeric codes.
type TransferServerError struct {
	Code TransferServerErrorCode
	Raw  string
}

func (e *TransferServerError) Error() string {
	if msg, ok := transferServerMessages[e.Code]; ok {
		return fmt.Sprintf("transfer server: %d %s", e.Code, msg)
	}
	return fmt.Sprintf("transfer server: %s", e.Raw)
}

// NewTransferServerError builds a TransferServerError from an
// already-parsed code and the raw server response line (e.g.
// "307 file exists").
func NewTransferServerError(code TransferServerErrorCode, raw string) *TransferServerError {
	return &TransferServerError{Code: code, Raw: raw}
}

// TransferProtocolError covers malformed welcome messages, unexpected
// response shapes, and connection resets on the transfer control/data
// channels.
type TransferProtocolError struct {
	Reason string
	Err    error
}

func (e *TransferProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer protocol: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer protocol: %s", e.Reason)
}

func (e *TransferProtocolError) Unwrap() error { return e.Err }

func NewTransferProtocolError(reason string, err error) *TransferProtocolError {
	return &TransferProtocolError{Reason: reason, Err: err}
}

// UnexpectedExit is raised when a guest command expected to succeed exited
// non-zero. It carries the CmdResult so callers can inspect output.
type UnexpectedExit struct {
	Cmd    string
	Result sandbox.CmdResult
}

func (e *UnexpectedExit) Error() string {
	return fmt.Sprintf("unexpected exit %d running %q", e.Result.ExitStatus, e.Cmd)
}

func NewUnexpectedExit(cmd string, result sandbox.CmdResult) *UnexpectedExit {
	return &UnexpectedExit{Cmd: cmd, Result: result}
}

// AsQemuError is a convenience wrapper around errors.As for *QemuError.
func AsQemuError(err error) (*QemuError, bool) {
	var qe *QemuError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
