// Package errs defines atapp's error taxonomy (spec.md §7): a small set of
// sentinel errors carrying a stable numeric Code, so callers can compare
// locally with errors.Is/As and relay the same code across a process
// boundary (e.g. as a forward-response err_code).
package errs

import "fmt"

// Code is a stable, wire-safe error classification. Numeric values are
// small non-negative integers in declaration order (CodeSuccess is 0), not
// the source's negative numbering — what matters is that Code is stable
// within this implementation, not that it matches upstream numbering
// (spec.md §7 explicitly allows re-numbering).
type Code int

const (
	CodeSuccess Code = iota

	CodeNotInited
	CodeAlreadyInited
	CodeAlreadyClosed

	CodeMissingConfigureFile
	CodeLoadConfigureFile

	CodeSetupTimer
	CodeSetupAtbus
	CodeWritePidFile

	CodeSendFailed
	CodeBufferLimit
	CodeNodeNotFound
	CodeClosing
	CodeTimeout

	CodeCommandIsNull
	CodeNoAvailableAddress
	CodeConnectPeerFailed
	CodeDiscoveryDisabled

	CodeBadData
	CodeChannelNotSupported
	CodeParams

	// Additional codes used internally, beyond the source taxonomy, for
	// conditions the core needs to distinguish but upstream lumps together.
	CodeConnectorNotFound
	CodeConnectorClosed
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeNotInited:
		return "not_inited"
	case CodeAlreadyInited:
		return "already_inited"
	case CodeAlreadyClosed:
		return "already_closed"
	case CodeMissingConfigureFile:
		return "missing_configure_file"
	case CodeLoadConfigureFile:
		return "load_configure_file"
	case CodeSetupTimer:
		return "setup_timer"
	case CodeSetupAtbus:
		return "setup_atbus"
	case CodeWritePidFile:
		return "write_pid_file"
	case CodeSendFailed:
		return "send_failed"
	case CodeBufferLimit:
		return "buffer_limit"
	case CodeNodeNotFound:
		return "node_not_found"
	case CodeClosing:
		return "closing"
	case CodeTimeout:
		return "timeout"
	case CodeCommandIsNull:
		return "command_is_null"
	case CodeNoAvailableAddress:
		return "no_available_address"
	case CodeConnectPeerFailed:
		return "connect_peer_failed"
	case CodeDiscoveryDisabled:
		return "discovery_disabled"
	case CodeBadData:
		return "bad_data"
	case CodeChannelNotSupported:
		return "channel_not_supported"
	case CodeParams:
		return "params"
	case CodeConnectorNotFound:
		return "connector_not_found"
	case CodeConnectorClosed:
		return "connector_closed"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every sentinel below is an instance of.
// It implements Is so errors.Is(err, ErrNodeNotFound) works even after
// wrapping with fmt.Errorf("...: %w", err).
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Code == e.Code
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

var (
	ErrNotInited            = New(CodeNotInited, "not initialized")
	ErrAlreadyInited        = New(CodeAlreadyInited, "already initialized")
	ErrAlreadyClosed        = New(CodeAlreadyClosed, "already closed")
	ErrMissingConfigureFile = New(CodeMissingConfigureFile, "configuration file not found")
	ErrLoadConfigureFile    = New(CodeLoadConfigureFile, "failed to load configuration file")
	ErrSetupTimer           = New(CodeSetupTimer, "failed to set up tick timer")
	ErrSetupAtbus           = New(CodeSetupAtbus, "failed to set up transport")
	ErrWritePidFile         = New(CodeWritePidFile, "failed to write pid file")
	ErrSendFailed           = New(CodeSendFailed, "send failed")
	ErrBufferLimit          = New(CodeBufferLimit, "pending message buffer limit exceeded")
	ErrNodeNotFound         = New(CodeNodeNotFound, "node not found")
	ErrClosing              = New(CodeClosing, "endpoint is closing")
	ErrTimeout              = New(CodeTimeout, "message expired before delivery")
	ErrCommandIsNull        = New(CodeCommandIsNull, "command is empty")
	ErrNoAvailableAddress   = New(CodeNoAvailableAddress, "no available address")
	ErrConnectPeerFailed    = New(CodeConnectPeerFailed, "failed to connect to peer")
	ErrDiscoveryDisabled    = New(CodeDiscoveryDisabled, "discovery is disabled")
	ErrBadData              = New(CodeBadData, "malformed data")
	ErrChannelNotSupported  = New(CodeChannelNotSupported, "address scheme not supported")
	ErrParams               = New(CodeParams, "invalid parameters")
	ErrConnectorNotFound    = New(CodeConnectorNotFound, "no connector registered for scheme")
	ErrConnectorClosed      = New(CodeConnectorClosed, "connector is closed")
)

// Wrap annotates err with msg while keeping errors.Is/As working against
// the wrapped sentinel.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
