package registry

import (
	"errors"

	"github.com/jonwraymond/toolhub/toolerr"
)

// Sentinel errors for consistent error handling.
var (
	ErrNotStarted     = errors.New("registry not started")
	ErrAlreadyStarted = errors.New("registry already started")
	ErrClosed         = errors.New("registry closed")
)

// MCP JSON-RPC 2.0 error codes as per the spec.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeToolNotFound   = -32001
	ErrCodeToolExecFailed = -32002
)

// Server error codes for the remaining error kinds.
const (
	ErrCodeBackendUnavailable = -32003
	ErrCodeStaleCursor        = -32004
	ErrCodeTimeout            = -32005
	ErrCodeConflict           = -32006
	ErrCodeCancelled          = -32800
)

// ErrorCode maps an error kind to its JSON-RPC code.
func ErrorCode(kind toolerr.Kind) int {
	switch kind {
	case toolerr.KindInvalidArgument, toolerr.KindInvalidCursor:
		return ErrCodeInvalidParams
	case toolerr.KindNotFound:
		return ErrCodeToolNotFound
	case toolerr.KindBackendExecution:
		return ErrCodeToolExecFailed
	case toolerr.KindBackendUnavailable:
		return ErrCodeBackendUnavailable
	case toolerr.KindStaleCursor:
		return ErrCodeStaleCursor
	case toolerr.KindTimeout:
		return ErrCodeTimeout
	case toolerr.KindConflict:
		return ErrCodeConflict
	case toolerr.KindCancelled:
		return ErrCodeCancelled
	default:
		return ErrCodeInternal
	}
}

// toMCPError renders err for the wire. Diagnostics never leave the process.
func toMCPError(err error) *MCPError {
	kind := toolerr.KindOf(err)
	return &MCPError{
		Code:    ErrorCode(kind),
		Message: toolerr.Public(err),
		Data:    map[string]any{"kind": string(kind)},
	}
}
