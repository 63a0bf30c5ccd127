package rpc

import "fmt"

// Error codes. The first block is JSON-RPC 2.0, the second follows the
// validator's server-error range so wallet tooling recognises them.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	TransactionSignatureVerificationFailure = -32003
	NodeUnhealthy                           = -32005
	UnsupportedTransactionVersion           = -32015
	MinContextSlotNotReached                = -32016
)

// RPCError is the error member of a response. It also satisfies error so
// method handlers can return it directly.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data == nil {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
}

var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
)

func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return InvalidParamsError(fmt.Sprintf(format, args...))
}

func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// MinContextSlotError reports a minContextSlot ahead of the simulated slot.
func MinContextSlotError(minSlot, currentSlot uint64) *RPCError {
	return &RPCError{
		Code:    MinContextSlotNotReached,
		Message: fmt.Sprintf("Minimum context slot has not been reached (min %d, current %d)", minSlot, currentSlot),
		Data:    map[string]uint64{"contextSlot": currentSlot},
	}
}

// SignatureVerificationError wraps a failed sigVerify check.
func SignatureVerificationError(err error) *RPCError {
	return NewRPCError(TransactionSignatureVerificationFailure,
		"Transaction signature verification failure: "+err.Error())
}
