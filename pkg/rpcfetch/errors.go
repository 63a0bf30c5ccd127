package rpcfetch

import (
	"context"
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrNoEndpoints is returned when no RPC endpoints are configured.
	ErrNoEndpoints = errors.New("no RPC endpoints available")

	// ErrAccountNotFound is returned by GetAccountInfo for a missing account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrResultLength is returned when getMultipleAccounts answers with a
	// different number of entries than requested.
	ErrResultLength = errors.New("unexpected number of accounts in response")
)

// JSON-RPC error codes that retrying cannot fix.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// RPCError represents a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNoEndpoints) || errors.Is(err, ErrAccountNotFound) {
		return false
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codeInvalidRequest, codeMethodNotFound, codeInvalidParams:
			return false
		}
	}

	// Transport failures, rate limits and server errors usually pass.
	return true
}
