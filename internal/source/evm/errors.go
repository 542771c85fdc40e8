package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind classifies chain client failures.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindUnreachable     ErrorKind = "unreachable"
	KindRateLimited     ErrorKind = "rate_limited"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// codeLimitExceeded is the JSON-RPC error code nodes use for request throttling.
const codeLimitExceeded = -32005

// RPCError is returned once a chain call has exhausted its retries.
type RPCError struct {
	Kind     ErrorKind
	Op       string
	Attempts int
	Err      error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// IsKind reports whether err is an RPCError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Kind == kind
}

// invalidResponse marks a payload the client rejected after a successful round trip.
type invalidResponse struct{ msg string }

func (e *invalidResponse) Error() string { return e.msg }

func invalidf(format string, args ...any) error {
	return &invalidResponse{msg: fmt.Sprintf(format, args...)}
}

// classifyError maps a raw transport or node error to an ErrorKind.
func classifyError(err error) ErrorKind {
	var (
		httpErr rpc.HTTPError
		rpcErr  rpc.Error
		netErr  net.Error
		invalid *invalidResponse
		syntax  *json.SyntaxError
		typeErr *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.As(err, &httpErr):
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return KindRateLimited
		}
		if httpErr.StatusCode == http.StatusGatewayTimeout || httpErr.StatusCode == http.StatusRequestTimeout {
			return KindTimeout
		}
		if httpErr.StatusCode >= 500 {
			return KindUnreachable
		}
		return KindInvalidResponse
	case errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeLimitExceeded:
		return KindRateLimited
	case isRateLimitMessage(err):
		return KindRateLimited
	case errors.As(err, &invalid), errors.As(err, &syntax), errors.As(err, &typeErr),
		errors.Is(err, ethereum.NotFound):
		return KindInvalidResponse
	case errors.As(err, &rpcErr):
		return KindInvalidResponse
	default:
		return KindUnreachable
	}
}

func isRateLimitMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}
