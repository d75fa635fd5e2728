package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	jsonRPCVersion  = "2.0"
	methodMulticall = "system.multicall"
	tokenPrefix     = "token:"
)

// ErrClosed is returned by every operation on a closed connection, including calls that were
// pending when the connection went away.
var ErrClosed = errors.New("rpc: connection closed")

// Error is a JSON-RPC error object returned by the server.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call is a single method invocation inside a multicall.
type Call struct {
	Method string
	Params []any
}

// Result is the outcome of one Call in a multicall. Exactly one of Value and Err is set.
type Result struct {
	Value json.RawMessage
	Err   error
}

// NotificationHandler receives the raw params array of a push notification.
type NotificationHandler func(params json.RawMessage)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// envelope covers responses and server-initiated notifications.
type envelope struct {
	ID     *string         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

func (e *envelope) isNotification() bool {
	return e.ID == nil && e.Method != ""
}

type multicallEntry struct {
	MethodName string `json:"methodName"`
	Params     []any  `json:"params"`
}

type multicallFault struct {
	Code    int    `json:"faultCode"`
	Message string `json:"faultString"`
}

// needsToken reports whether the secret must be injected for method. aria2 only checks the
// token on its own namespace; system.* methods reject it.
func needsToken(method string) bool {
	return strings.HasPrefix(method, "aria2.")
}

func withToken(secret, method string, params []any) []any {
	if params == nil {
		params = []any{}
	}

	if secret == "" || !needsToken(method) {
		return params
	}

	out := make([]any, 0, len(params)+1)
	out = append(out, tokenPrefix+secret)

	return append(out, params...)
}

// decodeMulticall splits a system.multicall result: each entry is either a one-element array
// holding the value or a fault object.
func decodeMulticall(raw json.RawMessage, expected int) ([]Result, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode multicall result: %w", err)
	}

	if len(entries) != expected {
		return nil, fmt.Errorf("multicall returned %d results for %d calls", len(entries), expected)
	}

	results := make([]Result, len(entries))

	for i, entry := range entries {
		var wrapped []json.RawMessage
		if err := json.Unmarshal(entry, &wrapped); err == nil && len(wrapped) == 1 {
			results[i].Value = wrapped[0]

			continue
		}

		var fault multicallFault
		if err := json.Unmarshal(entry, &fault); err != nil {
			results[i].Err = fmt.Errorf("malformed multicall entry %d: %w", i, err)

			continue
		}

		results[i].Err = &Error{Code: fault.Code, Message: fault.Message}
	}

	return results, nil
}
