// Package rpc defines the admin request/response envelope spoken between
// clawctl and the gateway, following JSON-RPC 2.0 error conventions.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeNotFound          = -32000
	CodePermissionDenied  = -32001
	CodeResourceExhausted = -32002
	CodeUnavailable       = -32003
)

// Request admin call
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error structured call failure
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error.
func Errorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches data to a copy of e.
func (e *Error) WithData(data interface{}) *Error {
	out := *e
	out.Data = data
	return &out
}

// NewResult encodes result into a success response.
func NewResult(id uint64, result interface{}) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: data}, nil
}

// NewErrorResponse wraps err in a response.
func NewErrorResponse(id uint64, err *Error) *Response {
	return &Response{ID: id, Error: err}
}
