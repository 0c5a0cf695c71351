// Package protocol implements the line-delimited Stratum V1 JSON-RPC codec
// shared by both transport directions, normalizing the mining.* and eth_*
// worker dialects into one internal event type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Stratum error codes (Stratum V1 convention).
const (
	ErrOther         = 20
	ErrStaleJob      = 21
	ErrDuplicate     = 22
	ErrLowDifficulty = 23
	ErrUnauthorized  = 24
	ErrNotSubscribed = 25
)

// Request is a JSON-RPC request/notification frame, worker- or pool-authored.
type Request struct {
	ID     any               `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response is a JSON-RPC response frame.
type Response struct {
	ID     any           `json:"id"`
	Result any           `json:"result"`
	Error  *StratumError `json:"error"`
}

// Notification is a server-initiated message; id is always null on the wire.
type Notification struct {
	ID     any `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// StratumError is a Stratum protocol error object.
type StratumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *StratumError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// FramingError marks a line that failed to decode as well-formed
// JSON-RPC; callers drop the connection rather than guess intent.
type FramingError struct {
	Line []byte
	Err  error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}
func (e *FramingError) Unwrap() error { return e.Err }

// ParseRequest parses one decoded line into a Request. A line that is
// syntactically valid JSON but not an object with a method is also
// rejected, matching the "malformed line: drop connection" rule.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, &FramingError{Line: line, Err: err}
	}
	if req.Method == "" {
		return nil, &FramingError{Line: line, Err: fmt.Errorf("missing method")}
	}
	return &req, nil
}

// ParseResponse parses one decoded line into a Response (pool → client).
func ParseResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &FramingError{Line: line, Err: err}
	}
	return &resp, nil
}

// IsNotification reports whether a decoded Response-shaped line is
// actually a pool notification: it checks only that a method is
// present; the id is not inspected. This helper lets callers that
// decode generically distinguish the two.
func IsNotification(raw json.RawMessage) bool {
	var probe struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.Method != ""
}

// EncodeResponse marshals a response with a trailing newline.
func EncodeResponse(id any, result any, stratumErr *StratumError) []byte {
	data, _ := json.Marshal(Response{ID: id, Result: result, Error: stratumErr})
	return append(data, '\n')
}

// EncodeNotification marshals a server notification with a trailing newline.
func EncodeNotification(method string, params any) []byte {
	data, _ := json.Marshal(Notification{ID: nil, Method: method, Params: params})
	return append(data, '\n')
}

// EncodeRequest marshals an outbound request with a trailing newline.
func EncodeRequest(id any, method string, params []json.RawMessage) []byte {
	data, _ := json.Marshal(Request{ID: id, Method: method, Params: params})
	return append(data, '\n')
}

// NewError builds a StratumError.
func NewError(code int, msg string) *StratumError {
	return &StratumError{Code: code, Message: msg}
}

// ParamString extracts a string parameter.
func ParamString(params []json.RawMessage, index int) (string, error) {
	if index >= len(params) {
		return "", fmt.Errorf("param index %d out of range (have %d)", index, len(params))
	}
	var s string
	if err := json.Unmarshal(params[index], &s); err != nil {
		return "", fmt.Errorf("param %d not a string: %w", index, err)
	}
	return s, nil
}

// ParamJobID extracts a job ID, accepting both string and numeric JSON
// encodings (some miners, notably eth_* dialect ones, send numeric ids).
func ParamJobID(params []json.RawMessage, index int) (string, error) {
	if index >= len(params) {
		return "", fmt.Errorf("param index %d out of range (have %d)", index, len(params))
	}
	var s string
	if err := json.Unmarshal(params[index], &s); err == nil {
		return s, nil
	}
	var n float64
	if err := json.Unmarshal(params[index], &n); err == nil {
		return fmt.Sprintf("%x", int64(n)), nil
	}
	return "", fmt.Errorf("param %d: not a valid job ID", index)
}
