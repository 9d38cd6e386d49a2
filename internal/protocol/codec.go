package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType is wrapped by a DecodeError when an envelope has no type.
var ErrMissingType = errors.New("envelope type is missing")

// DecodeError reports wire text that is not a well-formed envelope or
// response.
type DecodeError struct {
	Input []byte
	Err   error
}

func (e *DecodeError) Error() string {
	const max = 64
	in := e.Input
	if len(in) > max {
		in = in[:max]
	}
	return fmt.Sprintf("decode %q: %v", in, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewEnvelope builds an envelope, marshaling data when it is non-nil.
func NewEnvelope(eventType EventType, data interface{}) (Envelope, error) {
	env := Envelope{Type: eventType}
	if eventType == "" {
		return env, ErrMissingType
	}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	env.Data = raw
	return env, nil
}

// Encode serializes an envelope to wire text.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses wire text into an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeObject(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, &DecodeError{Input: data, Err: ErrMissingType}
	}
	return env, nil
}

// EncodeResponse serializes a response to wire text.
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse parses wire text into a response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := decodeObject(data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// decodeObject rejects anything that is not a single JSON object. A null
// data field is normalized to absent.
func decodeObject(data []byte, v interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &DecodeError{Input: data, Err: errors.New("not a JSON object")}
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &DecodeError{Input: data, Err: err}
	}
	switch m := v.(type) {
	case *Envelope:
		m.Data = normalize(m.Data)
	case *Response:
		m.Data = normalize(m.Data)
	}
	return nil
}

func normalize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

// Text decodes a string payload.
func (e Envelope) Text() (string, error) {
	var s string
	if len(e.Data) == 0 {
		return "", fmt.Errorf("%s carries no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", fmt.Errorf("%s payload is not a string: %w", e.Type, err)
	}
	return s, nil
}

// Reply builds a response, marshaling data when non-nil.
func Reply(success bool, data interface{}) (Response, error) {
	resp := Response{Success: success}
	if data == nil {
		return resp, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return resp, fmt.Errorf("failed to marshal reply: %w", err)
	}
	resp.Data = raw
	return resp, nil
}

// IsResponse reports whether data is a JSON object carrying a "success"
// field, i.e. an acknowledgement rather than an envelope.
func IsResponse(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, ok := probe["success"]
	return ok
}
