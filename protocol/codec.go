package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedVersion is returned when a message carries a protocol
// version newer than Version.
var ErrUnsupportedVersion = errors.New("protocol: unsupported version")

// Error is an error reported by a worker in the error field of a response.
type Error struct {
	Action  Action
	Message string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Action == "" {
		return "worker: " + e.Message
	}
	return fmt.Sprintf("worker %s: %s", e.Action, e.Message)
}

// EncodeRequest stamps the protocol version and marshals req.
func EncodeRequest(req Request) ([]byte, error) {
	req.Version = Version
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s request: %w", req.Action, err)
	}
	return payload, nil
}

// EncodeResponse stamps the protocol version and marshals resp.
func EncodeResponse(resp Response) ([]byte, error) {
	resp.Version = Version
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal response %q: %w", resp.ID, err)
	}
	return payload, nil
}

// DecodeRequest unmarshals a request. A request without a version is
// treated as version 1.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return recoverRequestID(payload), fmt.Errorf("protocol: failed to unmarshal request: %w", err)
	}
	if err := checkVersion(req.Version); err != nil {
		return req, err
	}
	return req, nil
}

// DecodeResponse unmarshals a response. A response without a version is
// treated as version 1.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("protocol: failed to unmarshal response: %w", err)
	}
	if err := checkVersion(resp.Version); err != nil {
		return resp, err
	}
	return resp, nil
}

func checkVersion(v int) error {
	if v > Version {
		return fmt.Errorf("%w: %d (supported: %d)", ErrUnsupportedVersion, v, Version)
	}
	return nil
}

// recoverRequestID pulls the id and action out of a request that failed to
// decode as a whole, so the error can still be correlated.
func recoverRequestID(payload []byte) Request {
	var partial struct {
		ID     string `json:"id"`
		Action Action `json:"action"`
	}
	_ = json.Unmarshal(payload, &partial)
	return Request{ID: partial.ID, Action: partial.Action}
}
