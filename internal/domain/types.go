package domain

import (
	"encoding/json"
	"errors"
)

// CommandRequest is one device instruction as received from a caller.
// Code is a pointer so that an absent code can be told apart from "".
// Value keeps the caller's JSON untouched; an explicit null is a value.
type CommandRequest struct {
	Code  *string         `json:"code" binding:"required"`
	Value json.RawMessage `json:"value" binding:"required"`
}

// Validate applies the same structural checks the HTTP binding does, for
// callers that decode requests themselves.
func (r CommandRequest) Validate() error {
	var errs []error
	if r.Code == nil {
		errs = append(errs, errors.New("code is required"))
	}
	if len(r.Value) == 0 {
		errs = append(errs, errors.New("value is required"))
	}
	return errors.Join(errs...)
}

type Command struct {
	Code  string          `json:"code"`
	Value json.RawMessage `json:"value"`
}

// CommandEnvelope is the body the device commands endpoint expects.
type CommandEnvelope struct {
	Commands []Command `json:"commands"`
}

func NewCommandEnvelope(r CommandRequest) CommandEnvelope {
	var code string
	if r.Code != nil {
		code = *r.Code
	}
	return CommandEnvelope{Commands: []Command{{Code: code, Value: r.Value}}}
}

// CommandRecord is one audited command attempt.
type CommandRecord struct {
	DeviceID  string          `json:"device_id"`
	Code      string          `json:"code"`
	Value     json.RawMessage `json:"value"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// CommandResult is published back to MQTT callers of the command bridge.
type CommandResult struct {
	Success bool            `json:"success"`
	Status  int             `json:"status"`
	Detail  string          `json:"detail,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
