package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedEnvelope is returned when a response does not have the
// expected shape.
var ErrMalformedEnvelope = errors.New("api: malformed response envelope")

// Envelope is the outer response document.
type Envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// Err returns an *APIError for a non-zero status.
func (e *Envelope) Err() error {
	if e.Status != 0 {
		return &APIError{Status: e.Status, Data: e.Data}
	}
	return nil
}

// Payload unwraps the [code, payload] pair of authenticated services.
func (e *Envelope) Payload() (json.RawMessage, error) {
	if err := e.Err(); err != nil {
		return nil, err
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(e.Data, &pair); err != nil || len(pair) < 2 {
		return nil, fmt.Errorf("%w: data is not a [code, payload] pair", ErrMalformedEnvelope)
	}
	var code int
	if err := json.Unmarshal(pair[0], &code); err != nil {
		return nil, fmt.Errorf("%w: code %s", ErrMalformedEnvelope, pair[0])
	}
	if code != 0 {
		return nil, &APIError{Status: code, Data: pair[1]}
	}
	return pair[1], nil
}

// APIError is a backend error status with its payload.
type APIError struct {
	Status int
	Data   json.RawMessage
}

// Error formats the error as "<data> (<status>)". A string payload is
// shown without quotes.
func (e *APIError) Error() string {
	return e.Message() + " (" + strconv.Itoa(e.Status) + ")"
}

// Message returns the payload as text.
func (e *APIError) Message() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	if len(e.Data) == 0 {
		return "null"
	}
	return string(e.Data)
}
