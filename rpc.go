package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RPCMessage is one frame on the wire: a request or a response with the
// signatures over its payload.
//
//	{"req": [request_id, method, params, ts], "sig": ["0x..."]}
type RPCMessage struct {
	Req *RPCData    `json:"req,omitempty" validate:"required_without=Res,excluded_with=Res"`
	Res *RPCData    `json:"res,omitempty" validate:"required_without=Req,excluded_with=Req"`
	Sig []Signature `json:"sig"`
}

// GetRequestSignersMap recovers the checksummed address behind every request
// signature. The signatures cover the request array exactly as received.
func (r RPCMessage) GetRequestSignersMap() (map[string]struct{}, error) {
	if r.Req == nil || len(r.Req.rawBytes) == 0 {
		return nil, errors.New("request carries no signed payload")
	}

	signers := make(map[string]struct{}, len(r.Sig))
	for _, sig := range r.Sig {
		addr, err := RecoverAddress(r.Req.rawBytes, sig)
		if err != nil {
			return nil, err
		}
		signers[addr] = struct{}{}
	}
	return signers, nil
}

type RPCDataParams = any

// RPCData is the payload of a request or response. It travels as the array
// [request_id, method, params, ts]; ts is in unix milliseconds.
type RPCData struct {
	RequestID uint64        `json:"request_id" validate:"required"`
	Method    string        `json:"method" validate:"required"`
	Params    RPCDataParams `json:"params" validate:"required"`
	Timestamp uint64        `json:"ts" validate:"required"`
	rawBytes  []byte
}

// UnmarshalJSON decodes the array form and keeps the raw bytes for signature
// recovery. Numbers inside params stay json.Number so 256 bit values survive.
func (m *RPCData) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("error reading RPCData as array: %w", err)
	}
	if len(fields) != 4 {
		return fmt.Errorf("invalid RPCData: expected 4 elements in array, got %d", len(fields))
	}

	var out RPCData
	if err := json.Unmarshal(fields[0], &out.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	if err := json.Unmarshal(fields[1], &out.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(fields[2]))
	dec.UseNumber()
	if err := dec.Decode(&out.Params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(fields[3], &out.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	out.rawBytes = append([]byte(nil), data...)
	*m = out
	return nil
}

func (m RPCData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.RequestID, m.Method, m.Params, m.Timestamp})
}

// RPCError carries a message that is safe to send to the client. Handlers
// return it for expected failures; any other error reaching RPCContext.Fail
// is replaced by the handler's fallback message.
//
//	return RPCErrorf("ledger %s not found", id)
type RPCError struct {
	err error
}

// RPCErrorf formats a client-facing error. %w keeps the wrapped error
// reachable through errors.Is and errors.As.
func RPCErrorf(format string, args ...any) RPCError {
	return RPCError{err: fmt.Errorf(format, args...)}
}

func (e RPCError) Error() string {
	return e.err.Error()
}

func (e RPCError) Unwrap() error {
	return e.err
}
