// Package rpc implements the daemon's wire protocol: each message is a
// 4-byte big-endian length prefix followed by a UTF-8 JSON object, capped
// at MaxMessageSize. A request carries {id, cmd, args}; a
// response carries {id, status, data?, error?}.
package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/eluentwork/eluent/internal/errs"
)

// MaxMessageSize is the largest frame the wire protocol accepts. Oversized
// frames are rejected by their length prefix, before any JSON is read.
const MaxMessageSize = 10 * 1024 * 1024

// Request is one client call.
type Request struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Status is a Response's outcome discriminator.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ErrorInfo is the structured error carried by a failed Response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Response answers one Request, echoing its ID.
type Response struct {
	ID     string          `json:"id"`
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// OK builds a successful Response, marshaling data into the Data field.
func OK(id string, data any) Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(id, err)
	}
	return Response{ID: id, Status: StatusOK, Data: raw}
}

// Fail builds an error Response from err, using its errs kind as the code
// when recognized and "internal" otherwise.
func Fail(id string, err error) Response {
	return Response{ID: id, Status: StatusError, Error: &ErrorInfo{Code: errs.Code(err), Message: err.Error()}}
}

// writeFrame writes v as a length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	if len(data) > MaxMessageSize {
		return &errs.MessageTooLargeError{Size: len(data), Max: MaxMessageSize}
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readFrame reads one length-prefixed JSON frame from r and unmarshals it
// into v. Oversized frames are rejected by their length prefix alone,
// before the body is read off the wire.
func readFrame(r *bufio.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return &errs.MessageTooLargeError{Size: int(size), Max: MaxMessageSize}
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &errs.ProtocolError{Reason: err.Error()}
	}
	return nil
}
