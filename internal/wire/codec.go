package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrConnClosed is returned by ReadCommand when the peer closed the
// connection cleanly (recv returned empty).
var ErrConnClosed = fmt.Errorf("connection closed")

// ReadCommand performs a single buffered recv: one Read call, up to
// MaxDatagramSize bytes, decoded as exactly one JSON object. This is
// not length-prefixed framing — a client that writes more than one
// JSON object per send, or splits a single object across multiple
// sends, breaks the contract. SetReadDeadline lets the caller re-check
// its running flag on the configured SessionRecvTimeout.
func ReadCommand(conn net.Conn, timeout time.Duration) (ClientCommand, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, MaxDatagramSize)
	n, err := conn.Read(buf)
	if errors.Is(err, io.EOF) && n == 0 {
		return ClientCommand{}, ErrConnClosed
	}
	if err != nil {
		return ClientCommand{}, err
	}
	if n == 0 {
		return ClientCommand{}, ErrConnClosed
	}

	var cmd ClientCommand
	if err := json.Unmarshal(buf[:n], &cmd); err != nil {
		return ClientCommand{}, fmt.Errorf("decode client command: %w", err)
	}
	return cmd, nil
}

// WriteFrame marshals frame and writes it as a single Write call, so
// the single-object-per-write contract holds from the server side too.
func WriteFrame(conn net.Conn, frame ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// DecodePayload unmarshals a command's raw payload into dst.
func DecodePayload(cmd ClientCommand, dst any) error {
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(cmd.Payload, dst)
}

// RawServerFrame mirrors ServerFrame but keeps Payload undecoded, for
// the client side of the contract.
type RawServerFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadFrame is the client-side counterpart of ReadCommand: one Read
// call, decoded as exactly one JSON object.
func ReadFrame(conn net.Conn, timeout time.Duration) (RawServerFrame, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return RawServerFrame{}, err
	}
	if n == 0 {
		return RawServerFrame{}, ErrConnClosed
	}
	var frame RawServerFrame
	if err := json.Unmarshal(buf[:n], &frame); err != nil {
		return RawServerFrame{}, fmt.Errorf("decode server frame: %w", err)
	}
	return frame, nil
}

// WriteCommand writes a client command as a single Write call.
func WriteCommand(conn net.Conn, command string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	data, err := json.Marshal(ClientCommand{Command: command, Payload: raw})
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
