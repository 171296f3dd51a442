package wire

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestReadCommand_RoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		cmd := ClientCommand{Command: CmdCreateRoom, Payload: mustJSON(t, RoomNamePayload{RoomName: "lobby"})}
		data, _ := json.Marshal(cmd)
		client.Write(data)
	}()

	cmd, err := ReadCommand(server, time.Second)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Command != CmdCreateRoom {
		t.Errorf("expected %q, got %q", CmdCreateRoom, cmd.Command)
	}
	var p RoomNamePayload
	if err := DecodePayload(cmd, &p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.RoomName != "lobby" {
		t.Errorf("expected lobby, got %q", p.RoomName)
	}
}

func TestReadCommand_ConnClosed(t *testing.T) {
	server, client := net.Pipe()
	client.Close()

	_, err := ReadCommand(server, time.Second)
	if err == nil {
		t.Fatal("expected an error reading from a closed peer")
	}
}

func TestWriteFrame_And_ReadFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		WriteFrame(server, Chat("alice", "hi"))
	}()

	frame, err := ReadFrame(client, time.Second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != FrameChat {
		t.Errorf("expected %q, got %q", FrameChat, frame.Type)
	}
	var p ChatPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		t.Fatalf("unmarshal chat payload: %v", err)
	}
	if p.SenderName != "alice" || p.Message != "hi" {
		t.Errorf("unexpected chat payload: %+v", p)
	}
}

func TestWriteCommand_And_ReadCommand(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		WriteCommand(client, CmdSetUsername, SetUsernamePayload{Username: "bob"})
	}()

	cmd, err := ReadCommand(server, time.Second)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Command != CmdSetUsername {
		t.Errorf("expected %q, got %q", CmdSetUsername, cmd.Command)
	}
}

func TestPeekType(t *testing.T) {
	hb := NewHeartbeat("server-a")
	data, _ := json.Marshal(hb)

	typ, ok := PeekType(data)
	if !ok || typ != TypeHeartbeat {
		t.Fatalf("expected (%q, true), got (%q, %v)", TypeHeartbeat, typ, ok)
	}

	if _, ok := PeekType([]byte("not json")); ok {
		t.Fatal("expected ok=false for malformed input")
	}
	if _, ok := PeekType([]byte(`{"no_type_field": 1}`)); ok {
		t.Fatal("expected ok=false when type field is missing")
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
