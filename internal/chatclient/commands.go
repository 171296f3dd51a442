package chatclient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meshchat/meshchat/internal/wire"
)

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, dst)
}

// parseLine turns one line of terminal input into a command name and
// payload. The grammar is deliberately minimal: leave/leave_room,
// rooms/list_rooms and whereami are zero-argument commands;
// create/create_room and join/join_room take the rest of the line as
// the room name; any line starting with another word is sent whole as
// chat text.
func parseLine(line string) (string, any) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	parts := strings.SplitN(line, " ", 2)
	verb := parts[0]
	arg := ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}

	switch verb {
	case "create", "create_room":
		return wire.CmdCreateRoom, wire.RoomNamePayload{RoomName: arg}
	case "join", "join_room":
		return wire.CmdJoinRoom, wire.RoomNamePayload{RoomName: arg}
	case "leave", "leave_room":
		return wire.CmdLeaveRoom, nil
	case "rooms", "list_rooms":
		return wire.CmdListRooms, nil
	case "whereami":
		return wire.CmdWhereAmI, nil
	default:
		// Anything else is chat text for the current room.
		return wire.CmdChat, wire.ChatRequestPayload{Message: line}
	}
}

// printFrame renders one server frame for a terminal user.
func printFrame(frame wire.RawServerFrame) {
	switch frame.Type {
	case wire.FrameChat:
		var p wire.ChatPayload
		if decodePayload(frame.Payload, &p) == nil {
			fmt.Printf("[%s] %s\n", p.SenderName, p.Message)
		}
	case wire.FrameRoomJoined:
		var p wire.RoomJoinedPayload
		if decodePayload(frame.Payload, &p) == nil {
			fmt.Printf("* %s (%s)\n", p.Message, p.RoomName)
		}
	case wire.FrameRoomLeft:
		var p wire.RoomLeftPayload
		if decodePayload(frame.Payload, &p) == nil {
			fmt.Printf("* %s\n", p.Message)
		}
	case wire.FrameRoomList:
		var p wire.RoomListPayload
		if decodePayload(frame.Payload, &p) == nil {
			fmt.Printf("rooms: %s\n", strings.Join(p.Names, ", "))
		}
	case wire.FrameInfo:
		var p wire.InfoPayload
		if decodePayload(frame.Payload, &p) == nil {
			fmt.Printf("* %s\n", p.RoomName)
		}
	case wire.FrameError:
		var p wire.ErrorPayload
		if decodePayload(frame.Payload, &p) == nil {
			fmt.Printf("! %s\n", p.Message)
		}
	case wire.FrameAck, wire.FramePong:
		// Acks and pongs are protocol bookkeeping, not shown to the user.
	default:
		fmt.Printf("? unrecognized frame %q\n", frame.Type)
	}
}
