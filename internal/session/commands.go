package session

import (
	"github.com/meshchat/meshchat/internal/wire"
)

// dispatch routes one decoded client command through the session's
// state machine: PENDING_IDENTITY only honors set_username;
// everything else is honored once READY. A non-nil error means a
// write to the session's own connection failed and the caller must
// tear the session down.
func (h *Handler) dispatch(sess *Session, cmd wire.ClientCommand) error {
	if !sess.isReady() {
		if cmd.Command != wire.CmdSetUsername {
			h.log.Warnw("command ignored before identity set", "client_key", sess.ClientKey, "command", cmd.Command)
			return nil
		}
		return h.handleSetUsername(sess, cmd)
	}

	switch cmd.Command {
	case wire.CmdSetUsername:
		// Already has an identity; identity is immutable once set.
		return h.send(sess, wire.Error("Identity already set."))
	case wire.CmdCreateRoom:
		return h.handleCreateRoom(sess, cmd)
	case wire.CmdJoinRoom:
		return h.handleJoinRoom(sess, cmd)
	case wire.CmdListRooms:
		return h.send(sess, wire.RoomList(h.state.ListRooms()))
	case wire.CmdLeaveRoom:
		return h.handleLeaveRoom(sess)
	case wire.CmdChat:
		return h.handleChat(sess, cmd)
	case wire.CmdWhereAmI:
		return h.handleWhereAmI(sess)
	case wire.CmdPing:
		return h.send(sess, wire.Pong())
	default:
		return h.send(sess, wire.Error("Unknown command."))
	}
}

func (h *Handler) handleSetUsername(sess *Session, cmd wire.ClientCommand) error {
	var p wire.SetUsernamePayload
	if err := wire.DecodePayload(cmd, &p); err != nil || p.Username == "" {
		h.log.Warnw("malformed set_username, ignored", "client_key", sess.ClientKey)
		return nil
	}
	if _, exists := h.state.Username(sess.ClientKey); exists {
		return nil
	}
	h.state.SetUsername(sess.ClientKey, p.Username)
	sess.markReady()
	return h.send(sess, wire.Ack(wire.CmdSetUsername))
}

func (h *Handler) handleCreateRoom(sess *Session, cmd wire.ClientCommand) error {
	var p wire.RoomNamePayload
	_ = wire.DecodePayload(cmd, &p)
	ok, errMsg := h.state.CreateRoom(sess.ClientKey, p.RoomName)
	if !ok {
		return h.send(sess, wire.Error(errMsg))
	}
	return h.send(sess, wire.RoomJoined(p.RoomName, "Room created."))
}

func (h *Handler) handleJoinRoom(sess *Session, cmd wire.ClientCommand) error {
	var p wire.RoomNamePayload
	_ = wire.DecodePayload(cmd, &p)
	ok, errMsg := h.state.JoinRoom(sess.ClientKey, p.RoomName)
	if !ok {
		return h.send(sess, wire.Error(errMsg))
	}
	return h.send(sess, wire.RoomJoined(p.RoomName, "Joined room."))
}

func (h *Handler) handleLeaveRoom(sess *Session) error {
	h.state.LeaveRoom(sess.ClientKey)
	return h.send(sess, wire.RoomLeft("Left room."))
}

func (h *Handler) handleChat(sess *Session, cmd wire.ClientCommand) error {
	roomName, inRoom := h.state.CurrentRoom(sess.ClientKey)
	if !inRoom {
		return h.send(sess, wire.Error("You are not in a room."))
	}
	var p wire.ChatRequestPayload
	if err := wire.DecodePayload(cmd, &p); err != nil {
		return h.send(sess, wire.Error("Message is required."))
	}
	senderName, _ := h.state.Username(sess.ClientKey)

	for _, memberKey := range h.state.RoomMembers(roomName, sess.ClientKey) {
		member, ok := h.registry.Get(memberKey)
		if !ok {
			continue
		}
		if err := h.send(member, wire.Chat(senderName, p.Message)); err != nil {
			// A write failure to another member is that member's
			// transport error, not the sender's: reap it now instead
			// of waiting for its read loop to notice the break.
			h.teardown(member)
		}
	}
	return nil
}

func (h *Handler) handleWhereAmI(sess *Session) error {
	roomName, inRoom := h.state.CurrentRoom(sess.ClientKey)
	if !inRoom {
		return h.send(sess, wire.Info("not in a room"))
	}
	return h.send(sess, wire.Info(roomName))
}

// send writes a frame to a session. The returned error lets the
// caller tear the session down on a write failure.
func (h *Handler) send(sess *Session, frame wire.ServerFrame) error {
	if err := wire.WriteFrame(sess.conn, frame); err != nil {
		h.log.Debugw("send failed", "client_key", sess.ClientKey, "err", err)
		return err
	}
	return nil
}
