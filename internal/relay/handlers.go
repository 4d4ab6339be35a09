package relay

import (
	"github.com/orgchat/relay/internal/models"
	"github.com/orgchat/relay/internal/push"
)

// Listing operations page in steps of 20 in both directions.
const messagePageSize = 20

func (e *Engine) handleGetRooms(s *Session, f *frame) error {
	rooms, err := e.store.ListUserRooms(s.ctx, s.userID)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		s.queueOut(eventReply{Event: "get_rooms_failed", Data: "User not registered in any rooms"})
		return nil
	}
	s.queueOut(eventReply{Event: "get_rooms", Data: rooms})
	return nil
}

func (e *Engine) handleUpdateOrMakeRoom(s *Session, f *frame) error {
	// A session without a tenant cannot own rooms; refuse instead of
	// writing a row with organization 0.
	if s.organizationID == 0 {
		s.queueOut(eventReply{
			Event: "update_or_make_room",
			Data:  makeRoomData{Name: f.Data.Name, Status: "failed"},
		})
		return nil
	}

	roomID, err := e.store.CreateOrUpdateRoom(s.ctx, s.userID, f.Data.Name, f.Data.Users, f.Data.Description, s.organizationID)
	if err != nil {
		return err
	}
	if roomID == 0 {
		// Existing room owned by someone else.
		s.queueOut(eventReply{
			Event: "update_or_make_room",
			Data:  makeRoomData{Name: f.Data.Name, Status: "failed"},
		})
		return nil
	}

	s.queueOut(eventReply{
		Event: "update_or_make_room",
		Data:  makeRoomData{Room: roomID, Name: f.Data.Name, Status: "success"},
	})
	return nil
}

func (e *Engine) handleGetUsersInRoom(s *Session, f *frame) error {
	users, err := e.store.ListUsersInRoom(s.ctx, f.Data.Room)
	if err != nil {
		return err
	}
	owners, err := e.store.ListRoomOwner(s.ctx, f.Data.Room)
	if err != nil {
		return err
	}

	if users == nil {
		users = []models.RoomUser{}
	}
	if owners == nil {
		owners = []models.RoomUser{}
	}
	for i := range users {
		users[i].Online = e.registry.IsUserOnline(users[i].ID)
	}
	for i := range owners {
		owners[i].Online = e.registry.IsUserOnline(owners[i].ID)
	}

	s.queueOut(eventReply{
		Event: "room_users",
		Data:  roomUsersData{Room: f.Data.Room, Users: users, Owners: owners},
	})
	return nil
}

func (e *Engine) handleLeaveRoom(s *Session, f *frame) error {
	left, err := e.store.LeaveRoom(s.ctx, f.Data.Room, s.userID)
	if err != nil {
		return err
	}
	event := "leave_room_success"
	if !left {
		event = "leave_room_failed"
	}
	s.queueOut(eventReply{Event: event, Data: roomData{Room: f.Data.Room}})
	return nil
}

func (e *Engine) handleSilentRoom(s *Session, f *frame) error {
	return e.setSilent(s, f.Data.Room, true, "silent_room_success", "silent_room_failed")
}

func (e *Engine) handleUnSilentRoom(s *Session, f *frame) error {
	return e.setSilent(s, f.Data.Room, false, "unsilent_room_success", "unsilent_room_failed")
}

func (e *Engine) setSilent(s *Session, room int64, silent bool, successEvent, failedEvent string) error {
	ok, err := e.store.SetSilent(s.ctx, room, s.userID, silent)
	if err != nil {
		return err
	}
	event := successEvent
	if !ok {
		event = failedEvent
	}
	s.queueOut(eventReply{Event: event, Data: roomData{Room: room}})
	return nil
}

func (e *Engine) handleClearLastMessageSeen(s *Session, f *frame) error {
	if err := e.store.ClearLastSeen(s.ctx, f.Data.Room, s.userID); err != nil {
		return err
	}
	s.queueOut(eventReply{Event: "cleared_last_seen_msgs", Data: roomData{Room: f.Data.Room}})
	return nil
}

func (e *Engine) handleLastSeenMsg(s *Session, f *frame) error {
	advanced, err := e.store.UpdateLastSeen(s.ctx, f.Data.Room, s.userID, f.Data.MsgID)
	if err != nil {
		return err
	}
	s.queueOut(eventReply{
		Event: "update_last_seen_msg_in_room",
		Data:  roomStatusData{Room: f.Data.Room, Status: advanced},
	})
	return nil
}

func (e *Engine) handleGetLastMessagesInRoom(s *Session, f *frame) error {
	msgs, err := e.store.LastMessages(s.ctx, f.Data.Room, s.organizationID, messagePageSize)
	if err != nil {
		return err
	}
	s.queueOut(newMessageListReply("last_messages_in_room", f.Data.Room, msgs))
	return nil
}

func (e *Engine) handleGetMessagesInRoom(s *Session, f *frame) error {
	msgs, err := e.store.MessagesAfter(s.ctx, f.Data.Room, s.organizationID, f.Data.LastID, messagePageSize)
	if err != nil {
		return err
	}
	s.queueOut(newMessageListReply("messages_in_room", f.Data.Room, msgs))
	return nil
}

func (e *Engine) handleGetPrevMessagesInRoom(s *Session, f *frame) error {
	msgs, err := e.store.MessagesBefore(s.ctx, f.Data.Room, s.organizationID, f.Data.LastID, messagePageSize)
	if err != nil {
		return err
	}
	s.queueOut(newMessageListReply("prev_messages_in_room", f.Data.Room, msgs))
	return nil
}

func newMessageListReply(event string, room int64, msgs []models.Message) messageListReply {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return messageListReply{Event: event, Room: room, Data: msgs}
}

func (e *Engine) handleDeleteMessageInRoom(s *Session, f *frame) error {
	deleted, err := e.store.DeleteMessage(s.ctx, f.Data.MsgID, f.Data.Room, s.userID, s.organizationID)
	if err != nil {
		return err
	}
	s.queueOut(deleteMessageReply{
		Event:   "delete_messages_in_room",
		Success: deleted,
		MsgID:   f.Data.MsgID,
		Room:    f.Data.Room,
	})
	return nil
}

func (e *Engine) handleEditMessageInRoom(s *Session, f *frame) error {
	rows, err := e.store.EditMessage(s.ctx, f.Data.MsgID, f.Data.Room, s.userID, s.organizationID, f.Data.Message, f.Data.MsgInfo)
	if err != nil {
		return err
	}

	s.queueOut(editMessageReply{
		Event: "edit_message_in_room",
		Data:  rows,
		MsgID: f.Data.MsgID,
		Room:  f.Data.Room,
	})

	if rows != 1 {
		return nil
	}

	updated := eventReply{
		Event: "chat_message_updated",
		Data: chatPayload{
			Username: s.username,
			MsgID:    f.Data.MsgID,
			Room:     f.Data.Room,
			Message:  f.Data.Message,
			MsgInfo:  f.Data.MsgInfo,
		},
	}
	// The edit already landed; a fan-out failure must not fail the event.
	if _, err := e.fanOut(s, f.Data.Room, updated, s.username, f.Data.Message); err != nil {
		e.logger.Error(s.ctx, "Fan-out of edited message %d failed: %v", f.Data.MsgID, err)
	}
	return nil
}

func (e *Engine) handleBroadcastMessage(s *Session, f *frame) error {
	participants, err := e.store.ListActiveParticipantIDs(s.ctx, f.Data.Room)
	if err != nil {
		return err
	}
	if !containsID(participants, s.userID) {
		// Non-members are refused before anything is written.
		s.queueOut(broadcastReply{Event: "broadcast_message_response", Status: false})
		return nil
	}

	msgID, err := e.store.InsertMessage(s.ctx, f.Data.Room, s.userID, s.organizationID, f.Data.Message, f.Data.MsgInfo)
	if err != nil {
		return err
	}
	if err := e.store.MarkRoomUnread(s.ctx, f.Data.Room, s.userID, msgID); err != nil {
		// The message exists; losing the unread watermark is recoverable.
		e.logger.Error(s.ctx, "Failed to mark room %d unread: %v", f.Data.Room, err)
	}

	outbound := eventReply{
		Event: "chat_message",
		Data: chatPayload{
			Username: s.username,
			MsgID:    msgID,
			Room:     f.Data.Room,
			Message:  f.Data.Message,
			MsgInfo:  f.Data.MsgInfo,
		},
	}
	e.deliver(s, f.Data.Room, participants, outbound, s.username, f.Data.Message)

	s.queueOut(broadcastReply{Event: "broadcast_message_response", Status: true, MsgID: msgID})
	return nil
}

func (e *Engine) handlePing(s *Session, f *frame) error {
	s.queueOut(pingReply{Event: "ping_response", Status: true, UserID: s.userID})
	return nil
}

// handleGetUserStatus reports the caller's own presence, which is true for
// any session able to ask.
func (e *Engine) handleGetUserStatus(s *Session, f *frame) error {
	s.queueOut(userStatusReply{
		Event:  "user_status_response",
		UserID: s.userID,
		Status: e.registry.IsUserOnline(s.userID),
	})
	return nil
}

// handleNotification sends a general push to a named user. Callers may only
// reach their own organization unless they belong to organization 0.
func (e *Engine) handleNotification(s *Session, f *frame) error {
	targetOrg := f.OrganizationID
	if s.organizationID != 0 {
		if targetOrg != 0 && targetOrg != s.organizationID {
			s.queueOut(eventReply{Event: "notification_failed", Data: "organization mismatch"})
			return nil
		}
		targetOrg = s.organizationID
	}

	userID, err := e.store.FindUserID(s.ctx, f.Username, targetOrg)
	if err != nil {
		return err
	}
	if userID == 0 {
		s.queueOut(eventReply{Event: "notification_failed", Data: "user not found"})
		return nil
	}

	tokens, err := e.store.DeviceTokens(s.ctx, userID, targetOrg)
	if err != nil {
		return err
	}
	if len(tokens) > 0 {
		e.pushq.Enqueue(push.Job{
			UserID: userID,
			Tokens: tokens,
			Note: push.Notification{
				Title: f.Title,
				Body:  f.Body,
				Data: map[string]string{
					"type": "notification",
					"data": string(f.Data.Notification),
				},
			},
		})
	}

	if err := e.store.RecordNotification(s.ctx, userID, targetOrg, f.Title, models.NotificationTypeGeneral); err != nil {
		return err
	}
	e.stampCooldown(s.ctx, userID, targetOrg)

	s.queueOut(eventReply{Event: "notification_success"})
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
