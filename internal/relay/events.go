package relay

import (
	"encoding/json"

	"github.com/orgchat/relay/internal/models"
)

// frame is the decoded inbound envelope. Register and notification carry
// their fields at the top level; every other event nests them under data.
type frame struct {
	Event          string    `json:"event"`
	Username       string    `json:"username"`
	Token          string    `json:"token"`
	OrganizationID int64     `json:"organization_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Data           frameData `json:"data"`
}

type frameData struct {
	SessionToken string          `json:"session_token"`
	Room         int64           `json:"room"`
	MsgID        int64           `json:"msg_id"`
	LastID       int64           `json:"last_id"`
	Name         string          `json:"name"`
	Users        []string        `json:"users"`
	Description  string          `json:"description"`
	Message      string          `json:"message"`
	MsgInfo      string          `json:"msginfo"`
	Notification json.RawMessage `json:"notification"`
}

// eventReply is the generic `{"event":...,"data":...}` server frame.
type eventReply struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// errorReply is the non-event error frame (invalid JSON, token mismatch).
type errorReply struct {
	Error string `json:"error"`
	Data  string `json:"data,omitempty"`
}

func invalidJSONReply() errorReply {
	return errorReply{Error: "Invalid JSON"}
}

func invalidTokenReply() errorReply {
	return errorReply{Error: "invalid token", Data: "Session token is invalid"}
}

type roomData struct {
	Room int64 `json:"room"`
}

type roomStatusData struct {
	Room   int64 `json:"room"`
	Status bool  `json:"status"`
}

// makeRoomData reports room creation. Room is omitted on failure.
type makeRoomData struct {
	Room   int64  `json:"room,omitempty"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type roomUsersData struct {
	Room   int64             `json:"room"`
	Users  []models.RoomUser `json:"users"`
	Owners []models.RoomUser `json:"owners"`
}

// messageListReply carries a page of messages; room rides at the top level.
type messageListReply struct {
	Event string           `json:"event"`
	Room  int64            `json:"room"`
	Data  []models.Message `json:"data"`
}

type deleteMessageReply struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	MsgID   int64  `json:"msgid"`
	Room    int64  `json:"room"`
}

// editMessageReply reports rows affected in data; 1 means the edit landed.
type editMessageReply struct {
	Event string `json:"event"`
	Data  int64  `json:"data"`
	MsgID int64  `json:"msgid"`
	Room  int64  `json:"room"`
}

type chatPayload struct {
	Username string `json:"username"`
	MsgID    int64  `json:"msgid"`
	Room     int64  `json:"room"`
	Message  string `json:"message"`
	MsgInfo  string `json:"msginfo"`
}

// broadcastReply acknowledges BroadcastMessage. MsgID is omitted when the
// sender was refused.
type broadcastReply struct {
	Event  string `json:"event"`
	Status bool   `json:"status"`
	MsgID  int64  `json:"msgid,omitempty"`
}

type pingReply struct {
	Event  string `json:"event"`
	Status bool   `json:"status"`
	UserID int64  `json:"user_id"`
}

type userStatusReply struct {
	Event  string `json:"event"`
	UserID int64  `json:"user_id"`
	Status bool   `json:"status"`
}

// NewChatMessageFrame builds the chat_message frame delivered to room
// members. The operator broadcast endpoint uses it with msgid and room 0.
func NewChatMessageFrame(username string, msgID, room int64, message, msgInfo string) interface{} {
	return eventReply{
		Event: "chat_message",
		Data: chatPayload{
			Username: username,
			MsgID:    msgID,
			Room:     room,
			Message:  message,
			MsgInfo:  msgInfo,
		},
	}
}
