package models

import (
	"encoding/json"
	"time"
)

// User is an externally provisioned chat user. The relay never creates or
// mutates users; it authenticates against the stored token and reads the
// device token list for push delivery.
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Token          string    `json:"-"` // opaque long-lived credential, never sent to clients
	OrganizationID int64     `json:"organization_id"`
	DeviceTokens   string    `json:"-"` // serialized JSON list of {"token": ...}
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RoomSummary is one row of a user's room list: room attributes joined with
// the caller's own participant state.
type RoomSummary struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	Description         string `json:"description"`
	LastMessageSeen     int64  `json:"last_message_seen"`
	OwnerID             int64  `json:"owner_id"`
	SilentNotifications int16  `json:"silent_notifications"`
}

// RoomUser is a member (or owner) of a room as reported to clients. Online is
// filled in by the presence registry, not by storage.
type RoomUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Message is a chat message as returned by the listing operations. Timestamps
// marshal as RFC 3339 UTC strings.
type Message struct {
	ID                 int64     `json:"id"`
	UserID             int64     `json:"user_id"`
	Username           string    `json:"username"`
	RoomID             int64     `json:"room_id"`
	Message            string    `json:"message"`
	MessageInformation string    `json:"message_information"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DeviceToken is one entry of the serialized push token list stored on a user.
type DeviceToken struct {
	Token string `json:"token"`
}

// Notification message types recorded in the audit table.
const (
	NotificationTypeChat    int16 = 1
	NotificationTypeGeneral int16 = 2
)

// ParseDeviceTokens decodes the serialized device token list stored on a user
// row. Empty tokens are skipped. A malformed payload is reported as an error;
// callers treat it as an empty list.
func ParseDeviceTokens(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}

	var entries []DeviceToken
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	tokens := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Token != "" {
			tokens = append(tokens, e.Token)
		}
	}
	return tokens, nil
}
