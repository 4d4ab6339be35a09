package relay

import (
	"context"
	"time"

	"github.com/orgchat/relay/internal/models"
	"github.com/orgchat/relay/internal/push"
)

// Store is the repository contract the engine depends on. *db.Database
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	FindUser(ctx context.Context, username, token string) (*models.User, error)
	FindUserID(ctx context.Context, username string, organizationID int64) (int64, error)
	DeviceTokens(ctx context.Context, userID, organizationID int64) ([]string, error)

	IsRoomOwner(ctx context.Context, roomID, userID, organizationID int64) (bool, error)
	ListUserRooms(ctx context.Context, userID int64) ([]models.RoomSummary, error)
	ListUsersInRoom(ctx context.Context, roomID int64) ([]models.RoomUser, error)
	ListRoomOwner(ctx context.Context, roomID int64) ([]models.RoomUser, error)
	ListActiveParticipantIDs(ctx context.Context, roomID int64) ([]int64, error)
	CreateOrUpdateRoom(ctx context.Context, ownerID int64, roomName string, memberIdentifiers []string, description string, organizationID int64) (int64, error)
	LeaveRoom(ctx context.Context, roomID, userID int64) (bool, error)
	SetSilent(ctx context.Context, roomID, userID int64, silent bool) (bool, error)
	ParticipantSilent(ctx context.Context, roomID, userID, organizationID int64) (bool, error)

	UpdateLastSeen(ctx context.Context, roomID, userID, msgID int64) (bool, error)
	ClearLastSeen(ctx context.Context, roomID, userID int64) error
	MarkRoomUnread(ctx context.Context, roomID, excludeUserID, newMsgID int64) error

	InsertMessage(ctx context.Context, roomID, userID, organizationID int64, message, messageInformation string) (int64, error)
	EditMessage(ctx context.Context, msgID, roomID, userID, organizationID int64, message, messageInformation string) (int64, error)
	DeleteMessage(ctx context.Context, msgID, roomID, userID, organizationID int64) (bool, error)
	LastMessages(ctx context.Context, roomID, organizationID int64, limit int) ([]models.Message, error)
	MessagesAfter(ctx context.Context, roomID, organizationID, lastID int64, limit int) ([]models.Message, error)
	MessagesBefore(ctx context.Context, roomID, organizationID, lastID int64, limit int) ([]models.Message, error)

	LastNotificationTime(ctx context.Context, userID, organizationID int64) (time.Time, error)
	RecordNotification(ctx context.Context, userID, organizationID int64, title string, msgType int16) error
}

// PushQueue accepts push jobs for asynchronous delivery. *push.Dispatcher
// satisfies it.
type PushQueue interface {
	Enqueue(job push.Job) bool
}

// Throttle is the optional Redis-backed fast path for the push cooldown.
// The engine falls back to the notification audit table when it is nil or
// reports nothing.
type Throttle interface {
	WithinCooldown(ctx context.Context, userID, organizationID int64) (bool, error)
	StampPush(ctx context.Context, userID, organizationID int64, window time.Duration) error
}
