package db

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/orgchat/relay/internal/models"
)

// User queries

// FindUser authenticates a registration attempt: both the username and the
// opaque credential must match exactly. A missing user is (nil, nil).
func (db *Database) FindUser(ctx context.Context, username, token string) (*models.User, error) {
	var user models.User
	err := db.QueryRow(ctx,
		`SELECT id, username, token, organization_id, COALESCE(device_tokens, '')
		 FROM users WHERE username = $1 AND token = $2`,
		username, token,
	).Scan(&user.ID, &user.Username, &user.Token, &user.OrganizationID, &user.DeviceTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find_user", err)
	}
	return &user, nil
}

// FindUserID resolves a username within an organization. Zero means the
// username does not exist there.
func (db *Database) FindUserID(ctx context.Context, username string, organizationID int64) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`SELECT id FROM users WHERE username = $1 AND organization_id = $2`,
		username, organizationID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("find_user_id", err)
	}
	return id, nil
}

// DeviceTokens returns the push tokens registered for a user. A malformed
// stored payload is logged and treated as empty.
func (db *Database) DeviceTokens(ctx context.Context, userID, organizationID int64) ([]string, error) {
	var raw string
	err := db.QueryRow(ctx,
		`SELECT COALESCE(device_tokens, '') FROM users WHERE id = $1 AND organization_id = $2`,
		userID, organizationID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("device_tokens", err)
	}

	tokens, err := models.ParseDeviceTokens(raw)
	if err != nil {
		db.logger.Warn(ctx, "malformed device_tokens for user %d: %v", userID, err)
		return nil, nil
	}
	return tokens, nil
}

// Room queries

func (db *Database) IsRoomOwner(ctx context.Context, roomID, userID, organizationID int64) (bool, error) {
	var owner bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1 AND owner_id = $2 AND organization_id = $3)`,
		roomID, userID, organizationID,
	).Scan(&owner)
	if err != nil {
		return false, storageErr("is_room_owner", err)
	}
	return owner, nil
}

// ListUserRooms returns the caller's active rooms with the caller's own
// participant state (watermark, silent flag) attached.
func (db *Database) ListUserRooms(ctx context.Context, userID int64) ([]models.RoomSummary, error) {
	rows, err := db.Query(ctx,
		`SELECT r.id, r.name, r.description, ru.last_message_seen, r.owner_id, ru.silent_notifications
		 FROM rooms r
		 INNER JOIN room_users ru ON ru.room_id = r.id
		 WHERE ru.user_id = $1 AND ru.deleted_at IS NULL
		 ORDER BY r.id`,
		userID,
	)
	if err != nil {
		return nil, storageErr("list_user_rooms", err)
	}
	defer rows.Close()

	var rooms []models.RoomSummary
	for rows.Next() {
		var room models.RoomSummary
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &room.LastMessageSeen, &room.OwnerID, &room.SilentNotifications); err != nil {
			return nil, storageErr("list_user_rooms", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list_user_rooms", err)
	}
	return rooms, nil
}

func (db *Database) ListUsersInRoom(ctx context.Context, roomID int64) ([]models.RoomUser, error) {
	rows, err := db.Query(ctx,
		`SELECT DISTINCT u.id, u.username
		 FROM users u
		 INNER JOIN room_users ru ON ru.user_id = u.id
		 WHERE ru.room_id = $1 AND ru.deleted_at IS NULL
		 ORDER BY u.id`,
		roomID,
	)
	if err != nil {
		return nil, storageErr("list_users_in_room", err)
	}
	defer rows.Close()
	return scanRoomUsers(rows, "list_users_in_room")
}

// ListRoomOwner returns the room's owner as a one element list, matching the
// shape of ListUsersInRoom. Unknown rooms yield an empty list.
func (db *Database) ListRoomOwner(ctx context.Context, roomID int64) ([]models.RoomUser, error) {
	rows, err := db.Query(ctx,
		`SELECT u.id, u.username
		 FROM users u
		 INNER JOIN rooms r ON r.owner_id = u.id
		 WHERE r.id = $1`,
		roomID,
	)
	if err != nil {
		return nil, storageErr("list_room_owner", err)
	}
	defer rows.Close()
	return scanRoomUsers(rows, "list_room_owner")
}

// ListActiveParticipantIDs returns the distinct user ids of a room's active
// participants; fan-out derives its recipient set from this.
func (db *Database) ListActiveParticipantIDs(ctx context.Context, roomID int64) ([]int64, error) {
	rows, err := db.Query(ctx,
		`SELECT DISTINCT user_id FROM room_users WHERE room_id = $1 AND deleted_at IS NULL`,
		roomID,
	)
	if err != nil {
		return nil, storageErr("list_active_participant_ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("list_active_participant_ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list_active_participant_ids", err)
	}
	return ids, nil
}

// CreateOrUpdateRoom creates a room or, when a room with that name already
// exists in the organization, updates it and rebuilds its membership from
// scratch. Only the existing room's owner may update it; a denied update
// returns (0, nil). The rebuild is destructive: prior watermarks, silent
// flags and soft-leave markers for the room are discarded.
//
// Member identifiers that are all digits are taken as user ids; anything
// else is resolved as a username within the organization and skipped when
// unknown. The owner is always inserted as a participant.
func (db *Database) CreateOrUpdateRoom(ctx context.Context, ownerID int64, roomName string, memberIdentifiers []string, description string, organizationID int64) (int64, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, storageErr("create_or_update_room", err)
	}
	defer tx.Rollback(ctx)

	var roomID, currentOwner int64
	err = tx.QueryRow(ctx,
		`SELECT id, owner_id FROM rooms WHERE name = $1 AND organization_id = $2`,
		roomName, organizationID,
	).Scan(&roomID, &currentOwner)
	switch {
	case err == nil:
		if currentOwner != ownerID {
			return 0, nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET name = $1, description = $2, updated_at = now() WHERE id = $3`,
			roomName, description, roomID,
		); err != nil {
			return 0, storageErr("create_or_update_room", err)
		}
		// Membership rebuild: drop every participant row for the room.
		if _, err := tx.Exec(ctx, `DELETE FROM room_users WHERE room_id = $1`, roomID); err != nil {
			return 0, storageErr("create_or_update_room", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx,
			`INSERT INTO rooms (name, description, organization_id, owner_id) VALUES ($1, $2, $3, $4) RETURNING id`,
			roomName, description, organizationID, ownerID,
		).Scan(&roomID); err != nil {
			return 0, storageErr("create_or_update_room", err)
		}
	default:
		return 0, storageErr("create_or_update_room", err)
	}

	ownerIncluded := false
	for _, ident := range memberIdentifiers {
		var userID int64
		if isAllDigits(ident) {
			userID, err = strconv.ParseInt(ident, 10, 64)
			if err != nil {
				continue
			}
		} else {
			err := tx.QueryRow(ctx,
				`SELECT id FROM users WHERE username = $1 AND organization_id = $2`,
				ident, organizationID,
			).Scan(&userID)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return 0, storageErr("create_or_update_room", err)
			}
		}
		if userID == 0 {
			continue
		}
		if userID == ownerID {
			ownerIncluded = true
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_users (room_id, user_id, organization_id, last_message_seen) VALUES ($1, $2, $3, 0)`,
			roomID, userID, organizationID,
		); err != nil {
			return 0, storageErr("create_or_update_room", err)
		}
	}

	if !ownerIncluded {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_users (room_id, user_id, organization_id, last_message_seen) VALUES ($1, $2, $3, 0)`,
			roomID, ownerID, organizationID,
		); err != nil {
			return 0, storageErr("create_or_update_room", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr("create_or_update_room", err)
	}
	return roomID, nil
}

// Participant queries

// UpdateLastSeen advances the caller's watermark. The guard keeps it
// monotonic: a stale msg id affects no rows and reports false.
func (db *Database) UpdateLastSeen(ctx context.Context, roomID, userID, msgID int64) (bool, error) {
	tag, err := db.Exec(ctx,
		`UPDATE room_users SET last_message_seen = $3, updated_at = now()
		 WHERE room_id = $1 AND user_id = $2 AND deleted_at IS NULL AND last_message_seen <= $3`,
		roomID, userID, msgID,
	)
	if err != nil {
		return false, storageErr("update_last_seen", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *Database) ClearLastSeen(ctx context.Context, roomID, userID int64) error {
	_, err := db.Exec(ctx,
		`UPDATE room_users SET last_message_seen = 0, updated_at = now()
		 WHERE room_id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		roomID, userID,
	)
	return storageErr("clear_last_seen", err)
}

// MarkRoomUnread sets every other active participant's watermark to the new
// message's predecessor, so each of them has exactly the broadcast message
// outstanding.
func (db *Database) MarkRoomUnread(ctx context.Context, roomID, excludeUserID, newMsgID int64) error {
	_, err := db.Exec(ctx,
		`UPDATE room_users SET last_message_seen = $3, updated_at = now()
		 WHERE room_id = $1 AND user_id <> $2 AND deleted_at IS NULL`,
		roomID, excludeUserID, newMsgID-1,
	)
	return storageErr("mark_room_unread", err)
}

// LeaveRoom soft-leaves: deleted_at is stamped on every row matching the
// pair, including historical ones.
func (db *Database) LeaveRoom(ctx context.Context, roomID, userID int64) (bool, error) {
	tag, err := db.Exec(ctx,
		`UPDATE room_users SET deleted_at = now(), updated_at = now()
		 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return false, storageErr("leave_room", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *Database) SetSilent(ctx context.Context, roomID, userID int64, silent bool) (bool, error) {
	flag := int16(0)
	if silent {
		flag = 1
	}
	tag, err := db.Exec(ctx,
		`UPDATE room_users SET silent_notifications = $3, updated_at = now()
		 WHERE room_id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		roomID, userID, flag,
	)
	if err != nil {
		return false, storageErr("set_silent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ParticipantSilent reads the silent flag off the most recent active
// participant row for the pair.
func (db *Database) ParticipantSilent(ctx context.Context, roomID, userID, organizationID int64) (bool, error) {
	var flag int16
	err := db.QueryRow(ctx,
		`SELECT silent_notifications FROM room_users
		 WHERE room_id = $1 AND user_id = $2 AND organization_id = $3 AND deleted_at IS NULL
		 ORDER BY id DESC LIMIT 1`,
		roomID, userID, organizationID,
	).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("participant_silent", err)
	}
	return flag == 1, nil
}

// Message queries

func (db *Database) InsertMessage(ctx context.Context, roomID, userID, organizationID int64, message, messageInformation string) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO room_messages (room_id, user_id, organization_id, message, message_information)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		roomID, userID, organizationID, message, messageInformation,
	).Scan(&id)
	if err != nil {
		return 0, storageErr("insert_message", err)
	}
	return id, nil
}

// EditMessage rewrites a message's text and information in place. Authorship
// is enforced in SQL, so editing someone else's message affects zero rows.
func (db *Database) EditMessage(ctx context.Context, msgID, roomID, userID, organizationID int64, message, messageInformation string) (int64, error) {
	tag, err := db.Exec(ctx,
		`UPDATE room_messages SET message = $5, message_information = $6, updated_at = now()
		 WHERE id = $1 AND room_id = $2 AND user_id = $3 AND organization_id = $4 AND is_deleted = 0`,
		msgID, roomID, userID, organizationID, message, messageInformation,
	)
	if err != nil {
		return 0, storageErr("edit_message", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteMessage tombstones a message. Only the author's own messages
// qualify; a tombstoned message never comes back.
func (db *Database) DeleteMessage(ctx context.Context, msgID, roomID, userID, organizationID int64) (bool, error) {
	tag, err := db.Exec(ctx,
		`UPDATE room_messages SET is_deleted = 1, updated_at = now()
		 WHERE id = $1 AND room_id = $2 AND user_id = $3 AND organization_id = $4 AND is_deleted = 0`,
		msgID, roomID, userID, organizationID,
	)
	if err != nil {
		return false, storageErr("delete_message", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *Database) LastMessages(ctx context.Context, roomID, organizationID int64, limit int) ([]models.Message, error) {
	rows, err := db.Query(ctx,
		`SELECT m.id, m.user_id, COALESCE(u.username, ''), m.room_id, m.message, m.message_information, m.created_at, m.updated_at
		 FROM room_messages m
		 LEFT JOIN users u ON u.id = m.user_id
		 WHERE m.room_id = $1 AND m.organization_id = $2 AND m.is_deleted = 0
		 ORDER BY m.id DESC LIMIT $3`,
		roomID, organizationID, limit,
	)
	if err != nil {
		return nil, storageErr("last_messages", err)
	}
	defer rows.Close()
	return scanMessages(rows, "last_messages")
}

func (db *Database) MessagesAfter(ctx context.Context, roomID, organizationID, lastID int64, limit int) ([]models.Message, error) {
	rows, err := db.Query(ctx,
		`SELECT m.id, m.user_id, COALESCE(u.username, ''), m.room_id, m.message, m.message_information, m.created_at, m.updated_at
		 FROM room_messages m
		 LEFT JOIN users u ON u.id = m.user_id
		 WHERE m.room_id = $1 AND m.organization_id = $2 AND m.is_deleted = 0 AND m.id > $3
		 ORDER BY m.id ASC LIMIT $4`,
		roomID, organizationID, lastID, limit,
	)
	if err != nil {
		return nil, storageErr("messages_after", err)
	}
	defer rows.Close()
	return scanMessages(rows, "messages_after")
}

func (db *Database) MessagesBefore(ctx context.Context, roomID, organizationID, lastID int64, limit int) ([]models.Message, error) {
	rows, err := db.Query(ctx,
		`SELECT m.id, m.user_id, COALESCE(u.username, ''), m.room_id, m.message, m.message_information, m.created_at, m.updated_at
		 FROM room_messages m
		 LEFT JOIN users u ON u.id = m.user_id
		 WHERE m.room_id = $1 AND m.organization_id = $2 AND m.is_deleted = 0 AND m.id < $3
		 ORDER BY m.id DESC LIMIT $4`,
		roomID, organizationID, lastID, limit,
	)
	if err != nil {
		return nil, storageErr("messages_before", err)
	}
	defer rows.Close()
	return scanMessages(rows, "messages_before")
}

// Notification queries

// LastNotificationTime returns the newest audit row's timestamp for the
// user, or the zero time when the user was never notified.
func (db *Database) LastNotificationTime(ctx context.Context, userID, organizationID int64) (time.Time, error) {
	var last time.Time
	err := db.QueryRow(ctx,
		`SELECT created_at FROM client_notifications
		 WHERE user_id = $1 AND organization_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		userID, organizationID,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageErr("last_notification_time", err)
	}
	return last.UTC(), nil
}

func (db *Database) RecordNotification(ctx context.Context, userID, organizationID int64, title string, msgType int16) error {
	_, err := db.Exec(ctx,
		`INSERT INTO client_notifications (user_id, organization_id, msg_type, message) VALUES ($1, $2, $3, $4)`,
		userID, organizationID, msgType, title,
	)
	return storageErr("record_notification", err)
}

// scan helpers

func scanRoomUsers(rows pgx.Rows, op string) ([]models.RoomUser, error) {
	var users []models.RoomUser
	for rows.Next() {
		var u models.RoomUser
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, storageErr(op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return users, nil
}

func scanMessages(rows pgx.Rows, op string) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Username, &m.RoomID, &m.Message, &m.MessageInformation, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, storageErr(op, err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.UpdatedAt = m.UpdatedAt.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return messages, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
