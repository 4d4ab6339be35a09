package db

import (
	"context"
	"fmt"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	organization_id BIGINT NOT NULL DEFAULT 0,
	device_tokens TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (organization_id, username)
)`

const roomsSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	organization_id BIGINT NOT NULL,
	owner_id BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (organization_id, name)
)`

const roomUsersSchema = `
CREATE TABLE IF NOT EXISTS room_users (
	id BIGSERIAL PRIMARY KEY,
	room_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	organization_id BIGINT NOT NULL DEFAULT 0,
	last_message_seen BIGINT NOT NULL DEFAULT 0,
	silent_notifications SMALLINT NOT NULL DEFAULT 0,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const roomMessagesSchema = `
CREATE TABLE IF NOT EXISTS room_messages (
	id BIGSERIAL PRIMARY KEY,
	room_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	organization_id BIGINT NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	message_information TEXT NOT NULL DEFAULT '',
	is_deleted SMALLINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const clientNotificationsSchema = `
CREATE TABLE IF NOT EXISTS client_notifications (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	organization_id BIGINT NOT NULL DEFAULT 0,
	msg_type SMALLINT NOT NULL DEFAULT 1,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Columns that arrived after the first deployments. Kept as separate
// idempotent ALTERs so an older database upgrades in place.
var schemaUpgrades = []string{
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS device_tokens TEXT`,
	`ALTER TABLE room_users ADD COLUMN IF NOT EXISTS organization_id BIGINT NOT NULL DEFAULT 0`,
	`ALTER TABLE room_users ADD COLUMN IF NOT EXISTS last_message_seen BIGINT NOT NULL DEFAULT 0`,
	`ALTER TABLE room_users ADD COLUMN IF NOT EXISTS silent_notifications SMALLINT NOT NULL DEFAULT 0`,
	`ALTER TABLE room_users ADD COLUMN IF NOT EXISTS deleted_at TIMESTAMPTZ`,
	`ALTER TABLE room_messages ADD COLUMN IF NOT EXISTS message_information TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE room_messages ADD COLUMN IF NOT EXISTS is_deleted SMALLINT NOT NULL DEFAULT 0`,
}

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS room_users_room_idx ON room_users (room_id) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS room_users_user_idx ON room_users (user_id) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS room_messages_room_org_idx ON room_messages (room_id, organization_id, id)`,
	`CREATE INDEX IF NOT EXISTS client_notifications_user_org_idx ON client_notifications (user_id, organization_id, created_at DESC)`,
}

// Migrate creates the relay schema and applies column upgrades. Every
// statement is idempotent; running it on every start is safe.
func (db *Database) Migrate(ctx context.Context) error {
	tables := []string{
		usersSchema,
		roomsSchema,
		roomUsersSchema,
		roomMessagesSchema,
		clientNotificationsSchema,
	}

	for _, stmt := range tables {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range schemaUpgrades {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("upgrade column: %w", err)
		}
	}
	for _, stmt := range schemaIndexes {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
