package relay

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/orgchat/relay/internal/db"
	"github.com/orgchat/relay/internal/models"
	"github.com/orgchat/relay/internal/push"
	"github.com/orgchat/relay/internal/utils"
)

// memStore is an in-memory Store with the same observable semantics as the
// SQL repository: soft deletes, watermark guards, author-only edits.
type memStore struct {
	mu  sync.Mutex
	now func() time.Time

	users         []*models.User
	deviceTokens  map[int64][]string
	rooms         map[int64]*memRoom
	members       []*memMember
	messages      []*memMessage
	notifications []*memNotification

	nextRoomID int64
	nextMsgID  int64

	// err, when set, fails every operation with a StorageError.
	err error
	// panicNext, when set, makes the next operation panic.
	panicNext bool
}

type memRoom struct {
	id          int64
	name        string
	description string
	org         int64
	owner       int64
}

type memMember struct {
	room, user, org int64
	lastSeen        int64
	silent          int16
	deleted         bool
}

type memMessage struct {
	id, room, user, org int64
	message, info       string
	deleted             bool
	created, updated    time.Time
}

type memNotification struct {
	user, org int64
	title     string
	msgType   int16
	created   time.Time
}

func newMemStore() *memStore {
	return &memStore{
		now:          time.Now,
		deviceTokens: make(map[int64][]string),
		rooms:        make(map[int64]*memRoom),
	}
}

func (m *memStore) fail() error {
	if m.panicNext {
		m.panicNext = false
		panic("storage fault injected")
	}
	if m.err != nil {
		return &db.StorageError{Op: "fake", Err: m.err}
	}
	return nil
}

func (m *memStore) addUser(id int64, username, token string, org int64, tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, &models.User{ID: id, Username: username, Token: token, OrganizationID: org})
	if len(tokens) > 0 {
		m.deviceTokens[id] = tokens
	}
}

func (m *memStore) addRoom(id int64, name string, org, owner int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[id] = &memRoom{id: id, name: name, org: org, owner: owner}
	if id >= m.nextRoomID {
		m.nextRoomID = id
	}
}

func (m *memStore) addMember(room, user, org int64) *memMember {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm := &memMember{room: room, user: user, org: org}
	m.members = append(m.members, mm)
	return mm
}

func (m *memStore) userByID(id int64) *models.User {
	for _, u := range m.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (m *memStore) notificationCount(user int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, note := range m.notifications {
		if note.user == user {
			n++
		}
	}
	return n
}

func (m *memStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *memStore) activeMember(room, user int64) *memMember {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.members) - 1; i >= 0; i-- {
		mm := m.members[i]
		if mm.room == room && mm.user == user && !mm.deleted {
			return mm
		}
	}
	return nil
}

func (m *memStore) FindUser(ctx context.Context, username, token string) (*models.User, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username && u.Token == token {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindUserID(ctx context.Context, username string, org int64) (int64, error) {
	if err := m.fail(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username && u.OrganizationID == org {
			return u.ID, nil
		}
	}
	return 0, nil
}

func (m *memStore) DeviceTokens(ctx context.Context, userID, org int64) ([]string, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userByID(userID)
	if u == nil || u.OrganizationID != org {
		return nil, nil
	}
	return append([]string(nil), m.deviceTokens[userID]...), nil
}

func (m *memStore) IsRoomOwner(ctx context.Context, roomID, userID, org int64) (bool, error) {
	if err := m.fail(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return ok && r.owner == userID && r.org == org, nil
}

func (m *memStore) ListUserRooms(ctx context.Context, userID int64) ([]models.RoomSummary, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RoomSummary
	seen := make(map[int64]bool)
	for _, mm := range m.members {
		if mm.user != userID || mm.deleted || seen[mm.room] {
			continue
		}
		r, ok := m.rooms[mm.room]
		if !ok {
			continue
		}
		seen[mm.room] = true
		out = append(out, models.RoomSummary{
			ID:                  r.id,
			Name:                r.name,
			Description:         r.description,
			LastMessageSeen:     mm.lastSeen,
			OwnerID:             r.owner,
			SilentNotifications: mm.silent,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListUsersInRoom(ctx context.Context, roomID int64) ([]models.RoomUser, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RoomUser
	seen := make(map[int64]bool)
	for _, mm := range m.members {
		if mm.room != roomID || mm.deleted || seen[mm.user] {
			continue
		}
		seen[mm.user] = true
		name := ""
		if u := m.userByID(mm.user); u != nil {
			name = u.Username
		}
		out = append(out, models.RoomUser{ID: mm.user, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListRoomOwner(ctx context.Context, roomID int64) ([]models.RoomUser, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	name := ""
	if u := m.userByID(r.owner); u != nil {
		name = u.Username
	}
	return []models.RoomUser{{ID: r.owner, Username: name}}, nil
}

func (m *memStore) ListActiveParticipantIDs(ctx context.Context, roomID int64) ([]int64, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	seen := make(map[int64]bool)
	for _, mm := range m.members {
		if mm.room != roomID || mm.deleted || seen[mm.user] {
			continue
		}
		seen[mm.user] = true
		out = append(out, mm.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memStore) CreateOrUpdateRoom(ctx context.Context, ownerID int64, roomName string, memberIdentifiers []string, description string, org int64) (int64, error) {
	if err := m.fail(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var room *memRoom
	for _, r := range m.rooms {
		if r.name == roomName && r.org == org {
			room = r
			break
		}
	}

	if room != nil {
		if room.owner != ownerID {
			return 0, nil
		}
		room.description = description
		kept := m.members[:0]
		for _, mm := range m.members {
			if mm.room != room.id {
				kept = append(kept, mm)
			}
		}
		m.members = kept
	} else {
		m.nextRoomID++
		room = &memRoom{id: m.nextRoomID, name: roomName, description: description, org: org, owner: ownerID}
		m.rooms[room.id] = room
	}

	ownerIncluded := false
	for _, ident := range memberIdentifiers {
		var uid int64
		if n, err := strconv.ParseInt(ident, 10, 64); err == nil {
			uid = n
		} else {
			for _, u := range m.users {
				if u.Username == ident && u.OrganizationID == org {
					uid = u.ID
					break
				}
			}
			if uid == 0 {
				continue
			}
		}
		if uid == ownerID {
			ownerIncluded = true
		}
		m.members = append(m.members, &memMember{room: room.id, user: uid, org: org})
	}
	if !ownerIncluded {
		m.members = append(m.members, &memMember{room: room.id, user: ownerID, org: org})
	}
	return room.id, nil
}

func (m *memStore) LeaveRoom(ctx context.Context, roomID, userID int64) (bool, error) {
	if err := m.fail(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := false
	for _, mm := range m.members {
		if mm.room == roomID && mm.user == userID {
			mm.deleted = true
			matched = true
		}
	}
	return matched, nil
}

func (m *memStore) SetSilent(ctx context.Context, roomID, userID int64, silent bool) (bool, error) {
	if err := m.fail(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	flag := int16(0)
	if silent {
		flag = 1
	}
	matched := false
	for _, mm := range m.members {
		if mm.room == roomID && mm.user == userID && !mm.deleted {
			mm.silent = flag
			matched = true
		}
	}
	return matched, nil
}

func (m *memStore) ParticipantSilent(ctx context.Context, roomID, userID, org int64) (bool, error) {
	if err := m.fail(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.members) - 1; i >= 0; i-- {
		mm := m.members[i]
		if mm.room == roomID && mm.user == userID && mm.org == org && !mm.deleted {
			return mm.silent == 1, nil
		}
	}
	return false, nil
}

func (m *memStore) UpdateLastSeen(ctx context.Context, roomID, userID, msgID int64) (bool, error) {
	if err := m.fail(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := false
	for _, mm := range m.members {
		if mm.room == roomID && mm.user == userID && !mm.deleted && mm.lastSeen <= msgID {
			mm.lastSeen = msgID
			matched = true
		}
	}
	return matched, nil
}

func (m *memStore) ClearLastSeen(ctx context.Context, roomID, userID int64) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range m.members {
		if mm.room == roomID && mm.user == userID && !mm.deleted {
			mm.lastSeen = 0
		}
	}
	return nil
}

func (m *memStore) MarkRoomUnread(ctx context.Context, roomID, excludeUserID, newMsgID int64) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range m.members {
		if mm.room == roomID && mm.user != excludeUserID && !mm.deleted {
			mm.lastSeen = newMsgID - 1
		}
	}
	return nil
}

func (m *memStore) InsertMessage(ctx context.Context, roomID, userID, org int64, message, info string) (int64, error) {
	if err := m.fail(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsgID++
	now := m.now().UTC()
	m.messages = append(m.messages, &memMessage{
		id: m.nextMsgID, room: roomID, user: userID, org: org,
		message: message, info: info, created: now, updated: now,
	})
	return m.nextMsgID, nil
}

func (m *memStore) EditMessage(ctx context.Context, msgID, roomID, userID, org int64, message, info string) (int64, error) {
	if err := m.fail(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows int64
	for _, msg := range m.messages {
		if msg.id == msgID && msg.room == roomID && msg.user == userID && msg.org == org && !msg.deleted {
			msg.message = message
			msg.info = info
			msg.updated = m.now().UTC()
			rows++
		}
	}
	return rows, nil
}

func (m *memStore) DeleteMessage(ctx context.Context, msgID, roomID, userID, org int64) (bool, error) {
	if err := m.fail(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.id == msgID && msg.room == roomID && msg.user == userID && msg.org == org && !msg.deleted {
			msg.deleted = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) toModel(msg *memMessage) models.Message {
	username := ""
	if u := m.userByID(msg.user); u != nil {
		username = u.Username
	}
	return models.Message{
		ID:                 msg.id,
		UserID:             msg.user,
		Username:           username,
		RoomID:             msg.room,
		Message:            msg.message,
		MessageInformation: msg.info,
		CreatedAt:          msg.created,
		UpdatedAt:          msg.updated,
	}
}

func (m *memStore) LastMessages(ctx context.Context, roomID, org int64, limit int) ([]models.Message, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for i := len(m.messages) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.messages[i]
		if msg.room == roomID && msg.org == org && !msg.deleted {
			out = append(out, m.toModel(msg))
		}
	}
	return out, nil
}

func (m *memStore) MessagesAfter(ctx context.Context, roomID, org, lastID int64, limit int) ([]models.Message, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.messages {
		if len(out) == limit {
			break
		}
		if msg.room == roomID && msg.org == org && !msg.deleted && msg.id > lastID {
			out = append(out, m.toModel(msg))
		}
	}
	return out, nil
}

func (m *memStore) MessagesBefore(ctx context.Context, roomID, org, lastID int64, limit int) ([]models.Message, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for i := len(m.messages) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.messages[i]
		if msg.room == roomID && msg.org == org && !msg.deleted && msg.id < lastID {
			out = append(out, m.toModel(msg))
		}
	}
	return out, nil
}

func (m *memStore) LastNotificationTime(ctx context.Context, userID, org int64) (time.Time, error) {
	if err := m.fail(); err != nil {
		return time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var last time.Time
	for _, note := range m.notifications {
		if note.user == userID && note.org == org && note.created.After(last) {
			last = note.created
		}
	}
	return last, nil
}

func (m *memStore) RecordNotification(ctx context.Context, userID, org int64, title string, msgType int16) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, &memNotification{
		user: userID, org: org, title: title, msgType: msgType, created: m.now().UTC(),
	})
	return nil
}

// fakePushQueue records enqueued jobs.
type fakePushQueue struct {
	mu   sync.Mutex
	jobs []push.Job
	full bool
}

func (q *fakePushQueue) Enqueue(job push.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.jobs = append(q.jobs, job)
	return true
}

func (q *fakePushQueue) all() []push.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]push.Job(nil), q.jobs...)
}

// idleConn satisfies wsConn for sessions that never run their pumps; tests
// drain the session's send channel directly.
type idleConn struct{}

func (idleConn) ReadMessage() (int, []byte, error)     { return 0, nil, io.EOF }
func (idleConn) WriteJSON(interface{}) error           { return nil }
func (idleConn) WriteMessage(int, []byte) error        { return nil }
func (idleConn) SetReadLimit(int64)                    {}
func (idleConn) SetReadDeadline(time.Time) error       { return nil }
func (idleConn) SetWriteDeadline(time.Time) error      { return nil }
func (idleConn) SetPongHandler(func(string) error)     {}
func (idleConn) Close() error                          { return nil }

// scriptedConn drives real pump goroutines from a test.
type scriptedConn struct {
	mu        sync.Mutex
	inbox     chan []byte
	wrote     []interface{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.inbox:
		return websocket.TextMessage, raw, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *scriptedConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrote = append(c.wrote, v)
	return nil
}

func (c *scriptedConn) WriteMessage(int, []byte) error { return nil }
func (c *scriptedConn) SetReadLimit(int64)             {}
func (c *scriptedConn) SetReadDeadline(time.Time) error {
	return nil
}
func (c *scriptedConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *scriptedConn) SetPongHandler(func(string) error) {}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) push(raw string) {
	c.inbox <- []byte(raw)
}

func (c *scriptedConn) frames() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.wrote...)
}

// testEngine bundles an engine with its fakes.
type testEngine struct {
	engine *Engine
	store  *memStore
	pushq  *fakePushQueue
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := newMemStore()
	pushq := &fakePushQueue{}
	engine := NewEngine(store, NewRegistry(), pushq, nil, utils.NewLogger("error"))
	return &testEngine{engine: engine, store: store, pushq: pushq}
}

// newIdleSession attaches a session whose replies are read straight off the
// send channel.
func (te *testEngine) newIdleSession() *Session {
	return te.engine.NewSession(idleConn{}, "")
}

// register drives the Register handshake and returns the session token.
func (te *testEngine) register(t *testing.T, s *Session, username, token string) string {
	t.Helper()
	te.dispatch(t, s, `{"event":"Register","username":"`+username+`","token":"`+token+`"}`)
	reply := nextFrame(t, s)
	m := asMap(t, reply)
	require.Equal(t, "register_success", m["event"], "registration reply: %v", m)
	return m["data"].(string)
}

func (te *testEngine) dispatch(t *testing.T, s *Session, raw string) {
	t.Helper()
	te.engine.dispatch(s, []byte(raw))
}

// nextFrame pops one queued outbound frame.
func nextFrame(t *testing.T, s *Session) interface{} {
	t.Helper()
	select {
	case f := <-s.send:
		return f
	default:
		t.Fatal("no outbound frame queued")
		return nil
	}
}

func noFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.send:
		t.Fatalf("unexpected outbound frame: %v", f)
	default:
	}
}

// asMap round-trips a reply struct through JSON so tests assert on the wire
// shape rather than internal types.
func asMap(t *testing.T, frame interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}
