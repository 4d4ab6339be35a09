package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/orgchat/relay/internal/auth"
	"github.com/orgchat/relay/internal/contextkey"
	"github.com/orgchat/relay/internal/db"
	"github.com/orgchat/relay/internal/metrics"
	"github.com/orgchat/relay/internal/utils"
)

// Engine wires the presence registry, repository, push pipeline and cooldown
// policy behind the per-connection dispatch loop.
type Engine struct {
	store    Store
	registry *Registry
	pushq    PushQueue
	throttle Throttle
	logger   *utils.Logger

	// now is the clock used by the cooldown policy; tests pin it.
	now func() time.Time
}

func NewEngine(store Store, registry *Registry, pushq PushQueue, throttle Throttle, logger *utils.Logger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		pushq:    pushq,
		throttle: throttle,
		logger:   logger,
		now:      time.Now,
	}
}

// NewSession attaches a fresh unregistered session for the connection. The
// caller starts the pumps.
func (e *Engine) NewSession(conn wsConn, clientIP string) *Session {
	s := newSession(e, conn, clientIP)
	e.registry.Attach(s)
	return s
}

// BroadcastAll queues a frame on every registered session, across tenants.
// Operator use only.
func (e *Engine) BroadcastAll(frame interface{}) int {
	sessions := e.registry.Registered()
	for _, s := range sessions {
		s.queueOut(frame)
	}
	return len(sessions)
}

type handlerFunc func(e *Engine, s *Session, f *frame) error

// eventHandlers routes registered-state events. Unknown event names are
// silently ignored, matching client expectations.
var eventHandlers = map[string]handlerFunc{
	"GetRooms":              (*Engine).handleGetRooms,
	"UpdateOrMakeRoom":      (*Engine).handleUpdateOrMakeRoom,
	"GetUsersInRoom":        (*Engine).handleGetUsersInRoom,
	"LeaveRoom":             (*Engine).handleLeaveRoom,
	"SilentRoom":            (*Engine).handleSilentRoom,
	"UnSilentRoom":          (*Engine).handleUnSilentRoom,
	"ClearLastMessageSeen":  (*Engine).handleClearLastMessageSeen,
	"LastSeenMsg":           (*Engine).handleLastSeenMsg,
	"GetLastMessagesInRoom": (*Engine).handleGetLastMessagesInRoom,
	"GetMessagesInRoom":     (*Engine).handleGetMessagesInRoom,
	"GetPrevMessagesInRoom": (*Engine).handleGetPrevMessagesInRoom,
	"DeleteMessageInRoom":   (*Engine).handleDeleteMessageInRoom,
	"EditMessageInRoom":     (*Engine).handleEditMessageInRoom,
	"BroadcastMessage":      (*Engine).handleBroadcastMessage,
	"Ping":                  (*Engine).handlePing,
	"GetUserStatus":         (*Engine).handleGetUserStatus,
	"notification":          (*Engine).handleNotification,
}

// dispatch decodes one inbound frame and routes it. Handlers run on the
// session's read goroutine, so a connection never has two handlers in
// flight.
func (e *Engine) dispatch(s *Session, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(s.ctx, "Recovered panic handling frame: %v", r)
		}
	}()

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.queueOut(invalidJSONReply())
		return
	}

	if s.state != stateRegistered {
		e.handleUnregistered(s, &f)
		return
	}

	handler, ok := eventHandlers[f.Event]
	if !ok {
		return
	}

	if f.Data.SessionToken != s.sessionToken {
		metrics.Events.WithLabelValues(f.Event, "bad_token").Inc()
		s.queueOut(invalidTokenReply())
		return
	}

	start := e.now()
	if err := handler(e, s, &f); err != nil {
		var serr *db.StorageError
		if errors.As(err, &serr) {
			// Dropped without a reply; the client retries or reconnects.
			e.logger.Error(s.ctx, "Storage failure handling %s: %v", f.Event, err)
		} else {
			e.logger.Error(s.ctx, "Handler %s failed: %v", f.Event, err)
		}
		metrics.Events.WithLabelValues(f.Event, "error").Inc()
		return
	}
	metrics.Events.WithLabelValues(f.Event, "ok").Inc()
	metrics.EventDuration.WithLabelValues(f.Event).Observe(time.Since(start).Seconds())
}

// handleUnregistered accepts only the Register handshake.
func (e *Engine) handleUnregistered(s *Session, f *frame) {
	if f.Event != "Register" {
		s.queueOut(eventReply{Event: "register_error", Data: "You must send a register event first"})
		return
	}

	user, err := e.store.FindUser(s.ctx, f.Username, f.Token)
	if err != nil {
		e.logger.Error(s.ctx, "Storage failure during registration: %v", err)
		metrics.Events.WithLabelValues("Register", "error").Inc()
		return
	}
	if user == nil {
		metrics.Events.WithLabelValues("Register", "denied").Inc()
		s.queueOut(eventReply{Event: "register_error", Data: "invalid user"})
		return
	}

	token, err := auth.NewSessionToken()
	if err != nil {
		e.logger.Error(s.ctx, "Failed to issue session token: %v", err)
		metrics.Events.WithLabelValues("Register", "error").Inc()
		return
	}

	s.userID = user.ID
	s.username = user.Username
	s.organizationID = user.OrganizationID
	s.sessionToken = token
	s.state = stateRegistered
	s.ctx = context.WithValue(s.ctx, contextkey.ContextKeyUserID, user.ID)

	e.registry.MarkRegistered(s)
	metrics.Events.WithLabelValues("Register", "ok").Inc()

	s.queueOut(eventReply{Event: "register_success", Data: token})
	e.logger.Info(s.ctx, "User %s registered (org %d)", user.Username, user.OrganizationID)
}
