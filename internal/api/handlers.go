package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/orgchat/relay/internal/auth"
	"github.com/orgchat/relay/internal/relay"
	"github.com/orgchat/relay/internal/utils"
)

// SendMessageRequest is the admin broadcast payload. The same two fields are
// accepted as form values.
type SendMessageRequest struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

// SendMessageHandler broadcasts an operator message to every registered
// session, across organizations. Requires a bearer token signed with the
// relay's RSA key.
func (r *Router) SendMessageHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if req.Method != http.MethodPost {
		utils.RespondError(ctx, w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	token, err := auth.ExtractTokenFromHeader(req.Header.Get("Authorization"))
	if err != nil {
		utils.RespondError(ctx, w, http.StatusUnauthorized, "Authorization token required")
		return
	}
	if r.jwtMgr == nil {
		utils.RespondError(ctx, w, http.StatusUnauthorized, "Admin endpoint not configured")
		return
	}
	claims, err := r.jwtMgr.ValidateToken(token)
	if err != nil {
		utils.RespondError(ctx, w, http.StatusUnauthorized, "Invalid token")
		return
	}

	var body SendMessageRequest
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			utils.RespondError(ctx, w, http.StatusBadRequest, "Invalid request body")
			return
		}
	} else {
		if err := req.ParseForm(); err != nil {
			utils.RespondError(ctx, w, http.StatusBadRequest, "Invalid request body")
			return
		}
		body.User = req.PostFormValue("user")
		body.Message = req.PostFormValue("message")
	}

	if body.Message == "" {
		utils.RespondError(ctx, w, http.StatusBadRequest, "message is required")
		return
	}
	if body.User == "" {
		body.User = "Console"
	}

	reached := r.engine.BroadcastAll(relay.NewChatMessageFrame(body.User, 0, 0, body.Message, ""))
	r.logger.Info(ctx, "Admin broadcast by %s as %q reached %d sessions", claims.Username, body.User, reached)

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthzHandler returns API health status
func (r *Router) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	// Check database connectivity
	if err := r.db.Health(req.Context()); err != nil {
		utils.RespondError(req.Context(), w, http.StatusServiceUnavailable, "Database unhealthy")
		return
	}

	// Check Redis connectivity when a cache is configured
	if client := r.cache.GetClient(); client != nil {
		if err := client.Ping(req.Context()).Err(); err != nil {
			utils.RespondError(req.Context(), w, http.StatusServiceUnavailable, "Redis unhealthy")
			return
		}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
