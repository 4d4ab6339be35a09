package utils

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/orgchat/relay/internal/contextkey"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondError sends an error response. The request ID is included when the
// context carries one so operators can correlate client reports with logs.
func RespondError(ctx context.Context, w http.ResponseWriter, code int, message string) {
	resp := ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	}
	if reqID, ok := ctx.Value(contextkey.ContextKeyRequestID).(uuid.UUID); ok {
		resp.RequestID = reqID.String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}
