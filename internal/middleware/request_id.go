package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/orgchat/relay/internal/contextkey"
)

// RequestIDMiddleware tags every request with an ID and echoes it in the
// X-Request-ID header. A well-formed inbound X-Request-ID is reused so
// operator calls can be correlated across proxies; anything else is replaced.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID, err := uuid.Parse(req.Header.Get("X-Request-ID"))
		if err != nil {
			requestID = uuid.New()
		}
		ctx := context.WithValue(req.Context(), contextkey.ContextKeyRequestID, requestID)
		req = req.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID.String())
		next.ServeHTTP(w, req)
	})
}
