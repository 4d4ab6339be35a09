package api

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gorilla/websocket"

	"github.com/orgchat/relay/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin more strictly
		return true
	},
}

// WebSocketHandler upgrades the connection and hands it to the relay engine.
// There is no authentication at upgrade time; the peer must win the Register
// handshake before any other event is served.
func (r *Router) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	_, span := otel.Tracer("websocket-server").Start(req.Context(), "WebSocketUpgrade")
	defer span.End()

	clientIP := middleware.ClientIP(req)
	span.SetAttributes(attribute.String("client.ip", clientIP))

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written its error response.
		span.SetStatus(codes.Error, fmt.Sprintf("Failed to upgrade WebSocket connection: %v", err))
		r.logger.Warn(req.Context(), "WebSocket upgrade failed: %v", err)
		return
	}

	span.SetStatus(codes.Ok, "WebSocket connection established")

	// The session owns the connection from here; its pumps close it.
	s := r.engine.NewSession(conn, clientIP)
	s.Start()
}
