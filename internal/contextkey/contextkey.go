package contextkey

// Key is the private type for context values set by this module.
// A dedicated type prevents collisions with keys from other packages.
type Key string

const (
	// ContextKeyRequestID carries the uuid.UUID assigned to an HTTP request.
	ContextKeyRequestID Key = "request_id"

	// ContextKeyUserID carries the int64 id of the registered chat user.
	ContextKeyUserID Key = "user_id"

	// ContextKeyConnID carries the uuid.UUID assigned to a websocket connection.
	ContextKeyConnID Key = "conn_id"

	// ContextKeyClientIP carries the client address derived from proxy headers.
	ContextKeyClientIP Key = "client_ip"
)
