package usercontext

// Shared Locals keys and headers used across controllers and middlewares
const (
	KeyUserContext = "USER_CONTEXT"
	KeyUserID      = "user_id"

	// HeaderUserID carries the internal user id resolved by the upstream
	// identity layer.
	HeaderUserID = "X-User-ID"
)
