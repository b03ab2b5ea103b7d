package tools

import "context"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID adds the authenticated user's ID to the context so tool
// handlers can scope backend calls to that account.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from the context. Returns ""
// if not set; handlers treat that as a hard error rather than falling
// back to any default account.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
