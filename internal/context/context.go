package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// AccountIDKey is the context key for the authenticated account ID
	AccountIDKey ContextKey = "account_id"
	// EmailKey is the context key for the authenticated email
	EmailKey ContextKey = "email"
	// ActorKey is the context key for the actor kind (customer or staff)
	ActorKey ContextKey = "actor"
)

// ExtractAccountID extracts the account ID from the request context
func ExtractAccountID(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(AccountIDKey).(string)
	return accountID, ok
}

// ExtractEmail extracts the email from the request context
func ExtractEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailKey).(string)
	return email, ok
}

// ExtractActor extracts the actor kind from the request context
func ExtractActor(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(ActorKey).(string)
	return actor, ok
}
