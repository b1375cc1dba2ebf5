package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"ngoportal.org/internal/auth"
	"ngoportal.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Audit event names.
const (
	EventSignIn              = "auth.sign_in"
	EventSignInFailed        = "auth.sign_in_failed"
	EventSignOut             = "auth.sign_out"
	EventUserCreated         = "users.created"
	EventUserUpdated         = "users.updated"
	EventUserDeactivated     = "users.deactivated"
	EventRoleChanged         = "users.role_changed"
	EventRoleChangeDegraded  = "users.role_change_degraded"
	EventPartitionWriteAlert = "partitions.write_failed"
	EventPartitionRepaired   = "partitions.repaired"
	EventAccessDenied        = "guard.access_denied"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.ID != "" {
		entry["user_id"] = identity.ID
		if identity.Role.Valid() {
			entry["actor_role"] = identity.Role.String()
		}
	}
	if len(fields) > 0 {
		entry["fields"] = maps.Clone(fields)
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
