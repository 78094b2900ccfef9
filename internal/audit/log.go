// Package audit writes structured audit lines for every ledger mutation,
// keyed by the inbound event's correlation id.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"tallybot.org/internal/obs"
)

type ctxKey string

const eventIDKey ctxKey = "audit_event_id"

// WithEventID attaches the inbound event's correlation id to the context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ctx
	}
	return context.WithValue(ctx, eventIDKey, eventID)
}

func eventIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(eventIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the event correlation id.
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
	if id := eventIDFromContext(ctx); id != "" {
		entry["event_id"] = id
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	obs.LogEvent(entry)
	return nil
}
