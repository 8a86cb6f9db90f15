package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
)

// AdminSink forwards global admin events to the admin chats.
func AdminSink(n adapter.AdminNotifier) Sink {
	return func(ctx context.Context, ev model.Event) error {
		text, ok := AdminText(ev)
		if !ok {
			return nil
		}
		return n.NotifyAdmins(ctx, text)
	}
}

// AdminText renders an admin event as a chat message.
func AdminText(ev model.Event) (string, bool) {
	switch ev.Type {
	case model.EventAdminJobFailed:
		var p model.JobFailedPayload
		if !decodePayload(ev.Payload, &p) {
			return "", false
		}
		return fmt.Sprintf("Job %s (%s via %s) failed for account %s: %s. Refunded %d credits.",
			p.JobID, p.Kind, p.Provider, p.AccountID, p.Reason, p.Refunded), true
	case model.EventPackageExpired:
		var p struct {
			Count int `json:"count"`
		}
		if !decodePayload(ev.Payload, &p) {
			return "", false
		}
		return fmt.Sprintf("%d credit packages expired.", p.Count), true
	}
	return "", false
}

// decodePayload accepts both in-process payload values and raw JSON from
// the relay.
func decodePayload(payload any, dst any) bool {
	var b []byte
	switch v := payload.(type) {
	case json.RawMessage:
		b = v
	case []byte:
		b = v
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return false
		}
	}
	return json.Unmarshal(b, dst) == nil
}
