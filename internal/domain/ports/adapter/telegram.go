package adapter

import "context"

// AdminNotifier delivers plain-text operational alerts to admin chats.
type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, text string) error
}
