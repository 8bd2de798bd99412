package notify

import "context"

// Notifier delivers a direct message to a single user.
type Notifier interface {
	SendDirectMessage(ctx context.Context, userId, text string) error
}
