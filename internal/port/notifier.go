package port

import "context"

// Notifier publishes payment events to the real-time bus. Publishing
// is fire-and-forget: a publish failure never fails or rolls back a
// finalize.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) error
}
