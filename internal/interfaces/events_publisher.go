package interfaces

import "context"

// EventPublisher delivers domain events after the unit of work that produced
// them has committed. Delivery failures never undo a committed write.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event any) error
}
