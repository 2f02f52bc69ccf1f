package realtime

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/chat-core/internal/pubsub"
	"github.com/capitalize-ai/chat-core/pkg/metrics"
)

// Notifier delivers events to every session of a user regardless of which
// channels those sessions joined. Users with no open session are skipped;
// nothing is queued.
type Notifier struct {
	bus pubsub.Bus
}

// NewNotifier creates a directed notifier over bus.
func NewNotifier(bus pubsub.Bus) *Notifier {
	return &Notifier{bus: bus}
}

// SendToUser publishes event on the user's directed topic.
func (n *Notifier) SendToUser(ctx context.Context, userID, event string, payload any) error {
	data, err := newEventEnvelope(event, payload, "")
	if err != nil {
		return err
	}
	if err := n.bus.Publish(ctx, pubsub.UserTopic(userID), data); err != nil {
		metrics.BusPublishErrors.WithLabelValues("directed").Inc()
		return fmt.Errorf("publish to user %s: %w", userID, err)
	}
	return nil
}
