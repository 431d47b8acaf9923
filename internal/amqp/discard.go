package amqp

import (
	"context"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
)

// Discard drops every event. Used when no broker is configured, so the
// rest of the system never needs a nil check on the publisher.
type Discard struct{}

func (Discard) PublishChangeEvent(context.Context, core.ChangeEvent) error {
	return nil
}
