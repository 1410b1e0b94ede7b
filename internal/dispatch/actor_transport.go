package dispatch

import (
	"context"

	"github.com/conveyor-hq/conveyor/internal/engine"
)

// ActorTransport is the in-process default transport: it posts the command
// straight into the actor registry. Delivery to the same execution id is
// idempotent at the actor, so dispatcher retries are harmless.
type ActorTransport struct {
	registry *engine.Registry
}

// NewActorTransport wraps an actor registry as a dispatch transport.
func NewActorTransport(registry *engine.Registry) *ActorTransport {
	return &ActorTransport{registry: registry}
}

func (t *ActorTransport) Deliver(ctx context.Context, cmd Command) (Receipt, error) {
	dispatched, ignored, err := t.registry.Deliver(ctx, cmd.ExecutionID)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Dispatched: dispatched, Ignored: ignored}, nil
}

var _ Transport = (*ActorTransport)(nil)
