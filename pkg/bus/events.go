package bus

import (
	"context"
	"encoding/json"

	"github.com/casegraph/swarm/pkg/contracts"
)

func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// PublishEvent serializes a typed envelope to swarm.events.<type>.
func (b *Bus) PublishEvent(ctx context.Context, ev contracts.SwarmEvent) (string, error) {
	return b.PublishJSON(ctx, contracts.EventSubject(ev.Type), ev)
}
