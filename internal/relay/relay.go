// Package relay talks to the pub/sub service that stands in for a real
// webhook endpoint. Senders publish bodies to a topic; the viewer polls the
// topic's cached messages.
package relay

import (
	"context"
	"fmt"

	"github.com/billgrant/webhook-tester/internal/envelope"
)

// SinceAll asks the relay for every cached message on a topic.
const SinceAll = "all"

// Publisher posts a body to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) (envelope.Message, error)
}

// Poller returns the messages a relay has cached for a topic. since is
// SinceAll, a message id (only later messages are returned) or a
// relay-specific duration such as "10m".
type Poller interface {
	Poll(ctx context.Context, topic, since string) ([]envelope.Message, error)
}

// Relay is a full relay connection.
type Relay interface {
	Publisher
	Poller
	Close() error
}

// StatusError is returned when the relay answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("relay %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}
