// Package gateway defines the messaging gateway collaborator that actually
// delivers messages. The engine only depends on the interface; the HTTP
// implementation talks to an external gateway service.
package gateway

import "context"

// Gateway is the external delivery transport.
type Gateway interface {
	// SendMessage delivers one message. The returned error carries the raw
	// failure signature used for classification.
	SendMessage(ctx context.Context, destination, payload string) error

	// IsChannelConnected reports whether the sending channel is reachable
	// and authenticated.
	IsChannelConnected(ctx context.Context, channelRef string) bool
}
