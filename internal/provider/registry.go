package provider

import (
	"context"
	"fmt"

	"github.com/relayhub/unibox/internal/domain"
)

// Sender delivers one request through a single upstream channel.
type Sender interface {
	Send(ctx context.Context, req *domain.SendRequest) error
}

// Registry dispatches requests to the sender registered for their
// provider. It satisfies the queue's Sender interface.
type Registry struct {
	senders map[domain.Provider]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Provider]Sender)}
}

// Register binds a sender to a provider. Later registrations replace
// earlier ones.
func (r *Registry) Register(p domain.Provider, s Sender) {
	r.senders[p] = s
}

// Send routes the request to its provider's sender.
func (r *Registry) Send(ctx context.Context, req *domain.SendRequest) error {
	s, ok := r.senders[req.Provider]
	if !ok {
		return fmt.Errorf("no sender registered for provider %q", req.Provider)
	}
	return s.Send(ctx, req)
}
