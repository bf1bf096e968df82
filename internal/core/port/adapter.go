package port

import (
	"context"

	"github.com/voicehome/intenthub/internal/core/domain"
)

// ProtocolAdapter is the uniform execution interface over one transport
// protocol. Adapters are stateless with respect to dispatch logic; any
// connection pooling or session reuse stays internal. Every call carries
// the dispatcher's timeout budget through ctx and must not block past it.
//
// Adding a protocol means implementing this interface and binding it in
// the adapter set. The dispatcher never branches on protocol type.
type ProtocolAdapter interface {
	Protocol() domain.Protocol

	// Execute applies one action to one device and returns the attribute
	// changes now believed true for the device. Failures are returned as
	// *domain.AdapterError so the dispatcher can classify transient vs
	// terminal outcomes.
	Execute(ctx context.Context, device domain.Device, action domain.Action, params map[string]any) (map[string]any, error)

	// QueryState fetches the device's current reported state, used by the
	// active reconciliation cycle.
	QueryState(ctx context.Context, device domain.Device) (map[string]any, error)
}

// AdapterSet resolves the adapter bound to a device's protocol.
type AdapterSet map[domain.Protocol]ProtocolAdapter

func (s AdapterSet) For(p domain.Protocol) (ProtocolAdapter, bool) {
	a, ok := s[p]
	return a, ok
}
