// Package provider implements mail provider adapters and factory.
package provider

import (
	"fmt"

	"mailhub_server/core/domain"
	"mailhub_server/core/port/out"
)

// =============================================================================
// Fetch Client Factory
// =============================================================================

// Factory resolves the fetch client for an account's protocol.
type Factory struct {
	clients map[domain.Protocol]out.FetchClient
}

// NewFactory creates a factory over the given clients. nil 클라이언트는
// 등록하지 않습니다 (설정에서 비활성화된 프로토콜).
func NewFactory(clients ...out.FetchClient) *Factory {
	f := &Factory{clients: make(map[domain.Protocol]out.FetchClient, len(clients))}
	for _, c := range clients {
		if c != nil {
			f.clients[c.Protocol()] = c
		}
	}
	return f
}

// ForProtocol returns the client for the protocol.
func (f *Factory) ForProtocol(p domain.Protocol) (out.FetchClient, error) {
	c, ok := f.clients[p]
	if !ok {
		return nil, fmt.Errorf("unsupported protocol: %s", p)
	}
	return c, nil
}

var _ out.FetchClientFactory = (*Factory)(nil)
