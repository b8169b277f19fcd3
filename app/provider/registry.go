package provider

import "github.com/vibast-solutions/ms-go-payment-orchestrator/app/entity"

type Registry struct {
	gateways map[entity.Provider]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	items := make(map[entity.Provider]Gateway, len(gateways))
	for _, g := range gateways {
		items[g.Code()] = g
	}
	return &Registry{gateways: items}
}

func (r *Registry) Get(code entity.Provider) (Gateway, error) {
	gateway, ok := r.gateways[code]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return gateway, nil
}

func (r *Registry) ForMethod(method entity.Method) (Gateway, error) {
	code, ok := entity.ProviderForMethod(method)
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return r.Get(code)
}
