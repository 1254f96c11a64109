package registry

import "context"

// Loader reads registry rows from durable storage.
type Loader interface {
	LoadRegistry(ctx context.Context) ([]Maintainer, []EconomicNode, error)
}

// StoreSource rebuilds a Snapshot from storage on every call, so registry
// changes take effect on the next decision.
type StoreSource struct {
	loader Loader
	keys   KeyValidator
}

func NewStoreSource(loader Loader, keys KeyValidator) *StoreSource {
	return &StoreSource{loader: loader, keys: keys}
}

func (s *StoreSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	maintainers, nodes, err := s.loader.LoadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return New(maintainers, nodes, s.keys)
}
