package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// Registry manages the venue strategies and resolves which one should handle
// a token. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[domain.Venue]Strategy
	// priority is the probe order for ResolveVenue; curve first, since a
	// graduated token also has a pool.
	priority []domain.Venue
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[domain.Venue]Strategy),
	}
}

// Register adds a strategy for its venue. A strategy registered for the same
// venue replaces the previous one; probe order follows registration order.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Venue()]; !exists {
		r.priority = append(r.priority, s.Venue())
	}
	r.strategies[s.Venue()] = s
}

// ForVenue retrieves the strategy registered for a venue.
func (r *Registry) ForVenue(venue domain.Venue) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[venue]
	if !ok {
		return nil, fmt.Errorf("strategy: no strategy for venue %q", venue)
	}
	return s, nil
}

// ResolveVenue probes strategies in priority order and returns the first that
// can execute the token.
func (r *Registry) ResolveVenue(ctx context.Context, tokenMint string) (domain.Venue, error) {
	r.mu.RLock()
	order := append([]domain.Venue(nil), r.priority...)
	strategies := make(map[domain.Venue]Strategy, len(r.strategies))
	for v, s := range r.strategies {
		strategies[v] = s
	}
	r.mu.RUnlock()

	for _, v := range order {
		ok, err := strategies[v].CanExecute(ctx, tokenMint)
		if err != nil {
			return "", fmt.Errorf("strategy: probing venue %q for %s: %w", v, tokenMint, err)
		}
		if ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("strategy: no venue can execute %s", tokenMint)
}
