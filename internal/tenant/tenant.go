// Package tenant resolves job owners to the tenant and plan tier that meter them.
package tenant

import (
	"context"
	"sync"

	"job-orchestrator/internal/plan"
)

// Tenant is the ownership boundary that quotas and concurrency are scoped to.
type Tenant struct {
	ID   string    `json:"id"`
	Tier plan.Tier `json:"tier"`
}

// Resolver maps an owner identity to its tenant. found=false means the owner is
// not metered.
type Resolver interface {
	Resolve(ctx context.Context, owner string) (t Tenant, found bool, err error)
}

// Static resolves owners from an in-memory table. Owners without an entry
// become their own tenant on the fallback tier when one is set.
type Static struct {
	mu       sync.RWMutex
	owners   map[string]Tenant
	fallback plan.Tier
}

// NewStatic builds a resolver. An empty fallback leaves unknown owners unmetered.
func NewStatic(fallback plan.Tier) *Static {
	return &Static{owners: make(map[string]Tenant), fallback: fallback}
}

// Set binds an owner to a tenant.
func (s *Static) Set(owner string, t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[owner] = t
}

func (s *Static) Resolve(_ context.Context, owner string) (Tenant, bool, error) {
	if owner == "" {
		return Tenant{}, false, nil
	}
	s.mu.RLock()
	t, ok := s.owners[owner]
	s.mu.RUnlock()
	if ok {
		return t, true, nil
	}
	if s.fallback == "" {
		return Tenant{}, false, nil
	}
	return Tenant{ID: owner, Tier: s.fallback}, true, nil
}

// Fallback consults Next and meters owners it does not know as their own
// tenant on Tier.
type Fallback struct {
	Next Resolver
	Tier plan.Tier
}

func (f Fallback) Resolve(ctx context.Context, owner string) (Tenant, bool, error) {
	if owner == "" {
		return Tenant{}, false, nil
	}
	t, ok, err := f.Next.Resolve(ctx, owner)
	if err != nil || ok {
		return t, ok, err
	}
	if f.Tier == "" {
		return Tenant{}, false, nil
	}
	return Tenant{ID: owner, Tier: f.Tier}, true, nil
}
