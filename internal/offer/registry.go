package offer

import (
	"slices"
	"sync"

	"github.com/roach88/coffer/internal/ir"
)

// DefaultMaxOffers bounds the number of offers a tenant may configure.
const DefaultMaxOffers = 8

// Registry holds the offers configured for each tenant.
//
// Reads take a snapshot and never block on a securing pass. Structural
// changes (AddOffer, RemoveOffer) take the tenant's exclusive lock, the same
// lock a securing pass holds for its whole flush, so they cannot interleave.
type Registry struct {
	maxOffers int

	mu      sync.RWMutex
	tenants map[int]*tenantOffers
}

type tenantOffers struct {
	lock   sync.Mutex
	offers []Offer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxOffers overrides DefaultMaxOffers.
func WithMaxOffers(n int) RegistryOption {
	return func(r *Registry) {
		r.maxOffers = n
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		maxOffers: DefaultMaxOffers,
		tenants:   make(map[int]*tenantOffers),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddTenant registers a tenant with no offers. It is a no-op for a known tenant.
func (r *Registry) AddTenant(tenant int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenant]; !ok {
		r.tenants[tenant] = &tenantOffers{}
	}
}

func (r *Registry) tenant(tenant int) (*tenantOffers, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenant]
	if !ok {
		return nil, ir.NotFound(ir.CodeTenantNotFound, "tenant is not configured").WithTenant(tenant)
	}
	return t, nil
}

// AddOffer configures o for tenant, registering the tenant if needed.
//
// Fails with OFFER_EXISTS if the tenant already has an offer with the same
// id, and TOO_MANY_OFFERS once the tenant is at its limit.
func (r *Registry) AddOffer(tenant int, o Offer) error {
	r.AddTenant(tenant)
	t, err := r.tenant(tenant)
	if err != nil {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range t.offers {
		if existing.ID() == o.ID() {
			return ir.Functional(ir.CodeOfferExists, "offer already configured").WithTenant(tenant).WithOffer(o.ID())
		}
	}
	if len(t.offers) >= r.maxOffers {
		return ir.Functional(ir.CodeTooManyOffers, "tenant already has %d offers", len(t.offers)).WithTenant(tenant).WithOffer(o.ID())
	}
	// Copy on write so snapshots handed out earlier stay valid.
	t.offers = append(slices.Clone(t.offers), o)
	return nil
}

// RemoveOffer drops an offer from tenant.
func (r *Registry) RemoveOffer(tenant int, id string) error {
	t, err := r.tenant(tenant)
	if err != nil {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.IndexFunc(t.offers, func(o Offer) bool { return o.ID() == id })
	if i < 0 {
		return ir.NotFound(ir.CodeOfferNotFound, "offer is not configured").WithTenant(tenant).WithOffer(id)
	}
	t.offers = slices.Delete(slices.Clone(t.offers), i, i+1)
	return nil
}

// Offers returns a snapshot of the tenant's offers in configuration order.
func (r *Registry) Offers(tenant int) ([]Offer, error) {
	t, err := r.tenant(tenant)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return t.offers, nil
}

// Offer returns one of the tenant's offers by id.
func (r *Registry) Offer(tenant int, id string) (Offer, error) {
	offers, err := r.Offers(tenant)
	if err != nil {
		return nil, err
	}
	for _, o := range offers {
		if o.ID() == id {
			return o, nil
		}
	}
	return nil, ir.NotFound(ir.CodeOfferNotFound, "offer is not configured").WithTenant(tenant).WithOffer(id)
}

// Tenants returns every registered tenant in ascending order.
func (r *Registry) Tenants() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.tenants))
	for t := range r.tenants {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Lock takes the tenant's exclusive structural lock and returns its release.
func (r *Registry) Lock(tenant int) (func(), error) {
	t, err := r.tenant(tenant)
	if err != nil {
		return nil, err
	}
	t.lock.Lock()
	return t.lock.Unlock, nil
}
