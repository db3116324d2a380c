// Package memstore holds in-memory implementations of the repository ports
// for tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hexeko/billing/internal/tenancy"
)

// Tenancy is an in-memory tenancy.Reader.
type Tenancy struct {
	mu              sync.RWMutex
	divisions       map[uuid.UUID]tenancy.Division
	financers       map[uuid.UUID]tenancy.Financer
	memberships     map[uuid.UUID][]tenancy.Membership
	financerModules map[uuid.UUID][]tenancy.ModuleActivation
	divisionModules map[uuid.UUID][]tenancy.ModuleActivation
	failures        map[uuid.UUID]error
}

// NewTenancy constructs an empty Tenancy.
func NewTenancy() *Tenancy {
	return &Tenancy{
		divisions:       map[uuid.UUID]tenancy.Division{},
		financers:       map[uuid.UUID]tenancy.Financer{},
		memberships:     map[uuid.UUID][]tenancy.Membership{},
		financerModules: map[uuid.UUID][]tenancy.ModuleActivation{},
		divisionModules: map[uuid.UUID][]tenancy.ModuleActivation{},
		failures:        map[uuid.UUID]error{},
	}
}

// AddDivision stores d, assigning an id when missing.
func (t *Tenancy) AddDivision(d tenancy.Division) tenancy.Division {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	t.divisions[d.ID] = d
	return d
}

// AddFinancer stores f, assigning an id when missing.
func (t *Tenancy) AddFinancer(f tenancy.Financer) tenancy.Financer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	t.financers[f.ID] = f
	return f
}

// AddMembership attaches m to its Financer.
func (t *Tenancy) AddMembership(m tenancy.Membership) tenancy.Membership {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.UserID == uuid.Nil {
		m.UserID = uuid.New()
	}
	t.memberships[m.FinancerID] = append(t.memberships[m.FinancerID], m)
	return m
}

// AddFinancerModule attaches a module activation to a Financer.
func (t *Tenancy) AddFinancerModule(financerID uuid.UUID, a tenancy.ModuleActivation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.financerModules[financerID] = append(t.financerModules[financerID], a)
}

// AddDivisionModule attaches a module activation to a Division.
func (t *Tenancy) AddDivisionModule(divisionID uuid.UUID, a tenancy.ModuleActivation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.divisionModules[divisionID] = append(t.divisionModules[divisionID], a)
}

// FailDivision makes ListFinancers of the Division return err.
func (t *Tenancy) FailDivision(divisionID uuid.UUID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[divisionID] = err
}

func (t *Tenancy) ListDivisions(_ context.Context, filter tenancy.DivisionFilter) ([]tenancy.Division, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []tenancy.Division
	for _, d := range t.divisions {
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, d.ID) {
			continue
		}
		if filter.ActiveOnly && !d.Active {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (t *Tenancy) GetDivision(_ context.Context, id uuid.UUID) (tenancy.Division, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.divisions[id]
	if !ok {
		return tenancy.Division{}, tenancy.ErrNotFound
	}
	return d, nil
}

func (t *Tenancy) GetFinancer(_ context.Context, id uuid.UUID) (tenancy.Financer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.financers[id]
	if !ok {
		return tenancy.Financer{}, tenancy.ErrNotFound
	}
	return f, nil
}

func (t *Tenancy) ListFinancers(_ context.Context, divisionID uuid.UUID) ([]tenancy.Financer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.failures[divisionID]; err != nil {
		return nil, err
	}
	var out []tenancy.Financer
	for _, f := range t.financers {
		if f.DivisionID == divisionID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (t *Tenancy) ListMemberships(_ context.Context, financerID uuid.UUID) ([]tenancy.Membership, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.memberships[financerID]), nil
}

func (t *Tenancy) ListFinancerModules(_ context.Context, financerID uuid.UUID) ([]tenancy.ModuleActivation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.financerModules[financerID]), nil
}

func (t *Tenancy) ListDivisionModules(_ context.Context, divisionID uuid.UUID) ([]tenancy.ModuleActivation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.divisionModules[divisionID]), nil
}
