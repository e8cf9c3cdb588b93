// Package tenants resolves bridge clients by gateway instance or CRM location.
package tenants

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/memohai/wabridge/internal/config"
)

// ErrNotFound is returned when no enabled tenant matches.
var ErrNotFound = errors.New("tenants: not found")

// Tenant is one bridged client: a CRM location paired with a gateway instance.
type Tenant struct {
	ID             string
	LocationID     string
	InstanceName   string
	CRMAccessToken string
	AgentID        string
	AdminPhone     string
	Disabled       bool
}

// Registry looks up tenants.
type Registry interface {
	LookupByInstance(ctx context.Context, instance string) (Tenant, error)
	LookupByLocation(ctx context.Context, locationID string) (Tenant, error)
	// ListInstances returns the instance names of every enabled tenant.
	ListInstances(ctx context.Context) ([]string, error)
}

// StaticRegistry serves tenants from configuration.
type StaticRegistry struct {
	mu         sync.RWMutex
	byInstance map[string]Tenant
	byLocation map[string]Tenant
}

func NewStaticRegistry(items []Tenant) *StaticRegistry {
	r := &StaticRegistry{
		byInstance: map[string]Tenant{},
		byLocation: map[string]Tenant{},
	}
	for _, t := range items {
		r.byInstance[strings.TrimSpace(t.InstanceName)] = t
		r.byLocation[strings.TrimSpace(t.LocationID)] = t
	}
	return r
}

// FromConfig maps [[tenants]] entries.
func FromConfig(items []config.TenantConfig) []Tenant {
	out := make([]Tenant, 0, len(items))
	for _, item := range items {
		out = append(out, Tenant{
			ID:             item.ID,
			LocationID:     item.LocationID,
			InstanceName:   item.InstanceName,
			CRMAccessToken: item.CRMAccessToken,
			AgentID:        item.AgentID,
			AdminPhone:     item.AdminPhone,
			Disabled:       item.Disabled,
		})
	}
	return out
}

func (r *StaticRegistry) LookupByInstance(_ context.Context, instance string) (Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byInstance[strings.TrimSpace(instance)]
	if !ok || t.Disabled {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (r *StaticRegistry) LookupByLocation(_ context.Context, locationID string) (Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byLocation[strings.TrimSpace(locationID)]
	if !ok || t.Disabled {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (r *StaticRegistry) ListInstances(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byInstance))
	for name, t := range r.byInstance {
		if !t.Disabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
