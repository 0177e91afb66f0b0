// Package stats supplies per-season statistical profiles used as a matching
// signal. Every provider here may fail; callers treat failure as a degraded
// signal rather than a hard error.
package stats

import (
	"context"

	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// Provider returns the statistical profile for one source record.
type Provider interface {
	Profile(ctx context.Context, key identity.MappingKey) (*identity.StatisticalProfile, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, key identity.MappingKey) (*identity.StatisticalProfile, error)

func (f ProviderFunc) Profile(ctx context.Context, key identity.MappingKey) (*identity.StatisticalProfile, error) {
	return f(ctx, key)
}

// StaticProvider serves profiles from a map. Missing keys return
// errors.ErrNotFound.
type StaticProvider map[identity.MappingKey]identity.StatisticalProfile

func (p StaticProvider) Profile(_ context.Context, key identity.MappingKey) (*identity.StatisticalProfile, error) {
	prof, ok := p[key]
	if !ok {
		return nil, notFound(key)
	}
	return &prof, nil
}
