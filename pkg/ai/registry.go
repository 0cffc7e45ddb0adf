package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"txtwise/pkg/domain"
)

// Registry maps provider identifiers to adapters. Adapters without native
// image support delegate image requests to the configured image provider.
type Registry struct {
	mu            sync.RWMutex
	adapters      map[domain.Provider]Adapter
	imageProvider domain.Provider
}

func NewRegistry(imageProvider domain.Provider) *Registry {
	return &Registry{
		adapters:      make(map[domain.Provider]Adapter),
		imageProvider: imageProvider,
	}
}

func (r *Registry) Register(p domain.Provider, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = a
}

// Resolve returns the adapter for p, or ErrUnknownProvider.
func (r *Registry) Resolve(p domain.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	if p == r.imageProvider {
		return a, nil
	}
	return &imageFallback{Adapter: a, fallback: r.adapters[r.imageProvider]}, nil
}

// Providers lists registered providers in a stable order.
func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type imageFallback struct {
	Adapter
	fallback Adapter
}

func (a *imageFallback) GenerateImage(ctx context.Context, prompt string) (string, error) {
	url, err := a.Adapter.GenerateImage(ctx, prompt)
	if errors.Is(err, ErrImageUnsupported) && a.fallback != nil {
		return a.fallback.GenerateImage(ctx, prompt)
	}
	return url, err
}
