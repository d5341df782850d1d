package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/ids"
)

type RecordStore interface {
	UpsertProvider(ctx context.Context, rec api.Provider) (api.Provider, error)
	UpsertRuntime(ctx context.Context, rec api.Runtime) (api.Runtime, error)
}

// EnsureRecord upserts the provider row and returns the stored winner.
func EnsureRecord(ctx context.Context, store RecordStore, gen *ids.Generator, identifier, name string) (api.Provider, error) {
	id, oid := gen.NewWithOid(ids.KindProvider)
	return store.UpsertProvider(ctx, api.Provider{Oid: oid, ID: id, Identifier: identifier, Name: name})
}

// LayerIdentifier content-addresses a layer description.
func LayerIdentifier(providerIdentifier string, layer api.Layer) (string, error) {
	layer.Identifier = ""
	hash, err := ids.ContentIdentifier(layer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("function-bay::layer::%s::%s", providerIdentifier, hash), nil
}

// RuntimeIdentifier content-addresses a runtime: the same layer, spec and
// build workflow always yield the same identifier.
func RuntimeIdentifier(providerIdentifier string, layer api.Layer, spec api.RuntimeSpec, workflow []forge.Step) (string, error) {
	hash, err := ids.ContentIdentifier(map[string]any{
		"layer":    layer,
		"runtime":  spec,
		"workflow": workflow,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("function-bay::runtime::%s::%s", providerIdentifier, hash), nil
}

// RuntimeResolver turns runtime specs into persisted runtime rows for one
// provider, remembering rows it already stored.
type RuntimeResolver struct {
	store       RecordStore
	gen         *ids.Generator
	provider    api.Provider
	displayName string
	layer       api.Layer
	workflow    []forge.Step
	supported   func(api.RuntimeSpec) bool

	mu        sync.RWMutex
	persisted map[string]api.Runtime
}

func NewRuntimeResolver(store RecordStore, gen *ids.Generator, provider api.Provider, displayName string, layer api.Layer, workflow []forge.Step, supported func(api.RuntimeSpec) bool) *RuntimeResolver {
	return &RuntimeResolver{
		store:       store,
		gen:         gen,
		provider:    provider,
		displayName: displayName,
		layer:       layer,
		workflow:    workflow,
		supported:   supported,
		persisted:   make(map[string]api.Runtime),
	}
}

func (r *RuntimeResolver) Resolve(ctx context.Context, spec api.RuntimeSpec) (ResolvedRuntime, error) {
	if r.supported != nil && !r.supported(spec) {
		return ResolvedRuntime{}, fberrors.New(fberrors.FBValidationRuntime, fmt.Sprintf("unsupported runtime %s for %s", spec, r.displayName))
	}
	identifier, err := RuntimeIdentifier(r.provider.Identifier, r.layer, spec, r.workflow)
	if err != nil {
		return ResolvedRuntime{}, err
	}
	r.mu.RLock()
	record, ok := r.persisted[identifier]
	r.mu.RUnlock()
	if !ok {
		id, oid := r.gen.NewWithOid(ids.KindRuntime)
		record, err = r.store.UpsertRuntime(ctx, api.Runtime{
			Oid:                oid,
			ID:                 id,
			Identifier:         identifier,
			Name:               fmt.Sprintf("%s %s", r.displayName, spec),
			ProviderOid:        r.provider.Oid,
			ProviderIdentifier: r.provider.Identifier,
			Spec:               spec,
			Layer:              r.layer,
		})
		if err != nil {
			return ResolvedRuntime{}, err
		}
		r.mu.Lock()
		r.persisted[identifier] = record
		r.mu.Unlock()
	}
	return ResolvedRuntime{
		Record:     record,
		Spec:       spec,
		Layer:      r.layer,
		Workflow:   r.workflow,
		Identifier: identifier,
	}, nil
}
