package provider

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/ids"
)

type stubProvider struct {
	id string
}

func (s stubProvider) Identifier() string { return s.id }
func (s stubProvider) Name() string { return s.id }
func (s stubProvider) Layer() api.Layer { return api.Layer{} }
func (s stubProvider) Workflow() []forge.Step { return nil }
func (s stubProvider) ResolveRuntime(context.Context, api.RuntimeSpec) (ResolvedRuntime, error) {
	return ResolvedRuntime{}, nil
}
func (s stubProvider) DeployFunction(context.Context, DeployParams) (DeployResult, error) {
	return DeployResult{}, nil
}
func (s stubProvider) InvokeFunction(context.Context, InvokeParams) Outcome { return Outcome{} }

func TestRegistry(t *testing.T) {
	r, err := NewRegistry("aws.lambda", stubProvider{id: "aws.lambda"}, stubProvider{id: "other"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if r.Default().Identifier() != "aws.lambda" {
		t.Fatalf("unexpected default %s", r.Default().Identifier())
	}
	if _, err := r.Get("missing"); !fberrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := r.Identifiers(); len(got) != 2 || got[0] != "aws.lambda" {
		t.Fatalf("unexpected identifiers %v", got)
	}
	if _, err := NewRegistry("missing", stubProvider{id: "aws.lambda"}); err == nil {
		t.Fatalf("expected error for unknown default")
	}
	if _, err := NewRegistry("a", stubProvider{id: "a"}, stubProvider{id: "a"}); err == nil {
		t.Fatalf("expected error for duplicate provider")
	}
}

type memStore struct {
	mu       sync.Mutex
	runtimes map[string]api.Runtime
	upserts  int
}

func (m *memStore) UpsertProvider(_ context.Context, rec api.Provider) (api.Provider, error) {
	return rec, nil
}

func (m *memStore) UpsertRuntime(_ context.Context, rec api.Runtime) (api.Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if existing, ok := m.runtimes[rec.Identifier]; ok {
		return existing, nil
	}
	m.runtimes[rec.Identifier] = rec
	return rec, nil
}

func TestRuntimeResolverIsDeterministic(t *testing.T) {
	gen, _ := ids.NewGenerator(1)
	store := &memStore{runtimes: map[string]api.Runtime{}}
	layer := api.Layer{Provider: "aws.lambda", Version: "2026-01-01", OS: "linux", OSIdentifier: "aws-linux.any", Arch: "x86_64"}
	workflow := []forge.Step{{Name: "Build Function", Type: forge.StepScript, ActionScript: []string{"build"}}}
	supported := func(s api.RuntimeSpec) bool { return s.Identifier == "nodejs" }
	prov := api.Provider{Oid: 9, Identifier: "aws.lambda"}

	a := NewRuntimeResolver(store, gen, prov, "AWS Lambda", layer, workflow, supported)
	b := NewRuntimeResolver(store, gen, prov, "AWS Lambda", layer, workflow, supported)
	spec := api.RuntimeSpec{Identifier: "nodejs", Version: "22.x"}

	ra, err := a.Resolve(context.Background(), spec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rb, err := b.Resolve(context.Background(), spec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ra.Identifier != rb.Identifier || ra.Record.Oid != rb.Record.Oid {
		t.Fatalf("expected converged runtime, got %+v and %+v", ra.Record, rb.Record)
	}
	if !strings.HasPrefix(ra.Identifier, "function-bay::runtime::aws.lambda::") {
		t.Fatalf("unexpected identifier %s", ra.Identifier)
	}
	if ra.Record.Name != "AWS Lambda nodejs@22.x" || ra.Record.ProviderOid != 9 {
		t.Fatalf("unexpected record %+v", ra.Record)
	}
	if _, err := a.Resolve(context.Background(), spec); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if store.upserts != 2 {
		t.Fatalf("expected cached resolution to skip the store, got %d upserts", store.upserts)
	}

	other, _ := a.Resolve(context.Background(), api.RuntimeSpec{Identifier: "nodejs", Version: "24.x"})
	if other.Identifier == ra.Identifier {
		t.Fatalf("different specs must not share an identifier")
	}
	_, err = a.Resolve(context.Background(), api.RuntimeSpec{Identifier: "python", Version: "3.13"})
	if fberrors.CodeOf(err) != fberrors.FBValidationRuntime {
		t.Fatalf("expected unsupported runtime error, got %v", err)
	}
}

func TestLayerIdentifierIgnoresOwnIdentifier(t *testing.T) {
	layer := api.Layer{Provider: "aws.lambda", Version: "2026-01-01", OS: "linux", OSIdentifier: "aws-linux.any", Arch: "x86_64"}
	first, err := LayerIdentifier("aws.lambda", layer)
	if err != nil {
		t.Fatalf("layer identifier: %v", err)
	}
	layer.Identifier = first
	second, _ := LayerIdentifier("aws.lambda", layer)
	if first != second {
		t.Fatalf("expected stable identifier, got %s and %s", first, second)
	}
}
