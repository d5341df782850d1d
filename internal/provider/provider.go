// Package provider defines what a cloud function provider must offer the
// deployment pipeline and the invocation executor.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
)

// Locations the build workflow writes to and the artifact names it uploads
// them under.
const (
	ManifestPath         = "/workspace/.function-bay/manifest.json"
	OutputZipPath        = "/workspace/.function-bay/output.zip"
	ManifestArtifactName = "function-bay-manifest"
	OutputArtifactName   = "function-bay-output"
)

type ResolvedRuntime struct {
	Record     api.Runtime
	Spec       api.RuntimeSpec
	Layer      api.Layer
	Workflow   []forge.Step
	Identifier string
}

type DeployParams struct {
	Function      api.Function
	Deployment    api.Deployment
	VersionID     string
	Runtime       api.Runtime
	RuntimeConfig api.RuntimeConfig
	Env           map[string]string
	ArtifactURL   string
}

type DeployResult struct {
	ProviderData json.RawMessage
}

type InvokeParams struct {
	Function api.Function
	Version  api.Version
	Payload  json.RawMessage
}

type OutcomeType string

const (
	OutcomeSuccess OutcomeType = "success"
	OutcomeError   OutcomeType = "error"
)

// Outcome is the classified result of one invocation. Timings are -1 when the
// provider reported none.
type Outcome struct {
	Type          OutcomeType
	Result        json.RawMessage
	Error         *api.InvocationError
	InternalError string
	Logs          []api.LogLine
	ComputeTimeMS float64
	BilledTimeMS  float64
}

type Provider interface {
	Identifier() string
	Name() string
	Layer() api.Layer
	Workflow() []forge.Step
	ResolveRuntime(ctx context.Context, spec api.RuntimeSpec) (ResolvedRuntime, error)
	DeployFunction(ctx context.Context, params DeployParams) (DeployResult, error)
	InvokeFunction(ctx context.Context, params InvokeParams) Outcome
}

// Registry holds the providers configured for this process.
type Registry struct {
	providers map[string]Provider
	def       string
}

func NewRegistry(defaultID string, providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers)), def: defaultID}
	for _, p := range providers {
		if _, dup := r.providers[p.Identifier()]; dup {
			return nil, fmt.Errorf("provider %q registered twice", p.Identifier())
		}
		r.providers[p.Identifier()] = p
	}
	if _, ok := r.providers[defaultID]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", defaultID)
	}
	return r, nil
}

func (r *Registry) Get(identifier string) (Provider, error) {
	p, ok := r.providers[identifier]
	if !ok {
		return nil, fberrors.NotFound("provider " + identifier)
	}
	return p, nil
}

func (r *Registry) Default() Provider {
	return r.providers[r.def]
}

func (r *Registry) Identifiers() []string {
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
