package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/plugins/messaging"
	"github.com/osvaldoandrade/fnbay/internal/provider"
	"github.com/osvaldoandrade/fnbay/internal/storage"
)

// FakeForge keeps tenants, workflows and runs in memory. Every method can be
// overridden through its Fn field.
type FakeForge struct {
	mu sync.Mutex

	UpsertTenantFn          func(context.Context, string, string) (forge.Tenant, error)
	GetWorkflowFn           func(context.Context, string, string) (forge.Workflow, error)
	UpsertWorkflowFn        func(context.Context, string, string, string) (forge.Workflow, error)
	CreateWorkflowVersionFn func(context.Context, string, string, string, []forge.Step) (forge.WorkflowVersion, error)
	CreateRunFn             func(context.Context, string, string, forge.CreateRunRequest) (forge.Run, error)
	GetRunFn                func(context.Context, string, string, string) (forge.Run, error)
	GetRunOutputFn          func(context.Context, string, string, string) ([]forge.RunStepOutput, error)
	OpenArtifactFn          func(context.Context, string) (io.ReadCloser, int64, error)

	tenants   map[string]forge.Tenant
	workflows map[string]forge.Workflow
	runs      map[string]forge.Run
	outputs   map[string][]forge.RunStepOutput
	artifacts map[string][]byte

	Versions    []forge.WorkflowVersion
	RunRequests []forge.CreateRunRequest
}

func (f *FakeForge) init() {
	if f.tenants == nil {
		f.tenants = make(map[string]forge.Tenant)
		f.workflows = make(map[string]forge.Workflow)
		f.runs = make(map[string]forge.Run)
		f.outputs = make(map[string][]forge.RunStepOutput)
		f.artifacts = make(map[string][]byte)
	}
}

// SetRun replaces the stored state of a run.
func (f *FakeForge) SetRun(run forge.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.runs[run.ID] = run
}

// FinishRun marks a run succeeded and attaches a manifest and an output
// artifact served from memory.
func (f *FakeForge) FinishRun(runID string, manifest, output []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	run := f.runs[runID]
	run.ID = runID
	run.Status = forge.RunSucceeded
	manifestURL := "mem://" + runID + "/" + provider.ManifestArtifactName
	outputURL := "mem://" + runID + "/" + provider.OutputArtifactName
	run.Artifacts = []forge.Artifact{
		{ID: runID + "-manifest", Name: provider.ManifestArtifactName, URL: forge.ArtifactURL{URL: manifestURL}},
		{ID: runID + "-output", Name: provider.OutputArtifactName, URL: forge.ArtifactURL{URL: outputURL}},
	}
	f.runs[runID] = run
	f.artifacts[manifestURL] = manifest
	f.artifacts[outputURL] = output
}

// SetRunOutput sets the step output GetRunOutput returns for runID.
func (f *FakeForge) SetRunOutput(runID string, out []forge.RunStepOutput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.outputs[runID] = out
}

func (f *FakeForge) TenantCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tenants)
}

func (f *FakeForge) UpsertTenant(ctx context.Context, identifier, name string) (forge.Tenant, error) {
	if f.UpsertTenantFn != nil {
		return f.UpsertTenantFn(ctx, identifier, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	t, ok := f.tenants[identifier]
	if !ok {
		t = forge.Tenant{ID: "ften_" + identifier, Identifier: identifier, Name: name}
		f.tenants[identifier] = t
	}
	return t, nil
}

func (f *FakeForge) GetWorkflow(ctx context.Context, tenantID, workflowID string) (forge.Workflow, error) {
	if f.GetWorkflowFn != nil {
		return f.GetWorkflowFn(ctx, tenantID, workflowID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return forge.Workflow{}, fberrors.NotFound("forge workflow")
	}
	return wf, nil
}

func (f *FakeForge) UpsertWorkflow(ctx context.Context, tenantID, identifier, name string) (forge.Workflow, error) {
	if f.UpsertWorkflowFn != nil {
		return f.UpsertWorkflowFn(ctx, tenantID, identifier, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	id := "fwf_" + tenantID + "_" + identifier
	wf, ok := f.workflows[id]
	if !ok {
		wf = forge.Workflow{ID: id, Identifier: identifier, Name: name}
		f.workflows[id] = wf
	}
	return wf, nil
}

func (f *FakeForge) CreateWorkflowVersion(ctx context.Context, tenantID, workflowID, name string, steps []forge.Step) (forge.WorkflowVersion, error) {
	if f.CreateWorkflowVersionFn != nil {
		return f.CreateWorkflowVersionFn(ctx, tenantID, workflowID, name, steps)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v := forge.WorkflowVersion{ID: fmt.Sprintf("fwv_%d", len(f.Versions)+1), Name: name, Steps: steps}
	f.Versions = append(f.Versions, v)
	return v, nil
}

func (f *FakeForge) CreateRun(ctx context.Context, tenantID, workflowID string, req forge.CreateRunRequest) (forge.Run, error) {
	if f.CreateRunFn != nil {
		return f.CreateRunFn(ctx, tenantID, workflowID, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.RunRequests = append(f.RunRequests, req)
	run := forge.Run{ID: fmt.Sprintf("frun_%d", len(f.RunRequests)), WorkflowID: workflowID, Status: forge.RunPending}
	f.runs[run.ID] = run
	return run, nil
}

func (f *FakeForge) GetRun(ctx context.Context, tenantID, workflowID, runID string) (forge.Run, error) {
	if f.GetRunFn != nil {
		return f.GetRunFn(ctx, tenantID, workflowID, runID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	run, ok := f.runs[runID]
	if !ok {
		return forge.Run{}, fberrors.NotFound("forge run")
	}
	return run, nil
}

func (f *FakeForge) GetRunOutput(ctx context.Context, tenantID, workflowID, runID string) ([]forge.RunStepOutput, error) {
	if f.GetRunOutputFn != nil {
		return f.GetRunOutputFn(ctx, tenantID, workflowID, runID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return f.outputs[runID], nil
}

func (f *FakeForge) OpenArtifact(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error) {
	if f.OpenArtifactFn != nil {
		return f.OpenArtifactFn(ctx, artifactURL)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	body, ok := f.artifacts[artifactURL]
	if !ok {
		return nil, 0, fberrors.NotFound("forge artifact")
	}
	return io.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
}

// FakeProvider is a provider.Provider whose behavior is set per test.
type FakeProvider struct {
	mu sync.Mutex

	IdentifierValue string
	NameValue       string
	LayerValue      api.Layer
	WorkflowValue   []forge.Step

	// Resolver, when set, backs ResolveRuntime with real runtime rows.
	Resolver *provider.RuntimeResolver

	ResolveRuntimeFn func(context.Context, api.RuntimeSpec) (provider.ResolvedRuntime, error)
	DeployFunctionFn func(context.Context, provider.DeployParams) (provider.DeployResult, error)
	InvokeFunctionFn func(context.Context, provider.InvokeParams) provider.Outcome

	Deploys []provider.DeployParams
	Invokes []provider.InvokeParams
}

func (f *FakeProvider) Identifier() string {
	if f.IdentifierValue == "" {
		return "fake"
	}
	return f.IdentifierValue
}

func (f *FakeProvider) Name() string {
	if f.NameValue == "" {
		return "Fake"
	}
	return f.NameValue
}

func (f *FakeProvider) Layer() api.Layer { return f.LayerValue }

func (f *FakeProvider) Workflow() []forge.Step { return f.WorkflowValue }

func (f *FakeProvider) ResolveRuntime(ctx context.Context, spec api.RuntimeSpec) (provider.ResolvedRuntime, error) {
	if f.ResolveRuntimeFn != nil {
		return f.ResolveRuntimeFn(ctx, spec)
	}
	if f.Resolver != nil {
		return f.Resolver.Resolve(ctx, spec)
	}
	return provider.ResolvedRuntime{Spec: spec, Layer: f.LayerValue, Workflow: f.WorkflowValue}, nil
}

func (f *FakeProvider) DeployFunction(ctx context.Context, params provider.DeployParams) (provider.DeployResult, error) {
	f.mu.Lock()
	f.Deploys = append(f.Deploys, params)
	f.mu.Unlock()
	if f.DeployFunctionFn != nil {
		return f.DeployFunctionFn(ctx, params)
	}
	data, err := json.Marshal(map[string]string{"functionName": "fake-" + params.VersionID})
	if err != nil {
		return provider.DeployResult{}, err
	}
	return provider.DeployResult{ProviderData: data}, nil
}

func (f *FakeProvider) InvokeFunction(ctx context.Context, params provider.InvokeParams) provider.Outcome {
	f.mu.Lock()
	f.Invokes = append(f.Invokes, params)
	f.mu.Unlock()
	if f.InvokeFunctionFn != nil {
		return f.InvokeFunctionFn(ctx, params)
	}
	return provider.Outcome{Type: provider.OutcomeSuccess, Result: params.Payload, ComputeTimeMS: -1, BilledTimeMS: -1}
}

func (f *FakeProvider) DeployCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Deploys)
}

// FakeStorage keeps uploaded objects in memory keyed "bucket/key".
type FakeStorage struct {
	mu sync.Mutex

	EnsureBucketFn func(context.Context, string) error
	PutObjectFn    func(context.Context, string, string, io.Reader, int64, string) (storage.Location, error)

	Objects map[string][]byte
}

func (f *FakeStorage) EnsureBucket(ctx context.Context, bucket string) error {
	if f.EnsureBucketFn != nil {
		return f.EnsureBucketFn(ctx, bucket)
	}
	return nil
}

func (f *FakeStorage) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (storage.Location, error) {
	if f.PutObjectFn != nil {
		return f.PutObjectFn(ctx, bucket, key, body, size, contentType)
	}
	var data []byte
	if body != nil {
		var err error
		if data, err = io.ReadAll(body); err != nil {
			return storage.Location{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Objects == nil {
		f.Objects = make(map[string][]byte)
	}
	f.Objects[bucket+"/"+key] = data
	return storage.Location{Bucket: bucket, Key: key, ETag: "etag", Size: int64(len(data))}, nil
}

func (f *FakeStorage) Object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Objects[bucket+"/"+key]
	return data, ok
}

// FakeMessaging records published events.
type FakeMessaging struct {
	mu sync.Mutex

	CloseFn                  func() error
	PublishDeploymentEventFn func(context.Context, api.DeploymentEvent) error
	PublishInvocationEventFn func(context.Context, api.InvocationEvent) error
	ConsumeTopicFn           func(context.Context, string, string, func(messaging.Envelope) error) error

	DeploymentEvents []api.DeploymentEvent
	InvocationEvents []api.InvocationEvent
}

func (f *FakeMessaging) Close() error {
	if f.CloseFn != nil {
		return f.CloseFn()
	}
	return nil
}

func (f *FakeMessaging) PublishDeploymentEvent(ctx context.Context, ev api.DeploymentEvent) error {
	if f.PublishDeploymentEventFn != nil {
		return f.PublishDeploymentEventFn(ctx, ev)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeploymentEvents = append(f.DeploymentEvents, ev)
	return nil
}

func (f *FakeMessaging) PublishInvocationEvent(ctx context.Context, ev api.InvocationEvent) error {
	if f.PublishInvocationEventFn != nil {
		return f.PublishInvocationEventFn(ctx, ev)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InvocationEvents = append(f.InvocationEvents, ev)
	return nil
}

func (f *FakeMessaging) ConsumeTopic(ctx context.Context, topic, groupID string, handler func(messaging.Envelope) error) error {
	if f.ConsumeTopicFn != nil {
		return f.ConsumeTopicFn(ctx, topic, groupID, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *FakeMessaging) Deployments() []api.DeploymentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.DeploymentEvent(nil), f.DeploymentEvents...)
}

func (f *FakeMessaging) Invocations() []api.InvocationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.InvocationEvent(nil), f.InvocationEvents...)
}

// FakeInvocations is an in-memory invocation record store.
type FakeInvocations struct {
	mu sync.Mutex

	CloseFn            func() error
	PingFn             func(context.Context) error
	SaveInvocationFn   func(context.Context, api.Invocation) error
	GetInvocationFn    func(context.Context, string) (api.Invocation, error)
	ListInvocationsFn  func(context.Context, int64, int) ([]api.Invocation, error)
	PurgeInvocationsFn func(context.Context, int64, int) (int, error)

	records []api.Invocation
}

func (f *FakeInvocations) Close() error {
	if f.CloseFn != nil {
		return f.CloseFn()
	}
	return nil
}

func (f *FakeInvocations) Ping(ctx context.Context) error {
	if f.PingFn != nil {
		return f.PingFn(ctx)
	}
	return nil
}

func (f *FakeInvocations) SaveInvocation(ctx context.Context, inv api.Invocation) error {
	if f.SaveInvocationFn != nil {
		return f.SaveInvocationFn(ctx, inv)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == inv.ID {
			return nil
		}
	}
	f.records = append(f.records, inv)
	return nil
}

func (f *FakeInvocations) GetInvocation(ctx context.Context, id string) (api.Invocation, error) {
	if f.GetInvocationFn != nil {
		return f.GetInvocationFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return api.Invocation{}, fberrors.NotFound("invocation")
}

func (f *FakeInvocations) ListInvocations(ctx context.Context, functionOid int64, limit int) ([]api.Invocation, error) {
	if f.ListInvocationsFn != nil {
		return f.ListInvocationsFn(ctx, functionOid, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.Invocation
	for _, r := range f.records {
		if r.FunctionOid == functionOid {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMS > out[j].CreatedAtMS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeInvocations) PurgeInvocations(ctx context.Context, cutoffMS int64, batch int) (int, error) {
	if f.PurgeInvocationsFn != nil {
		return f.PurgeInvocationsFn(ctx, cutoffMS, batch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.records[:0]
	purged := 0
	for _, r := range f.records {
		if r.CreatedAtMS < cutoffMS && (batch <= 0 || purged < batch) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	f.records = kept
	return purged, nil
}

func (f *FakeInvocations) Records() []api.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.Invocation(nil), f.records...)
}

// ErrInjected is a generic failure for hooks.
var ErrInjected = errors.New("injected failure")
