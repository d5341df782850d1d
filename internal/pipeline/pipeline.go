package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	"github.com/osvaldoandrade/fnbay/internal/provider"
	"github.com/osvaldoandrade/fnbay/internal/storage"
)

// Store is the slice of the record store the stages read and write.
type Store interface {
	GetTenant(ctx context.Context, oid int64) (api.Tenant, error)
	GetFunction(ctx context.Context, oid int64) (api.Function, error)
	GetRuntime(ctx context.Context, oid int64) (api.Runtime, error)
	GetRuntimeWorkflow(ctx context.Context, runtimeOid, tenantOid int64) (api.RuntimeForgeWorkflow, error)
	UpsertRuntimeWorkflow(ctx context.Context, rec api.RuntimeForgeWorkflow) (api.RuntimeForgeWorkflow, error)

	GetDeployment(ctx context.Context, oid int64) (api.Deployment, error)
	GetDeploymentByID(ctx context.Context, id string) (api.Deployment, error)
	TransitionDeployment(ctx context.Context, oid int64, status api.Status, errorCode, errorMessage string) (bool, error)
	RecordForgeRun(ctx context.Context, oid int64, forgeTenantID, workflowID, runID string) error
	LinkDeploymentVersion(ctx context.Context, oid, versionOid int64) error
	ClearDeploymentEnv(ctx context.Context, oid int64) (bool, error)

	ListSteps(ctx context.Context, deploymentOid int64) ([]api.DeploymentStep, error)
	TransitionStep(ctx context.Context, oid int64, status api.Status) (bool, error)
	AppendStepOutput(ctx context.Context, oid int64, line api.LogLine) error
	FailPendingSteps(ctx context.Context, deploymentOid int64) (int, error)

	CreateBundle(ctx context.Context, rec api.Bundle) (bool, error)
	GetBundle(ctx context.Context, oid int64) (api.Bundle, error)
	MarkBundleAvailable(ctx context.Context, oid int64, bucket, key string) error
	MarkBundleFailed(ctx context.Context, oid int64) error

	CreateVersion(ctx context.Context, rec api.Version) (api.Version, bool, error)
	SetCurrentVersionIfSucceeded(ctx context.Context, functionOid, versionOid, deploymentOid int64) (bool, error)
}

type EnvCodec interface {
	DecryptEnv(entityID, sealed string) (map[string]string, error)
}

type EventPublisher interface {
	PublishDeploymentEvent(ctx context.Context, ev api.DeploymentEvent) error
}

type Options struct {
	MonitorInterval time.Duration
	// MonitorMaxPolls bounds how often a run is polled; zero polls forever.
	MonitorMaxPolls int
	CleanupDelay    time.Duration
	Bucket          string
}

func (o *Options) withDefaults() {
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 5 * time.Second
	}
	if o.CleanupDelay <= 0 {
		o.CleanupDelay = time.Minute
	}
	if o.Bucket == "" {
		o.Bucket = "function-bay-bundles"
	}
}

type Deps struct {
	Store     Store
	Forge     forge.Client
	Providers *provider.Registry
	Storage   storage.Service
	Secrets   EnvCodec
	IDs       *ids.Generator
	Events    EventPublisher
	Logger    *observability.Logger
	Sink      observability.Sink
}

type Pipeline struct {
	store     Store
	forge     forge.Client
	providers *provider.Registry
	storage   storage.Service
	secrets   EnvCodec
	ids       *ids.Generator
	events    EventPublisher
	logger    *observability.Logger
	sink      observability.Sink
	opts      Options
	now       func() time.Time
}

func New(deps Deps, opts Options) *Pipeline {
	opts.withDefaults()
	return &Pipeline{
		store:     deps.Store,
		forge:     deps.Forge,
		providers: deps.Providers,
		storage:   deps.Storage,
		secrets:   deps.Secrets,
		ids:       deps.IDs,
		events:    deps.Events,
		logger:    deps.Logger,
		sink:      deps.Sink,
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock replaces the clock used for log line timestamps.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Handle runs the stage for msg. A returned error asks the queue to retry the
// message with backoff; stage failures the user should see are dispatched to
// the Error stage instead.
func (p *Pipeline) Handle(ctx context.Context, msg Message) (Outcome, error) {
	switch m := msg.(type) {
	case StartBuild:
		return p.startBuild(ctx, m)
	case MonitorBuild:
		return p.monitorBuild(ctx, m)
	case WorkflowFinished:
		return p.workflowFinished(ctx, m)
	case DeployToRuntime:
		return p.deployToRuntime(ctx, m)
	case DeployToFunctionBay:
		return p.deployToFunctionBay(ctx, m)
	case UploadBundle:
		return p.uploadBundle(ctx, m)
	case Succeeded:
		return p.succeeded(ctx, m)
	case Failure:
		return p.failure(ctx, m)
	case Cleanup:
		return p.cleanup(ctx, m)
	default:
		return Outcome{}, fmt.Errorf("unhandled pipeline message %T", msg)
	}
}

// loadDeployment returns ok=false when the deployment is not readable yet,
// which callers turn into a retry.
func (p *Pipeline) loadDeployment(ctx context.Context, id string) (api.Deployment, bool, error) {
	dep, err := p.store.GetDeploymentByID(ctx, id)
	if err != nil {
		if fberrors.IsNotFound(err) {
			return api.Deployment{}, false, nil
		}
		return api.Deployment{}, false, err
	}
	return dep, true, nil
}

func (p *Pipeline) providerFor(rt api.Runtime) (provider.Provider, error) {
	if rt.ProviderIdentifier == "" {
		return p.providers.Default(), nil
	}
	return p.providers.Get(rt.ProviderIdentifier)
}

// deployStep returns the deployment's "deploy" step.
func (p *Pipeline) deployStep(ctx context.Context, deploymentOid int64) (api.DeploymentStep, bool, error) {
	steps, err := p.store.ListSteps(ctx, deploymentOid)
	if err != nil {
		return api.DeploymentStep{}, false, err
	}
	for _, s := range steps {
		if s.Type == api.StepTypeDeploy {
			return s, true, nil
		}
	}
	return api.DeploymentStep{}, false, nil
}

func (p *Pipeline) stepLog(ctx context.Context, stepOid int64, message string) error {
	return p.store.AppendStepOutput(ctx, stepOid, api.LogLine{TimestampMS: p.now().UnixMilli(), Message: message})
}

func (p *Pipeline) publish(ctx context.Context, dep api.Deployment, status api.Status, versionID string) {
	if p.events == nil {
		return
	}
	ev := api.DeploymentEvent{
		DeploymentID: dep.ID,
		VersionID:    versionID,
		Status:       status,
		TSMS:         p.now().UnixMilli(),
	}
	if status == api.StatusFailed {
		ev.ErrorCode, ev.ErrorMessage = dep.ErrorCode, dep.ErrorMessage
	}
	if fn, err := p.store.GetFunction(ctx, dep.FunctionOid); err == nil {
		ev.FunctionID = fn.ID
		if tenant, err := p.store.GetTenant(ctx, fn.TenantOid); err == nil {
			ev.TenantID = tenant.ID
		}
	}
	if err := p.events.PublishDeploymentEvent(ctx, ev); err != nil {
		p.capture(ctx, "pipeline.event", err, map[string]any{"deployment_id": dep.ID})
	}
}

func (p *Pipeline) capture(ctx context.Context, source string, err error, extra map[string]any) {
	if p.sink != nil {
		p.sink.Capture(ctx, source, err, extra)
	}
}

func (p *Pipeline) info(ctx context.Context, msg string) {
	if p.logger != nil {
		p.logger.Info(ctx, msg)
	}
}
