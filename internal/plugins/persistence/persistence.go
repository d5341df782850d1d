package persistence

import (
	"context"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

// Provider is the record store every binary talks to.
type Provider interface {
	Close() error
	Ping(ctx context.Context) error

	UpsertTenant(ctx context.Context, rec api.Tenant) (api.Tenant, error)
	GetTenant(ctx context.Context, oid int64) (api.Tenant, error)
	GetTenantByIdentifier(ctx context.Context, identifier string) (api.Tenant, error)

	UpsertProvider(ctx context.Context, rec api.Provider) (api.Provider, error)
	GetProvider(ctx context.Context, oid int64) (api.Provider, error)

	UpsertRuntime(ctx context.Context, rec api.Runtime) (api.Runtime, error)
	GetRuntime(ctx context.Context, oid int64) (api.Runtime, error)
	GetRuntimeByIdentifier(ctx context.Context, identifier string) (api.Runtime, error)
	UpsertRuntimeWorkflow(ctx context.Context, rec api.RuntimeForgeWorkflow) (api.RuntimeForgeWorkflow, error)
	GetRuntimeWorkflow(ctx context.Context, runtimeOid, tenantOid int64) (api.RuntimeForgeWorkflow, error)

	CreateFunction(ctx context.Context, rec api.Function) (api.Function, error)
	GetFunction(ctx context.Context, oid int64) (api.Function, error)
	ResolveFunction(ctx context.Context, tenantOid int64, ref string) (api.Function, error)
	ListFunctions(ctx context.Context, tenantOid int64) ([]api.Function, error)
	SetCurrentVersionIfSucceeded(ctx context.Context, functionOid, versionOid, deploymentOid int64) (bool, error)

	CreateVersion(ctx context.Context, rec api.Version) (api.Version, bool, error)
	GetVersion(ctx context.Context, oid int64) (api.Version, error)
	GetVersionByID(ctx context.Context, functionOid int64, id string) (api.Version, error)
	ListVersions(ctx context.Context, functionOid int64) ([]api.Version, error)

	CreateBundle(ctx context.Context, rec api.Bundle) (bool, error)
	GetBundle(ctx context.Context, oid int64) (api.Bundle, error)
	MarkBundleAvailable(ctx context.Context, oid int64, bucket, key string) error
	MarkBundleFailed(ctx context.Context, oid int64) error

	CreateDeployment(ctx context.Context, dep api.Deployment, steps ...api.DeploymentStep) error
	GetDeployment(ctx context.Context, oid int64) (api.Deployment, error)
	GetDeploymentByID(ctx context.Context, id string) (api.Deployment, error)
	ListDeployments(ctx context.Context, functionOid int64) ([]api.Deployment, error)
	TransitionDeployment(ctx context.Context, oid int64, status api.Status, errorCode, errorMessage string) (bool, error)
	RecordForgeRun(ctx context.Context, oid int64, forgeTenantID, workflowID, runID string) error
	LinkDeploymentVersion(ctx context.Context, oid, versionOid int64) error
	ClearDeploymentEnv(ctx context.Context, oid int64) (bool, error)

	GetStep(ctx context.Context, oid int64) (api.DeploymentStep, error)
	ListSteps(ctx context.Context, deploymentOid int64) ([]api.DeploymentStep, error)
	TransitionStep(ctx context.Context, oid int64, status api.Status) (bool, error)
	AppendStepOutput(ctx context.Context, oid int64, line api.LogLine) error
	FailPendingSteps(ctx context.Context, deploymentOid int64) (int, error)

	SaveInvocation(ctx context.Context, inv api.Invocation) error
	GetInvocation(ctx context.Context, id string) (api.Invocation, error)
	ListInvocations(ctx context.Context, functionOid int64, limit int) ([]api.Invocation, error)
	PurgeInvocations(ctx context.Context, cutoffMS int64, batch int) (int, error)

	TryAcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	GetLeaseValue(ctx context.Context, key string) (string, error)
	ExtendLease(ctx context.Context, key string, ttl time.Duration) error
}
