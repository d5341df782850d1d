// Package invocation runs a function's current (or pinned) version on its
// provider and records the outcome.
package invocation

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/cache"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

const noVersionMessage = "Function has no versions deployed"

type Store interface {
	ResolveFunction(ctx context.Context, tenantOid int64, ref string) (api.Function, error)
	GetVersion(ctx context.Context, oid int64) (api.Version, error)
	GetVersionByID(ctx context.Context, functionOid int64, id string) (api.Version, error)
	GetRuntime(ctx context.Context, oid int64) (api.Runtime, error)
}

// Recorder persists invocation records.
type Recorder interface {
	SaveInvocation(ctx context.Context, inv api.Invocation) error
}

type EventPublisher interface {
	PublishInvocationEvent(ctx context.Context, ev api.InvocationEvent) error
}

type Options struct {
	FunctionCacheTTL time.Duration
	PersistTimeout   time.Duration
}

type Deps struct {
	Store     Store
	Recorder  Recorder
	Providers *provider.Registry
	IDs       *ids.Generator
	Events    EventPublisher
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Sink      observability.Sink
}

type Executor struct {
	store     Store
	recorder  Recorder
	providers *provider.Registry
	ids       *ids.Generator
	events    EventPublisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	sink      observability.Sink

	functions      *cache.TTL[api.Function]
	persistTimeout time.Duration
	now            func() time.Time
	background     sync.WaitGroup
}

func New(deps Deps, opts Options) *Executor {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Executor{
		store:          deps.Store,
		recorder:       deps.Recorder,
		providers:      deps.Providers,
		ids:            deps.IDs,
		events:         deps.Events,
		logger:         deps.Logger,
		metrics:        deps.Metrics,
		sink:           deps.Sink,
		functions:      cache.NewTTL[api.Function](opts.FunctionCacheTTL),
		persistTimeout: opts.PersistTimeout,
		now:            time.Now,
	}
}

// Invoke runs functionRef (id or identifier) of tenant with req.Payload.
// Lookup failures are returned as errors and never reach the provider; every
// provider outcome, failed or not, is a response.
func (e *Executor) Invoke(ctx context.Context, tenant api.Tenant, functionRef string, req api.InvokeRequest) (api.InvokeResponse, error) {
	fn, err := e.function(ctx, tenant.Oid, functionRef)
	if err != nil {
		return api.InvokeResponse{}, err
	}
	version, err := e.version(ctx, fn, req.VersionID)
	if err != nil {
		return api.InvokeResponse{}, err
	}
	rt, err := e.store.GetRuntime(ctx, version.RuntimeOid)
	if err != nil {
		return api.InvokeResponse{}, err
	}
	prov := e.providers.Default()
	if rt.ProviderIdentifier != "" {
		if prov, err = e.providers.Get(rt.ProviderIdentifier); err != nil {
			return api.InvokeResponse{}, err
		}
	}

	invID, invOid := e.ids.NewWithOid(ids.KindInvocation)
	ctx = observability.WithFields(ctx, observability.Fields{
		Tenant:       tenant.ID,
		Function:     fn.ID,
		InvocationID: invID,
	})

	started := e.now()
	outcome := prov.InvokeFunction(ctx, provider.InvokeParams{Function: fn, Version: version, Payload: req.Payload})
	elapsed := e.now().Sub(started)

	code := ""
	if outcome.Error != nil {
		code = outcome.Error.Code
	}
	e.metrics.ObserveInvocation(string(outcome.Type), code, elapsed.Seconds())
	if outcome.InternalError != "" {
		e.capture(ctx, "invocation.provider", fberrors.New(fberrors.FBProviderFailed, outcome.InternalError), map[string]any{
			"function_version_id": version.ID,
		})
	}

	status := api.StatusSucceeded
	if outcome.Type != provider.OutcomeSuccess {
		status = api.StatusFailed
	}
	record := api.Invocation{
		Oid:           invOid,
		ID:            invID,
		TenantOid:     tenant.Oid,
		FunctionOid:   fn.Oid,
		VersionOid:    version.Oid,
		Status:        status,
		Logs:          api.JoinLogLines(outcome.Logs),
		Error:         outcome.Error,
		ComputeTimeMS: outcome.ComputeTimeMS,
		BilledTimeMS:  outcome.BilledTimeMS,
		CreatedAtMS:   started.UnixMilli(),
	}
	event := api.InvocationEvent{
		InvocationID:  invID,
		FunctionID:    fn.ID,
		VersionID:     version.ID,
		TenantID:      tenant.ID,
		Type:          string(outcome.Type),
		ErrorCode:     code,
		ComputeTimeMS: outcome.ComputeTimeMS,
		BilledTimeMS:  outcome.BilledTimeMS,
		TSMS:          started.UnixMilli(),
	}
	e.record(ctx, record, event)

	resp := api.InvokeResponse{ID: invID, Type: string(outcome.Type)}
	if outcome.Type == provider.OutcomeSuccess {
		resp.Result = outcome.Result
	} else {
		resp.Error = outcome.Error
	}
	return resp, nil
}

// Wait blocks until every detached record write has finished.
func (e *Executor) Wait() {
	e.background.Wait()
}

// InvalidateFunction drops the cached lookup of ref for tenantOid.
func (e *Executor) InvalidateFunction(tenantOid int64, ref string) {
	e.functions.Delete(cacheKey(tenantOid, ref))
}

func (e *Executor) function(ctx context.Context, tenantOid int64, ref string) (api.Function, error) {
	fn, err := e.functions.GetOrLoad(ctx, cacheKey(tenantOid, ref), func(ctx context.Context) (api.Function, error) {
		return e.store.ResolveFunction(ctx, tenantOid, ref)
	})
	if err != nil {
		if fberrors.IsNotFound(err) {
			return api.Function{}, fberrors.NotFound("function")
		}
		return api.Function{}, err
	}
	return fn, nil
}

func (e *Executor) version(ctx context.Context, fn api.Function, pinned string) (api.Version, error) {
	var (
		v   api.Version
		err error
	)
	switch {
	case pinned != "":
		v, err = e.store.GetVersionByID(ctx, fn.Oid, pinned)
	case fn.CurrentVersionOid != nil:
		v, err = e.store.GetVersion(ctx, *fn.CurrentVersionOid)
	default:
		return api.Version{}, fberrors.New(fberrors.FBPreconditionFailed, noVersionMessage)
	}
	if err != nil {
		if fberrors.IsNotFound(err) {
			return api.Version{}, fberrors.NotFound("function version")
		}
		return api.Version{}, err
	}
	return v, nil
}

// record writes the invocation and publishes its event without holding up
// the caller. Failures only reach the sink.
func (e *Executor) record(ctx context.Context, inv api.Invocation, ev api.InvocationEvent) {
	detached := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(detached, e.persistTimeout)
		defer cancel()
		if e.recorder != nil {
			if err := e.recorder.SaveInvocation(ctx, inv); err != nil {
				e.capture(ctx, "invocation.persist", err, map[string]any{"invocation_id": inv.ID})
			}
		}
		if e.events != nil {
			if err := e.events.PublishInvocationEvent(ctx, ev); err != nil {
				e.capture(ctx, "invocation.event", err, map[string]any{"invocation_id": inv.ID})
			}
		}
	}()
}

func (e *Executor) capture(ctx context.Context, source string, err error, extra map[string]any) {
	if e.sink != nil {
		e.sink.Capture(ctx, source, err, extra)
		return
	}
	if e.logger != nil {
		e.logger.Warn(ctx, source+": "+err.Error())
	}
}

func cacheKey(tenantOid int64, ref string) string {
	return strconv.FormatInt(tenantOid, 10) + ":" + ref
}
