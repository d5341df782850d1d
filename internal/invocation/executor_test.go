package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/kv"
	"github.com/osvaldoandrade/fnbay/internal/provider"
	"github.com/osvaldoandrade/fnbay/internal/testutil"
)

type countingStore struct {
	*kv.Store
	resolves atomic.Int32
}

func (s *countingStore) ResolveFunction(ctx context.Context, tenantOid int64, ref string) (api.Function, error) {
	s.resolves.Add(1)
	return s.Store.ResolveFunction(ctx, tenantOid, ref)
}

type capture struct {
	source string
	err    error
}

type recordingSink struct {
	mu       sync.Mutex
	captures []capture
}

func (s *recordingSink) Capture(_ context.Context, source string, err error, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, capture{source: source, err: err})
}

func (s *recordingSink) sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.captures))
	for _, c := range s.captures {
		out = append(out, c.source)
	}
	return out
}

type fixture struct {
	exec     *Executor
	store    *countingStore
	provider *testutil.FakeProvider
	recorder *testutil.FakeInvocations
	events   *testutil.FakeMessaging
	sink     *recordingSink
	ids      *ids.Generator
	tenant   api.Tenant
	fn       api.Function
	runtime  api.Runtime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := &countingStore{Store: kv.NewStore(mr.Addr(), "")}
	t.Cleanup(func() { _ = store.Close() })
	gen, err := ids.NewGenerator(5)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}

	tenantID, tenantOid := gen.NewWithOid(ids.KindTenant)
	tenant, err := store.UpsertTenant(ctx, api.Tenant{Oid: tenantOid, ID: tenantID, Identifier: "acme", Name: "Acme"})
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	rtID, rtOid := gen.NewWithOid(ids.KindRuntime)
	rt, err := store.UpsertRuntime(ctx, api.Runtime{Oid: rtOid, ID: rtID, Identifier: "rt", ProviderIdentifier: "aws.lambda"})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	fnID, fnOid := gen.NewWithOid(ids.KindFunction)
	fn, err := store.CreateFunction(ctx, api.Function{Oid: fnOid, ID: fnID, TenantOid: tenant.Oid, Identifier: "hello", Name: "Hello"})
	if err != nil {
		t.Fatalf("function: %v", err)
	}

	f := &fixture{
		store:    store,
		provider: &testutil.FakeProvider{IdentifierValue: "aws.lambda"},
		recorder: &testutil.FakeInvocations{},
		events:   &testutil.FakeMessaging{},
		sink:     &recordingSink{},
		ids:      gen,
		tenant:   tenant,
		fn:       fn,
		runtime:  rt,
	}
	registry, err := provider.NewRegistry("aws.lambda", f.provider)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	f.exec = New(Deps{
		Store:     store,
		Recorder:  f.recorder,
		Providers: registry,
		IDs:       gen,
		Events:    f.events,
		Sink:      f.sink,
	}, Options{FunctionCacheTTL: time.Minute, PersistTimeout: time.Second})
	return f
}

// deploy stores a version of the fixture function and, when current is
// set, makes it the current version.
func (f *fixture) deploy(t *testing.T, current bool) api.Version {
	t.Helper()
	ctx := context.Background()
	versionID, versionOid := f.ids.NewWithOid(ids.KindFunctionVersion)
	depID, depOid := f.ids.NewWithOid(ids.KindDeployment)
	v, _, err := f.store.CreateVersion(ctx, api.Version{
		Oid:           versionOid,
		ID:            versionID,
		FunctionOid:   f.fn.Oid,
		DeploymentOid: depOid,
		RuntimeOid:    f.runtime.Oid,
		ProviderData:  json.RawMessage(`{"functionName":"fb-x"}`),
	})
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if current {
		if err := f.store.CreateDeployment(ctx, api.Deployment{Oid: depOid, ID: depID, FunctionOid: f.fn.Oid}); err != nil {
			t.Fatalf("deployment: %v", err)
		}
		if _, err := f.store.TransitionDeployment(ctx, depOid, api.StatusSucceeded, "", ""); err != nil {
			t.Fatalf("transition: %v", err)
		}
		if ok, err := f.store.SetCurrentVersionIfSucceeded(ctx, f.fn.Oid, versionOid, depOid); err != nil || !ok {
			t.Fatalf("set current: %v %v", ok, err)
		}
	}
	return v
}

func TestInvokeSuccess(t *testing.T) {
	f := newFixture(t)
	v := f.deploy(t, true)
	f.provider.InvokeFunctionFn = func(_ context.Context, p provider.InvokeParams) provider.Outcome {
		return provider.Outcome{
			Type:          provider.OutcomeSuccess,
			Result:        json.RawMessage(`{"echo":` + string(p.Payload) + `}`),
			Logs:          []api.LogLine{{TimestampMS: 10, Message: "hello"}},
			ComputeTimeMS: 12.5,
			BilledTimeMS:  13,
		}
	}

	resp, err := f.exec.Invoke(context.Background(), f.tenant, "hello", api.InvokeRequest{Payload: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	f.exec.Wait()

	if resp.Type != "success" || string(resp.Result) != `{"echo":{"n":1}}` || resp.Error != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if ids.KindOf(resp.ID) != ids.KindInvocation {
		t.Fatalf("unexpected invocation id %s", resp.ID)
	}
	if got := f.provider.Invokes[0]; got.Version.ID != v.ID || got.Function.ID != f.fn.ID {
		t.Fatalf("provider called with %+v", got)
	}

	records := f.recorder.Records()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	rec := records[0]
	if rec.ID != resp.ID || rec.Status != api.StatusSucceeded || rec.VersionOid != v.Oid || rec.ComputeTimeMS != 12.5 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if lines := api.SplitLogLines(rec.Logs); len(lines) != 1 || lines[0].Message != "hello" {
		t.Fatalf("unexpected logs %q", rec.Logs)
	}
	events := f.events.Invocations()
	if len(events) != 1 || events[0].TenantID != f.tenant.ID || events[0].Type != "success" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestInvokeErrorOutcome(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, true)
	f.provider.InvokeFunctionFn = func(context.Context, provider.InvokeParams) provider.Outcome {
		return provider.Outcome{
			Type:          provider.OutcomeError,
			Error:         &api.InvocationError{Code: api.CodeProviderError, Message: "Unable to invoke function"},
			InternalError: "connection reset",
			ComputeTimeMS: -1,
			BilledTimeMS:  -1,
		}
	}
	resp, err := f.exec.Invoke(context.Background(), f.tenant, f.fn.ID, api.InvokeRequest{})
	if err != nil {
		t.Fatalf("provider failures are responses, got %v", err)
	}
	f.exec.Wait()
	if resp.Type != "error" || resp.Error == nil || resp.Error.Code != api.CodeProviderError || resp.Result != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	rec := f.recorder.Records()[0]
	if rec.Status != api.StatusFailed || rec.Error.Code != api.CodeProviderError || rec.ComputeTimeMS != -1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if src := f.sink.sources(); len(src) != 1 || src[0] != "invocation.provider" {
		t.Fatalf("internal error should reach the sink, got %v", src)
	}
	if ev := f.events.Invocations(); ev[0].ErrorCode != api.CodeProviderError {
		t.Fatalf("unexpected event %+v", ev[0])
	}
}

func TestInvokeLookupFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture) (string, api.InvokeRequest)
		code    fberrors.Code
		message string
	}{
		{
			name:    "unknown function",
			setup:   func(*testing.T, *fixture) (string, api.InvokeRequest) { return "nope", api.InvokeRequest{} },
			code:    fberrors.FBNotFound,
			message: "function not found",
		},
		{
			name:    "no versions",
			setup:   func(*testing.T, *fixture) (string, api.InvokeRequest) { return "hello", api.InvokeRequest{} },
			code:    fberrors.FBPreconditionFailed,
			message: "Function has no versions deployed",
		},
		{
			name: "unknown pinned version",
			setup: func(t *testing.T, f *fixture) (string, api.InvokeRequest) {
				f.deploy(t, true)
				return "hello", api.InvokeRequest{VersionID: "bfv_missing"}
			},
			code:    fberrors.FBNotFound,
			message: "function version not found",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ref, req := tc.setup(t, f)
			_, err := f.exec.Invoke(context.Background(), f.tenant, ref, req)
			var fbErr *fberrors.FBError
			if !errors.As(err, &fbErr) || fbErr.Code != tc.code || fbErr.Message != tc.message {
				t.Fatalf("expected %s %q, got %v", tc.code, tc.message, err)
			}
			if len(f.provider.Invokes) != 0 {
				t.Fatal("provider must not be called")
			}
		})
	}
}

func TestInvokeOtherTenantsFunction(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, true)
	other := api.Tenant{Oid: f.tenant.Oid + 1, ID: "bten_other"}
	if _, err := f.exec.Invoke(context.Background(), other, f.fn.ID, api.InvokeRequest{}); !fberrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInvokePinnedVersion(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, true)
	pinned := f.deploy(t, false)
	if _, err := f.exec.Invoke(context.Background(), f.tenant, "hello", api.InvokeRequest{VersionID: pinned.ID}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	f.exec.Wait()
	if f.provider.Invokes[0].Version.ID != pinned.ID {
		t.Fatalf("expected pinned version, got %s", f.provider.Invokes[0].Version.ID)
	}
}

func TestFunctionLookupIsCached(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, true)
	for i := 0; i < 3; i++ {
		if _, err := f.exec.Invoke(context.Background(), f.tenant, "hello", api.InvokeRequest{}); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	f.exec.Wait()
	if n := f.store.resolves.Load(); n != 1 {
		t.Fatalf("expected one lookup, got %d", n)
	}
	f.exec.InvalidateFunction(f.tenant.Oid, "hello")
	if _, err := f.exec.Invoke(context.Background(), f.tenant, "hello", api.InvokeRequest{}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	f.exec.Wait()
	if n := f.store.resolves.Load(); n != 2 {
		t.Fatalf("expected a fresh lookup after invalidation, got %d", n)
	}
}

func TestPersistFailureOnlyReachesSink(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, true)
	f.recorder.SaveInvocationFn = func(context.Context, api.Invocation) error {
		return fberrors.New(fberrors.FBStoreWriteFailed, "disk full")
	}
	f.events.PublishInvocationEventFn = func(context.Context, api.InvocationEvent) error {
		return testutil.ErrInjected
	}

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := f.exec.Invoke(ctx, f.tenant, "hello", api.InvokeRequest{Payload: json.RawMessage(`1`)})
	cancel()
	if err != nil || resp.Type != "success" {
		t.Fatalf("persist failures must not reach the caller: %+v %v", resp, err)
	}
	f.exec.Wait()
	got := strings.Join(f.sink.sources(), ",")
	if got != "invocation.persist,invocation.event" {
		t.Fatalf("unexpected captures %s", got)
	}
}

func TestRecordSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, true)
	release := make(chan struct{})
	f.recorder.SaveInvocationFn = func(ctx context.Context, inv api.Invocation) error {
		<-release
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.exec.Invoke(ctx, f.tenant, "hello", api.InvokeRequest{}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	cancel()
	close(release)
	f.exec.Wait()
	if src := f.sink.sources(); len(src) != 0 {
		t.Fatalf("detached write saw the caller's cancellation: %v", src)
	}
}
