package testutil

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

func cancelledContextOverrides(methods ...string) map[string]func(paramIdx int, typ reflect.Type) (reflect.Value, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(map[string]func(int, reflect.Type) (reflect.Value, bool), len(methods))
	for _, m := range methods {
		out[m] = func(paramIdx int, typ reflect.Type) (reflect.Value, bool) {
			if paramIdx == 0 && typ == contextType {
				return reflect.ValueOf(ctx), true
			}
			return reflect.Value{}, false
		}
	}
	return out
}

func TestFakes_DefaultBehavior(t *testing.T) {
	targets := []any{&FakeForge{}, &FakeProvider{}, &FakeStorage{}, &FakeMessaging{}, &FakeInvocations{}}
	for _, target := range targets {
		invokeAllMethods(t, target, cancelledContextOverrides("ConsumeTopic"))
	}
}

func TestFakes_FunctionDelegationForAllMethods(t *testing.T) {
	targets := []any{&FakeForge{}, &FakeProvider{}, &FakeStorage{}, &FakeMessaging{}, &FakeInvocations{}}
	for _, target := range targets {
		calls := setAllFunctionFields(t, target)
		invokeAllMethods(t, target, cancelledContextOverrides("ConsumeTopic"))
		for field, count := range calls {
			if count == 0 {
				t.Fatalf("%T: function field %s was not invoked", target, field)
			}
		}
	}
}

func TestFakeForgeRunLifecycle(t *testing.T) {
	ctx := context.Background()
	f := &FakeForge{}

	tenant, err := f.UpsertTenant(ctx, "acme", "Acme")
	if err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}
	again, _ := f.UpsertTenant(ctx, "acme", "Other")
	if again.ID != tenant.ID || f.TenantCount() != 1 {
		t.Fatalf("tenant upsert should be idempotent: %+v %+v", tenant, again)
	}
	run, err := f.CreateRun(ctx, tenant.ID, "wf", forge.CreateRunRequest{Env: map[string]string{"A": "1"}})
	if err != nil || run.Status != forge.RunPending {
		t.Fatalf("create run: %v %+v", err, run)
	}

	f.FinishRun(run.ID, []byte(`{"hash":"h"}`), []byte("zip"))
	got, err := f.GetRun(ctx, tenant.ID, "wf", run.ID)
	if err != nil || got.Status != forge.RunSucceeded {
		t.Fatalf("get run: %v %+v", err, got)
	}
	out, ok := got.Artifact(provider.OutputArtifactName)
	if !ok {
		t.Fatalf("output artifact missing: %+v", got.Artifacts)
	}
	body, size, err := f.OpenArtifact(ctx, out.URL.URL)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer body.Close()
	raw, _ := io.ReadAll(body)
	if string(raw) != "zip" || size != 3 {
		t.Fatalf("artifact body = %q (%d)", raw, size)
	}
	if _, _, err := f.OpenArtifact(ctx, "mem://missing"); !fberrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFakeInvocationsPurge(t *testing.T) {
	ctx := context.Background()
	f := &FakeInvocations{}
	for i, ts := range []int64{100, 200, 300} {
		_ = f.SaveInvocation(ctx, api.Invocation{ID: string(rune('a' + i)), FunctionOid: 1, CreatedAtMS: ts})
	}
	n, err := f.PurgeInvocations(ctx, 250, 0)
	if err != nil || n != 2 {
		t.Fatalf("purge = (%d, %v), want (2, nil)", n, err)
	}
	list, _ := f.ListInvocations(ctx, 1, 10)
	if len(list) != 1 || list[0].CreatedAtMS != 300 {
		t.Fatalf("remaining = %+v", list)
	}
}

func setAllFunctionFields(t *testing.T, target any) map[string]int {
	t.Helper()

	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		t.Fatalf("target must be pointer to struct, got %T", target)
	}
	s := v.Elem()
	st := s.Type()
	calls := make(map[string]int)

	for i := 0; i < s.NumField(); i++ {
		sf := st.Field(i)
		if !strings.HasSuffix(sf.Name, "Fn") {
			continue
		}
		fv := s.Field(i)
		if fv.Kind() != reflect.Func || !fv.CanSet() {
			continue
		}

		fieldName := sf.Name
		fnType := fv.Type()
		fv.Set(reflect.MakeFunc(fnType, func(args []reflect.Value) []reflect.Value {
			_ = args
			calls[fieldName]++
			out := make([]reflect.Value, fnType.NumOut())
			for j := 0; j < fnType.NumOut(); j++ {
				// Return sensible defaults for common primitive outputs.
				switch fnType.Out(j).Kind() {
				case reflect.Bool:
					out[j] = reflect.ValueOf(true)
				case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
					out[j] = reflect.ValueOf(int64(1)).Convert(fnType.Out(j))
				default:
					out[j] = reflect.Zero(fnType.Out(j))
				}
			}
			return out
		}))
	}
	return calls
}

func invokeAllMethods(t *testing.T, target any, overrides map[string]func(paramIdx int, typ reflect.Type) (reflect.Value, bool)) {
	t.Helper()

	rv := reflect.ValueOf(target)
	rt := rv.Type()

	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		args := []reflect.Value{rv}

		for paramIdx := 0; paramIdx < m.Type.NumIn()-1; paramIdx++ {
			typ := m.Type.In(paramIdx + 1)
			if ov, ok := overrides[m.Name]; ok {
				if val, hit := ov(paramIdx, typ); hit {
					args = append(args, val)
					continue
				}
			}
			args = append(args, defaultArgValue(typ))
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("method %s panicked: %v", m.Name, r)
				}
			}()
			_ = m.Func.Call(args)
		}()
	}
}

func defaultArgValue(typ reflect.Type) reflect.Value {
	if typ == contextType {
		return reflect.ValueOf(context.Background())
	}
	if typ.Kind() == reflect.Func {
		return reflect.MakeFunc(typ, func([]reflect.Value) []reflect.Value {
			out := make([]reflect.Value, typ.NumOut())
			for i := 0; i < typ.NumOut(); i++ {
				out[i] = reflect.Zero(typ.Out(i))
			}
			return out
		})
	}
	if typ == reflect.TypeOf(time.Duration(0)) {
		return reflect.ValueOf(250 * time.Millisecond)
	}
	return reflect.Zero(typ)
}

func TestFakeMessagingCustomError(t *testing.T) {
	want := errors.New("boom")
	f := &FakeMessaging{
		PublishDeploymentEventFn: func(ctx context.Context, ev api.DeploymentEvent) error {
			_ = ctx
			_ = ev
			return want
		},
	}
	err := f.PublishDeploymentEvent(context.Background(), api.DeploymentEvent{DeploymentID: "bdep_1"})
	if !errors.Is(err, want) {
		t.Fatalf("PublishDeploymentEvent error = %v, want %v", err, want)
	}
	if len(f.Deployments()) != 0 {
		t.Fatal("hooked publish should not record")
	}
	if !strings.Contains(ErrInjected.Error(), "injected") {
		t.Fatal("unexpected ErrInjected text")
	}
}
