package kv

import (
	"context"
	"testing"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

func seedDeployment(t *testing.T, store *Store) api.Deployment {
	t.Helper()
	dep := api.Deployment{
		Oid: 50, ID: "bfd_50", Identifier: "abcdefghijkl", Name: "first",
		TenantOid: 1, FunctionOid: 5, RuntimeOid: 9,
		Config:       api.DefaultFunctionConfig(),
		EncryptedEnv: "ciphertext",
	}
	step := api.DeploymentStep{Oid: 51, ID: "bfds_51", Type: api.StepTypeDeploy, Name: "Deploy"}
	if err := store.CreateDeployment(context.Background(), dep, step); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	return dep
}

func TestDeploymentForwardOnlyTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dep := seedDeployment(t, store)

	got, err := store.GetDeploymentByID(ctx, dep.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if got.Status != api.StatusPending || got.EncryptedEnv != "ciphertext" || got.Config.MemorySizeMB != 256 {
		t.Fatalf("unexpected deployment: %+v", got)
	}

	steps := []struct {
		status api.Status
		want   bool
	}{
		{api.StatusRunning, true},
		{api.StatusRunning, false},
		{api.StatusPending, false},
		{api.StatusFailed, true},
		{api.StatusSucceeded, false},
		{api.StatusRunning, false},
	}
	for i, step := range steps {
		moved, err := store.TransitionDeployment(ctx, dep.Oid, step.status, "build_failed", "The build workflow run failed.")
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if moved != step.want {
			t.Fatalf("step %d (%s): moved=%v want %v", i, step.status, moved, step.want)
		}
	}
	got, _ = store.GetDeployment(ctx, dep.Oid)
	if got.Status != api.StatusFailed || got.ErrorCode != "build_failed" {
		t.Fatalf("unexpected final deployment: %+v", got)
	}

	if _, err := store.TransitionDeployment(ctx, 999, api.StatusRunning, "", ""); !fberrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeploymentMutableFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dep := seedDeployment(t, store)

	if err := store.RecordForgeRun(ctx, dep.Oid, "ft", "wf", "run-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.LinkDeploymentVersion(ctx, dep.Oid, 77); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetDeployment(ctx, dep.Oid)
	if got.ForgeRunID != "run-1" || got.ForgeWorkflowID != "wf" || got.ForgeTenantID != "ft" {
		t.Fatalf("forge ids not recorded: %+v", got)
	}
	if got.FunctionVersionOid == nil || *got.FunctionVersionOid != 77 {
		t.Fatalf("version not linked: %+v", got)
	}

	for i := 0; i < 2; i++ {
		ok, err := store.ClearDeploymentEnv(ctx, dep.Oid)
		if err != nil || !ok {
			t.Fatalf("clear env %d: %v %v", i, err, ok)
		}
	}
	got, _ = store.GetDeployment(ctx, dep.Oid)
	if got.EncryptedEnv != "" {
		t.Fatalf("env not cleared: %q", got.EncryptedEnv)
	}
	ok, err := store.ClearDeploymentEnv(ctx, 12345)
	if err != nil || ok {
		t.Fatalf("missing deployment should be a no-op: %v %v", err, ok)
	}
	if err := store.RecordForgeRun(ctx, 12345, "", "", ""); !fberrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	deps, err := store.ListDeployments(ctx, dep.FunctionOid)
	if err != nil || len(deps) != 1 {
		t.Fatalf("list deployments: %v %+v", err, deps)
	}
}

func TestStepsOutputAndFailPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dep := seedDeployment(t, store)

	if err := store.AppendStepOutput(ctx, 51, api.LogLine{TimestampMS: 1, Message: "Deploying function to runtime..."}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendStepOutput(ctx, 51, api.LogLine{TimestampMS: 2, Message: "boom"}); err != nil {
		t.Fatal(err)
	}
	steps, err := store.ListSteps(ctx, dep.Oid)
	if err != nil || len(steps) != 1 {
		t.Fatalf("list steps: %v %+v", err, steps)
	}
	lines := api.SplitLogLines(steps[0].Output)
	if len(lines) != 2 || lines[1].Message != "boom" {
		t.Fatalf("unexpected output: %q", steps[0].Output)
	}

	changed, err := store.FailPendingSteps(ctx, dep.Oid)
	if err != nil || changed != 1 {
		t.Fatalf("fail pending: %v changed=%d", err, changed)
	}
	changed, _ = store.FailPendingSteps(ctx, dep.Oid)
	if changed != 0 {
		t.Fatalf("second pass should change nothing, got %d", changed)
	}
	step, _ := store.GetStep(ctx, 51)
	if step.Status != api.StatusFailed || step.EndedAtMS == 0 {
		t.Fatalf("unexpected step: %+v", step)
	}
	if err := store.AppendStepOutput(ctx, 999, api.LogLine{}); !fberrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionStepStampsTimes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedDeployment(t, store)
	store.now = func() time.Time { return time.UnixMilli(1000) }

	if moved, err := store.TransitionStep(ctx, 51, api.StatusRunning); err != nil || !moved {
		t.Fatalf("running: %v %v", err, moved)
	}
	store.now = func() time.Time { return time.UnixMilli(2000) }
	if moved, err := store.TransitionStep(ctx, 51, api.StatusSucceeded); err != nil || !moved {
		t.Fatalf("succeeded: %v %v", err, moved)
	}
	step, _ := store.GetStep(ctx, 51)
	if step.StartedAtMS != 1000 || step.EndedAtMS != 2000 {
		t.Fatalf("unexpected times: %+v", step)
	}
	// A pending-only sweep must leave finished steps alone.
	if changed, _ := store.FailPendingSteps(ctx, 50); changed != 0 {
		t.Fatalf("succeeded step should not fail, changed=%d", changed)
	}
}

func TestInvocationsSaveListPurge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := int64(1); i <= 5; i++ {
		inv := api.Invocation{Oid: i, ID: "bfi_" + EncodeCursor(i), FunctionOid: 5, Status: api.StatusSucceeded, CreatedAtMS: i * 1000}
		if err := store.SaveInvocation(ctx, inv); err != nil {
			t.Fatal(err)
		}
	}
	got, err := store.GetInvocation(ctx, "bfi_3")
	if err != nil || got.Oid != 3 {
		t.Fatalf("get invocation: %v %+v", err, got)
	}
	list, err := store.ListInvocations(ctx, 5, 2)
	if err != nil || len(list) != 2 || list[0].Oid != 5 {
		t.Fatalf("list invocations: %v %+v", err, list)
	}

	purged, err := store.PurgeInvocations(ctx, 3000, 1)
	if err != nil || purged != 2 {
		t.Fatalf("purge: %v purged=%d", err, purged)
	}
	if _, err := store.GetInvocation(ctx, "bfi_1"); !fberrors.IsNotFound(err) {
		t.Fatalf("expected purged invocation, got %v", err)
	}
	if _, err := store.GetInvocation(ctx, "bfi_3"); err != nil {
		t.Fatalf("cutoff is exclusive, got %v", err)
	}
	list, _ = store.ListInvocations(ctx, 5, 10)
	if len(list) != 3 {
		t.Fatalf("expected 3 remaining, got %d", len(list))
	}
}
