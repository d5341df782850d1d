package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

// Env variables handed to the build workflow run.
const (
	EnvManifestDestination = "METORIAL_FUNCTION_BAY_MANIFEST_DESTINATION"
	EnvOutputDestination   = "METORIAL_FUNCTION_BAY_OUTPUT_DESTINATION"
	EnvBuildLayer          = "METORIAL_FUNCTION_BAY_BUILD_LAYER"
)

func (p *Pipeline) startBuild(ctx context.Context, m StartBuild) (Outcome, error) {
	dep, ok, err := p.loadDeployment(ctx, m.DeploymentID)
	if err != nil || !ok {
		return Retry(), err
	}
	if dep.Status.Terminal() {
		return Done(), nil
	}
	// A redelivery after the run was submitted resumes monitoring.
	if dep.ForgeRunID != "" {
		return Advance(Next(MonitorBuild{Ref: m.Ref, Run: Run{
			RunID:         dep.ForgeRunID,
			WorkflowID:    dep.ForgeWorkflowID,
			ForgeTenantID: dep.ForgeTenantID,
		}})), nil
	}

	fn, err := p.store.GetFunction(ctx, dep.FunctionOid)
	if err != nil {
		return Outcome{}, err
	}
	tenant, err := p.store.GetTenant(ctx, fn.TenantOid)
	if err != nil {
		return Outcome{}, err
	}
	rt, err := p.store.GetRuntime(ctx, dep.RuntimeOid)
	if err != nil {
		return Outcome{}, err
	}
	prov, err := p.providerFor(rt)
	if err != nil {
		return Outcome{}, err
	}

	mapping, err := p.ensureWorkflow(ctx, tenant, rt, prov.Workflow())
	if err != nil {
		return Outcome{}, err
	}

	env, err := p.secrets.DecryptEnv(dep.ID, dep.EncryptedEnv)
	if err != nil {
		return Outcome{}, err
	}
	layer, err := json.Marshal(prov.Layer())
	if err != nil {
		return Outcome{}, err
	}
	env[EnvManifestDestination] = provider.ManifestPath
	env[EnvOutputDestination] = provider.OutputZipPath
	env[EnvBuildLayer] = string(layer)

	run, err := p.forge.CreateRun(ctx, mapping.ForgeTenantID, mapping.ForgeWorkflowID, forge.CreateRunRequest{
		Files: m.Files,
		Env:   env,
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := p.store.RecordForgeRun(ctx, dep.Oid, mapping.ForgeTenantID, mapping.ForgeWorkflowID, run.ID); err != nil {
		return Outcome{}, err
	}
	p.info(ctx, "build run "+run.ID+" submitted")

	return Advance(Next(MonitorBuild{Ref: m.Ref, Run: Run{
		RunID:         run.ID,
		WorkflowID:    mapping.ForgeWorkflowID,
		ForgeTenantID: mapping.ForgeTenantID,
	}})), nil
}

// ensureWorkflow returns the build workflow for (runtime, tenant), creating it
// in forge on first use. Concurrent creators may both provision forge
// resources; the mapping upsert picks one and every caller uses the stored
// winner.
func (p *Pipeline) ensureWorkflow(ctx context.Context, tenant api.Tenant, rt api.Runtime, steps []forge.Step) (api.RuntimeForgeWorkflow, error) {
	mapping, err := p.store.GetRuntimeWorkflow(ctx, rt.Oid, tenant.Oid)
	if err == nil {
		if _, err := p.forge.GetWorkflow(ctx, mapping.ForgeTenantID, mapping.ForgeWorkflowID); err != nil {
			return api.RuntimeForgeWorkflow{}, err
		}
		return mapping, nil
	}
	if !fberrors.IsNotFound(err) {
		return api.RuntimeForgeWorkflow{}, err
	}

	ft, err := p.forge.UpsertTenant(ctx, tenant.Identifier, tenant.Name)
	if err != nil {
		return api.RuntimeForgeWorkflow{}, err
	}
	wf, err := p.forge.UpsertWorkflow(ctx, ft.ID, "fncbay_builder_"+rt.Identifier, "Function Bay Builder for "+rt.Name)
	if err != nil {
		return api.RuntimeForgeWorkflow{}, err
	}
	hash, err := ids.ContentIdentifier(steps)
	if err != nil {
		return api.RuntimeForgeWorkflow{}, err
	}
	version, err := p.forge.CreateWorkflowVersion(ctx, ft.ID, wf.ID, fmt.Sprintf("Function Bay (%s)", hash[:8]), steps)
	if err != nil {
		return api.RuntimeForgeWorkflow{}, err
	}
	return p.store.UpsertRuntimeWorkflow(ctx, api.RuntimeForgeWorkflow{
		Oid:                    p.ids.NextID(),
		RuntimeOid:             rt.Oid,
		TenantOid:              tenant.Oid,
		ForgeTenantID:          ft.ID,
		ForgeWorkflowID:        wf.ID,
		ForgeWorkflowVersionID: version.ID,
	})
}

func (p *Pipeline) monitorBuild(ctx context.Context, m MonitorBuild) (Outcome, error) {
	run, err := p.forge.GetRun(ctx, m.ForgeTenantID, m.WorkflowID, m.RunID)
	if err != nil {
		return Outcome{}, err
	}
	if run.Status != forge.RunPending {
		dep, ok, err := p.loadDeployment(ctx, m.DeploymentID)
		if err != nil || !ok {
			return Retry(), err
		}
		if dep.Status.Terminal() {
			return Done(), nil
		}
		if dep.Status == api.StatusPending {
			if _, err := p.store.TransitionDeployment(ctx, dep.Oid, api.StatusRunning, "", ""); err != nil {
				return Outcome{}, err
			}
		}
	}
	if run.Status.Terminal() {
		return Advance(Next(WorkflowFinished{Ref: m.Ref, Run: m.Run})), nil
	}

	next := m
	next.Polls++
	if p.opts.MonitorMaxPolls > 0 && next.Polls >= p.opts.MonitorMaxPolls {
		return fail(m.DeploymentID, CodeBuildTimeout, "The build workflow run did not finish in time."), nil
	}
	return Advance(After(next, p.opts.MonitorInterval)), nil
}

func (p *Pipeline) workflowFinished(ctx context.Context, m WorkflowFinished) (Outcome, error) {
	run, err := p.forge.GetRun(ctx, m.ForgeTenantID, m.WorkflowID, m.RunID)
	if err != nil {
		return Outcome{}, err
	}
	if run.Status != forge.RunSucceeded {
		return fail(m.DeploymentID, CodeBuildFailed, "The build workflow run failed."), nil
	}

	manifestArtifact, hasManifest := run.Artifact(provider.ManifestArtifactName)
	outputArtifact, hasOutput := run.Artifact(provider.OutputArtifactName)
	if !hasManifest || !hasOutput {
		return fail(m.DeploymentID, CodeBuildRuntimeError, "The build runtime did not produce the expected artifacts."), nil
	}

	raw, err := forge.ReadArtifact(ctx, p.forge, manifestArtifact.URL.URL)
	if err != nil {
		return Outcome{}, err
	}
	manifest, issues := ParseManifest(raw)
	if len(issues) > 0 {
		detail, _ := json.Marshal(issues)
		return fail(m.DeploymentID, CodeBuildInvalidManifest, "The build runtime produced an invalid manifest: "+string(detail)), nil
	}
	return Advance(Next(DeployToRuntime{
		Ref:       m.Ref,
		Manifest:  manifest,
		OutputURL: outputArtifact.URL.URL,
	})), nil
}
