package pipeline

import (
	"context"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/provider"
	"github.com/osvaldoandrade/fnbay/internal/storage"
)

func (p *Pipeline) deployToRuntime(ctx context.Context, m DeployToRuntime) (Outcome, error) {
	dep, ok, err := p.loadDeployment(ctx, m.DeploymentID)
	if err != nil || !ok {
		return Retry(), err
	}
	// Already linked to a version: a later stage took over.
	if dep.Status.Terminal() || dep.FunctionVersionOid != nil {
		return Done(), nil
	}
	fn, err := p.store.GetFunction(ctx, dep.FunctionOid)
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
	step, hasStep, err := p.deployStep(ctx, dep.Oid)
	if err != nil {
		return Outcome{}, err
	}
	if hasStep {
		if _, err := p.store.TransitionStep(ctx, step.Oid, api.StatusRunning); err != nil {
			return Outcome{}, err
		}
		if err := p.stepLog(ctx, step.Oid, "Deploying function to runtime..."); err != nil {
			return Outcome{}, err
		}
	}

	env, err := p.secrets.DecryptEnv(dep.ID, dep.EncryptedEnv)
	if err != nil {
		return Outcome{}, err
	}
	versionID, versionOid := p.ids.NewWithOid(ids.KindFunctionVersion)
	bundleID, bundleOid := p.ids.NewWithOid(ids.KindBundle)

	res, err := prov.DeployFunction(ctx, provider.DeployParams{
		Function:      fn,
		Deployment:    dep,
		VersionID:     versionID,
		Runtime:       rt,
		RuntimeConfig: m.Manifest.Runtime,
		Env:           env,
		ArtifactURL:   m.OutputURL,
	})
	if err != nil {
		p.capture(ctx, "pipeline.deploy", err, map[string]any{"deployment_id": dep.ID, "version_id": versionID})
		if hasStep {
			if _, serr := p.store.TransitionStep(ctx, step.Oid, api.StatusFailed); serr != nil {
				return Outcome{}, serr
			}
			if serr := p.stepLog(ctx, step.Oid, err.Error()); serr != nil {
				return Outcome{}, serr
			}
		}
		return fail(m.DeploymentID, CodeDeployRuntimeError, "The function could not be deployed to the runtime."), nil
	}

	if hasStep {
		if _, err := p.store.TransitionStep(ctx, step.Oid, api.StatusSucceeded); err != nil {
			return Outcome{}, err
		}
		if err := p.stepLog(ctx, step.Oid, "Function deployed successfully."); err != nil {
			return Outcome{}, err
		}
	}
	return Advance(Next(DeployToFunctionBay{
		Ref:          m.Ref,
		Manifest:     m.Manifest,
		OutputURL:    m.OutputURL,
		VersionID:    versionID,
		VersionOid:   versionOid,
		BundleID:     bundleID,
		BundleOid:    bundleOid,
		ProviderData: res.ProviderData,
	})), nil
}

func (p *Pipeline) deployToFunctionBay(ctx context.Context, m DeployToFunctionBay) (Outcome, error) {
	dep, ok, err := p.loadDeployment(ctx, m.DeploymentID)
	if err != nil || !ok {
		return Retry(), err
	}
	if _, err := p.store.CreateBundle(ctx, api.Bundle{
		Oid:         m.BundleOid,
		ID:          m.BundleID,
		FunctionOid: dep.FunctionOid,
		Status:      api.BundleUploading,
	}); err != nil {
		return Outcome{}, err
	}
	version, _, err := p.store.CreateVersion(ctx, api.Version{
		Oid:           m.VersionOid,
		ID:            m.VersionID,
		FunctionOid:   dep.FunctionOid,
		DeploymentOid: dep.Oid,
		BundleOid:     m.BundleOid,
		RuntimeOid:    dep.RuntimeOid,
		Config:        dep.Config,
		EncryptedEnv:  dep.EncryptedEnv,
		Manifest:      m.Manifest,
		ProviderData:  m.ProviderData,
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := p.store.LinkDeploymentVersion(ctx, dep.Oid, version.Oid); err != nil {
		return Outcome{}, err
	}
	return Advance(
		Next(Succeeded{Ref: m.Ref, VersionOid: version.Oid, VersionID: version.ID}),
		Next(UploadBundle{Ref: m.Ref, BundleOid: m.BundleOid, OutputURL: m.OutputURL}),
	), nil
}

// uploadBundle copies the build output into durable storage. Failures mark
// the bundle failed and go back to the queue; the deployment is unaffected.
func (p *Pipeline) uploadBundle(ctx context.Context, m UploadBundle) (Outcome, error) {
	bundle, err := p.store.GetBundle(ctx, m.BundleOid)
	if err != nil {
		if fberrors.IsNotFound(err) {
			return Retry(), nil
		}
		return Outcome{}, err
	}
	if bundle.Status == api.BundleAvailable {
		return Done(), nil
	}
	fn, err := p.store.GetFunction(ctx, bundle.FunctionOid)
	if err != nil {
		return Outcome{}, err
	}
	tenant, err := p.store.GetTenant(ctx, fn.TenantOid)
	if err != nil {
		return Outcome{}, err
	}

	key := storage.BundleKey(tenant.ID, fn.ID, bundle.ID)
	loc, err := p.copyArtifact(ctx, m.OutputURL, key)
	if err != nil {
		if merr := p.store.MarkBundleFailed(ctx, bundle.Oid); merr != nil {
			p.capture(ctx, "pipeline.upload", merr, map[string]any{"bundle_id": bundle.ID})
		}
		return Outcome{}, fberrors.Wrap(fberrors.FBStorageFailed, "failed to upload bundle "+bundle.ID, err)
	}
	if err := p.store.MarkBundleAvailable(ctx, bundle.Oid, loc.Bucket, loc.Key); err != nil {
		return Outcome{}, err
	}
	p.info(ctx, "bundle "+bundle.ID+" stored at "+loc.Key)
	return Done(), nil
}

func (p *Pipeline) copyArtifact(ctx context.Context, artifactURL, key string) (storage.Location, error) {
	if err := p.storage.EnsureBucket(ctx, p.opts.Bucket); err != nil {
		return storage.Location{}, err
	}
	body, size, err := p.forge.OpenArtifact(ctx, artifactURL)
	if err != nil {
		return storage.Location{}, err
	}
	defer body.Close()
	return p.storage.PutObject(ctx, p.opts.Bucket, key, body, size, "application/zip")
}
