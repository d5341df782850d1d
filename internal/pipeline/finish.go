package pipeline

import (
	"context"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

func (p *Pipeline) succeeded(ctx context.Context, m Succeeded) (Outcome, error) {
	dep, ok, err := p.loadDeployment(ctx, m.DeploymentID)
	if err != nil || !ok {
		return Retry(), err
	}
	changed, err := p.store.TransitionDeployment(ctx, dep.Oid, api.StatusSucceeded, "", "")
	if err != nil {
		return Outcome{}, err
	}
	// The store only moves the pointer while the deployment is succeeded, so a
	// deployment that failed first never becomes current.
	current, err := p.store.SetCurrentVersionIfSucceeded(ctx, dep.FunctionOid, m.VersionOid, dep.Oid)
	if err != nil {
		return Outcome{}, err
	}
	if changed && current {
		p.info(ctx, "deployment succeeded with version "+m.VersionID)
		p.publish(ctx, dep, api.StatusSucceeded, m.VersionID)
	}
	return Advance(After(Cleanup{Ref: m.Ref}, p.opts.CleanupDelay)), nil
}

func (p *Pipeline) failure(ctx context.Context, m Failure) (Outcome, error) {
	dep, ok, err := p.loadDeployment(ctx, m.DeploymentID)
	if err != nil || !ok {
		return Retry(), err
	}
	changed, err := p.store.TransitionDeployment(ctx, dep.Oid, api.StatusFailed, m.Code, m.Message)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := p.store.FailPendingSteps(ctx, dep.Oid); err != nil {
		return Outcome{}, err
	}
	if changed {
		step, hasStep, err := p.deployStep(ctx, dep.Oid)
		if err != nil {
			return Outcome{}, err
		}
		if hasStep {
			if err := p.stepLog(ctx, step.Oid, m.Message); err != nil {
				return Outcome{}, err
			}
		}
		if p.logger != nil {
			p.logger.Warn(ctx, "deployment failed: "+m.Code)
		}
		dep.ErrorCode, dep.ErrorMessage = m.Code, m.Message
		p.publish(ctx, dep, api.StatusFailed, "")
	}
	return Advance(After(Cleanup{Ref: m.Ref}, p.opts.CleanupDelay)), nil
}

// cleanup blanks the deployment's encrypted env. Running it again, or for a
// deployment that no longer exists, changes nothing.
func (p *Pipeline) cleanup(ctx context.Context, m Cleanup) (Outcome, error) {
	dep, ok, err := p.loadDeployment(ctx, m.DeploymentID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Done(), nil
	}
	if _, err := p.store.ClearDeploymentEnv(ctx, dep.Oid); err != nil {
		return Outcome{}, err
	}
	return Done(), nil
}
