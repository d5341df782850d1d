package kv

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

// Mutable deployment fields live beside the immutable "record" field of the
// deployment hash so each can be updated atomically on its own.
const (
	fieldRecord             = "record"
	fieldStatus             = "status"
	fieldErrorCode          = "error_code"
	fieldErrorMessage       = "error_message"
	fieldForgeTenantID      = "forge_tenant_id"
	fieldForgeWorkflowID    = "forge_workflow_id"
	fieldForgeRunID         = "forge_run_id"
	fieldFunctionVersionOid = "function_version_oid"
	fieldEncryptedEnv       = "encrypted_env"
	fieldUpdatedAtMS        = "updated_at_ms"
	fieldOutput             = "output"
	fieldStartedAtMS        = "started_at_ms"
	fieldEndedAtMS          = "ended_at_ms"
)

// CreateDeployment writes a pending deployment together with its steps.
func (s *Store) CreateDeployment(ctx context.Context, dep api.Deployment, steps ...api.DeploymentStep) error {
	now := s.nowMS()
	if dep.CreatedAtMS == 0 {
		dep.CreatedAtMS = now
	}
	dep.Status = api.StatusPending
	record := dep
	record.FunctionVersionOid = nil
	record.ForgeRunID, record.ForgeWorkflowID, record.ForgeTenantID = "", "", ""
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, DeploymentKey(dep.Oid),
		fieldRecord, string(raw),
		fieldStatus, string(api.StatusPending),
		fieldEncryptedEnv, dep.EncryptedEnv,
		fieldUpdatedAtMS, strconv.FormatInt(now, 10),
	)
	pipe.Set(ctx, DeploymentIDKey(dep.ID), dep.Oid, 0)
	pipe.ZAdd(ctx, FunctionDeploymentsKey(dep.FunctionOid), redis.Z{Score: float64(dep.Oid), Member: dep.Oid})
	for _, step := range steps {
		if step.CreatedAtMS == 0 {
			step.CreatedAtMS = now
		}
		step.DeploymentOid = dep.Oid
		if step.Status == "" {
			step.Status = api.StatusPending
		}
		stepRecord := step
		stepRecord.Output = ""
		stepRaw, err := json.Marshal(stepRecord)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, StepKey(step.Oid),
			fieldRecord, string(stepRaw),
			fieldStatus, string(step.Status),
			fieldOutput, step.Output,
		)
		pipe.ZAdd(ctx, DeploymentStepsKey(dep.Oid), redis.Z{Score: float64(step.Oid), Member: step.Oid})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return writeErr(err, "function deployment")
	}
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, oid int64) (api.Deployment, error) {
	fields, err := s.client.HGetAll(ctx, DeploymentKey(oid)).Result()
	if err != nil {
		return api.Deployment{}, readErr(err, "function deployment")
	}
	if len(fields) == 0 {
		return api.Deployment{}, fberrors.NotFound("function deployment")
	}
	var dep api.Deployment
	if err := json.Unmarshal([]byte(fields[fieldRecord]), &dep); err != nil {
		return dep, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to decode function deployment", err)
	}
	dep.Status = api.Status(fields[fieldStatus])
	dep.ErrorCode = fields[fieldErrorCode]
	dep.ErrorMessage = fields[fieldErrorMessage]
	dep.ForgeTenantID = fields[fieldForgeTenantID]
	dep.ForgeWorkflowID = fields[fieldForgeWorkflowID]
	dep.ForgeRunID = fields[fieldForgeRunID]
	dep.FunctionVersionOid = optionalOid(fields[fieldFunctionVersionOid])
	dep.EncryptedEnv = fields[fieldEncryptedEnv]
	dep.UpdatedAtMS = parseInt(fields[fieldUpdatedAtMS])
	return dep, nil
}

func (s *Store) GetDeploymentByID(ctx context.Context, id string) (api.Deployment, error) {
	oid, err := s.getOid(ctx, DeploymentIDKey(id))
	if err != nil {
		return api.Deployment{}, readErr(err, "function deployment")
	}
	return s.GetDeployment(ctx, oid)
}

func (s *Store) ListDeployments(ctx context.Context, functionOid int64) ([]api.Deployment, error) {
	members, err := s.client.ZRange(ctx, FunctionDeploymentsKey(functionOid), 0, -1).Result()
	if err != nil {
		return nil, readErr(err, "function deployment index")
	}
	out := make([]api.Deployment, 0, len(members))
	for _, m := range members {
		dep, err := s.GetDeployment(ctx, parseInt(m))
		if err != nil {
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

// TransitionDeployment moves the deployment forward to status. It reports
// false when the deployment is already at or past that status.
func (s *Store) TransitionDeployment(ctx context.Context, oid int64, status api.Status, errorCode, errorMessage string) (bool, error) {
	args := []any{string(status), fieldUpdatedAtMS, strconv.FormatInt(s.nowMS(), 10)}
	if errorCode != "" {
		args = append(args, fieldErrorCode, errorCode, fieldErrorMessage, errorMessage)
	}
	res, err := forwardStatusScript.Run(ctx, s.client, []string{DeploymentKey(oid)}, args...).Int64()
	if err != nil {
		return false, writeErr(err, "function deployment status")
	}
	if res < 0 {
		return false, fberrors.NotFound("function deployment")
	}
	return res == 1, nil
}

func (s *Store) RecordForgeRun(ctx context.Context, oid int64, forgeTenantID, workflowID, runID string) error {
	return s.updateDeployment(ctx, oid,
		fieldForgeTenantID, forgeTenantID,
		fieldForgeWorkflowID, workflowID,
		fieldForgeRunID, runID,
	)
}

func (s *Store) LinkDeploymentVersion(ctx context.Context, oid, versionOid int64) error {
	return s.updateDeployment(ctx, oid, fieldFunctionVersionOid, strconv.FormatInt(versionOid, 10))
}

// ClearDeploymentEnv blanks the encrypted env. Missing deployments are not an
// error.
func (s *Store) ClearDeploymentEnv(ctx context.Context, oid int64) (bool, error) {
	ok, err := s.updateExisting(ctx, DeploymentKey(oid),
		fieldEncryptedEnv, "",
		fieldUpdatedAtMS, strconv.FormatInt(s.nowMS(), 10),
	)
	if err != nil {
		return false, writeErr(err, "function deployment")
	}
	return ok, nil
}

func (s *Store) updateDeployment(ctx context.Context, oid int64, pairs ...any) error {
	pairs = append(pairs, fieldUpdatedAtMS, strconv.FormatInt(s.nowMS(), 10))
	ok, err := s.updateExisting(ctx, DeploymentKey(oid), pairs...)
	if err != nil {
		return writeErr(err, "function deployment")
	}
	if !ok {
		return fberrors.NotFound("function deployment")
	}
	return nil
}

func (s *Store) GetStep(ctx context.Context, oid int64) (api.DeploymentStep, error) {
	fields, err := s.client.HGetAll(ctx, StepKey(oid)).Result()
	if err != nil {
		return api.DeploymentStep{}, readErr(err, "function deployment step")
	}
	if len(fields) == 0 {
		return api.DeploymentStep{}, fberrors.NotFound("function deployment step")
	}
	var step api.DeploymentStep
	if err := json.Unmarshal([]byte(fields[fieldRecord]), &step); err != nil {
		return step, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to decode function deployment step", err)
	}
	step.Status = api.Status(fields[fieldStatus])
	step.Output = fields[fieldOutput]
	step.StartedAtMS = parseInt(fields[fieldStartedAtMS])
	step.EndedAtMS = parseInt(fields[fieldEndedAtMS])
	return step, nil
}

// ListSteps returns the deployment's steps in creation order.
func (s *Store) ListSteps(ctx context.Context, deploymentOid int64) ([]api.DeploymentStep, error) {
	members, err := s.client.ZRange(ctx, DeploymentStepsKey(deploymentOid), 0, -1).Result()
	if err != nil {
		return nil, readErr(err, "function deployment steps")
	}
	out := make([]api.DeploymentStep, 0, len(members))
	for _, m := range members {
		step, err := s.GetStep(ctx, parseInt(m))
		if err != nil {
			if fberrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, step)
	}
	return out, nil
}

// TransitionStep moves a step forward, stamping start and end times.
func (s *Store) TransitionStep(ctx context.Context, oid int64, status api.Status) (bool, error) {
	now := strconv.FormatInt(s.nowMS(), 10)
	args := []any{string(status)}
	if status == api.StatusRunning {
		args = append(args, fieldStartedAtMS, now)
	}
	if status.Terminal() {
		args = append(args, fieldEndedAtMS, now)
	}
	res, err := forwardStatusScript.Run(ctx, s.client, []string{StepKey(oid)}, args...).Int64()
	if err != nil {
		return false, writeErr(err, "function deployment step")
	}
	if res < 0 {
		return false, fberrors.NotFound("function deployment step")
	}
	return res == 1, nil
}

func (s *Store) AppendStepOutput(ctx context.Context, oid int64, line api.LogLine) error {
	raw, err := json.Marshal(line)
	if err != nil {
		return err
	}
	res, err := appendOutputScript.Run(ctx, s.client, []string{StepKey(oid)}, string(raw)).Int64()
	if err != nil {
		return writeErr(err, "function deployment step output")
	}
	if res < 0 {
		return fberrors.NotFound("function deployment step")
	}
	return nil
}

// FailPendingSteps marks every still-pending step of the deployment failed
// and returns how many changed.
func (s *Store) FailPendingSteps(ctx context.Context, deploymentOid int64) (int, error) {
	members, err := s.client.ZRange(ctx, DeploymentStepsKey(deploymentOid), 0, -1).Result()
	if err != nil {
		return 0, readErr(err, "function deployment steps")
	}
	now := strconv.FormatInt(s.nowMS(), 10)
	changed := 0
	for _, m := range members {
		res, err := casStatusScript.Run(ctx, s.client, []string{StepKey(parseInt(m))},
			string(api.StatusPending), string(api.StatusFailed), fieldEndedAtMS, now,
		).Int64()
		if err != nil {
			return changed, writeErr(err, "function deployment step")
		}
		if res == 1 {
			changed++
		}
	}
	return changed, nil
}
