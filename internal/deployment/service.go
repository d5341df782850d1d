// Package deployment creates deployments and answers queries about them.
package deployment

import (
	"context"
	"encoding/json"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	"github.com/osvaldoandrade/fnbay/internal/pipeline"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

// DeployStepName is the name of the single step every deployment starts with.
const DeployStepName = "Deploy Function"

// Step id prefixes in deployment output.
const (
	forgeStepPrefix    = "forge#"
	pipelineStepPrefix = "function-bay#"
)

type Store interface {
	CreateDeployment(ctx context.Context, dep api.Deployment, steps ...api.DeploymentStep) error
	GetDeploymentByID(ctx context.Context, id string) (api.Deployment, error)
	ListDeployments(ctx context.Context, functionOid int64) ([]api.Deployment, error)
	ListSteps(ctx context.Context, deploymentOid int64) ([]api.DeploymentStep, error)
}

type EnvCodec interface {
	EncryptEnv(entityID string, env map[string]string) (string, error)
}

type Deps struct {
	Store     Store
	Forge     forge.Client
	Providers *provider.Registry
	Secrets   EnvCodec
	IDs       *ids.Generator
	Queue     pipeline.Enqueuer
	Logger    *observability.Logger
}

type Service struct {
	store     Store
	forge     forge.Client
	providers *provider.Registry
	secrets   EnvCodec
	ids       *ids.Generator
	queue     pipeline.Enqueuer
	logger    *observability.Logger
}

func NewService(deps Deps) *Service {
	return &Service{
		store:     deps.Store,
		forge:     deps.Forge,
		providers: deps.Providers,
		secrets:   deps.Secrets,
		ids:       deps.IDs,
		queue:     deps.Queue,
		logger:    deps.Logger,
	}
}

// Create validates req, stores a pending deployment of fn with one pending
// deploy step and starts the build. The env is sealed for the deployment id.
func (s *Service) Create(ctx context.Context, fn api.Function, req api.CreateDeploymentRequest) (api.Deployment, error) {
	if err := api.ValidateCreateDeployment(req); err != nil {
		return api.Deployment{}, validationErr(err)
	}
	cfg := api.DefaultFunctionConfig()
	if req.Config != nil {
		cfg = *req.Config
		if err := api.ValidateFunctionConfig(cfg); err != nil {
			return api.Deployment{}, validationErr(err)
		}
	}

	resolved, err := s.providers.Default().ResolveRuntime(ctx, req.Runtime)
	if err != nil {
		return api.Deployment{}, err
	}

	depID, depOid := s.ids.NewWithOid(ids.KindDeployment)
	sealed, err := s.secrets.EncryptEnv(depID, req.Env)
	if err != nil {
		return api.Deployment{}, err
	}
	dep := api.Deployment{
		Oid:          depOid,
		ID:           depID,
		Identifier:   ids.PlainID(12),
		Name:         req.Name,
		Status:       api.StatusPending,
		TenantOid:    fn.TenantOid,
		FunctionOid:  fn.Oid,
		RuntimeOid:   resolved.Record.Oid,
		Config:       cfg,
		EncryptedEnv: sealed,
	}
	stepID, stepOid := s.ids.NewWithOid(ids.KindDeploymentStep)
	step := api.DeploymentStep{
		Oid:    stepOid,
		ID:     stepID,
		Type:   api.StepTypeDeploy,
		Name:   DeployStepName,
		Status: api.StatusPending,
	}
	if err := s.store.CreateDeployment(ctx, dep, step); err != nil {
		return api.Deployment{}, err
	}
	if err := pipeline.Enqueue(ctx, s.queue, pipeline.StartBuild{
		Ref:   pipeline.Ref{DeploymentID: dep.ID},
		Files: req.Files,
	}, 0); err != nil {
		return api.Deployment{}, err
	}
	if s.logger != nil {
		s.logger.Info(observability.WithFields(ctx, observability.Fields{Function: fn.ID, Deployment: dep.ID}),
			"deployment created for runtime "+req.Runtime.String())
	}
	return dep, nil
}

// Get returns deployment id of fn. A deployment of another function is
// reported as missing.
func (s *Service) Get(ctx context.Context, fn api.Function, id string) (api.Deployment, error) {
	dep, err := s.store.GetDeploymentByID(ctx, id)
	if err != nil {
		return api.Deployment{}, err
	}
	if dep.FunctionOid != fn.Oid {
		return api.Deployment{}, fberrors.NotFound("function deployment")
	}
	return dep, nil
}

func (s *Service) List(ctx context.Context, fn api.Function) ([]api.Deployment, error) {
	return s.store.ListDeployments(ctx, fn.Oid)
}

// Output lists the build run's steps followed by the pipeline's own steps,
// each with its log lines.
func (s *Service) Output(ctx context.Context, dep api.Deployment) (api.DeploymentOutput, error) {
	out := api.DeploymentOutput{Steps: []api.DeploymentOutputStep{}}
	if dep.ForgeRunID != "" {
		runSteps, err := s.forge.GetRunOutput(ctx, dep.ForgeTenantID, dep.ForgeWorkflowID, dep.ForgeRunID)
		if err != nil {
			return api.DeploymentOutput{}, err
		}
		for _, rs := range runSteps {
			logs := rs.Logs
			if logs == nil {
				logs = []api.DeploymentOutputLog{}
			}
			out.Steps = append(out.Steps, api.DeploymentOutputStep{
				ID:          forgeStepPrefix + rs.Step.ID,
				Name:        rs.Step.Name,
				Type:        "build",
				Status:      rs.Step.Status,
				Logs:        logs,
				CreatedAtMS: rs.Step.CreatedAtMS,
				StartedAtMS: rs.Step.StartedAtMS,
				EndedAtMS:   rs.Step.EndedAtMS,
			})
		}
	}

	steps, err := s.store.ListSteps(ctx, dep.Oid)
	if err != nil {
		return api.DeploymentOutput{}, err
	}
	for _, st := range steps {
		lines := api.SplitLogLines(st.Output)
		logs := make([]api.DeploymentOutputLog, 0, len(lines))
		for _, l := range lines {
			logs = append(logs, api.DeploymentOutputLog{TimestampMS: l.TimestampMS, Message: l.Message})
		}
		out.Steps = append(out.Steps, api.DeploymentOutputStep{
			ID:          pipelineStepPrefix + st.ID,
			Name:        st.Name,
			Type:        st.Type,
			Status:      string(st.Status),
			Logs:        logs,
			CreatedAtMS: st.CreatedAtMS,
			StartedAtMS: st.StartedAtMS,
			EndedAtMS:   st.EndedAtMS,
		})
	}
	return out, nil
}

func validationErr(err error) error {
	detail, _ := json.Marshal(api.Issues(err))
	return fberrors.Wrap(fberrors.FBValidationFailed, "invalid deployment request: "+string(detail), err)
}
