// Package lambda deploys and invokes functions on AWS Lambda.
package lambda

import (
	"context"
	"io"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/config"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

const (
	Identifier = "aws.lambda"
	Name       = "AWS Lambda"
)

type lambdaAPI interface {
	CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	DeleteFunction(ctx context.Context, in *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
	GetAccountSettings(ctx context.Context, in *lambda.GetAccountSettingsInput, optFns ...func(*lambda.Options)) (*lambda.GetAccountSettingsOutput, error)
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

type iamAPI interface {
	GetRole(ctx context.Context, in *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, in *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	UpdateAssumeRolePolicy(ctx context.Context, in *iam.UpdateAssumeRolePolicyInput, optFns ...func(*iam.Options)) (*iam.UpdateAssumeRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, in *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
}

// ArtifactFetcher opens build output archives by URL.
type ArtifactFetcher interface {
	OpenArtifact(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error)
}

type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RoleARN         string
}

// OptionsFromConfig maps the provider.lambda section of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	lc := cfg.Provider.Lambda
	return Options{
		Region:          lc.Region,
		AccessKeyID:     lc.AccessKeyID,
		SecretAccessKey: lc.SecretAccessKey,
		RoleARN:         lc.RoleARN,
	}
}

type Deps struct {
	Store     provider.RecordStore
	IDs       *ids.Generator
	Artifacts ArtifactFetcher
	Logger    *observability.Logger
	Sink      observability.Sink
}

type Provider struct {
	lambda    lambdaAPI
	iam       iamAPI
	artifacts ArtifactFetcher
	logger    *observability.Logger
	sink      observability.Sink
	record    api.Provider
	layer     api.Layer
	resolver  *provider.RuntimeResolver
	roles     *roleManager
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// New builds AWS clients from opts and registers the provider row.
func New(ctx context.Context, opts Options, deps Deps) (*Provider, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBProviderFailed, "failed to load AWS config", err)
	}
	return newWithClients(ctx, lambda.NewFromConfig(cfg), iam.NewFromConfig(cfg), opts.RoleARN, deps)
}

func newWithClients(ctx context.Context, lc lambdaAPI, ic iamAPI, roleARN string, deps Deps) (*Provider, error) {
	record, err := provider.EnsureRecord(ctx, deps.Store, deps.IDs, Identifier, Name)
	if err != nil {
		return nil, err
	}
	layer, err := buildLayer()
	if err != nil {
		return nil, err
	}
	p := &Provider{
		lambda:    lc,
		iam:       ic,
		artifacts: deps.Artifacts,
		logger:    deps.Logger,
		sink:      deps.Sink,
		record:    record,
		layer:     layer,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	p.roles = &roleManager{iam: ic, configured: roleARN, sleep: func(ctx context.Context, d time.Duration) error { return p.sleep(ctx, d) }}
	p.resolver = provider.NewRuntimeResolver(deps.Store, deps.IDs, record, Name, layer, Workflow(), Supported)
	return p, nil
}

func (p *Provider) Identifier() string { return Identifier }

func (p *Provider) Name() string { return Name }

func (p *Provider) Layer() api.Layer { return p.layer }

func (p *Provider) Workflow() []forge.Step { return Workflow() }

func (p *Provider) ResolveRuntime(ctx context.Context, spec api.RuntimeSpec) (provider.ResolvedRuntime, error) {
	return p.resolver.Resolve(ctx, spec)
}

func (p *Provider) capture(ctx context.Context, source string, err error, extra map[string]any) {
	if p.sink != nil {
		p.sink.Capture(ctx, source, err, extra)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ provider.Provider = (*Provider)(nil)
