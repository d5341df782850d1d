package lambda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

// ProviderData is stored on each function version and identifies the Lambda
// function backing it.
type ProviderData struct {
	FunctionArn  string `json:"functionArn"`
	FunctionName string `json:"functionName"`
}

func FunctionName(versionID string) string {
	return "mtrl-fbay-func-" + versionID
}

// DeployFunction creates one Lambda function for the version. It makes a
// single attempt; retries belong to the caller.
func (p *Provider) DeployFunction(ctx context.Context, params provider.DeployParams) (provider.DeployResult, error) {
	rt, err := lambdaRuntime(params.RuntimeConfig.Runtime)
	if err != nil {
		return provider.DeployResult{}, err
	}
	role, err := p.roles.ensure(ctx)
	if err != nil {
		return provider.DeployResult{}, err
	}
	code, err := p.fetchArchive(ctx, params.ArtifactURL)
	if err != nil {
		return provider.DeployResult{}, err
	}

	env := make(map[string]string, len(params.Env)+4)
	for k, v := range params.Env {
		env[k] = v
	}
	env["METORIAL_FUNCTION_ID"] = params.Function.ID
	env["METORIAL_FUNCTION_VERSION_ID"] = params.VersionID
	env["METORIAL_EXECUTION_ENV"] = "function-bay"
	env["METORIAL_RUNTIME"] = params.Runtime.Identifier

	out, err := p.lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(FunctionName(params.VersionID)),
		Description:  aws.String(fmt.Sprintf("Function Bay function %s version %s", params.Function.ID, params.VersionID)),
		Role:         aws.String(role),
		Runtime:      rt,
		Handler:      aws.String(params.RuntimeConfig.Handler),
		Code:         &types.FunctionCode{ZipFile: code},
		Timeout:      aws.Int32(int32(params.Deployment.Config.TimeoutSeconds)),
		MemorySize:   aws.Int32(int32(params.Deployment.Config.MemorySizeMB)),
		Environment:  &types.Environment{Variables: env},
	})
	if err != nil {
		return provider.DeployResult{}, fberrors.Wrap(fberrors.FBProviderFailed, "failed to create lambda function", err)
	}
	data, err := json.Marshal(ProviderData{
		FunctionArn:  aws.ToString(out.FunctionArn),
		FunctionName: aws.ToString(out.FunctionName),
	})
	if err != nil {
		return provider.DeployResult{}, err
	}
	return provider.DeployResult{ProviderData: data}, nil
}

func (p *Provider) fetchArchive(ctx context.Context, artifactURL string) ([]byte, error) {
	if p.artifacts == nil {
		return nil, fberrors.New(fberrors.FBProviderFailed, "no artifact fetcher configured")
	}
	body, _, err := p.artifacts.OpenArtifact(ctx, artifactURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBProviderFailed, "failed to read function archive", err)
	}
	return raw, nil
}
