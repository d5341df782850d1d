package lambda

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

const (
	executionRoleName = "metorial-function-bay-lambda-execution-role-v1"
	logsPolicyName    = "lambda-basic-logs"
	rolePropagation   = 10 * time.Second
)

var trustPolicy = mustJSON(map[string]any{
	"Version": "2012-10-17",
	"Statement": []map[string]any{{
		"Effect":    "Allow",
		"Principal": map[string]any{"Service": "lambda.amazonaws.com"},
		"Action":    "sts:AssumeRole",
	}},
})

var logsPolicy = mustJSON(map[string]any{
	"Version": "2012-10-17",
	"Statement": []map[string]any{{
		"Effect":   "Allow",
		"Action":   []string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"},
		"Resource": "*",
	}},
})

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

// roleManager resolves the execution role once per process. Failures are not
// remembered, so the next caller tries again.
type roleManager struct {
	iam        iamAPI
	configured string
	sleep      func(context.Context, time.Duration) error

	mu  sync.Mutex
	arn string
}

func (m *roleManager) ensure(ctx context.Context) (string, error) {
	if m.configured != "" {
		return m.configured, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.arn != "" {
		return m.arn, nil
	}
	arn, created, err := m.getOrCreate(ctx)
	if err != nil {
		return "", fberrors.Wrap(fberrors.FBProviderFailed, "failed to resolve lambda execution role", err)
	}
	if _, err := m.iam.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
		RoleName:       aws.String(executionRoleName),
		PolicyDocument: aws.String(trustPolicy),
	}); err != nil {
		return "", fberrors.Wrap(fberrors.FBProviderFailed, "failed to update role trust policy", err)
	}
	if _, err := m.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(executionRoleName),
		PolicyName:     aws.String(logsPolicyName),
		PolicyDocument: aws.String(logsPolicy),
	}); err != nil {
		return "", fberrors.Wrap(fberrors.FBProviderFailed, "failed to attach role logs policy", err)
	}
	if created {
		// New roles are not assumable by Lambda until IAM propagates them.
		if err := m.sleep(ctx, rolePropagation); err != nil {
			return "", err
		}
	}
	m.arn = arn
	return arn, nil
}

func (m *roleManager) getOrCreate(ctx context.Context) (string, bool, error) {
	got, err := m.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(executionRoleName)})
	if err == nil {
		return aws.ToString(got.Role.Arn), false, nil
	}
	var missing *iamtypes.NoSuchEntityException
	if !errors.As(err, &missing) {
		return "", false, err
	}
	created, err := m.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(executionRoleName),
		AssumeRolePolicyDocument: aws.String(trustPolicy),
		Description:              aws.String("METORIAL AUTO-GENERATED: Execution role for Lambda functions (Forge service)"),
	})
	if err == nil {
		return aws.ToString(created.Role.Arn), true, nil
	}
	var exists *iamtypes.EntityAlreadyExistsException
	if !errors.As(err, &exists) {
		return "", false, err
	}
	got, err = m.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(executionRoleName)})
	if err != nil {
		return "", false, err
	}
	return aws.ToString(got.Role.Arn), false, nil
}
