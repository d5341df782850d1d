package lambda

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/osvaldoandrade/fnbay/internal/bundle"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

const accessCheckAttempts = 5

const helloHandler = "exports.handler = async () => { return { statusCode: 200, body: 'ok' }; };\n"

// VerifyAccess proves the configured credentials can create Lambda functions
// with the execution role by creating and deleting a throwaway function.
func (p *Provider) VerifyAccess(ctx context.Context) error {
	code, _, err := bundle.BuildZip(map[string][]byte{"index.js": []byte(helloHandler)})
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= accessCheckAttempts; attempt++ {
		name := fmt.Sprintf("mtrl-fbay-accesscheck-%d-%s", p.now().UnixMilli(), randomHex(6))
		if lastErr = p.tryAccess(ctx, name, code); lastErr == nil {
			if p.logger != nil {
				p.logger.Info(ctx, "Successfully verified Lambda access")
			}
			return nil
		}
		// CreateFunction may have succeeded before a later call failed.
		_, _ = p.lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(name)})
		if attempt < accessCheckAttempts {
			if err := p.sleep(ctx, time.Duration(attempt)*2*time.Second); err != nil {
				return err
			}
		}
	}
	return fberrors.Wrap(fberrors.FBProviderFailed,
		fmt.Sprintf("Lambda access check failed after %d attempts", accessCheckAttempts), lastErr)
}

func (p *Provider) tryAccess(ctx context.Context, name string, code []byte) error {
	if _, err := p.lambda.GetAccountSettings(ctx, &lambda.GetAccountSettingsInput{}); err != nil {
		return err
	}
	role, err := p.roles.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := p.lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(name),
		Runtime:      types.Runtime("nodejs22.x"),
		Handler:      aws.String("index.handler"),
		Role:         aws.String(role),
		Code:         &types.FunctionCode{ZipFile: code},
		Timeout:      aws.Int32(3),
		MemorySize:   aws.Int32(128),
	}); err != nil {
		return err
	}
	_, err = p.lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(name)})
	return err
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
