package lambda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

const bootErrorMessage = "Function threw an error during initialization. This is often due to the global/root scope throwing an error, or the code being malformed."

// InvokeFunction calls the version's Lambda function synchronously and
// classifies the response. It never returns a Go error: transport failures
// become a provider_error outcome.
func (p *Provider) InvokeFunction(ctx context.Context, params provider.InvokeParams) provider.Outcome {
	startMS := p.now().UnixMilli()
	var data ProviderData
	if err := json.Unmarshal(params.Version.ProviderData, &data); err != nil || data.FunctionName == "" {
		reason := "provider data has no function name"
		if err != nil {
			reason = err.Error()
		}
		return providerError(reason)
	}
	payload := params.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(map[string]json.RawMessage{"payload": payload})
	if err != nil {
		return providerError(err.Error())
	}

	out, err := p.lambda.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(data.FunctionName),
		Payload:      body,
		LogType:      types.LogTypeTail,
	})
	if err != nil {
		return providerError(err.Error())
	}

	outcome := provider.Outcome{ComputeTimeMS: -1, BilledTimeMS: -1}
	bootError := false
	if rep, err := p.parseTail(aws.ToString(out.LogResult), startMS); err != nil {
		p.capture(ctx, "lambda.report", err, map[string]any{"function_version_id": params.Version.ID})
	} else {
		bootError = rep.BootError
		outcome.Logs = rep.Logs
		outcome.ComputeTimeMS = rep.DurationMS
		outcome.BilledTimeMS = rep.BilledDurationMS
	}

	cls, internal := Classify(out.Payload, out.StatusCode, aws.ToString(out.FunctionError), bootError)
	if internal != nil {
		p.capture(ctx, "lambda.response", internal, map[string]any{
			"function_id":         params.Function.ID,
			"function_version_id": params.Version.ID,
			"function_error":      aws.ToString(out.FunctionError),
		})
	}
	outcome.Type = cls.Type
	outcome.Result = cls.Result
	outcome.Error = cls.Error
	outcome.InternalError = cls.InternalError
	return outcome
}

func (p *Provider) parseTail(encoded string, startMS int64) (ExecutionReport, error) {
	if encoded == "" {
		return ExecutionReport{DurationMS: -1, BilledDurationMS: -1}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ExecutionReport{}, err
	}
	return ParseExecutionReport(string(decoded), startMS)
}

func providerError(internal string) provider.Outcome {
	return provider.Outcome{
		Type:          provider.OutcomeError,
		Error:         &api.InvocationError{Code: api.CodeProviderError, Message: "Unable to invoke function"},
		InternalError: internal,
		ComputeTimeMS: -1,
		BilledTimeMS:  -1,
	}
}

func errorOutcome(code, message, internal string) provider.Outcome {
	return provider.Outcome{
		Type:          provider.OutcomeError,
		Error:         &api.InvocationError{Code: code, Message: message},
		InternalError: internal,
	}
}

// Classify maps a Lambda response to an outcome, first match wins:
// a 200 with a truthy body.result succeeds; a truthy body.error is the
// function's own error; an uncaught Error payload becomes a function_error
// with its trace; a boot error gets initialization guidance; anything else is
// an invalid response. An unparseable payload is a function_error when Lambda
// flagged one and an invalid response otherwise. The returned error, if any,
// is internal detail for the sink and never for callers.
func Classify(payload []byte, statusCode int32, functionError string, bootError bool) (provider.Outcome, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil || body == nil {
		if err == nil {
			err = fmt.Errorf("response payload is not an object")
		}
		if functionError != "" {
			return errorOutcome(api.CodeFunctionError, "Function invocation resulted in an error", "Function error: "+functionError), err
		}
		return errorOutcome(api.CodeInvalidResponse, "Function returned an invalid response", err.Error()), err
	}

	status := int(statusCode)
	var bodyStatus float64
	if json.Unmarshal(body["statusCode"], &bodyStatus) == nil && bodyStatus != 0 {
		status = int(bodyStatus)
	}
	if status == 0 {
		status = 500
	}
	var result map[string]json.RawMessage
	_ = json.Unmarshal(body["body"], &result)

	if status == 200 && truthy(result["result"]) {
		return provider.Outcome{Type: provider.OutcomeSuccess, Result: result["result"]}, nil
	}

	if truthy(result["error"]) {
		var fields struct {
			Code    any `json:"code"`
			Message any `json:"message"`
		}
		_ = json.Unmarshal(result["error"], &fields)
		return errorOutcome(
			stringOr(fields.Code, api.CodeFunctionError),
			stringOr(fields.Message, "Function invocation resulted in an error"),
			"",
		), nil
	}

	var uncaught struct {
		ErrorType    string          `json:"errorType"`
		ErrorMessage json.RawMessage `json:"errorMessage"`
		Trace        []any           `json:"trace"`
	}
	_ = json.Unmarshal(payload, &uncaught)
	var errMessage string
	if uncaught.ErrorType == "Error" && json.Unmarshal(uncaught.ErrorMessage, &errMessage) == nil {
		trace := make([]string, 0, len(uncaught.Trace))
		for _, frame := range uncaught.Trace {
			trace = append(trace, fmt.Sprint(frame))
		}
		return errorOutcome(api.CodeFunctionError,
			fmt.Sprintf("Function invocation resulted in an error:\nError %s\n\n%s", errMessage, strings.Join(trace, "\n")),
			"",
		), nil
	}

	if bootError {
		return errorOutcome(api.CodeFunctionError, bootErrorMessage, ""), nil
	}
	return errorOutcome(api.CodeInvalidResponse, "Function returned an invalid response", ""), nil
}

// truthy follows JSON truthiness: missing, null, false, 0 and "" are false.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "null", "false", `""`:
		return false
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return n != 0
	}
	return true
}

func stringOr(v any, fallback string) string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case float64:
		if t != 0 {
			return fmt.Sprint(t)
		}
	}
	return fallback
}
