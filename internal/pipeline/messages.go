// Package pipeline drives a deployment from submitted source files to a live
// function version. Each stage consumes one message type from its own queue
// and answers with the messages for the stages that follow; nothing but the
// message payload and the record store carries state between stages.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

// Stage names double as queue names.
type Stage string

const (
	StageStartBuild          Stage = "fbay/build/start"
	StageMonitorBuild        Stage = "fbay/build/mon"
	StageWorkflowFinished    Stage = "fbay/build/wfin"
	StageDeployToRuntime     Stage = "fbay/build/drun"
	StageDeployToFunctionBay Stage = "fbay/build/dfb"
	StageUploadBundle        Stage = "fbay/build/upl"
	StageSucceeded           Stage = "fbay/build/ok"
	StageError               Stage = "fbay/build/err"
	StageCleanup             Stage = "fbay/build/cln"
)

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{
		StageStartBuild,
		StageMonitorBuild,
		StageWorkflowFinished,
		StageDeployToRuntime,
		StageDeployToFunctionBay,
		StageUploadBundle,
		StageSucceeded,
		StageError,
		StageCleanup,
	}
}

// Deployment error codes recorded by the Error stage.
const (
	CodeBuildFailed          = "build_failed"
	CodeBuildRuntimeError    = "build_runtime_error"
	CodeBuildInvalidManifest = "build_invalid_manifest"
	CodeBuildTimeout         = "build_timeout"
	CodeDeployRuntimeError   = "deploy_runtime_error"
)

type Message interface {
	Stage() Stage
	Deployment() string
}

// Ref names the deployment a message belongs to.
type Ref struct {
	DeploymentID string `json:"deploymentId"`
}

func (r Ref) Deployment() string { return r.DeploymentID }

type StartBuild struct {
	Ref
	Files []api.SourceFile `json:"files"`
}

// Run identifies a forge workflow run.
type Run struct {
	RunID         string `json:"runId"`
	WorkflowID    string `json:"workflowId"`
	ForgeTenantID string `json:"forgeTenantId"`
}

type MonitorBuild struct {
	Ref
	Run
	Polls int `json:"polls,omitempty"`
}

type WorkflowFinished struct {
	Ref
	Run
}

type DeployToRuntime struct {
	Ref
	Manifest  api.Manifest `json:"manifest"`
	OutputURL string       `json:"outputUrl"`
}

// DeployToFunctionBay carries the ids minted before the provider deploy so a
// redelivery recreates nothing.
type DeployToFunctionBay struct {
	Ref
	Manifest     api.Manifest    `json:"manifest"`
	OutputURL    string          `json:"outputUrl"`
	VersionID    string          `json:"versionId"`
	VersionOid   int64           `json:"versionOid"`
	BundleID     string          `json:"bundleId"`
	BundleOid    int64           `json:"bundleOid"`
	ProviderData json.RawMessage `json:"providerData"`
}

type UploadBundle struct {
	Ref
	BundleOid int64  `json:"bundleOid"`
	OutputURL string `json:"outputUrl"`
}

type Succeeded struct {
	Ref
	VersionOid int64  `json:"versionOid"`
	VersionID  string `json:"versionId"`
}

// Failure is the Error stage message.
type Failure struct {
	Ref
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Cleanup struct {
	Ref
}

func (StartBuild) Stage() Stage          { return StageStartBuild }
func (MonitorBuild) Stage() Stage        { return StageMonitorBuild }
func (WorkflowFinished) Stage() Stage    { return StageWorkflowFinished }
func (DeployToRuntime) Stage() Stage     { return StageDeployToRuntime }
func (DeployToFunctionBay) Stage() Stage { return StageDeployToFunctionBay }
func (UploadBundle) Stage() Stage        { return StageUploadBundle }
func (Succeeded) Stage() Stage           { return StageSucceeded }
func (Failure) Stage() Stage             { return StageError }
func (Cleanup) Stage() Stage             { return StageCleanup }

// Decode reads a queue payload into the message type of stage.
func Decode(stage Stage, data []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	switch stage {
	case StageStartBuild:
		msg, err = decodeAs[StartBuild](data)
	case StageMonitorBuild:
		msg, err = decodeAs[MonitorBuild](data)
	case StageWorkflowFinished:
		msg, err = decodeAs[WorkflowFinished](data)
	case StageDeployToRuntime:
		msg, err = decodeAs[DeployToRuntime](data)
	case StageDeployToFunctionBay:
		msg, err = decodeAs[DeployToFunctionBay](data)
	case StageUploadBundle:
		msg, err = decodeAs[UploadBundle](data)
	case StageSucceeded:
		msg, err = decodeAs[Succeeded](data)
	case StageError:
		msg, err = decodeAs[Failure](data)
	case StageCleanup:
		msg, err = decodeAs[Cleanup](data)
	default:
		return nil, fmt.Errorf("unknown pipeline stage %q", stage)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s message: %w", stage, err)
	}
	if msg.Deployment() == "" {
		return nil, fmt.Errorf("%s message has no deployment id", stage)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Action is what the queue should do with a handled message.
type Action int

const (
	// ActionDone acknowledges the message with nothing further to run.
	ActionDone Action = iota
	// ActionAdvance acknowledges the message once its dispatches are enqueued.
	ActionAdvance
	// ActionRetry redelivers the message unchanged without counting an attempt.
	ActionRetry
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionAdvance:
		return "advance"
	case ActionRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Dispatch is a message to enqueue, optionally delayed.
type Dispatch struct {
	Message Message
	Delay   time.Duration
}

type Outcome struct {
	Action     Action
	Dispatches []Dispatch
}

func Done() Outcome  { return Outcome{Action: ActionDone} }
func Retry() Outcome { return Outcome{Action: ActionRetry} }

func Advance(dispatches ...Dispatch) Outcome {
	return Outcome{Action: ActionAdvance, Dispatches: dispatches}
}

func Next(msg Message) Dispatch { return Dispatch{Message: msg} }

func After(msg Message, delay time.Duration) Dispatch {
	return Dispatch{Message: msg, Delay: delay}
}

func fail(deploymentID, code, message string) Outcome {
	return Advance(Next(Failure{Ref: Ref{DeploymentID: deploymentID}, Code: code, Message: message}))
}
