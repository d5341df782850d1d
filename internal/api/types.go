package api

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)
	envKeyPattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Rank orders statuses for forward-only transitions.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed:
		return 2
	default:
		return -1
	}
}

type BundleStatus string

const (
	BundleUploading BundleStatus = "uploading"
	BundleAvailable BundleStatus = "available"
	BundleFailed    BundleStatus = "failed"
)

const StepTypeDeploy = "deploy"

// Invocation error codes returned to callers.
const (
	CodeProviderError   = "function_bay.provider_error"
	CodeFunctionError   = "function_bay.function_error"
	CodeInvalidResponse = "function_bay.invalid_response"
)

type Tenant struct {
	Oid         int64  `json:"oid"`
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

type Provider struct {
	Oid         int64  `json:"oid"`
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

type RuntimeSpec struct {
	Identifier string `json:"identifier" validate:"required,oneof=nodejs python ruby java"`
	Version    string `json:"version" validate:"required"`
}

func (s RuntimeSpec) String() string {
	return s.Identifier + "@" + s.Version
}

type Layer struct {
	Provider     string `json:"provider" validate:"required,oneof=aws.lambda gcp.cloud-functions azure.functions"`
	Identifier   string `json:"identifier" validate:"required"`
	Version      string `json:"version" validate:"required"`
	OS           string `json:"os" validate:"required,oneof=linux"`
	OSIdentifier string `json:"osIdentifier" validate:"required"`
	Arch         string `json:"arch" validate:"required,oneof=x86_64 arm64"`
}

type RuntimeConfig struct {
	Layer      Layer       `json:"layer" validate:"required"`
	Runtime    RuntimeSpec `json:"runtime" validate:"required"`
	Handler    string      `json:"handler" validate:"required"`
	Identifier string      `json:"identifier" validate:"required"`
}

// Manifest is produced by the build workflow and describes the built output.
type Manifest struct {
	Hash    string        `json:"hash" validate:"required"`
	Runtime RuntimeConfig `json:"runtime" validate:"required"`
}

type Runtime struct {
	Oid                int64       `json:"oid"`
	ID                 string      `json:"id"`
	Identifier         string      `json:"identifier"`
	Name               string      `json:"name"`
	ProviderOid        int64       `json:"provider_oid"`
	ProviderIdentifier string      `json:"provider_identifier"`
	Spec               RuntimeSpec `json:"spec"`
	Layer              Layer       `json:"layer"`
	CreatedAtMS        int64       `json:"created_at_ms"`
}

// RuntimeForgeWorkflow maps a (runtime, tenant) pair to its build workflow.
type RuntimeForgeWorkflow struct {
	Oid                    int64  `json:"oid"`
	RuntimeOid             int64  `json:"runtime_oid"`
	TenantOid              int64  `json:"tenant_oid"`
	ForgeTenantID          string `json:"forge_tenant_id"`
	ForgeWorkflowID        string `json:"forge_workflow_id"`
	ForgeWorkflowVersionID string `json:"forge_workflow_version_id"`
	CreatedAtMS            int64  `json:"created_at_ms"`
}

type Function struct {
	Oid               int64  `json:"oid"`
	ID                string `json:"id"`
	TenantOid         int64  `json:"tenant_oid"`
	Identifier        string `json:"identifier"`
	Name              string `json:"name"`
	CurrentVersionOid *int64 `json:"current_version_oid,omitempty"`
	CreatedAtMS       int64  `json:"created_at_ms"`
}

type FunctionConfig struct {
	MemorySizeMB   int `json:"memorySizeMb" validate:"min=128,max=10240"`
	TimeoutSeconds int `json:"timeoutSeconds" validate:"min=1,max=900"`
}

func DefaultFunctionConfig() FunctionConfig {
	return FunctionConfig{MemorySizeMB: 256, TimeoutSeconds: 30}
}

type Deployment struct {
	Oid                int64          `json:"oid"`
	ID                 string         `json:"id"`
	Identifier         string         `json:"identifier"`
	Name               string         `json:"name"`
	Status             Status         `json:"status"`
	ErrorCode          string         `json:"error_code,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	TenantOid          int64          `json:"tenant_oid"`
	FunctionOid        int64          `json:"function_oid"`
	RuntimeOid         int64          `json:"runtime_oid"`
	Config             FunctionConfig `json:"config"`
	EncryptedEnv       string         `json:"-"`
	ForgeTenantID      string         `json:"forge_tenant_id,omitempty"`
	ForgeWorkflowID    string         `json:"forge_workflow_id,omitempty"`
	ForgeRunID         string         `json:"forge_run_id,omitempty"`
	FunctionVersionOid *int64         `json:"function_version_oid,omitempty"`
	CreatedAtMS        int64          `json:"created_at_ms"`
	UpdatedAtMS        int64          `json:"updated_at_ms"`
}

type DeploymentStep struct {
	Oid           int64  `json:"oid"`
	ID            string `json:"id"`
	DeploymentOid int64  `json:"deployment_oid"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Status        Status `json:"status"`
	Output        string `json:"output"`
	CreatedAtMS   int64  `json:"created_at_ms"`
	StartedAtMS   int64  `json:"started_at_ms,omitempty"`
	EndedAtMS     int64  `json:"ended_at_ms,omitempty"`
}

type Bundle struct {
	Oid           int64        `json:"oid"`
	ID            string       `json:"id"`
	FunctionOid   int64        `json:"function_oid"`
	Status        BundleStatus `json:"status"`
	StorageBucket string       `json:"storage_bucket,omitempty"`
	StorageKey    string       `json:"storage_key,omitempty"`
	CreatedAtMS   int64        `json:"created_at_ms"`
	UpdatedAtMS   int64        `json:"updated_at_ms"`
}

type Version struct {
	Oid           int64           `json:"oid"`
	ID            string          `json:"id"`
	FunctionOid   int64           `json:"function_oid"`
	DeploymentOid int64           `json:"deployment_oid"`
	BundleOid     int64           `json:"bundle_oid"`
	RuntimeOid    int64           `json:"runtime_oid"`
	Config        FunctionConfig  `json:"config"`
	EncryptedEnv  string          `json:"encrypted_env,omitempty"`
	Manifest      Manifest        `json:"manifest"`
	ProviderData  json.RawMessage `json:"provider_data"`
	CreatedAtMS   int64           `json:"created_at_ms"`
}

type InvocationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Invocation struct {
	Oid           int64            `json:"oid"`
	ID            string           `json:"id"`
	TenantOid     int64            `json:"tenant_oid"`
	FunctionOid   int64            `json:"function_oid"`
	VersionOid    int64            `json:"version_oid"`
	Status        Status           `json:"status"`
	Logs          string           `json:"logs"`
	Error         *InvocationError `json:"error,omitempty"`
	ComputeTimeMS float64          `json:"compute_time_ms"`
	BilledTimeMS  float64          `json:"billed_time_ms"`
	CreatedAtMS   int64            `json:"created_at_ms"`
}

// LogLine is a timestamped message, encoded as [tsMs, "message"].
type LogLine struct {
	TimestampMS int64
	Message     string
}

func (l LogLine) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.TimestampMS, l.Message})
}

func (l *LogLine) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("log line must have 2 elements, got %d", len(pair))
	}
	var ts float64
	if err := json.Unmarshal(pair[0], &ts); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[1], &l.Message); err != nil {
		return err
	}
	l.TimestampMS = int64(ts)
	return nil
}

// JoinLogLines encodes lines as newline-delimited JSON pairs.
func JoinLogLines(lines []LogLine) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		b, err := json.Marshal(line)
		if err != nil {
			continue
		}
		parts = append(parts, string(b))
	}
	return strings.Join(parts, "\n")
}

// SplitLogLines decodes output written by JoinLogLines, skipping malformed lines.
func SplitLogLines(output string) []LogLine {
	if strings.TrimSpace(output) == "" {
		return nil
	}
	var out []LogLine
	for _, raw := range strings.Split(output, "\n") {
		var line LogLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		out = append(out, line)
	}
	return out
}

type SourceFile struct {
	Filename string `json:"filename" validate:"required"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty" validate:"omitempty,oneof=utf-8 base64"`
}

type CreateTenantRequest struct {
	Name string `json:"name"`
}

type CreateFunctionRequest struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

type CreateDeploymentRequest struct {
	Name    string            `json:"name" validate:"required,max=255"`
	Env     map[string]string `json:"env"`
	Files   []SourceFile      `json:"files" validate:"required,min=1,dive"`
	Runtime RuntimeSpec       `json:"runtime" validate:"required"`
	Config  *FunctionConfig   `json:"config,omitempty"`
}

type InvokeRequest struct {
	Payload   json.RawMessage `json:"payload"`
	VersionID string          `json:"version_id,omitempty"`
}

type InvokeResponse struct {
	ID     string           `json:"id"`
	Type   string           `json:"type"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *InvocationError `json:"error,omitempty"`
}

type DeploymentOutputLog struct {
	TimestampMS int64  `json:"timestamp"`
	Message     string `json:"message"`
}

type DeploymentOutputStep struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Type        string                `json:"type"`
	Status      string                `json:"status"`
	Logs        []DeploymentOutputLog `json:"logs"`
	CreatedAtMS int64                 `json:"created_at_ms,omitempty"`
	StartedAtMS int64                 `json:"started_at_ms,omitempty"`
	EndedAtMS   int64                 `json:"ended_at_ms,omitempty"`
}

type DeploymentOutput struct {
	Steps []DeploymentOutputStep `json:"steps"`
}

func ValidateIdentifier(v string) error {
	if !identifierPattern.MatchString(v) {
		return fmt.Errorf("invalid identifier %q", v)
	}
	return nil
}

func ValidateEnv(env map[string]string) error {
	for k := range env {
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("invalid environment variable name %q", k)
		}
		if strings.HasPrefix(k, "METORIAL_") {
			return fmt.Errorf("environment variable %q uses a reserved prefix", k)
		}
	}
	return nil
}

// DeploymentEvent is published when a deployment reaches a terminal state.
type DeploymentEvent struct {
	DeploymentID string `json:"deployment_id"`
	FunctionID   string `json:"function_id"`
	TenantID     string `json:"tenant_id"`
	VersionID    string `json:"version_id,omitempty"`
	Status       Status `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	TSMS         int64  `json:"ts_ms"`
}

// InvocationEvent is published after every invocation, successful or not.
type InvocationEvent struct {
	InvocationID  string  `json:"invocation_id"`
	FunctionID    string  `json:"function_id"`
	VersionID     string  `json:"version_id"`
	TenantID      string  `json:"tenant_id"`
	Type          string  `json:"type"`
	ErrorCode     string  `json:"error_code,omitempty"`
	ComputeTimeMS float64 `json:"compute_time_ms"`
	BilledTimeMS  float64 `json:"billed_time_ms"`
	TSMS          int64   `json:"ts_ms"`
}
