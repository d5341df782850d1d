// Package forge is a client for the external build-execution service that
// runs function build workflows and stores their artifacts.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

type StepType string

const (
	StepScript           StepType = "script"
	StepDownloadArtifact StepType = "download_artifact"
	StepUploadArtifact   StepType = "upload_artifact"
)

// Step is one step of a workflow version. Which fields apply depends on Type.
type Step struct {
	Name                    string   `json:"name"`
	Type                    StepType `json:"type"`
	InitScript              []string `json:"initScript,omitempty"`
	ActionScript            []string `json:"actionScript,omitempty"`
	CleanupScript           []string `json:"cleanupScript,omitempty"`
	ArtifactID              string   `json:"artifactId,omitempty"`
	ArtifactDestinationPath string   `json:"artifactDestinationPath,omitempty"`
	ArtifactSourcePath      string   `json:"artifactSourcePath,omitempty"`
	ArtifactName            string   `json:"artifactName,omitempty"`
}

type Tenant struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

type Workflow struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

type WorkflowVersion struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

type ArtifactURL struct {
	URL         string `json:"url"`
	ExpiresAtMS int64  `json:"expires_at_ms,omitempty"`
}

type Artifact struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	URL  ArtifactURL `json:"url"`
}

type Run struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Status     RunStatus  `json:"status"`
	Artifacts  []Artifact `json:"artifacts"`
}

// Artifact returns the run artifact with the given name.
func (r Run) Artifact(name string) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

type CreateRunRequest struct {
	Files []api.SourceFile  `json:"files"`
	Env   map[string]string `json:"env"`
}

type RunStep struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CreatedAtMS int64  `json:"created_at_ms"`
	StartedAtMS int64  `json:"started_at_ms,omitempty"`
	EndedAtMS   int64  `json:"ended_at_ms,omitempty"`
}

type RunStepOutput struct {
	Step RunStep                   `json:"step"`
	Logs []api.DeploymentOutputLog `json:"logs"`
}

type Client interface {
	UpsertTenant(ctx context.Context, identifier, name string) (Tenant, error)
	GetWorkflow(ctx context.Context, tenantID, workflowID string) (Workflow, error)
	UpsertWorkflow(ctx context.Context, tenantID, identifier, name string) (Workflow, error)
	CreateWorkflowVersion(ctx context.Context, tenantID, workflowID, name string, steps []Step) (WorkflowVersion, error)
	CreateRun(ctx context.Context, tenantID, workflowID string, req CreateRunRequest) (Run, error)
	GetRun(ctx context.Context, tenantID, workflowID, runID string) (Run, error)
	GetRunOutput(ctx context.Context, tenantID, workflowID, runID string) ([]RunStepOutput, error)
	OpenArtifact(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error)
}

type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(addr, token string, timeout time.Duration) *HTTPClient {
	baseURL := addr
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: &http.Client{Timeout: timeout}}
}

func tenantPath(tenantID string) string {
	return "/v1/tenants/" + url.PathEscape(tenantID)
}

func workflowPath(tenantID, workflowID string) string {
	return tenantPath(tenantID) + "/workflows/" + url.PathEscape(workflowID)
}

func runPath(tenantID, workflowID, runID string) string {
	return workflowPath(tenantID, workflowID) + "/runs/" + url.PathEscape(runID)
}

func (c *HTTPClient) UpsertTenant(ctx context.Context, identifier, name string) (Tenant, error) {
	var out Tenant
	err := c.doJSON(ctx, http.MethodPut, "/v1/tenants", map[string]any{"identifier": identifier, "name": name}, &out)
	return out, err
}

func (c *HTTPClient) GetWorkflow(ctx context.Context, tenantID, workflowID string) (Workflow, error) {
	var out Workflow
	err := c.doJSON(ctx, http.MethodGet, workflowPath(tenantID, workflowID), nil, &out)
	return out, err
}

func (c *HTTPClient) UpsertWorkflow(ctx context.Context, tenantID, identifier, name string) (Workflow, error) {
	var out Workflow
	err := c.doJSON(ctx, http.MethodPut, tenantPath(tenantID)+"/workflows", map[string]any{"identifier": identifier, "name": name}, &out)
	return out, err
}

func (c *HTTPClient) CreateWorkflowVersion(ctx context.Context, tenantID, workflowID, name string, steps []Step) (WorkflowVersion, error) {
	var out WorkflowVersion
	err := c.doJSON(ctx, http.MethodPost, workflowPath(tenantID, workflowID)+"/versions", map[string]any{"name": name, "steps": steps}, &out)
	return out, err
}

func (c *HTTPClient) CreateRun(ctx context.Context, tenantID, workflowID string, req CreateRunRequest) (Run, error) {
	var out Run
	err := c.doJSON(ctx, http.MethodPost, workflowPath(tenantID, workflowID)+"/runs", req, &out)
	return out, err
}

func (c *HTTPClient) GetRun(ctx context.Context, tenantID, workflowID, runID string) (Run, error) {
	var out Run
	err := c.doJSON(ctx, http.MethodGet, runPath(tenantID, workflowID, runID), nil, &out)
	return out, err
}

func (c *HTTPClient) GetRunOutput(ctx context.Context, tenantID, workflowID, runID string) ([]RunStepOutput, error) {
	var out struct {
		Steps []RunStepOutput `json:"steps"`
	}
	if err := c.doJSON(ctx, http.MethodGet, runPath(tenantID, workflowID, runID)+"/output", nil, &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// OpenArtifact streams an artifact from its signed URL. The size is -1 when
// the server does not report a length. Callers close the reader.
func (c *HTTPClient) OpenArtifact(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, 0, fberrors.Wrap(fberrors.FBForgeFailed, "invalid artifact url", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fberrors.Wrap(fberrors.FBForgeFailed, "failed to fetch artifact", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, statusErr("artifact download", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// ReadArtifact downloads a whole artifact into memory.
func ReadArtifact(ctx context.Context, c Client, artifactURL string) ([]byte, error) {
	body, _, err := c.OpenArtifact(ctx, artifactURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBForgeFailed, "failed to read artifact", err)
	}
	return raw, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fberrors.Wrap(fberrors.FBForgeFailed, "failed to encode forge request", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fberrors.Wrap(fberrors.FBForgeFailed, "failed to build forge request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fberrors.Wrap(fberrors.FBForgeFailed, "forge request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusErr(method+" "+path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fberrors.Wrap(fberrors.FBForgeFailed, "failed to decode forge response", err)
		}
	}
	return nil
}

func statusErr(what string, status int) error {
	if status == http.StatusNotFound {
		return fberrors.New(fberrors.FBNotFound, fmt.Sprintf("forge %s returned %d", what, status))
	}
	return fberrors.New(fberrors.FBForgeFailed, fmt.Sprintf("forge %s returned %d", what, status))
}
