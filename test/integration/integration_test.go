//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestDeployAndInvokeAPI drives a running control plane and pipeline end to
// end: a function is created, deployed and invoked once its deployment
// succeeds.
func TestDeployAndInvokeAPI(t *testing.T) {
	baseURL := requiredEnv(t, "FB_INTEGRATION_API_URL")
	tenant := requiredEnv(t, "FB_INTEGRATION_TENANT")
	token := requiredEnv(t, "FB_INTEGRATION_TOKEN")

	tenantURL := fmt.Sprintf("%s/v1/tenants/%s", baseURL, tenant)
	doJSON(t, token, http.MethodPut, tenantURL, map[string]any{"name": tenant}, http.StatusOK)

	fn := fmt.Sprintf("it-fn-%d", time.Now().UnixNano())
	doJSON(t, token, http.MethodPost, tenantURL+"/functions", map[string]any{"identifier": fn, "name": fn}, http.StatusCreated)

	fnURL := tenantURL + "/functions/" + fn
	raw := doJSON(t, token, http.MethodPost, fnURL+"/deployments", map[string]any{
		"name":    "it",
		"runtime": map[string]any{"identifier": "nodejs", "version": "24.x"},
		"files": []map[string]any{{
			"filename": "index.js",
			"content":  `exports.handler = async (event) => ({ echo: event })`,
		}},
	}, http.StatusCreated)
	var dep struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &dep); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}

	deadline := time.Now().Add(10 * time.Minute)
	for dep.Status != "succeeded" {
		if dep.Status == "failed" {
			out := doJSON(t, token, http.MethodGet, fnURL+"/deployments/"+dep.ID+"/output", nil, http.StatusOK)
			t.Fatalf("deployment failed: %s", out)
		}
		if time.Now().After(deadline) {
			t.Fatalf("deployment %s stuck in %s", dep.ID, dep.Status)
		}
		time.Sleep(5 * time.Second)
		raw = doJSON(t, token, http.MethodGet, fnURL+"/deployments/"+dep.ID, nil, http.StatusOK)
		if err := json.Unmarshal(raw, &dep); err != nil {
			t.Fatalf("decode deployment: %v", err)
		}
	}

	raw = doJSON(t, token, http.MethodPost, fnURL+"/invoke", map[string]any{"payload": map[string]any{"ping": 1}}, http.StatusOK)
	var inv struct {
		ID     string          `json:"id"`
		Type   string          `json:"type"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		t.Fatalf("decode invoke: %v", err)
	}
	if inv.Type != "success" || string(inv.Result) != `{"echo":{"ping":1}}` {
		t.Fatalf("unexpected invocation %s", raw)
	}
}

func requiredEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("missing env: %s", key)
	}
	return v
}

func doJSON(t *testing.T, token, method, url string, body any, want int) []byte {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	respRaw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status=%d body=%s", method, url, resp.StatusCode, string(respRaw))
	}
	return respRaw
}
