package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/config"
	"github.com/osvaldoandrade/fnbay/internal/plugins/messaging"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
	"github.com/osvaldoandrade/fnbay/internal/testutil"
)

func setupConfigHome(t *testing.T) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", root)
	t.Setenv("HOME", root)
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

type callRecord struct {
	method string
	path   string
	body   []byte
}

type apiStub struct {
	mu    sync.Mutex
	calls []callRecord
}

func (s *apiStub) last() callRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func newAPIStub(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *apiStub {
	t.Helper()
	stub := &apiStub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		stub.mu.Lock()
		stub.calls = append(stub.calls, callRecord{method: r.Method, path: r.URL.Path, body: body})
		stub.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer tok_abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if handler != nil {
			handler(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	if err := saveAuthConfig(authConfig{APIURL: srv.URL, Tenant: "acme", Token: "tok_abc"}); err != nil {
		t.Fatalf("saveAuthConfig failed: %v", err)
	}
	return stub
}

func TestAuthConfigAndHandleAuth(t *testing.T) {
	setupConfigHome(t)
	out := captureStdout(t)

	if err := handleAuth([]string{"login", "--tenant", "acme", "--token", "tok_1", "--api-url", "http://localhost:8080/"}); err != nil {
		t.Fatalf("handleAuth login failed: %v", err)
	}
	cfg, err := loadAuthConfig()
	if err != nil {
		t.Fatalf("loadAuthConfig failed: %v", err)
	}
	if cfg.Tenant != "acme" || cfg.Token != "tok_1" || cfg.APIURL != "http://localhost:8080" {
		t.Fatalf("unexpected auth config: %+v", cfg)
	}
	if err := handleAuth([]string{"whoami"}); err != nil {
		t.Fatalf("handleAuth whoami failed: %v", err)
	}
	if !strings.Contains(out.String(), "tenant=acme") {
		t.Fatalf("whoami output %q", out.String())
	}
	if err := handleAuth([]string{"unknown"}); err == nil {
		t.Fatal("expected unknown auth subcommand error")
	}

	setupConfigHome(t)
	if err := handleAuth([]string{"login", "--tenant", "acme"}); err == nil {
		t.Fatal("expected missing token error")
	}
	t.Setenv("FB_TOKEN", "token_from_env")
	if err := handleAuth([]string{"login", "--tenant", "acme"}); err != nil {
		t.Fatalf("handleAuth login with env token failed: %v", err)
	}
}

func TestLoadAuthConfigRejectsIncomplete(t *testing.T) {
	setupConfigHome(t)
	if _, err := loadAuthConfig(); err == nil {
		t.Fatal("expected error without saved config")
	}
	path, err := authPath()
	if err != nil {
		t.Fatalf("authPath: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"api_url":"http://x"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadAuthConfig(); err == nil {
		t.Fatal("expected invalid auth config error")
	}
}

func TestTenantAndFunctionCommands(t *testing.T) {
	setupConfigHome(t)
	captureStdout(t)
	stub := newAPIStub(t, nil)

	if err := handleTenant([]string{"create", "--name", "Acme Corp"}); err != nil {
		t.Fatalf("tenant create: %v", err)
	}
	if c := stub.last(); c.method != http.MethodPut || c.path != "/v1/tenants/acme" {
		t.Fatalf("unexpected call %+v", c)
	}

	if err := handleFunction([]string{"create", "--name", "Hello", "hello"}); err != nil {
		t.Fatalf("fn create: %v", err)
	}
	c := stub.last()
	var req api.CreateFunctionRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.path != "/v1/tenants/acme/functions" || req.Identifier != "hello" || req.Name != "Hello" {
		t.Fatalf("unexpected create call %s %+v", c.path, req)
	}
	if err := handleFunction([]string{"create", "Bad Name"}); err == nil {
		t.Fatal("expected identifier validation error")
	}

	for _, tc := range []struct {
		args []string
		path string
	}{
		{[]string{"list"}, "/v1/tenants/acme/functions"},
		{[]string{"get", "hello"}, "/v1/tenants/acme/functions/hello"},
		{[]string{"versions", "hello"}, "/v1/tenants/acme/functions/hello/versions"},
	} {
		if err := handleFunction(tc.args); err != nil {
			t.Fatalf("fn %v: %v", tc.args, err)
		}
		if c := stub.last(); c.method != http.MethodGet || c.path != tc.path {
			t.Fatalf("fn %v called %+v", tc.args, c)
		}
	}
}

func TestDeployCollectsSourceTree(t *testing.T) {
	setupConfigHome(t)
	captureStdout(t)
	stub := newAPIStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"bdep_1","status":"pending"}`))
	})

	dir := filepath.Join(t.TempDir(), "hello-fn")
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.ts"), []byte("export const handler = async () => 1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "util.ts"), []byte("export {}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := deploy([]string{"--path", dir, "--env", "TOKEN=abc", "--env", "MODE=prod", "--timeout-s", "60", "hello"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	c := stub.last()
	if c.method != http.MethodPost || c.path != "/v1/tenants/acme/functions/hello/deployments" {
		t.Fatalf("unexpected call %+v", c)
	}
	var req api.CreateDeploymentRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Name != "hello-fn" || len(req.Files) != 2 || req.Files[0].Filename != "index.ts" || req.Files[1].Filename != "lib/util.ts" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Env["TOKEN"] != "abc" || req.Env["MODE"] != "prod" {
		t.Fatalf("env lost: %+v", req.Env)
	}
	if req.Runtime.Identifier != "nodejs" || req.Config == nil || req.Config.TimeoutSeconds != 60 || req.Config.MemorySizeMB != 256 {
		t.Fatalf("unexpected runtime/config %+v %+v", req.Runtime, req.Config)
	}

	calls := len(stub.calls)
	if err := deploy([]string{"--path", dir, "--env", "NOEQUALS", "hello"}); err == nil {
		t.Fatal("expected bad env flag error")
	}
	if err := deploy([]string{"--path", dir, "--runtime", "perl", "hello"}); err == nil {
		t.Fatal("expected runtime validation error")
	}
	if err := deploy([]string{"--path", t.TempDir(), "hello"}); err == nil {
		t.Fatal("expected empty source tree error")
	}
	if len(stub.calls) != calls {
		t.Fatalf("invalid deploys must not reach the server")
	}
}

func TestDeploymentCommands(t *testing.T) {
	setupConfigHome(t)
	out := captureStdout(t)
	stub := newAPIStub(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/output") {
			_ = json.NewEncoder(w).Encode(api.DeploymentOutput{Steps: []api.DeploymentOutputStep{{
				Name:   "build",
				Status: "succeeded",
				Logs:   []api.DeploymentOutputLog{{TimestampMS: 7, Message: "compiled"}},
			}}})
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	if err := handleDeployment([]string{"list", "hello"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if c := stub.last(); c.path != "/v1/tenants/acme/functions/hello/deployments" {
		t.Fatalf("list path %s", c.path)
	}
	if err := handleDeployment([]string{"get", "hello", "bdep_1"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if c := stub.last(); c.path != "/v1/tenants/acme/functions/hello/deployments/bdep_1" {
		t.Fatalf("get path %s", c.path)
	}
	out.Reset()
	if err := handleDeployment([]string{"output", "hello", "bdep_1"}); err != nil {
		t.Fatalf("output: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "== build [succeeded]") || !strings.Contains(got, "7 compiled") {
		t.Fatalf("unexpected output %q", got)
	}
	if err := handleDeployment([]string{"get", "hello"}); err == nil {
		t.Fatal("expected usage error without deployment id")
	}
}

func TestInvokeCommand(t *testing.T) {
	setupConfigHome(t)
	captureStdout(t)
	var fail atomic.Bool
	stub := newAPIStub(t, func(w http.ResponseWriter, _ *http.Request) {
		resp := api.InvokeResponse{ID: "binv_1", Type: "success", Result: json.RawMessage(`{"ok":true}`)}
		if fail.Load() {
			resp = api.InvokeResponse{ID: "binv_2", Type: "error", Error: &api.InvocationError{Code: "Unhandled", Message: "boom"}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	payloadPath := filepath.Join(t.TempDir(), "event.json")
	if err := os.WriteFile(payloadPath, []byte(`{"x":1}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := invoke([]string{"--payload", "@" + payloadPath, "--version", "bfv_1", "hello"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	c := stub.last()
	var req api.InvokeRequest
	if err := json.Unmarshal(c.body, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.path != "/v1/tenants/acme/functions/hello/invoke" || string(req.Payload) != `{"x":1}` || req.VersionID != "bfv_1" {
		t.Fatalf("unexpected invoke %s %+v", c.path, req)
	}

	if err := invoke([]string{"--payload", "{not json", "hello"}); err == nil {
		t.Fatal("expected invalid payload error")
	}

	fail.Store(true)
	if err := invoke([]string{"hello"}); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected function error, got %v", err)
	}
}

func TestInvocationCommands(t *testing.T) {
	setupConfigHome(t)
	captureStdout(t)
	stub := newAPIStub(t, nil)
	if err := handleInvocation([]string{"get", "binv_1"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if c := stub.last(); c.path != "/v1/tenants/acme/invocations/binv_1" {
		t.Fatalf("get path %s", c.path)
	}
	if err := handleInvocation([]string{"list", "hello"}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if c := stub.last(); c.path != "/v1/tenants/acme/functions/hello/invocations" {
		t.Fatalf("list path %s", c.path)
	}
}

func TestServerErrorsCarryCode(t *testing.T) {
	setupConfigHome(t)
	captureStdout(t)
	newAPIStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"FB_NOT_FOUND","message":"function not found"}}`))
	})

	err := handleFunction([]string{"get", "missing"})
	var se *serverError
	if !errors.As(err, &se) {
		t.Fatalf("expected serverError, got %v", err)
	}
	if se.Status != http.StatusNotFound || se.Code != "FB_NOT_FOUND" || se.Body != "function not found" {
		t.Fatalf("unexpected server error %+v", se)
	}
}

func TestEventsTail(t *testing.T) {
	out := captureStdout(t)
	fake := &testutil.FakeMessaging{
		ConsumeTopicFn: func(_ context.Context, topic, group string, handler func(messaging.Envelope) error) error {
			if topic != "fbay.invocations" || group != "ops" {
				return errors.New("unexpected subscription " + topic + "/" + group)
			}
			for _, env := range []messaging.Envelope{
				{TSMS: 1, Type: messaging.TypeInvocationEvent, Tenant: "bten_1", Body: json.RawMessage(`{"id":"binv_1"}`)},
				{TSMS: 2, Type: messaging.TypeInvocationEvent, Tenant: "bten_2", Body: json.RawMessage(`{"id":"binv_2"}`)},
			} {
				if err := handler(env); err != nil {
					return err
				}
			}
			return nil
		},
	}
	var gotCfg config.Config
	registry.RegisterMessaging("cli-test", func(cfg config.Config) (messaging.Provider, error) {
		gotCfg = cfg
		return fake, nil
	})
	prev := messagingDriver
	messagingDriver = "cli-test"
	t.Cleanup(func() { messagingDriver = prev })

	err := handleEvents(context.Background(), []string{"tail", "--brokers", "k1:9092,k2:9092", "--topic", "fbay.invocations", "--group", "ops", "--tenant", "bten_1"})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(gotCfg.Plugins.Messaging.Kafka.Brokers) != 2 {
		t.Fatalf("brokers not passed: %+v", gotCfg.Plugins.Messaging.Kafka)
	}
	got := out.String()
	if !strings.Contains(got, "binv_1") || strings.Contains(got, "binv_2") {
		t.Fatalf("tenant filter not applied: %q", got)
	}

	t.Setenv("FB_KAFKA_BROKERS", "")
	if err := handleEvents(context.Background(), []string{"tail"}); err == nil {
		t.Fatal("expected missing brokers error")
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestFnTestRunsHandlerLocally(t *testing.T) {
	out := captureStdout(t)
	dir := t.TempDir()
	src := `exports.handler = async (event) => { console.log("got", event.name); return { hello: event.name, mode: process.env.MODE } }`
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte(src), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := handleFunction([]string{"test", "--path", dir, "--event", `{"name":"ada"}`, "--env", "MODE=dev"}); err != nil {
		t.Fatalf("fn test: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "INFO\tgot ada") || !strings.Contains(got, `"hello": "ada"`) || !strings.Contains(got, `"mode": "dev"`) {
		t.Fatalf("unexpected output %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte(`exports.handler = () => { throw new Error("broken") }`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := handleFunction([]string{"test", "--path", dir}); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected function error, got %v", err)
	}
}
