package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/bundle"
	"github.com/osvaldoandrade/fnbay/internal/config"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/localrun"
	"github.com/osvaldoandrade/fnbay/internal/plugins/messaging"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/messaging/kafka"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
)

const defaultMaxSourceBytes = 50 << 20

type authConfig struct {
	APIURL string `json:"api_url"`
	Tenant string `json:"tenant"`
	Token  string `json:"token"`
}

var (
	stdout          io.Writer = os.Stdout
	messagingDriver           = "kafka"
)

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1], os.Args[2:])
	stop()
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	var se *serverError
	if errors.As(err, &se) {
		os.Exit(2)
	}
	os.Exit(1)
}

func run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "auth":
		return handleAuth(args)
	case "tenant":
		return handleTenant(args)
	case "fn":
		return handleFunction(args)
	case "deploy":
		return deploy(args)
	case "deployment":
		return handleDeployment(args)
	case "invoke":
		return invoke(args)
	case "invocation":
		return handleInvocation(args)
	case "events":
		return handleEvents(ctx, args)
	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func usage() {
	fmt.Println("fb <auth|tenant|fn|deploy|deployment|invoke|invocation|events> ...")
}

func handleAuth(args []string) error {
	if len(args) < 1 {
		return errors.New("auth subcommand required: login|whoami")
	}
	switch args[0] {
	case "login":
		fs := flag.NewFlagSet("auth login", flag.ContinueOnError)
		var tenant, token, apiURL string
		fs.StringVar(&tenant, "tenant", "", "Tenant identifier")
		fs.StringVar(&token, "token", "", "Bearer token")
		fs.StringVar(&apiURL, "api-url", "http://localhost:8080", "Control plane URL")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if token == "" {
			token = os.Getenv("FB_TOKEN")
		}
		if token == "" || tenant == "" {
			return errors.New("--tenant and token (--token or FB_TOKEN) are required")
		}
		return saveAuthConfig(authConfig{APIURL: strings.TrimRight(apiURL, "/"), Tenant: tenant, Token: token})
	case "whoami":
		cfg, err := loadAuthConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "tenant=%s api_url=%s token_prefix=%s\n", cfg.Tenant, cfg.APIURL, safePrefix(cfg.Token, 8))
		return nil
	default:
		return fmt.Errorf("unknown auth subcommand: %s", args[0])
	}
}

func handleTenant(args []string) error {
	if len(args) < 1 || args[0] != "create" {
		return errors.New("usage: fb tenant create [--name <display name>]")
	}
	fs := flag.NewFlagSet("tenant create", flag.ContinueOnError)
	var name string
	fs.StringVar(&name, "name", "", "Display name")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := loadAuthConfig()
	if err != nil {
		return err
	}
	return printCall(cfg, http.MethodPut, tenantPath(cfg), api.CreateTenantRequest{Name: name})
}

func handleFunction(args []string) error {
	if len(args) < 1 {
		return errors.New("fn subcommand required: create|list|get|versions|test")
	}
	if args[0] == "test" {
		return fnTest(context.Background(), args[1:])
	}
	cfg, err := loadAuthConfig()
	if err != nil {
		return err
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("fn create", flag.ContinueOnError)
		var name string
		fs.StringVar(&name, "name", "", "Display name")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() < 1 {
			return errors.New("usage: fb fn create <identifier> [--name <display name>]")
		}
		identifier := fs.Arg(0)
		if err := api.ValidateIdentifier(identifier); err != nil {
			return err
		}
		if name == "" {
			name = identifier
		}
		return printCall(cfg, http.MethodPost, tenantPath(cfg)+"/functions", api.CreateFunctionRequest{Identifier: identifier, Name: name})
	case "list":
		return printCall(cfg, http.MethodGet, tenantPath(cfg)+"/functions", nil)
	case "get":
		if len(args) < 2 {
			return errors.New("usage: fb fn get <function>")
		}
		return printCall(cfg, http.MethodGet, functionPath(cfg, args[1]), nil)
	case "versions":
		if len(args) < 2 {
			return errors.New("usage: fb fn versions <function>")
		}
		return printCall(cfg, http.MethodGet, functionPath(cfg, args[1])+"/versions", nil)
	default:
		return fmt.Errorf("unknown fn subcommand: %s", args[0])
	}
}

// fnTest runs a handler from a local source tree in the embedded runtime.
func fnTest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fn test", flag.ContinueOnError)
	env := envFlags{}
	var path, handler, event string
	var timeoutS int
	fs.StringVar(&path, "path", ".", "Source directory")
	fs.StringVar(&handler, "handler", "index.handler", "Handler as <file>.<export>")
	fs.StringVar(&event, "event", "", "Event JSON or @file")
	fs.IntVar(&timeoutS, "timeout-s", 3, "Timeout in seconds")
	fs.Var(env, "env", "Environment variable KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	files, err := bundle.CollectFiles(path, defaultMaxSourceBytes)
	if err != nil {
		return err
	}
	artifact, err := localrun.ZipFiles(files)
	if err != nil {
		return err
	}
	raw, err := readJSONArg(event)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fc := api.DefaultFunctionConfig()
	fc.TimeoutSeconds = timeoutS
	out := localrun.NewRunner(0, 0).InvokeZip(ctx, artifact, localrun.Request{
		Handler:      handler,
		FunctionName: filepath.Base(abs),
		Event:        raw,
		Env:          env,
		Config:       fc,
	})
	for _, l := range out.Logs {
		fmt.Fprintf(stdout, "%d %s\n", l.TimestampMS, l.Message)
	}
	resp, _ := json.MarshalIndent(api.InvokeResponse{ID: "local", Type: string(out.Type), Result: out.Result, Error: out.Error}, "", "  ")
	fmt.Fprintln(stdout, string(resp))
	if out.Error != nil {
		return fmt.Errorf("function error: %s: %s", out.Error.Code, out.Error.Message)
	}
	return nil
}

// readJSONArg accepts inline JSON or @path and returns nil for an empty value.
func readJSONArg(v string) (json.RawMessage, error) {
	if v == "" {
		return nil, nil
	}
	raw := []byte(v)
	if strings.HasPrefix(v, "@") {
		var err error
		if raw, err = os.ReadFile(strings.TrimPrefix(v, "@")); err != nil {
			return nil, err
		}
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return raw, nil
}

// envFlags collects repeated --env KEY=VALUE flags.
type envFlags map[string]string

func (e envFlags) String() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (e envFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("env must be KEY=VALUE, got %q", v)
	}
	e[key] = value
	return nil
}

func deploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	env := envFlags{}
	var path, name, runtimeID, runtimeVersion string
	var memoryMB, timeoutS int
	var maxBytes int64
	fs.StringVar(&path, "path", ".", "Source directory")
	fs.StringVar(&name, "name", "", "Deployment name")
	fs.StringVar(&runtimeID, "runtime", "nodejs", "Runtime identifier")
	fs.StringVar(&runtimeVersion, "runtime-version", "24.x", "Runtime version")
	fs.IntVar(&memoryMB, "memory-mb", 0, "Memory size in MB")
	fs.IntVar(&timeoutS, "timeout-s", 0, "Timeout in seconds")
	fs.Int64Var(&maxBytes, "max-bytes", defaultMaxSourceBytes, "Maximum total source size")
	fs.Var(env, "env", "Environment variable KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: fb deploy <function> --path . --runtime nodejs --runtime-version 24.x")
	}
	function := fs.Arg(0)
	cfg, err := loadAuthConfig()
	if err != nil {
		return err
	}
	files, err := bundle.CollectFiles(path, maxBytes)
	if err != nil {
		return err
	}
	if name == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		name = filepath.Base(abs)
	}
	body := api.CreateDeploymentRequest{
		Name:    name,
		Env:     env,
		Files:   files,
		Runtime: api.RuntimeSpec{Identifier: runtimeID, Version: runtimeVersion},
	}
	if memoryMB > 0 || timeoutS > 0 {
		fc := api.DefaultFunctionConfig()
		if memoryMB > 0 {
			fc.MemorySizeMB = memoryMB
		}
		if timeoutS > 0 {
			fc.TimeoutSeconds = timeoutS
		}
		body.Config = &fc
	}
	if err := api.ValidateCreateDeployment(body); err != nil {
		return err
	}
	return printCall(cfg, http.MethodPost, functionPath(cfg, function)+"/deployments", body)
}

func handleDeployment(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: fb deployment <get|output|list> <function> [deployment]")
	}
	cfg, err := loadAuthConfig()
	if err != nil {
		return err
	}
	base := functionPath(cfg, args[1]) + "/deployments"
	switch args[0] {
	case "list":
		return printCall(cfg, http.MethodGet, base, nil)
	case "get", "output":
		if len(args) < 3 {
			return fmt.Errorf("usage: fb deployment %s <function> <deployment>", args[0])
		}
		p := base + "/" + url.PathEscape(args[2])
		if args[0] == "output" {
			return printOutput(cfg, p+"/output")
		}
		return printCall(cfg, http.MethodGet, p, nil)
	default:
		return fmt.Errorf("unknown deployment subcommand: %s", args[0])
	}
}

// printOutput renders deployment output as one line per log entry.
func printOutput(cfg authConfig, path string) error {
	raw, err := doJSON(cfg.Token, http.MethodGet, cfg.APIURL+path, nil)
	if err != nil {
		return err
	}
	var out api.DeploymentOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	for _, step := range out.Steps {
		fmt.Fprintf(stdout, "== %s [%s]\n", step.Name, step.Status)
		for _, l := range step.Logs {
			fmt.Fprintf(stdout, "%d %s\n", l.TimestampMS, l.Message)
		}
	}
	return nil
}

func invoke(args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	var payload, version string
	fs.StringVar(&payload, "payload", "", "JSON payload or @file")
	fs.StringVar(&version, "version", "", "Pinned version id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: fb invoke <function> [--payload @event.json] [--version <id>]")
	}
	cfg, err := loadAuthConfig()
	if err != nil {
		return err
	}
	raw, err := readJSONArg(payload)
	if err != nil {
		return err
	}
	body := api.InvokeRequest{Payload: raw, VersionID: version}
	respBody, err := doJSON(cfg.Token, http.MethodPost, cfg.APIURL+functionPath(cfg, fs.Arg(0))+"/invoke", body)
	if err != nil {
		return err
	}
	var resp api.InvokeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(respBody))
	if resp.Error != nil {
		return fmt.Errorf("function error: %s", resp.Error.Message)
	}
	return nil
}

func handleInvocation(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: fb invocation <get <id>|list <function>>")
	}
	cfg, err := loadAuthConfig()
	if err != nil {
		return err
	}
	switch args[0] {
	case "get":
		return printCall(cfg, http.MethodGet, tenantPath(cfg)+"/invocations/"+url.PathEscape(args[1]), nil)
	case "list":
		return printCall(cfg, http.MethodGet, functionPath(cfg, args[1])+"/invocations", nil)
	default:
		return fmt.Errorf("unknown invocation subcommand: %s", args[0])
	}
}

func handleEvents(ctx context.Context, args []string) error {
	if len(args) < 1 || args[0] != "tail" {
		return errors.New("usage: fb events tail --brokers host:9092 [--topic fbay.deployments]")
	}
	fs := flag.NewFlagSet("events tail", flag.ContinueOnError)
	var brokers, topic, group, tenant string
	fs.StringVar(&brokers, "brokers", os.Getenv("FB_KAFKA_BROKERS"), "Comma separated Kafka brokers")
	fs.StringVar(&topic, "topic", "fbay.deployments", "Topic to tail")
	fs.StringVar(&group, "group", "fb-cli", "Consumer group id")
	fs.StringVar(&tenant, "tenant", "", "Only print events for this tenant id")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if brokers == "" {
		return errors.New("--brokers or FB_KAFKA_BROKERS is required")
	}
	var cfg config.Config
	cfg.Plugins.Messaging.Driver = messagingDriver
	cfg.Plugins.Messaging.Kafka.Brokers = strings.Split(brokers, ",")
	cfg.Plugins.Messaging.Kafka.Topics.Deployments = topic
	bus, err := registry.NewMessaging(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()
	return bus.ConsumeTopic(ctx, topic, group, func(env messaging.Envelope) error {
		if tenant != "" && env.Tenant != tenant {
			return nil
		}
		fmt.Fprintf(stdout, "%d %s %s %s\n", env.TSMS, env.Type, env.Tenant, string(env.Body))
		return nil
	})
}

func tenantPath(cfg authConfig) string {
	return "/v1/tenants/" + url.PathEscape(cfg.Tenant)
}

func functionPath(cfg authConfig, function string) string {
	return tenantPath(cfg) + "/functions/" + url.PathEscape(function)
}

func printCall(cfg authConfig, method, path string, body any) error {
	raw, err := doJSON(cfg.Token, method, cfg.APIURL+path, body)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(raw))
	return nil
}

type serverError struct {
	Status int
	Code   string
	Body   string
}

func (e *serverError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error (%d %s): %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Body)
}

func doJSON(token, method, url string, body any) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		se := &serverError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		var env fberrors.HTTPErrorEnvelope
		if json.Unmarshal(raw, &env) == nil {
			se.Code = string(env.Error.Code)
			if env.Error.Message != "" {
				se.Body = env.Error.Message
			}
		}
		return nil, se
	}
	return raw, nil
}

func authPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "fnbay", "auth.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	return path, nil
}

func saveAuthConfig(cfg authConfig) error {
	path, err := authPath()
	if err != nil {
		return err
	}
	raw, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "saved auth config to", path)
	return nil
}

func loadAuthConfig() (authConfig, error) {
	var cfg authConfig
	path, err := authPath()
	if err != nil {
		return cfg, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.APIURL == "" || cfg.Token == "" || cfg.Tenant == "" {
		return cfg, errors.New("invalid auth config, run fb auth login")
	}
	return cfg, nil
}

func safePrefix(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
