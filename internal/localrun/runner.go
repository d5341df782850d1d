// Package localrun executes a nodejs function bundle in an embedded
// JavaScript engine so a handler can be tried before it is deployed.
//
// Only plain JavaScript is supported. CommonJS exports and the common ES
// module export forms are recognised; import statements and require are not.
package localrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/bundle"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

// Error codes follow the shapes the managed runtime reports.
const (
	CodeTimeout         = "Sandbox.Timedout"
	CodeResponseTooBig  = "Function.ResponseSizeTooLarge"
	CodeHandlerNotFound = "Runtime.HandlerNotFound"
	CodeImportModule    = "Runtime.ImportModuleError"
	CodeUserCode        = "Runtime.UserCodeSyntaxError"
)

var (
	exportFuncRegex    = regexp.MustCompile(`(?m)^(\s*)export\s+(async\s+)?function\s*(\*?)\s*([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)
	exportBindingRegex = regexp.MustCompile(`(?m)^(\s*)export\s+(const|let|var)\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=`)
	exportDefaultRegex = regexp.MustCompile(`(?m)^(\s*)export\s+default\s+`)
	importRegex        = regexp.MustCompile(`(?m)^\s*import\s`)
)

var entryExtensions = []string{".js", ".cjs", ".mjs"}

// Request describes one local invocation.
type Request struct {
	// Handler is "<file>.<export>", e.g. "index.handler".
	Handler      string
	FunctionName string
	Event        json.RawMessage
	Env          map[string]string
	Config       api.FunctionConfig
}

type Runner struct {
	maxResultBytes int
	maxLogBytes    int
	now            func() time.Time
}

func NewRunner(maxResultBytes, maxLogBytes int) *Runner {
	if maxResultBytes <= 0 {
		maxResultBytes = 6 * 1024 * 1024
	}
	if maxLogBytes <= 0 {
		maxLogBytes = 1 * 1024 * 1024
	}
	return &Runner{maxResultBytes: maxResultBytes, maxLogBytes: maxLogBytes, now: time.Now}
}

// InvokeZip runs the handler from a zip artifact, the same archive the
// pipeline uploads.
func (r *Runner) InvokeZip(ctx context.Context, artifact []byte, req Request) provider.Outcome {
	files, err := bundle.ExtractZip(artifact)
	if err != nil {
		return failure(CodeImportModule, err.Error(), nil, 0)
	}
	return r.Invoke(ctx, files, req)
}

// Invoke runs req.Handler from files and classifies the result the way a
// provider invocation is classified.
func (r *Runner) Invoke(ctx context.Context, files map[string][]byte, req Request) provider.Outcome {
	start := r.now()
	logs := &logCollector{maxBytes: r.maxLogBytes, now: r.now}
	elapsed := func() float64 { return float64(r.now().Sub(start).Microseconds()) / 1000 }

	file, export, err := splitHandler(req.Handler)
	if err != nil {
		return failure(CodeHandlerNotFound, err.Error(), nil, elapsed())
	}
	name, src, ok := entrySource(files, file)
	if !ok {
		return failure(CodeImportModule, fmt.Sprintf("Cannot find module '%s'", file), nil, elapsed())
	}
	if strings.HasSuffix(name, ".ts") {
		return failure(CodeImportModule, "TypeScript sources must be compiled before a local run", nil, elapsed())
	}
	if importRegex.Match(src) {
		return failure(CodeImportModule, "import statements are not supported in local runs", nil, elapsed())
	}

	cfg := req.Config
	if cfg.TimeoutSeconds <= 0 {
		cfg = api.DefaultFunctionConfig()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	val, execErr := r.runJS(runCtx, name, src, export, req, cfg, logs)
	lines := logs.Lines()
	if execErr != nil {
		var je *jsError
		switch {
		case errors.As(execErr, &je):
			return failure(je.code, je.message, lines, elapsed())
		case errors.Is(execErr, context.DeadlineExceeded):
			return failure(CodeTimeout, fmt.Sprintf("Task timed out after %d seconds", cfg.TimeoutSeconds), lines, elapsed())
		default:
			return failure("Runtime.Error", execErr.Error(), lines, elapsed())
		}
	}
	if len(val) > r.maxResultBytes {
		return failure(CodeResponseTooBig, fmt.Sprintf("Response payload size (%d bytes) exceeded maximum allowed payload size (%d bytes).", len(val), r.maxResultBytes), lines, elapsed())
	}
	compute := elapsed()
	return provider.Outcome{
		Type:          provider.OutcomeSuccess,
		Result:        val,
		Logs:          lines,
		ComputeTimeMS: compute,
		BilledTimeMS:  math.Ceil(compute),
	}
}

func failure(code, message string, logs []api.LogLine, compute float64) provider.Outcome {
	return provider.Outcome{
		Type:          provider.OutcomeError,
		Error:         &api.InvocationError{Code: code, Message: message},
		Logs:          logs,
		ComputeTimeMS: compute,
		BilledTimeMS:  math.Ceil(compute),
	}
}

// jsError is an error raised by user code, already classified.
type jsError struct {
	code    string
	message string
}

func (e *jsError) Error() string { return e.code + ": " + e.message }

func (r *Runner) runJS(ctx context.Context, filename string, src []byte, export string, req Request, cfg api.FunctionConfig, logs *logCollector) (json.RawMessage, error) {
	rt := goja.New()
	stop := context.AfterFunc(ctx, func() { rt.Interrupt(ctx.Err()) })
	defer stop()
	defer rt.ClearInterrupt()

	deadline, _ := ctx.Deadline()
	if err := r.bindConsole(rt, logs); err != nil {
		return nil, err
	}
	if err := bindProcess(rt, req, cfg); err != nil {
		return nil, err
	}
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	for k, v := range map[string]any{
		"module":  module,
		"exports": exports,
		"require": func(call goja.FunctionCall) goja.Value {
			e := rt.NewObject()
			_ = e.Set("name", CodeImportModule)
			_ = e.Set("message", fmt.Sprintf("require('%s') is not supported in local runs", call.Argument(0).String()))
			panic(e)
		},
	} {
		if err := rt.Set(k, v); err != nil {
			return nil, err
		}
	}

	if _, err := rt.RunScript(filename, transformESModule(string(src))); err != nil {
		return nil, classify(ctx, err, true)
	}

	exported := module.Get("exports")
	var h goja.Value
	if obj := exported.ToObject(rt); obj != nil {
		h = obj.Get(export)
	}
	handler, ok := goja.AssertFunction(h)
	if !ok {
		return nil, &jsError{code: CodeHandlerNotFound, message: fmt.Sprintf("%s.%s is undefined or not exported", strings.TrimSuffix(filename, path.Ext(filename)), export)}
	}

	var event any
	if len(req.Event) > 0 {
		if err := json.Unmarshal(req.Event, &event); err != nil {
			return nil, &jsError{code: "Runtime.InvalidEvent", message: err.Error()}
		}
	}
	lambdaCtx := rt.NewObject()
	for k, v := range map[string]any{
		"functionName":    req.FunctionName,
		"functionVersion": "$LATEST",
		"memoryLimitInMB": fmt.Sprint(cfg.MemorySizeMB),
		"awsRequestId":    "local",
		"getRemainingTimeInMillis": func() int64 {
			return time.Until(deadline).Milliseconds()
		},
	} {
		if err := lambdaCtx.Set(k, v); err != nil {
			return nil, err
		}
	}

	val, err := handler(goja.Undefined(), rt.ToValue(event), lambdaCtx)
	if err != nil {
		return nil, classify(ctx, err, false)
	}
	resolved, err := awaitValue(val)
	if err != nil {
		return nil, classify(ctx, err, false)
	}
	if goja.IsUndefined(resolved) || goja.IsNull(resolved) {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(resolved.Export())
	if err != nil {
		return nil, &jsError{code: "Runtime.MarshalError", message: err.Error()}
	}
	return raw, nil
}

// classify turns an engine error into a jsError carrying the thrown error's
// name. Syntax errors raised while loading the module are reported as user
// code syntax errors.
func classify(ctx context.Context, err error, loading bool) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		code, msg := errorParts(ex.Value())
		if loading && code == "SyntaxError" {
			code = CodeUserCode
		}
		return &jsError{code: code, message: msg}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &jsError{code: CodeUserCode, message: syntax.Error()}
	}
	return err
}

func errorParts(v goja.Value) (string, string) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "Error", "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			msg := ""
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				msg = m.String()
			}
			return name.String(), msg
		}
	}
	return "Error", v.String()
}

// awaitValue unwraps a settled promise. A promise still pending once the job
// queue drains cannot settle, there is no event loop behind it.
func awaitValue(val goja.Value) (goja.Value, error) {
	prom, ok := val.Export().(*goja.Promise)
	if !ok {
		return val, nil
	}
	switch prom.State() {
	case goja.PromiseStatePending:
		return nil, &jsError{code: "Runtime.PendingPromise", message: "handler promise never settled"}
	case goja.PromiseStateRejected:
		code, msg := errorParts(prom.Result())
		return nil, &jsError{code: code, message: msg}
	}
	return prom.Result(), nil
}

func (r *Runner) bindConsole(rt *goja.Runtime, logs *logCollector) error {
	console := rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		lvl := strings.ToUpper(level)
		if lvl == "LOG" {
			lvl = "INFO"
		}
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, formatArg(arg))
			}
			logs.Append(lvl, strings.Join(parts, " "))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	return rt.Set("console", console)
}

func formatArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return v.String()
	}
	return string(raw)
}

func bindProcess(rt *goja.Runtime, req Request, cfg api.FunctionConfig) error {
	env := map[string]any{
		"AWS_LAMBDA_FUNCTION_NAME":        req.FunctionName,
		"AWS_LAMBDA_FUNCTION_MEMORY_SIZE": fmt.Sprint(cfg.MemorySizeMB),
		"AWS_EXECUTION_ENV":               "fnbay_local",
	}
	for k, v := range req.Env {
		env[k] = v
	}
	process := rt.NewObject()
	if err := process.Set("env", env); err != nil {
		return err
	}
	return rt.Set("process", process)
}

func splitHandler(handler string) (string, string, error) {
	i := strings.LastIndex(handler, ".")
	if i <= 0 || i == len(handler)-1 {
		return "", "", fmt.Errorf("handler %q must be <file>.<export>", handler)
	}
	return handler[:i], handler[i+1:], nil
}

func entrySource(files map[string][]byte, file string) (string, []byte, bool) {
	for _, ext := range append(entryExtensions, ".ts") {
		if src, ok := files[file+ext]; ok {
			return file + ext, src, true
		}
	}
	return "", nil, false
}

// transformESModule rewrites the export forms a handler file commonly uses
// into assignments on module.exports.
func transformESModule(src string) string {
	var names []string
	for _, m := range exportFuncRegex.FindAllStringSubmatch(src, -1) {
		names = append(names, m[4])
	}
	for _, m := range exportBindingRegex.FindAllStringSubmatch(src, -1) {
		names = append(names, m[3])
	}
	out := exportFuncRegex.ReplaceAllString(src, "${1}${2}function${3} ${4}(")
	out = exportBindingRegex.ReplaceAllString(out, "${1}${2} ${3} =")
	out = exportDefaultRegex.ReplaceAllString(out, "${1}module.exports.default = ")
	var b strings.Builder
	b.WriteString(out)
	b.WriteString("\n")
	for _, n := range names {
		fmt.Fprintf(&b, "module.exports.%s = %s;\n", n, n)
	}
	return b.String()
}

type logCollector struct {
	mu        sync.Mutex
	maxBytes  int
	bytesUsed int
	truncated bool
	lines     []api.LogLine
	now       func() time.Time
}

func (l *logCollector) Append(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.truncated {
		return
	}
	line := level + "\t" + msg
	if l.bytesUsed+len(line) > l.maxBytes {
		l.truncated = true
		l.lines = append(l.lines, api.LogLine{TimestampMS: l.now().UnixMilli(), Message: "[logs truncated]"})
		return
	}
	l.lines = append(l.lines, api.LogLine{TimestampMS: l.now().UnixMilli(), Message: line})
	l.bytesUsed += len(line)
}

func (l *logCollector) Lines() []api.LogLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]api.LogLine, len(l.lines))
	copy(out, l.lines)
	return out
}

// ZipFiles packs collected source files into the artifact format InvokeZip
// reads.
func ZipFiles(files []api.SourceFile) ([]byte, error) {
	m := make(map[string][]byte, len(files))
	for _, f := range files {
		b, err := f.Bytes()
		if err != nil {
			return nil, err
		}
		m[f.Filename] = b
	}
	raw, _, err := bundle.BuildZip(m)
	return raw, err
}
