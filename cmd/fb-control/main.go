package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/authz"
	"github.com/osvaldoandrade/fnbay/internal/config"
	"github.com/osvaldoandrade/fnbay/internal/deployment"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/invocation"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/drivers"
	"github.com/osvaldoandrade/fnbay/internal/plugins/invocations"
	"github.com/osvaldoandrade/fnbay/internal/plugins/persistence"
	redisdriver "github.com/osvaldoandrade/fnbay/internal/plugins/persistence/redis"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
	"github.com/osvaldoandrade/fnbay/internal/provider"
	"github.com/osvaldoandrade/fnbay/internal/provider/lambda"
	"github.com/osvaldoandrade/fnbay/internal/queue"
	"github.com/osvaldoandrade/fnbay/internal/secrets"
)

const defaultListLimit = 50

type server struct {
	cfg         config.Config
	store       persistence.Provider
	invocations invocations.Store
	deployments *deployment.Service
	executor    *invocation.Executor
	ids         *ids.Generator
	authn       authz.Provider
	metrics     *prometheus.Registry
	logger      *observability.Logger
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to config YAML")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger("fb-control")
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	sink := observability.NewLogSink(logger, metrics)

	store, err := registry.NewPersistence(cfg)
	if err != nil {
		panic(err)
	}
	defer store.Close()
	broker, err := registry.NewMessaging(cfg)
	if err != nil {
		panic(err)
	}
	defer broker.Close()
	records, err := registry.NewInvocations(cfg)
	if err != nil {
		panic(err)
	}
	defer records.Close()
	authn, err := registry.NewAuthN(cfg)
	if err != nil {
		panic(err)
	}

	gen, err := ids.NewGenerator(cfg.WorkerID)
	if err != nil {
		panic(err)
	}
	key, err := cfg.EncryptionKey()
	if err != nil {
		panic(err)
	}
	codec, err := secrets.NewCodec(key)
	if err != nil {
		panic(err)
	}
	forgeClient := forge.NewHTTPClient(cfg.Forge.URL, cfg.Forge.Token, time.Duration(cfg.Forge.TimeoutSeconds)*time.Second)

	lambdaProvider, err := lambda.New(ctx, lambda.OptionsFromConfig(cfg), lambda.Deps{
		Store:     store,
		IDs:       gen,
		Artifacts: forgeClient,
		Logger:    logger,
		Sink:      sink,
	})
	if err != nil {
		panic(err)
	}
	providers, err := provider.NewRegistry(cfg.Provider.Default, lambdaProvider)
	if err != nil {
		panic(err)
	}

	queueClient, err := redisdriver.NewClient(cfg)
	if err != nil {
		panic(err)
	}
	defer queueClient.Close()

	s := &server{
		cfg:         cfg,
		store:       store,
		invocations: records,
		deployments: deployment.NewService(deployment.Deps{
			Store:     store,
			Forge:     forgeClient,
			Providers: providers,
			Secrets:   codec,
			IDs:       gen,
			Queue:     queue.New(queueClient, queue.OptionsFromConfig(cfg)),
			Logger:    logger,
		}),
		executor: invocation.New(invocation.Deps{
			Store:     store,
			Recorder:  records,
			Providers: providers,
			IDs:       gen,
			Events:    broker,
			Logger:    logger,
			Metrics:   metrics,
			Sink:      sink,
		}, invocation.Options{
			FunctionCacheTTL: time.Duration(cfg.FBControl.Invocations.FunctionCacheTTLSeconds) * time.Second,
			PersistTimeout:   time.Duration(cfg.FBControl.Invocations.PersistTimeoutSeconds) * time.Second,
		}),
		ids:     gen,
		authn:   authn,
		metrics: reg,
		logger:  logger,
	}
	if err := s.serve(ctx); err != nil {
		panic(err)
	}
}

func (s *server) serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.FBControl.HTTP.Addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "fb-control starting on "+s.cfg.FBControl.HTTP.Addr)
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.executor.Wait()
	return err
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestIDMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", observability.MetricsHandler(s.metrics))

	r.Group(func(pr chi.Router) {
		pr.Use(authz.AuthnMiddleware(s.authn))
		pr.Put("/v1/tenants/{tenant}", s.upsertTenant)
		pr.Post("/v1/tenants/{tenant}/functions", s.createFunction)
		pr.Get("/v1/tenants/{tenant}/functions", s.listFunctions)
		pr.Get("/v1/tenants/{tenant}/functions/{function}", s.readFunction)
		pr.Get("/v1/tenants/{tenant}/functions/{function}/versions", s.listVersions)
		pr.Post("/v1/tenants/{tenant}/functions/{function}/deployments", s.createDeployment)
		pr.Get("/v1/tenants/{tenant}/functions/{function}/deployments", s.listDeployments)
		pr.Get("/v1/tenants/{tenant}/functions/{function}/deployments/{deployment}", s.readDeployment)
		pr.Get("/v1/tenants/{tenant}/functions/{function}/deployments/{deployment}/output", s.deploymentOutput)
		pr.Post("/v1/tenants/{tenant}/functions/{function}/invoke", s.invoke)
		pr.Get("/v1/tenants/{tenant}/functions/{function}/invocations", s.listInvocations)
		pr.Get("/v1/tenants/{tenant}/invocations/{invocation}", s.readInvocation)
	})
	return r
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	if err := s.invocations.Ping(r.Context()); err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func requestID(r *http.Request) string {
	return observability.RequestIDFromContext(r.Context())
}

// authorize checks the principal against the addressed tenant and action and
// returns the tenant identifier from the path.
func (s *server) authorize(w http.ResponseWriter, r *http.Request, action string) (string, bool) {
	principal, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		fberrors.WriteHTTP(w, fberrors.New(fberrors.FBAuthnInvalidToken, "principal missing"), requestID(r))
		return "", false
	}
	tenant := chi.URLParam(r, "tenant")
	if err := authz.RequireTenant(principal, tenant); err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return "", false
	}
	if !authz.CheckAction(principal, action) {
		fberrors.WriteHTTP(w, fberrors.New(fberrors.FBAuthzDenied, "action denied"), requestID(r))
		return "", false
	}
	return tenant, true
}

// tenant authorizes the request and loads the addressed tenant.
func (s *server) tenant(w http.ResponseWriter, r *http.Request, action string) (api.Tenant, bool) {
	identifier, ok := s.authorize(w, r, action)
	if !ok {
		return api.Tenant{}, false
	}
	t, err := s.store.GetTenantByIdentifier(r.Context(), identifier)
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return api.Tenant{}, false
	}
	return t, true
}

// function authorizes the request and resolves the addressed function.
func (s *server) function(w http.ResponseWriter, r *http.Request, action string) (api.Tenant, api.Function, bool) {
	t, ok := s.tenant(w, r, action)
	if !ok {
		return api.Tenant{}, api.Function{}, false
	}
	fn, err := s.store.ResolveFunction(r.Context(), t.Oid, chi.URLParam(r, "function"))
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return api.Tenant{}, api.Function{}, false
	}
	return t, fn, true
}

func (s *server) upsertTenant(w http.ResponseWriter, r *http.Request) {
	identifier, ok := s.authorize(w, r, authz.ActionTenantWrite)
	if !ok {
		return
	}
	var req api.CreateTenantRequest
	if err := api.ReadJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		fberrors.WriteHTTP(w, fberrors.Wrap(fberrors.FBValidationFailed, "invalid request body", err), requestID(r))
		return
	}
	if err := api.ValidateIdentifier(identifier); err != nil {
		fberrors.WriteHTTP(w, fberrors.New(fberrors.FBValidationName, err.Error()), requestID(r))
		return
	}
	if req.Name == "" {
		req.Name = identifier
	}
	id, oid := s.ids.NewWithOid(ids.KindTenant)
	rec, err := s.store.UpsertTenant(r.Context(), api.Tenant{Oid: oid, ID: id, Identifier: identifier, Name: req.Name})
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, rec)
}

func (s *server) createFunction(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r, authz.ActionFunctionCreate)
	if !ok {
		return
	}
	var req api.CreateFunctionRequest
	if err := api.ReadJSON(r, &req); err != nil {
		fberrors.WriteHTTP(w, fberrors.Wrap(fberrors.FBValidationFailed, "invalid request body", err), requestID(r))
		return
	}
	if err := api.ValidateIdentifier(req.Identifier); err != nil {
		fberrors.WriteHTTP(w, fberrors.New(fberrors.FBValidationName, err.Error()), requestID(r))
		return
	}
	if req.Name == "" {
		req.Name = req.Identifier
	}
	id, oid := s.ids.NewWithOid(ids.KindFunction)
	fn, err := s.store.CreateFunction(r.Context(), api.Function{
		Oid:        oid,
		ID:         id,
		TenantOid:  t.Oid,
		Identifier: req.Identifier,
		Name:       req.Name,
	})
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusCreated, fn)
}

func (s *server) listFunctions(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r, authz.ActionFunctionRead)
	if !ok {
		return
	}
	fns, err := s.store.ListFunctions(r.Context(), t.Oid)
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"functions": fns})
}

func (s *server) readFunction(w http.ResponseWriter, r *http.Request) {
	_, fn, ok := s.function(w, r, authz.ActionFunctionRead)
	if !ok {
		return
	}
	var current *api.Version
	if fn.CurrentVersionOid != nil {
		v, err := s.store.GetVersion(r.Context(), *fn.CurrentVersionOid)
		if err != nil {
			fberrors.WriteHTTP(w, err, requestID(r))
			return
		}
		current = &v
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"function": fn, "current_version": current})
}

func (s *server) listVersions(w http.ResponseWriter, r *http.Request) {
	_, fn, ok := s.function(w, r, authz.ActionFunctionRead)
	if !ok {
		return
	}
	versions, err := s.store.ListVersions(r.Context(), fn.Oid)
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *server) createDeployment(w http.ResponseWriter, r *http.Request) {
	_, fn, ok := s.function(w, r, authz.ActionDeploymentCreate)
	if !ok {
		return
	}
	var req api.CreateDeploymentRequest
	if err := api.ReadJSON(r, &req); err != nil {
		fberrors.WriteHTTP(w, fberrors.Wrap(fberrors.FBValidationFailed, "invalid request body", err), requestID(r))
		return
	}
	dep, err := s.deployments.Create(r.Context(), fn, req)
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusCreated, dep)
}

func (s *server) listDeployments(w http.ResponseWriter, r *http.Request) {
	_, fn, ok := s.function(w, r, authz.ActionDeploymentRead)
	if !ok {
		return
	}
	deps, err := s.deployments.List(r.Context(), fn)
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"deployments": deps})
}

func (s *server) readDeployment(w http.ResponseWriter, r *http.Request) {
	_, fn, ok := s.function(w, r, authz.ActionDeploymentRead)
	if !ok {
		return
	}
	dep, err := s.deployments.Get(r.Context(), fn, chi.URLParam(r, "deployment"))
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, dep)
}

func (s *server) deploymentOutput(w http.ResponseWriter, r *http.Request) {
	_, fn, ok := s.function(w, r, authz.ActionDeploymentRead)
	if !ok {
		return
	}
	dep, err := s.deployments.Get(r.Context(), fn, chi.URLParam(r, "deployment"))
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	out, err := s.deployments.Output(r.Context(), dep)
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *server) invoke(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r, authz.ActionFunctionInvoke)
	if !ok {
		return
	}
	var req api.InvokeRequest
	if err := api.ReadJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		fberrors.WriteHTTP(w, fberrors.Wrap(fberrors.FBValidationFailed, "invalid request body", err), requestID(r))
		return
	}
	resp, err := s.executor.Invoke(r.Context(), t, chi.URLParam(r, "function"), req)
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) listInvocations(w http.ResponseWriter, r *http.Request) {
	_, fn, ok := s.function(w, r, authz.ActionFunctionRead)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), defaultListLimit, 500)
	list, err := s.invocations.ListInvocations(r.Context(), fn.Oid, limit)
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"invocations": list})
}

func (s *server) readInvocation(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r, authz.ActionFunctionRead)
	if !ok {
		return
	}
	inv, err := s.invocations.GetInvocation(r.Context(), chi.URLParam(r, "invocation"))
	if err == nil && inv.TenantOid != t.Oid {
		err = fberrors.NotFound("function invocation")
	}
	if err != nil {
		fberrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"invocation": inv, "logs": api.SplitLogLines(inv.Logs)})
}

func parseLimit(raw string, fallback, ceiling int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return min(n, ceiling)
}
