package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/config"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/ids"
	"github.com/osvaldoandrade/fnbay/internal/observability"
	"github.com/osvaldoandrade/fnbay/internal/pipeline"
	_ "github.com/osvaldoandrade/fnbay/internal/plugins/drivers"
	redisdriver "github.com/osvaldoandrade/fnbay/internal/plugins/persistence/redis"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
	"github.com/osvaldoandrade/fnbay/internal/provider"
	"github.com/osvaldoandrade/fnbay/internal/provider/lambda"
	"github.com/osvaldoandrade/fnbay/internal/queue"
	"github.com/osvaldoandrade/fnbay/internal/secrets"
	"github.com/osvaldoandrade/fnbay/internal/storage"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type queueStats interface {
	Stats(ctx context.Context, queue string) (queue.Stats, error)
}

type runner interface {
	Run(ctx context.Context) error
}

type service struct {
	cfg      config.Config
	store    pinger
	queues   queueStats
	worker   runner
	registry *prometheus.Registry
	logger   *observability.Logger
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

	logger := observability.NewLogger("fb-pipeline")
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	sink := observability.NewLogSink(logger, metrics)

	store, err := registry.NewPersistence(cfg)
	if err != nil {
		panic(err)
	}
	defer store.Close()
	events, err := registry.NewMessaging(cfg)
	if err != nil {
		panic(err)
	}
	defer events.Close()

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
	objects, err := storage.NewMinioService(storage.Options{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKey,
		SecretAccessKey: cfg.Storage.SecretKey,
		Region:          cfg.Storage.Region,
		UseSSL:          cfg.Storage.UseSSL,
	})
	if err != nil {
		panic(err)
	}

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
	if cfg.Provider.Lambda.VerifyAccess {
		if err := lambdaProvider.VerifyAccess(ctx); err != nil {
			panic(err)
		}
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
	opts := queue.OptionsFromConfig(cfg)
	opts.OnError = func(q string, err error) {
		sink.Capture(ctx, "queue."+q, err, nil)
	}
	broker := queue.New(queueClient, opts)

	p := pipeline.New(pipeline.Deps{
		Store:     store,
		Forge:     forgeClient,
		Providers: providers,
		Storage:   objects,
		Secrets:   codec,
		IDs:       gen,
		Events:    events,
		Logger:    logger,
		Sink:      sink,
	}, pipeline.Options{
		MonitorInterval: cfg.MonitorInterval(),
		MonitorMaxPolls: cfg.Pipeline.MonitorMaxPolls,
		CleanupDelay:    cfg.CleanupDelay(),
		Bucket:          cfg.Storage.Bucket,
	})

	s := &service{
		cfg:      cfg,
		store:    store,
		queues:   broker,
		worker:   pipeline.NewWorker(p, broker, cfg.Queue.ConsumersPerQueue, logger, metrics),
		registry: reg,
		logger:   logger,
	}
	if err := s.run(ctx); err != nil {
		panic(err)
	}
}

// run serves health endpoints and consumes the stage queues until ctx is done.
func (s *service) run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.FBPipeline.HTTP.Addr, Handler: s.routes()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server stopped: "+err.Error())
		}
	}()
	defer srv.Shutdown(context.WithoutCancel(ctx))

	s.logger.Info(ctx, "fb-pipeline consuming stage queues")
	if err := s.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(s.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/queues", s.queueStats)
	return mux
}

func (s *service) queueStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]queue.Stats, len(pipeline.Stages()))
	for _, stage := range pipeline.Stages() {
		st, err := s.queues.Stats(r.Context(), string(stage))
		if err != nil {
			fberrors.WriteHTTP(w, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to read queue stats", err), observability.RequestIDFromContext(r.Context()))
			return
		}
		out[string(stage)] = st
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"queues": out})
}
