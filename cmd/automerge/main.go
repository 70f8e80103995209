package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"

	"github.com/silverleaf-dev/automerge/internal/admin"
	"github.com/silverleaf-dev/automerge/internal/cfg"
	"github.com/silverleaf-dev/automerge/internal/dqs"
	"github.com/silverleaf-dev/automerge/internal/githubapp"
	"github.com/silverleaf-dev/automerge/internal/githubclt"
	"github.com/silverleaf-dev/automerge/internal/health"
	"github.com/silverleaf-dev/automerge/internal/ingress"
	"github.com/silverleaf-dev/automerge/internal/logfields"
	"github.com/silverleaf-dev/automerge/internal/metrics"
	"github.com/silverleaf-dev/automerge/internal/pipeline"
	"github.com/silverleaf-dev/automerge/internal/retryer"
	"github.com/silverleaf-dev/automerge/internal/scheduler"
)

const appName = "automerge"

var logger *zap.Logger

// Version is set via a ldflag on compilation.
var Version = "unknown"

const readinessProbeInterval = 10 * time.Second

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPSServer(listenAddr, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug("terminating https server", logfields.Event("https_server_terminating"))

		if err := httpsServer.Shutdown(ctx); err != nil {
			logger.Warn("shutting down https server failed", logfields.Event("https_server_termination_failed"), zap.Error(err))
		}
	})

	go func() {
		defer panicHandler()

		logger.Info("https server started", logfields.Event("https_server_started"), zap.String("listen_addr", listenAddr))

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal("https server terminated unexpectedly", logfields.Event("https_server_terminated_unexpectedly"), zap.Error(err))
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug("terminating http server", logfields.Event("http_server_terminating"))

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("shutting down http server failed", logfields.Event("http_server_termination_failed"), zap.Error(err))
		}
	})

	go func() {
		defer panicHandler()

		logger.Info("http server started", logfields.Event("http_server_started"), zap.String("listen_addr", listenAddr))

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal("http server terminated unexpectedly", logfields.Event("http_server_terminated_unexpectedly"), zap.Error(err))
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/automerge/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP("verbose", "v", false, "enable verbose logging"),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the automerge configuration file",
		),
		ShowVersion: pflag.Bool("version", false, "print the version and exit"),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nAuto-merge pull requests once they satisfy a repository's merge policy.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// exitOnErr is used here instead of logger.Fatal because the logger
	// is not initialized yet.
	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)

	if err := config.Validate(); err != nil {
		exitOnErr("configuration is invalid", err)
	}

	return config
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	encCfg := zap.NewProductionEncoderConfig()

	encCfg.LevelKey = "loglevel"
	encCfg.TimeKey = config.LogTimeKey
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	return encCfg
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(zapEncoderConfig(config)),
		os.Stdout,
		logLevel,
	))
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	zCfg := zap.NewProductionConfig()
	zCfg.Sampling = nil
	zCfg.EncoderConfig = zapEncoderConfig(config)
	zCfg.OutputPaths = []string{"stdout"}
	zCfg.Encoding = config.LogFormat
	zCfg.Level = zap.NewAtomicLevelAt(logLevel)

	l, err := zCfg.Build()
	exitOnErr("could not initialize logger", err)

	return l
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else if err := (&logLevel).Set(config.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
		os.Exit(2)
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}
	return "**hidden**"
}

// mustBuildTokenSource picks between the GitHub App flow and the static
// personal-access-token fallback, per cfg.Config.Validate's either/or rule.
func mustBuildTokenSource(config *cfg.Config) oauth2.TokenSource {
	if config.GithubApp.APIToken != "" {
		return githubclt.StaticToken(config.GithubApp.APIToken)
	}

	keyPEM, err := os.ReadFile(config.GithubApp.PrivateKeyFile)
	exitOnErr(fmt.Sprintf("could not read github app private key file: %s", config.GithubApp.PrivateKeyFile), err)

	src, err := githubapp.New(config.GithubApp.AppID, config.GithubApp.InstallationID, keyPEM)
	exitOnErr("could not build github app token source", err)

	return src
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) //nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()
	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.WebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebhookSecret)),
		zap.String("github_api_token", hide(config.GithubApp.APIToken)),
		zap.String("redis_addr", config.Redis.Addr),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tokenSource := mustBuildTokenSource(config)
	githubClient := githubclt.New(tokenSource, m)

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	goodbye.Register(func(context.Context, os.Signal) {
		if err := rdb.Close(); err != nil {
			logger.Warn("closing redis client failed", zap.Error(err))
		}
	})

	store := dqs.NewRedisStore(rdb, config.Redis.Namespace)

	retr := retryer.NewRetryer(
		retryer.WithLogger(logger.Named("retryer")),
		retryer.WithTimeout(config.Scheduler.RetryTimeout),
		retryer.WithBackoffInitialInterval(config.Scheduler.BackoffInitialInterval),
	)
	goodbye.Register(func(context.Context, os.Signal) { retr.Stop() })

	pl := pipeline.New(githubClient, store, m, retr, pipeline.Config{
		MaxRetries:             config.Scheduler.MaxRetries,
		MaxItemWindow:          config.Scheduler.MaxItemWindow,
		LeaseTTL:               config.Scheduler.LeaseTTL,
		Heartbeat:              config.Scheduler.LeaseHeartbeatInterval,
		RateLimitMinRemaining:  config.Scheduler.RateLimitMinRemaining,
		RateLimitCooldown:      config.Scheduler.RateLimitCooldown,
		ThrottleCooldownJitter: config.Scheduler.ThrottleCooldownJitter,
		ThrottleCooldownMax:    config.Scheduler.ThrottleCooldownMax,
	})

	sched := scheduler.New(store, pl, m, scheduler.Config{
		WorkerCount:             config.Scheduler.WorkerCount,
		LeaseTTL:                config.Scheduler.LeaseTTL,
		PeriodicTriggerInterval: config.Scheduler.PeriodicTriggerInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug("stopping scheduler", logfields.Event("scheduler_stopping"))
		cancel()
		sched.Stop()
	})

	norm := ingress.NewNormalizer(store, githubClient, m)
	webhookHandler := ingress.NewHandler([]byte(config.GithubWebhookSecret), norm, m)

	prober := health.NewProber(map[string]health.Pinger{
		"dqs":    store,
		"github": githubPinger{githubClient},
	})
	go prober.Run(ctx, readinessProbeInterval)

	adminHandler := admin.NewHandler(store, githubClient)

	mux := http.NewServeMux()
	mux.Handle(config.WebhookEndpoint, webhookHandler)
	mux.HandleFunc("/healthz", health.HandleHealthz)
	mux.HandleFunc("/readyz", prober.HandleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	adminHandler.RegisterHandlers(mux)

	logger.Info("registered http handlers", logfields.Event("http_handlers_registered"), zap.String("webhook_endpoint", config.WebhookEndpoint))

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintln(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(config.HTTPSListenAddr, config.HTTPSCertFile, config.HTTPSKeyFile, mux)
	}

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	select {} // TODO: refactor this, allow clean shutdown
}

// githubPinger adapts githubclt.Client.Ping to health.Pinger without
// pulling the whole facade interface into the health package.
type githubPinger struct {
	clt *githubclt.Client
}

func (g githubPinger) Ping(ctx context.Context) error {
	return g.clt.Ping(ctx)
}
