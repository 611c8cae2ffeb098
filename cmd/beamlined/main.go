// Command beamlined runs the beamline control core: it connects to the
// device-control server, keeps the beamline, sample changer and task queue
// state, and serves the operator API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"beamlinecore/internal/api"
	"beamlinecore/internal/blob"
	"beamlinecore/internal/config"
	"beamlinecore/internal/core"
	"beamlinecore/internal/infra/dispatch/httpdispatch"
	"beamlinecore/internal/infra/push"
	"beamlinecore/pkg/domain"
)

const shutdownTimeout = 10 * time.Second

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "beamlined: %v\n", err)
		exitFunc(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("beamlined", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a TOML config file (overrides "+config.EnvConfigPath+")")
	trace := fs.Bool("trace", false, "write one JSON line per device command to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath != "" {
		if err := os.Setenv(config.EnvConfigPath, *configPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level, stderr)

	dispatcher, err := httpdispatch.New(cfg.Device.BaseURL,
		httpdispatch.WithLogger(logger),
		httpdispatch.WithHTTPClient(&http.Client{Timeout: cfg.Device.CommandTimeout + time.Second}),
	)
	if err != nil {
		return err
	}

	store, err := core.OpenQueueStore(ctx, cfg.QueueStore())
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	objects, err := blob.Open(ctx, cfg.Blob())
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open archive: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := core.NewPrometheusMetricsRecorder(registry)
	if err != nil {
		_ = store.Close()
		return err
	}
	metrics := core.MultiMetricsRecorder{promMetrics, core.NewExpvarMetricsRecorder("")}

	notifications := core.NewNotificationLog(logger, nil, 0)
	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithNotifier(notifications),
		core.WithCommandTimeout(cfg.Device.CommandTimeout),
		core.WithAbortTimeout(cfg.Device.AbortTimeout),
		core.WithQueueStore(store),
		core.WithArchive(blob.NewQueueArchive(objects, "")),
		core.WithTaskCreator(operatorTaskCreator(notifications)),
	}
	if *trace {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(stderr, 1)))
	}
	svc := core.NewService(dispatcher, opts...)
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close service", "error", err)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		// The device server may come up later; pushes and operator refreshes
		// reconcile state once it does.
		logger.Warn("initial state incomplete", "error", err)
	}

	if cfg.Device.PushURL != "" {
		sub, err := push.New(cfg.Device.PushURL, push.ServiceTargets(svc),
			push.WithLogger(logger),
			push.WithNotifier(notifications),
		)
		if err != nil {
			return err
		}
		go func() {
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("push subscriber stopped", "error", err)
			}
		}()
	}

	if !strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(svc, registry)
	router.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("operator api listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return ctx.Err()
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// operatorTaskCreator forwards composite task requests to the operator
// front-end through the notification history, where the parameter form is
// shown.
func operatorTaskCreator(n core.Notifier) core.TaskCreator {
	return core.TaskCreatorFunc(func(ctx context.Context, req domain.TaskRequest) error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode task request: %w", err)
		}
		n.Notify(ctx, core.Notification{Severity: core.SeverityInfo, Operation: "create_task", Message: string(body)})
		return nil
	})
}
