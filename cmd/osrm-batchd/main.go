// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package main provides the batch routing daemon.  It wires the
// upload store, the projection catalog, the job registry, and the
// dispatcher together behind the HTTP/WebSocket boundary, and owns
// process-level concerns: logging, metrics, housekeeping loops, and
// graceful shutdown.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/urfave/negroni"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/diffeo/osrm-batch-routing/broadcast"
	"github.com/diffeo/osrm-batch-routing/config"
	"github.com/diffeo/osrm-batch-routing/dispatch"
	"github.com/diffeo/osrm-batch-routing/osrm"
	"github.com/diffeo/osrm-batch-routing/projection"
	"github.com/diffeo/osrm-batch-routing/registry"
	"github.com/diffeo/osrm-batch-routing/restserver"
	"github.com/diffeo/osrm-batch-routing/results"
	"github.com/diffeo/osrm-batch-routing/upload"
)

func main() {
	cfg := config.Default()

	app := cli.NewApp()
	app.Name = "osrm-batchd"
	app.Usage = "batch routing over an OSRM daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "bind", Value: cfg.Bind, Usage: "[ip]:port to listen on", EnvVar: "BIND", Destination: &cfg.Bind},
		cli.StringFlag{Name: "osrm-url", Value: cfg.OSRMURL, Usage: "base URL of the OSRM daemon", EnvVar: "OSRM_URL", Destination: &cfg.OSRMURL},
		cli.StringFlag{Name: "results-dir", Value: cfg.ResultsDir, Usage: "directory for result files", EnvVar: "RESULTS_DIR", Destination: &cfg.ResultsDir},
		cli.StringFlag{Name: "upload-dir", Value: cfg.UploadDir, Usage: "directory for uploaded tables", EnvVar: "UPLOAD_DIR", Destination: &cfg.UploadDir},
		cli.StringFlag{Name: "log-dir", Value: cfg.LogDir, Usage: "directory for rotated log files", EnvVar: "LOG_DIR", Destination: &cfg.LogDir},
		cli.IntFlag{Name: "batch-size", Value: cfg.BatchSize, Usage: "rows decoded per dispatch window", EnvVar: "BATCH_SIZE", Destination: &cfg.BatchSize},
		cli.IntFlag{Name: "osrm-max-concurrent", Value: cfg.MaxConcurrent, Usage: "route requests in flight per job", EnvVar: "OSRM_MAX_CONCURRENT", Destination: &cfg.MaxConcurrent},
		cli.DurationFlag{Name: "osrm-request-delay", Value: cfg.RequestDelay, Usage: "delay before each daemon request", EnvVar: "OSRM_REQUEST_DELAY", Destination: &cfg.RequestDelay},
		cli.IntFlag{Name: "max-jobs-kept", Value: cfg.MaxJobsKept, Usage: "job records retained in memory", EnvVar: "MAX_JOBS_KEPT", Destination: &cfg.MaxJobsKept},
		cli.IntFlag{Name: "max-results-kept", Value: cfg.MaxResultsKept, Usage: "result files retained on disk", EnvVar: "MAX_RESULTS_KEPT", Destination: &cfg.MaxResultsKept},
		cli.DurationFlag{Name: "job-timeout", Value: cfg.JobTimeout, Usage: "maximum job runtime, 0 for none", EnvVar: "JOB_TIMEOUT", Destination: &cfg.JobTimeout},
		cli.DurationFlag{Name: "file-cleanup-interval", Value: cfg.FileCleanupInterval, Usage: "result sweeper period and file age limit", EnvVar: "FILE_CLEANUP_INTERVAL", Destination: &cfg.FileCleanupInterval},
		cli.BoolFlag{Name: "immediate-cleanup", Usage: "delete result files after export", EnvVar: "IMMEDIATE_CLEANUP", Destination: &cfg.ImmediateCleanup},
		cli.Int64Flag{Name: "max-upload-bytes", Value: cfg.MaxUploadBytes, Usage: "accepted upload size cap", EnvVar: "MAX_UPLOAD_BYTES", Destination: &cfg.MaxUploadBytes},
		cli.StringFlag{Name: "config", Usage: "optional YAML configuration file", EnvVar: "CONFIG_FILE"},
	}
	app.Action = func(c *cli.Context) error {
		if path := c.String("config"); path != "" {
			if err := cfg.LoadYAML(path); err != nil {
				return cli.NewExitError("cannot load config file: "+err.Error(), 1)
			}
		}
		if err := cfg.Validate(); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		if err := serve(cfg); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}
	app.RunAndExitOnError()
}

// newLogger builds the process logger: JSON lines to stdout plus
// rotated files under the log directory, error-and-above duplicated
// to error.log.
func newLogger(dir string) *logrus.Logger {
	log := logrus.New()
	if dir == "" {
		return log
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Warn("cannot create log directory; logging to stderr only")
		return log
	}
	combined := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "combined.log"),
		MaxSize:    10, // MiB
		MaxBackups: 5,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, combined))
	log.SetFormatter(&logrus.JSONFormatter{})
	log.AddHook(&errorFileHook{
		out: &lumberjack.Logger{
			Filename:   filepath.Join(dir, "error.log"),
			MaxSize:    10,
			MaxBackups: 5,
		},
		formatter: &logrus.JSONFormatter{},
	})
	return log
}

// errorFileHook duplicates error-and-above entries into a second
// rotated file.
type errorFileHook struct {
	out       io.Writer
	formatter logrus.Formatter
}

func (h *errorFileHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *errorFileHook) Fire(entry *logrus.Entry) error {
	raw, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(raw)
	return err
}

// serve runs the daemon until a termination signal arrives.
func serve(cfg config.Config) error {
	log := newLogger(cfg.LogDir)

	catalog, err := projection.LoadCatalog()
	if err != nil {
		return err
	}
	uploads, err := upload.NewStore(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		return err
	}

	client := &osrm.Client{
		BaseURL:      cfg.OSRMURL,
		RequestDelay: cfg.RequestDelay,
		Observe:      observeRoute,
	}
	broadcaster := &broadcast.Broadcaster{}
	dispatcher := &dispatch.Dispatcher{
		Uploads:     uploads,
		Transformer: projection.NewTransformer(),
		Catalog:     catalog,
		Client:      client,
		ResultsDir:  cfg.ResultsDir,
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.MaxConcurrent,
		Log:         log,
	}
	reg := registry.New(registry.Options{
		Uploads:     uploads,
		Catalog:     catalog,
		Runner:      dispatcher,
		Broadcaster: broadcaster,
		MaxJobs:     cfg.MaxJobsKept,
		JobTimeout:  cfg.JobTimeout,
		Log:         log,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go reg.HousekeepLoop(ctx, time.Minute)
	go Observe(ctx, reg, 15*time.Second)
	sweeper := &results.Sweeper{
		Dir:      cfg.ResultsDir,
		MaxKept:  cfg.MaxResultsKept,
		MaxAge:   cfg.FileCleanupInterval,
		Interval: cfg.FileCleanupInterval,
		Log:      log,
	}
	go sweeper.Run(ctx)

	api := &restserver.API{
		Registry:         reg,
		Uploads:          uploads,
		Catalog:          catalog,
		Broadcaster:      broadcaster,
		Log:              log,
		ResultsDir:       cfg.ResultsDir,
		ImmediateCleanup: cfg.ImmediateCleanup,
		StartedAt:        time.Now(),
	}

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.Use(newRequestLogger(log))
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler())
	mux.Handle("/", restserver.NewRouter(api))
	n.UseHandler(mux)

	server := &http.Server{Addr: cfg.Bind, Handler: n}
	errs := make(chan error, 1)
	go func() {
		log.WithField("bind", cfg.Bind).Info("listening")
		errs <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errs:
		// Bind failure or serve error: fatal
		return err
	case sig := <-signals:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	// Graceful shutdown: cancel every live job, then drain HTTP
	reg.CancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newRequestLogger is a small negroni middleware logging one line per
// request.
func newRequestLogger(log *logrus.Logger) negroni.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		start := time.Now()
		next(w, r)
		log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start).String(),
		}).Debug("request")
	}
}
