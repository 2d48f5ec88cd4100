package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/driveconv/driveconv/internal/app/convert"
	"github.com/driveconv/driveconv/internal/app/status"
	"github.com/driveconv/driveconv/internal/config"
	"github.com/driveconv/driveconv/internal/drive"
	"github.com/driveconv/driveconv/internal/encoder"
	"github.com/driveconv/driveconv/internal/log"
	loglogrus "github.com/driveconv/driveconv/internal/log/logrus"
	"github.com/driveconv/driveconv/internal/metrics"
	"github.com/driveconv/driveconv/internal/pipeline"
	"github.com/driveconv/driveconv/internal/progress"
	"github.com/driveconv/driveconv/internal/server"
	"github.com/driveconv/driveconv/internal/storage/memory"
)

// Version is the application version (set via ldflags).
var Version = "dev"

type cmdConfig struct {
	ConfigFile string
	Debug      bool
	LoggerJSON bool
	NoLog      bool
}

// Run runs the main application.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	app := kingpin.New("driveconv", "Remote-store media conversion pipeline service.")
	app.DefaultEnvars()

	var cmdCfg cmdConfig
	app.Flag("config", "Path to the YAML configuration file.").StringVar(&cmdCfg.ConfigFile)
	app.Flag("debug", "Enable debug logging.").BoolVar(&cmdCfg.Debug)
	app.Flag("logger-json", "Log in JSON format.").BoolVar(&cmdCfg.LoggerJSON)
	app.Flag("no-log", "Disable logging.").BoolVar(&cmdCfg.NoLog)

	if _, err := app.Parse(args[1:]); err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// .env is optional, secrets can come from the real environment.
	_ = godotenv.Load()

	logger := getLogger(cmdCfg, stderr)

	cfg, err := config.Load(cmdCfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	// Remote store client.
	tokens, err := drive.NewOAuthTokenSource(drive.OAuthTokenSourceConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create token source: %w", err)
	}

	store, err := drive.NewClient(drive.ClientConfig{
		TokenSource: tokens,
		APIBaseURL:  cfg.APIBaseURL,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create drive client: %w", err)
	}

	// Task storage and progress tracking.
	repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create task repository: %w", err)
	}

	tracker, err := progress.NewTracker(progress.TrackerConfig{
		Repository: repo,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create progress tracker: %w", err)
	}

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewPrometheus(registry)

	// Encoder tool-chain.
	ffmpeg, err := encoder.NewFFmpeg(encoder.FFmpegConfig{
		FFmpegBin:   cfg.FFmpegBin,
		FFprobeBin:  cfg.FFprobeBin,
		ReadTimeout: cfg.DiagnosticReadTimeout.Std(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create encoder: %w", err)
	}

	// App services.
	convertSvc, err := convert.NewService(convert.ServiceConfig{
		Tracker: tracker,
		NewRunner: func(sessionID string) (convert.PipelineRunner, error) {
			return pipeline.NewRunner(pipeline.RunnerConfig{
				SessionID: sessionID,
				Store:     store,
				Encoder:   ffmpeg,
				Tracker:   tracker,
				Metrics:   recorder,
				Logger:    logger,
				Limits: pipeline.LimitsConfig{
					Downloads:   cfg.Limits.Downloads,
					Conversions: cfg.Limits.Conversions,
					Uploads:     cfg.Limits.Uploads,
				},
				ChunkSize:        cfg.ChunkSizeBytes,
				RangeAttempts:    cfg.RangeAttempts,
				RetryBackoffBase: cfg.RetryBackoffBase.Std(),
				DownloadDir:      cfg.DownloadDir,
				ConvertDir:       cfg.ConvertDir,
				LogDir:           cfg.LogDir,
			})
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create convert service: %w", err)
	}

	statusSvc, err := status.NewService(status.ServiceConfig{
		Tracker:    tracker,
		Repository: repo,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create status service: %w", err)
	}

	srv, err := server.New(server.Config{
		ConvertService: convertSvc,
		StatusService:  statusSvc,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create server: %w", err)
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// HTTP server.
	{
		httpServer := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: srv.Handler(),
		}

		g.Add(
			func() error {
				logger.Infof("Listening on %s", cfg.ListenAddr)
				return httpServer.ListenAndServe()
			},
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Errorf("Could not shut down HTTP server: %v", err)
				}
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(cfg cmdConfig, stderr io.Writer) log.Logger {
	if cfg.NoLog {
		return log.Noop
	}

	logrusLog := logrus.New()
	logrusLog.Out = stderr
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if cfg.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	if cfg.LoggerJSON {
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled") // Will log only when debug enabled.

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
