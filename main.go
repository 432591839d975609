package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// .env is optional; real config comes from flags/env below
	_ = godotenv.Load()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:  "gift-upgrader",
		Usage: "Scan saved gifts and upgrade eligible ones",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the upgrade daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "base-url",
						Usage:    "Gift service API base URL",
						Required: true,
						EnvVars:  []string{"GIFT_API_BASE_URL"},
					},
					&cli.StringFlag{
						Name:    "api-token",
						Usage:   "Gift service bearer token",
						EnvVars: []string{"GIFT_API_TOKEN"},
					},
					&cli.StringFlag{
						Name:    "sources",
						Usage:   "Comma-separated accounts/channels to scan (me, @handle, or numeric id)",
						Value:   "me",
						EnvVars: []string{"SOURCES"},
					},
					&cli.DurationFlag{
						Name:    "interval",
						Usage:   "Base delay between scan cycles",
						Value:   10 * time.Minute,
						EnvVars: []string{"CHECK_EVERY"},
					},
					&cli.DurationFlag{
						Name:    "jitter",
						Usage:   "Max random extra delay added to each interval",
						EnvVars: []string{"JITTER_MAX"},
					},
					&cli.BoolFlag{
						Name:    "dry-run",
						Usage:   "Classify and record, but issue no mutating calls",
						EnvVars: []string{"DRY_RUN"},
					},
					&cli.BoolFlag{
						Name:    "fast-trigger",
						Usage:   "Scan immediately when new activity is seen on a watched source",
						Value:   true,
						EnvVars: []string{"FAST_ON_NEW_MSG"},
					},
					&cli.IntFlag{
						Name:    "page-limit",
						Usage:   "Saved-gift page size (clamped to 1..100)",
						Value:   100,
						EnvVars: []string{"PAGE_LIMIT"},
					},
					&cli.BoolFlag{
						Name:    "keep-details",
						Usage:   "Ask the service to preserve original gift details on upgrade",
						Value:   true,
						EnvVars: []string{"KEEP_ORIGINAL_DETAILS"},
					},
					&cli.StringFlag{
						Name:    "report-to",
						Usage:   "Destination for the per-cycle summary message",
						Value:   "me",
						EnvVars: []string{"REPORT_PEER"},
					},
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "Prometheus listen address (empty to disable)",
						Value:   ":8008",
						EnvVars: []string{"METRICS_ADDR"},
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Log level (debug, info, warn, error)",
						Value:   "info",
						EnvVars: []string{"LOG_LEVEL"},
					},
					&cli.StringFlag{
						Name:    "log-dir",
						Usage:   "Directory for rotating log, state and audit files",
						Value:   "./logs",
						EnvVars: []string{"LOG_DIR"},
					},
					&cli.StringFlag{
						Name:    "store-type",
						Usage:   "Upgrade state store backend (file, memory, postgres)",
						Value:   "file",
						EnvVars: []string{"STORE_TYPE"},
					},
					&cli.StringFlag{
						Name:    "db-url",
						Usage:   "Database connection URL (store-type=postgres)",
						EnvVars: []string{"DATABASE_URL"},
					},
				},
				Action: startDaemon,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func setupLogging(level, logDir string) error {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "gift_upgrader.log"),
		MaxSize:    5, // megabytes
		MaxBackups: 3,
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, rotating))
	return nil
}

func startDaemon(c *cli.Context) error {
	if err := setupLogging(c.String("log-level"), c.String("log-dir")); err != nil {
		return err
	}

	sources := splitSources(c.String("sources"))
	if len(sources) == 0 {
		return fmt.Errorf("no sources configured")
	}

	svc, err := NewHTTPGiftService(HTTPGiftServiceOptions{
		BaseURL: c.String("base-url"),
		Token:   c.String("api-token"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gift service client: %w", err)
	}

	logDir := c.String("log-dir")
	var store UpgradeStore
	switch c.String("store-type") {
	case "file":
		store = NewFileUpgradeStore(filepath.Join(logDir, "upgraded_state.json"))
	case "memory":
		store = NewInMemoryUpgradeStore()
	case "postgres":
		store, err = NewPostgresUpgradeStore(c.String("db-url"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
	default:
		return fmt.Errorf("invalid store-type: %s", c.String("store-type"))
	}
	defer store.Close()

	audit := NewAuditLog(filepath.Join(logDir, "audit.jsonl"))
	catalog := NewCatalogReader(svc, c.Int("page-limit"))
	upgrader := NewUpgrader(svc, catalog, store, audit, UpgraderConfig{
		Sources:     sources,
		DryRun:      c.Bool("dry-run"),
		KeepDetails: c.Bool("keep-details"),
		ReportTo:    c.String("report-to"),
	})
	scheduler := NewScheduler(upgrader, c.Duration("interval"), c.Duration("jitter"))

	if addr := c.String("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info().Str("addr", addr).Msg("Prometheus metrics listening")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Bool("fast-trigger") {
		watchReactive(ctx, svc, scheduler, sources)
	}

	log.Info().Strs("sources", sources).Bool("dry_run", c.Bool("dry-run")).Msg("Gift Upgrader started")
	scheduler.Run(ctx)
	log.Info().Msg("Shutting down...")
	return nil
}

// watchReactive subscribes the scheduler to activity on every watched
// source. Scanning your own saves reacts to nothing, so "me" is
// excluded from the watch list.
func watchReactive(ctx context.Context, svc GiftService, scheduler *Scheduler, sources []string) {
	var watched []SourceRef
	for _, name := range sources {
		if strings.EqualFold(name, "me") {
			continue
		}
		ref, err := svc.ResolveSource(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("source", name).Msg("Fast trigger: cannot resolve source")
			continue
		}
		watched = append(watched, ref)
	}
	if len(watched) == 0 {
		return
	}

	events, err := svc.WatchActivity(ctx, watched)
	if err != nil {
		log.Warn().Err(err).Msg("Fast trigger: watch failed")
		return
	}
	go scheduler.WatchAndTrigger(ctx, events)
}

func splitSources(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
