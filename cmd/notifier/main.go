// Command notifier polls the CoWIN calendar API and tells subscribed
// recipients when vaccination slots open near them.
//
// Usage:
//
//	notifier --input-csv input.csv --metadata-json metadata.json
//	notifier --channel email --status-addr :8080
//	notifier metadata --out metadata.json
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AlexYaroshenko/cowin-notifier/internal/config"
	"github.com/AlexYaroshenko/cowin-notifier/internal/cowin"
	"github.com/AlexYaroshenko/cowin-notifier/internal/logging"
	"github.com/AlexYaroshenko/cowin-notifier/internal/metrics"
	"github.com/AlexYaroshenko/cowin-notifier/internal/notify"
	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
	"github.com/AlexYaroshenko/cowin-notifier/internal/scan"
	"github.com/AlexYaroshenko/cowin-notifier/internal/scheduler"
	"github.com/AlexYaroshenko/cowin-notifier/internal/store"
	"github.com/AlexYaroshenko/cowin-notifier/internal/web"
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "notifier",
		Short:         "Check CoWIN APIs and notify registered recipients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				slog.Error("configuration rejected", "error", err)
				return err
			}
			logger := logging.New(cfg.LogFormat, cfg.Debug)
			if err := run(cmd.Context(), cfg, logger); err != nil {
				logger.Error("notifier failed", "error", err)
				return err
			}
			return nil
		},
	}
	config.BindFlags(cmd.Flags())
	cmd.AddCommand(newMetadataCmd())
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	meta, err := registry.LoadMetadata(cfg.MetadataJSON)
	if err != nil {
		return err
	}
	logger.Info("metadata loaded", "states", len(meta), "districts", meta.DistrictCount())

	subs, report, err := registry.LoadRecipients(cfg.InputCSV, meta, cfg.Channel)
	if err != nil {
		return err
	}
	for _, s := range report.Skipped {
		logger.Warn("registry entry skipped", "line", s.Line, "selector", s.Selector, "reason", s.Reason)
	}
	logger.Info("registry loaded", "summary", report.Summary(),
		"pincodes", len(subs.Pincodes()), "districts", len(subs.Districts()), "recipients", len(subs.Recipients()))
	if subs.Len() == 0 {
		logger.Warn("no region to check, the notifier will only idle")
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	history, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	stats := history.Stats()
	logger.Info("history loaded", "recipients", stats.Recipients, "pairs", stats.Pairs)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	client := cowin.NewClient(cfg.APIBaseURL, cfg.RequestsPerMinute, cfg.RequestTimeout, logger)
	scanner := scan.New(client, scan.Options{
		Policy:         scan.Policy{MinAge: cfg.MinAgeLimit, RequireCapacity: cfg.RequireCapacity},
		Weeks:          cfg.CheckNextWeeks,
		Concurrency:    cfg.Concurrency,
		RequestTimeout: cfg.RequestTimeout,
	}, m, logger)

	engine := notify.NewEngine(history, newTransport(cfg, logger), cfg.NotifyGap,
		notify.WithMetrics(m), notify.WithLogger(logger))
	sched := scheduler.New(subs, scanner, engine, st, scheduler.Options{
		Interval: cfg.CheckInterval,
		Cooldown: cfg.NotifyGap,
		Once:     cfg.Once,
	}, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	g.Go(func() error {
		defer stopServer()
		return sched.Run(gctx)
	})
	if cfg.StatusAddr != "" {
		srv := web.NewServer(cfg.StatusAddr, web.NewRouter(sched, reg, logger), logger)
		g.Go(func() error {
			if err := srv.Run(srvCtx); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		logger.Info("history backend: postgres", "table_prefix", cfg.TablePrefix)
		return store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.TablePrefix)
	}
	bs, err := store.OpenBolt(cfg.HistoryFile, cfg.TablePrefix, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("history backend: bolt", "path", bs.Path(), "fresh", bs.Fresh())
	return bs, nil
}

// newTransport picks the delivery channel. Missing email credentials degrade
// to logging only.
func newTransport(cfg *config.Config, logger *slog.Logger) notify.Transport {
	if cfg.Channel != registry.ChannelEmail {
		return notify.NewLogTransport(logger)
	}
	t, err := notify.NewEmailTransport(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		Timeout:  cfg.RequestTimeout,
	}, logger)
	if err != nil {
		if errors.Is(err, notify.ErrMissingCredentials) {
			logger.Warn("email credentials not set, notifications are only logged",
				"user_env", config.EnvPrefix+"_SMTP_USER", "password_env", config.EnvPrefix+"_SMTP_PASSWORD")
		} else {
			logger.Warn("email transport unavailable, notifications are only logged", "error", err)
		}
		return notify.NewLogTransport(logger)
	}
	return t
}

func newMetadataCmd() *cobra.Command {
	var (
		out       string
		baseURL   string
		logFormat string
	)
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Fetch states and districts and write the metadata JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(logFormat, false)
			client := cowin.NewClient(baseURL, 0, 30*time.Second, logger)
			meta, err := client.FetchMetadata(cmd.Context())
			if err != nil {
				logger.Error("fetching metadata failed", "error", err)
				return err
			}
			if err := meta.WriteFile(out); err != nil {
				logger.Error("writing metadata failed", "path", out, "error", err)
				return err
			}
			logger.Info("metadata written", "path", out, "states", len(meta), "districts", meta.DistrictCount())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "metadata.json", "output file")
	cmd.Flags().StringVar(&baseURL, "api-base-url", cowin.DefaultBaseURL, "CoWIN API base URL")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	return cmd
}
