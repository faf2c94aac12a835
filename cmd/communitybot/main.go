package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"communitybot/internal/catalog"
	"communitybot/internal/config"
	"communitybot/internal/discord"
	"communitybot/internal/ics"
	"communitybot/internal/lark"
	appLog "communitybot/internal/log"
	"communitybot/internal/optin"
	"communitybot/internal/reminder"
	"communitybot/internal/schedule"
	"communitybot/internal/web"
)

const (
	version = "0.1.0"

	// tickTimeout bounds one evaluation so a stuck delivery cannot eat the
	// next minute.
	tickTimeout = 50 * time.Second
	stopTimeout = 10 * time.Second
	openTimeout = 15 * time.Second
	reminderJob = "reminders"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	if err := appLog.Init(conf.Environment, appLog.ParseLevel(conf.LogLevel)); err != nil {
		appLog.Error("failed to initialize logger", err)
		os.Exit(1)
	}

	if err := run(flags, conf); err != nil {
		appLog.Error("communitybot exited with error", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Sync()
}

func run(flags flagConfig, conf *config.Config) error {
	appLog.Info("communitybot starting", "version", version)

	loc, ok := config.ResolveLocation(conf.Timezone)
	if !ok {
		appLog.Warn("unknown timezone, falling back", "timezone", conf.Timezone, "using", loc.String())
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"tick", conf.Tick,
		"tolerance_minutes", conf.ToleranceMinutes,
		"thresholds", len(conf.Thresholds),
		"platform", conf.Platform,
		"reminder_channel", conf.ReminderChannel,
		"catalog_path", conf.Catalog.Path,
		"ics_count", len(conf.Catalog.ICS),
		"optin_driver", conf.OptIn.Driver,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	clk := clock.New()
	source := buildCatalog(conf, clk, loc)

	registry, closeRegistry, err := openRegistry(ctx, conf.OptIn)
	if err != nil {
		return err
	}
	defer closeRegistry()

	var gateway *discord.Gateway
	var dispatcher reminder.Dispatcher
	switch conf.Platform {
	case config.PlatformLark:
		d, err := lark.NewDispatcher(conf.Lark)
		if err != nil {
			return err
		}
		dispatcher = d
	default:
		gateway, err = discord.New(conf.Discord, discord.Deps{
			Catalog:  source,
			Registry: registry,
			Clock:    clk,
			Location: loc,
		})
		if err != nil {
			return err
		}
		dispatcher = gateway.Dispatcher()
	}

	evaluator, err := reminder.NewEvaluator(reminder.Options{
		Clock:      clk,
		Location:   loc,
		Catalog:    source,
		Tracker:    reminder.NewTracker(),
		Registry:   registry,
		Dispatcher: dispatcher,
		Channel:    conf.ReminderChannel,
		Thresholds: conf.Thresholds,
		Tolerance:  conf.ToleranceMinutes,
	})
	if err != nil {
		return err
	}
	tick := func(ctx context.Context) {
		report := evaluator.Evaluate(ctx)
		if report.Event != nil {
			appLog.Debug("reminder tick",
				"event_id", report.Event.ID,
				"minutes_until", report.MinutesUntil,
				"firings", len(report.Firings),
			)
		}
	}

	runner, err := schedule.NewRunner(reminderJob, conf.Tick, loc, tickTimeout, tick)
	if err != nil {
		return err
	}

	if flags.once {
		runner.RunOnce(ctx)
		return nil
	}

	if gateway != nil {
		if err := gateway.Open(); err != nil {
			return err
		}
		defer func() {
			if err := gateway.Close(); err != nil {
				appLog.Error("discord close failed", err)
			}
		}()
	}

	webDone := make(chan error, 1)
	if conf.Listen != "" {
		srv := web.NewServer(conf, web.Deps{
			Catalog:   source,
			Registry:  registry,
			Evaluator: evaluator,
			Clock:     clk,
			Location:  loc,
		})
		go func() {
			err := srv.ListenAndServe(ctx)
			if err != nil {
				appLog.Error("HTTP server failed", err, "listen", conf.Listen)
				cancel()
			}
			webDone <- err
		}()
	} else {
		appLog.Info("HTTP admin API disabled")
		webDone <- nil
	}

	// Evaluate right away instead of waiting up to a minute for the first tick.
	runner.RunOnce(ctx)
	runner.Start()
	appLog.Info("reminder scheduler running", "next_tick", runner.Next().Format(time.RFC3339))

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := runner.Stop(stopCtx); err != nil {
		appLog.Error("scheduler stop timed out", err)
	}

	webErr := <-webDone
	appLog.Info("communitybot exiting")
	return webErr
}

func buildCatalog(conf *config.Config, clk clock.Clock, loc *time.Location) catalog.Source {
	var sources catalog.MultiSource
	if conf.Catalog.Path != "" {
		sources = append(sources, catalog.NewFileSource(conf.Catalog.Path))
	}

	feeds := make([]ics.Feed, 0, len(conf.Catalog.ICS))
	for _, c := range conf.Catalog.ICS {
		if c.URL == "" {
			continue
		}
		feeds = append(feeds, ics.Feed{ID: c.FeedID(), URL: c.URL})
	}
	if len(feeds) > 0 {
		fetcher := ics.NewFetcher(conf.Catalog.CacheDir, nil)
		horizon := time.Duration(conf.Catalog.HorizonDays) * 24 * time.Hour
		sources = append(sources, catalog.NewICSSource(fetcher, feeds, clk, loc, horizon))
	}

	if len(sources) == 0 {
		appLog.Warn("no event catalog configured; the bot will never see an upcoming event")
	}
	return sources
}

func openRegistry(ctx context.Context, cfg config.OptInConfig) (optin.Registry, func(), error) {
	switch cfg.Driver {
	case config.OptInDriverSQLite:
		openCtx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()
		store, err := optin.OpenSQLite(openCtx, cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open opt-in database: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				appLog.Error("opt-in database close failed", err)
			}
		}, nil
	case config.OptInDriverFile:
		return optin.NewFileStore(cfg.Path), func() {}, nil
	default:
		return nil, nil, errors.New("unknown opt-in driver: " + cfg.Driver)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one reminder evaluation and exit")

	flag.Parse()

	return cfg
}
