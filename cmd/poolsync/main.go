package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/civil"
	"github.com/robfig/cron/v3"

	"poolsync/internal/config"
	"poolsync/internal/gcal"
	"poolsync/internal/icsstore"
	appLog "poolsync/internal/log"
	"poolsync/internal/metrics"
	"poolsync/internal/notify"
	"poolsync/internal/reconcile"
	"poolsync/internal/runner"
	"poolsync/internal/scrape"
	"poolsync/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	date       string
}

func main() {
	appLog.Info("poolsync starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv(os.Getenv)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"provider", conf.Provider,
		"calendar_id", conf.CalendarID,
		"timezone", conf.Timezone,
		"months_ahead", conf.MonthsAhead,
		"refresh", conf.RefreshCron,
		"source_mode", conf.Source.Mode,
		"listen", conf.Listen,
		"notify", conf.Notify.Topic != "",
		"once", flags.once,
		"date", flags.date,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("poolsync failed", err)
		os.Exit(1)
	}
	appLog.Info("poolsync exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	loc, err := conf.Location()
	if err != nil {
		return err
	}

	provider, err := newProvider(ctx, conf)
	if err != nil {
		return err
	}

	rec := reconcile.New(provider, reconcile.Options{
		Location:     loc,
		ClosedTitle:  conf.ClosedTitle,
		ClosedMarker: conf.ClosedMarker,
		SyncedPrefix: conf.SyncedPrefix,
	})

	m := metrics.New()
	r := runner.New(newSource(conf), rec, notify.NewNtfy(conf.Notify.Server, conf.Notify.Topic, conf.Notify.Title, nil), m, runner.Options{
		Location:    loc,
		MonthsAhead: conf.MonthsAhead,
		Concurrency: conf.Source.Concurrency,
	})

	switch {
	case flags.date != "":
		date, err := civil.ParseDate(flags.date)
		if err != nil {
			return fmt.Errorf("-date: %w", err)
		}
		_, err = r.RunDates(ctx, []civil.Date{date})
		return err
	case flags.once:
		_, err := r.Run(ctx)
		return err
	}

	return daemon(ctx, conf, r, m)
}

// daemon runs an immediate pass, schedules further passes and serves the
// status API until ctx is canceled.
func daemon(ctx context.Context, conf *config.Config, r *runner.Runner, m *metrics.Metrics) error {
	loc, err := conf.Location()
	if err != nil {
		return err
	}

	c := cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{}))
	if _, err := c.AddFunc(conf.RefreshCron, func() { runLogged(ctx, r) }); err != nil {
		return fmt.Errorf("schedule %q: %w", conf.RefreshCron, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	go runLogged(ctx, r)

	return web.StartServer(ctx, conf, web.NewServer(conf, r, m.Handler()))
}

func runLogged(ctx context.Context, r *runner.Runner) {
	if _, err := r.Run(ctx); errors.Is(err, runner.ErrBusy) {
		appLog.Warn("scheduled run skipped; previous run still in progress")
	}
}

func newProvider(ctx context.Context, conf *config.Config) (reconcile.Provider, error) {
	cal, err := conf.Calendar()
	if err != nil {
		return nil, err
	}
	switch conf.Provider {
	case config.ProviderICS:
		return icsstore.Open(conf.ICSPath, cal.Location)
	default:
		return gcal.New(ctx, cal)
	}
}

func newSource(conf *config.Config) *scrape.Source {
	opts := scrape.Options{
		URL:       conf.Source.URL,
		FormID:    conf.Source.FormID,
		UserAgent: conf.Source.UserAgent,
		Timeout:   conf.Source.Timeout(),
	}
	var f scrape.Fetcher
	if conf.Source.Mode == config.SourceModeBrowser {
		f = scrape.NewBrowserFetcher(opts)
	} else {
		f = scrape.NewHTTPFetcher(opts, nil)
	}
	return scrape.NewSource(f, conf.Source.RequestsPerSecond)
}

// cronLogger routes cron's internal logging through appLog.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/poolsync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync pass over the full horizon and exit")
	flag.StringVar(&cfg.date, "date", "", "Reconcile a single date (YYYY-MM-DD) and exit")

	flag.Parse()

	return cfg
}
