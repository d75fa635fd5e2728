package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/aria2_monitor/internal/aria2"
	"github.com/italolelis/aria2_monitor/internal/config"
	"github.com/italolelis/aria2_monitor/internal/http/rest"
	"github.com/italolelis/aria2_monitor/internal/logctx"
	"github.com/italolelis/aria2_monitor/internal/notifier"
	"github.com/italolelis/aria2_monitor/internal/telemetry"
)

var version = "dev"

type addCmd struct {
	URIs     []string `arg:"positional,required" help:"mirrors of the same file, or a magnet link"`
	Dir      string   `help:"directory to store the download in"`
	Out      string   `help:"file name of the download"`
	Split    int      `help:"number of connections used for the download"`
	Position int      `default:"-1" help:"position in the download queue, -1 appends"`
	Pause    bool     `help:"add the download paused"`
	Wait     bool     `help:"show progress and wait until the download stops"`
}

type addTorrentCmd struct {
	File       string `arg:"positional,required" help:"path of the .torrent file"`
	Dir        string `help:"directory to store the download in"`
	SelectFile []int  `arg:"--select-file" help:"1-based indexes of the files to download"`
	Pause      bool   `help:"add the download paused"`
	Wait       bool   `help:"show progress and wait until the download stops"`
}

type listCmd struct {
	Which  string `arg:"positional" default:"active" help:"active, waiting or stopped"`
	Offset int    `default:"0"`
	Num    int    `default:"100"`
}

type shutdownCmd struct {
	Force bool `help:"abort active downloads instead of waiting for them"`
}

type args struct {
	Watch       *struct{}      `arg:"subcommand:watch" help:"track downloads, send notifications and serve the HTTP API"`
	Add         *addCmd        `arg:"subcommand:add" help:"add a download by URI or magnet link"`
	AddTorrent  *addTorrentCmd `arg:"subcommand:add-torrent" help:"add a download from a .torrent file"`
	List        *listCmd       `arg:"subcommand:list" help:"list downloads"`
	Stat        *struct{}      `arg:"subcommand:stat" help:"show global transfer statistics"`
	AriaVersion *struct{}      `arg:"subcommand:version" help:"show the aria2 version"`
	Shutdown    *shutdownCmd   `arg:"subcommand:shutdown" help:"stop the aria2 daemon"`
}

func (args) Description() string {
	return "aria2_monitor tracks the downloads of an aria2 daemon over JSON-RPC.\nConnection settings are read from the environment (ARIA2_RPC_URL, ARIA2_SECRET)."
}

func (args) Version() string {
	return "aria2_monitor " + version
}

func main() {
	var cli args

	p := arg.MustParse(&cli)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(logctx.WithLogger(ctx, logger), cfg, &cli); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cli *args) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled && cli.Watch != nil,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Connect to aria2
	client, err := aria2.Connect(ctx, aria2.ConnectOptions{
		URL:          cfg.RPCURL,
		Secret:       cfg.Secret,
		CallTimeout:  cfg.CallTimeout,
		OpenTimeout:  cfg.OpenTimeout,
		PollInterval: cfg.PollInterval,
		Telemetry:    tel,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	logger.Debug("connected to aria2", "url", cfg.RPCURL)

	switch {
	case cli.Watch != nil:
		return runWatch(ctx, cfg, client, tel)
	case cli.Add != nil:
		return runAdd(ctx, client, cli.Add)
	case cli.AddTorrent != nil:
		return runAddTorrent(ctx, client, cli.AddTorrent)
	case cli.List != nil:
		return runList(ctx, client, cli.List)
	case cli.Stat != nil:
		return runStat(ctx, client)
	case cli.AriaVersion != nil:
		return runVersion(ctx, client)
	case cli.Shutdown != nil:
		return client.Shutdown(ctx, cli.Shutdown.Force)
	}

	return nil
}

func runWatch(ctx context.Context, cfg *config.Config, client *aria2.Client, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Notification
	var forward aria2.Handler

	if cfg.DiscordWebhookURL != "" {
		forwarder := notifier.NewEventForwarder(
			notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, 10*time.Second),
			cfg.NotifyRatePerMinute,
			64,
			tel,
		)
		forward = forwarder.Handle

		go forwarder.Run(ctx)
	}

	w := newWatcher(client.Monitor(), forward)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	var server *http.Server

	if cfg.Web.Enabled {
		server = setupServer(ctx, cfg, client, tel, w)

		go func() {
			logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
			serverErrors <- server.ListenAndServe()
		}()
	}

	logger.Info("watching downloads...",
		"url", cfg.RPCURL,
		"poll_interval", cfg.PollInterval.String(),
		"relist_interval", cfg.RelistInterval.String(),
	)

	// =========================================================================
	// Start Main Loop
	w.relist(ctx, client)

	ticker := time.NewTicker(cfg.RelistInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-client.Disconnected():
			shutdownServer(ctx, cfg, server)

			return errors.New("lost connection to aria2")
		case <-ctx.Done():
			logger.Info("start shutdown")
			shutdownServer(ctx, cfg, server)

			return ctx.Err()
		case <-ticker.C:
			w.relist(ctx, client)
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, client *aria2.Client, tel *telemetry.Telemetry, w *watcher) *http.Server {
	api := rest.NewAPIHandler(cfg.API.Username, cfg.API.Password, client, tel, w.watch)

	r := chi.NewRouter()
	r.Mount("/api", api.Routes())
	r.Handle("/metrics", tel.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "aria2_monitor"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func shutdownServer(ctx context.Context, cfg *config.Config, server *http.Server) {
	if server == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	// Give outstanding requests a deadline for completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err := server.Close(); err != nil {
			logger.Error("could not stop server", "err", err)
		}
	}
}
