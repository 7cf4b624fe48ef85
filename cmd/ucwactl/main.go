// ucwactl signs in to a UCWA pool, optionally subscribes to the presence of
// a set of contacts, and logs every event until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	ucwa "github.com/ggoodman/ucwa-go"
	"github.com/ggoodman/ucwa-go/cache"
	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/events"
	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		verbose    bool
	)

	cfg, err := ucwa.ConfigFromEnv()
	if err != nil {
		return err
	}
	s := settings{Client: cfg}
	envSettings := s

	flagSet := pflag.NewFlagSet("ucwactl", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a TOML config file")
	domain := flagSet.String("domain", "", "sign-in domain (default: taken from --username)")
	username := flagSet.String("username", "", "user name, user@domain")
	password := flagSet.String("password", "", "password for --username")
	subscribe := flagSet.StringSlice("subscribe", nil, "SIP URIs whose presence to follow")
	metricsAddr := flagSet.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if configPath != "" {
		if err := loadFileConfig(configPath, &s); err != nil {
			return err
		}
	}
	if flagSet.Changed("domain") {
		s.Client.Domain = *domain
	}
	if flagSet.Changed("username") {
		s.Client.Username = *username
	}
	if flagSet.Changed("password") {
		s.Client.Password = *password
	}
	if flagSet.Changed("subscribe") {
		s.Subscribe = *subscribe
	}
	if flagSet.Changed("metrics-addr") {
		s.MetricsAddr = *metricsAddr
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(logHandler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	busy, err := metrics.NewBusyObserver(reg)
	if err != nil {
		return err
	}
	if s.MetricsAddr != "" {
		srv := &http.Server{Addr: s.MetricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics.serve.failed", slog.String("err", err.Error()))
			}
		}()
		defer srv.Close()
	}

	client, err := ucwa.New(ctx, s.Client,
		ucwa.WithLogHandler(logHandler),
		ucwa.WithBusyObserver(busy),
		ucwa.WithOriginDenied(func(reason string) {
			logger.Error("ucwactl.origin_denied", slog.String("reason", reason))
		}),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.SignIn(ctx); err != nil {
		return err
	}

	client.Events.AddListener(events.Wildcard(), events.Handlers{
		Started:   logEvent(logger),
		Updated:   logEvent(logger),
		Completed: logEvent(logger),
	})
	if err := client.Events.Start(ctx); err != nil {
		return err
	}

	if configPath != "" {
		cw, err := newConfigWatcher(configPath, envSettings, logger, client.Events.ConfigurePolling)
		if err != nil {
			return err
		}
		go cw.run(ctx)
	}

	if len(s.Subscribe) > 0 {
		if err := subscribePresence(ctx, client, logger, s.Subscribe); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logger.Info("ucwactl.signing_out")

	// The signal context is done; sign out on a fresh deadline.
	outCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return client.SignOut(outCtx)
}

func logEvent(logger *slog.Logger) events.Handler {
	return func(ctx context.Context, ev events.Event) {
		logger.InfoContext(ctx, "ucwactl.event",
			slog.String("type", string(ev.Type)),
			slog.String("rel", ev.Rel),
			slog.String("href", ev.Href),
			slog.String("sender", ev.Sender.Rel),
		)
	}
}

// subscribePresence starts a presence subscription operation for uris under
// the application resource.
func subscribePresence(ctx context.Context, client *ucwa.Client, logger *slog.Logger, uris []string) error {
	app, err := client.Cache.Read(ctx, cache.MainID)
	if err != nil {
		return err
	}
	self, ok := app.Link(hal.RelSelf)
	if !ok {
		return errors.New("application has no self link")
	}

	id, done, err := client.Operations.Start(ctx, channel.Request{
		Method: channel.MethodPost,
		URL:    strings.TrimSuffix(self, "/") + "/people/presenceSubscriptions",
		Body:   map[string]any{"duration": 30, "uris": uris},
	}, events.Handlers{
		Completed: func(ctx context.Context, ev events.Event) {
			logger.InfoContext(ctx, "ucwactl.presence.completed", slog.String("href", ev.Href))
		},
	})
	if err != nil {
		return err
	}
	resp := <-done
	if !resp.OK() {
		client.Operations.Stop(id)
		return fmt.Errorf("presence subscription: status %d: %w", resp.Status, resp.Err)
	}
	logger.Info("ucwactl.presence.started", slog.String("operation_id", id), slog.Int("uris", len(uris)))
	return nil
}
