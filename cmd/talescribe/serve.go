package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/talescribe/internal/app"
	"github.com/MrWong99/talescribe/internal/config"
	"github.com/MrWong99/talescribe/internal/health"
	"github.com/MrWong99/talescribe/internal/observe"
	"github.com/MrWong99/talescribe/internal/web"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser UI and the JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.ListenAddr = addr
			}
			return c.runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "override server.listen_addr")
	return cmd
}

func (c *cli) runServe(ctx context.Context) error {
	cfg := c.cfg

	tel, err := observe.Init(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics := tel.Metrics

	a, err := c.newApp(metrics)
	if err != nil {
		return err
	}
	if err := metrics.ObserveBreakers(a.BreakerStates); err != nil {
		return fmt.Errorf("register breaker gauge: %w", err)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	var watcher *config.Watcher
	if c.configRead {
		if watcher, err = config.NewWatcher(c.configPath, config.WithWatcherLogger(c.log)); err != nil {
			return err
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	probes := health.New(
		health.Func("credential", a.Ready),
		health.Breakers(a.BreakerStates),
	)
	opts := []web.Option{
		web.WithLogger(c.log),
		web.WithMetrics(metrics),
		web.WithHandler("GET /healthz", http.HandlerFunc(probes.Healthz)),
		web.WithHandler("GET /readyz", http.HandlerFunc(probes.Readyz)),
	}
	if path := cfg.Telemetry.MetricsPath; path != "-" {
		opts = append(opts, web.WithHandler("GET "+path, tel.Handler()))
	}
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           web.New(a, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, c.configPath, c.configRead)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.log.Info("server listening", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx, func(_, next *config.Config, _ config.ConfigDiff) {
				a.UpdateConfig(next)
			})
		})
		g.Go(func() error {
			reloadOnHangup(gctx, watcher)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		c.log.Info("shutdown signal received, stopping")
		return shutdown(srv, a, tel, a.Config().Server.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	c.log.Info("goodbye")
	return nil
}

// shutdown drains HTTP requests first, then the voice session, then flushes
// telemetry, all within timeout.
func shutdown(srv *http.Server, a *app.App, tel *observe.Telemetry, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return errors.Join(
		srv.Shutdown(ctx),
		a.Shutdown(ctx),
		tel.Shutdown(ctx),
	)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, path string, read bool) {
	source := path
	if !read {
		source = "(defaults)"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       talescribe startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Config", source)
	printProvider("Text", cfg.Providers.Text)
	printProvider("Speech", cfg.Providers.Speech)
	printProvider("Live", cfg.Providers.Live)
	printRow("Audio", cfg.Voice.Device.Backend)
	printRow("Style", cfg.Story.Style)
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Telemetry.MetricsPath != "-" {
		printRow("Metrics", cfg.Telemetry.MetricsPath)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, e config.ProviderEntry) {
	value := e.Name
	if e.Model != "" {
		value += " / " + e.Model
	}
	if n := len(e.Fallbacks); n > 0 {
		value += fmt.Sprintf(" +%d", n)
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
