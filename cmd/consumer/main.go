// Command consumer opens a routed consumer session and logs the configured item streams.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/sessionrouter/internal/app/session"
	"github.com/coachpo/sessionrouter/internal/domain/schema"
	"github.com/coachpo/sessionrouter/internal/infra/bus/eventbus"
	"github.com/coachpo/sessionrouter/internal/infra/channel"
	"github.com/coachpo/sessionrouter/internal/infra/channel/ws"
	"github.com/coachpo/sessionrouter/internal/infra/config"
	httpserver "github.com/coachpo/sessionrouter/internal/infra/server/http"
	"github.com/coachpo/sessionrouter/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	consumerLoggerPrefix     = "consumer "
	startTimeout             = 30 * time.Second
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	sessionShutdownTimeout   = 10 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	noticeBusShutdownTimeout = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newConsumerLogger()

	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, connections=%d, items=%d",
		appCfg.Environment, len(appCfg.Connections), len(appCfg.Items))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.TelemetryConfig())
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var lifecycle conc.WaitGroup

	bus := newNoticeBus(appCfg.Eventbus, logger)
	if err := watchNotices(ctx, &lifecycle, logger, bus); err != nil {
		logger.Fatalf("subscribe notices: %v", err)
	}

	handles, err := buildChannels(appCfg, logger)
	if err != nil {
		logger.Fatalf("initialise channels: %v", err)
	}

	consumer, err := session.New(appCfg.Session(), handles,
		session.WithLogger(logger),
		session.WithEventBus(bus),
	)
	if err != nil {
		logger.Fatalf("initialise session: %v", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, startTimeout)
	err = consumer.Start(startCtx)
	startCancel()
	if err != nil {
		_ = consumer.Close()
		logger.Fatalf("start session: %v", err)
	}

	registered, err := registerItems(ctx, consumer, appCfg.Items, logger)
	if err != nil {
		logger.Printf("register items: %v", err)
	}
	logger.Printf("items registered: %d", registered)

	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, consumer)
	if apiServer != nil {
		startAPIServer(&lifecycle, logger, apiServer)
		logger.Printf("diagnostics API listening on %s", apiServer.Addr)
	}

	logger.Print("consumer started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		session:    consumer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		noticeBus:  bus,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newConsumerLogger() *log.Logger {
	return log.New(os.Stdout, consumerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg telemetry.Config) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newNoticeBus(cfg config.EventbusConfig, logger *log.Logger) eventbus.Bus {
	return eventbus.NewMemoryBus(cfg.Memory(), eventbus.WithLogger(logger))
}

func watchNotices(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, bus eventbus.Bus) error {
	_, notices, err := bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	lifecycle.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case notice, ok := <-notices:
				if !ok {
					return
				}
				logger.Print(describeNotice(notice))
			}
		}
	})
	return nil
}

func buildChannels(appCfg config.AppConfig, logger *log.Logger) ([]channel.Handle, error) {
	settings := appCfg.WebsocketChannels()
	handles := make([]channel.Handle, 0, len(settings))
	for _, s := range settings {
		ch, err := ws.New(s.Name, s.WS, ws.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", s.Name, err)
		}
		handles = append(handles, ch)
	}
	return handles, nil
}

func registerItems(ctx context.Context, consumer *session.Consumer, items []config.ItemConfig, logger *log.Logger) (int, error) {
	client := session.ClientFunc(func(ev session.Event) {
		logger.Print(describeEvent(ev))
	})
	registered := 0
	for i, item := range items {
		req, err := item.Request()
		if err != nil {
			return registered, fmt.Errorf("items[%d]: %w", i, err)
		}
		if _, err := consumer.RegisterClient(ctx, req, client, item.Name); err != nil {
			return registered, fmt.Errorf("items[%d]: %w", i, err)
		}
		registered++
	}
	return registered, nil
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, view httpserver.SessionView) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(env, view),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("diagnostics server: %v", err)
		}
	})
}

func describeEvent(ev session.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "event: handle=%d channel=%s %s", ev.Handle, ev.Channel.Name, ev.Msg.Kind())
	head := ev.Msg.Head()
	if head.Name != "" {
		fmt.Fprintf(&b, " name=%s", head.Name)
	}
	if !head.Service.IsZero() {
		fmt.Fprintf(&b, " service=%s", head.Service)
	}
	switch m := ev.Msg.(type) {
	case *schema.RefreshMsg:
		fmt.Fprintf(&b, " state=%s fields=%d", m.State, len(m.Fields))
	case *schema.StatusMsg:
		fmt.Fprintf(&b, " state=%s", m.State)
	case *schema.UpdateMsg:
		fmt.Fprintf(&b, " fields=%d", len(m.Fields))
	case *schema.AckMsg:
		fmt.Fprintf(&b, " ack=%d nack=%d", m.AckID, m.NackCode)
	}
	return b.String()
}

func describeNotice(n eventbus.Notice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "notice: %s", n.Type)
	for _, kv := range [][2]string{
		{"connection", n.Connection},
		{"channel", n.Channel},
		{"service", n.Service},
		{"state", n.State},
		{"text", n.Text},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%q", kv[0], kv[1])
		}
	}
	return b.String()
}

type gracefulShutdownConfig struct {
	server     *http.Server
	session    *session.Consumer
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	noticeBus  eventbus.Bus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping diagnostics server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.session != nil {
		shutdownStep("closing session", sessionShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.session.Close)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			if err := waitFor(stepCtx, func() error {
				cfg.lifecycle.Wait()
				return nil
			}); err != nil {
				return fmt.Errorf("timeout waiting for goroutines: %w", err)
			}
			return nil
		})
	}

	if cfg.noticeBus != nil {
		shutdownStep("closing notice bus", noticeBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, func() error {
				cfg.noticeBus.Close()
				return nil
			})
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

// waitFor runs fn in the background and gives up when ctx ends first.
func waitFor(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
