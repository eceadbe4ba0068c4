package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/geekxflood/traprelay/config"
	"github.com/geekxflood/traprelay/correlator"
	"github.com/geekxflood/traprelay/logging"
	"github.com/geekxflood/traprelay/metrics"
	"github.com/geekxflood/traprelay/poller"
	"github.com/geekxflood/traprelay/relay"
	"github.com/geekxflood/traprelay/snmptranslate"
	"github.com/geekxflood/traprelay/store"
	"github.com/geekxflood/traprelay/trapprocessor"
)

const shutdownTimeout = 30 * time.Second

func serveCommand(params *GlobalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive and relay SNMP traps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), params)
		},
	}
}

func runServe(ctx context.Context, params *GlobalParams) error {
	manager, err := config.Load(config.Options{ConfigPath: params.ConfigPath})
	if err != nil {
		return err
	}
	defer manager.Close()

	s, err := loadSettings(manager)
	if err != nil {
		return err
	}

	if err := logging.Init(s.logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Shutdown()
	logger := logging.Component("traprelay")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.OnChange(func(err error) {
		if err != nil {
			logger.Warn("configuration reload rejected", "error", err)
			return
		}
		level, err := manager.GetString("logging.level")
		if err != nil {
			return
		}
		if err := logging.SetLevel(level); err != nil {
			logger.Warn("failed to apply log level", "level", level, "error", err)
			return
		}
		logger.Info("log level updated", "level", level)
	})
	if err := manager.Watch(ctx); err != nil {
		logger.Warn("configuration hot reload disabled", "error", err)
	}

	var m *metrics.Metrics
	if s.metricsEnabled {
		m = metrics.New()
	}

	db := store.New(s.database)
	if err := db.Connect(); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Disconnect(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	relayClient, err := relay.New(s.relay)
	if err != nil {
		return err
	}

	translator, err := snmptranslate.NewWithConfig(s.translator)
	if err != nil {
		return fmt.Errorf("invalid snmptranslate.names: %w", err)
	}

	processor, err := trapprocessor.New(manager.All(), trapprocessor.Dependencies{
		Correlator: correlator.New(poller.NewDialer(s.poller), nil),
		Store:      db,
		Relayer:    relayClient,
		Translator: translator,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	if err := processor.Start(ctx); err != nil {
		return err
	}
	logger.Info("relaying traps", "relay_url", relayClient.URL(), "database", s.database.Path)

	g, gctx := errgroup.WithContext(ctx)
	if m != nil {
		serveMetrics(gctx, g, s.metricsAddress, m, logger)
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := processor.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop trap listener: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, g *errgroup.Group, address string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("serving metrics", "address", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
