package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"papertrade/internal/api"
	"papertrade/internal/market"
	"papertrade/internal/monitor"
	"papertrade/internal/persistence"
	"papertrade/internal/reconciliation"
	"papertrade/internal/rpc"
	"papertrade/internal/settlement"
	"papertrade/internal/valuation"
	"papertrade/pkg/auth"
	"papertrade/pkg/hostid"
	"papertrade/pkg/i18n"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and gRPC APIs with background pricing",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	a.log.Infof(i18n.M().Starting)
	a.log.Infof(i18n.M().ConfigLoaded, cfg.Port)

	prices, err := a.prices()
	if err != nil {
		return err
	}
	svc := a.settlement(prices.oracle)

	g, gctx := errgroup.WithContext(ctx)

	ticker := &market.Ticker{
		Source:      prices.source,
		Cache:       prices.cache,
		Bus:         a.bus,
		Instruments: a.catalog.IDs(),
		Interval:    cfg.TickInterval,
		Log:         a.log,
	}
	ticker.Start(gctx)
	a.log.Infof(i18n.M().TickerStarted)

	(&monitor.Monitor{Bus: a.bus, Metrics: a.metrics, Log: a.log}).Start(gctx)

	writer := persistence.NewBatchWriter(a.store, 500, cfg.MarkInterval, a.log)
	defer writer.Close()
	refresher := &valuation.Refresher{
		Store:    a.store,
		Oracle:   prices.oracle,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Log:      a.log,
		Interval: cfg.MarkInterval,
		Writer:   writer,
	}
	g.Go(func() error { return refresher.Run(gctx) })

	recon := reconciliation.NewService(svc, a.store, monitor.LogSink{Log: a.log}, cfg.ReconcileInterval, a.log)
	g.Go(func() error { return recon.Run(gctx) })

	a.registerGauges(svc, writer, prices)

	httpServer := api.NewServer(api.Deps{
		Settlement: svc,
		Users:      a.database,
		Catalog:    a.catalog,
		Oracle:     prices.oracle,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Log:        a.log,
		JWTSecret:  cfg.JWTSecret,
		Meta: api.SystemMeta{
			NodeID:      hostid.ID(),
			PriceSource: cfg.PriceSource,
			DBDriver:    cfg.DBDriver,
			Version:     Version,
		},
	}).HTTPServer(":" + cfg.Port)
	g.Go(func() error {
		a.log.Infof(i18n.M().ServerListening, cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorf(i18n.M().APIServerError, err)
			return err
		}
		return nil
	})

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		opts := []rpc.Option{rpc.WithTokens(auth.NewTokens(cfg.JWTSecret, auth.DefaultTTL))}
		if cfg.GRPCTrustUserHeader {
			a.log.Warnf("gRPC accepts %s without a token on %s", rpc.UserIDHeader, cfg.GRPCAddr)
			opts = append(opts, rpc.WithTrustedUserHeader())
		}
		grpcServer = rpc.NewServer(svc, a.bus, a.metrics, a.log, opts...).NewGRPCServer()
		g.Go(func() error {
			a.log.Infof(i18n.M().GRPCListening, cfg.GRPCAddr)
			return grpcServer.Serve(lis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Infof(i18n.M().ShuttingDown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			// Subscribe streams only end with their client; cut them off at the deadline.
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				grpcServer.Stop()
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *app) registerGauges(svc *settlement.Service, writer *persistence.BatchWriter, prices *priceStack) {
	a.metrics.RegisterGauge("active_locks", func() int64 { return int64(svc.ActiveLocks()) })
	a.metrics.RegisterGauge("bus_dropped_events", func() int64 { return int64(a.bus.Dropped()) })
	a.metrics.RegisterGauge("pending_marks", func() int64 { return int64(writer.Pending()) })
	a.metrics.RegisterGauge("cached_prices", func() int64 { return int64(prices.cache.Len()) })
}
