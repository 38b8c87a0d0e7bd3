package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/phasegate/internal/metrics"
	"github.com/danielpatrickdp/phasegate/internal/rpc"
)

// #region serve

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the gRPC service and the metrics endpoint",
	Long: `Runs attractor discovery and intervention evaluation every
discovery.interval, serves signal recording and trajectory queries over gRPC
on server.grpc_addr and Prometheus metrics on server.metrics_addr. Action
gating is an in-process call and is not served.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lis net.Listener
	if addr := cfg.Server.GRPCAddr; addr != "" {
		if lis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx) })

	if lis != nil {
		addr := lis.Addr().String()
		srv := grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor(logger.Named("rpc"))))
		rpc.Register(srv, rpc.NewServer(e, cfg.Discovery.Params, logger.Named("rpc")))
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", addr))
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	if addr := cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", addr))
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdown)
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// #endregion serve
