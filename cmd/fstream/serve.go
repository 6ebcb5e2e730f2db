package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/bobg/fstream/rpc"
	"github.com/bobg/fstream/service"
)

func (c maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		root    = fs.String("root", c.conf.Root, "directory for blob files")
		addr    = fs.String("addr", c.conf.Listen, "address to listen on")
		metrics = fs.String("metrics", c.conf.Metrics, "address for the /metrics endpoint (empty for none)")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := c.conf.serviceOptions()
	opts.Logger = c.logger.Named("service")
	opts.Registerer = prometheus.DefaultRegisterer

	svc, err := service.New(*root, opts)
	if err != nil {
		return errors.Wrapf(err, "opening cache in %s", *root)
	}
	defer svc.Close()

	gs := grpc.NewServer()
	rpc.NewServer(svc, c.logger.Named("rpc")).Register(gs)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", *addr)
	}
	defer lis.Close()

	if *metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		hs := &http.Server{Addr: *metrics, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer hs.Close()
	}

	c.logger.Info("listening", zap.Stringer("addr", lis.Addr()), zap.String("root", *root), zap.String("metrics", *metrics))

	go func() {
		<-ctx.Done()
		c.logger.Info("shutting down")
		gs.GracefulStop()
	}()

	if err = gs.Serve(lis); err != nil {
		return errors.Wrap(err, "serving")
	}

	// The cache does not outlive the server.
	return svc.Stop(context.Background())
}
