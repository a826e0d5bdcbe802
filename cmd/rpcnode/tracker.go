package main

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"query-rpc/server"
	"query-rpc/tracker"
)

var trackerArgs struct {
	expiry time.Duration
}

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "serve the ResourceTracker contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		registerMetrics()

		reg, err := cfg.OpenRegistry(log)
		if err != nil {
			return err
		}
		defer reg.Close()

		tr := tracker.New(tracker.WithLogger(log), tracker.WithExpiry(trackerArgs.expiry))
		opts := append(cfg.ServerOptions(log), server.WithRegistry(reg, cfg.Server.Advertise, cfg.Registry.TTL))
		srv, err := server.New(tr.ServiceDesc(), opts...)
		if err != nil {
			return err
		}
		l, err := net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", cfg.Server.Listen)
		}

		ctx, stop := signalContext()
		defer stop()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Serve(l) })
		g.Go(func() error { return tr.Run(ctx) })
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Listen, log) })
		g.Go(func() error {
			<-ctx.Done()
			log.Info("shutting down")
			return srv.Shutdown(10 * time.Second)
		})
		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			log.Error("tracker stopped", zap.Error(err))
		}
		return err
	},
}

func init() {
	trackerCmd.Flags().DurationVar(&trackerArgs.expiry, "expiry", tracker.DefaultExpiry, "silence after which a worker is considered gone")
}
