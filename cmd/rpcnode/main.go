// Command rpcnode runs a query-rpc node: either the resource tracker or a
// worker heartbeating to it.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"query-rpc/codec"
	"query-rpc/config"
	"query-rpc/logging"
	"query-rpc/server"
	"query-rpc/tracker"
	"query-rpc/transport"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:           "rpcnode",
	Short:         "query-rpc cluster node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path")
	rootCmd.AddCommand(trackerCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger every subcommand
// needs.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Codec().Type() != codec.CodecTypeJSON {
		return nil, nil, errors.Errorf("the ResourceTracker contract needs the json codec, got %s", cfg.Codec().Type())
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func registerMetrics() {
	transport.RegisterMetrics(prometheus.DefaultRegisterer)
	server.RegisterMetrics(prometheus.DefaultRegisterer)
	tracker.RegisterMetrics(prometheus.DefaultRegisterer)
}

// serveMetrics exposes /metrics on listen until ctx is done. An empty
// listen address disables it.
func serveMetrics(ctx context.Context, listen string, log *zap.Logger) error {
	if listen == "" {
		return nil
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrapf(err, "metrics listen on %s", listen)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info("serving metrics", zap.Stringer("addr", l.Addr()))
	if err := srv.Serve(l); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}
