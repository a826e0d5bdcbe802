package main

import (
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"query-rpc/client"
	"query-rpc/loadbalance"
	"query-rpc/registry"
	"query-rpc/tracker"
	"query-rpc/transport"
)

var workerArgs struct {
	tracker   string
	host      string
	interval  time.Duration
	balancer  string
	memoryMB  int
	diskSlots int
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "heartbeat to the ResourceTracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerArgs.interval <= 0 {
			return errors.Errorf("--interval must be positive, got %s", workerArgs.interval)
		}
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()
		registerMetrics()

		var reg registry.Registry
		if workerArgs.tracker != "" {
			reg = registry.NewStaticRegistry(map[string][]string{tracker.ServiceName: {workerArgs.tracker}})
		} else if reg, err = cfg.OpenRegistry(log); err != nil {
			return err
		}
		defer reg.Close()

		bal, err := loadbalance.New(workerArgs.balancer)
		if err != nil {
			return err
		}
		pool := transport.NewPool(cfg.TransportOptions(log.Named("transport")))
		defer pool.CloseAll()
		cli := client.New(reg, bal, pool, tracker.ServiceName, client.WithLogger(log))
		defer cli.Close()

		host := workerArgs.host
		if host == "" {
			if host, err = os.Hostname(); err != nil {
				return err
			}
		}
		status := func() *tracker.ServerStatus {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return &tracker.ServerStatus{
				MemoryMB:  workerArgs.memoryMB,
				CPUCores:  runtime.NumCPU(),
				DiskSlots: workerArgs.diskSlots,
				Heap: tracker.HeapStatus{
					Max:   int64(ms.Sys),
					Free:  int64(ms.HeapIdle),
					Total: int64(ms.HeapSys),
				},
			}
		}
		hb := tracker.NewHeartbeater(tracker.NewClient(cli), tracker.ConnectionInfo{Host: host}, workerArgs.interval, status, log)

		ctx, stop := signalContext()
		defer stop()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return hb.Run(ctx) })
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Listen, log) })
		return g.Wait()
	},
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerArgs.tracker, "tracker", "", "tracker address; discovered through the registry when empty")
	f.StringVar(&workerArgs.host, "host", "", "host name reported to the tracker (default: os hostname)")
	f.DurationVar(&workerArgs.interval, "interval", tracker.DefaultInterval, "heartbeat interval")
	f.StringVar(&workerArgs.balancer, "balancer", "consistent_hash", "tracker replica selection: round_robin, weighted_random or consistent_hash")
	f.IntVar(&workerArgs.memoryMB, "memory-mb", tracker.DefaultResources.MemoryMB, "memory offered to the cluster")
	f.IntVar(&workerArgs.diskSlots, "disk-slots", tracker.DefaultResources.DiskSlots, "disk slots offered to the cluster")
}
