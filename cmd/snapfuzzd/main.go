// Command snapfuzzd drives one machine's worth of fuzzing workers
// against a FALKDUMP snapshot: one Session per invocation, one Worker
// goroutine per configured CPU, and (on worker 0) a background loop
// syncing coverage, inputs, and statistics with a fuzzing server.
//
// The virtualization primitive a real deployment would plug in is
// swapped here for internal/vmexit's
// in-process ScriptedDevice — useful for exercising the session/worker
// wiring end to end, but it has no guest of its own to run, so this
// binary is a smoke-test harness and a template for a real backend,
// not a standalone fuzzer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/falklabs/snapfuzz/internal/session"
	"github.com/falklabs/snapfuzz/internal/snapshot"
	"github.com/falklabs/snapfuzz/internal/stats"
	"github.com/falklabs/snapfuzz/internal/vmexit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "snapfuzzd",
		Short: "snapshot-based coverage-guided fuzzer core",
		Long: `snapfuzzd launches a session's worth of fuzzing workers against a
FALKDUMP snapshot, forking one copy-on-write guest backing per CPU and
driving each through the fast reset/run/collect-coverage loop.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

type runOpts struct {
	snapshotPath string
	serverAddr   string
	workers      int
	timeoutUS    uint64
	metricsAddr  string
	logLevel     string
}

func newRunCmd() *cobra.Command {
	var o runOpts

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start a worker pool against a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd.Context(), o)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&o.snapshotPath, "snapshot", "", "path to a FALKDUMP snapshot file (required)")
	flags.StringVar(&o.serverAddr, "server", "", "fuzzing server address (host:port); empty disables server sync")
	flags.IntVar(&o.workers, "workers", 1, "number of worker goroutines (one per target CPU)")
	flags.Uint64Var(&o.timeoutUS, "timeout-us", 0, "per-case wall-clock budget in microseconds (0 = none)")
	flags.StringVar(&o.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on; empty disables it")
	flags.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}

func runWorkers(ctx context.Context, o runOpts) error {
	level, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("snapfuzzd: %w", err)
	}
	log.SetLevel(level)

	snap, mf, err := snapshot.Load(o.snapshotPath)
	if err != nil {
		return fmt.Errorf("snapfuzzd: loading snapshot: %w", err)
	}
	defer mf.Close()

	sess := session.New(session.Config{
		TimeoutUS:  o.timeoutUS,
		ServerAddr: o.serverAddr,
	}, snap, uint64(time.Now().UnixNano()))

	reg := prometheus.NewRegistry()
	exporter := stats.NewExporter(reg)
	if o.metricsAddr != "" {
		go serveMetrics(o.metricsAddr, reg)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	for i := 0; i < o.workers; i++ {
		dev := vmexit.NewScriptedDevice()
		w := sess.NewWorker(dev)
		g.Go(func() error { return runWorkerLoop(gctx, w) })
	}

	if o.serverAddr != "" {
		g.Go(func() error { return sess.RunServerSync(gctx) })
	}

	g.Go(func() error { return reportLoop(gctx, sess, exporter) })

	log.WithFields(log.Fields{
		"session_id": sess.ID(),
		"workers":    o.workers,
		"snapshot":   o.snapshotPath,
	}).Info("snapfuzzd session starting")

	// sigCtx.Err() is non-nil only when shutdown was requested from
	// outside the group (a signal, or the caller's own ctx); any other
	// error means a worker or the sync loop genuinely failed.
	if err := g.Wait(); err != nil && sigCtx.Err() == nil {
		return err
	}
	return nil
}

// runWorkerLoop drives w's fuzz-case loop until ctx is cancelled. A
// ScriptedDevice running dry (vmexit.ErrNoExit) ends this worker's
// loop quietly rather than failing the whole group — it just means
// this reference Device has nothing further scripted to replay, not
// that the session is unhealthy.
func runWorkerLoop(ctx context.Context, w *session.Worker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		outcome, err := w.FuzzCase(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, vmexit.ErrNoExit) {
				log.WithField("worker", w.ID).Info("scripted device ran dry, worker exiting")
				return nil
			}
			log.WithFields(log.Fields{"worker": w.ID, "err": err}).Error("worker stopped on fatal vm exit")
			return err
		}
		switch outcome.Result {
		case session.ResultTimeout:
			log.WithField("worker", w.ID).Debug("fuzz case timed out")
		case session.ResultExit:
			if outcome.Reason != nil {
				log.WithFields(log.Fields{"worker": w.ID, "exit": outcome.Exit.Name, "reason": outcome.Reason}).Debug("fuzz case ended")
			}
		}
	}
}

func reportLoop(ctx context.Context, sess *session.Session, exporter *stats.Exporter) error {
	ticker := time.NewTicker(stats.SyncInterval)
	defer ticker.Stop()
	var last stats.Counters
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := sess.Stats.Snapshot()
			exporter.Observe(snap.Sub(last))
			last = snap
			log.WithFields(log.Fields{
				"fuzz_cases": snap.FuzzCases,
				"coverage":   sess.DB.Coverage.Len(),
				"corpus":     sess.DB.Inputs.Len(),
			}).Info("session statistics")
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics server exited")
	}
}
