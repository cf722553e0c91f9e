package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sportbond/competition-api/internal/repository"
	"github.com/sportbond/competition-api/internal/service"
	"github.com/sportbond/competition-api/pkg/cache"
	"github.com/sportbond/competition-api/pkg/config"
	"github.com/sportbond/competition-api/pkg/database"
	"github.com/sportbond/competition-api/pkg/logger"
	"github.com/sportbond/competition-api/pkg/metrics"
	"github.com/sportbond/competition-api/pkg/wakeup"
)

// The worker always exits 0: a failed run is retried by the next scheduled
// invocation and must not look like a scheduling failure.
func main() {
	var quick bool
	var stopExactly int

	cmd := &cobra.Command{
		Use:          "competition-worker <duration-minutes>",
		Short:        "Process competition mutation records in the background",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, err := strconv.Atoi(args[0])
			if err != nil || duration < 1 || duration > 60 {
				return fmt.Errorf("duration must be 1..60 minutes, got %q", args[0])
			}
			run(duration, quick, stopExactly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&quick, "quick", false, "interpret the duration as seconds, for fast test cycles")
	cmd.Flags().IntVar(&stopExactly, "stop-exactly", -1, "stop at this wall-clock minute (0-59) when it falls inside the duration")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(0)
}

func run(durationMinutes int, quick bool, stopExactly int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return
	}

	logr, err := logger.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		return
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Error("database unavailable", zap.Error(err))
		return
	}
	defer db.Close()

	sync := wakeup.New(cfg.Worker.WakePort)
	defer sync.Close()

	mutations := repository.NewMutationRepository(db)
	competitions := repository.NewCompetitionRepository(db)
	tasks := repository.NewTaskRepository(db)

	teamRounds := service.NewTeamRoundService(competitions, tasks, logr)

	reg := prometheus.NewRegistry()
	workerMetrics := metrics.NewWorkerMetrics(reg)

	opts := []service.MutationWorkerOption{
		service.WithWorkerMetrics(workerMetrics),
		service.WithPollInterval(cfg.Worker.PollInterval),
	}

	if client, err := cache.NewRedis(cfg.Redis); err != nil {
		logr.Warn("redis unavailable, heartbeat disabled", zap.Error(err))
	} else {
		defer client.Close()
		heartbeat := cache.NewHeartbeat(client, cfg.Worker.HeartbeatKey, cfg.Worker.HeartbeatTTL)
		opts = append(opts, service.WithWorkerHeartbeat(heartbeat))
	}

	if cfg.Worker.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Worker.MetricsPort), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logr.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	worker := service.NewMutationWorker(mutations, sync, []service.MutationHandler{teamRounds}, logr, opts...)

	stopAt := stopTime(time.Now(), durationMinutes, quick, stopExactly, cfg.Worker.StopMargin)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker.Run(ctx, stopAt)
}

// stopTime computes the hard wall-clock deadline for this invocation. The
// margin keeps the process from overlapping its next scheduled instance. In
// quick mode the duration counts seconds so tests finish fast.
func stopTime(now time.Time, durationMinutes int, quick bool, stopExactly int, margin time.Duration) time.Time {
	if quick {
		return now.Add(time.Duration(durationMinutes) * time.Second)
	}

	stopAt := now.Add(time.Duration(durationMinutes)*time.Minute - margin)

	if stopExactly >= 0 && stopExactly < 60 {
		delta := stopExactly - now.Minute()
		if delta < 0 {
			delta += 60
		}
		if delta != 0 {
			exact := now.Add(time.Duration(delta) * time.Minute).Truncate(time.Minute)
			if exact.Before(stopAt) {
				stopAt = exact
			}
		}
	}

	return stopAt
}
