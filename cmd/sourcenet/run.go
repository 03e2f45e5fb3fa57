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

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/observability"
	"github.com/signalsfoundry/sourcenet-core/internal/savegame"
	"github.com/signalsfoundry/sourcenet-core/internal/scenario"
	"github.com/signalsfoundry/sourcenet-core/internal/sim"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the simulation clock",
	Long: `Run builds a world from a scenario file or a save slot and advances the
game clock in real time until interrupted. Prometheus metrics are served
on --metrics-addr, and with --watch the scenario file is re-applied
whenever it changes.`,
	RunE: runWorld,
}

func init() {
	flags := runCmd.Flags()
	flags.String("scenario", "", "scenario JSON file to load")
	flags.Bool("watch", false, "re-apply the scenario file when it changes")
	flags.String("slot", "", "restore this save slot instead of starting empty")
	flags.String("autosave", "", "save slot written on shutdown")
	flags.Float64("speed", 1, "game speed multiplier")
	flags.Duration("tick", 100*time.Millisecond, "real-time interval between clock advances")
	flags.String("policy", "fixed-at-schedule", "scheduler policy (fixed-at-schedule, virtual-deadline)")
	flags.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables")

	_ = v.BindPFlag("scenario_path", flags.Lookup("scenario"))
	_ = v.BindPFlag("watch_scenario", flags.Lookup("watch"))
	_ = v.BindPFlag("speed_multiplier", flags.Lookup("speed"))
	_ = v.BindPFlag("tick", flags.Lookup("tick"))
	_ = v.BindPFlag("scheduler_policy", flags.Lookup("policy"))
	_ = v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
}

func runWorld(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slot, _ := cmd.Flags().GetString("slot")
	autosave, _ := cmd.Flags().GetString("autosave")

	var store *savegame.Store
	if slot != "" || autosave != "" {
		var err error
		store, err = savegame.Open(cfg.SaveDB, savegame.WithLogger(log))
		if err != nil {
			return err
		}
		defer store.Close()
	}

	start := sim.DefaultStart
	var restored *savegame.Slot
	if slot != "" {
		loaded, err := store.Load(ctx, slot)
		switch {
		case errors.Is(err, savegame.ErrCorruptSlot):
			log.Warn(ctx, "continuing with an empty world", logging.String("slot", slot))
		case err != nil:
			return err
		}
		if !loaded.GameTime.IsZero() {
			start = loaded.GameTime
		}
		restored = &loaded
	}

	w, err := sim.New(
		sim.WithStart(start),
		sim.WithSpeed(cfg.SpeedMultiplier),
		sim.WithPolicy(cfg.Policy()),
		sim.WithLogger(log),
		sim.WithEventLog(),
	)
	if err != nil {
		return err
	}
	defer w.Close()

	if restored != nil {
		w.Registry.LoadSnapshot(ctx, restored.Snapshot)
	}

	if cfg.ScenarioPath != "" {
		sc, err := scenario.LoadFile(cfg.ScenarioPath)
		if err != nil {
			return err
		}
		if _, err := w.ApplyScenario(ctx, sc); err != nil {
			log.Warn(ctx, "scenario applied with errors", logging.Err(err))
		}
		if cfg.WatchScenario {
			watcher, err := scenario.NewWatcher(cfg.ScenarioPath, w.Registry,
				scenario.WithWatchLogger(log),
				scenario.WithApplyFunc(w.ApplyScenario),
			)
			if err != nil {
				return err
			}
			go func() {
				if err := watcher.Run(ctx); err != nil {
					log.Warn(ctx, "scenario watcher stopped", logging.Err(err))
				}
			}()
		}
	}

	metricsSrv := serveMetrics(cfg.MetricsAddr, w.Metrics)

	done := w.Run(ctx, cfg.Tick)
	<-ctx.Done()
	<-done
	log.Info(context.Background(), "shutting down", logging.String("game_time", w.Clock.Now().Format(time.RFC3339)))

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if autosave != "" {
		if err := store.Save(context.Background(), autosave, w.Clock.Now(), w.Registry.Snapshot()); err != nil {
			return fmt.Errorf("autosave: %w", err)
		}
	}
	return nil
}

func serveMetrics(addr string, collector *observability.WorldCollector) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
