package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/storage"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/watchdog"
)

// Run starts the long-running executor daemon: the execution-mode poller,
// startup recovery of in-flight intents, the pending-intent watchdog, and
// the metrics endpoint.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	crd, closeCoord := a.openCoord(ctx)
	defer closeCoord()

	manager := a.newModeManager(crd)
	engine, err := a.buildEngine(store, crd, manager)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.RunPoller(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("mode poller stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Only one instance may resume in-flight intents, or two daemons
		// would race replacements for the same nonce.
		unlock, acquired, err := store.TryAdvisoryLock(ctx, storage.RecoveryLockKey)
		if err != nil {
			a.Logger.Error().Err(err).Msg("recovery lock unavailable")
			return
		}
		if !acquired {
			a.Logger.Info().Msg("another instance holds the recovery lock, skipping recovery")
			return
		}
		defer unlock()

		n, err := engine.RecoverInFlight(ctx)
		if err != nil {
			a.Logger.Error().Err(err).Msg("in-flight recovery failed")
			return
		}
		if n > 0 {
			a.Logger.Info().Int("intents", n).Msg("in-flight recovery finished")
		}
	}()

	dog := watchdog.New(watchdog.Options{
		Interval:     a.Config.Watchdog.SweepInterval,
		MaxAge:       a.Config.Watchdog.PendingAge,
		StartupDelay: a.Config.Watchdog.StartupDelay,
	}, store, a.Logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dog.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("ledger watchdog stopped")
		}
	}()

	var metricsSrv *http.Server
	if a.Config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: a.Config.Metrics.ListenAddr, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Logger.Info().Str("addr", metricsSrv.Addr).Msg("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	a.Logger.Info().
		Str("mode", manager.CurrentMode()).
		Str("environment", a.Config.App.Environment).
		Msg("executor daemon started")

	<-ctx.Done()
	a.Logger.Info().Msg("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancelShutdown()
	}
	wg.Wait()

	a.Logger.Info().Msg("executor daemon stopped")
	return nil
}
