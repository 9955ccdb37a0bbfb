// Command engine is the process entrypoint: it loads configuration, opens
// the durable store, wires pkg/engine, and serves the control API until
// signalled to stop. It follows the shape of the teacher's cmd/controller
// main.go (flag parsing, Validate-or-panic, a background server, a
// context cancelled on shutdown signal) without the Kubernetes manager
// this domain has no use for.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	engineclock "github.com/jobscout/pipeline-engine/pkg/clock"
	"github.com/jobscout/pipeline-engine/pkg/controlapi"
	"github.com/jobscout/pipeline-engine/pkg/engine"
	"github.com/jobscout/pipeline-engine/pkg/logging"
	"github.com/jobscout/pipeline-engine/pkg/options"
	"github.com/jobscout/pipeline-engine/pkg/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	opts := options.Parse()
	if err := opts.Validate(); err != nil {
		panic(fmt.Sprintf("engine: invalid configuration: %s", err.Error()))
	}

	log := logging.NewOrDie(opts.LogLevel, "engine")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, log)

	db, err := store.Open(opts.PostgresDSN)
	if err != nil {
		log.Fatalw("failed to open postgres connection", "error", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalw("failed to apply migrations", "error", err)
	}

	eng, err := engine.New(db, opts, engineclock.RealClock)
	if err != nil {
		log.Fatalw("failed to wire engine", "error", err)
	}
	if err := eng.RecoverOnStartup(ctx); err != nil {
		log.Fatalw("failed to recover in-flight runs from a previous process", "error", err)
	}

	go eng.Run(ctx)

	api := &controlapi.API{Engine: eng, Subscription: db.GetSubscription}
	server := &http.Server{Addr: opts.ControlAddr, Handler: api.Router()}
	go func() {
		log.Infow("control API listening", "addr", opts.ControlAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("control API server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("control API did not shut down cleanly", "error", err)
	}
}
