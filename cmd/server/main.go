// Command server_sm is the out-of-process bridge server: it joins the
// shared-memory region its parent created, loads the wrapped model
// library, and runs the dispatch loop until the client frees the
// session.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fmibridge/remoting/internal/config"
	"github.com/fmibridge/remoting/internal/core"
	"github.com/fmibridge/remoting/internal/csadapter"
	"github.com/fmibridge/remoting/internal/metrics"
	"github.com/fmibridge/remoting/internal/platform"
	"github.com/fmibridge/remoting/internal/server"
	"github.com/fmibridge/remoting/internal/transport"
)

// argv: parent_pid session_key library_path n_reals n_integers n_booleans
func main() {
	if len(os.Args) != 7 {
		fmt.Fprintf(os.Stderr, "usage: %s <parent_pid> <session_key> <library_path> <n_reals> <n_integers> <n_booleans>\n", os.Args[0])
		os.Exit(2)
	}

	cfg := config.Get()

	parentPID, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fatal("server: bad parent_pid", err)
	}
	key := core.SessionKey(os.Args[2])
	libraryPath := os.Args[3]
	nReals := mustAtoi(os.Args[4], "n_reals")
	nIntegers := mustAtoi(os.Args[5], "n_integers")
	nBooleans := mustAtoi(os.Args[6], "n_booleans")

	slog.Info("server: starting", "session_key", key, "parent_pid", parentPID, "library", libraryPath)

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.NewMetrics()
	}

	layout := transport.ComputeLayout(nReals, nIntegers, nBooleans)
	region, err := transport.Join(cfg.Transport.BackingDir, key.MemoryName(), layout)
	if err != nil {
		fatal("server: joining region", err)
	}
	defer region.Unmap()

	parent := platform.AttachParent(parentPID)

	model, err := loadModel(libraryPath, cfg)
	if err != nil {
		fatal("server: loading model", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := server.New(region, parent.IsAlive, model, nReals, nIntegers, nBooleans, m)
	if err := loop.Run(ctx); err != nil {
		slog.Error("server: dispatch loop exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("server: exiting cleanly", "session_key", key)
}

// loadModel opens the wrapped library and resolves its Model symbol. A
// library that only implements model exchange (no DoStep) is detected by
// looking for a ModelExchange symbol instead and wrapping it in the BDF
// adapter, which supplies the integration layer the co-simulation
// bridge would otherwise assume the library already provides.
func loadModel(path string, cfg *config.Config) (server.Model, error) {
	lib, err := platform.LoadLibrary(path)
	if err != nil {
		return nil, err
	}

	if sym, symErr := lib.Symbol("Model"); symErr == nil {
		if m, ok := sym.(server.Model); ok {
			return m, nil
		}
		if ptr, ok := sym.(*server.Model); ok {
			return *ptr, nil
		}
	}

	sym, err := lib.Symbol("ModelExchange")
	if err != nil {
		return nil, fmt.Errorf("server: %s exports neither Model nor ModelExchange: %w", path, err)
	}

	me, ok := sym.(csadapter.ModelExchangeModel)
	if !ok {
		return nil, fmt.Errorf("server: %s's ModelExchange symbol does not implement csadapter.ModelExchangeModel", path)
	}
	base, ok := sym.(csadapter.BaseModel)
	if !ok {
		return nil, fmt.Errorf("server: %s's ModelExchange symbol does not implement csadapter.BaseModel", path)
	}

	igCfg := csadapter.Config{
		RelativeTolerance:   cfg.Integrator.RelativeTolerance,
		MinStep:             cfg.Integrator.MinStep,
		MaxOrder:            cfg.Integrator.MaxOrder,
		MaxNewtonIters:      cfg.Integrator.MaxNewtonIters,
		EventBisectionIters: cfg.Integrator.EventBisectionIters,
	}
	adapter := csadapter.NewAdapter(base, me, igCfg)
	return server.WrapModelExchangeAdapter(adapter), nil
}

func mustAtoi(s, field string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		fatal("server: bad "+field, err)
	}
	return n
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
