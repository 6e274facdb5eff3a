// Package main is the dispatcher process entrypoint: load configuration,
// open the store, wire the reconciliation loop, and run until signalled to
// stop. The overall shape — env-driven config load, fatal-on-misconfig
// helper, buntdb-backed local database, signal handler, flush-then-close on
// exit — follows cmd/authn/main.go; the tick-loop/pipeline pairing follows
// dispatcher.py's SignalHandler+while-loop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xenonnt/dispatcher/internal/cfg"
	"github.com/xenonnt/dispatcher/internal/dispatch"
	"github.com/xenonnt/dispatcher/internal/metrics"
	"github.com/xenonnt/dispatcher/internal/nlog"
	"github.com/xenonnt/dispatcher/internal/store"
)

func exitLogf(format string, args ...any) {
	nlog.Errorf(format, args...)
	nlog.Close()
	os.Exit(1)
}

func main() {
	c, err := cfg.Load()
	if err != nil {
		exitLogf("configuration: %v", err)
	}
	cfg.Global = c

	if err := nlog.Init(os.Getenv("DISPATCHER_LOG_DIR"), c.LogName); err != nil {
		exitLogf("logger init: %v", err)
	}
	if c.Verbose {
		nlog.SetAlsoStderr(true)
	}
	defer nlog.Close()

	nlog.Infof("dispatcher starting, poll frequency %s, %d configured detectors",
		c.PollFrequency, len(c.MasterDAQConfig))

	gw, err := store.Open(c.DBPath)
	if err != nil {
		exitLogf("open store %q: %v", c.DBPath, err)
	}
	defer gw.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	loop := dispatch.New(c, gw, m)

	metricsAddr := os.Getenv("DISPATCHER_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9201"
	}
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nlog.Warningf("metrics server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = dispatch.RunAll(ctx, loop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err != nil {
		exitLogf("dispatcher: %v", err)
	}
	nlog.Infof("dispatcher stopped")
}
