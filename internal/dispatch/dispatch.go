// Package dispatch wires the Status Aggregator, Controller, and Command
// Pipeline into the single reconciliation loop the spec describes (§5): one
// goroutine ticks on PollFrequency, a second drains the command pipeline,
// both share one context cancelled by the process's signal handler. The
// shape — errgroup.WithContext supervising two long-lived goroutines, the
// first to fail cancels the other — follows dsort.go's
// extractLocalShards/errgroup.Go idiom; the tick body itself (aggregate
// status and write snapshots, read goal state, print a per-detector summary,
// decide) mirrors dispatcher.py's main loop.
package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xenonnt/dispatcher/internal/cfg"
	"github.com/xenonnt/dispatcher/internal/controller"
	"github.com/xenonnt/dispatcher/internal/metrics"
	"github.com/xenonnt/dispatcher/internal/mono"
	"github.com/xenonnt/dispatcher/internal/nlog"
	"github.com/xenonnt/dispatcher/internal/pipeline"
	"github.com/xenonnt/dispatcher/internal/status"
	"github.com/xenonnt/dispatcher/internal/store"
)

// Loop owns the reconciliation tick (spec §5). It is constructed once by
// cmd/dispatcher and run alongside the pipeline worker under one errgroup.
type Loop struct {
	Cfg        *cfg.Config
	Store      store.Gateway
	Aggregator *status.Aggregator
	Controller *controller.Controller
	Pipeline   *pipeline.Pipeline
	Metrics    *metrics.Registry // optional; nil disables instrumentation
	Clock      mono.Clock
}

// New wires an Aggregator, Controller, and Pipeline around gw. The TPC
// timeout-action check (spec §4.2) applies to Cfg.TPCDetector.
func New(c *cfg.Config, gw store.Gateway, m *metrics.Registry) *Loop {
	pl := pipeline.New(gw)
	ctrl := controller.New(c, gw, pl)
	ctrl.Metrics = m

	agg := &status.Aggregator{
		Cfg:         c,
		Store:       gw,
		TPCDetector: c.TPCDetector,
		PendingAge: func(host string) (time.Duration, bool) {
			age, ok, err := gw.OldestUnackedAge(host, mono.Real.Now())
			if err != nil {
				return 0, false
			}
			return age, ok
		},
	}

	return &Loop{
		Cfg: c, Store: gw, Aggregator: agg, Controller: ctrl, Pipeline: pl,
		Metrics: m, Clock: mono.Real,
	}
}

// Run drives the reconciliation tick on Cfg.PollFrequency until ctx is
// cancelled (spec §5: SIGINT/SIGTERM flips a shared flag, the loop exits at
// its next wakeup rather than mid-tick).
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.Cfg.PollFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	start := l.Clock.Now()
	if l.Metrics != nil {
		defer func() {
			l.Metrics.TickDuration.Observe(l.Clock.Now().Sub(start).Seconds())
		}()
	}

	results, timeouts, err := l.Aggregator.Tick(start)
	if err != nil {
		nlog.Warningf("dispatch: aggregator tick: %v", err)
		return
	}
	for _, t := range timeouts {
		nlog.Warningf("dispatch: timeout-action for %s: %s", t.Host, t.Reason)
	}

	goals, err := l.Store.ReadGoalState(detectorNames(results), l.Cfg.ControlKeys)
	if err != nil {
		nlog.Warningf("dispatch: read goal state: %v", err)
		return
	}

	for det, res := range results {
		goal := goals[det]
		if l.Cfg.Verbose {
			state := "INACTIVE"
			if goal.Active {
				state = "ACTIVE"
			}
			if res.RunNumber > 0 {
				nlog.Infof("dispatch: %s should be %s and is %s(%d)", det, state, res.Status, res.RunNumber)
			} else {
				nlog.Infof("dispatch: %s should be %s and is %s", det, state, res.Status)
			}
		}
		if l.Metrics != nil {
			l.Metrics.ObserveStatus(det, res.Status)
		}
	}

	l.Controller.Tick(results, goals)
}

func detectorNames(results map[string]status.Result) []string {
	names := make([]string, 0, len(results))
	for det := range results {
		names = append(names, det)
	}
	return names
}

// RunAll drives the reconciliation loop and the pipeline worker together,
// returning when either fails or ctx is cancelled (spec §5: both tasks exit
// at the next wakeup after a shared stop signal).
func RunAll(ctx context.Context, l *Loop) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return l.Run(gctx) })
	group.Go(func() error { return l.Pipeline.Run(gctx) })
	return group.Wait()
}
