// Package controller is the reconciliation state machine (spec §4.4): one
// Controller instance owns every detector's cooldown/retry bookkeeping, the
// way reb.Reb owns rebalance stage/counters for the whole cluster rather
// than scattering them across package-level state (reb/status.go).
package controller

import (
	"strings"
	"time"

	"github.com/xenonnt/dispatcher/internal/cfg"
	"github.com/xenonnt/dispatcher/internal/dispatcherr"
	"github.com/xenonnt/dispatcher/internal/metrics"
	"github.com/xenonnt/dispatcher/internal/mono"
	"github.com/xenonnt/dispatcher/internal/nlog"
	"github.com/xenonnt/dispatcher/internal/pipeline"
	"github.com/xenonnt/dispatcher/internal/status"
	"github.com/xenonnt/dispatcher/internal/store"
)

// EnqueueRequest is an alias kept for readability at controller call sites;
// the wire type is owned by internal/pipeline, the lower-level component
// (spec §2 orders Command Pipeline below Controller).
type EnqueueRequest = pipeline.EnqueueRequest

// Enqueuer is the command pipeline's inbound face, kept as a narrow
// interface here so controller depends on pipeline's type, not its worker
// goroutine or store handle (spec §9: cyclic references resolved by
// interfaces passed at construction).
type Enqueuer interface {
	Enqueue(req EnqueueRequest) error
}

type detectorState struct {
	lastCommand      map[store.Command]time.Time
	errorStopCount   int
	canForceStop     bool
	pendingRunNumber int
	haveRunNumber    bool // true while an allocated run number awaits a successful arm enqueue (§9 open question d)
}

func newDetectorState(now time.Time) *detectorState {
	ds := &detectorState{lastCommand: map[store.Command]time.Time{}, canForceStop: true}
	for _, c := range []store.Command{store.CmdArm, store.CmdStart, store.CmdStop} {
		ds.lastCommand[c] = now
	}
	return ds
}

// Controller is constructed once per process and ticked by the
// reconciliation loop (internal/dispatch).
type Controller struct {
	Cfg     *cfg.Config
	Store   store.Gateway
	Enqueue Enqueuer
	Clock   mono.Clock
	Metrics *metrics.Registry // optional; nil disables instrumentation

	states map[string]*detectorState
}

func New(c *cfg.Config, gw store.Gateway, enq Enqueuer) *Controller {
	return &Controller{Cfg: c, Store: gw, Enqueue: enq, Clock: mono.Real, states: map[string]*detectorState{}}
}

func (c *Controller) state(detector string) *detectorState {
	st, ok := c.states[detector]
	if !ok {
		st = newDetectorState(c.Clock.Now())
		c.states[detector] = st
	}
	return st
}

// Tick runs the decision table once for every logical detector the status
// aggregator reported this tick (spec §4.4).
func (c *Controller) Tick(results map[string]status.Result, goals map[string]store.GoalState) {
	now := c.Clock.Now()

	for det, res := range results {
		if res.Status == store.IDLE {
			st := c.state(det)
			st.errorStopCount = 0
			st.canForceStop = true
		}
	}

	for det, res := range results {
		goal, ok := goals[det]
		if !ok {
			continue
		}
		c.solve(det, res, goal, now)
	}
}

func (c *Controller) solve(det string, res status.Result, goal store.GoalState, now time.Time) {
	if !goal.Active {
		switch res.Status {
		case store.ARMING, store.ARMED, store.RUNNING, store.ERROR, store.UNKNOWN:
			c.stopGently(det, res, goal, now)
		case store.TIMEOUT:
			c.checkTimeouts(det, res, goal, now, "")
		}
		return
	}

	st := c.state(det)
	switch res.Status {
	case store.RUNNING:
		c.checkRunTurnover(det, res, goal, now)
	case store.ARMED:
		c.control(store.CmdStart, det, res, goal, now, false)
	case store.IDLE:
		c.control(store.CmdArm, det, res, goal, now, false)
	case store.ARMING:
		c.checkTimeouts(det, res, goal, now, store.CmdArm)
	case store.ERROR:
		force := st.canForceStop
		c.control(store.CmdStop, det, res, goal, now, force)
		st.canForceStop = false
	default:
		c.checkTimeouts(det, res, goal, now, "")
	}
}

func (c *Controller) stopGently(det string, res status.Result, goal store.GoalState, now time.Time) {
	if res.Status == store.RUNNING && goal.FinishRunOnStop {
		c.checkRunTurnover(det, res, goal, now)
		return
	}
	c.control(store.CmdStop, det, res, goal, now, false)
}

func (c *Controller) timeoutFor(cmd store.Command) time.Duration {
	switch cmd {
	case store.CmdArm:
		return c.Cfg.ArmCommandTimeout
	case store.CmdStart:
		return c.Cfg.StartCommandTimeout
	default:
		return c.Cfg.StopCommandTimeout
	}
}

// adjacentCommand is the command that must have cooled down by
// TimeBetweenCommands before cmd may be sent (spec §4.4 control()).
func adjacentCommand(cmd store.Command) (store.Command, bool) {
	switch cmd {
	case store.CmdStart:
		return store.CmdArm, true
	case store.CmdArm:
		return store.CmdStop, true
	default:
		return "", false
	}
}

func splitHosts(boards []store.Board, digiType, ccType string) (readers, controllers []string) {
	for _, b := range boards {
		switch {
		case strings.Contains(b.Type, digiType):
			readers = append(readers, b.Host)
		case strings.Contains(b.Type, ccType):
			controllers = append(controllers, b.Host)
		}
	}
	return readers, controllers
}

// control issues cmd to det, gated by its cooldown and the adjacent
// command's minimum gap (spec §4.4, P3).
func (c *Controller) control(cmd store.Command, det string, res status.Result, goal store.GoalState, now time.Time, force bool) {
	st := c.state(det)

	if !force {
		dtSinceLast := now.Sub(st.lastCommand[cmd])
		dtSinceAdjacent := 2 * c.Cfg.TimeBetweenCommands
		if adj, ok := adjacentCommand(cmd); ok {
			dtSinceAdjacent = now.Sub(st.lastCommand[adj])
		}
		if !(dtSinceLast > c.timeoutFor(cmd) && dtSinceAdjacent > c.Cfg.TimeBetweenCommands) {
			nlog.Infof("controller: %s to %s blocked by cooldown, %.1fs/%s",
				cmd, det, dtSinceLast.Seconds(), c.timeoutFor(cmd))
			if c.Metrics != nil {
				c.Metrics.CooldownBlocks.WithLabelValues(det, string(cmd)).Inc()
			}
			return
		}
	}

	mode, err := c.Store.ReadRunMode(goal.Mode)
	if err != nil {
		nlog.Warningf("controller: resolve mode for %s: %v", det, err)
		return
	}
	readers, ccHosts := splitHosts(mode.Boards, c.Cfg.DigiType(), c.Cfg.CCType())
	if len(readers) == 0 && len(ccHosts) == 0 {
		nlog.Warningf("controller: run mode %s resolves no hosts for %s", goal.Mode, det)
		return
	}

	if cmd == store.CmdStop && !force {
		acked, aerr := c.Store.ReadAck(det, store.CmdStop)
		if aerr != nil {
			nlog.Warningf("controller: %v", aerr)
			return
		}
		if !acked {
			nlog.Warningf("controller: %s hasn't ack'd its previous stop, not flogging a dead horse", det)
			return
		}
	}

	var groups [][]string
	var delay float64
	switch cmd {
	case store.CmdStart, store.CmdArm:
		groups = [][]string{concat(readers, ccHosts)}
	case store.CmdStop:
		if force {
			groups = [][]string{concat(readers, ccHosts)}
		} else {
			// crate controller must see stop first (glossary); readers
			// follow after the delay.
			groups = [][]string{ccHosts, readers}
			delay = 5
		}
	}

	var runNumber int
	var options map[string]interface{}
	if cmd == store.CmdArm {
		if st.haveRunNumber {
			runNumber = st.pendingRunNumber
		} else {
			n, aerr := c.Store.AllocateRunNumber()
			if aerr != nil || n == store.NoNewRun {
				nlog.Warningf("controller: allocate run number for %s: %v", det, aerr)
				return
			}
			runNumber = n
			st.pendingRunNumber = n
			st.haveRunNumber = true
		}
		options = map[string]interface{}{"number": runNumber}
	}

	req := EnqueueRequest{
		Detector: det, Command: cmd, Mode: goal.Mode, User: goal.User,
		Groups: groups, DelaySeconds: delay, OptionsOverride: options,
		AckHost: primaryHost(ccHosts),
	}
	if err := c.Enqueue.Enqueue(req); err != nil {
		nlog.Warningf("controller: enqueue %s for %s: %v", cmd, det, err)
		return
	}
	st.lastCommand[cmd] = now
	if c.Metrics != nil {
		c.Metrics.CommandsPublished.WithLabelValues(det, string(cmd)).Inc()
	}

	switch cmd {
	case store.CmdArm:
		st.haveRunNumber = false
		doc := store.RunDoc{
			Number:    runNumber,
			Detectors: mode.Detectors,
			User:      goal.User,
			Mode:      goal.Mode,
			DAQConfig: mode,
		}
		if goal.Comment != "" {
			doc.Comments = []store.RunComment{{User: goal.User, Date: now, Comment: goal.Comment}}
		}
		if err := c.Store.CreateRunDoc(doc); err != nil {
			nlog.Warningf("controller: create run doc for %s: %v", det, err)
		}
	case store.CmdStart:
		go c.bookkeepStart(det, res.RunNumber, ccHosts)
	case store.CmdStop:
		go c.bookkeepStop(det, res.RunNumber, force, ccHosts)
	}
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// checkTimeouts decides whether a command that should have been
// acknowledged by now needs escalation (spec §4.4, P4).
func (c *Controller) checkTimeouts(det string, res status.Result, goal store.GoalState, now time.Time, hint store.Command) {
	st := c.state(det)
	cmd := hint
	if cmd == "" {
		cmd = c.mostRecentCommand(det)
	}

	timeout := c.timeoutFor(cmd)
	if cmd == store.CmdStop {
		timeout = timeout * time.Duration(st.errorStopCount+1)
	}

	if now.Sub(st.lastCommand[cmd]) < timeout {
		return
	}

	if cmd == store.CmdStop {
		if st.errorStopCount >= c.Cfg.RetryReset {
			_ = c.Store.WriteLog((&dispatcherr.StopStuck{Detector: det}).Error(), store.PriorityError, "STOP_TIMEOUT")
			if c.Metrics != nil {
				c.Metrics.StopRetriesExhaust.WithLabelValues(det).Inc()
			}
			st.errorStopCount = 0
			return
		}
		st.errorStopCount++
		if c.Metrics != nil {
			c.Metrics.StopRetriesSpent.WithLabelValues(det).Inc()
		}
		c.control(store.CmdStop, det, res, goal, now, false)
		return
	}

	var logErr error
	if cmd == store.CmdArm {
		logErr = &dispatcherr.ArmTimeout{Detector: det}
	} else {
		logErr = &dispatcherr.StartTimeout{Detector: det}
	}
	_ = c.Store.WriteLog(logErr.Error(), store.PriorityError, strings.ToUpper(string(cmd))+"_TIMEOUT")
	c.control(store.CmdStop, det, res, goal, now, false)
}

func (c *Controller) mostRecentCommand(det string) store.Command {
	st := c.state(det)
	best := store.CmdArm
	bestT := st.lastCommand[store.CmdArm]
	for _, cmd := range []store.Command{store.CmdStart, store.CmdStop} {
		if st.lastCommand[cmd].After(bestT) {
			bestT = st.lastCommand[cmd]
			best = cmd
		}
	}
	return best
}

// checkRunTurnover issues a stop once the current run has exceeded its
// configured duration (spec §4.4).
func (c *Controller) checkRunTurnover(det string, res status.Result, goal store.GoalState, now time.Time) {
	if !goal.HasStopAfter {
		return
	}
	start, ok, err := c.Store.GetRunStart(res.RunNumber)
	if err != nil || !ok {
		return
	}
	if now.Sub(start) > time.Duration(goal.StopAfterMinutes)*time.Minute {
		c.control(store.CmdStop, det, res, goal, now, false)
	}
}

func primaryHost(hosts []string) string {
	if len(hosts) == 0 {
		return ""
	}
	return hosts[0]
}

// bookkeepStop runs after a stop's enqueue succeeds (spec §4.4 "Run-end
// bookkeeping"): it waits 2 s (about the crate controller's own polling
// cadence), reads the crate controller's ack time once, then closes out the
// run doc and annotates its aggregated rate.
func (c *Controller) bookkeepStop(det string, runNumber int, force bool, ccHosts []string) {
	time.Sleep(2 * time.Second)
	cc := primaryHost(ccHosts)
	end, ok, err := c.Store.ReadAckTime(det, store.CmdStop, cc)
	messy := force
	if err != nil || !ok {
		end = time.Now().UTC().Add(-time.Second)
		messy = true
	}
	if err := c.Store.SetRunEnd(runNumber, end, messy); err != nil {
		nlog.Warningf("controller: set run end for %s run %d: %v", det, runNumber, err)
		return
	}
	rates, err := c.Store.AggregateRates(runNumber)
	if err != nil {
		nlog.Warningf("controller: aggregate rates for run %d: %v", runNumber, err)
		return
	}
	if err := c.Store.AnnotateRunRate(runNumber, rates); err != nil {
		nlog.Warningf("controller: annotate run rate for run %d: %v", runNumber, err)
	}
}

// bookkeepStart mirrors bookkeepStop for the paired start that follows a
// successful arm.
func (c *Controller) bookkeepStart(det string, runNumber int, ccHosts []string) {
	time.Sleep(2 * time.Second)
	cc := primaryHost(ccHosts)
	start, ok, err := c.Store.ReadAckTime(det, store.CmdStart, cc)
	messy := false
	if err != nil || !ok {
		start = time.Now().UTC().Add(-2 * time.Second)
		messy = true
	}
	if err := c.Store.SetRunStart(runNumber, start, messy); err != nil {
		nlog.Warningf("controller: set run start for %s run %d: %v", det, runNumber, err)
	}
}
