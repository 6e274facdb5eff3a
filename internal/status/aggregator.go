package status

import (
	"strings"
	"time"

	"github.com/xenonnt/dispatcher/internal/cfg"
	"github.com/xenonnt/dispatcher/internal/dispatcherr"
	"github.com/xenonnt/dispatcher/internal/nlog"
	"github.com/xenonnt/dispatcher/internal/store"
)

// TimeoutAction is the event surfaced for a TPC host that looks stuck (spec
// §4.2): consumed by an external hypervisor collaborator outside this
// module's scope, so the aggregator only records that it happened.
type TimeoutAction struct {
	Host   string
	Reason string
}

// Result is one logical detector's folded status for this tick.
type Result struct {
	Group       Group
	Status      store.Status
	RunNumber   int
	Mode        string
	Rate        float64
	BufferBytes int64
	PLLUnlocks  int64
}

// PendingCommandAge reports how long ago the oldest unacknowledged command
// was published for host, if any. internal/dispatch wires it to
// Gateway.OldestUnackedAge; nil disables signal (b) of the TPC
// timeout-action check.
type PendingCommandAge func(host string) (time.Duration, bool)

// Aggregator is the Status Aggregator (spec §4.2), constructed once and
// ticked by the reconciliation loop.
type Aggregator struct {
	Cfg        *cfg.Config
	Store      store.Gateway
	PendingAge PendingCommandAge

	// TPCDetector names which configured physical detector gets the
	// timeout-action check; the original hardcodes this to the TPC.
	TPCDetector string
}

func (a *Aggregator) physicalDetectors() []string {
	names := make([]string, 0, len(a.Cfg.MasterDAQConfig))
	for d := range a.Cfg.MasterDAQConfig {
		names = append(names, d)
	}
	return names
}

func (a *Aggregator) allHosts() []string {
	seen := map[string]bool{}
	var hosts []string
	for _, entry := range a.Cfg.MasterDAQConfig {
		for _, h := range entry.Readers {
			if !seen[h] {
				seen[h] = true
				hosts = append(hosts, h)
			}
		}
		for _, h := range entry.Controller {
			if !seen[h] {
				seen[h] = true
				hosts = append(hosts, h)
			}
		}
	}
	return hosts
}

// Tick reads goal state and heartbeats, computes the current logical
// grouping, folds per-host status into a Result per logical detector, and
// writes one aggregate snapshot per physical detector into the store. It
// returns the folded results keyed by logical group name and any
// timeout-action signals observed.
func (a *Aggregator) Tick(now time.Time) (map[string]Result, []TimeoutAction, error) {
	physical := a.physicalDetectors()

	goals, err := a.Store.ReadGoalState(physical, a.Cfg.ControlKeys)
	if err != nil {
		return nil, nil, dispatcherr.NewTransient("Tick/ReadGoalState", err)
	}

	heartbeats, err := a.Store.ReadHeartbeats(a.allHosts())
	if err != nil {
		return nil, nil, dispatcherr.NewTransient("Tick/ReadHeartbeats", err)
	}

	hostStatus := make(map[string]store.Status, len(heartbeats))
	var timeouts []TimeoutAction
	for host, hb := range heartbeats {
		st, perr := ClassifyHost(hb, now, a.Cfg.ClientTimeout)
		if perr != nil {
			nlog.Warningf("status: %v", perr)
		}
		hostStatus[host] = st

		if !a.isTPCHost(host) {
			continue
		}
		if hb.AgeSeconds(now) > a.Cfg.TimeoutActionThreshold.Seconds() {
			timeouts = append(timeouts, TimeoutAction{Host: host, Reason: "stale heartbeat"})
			continue
		}
		if a.PendingAge != nil {
			if age, ok := a.PendingAge(host); ok && age > a.Cfg.ClientTimeout {
				timeouts = append(timeouts, TimeoutAction{Host: host, Reason: "unacknowledged command"})
			}
		}
	}

	modeNames := map[string]bool{}
	for _, g := range goals {
		if g.Mode != "" {
			modeNames[g.Mode] = true
		}
	}
	modes := map[string]store.RunModeDoc{}
	for name := range modeNames {
		doc, merr := a.Store.ReadRunMode(name)
		if merr != nil {
			nlog.Warningf("status: run mode %s: %v", name, merr)
			continue
		}
		modes[name] = doc
	}

	modeByDetector := map[string]store.RunModeDoc{}
	for d, g := range goals {
		modeByDetector[d] = modes[g.Mode]
	}

	groups := GroupDetectors(physical, goals, modeByDetector, a.TPCDetector)

	results := make(map[string]Result, len(groups))
	for _, g := range groups {
		rep := goals[g.Name]
		mode := modes[rep.Mode]

		boards := mode.Boards
		if len(boards) == 0 {
			// No recipe resolved for this goal mode; fold over the
			// statically configured host set instead so an UNKNOWN goal
			// mode doesn't make the detector vanish from aggregation.
			boards = a.staticBoards(g.Members)
		}

		statuses := make([]store.Status, 0, len(boards))
		for _, b := range boards {
			if st, ok := hostStatus[b.Host]; ok {
				statuses = append(statuses, st)
			} else {
				statuses = append(statuses, store.UNKNOWN)
			}
		}

		ccHosts := splitByType(boards, a.Cfg.CCType())
		number, mode2, disagree := agreeOnRunState(g.Name, ccHosts, heartbeats)
		if disagree != nil {
			nlog.Warningf("status: %v", disagree)
			continue
		}

		res := Result{
			Group:  g,
			Status: Fold(statuses),
			Mode:   mode2,
		}
		if number != nil {
			res.RunNumber = *number
		}
		res.Rate, res.BufferBytes, res.PLLUnlocks = sumRates(boards, heartbeats)
		results[g.Name] = res

		for _, member := range g.Members {
			_ = a.Store.WriteAggregateSnapshot(store.AggregateSnapshot{
				Detector:    member,
				Status:      res.Status,
				RunNumber:   res.RunNumber,
				Mode:        res.Mode,
				Rate:        res.Rate,
				BufferBytes: res.BufferBytes,
				PLLUnlocks:  res.PLLUnlocks,
				Timestamp:   now,
			})
		}
	}

	return results, timeouts, nil
}

func (a *Aggregator) isTPCHost(host string) bool {
	entry, ok := a.Cfg.MasterDAQConfig[a.TPCDetector]
	if !ok {
		return false
	}
	for _, h := range entry.Readers {
		if h == host {
			return true
		}
	}
	for _, h := range entry.Controller {
		if h == host {
			return true
		}
	}
	return false
}

func (a *Aggregator) staticBoards(members []string) []store.Board {
	var boards []store.Board
	for _, d := range members {
		entry := a.Cfg.MasterDAQConfig[d]
		for _, h := range entry.Readers {
			boards = append(boards, store.Board{Host: h, Type: a.Cfg.DigiType()})
		}
		for _, h := range entry.Controller {
			boards = append(boards, store.Board{Host: h, Type: a.Cfg.CCType()})
		}
	}
	return boards
}

func splitByType(boards []store.Board, substr string) []string {
	var hosts []string
	for _, b := range boards {
		if strings.Contains(b.Type, substr) {
			hosts = append(hosts, b.Host)
		}
	}
	return hosts
}

// agreeOnRunState checks that every crate-controller host reports the same
// mode and run number (spec §4.2 "Run number and mode are the common value
// across controller hosts"). Hosts with no heartbeat yet are ignored rather
// than treated as disagreement.
func agreeOnRunState(detector string, ccHosts []string, heartbeats map[string]store.Heartbeat) (*int, string, error) {
	var number *int
	var mode string
	var numbers, modes []string
	for _, h := range ccHosts {
		hb, ok := heartbeats[h]
		if !ok {
			continue
		}
		n := hb.Number
		if number == nil {
			number = &n
			mode = hb.Mode
		} else if *number != n {
			numbers = append(numbers, h)
		}
		if hb.Mode != mode {
			modes = append(modes, h)
		}
	}
	if len(numbers) > 0 {
		return nil, "", &dispatcherr.HostDisagreement{Detector: detector, Field: "number", Values: numbers}
	}
	if len(modes) > 0 {
		return nil, "", &dispatcherr.HostDisagreement{Detector: detector, Field: "mode", Values: modes}
	}
	if number == nil {
		zero := 0
		return &zero, mode, nil
	}
	return number, mode, nil
}

func sumRates(boards []store.Board, heartbeats map[string]store.Heartbeat) (rate float64, buf, pll int64) {
	for _, b := range boards {
		hb, ok := heartbeats[b.Host]
		if !ok {
			continue
		}
		rate += hb.Rate
		buf += hb.BufferBytes
		pll += hb.PLLUnlocks
	}
	return rate, buf, pll
}
