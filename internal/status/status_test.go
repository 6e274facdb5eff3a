package status

import (
	"testing"
	"time"

	"github.com/xenonnt/dispatcher/internal/cfg"
	"github.com/xenonnt/dispatcher/internal/store"
	"github.com/xenonnt/dispatcher/internal/store/mock"
)

func TestClassifyHostPromotesTimeout(t *testing.T) {
	now := time.Now().UTC()
	hb := store.Heartbeat{Host: "reader1", Status: int(store.IDLE), ReceivedAt: now.Add(-time.Minute)}

	st, err := ClassifyHost(hb, now, 30*time.Second)
	if err != nil {
		t.Fatalf("ClassifyHost: %v", err)
	}
	if st != store.TIMEOUT {
		t.Errorf("expected a stale heartbeat to promote to TIMEOUT, got %s", st)
	}
}

func TestClassifyHostInvalidStatus(t *testing.T) {
	now := time.Now().UTC()
	hb := store.Heartbeat{Host: "reader1", Status: 99, ReceivedAt: now}
	st, err := ClassifyHost(hb, now, 30*time.Second)
	if st != store.UNKNOWN {
		t.Errorf("expected UNKNOWN for an unparseable status, got %s", st)
	}
	if err == nil {
		t.Errorf("expected a HostStatusParseError")
	}
}

func TestFoldPriorityOrder(t *testing.T) {
	cases := []struct {
		name string
		in   []store.Status
		want store.Status
	}{
		{"empty folds unknown", nil, store.UNKNOWN},
		{"all idle agree", []store.Status{store.IDLE, store.IDLE}, store.IDLE},
		{"mixed idle/running disagree", []store.Status{store.IDLE, store.RUNNING}, store.UNKNOWN},
		{"arming beats error", []store.Status{store.ARMING, store.ERROR}, store.ARMING},
		{"error beats timeout", []store.Status{store.ERROR, store.TIMEOUT}, store.ERROR},
		{"timeout beats unknown", []store.Status{store.TIMEOUT, store.UNKNOWN}, store.TIMEOUT},
	}
	for _, c := range cases {
		if got := Fold(c.in); got != c.want {
			t.Errorf("%s: Fold(%v) = %s, want %s", c.name, c.in, got, c.want)
		}
	}
}

func TestGroupDetectorsCases(t *testing.T) {
	physical := []string{"tpc", "muon_veto", "neutron_veto"}

	linked := func(names ...string) map[string]store.GoalState {
		goals := map[string]store.GoalState{}
		for _, n := range physical {
			goals[n] = store.GoalState{Detector: n, Mode: "solo"}
		}
		for _, n := range names {
			goals[n] = store.GoalState{Detector: n, Mode: "combined"}
		}
		return goals
	}
	modeFor := func(goals map[string]store.GoalState, detectors ...string) map[string]store.RunModeDoc {
		modes := map[string]store.RunModeDoc{"solo": {Name: "solo"}}
		if len(detectors) > 0 {
			modes["combined"] = store.RunModeDoc{Name: "combined", Detectors: detectors}
		}
		return modes
	}

	t.Run("case B: none link", func(t *testing.T) {
		goals := map[string]store.GoalState{
			"tpc": {Mode: "a"}, "muon_veto": {Mode: "b"}, "neutron_veto": {Mode: "c"},
		}
		modes := map[string]store.RunModeDoc{
			"a": {Detectors: []string{"tpc"}}, "b": {Detectors: []string{"muon_veto"}}, "c": {Detectors: []string{"neutron_veto"}},
		}
		groups := GroupDetectors(physical, goals, modes, "tpc")
		if len(groups) != 3 {
			t.Fatalf("expected 3 independent groups, got %d: %+v", len(groups), groups)
		}
	})

	t.Run("case A: all three link", func(t *testing.T) {
		goals := linked("tpc", "muon_veto", "neutron_veto")
		modes := modeFor(goals, "tpc", "muon_veto", "neutron_veto")
		groups := GroupDetectors(physical, goals, modes, "tpc")
		if len(groups) != 1 || len(groups[0].Members) != 3 {
			t.Fatalf("expected one group of 3, got %+v", groups)
		}
		if groups[0].Name != "tpc" {
			t.Errorf("expected group name anchored on the configured TPC detector, got %q", groups[0].Name)
		}
	})

	t.Run("case C: tpc<->mv only", func(t *testing.T) {
		goals := map[string]store.GoalState{
			"tpc": {Mode: "combined"}, "muon_veto": {Mode: "combined"}, "neutron_veto": {Mode: "solo"},
		}
		modes := map[string]store.RunModeDoc{
			"combined": {Detectors: []string{"tpc", "muon_veto"}},
			"solo":     {Detectors: []string{"neutron_veto"}},
		}
		groups := GroupDetectors(physical, goals, modes, "tpc")
		if len(groups) != 2 {
			t.Fatalf("expected 2 groups (tpc+mv, nv alone), got %+v", groups)
		}
		for _, g := range groups {
			if len(g.Members) == 2 {
				has := func(n string) bool { return contains(g.Members, n) }
				if !has("tpc") || !has("muon_veto") {
					t.Errorf("expected the 2-member group to be tpc+muon_veto, got %+v", g.Members)
				}
				if g.Name != "tpc" {
					t.Errorf("expected the tpc+muon_veto group to be named tpc, got %q", g.Name)
				}
			}
		}
	})
}

func TestAggregatorTickFoldsAndWritesSnapshots(t *testing.T) {
	now := time.Now().UTC()
	c := &cfg.Config{
		ClientTimeout: 30 * time.Second,
		MasterDAQConfig: map[string]cfg.HostEntry{
			"tpc": {Readers: []string{"reader1"}, Controller: []string{"cc1"}},
		},
		ControlKeys: []string{"active", "mode"},
	}
	gw := mock.New()
	gw.SetGoalState(store.GoalState{Detector: "tpc", Active: true, Mode: "default", UpdatedAt: now})
	gw.SetRunMode(store.RunModeDoc{
		Name:      "default",
		Detectors: []string{"tpc"},
		Boards:    []store.Board{{Host: "reader1", Type: "V17"}, {Host: "cc1", Type: "V2718"}},
	})
	gw.SetHeartbeat(store.Heartbeat{Host: "reader1", Status: int(store.RUNNING), Rate: 5, ReceivedAt: now, Number: 12, Mode: "default"})
	gw.SetHeartbeat(store.Heartbeat{Host: "cc1", Status: int(store.RUNNING), ReceivedAt: now, Number: 12, Mode: "default"})

	agg := &Aggregator{Cfg: c, Store: gw, TPCDetector: "tpc"}
	results, timeouts, err := agg.Tick(now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(timeouts) != 0 {
		t.Errorf("expected no timeout-action signals, got %+v", timeouts)
	}
	res, ok := results["tpc"]
	if !ok {
		t.Fatalf("expected a result for tpc, got %+v", results)
	}
	if res.Status != store.RUNNING {
		t.Errorf("expected folded status RUNNING, got %s", res.Status)
	}
	if res.RunNumber != 12 {
		t.Errorf("expected run number 12 from agreeing hosts, got %d", res.RunNumber)
	}
	if len(gw.Snapshots) != 1 {
		t.Errorf("expected one aggregate snapshot written, got %d", len(gw.Snapshots))
	}
}

func TestAggregatorTickTPCTimeoutAction(t *testing.T) {
	now := time.Now().UTC()
	c := &cfg.Config{
		ClientTimeout:          30 * time.Second,
		TimeoutActionThreshold: 60 * time.Second,
		MasterDAQConfig: map[string]cfg.HostEntry{
			"tpc": {Readers: []string{"reader1"}},
		},
		ControlKeys: []string{"active"},
	}
	gw := mock.New()
	gw.SetGoalState(store.GoalState{Detector: "tpc", Active: true})
	gw.SetHeartbeat(store.Heartbeat{Host: "reader1", Status: int(store.IDLE), ReceivedAt: now.Add(-90 * time.Second)})

	agg := &Aggregator{Cfg: c, Store: gw, TPCDetector: "tpc"}
	_, timeouts, err := agg.Tick(now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(timeouts) != 1 || timeouts[0].Host != "reader1" {
		t.Errorf("expected a stale-heartbeat timeout-action for reader1, got %+v", timeouts)
	}
}
