// Package status is the Status Aggregator (spec §4.2): it folds per-host
// heartbeats into one logical status per detector, deriving the logical
// grouping itself from the current goal modes each tick, the way reb derives
// its rebalance topology from the live Smap rather than a static one
// (reb/status.go).
package status

import "github.com/xenonnt/dispatcher/internal/store"

// Linked reports whether two physical detectors link this tick (spec §4.2,
// P5): their goal modes must be equal and non-empty, and each must name the
// other in its merged RunModeDoc.Detectors. The relation is symmetric by
// construction — evaluating it from either side yields the same answer.
func Linked(aName string, aGoal store.GoalState, aMode store.RunModeDoc, bName string, bGoal store.GoalState, bMode store.RunModeDoc) bool {
	if aGoal.Mode == "" || aGoal.Mode != bGoal.Mode {
		return false
	}
	return contains(aMode.Detectors, bName) && contains(bMode.Detectors, aName)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Group is a logical detector: one or more physical detectors sharing a run
// this tick, identified by the configured TPC detector when it is a member
// (spec §4.2 cases A/C/D anchor on tpc, matching get_super_detector), or by
// the lowest-sorted member otherwise.
type Group struct {
	Name    string
	Members []string
}

// GroupDetectors computes the logical grouping for this tick (spec §4.2
// cases A-E) from the goal state and merged run-mode doc of every known
// physical detector. Detectors missing a goal state or run-mode doc are
// treated as unlinkable (never merge into a group with anyone else) rather
// than erroring — the controller will skip them when it can't resolve their
// own goal state anyway.
func GroupDetectors(physical []string, goals map[string]store.GoalState, modes map[string]store.RunModeDoc, tpcDetector string) []Group {
	parent := map[string]string{}
	for _, d := range physical {
		parent[d] = d
	}
	var find func(string) string
	find = func(d string) string {
		if parent[d] != d {
			parent[d] = find(parent[d])
		}
		return parent[d]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i, a := range physical {
		ga, modeA := goals[a], modes[goals[a].Mode]
		for _, b := range physical[i+1:] {
			gb, modeB := goals[b], modes[goals[b].Mode]
			if Linked(a, ga, modeA, b, gb, modeB) {
				union(a, b)
			}
		}
	}

	byRoot := map[string][]string{}
	for _, d := range physical {
		r := find(d)
		byRoot[r] = append(byRoot[r], d)
	}

	groups := make([]Group, 0, len(byRoot))
	for _, members := range byRoot {
		g := Group{Members: members, Name: members[0]}
		for _, m := range members[1:] {
			if m < g.Name {
				g.Name = m
			}
		}
		if tpcDetector != "" && contains(members, tpcDetector) {
			g.Name = tpcDetector
		}
		groups = append(groups, g)
	}
	return groups
}
