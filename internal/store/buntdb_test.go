package store

import (
	"testing"
	"time"

	"github.com/tidwall/buntdb"
)

func mustOpen(t *testing.T) *BuntStore {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGoalStateLatestWins(t *testing.T) {
	s := mustOpen(t)
	now := time.Now().UTC()

	if err := s.WriteGoalField("tpc", "active", "false", "alice", now); err != nil {
		t.Fatalf("write active=false: %v", err)
	}
	if err := s.WriteGoalField("tpc", "active", "true", "bob", now.Add(time.Second)); err != nil {
		t.Fatalf("write active=true: %v", err)
	}
	if err := s.WriteGoalField("tpc", "mode", "background", "bob", now.Add(time.Second)); err != nil {
		t.Fatalf("write mode: %v", err)
	}

	out, err := s.ReadGoalState([]string{"tpc", "muon_veto"}, []string{"active", "mode"})
	if err != nil {
		t.Fatalf("ReadGoalState: %v", err)
	}
	gs, ok := out["tpc"]
	if !ok {
		t.Fatalf("expected tpc in result, got %v", out)
	}
	if !gs.Active {
		t.Errorf("expected latest active write (true) to win, got %v", gs.Active)
	}
	if gs.Mode != "background" {
		t.Errorf("expected mode background, got %q", gs.Mode)
	}
	if _, ok := out["muon_veto"]; ok {
		t.Errorf("muon_veto has no control keys written, should be absent")
	}
}

func TestReadRunModeMergesIncludes(t *testing.T) {
	s := mustOpen(t)

	if err := s.WriteRunMode(RunModeDoc{
		Name:      "base",
		Detectors: []string{"tpc"},
		Boards:    []Board{{Host: "reader1", Type: "V17"}},
	}); err != nil {
		t.Fatalf("write base: %v", err)
	}
	if err := s.WriteRunMode(RunModeDoc{
		Name:     "combined",
		Includes: []string{"base"},
		Boards:   []Board{{Host: "cc1", Type: "V2718"}},
	}); err != nil {
		t.Fatalf("write combined: %v", err)
	}

	merged, err := s.ReadRunMode("combined")
	if err != nil {
		t.Fatalf("ReadRunMode: %v", err)
	}
	if len(merged.Boards) != 1 || merged.Boards[0].Host != "cc1" {
		t.Errorf("expected base's boards to be overlaid by combined's own boards, got %+v", merged.Boards)
	}
	if len(merged.Detectors) != 1 || merged.Detectors[0] != "tpc" {
		t.Errorf("expected detectors inherited from include, got %+v", merged.Detectors)
	}

	if _, err := s.ReadRunMode("missing"); err == nil {
		t.Errorf("expected ModeNotFound for an unwritten mode")
	}
}

func TestAllocateRunNumberMonotonic(t *testing.T) {
	s := mustOpen(t)

	n, err := s.AllocateRunNumber()
	if err != nil || n != 0 {
		t.Fatalf("expected first run number 0, got %d, %v", n, err)
	}
	if err := s.CreateRunDoc(RunDoc{Number: n}); err != nil {
		t.Fatalf("create run doc: %v", err)
	}
	if err := s.CreateRunDoc(RunDoc{Number: 7}); err != nil {
		t.Fatalf("create run doc: %v", err)
	}

	n, err = s.AllocateRunNumber()
	if err != nil || n != 8 {
		t.Errorf("expected next run number 8 after highest existing (7), got %d, %v", n, err)
	}
}

func TestPublishAckLookupAndAckTime(t *testing.T) {
	s := mustOpen(t)
	now := time.Now().UTC()

	id, err := s.PublishCommand(OutgoingCommand{
		Command: CmdStop, Detector: "tpc", Hosts: []string{"cc1", "reader1"}, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("PublishCommand: %v", err)
	}
	if err := s.WriteAckLookup("tpc", CmdStop, id); err != nil {
		t.Fatalf("WriteAckLookup: %v", err)
	}

	acked, err := s.ReadAck("tpc", CmdStop)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if acked {
		t.Errorf("expected unacknowledged, no host has acked yet")
	}

	ackTime := now.Add(2 * time.Second)
	if err := s.AckHost(id, "cc1", ackTime); err != nil {
		t.Fatalf("AckHost: %v", err)
	}
	if _, ok, _ := s.ReadAckTime("tpc", CmdStop, "cc1"); !ok {
		t.Errorf("expected cc1's ack time to be readable after AckHost")
	}

	acked, err = s.ReadAck("tpc", CmdStop)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if acked {
		t.Errorf("expected still unacknowledged, reader1 hasn't acked")
	}

	if err := s.AckHost(id, "reader1", ackTime); err != nil {
		t.Fatalf("AckHost: %v", err)
	}
	acked, err = s.ReadAck("tpc", CmdStop)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if !acked {
		t.Errorf("expected fully acknowledged once every host has acked")
	}
}

func TestReadAckNoTrackedCommandReportsAcknowledged(t *testing.T) {
	s := mustOpen(t)
	acked, err := s.ReadAck("tpc", CmdArm)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if !acked {
		t.Errorf("a detector/command with no tracked publication should report acknowledged=true")
	}
}

func TestRunDocLifecycle(t *testing.T) {
	s := mustOpen(t)
	now := time.Now().UTC()

	if err := s.CreateRunDoc(RunDoc{Number: 1, Detectors: []string{"tpc"}}); err != nil {
		t.Fatalf("CreateRunDoc: %v", err)
	}
	if err := s.SetRunStart(1, now, false); err != nil {
		t.Fatalf("SetRunStart: %v", err)
	}
	start, ok, err := s.GetRunStart(1)
	if err != nil || !ok || !start.Equal(now) {
		t.Fatalf("GetRunStart: %v ok=%v start=%v want=%v", err, ok, start, now)
	}

	if err := s.SetRunEnd(1, now.Add(time.Minute), true); err != nil {
		t.Fatalf("SetRunEnd: %v", err)
	}

	if err := s.WriteAggregateSnapshot(AggregateSnapshot{Detector: "tpc", RunNumber: 1, Rate: 10, Timestamp: now}); err != nil {
		t.Fatalf("WriteAggregateSnapshot: %v", err)
	}
	if err := s.WriteAggregateSnapshot(AggregateSnapshot{Detector: "tpc", RunNumber: 1, Rate: 20, Timestamp: now}); err != nil {
		t.Fatalf("WriteAggregateSnapshot: %v", err)
	}
	rates, err := s.AggregateRates(1)
	if err != nil {
		t.Fatalf("AggregateRates: %v", err)
	}
	rate, ok := rates["tpc"]
	if !ok || rate.Avg != 15 || rate.Max != 20 {
		t.Errorf("expected avg=15 max=20, got %+v ok=%v", rate, ok)
	}
	if err := s.AnnotateRunRate(1, rates); err != nil {
		t.Fatalf("AnnotateRunRate: %v", err)
	}

	if err := s.SetRunStart(404, now, false); err == nil {
		t.Errorf("expected error setting start on a nonexistent run")
	}
}

func TestWriteLogThrottles(t *testing.T) {
	s := mustOpen(t)
	s.throttles = map[string]time.Duration{"STOP_TIMEOUT": time.Hour}

	if err := s.WriteLog("first", PriorityError, "STOP_TIMEOUT"); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}
	if err := s.WriteLog("second", PriorityError, "STOP_TIMEOUT"); err != nil {
		t.Fatalf("WriteLog: %v", err)
	}
	if len(s.lastLogSent) != 1 {
		t.Fatalf("expected throttle state recorded once, got %d entries", len(s.lastLogSent))
	}

	var count int
	s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("log:*", func(_, _ string) bool { count++; return true })
	})
	if count != 1 {
		t.Errorf("expected the throttled second WriteLog to be dropped, found %d log entries", count)
	}
}

func TestQueueDueOrder(t *testing.T) {
	s := mustOpen(t)
	now := time.Now().UTC()

	if err := s.EnqueueCommand(QueuedCommand{OutgoingCommand: OutgoingCommand{Command: CmdStop, Detector: "tpc"}, DueAt: now.Add(5 * time.Second)}); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	if err := s.EnqueueCommand(QueuedCommand{OutgoingCommand: OutgoingCommand{Command: CmdArm, Detector: "tpc"}, DueAt: now, AckHost: "cc1"}); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}

	cmd, ok, err := s.PeekDueCommand()
	if err != nil || !ok {
		t.Fatalf("PeekDueCommand: %v ok=%v", err, ok)
	}
	if cmd.Command != CmdArm {
		t.Errorf("expected earliest-due command (arm) first, got %s", cmd.Command)
	}
	if cmd.AckHost != "cc1" {
		t.Errorf("expected AckHost to survive the durable round trip, got %q", cmd.AckHost)
	}

	if err := s.PopCommand(cmd.ID); err != nil {
		t.Fatalf("PopCommand: %v", err)
	}
	cmd, ok, err = s.PeekDueCommand()
	if err != nil || !ok || cmd.Command != CmdStop {
		t.Fatalf("expected stop to remain after popping arm, got %s ok=%v err=%v", cmd.Command, ok, err)
	}
}

func TestOldestUnackedAge(t *testing.T) {
	s := mustOpen(t)
	now := time.Now().UTC()

	if _, ok, err := s.OldestUnackedAge("reader1", now); err != nil || ok {
		t.Fatalf("expected no pending command for an untouched host, got ok=%v err=%v", ok, err)
	}

	id, err := s.PublishCommand(OutgoingCommand{
		Command: CmdArm, Detector: "tpc", Hosts: []string{"reader1"}, CreatedAt: now.Add(-30 * time.Second),
	})
	if err != nil {
		t.Fatalf("PublishCommand: %v", err)
	}

	age, ok, err := s.OldestUnackedAge("reader1", now)
	if err != nil || !ok {
		t.Fatalf("expected an outstanding command, got ok=%v err=%v", ok, err)
	}
	if age < 29*time.Second || age > 31*time.Second {
		t.Errorf("expected age ~30s, got %s", age)
	}

	if err := s.AckHost(id, "reader1", now); err != nil {
		t.Fatalf("AckHost: %v", err)
	}
	if _, ok, err := s.OldestUnackedAge("reader1", now); err != nil || ok {
		t.Errorf("expected no outstanding command once acked, got ok=%v err=%v", ok, err)
	}
}
