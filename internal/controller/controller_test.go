package controller

import (
	"testing"
	"time"

	"github.com/xenonnt/dispatcher/internal/cfg"
	"github.com/xenonnt/dispatcher/internal/status"
	"github.com/xenonnt/dispatcher/internal/store"
	"github.com/xenonnt/dispatcher/internal/store/mock"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type recordingEnqueuer struct {
	reqs []EnqueueRequest
	err  error
}

func (e *recordingEnqueuer) Enqueue(req EnqueueRequest) error {
	if e.err != nil {
		return e.err
	}
	e.reqs = append(e.reqs, req)
	return nil
}

func testCfg() *cfg.Config {
	return &cfg.Config{
		ArmCommandTimeout:   30 * time.Second,
		StartCommandTimeout: 30 * time.Second,
		StopCommandTimeout:  30 * time.Second,
		TimeBetweenCommands: 10 * time.Second,
		RetryReset:          3,
	}
}

func newTestController(now time.Time) (*Controller, *mock.Store, *recordingEnqueuer) {
	gw := mock.New()
	enq := &recordingEnqueuer{}
	c := New(testCfg(), gw, enq)
	c.Clock = &fakeClock{now: now.Add(-24 * time.Hour)} // detector state starts cooled down
	gw.SetRunMode(store.RunModeDoc{
		Name:      "default",
		Detectors: []string{"tpc"},
		Boards:    []store.Board{{Host: "reader1", Type: "V17"}, {Host: "cc1", Type: "V2718"}},
	})
	return c, gw, enq
}

func TestControlArmAllocatesAndCreatesRunDoc(t *testing.T) {
	now := time.Now().UTC()
	c, gw, enq := newTestController(now)

	goal := store.GoalState{Detector: "tpc", Active: true, Mode: "default", User: "alice"}
	res := status.Result{Group: status.Group{Name: "tpc", Members: []string{"tpc"}}, Status: store.IDLE}

	c.solve("tpc", res, goal, now)

	if len(enq.reqs) != 1 || enq.reqs[0].Command != store.CmdArm {
		t.Fatalf("expected one arm enqueued, got %+v", enq.reqs)
	}
	if enq.reqs[0].AckHost != "cc1" {
		t.Errorf("expected AckHost set to the crate controller, got %q", enq.reqs[0].AckHost)
	}
	if _, ok := gw.Runs[0]; !ok {
		t.Errorf("expected a run doc created synchronously on arm success")
	}
}

func TestControlCooldownBlocksRepeat(t *testing.T) {
	now := time.Now().UTC()
	c, _, enq := newTestController(now)

	goal := store.GoalState{Detector: "tpc", Active: true, Mode: "default"}
	res := status.Result{Group: status.Group{Name: "tpc"}, Status: store.IDLE}

	c.solve("tpc", res, goal, now)
	c.solve("tpc", res, goal, now.Add(time.Second)) // still within cooldown

	if len(enq.reqs) != 1 {
		t.Errorf("expected the second arm to be blocked by cooldown, got %d enqueued", len(enq.reqs))
	}
}

func TestControlStopRespectsUnacknowledgedPreviousStop(t *testing.T) {
	now := time.Now().UTC()
	c, gw, enq := newTestController(now)

	id, err := gw.PublishCommand(store.OutgoingCommand{Command: store.CmdStop, Detector: "tpc", Hosts: []string{"cc1"}, CreatedAt: now})
	if err != nil {
		t.Fatalf("seed PublishCommand: %v", err)
	}
	if err := gw.WriteAckLookup("tpc", store.CmdStop, id); err != nil {
		t.Fatalf("seed WriteAckLookup: %v", err)
	}

	st := c.state("tpc")
	st.lastCommand[store.CmdStop] = now.Add(-time.Hour)
	st.lastCommand[store.CmdArm] = now.Add(-time.Hour)

	goal := store.GoalState{Detector: "tpc", Active: false, Mode: "default"}
	res := status.Result{Group: status.Group{Name: "tpc"}, Status: store.ERROR}

	c.control(store.CmdStop, "tpc", res, goal, now, false)

	if len(enq.reqs) != 0 {
		t.Errorf("expected stop withheld while the previous stop is unacknowledged (P2), got %+v", enq.reqs)
	}

	gw.AckHost(id, "cc1", now)
	c.control(store.CmdStop, "tpc", res, goal, now, false)
	if len(enq.reqs) != 1 {
		t.Errorf("expected stop to proceed once the previous stop is acknowledged, got %d", len(enq.reqs))
	}
}

func TestControlForceStopBypassesCooldown(t *testing.T) {
	now := time.Now().UTC()
	c, _, enq := newTestController(now)

	goal := store.GoalState{Detector: "tpc", Active: true, Mode: "default"}
	res := status.Result{Group: status.Group{Name: "tpc"}, Status: store.ERROR}

	c.control(store.CmdStop, "tpc", res, goal, now, true)
	c.control(store.CmdStop, "tpc", res, goal, now, true)

	if len(enq.reqs) != 2 {
		t.Errorf("expected a forced stop to bypass cooldown every time, got %d", len(enq.reqs))
	}
	for _, r := range enq.reqs {
		if len(r.Groups) != 1 {
			t.Errorf("expected a forced stop to publish to one combined group (no delay split), got %+v", r.Groups)
		}
	}
}

func TestCheckTimeoutsEscalatesArmToStop(t *testing.T) {
	now := time.Now().UTC()
	c, _, enq := newTestController(now)

	st := c.state("tpc")
	st.lastCommand[store.CmdArm] = now.Add(-time.Minute) // long past ArmCommandTimeout

	goal := store.GoalState{Detector: "tpc", Active: true, Mode: "default"}
	res := status.Result{Group: status.Group{Name: "tpc"}, Status: store.ARMING}

	c.checkTimeouts("tpc", res, goal, now, store.CmdArm)

	if len(enq.reqs) != 1 || enq.reqs[0].Command != store.CmdStop {
		t.Fatalf("expected an arm timeout to escalate into a stop, got %+v", enq.reqs)
	}
}

func TestCheckTimeoutsStopRetriesThenExhausts(t *testing.T) {
	now := time.Now().UTC()
	c, gw, enq := newTestController(now)

	st := c.state("tpc")
	goal := store.GoalState{Detector: "tpc", Active: false}
	res := status.Result{Group: status.Group{Name: "tpc"}, Status: store.ERROR}

	for i := 0; i < c.Cfg.RetryReset; i++ {
		st.lastCommand[store.CmdStop] = now.Add(-time.Hour)
		c.checkTimeouts("tpc", res, goal, now, store.CmdStop)
	}
	if st.errorStopCount != c.Cfg.RetryReset {
		t.Fatalf("expected %d retries recorded, got %d", c.Cfg.RetryReset, st.errorStopCount)
	}

	st.lastCommand[store.CmdStop] = now.Add(-time.Hour)
	c.checkTimeouts("tpc", res, goal, now, store.CmdStop)
	if st.errorStopCount != 0 {
		t.Errorf("expected the counter to reset once retries are exhausted, got %d", st.errorStopCount)
	}
	if len(gw.Logs) == 0 {
		t.Errorf("expected a STOP_TIMEOUT log entry once retries exhaust")
	}
	_ = enq
}

func TestCheckRunTurnoverStopsAfterConfiguredDuration(t *testing.T) {
	now := time.Now().UTC()
	c, gw, enq := newTestController(now)

	if err := gw.CreateRunDoc(store.RunDoc{Number: 5}); err != nil {
		t.Fatalf("CreateRunDoc: %v", err)
	}
	if err := gw.SetRunStart(5, now.Add(-90*time.Minute), false); err != nil {
		t.Fatalf("SetRunStart: %v", err)
	}

	goal := store.GoalState{Detector: "tpc", Active: true, Mode: "default", HasStopAfter: true, StopAfterMinutes: 60}
	res := status.Result{Group: status.Group{Name: "tpc"}, Status: store.RUNNING, RunNumber: 5}

	c.checkRunTurnover("tpc", res, goal, now)

	if len(enq.reqs) != 1 || enq.reqs[0].Command != store.CmdStop {
		t.Fatalf("expected a run older than stop_after to trigger a stop, got %+v", enq.reqs)
	}
}
