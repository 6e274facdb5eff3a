package store

import "time"

// Gateway is the Store Gateway (spec §4.1): the only thing in this module
// that knows how documents are actually stored. Every operation fails with
// a *dispatcherr.TransientStoreError on connectivity/serialization faults;
// callers treat that as "skip this tick" (reads) or "drop and log" (writes).
type Gateway interface {
	// ReadGoalState returns the most recent per-(detector,key) goal state,
	// or an error if the read fails. A detector missing a required key is
	// simply absent from the result map (§4.1); comment, stop_after and
	// finish_run_on_stop are optional.
	ReadGoalState(detectors []string, controlKeys []string) (map[string]GoalState, error)

	// ReadHeartbeats returns the most recent heartbeat per requested host.
	// A host with no heartbeat yet is absent from the result map.
	ReadHeartbeats(hosts []string) (map[string]Heartbeat, error)

	// ReadRunMode returns the merged recipe for name: each of its includes
	// merged left-to-right, then overlaid by the base doc itself. Returns
	// *dispatcherr.ModeNotFound / *dispatcherr.ModeIncludeMissing.
	ReadRunMode(name string) (RunModeDoc, error)

	// AllocateRunNumber returns max(existing run numbers)+1, or 0 if the
	// runs collection is empty. On transient failure it returns
	// (NoNewRun, transientErr).
	AllocateRunNumber() (int, error)

	// PublishCommand writes cmd to outgoing_commands and returns its id.
	PublishCommand(cmd OutgoingCommand) (id string, err error)

	// WriteAckLookup records id as the most recent publication for
	// (detector, command), for later ack lookups (§3 "command tracker").
	WriteAckLookup(detector string, cmd Command, id string) error

	// ReadAck reports whether the tracked command for (detector, command)
	// has been acknowledged by every host in its Hosts list. If no
	// command is tracked, it reports acknowledged=true (§9 open question
	// (a): absence is treated the same as "already acknowledged").
	ReadAck(detector string, cmd Command) (acknowledged bool, err error)

	// ReadAckTime returns the ack time of the crate-controller host for
	// the tracked (detector, command), or ok=false if unavailable.
	ReadAckTime(detector string, cmd Command, ccHost string) (t time.Time, ok bool, err error)

	// OldestUnackedAge reports how long ago the oldest still-outstanding
	// command addressed to host was published, for the TPC timeout-action
	// check (§4.2 signal (b)). ok=false means host has nothing outstanding.
	OldestUnackedAge(host string, now time.Time) (age time.Duration, ok bool, err error)

	// CreateRunDoc inserts a run doc synchronously on a successful arm
	// (§4.4 post-actions); its Start field is left zero until run-start
	// bookkeeping calls SetRunStart, about 2 s after the paired start is
	// enqueued (with a fallback time and a _messy tag if no ack was seen).
	CreateRunDoc(doc RunDoc) error
	SetRunStart(number int, start time.Time, messy bool) error
	SetRunEnd(number int, end time.Time, messy bool) error
	AnnotateRunRate(number int, rates map[string]RunRate) error
	GetRunStart(number int) (t time.Time, ok bool, err error)

	WriteAggregateSnapshot(snap AggregateSnapshot) error

	// AggregateRates computes {avg,max} rate per detector across all
	// aggregate snapshots recorded for runNumber (used by run-end
	// bookkeeping, §4.4).
	AggregateRates(runNumber int) (map[string]RunRate, error)

	// WriteLog appends a log document, rate-limited per errorType (§4.1):
	// each kind has a minimum inter-emission interval; calls within the
	// window are silently dropped.
	WriteLog(message string, priority int, errorType string) error

	// EnqueueCommand adds a command to the durable pipeline queue.
	EnqueueCommand(cmd QueuedCommand) error

	// PeekDueCommand returns the queued command with the smallest DueAt,
	// or ok=false if the queue is empty.
	PeekDueCommand() (cmd QueuedCommand, ok bool, err error)

	// PopCommand removes a queued command by id once it has been
	// published.
	PopCommand(id string) error

	// Close releases the underlying storage engine.
	Close() error
}

// Priority levels for WriteLog, matching the original's loglevels mapping.
const (
	PriorityDebug = iota
	PriorityMessage
	PriorityWarning
	PriorityError
	PriorityFatal
)

// Default rate-limit intervals per error_type (§4.1).
var DefaultLogThrottles = map[string]time.Duration{
	"ARM_TIMEOUT":   0,
	"START_TIMEOUT": 0,
	"STOP_TIMEOUT":  900 * time.Second,
}
