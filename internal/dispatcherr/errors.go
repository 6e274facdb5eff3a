// Package dispatcherr defines the dispatcher's error kinds (spec §7). Each
// kind is a distinct type so callers can switch on it with errors.As instead
// of matching strings, following the teacher's convention of typed,
// classifiable errors (cmn.ErrXxx) rather than catch-and-inspect.
package dispatcherr

import "github.com/pkg/errors"

// TransientStoreError wraps any storage read/write fault. The reconciliation
// loop recovers by skipping the current tick; the pipeline recovers by
// dropping the queued command and logging a warning. Never escalated to users.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return "transient store error during " + e.Op + ": " + e.Err.Error()
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// ModeNotFound means a run-mode document (or one of its includes) doesn't
// exist in the run_mode_options collection.
type ModeNotFound struct{ Mode string }

func (e *ModeNotFound) Error() string { return "run mode not found: " + e.Mode }

// ModeIncludeMissing means a run-mode document references an include that
// doesn't exist.
type ModeIncludeMissing struct {
	Mode, Include string
}

func (e *ModeIncludeMissing) Error() string {
	return "run mode " + e.Mode + " includes missing mode " + e.Include
}

// HostStatusParseError means a heartbeat's status field could not be parsed
// into the Status enum; the offending host is reported as UNKNOWN.
type HostStatusParseError struct {
	Host string
	Err  error
}

func (e *HostStatusParseError) Error() string {
	return "host " + e.Host + " status parse error: " + e.Err.Error()
}

func (e *HostStatusParseError) Unwrap() error { return e.Err }

// CommandCooldownBlock is normal back-pressure, not an error condition; it
// is debug-logged, never escalated.
type CommandCooldownBlock struct {
	Detector, Command string
	RemainingSeconds   float64
}

func (e *CommandCooldownBlock) Error() string {
	return "cooldown blocks " + e.Command + " for " + e.Detector
}

// StopStuck means stop has been retried RetryReset times without the
// detector returning to IDLE.
type StopStuck struct{ Detector string }

func (e *StopStuck) Error() string { return "stop retries exhausted for " + e.Detector }

// ArmTimeout / StartTimeout mean the corresponding command's ack never
// arrived within its configured timeout; both are followed by a stop.
type ArmTimeout struct{ Detector string }

func (e *ArmTimeout) Error() string { return "arm timed out for " + e.Detector }

type StartTimeout struct{ Detector string }

func (e *StartTimeout) Error() string { return "start timed out for " + e.Detector }

// HostDisagreement means a detector's hosts report differing mode or run
// number; the detector is skipped for the tick.
type HostDisagreement struct {
	Detector, Field string
	Values          []string
}

func (e *HostDisagreement) Error() string {
	return "hosts for " + e.Detector + " disagree on " + e.Field
}
