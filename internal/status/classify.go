package status

import (
	"time"

	"github.com/xenonnt/dispatcher/internal/dispatcherr"
	"github.com/xenonnt/dispatcher/internal/store"
)

// ClassifyHost parses a heartbeat's status field and promotes it to TIMEOUT
// if the heartbeat is older than clientTimeout (spec §4.2). A heartbeat
// whose status field doesn't parse reports UNKNOWN alongside a
// *dispatcherr.HostStatusParseError the caller can log.
func ClassifyHost(hb store.Heartbeat, now time.Time, clientTimeout time.Duration) (store.Status, error) {
	st, ok := store.ParseStatus(hb.Status)
	if !ok {
		return store.UNKNOWN, &dispatcherr.HostStatusParseError{
			Host: hb.Host,
			Err:  errInvalidStatus(hb.Status),
		}
	}
	if hb.AgeSeconds(now) > clientTimeout.Seconds() {
		return store.TIMEOUT, nil
	}
	return st, nil
}

type errInvalidStatus int

func (e errInvalidStatus) Error() string { return "status code out of range" }

// priority is the fold precedence for statuses that override an otherwise
// healthy reading (spec §4.2 step 1, P6): ARMING beats ERROR beats TIMEOUT
// beats UNKNOWN.
var priority = map[store.Status]int{
	store.ARMING:  4,
	store.ERROR:   3,
	store.TIMEOUT: 2,
	store.UNKNOWN: 1,
}

// Fold combines the statuses of a detector's active hosts into one logical
// status (spec §4.2 steps 1-3, P6). An empty host set folds to UNKNOWN.
func Fold(hostStatuses []store.Status) store.Status {
	if len(hostStatuses) == 0 {
		return store.UNKNOWN
	}
	best := store.Status(0)
	bestPrio := 0
	for _, s := range hostStatuses {
		if p, ok := priority[s]; ok && p > bestPrio {
			bestPrio, best = p, s
		}
	}
	if bestPrio > 0 {
		return best
	}
	first := hostStatuses[0]
	if first != store.IDLE && first != store.ARMED && first != store.RUNNING {
		return store.UNKNOWN
	}
	for _, s := range hostStatuses[1:] {
		if s != first {
			return store.UNKNOWN
		}
	}
	return first
}
