// Package store implements the Store Gateway (spec §4.1) over an embedded,
// pure-Go document store instead of a remote one: the backing database
// server is an out-of-scope external collaborator (§1), and the teacher
// itself wraps exactly this engine (tidwall/buntdb) behind a Driver
// interface for its own local persistence (cmd/authn/main.go,
// kvdb.NewBuntDB). Collections become key prefixes; documents are
// JSON-encoded with json-iterator, matching dsort/dsort.go's
// `var js = jsoniter.ConfigFastest` convention.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/xenonnt/dispatcher/internal/dispatcherr"
)

var js = jsoniter.ConfigFastest

// BuntStore is the production Gateway, backed by an embedded buntdb file.
type BuntStore struct {
	db  *buntdb.DB
	seq atomic.Int64

	logMu       sync.Mutex
	lastLogSent map[string]time.Time
	throttles   map[string]time.Duration
}

// Open creates or opens a BuntStore at path. An empty path uses an
// in-memory database (useful for tests without importing the mock).
func Open(path string) (*BuntStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &BuntStore{
		db:          db,
		lastLogSent: make(map[string]time.Time),
		throttles:   DefaultLogThrottles,
	}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

func (s *BuntStore) Close() error { return s.db.Close() }

func (s *BuntStore) nextSeq() int64 { return s.seq.Add(1) }

func seqKey(prefix string, seq int64) string {
	return fmt.Sprintf("%s:%020d", prefix, seq)
}

// incomingDoc is one append-only write to incoming_commands (§6).
type incomingDoc struct {
	Field string    `json:"field"`
	Value string    `json:"value"`
	User  string     `json:"user"`
	Time  time.Time `json:"time"`
}

func (s *BuntStore) WriteGoalField(detector, field, value, user string, at time.Time) error {
	doc := incomingDoc{Field: field, Value: value, User: user, Time: at}
	buf, err := js.Marshal(doc)
	if err != nil {
		return dispatcherr.NewTransient("WriteGoalField", err)
	}
	key := seqKey(fmt.Sprintf("goal:%s:%s", detector, field), s.nextSeq())
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
	return dispatcherr.NewTransient("WriteGoalField", err)
}

func (s *BuntStore) ReadGoalState(detectors []string, controlKeys []string) (map[string]GoalState, error) {
	out := make(map[string]GoalState, len(detectors))
	err := s.db.View(func(tx *buntdb.Tx) error {
		for _, det := range detectors {
			gs := GoalState{Detector: det}
			haveRequired := true
			for _, key := range controlKeys {
				pattern := fmt.Sprintf("goal:%s:%s:*", det, key)
				var latest *incomingDoc
				iterErr := tx.DescendKeys(pattern, func(_, value string) bool {
					var d incomingDoc
					if err := js.UnmarshalFromString(value, &d); err == nil {
						latest = &d
					}
					return false // first hit in descending order is the newest
				})
				if iterErr != nil {
					return iterErr
				}
				if latest == nil {
					if key == "comment" || key == "stop_after" || key == "finish_run_on_stop" {
						continue // optional keys: absence leaves the zero value
					}
					haveRequired = false
					break
				}
				applyGoalField(&gs, *latest)
				if latest.Time.After(gs.UpdatedAt) {
					gs.UpdatedAt = latest.Time
					gs.User = latest.User
				}
			}
			if haveRequired {
				out[det] = gs
			}
		}
		return nil
	})
	if err != nil {
		return nil, dispatcherr.NewTransient("ReadGoalState", err)
	}
	return out, nil
}

func applyGoalField(gs *GoalState, d incomingDoc) {
	switch d.Field {
	case "active":
		gs.Active = d.Value == "true"
	case "mode":
		gs.Mode = d.Value
	case "comment":
		gs.Comment = d.Value
	case "finish_run_on_stop":
		gs.FinishRunOnStop = d.Value == "true"
	case "stop_after":
		var n int
		if _, err := fmt.Sscanf(d.Value, "%d", &n); err == nil {
			gs.StopAfterMinutes = n
			gs.HasStopAfter = true
		}
	}
}

func (s *BuntStore) WriteHeartbeat(hb Heartbeat) error {
	buf, err := js.Marshal(hb)
	if err != nil {
		return dispatcherr.NewTransient("WriteHeartbeat", err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("hb:"+hb.Host, string(buf), nil)
		return err
	})
	return dispatcherr.NewTransient("WriteHeartbeat", err)
}

func (s *BuntStore) ReadHeartbeats(hosts []string) (map[string]Heartbeat, error) {
	out := make(map[string]Heartbeat, len(hosts))
	err := s.db.View(func(tx *buntdb.Tx) error {
		for _, h := range hosts {
			val, err := tx.Get("hb:" + h)
			if err == buntdb.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var hb Heartbeat
			if err := js.UnmarshalFromString(val, &hb); err != nil {
				continue // malformed heartbeat: caller treats absence as UNKNOWN-eligible
			}
			out[h] = hb
		}
		return nil
	})
	if err != nil {
		return nil, dispatcherr.NewTransient("ReadHeartbeats", err)
	}
	return out, nil
}

// runModeOnDisk preserves caller-defined extra fields verbatim (§6).
type runModeOnDisk struct {
	Name      string                 `json:"name"`
	Detectors []string               `json:"detectors"`
	Boards    []Board                `json:"boards"`
	Includes  []string               `json:"includes,omitempty"`
	Extra     map[string]interface{} `json:"-"`
}

func (s *BuntStore) WriteRunMode(doc RunModeDoc) error {
	merged := map[string]interface{}{}
	for k, v := range doc.Extra {
		merged[k] = v
	}
	merged["name"] = doc.Name
	merged["detectors"] = doc.Detectors
	merged["boards"] = doc.Boards
	if len(doc.Includes) > 0 {
		merged["includes"] = doc.Includes
	}
	buf, err := js.Marshal(merged)
	if err != nil {
		return dispatcherr.NewTransient("WriteRunMode", err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("mode:"+doc.Name, string(buf), nil)
		return err
	})
	return dispatcherr.NewTransient("WriteRunMode", err)
}

func (s *BuntStore) readRunModeRaw(name string) (RunModeDoc, bool, error) {
	var doc RunModeDoc
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get("mode:" + name)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var raw map[string]interface{}
		if err := js.UnmarshalFromString(val, &raw); err != nil {
			return err
		}
		var known runModeOnDisk
		if err := js.UnmarshalFromString(val, &known); err != nil {
			return err
		}
		for _, k := range []string{"name", "detectors", "boards", "includes"} {
			delete(raw, k)
		}
		doc = RunModeDoc{
			Name:      known.Name,
			Detectors: known.Detectors,
			Boards:    known.Boards,
			Includes:  known.Includes,
			Extra:     raw,
		}
		found = true
		return nil
	})
	if err != nil {
		return RunModeDoc{}, false, err
	}
	return doc, found, nil
}

// ReadRunMode merges includes left-to-right, then overlays the base
// recipe (§4.1).
func (s *BuntStore) ReadRunMode(name string) (RunModeDoc, error) {
	base, ok, err := s.readRunModeRaw(name)
	if err != nil {
		return RunModeDoc{}, dispatcherr.NewTransient("ReadRunMode", err)
	}
	if !ok {
		return RunModeDoc{}, &dispatcherr.ModeNotFound{Mode: name}
	}
	if len(base.Includes) == 0 {
		return base, nil
	}

	merged := RunModeDoc{Name: base.Name, Extra: map[string]interface{}{}}
	for _, inc := range base.Includes {
		incDoc, ok, err := s.readRunModeRaw(inc)
		if err != nil {
			return RunModeDoc{}, dispatcherr.NewTransient("ReadRunMode", err)
		}
		if !ok {
			return RunModeDoc{}, &dispatcherr.ModeIncludeMissing{Mode: name, Include: inc}
		}
		mergeInto(&merged, incDoc)
	}
	mergeInto(&merged, base)
	return merged, nil
}

func mergeInto(dst *RunModeDoc, src RunModeDoc) {
	if len(src.Detectors) > 0 {
		dst.Detectors = src.Detectors
	}
	if len(src.Boards) > 0 {
		dst.Boards = src.Boards
	}
	for k, v := range src.Extra {
		dst.Extra[k] = v
	}
}

func (s *BuntStore) AllocateRunNumber() (int, error) {
	max := -1
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys("run:*", func(_, value string) bool {
			var doc RunDoc
			if err := js.UnmarshalFromString(value, &doc); err == nil {
				max = doc.Number
			}
			return false
		})
	})
	if err != nil {
		return NoNewRun, dispatcherr.NewTransient("AllocateRunNumber", err)
	}
	return max + 1, nil
}

type outgoingOnDisk struct {
	ID              string                 `json:"id"`
	Command         Command                `json:"command"`
	Detector        string                 `json:"detector"`
	Mode            string                 `json:"mode"`
	User            string                 `json:"user"`
	Hosts           []string               `json:"hosts"`
	Acknowledged    map[string]time.Time   `json:"acknowledged"`
	CreatedAt       time.Time              `json:"created_at"`
	OptionsOverride map[string]interface{} `json:"options_override,omitempty"`
}

func toDisk(c OutgoingCommand) outgoingOnDisk {
	return outgoingOnDisk{
		ID: c.ID, Command: c.Command, Detector: c.Detector, Mode: c.Mode, User: c.User,
		Hosts: c.Hosts, Acknowledged: c.Acknowledged, CreatedAt: c.CreatedAt,
		OptionsOverride: c.OptionsOverride,
	}
}

func fromDisk(d outgoingOnDisk) OutgoingCommand {
	return OutgoingCommand{
		ID: d.ID, Command: d.Command, Detector: d.Detector, Mode: d.Mode, User: d.User,
		Hosts: d.Hosts, Acknowledged: d.Acknowledged, CreatedAt: d.CreatedAt,
		OptionsOverride: d.OptionsOverride,
	}
}

func (s *BuntStore) PublishCommand(cmd OutgoingCommand) (string, error) {
	if cmd.ID == "" {
		cmd.ID = newID()
	}
	if cmd.Acknowledged == nil {
		cmd.Acknowledged = make(map[string]time.Time, len(cmd.Hosts))
		for _, h := range cmd.Hosts {
			cmd.Acknowledged[h] = time.Time{}
		}
	}
	buf, err := js.Marshal(toDisk(cmd))
	if err != nil {
		return "", dispatcherr.NewTransient("PublishCommand", err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("out:"+cmd.ID, string(buf), nil)
		return err
	})
	if err != nil {
		return "", dispatcherr.NewTransient("PublishCommand", err)
	}
	return cmd.ID, nil
}

// AckHost marks host h as having acknowledged outgoing command id at time t.
// (Exercised by tests standing in for a real host's ack write; production
// hosts write this field directly in the real system.)
func (s *BuntStore) AckHost(id, host string, t time.Time) error {
	return dispatcherr.NewTransient("AckHost", s.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get("out:" + id)
		if err != nil {
			return err
		}
		var d outgoingOnDisk
		if err := js.UnmarshalFromString(val, &d); err != nil {
			return err
		}
		if d.Acknowledged == nil {
			d.Acknowledged = map[string]time.Time{}
		}
		d.Acknowledged[host] = t
		buf, err := js.Marshal(d)
		if err != nil {
			return err
		}
		_, _, err = tx.Set("out:"+id, string(buf), nil)
		return err
	}))
}

func (s *BuntStore) getOutgoing(id string) (OutgoingCommand, bool, error) {
	var out OutgoingCommand
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get("out:" + id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var d outgoingOnDisk
		if err := js.UnmarshalFromString(val, &d); err != nil {
			return err
		}
		out = fromDisk(d)
		found = true
		return nil
	})
	return out, found, err
}

func (s *BuntStore) WriteAckLookup(detector string, cmd Command, id string) error {
	key := fmt.Sprintf("acklookup:%s:%s", detector, cmd)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, id, nil)
		return err
	})
	return dispatcherr.NewTransient("WriteAckLookup", err)
}

func (s *BuntStore) lookupID(detector string, cmd Command) (string, bool, error) {
	key := fmt.Sprintf("acklookup:%s:%s", detector, cmd)
	var id string
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		id = val
		found = true
		return nil
	})
	return id, found, err
}

// ReadAck: §9 open question (a) — a tracker miss is reported acknowledged,
// matching the original's detector_ackd_command returning True when no
// prior oid is recorded.
func (s *BuntStore) ReadAck(detector string, cmd Command) (bool, error) {
	id, found, err := s.lookupID(detector, cmd)
	if err != nil {
		return false, dispatcherr.NewTransient("ReadAck", err)
	}
	if !found {
		return true, nil
	}
	doc, found, err := s.getOutgoing(id)
	if err != nil {
		return false, dispatcherr.NewTransient("ReadAck", err)
	}
	if !found {
		return true, nil
	}
	return doc.AckedByDetector(), nil
}

func (s *BuntStore) ReadAckTime(detector string, cmd Command, ccHost string) (time.Time, bool, error) {
	id, found, err := s.lookupID(detector, cmd)
	if err != nil || !found {
		return time.Time{}, false, dispatcherr.NewTransient("ReadAckTime", err)
	}
	doc, found, err := s.getOutgoing(id)
	if err != nil || !found {
		return time.Time{}, false, dispatcherr.NewTransient("ReadAckTime", err)
	}
	t, ok := doc.Acknowledged[ccHost]
	if !ok || t.IsZero() {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// OldestUnackedAge scans outgoing_commands for any doc addressed to host
// that host itself hasn't acknowledged yet, returning the age of the
// oldest such publication.
func (s *BuntStore) OldestUnackedAge(host string, now time.Time) (time.Duration, bool, error) {
	var oldest time.Time
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("out:*", func(_, value string) bool {
			var d outgoingOnDisk
			if err := js.UnmarshalFromString(value, &d); err != nil {
				return true
			}
			addressed := false
			for _, h := range d.Hosts {
				if h == host {
					addressed = true
					break
				}
			}
			if !addressed {
				return true
			}
			if t, ok := d.Acknowledged[host]; ok && !t.IsZero() {
				return true
			}
			if !found || d.CreatedAt.Before(oldest) {
				oldest = d.CreatedAt
				found = true
			}
			return true
		})
	})
	if err != nil {
		return 0, false, dispatcherr.NewTransient("OldestUnackedAge", err)
	}
	if !found {
		return 0, false, nil
	}
	return now.Sub(oldest), true, nil
}

func (s *BuntStore) CreateRunDoc(doc RunDoc) error {
	buf, err := js.Marshal(doc)
	if err != nil {
		return dispatcherr.NewTransient("CreateRunDoc", err)
	}
	key := fmt.Sprintf("run:%020d", doc.Number)
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
	return dispatcherr.NewTransient("CreateRunDoc", err)
}

func (s *BuntStore) getRun(number int) (RunDoc, bool, error) {
	var doc RunDoc
	found := false
	key := fmt.Sprintf("run:%020d", number)
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := js.UnmarshalFromString(val, &doc); err != nil {
			return err
		}
		found = true
		return nil
	})
	return doc, found, err
}

func (s *BuntStore) putRun(doc RunDoc) error {
	buf, err := js.Marshal(doc)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("run:%020d", doc.Number)
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
}

func (s *BuntStore) SetRunStart(number int, start time.Time, messy bool) error {
	doc, found, err := s.getRun(number)
	if err != nil {
		return dispatcherr.NewTransient("SetRunStart", err)
	}
	if !found {
		return dispatcherr.NewTransient("SetRunStart", fmt.Errorf("run %d not found", number))
	}
	doc.Start = start
	if messy {
		doc.Tags = append(doc.Tags, RunTag{Name: "_messy", User: "daq", Date: start})
	}
	return dispatcherr.NewTransient("SetRunStart", s.putRun(doc))
}

func (s *BuntStore) SetRunEnd(number int, end time.Time, messy bool) error {
	doc, found, err := s.getRun(number)
	if err != nil {
		return dispatcherr.NewTransient("SetRunEnd", err)
	}
	if !found {
		return dispatcherr.NewTransient("SetRunEnd", fmt.Errorf("run %d not found", number))
	}
	if doc.End != nil {
		// write-once: a run's end is only ever set the first time (matches
		// set_stop_time's {"end": None} filter), so a second stop on the
		// same run number doesn't clobber it or pile up another _messy tag.
		return nil
	}
	e := end
	doc.End = &e
	if messy {
		doc.Tags = append(doc.Tags, RunTag{Name: "_messy", User: "daq", Date: end})
	}
	return dispatcherr.NewTransient("SetRunEnd", s.putRun(doc))
}

func (s *BuntStore) AnnotateRunRate(number int, rates map[string]RunRate) error {
	doc, found, err := s.getRun(number)
	if err != nil {
		return dispatcherr.NewTransient("AnnotateRunRate", err)
	}
	if !found {
		return dispatcherr.NewTransient("AnnotateRunRate", fmt.Errorf("run %d not found", number))
	}
	doc.Rate = rates
	return dispatcherr.NewTransient("AnnotateRunRate", s.putRun(doc))
}

func (s *BuntStore) GetRunStart(number int) (time.Time, bool, error) {
	doc, found, err := s.getRun(number)
	if err != nil {
		return time.Time{}, false, dispatcherr.NewTransient("GetRunStart", err)
	}
	if !found {
		return time.Time{}, false, nil
	}
	return doc.Start, true, nil
}

func (s *BuntStore) WriteAggregateSnapshot(snap AggregateSnapshot) error {
	buf, err := js.Marshal(snap)
	if err != nil {
		return dispatcherr.NewTransient("WriteAggregateSnapshot", err)
	}
	key := seqKey("agg:"+snap.Detector, s.nextSeq())
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
	return dispatcherr.NewTransient("WriteAggregateSnapshot", err)
}

func (s *BuntStore) AggregateRates(runNumber int) (map[string]RunRate, error) {
	type acc struct {
		sum, max float64
		n        int
	}
	accs := map[string]*acc{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("agg:*", func(_, value string) bool {
			var snap AggregateSnapshot
			if err := js.UnmarshalFromString(value, &snap); err != nil {
				return true
			}
			if snap.RunNumber != runNumber {
				return true
			}
			a, ok := accs[snap.Detector]
			if !ok {
				a = &acc{}
				accs[snap.Detector] = a
			}
			a.sum += snap.Rate
			a.n++
			if snap.Rate > a.max {
				a.max = snap.Rate
			}
			return true
		})
	})
	if err != nil {
		return nil, dispatcherr.NewTransient("AggregateRates", err)
	}
	out := make(map[string]RunRate, len(accs))
	for det, a := range accs {
		avg := 0.0
		if a.n > 0 {
			avg = a.sum / float64(a.n)
		}
		out[det] = RunRate{Avg: avg, Max: a.max}
	}
	return out, nil
}

func (s *BuntStore) WriteLog(message string, priority int, errorType string) error {
	s.logMu.Lock()
	now := time.Now().UTC()
	if last, ok := s.lastLogSent[errorType]; ok {
		if window, ok := s.throttles[errorType]; ok && window > 0 && now.Sub(last) <= window {
			s.logMu.Unlock()
			return nil
		}
	}
	s.lastLogSent[errorType] = now
	s.logMu.Unlock()

	entry := LogEntry{User: "dispatcher", Message: message, Priority: priority}
	buf, err := js.Marshal(entry)
	if err != nil {
		return dispatcherr.NewTransient("WriteLog", err)
	}
	key := seqKey("log", s.nextSeq())
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
	return dispatcherr.NewTransient("WriteLog", err)
}

func (s *BuntStore) EnqueueCommand(cmd QueuedCommand) error {
	if cmd.ID == "" {
		cmd.ID = newID()
	}
	buf, err := js.Marshal(queuedOnDisk{outgoingOnDisk: toDisk(cmd.OutgoingCommand), DueAt: cmd.DueAt, AckHost: cmd.AckHost})
	if err != nil {
		return dispatcherr.NewTransient("EnqueueCommand", err)
	}
	key := fmt.Sprintf("queue:%020d:%020d", cmd.DueAt.UnixNano(), s.nextSeq())
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(buf), nil)
		return err
	})
	return dispatcherr.NewTransient("EnqueueCommand", err)
}

type queuedOnDisk struct {
	outgoingOnDisk
	DueAt   time.Time `json:"due_at"`
	AckHost string    `json:"ack_host,omitempty"`
}

func (s *BuntStore) PeekDueCommand() (QueuedCommand, bool, error) {
	var out QueuedCommand
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("queue:*", func(_, value string) bool {
			var d queuedOnDisk
			if err := js.UnmarshalFromString(value, &d); err != nil {
				return true
			}
			out = QueuedCommand{OutgoingCommand: fromDisk(d.outgoingOnDisk), DueAt: d.DueAt, AckHost: d.AckHost}
			found = true
			return false
		})
	})
	if err != nil {
		return QueuedCommand{}, false, dispatcherr.NewTransient("PeekDueCommand", err)
	}
	return out, found, nil
}

func (s *BuntStore) PopCommand(id string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var foundKey string
		tx.AscendKeys("queue:*", func(key, value string) bool {
			var d queuedOnDisk
			if err := js.UnmarshalFromString(value, &d); err != nil {
				return true
			}
			if d.ID == id {
				foundKey = key
				return false
			}
			return true
		})
		if foundKey == "" {
			return nil
		}
		_, err := tx.Delete(foundKey)
		return err
	})
	return dispatcherr.NewTransient("PopCommand", err)
}
