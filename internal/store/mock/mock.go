// Package mock is an in-memory fake of store.Gateway, the same shape as the
// teacher's cmd/authn mock.NewDBDriver(): a plain map-backed stand-in so
// controller/pipeline/status tests don't need a real buntdb file.
package mock

import (
	"sync"
	"time"

	"github.com/xenonnt/dispatcher/internal/dispatcherr"
	"github.com/xenonnt/dispatcher/internal/store"
)

type Store struct {
	mu sync.Mutex

	GoalStates map[string]store.GoalState
	Heartbeats map[string]store.Heartbeat
	Modes      map[string]store.RunModeDoc
	Runs       map[int]store.RunDoc
	Outgoing   map[string]store.OutgoingCommand
	AckLookup  map[string]string // "detector/command" -> id
	Queue      []store.QueuedCommand
	Snapshots  []store.AggregateSnapshot
	Logs       []store.LogEntry

	// Force* let tests simulate a transient failure on the next matching call.
	ForceErr map[string]error

	seq int64
}

func New() *Store {
	return &Store{
		GoalStates: map[string]store.GoalState{},
		Heartbeats: map[string]store.Heartbeat{},
		Modes:      map[string]store.RunModeDoc{},
		Runs:       map[int]store.RunDoc{},
		Outgoing:   map[string]store.OutgoingCommand{},
		AckLookup:  map[string]string{},
		ForceErr:   map[string]error{},
	}
}

func (s *Store) err(op string) error {
	if e, ok := s.ForceErr[op]; ok {
		return dispatcherr.NewTransient(op, e)
	}
	return nil
}

func (s *Store) nextID() string {
	s.seq++
	return "mock-" + itoa(s.seq)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Store) ReadGoalState(detectors []string, _ []string) (map[string]store.GoalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("ReadGoalState"); err != nil {
		return nil, err
	}
	out := make(map[string]store.GoalState, len(detectors))
	for _, d := range detectors {
		if gs, ok := s.GoalStates[d]; ok {
			out[d] = gs
		}
	}
	return out, nil
}

func (s *Store) SetGoalState(gs store.GoalState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GoalStates[gs.Detector] = gs
}

func (s *Store) ReadHeartbeats(hosts []string) (map[string]store.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("ReadHeartbeats"); err != nil {
		return nil, err
	}
	out := make(map[string]store.Heartbeat, len(hosts))
	for _, h := range hosts {
		if hb, ok := s.Heartbeats[h]; ok {
			out[h] = hb
		}
	}
	return out, nil
}

func (s *Store) SetHeartbeat(hb store.Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Heartbeats[hb.Host] = hb
}

func (s *Store) ReadRunMode(name string) (store.RunModeDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("ReadRunMode"); err != nil {
		return store.RunModeDoc{}, err
	}
	base, ok := s.Modes[name]
	if !ok {
		return store.RunModeDoc{}, &dispatcherr.ModeNotFound{Mode: name}
	}
	if len(base.Includes) == 0 {
		return base, nil
	}
	merged := store.RunModeDoc{Name: base.Name, Extra: map[string]interface{}{}}
	for _, inc := range base.Includes {
		incDoc, ok := s.Modes[inc]
		if !ok {
			return store.RunModeDoc{}, &dispatcherr.ModeIncludeMissing{Mode: name, Include: inc}
		}
		mergeInto(&merged, incDoc)
	}
	mergeInto(&merged, base)
	return merged, nil
}

func mergeInto(dst *store.RunModeDoc, src store.RunModeDoc) {
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

func (s *Store) SetRunMode(doc store.RunModeDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Modes[doc.Name] = doc
}

func (s *Store) AllocateRunNumber() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("AllocateRunNumber"); err != nil {
		return store.NoNewRun, err
	}
	max := -1
	for n := range s.Runs {
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (s *Store) PublishCommand(cmd store.OutgoingCommand) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("PublishCommand"); err != nil {
		return "", err
	}
	if cmd.ID == "" {
		cmd.ID = s.nextID()
	}
	if cmd.Acknowledged == nil {
		cmd.Acknowledged = map[string]time.Time{}
		for _, h := range cmd.Hosts {
			cmd.Acknowledged[h] = time.Time{}
		}
	}
	s.Outgoing[cmd.ID] = cmd
	return cmd.ID, nil
}

// AckHost lets a test simulate a host acknowledging a published command.
func (s *Store) AckHost(id, host string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.Outgoing[id]
	if !ok {
		return
	}
	if cmd.Acknowledged == nil {
		cmd.Acknowledged = map[string]time.Time{}
	}
	cmd.Acknowledged[host] = t
	s.Outgoing[id] = cmd
}

func trackKey(detector string, cmd store.Command) string { return detector + "/" + string(cmd) }

func (s *Store) WriteAckLookup(detector string, cmd store.Command, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("WriteAckLookup"); err != nil {
		return err
	}
	s.AckLookup[trackKey(detector, cmd)] = id
	return nil
}

func (s *Store) ReadAck(detector string, cmd store.Command) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("ReadAck"); err != nil {
		return false, err
	}
	id, ok := s.AckLookup[trackKey(detector, cmd)]
	if !ok {
		return true, nil
	}
	doc, ok := s.Outgoing[id]
	if !ok {
		return true, nil
	}
	return doc.AckedByDetector(), nil
}

func (s *Store) ReadAckTime(detector string, cmd store.Command, ccHost string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("ReadAckTime"); err != nil {
		return time.Time{}, false, err
	}
	id, ok := s.AckLookup[trackKey(detector, cmd)]
	if !ok {
		return time.Time{}, false, nil
	}
	doc, ok := s.Outgoing[id]
	if !ok {
		return time.Time{}, false, nil
	}
	t, ok := doc.Acknowledged[ccHost]
	if !ok || t.IsZero() {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *Store) OldestUnackedAge(host string, now time.Time) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("OldestUnackedAge"); err != nil {
		return 0, false, err
	}
	var oldest time.Time
	found := false
	for _, cmd := range s.Outgoing {
		addressed := false
		for _, h := range cmd.Hosts {
			if h == host {
				addressed = true
				break
			}
		}
		if !addressed {
			continue
		}
		if t, ok := cmd.Acknowledged[host]; ok && !t.IsZero() {
			continue
		}
		if !found || cmd.CreatedAt.Before(oldest) {
			oldest = cmd.CreatedAt
			found = true
		}
	}
	if !found {
		return 0, false, nil
	}
	return now.Sub(oldest), true, nil
}

func (s *Store) CreateRunDoc(doc store.RunDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("CreateRunDoc"); err != nil {
		return err
	}
	s.Runs[doc.Number] = doc
	return nil
}

func (s *Store) SetRunStart(number int, start time.Time, messy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("SetRunStart"); err != nil {
		return err
	}
	doc, ok := s.Runs[number]
	if !ok {
		return dispatcherr.NewTransient("SetRunStart", errNotFound("run"))
	}
	doc.Start = start
	if messy {
		doc.Tags = append(doc.Tags, store.RunTag{Name: "_messy", User: "daq", Date: start})
	}
	s.Runs[number] = doc
	return nil
}

func (s *Store) SetRunEnd(number int, end time.Time, messy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("SetRunEnd"); err != nil {
		return err
	}
	doc, ok := s.Runs[number]
	if !ok {
		return dispatcherr.NewTransient("SetRunEnd", errNotFound("run"))
	}
	if doc.End != nil {
		return nil
	}
	e := end
	doc.End = &e
	if messy {
		doc.Tags = append(doc.Tags, store.RunTag{Name: "_messy", User: "daq", Date: end})
	}
	s.Runs[number] = doc
	return nil
}

func (s *Store) AnnotateRunRate(number int, rates map[string]store.RunRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("AnnotateRunRate"); err != nil {
		return err
	}
	doc, ok := s.Runs[number]
	if !ok {
		return dispatcherr.NewTransient("AnnotateRunRate", errNotFound("run"))
	}
	doc.Rate = rates
	s.Runs[number] = doc
	return nil
}

func (s *Store) GetRunStart(number int) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("GetRunStart"); err != nil {
		return time.Time{}, false, err
	}
	doc, ok := s.Runs[number]
	if !ok {
		return time.Time{}, false, nil
	}
	return doc.Start, true, nil
}

func (s *Store) WriteAggregateSnapshot(snap store.AggregateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("WriteAggregateSnapshot"); err != nil {
		return err
	}
	s.Snapshots = append(s.Snapshots, snap)
	return nil
}

func (s *Store) AggregateRates(runNumber int) (map[string]store.RunRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("AggregateRates"); err != nil {
		return nil, err
	}
	type acc struct {
		sum, max float64
		n        int
	}
	accs := map[string]*acc{}
	for _, snap := range s.Snapshots {
		if snap.RunNumber != runNumber {
			continue
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
	}
	out := make(map[string]store.RunRate, len(accs))
	for det, a := range accs {
		avg := 0.0
		if a.n > 0 {
			avg = a.sum / float64(a.n)
		}
		out[det] = store.RunRate{Avg: avg, Max: a.max}
	}
	return out, nil
}

func (s *Store) WriteLog(message string, priority int, errorType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("WriteLog"); err != nil {
		return err
	}
	s.Logs = append(s.Logs, store.LogEntry{User: "dispatcher", Message: message, Priority: priority})
	return nil
}

func (s *Store) EnqueueCommand(cmd store.QueuedCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("EnqueueCommand"); err != nil {
		return err
	}
	if cmd.ID == "" {
		cmd.ID = s.nextID()
	}
	s.Queue = append(s.Queue, cmd)
	return nil
}

func (s *Store) PeekDueCommand() (store.QueuedCommand, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("PeekDueCommand"); err != nil {
		return store.QueuedCommand{}, false, err
	}
	if len(s.Queue) == 0 {
		return store.QueuedCommand{}, false, nil
	}
	best := 0
	for i, q := range s.Queue {
		if q.DueAt.Before(s.Queue[best].DueAt) {
			best = i
		}
	}
	return s.Queue[best], true, nil
}

func (s *Store) PopCommand(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err("PopCommand"); err != nil {
		return err
	}
	for i, q := range s.Queue {
		if q.ID == id {
			s.Queue = append(s.Queue[:i], s.Queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }

type simpleErr string

func (e simpleErr) Error() string    { return string(e) }
func errNotFound(what string) error { return simpleErr(what + " not found") }
