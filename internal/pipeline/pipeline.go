// Package pipeline is the Command Pipeline (spec §4.3): a single background
// worker draining a due-time-ordered queue, the Go shape of dsort's
// goroutine-plus-errgroup worker reading off a shared channel
// (dsort/dsort.go), adapted to a store-backed queue instead of an
// in-memory one so a restart doesn't lose pending commands.
package pipeline

import (
	"context"
	"time"

	"github.com/xenonnt/dispatcher/internal/dispatcherr"
	"github.com/xenonnt/dispatcher/internal/mono"
	"github.com/xenonnt/dispatcher/internal/nlog"
	"github.com/xenonnt/dispatcher/internal/store"
)

// maxIdleWait bounds the worker's sleep when the queue is empty (spec §4.3).
const maxIdleWait = 10 * time.Second

// dueEpsilon is how close to due_at counts as "due now" (spec §4.3).
const dueEpsilon = 10 * time.Millisecond

// EnqueueRequest describes one controller decision to hand to the pipeline:
// publish Command to a single host group (len(Groups)==1, DelaySeconds
// ignored) or split it across two groups staggered by DelaySeconds.
type EnqueueRequest struct {
	Detector        string
	Command         store.Command
	Mode            string
	User            string
	Groups          [][]string
	DelaySeconds    float64
	OptionsOverride map[string]interface{}

	// AckHost is the crate-controller host whose ack the pipeline should
	// track under the command tracker once published, if any (spec §4.3:
	// "record ... for any controller host present in hosts").
	AckHost string
}

// Pipeline is constructed once per process; Run drives its worker loop
// until ctx is cancelled.
type Pipeline struct {
	Store store.Gateway
	Clock mono.Clock

	wake chan struct{}
}

func New(gw store.Gateway) *Pipeline {
	return &Pipeline{Store: gw, Clock: mono.Real, wake: make(chan struct{}, 1)}
}

// Enqueue writes req to the durable queue as one or two QueuedCommand docs
// (spec §4.3 delay semantics) and wakes the worker. It never publishes
// synchronously — the worker owns all writes to outgoing_commands (spec §5
// shared-resource policy).
func (p *Pipeline) Enqueue(req EnqueueRequest) error {
	if len(req.Groups) == 0 {
		return nil
	}
	now := p.Clock.Now()

	base := store.OutgoingCommand{
		Command:         req.Command,
		Detector:        req.Detector,
		Mode:            req.Mode,
		User:            req.User,
		CreatedAt:       now,
		OptionsOverride: req.OptionsOverride,
	}

	if len(req.Groups) == 1 || req.DelaySeconds <= 0 {
		hosts := req.Groups[0]
		if len(req.Groups) > 1 {
			hosts = concatGroups(req.Groups)
		}
		if len(hosts) == 0 {
			return dispatcherr.NewTransient("Enqueue", errEmptyHosts{})
		}
		cmd := base
		cmd.Hosts = hosts
		q := store.QueuedCommand{OutgoingCommand: cmd, DueAt: now, AckHost: req.AckHost}
		if err := p.Store.EnqueueCommand(q); err != nil {
			return err
		}
		p.signal()
		return nil
	}

	first, second := req.Groups[0], req.Groups[1]
	if len(first) == 0 || len(second) == 0 {
		return dispatcherr.NewTransient("Enqueue", errEmptyHosts{})
	}
	delay := time.Duration(req.DelaySeconds * float64(time.Second))

	cmd1 := base
	cmd1.Hosts = first
	cmd2 := base
	cmd2.Hosts = second

	q1 := store.QueuedCommand{OutgoingCommand: cmd1, DueAt: now, AckHost: hostIn(req.AckHost, first)}
	q2 := store.QueuedCommand{OutgoingCommand: cmd2, DueAt: now.Add(delay), AckHost: hostIn(req.AckHost, second)}
	if err := p.Store.EnqueueCommand(q1); err != nil {
		return err
	}
	if err := p.Store.EnqueueCommand(q2); err != nil {
		return err
	}
	p.signal()
	return nil
}

// hostIn returns ackHost if it's a member of group, else "" — the ack
// lookup belongs on whichever of the two delay-split groups actually
// contains the crate controller.
func hostIn(ackHost string, group []string) string {
	if ackHost == "" {
		return ""
	}
	for _, h := range group {
		if h == ackHost {
			return ackHost
		}
	}
	return ""
}

func concatGroups(groups [][]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

type errEmptyHosts struct{}

func (errEmptyHosts) Error() string { return "enqueue request names no hosts" }

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue in due-time order until ctx is cancelled (spec §5:
// the pipeline worker is single-threaded and event-driven).
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cmd, ok, err := p.Store.PeekDueCommand()
		if err != nil {
			nlog.Warningf("pipeline: peek: %v", err)
			if !p.sleepOrWake(ctx, maxIdleWait) {
				return nil
			}
			continue
		}
		if !ok {
			if !p.sleepOrWake(ctx, maxIdleWait) {
				return nil
			}
			continue
		}

		wait := cmd.DueAt.Sub(p.Clock.Now())
		if wait > dueEpsilon {
			if !p.sleepOrWake(ctx, wait) {
				return nil
			}
			continue
		}

		p.publish(cmd)
	}
}

// sleepOrWake waits up to d for either an Enqueue signal or ctx cancellation.
// It returns false if the caller should stop (ctx done).
func (p *Pipeline) sleepOrWake(ctx context.Context, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (p *Pipeline) publish(cmd store.QueuedCommand) {
	id, err := p.Store.PublishCommand(cmd.OutgoingCommand)
	if err != nil {
		nlog.Warningf("pipeline: publish %s for %s failed, dropping it: %v", cmd.Command, cmd.Detector, err)
		if perr := p.Store.PopCommand(cmd.ID); perr != nil {
			nlog.Warningf("pipeline: drop queued %s for %s: %v", cmd.Command, cmd.Detector, perr)
		}
		return
	}
	if err := p.Store.PopCommand(cmd.ID); err != nil {
		nlog.Warningf("pipeline: pop queued %s for %s: %v", cmd.Command, cmd.Detector, err)
	}

	if cmd.AckHost != "" {
		if err := p.Store.WriteAckLookup(cmd.Detector, cmd.Command, id); err != nil {
			nlog.Warningf("pipeline: ack-lookup for %s/%s: %v", cmd.Detector, cmd.Command, err)
		}
	}
}
