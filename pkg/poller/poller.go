// Package poller tracks one submission's carrier tasks from the consumer
// side, repeatedly querying the status service until every task settles.
package poller

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/quotefleet/rpatrack/internal/backoff"
	"github.com/quotefleet/rpatrack/pkg/domain"
)

type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateSettled State = "settled"
)

// StatusClient fetches the current task map for a submission.
type StatusClient interface {
	TaskStatuses(ctx context.Context, submissionID string) (domain.TaskMap, error)
}

type Options struct {
	// Interval between successful polls. Defaults to 5s.
	Interval time.Duration

	// BackoffPolicy, BackoffBase and BackoffMax shape the retry delay after a
	// failed poll. Defaults: exponential full-jitter, base = Interval, max 60s.
	BackoffPolicy string
	BackoffBase   time.Duration
	BackoffMax    time.Duration

	Logger *slog.Logger

	// OnUpdate is invoked after every state change or applied server response,
	// from the Run goroutine. Optional.
	OnUpdate func(tasks domain.TaskMap, state State)
}

// Poller is a state machine over a single submission's task map. It idles
// until it observes a non-terminal task, polls on a fixed interval while any
// task is in flight, and stops the moment everything is terminal. A poll
// failure keeps the last known-good map and retries with backoff.
type Poller struct {
	client       StatusClient
	submissionID string
	opts         Options
	rng          *rand.Rand

	mu       sync.Mutex
	state    State
	tasks    domain.TaskMap
	failures int

	wake chan struct{}
}

func New(client StatusClient, submissionID string, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = opts.Interval
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		client:       client,
		submissionID: submissionID,
		opts:         opts,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		state:        StateIdle,
		tasks:        domain.TaskMap{},
		wake:         make(chan struct{}, 1),
	}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Tasks returns the last known-good task map.
func (p *Poller) Tasks() domain.TaskMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Clone()
}

// Observe replaces the local map with tasks and re-evaluates the state.
// Observing a non-terminal task re-enters Polling even after settling, so a
// submission that gets fresh dispatches wakes the loop again.
func (p *Poller) Observe(tasks domain.TaskMap) {
	p.mu.Lock()
	p.tasks = tasks.Clone()
	state := p.reevaluateLocked()
	snapshot := p.tasks.Clone()
	p.mu.Unlock()

	if state == StatePolling {
		p.signal()
	}
	p.notify(snapshot, state)
}

// Kick forces an immediate poll instead of waiting out the interval.
func (p *Poller) Kick() {
	p.signal()
}

// Run drives the polling loop until ctx is cancelled. It returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	for {
		if p.State() != StatePolling {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wake:
				continue
			}
		}

		p.pollOnce(ctx)
		if p.State() != StatePolling {
			continue
		}

		delay := p.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	tasks, err := p.client.TaskStatuses(ctx, p.submissionID)
	if ctx.Err() != nil {
		// Cancelled mid-flight; never apply a late response.
		return
	}
	if err != nil {
		p.mu.Lock()
		p.failures++
		failures := p.failures
		p.mu.Unlock()
		p.opts.Logger.Warn("status poll failed",
			"submissionId", p.submissionID, "attempt", failures, "err", err)
		return
	}

	p.mu.Lock()
	p.failures = 0
	p.tasks = tasks.Clone()
	p.reevaluateLocked()
	snapshot, state := p.tasks.Clone(), p.state
	p.mu.Unlock()

	if state == StateSettled {
		p.opts.Logger.Info("submission settled", "submissionId", p.submissionID)
	}
	p.notify(snapshot, state)
}

// reevaluateLocked derives the state from the current map: any non-terminal
// task means Polling, a non-empty all-terminal map means Settled, an empty
// map means Idle. Returns the new state.
func (p *Poller) reevaluateLocked() State {
	switch {
	case len(p.tasks) == 0:
		p.state = StateIdle
	case p.tasks.Settled():
		p.state = StateSettled
	default:
		p.state = StatePolling
	}
	return p.state
}

func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	failures := p.failures
	p.mu.Unlock()
	if failures == 0 {
		return p.opts.Interval
	}
	return backoff.Compute(p.opts.BackoffPolicy, p.opts.BackoffBase, p.opts.BackoffMax, failures, p.rng)
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) notify(tasks domain.TaskMap, state State) {
	if p.opts.OnUpdate != nil {
		p.opts.OnUpdate(tasks, state)
	}
}
