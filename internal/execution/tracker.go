// Package execution bridges a synchronous job-start call with the
// asynchronous terminal event delivered over the realtime channel, with an
// enforced upper bound on how long a job may stay tracked.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"studio-sync/internal/api"
	"studio-sync/internal/logging"
	"studio-sync/internal/wire"
)

var ErrTimeout = errors.New("execution timed out waiting for a result")

const DefaultTimeout = 5 * time.Minute

// Runner is the slice of the Execution API the tracker needs.
type Runner interface {
	StartExecution(ctx context.Context, jobID string, params map[string]any) (api.ExecutionResponse, error)
}

// Channels is the slice of the connection manager the tracker needs.
type Channels interface {
	Acquire(ctx context.Context, channel string) (func(), error)
	OnExecutionStatus(executionID string, fn func(wire.ExecutionStatusEvent)) func()
}

// Result is the uniform outcome of an execution, whether it completed
// synchronously, via a channel event, or was abandoned to run server-side.
type Result struct {
	ExecutionID string
	Phase       wire.Phase
	Status      string
	Output      json.RawMessage
	Error       string
	// Pending is set when the job was started but the live channel could
	// not be reached; the job may still complete server-side.
	Pending bool
}

type Tracker struct {
	runner  Runner
	conn    Channels
	logger  *logging.Logger
	clock   clockwork.Clock
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type outcome struct {
	result Result
	err    error
}

// entry is one outstanding asynchronous job. It is terminal exactly once:
// completion, timeout, transport failure, and teardown race for settle and
// only the first wins.
type entry struct {
	executionID string
	jobID       string
	startedAt   time.Time

	done chan outcome

	settled     bool
	timer       clockwork.Timer
	cancelWatch func()
	release     func()
}

func NewTracker(runner Runner, conn Channels, logger *logging.Logger, clock clockwork.Clock, timeout time.Duration) *Tracker {
	if runner == nil {
		panic("execution.NewTracker: runner must not be nil")
	}
	if conn == nil {
		panic("execution.NewTracker: channels must not be nil")
	}
	if logger == nil {
		panic("execution.NewTracker: logger must not be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		runner:  runner,
		conn:    conn,
		logger:  logger,
		clock:   clock,
		timeout: timeout,
		entries: map[string]*entry{},
	}
}

// Execute starts the job and blocks until it reaches a terminal state, the
// timeout fires, or ctx is cancelled. A response that is already terminal
// returns immediately without touching the realtime channel.
func (t *Tracker) Execute(ctx context.Context, jobID string, params map[string]any) (Result, error) {
	resp, err := t.runner.StartExecution(ctx, jobID, params)
	if err != nil {
		return Result{}, fmt.Errorf("start execution %s: %w", jobID, err)
	}
	if wire.Classify(resp.Status).Terminal() {
		t.logger.Debug("execution completed synchronously",
			logging.Field("job_id", jobID),
			logging.Field("status", resp.Status),
		)
		return resultFromResponse(resp), nil
	}

	executionID := resp.ExecutionID

	// Track before any channel setup so RunningIDs is correct during the
	// connect race.
	e := &entry{
		executionID: executionID,
		jobID:       jobID,
		startedAt:   t.clock.Now(),
		done:        make(chan outcome, 1),
	}
	t.mu.Lock()
	t.entries[executionID] = e
	e.timer = t.clock.AfterFunc(t.timeout, func() {
		t.settle(e, outcome{err: fmt.Errorf("%w: execution %s", ErrTimeout, executionID)})
	})
	t.mu.Unlock()

	cancelWatch := t.conn.OnExecutionStatus(executionID, func(event wire.ExecutionStatusEvent) {
		if !wire.Classify(event.Status).Terminal() && !event.Done {
			return
		}
		t.settle(e, outcome{result: resultFromEvent(event)})
	})
	t.attachWatch(e, cancelWatch)

	release, err := t.conn.Acquire(ctx, wire.ExecutionChannel(executionID))
	if err != nil {
		// The Execution API call already succeeded; losing the live channel
		// is not a hard failure. Report the job as pending instead.
		t.logger.Warn("realtime channel unavailable for execution",
			logging.Field("execution_id", executionID),
			logging.Field("error", err),
		)
		t.settle(e, outcome{result: Result{
			ExecutionID: executionID,
			Phase:       wire.PhaseRunning,
			Status:      resp.Status,
			Pending:     true,
		}})
	} else {
		t.attachRelease(e, release)
	}

	select {
	case out := <-e.done:
		return out.result, out.err
	case <-ctx.Done():
		t.settle(e, outcome{err: ctx.Err()})
		out := <-e.done
		return out.result, out.err
	}
}

// settle performs the single terminal transition for an entry: the first
// caller wins, releases the timer and subscription, and removes the entry
// from the tracking map. Later calls are no-ops.
func (t *Tracker) settle(e *entry, out outcome) {
	t.mu.Lock()
	if e.settled {
		t.mu.Unlock()
		return
	}
	e.settled = true
	delete(t.entries, e.executionID)
	timer := e.timer
	cancelWatch := e.cancelWatch
	release := e.release
	e.timer = nil
	e.cancelWatch = nil
	e.release = nil
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancelWatch != nil {
		cancelWatch()
	}
	if release != nil {
		release()
	}
	e.done <- out
}

// attachWatch records the listener disposer, or runs it immediately when the
// entry settled while the listener was being registered.
func (t *Tracker) attachWatch(e *entry, cancelWatch func()) {
	t.mu.Lock()
	if e.settled {
		t.mu.Unlock()
		cancelWatch()
		return
	}
	e.cancelWatch = cancelWatch
	t.mu.Unlock()
}

func (t *Tracker) attachRelease(e *entry, release func()) {
	t.mu.Lock()
	if e.settled {
		t.mu.Unlock()
		release()
		return
	}
	e.release = release
	t.mu.Unlock()
}

// Close abandons tracking for every outstanding execution, releasing timers
// and channel subscriptions. The remote jobs themselves are not cancelled.
func (t *Tracker) Close() {
	t.mu.Lock()
	outstanding := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		outstanding = append(outstanding, e)
	}
	t.mu.Unlock()

	for _, e := range outstanding {
		t.settle(e, outcome{result: Result{
			ExecutionID: e.executionID,
			Phase:       wire.PhaseRunning,
			Pending:     true,
		}})
	}
}

// RunningIDs lists the executions currently tracked, sorted for stable
// presentation. Derived straight from the tracking map so it cannot drift.
func (t *Tracker) RunningIDs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (t *Tracker) AnyRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) > 0
}

func resultFromResponse(resp api.ExecutionResponse) Result {
	return Result{
		ExecutionID: resp.ExecutionID,
		Phase:       wire.Classify(resp.Status),
		Status:      resp.Status,
		Output:      resp.Result,
		Error:       resp.Error,
	}
}

func resultFromEvent(event wire.ExecutionStatusEvent) Result {
	return Result{
		ExecutionID: event.ExecutionID,
		Phase:       wire.Classify(event.Status),
		Status:      event.Status,
		Output:      event.Result,
		Error:       event.Error,
	}
}
