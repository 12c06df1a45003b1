package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"studio-sync/internal/api"
	"studio-sync/internal/logging"
	"studio-sync/internal/wire"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	resp  api.ExecutionResponse
	err   error
}

func (r *fakeRunner) StartExecution(ctx context.Context, jobID string, params map[string]any) (api.ExecutionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.resp, r.err
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeChannels hands the registered listener back to the test so it can
// inject lifecycle events, and counts channel references.
type fakeChannels struct {
	mu         sync.Mutex
	acquired   []string
	released   int
	acquireErr error
	cancels    int
	listeners  map[string]func(wire.ExecutionStatusEvent)
	registered chan string
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		listeners:  map[string]func(wire.ExecutionStatusEvent){},
		registered: make(chan string, 16),
	}
}

func (c *fakeChannels) Acquire(ctx context.Context, channel string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquireErr != nil {
		return nil, c.acquireErr
	}
	c.acquired = append(c.acquired, channel)
	return func() {
		c.mu.Lock()
		c.released++
		c.mu.Unlock()
	}, nil
}

func (c *fakeChannels) OnExecutionStatus(executionID string, fn func(wire.ExecutionStatusEvent)) func() {
	c.mu.Lock()
	c.listeners[executionID] = fn
	c.mu.Unlock()
	c.registered <- executionID
	return func() {
		c.mu.Lock()
		c.cancels++
		delete(c.listeners, executionID)
		c.mu.Unlock()
	}
}

func (c *fakeChannels) emit(t *testing.T, event wire.ExecutionStatusEvent) {
	t.Helper()
	c.mu.Lock()
	fn := c.listeners[event.ExecutionID]
	c.mu.Unlock()
	if fn == nil {
		t.Fatalf("no listener registered for %q", event.ExecutionID)
	}
	fn(event)
}

func (c *fakeChannels) stats() (acquired []string, released, cancels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acquired...), c.released, c.cancels
}

func TestExecuteTerminalResponseSkipsChannel(t *testing.T) {
	runner := &fakeRunner{resp: api.ExecutionResponse{
		ExecutionID: "exec-1",
		Status:      "completed",
		Result:      []byte(`{"rows":3}`),
	}}
	conn := newFakeChannels()
	tracker := NewTracker(runner, conn, logging.New(false), nil, time.Minute)

	result, err := tracker.Execute(context.Background(), "job.run", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Phase != wire.PhaseCompleted || result.ExecutionID != "exec-1" {
		t.Fatalf("result = %+v", result)
	}
	acquired, _, _ := conn.stats()
	if len(acquired) != 0 {
		t.Fatalf("terminal response must not touch the realtime channel, acquired %v", acquired)
	}
	if tracker.AnyRunning() {
		t.Fatalf("nothing should remain tracked")
	}
}

func TestExecuteCompletesViaEvent(t *testing.T) {
	runner := &fakeRunner{resp: api.ExecutionResponse{ExecutionID: "exec-2", Status: "running"}}
	conn := newFakeChannels()
	tracker := NewTracker(runner, conn, logging.New(false), nil, time.Minute)

	type executeResult struct {
		result Result
		err    error
	}
	done := make(chan executeResult, 1)
	go func() {
		result, err := tracker.Execute(context.Background(), "job.run", map[string]any{"path": "a"})
		done <- executeResult{result: result, err: err}
	}()

	<-conn.registered
	if ids := tracker.RunningIDs(); len(ids) != 1 || ids[0] != "exec-2" {
		t.Fatalf("RunningIDs = %v", ids)
	}
	if !tracker.AnyRunning() {
		t.Fatalf("AnyRunning = false while a job is tracked")
	}

	// A non-terminal heartbeat must not settle the execution.
	conn.emit(t, wire.ExecutionStatusEvent{ExecutionID: "exec-2", Status: "running"})
	select {
	case out := <-done:
		t.Fatalf("settled on non-terminal event: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}

	conn.emit(t, wire.ExecutionStatusEvent{
		ExecutionID: "exec-2",
		Status:      "completed",
		Done:        true,
		Result:      []byte(`{"ok":true}`),
	})
	out := <-done
	if out.err != nil {
		t.Fatalf("Execute failed: %v", out.err)
	}
	if out.result.Phase != wire.PhaseCompleted || string(out.result.Output) != `{"ok":true}` {
		t.Fatalf("result = %+v", out.result)
	}

	acquired, released, cancels := conn.stats()
	if len(acquired) != 1 || acquired[0] != "execution:exec-2" {
		t.Fatalf("acquired = %v", acquired)
	}
	if released != 1 || cancels != 1 {
		t.Fatalf("released = %d, cancels = %d, want 1 and 1", released, cancels)
	}
	if tracker.AnyRunning() {
		t.Fatalf("execution still tracked after completion")
	}
}

func TestExecuteTimeout(t *testing.T) {
	runner := &fakeRunner{resp: api.ExecutionResponse{ExecutionID: "exec-3", Status: "running"}}
	conn := newFakeChannels()
	clock := clockwork.NewFakeClock()
	tracker := NewTracker(runner, conn, logging.New(false), clock, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := tracker.Execute(context.Background(), "job.run", nil)
		done <- err
	}()

	<-conn.registered
	clock.Advance(time.Minute)

	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Execute did not return after the timeout fired")
	}
	if tracker.AnyRunning() {
		t.Fatalf("timed-out execution still tracked")
	}
	_, released, cancels := conn.stats()
	if released != 1 || cancels != 1 {
		t.Fatalf("released = %d, cancels = %d after timeout", released, cancels)
	}
}

func TestExecuteChannelFailureReportsPending(t *testing.T) {
	runner := &fakeRunner{resp: api.ExecutionResponse{ExecutionID: "exec-4", Status: "queued"}}
	conn := newFakeChannels()
	conn.acquireErr = errors.New("send buffer full")
	tracker := NewTracker(runner, conn, logging.New(false), nil, time.Minute)

	result, err := tracker.Execute(context.Background(), "job.run", nil)
	if err != nil {
		t.Fatalf("channel failure must not fail the call: %v", err)
	}
	if !result.Pending {
		t.Fatalf("result = %+v, want pending", result)
	}
	if result.ExecutionID != "exec-4" || result.Phase != wire.PhaseRunning {
		t.Fatalf("result = %+v", result)
	}
	if tracker.AnyRunning() {
		t.Fatalf("pending execution must not stay tracked")
	}
}

func TestExecuteStartFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	conn := newFakeChannels()
	tracker := NewTracker(runner, conn, logging.New(false), nil, time.Minute)

	_, err := tracker.Execute(context.Background(), "job.run", nil)
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if tracker.AnyRunning() {
		t.Fatalf("failed start must not be tracked")
	}
}

func TestExecuteContextCancel(t *testing.T) {
	runner := &fakeRunner{resp: api.ExecutionResponse{ExecutionID: "exec-5", Status: "running"}}
	conn := newFakeChannels()
	tracker := NewTracker(runner, conn, logging.New(false), nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tracker.Execute(ctx, "job.run", nil)
		done <- err
	}()

	<-conn.registered
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Execute did not return after cancellation")
	}
	if tracker.AnyRunning() {
		t.Fatalf("cancelled execution still tracked")
	}
}

func TestLateEventIsIgnored(t *testing.T) {
	runner := &fakeRunner{resp: api.ExecutionResponse{ExecutionID: "exec-6", Status: "running"}}
	conn := newFakeChannels()
	tracker := NewTracker(runner, conn, logging.New(false), nil, time.Minute)

	done := make(chan Result, 1)
	go func() {
		result, _ := tracker.Execute(context.Background(), "job.run", nil)
		done <- result
	}()
	<-conn.registered
	conn.emit(t, wire.ExecutionStatusEvent{ExecutionID: "exec-6", Status: "completed", Done: true})
	first := <-done

	// The listener was deregistered on settle; a straggler event has no
	// destination and changes nothing.
	conn.mu.Lock()
	_, stillListening := conn.listeners["exec-6"]
	conn.mu.Unlock()
	if stillListening {
		t.Fatalf("listener survived settlement")
	}
	if first.Phase != wire.PhaseCompleted {
		t.Fatalf("result = %+v", first)
	}
}

func TestCloseAbandonsOutstanding(t *testing.T) {
	runner := &fakeRunner{resp: api.ExecutionResponse{ExecutionID: "exec-7", Status: "running"}}
	conn := newFakeChannels()
	tracker := NewTracker(runner, conn, logging.New(false), nil, time.Minute)

	done := make(chan Result, 1)
	go func() {
		result, _ := tracker.Execute(context.Background(), "job.run", nil)
		done <- result
	}()
	<-conn.registered

	tracker.Close()
	result := <-done
	if !result.Pending {
		t.Fatalf("abandoned execution result = %+v, want pending", result)
	}
	if tracker.AnyRunning() {
		t.Fatalf("entries remain after Close")
	}
	_, released, cancels := conn.stats()
	if released != 1 || cancels != 1 {
		t.Fatalf("released = %d, cancels = %d after Close", released, cancels)
	}
}
