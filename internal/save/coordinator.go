// Package save coalesces rapid, overlapping write intents per resource into
// a minimal ordered sequence of network writes under optimistic concurrency.
// At most one write is in flight at any time across the whole coordinator.
package save

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"studio-sync/internal/api"
	"studio-sync/internal/logging"
)

var ErrQuiescenceTimeout = errors.New("save queue did not quiesce in time")

// Writer is the slice of the Write API the coordinator needs.
type Writer interface {
	Write(ctx context.Context, wr api.WriteRequest) (api.WriteResult, error)
}

type Settings struct {
	Debounce     time.Duration
	PollInterval time.Duration
	PollCeiling  time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Debounce:     1 * time.Second,
		PollInterval: 50 * time.Millisecond,
		PollCeiling:  10 * time.Second,
	}
}

type SettleInfo struct {
	NewVersion      string
	Content         string
	ContentModified bool
	DeferredWork    bool
	Diagnostics     []api.Diagnostic
}

type SettledFunc func(info SettleInfo)

type ConflictFunc func(reason string, details *api.ConflictError)

// Request is one write intent for a resource.
type Request struct {
	Key             string
	Content         string
	Encoding        string
	ExpectedVersion string
	SkipDeferred    bool
	OnSettled       SettledFunc
	OnConflict      ConflictFunc
}

type Coordinator struct {
	writer   Writer
	logger   *logging.Logger
	clock    clockwork.Clock
	settings Settings
	onError  func(key string, err error)

	ctx context.Context

	mu       sync.Mutex
	entries  map[string]*entry
	ready    []*entry
	inFlight bool
}

// entry is one queued or in-flight write. A newer enqueue for the same key
// replaces the entry; the replaced entry's debounce timer is stopped but an
// already-dispatched network call is never aborted.
type entry struct {
	req      Request
	timer    clockwork.Timer
	isReady  bool
	enqueued time.Time
}

func NewCoordinator(ctx context.Context, writer Writer, logger *logging.Logger, clock clockwork.Clock, settings Settings, onError func(key string, err error)) *Coordinator {
	if writer == nil {
		panic("save.NewCoordinator: writer must not be nil")
	}
	if logger == nil {
		panic("save.NewCoordinator: logger must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if settings.Debounce <= 0 {
		settings.Debounce = DefaultSettings().Debounce
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultSettings().PollInterval
	}
	if settings.PollCeiling <= 0 {
		settings.PollCeiling = DefaultSettings().PollCeiling
	}
	c := &Coordinator{
		writer:   writer,
		logger:   logger,
		clock:    clock,
		settings: settings,
		onError:  onError,
		ctx:      ctx,
		entries:  map[string]*entry{},
	}
	return c
}

// Enqueue schedules a debounced write for the resource key, replacing any
// pending entry for the same key and restarting its debounce window. The
// callbacks fire exactly once when this particular intent settles, unless a
// newer enqueue replaces it before its timer fires.
func (c *Coordinator) Enqueue(req Request) {
	if req.Key == "" {
		c.logger.Warn("ignoring save request with empty resource key")
		return
	}
	c.mu.Lock()
	if prior, ok := c.entries[req.Key]; ok {
		if prior.timer != nil {
			prior.timer.Stop()
		}
		c.dropReadyLocked(prior)
	}
	e := &entry{req: req, enqueued: c.clock.Now()}
	c.entries[req.Key] = e
	e.timer = c.clock.AfterFunc(c.settings.Debounce, func() {
		c.markReady(e)
	})
	c.mu.Unlock()
	c.logger.Debug("save queued",
		logging.Field("key", req.Key),
		logging.Field("expected_version", req.ExpectedVersion),
	)
}

// ForceSave bypasses the debounce: any pending timer for the key is
// cancelled and the request becomes ready immediately.
func (c *Coordinator) ForceSave(req Request) {
	if req.Key == "" {
		c.logger.Warn("ignoring save request with empty resource key")
		return
	}
	c.mu.Lock()
	if prior, ok := c.entries[req.Key]; ok {
		if prior.timer != nil {
			prior.timer.Stop()
		}
		c.dropReadyLocked(prior)
	}
	e := &entry{req: req, isReady: true, enqueued: c.clock.Now()}
	c.entries[req.Key] = e
	c.ready = append(c.ready, e)
	c.mu.Unlock()
	c.pump()
}

func (c *Coordinator) markReady(e *entry) {
	c.mu.Lock()
	if c.entries[e.req.Key] != e {
		// Replaced before the timer fired; a newer entry owns the key.
		c.mu.Unlock()
		return
	}
	e.isReady = true
	e.timer = nil
	c.ready = append(c.ready, e)
	c.mu.Unlock()
	c.pump()
}

// pump dispatches the next ready entry when no write is in flight. Ready
// entries drain in the order they became ready; there is no FIFO guarantee
// across keys beyond that.
func (c *Coordinator) pump() {
	c.mu.Lock()
	if c.inFlight || len(c.ready) == 0 {
		c.mu.Unlock()
		return
	}
	e := c.ready[0]
	c.ready = c.ready[1:]
	if c.entries[e.req.Key] != e {
		// Stale ready marker for a replaced entry.
		c.mu.Unlock()
		c.pump()
		return
	}
	c.inFlight = true
	c.mu.Unlock()
	go c.dispatch(e)
}

func (c *Coordinator) dispatch(e *entry) {
	c.logger.Debug("dispatching save",
		logging.Field("key", e.req.Key),
		logging.Field("queued_for", c.clock.Since(e.enqueued).String()),
	)
	result, err := c.writer.Write(c.ctx, api.WriteRequest{
		Path:            e.req.Key,
		Content:         e.req.Content,
		Encoding:        e.req.Encoding,
		ExpectedVersion: e.req.ExpectedVersion,
		SkipDeferred:    e.req.SkipDeferred,
	})

	c.mu.Lock()
	if c.entries[e.req.Key] == e {
		delete(c.entries, e.req.Key)
	}
	c.inFlight = false
	c.mu.Unlock()

	switch {
	case err == nil:
		if e.req.OnSettled != nil {
			e.req.OnSettled(SettleInfo{
				NewVersion:      result.NewVersion,
				Content:         result.Content,
				ContentModified: result.ContentModified,
				DeferredWork:    result.DeferredWork,
				Diagnostics:     result.Diagnostics,
			})
		}
	case errors.Is(err, api.ErrConflict):
		// Terminal for this enqueue; the caller owns conflict resolution.
		var conflict *api.ConflictError
		errors.As(err, &conflict)
		reason := "version mismatch"
		if conflict != nil && conflict.Reason != "" {
			reason = conflict.Reason
		}
		c.logger.Warn("save conflict",
			logging.Field("key", e.req.Key),
			logging.Field("reason", reason),
		)
		if e.req.OnConflict != nil {
			e.req.OnConflict(reason, conflict)
		}
	default:
		c.logger.Warn("save failed",
			logging.Field("key", e.req.Key),
			logging.Field("error", err),
		)
		if c.onError != nil {
			c.onError(e.req.Key, err)
		}
	}

	c.pump()
}

func (c *Coordinator) dropReadyLocked(e *entry) {
	for i, ready := range c.ready {
		if ready == e {
			c.ready = append(c.ready[:i], c.ready[i+1:]...)
			return
		}
	}
}

// Pending reports whether any entry is queued, ready, or in flight.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) > 0 || c.inFlight
}

// WaitForQuiescence blocks until the queue has no pending or in-flight
// entries, polling at the configured interval up to the ceiling. Callers use
// it as a barrier before dependent heavy operations so a deferred write
// cannot race a later-arriving light one.
func (c *Coordinator) WaitForQuiescence(ctx context.Context) error {
	if !c.Pending() {
		return nil
	}
	deadline := c.clock.Now().Add(c.settings.PollCeiling)
	for {
		timer := c.clock.NewTimer(c.settings.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
		if !c.Pending() {
			return nil
		}
		if c.clock.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrQuiescenceTimeout, c.settings.PollCeiling)
		}
	}
}
