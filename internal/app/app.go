// Package app wires the coordination layer together for one session: the
// realtime connection, the save queue, the execution tracker, and the local
// workspace watcher. All services are constructed explicitly here and live
// for the app's lifetime; nothing is package-global.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"studio-sync/internal/api"
	"studio-sync/internal/config"
	"studio-sync/internal/execution"
	"studio-sync/internal/logging"
	"studio-sync/internal/realtime"
	"studio-sync/internal/save"
)

const (
	saveEncoding       = "utf-8"
	publishJobID       = "resource.publish"
	deferredWorkBudget = 2 * time.Minute
)

type Callbacks struct {
	OnStatus   func(status string)
	OnConflict func(key, reason string)
}

type SyncApp struct {
	opts    config.Options
	client  *api.Client
	logger  *logging.Logger
	hooks   Callbacks
	conn    *realtime.Manager
	saves   *save.Coordinator
	tracker *execution.Tracker

	mu       sync.Mutex
	versions map[string]string
	dirty    map[string]bool
}

func New(ctx context.Context, opts config.Options, endpoints config.APIEndpoints, client *api.Client, logger *logging.Logger, hooks Callbacks) *SyncApp {
	if client == nil {
		panic("app.New: client must not be nil")
	}
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	clock := clockwork.NewRealClock()

	a := &SyncApp{
		opts:     opts,
		client:   client,
		logger:   logger,
		hooks:    hooks,
		versions: map[string]string{},
		dirty:    map[string]bool{},
	}
	a.conn = realtime.NewManager(endpoints.RealtimeURL, opts.Token, logger, clock, realtime.DefaultSettings(), realtime.Hooks{
		OnStatus: func(status string) {
			if hooks.OnStatus != nil {
				hooks.OnStatus(status)
			}
		},
	})
	a.saves = save.NewCoordinator(ctx, client, logger, clock, save.DefaultSettings(), func(key string, err error) {
		logger.Warn("save did not land", logging.Field("key", key), logging.Field("error", err))
	})
	a.tracker = execution.NewTracker(client, a.conn, logger, clock, execution.DefaultTimeout)
	return a
}

// Connection exposes the shared realtime manager for callers that need
// channel delivery beyond what the app wires itself.
func (a *SyncApp) Connection() *realtime.Manager {
	return a.conn
}

func (a *SyncApp) Tracker() *execution.Tracker {
	return a.tracker
}

func (a *SyncApp) RunContext(ctx context.Context) error {
	a.logger.Info("studio sync starting",
		logging.Field("workspace", a.opts.WorkspaceID),
		logging.Field("workspace_dir", a.opts.WorkspaceDir),
	)

	if err := a.conn.Connect(ctx, "workspace:"+a.opts.WorkspaceID); err != nil {
		return fmt.Errorf("realtime connect: %w", err)
	}
	defer a.conn.Disconnect()
	defer a.tracker.Close()

	return a.runWatcher(ctx)
}

// enqueueSave feeds one local edit into the debounced save queue. Repeated
// edits to the same resource within the debounce window coalesce into a
// single write carrying the latest content.
func (a *SyncApp) enqueueSave(key, content string) {
	a.saves.Enqueue(save.Request{
		Key:             key,
		Content:         content,
		Encoding:        saveEncoding,
		ExpectedVersion: a.versionFor(key),
		OnSettled: func(info save.SettleInfo) {
			a.storeVersion(key, info.NewVersion)
			if info.ContentModified {
				a.logger.Debug("server normalized saved content", logging.Field("key", key))
			}
			for _, diag := range info.Diagnostics {
				a.logger.Info("save diagnostic",
					logging.Field("key", key),
					logging.Field("severity", diag.Severity),
					logging.Field("message", diag.Message),
				)
			}
			if info.DeferredWork {
				go a.runDeferredWork(key)
			}
		},
		OnConflict: func(reason string, details *api.ConflictError) {
			a.markDirty(key)
			a.logger.Warn("keeping local content after conflict",
				logging.Field("key", key),
				logging.Field("reason", reason),
			)
			if a.hooks.OnConflict != nil {
				a.hooks.OnConflict(key, reason)
			}
		},
	})
}

// runDeferredWork performs the heavy follow-up a save flagged, but only once
// every outstanding lightweight write has landed. Without the barrier the
// publish could race a later edit and silently clobber it.
func (a *SyncApp) runDeferredWork(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), deferredWorkBudget)
	defer cancel()

	if err := a.saves.WaitForQuiescence(ctx); err != nil {
		a.logger.Warn("skipping deferred publish: save queue busy",
			logging.Field("key", key),
			logging.Field("error", err),
		)
		return
	}
	result, err := a.tracker.Execute(ctx, publishJobID, map[string]any{"path": key})
	if err != nil {
		a.logger.Warn("deferred publish failed",
			logging.Field("key", key),
			logging.Field("error", err),
		)
		return
	}
	if result.Pending {
		a.logger.Info("deferred publish started; completion unknown", logging.Field("key", key))
		return
	}
	a.logger.Info("deferred publish finished",
		logging.Field("key", key),
		logging.Field("status", result.Status),
	)
}

func (a *SyncApp) versionFor(key string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if version, ok := a.versions[key]; ok && strings.TrimSpace(version) != "" {
		return version
	}
	return "0"
}

func (a *SyncApp) storeVersion(key, version string) {
	a.mu.Lock()
	a.versions[key] = version
	delete(a.dirty, key)
	a.mu.Unlock()
}

func (a *SyncApp) markDirty(key string) {
	a.mu.Lock()
	a.dirty[key] = true
	a.mu.Unlock()
}

// DirtyKeys lists resources whose last write conflicted and are awaiting
// caller-driven resolution.
func (a *SyncApp) DirtyKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.dirty))
	for key := range a.dirty {
		keys = append(keys, key)
	}
	return keys
}
