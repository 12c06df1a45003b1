package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"studio-sync/internal/api"
	"studio-sync/internal/app"
	"studio-sync/internal/config"
	"studio-sync/internal/logging"
	"studio-sync/internal/runstatus"
)

var BuildVersion = "dev"

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := config.ValidateRequired(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lock, lockedByOther, lockErr := acquireInstanceLock()
	if lockErr != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
		os.Exit(2)
	}
	if lockedByOther {
		fmt.Fprintln(os.Stderr, "studio-sync is already running.")
		os.Exit(1)
	}
	defer func() {
		_ = lock.Release()
	}()

	logger := logging.New(opts.Debug)
	defer logger.Close()
	if err := logger.EnableFilePersistence(0); err != nil {
		logger.Warn("log file persistence unavailable", logging.Field("error", err))
	}
	logger.Info("studio-sync", logging.Field("version", BuildVersion))

	endpoints, err := config.BuildEndpoints(opts.BaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	client := api.New(&http.Client{Timeout: 15 * time.Second}, opts.Token, opts.WorkspaceID, endpoints, logger)

	var statusMu sync.Mutex
	lastStatus := ""
	syncApp := app.New(rootCtx, opts, endpoints, client, logger, app.Callbacks{
		OnStatus: func(status string) {
			statusMu.Lock()
			repeated := runstatus.Key(status) == runstatus.Key(lastStatus)
			lastStatus = status
			statusMu.Unlock()
			if repeated {
				return
			}
			logger.Info("connection status", logging.Field("status", status))
		},
		OnConflict: func(key, reason string) {
			logger.Warn("resource needs manual conflict resolution",
				logging.Field("key", key),
				logging.Field("reason", reason),
			)
		},
	})

	if err := syncApp.RunContext(rootCtx); err != nil && rootCtx.Err() == nil {
		logger.Error("studio-sync stopped", logging.Field("error", err))
		os.Exit(1)
	}
}
