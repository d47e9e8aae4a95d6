package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/billgrant/webhook-tester/internal/config"
	"github.com/billgrant/webhook-tester/internal/inbox"
	"github.com/billgrant/webhook-tester/internal/poller"
	"github.com/billgrant/webhook-tester/internal/ratelimit"
)

// Package-level state shared by the handlers.
// serve sets these up once at startup; tests set them up in TestMain.
var (
	// hooks is the inbox every handler reads and writes
	hooks inbox.Store

	// feed polls the relay into hooks; nil when relay.driver is none
	feed *poller.Poller

	// limiter guards the receiver endpoint
	limiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}

	// settings is the loaded configuration
	settings *config.Config
)

// initStore opens the inbox described by cfg.
// cfg.Path can be:
//   - empty string or ":memory:" for in-memory (ephemeral)
//   - a directory (badger) or file (sqlite) for persistent storage
//
// The caller is responsible for closing it.
func initStore(cfg config.StoreConfig) (inbox.Store, error) {
	return inbox.Open(cfg.Driver, cfg.Path)
}

// startSession moves the clear gate to now so the feed starts empty, the
// same as pressing Reset. With showHistory the existing gate is kept.
func startSession(ctx context.Context, store inbox.Store, showHistory bool, now time.Time) error {
	if showHistory {
		return nil
	}
	return store.SetClearBefore(ctx, gateAt(now))
}

// gateAt is the clear gate for a reset at now. The full precision is kept:
// relay messages stamped in the same whole second are hidden along with
// every direct entry received before the reset.
func gateAt(now time.Time) time.Time {
	return now.UTC().Round(0)
}

// refreshStoredGauge syncs the hooks_stored gauge with the inbox.
func refreshStoredGauge(ctx context.Context) {
	n, err := hooks.Count(ctx)
	if err != nil {
		slog.Warn("failed to count hooks", "error", err)
		return
	}
	hooksStored.Set(float64(n))
}
