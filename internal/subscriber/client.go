// Package subscriber implements the Subscription Client (SC) of
// spec.md §4.3: per (channel, subscriber-id), a subscriber loop that
// pulls events and dispatches callbacks, and a watcher loop that detects
// a stuck subscriber, restarts it without losing the subscriber-id, and
// drives the periodic liveness tick. Grounded on
// original_source/BadgeCOM/CBadgeNetPubSubEvents.cpp's
// SubscribingThreadProc/WatchingThreadProc pair, with the two OS threads
// replaced by two goroutines coordinated through golang.org/x/sync/errgroup
// the way lahsivjar-apm-queue/pubsublite/consumer.go manages its receive
// goroutines.
package subscriber

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cloudsync/badgebus/internal/bus"
	"github.com/cloudsync/badgebus/pkg/event"
)

// ErrStartTimeout is returned by Start when the subscriber loop doesn't
// signal its started latch within the configured window (~5s default).
var ErrStartTimeout = errors.New("subscriber: start timed out waiting for subscriber loop")

// BusClient is the narrow slice of bus.Server the Client depends on,
// kept as a local interface so tests can supply a fake.
type BusClient interface {
	Subscribe(ctx context.Context, channel event.Channel, subscriberID uuid.UUID, ownerPID event.ProcessID, ownerTID event.ThreadID, timeout time.Duration) (event.Event, bus.SubscribeOutcome, error)
	CancelWaitingSubscription(channel event.Channel, subscriberID uuid.UUID) error
}

// Logger is the ambient logging boundary (see internal/logging.Logger).
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Debug(string, ...any) {}

// Callbacks dispatches a received Event to the matching handler, the way
// SubscribingThreadProc switches on eventSubType and fires the matching
// Boost signal. Tick fires every watcher period; WatcherFailed fires when
// the watcher finds the subscriber loop went quiet, just before it
// restarts that loop. Any nil
// callback is simply skipped.
type Callbacks struct {
	OnInit          func(event.Event)
	OnAddRoot       func(event.Event)
	OnRemoveRoot    func(event.Event)
	OnAddBadge      func(event.Event)
	OnRemoveBadge   func(event.Event)
	OnTick          func()
	OnWatcherFailed func()
}

// Config bounds the Client's timeouts, all matching spec.md §4.3's
// approximate figures.
type Config struct {
	SubscribeTimeout time.Duration // per-Subscribe-call timeout, ~1s
	WatchPeriod      time.Duration // watcher tick period, ~20s
	StartTimeout     time.Duration // started-latch wait, ~5s
	ShutdownGrace    time.Duration // bounded grace window, ~5*50ms
}

func (c *Config) setDefaults() {
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = time.Second
	}
	if c.WatchPeriod <= 0 {
		c.WatchPeriod = 20 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * 50 * time.Millisecond
	}
}

// Client is the Subscription Client for one (channel, subscriber-id).
type Client struct {
	busClient    BusClient
	channel      event.Channel
	subscriberID uuid.UUID
	ownerPID     event.ProcessID
	ownerTID     event.ThreadID
	callbacks    Callbacks
	cfg          Config
	logger       Logger
	cleanup      func()

	baseCtx    context.Context
	baseCancel context.CancelFunc
	group      *errgroup.Group

	subMu     sync.Mutex
	subCancel context.CancelFunc

	startedOnce sync.Once
	started     chan struct{}

	alive       atomic.Bool
	requestExit atomic.Bool
	terminating atomic.Bool
}

// NewClient constructs a Client. cleanup, if non-nil, is invoked once per
// watcher tick after the tick callback — wired by cmd/overlayhost to
// bus.Server.CleanUpUnusedResources, matching spec.md §4.3's "(c) calls
// CleanUpUnusedResources".
func NewClient(busClient BusClient, channel event.Channel, subscriberID uuid.UUID, ownerPID event.ProcessID, ownerTID event.ThreadID, callbacks Callbacks, cfg Config, logger Logger, cleanup func()) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = noopLogger{}
	}
	return &Client{
		busClient:    busClient,
		channel:      channel,
		subscriberID: subscriberID,
		ownerPID:     ownerPID,
		ownerTID:     ownerTID,
		callbacks:    callbacks,
		cfg:          cfg,
		logger:       logger,
		cleanup:      cleanup,
		started:      make(chan struct{}),
	}
}

// SubscriberID returns the id this Client owns, preserved across restarts.
func (c *Client) SubscriberID() uuid.UUID { return c.subscriberID }

// Start launches the subscriber loop and the watcher loop, and waits for
// the subscriber loop's started latch (bounded by cfg.StartTimeout).
func (c *Client) Start(parent context.Context) error {
	c.baseCtx, c.baseCancel = context.WithCancel(parent)
	c.group = &errgroup.Group{}

	c.spawnSubscriberLoop()
	c.group.Go(func() error { return c.watcherLoop(c.baseCtx) })

	select {
	case <-c.started:
		return nil
	case <-time.After(c.cfg.StartTimeout):
		return ErrStartTimeout
	}
}

func (c *Client) spawnSubscriberLoop() {
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.subMu.Lock()
	c.subCancel = cancel
	c.subMu.Unlock()
	c.group.Go(func() error { return c.subscriberLoop(ctx) })
}

// subscriberLoop mirrors SubscribingThreadProc: repeatedly calls
// Subscribe with a bounded timeout, dispatches GotEvent to the matching
// callback, loops on TimedOut, and exits on Cancelled or Error.
func (c *Client) subscriberLoop(ctx context.Context) error {
	for {
		if c.requestExit.Load() || ctx.Err() != nil {
			return nil
		}

		e, outcome, err := c.busClient.Subscribe(ctx, c.channel, c.subscriberID, c.ownerPID, c.ownerTID, c.cfg.SubscribeTimeout)
		if err != nil {
			c.logger.Error("subscriber loop: subscribe error", "error", err)
			return err
		}

		switch outcome {
		case bus.GotEvent:
			c.dispatch(e)
			c.markAlive()
		case bus.TimedOut:
			c.markAlive()
		case bus.Cancelled:
			c.logger.Debug("subscriber loop: subscription cancelled, exiting")
			return nil
		}

		if c.requestExit.Load() {
			return nil
		}
	}
}

func (c *Client) markAlive() {
	c.alive.Store(true)
	c.startedOnce.Do(func() { close(c.started) })
}

func (c *Client) dispatch(e event.Event) {
	switch e.Kind {
	case event.Init:
		if c.callbacks.OnInit != nil {
			c.callbacks.OnInit(e)
		}
	case event.AddRoot:
		if c.callbacks.OnAddRoot != nil {
			c.callbacks.OnAddRoot(e)
		}
	case event.RemoveRoot:
		if c.callbacks.OnRemoveRoot != nil {
			c.callbacks.OnRemoveRoot(e)
		}
	case event.AddBadge:
		if c.callbacks.OnAddBadge != nil {
			c.callbacks.OnAddBadge(e)
		}
	case event.RemoveBadge:
		if c.callbacks.OnRemoveBadge != nil {
			c.callbacks.OnRemoveBadge(e)
		}
	}
}

// watcherLoop mirrors WatchingThreadProc: every WatchPeriod it fires the
// tick callback, reads-and-resets the alive flag, restarts the subscriber
// loop if it went quiet while not terminating, and runs the cleanup hook.
func (c *Client) watcherLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.WatchPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.callbacks.OnTick != nil {
				c.callbacks.OnTick()
			}

			wasAlive := c.alive.Swap(false)
			if !wasAlive && !c.terminating.Load() {
				c.logger.Warn("watcher: subscriber loop went quiet, restarting", "subscriber", c.subscriberID)
				if c.callbacks.OnWatcherFailed != nil {
					c.callbacks.OnWatcherFailed()
				}
				c.restartSubscriberLoop()
			}

			if c.cleanup != nil {
				c.cleanup()
			}
		}
	}
}

// restartSubscriberLoop cancels the current subscriber loop's context and
// spawns a fresh one with the same subscriber-id, so events queued for it
// during the restart window remain queued and are replayed once it
// resumes — spec.md §4.3's "restart preserves the subscriber-id".
func (c *Client) restartSubscriberLoop() {
	c.subMu.Lock()
	if c.subCancel != nil {
		c.subCancel()
	}
	c.subMu.Unlock()
	c.spawnSubscriberLoop()
}

// Stop requests both loops to exit, cancels the waiting subscription to
// unblock the subscriber loop, and waits up to cfg.ShutdownGrace before
// giving up. Go goroutines can't be force-terminated the way
// TerminateThread can; a grace-window overrun is logged instead, since
// ctx cancellation plus CancelWaitingSubscription is the closest
// equivalent available.
func (c *Client) Stop() error {
	c.terminating.Store(true)
	c.requestExit.Store(true)

	if err := c.busClient.CancelWaitingSubscription(c.channel, c.subscriberID); err != nil {
		c.logger.Warn("stop: cancel waiting subscription failed", "error", err)
	}
	c.baseCancel()

	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn("stop: shutdown grace window exceeded, loops may still be unwinding")
		return nil
	}
}
