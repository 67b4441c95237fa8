// Command controlapp is the controlling application side of spec.md's
// data flow: it publishes badge/root mutations on the App→Overlay channel
// and listens on Overlay→App for the Init events each overlay handler
// fires on startup, so it knows to resend its current state (spec.md
// §4.5 step 4). internal/shmregion's region lives inside one process, so
// this binary exchanges events only with subscribers and publishers in
// its own process; a separately started overlayhost attaches its own
// region and neither sees the other's events. Flag-parsing style is
// grounded on
// examples/testing-scenarios/main.go's plain flag.String/flag.Parse
// construction, adapted away from that example's
// modular.Application/feeders scaffolding (see DESIGN.md's "Dropped
// teacher modules").
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsync/badgebus/internal/bus"
	"github.com/cloudsync/badgebus/internal/config"
	"github.com/cloudsync/badgebus/internal/logging"
	"github.com/cloudsync/badgebus/internal/shmregion"
	"github.com/cloudsync/badgebus/pkg/event"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file (optional)")
	command := flag.String("command", "listen", "one of: listen, add-root, remove-root, add-badge, remove-badge")
	path := flag.String("path", "", "path the command operates on")
	kindFlag := flag.String("kind", "Synced", "badge kind for add-badge/remove-badge: Synced, Syncing, Failed, Selective")
	syncboxFlag := flag.String("syncbox", "", "syncbox id (uuid); a fresh one is generated if empty")
	flag.Parse()

	logger := logging.NewDevelopment()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("controlapp: config load failed", "error", err)
		os.Exit(1)
	}

	region, err := shmregion.Attach(cfg.RegionName, cfg.RegionSize)
	if err != nil {
		logger.Error("controlapp: attach region failed", "error", err)
		os.Exit(1)
	}
	defer shmregion.Detach(region.Name)

	srv := bus.NewServer(region, bus.Config{QueueCapacity: cfg.QueueCapacity}, logger, nil)

	ownerPID := event.ProcessID(os.Getpid())
	syncbox, err := parseOrNewSyncbox(*syncboxFlag)
	if err != nil {
		logger.Error("controlapp: bad -syncbox", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "listen":
		listenForInit(srv, ownerPID, logger)
	case "add-root":
		mustPublish(srv, event.AppToOverlay, event.AddRoot, event.BadgeNone, *path, ownerPID, syncbox, logger)
	case "remove-root":
		mustPublish(srv, event.AppToOverlay, event.RemoveRoot, event.BadgeNone, *path, ownerPID, syncbox, logger)
	case "add-badge":
		kind, ok := parseBadgeKind(*kindFlag)
		if !ok {
			logger.Error("controlapp: unknown -kind", "kind", *kindFlag)
			os.Exit(1)
		}
		mustPublish(srv, event.AppToOverlay, event.AddBadge, kind, *path, ownerPID, syncbox, logger)
	case "remove-badge":
		kind, ok := parseBadgeKind(*kindFlag)
		if !ok {
			logger.Error("controlapp: unknown -kind", "kind", *kindFlag)
			os.Exit(1)
		}
		mustPublish(srv, event.AppToOverlay, event.RemoveBadge, kind, *path, ownerPID, syncbox, logger)
	default:
		logger.Error("controlapp: unknown -command", "command", *command)
		os.Exit(1)
	}
}

func parseOrNewSyncbox(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}

func parseBadgeKind(s string) (event.BadgeKind, bool) {
	switch s {
	case "Synced":
		return event.BadgeSynced, true
	case "Syncing":
		return event.BadgeSyncing, true
	case "Failed":
		return event.BadgeFailed, true
	case "Selective":
		return event.BadgeSelective, true
	default:
		return event.BadgeNone, false
	}
}

func mustPublish(srv *bus.Server, channel event.Channel, kind event.Kind, badgeKind event.BadgeKind, path string, pid event.ProcessID, syncbox uuid.UUID, logger logging.Logger) {
	if path == "" {
		logger.Error("controlapp: -path is required for this command")
		os.Exit(1)
	}
	if err := srv.Publish(channel, kind, badgeKind, path, pid, 0, syncbox); err != nil {
		logger.Error("controlapp: publish failed", "kind", kind, "path", path, "error", err)
		os.Exit(1)
	}
	fmt.Printf("published %s %s (syncbox=%s)\n", kind, path, syncbox)
}

// listenForInit subscribes to Overlay->App and prints every Init event as
// it arrives, so an operator can see each overlay handler announce itself
// on load (spec.md §4.5 step 4) — this is the resend-current-state trigger
// a real controlling app would act on.
func listenForInit(srv *bus.Server, ownerPID event.ProcessID, logger logging.Logger) {
	subscriberID := uuid.New()
	logger.Info("controlapp: listening for Init events on Overlay->App", "subscriber", subscriberID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for ctx.Err() == nil {
		e, outcome, err := srv.Subscribe(ctx, event.OverlayToApp, subscriberID, ownerPID, 0, time.Second)
		if err != nil {
			logger.Error("controlapp: subscribe failed", "error", err)
			return
		}
		switch outcome {
		case bus.GotEvent:
			fmt.Printf("overlay init: kind=%s badge_kind=%s publisher_pid=%d publisher_syncbox=%s\n",
				e.Kind, e.BadgeKind, e.PublisherPID, e.PublisherSyncboxID)
		case bus.TimedOut:
			// no event this interval; loop and check ctx again
		case bus.Cancelled:
			return
		}
	}
}
