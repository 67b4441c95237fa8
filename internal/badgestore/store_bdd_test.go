package badgestore

import (
	"fmt"
	"testing"

	"github.com/cucumber/godog"
	"github.com/google/uuid"

	"github.com/cloudsync/badgebus/pkg/event"
)

// rootFanoutBDDContext holds the state one scenario mutates as its steps
// run; each step method is registered with godog through ctx.Step(...).
type rootFanoutBDDContext struct {
	store       *Store
	lastRemoved []string
	lastErr     error
}

func (c *rootFanoutBDDContext) aBadgeStoreForTheSyncedKind() error {
	c.store = NewStore(event.BadgeSynced, nil, nil, nil)
	return nil
}

func (c *rootFanoutBDDContext) processSyncboxHasAddedRoot(pid int, syncbox, path string) error {
	id, err := uuid.Parse(syncbox)
	if err != nil {
		return err
	}
	return c.store.AddRoot(path, event.BadgeSynced, event.ProcessID(pid), id)
}

func (c *rootFanoutBDDContext) processSyncboxHasAddedBadge(pid int, syncbox, path string) error {
	id, err := uuid.Parse(syncbox)
	if err != nil {
		return err
	}
	return c.store.AddBadge(path, event.BadgeSynced, event.ProcessID(pid), id)
}

func (c *rootFanoutBDDContext) processSyncboxRemovesRoot(pid int, syncbox, path string) error {
	id, err := uuid.Parse(syncbox)
	if err != nil {
		return err
	}
	c.lastRemoved, c.lastErr = c.store.RemoveRoot(path, event.BadgeSynced, event.ProcessID(pid), id)
	return nil
}

func (c *rootFanoutBDDContext) theFanOutShouldReportRemovedPaths(count int) error {
	if c.lastErr != nil {
		return c.lastErr
	}
	if len(c.lastRemoved) != count {
		return fmt.Errorf("expected %d removed paths, got %d (%v)", count, len(c.lastRemoved), c.lastRemoved)
	}
	return nil
}

func (c *rootFanoutBDDContext) pathShouldNotBeBadged(path string) error {
	if c.store.ShouldBadge(path) {
		return fmt.Errorf("expected %q to no longer be badged", path)
	}
	return nil
}

func (c *rootFanoutBDDContext) pathShouldBeBadged(path string) error {
	if !c.store.ShouldBadge(path) {
		return fmt.Errorf("expected %q to still be badged", path)
	}
	return nil
}

func TestRootFanoutBDD(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(ctx *godog.ScenarioContext) {
			testCtx := &rootFanoutBDDContext{}

			ctx.Step(`^a badge store for the Synced kind$`, testCtx.aBadgeStoreForTheSyncedKind)
			ctx.Step(`^process (\d+) syncbox "([^"]*)" has added root "([^"]*)"$`, testCtx.processSyncboxHasAddedRoot)
			ctx.Step(`^process (\d+) syncbox "([^"]*)" has added badge "([^"]*)"$`, testCtx.processSyncboxHasAddedBadge)
			ctx.Step(`^process (\d+) syncbox "([^"]*)" removes root "([^"]*)"$`, testCtx.processSyncboxRemovesRoot)
			ctx.Step(`^the fan-out should report (\d+) removed paths$`, testCtx.theFanOutShouldReportRemovedPaths)
			ctx.Step(`^path "([^"]*)" should not be badged$`, testCtx.pathShouldNotBeBadged)
			ctx.Step(`^path "([^"]*)" should be badged$`, testCtx.pathShouldBeBadged)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run root fan-out feature tests")
	}
}
