package liveness

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudsync/badgebus/pkg/event"
)

func TestUnixCheckerAliveForSelf(t *testing.T) {
	c := NewChecker()
	assert.True(t, c.Alive(event.ProcessID(os.Getpid())))
}

func TestUnixCheckerDeadForZero(t *testing.T) {
	c := NewChecker()
	assert.False(t, c.Alive(0))
}

type fakeChecker struct{ dead map[event.ProcessID]bool }

func (f fakeChecker) Alive(pid event.ProcessID) bool { return !f.dead[pid] }

func TestSweeperTickNowRunsAllReclaimers(t *testing.T) {
	calls := 0
	r1 := ReclaimerFunc(func(c Checker) (int, error) {
		calls++
		if !c.Alive(999) {
			return 2, nil
		}
		return 0, nil
	})
	r2 := ReclaimerFunc(func(c Checker) (int, error) {
		calls++
		return 0, nil
	})

	metric := &recordingMetrics{}
	sw := NewSweeper(fakeChecker{dead: map[event.ProcessID]bool{999: true}}, nil, metric, r1, r2)
	sw.TickNow()

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, metric.total)
}

type recordingMetrics struct{ total int }

func (m *recordingMetrics) RecordReclaimed(n int) { m.total += n }

func TestSweeperTickNowSkipsFailingReclaimerButContinues(t *testing.T) {
	calledSecond := false
	r1 := ReclaimerFunc(func(c Checker) (int, error) {
		return 0, assert.AnError
	})
	r2 := ReclaimerFunc(func(c Checker) (int, error) {
		calledSecond = true
		return 0, nil
	})

	sw := NewSweeper(nil, nil, nil, r1, r2)
	sw.TickNow()

	assert.True(t, calledSecond)
}
