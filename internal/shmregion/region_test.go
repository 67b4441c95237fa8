package shmregion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachConverges(t *testing.T) {
	name := "badgebus-test-converge"
	t.Cleanup(func() { Detach(name) })

	r1, err := Attach(name, 4096)
	require.NoError(t, err)

	r2, err := Attach(name, 4096)
	require.NoError(t, err)

	assert.Same(t, r1, r2)
}

func TestAttachSizeMismatch(t *testing.T) {
	name := "badgebus-test-mismatch"
	t.Cleanup(func() { Detach(name) })

	_, err := Attach(name, 4096)
	require.NoError(t, err)

	_, err = Attach(name, 8192)
	assert.ErrorIs(t, err, ErrAttach)
}

func TestFindOrConstructRootOnce(t *testing.T) {
	name := "badgebus-test-root-once"
	t.Cleanup(func() { Detach(name) })

	r, err := Attach(name, 4096)
	require.NoError(t, err)

	calls := 0
	construct := func() int {
		calls++
		return 42
	}

	v1 := FindOrConstructRoot(r, construct)
	v2 := FindOrConstructRoot(r, construct)

	assert.Equal(t, 42, v1)
	assert.Equal(t, 42, v2)
	assert.Equal(t, 1, calls)
}

func TestReserveRelease(t *testing.T) {
	name := "badgebus-test-reserve"
	t.Cleanup(func() { Detach(name) })

	r, err := Attach(name, 100)
	require.NoError(t, err)

	assert.True(t, r.Reserve(60))
	assert.False(t, r.Reserve(60))
	r.Release(60)
	assert.True(t, r.Reserve(60))

	allocated, size := r.Stats()
	assert.Equal(t, 60, allocated)
	assert.Equal(t, 100, size)
}

func TestCheckSentinels(t *testing.T) {
	assert.NoError(t, CheckSentinels("event", 0xABCD, 0xABCD))
	assert.ErrorIs(t, CheckSentinels("event", 0xABCD, 0x1234), ErrCorrupt)
}
