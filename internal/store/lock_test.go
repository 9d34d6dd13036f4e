package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/gantryhq/gantry/internal/errors"
)

func TestAcquireAndReleaseLock(t *testing.T) {
	s := newTestStore(t)

	lock, err := s.AcquireLock("plan-1", nil)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)

	// A second acquisition by a live holder fails.
	_, err = s.AcquireLock("plan-1", nil)
	assert.ErrorIs(t, err, gerrors.ErrPlanLocked)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release()) // idempotent

	// Released locks can be re-acquired.
	lock2, err := s.AcquireLock("plan-1", nil)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestStaleLockTakeover(t *testing.T) {
	s := newTestStore(t)

	// Fabricate a lock held by a PID that cannot be alive.
	dir := s.planDir("plan-1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	stale := Lock{PlanID: "plan-1", PID: 1 << 30, Hostname: "ghost", AcquiredAt: time.Now().Add(-time.Hour)}
	data, err := json.Marshal(&stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), data, 0644))

	lock, err := s.AcquireLock("plan-1", nil)
	require.NoError(t, err, "stale lock must be taken over")
	assert.Equal(t, os.Getpid(), lock.PID)
	require.NoError(t, lock.Release())
}
