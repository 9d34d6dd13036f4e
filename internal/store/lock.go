package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/logging"
)

// LockFileName is the name of the lock file within a plan directory.
const LockFileName = "plan.lock"

// Lock represents an acquired exclusive plan lock. While held, no other
// coordinator process may drive the plan.
type Lock struct {
	PlanID     string    `json:"plan_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`

	// Internal fields (not serialized)
	lockFile string
	logger   *logging.Logger
}

// AcquireLock attempts to acquire an exclusive lock on a plan directory.
// A lock whose recorded PID is no longer alive is considered stale and
// taken over. Returns ErrPlanLocked while a live process holds it.
// The logger may be nil.
func (s *Store) AcquireLock(planID string, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	dir := s.planDir(planID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, gerrors.NewStoreError("acquire lock", planID, err)
	}
	lockPath := filepath.Join(dir, LockFileName)

	if existing, err := readLock(lockPath); err == nil {
		if pidAlive(existing.PID) {
			logger.Warn("plan lock held",
				"plan_id", planID,
				"holder_pid", existing.PID,
				"holder_host", existing.Hostname,
			)
			return nil, fmt.Errorf("%w: PID %d on %s", gerrors.ErrPlanLocked, existing.PID, existing.Hostname)
		}
		// Stale lock - the holder died. Take over.
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, gerrors.NewStoreError("remove stale lock", planID, err)
		}
		logger.Warn("stale plan lock cleaned", "plan_id", planID, "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	lock := &Lock{
		PlanID:     planID,
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
		lockFile:   lockPath,
		logger:     logger,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, gerrors.NewStoreError("marshal lock", planID, err)
	}

	// O_EXCL protects against a racing acquirer between the staleness
	// check and this write.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: lost acquisition race", gerrors.ErrPlanLocked)
		}
		return nil, gerrors.NewStoreError("create lock", planID, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, gerrors.NewStoreError("write lock", planID, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(lockPath)
		return nil, gerrors.NewStoreError("close lock", planID, err)
	}

	logger.Debug("plan lock acquired", "plan_id", planID, "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file. Safe to call multiple times.
func (l *Lock) Release() error {
	if l.lockFile == "" {
		return nil
	}
	err := os.Remove(l.lockFile)
	l.lockFile = ""
	if err != nil && !os.IsNotExist(err) {
		return gerrors.NewStoreError("release lock", l.PlanID, err)
	}
	if l.logger != nil {
		l.logger.Debug("plan lock released", "plan_id", l.PlanID, "pid", l.PID)
	}
	return nil
}

// readLock parses an existing lock file.
func readLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// pidAlive probes the process table with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
