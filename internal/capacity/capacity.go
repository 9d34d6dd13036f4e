// Package capacity enforces the global concurrent-work ceiling. Within a
// process admission goes through a weighted semaphore; across engine
// processes sharing a data directory, coordination is advisory through
// per-instance heartbeat files. Instances whose process is gone or whose
// heartbeat has gone stale do not count against the ceiling.
package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gantryhq/gantry/internal/spawn"
)

// DefaultGlobalLimit bounds concurrently running nodes across all plans
// when no explicit limit is configured.
const DefaultGlobalLimit = 8

// StaleAfter is how long without a heartbeat an instance record is
// considered dead even if its PID could not be probed.
const StaleAfter = 2 * time.Minute

// registryDirName holds the per-instance heartbeat files under the data
// directory.
const registryDirName = "instances"

// heartbeat is the JSON document each instance maintains.
type heartbeat struct {
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	Running    int       `json:"running"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Controller admits node work up to the global ceiling.
type Controller struct {
	limit int64
	sem   *semaphore.Weighted

	dir        string
	instanceID string
	procs      spawn.ProcessTable

	mu      sync.Mutex
	running int
}

// NewController creates a controller. dataDir may be empty, which
// disables the cross-instance registry and leaves only the in-process
// semaphore. A nil procs uses the real process table.
func NewController(limit int, dataDir, instanceID string, procs spawn.ProcessTable) *Controller {
	if limit <= 0 {
		limit = DefaultGlobalLimit
	}
	if procs == nil {
		procs = spawn.OSProcessTable{}
	}
	c := &Controller{
		limit:      int64(limit),
		sem:        semaphore.NewWeighted(int64(limit)),
		instanceID: instanceID,
		procs:      procs,
	}
	if dataDir != "" {
		c.dir = filepath.Join(dataDir, registryDirName)
	}
	return c
}

// Acquire blocks until a slot is available or the context is canceled.
// The foreign-instance load narrows the effective in-process budget; the
// registry is advisory, so a momentarily stale read admits rather than
// deadlocks.
func (c *Controller) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.mu.Lock()
	c.running++
	c.mu.Unlock()
	c.writeHeartbeat()
	return nil
}

// TryAcquire takes a slot without blocking. It refuses when the local
// semaphore is exhausted or when foreign instances already consume the
// remaining global budget.
func (c *Controller) TryAcquire() bool {
	if foreign := c.foreignLoad(); int64(foreign)+int64(c.currentRunning()) >= c.limit {
		return false
	}
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.mu.Lock()
	c.running++
	c.mu.Unlock()
	c.writeHeartbeat()
	return true
}

// Release returns a slot.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.running > 0 {
		c.running--
	}
	c.mu.Unlock()
	c.sem.Release(1)
	c.writeHeartbeat()
}

// Running reports the slots held by this instance.
func (c *Controller) Running() int {
	return c.currentRunning()
}

// Limit reports the configured global ceiling.
func (c *Controller) Limit() int {
	return int(c.limit)
}

// Heartbeat refreshes this instance's registry record. The scheduler
// calls it on every pump tick.
func (c *Controller) Heartbeat() {
	c.writeHeartbeat()
}

// Close removes this instance's registry record.
func (c *Controller) Close() error {
	if c.dir == "" {
		return nil
	}
	err := os.Remove(c.heartbeatPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (c *Controller) currentRunning() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) heartbeatPath() string {
	return filepath.Join(c.dir, c.instanceID+".json")
}

func (c *Controller) writeHeartbeat() {
	if c.dir == "" || c.instanceID == "" {
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	hb := heartbeat{
		InstanceID: c.instanceID,
		PID:        os.Getpid(),
		Running:    c.currentRunning(),
		UpdatedAt:  time.Now(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(c.dir, ".gantry-tmp-*")
	if err != nil {
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return
	}
	tmp.Close()
	os.Rename(name, c.heartbeatPath())
}

// foreignLoad sums running counts of every live foreign instance. Records
// with a dead PID or a stale heartbeat are skipped and reaped.
func (c *Controller) foreignLoad() int {
	if c.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}

	total := 0
	now := time.Now()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".gantry-tmp-") {
			continue
		}
		path := filepath.Join(c.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var hb heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			os.Remove(path)
			continue
		}
		if hb.InstanceID == c.instanceID {
			continue
		}
		if now.Sub(hb.UpdatedAt) > StaleAfter || !c.procs.Alive(hb.PID) {
			os.Remove(path)
			continue
		}
		total += hb.Running
	}
	return total
}

// Snapshot describes the registry for status displays.
type Snapshot struct {
	Limit     int
	Local     int
	Foreign   int
	Instances []string
}

// Describe returns the current admission picture.
func (c *Controller) Describe() Snapshot {
	snap := Snapshot{Limit: int(c.limit), Local: c.currentRunning()}
	if c.dir == "" {
		return snap
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return snap
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".json") {
			snap.Instances = append(snap.Instances, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}
	snap.Foreign = c.foreignLoad()
	return snap
}

// String renders the snapshot for logs.
func (s Snapshot) String() string {
	return fmt.Sprintf("capacity %d/%d local, %d foreign", s.Local, s.Limit, s.Foreign)
}
