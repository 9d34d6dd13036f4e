package spawn

import (
	"context"
	"sync"
)

// FakeSpawner is an in-memory Spawner for scheduler and phase tests.
// Outcomes are scripted per command string; unscripted commands succeed.
type FakeSpawner struct {
	mu sync.Mutex

	// Results maps a command key to the scripted outcome. For process
	// specs the key is the executable; for shell specs the command line.
	Results map[string]*Result

	// NextPID seeds the synthetic PIDs handed to OnStart.
	NextPID int

	// Runs records each command key in launch order.
	Runs []string
}

func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{Results: make(map[string]*Result), NextPID: 1000}
}

// Script registers an outcome for a command key.
func (f *FakeSpawner) Script(key string, res *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[key] = res
}

func (f *FakeSpawner) Run(ctx context.Context, req Request) *Result {
	key := ""
	if req.Spec != nil {
		switch {
		case req.Spec.Process != nil:
			key = req.Spec.Process.Executable
		case req.Spec.Shell != nil:
			key = req.Spec.Shell.Command
		}
	}

	f.mu.Lock()
	f.Runs = append(f.Runs, key)
	f.NextPID++
	pid := f.NextPID
	scripted := f.Results[key]
	f.mu.Unlock()

	if req.OnStart != nil {
		req.OnStart(pid)
	}
	if ctx.Err() != nil {
		return &Result{ExitCode: -1, PID: pid, Canceled: true}
	}
	if scripted != nil {
		out := *scripted
		out.PID = pid
		return &out
	}
	return &Result{ExitCode: 0, PID: pid}
}

// FakeProcessTable is a scripted ProcessTable for watchdog tests.
type FakeProcessTable struct {
	mu   sync.Mutex
	live map[int]bool
}

func NewFakeProcessTable() *FakeProcessTable {
	return &FakeProcessTable{live: make(map[int]bool)}
}

func (f *FakeProcessTable) SetAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[pid] = alive
}

func (f *FakeProcessTable) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[pid]
}
