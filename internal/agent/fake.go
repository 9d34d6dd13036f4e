package agent

import (
	"context"
	"sync"
)

// FakeDelegator is a scripted Delegator for phase and scheduler tests.
type FakeDelegator struct {
	mu sync.Mutex

	// Next is returned by every Delegate call. Nil means a generic success.
	Next *Result

	// NextPID is handed to OnStart when positive.
	NextPID int

	// Calls records every request, in order.
	Calls []Request
}

func (f *FakeDelegator) Delegate(ctx context.Context, req Request) *Result {
	f.mu.Lock()
	f.Calls = append(f.Calls, req)
	next := f.Next
	pid := f.NextPID
	f.mu.Unlock()

	if pid > 0 && req.OnStart != nil {
		req.OnStart(pid)
	}
	if ctx.Err() != nil {
		return &Result{Err: ctx.Err()}
	}
	if next != nil {
		out := *next
		return &out
	}
	return &Result{Succeeded: true, SessionID: "fake-session", Summary: "done"}
}
