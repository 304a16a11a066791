package dockerrt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory Runtime used by scheduler and control-loop tests,
// the same substitution the teacher applies when it fakes the RPC/engine
// boundary under cmd/itest rather than standing up a real daemon.
type Fake struct {
	mu        sync.Mutex
	running   map[string]bool
	seq       int64
	BuildErr  error
	RunErr    error
	StopErr   error
}

var _ Runtime = (*Fake)(nil)

// NewFake returns a ready-to-use Fake runtime.
func NewFake() *Fake {
	return &Fake{running: make(map[string]bool)}
}

func (f *Fake) BuildImage(ctx context.Context, challengeName, contextPath string) error {
	return f.BuildErr
}

func (f *Fake) Run(ctx context.Context, image string, ports PortMap, memLimitBytes int64) (string, error) {
	if f.RunErr != nil {
		return "", f.RunErr
	}
	id := fmt.Sprintf("fake-%d", atomic.AddInt64(&f.seq, 1))
	f.mu.Lock()
	f.running[id] = true
	f.mu.Unlock()
	return id, nil
}

func (f *Fake) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	if f.StopErr != nil {
		return f.StopErr
	}
	f.mu.Lock()
	delete(f.running, containerID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Stats(ctx context.Context, containerID string) ([]byte, error) {
	return []byte(`{}`), nil
}

func (f *Fake) Logs(ctx context.Context, containerID string) ([]byte, error) {
	return []byte(""), nil
}

// IsRunning reports whether containerID is currently tracked as running;
// test-only introspection.
func (f *Fake) IsRunning(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[containerID]
}
