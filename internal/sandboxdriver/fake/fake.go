// Package fake provides a deterministic in-memory sandboxdriver.Driver for
// unit and scenario tests. It never touches Docker, so the pool's
// concurrency and accounting logic can be exercised without a daemon.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver"
)

// Behavior lets a test script a container's reaction to Init/Run before
// Create is even called, keyed by the image name passed to Create.
type Behavior struct {
	// InitErr, if set, is returned by Init.
	InitErr error
	// RunStatus/RunBody/RunErr describe the Run outcome; RunErr takes
	// precedence.
	RunStatus int
	RunBody   []byte
	RunErr    error
	// RunSleep simulates handler latency, so deadline logic can be
	// exercised (e.g. a handler that "sleeps" past the caller's deadline).
	RunSleep time.Duration
	// CreateErr, if set, fails Create.
	CreateErr error
}

type container struct {
	handle  sandboxdriver.Handle
	image   string
	paused  bool
	destroy int32 // atomic: 0 not destroyed, 1 destroyed
}

// Driver is the fake sandboxdriver.Driver implementation.
type Driver struct {
	mu         sync.Mutex
	containers map[string]*container
	behaviors  map[string]Behavior

	createCalls  int64
	destroyCalls int64
}

// New creates an empty fake driver.
func New() *Driver {
	return &Driver{
		containers: make(map[string]*container),
		behaviors:  make(map[string]Behavior),
	}
}

// SetBehavior scripts how containers created with the given image behave.
func (d *Driver) SetBehavior(image string, b Behavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behaviors[image] = b
}

// CreateCalls reports how many times Create has been invoked, for
// assertions about cold-start counts.
func (d *Driver) CreateCalls() int64 { return atomic.LoadInt64(&d.createCalls) }

// DestroyCalls reports how many times Destroy actually tore a container
// down (idempotent re-calls don't count twice).
func (d *Driver) DestroyCalls() int64 { return atomic.LoadInt64(&d.destroyCalls) }

func (d *Driver) Create(ctx context.Context, name string, image string, memoryMB int64, env sandboxdriver.Env, labels sandboxdriver.Labels) (sandboxdriver.Handle, error) {
	d.mu.Lock()
	b := d.behaviors[image]
	d.mu.Unlock()

	if b.CreateErr != nil {
		return sandboxdriver.Handle{}, b.CreateErr
	}

	atomic.AddInt64(&d.createCalls, 1)
	id := uuid.NewString()
	h := sandboxdriver.Handle{ID: id, Address: "fake://" + id}

	d.mu.Lock()
	d.containers[id] = &container{handle: h, image: image}
	d.mu.Unlock()

	return h, nil
}

func (d *Driver) lookup(h sandboxdriver.Handle) (*container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[h.ID]
	if !ok || atomic.LoadInt32(&c.destroy) == 1 {
		return nil, sandboxdriver.ErrNotFound
	}
	return c, nil
}

func (d *Driver) Init(ctx context.Context, h sandboxdriver.Handle, code sandboxdriver.CodeDescriptor) error {
	c, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	b := d.behaviors[c.image]
	d.mu.Unlock()
	if b.InitErr != nil {
		return fmt.Errorf("%w: %v", sandboxdriver.ErrInit, b.InitErr)
	}
	return nil
}

func (d *Driver) Run(ctx context.Context, h sandboxdriver.Handle, argsJSON []byte, deadline time.Time) (sandboxdriver.RunResult, error) {
	c, err := d.lookup(h)
	if err != nil {
		return sandboxdriver.RunResult{}, err
	}
	d.mu.Lock()
	b := d.behaviors[c.image]
	d.mu.Unlock()

	if b.RunSleep > 0 {
		timer := time.NewTimer(b.RunSleep)
		defer timer.Stop()

		var deadlineCh <-chan time.Time
		if !deadline.IsZero() {
			dl := time.NewTimer(time.Until(deadline))
			defer dl.Stop()
			deadlineCh = dl.C
		}

		select {
		case <-timer.C:
		case <-deadlineCh:
			return sandboxdriver.RunResult{}, &sandboxdriver.RunError{Kind: sandboxdriver.ErrRunTimeout}
		case <-ctx.Done():
			return sandboxdriver.RunResult{}, &sandboxdriver.RunError{Kind: sandboxdriver.ErrRunTimeout, Err: ctx.Err()}
		}
	}

	if b.RunErr != nil {
		return sandboxdriver.RunResult{}, b.RunErr
	}

	status := b.RunStatus
	if status == 0 {
		status = 200
	}
	return sandboxdriver.RunResult{StatusCode: status, Body: b.RunBody}, nil
}

func (d *Driver) Pause(ctx context.Context, h sandboxdriver.Handle) error {
	c, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	c.paused = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Resume(ctx context.Context, h sandboxdriver.Handle) error {
	c, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	c.paused = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) Destroy(ctx context.Context, h sandboxdriver.Handle) error {
	d.mu.Lock()
	c, ok := d.containers[h.ID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if atomic.CompareAndSwapInt32(&c.destroy, 0, 1) {
		atomic.AddInt64(&d.destroyCalls, 1)
	}
	return nil
}

func (d *Driver) Logs(ctx context.Context, h sandboxdriver.Handle, since time.Time) (<-chan sandboxdriver.LogLine, error) {
	ch := make(chan sandboxdriver.LogLine, 1)
	ch <- sandboxdriver.LogLine{Time: time.Now(), Stream: "stdout", Text: "", Sentinel: true}
	close(ch)
	return ch, nil
}

func (d *Driver) DriverName() string { return "fake" }

func (d *Driver) Healthy(ctx context.Context) error { return nil }

func (d *Driver) Close() error { return nil }
