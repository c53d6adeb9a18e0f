// Package proxy implements the Container Proxy: the state machine that
// owns one container's lifetime (spec §4.B). Every operation against a
// container is serialized through the proxy's mailbox, a single
// goroutine that processes one closure at a time — the Go analogue of
// the coroutine/actor-mailbox model spec §9 asks for, chosen over a
// plain mutex so that the idle-grace timer can enqueue its own
// transition (auto-pause) without racing external callers.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver"
)

// ErrClosed is returned by any operation submitted after the proxy has
// reached Gone.
var ErrClosed = errors.New("proxy: closed")

// ErrInvalidTransition indicates a caller attempted an operation the
// current state does not allow (spec §4.B contracts).
type ErrInvalidTransition struct {
	From activation.State
	Op   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("proxy: %s not allowed from state %s", e.Op, e.From)
}

// Config configures a single proxy's lifecycle policy.
type Config struct {
	IdleGrace time.Duration
	// PauseFailureFatal decides open question (a) from spec §9: whether a
	// failed Pause attempt should mark the container Removing. Default
	// false (tolerate and stay Initialized-unpaused).
	PauseFailureFatal bool
}

// Proxy owns one ContainerRecord exclusively until it reaches Gone.
type Proxy struct {
	driver sandboxdriver.Driver
	handle sandboxdriver.Handle
	cfg    Config
	log    zerolog.Logger

	mailbox chan func()
	done    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	record activation.ContainerRecord

	idleTimer *time.Timer

	destroyOnce sync.Once
	destroyErr  error
}

// New creates a proxy for a freshly created (Starting-state) container and
// starts its mailbox goroutine. Callers should call MarkReady once Create
// has returned successfully to move it to Prewarmed or, for a direct
// cold-start, go straight to MarkInitialized after Init succeeds.
func New(driver sandboxdriver.Driver, handle sandboxdriver.Handle, kind activation.Kind, memoryMB int64, cfg Config, log zerolog.Logger) *Proxy {
	p := &Proxy{
		driver:  driver,
		handle:  handle,
		cfg:     cfg,
		log:     log.With().Str("container_id", handle.ID).Logger(),
		mailbox: make(chan func(), 8),
		done:    make(chan struct{}),
		record: activation.ContainerRecord{
			ID:        handle.ID,
			Address:   handle.Address,
			Kind:      kind,
			MemoryMB:  memoryMB,
			State:     activation.StateStarting,
			CreatedAt: time.Now(),
		},
	}
	go p.loop()
	return p
}

func (p *Proxy) loop() {
	for {
		select {
		case fn := <-p.mailbox:
			fn()
		case <-p.done:
			return
		}
	}
}

// submit enqueues fn onto the mailbox and waits for it to run and return.
// It's the single point every exported method funnels through, which is
// what makes the proxy's transitions serialized.
func (p *Proxy) submit(fn func() error) error {
	result := make(chan error, 1)
	select {
	case p.mailbox <- func() { result <- fn() }:
	case <-p.done:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-p.done:
		return ErrClosed
	}
}

func (p *Proxy) setState(s activation.State) {
	p.mu.Lock()
	p.record.State = s
	p.mu.Unlock()
}

func (p *Proxy) getState() activation.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.State
}

// Snapshot returns a point-in-time copy of the container record, safe to
// call from the pool's decision step without going through the mailbox
// (it only reads, and the pool never mutates a record directly).
func (p *Proxy) Snapshot() activation.ContainerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}

func (p *Proxy) Handle() sandboxdriver.Handle { return p.handle }

// MarkReady transitions a newly created container from Starting to
// Prewarmed — used for containers created ahead of demand.
func (p *Proxy) MarkReady(ctx context.Context) error {
	return p.submit(func() error {
		if p.getState() != activation.StateStarting {
			return &ErrInvalidTransition{From: p.getState(), Op: "mark-ready"}
		}
		p.setState(activation.StatePrewarmed)
		return nil
	})
}

// Assign records the action identity this container will be initialized
// for. Valid from Prewarmed (cold assignment) or Starting (direct
// cold-start path, skipping the prewarm stage). Mismatched-kind assign is
// a programming error per spec §4.B and panics rather than silently
// misrouting activations.
func (p *Proxy) Assign(ctx context.Context, a activation.Action) error {
	return p.submit(func() error {
		state := p.getState()
		if state != activation.StatePrewarmed && state != activation.StateStarting {
			return &ErrInvalidTransition{From: state, Op: "assign"}
		}
		p.mu.Lock()
		if p.record.Kind != "" && p.record.Kind != a.Kind {
			p.mu.Unlock()
			panic(fmt.Sprintf("proxy: assign kind mismatch: container=%s action=%s", p.record.Kind, a.Kind))
		}
		p.record.Kind = a.Kind
		p.record.ActionKey = a.Key
		p.record.Rev = a.Rev
		p.mu.Unlock()
		return nil
	})
}

// MarkInitialized transitions to Initialized after a successful /init.
// Valid from Starting, Prewarmed or Paused; a container that is already
// Initialized is rejected. Arms the idle-grace timer.
func (p *Proxy) MarkInitialized(ctx context.Context) error {
	return p.submit(func() error {
		state := p.getState()
		if state != activation.StateStarting && state != activation.StatePrewarmed && state != activation.StatePaused {
			return &ErrInvalidTransition{From: state, Op: "mark-initialized"}
		}
		p.setState(activation.StateInitialized)
		p.armIdleTimer()
		return nil
	})
}

// BeginRun allows a caller to start an activation against this container.
// It's valid from Initialized (inflight 0->1) or, when concurrentLimit >
// 1, from Running with inflight < concurrentLimit. Returns the in-flight
// count observed invariant 2 of spec §8 is checked against by callers.
func (p *Proxy) BeginRun(ctx context.Context, concurrentLimit int) (int, error) {
	var inFlight int
	err := p.submit(func() error {
		state := p.getState()
		p.mu.Lock()
		defer p.mu.Unlock()

		switch state {
		case activation.StateInitialized:
			if p.record.InFlight != 0 {
				return &ErrInvalidTransition{From: state, Op: "begin-run"}
			}
		case activation.StateRunning:
			if concurrentLimit <= 1 || p.record.InFlight >= concurrentLimit {
				return &ErrInvalidTransition{From: state, Op: "begin-run"}
			}
		default:
			return &ErrInvalidTransition{From: state, Op: "begin-run"}
		}

		p.stopIdleTimer()
		p.record.State = activation.StateRunning
		p.record.InFlight++
		inFlight = p.record.InFlight
		return nil
	})
	return inFlight, err
}

// EndRun decrements in-flight and, when it reaches zero, returns the
// container to Initialized (re-arming the idle timer) unless fatal is
// set, in which case the container is marked Removing instead.
func (p *Proxy) EndRun(ctx context.Context, fatal bool) error {
	return p.submit(func() error {
		state := p.getState()
		if state != activation.StateRunning {
			return &ErrInvalidTransition{From: state, Op: "end-run"}
		}

		p.mu.Lock()
		p.record.InFlight--
		remaining := p.record.InFlight
		if remaining < 0 {
			p.mu.Unlock()
			return fmt.Errorf("%w: in_flight underflow", activation.ErrInternal)
		}
		p.mu.Unlock()

		if fatal {
			p.transitionToRemoving()
			return nil
		}
		if remaining == 0 {
			p.mu.Lock()
			p.record.State = activation.StateInitialized
			p.record.LastUsedAt = time.Now()
			p.mu.Unlock()
			p.armIdleTimer()
		}
		return nil
	})
}

// Pause attempts to pause an Initialized, idle container. Failure is
// tolerated (the container stays Initialized) unless PauseFailureFatal is
// configured.
func (p *Proxy) Pause(ctx context.Context) error {
	return p.submit(func() error {
		state := p.getState()
		if state != activation.StateInitialized {
			return &ErrInvalidTransition{From: state, Op: "pause"}
		}
		if err := p.driver.Pause(ctx, p.handle); err != nil {
			if p.cfg.PauseFailureFatal {
				p.log.Warn().Err(err).Msg("pause failed, marking container removing")
				p.transitionToRemoving()
				return nil
			}
			p.log.Warn().Err(err).Msg("pause failed, leaving container initialized")
			return nil
		}
		p.setState(activation.StatePaused)
		return nil
	})
}

// Resume brings a Paused container back to Initialized. Resume is
// required to succeed before any further Run; failure is always fatal.
func (p *Proxy) Resume(ctx context.Context) error {
	return p.submit(func() error {
		state := p.getState()
		if state != activation.StatePaused {
			return &ErrInvalidTransition{From: state, Op: "resume"}
		}
		if err := p.driver.Resume(ctx, p.handle); err != nil {
			p.transitionToRemoving()
			return fmt.Errorf("%w: resume failed: %v", activation.ErrInternal, err)
		}
		p.setState(activation.StateInitialized)
		p.armIdleTimer()
		return nil
	})
}

// MarkRemoving transitions the container to Removing from any live
// state — used by the runner/pool on fatal classification. It is a no-op
// if the container is already Removing or Gone.
func (p *Proxy) MarkRemoving(ctx context.Context) error {
	return p.submit(func() error {
		state := p.getState()
		if state == activation.StateRemoving || state == activation.StateGone {
			return nil
		}
		p.transitionToRemoving()
		return nil
	})
}

// transitionToRemoving must only be called from within a submitted
// closure (i.e. on the mailbox goroutine).
func (p *Proxy) transitionToRemoving() {
	p.mu.Lock()
	p.record.State = activation.StateRemoving
	p.record.Unusable = true
	p.mu.Unlock()
	p.stopIdleTimer()
}

// Destroy is idempotent: the underlying driver Destroy call only happens
// once, but the returned error and the terminal Gone state are reported
// to every caller, including ones that arrive after the mailbox loop has
// already exited.
func (p *Proxy) Destroy(ctx context.Context) error {
	p.destroyOnce.Do(func() {
		_ = p.submit(func() error {
			p.stopIdleTimer()
			p.destroyErr = p.driver.Destroy(ctx, p.handle)
			p.setState(activation.StateGone)
			return nil
		})
		p.closeOnce.Do(func() { close(p.done) })
	})
	return p.destroyErr
}

func (p *Proxy) armIdleTimer() {
	if p.cfg.IdleGrace <= 0 {
		return
	}
	p.stopIdleTimer()
	p.idleTimer = time.AfterFunc(p.cfg.IdleGrace, func() {
		// Best effort: if the container has moved on (Running again,
		// destroyed, etc.) Pause will simply fail its state check.
		_ = p.Pause(context.Background())
	})
}

// stopIdleTimer is only ever called from the mailbox goroutine, so
// idleTimer needs no lock of its own.
func (p *Proxy) stopIdleTimer() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}
