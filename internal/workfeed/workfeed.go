// Package workfeed implements the Work Feed (spec §4.D): pulls invocation
// messages from an external source with explicit per-message
// acknowledgement, enforces a per-namespace concurrency cap, and resubmits
// on pool rejection with bounded exponential backoff before giving up.
package workfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/pool"
)

// Item is one pulled unit of work: the invocation message plus the
// resolved action metadata it needs to run.
type Item struct {
	Msg    activation.InvocationMessage
	Action activation.Action
}

// Source is the external message source the feed pulls from. Ack/Nack are
// always called exactly once per successfully-pulled item.
type Source interface {
	Pull(ctx context.Context) (Item, error)
	Ack(ctx context.Context, item Item) error
	Nack(ctx context.Context, item Item) error
}

// Submitter is the subset of *pool.Pool the feed depends on, so tests can
// substitute a stub.
type Submitter interface {
	Submit(ctx context.Context, action activation.Action, msg activation.InvocationMessage) (activation.Record, error)
}

// Sink persists completed activation records (spec §6: "Activation
// record (written on completion)").
type Sink interface {
	Put(ctx context.Context, rec activation.Record) error
}

var _ Submitter = (*pool.Pool)(nil)

// Config configures admission retry policy and namespace fairness.
type Config struct {
	// NamespaceConcurrencyDefault bounds in-flight items per namespace
	// when no per-namespace override is set.
	NamespaceConcurrencyDefault int64
	NamespaceConcurrency        map[string]int64

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ShutdownGrace  time.Duration
}

// Feed is the Work Feed.
type Feed struct {
	source Source
	pool   Submitter
	sink   Sink
	cfg    Config
	log    zerolog.Logger

	mu         sync.Mutex
	namespaces map[string]*semaphore.Weighted

	wg       sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once
}

// New creates a Feed.
func New(source Source, p Submitter, sink Sink, cfg Config, log zerolog.Logger) *Feed {
	if cfg.NamespaceConcurrencyDefault <= 0 {
		cfg.NamespaceConcurrencyDefault = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Feed{
		source:     source,
		pool:       p,
		sink:       sink,
		cfg:        cfg,
		log:        log,
		namespaces: make(map[string]*semaphore.Weighted),
		stopping:   make(chan struct{}),
	}
}

// Run pulls items until ctx is cancelled or Shutdown is called. It returns
// once every in-flight item it spawned has been acknowledged.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case <-f.stopping:
			f.wg.Wait()
			return nil
		case <-ctx.Done():
			f.wg.Wait()
			return ctx.Err()
		default:
		}

		item, err := f.source.Pull(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				f.wg.Wait()
				return ctx.Err()
			}
			f.log.Warn().Err(err).Msg("pull failed")
			continue
		}

		sem := f.semaphoreFor(item.Msg.Namespace)
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while waiting for namespace capacity: put
			// the item back rather than dropping it silently.
			_ = f.source.Nack(context.Background(), item)
			f.wg.Wait()
			return ctx.Err()
		}

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer sem.Release(1)
			f.process(ctx, item)
		}()
	}
}

// Shutdown stops pulling new work and waits (up to cfg.ShutdownGrace) for
// in-flight items to finish, per spec §4.D.
func (f *Feed) Shutdown(ctx context.Context) {
	f.stopOnce.Do(func() { close(f.stopping) })

	grace := f.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		f.log.Warn().Msg("shutdown grace expired with activations still in flight")
	case <-ctx.Done():
	}
}

func (f *Feed) semaphoreFor(namespace string) *semaphore.Weighted {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sem, ok := f.namespaces[namespace]; ok {
		return sem
	}
	limit := f.cfg.NamespaceConcurrencyDefault
	if n, ok := f.cfg.NamespaceConcurrency[namespace]; ok {
		limit = n
	}
	sem := semaphore.NewWeighted(limit)
	f.namespaces[namespace] = sem
	return sem
}

// process submits item to the pool, retrying on ErrSystemOverloaded with
// bounded exponential backoff, then acks or nacks the source exactly once.
func (f *Feed) process(ctx context.Context, item Item) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.InitialBackoff
	bo.MaxInterval = f.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	var rec activation.Record
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		// Spec §5: exceeding the message's own deadline while queued (held
		// behind the namespace semaphore, or mid-backoff from a prior
		// rejection) is a rejection in its own right, without ever touching
		// a container.
		if deadlineExceeded(item.Msg.Deadline) {
			lastErr = fmt.Errorf("%w: deadline exceeded while queued", activation.ErrSystemOverloaded)
			break
		}
		var err error
		rec, err = f.pool.Submit(ctx, item.Action, item.Msg)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !errors.Is(err, activation.ErrSystemOverloaded) {
			break
		}
		if attempt == f.cfg.MaxRetries {
			break
		}
		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = f.cfg.MaxRetries
		}
	}

	if lastErr != nil {
		f.log.Warn().Err(lastErr).Str("activation_id", item.Msg.ActivationID).Msg("activation failed admission")
		rec = failureRecord(item, lastErr)
		if err := f.source.Nack(ctx, item); err != nil {
			f.log.Error().Err(err).Msg("nack failed")
		}
	} else if err := f.source.Ack(ctx, item); err != nil {
		f.log.Error().Err(err).Msg("ack failed")
	}

	if f.sink != nil {
		if err := f.sink.Put(ctx, rec); err != nil {
			f.log.Error().Err(err).Str("activation_id", rec.ActivationID).Msg("writing activation record failed")
		}
	}
}

// deadlineExceeded reports whether msg's deadline (zero value means none)
// has already passed.
func deadlineExceeded(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func failureRecord(item Item, err error) activation.Record {
	now := time.Now().UnixMilli()
	return activation.Record{
		ActivationID: item.Msg.ActivationID,
		Namespace:    item.Msg.Namespace,
		Name:         item.Action.Key.Name,
		Subject:      item.Msg.Namespace,
		StartMs:      now,
		EndMs:        now,
		Status:       activation.StatusWhiskError,
		Response: activation.Response{
			Body: []byte(fmt.Sprintf(`{"error":%q}`, err.Error())),
		},
		Annotations: activation.Annotations{
			Kind:      item.Action.Kind,
			MemoryMB:  item.Action.MemoryMB,
			TimeLimit: item.Action.TimeLimit,
		},
	}
}
