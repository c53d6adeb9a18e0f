// Package pool implements the Container Pool (spec §4.C): admission,
// warm-hit/prewarm selection, eviction under memory pressure, and prewarm
// refill. The pool's own decision step (selection + accountant update) is
// serialized by a single mutex; the actual Create/Init/Run/Destroy driver
// calls happen outside that critical section and may run in parallel
// across different containers (spec §5).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/apache/openwhisk-invoker-pool/internal/accountant"
	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/proxy"
	"github.com/apache/openwhisk-invoker-pool/internal/runner"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver"
	"github.com/apache/openwhisk-invoker-pool/internal/telemetry"
)

// PrewarmSpec configures one (kind, memory, target-count) prewarm group
// (spec §6 "prewarm" config key).
type PrewarmSpec struct {
	Kind     activation.Kind
	MemoryMB int64
	Count    int
	MaxAge   time.Duration
}

// Config is the pool configuration surface from spec §6.
type Config struct {
	MemoryLimitMB     int64
	Prewarm           []PrewarmSpec
	IdleGrace         time.Duration
	EvictionLRU       bool
	PauseFailureFatal bool
	// ShutdownGrace bounds how long Shutdown waits for in-flight
	// activations before force-destroying remaining containers.
	ShutdownGrace time.Duration
	// LogSentinelWait bounds the runner's wait for a driver's
	// end-of-activation log sentinel (spec §9 open question (b)). Zero
	// disables log collection.
	LogSentinelWait time.Duration
}

// Stats is a snapshot of the pool's index sizes and memory accounting,
// exposed to operators (internal/httpapi) and tests.
type Stats struct {
	Free        int
	Busy        int
	Prewarm     int
	MemoryUsed  int64
	MemoryLimit int64
}

// Pool is the Container Pool.
type Pool struct {
	driver     sandboxdriver.Driver
	accountant *accountant.Accountant
	hooks      *telemetry.Hooks
	runner     *runner.Runner
	cfg        Config
	log        zerolog.Logger

	mu           sync.Mutex
	free         []*proxy.Proxy
	prewarmFree  map[activation.Kind][]*proxy.Proxy
	busy         map[string]*proxy.Proxy
	shuttingDown bool

	asyncWG sync.WaitGroup
}

// New creates a Pool. The accountant's limit must match cfg.MemoryLimitMB.
func New(driver sandboxdriver.Driver, acct *accountant.Accountant, hooks *telemetry.Hooks, cfg Config, log zerolog.Logger) *Pool {
	r := runner.New(driver, hooks, log)
	r.LogSentinelWait = cfg.LogSentinelWait
	p := &Pool{
		driver:      driver,
		accountant:  acct,
		hooks:       hooks,
		runner:      r,
		cfg:         cfg,
		log:         log,
		prewarmFree: make(map[activation.Kind][]*proxy.Proxy),
		busy:        make(map[string]*proxy.Proxy),
	}
	return p
}

// Warm performs the pool's initial prewarm fill. Call once after New.
func (p *Pool) Warm(ctx context.Context) {
	for _, spec := range p.cfg.Prewarm {
		p.refillPrewarm(ctx, spec)
	}
}

// decision is the outcome of the pool's serialized selection step.
type decision struct {
	existing *proxy.Proxy // warm hit or prewarm assignment, may be nil
	cold     bool         // true unless an exact (kind,action,rev) warm hit
	create   bool         // true if a brand new container must be created
	evicted  []*proxy.Proxy
	reject   error
}

// Submit is the pool's public entry point (spec §4.C). It returns exactly
// one activation record, or an error (ErrSystemOverloaded, wrapped) if
// admission was refused — the caller (the Work Feed) owns retry/backoff.
func (p *Pool) Submit(ctx context.Context, action activation.Action, msg activation.InvocationMessage) (activation.Record, error) {
	waitStart := time.Now()

	if action.MemoryMB > p.cfg.MemoryLimitMB {
		return activation.Record{}, fmt.Errorf("%w: action requires %dMB, pool limit is %dMB", activation.ErrSystemOverloaded, action.MemoryMB, p.cfg.MemoryLimitMB)
	}

	d := p.decide(action)
	if d.reject != nil {
		return activation.Record{}, d.reject
	}

	for _, ev := range d.evicted {
		p.destroyAsync(ev)
	}

	var target *proxy.Proxy
	if d.create {
		created, err := p.createContainer(ctx, action)
		if err != nil {
			p.rollbackReservation(action.MemoryMB)
			return activation.Record{}, fmt.Errorf("%w: %v", activation.ErrInternal, err)
		}
		target = created
	} else {
		target = d.existing
	}

	waitTime := time.Since(waitStart)
	rec := p.runner.Execute(ctx, target, action, msg, waitTime, d.cold)

	p.settle(action, target)
	p.refillAllPrewarmAsync(ctx)

	return rec, nil
}

// decide performs the serialized selection step of spec §4.C. Only
// bookkeeping happens here; no driver I/O.
func (p *Pool) decide(action activation.Action) decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown {
		return decision{reject: fmt.Errorf("%w: pool is shutting down", activation.ErrSystemOverloaded)}
	}

	identity := activation.Identity{RuntimeKind: action.Kind, Action: action.Key, Rev: action.Rev}

	// 1. Exact warm-hit.
	if idx := p.indexOfWarmHit(identity); idx >= 0 {
		c := p.free[idx]
		p.free = append(p.free[:idx], p.free[idx+1:]...)
		p.markBusyLocked(c)
		return decision{existing: c, cold: false}
	}

	// 2. Any prewarmed container of matching kind.
	if pool := p.prewarmFree[action.Kind]; len(pool) > 0 {
		c := pool[len(pool)-1]
		p.prewarmFree[action.Kind] = pool[:len(pool)-1]
		p.markBusyLocked(c)
		return decision{existing: c, cold: true}
	}

	// 3. Consult the accountant.
	shortfall := p.reserveMemory(action.MemoryMB)
	if shortfall == 0 {
		return decision{create: true, cold: true}
	}

	evicted, reclaimed := p.selectEvictionCandidatesLocked(shortfall)
	if reclaimed < shortfall {
		// Not enough reclaimable memory: reject without touching any
		// container (spec §4.C step 3, §8 boundary behavior).
		return decision{reject: fmt.Errorf("%w: insufficient reclaimable memory", activation.ErrSystemOverloaded)}
	}

	for _, c := range evicted {
		p.releaseMemory(c.Snapshot().MemoryMB)
	}
	if s := p.reserveMemory(action.MemoryMB); s != 0 {
		// Should be unreachable given reclaimed >= shortfall, but guard
		// against a miscount rather than admitting over budget.
		return decision{reject: fmt.Errorf("%w: eviction accounting mismatch", activation.ErrInternal)}
	}

	return decision{create: true, cold: true, evicted: evicted}
}

// indexOfWarmHit returns the index within p.free of the most-recently
// used container matching identity exactly, or -1.
func (p *Pool) indexOfWarmHit(identity activation.Identity) int {
	best := -1
	for i, c := range p.free {
		snap := c.Snapshot()
		if !snap.MatchesIdentity(identity) {
			continue
		}
		if best == -1 || snap.LastUsedAt.After(p.free[best].Snapshot().LastUsedAt) {
			best = i
		}
	}
	return best
}

// selectEvictionCandidatesLocked picks containers from p.free in
// ascending last_used_at (or creation order if EvictionLRU is false)
// until the cumulative reclaimed memory meets need. When need can be
// met it removes the picked containers from p.free before returning
// them; when it cannot, it returns nil and leaves p.free untouched
// (spec invariant 5: evicted set is ordered, drawn only from free).
func (p *Pool) selectEvictionCandidatesLocked(need int64) ([]*proxy.Proxy, int64) {
	candidates := append([]*proxy.Proxy(nil), p.free...)
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].Snapshot(), candidates[j].Snapshot()
		if p.cfg.EvictionLRU {
			return si.LastUsedAt.Before(sj.LastUsedAt)
		}
		return si.CreatedAt.Before(sj.CreatedAt)
	})

	var picked []*proxy.Proxy
	var total int64
	for _, c := range candidates {
		if total >= need {
			break
		}
		picked = append(picked, c)
		total += c.Snapshot().MemoryMB
	}
	if total < need {
		return nil, total
	}

	pickedIDs := make(map[string]bool, len(picked))
	for _, c := range picked {
		pickedIDs[c.Snapshot().ID] = true
	}
	p.free = filterOutFree(p.free, pickedIDs)

	return picked, total
}

func filterOutFree(free []*proxy.Proxy, remove map[string]bool) []*proxy.Proxy {
	kept := free[:0]
	for _, c := range free {
		if !remove[c.Snapshot().ID] {
			kept = append(kept, c)
		}
	}
	return kept
}

func (p *Pool) markBusyLocked(c *proxy.Proxy) {
	p.busy[c.Snapshot().ID] = c
}

// rollbackReservation releases a memory reservation made by decide() when
// the subsequent Create call itself fails.
func (p *Pool) rollbackReservation(memoryMB int64) {
	p.releaseMemory(memoryMB)
}

// reserveMemory and releaseMemory wrap the accountant so every admission
// decision that moves memory_used_mb also republishes the §4.G gauge —
// the only two places in the pool that change the accounted total.
func (p *Pool) reserveMemory(n int64) int64 {
	shortfall := p.accountant.TryReserve(n)
	p.reportMemoryGauge()
	return shortfall
}

func (p *Pool) releaseMemory(n int64) {
	p.accountant.Release(n)
	p.reportMemoryGauge()
}

func (p *Pool) reportMemoryGauge() {
	if p.hooks == nil {
		return
	}
	p.hooks.MemoryInUseMB.Set(float64(p.accountant.UsedMB()))
}

func (p *Pool) createContainer(ctx context.Context, action activation.Action) (*proxy.Proxy, error) {
	name := fmt.Sprintf("invoker-%s-%s", action.Kind, uuid.NewString())
	handle, err := p.driver.Create(ctx, name, string(action.Kind), action.MemoryMB, nil, nil)
	if err != nil {
		return nil, err
	}
	pr := proxy.New(p.driver, handle, action.Kind, action.MemoryMB, proxy.Config{
		IdleGrace:         p.cfg.IdleGrace,
		PauseFailureFatal: p.cfg.PauseFailureFatal,
	}, p.log)

	p.mu.Lock()
	p.busy[handle.ID] = pr
	p.mu.Unlock()

	return pr, nil
}

// settle reconciles a container's post-execution state back into the
// pool's indices: Initialized containers return to free, anything else
// (Removing/Gone) is torn down and its memory released.
//
// The busy-delete, the shuttingDown check, and the free-append (when
// applicable) all happen under one continuous lock hold so a concurrent
// Shutdown can never observe this container in both its own snapshot and
// settle's outcome. If Shutdown has already flipped shuttingDown and taken
// its snapshot of free/busy/prewarm by the time settle acquires the lock,
// this container was necessarily included in that snapshot (it is still
// deleted from busy here only, not yet appended to free) — Shutdown's own
// destroy loop owns destroying it and releasing its memory, so settle must
// not touch free or the accountant here, or it would either resurrect a
// container into an index Shutdown already drained, or release the same
// memory twice (panicking the accountant on the second release).
func (p *Pool) settle(action activation.Action, pr *proxy.Proxy) {
	snap := pr.Snapshot()

	p.mu.Lock()
	delete(p.busy, snap.ID)
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}

	settledFree := false
	if snap.State == activation.StateInitialized {
		p.free = append(p.free, pr)
		settledFree = true
	}
	p.mu.Unlock()

	if settledFree {
		return
	}

	// Removing/Gone, or an unexpected Running/Paused/Starting/Prewarmed
	// observed here: treat conservatively as a leak-avoidance teardown.
	p.releaseMemory(snap.MemoryMB)
	p.destroyAsync(pr)
}

// destroyAsync tears a container down off the pool's critical path.
func (p *Pool) destroyAsync(pr *proxy.Proxy) {
	p.asyncWG.Add(1)
	go func() {
		defer p.asyncWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pr.Destroy(ctx); err != nil {
			p.log.Warn().Err(err).Str("container_id", pr.Snapshot().ID).Msg("destroy failed, memory already released")
		}
	}()
}

// refillAllPrewarmAsync refills every configured prewarm group, deferred
// behind the just-completed submission and bounded by spare accountant
// budget (spec §4.C "Prewarm discipline").
func (p *Pool) refillAllPrewarmAsync(ctx context.Context) {
	p.asyncWG.Add(1)
	go func() {
		defer p.asyncWG.Done()
		for _, spec := range p.cfg.Prewarm {
			p.refillPrewarm(context.Background(), spec)
		}
	}()
}

func (p *Pool) refillPrewarm(ctx context.Context, spec PrewarmSpec) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.evictAgedPrewarmLocked(spec)
	deficit := spec.Count - len(p.prewarmFree[spec.Kind])
	p.mu.Unlock()

	if deficit <= 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	created := make([]*proxy.Proxy, 0, deficit)
	var createdMu sync.Mutex

	for i := 0; i < deficit; i++ {
		g.Go(func() error {
			if p.reserveMemory(spec.MemoryMB) != 0 {
				return nil // no spare budget right now; try again next refill
			}
			name := fmt.Sprintf("prewarm-%s-%s", spec.Kind, uuid.NewString())
			handle, err := p.driver.Create(gctx, name, string(spec.Kind), spec.MemoryMB, nil, nil)
			if err != nil {
				p.releaseMemory(spec.MemoryMB)
				return nil
			}
			pr := proxy.New(p.driver, handle, spec.Kind, spec.MemoryMB, proxy.Config{
				IdleGrace:         p.cfg.IdleGrace,
				PauseFailureFatal: p.cfg.PauseFailureFatal,
			}, p.log)
			if err := pr.MarkReady(gctx); err != nil {
				p.releaseMemory(spec.MemoryMB)
				p.destroyAsync(pr)
				return nil
			}
			createdMu.Lock()
			created = append(created, pr)
			createdMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(created) == 0 {
		return
	}
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		for _, pr := range created {
			p.releaseMemory(spec.MemoryMB)
			p.destroyAsync(pr)
		}
		return
	}
	p.prewarmFree[spec.Kind] = append(p.prewarmFree[spec.Kind], created...)
	p.mu.Unlock()
}

// evictAgedPrewarmLocked destroys and drops any prewarmed container past
// its configured max age, so the next loop iteration replaces it.
func (p *Pool) evictAgedPrewarmLocked(spec PrewarmSpec) {
	if spec.MaxAge <= 0 {
		return
	}
	pool := p.prewarmFree[spec.Kind]
	kept := pool[:0]
	now := time.Now()
	for _, c := range pool {
		snap := c.Snapshot()
		if now.Sub(snap.CreatedAt) > spec.MaxAge {
			p.releaseMemory(snap.MemoryMB)
			p.destroyAsync(c)
			continue
		}
		kept = append(kept, c)
	}
	p.prewarmFree[spec.Kind] = kept
}

// Evict forces eviction of idle free containers until at least targetMB
// has been reclaimed or the free list is exhausted, for operator-driven
// reclamation (internal/httpapi's /pool/evict). Returns the MB actually
// reclaimed.
func (p *Pool) Evict(ctx context.Context, targetMB int64) int64 {
	p.mu.Lock()
	var freeMB int64
	for _, c := range p.free {
		freeMB += c.Snapshot().MemoryMB
	}
	if targetMB > freeMB {
		targetMB = freeMB
	}
	evicted, reclaimed := p.selectEvictionCandidatesLocked(targetMB)
	for _, c := range evicted {
		p.releaseMemory(c.Snapshot().MemoryMB)
	}
	p.mu.Unlock()

	for _, c := range evicted {
		p.destroyAsync(c)
	}
	return reclaimed
}

// Stats returns a point-in-time snapshot of the pool's indices.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	prewarmTotal := 0
	for _, pool := range p.prewarmFree {
		prewarmTotal += len(pool)
	}
	return Stats{
		Free:        len(p.free),
		Busy:        len(p.busy),
		Prewarm:     prewarmTotal,
		MemoryUsed:  p.accountant.UsedMB(),
		MemoryLimit: p.accountant.LimitMB(),
	}
}

// Shutdown stops accepting new work, waits for busy containers to finish
// up to the configured grace window, then force-destroys every container
// still tracked by the pool (spec §4.C, §5, drain law of §8).
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	busy := make([]*proxy.Proxy, 0, len(p.busy))
	for _, c := range p.busy {
		busy = append(busy, c)
	}
	free := append([]*proxy.Proxy(nil), p.free...)
	p.free = nil
	var prewarm []*proxy.Proxy
	for k, pool := range p.prewarmFree {
		prewarm = append(prewarm, pool...)
		p.prewarmFree[k] = nil
	}
	p.mu.Unlock()

	grace := p.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	deadline := time.Now().Add(grace)
	for _, c := range busy {
		for time.Now().Before(deadline) && c.Snapshot().State == activation.StateRunning {
			time.Sleep(10 * time.Millisecond)
		}
	}

	var destroyErr error
	all := append(append(free, prewarm...), busy...)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range all {
		wg.Add(1)
		go func(c *proxy.Proxy) {
			defer wg.Done()
			mem := c.Snapshot().MemoryMB
			if err := c.Destroy(ctx); err != nil {
				mu.Lock()
				destroyErr = errors.Join(destroyErr, err)
				mu.Unlock()
			}
			p.releaseMemory(mem)
		}(c)
	}
	wg.Wait()

	p.asyncWG.Wait()
	return destroyErr
}
