package pool

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/openwhisk-invoker-pool/internal/accountant"
	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver/fake"
	"github.com/apache/openwhisk-invoker-pool/internal/telemetry"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *fake.Driver, *accountant.Accountant) {
	t.Helper()
	d := fake.New()
	acct := accountant.New(cfg.MemoryLimitMB)
	p := New(d, acct, telemetry.New(), cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p, d, acct
}

func nodeAction(name string, memoryMB int64) activation.Action {
	return activation.Action{
		Key:             activation.ActionKey{Namespace: "ns", Name: name},
		Rev:             "1",
		CodeRef:         "console.log('hi')",
		Kind:            "nodejs",
		MemoryMB:        memoryMB,
		TimeLimit:       5 * time.Second,
		ConcurrentLimit: 1,
	}
}

func msgFor(action activation.Action, id string) activation.InvocationMessage {
	return activation.InvocationMessage{
		ActivationID: id,
		Namespace:    action.Key.Namespace,
		ActionKey:    action.Key,
		ActionRev:    action.Rev,
		ArgsJSON:     []byte(`{}`),
	}
}

func TestSubmitColdStartSucceeds(t *testing.T) {
	p, _, acct := newTestPool(t, Config{MemoryLimitMB: 512})
	action := nodeAction("fn", 128)

	rec, err := p.Submit(context.Background(), action, msgFor(action, "a1"))
	require.NoError(t, err)
	assert.Equal(t, activation.StatusSuccess, rec.Status)
	assert.True(t, rec.Annotations.Cold)
	assert.EqualValues(t, 128, acct.UsedMB())
	assert.Equal(t, 1, p.Stats().Free)
}

func TestSubmitWarmHitReusesContainer(t *testing.T) {
	drv := fake.New()
	acct := accountant.New(512)
	p := New(drv, acct, telemetry.New(), Config{MemoryLimitMB: 512}, zerolog.Nop())
	action := nodeAction("fn", 128)

	_, err := p.Submit(context.Background(), action, msgFor(action, "a1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, drv.CreateCalls())

	rec2, err := p.Submit(context.Background(), action, msgFor(action, "a2"))
	require.NoError(t, err)
	assert.False(t, rec2.Annotations.Cold)
	assert.EqualValues(t, 1, drv.CreateCalls(), "warm hit must not create a second container")
}

func TestSubmitRejectsOversizedAction(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MemoryLimitMB: 256})
	action := nodeAction("fn", 512)

	_, err := p.Submit(context.Background(), action, msgFor(action, "a1"))
	assert.ErrorIs(t, err, activation.ErrSystemOverloaded)
}

func TestSubmitEvictsIdleContainerUnderPressure(t *testing.T) {
	p, d, acct := newTestPool(t, Config{MemoryLimitMB: 256})
	first := nodeAction("fn1", 200)

	_, err := p.Submit(context.Background(), first, msgFor(first, "a1"))
	require.NoError(t, err)
	require.EqualValues(t, 200, acct.UsedMB())

	second := nodeAction("fn2", 200)
	rec, err := p.Submit(context.Background(), second, msgFor(second, "a2"))
	require.NoError(t, err)
	assert.Equal(t, activation.StatusSuccess, rec.Status)

	require.Eventually(t, func() bool {
		return d.DestroyCalls() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 200, acct.UsedMB())
}

func TestSubmitRejectsWhenNothingReclaimable(t *testing.T) {
	p, d, _ := newTestPool(t, Config{MemoryLimitMB: 200})
	first := nodeAction("fn1", 200)
	d.SetBehavior("nodejs", fake.Behavior{RunSleep: 200 * time.Millisecond})

	var done = make(chan struct{})
	go func() {
		_, _ = p.Submit(context.Background(), first, msgFor(first, "busy"))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	second := nodeAction("fn2", 200)
	_, err := p.Submit(context.Background(), second, msgFor(second, "a2"))
	assert.ErrorIs(t, err, activation.ErrSystemOverloaded)
	<-done
}

func TestSubmitApplicationErrorKeepsContainerWarm(t *testing.T) {
	p, d, _ := newTestPool(t, Config{MemoryLimitMB: 256})
	action := nodeAction("fn", 128)
	d.SetBehavior("nodejs", fake.Behavior{RunBody: []byte(`{"error":"boom"}`), RunStatus: 200})

	rec, err := p.Submit(context.Background(), action, msgFor(action, "a1"))
	require.NoError(t, err)
	assert.Equal(t, activation.StatusApplicationError, rec.Status)
	assert.Equal(t, 1, p.Stats().Free, "container must stay warm after an application error")
}

func TestSubmitDeveloperErrorDestroysContainer(t *testing.T) {
	p, d, acct := newTestPool(t, Config{MemoryLimitMB: 256})
	action := nodeAction("fn", 128)
	d.SetBehavior("nodejs", fake.Behavior{RunStatus: 500})

	rec, err := p.Submit(context.Background(), action, msgFor(action, "a1"))
	require.NoError(t, err)
	assert.Equal(t, activation.StatusDeveloperError, rec.Status)

	require.Eventually(t, func() bool { return acct.UsedMB() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Free)
}

func TestShutdownReleasesAllMemory(t *testing.T) {
	p, _, acct := newTestPool(t, Config{MemoryLimitMB: 512})
	action := nodeAction("fn", 128)
	_, err := p.Submit(context.Background(), action, msgFor(action, "a1"))
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.EqualValues(t, 0, acct.UsedMB())
	stats := p.Stats()
	assert.Equal(t, 0, stats.Free)
	assert.Equal(t, 0, stats.Busy)
	assert.Equal(t, 0, stats.Prewarm)
}

func TestShutdownDuringInFlightActivationDoesNotDoubleRelease(t *testing.T) {
	d := fake.New()
	acct := accountant.New(512)
	p := New(d, acct, telemetry.New(), Config{MemoryLimitMB: 512, ShutdownGrace: 2 * time.Second}, zerolog.Nop())
	action := nodeAction("fn", 128)
	d.SetBehavior("nodejs", fake.Behavior{RunSleep: 100 * time.Millisecond})

	submitDone := make(chan struct{})
	go func() {
		_, _ = p.Submit(context.Background(), action, msgFor(action, "a1"))
		close(submitDone)
	}()
	time.Sleep(20 * time.Millisecond) // let Submit create and enter Running before Shutdown races it

	assert.NotPanics(t, func() {
		assert.NoError(t, p.Shutdown(context.Background()))
	})
	<-submitDone

	assert.EqualValues(t, 0, acct.UsedMB())
	stats := p.Stats()
	assert.Equal(t, 0, stats.Free)
	assert.Equal(t, 0, stats.Busy)
}

func TestWarmPrewarmsConfiguredGroups(t *testing.T) {
	p, d, acct := newTestPool(t, Config{
		MemoryLimitMB: 512,
		Prewarm:       []PrewarmSpec{{Kind: "nodejs", MemoryMB: 64, Count: 2}},
	})
	p.Warm(context.Background())

	require.Eventually(t, func() bool { return p.Stats().Prewarm == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 128, acct.UsedMB())
	assert.EqualValues(t, 2, d.CreateCalls())
}
