package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver/fake"
)

func newTestProxy(t *testing.T, cfg Config) (*Proxy, *fake.Driver) {
	t.Helper()
	d := fake.New()
	handle, err := d.Create(context.Background(), "c1", "nodejs", 256, nil, nil)
	require.NoError(t, err)
	p := New(d, handle, "nodejs", 256, cfg, zerolog.Nop())
	t.Cleanup(func() { _ = p.Destroy(context.Background()) })
	return p, d
}

func TestLifecycleHappyPath(t *testing.T) {
	p, _ := newTestProxy(t, Config{})
	ctx := context.Background()

	require.NoError(t, p.MarkReady(ctx))
	assert.Equal(t, activation.StatePrewarmed, p.Snapshot().State)

	action := activation.Action{Key: activation.ActionKey{Namespace: "ns", Name: "fn"}, Kind: "nodejs", Rev: "1"}
	require.NoError(t, p.Assign(ctx, action))
	require.NoError(t, p.MarkInitialized(ctx))
	assert.Equal(t, activation.StateInitialized, p.Snapshot().State)

	inFlight, err := p.BeginRun(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, inFlight)
	assert.Equal(t, activation.StateRunning, p.Snapshot().State)

	require.NoError(t, p.EndRun(ctx, false))
	snap := p.Snapshot()
	assert.Equal(t, activation.StateInitialized, snap.State)
	assert.Equal(t, 0, snap.InFlight)
	assert.False(t, snap.LastUsedAt.IsZero())
}

func TestBeginRunRejectsSecondExclusiveRun(t *testing.T) {
	p, _ := newTestProxy(t, Config{})
	ctx := context.Background()
	require.NoError(t, p.MarkReady(ctx))
	require.NoError(t, p.MarkInitialized(ctx))

	_, err := p.BeginRun(ctx, 1)
	require.NoError(t, err)

	_, err = p.BeginRun(ctx, 1)
	assert.Error(t, err)
}

func TestEndRunFatalMarksRemoving(t *testing.T) {
	p, _ := newTestProxy(t, Config{})
	ctx := context.Background()
	require.NoError(t, p.MarkReady(ctx))
	require.NoError(t, p.MarkInitialized(ctx))
	_, err := p.BeginRun(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, p.EndRun(ctx, true))
	snap := p.Snapshot()
	assert.Equal(t, activation.StateRemoving, snap.State)
	assert.True(t, snap.Unusable)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	p, _ := newTestProxy(t, Config{})
	ctx := context.Background()
	require.NoError(t, p.MarkReady(ctx))
	require.NoError(t, p.MarkInitialized(ctx))

	require.NoError(t, p.Pause(ctx))
	assert.Equal(t, activation.StatePaused, p.Snapshot().State)

	require.NoError(t, p.Resume(ctx))
	assert.Equal(t, activation.StateInitialized, p.Snapshot().State)
}

func TestResumeFailureIsFatal(t *testing.T) {
	p, d := newTestProxy(t, Config{})
	ctx := context.Background()
	require.NoError(t, p.MarkReady(ctx))
	require.NoError(t, p.MarkInitialized(ctx))
	require.NoError(t, p.Pause(ctx))

	d.SetBehavior("nodejs", fake.Behavior{})
	// Force the next resume to fail by destroying the underlying container
	// out from under the proxy.
	require.NoError(t, d.Destroy(ctx, p.Handle()))

	err := p.Resume(ctx)
	assert.Error(t, err)
	assert.Equal(t, activation.StateRemoving, p.Snapshot().State)
}

func TestIdleGraceAutoPauses(t *testing.T) {
	p, _ := newTestProxy(t, Config{IdleGrace: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, p.MarkReady(ctx))
	require.NoError(t, p.MarkInitialized(ctx))

	require.Eventually(t, func() bool {
		return p.Snapshot().State == activation.StatePaused
	}, time.Second, 5*time.Millisecond)
}

func TestDestroyIsIdempotent(t *testing.T) {
	p, _ := newTestProxy(t, Config{})
	ctx := context.Background()
	require.NoError(t, p.Destroy(ctx))
	require.NoError(t, p.Destroy(ctx))
	assert.Equal(t, activation.StateGone, p.Snapshot().State)

	err := p.MarkReady(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
