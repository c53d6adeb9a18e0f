package runner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/proxy"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver/fake"
	"github.com/apache/openwhisk-invoker-pool/internal/telemetry"
)

func newColdProxy(t *testing.T, d sandboxdriver.Driver, kind activation.Kind, memoryMB int64) *proxy.Proxy {
	t.Helper()
	handle, err := d.Create(context.Background(), "c1", string(kind), memoryMB, nil, nil)
	require.NoError(t, err)
	return proxy.New(d, handle, kind, memoryMB, proxy.Config{}, zerolog.Nop())
}

func baseAction() activation.Action {
	return activation.Action{
		Key:             activation.ActionKey{Namespace: "ns", Name: "fn"},
		Rev:             "1",
		CodeRef:         "console.log(1)",
		Kind:            "nodejs",
		MemoryMB:        128,
		TimeLimit:       time.Second,
		ConcurrentLimit: 1,
	}
}

func TestExecuteColdStartSuccess(t *testing.T) {
	d := fake.New()
	p := newColdProxy(t, d, "nodejs", 128)
	r := New(d, telemetry.New(), zerolog.Nop())

	action := baseAction()
	msg := activation.InvocationMessage{ActivationID: "a1", Namespace: "ns"}

	rec := r.Execute(context.Background(), p, action, msg, 0, true)
	assert.Equal(t, activation.StatusSuccess, rec.Status)
	require.NotNil(t, rec.Annotations.InitTimeMs)
	assert.LessOrEqual(t, rec.StartMs, rec.EndMs)
	assert.Equal(t, activation.StateInitialized, p.Snapshot().State)
}

func TestExecuteInitFailureIsDeveloperError(t *testing.T) {
	d := fake.New()
	d.SetBehavior("nodejs", fake.Behavior{InitErr: assertErr})
	p := newColdProxy(t, d, "nodejs", 128)
	r := New(d, telemetry.New(), zerolog.Nop())

	rec := r.Execute(context.Background(), p, baseAction(), activation.InvocationMessage{ActivationID: "a1"}, 0, true)
	assert.Equal(t, activation.StatusDeveloperError, rec.Status)
	assert.Equal(t, activation.StateRemoving, p.Snapshot().State)
}

func TestExecuteNon2xxIsDeveloperErrorAndRemoves(t *testing.T) {
	d := fake.New()
	d.SetBehavior("nodejs", fake.Behavior{RunStatus: 500})
	p := newColdProxy(t, d, "nodejs", 128)
	r := New(d, telemetry.New(), zerolog.Nop())

	rec := r.Execute(context.Background(), p, baseAction(), activation.InvocationMessage{ActivationID: "a1"}, 0, true)
	assert.Equal(t, activation.StatusDeveloperError, rec.Status)
	assert.Equal(t, activation.StateRemoving, p.Snapshot().State)
}

func TestExecuteApplicationErrorBodyStaysWarm(t *testing.T) {
	d := fake.New()
	d.SetBehavior("nodejs", fake.Behavior{RunStatus: 200, RunBody: []byte(`{"error":"bad input"}`)})
	p := newColdProxy(t, d, "nodejs", 128)
	r := New(d, telemetry.New(), zerolog.Nop())

	rec := r.Execute(context.Background(), p, baseAction(), activation.InvocationMessage{ActivationID: "a1"}, 0, true)
	assert.Equal(t, activation.StatusApplicationError, rec.Status)
	assert.Equal(t, activation.StateInitialized, p.Snapshot().State)
}

func TestExecuteTimeoutMarksRemoving(t *testing.T) {
	d := fake.New()
	d.SetBehavior("nodejs", fake.Behavior{RunSleep: 100 * time.Millisecond})
	p := newColdProxy(t, d, "nodejs", 128)
	r := New(d, telemetry.New(), zerolog.Nop())

	action := baseAction()
	action.TimeLimit = 10 * time.Millisecond
	rec := r.Execute(context.Background(), p, action, activation.InvocationMessage{ActivationID: "a1"}, 0, true)
	assert.Equal(t, activation.StatusWhiskError, rec.Status)
	assert.Equal(t, activation.StateRemoving, p.Snapshot().State)
}

func TestExecuteWithoutLogSentinelWaitLeavesLogsRefAsActivationID(t *testing.T) {
	d := fake.New()
	p := newColdProxy(t, d, "nodejs", 128)
	r := New(d, telemetry.New(), zerolog.Nop())

	rec := r.Execute(context.Background(), p, baseAction(), activation.InvocationMessage{ActivationID: "a1"}, 0, true)
	assert.Equal(t, "a1", rec.LogsRef, "log collection is disabled when LogSentinelWait is zero")
}

func TestExecuteForwardsLogsAndSetsLogsRef(t *testing.T) {
	d := fake.New()
	p := newColdProxy(t, d, "nodejs", 128)
	r := New(d, telemetry.New(), zerolog.Nop())
	r.LogSentinelWait = 50 * time.Millisecond
	fwd := &fakeForwarder{ref: "logs://a1"}
	r.Logs = fwd

	rec := r.Execute(context.Background(), p, baseAction(), activation.InvocationMessage{ActivationID: "a1"}, 0, true)
	assert.Equal(t, activation.StatusSuccess, rec.Status)
	assert.Equal(t, "logs://a1", rec.LogsRef)
	require.Equal(t, 1, fwd.calls, "Forward must be called exactly once per activation")
}

type fakeForwarder struct {
	ref   string
	err   error
	calls int
}

func (f *fakeForwarder) Forward(ctx context.Context, activationID string, lines []sandboxdriver.LogLine) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

var assertErr = &testError{"init boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
