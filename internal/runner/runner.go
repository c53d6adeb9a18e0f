// Package runner implements the Activation Runner (spec §4.E): given one
// assigned container and one work item, it drives the init/run protocol,
// classifies the outcome into the fixed four-status taxonomy (spec §7),
// and builds the activation record.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/apache/openwhisk-invoker-pool/internal/activation"
	"github.com/apache/openwhisk-invoker-pool/internal/proxy"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver"
	"github.com/apache/openwhisk-invoker-pool/internal/telemetry"
)

// LogForwarder hands off the log lines the runner collected for one
// activation to the external log store, returning an opaque reference to
// attach to the activation record's LogsRef. Spec §2 treats the log
// forwarder as a write-only sink outside this subsystem's scope,
// specified only by the interface the runner needs.
type LogForwarder interface {
	Forward(ctx context.Context, activationID string, lines []sandboxdriver.LogLine) (string, error)
}

// Runner executes one activation against one assigned container.
type Runner struct {
	driver    sandboxdriver.Driver
	telemetry *telemetry.Hooks
	log       zerolog.Logger
	// MaxResponseBytes truncates /run response bodies beyond this size;
	// 0 means no limit.
	MaxResponseBytes int
	// Logs forwards collected log lines to the external log store; nil
	// means there is nowhere to ship them, so LogsRef falls back to the
	// activation id.
	Logs LogForwarder
	// LogSentinelWait bounds how long Execute waits for the driver's
	// end-of-activation sentinel line before giving up and falling back to
	// a timestamp cutoff (spec §9 open question (b)). Zero disables log
	// collection entirely.
	LogSentinelWait time.Duration
}

// New creates a Runner.
func New(driver sandboxdriver.Driver, hooks *telemetry.Hooks, log zerolog.Logger) *Runner {
	return &Runner{driver: driver, telemetry: hooks, log: log}
}

// Execute drives p through Resume (if Paused), Init (if not yet
// initialized for this action), and Run, returning exactly one activation
// record regardless of outcome (spec §8 invariant 3). waitTime is the
// time the work item spent queued before this container was assigned,
// used only for telemetry/annotations. cold indicates the container was
// freshly created or prewarmed-but-uninitialized.
func (r *Runner) Execute(ctx context.Context, p *proxy.Proxy, action activation.Action, msg activation.InvocationMessage, waitTime time.Duration, cold bool) activation.Record {
	start := time.Now()

	rec := activation.Record{
		ActivationID: msg.ActivationID,
		Namespace:    msg.Namespace,
		Name:         action.Key.Name,
		Subject:      msg.Namespace,
		StartMs:      start.UnixMilli(),
		Annotations: activation.Annotations{
			Kind:       action.Kind,
			MemoryMB:   action.MemoryMB,
			TimeLimit:  action.TimeLimit,
			WaitTimeMs: waitTime.Milliseconds(),
			Cold:       cold,
		},
	}

	finish := func(status activation.Status) activation.Record {
		rec.Status = status
		rec.EndMs = time.Now().UnixMilli()
		r.observe(rec)
		return rec
	}

	snap := p.Snapshot()

	if snap.State == activation.StatePaused {
		if err := p.Resume(ctx); err != nil {
			r.log.Error().Err(err).Str("container_id", snap.ID).Msg("resume failed, activation whisk-error")
			return finish(activation.StatusWhiskError)
		}
		snap = p.Snapshot()
	}

	var initTime *int64
	if snap.State == activation.StatePrewarmed || snap.State == activation.StateStarting {
		if err := p.Assign(ctx, action); err != nil {
			r.log.Error().Err(err).Msg("assign failed")
			return finish(activation.StatusWhiskError)
		}

		initStart := time.Now()
		err := r.driver.Init(ctx, p.Handle(), sandboxdriver.CodeDescriptor{
			Code: action.CodeRef,
			Main: "main",
		})
		if err != nil {
			_ = p.MarkRemoving(ctx)
			r.log.Warn().Err(err).Str("action", action.Key.String()).Msg("init failed")
			return finish(activation.StatusDeveloperError)
		}
		if err := p.MarkInitialized(ctx); err != nil {
			r.log.Error().Err(err).Msg("mark-initialized failed after successful init")
			return finish(activation.StatusWhiskError)
		}
		dur := time.Since(initStart).Milliseconds()
		initTime = &dur
	}
	rec.Annotations.InitTimeMs = initTime

	if _, err := p.BeginRun(ctx, action.ConcurrentLimit); err != nil {
		r.log.Error().Err(err).Str("container_id", snap.ID).Msg("begin-run rejected by proxy")
		if r.telemetry != nil {
			r.telemetry.ConcurrentLimitHits.Inc()
		}
		return finish(activation.StatusWhiskError)
	}

	deadline := runDeadline(action, initTime, msg.Deadline)

	runStart := time.Now()
	result, runErr := r.driver.Run(ctx, p.Handle(), msg.ArgsJSON, deadline)
	runDuration := time.Since(runStart)
	if r.telemetry != nil {
		r.telemetry.RunDuration.Observe(runDuration.Seconds())
	}

	status, fatal := classify(result, runErr)
	if status == activation.StatusWhiskError && errors.Is(unwrapRunErr(runErr), sandboxdriver.ErrRunTimeout) {
		if r.telemetry != nil {
			r.telemetry.TimeLimitHits.Inc()
		}
	}

	if err := p.EndRun(ctx, fatal); err != nil {
		r.log.Error().Err(err).Msg("end-run failed")
	}

	body, truncated := result.Body, result.Truncated
	if r.MaxResponseBytes > 0 && len(body) > r.MaxResponseBytes {
		body = body[:r.MaxResponseBytes]
		truncated = true
	}
	rec.Response = activation.Response{
		Truncated: truncated,
		Size:      len(result.Body),
		Body:      body,
	}
	if r.telemetry != nil {
		r.telemetry.ResponseSize.Observe(float64(len(result.Body)))
	}

	rec.LogsRef = r.collectLogs(ctx, p, msg.ActivationID, runStart)

	return finish(status)
}

// collectLogs drains the driver's log stream for this activation's window
// (spec §4.E step 5, §6 "log forwarder") and hands the lines to r.Logs,
// returning the reference to attach to the activation record. It never
// fails the activation: a streaming or forwarding error just falls back to
// the activation id as the reference. Bounded by LogSentinelWait — if the
// driver's sentinel line never arrives within that window the context
// deadline cuts the stream off and whatever lines arrived before then are
// forwarded, the timestamp of the last one standing in for the missing
// sentinel (spec §9 open question (b)).
func (r *Runner) collectLogs(ctx context.Context, p *proxy.Proxy, activationID string, since time.Time) string {
	if r.LogSentinelWait <= 0 {
		return activationID
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.LogSentinelWait)
	defer cancel()

	ch, err := r.driver.Logs(waitCtx, p.Handle(), since)
	if err != nil {
		r.log.Warn().Err(err).Str("activation_id", activationID).Msg("log collection failed")
		return activationID
	}

	var lines []sandboxdriver.LogLine
	sawSentinel := false
	for line := range ch {
		if line.Sentinel {
			sawSentinel = true
			break
		}
		lines = append(lines, line)
	}
	if !sawSentinel {
		r.log.Debug().Str("activation_id", activationID).Msg("log sentinel not seen before bounded wait elapsed, falling back to timestamp cutoff")
	}

	if r.Logs == nil {
		return activationID
	}
	ref, err := r.Logs.Forward(ctx, activationID, lines)
	if err != nil {
		r.log.Warn().Err(err).Str("activation_id", activationID).Msg("forwarding logs failed")
		return activationID
	}
	return ref
}

func (r *Runner) observe(rec activation.Record) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.Activations.WithLabelValues(string(rec.Status)).Inc()
	if rec.Annotations.Cold {
		r.telemetry.ColdStarts.Inc()
	}
	r.telemetry.WaitTime.Observe(time.Duration(rec.Annotations.WaitTimeMs * int64(time.Millisecond)).Seconds())
	if rec.Annotations.InitTimeMs != nil {
		r.telemetry.InitTime.Observe(float64(*rec.Annotations.InitTimeMs) / 1000)
	}
}

// runDeadline computes the run deadline per spec §4.B/§4.E: the action's
// time limit minus init time already consumed, capped by the message's
// own deadline if tighter.
func runDeadline(action activation.Action, initTimeMs *int64, msgDeadline time.Time) time.Time {
	remaining := action.TimeLimit
	if initTimeMs != nil {
		remaining -= time.Duration(*initTimeMs) * time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
	}
	deadline := time.Now().Add(remaining)
	if !msgDeadline.IsZero() && msgDeadline.Before(deadline) {
		return msgDeadline
	}
	return deadline
}

// classify maps a Run outcome onto the four-status taxonomy (spec §7) and
// reports whether the container must be torn down. There is no separate
// mapping for Lambda-style Handled/Unhandled errors: the Docker and fake
// drivers report only the RunError kinds and HTTP statuses handled here.
func classify(result sandboxdriver.RunResult, err error) (activation.Status, bool) {
	if err != nil {
		var runErr *sandboxdriver.RunError
		if errors.As(err, &runErr) {
			switch {
			case errors.Is(runErr.Kind, sandboxdriver.ErrRunTimeout):
				return activation.StatusWhiskError, true
			case errors.Is(runErr.Kind, sandboxdriver.ErrRunConnection):
				return activation.StatusWhiskError, true
			case errors.Is(runErr.Kind, sandboxdriver.ErrRunTooLarge):
				return activation.StatusWhiskError, true
			}
		}
		return activation.StatusWhiskError, true
	}

	switch {
	case result.StatusCode >= 200 && result.StatusCode < 300:
		if result.StatusCode == 204 && len(result.Body) == 0 {
			return activation.StatusWhiskError, true
		}
		if hasErrorField(result.Body) {
			return activation.StatusApplicationError, false
		}
		return activation.StatusSuccess, false
	default:
		return activation.StatusDeveloperError, true
	}
}

// hasErrorField reports whether the /run response body is a JSON object
// carrying an "error" key (spec §6: {error: ...} on HTTP 200 means
// application-error rather than success).
func hasErrorField(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &generic); err != nil {
		return false
	}
	_, ok := generic["error"]
	return ok
}

func unwrapRunErr(err error) error {
	var runErr *sandboxdriver.RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	return err
}
