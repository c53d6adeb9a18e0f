// Package activation holds the data model shared by the container pool,
// proxy, runner, and work feed: action descriptors, container records,
// invocation messages, and activation records.
package activation

import "time"

// Kind identifies a runtime image family, e.g. "nodejs:14".
type Kind string

// ActionKey is the stable (namespace, name) identity of an action,
// independent of revision.
type ActionKey struct {
	Namespace string
	Name      string
}

func (k ActionKey) String() string {
	return k.Namespace + "/" + k.Name
}

// Action is the full descriptor for a single action revision: everything
// the pool needs to create and run a container for it.
type Action struct {
	Key      ActionKey
	Rev      string
	CodeRef  string
	Kind     Kind
	MemoryMB int64
	// TimeLimit bounds a single run.
	TimeLimit time.Duration
	// ConcurrentLimit is the number of activations a single container of
	// this action may run at once (>= 1).
	ConcurrentLimit int
}

// Identity is the (kind, action, rev) tuple used for warm-hit matching.
type Identity struct {
	RuntimeKind Kind
	Action      ActionKey
	Rev         string
}

// State is a container's position in the lifecycle described in spec §3/§4.B.
type State int

const (
	StateStarting State = iota
	StatePrewarmed
	StateInitialized
	StateRunning
	StatePaused
	StateRemoving
	StateGone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePrewarmed:
		return "prewarmed"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateRemoving:
		return "removing"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// ContainerRecord describes one sandboxed container, owned exclusively by
// its Container Proxy. Fields are only ever mutated from within the
// proxy's mailbox goroutine; readers elsewhere (pool indices) take a
// point-in-time snapshot via Proxy.Snapshot.
type ContainerRecord struct {
	ID       string
	Address  string
	Kind     Kind
	MemoryMB int64

	State State
	// ActionKey/Rev are set once the container is Initialized for a
	// specific action revision; zero value before then.
	ActionKey ActionKey
	Rev       string

	LastUsedAt time.Time
	CreatedAt  time.Time
	InFlight   int
	Unusable   bool
}

// MatchesIdentity reports whether this container is warm for exactly the
// given (kind, action, rev) — invariant 5 of spec §3.
func (c *ContainerRecord) MatchesIdentity(id Identity) bool {
	return c.State == StateInitialized &&
		c.Kind == id.RuntimeKind &&
		c.ActionKey == id.Action &&
		c.Rev == id.Rev
}

// Status is the fixed four-value taxonomy an activation record surfaces,
// per spec §7.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusApplicationError Status = "application-error"
	StatusDeveloperError   Status = "developer-error"
	StatusWhiskError       Status = "whisk-error"
)

// InvocationMessage is one unit of work pulled from the broker (spec §6).
type InvocationMessage struct {
	ActivationID string
	Namespace    string
	ActionKey    ActionKey
	ActionRev    string
	ArgsJSON     []byte
	TransID      string
	Deadline     time.Time
}

// Response is the activation record's response payload.
type Response struct {
	Truncated bool
	Size      int
	Body      []byte
}

// Annotations carries the auxiliary fields the invoker attaches to every
// activation record.
type Annotations struct {
	Kind       Kind
	MemoryMB   int64
	TimeLimit  time.Duration
	InitTimeMs *int64
	WaitTimeMs int64
	Cold       bool
}

// Record is the activation record written on completion (spec §6).
type Record struct {
	ActivationID string
	Namespace    string
	Name         string
	Subject      string
	StartMs      int64
	EndMs        int64
	Status       Status
	Response     Response
	LogsRef      string
	Annotations  Annotations
}
