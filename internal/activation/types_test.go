package activation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatchesIdentityRequiresInitializedState(t *testing.T) {
	key := ActionKey{Namespace: "ns", Name: "fn"}
	id := Identity{RuntimeKind: "nodejs", Action: key, Rev: "2"}

	warm := ContainerRecord{State: StateInitialized, Kind: "nodejs", ActionKey: key, Rev: "2"}
	assert.True(t, warm.MatchesIdentity(id))

	paused := warm
	paused.State = StatePaused
	assert.False(t, paused.MatchesIdentity(id))

	wrongRev := warm
	wrongRev.Rev = "1"
	assert.False(t, wrongRev.MatchesIdentity(id))
}

func TestActionKeyString(t *testing.T) {
	k := ActionKey{Namespace: "guest", Name: "hello"}
	assert.Equal(t, "guest/hello", k.String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestInvocationMessageCarriesDeadline(t *testing.T) {
	deadline := time.Now().Add(time.Second)
	msg := InvocationMessage{ActivationID: "a1", Deadline: deadline}
	assert.Equal(t, deadline, msg.Deadline)
}
