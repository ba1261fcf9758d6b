package signin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_FormVariantPath(t *testing.T) {
	s := State{}

	s, err := Transition(s, ConnectRequested{BrandID: "amazon"})
	require.NoError(t, err)
	assert.Equal(t, PhaseConnecting, s.Phase)
	assert.Equal(t, "amazon", s.BrandID)

	s, err = Transition(s, DescriptorReceived{
		Variant:   VariantForm,
		LinkID:    "lnk-1",
		SigninURL: "https://connector.example/signin/lnk-1",
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseAuthenticating, s.Phase)
	assert.Equal(t, "lnk-1", s.LinkID)

	s, err = Transition(s, CredentialsSubmitted{})
	require.NoError(t, err)
	assert.Equal(t, PhaseAuthenticating, s.Phase)

	for i := 1; i <= 3; i++ {
		s, err = Transition(s, PollPending{})
		require.NoError(t, err)
		assert.Equal(t, i, s.Polls)
	}

	s, err = Transition(s, PollCompleted{})
	require.NoError(t, err)
	assert.Equal(t, PhaseRetrieving, s.Phase)

	s, err = Transition(s, DataTransformed{})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, s.Phase)
	assert.True(t, s.Phase.Terminal())
}

func TestTransition_ResourceVariant(t *testing.T) {
	s := State{}
	s, err := Transition(s, ConnectRequested{BrandID: "amazon"})
	require.NoError(t, err)

	s, err = Transition(s, DescriptorReceived{Variant: VariantResource, LinkID: "sid-1"})
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingResource, s.Phase)

	// Resource sign-ins never submit a form.
	_, err = Transition(s, CredentialsSubmitted{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err = Transition(s, PollCompleted{})
	require.NoError(t, err)
	assert.Equal(t, PhaseRetrieving, s.Phase)
}

func TestTransition_Failures(t *testing.T) {
	s, err := Transition(State{}, ConnectRequested{BrandID: "wayfair"})
	require.NoError(t, err)

	failed, err := Transition(s, InitiationFailed{Reason: "could not reach Wayfair"})
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, failed.Phase)
	assert.Equal(t, "could not reach Wayfair", failed.Reason)

	s, err = Transition(s, DescriptorReceived{Variant: VariantHosted, LinkID: "lnk-2"})
	require.NoError(t, err)
	failed, err = Transition(s, RetryExhausted{Reason: "sign-in timed out"})
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, failed.Phase)
	assert.Equal(t, "sign-in timed out", failed.Reason)
}

func TestTransition_IllegalMoves(t *testing.T) {
	tests := []struct {
		name  string
		state State
		ev    Event
	}{
		{"connect twice", State{Phase: PhaseConnecting}, ConnectRequested{BrandID: "x"}},
		{"descriptor before connect", State{}, DescriptorReceived{}},
		{"transform before retrieval", State{Phase: PhaseConnecting}, DataTransformed{}},
		{"poll before descriptor", State{Phase: PhaseConnecting}, PollPending{}},
		{"complete poll from initial", State{}, PollCompleted{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := Transition(tt.state, tt.ev)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.state, next, "state unchanged on rejection")
		})
	}
}

func TestTransition_TerminalStatesRejectEverything(t *testing.T) {
	events := []Event{
		ConnectRequested{BrandID: "x"},
		DescriptorReceived{},
		CredentialsSubmitted{},
		PollPending{},
		PollCompleted{},
		DataTransformed{},
		InitiationFailed{Reason: "r"},
		RetryExhausted{Reason: "r"},
	}

	for _, terminal := range []State{{Phase: PhaseCompleted}, {Phase: PhaseFailed, Reason: "r"}} {
		for _, ev := range events {
			next, err := Transition(terminal, ev)
			assert.ErrorIs(t, err, ErrTerminalState)
			assert.Equal(t, terminal, next)
		}
	}
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "initial", PhaseInitial.String())
	assert.Equal(t, "awaiting_resource", PhaseAwaitingResource.String())
	assert.Equal(t, "failed", PhaseFailed.String())
	assert.Equal(t, "resource", VariantResource.String())
}
