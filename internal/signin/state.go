// Package signin orchestrates one brand connection attempt: initiating
// the sign-in, polling until authentication completes, and handing the
// retrieved data off for aggregation.
//
// The lifecycle is modeled as a closed state machine with a pure
// transition function. Flow drives the machine and owns all side
// effects; Transition itself never touches the network or the clock.
package signin

import (
	"errors"
	"fmt"
)

// Phase is the lifecycle position of a connection attempt.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseConnecting
	PhaseAuthenticating
	PhaseAwaitingResource
	PhaseRetrieving
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAwaitingResource:
		return "awaiting_resource"
	case PhaseRetrieving:
		return "retrieving"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether the phase accepts no further events.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Variant distinguishes how the user authenticates.
type Variant int

const (
	// VariantForm collects credentials in-app and polls the sign-in link.
	VariantForm Variant = iota
	// VariantHosted sends the user to a connector-hosted page and polls
	// the sign-in link.
	VariantHosted
	// VariantResource embeds a connector resource page and checks the
	// sign-in id, starting after a fixed grace delay.
	VariantResource
)

func (v Variant) String() string {
	switch v {
	case VariantForm:
		return "form"
	case VariantHosted:
		return "hosted"
	case VariantResource:
		return "resource"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// State is one immutable snapshot of a connection attempt.
type State struct {
	Phase     Phase
	BrandID   string
	LinkID    string
	SigninURL string
	Variant   Variant
	// Polls counts completed pending polls, for observability.
	Polls int
	// Reason is the human-readable failure message, set only in
	// PhaseFailed.
	Reason string
}

// Event is one input to the machine. The set is closed.
type Event interface {
	isEvent()
}

// ConnectRequested starts an attempt for a brand.
type ConnectRequested struct {
	BrandID string
}

// DescriptorReceived records the sign-in descriptor from initiation.
type DescriptorReceived struct {
	Variant   Variant
	LinkID    string
	SigninURL string
}

// CredentialsSubmitted records that the user finished the form. Only a
// credential-collecting surface emits it; the server-driven flow
// authenticates through the hosted link or embedded resource and never
// produces this event.
type CredentialsSubmitted struct{}

// PollPending records one poll that found authentication still running.
type PollPending struct{}

// PollCompleted records the poll that found authentication finished.
type PollCompleted struct{}

// DataTransformed records successful retrieval and normalization.
type DataTransformed struct{}

// InitiationFailed fails the attempt before polling began.
type InitiationFailed struct {
	Reason string
}

// RetryExhausted fails the attempt after the poll budget ran out.
type RetryExhausted struct {
	Reason string
}

func (ConnectRequested) isEvent()     {}
func (DescriptorReceived) isEvent()   {}
func (CredentialsSubmitted) isEvent() {}
func (PollPending) isEvent()          {}
func (PollCompleted) isEvent()        {}
func (DataTransformed) isEvent()      {}
func (InitiationFailed) isEvent()     {}
func (RetryExhausted) isEvent()       {}

// ErrTerminalState reports an event applied to a finished attempt.
var ErrTerminalState = errors.New("attempt already finished")

// ErrInvalidTransition reports an event the current phase cannot accept.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition applies one event to a state and returns the next state.
// It is pure: no side effects, no clock, no I/O. Terminal states reject
// every event with ErrTerminalState.
func Transition(s State, ev Event) (State, error) {
	if s.Phase.Terminal() {
		return s, fmt.Errorf("%w: %s ignores %T", ErrTerminalState, s.Phase, ev)
	}

	switch e := ev.(type) {
	case ConnectRequested:
		if s.Phase != PhaseInitial {
			return s, invalid(s.Phase, ev)
		}
		next := s
		next.Phase = PhaseConnecting
		next.BrandID = e.BrandID
		return next, nil

	case DescriptorReceived:
		if s.Phase != PhaseConnecting {
			return s, invalid(s.Phase, ev)
		}
		next := s
		next.Variant = e.Variant
		next.LinkID = e.LinkID
		next.SigninURL = e.SigninURL
		if e.Variant == VariantResource {
			next.Phase = PhaseAwaitingResource
		} else {
			next.Phase = PhaseAuthenticating
		}
		return next, nil

	case CredentialsSubmitted:
		if s.Phase != PhaseAuthenticating || s.Variant != VariantForm {
			return s, invalid(s.Phase, ev)
		}
		return s, nil

	case PollPending:
		if s.Phase != PhaseAuthenticating && s.Phase != PhaseAwaitingResource {
			return s, invalid(s.Phase, ev)
		}
		next := s
		next.Polls++
		return next, nil

	case PollCompleted:
		if s.Phase != PhaseAuthenticating && s.Phase != PhaseAwaitingResource {
			return s, invalid(s.Phase, ev)
		}
		next := s
		next.Phase = PhaseRetrieving
		return next, nil

	case DataTransformed:
		if s.Phase != PhaseRetrieving {
			return s, invalid(s.Phase, ev)
		}
		next := s
		next.Phase = PhaseCompleted
		return next, nil

	case InitiationFailed:
		next := s
		next.Phase = PhaseFailed
		next.Reason = e.Reason
		return next, nil

	case RetryExhausted:
		next := s
		next.Phase = PhaseFailed
		next.Reason = e.Reason
		return next, nil

	default:
		return s, invalid(s.Phase, ev)
	}
}

func invalid(p Phase, ev Event) error {
	return fmt.Errorf("%w: %s does not accept %T", ErrInvalidTransition, p, ev)
}
