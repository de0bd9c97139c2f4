package session

import (
	"fmt"

	gatekey "github.com/halvard/gatekey"
)

// Phase is the top-level machine state.
type Phase uint8

const (
	PhaseSignedOut Phase = iota
	PhaseAuthenticating
	PhaseNeedsEmailVerification
	PhaseSignedIn
)

func (p Phase) String() string {
	switch p {
	case PhaseSignedOut:
		return "signedOut"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseNeedsEmailVerification:
		return "needsEmailVerification"
	case PhaseSignedIn:
		return "signedIn"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// SignedOutStatus distinguishes a clean signed-out state from one reached
// through a failure.
type SignedOutStatus uint8

const (
	SignedOutNoErrors SignedOutStatus = iota
	SignedOutFailed
)

// Method tags the authentication flow currently in progress.
type Method uint8

const (
	MethodNone Method = iota
	MethodPassword
	MethodPasswordlessEmail
	MethodPasswordlessSMS
	// MethodSecurityKeyEmail tags a WebAuthn ceremony run by the
	// embedder; the machine never starts one itself (see the package
	// doc).
	MethodSecurityKeyEmail
	MethodMFATotp
)

func (m Method) String() string {
	switch m {
	case MethodPassword:
		return "password"
	case MethodPasswordlessEmail:
		return "passwordlessEmail"
	case MethodPasswordlessSMS:
		return "passwordlessSms"
	case MethodSecurityKeyEmail:
		return "securityKeyEmail"
	case MethodMFATotp:
		return "mfaTotp"
	default:
		return "none"
	}
}

// FlowError is the typed error the machine exposes on its state so UI
// layers can render it. Code carries the server's wire code, or
// "invalid-request" for guard failures that never left the process.
type FlowError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FlowError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Session is the client-side credential set, persisted as JSON under a
// single storage key.
type Session struct {
	AccessToken          string      `json:"accessToken"`
	AccessTokenExpiresIn int64       `json:"accessTokenExpiresIn"`
	RefreshToken         string      `json:"refreshToken"`
	User                 gatekey.User `json:"user"`
}

// State is the tagged union driving the machine. Which auxiliary fields
// are meaningful depends on Phase: SignedOut reads Status and Err,
// Authenticating reads Method and MFATicket, SignedIn reads Session.
type State struct {
	Phase     Phase
	Status    SignedOutStatus
	Method    Method
	MFATicket string
	Err       *FlowError
	Session   *Session
}

// EventType drives transitions. Every network interaction is bracketed by
// exactly one REQUEST and one SUCCESS or ERROR.
type EventType uint8

const (
	EventRequest EventType = iota
	EventSuccess
	EventError
	EventSignOut
)

// Event is the machine input. Which fields are read depends on Type.
type Event struct {
	Type                   EventType
	Method                 Method
	Session                *Session
	MFATicket              string
	NeedsEmailVerification bool
	Err                    *FlowError
}

// reduce is the transition table: an exhaustive switch over event type and
// current phase. It is pure; callers persist and notify around it.
func reduce(state State, event Event) State {
	switch event.Type {
	case EventRequest:
		return State{
			Phase:  PhaseAuthenticating,
			Method: event.Method,
		}

	case EventSuccess:
		switch state.Phase {
		case PhaseAuthenticating:
			if event.MFATicket != "" {
				return State{
					Phase:     PhaseAuthenticating,
					Method:    MethodMFATotp,
					MFATicket: event.MFATicket,
				}
			}
			if event.NeedsEmailVerification {
				return State{Phase: PhaseNeedsEmailVerification}
			}
			return State{Phase: PhaseSignedIn, Session: event.Session}
		case PhaseSignedIn:
			// Refresh result.
			return State{Phase: PhaseSignedIn, Session: event.Session}
		default:
			// Hydration and cross-tab re-reads land here.
			if event.Session != nil {
				return State{Phase: PhaseSignedIn, Session: event.Session}
			}
			return state
		}

	case EventError:
		// Guard failures, rejected sign-ins and rejected refreshes all end
		// in the same terminal sub-state; the machine is never left pending.
		return State{
			Phase:  PhaseSignedOut,
			Status: SignedOutFailed,
			Err:    event.Err,
		}

	case EventSignOut:
		return State{Phase: PhaseSignedOut, Status: SignedOutNoErrors}

	default:
		return state
	}
}
