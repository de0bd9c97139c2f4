package session

import (
	"context"
	"errors"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

var errCorruptSession = errors.New("corrupt persisted session")

const (
	defaultRefreshLead    = time.Minute
	defaultRequestTimeout = 15 * time.Second
	minRefreshDelay       = 10 * time.Millisecond
	minPasswordLength     = 9
)

// AuthResult is what a flow call yields: a session, an MFA challenge
// ticket, or a parked registration awaiting email verification.
type AuthResult struct {
	Session                *Session
	MFATicket              string
	NeedsEmailVerification bool
}

// AuthAPI is the transport the machine drives. [NewClient] provides the
// HTTP implementation; tests substitute fakes.
type AuthAPI interface {
	SignUp(ctx context.Context, email, password string) (AuthResult, error)
	SignInPassword(ctx context.Context, email, password string) (AuthResult, error)
	StartPasswordlessEmail(ctx context.Context, email string) error
	StartPasswordlessSMS(ctx context.Context, phoneNumber string) error
	VerifyOTP(ctx context.Context, identifier, code string) (AuthResult, error)
	VerifyMFA(ctx context.Context, ticket, code string) (AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (AuthResult, error)
	SignOut(ctx context.Context, refreshToken string) error
}

// Machine is the client session state machine. All operations are safe for
// concurrent use; at most one authentication attempt and one refresh are in
// flight at any time, and starting a new flow cancels the pending one.
type Machine struct {
	api     AuthAPI
	storage Storage

	refreshLead    time.Duration
	requestTimeout time.Duration

	mu          sync.Mutex
	state       State
	timer       *time.Timer
	cancel      context.CancelFunc
	subscribers map[int]func(State)
	nextSubID   int
	unsubscribe func()
}

type Option func(*Machine)

func WithStorage(storage Storage) Option {
	return func(m *Machine) { m.storage = storage }
}

// WithNotifier re-reads the persisted session whenever another writer
// changes it.
func WithNotifier(notifier ChangeNotifier) Option {
	return func(m *Machine) { m.unsubscribe = notifier.Subscribe(m.rehydrate) }
}

// WithRefreshLead sets how long before access token expiry the automatic
// refresh fires.
func WithRefreshLead(lead time.Duration) Option {
	return func(m *Machine) { m.refreshLead = lead }
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(m *Machine) { m.requestTimeout = timeout }
}

func NewMachine(api AuthAPI, opts ...Option) *Machine {
	m := &Machine{
		api:            api,
		storage:        NewMemoryStorage(),
		refreshLead:    defaultRefreshLead,
		requestTimeout: defaultRequestTimeout,
		state:          State{Phase: PhaseSignedOut},
		subscribers:    map[int]func(State){},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close cancels the in-flight request, the refresh timer and the notifier
// subscription. The persisted session is left in place.
func (m *Machine) Close() {
	m.mu.Lock()
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a listener called after every transition and returns
// its unsubscribe function.
func (m *Machine) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Hydrate re-reads the persisted session, transitions to SignedIn when one
// is present and arms the refresh timer. Corrupt payloads are discarded.
func (m *Machine) Hydrate() error {
	raw, ok, err := m.storage.Load(StorageKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	session, err := decodeSession(raw)
	if err != nil {
		_ = m.storage.Delete(StorageKey)
		return nil
	}

	m.dispatch(Event{Type: EventSuccess, Session: session})
	m.mu.Lock()
	m.armTimerLocked(session)
	m.mu.Unlock()
	return nil
}

// rehydrate is the notifier callback: another tab wrote (or deleted) the
// persisted session, adopt its view.
func (m *Machine) rehydrate() {
	raw, ok, err := m.storage.Load(StorageKey)
	if err != nil {
		return
	}
	if !ok {
		m.mu.Lock()
		signedIn := m.state.Phase == PhaseSignedIn
		m.stopTimerLocked()
		m.mu.Unlock()
		if signedIn {
			m.dispatch(Event{Type: EventSignOut})
		}
		return
	}

	session, err := decodeSession(raw)
	if err != nil {
		return
	}
	m.dispatch(Event{Type: EventSuccess, Session: session})
	m.mu.Lock()
	m.armTimerLocked(session)
	m.mu.Unlock()
}

func (m *Machine) SignUp(ctx context.Context, email, password string) State {
	if err := validateEmailPassword(email, password); err != nil {
		return m.guardFailure(err)
	}
	ctx, done := m.begin(ctx, MethodPassword)
	defer done()
	result, err := m.api.SignUp(ctx, email, password)
	return m.settle(ctx, result, err)
}

func (m *Machine) SignInPassword(ctx context.Context, email, password string) State {
	if err := validateEmailPassword(email, password); err != nil {
		return m.guardFailure(err)
	}
	ctx, done := m.begin(ctx, MethodPassword)
	defer done()
	result, err := m.api.SignInPassword(ctx, email, password)
	return m.settle(ctx, result, err)
}

func (m *Machine) SignInPasswordlessEmail(ctx context.Context, email string) State {
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return m.guardFailure(err)
	}
	ctx, done := m.begin(ctx, MethodPasswordlessEmail)
	defer done()
	err := m.api.StartPasswordlessEmail(ctx, email)
	return m.settlePending(ctx, MethodPasswordlessEmail, err)
}

func (m *Machine) SignInPasswordlessSMS(ctx context.Context, phoneNumber string) State {
	if err := validation.Validate(phoneNumber, validation.Required); err != nil {
		return m.guardFailure(err)
	}
	ctx, done := m.begin(ctx, MethodPasswordlessSMS)
	defer done()
	err := m.api.StartPasswordlessSMS(ctx, phoneNumber)
	return m.settlePending(ctx, MethodPasswordlessSMS, err)
}

// SubmitOTP completes a passwordless flow with the delivered code.
func (m *Machine) SubmitOTP(ctx context.Context, identifier, code string) State {
	if err := validation.Validate(code, validation.Required, is.Digit); err != nil {
		return m.guardFailure(err)
	}
	current := m.State()
	method := current.Method
	if method != MethodPasswordlessEmail && method != MethodPasswordlessSMS {
		method = MethodPasswordlessEmail
	}
	ctx, done := m.begin(ctx, method)
	defer done()
	result, err := m.api.VerifyOTP(ctx, identifier, code)
	return m.settle(ctx, result, err)
}

// SubmitTOTP answers the MFA challenge issued by a password sign-in.
func (m *Machine) SubmitTOTP(ctx context.Context, code string) State {
	if err := validation.Validate(code, validation.Required, is.Digit); err != nil {
		return m.guardFailure(err)
	}

	current := m.State()
	if current.Phase != PhaseAuthenticating || current.MFATicket == "" {
		return m.guardFailure(errors.New("no mfa challenge pending"))
	}
	ticket := current.MFATicket

	ctx, done := m.begin(ctx, MethodMFATotp)
	defer done()
	result, err := m.api.VerifyMFA(ctx, ticket, code)
	return m.settle(ctx, result, err)
}

// Refresh exchanges the current refresh token manually. The automatic
// timer is cancelled and rescheduled from the new expiry.
func (m *Machine) Refresh(ctx context.Context) State {
	m.mu.Lock()
	if m.state.Phase != PhaseSignedIn || m.state.Session == nil {
		state := m.state
		m.mu.Unlock()
		return state
	}
	refreshToken := m.state.Session.RefreshToken
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	result, err := m.api.Refresh(ctx, refreshToken)
	return m.settle(ctx, result, err)
}

// SignOut revokes the refresh token (best effort), clears the persisted
// session and returns to the clean signed-out state.
func (m *Machine) SignOut(ctx context.Context) State {
	m.mu.Lock()
	var refreshToken string
	if m.state.Session != nil {
		refreshToken = m.state.Session.RefreshToken
	}
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	if refreshToken != "" {
		ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
		_ = m.api.SignOut(ctx, refreshToken)
		cancel()
	}
	_ = m.storage.Delete(StorageKey)
	return m.dispatch(Event{Type: EventSignOut})
}

// begin cancels any pending request, dispatches REQUEST and returns the
// context the flow call must use.
func (m *Machine) begin(ctx context.Context, method Method) (context.Context, context.CancelFunc) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.stopTimerLocked()
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	m.cancel = cancel
	m.mu.Unlock()

	m.dispatch(Event{Type: EventRequest, Method: method})
	return ctx, cancel
}

// settle turns a flow call's outcome into the closing SUCCESS or ERROR
// event. A cancelled call belongs to a newer flow and settles nothing.
func (m *Machine) settle(ctx context.Context, result AuthResult, err error) State {
	if err != nil {
		if ctx.Err() == context.Canceled {
			return m.State()
		}
		return m.dispatch(Event{Type: EventError, Err: asFlowError(err)})
	}

	if result.Session != nil {
		if raw, encodeErr := encodeSession(result.Session); encodeErr == nil {
			_ = m.storage.Save(StorageKey, raw)
		}
		state := m.dispatch(Event{Type: EventSuccess, Session: result.Session})
		m.mu.Lock()
		m.armTimerLocked(result.Session)
		m.mu.Unlock()
		return state
	}

	return m.dispatch(Event{
		Type:                   EventSuccess,
		MFATicket:              result.MFATicket,
		NeedsEmailVerification: result.NeedsEmailVerification,
	})
}

// settlePending closes the start half of a passwordless flow: delivery
// succeeded, the machine stays authenticating until the code arrives.
func (m *Machine) settlePending(ctx context.Context, method Method, err error) State {
	if err != nil {
		if ctx.Err() == context.Canceled {
			return m.State()
		}
		return m.dispatch(Event{Type: EventError, Err: asFlowError(err)})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Method = method
	return m.state
}

func (m *Machine) guardFailure(err error) State {
	return m.dispatch(Event{Type: EventError, Err: &FlowError{
		Code:    "invalid-request",
		Message: err.Error(),
	}})
}

func (m *Machine) dispatch(event Event) State {
	m.mu.Lock()
	m.state = reduce(m.state, event)
	state := m.state
	listeners := make([]func(State), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
	return state
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) armTimerLocked(session *Session) {
	m.stopTimerLocked()

	delay := time.Duration(session.AccessTokenExpiresIn)*time.Second - m.refreshLead
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}
	m.timer = time.AfterFunc(delay, m.autoRefresh)
}

// autoRefresh runs on the timer goroutine. A rejection means the refresh
// token is gone for good and the machine lands in SignedOut.Failed; two
// tabs refreshing the same token independently is the documented race.
func (m *Machine) autoRefresh() {
	m.mu.Lock()
	if m.state.Phase != PhaseSignedIn || m.state.Session == nil {
		m.mu.Unlock()
		return
	}
	refreshToken := m.state.Session.RefreshToken
	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	result, err := m.api.Refresh(ctx, refreshToken)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return
		}
		_ = m.storage.Delete(StorageKey)
		m.dispatch(Event{Type: EventError, Err: asFlowError(err)})
		return
	}
	m.settle(ctx, result, nil)
}

func validateEmailPassword(email, password string) error {
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return err
	}
	return validation.Validate(password, validation.Required, validation.Length(minPasswordLength, 0))
}

func asFlowError(err error) *FlowError {
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		return flowErr
	}
	return &FlowError{Code: "network-error", Message: err.Error()}
}
