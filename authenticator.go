package pam

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Step is the outcome of AuthInit or AuthContinue that did not fail. Either
// Terminal is true and Code is CodeSuccess, or Prompts holds the next batch
// to answer and Code is CodeConvAgain.
type Step struct {
	Stage    Stage
	Terminal bool
	Code     Code
	Prompts  []Message
}

// AuthenticatorOption customizes an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithAuditSink sets the sink every session operation reports to.
func WithAuditSink(sink AuditSink) AuthenticatorOption {
	return func(a *Authenticator) {
		a.audit = normalizeAuditSink(sink)
	}
}

// WithLogger overrides the authenticator logger.
func WithLogger(logger Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithLoggerProvider resolves scoped loggers for the authenticator and its sessions.
func WithLoggerProvider(provider LoggerProvider) AuthenticatorOption {
	return func(a *Authenticator) {
		a.logger = resolveLogger(provider, "pam.authenticator", a.logger)
		a.provider = provider
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		if clock != nil {
			a.now = clock
		}
	}
}

// WithSessionOptions appends options applied to the underlying Session.
func WithSessionOptions(opts ...SessionOption) AuthenticatorOption {
	return func(a *Authenticator) {
		a.sessionOpts = append(a.sessionOpts, opts...)
	}
}

// Authenticator turns the blocking conversation protocol into a two phase
// request/response API. The native authenticate call runs on a dedicated
// worker goroutine; prompts and answers cross over one-slot queues.
type Authenticator struct {
	backend     Backend
	cfg         Config
	audit       AuditSink
	logger      Logger
	provider    LoggerProvider
	now         func() time.Time
	sessionOpts []SessionOption

	mu        sync.Mutex
	stage     Stage
	starting  bool
	session   *Session
	exchange  *pendingExchange
	sessionID string
	loginAt   time.Time
}

// NewAuthenticator validates cfg and returns an authenticator in START.
func NewAuthenticator(backend Backend, cfg Config, opts ...AuthenticatorOption) (*Authenticator, error) {
	if backend == nil {
		return nil, invalidArgumentf("backend is required")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, withMessage(ErrInvalidArgument, fmt.Sprintf("invalid authenticator configuration: %v", err), err)
	}

	a := &Authenticator{
		backend: backend,
		cfg:     cfg,
		audit:   noopAuditSink{},
		logger:  defLogger{},
		now:     time.Now,
		stage:   StageStart,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Stage returns the current lifecycle stage.
func (a *Authenticator) Stage() Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stage
}

// User returns the identity being authenticated.
func (a *Authenticator) User() string {
	return a.cfg.User
}

// Service returns the PAM service name.
func (a *Authenticator) Service() string {
	return a.cfg.Service
}

// SessionID returns the correlation token passed to Login.
func (a *Authenticator) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// LoginAt returns when Login succeeded, or the zero time.
func (a *Authenticator) LoginAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginAt
}

// Session returns the underlying session, or nil before AuthInit.
func (a *Authenticator) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Messages returns every conversation batch received so far.
func (a *Authenticator) Messages() [][]Message {
	if s := a.Session(); s != nil {
		return s.Messages()
	}
	return nil
}

// AuthInit creates the handle and starts authentication on a worker. It
// returns either the terminal outcome or the first batch of prompts.
func (a *Authenticator) AuthInit(ctx context.Context) (*Step, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	if err := checkStage(a.stage, StageStart); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if a.exchange != nil || a.starting {
		a.mu.Unlock()
		return nil, preconditionf("authentication already in progress")
	}
	a.starting = true
	a.mu.Unlock()

	x := newPendingExchange(a.cfg.Timeout)
	opts := append([]SessionOption{
		WithSessionAuditSink(a.audit),
		WithSessionLogger(a.logger),
		WithSessionClock(a.now),
	}, a.sessionOpts...)
	if a.provider != nil {
		opts = append(opts, WithSessionLoggerProvider(a.provider))
	}

	// pam_start loads modules and may be slow; the lock is not held here.
	session, err := NewSession(ctx, a.backend, a.cfg, x, nil, opts...)

	a.mu.Lock()
	a.starting = false
	if err != nil {
		if a.stage == StageStart {
			a.transitionLocked(StageFailed)
		}
		a.mu.Unlock()
		a.logger.Warn("pam handle creation failed", "user", a.cfg.User, "service", a.cfg.Service, "error", err)
		return nil, err
	}
	if current := a.stage; current != StageStart {
		a.mu.Unlock()
		if cerr := session.Close(); cerr != nil {
			a.logger.Warn("pam handle release failed", "user", a.cfg.User, "error", cerr)
		}
		return nil, preconditionf("%s: authenticator ended during handle creation", current)
	}

	a.session = session
	a.exchange = x
	a.transitionLocked(StageAuth)
	a.mu.Unlock()

	go a.run(session, x)

	return a.wait(ctx, x)
}

// AuthContinue delivers responses for the pending prompts and waits for the
// next batch or the terminal outcome.
func (a *Authenticator) AuthContinue(ctx context.Context, responses []Response) (*Step, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	if err := checkStage(a.stage, StageAuth); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	x := a.exchange
	if x == nil || !x.awaiting {
		a.mu.Unlock()
		return nil, preconditionf("no pending exchange is awaiting responses")
	}
	x.awaiting = false
	a.mu.Unlock()

	x.responses <- append([]Response(nil), responses...)

	return a.wait(ctx, x)
}

// Login validates the account and opens the session. sessionID is an opaque
// correlation token recorded as is.
func (a *Authenticator) Login(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	if err := checkStage(a.stage, StageLogin); err != nil {
		a.mu.Unlock()
		return err
	}
	a.transitionLocked(StageOpenSession)
	s := a.session
	a.mu.Unlock()

	silent := a.cfg.AuthFlags & Silent

	if err := s.CheckAccount(ctx, silent); err != nil {
		a.fail(err)
		return err
	}

	if err := s.OpenSession(ctx, silent); err != nil {
		a.fail(err)
		return err
	}

	a.mu.Lock()
	if current := a.stage; current != StageOpenSession {
		a.mu.Unlock()
		return preconditionf("%s: authenticator ended during login", current)
	}
	a.transitionLocked(StageLogout)
	a.sessionID = sessionID
	a.loginAt = a.now()
	a.mu.Unlock()

	a.logger.Info("pam session opened", "user", a.cfg.User, "service", a.cfg.Service, "session_id", sessionID)
	return nil
}

// Logout closes the session and deletes credentials. Teardown is best
// effort: the authenticator always ends, and any failures are returned joined.
func (a *Authenticator) Logout(ctx context.Context) error {
	a.mu.Lock()
	if err := checkStage(a.stage, StageLogout); err != nil {
		a.mu.Unlock()
		return err
	}
	a.transitionLocked(StageCloseSession)
	s := a.session
	a.mu.Unlock()

	silent := a.cfg.AuthFlags & Silent

	var errs []error
	if err := s.CloseSession(ctx, silent); err != nil {
		a.logger.Warn("pam close session failed", "user", a.cfg.User, "error", err)
		errs = append(errs, err)
	}
	if err := s.SetCredential(ctx, DeleteCred, silent); err != nil {
		a.logger.Warn("pam credential delete failed", "user", a.cfg.User, "error", err)
		errs = append(errs, err)
	}

	a.End()
	return errors.Join(errs...)
}

// End releases the session and any pending exchange. It may be called from
// any stage and more than once.
func (a *Authenticator) End() {
	a.mu.Lock()
	x := a.exchange
	a.exchange = nil
	if !a.stage.Terminal() {
		a.transitionLocked(StageEnded)
	}
	s := a.session
	a.mu.Unlock()

	if x != nil {
		x.abandon(preconditionf("authentication exchange ended"))
		if !x.wait(a.cfg.Timeout) {
			a.logger.Warn("pam worker still inside native call, handle release deferred", "user", a.cfg.User)
		}
	}

	if s != nil {
		if err := s.Close(); err != nil {
			a.logger.Warn("pam handle release failed", "user", a.cfg.User, "error", err)
		}
	}
}

// afterAuthentication serves conversation rounds raised by acct_mgmt,
// open_session and the logout calls. Informational batches are acknowledged
// and stay in the message log; prompts fail at once with CONV_ERR since no
// caller is waiting to answer them.
var afterAuthentication = ConversationFunc(func(_ context.Context, _ *Session, msgs []Message, _ any) ([]Response, error) {
	for i, m := range msgs {
		if m.Style.IsPrompt() {
			return nil, protocolf("%s at position %d received after authentication: %q", m.Style, i, m.Text)
		}
	}
	return make([]Response, len(msgs)), nil
})

func (a *Authenticator) transitionLocked(to Stage) {
	invariant(canTransition(a.stage, to), "illegal authenticator transition "+a.stage.String()+" -> "+to.String())
	a.stage = to
}

func (a *Authenticator) run(s *Session, x *pendingExchange) {
	defer close(x.done)

	// PAM modules may keep per-thread state; keep the whole call on one thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	x.result <- s.Authenticate(x.ctx, a.cfg.AuthFlags)
}

func (a *Authenticator) wait(ctx context.Context, x *pendingExchange) (*Step, error) {
	timer := time.NewTimer(a.cfg.Timeout)
	defer timer.Stop()

	select {
	case msgs := <-x.prompts:
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.exchange != x {
			return nil, preconditionf("authentication exchange was abandoned")
		}
		x.awaiting = true
		return &Step{Stage: a.stage, Code: CodeConvAgain, Prompts: msgs}, nil

	case err := <-x.result:
		return a.settle(x, err)

	case <-x.ctx.Done():
		return nil, context.Cause(x.ctx)

	case <-timer.C:
		err := timeoutError(a.cfg.Timeout)
		a.abandon(x, err)
		return nil, err

	case <-ctx.Done():
		err := goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled during authentication exchange")
		a.abandon(x, err)
		return nil, err
	}
}

func (a *Authenticator) settle(x *pendingExchange, err error) (*Step, error) {
	a.mu.Lock()
	if a.exchange != x {
		a.mu.Unlock()
		return nil, preconditionf("authentication exchange was abandoned")
	}
	a.exchange = nil

	if err == nil {
		a.transitionLocked(StageLogin)
		if a.session != nil {
			// Nobody reads the spent exchange any more.
			a.session.conv.setHandler(afterAuthentication, nil)
		}
		a.mu.Unlock()
		a.logger.Debug("pam authentication succeeded", "user", a.cfg.User, "service", a.cfg.Service)
		return &Step{Stage: StageLogin, Terminal: true, Code: CodeSuccess}, nil
	}

	a.transitionLocked(StageFailed)
	s := a.session
	a.mu.Unlock()

	a.logger.Info("pam authentication failed", "user", a.cfg.User, "service", a.cfg.Service, "error", err)
	if s != nil {
		if cerr := s.Close(); cerr != nil {
			a.logger.Warn("pam handle release failed", "user", a.cfg.User, "error", cerr)
		}
	}
	return nil, err
}

// abandon detaches from a running exchange and fails the authenticator.
func (a *Authenticator) abandon(x *pendingExchange, cause error) {
	a.mu.Lock()
	if a.exchange == x {
		a.exchange = nil
		a.transitionLocked(StageFailed)
	}
	s := a.session
	a.mu.Unlock()

	x.abandon(cause)
	if s != nil {
		if err := s.Close(); err != nil {
			a.logger.Warn("pam handle release failed", "user", a.cfg.User, "error", err)
		}
	}
	a.logger.Warn("pam authentication exchange abandoned", "user", a.cfg.User, "error", cause)
}

func (a *Authenticator) fail(err error) {
	a.mu.Lock()
	if !a.stage.Terminal() {
		a.transitionLocked(StageFailed)
	}
	s := a.session
	a.mu.Unlock()

	a.logger.Info("pam login failed", "user", a.cfg.User, "error", err)
	if s != nil {
		if cerr := s.Close(); cerr != nil {
			a.logger.Warn("pam handle release failed", "user", a.cfg.User, "error", cerr)
		}
	}
}

// Verify authenticates user with password in one synchronous call, without
// opening a session.
func Verify(ctx context.Context, backend Backend, cfg Config, password string, opts ...SessionOption) error {
	s, err := NewSession(ctx, backend, cfg, PasswordHandler(cfg.User, password), nil, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Authenticate(ctx, cfg.AuthFlags)
}
