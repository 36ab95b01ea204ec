package pam

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Session owns one native handle and serializes every call into it.
//
// The handle lock is never held across a native call. An operation takes
// the lock, checks its preconditions, marks the session in flight and drops
// the lock before dispatching; the conversation bridge can therefore run
// arbitrary handler code, and any other operation attempted meanwhile fails
// fast instead of blocking behind a call that is waiting for that same caller.
type Session struct {
	user    string
	service string
	conv    conversationState
	audit   AuditSink
	logger  Logger
	now     func() time.Time

	mu            sync.Mutex
	handle        Handle
	lastResult    Code
	authenticated bool
	sessionOpened bool
	inFlight      bool
	closed        bool
	closePending  bool
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithSessionAuditSink sets the sink that receives audit events.
func WithSessionAuditSink(sink AuditSink) SessionOption {
	return func(s *Session) {
		s.audit = normalizeAuditSink(sink)
	}
}

// WithSessionLogger overrides the session logger.
func WithSessionLogger(logger Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionLoggerProvider resolves the session logger by name.
func WithSessionLoggerProvider(provider LoggerProvider) SessionOption {
	return func(s *Session) {
		s.logger = resolveLogger(provider, "pam.session", s.logger)
	}
}

// WithSessionClock injects a custom clock (useful for tests).
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *Session) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewSession creates the native handle for cfg and applies the configured
// items and environment. If any step after handle creation fails the handle
// is released before returning.
func NewSession(ctx context.Context, backend Backend, cfg Config, handler ConversationHandler, data any, opts ...SessionOption) (*Session, error) {
	if backend == nil {
		return nil, invalidArgumentf("backend is required")
	}
	if handler == nil {
		return nil, invalidArgumentf("conversation handler is required")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, withMessage(ErrInvalidArgument, fmt.Sprintf("invalid session configuration: %v", err), err)
	}

	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	s := &Session{
		user:    cfg.User,
		service: cfg.Service,
		audit:   noopAuditSink{},
		logger:  defLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.conv.setHandler(handler, data)

	handle, code := backend.Start(StartRequest{
		Service: cfg.Service,
		User:    cfg.User,
		ConfDir: cfg.ConfDir,
	}, s.converse)
	if code != CodeSuccess {
		if handle != nil {
			handle.End(code)
		}
		return nil, NewResultError(code, "pam_start() failed")
	}
	if handle == nil {
		return nil, NewResultError(CodeSystemErr, "pam_start() returned no handle")
	}

	s.handle = handle
	s.lastResult = CodeSuccess

	if err := s.setup(cfg); err != nil {
		s.handle = nil
		s.closed = true
		handle.End(s.lastResult)
		return nil, err
	}

	return s, nil
}

func (s *Session) setup(cfg Config) error {
	if cfg.RemoteUser != "" {
		if code := s.handle.SetItem(ItemRemoteUser, cfg.RemoteUser); code != CodeSuccess {
			s.lastResult = code
			return NewResultError(code, "pam_set_item() failed for PAM_RUSER")
		}
	}

	if cfg.RemoteHost != "" {
		if code := s.handle.SetItem(ItemRemoteHost, cfg.RemoteHost); code != CodeSuccess {
			s.lastResult = code
			return NewResultError(code, "pam_set_item() failed for PAM_RHOST")
		}
	}

	if cfg.FailDelay > 0 {
		if code := s.handle.FailDelay(cfg.FailDelay); code != CodeSuccess {
			s.lastResult = code
			return NewResultError(code, "pam_fail_delay() failed")
		}
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.Env)) {
		if code := s.handle.PutEnv(name + "=" + cfg.Env[name]); code != CodeSuccess {
			s.lastResult = code
			return NewResultError(code, fmt.Sprintf("pam_putenv() failed for %s", name))
		}
	}

	return nil
}

// User returns the identity the handle was created for.
func (s *Session) User() string {
	return s.user
}

// Service returns the PAM service name.
func (s *Session) Service() string {
	return s.service
}

// Authenticated reports whether authentication succeeded on this handle.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// SessionOpened reports whether a session is currently open.
func (s *Session) SessionOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionOpened
}

// LastResult returns the code of the most recent native call.
func (s *Session) LastResult() Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// InFlight reports whether a native call is currently dispatched.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Closed reports whether the handle has been (or is about to be) released.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.closePending
}

// Messages returns a copy of every batch received over the session lifetime.
func (s *Session) Messages() [][]Message {
	return s.conv.messages()
}

// SetHandler replaces the conversation handler and its data.
func (s *Session) SetHandler(h ConversationHandler, data any) error {
	if h == nil {
		return invalidArgumentf("conversation handler is required")
	}
	s.conv.setHandler(h, data)
	return nil
}

// Authenticate runs pam_authenticate. flags accepts Silent and DisallowNullAuthtok.
func (s *Session) Authenticate(ctx context.Context, flags Flag) error {
	if err := checkFlags(flags, Silent|DisallowNullAuthtok); err != nil {
		return err
	}
	return s.dispatch(ctx, operation{
		name:  "pam_authenticate()",
		event: AuditEvent{Name: AuditAuthenticate},
		call:  func(h Handle) Code { return h.Authenticate(flags) },
		apply: func() { s.authenticated = true },
	})
}

// CheckAccount runs pam_acct_mgmt. The handle must be authenticated.
func (s *Session) CheckAccount(ctx context.Context, flags Flag) error {
	if err := checkFlags(flags, Silent|DisallowNullAuthtok); err != nil {
		return err
	}
	return s.dispatch(ctx, operation{
		name:  "pam_acct_mgmt()",
		event: AuditEvent{Name: AuditAcctMgmt},
		check: func() error {
			if !s.authenticated {
				return preconditionf("pam_authenticate has not been successfully called on pam handle")
			}
			return nil
		},
		call: func(h Handle) Code { return h.AcctMgmt(flags) },
	})
}

// ChangeAuthToken runs pam_chauthtok. The native library performs both the
// preliminary check and the update within this one call, so it may be used
// regardless of authentication state.
func (s *Session) ChangeAuthToken(ctx context.Context, flags Flag) error {
	if err := checkFlags(flags, Silent|ChangeExpiredAuthtok); err != nil {
		return err
	}
	return s.dispatch(ctx, operation{
		name:  "pam_chauthtok()",
		event: AuditEvent{Name: AuditChauthtok},
		call:  func(h Handle) Code { return h.ChangeAuthTok(flags) },
	})
}

// OpenSession runs pam_open_session. Opening twice is an error.
func (s *Session) OpenSession(ctx context.Context, flags Flag) error {
	if err := checkFlags(flags, Silent); err != nil {
		return err
	}
	return s.dispatch(ctx, operation{
		name:  "pam_open_session()",
		event: AuditEvent{Name: AuditOpenSession},
		check: func() error {
			if !s.authenticated {
				return preconditionf("pam_authenticate has not been successfully called on pam handle")
			}
			if s.sessionOpened {
				return preconditionf("session is already opened for this handle")
			}
			return nil
		},
		call:  func(h Handle) Code { return h.OpenSession(flags) },
		apply: func() { s.sessionOpened = true },
	})
}

// CloseSession runs pam_close_session on an open session.
func (s *Session) CloseSession(ctx context.Context, flags Flag) error {
	if err := checkFlags(flags, Silent); err != nil {
		return err
	}
	return s.dispatch(ctx, operation{
		name:  "pam_close_session()",
		event: AuditEvent{Name: AuditCloseSession},
		check: func() error {
			if !s.sessionOpened {
				return preconditionf("session is not opened for this handle")
			}
			return nil
		},
		call:  func(h Handle) Code { return h.CloseSession(flags) },
		apply: func() { s.sessionOpened = false },
	})
}

// SetCredential runs pam_setcred with op. flags may only add Silent.
func (s *Session) SetCredential(ctx context.Context, op CredOp, flags Flag) error {
	if !op.Valid() {
		return invalidArgumentf("invalid PAM credential operation 0x%x", int(op))
	}
	if err := checkFlags(flags, Silent); err != nil {
		return err
	}
	combined := Flag(op) | flags
	return s.dispatch(ctx, operation{
		name:  "pam_setcred()",
		event: AuditEvent{Name: AuditSetCred, Operation: op.String()},
		call:  func(h Handle) Code { return h.SetCred(combined) },
	})
}

// Close releases the native handle exactly once, passing the last result.
// When a native call is still running the release happens as soon as it
// returns, on the goroutine that made it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed || s.closePending {
		s.mu.Unlock()
		return nil
	}
	if s.inFlight {
		s.closePending = true
		s.mu.Unlock()
		s.logger.Debug("handle release deferred until in-flight call returns", "user", s.user)
		return nil
	}
	handle, status := s.detachLocked()
	s.mu.Unlock()

	return s.end(handle, status)
}

type operation struct {
	name  string
	event AuditEvent
	check func() error
	call  func(h Handle) Code
	apply func()
}

func (s *Session) dispatch(ctx context.Context, op operation) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if op.check != nil {
		if err := op.check(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.inFlight = true
	handle := s.handle
	s.mu.Unlock()

	if err := s.emit(ctx, op.event); err != nil {
		s.complete(nil, nil)
		return err
	}

	s.conv.begin(ctx)
	code := op.call(handle)
	convErr := s.conv.finish()

	s.complete(&code, func() {
		if code == CodeSuccess && convErr == nil && op.apply != nil {
			op.apply()
		}
	})

	if convErr != nil {
		return conversationFailure(op.name, convErr)
	}
	if code != CodeSuccess {
		return NewResultError(code, op.name+" failed")
	}
	return nil
}

// complete clears the in-flight mark and performs a deferred release.
func (s *Session) complete(code *Code, apply func()) {
	s.mu.Lock()
	if code != nil {
		s.lastResult = *code
	}
	if apply != nil {
		apply()
	}
	s.inFlight = false
	var handle Handle
	var status Code
	release := s.closePending && !s.closed
	if release {
		handle, status = s.detachLocked()
	}
	s.mu.Unlock()

	if release {
		if err := s.end(handle, status); err != nil {
			s.logger.Warn("deferred handle release failed", "user", s.user, "error", err)
		}
	}
}

func (s *Session) detachLocked() (Handle, Code) {
	s.closed = true
	s.closePending = false
	handle := s.handle
	s.handle = nil
	return handle, s.lastResult
}

func (s *Session) end(handle Handle, status Code) error {
	if handle == nil {
		return nil
	}
	if code := handle.End(status); code != CodeSuccess {
		return NewResultError(code, "pam_end() failed")
	}
	return nil
}

func (s *Session) usableLocked() error {
	if s.closed || s.closePending || s.handle == nil {
		return preconditionf("pam handle has been released")
	}
	if s.inFlight {
		return preconditionf("another operation is in flight on this pam handle")
	}
	return nil
}

func (s *Session) emit(ctx context.Context, event AuditEvent) error {
	event.User = s.user
	event.Service = s.service
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.audit.Record(ctx, event); err != nil {
		return withMessage(ErrAuditRejected, fmt.Sprintf("audit sink rejected %s", event.Name), err)
	}
	return nil
}

func conversationFailure(opName string, convErr error) error {
	if IsProtocol(convErr) || IsTimeout(convErr) || IsPrecondition(convErr) || IsResultError(convErr) {
		return convErr
	}
	err := NewResultError(CodeConvErr, fmt.Sprintf("%s failed: conversation handler error: %v", opName, convErr))
	err.Source = convErr
	return err
}

func checkFlags(flags, allowed Flag) error {
	if flags&^allowed != 0 {
		return invalidArgumentf("unsupported flags 0x%x", int(flags&^allowed))
	}
	return nil
}
