package pam_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-pam"
	"github.com/goliatone/go-pam/pamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newSession(t *testing.T, backend pam.Backend, opts ...pam.SessionOption) *pam.Session {
	t.Helper()
	opts = append([]pam.SessionOption{pam.WithSessionLogger(quietLogger{})}, opts...)
	s, err := pam.NewSession(context.Background(), backend, pam.DefaultConfig("alice"),
		pam.PasswordHandler("alice", "secret"), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionPreconditionsNeverReachNative(t *testing.T) {
	h := new(MockHandle)
	h.On("End", pam.CodeSuccess).Return(pam.CodeSuccess)

	s := newSession(t, mockBackend(h))
	ctx := context.Background()

	err := s.CheckAccount(ctx, 0)
	assert.True(t, pam.IsPrecondition(err))
	assert.Contains(t, err.Error(), "pam_authenticate has not been successfully called")

	err = s.OpenSession(ctx, 0)
	assert.True(t, pam.IsPrecondition(err))

	err = s.CloseSession(ctx, 0)
	assert.True(t, pam.IsPrecondition(err))
	assert.Contains(t, err.Error(), "session is not opened")

	h.AssertNotCalled(t, "AcctMgmt", mock.Anything)
	h.AssertNotCalled(t, "OpenSession", mock.Anything)
	h.AssertNotCalled(t, "CloseSession", mock.Anything)
	assert.Equal(t, pam.CodeSuccess, s.LastResult())
}

func TestSessionLifecycle(t *testing.T) {
	h := new(MockHandle)
	h.On("Authenticate", pam.Flag(0)).Return(pam.CodeSuccess).Once()
	h.On("AcctMgmt", pam.Silent).Return(pam.CodeSuccess).Once()
	h.On("OpenSession", pam.Flag(0)).Return(pam.CodeSuccess).Once()
	h.On("CloseSession", pam.Flag(0)).Return(pam.CodeSuccess).Once()
	h.On("SetCred", pam.Flag(pam.DeleteCred)|pam.Silent).Return(pam.CodeSuccess).Once()
	h.On("End", pam.CodeSuccess).Return(pam.CodeSuccess).Once()

	s := newSession(t, mockBackend(h))
	ctx := context.Background()

	require.NoError(t, s.Authenticate(ctx, 0))
	assert.True(t, s.Authenticated())

	require.NoError(t, s.CheckAccount(ctx, pam.Silent))
	require.NoError(t, s.OpenSession(ctx, 0))
	assert.True(t, s.SessionOpened())

	err := s.OpenSession(ctx, 0)
	assert.True(t, pam.IsPrecondition(err))
	assert.Contains(t, err.Error(), "already opened")

	require.NoError(t, s.CloseSession(ctx, 0))
	assert.False(t, s.SessionOpened())

	require.NoError(t, s.SetCredential(ctx, pam.DeleteCred, pam.Silent))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())

	err = s.Authenticate(ctx, 0)
	assert.True(t, pam.IsPrecondition(err))
	assert.Contains(t, err.Error(), "released")

	h.AssertExpectations(t)
}

func TestSessionNativeFailure(t *testing.T) {
	h := new(MockHandle)
	h.On("Authenticate", pam.Flag(0)).Return(pam.CodeAuthErr).Once()
	h.On("End", pam.CodeAuthErr).Return(pam.CodeSuccess).Once()

	s := newSession(t, mockBackend(h))

	err := s.Authenticate(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, "[AUTH_ERR]: pam_authenticate() failed", errMessage(err))
	assert.False(t, s.Authenticated())
	assert.Equal(t, pam.CodeAuthErr, s.LastResult())

	require.NoError(t, s.Close())
	h.AssertExpectations(t)
}

func TestSessionChangeAuthToken(t *testing.T) {
	backend := pamtest.New(pamtest.WithResult(pamtest.OpChangeAuthTok, pam.CodeAuthtokErr))
	s := newSession(t, backend)

	err := s.ChangeAuthToken(context.Background(), pam.ChangeExpiredAuthtok)
	code, ok := pam.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, pam.CodeAuthtokErr, code)

	calls := backend.Last().Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, pam.ChangeExpiredAuthtok, calls[len(calls)-1].Flags)

	err = s.ChangeAuthToken(context.Background(), pam.DisallowNullAuthtok)
	assert.True(t, pam.IsInvalidArgument(err))
}

func TestSessionSetCredentialValidation(t *testing.T) {
	backend := pamtest.New()
	s := newSession(t, backend)
	ctx := context.Background()

	err := s.SetCredential(ctx, pam.EstablishCred|pam.DeleteCred, 0)
	assert.True(t, pam.IsInvalidArgument(err))

	err = s.SetCredential(ctx, pam.CredOp(0), 0)
	assert.True(t, pam.IsInvalidArgument(err))

	err = s.SetCredential(ctx, pam.EstablishCred, pam.DisallowNullAuthtok)
	assert.True(t, pam.IsInvalidArgument(err))

	err = s.SetCredential(ctx, pam.CredOp(0), pam.Flag(pam.DeleteCred))
	assert.True(t, pam.IsInvalidArgument(err))

	err = s.SetCredential(ctx, pam.EstablishCred, pam.Flag(pam.DeleteCred))
	assert.True(t, pam.IsInvalidArgument(err))

	assert.Equal(t, 0, backend.Last().Count(pamtest.OpSetCred))

	require.NoError(t, s.SetCredential(ctx, pam.RefreshCred, pam.Silent))
	calls := backend.Last().Calls()
	assert.Equal(t, pam.Flag(pam.RefreshCred)|pam.Silent, calls[len(calls)-1].Flags)
}

func TestSessionUnsupportedFlags(t *testing.T) {
	s := newSession(t, pamtest.New())

	err := s.Authenticate(context.Background(), pam.ChangeExpiredAuthtok)
	assert.True(t, pam.IsInvalidArgument(err))

	err = s.OpenSession(context.Background(), pam.DisallowNullAuthtok)
	assert.True(t, pam.IsInvalidArgument(err))
}

func TestSessionReentrantCallFailsFast(t *testing.T) {
	var nested error
	backend := pamtest.New(pamtest.WithAccount("alice", "secret"))

	handler := pam.ConversationFunc(func(ctx context.Context, s *pam.Session, msgs []pam.Message, _ any) ([]pam.Response, error) {
		assert.True(t, s.InFlight())
		nested = s.ChangeAuthToken(ctx, 0)
		return pam.Answers("secret"), nil
	})

	s, err := pam.NewSession(context.Background(), backend, pam.DefaultConfig("alice"), handler, nil,
		pam.WithSessionLogger(quietLogger{}))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Authenticate(context.Background(), 0))
	require.Error(t, nested)
	assert.True(t, pam.IsPrecondition(nested))
	assert.Contains(t, nested.Error(), "in flight")
	assert.Equal(t, 0, backend.Last().Count(pamtest.OpChangeAuthTok))
	assert.False(t, s.InFlight())
}

func TestSessionCloseDuringCallIsDeferred(t *testing.T) {
	backend := pamtest.New(pamtest.WithAccount("alice", "secret"))
	var endedDuringCall bool

	handler := pam.ConversationFunc(func(_ context.Context, s *pam.Session, msgs []pam.Message, _ any) ([]pam.Response, error) {
		require.NoError(t, s.Close())
		endedDuringCall, _ = backend.Last().Ended()
		return pam.Answers("secret"), nil
	})

	s, err := pam.NewSession(context.Background(), backend, pam.DefaultConfig("alice"), handler, nil,
		pam.WithSessionLogger(quietLogger{}))
	require.NoError(t, err)

	require.NoError(t, s.Authenticate(context.Background(), 0))
	assert.False(t, endedDuringCall)

	ended, status := backend.Last().Ended()
	assert.True(t, ended)
	assert.Equal(t, pam.CodeSuccess, status)
	assert.True(t, s.Closed())
	assert.Equal(t, 1, backend.Last().Count(pamtest.OpEnd))
}

func TestSessionAuditFailClosed(t *testing.T) {
	backend := pamtest.New(pamtest.WithAccount("alice", "secret"))
	rejected := errors.New("audit store offline")
	var events []pam.AuditEvent

	sink := pam.AuditSinkFunc(func(_ context.Context, e pam.AuditEvent) error {
		events = append(events, e)
		if e.Name == pam.AuditOpenSession {
			return rejected
		}
		return nil
	})

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newSession(t, backend,
		pam.WithSessionAuditSink(sink),
		pam.WithSessionClock(func() time.Time { return at }),
	)
	ctx := context.Background()

	require.NoError(t, s.Authenticate(ctx, 0))
	require.NoError(t, s.SetCredential(ctx, pam.EstablishCred, 0))

	err := s.OpenSession(ctx, 0)
	require.Error(t, err)
	assert.True(t, pam.IsAuditRejected(err))
	assert.False(t, s.SessionOpened())
	assert.False(t, s.InFlight())
	assert.Equal(t, 0, backend.Last().Count(pamtest.OpOpenSession))

	require.Len(t, events, 3)
	assert.Equal(t, pam.AuditEvent{
		Name:       pam.AuditAuthenticate,
		User:       "alice",
		Service:    "login",
		OccurredAt: at,
	}, events[0])
	assert.Equal(t, pam.AuditSetCred, events[1].Name)
	assert.Equal(t, "ESTABLISH_CRED", events[1].Operation)
}

func TestMultiAuditSink(t *testing.T) {
	var first, second int
	sink := pam.NewMultiAuditSink(
		pam.AuditSinkFunc(func(context.Context, pam.AuditEvent) error { first++; return nil }),
		nil,
		pam.AuditSinkFunc(func(context.Context, pam.AuditEvent) error { second++; return errors.New("full") }),
	)

	err := sink.Record(context.Background(), pam.AuditEvent{Name: pam.AuditAuthenticate})
	assert.Error(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestNewSessionAppliesConfig(t *testing.T) {
	backend := pamtest.New()
	cfg := pam.NewConfig("alice",
		pam.WithService("sshd"),
		pam.WithConfDir("/etc/pam-test"),
		pam.WithRemoteHost("10.1.1.1"),
		pam.WithRemoteUser("bob"),
		pam.WithFailDelay(2*time.Second),
		pam.WithEnv(map[string]string{"TZ": "UTC", "LANG": "C"}),
	)

	s, err := pam.NewSession(context.Background(), backend, cfg, pam.PasswordHandler("alice", "x"), nil,
		pam.WithSessionLogger(quietLogger{}))
	require.NoError(t, err)
	defer s.Close()

	h := backend.Last()
	assert.Equal(t, pam.StartRequest{Service: "sshd", User: "alice", ConfDir: "/etc/pam-test"}, h.Request())
	assert.Equal(t, "10.1.1.1", h.Item(pam.ItemRemoteHost))
	assert.Equal(t, "bob", h.Item(pam.ItemRemoteUser))
	assert.Equal(t, 2*time.Second, h.FailDelayValue())

	var puts []string
	for _, c := range h.Calls() {
		if c.Op == pamtest.OpPutEnv {
			puts = append(puts, c.Arg)
		}
	}
	assert.Equal(t, []string{"LANG=C", "TZ=UTC"}, puts)
	assert.Equal(t, "sshd", s.Service())
	assert.Equal(t, "alice", s.User())
}

func TestNewSessionFailures(t *testing.T) {
	ctx := context.Background()
	handler := pam.PasswordHandler("alice", "secret")

	_, err := pam.NewSession(ctx, nil, pam.DefaultConfig("alice"), handler, nil)
	assert.True(t, pam.IsInvalidArgument(err))

	_, err = pam.NewSession(ctx, pamtest.New(), pam.DefaultConfig("alice"), nil, nil)
	assert.True(t, pam.IsInvalidArgument(err))

	_, err = pam.NewSession(ctx, pamtest.New(), pam.DefaultConfig(""), handler, nil)
	assert.True(t, pam.IsInvalidArgument(err))

	_, err = pam.NewSession(ctx, pamtest.New(pamtest.WithStartResult(pam.CodeBufErr)), pam.DefaultConfig("alice"), handler, nil)
	code, ok := pam.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, pam.CodeBufErr, code)

	backend := pamtest.New(pamtest.WithResult(pamtest.OpSetItem, pam.CodeBadItem))
	_, err = pam.NewSession(ctx, backend, pam.NewConfig("alice", pam.WithRemoteHost("h")), handler, nil)
	code, _ = pam.CodeOf(err)
	assert.Equal(t, pam.CodeBadItem, code)

	ended, status := backend.Last().Ended()
	assert.True(t, ended)
	assert.Equal(t, pam.CodeBadItem, status)
}

func TestSessionEnvironment(t *testing.T) {
	backend := pamtest.New()
	s := newSession(t, backend)

	require.NoError(t, s.SetEnv("HOME", "/home/alice"))
	value, err := s.GetEnv("HOME")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice", value)

	_, err = s.GetEnv("SHELL")
	assert.True(t, pam.IsEnvNotFound(err))

	env, err := s.EnvList()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HOME": "/home/alice"}, env)
	env["INJECTED"] = "1"

	require.NoError(t, s.UnsetEnv("HOME"))
	err = s.UnsetEnv("HOME")
	code, _ := pam.CodeOf(err)
	assert.Equal(t, pam.CodeBadItem, code)

	assert.True(t, pam.IsInvalidArgument(s.SetEnv("A=B", "c")))
	assert.True(t, pam.IsInvalidArgument(s.SetEnv("", "c")))

	require.NoError(t, s.Close())
	_, err = s.EnvList()
	assert.True(t, pam.IsPrecondition(err))
}

func TestSessionConcurrentCallers(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32

	backend := pamtest.New(pamtest.WithAuthenticate(func(h *pamtest.Handle, conv pam.Conversation) pam.Code {
		calls.Add(1)
		close(entered)
		<-gate
		return pam.CodeSuccess
	}))
	s := newSession(t, backend)

	var auth errgroup.Group
	auth.Go(func() error {
		return s.Authenticate(context.Background(), 0)
	})

	<-entered
	var callers errgroup.Group
	for i := 0; i < 8; i++ {
		callers.Go(func() error {
			err := s.ChangeAuthToken(context.Background(), 0)
			if !pam.IsPrecondition(err) {
				return errors.New("expected in flight precondition")
			}
			return nil
		})
	}
	require.NoError(t, callers.Wait())

	close(gate)
	require.NoError(t, auth.Wait())
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, s.Authenticated())
	assert.Equal(t, 0, backend.Last().Count(pamtest.OpChangeAuthTok))
}

func errMessage(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.Message
	}
	return err.Error()
}

func TestSessionOpenedImpliesAuthenticated(t *testing.T) {
	backend := pamtest.New(pamtest.WithAccount("alice", "secret"))
	s := newSession(t, backend)
	ctx := context.Background()

	check := func() {
		if s.SessionOpened() {
			assert.True(t, s.Authenticated())
		}
	}

	check()
	assert.True(t, pam.IsPrecondition(s.OpenSession(ctx, 0)))
	check()

	require.NoError(t, s.Authenticate(ctx, 0))
	require.NoError(t, s.OpenSession(ctx, 0))
	check()

	require.NoError(t, s.SetHandler(pam.PasswordHandler("alice", "wrong"), nil))
	assert.Error(t, s.Authenticate(ctx, 0))
	check()

	require.NoError(t, s.CloseSession(ctx, 0))
	check()
}
