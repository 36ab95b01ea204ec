package pam_test

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-pam"
	"github.com/goliatone/go-pam/pamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScriptedSession(t *testing.T, fn pamtest.AuthenticateFunc, handler pam.ConversationHandler) (*pam.Session, *pamtest.Backend) {
	t.Helper()
	backend := pamtest.New(pamtest.WithAuthenticate(fn))
	s, err := pam.NewSession(context.Background(), backend, pam.DefaultConfig("alice"), handler, "app-data",
		pam.WithSessionLogger(quietLogger{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, backend
}

func TestConversationDeliversBatchesInOrder(t *testing.T) {
	var replies [][]*string

	script := func(h *pamtest.Handle, conv pam.Conversation) pam.Code {
		r, code := h.Converse(
			pam.NativeMessage{Style: int(pam.TextInfo), Msg: "Welcome"},
			pam.NativeMessage{Style: int(pam.PromptEchoOn), Msg: "login: "},
		)
		if code != pam.CodeSuccess {
			return code
		}
		replies = append(replies, r)

		r, code = h.Converse(pam.NativeMessage{Style: int(pam.PromptEchoOff), Msg: "Password: "})
		if code != pam.CodeSuccess {
			return code
		}
		replies = append(replies, r)
		return pam.CodeSuccess
	}

	var seenData []any
	handler := pam.ConversationFunc(func(_ context.Context, _ *pam.Session, msgs []pam.Message, data any) ([]pam.Response, error) {
		seenData = append(seenData, data)
		out := make([]pam.Response, len(msgs))
		for i, m := range msgs {
			switch m.Style {
			case pam.PromptEchoOn:
				out[i] = pam.Answer("alice")
			case pam.PromptEchoOff:
				out[i] = pam.Answer("secret")
			default:
				out[i] = pam.NoAnswer()
			}
		}
		return out, nil
	})

	s, _ := newScriptedSession(t, script, handler)
	require.NoError(t, s.Authenticate(context.Background(), 0))

	assert.Equal(t, [][]pam.Message{
		{{Style: pam.TextInfo, Text: "Welcome"}, {Style: pam.PromptEchoOn, Text: "login: "}},
		{{Style: pam.PromptEchoOff, Text: "Password: "}},
	}, s.Messages())
	assert.Equal(t, []any{"app-data", "app-data"}, seenData)

	require.Len(t, replies, 2)
	assert.Nil(t, replies[0][0])
	require.NotNil(t, replies[0][1])
	assert.Equal(t, "alice", *replies[0][1])
	assert.Equal(t, "secret", *replies[1][0])
	assert.True(t, s.Authenticated())
}

func TestConversationResponseCountMismatch(t *testing.T) {
	tests := []struct {
		name      string
		responses []pam.Response
		message   string
	}{
		{
			name:      "more responses",
			responses: pam.Answers("a", "b"),
			message:   "more elements than expected value of (1)",
		},
		{
			name:      "fewer responses",
			responses: nil,
			message:   "fewer elements than expected value of (1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var nativeCode pam.Code
			script := func(h *pamtest.Handle, conv pam.Conversation) pam.Code {
				_, nativeCode = h.Converse(pam.NativeMessage{Style: int(pam.PromptEchoOff), Msg: "Password: "})
				return nativeCode
			}
			handler := pam.ConversationFunc(func(context.Context, *pam.Session, []pam.Message, any) ([]pam.Response, error) {
				return tt.responses, nil
			})

			s, _ := newScriptedSession(t, script, handler)
			err := s.Authenticate(context.Background(), 0)

			require.Error(t, err)
			assert.True(t, pam.IsProtocol(err))
			assert.Contains(t, err.Error(), tt.message)
			assert.Equal(t, pam.CodeConvErr, nativeCode)
			assert.Equal(t, pam.CodeConvErr, s.LastResult())
			assert.False(t, s.Authenticated())

			code, ok := pam.CodeOf(err)
			assert.True(t, ok)
			assert.Equal(t, pam.CodeConvErr, code)
		})
	}
}

func TestConversationErrorSurvivesLaterRounds(t *testing.T) {
	tests := []struct {
		name   string
		banner func() ([]pam.Response, error)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "count mismatch",
			banner: func() ([]pam.Response, error) { return []pam.Response{pam.NoAnswer(), pam.NoAnswer()}, nil },
			check: func(t *testing.T, err error) {
				assert.True(t, pam.IsProtocol(err))
			},
		},
		{
			name:   "handler error",
			banner: func() ([]pam.Response, error) { return nil, errors.New("display unavailable") },
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "display unavailable")
			},
		},
		{
			name:   "handler panic",
			banner: func() ([]pam.Response, error) { panic("renderer crashed") },
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "renderer crashed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var codes []pam.Code
			// The module ignores the failed banner round and prompts anyway.
			script := func(h *pamtest.Handle, conv pam.Conversation) pam.Code {
				_, code := h.Converse(pam.NativeMessage{Style: int(pam.TextInfo), Msg: "Welcome"})
				codes = append(codes, code)

				replies, code := h.Converse(pam.NativeMessage{Style: int(pam.PromptEchoOff), Msg: "Password: "})
				codes = append(codes, code)
				if code != pam.CodeSuccess || replies[0] == nil || *replies[0] != "secret" {
					return pam.CodeAuthErr
				}
				return pam.CodeSuccess
			}
			handler := pam.ConversationFunc(func(_ context.Context, _ *pam.Session, msgs []pam.Message, _ any) ([]pam.Response, error) {
				if msgs[0].Style == pam.TextInfo {
					return tt.banner()
				}
				return pam.Answers("secret"), nil
			})

			s, _ := newScriptedSession(t, script, handler)
			err := s.Authenticate(context.Background(), 0)

			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, []pam.Code{pam.CodeConvErr, pam.CodeSuccess}, codes)
			assert.False(t, s.Authenticated())

			code, ok := pam.CodeOf(err)
			assert.True(t, ok)
			assert.Equal(t, pam.CodeConvErr, code)
		})
	}
}

func TestConversationUnknownStyle(t *testing.T) {
	called := false
	script := func(h *pamtest.Handle, conv pam.Conversation) pam.Code {
		_, code := h.Converse(pam.NativeMessage{Style: 42, Msg: "??"})
		return code
	}
	handler := pam.ConversationFunc(func(context.Context, *pam.Session, []pam.Message, any) ([]pam.Response, error) {
		called = true
		return nil, nil
	})

	s, _ := newScriptedSession(t, script, handler)
	err := s.Authenticate(context.Background(), 0)

	require.Error(t, err)
	assert.True(t, pam.IsProtocol(err))
	assert.False(t, called)
}

func TestConversationHandlerErrorBecomesConvErr(t *testing.T) {
	cause := errors.New("token device unplugged")
	script := func(h *pamtest.Handle, conv pam.Conversation) pam.Code {
		_, code := h.Converse(pam.NativeMessage{Style: int(pam.PromptEchoOff), Msg: "Token: "})
		return code
	}
	handler := pam.ConversationFunc(func(context.Context, *pam.Session, []pam.Message, any) ([]pam.Response, error) {
		return nil, cause
	})

	s, _ := newScriptedSession(t, script, handler)
	err := s.Authenticate(context.Background(), 0)

	require.Error(t, err)
	code, ok := pam.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, pam.CodeConvErr, code)
	assert.Contains(t, err.Error(), cause.Error())
}

func TestConversationHandlerPanicIsRecovered(t *testing.T) {
	script := func(h *pamtest.Handle, conv pam.Conversation) pam.Code {
		_, code := h.Converse(pam.NativeMessage{Style: int(pam.PromptEchoOff), Msg: "Password: "})
		return code
	}
	handler := pam.ConversationFunc(func(context.Context, *pam.Session, []pam.Message, any) ([]pam.Response, error) {
		panic("handler exploded")
	})

	s, _ := newScriptedSession(t, script, handler)

	var err error
	assert.NotPanics(t, func() {
		err = s.Authenticate(context.Background(), 0)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")

	code, _ := pam.CodeOf(err)
	assert.Equal(t, pam.CodeConvErr, code)
	assert.False(t, s.InFlight())
}

func TestConversationNegativeCountPanics(t *testing.T) {
	script := func(h *pamtest.Handle, conv pam.Conversation) pam.Code {
		_, code := conv(-1, nil)
		return code
	}
	s, _ := newScriptedSession(t, script, pam.PasswordHandler("alice", "secret"))

	assert.Panics(t, func() {
		_ = s.Authenticate(context.Background(), 0)
	})
}

func TestConversationHandlerReplacement(t *testing.T) {
	backend := pamtest.New(pamtest.WithAccount("alice", "secret"))
	s, err := pam.NewSession(context.Background(), backend, pam.DefaultConfig("alice"),
		pam.PasswordHandler("alice", "wrong"), nil, pam.WithSessionLogger(quietLogger{}))
	require.NoError(t, err)
	defer s.Close()

	err = s.Authenticate(context.Background(), 0)
	code, _ := pam.CodeOf(err)
	assert.Equal(t, pam.CodeAuthErr, code)

	require.NoError(t, s.SetHandler(pam.PasswordHandler("alice", "secret"), nil))
	require.NoError(t, s.Authenticate(context.Background(), 0))
	assert.True(t, s.Authenticated())

	assert.Error(t, s.SetHandler(nil, nil))
}

func TestPasswordHandler(t *testing.T) {
	h := pam.PasswordHandler("alice", "secret")
	out, err := h.Converse(context.Background(), nil, []pam.Message{
		{Style: pam.PromptEchoOn, Text: "login: "},
		{Style: pam.PromptEchoOff, Text: "Password: "},
		{Style: pam.ErrorMsg, Text: "careful"},
		{Style: pam.TextInfo, Text: "hello"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []pam.Response{
		pam.Answer("alice"),
		pam.Answer("secret"),
		pam.NoAnswer(),
		pam.NoAnswer(),
	}, out)
}

func TestMessageStyleText(t *testing.T) {
	text, err := pam.PromptEchoOff.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "PROMPT_ECHO_OFF", string(text))

	var style pam.MessageStyle
	require.NoError(t, style.UnmarshalText([]byte("TEXT_INFO")))
	assert.Equal(t, pam.TextInfo, style)
	assert.Error(t, style.UnmarshalText([]byte("BEEP")))

	assert.True(t, pam.PromptEchoOn.IsPrompt())
	assert.False(t, pam.ErrorMsg.IsPrompt())
}
