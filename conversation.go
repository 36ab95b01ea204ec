package pam

import (
	"context"
	"fmt"
	"sync"
)

// MessageStyle tags a conversation message.
type MessageStyle int

const (
	PromptEchoOff MessageStyle = 1
	PromptEchoOn  MessageStyle = 2
	ErrorMsg      MessageStyle = 3
	TextInfo      MessageStyle = 4
)

var messageStyleNames = map[MessageStyle]string{
	PromptEchoOff: "PROMPT_ECHO_OFF",
	PromptEchoOn:  "PROMPT_ECHO_ON",
	ErrorMsg:      "ERROR_MSG",
	TextInfo:      "TEXT_INFO",
}

func (s MessageStyle) String() string {
	if name, ok := messageStyleNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MessageStyle(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s MessageStyle) MarshalText() ([]byte, error) {
	if _, ok := messageStyleNames[s]; !ok {
		return nil, fmt.Errorf("unknown message style %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *MessageStyle) UnmarshalText(text []byte) error {
	for style, name := range messageStyleNames {
		if name == string(text) {
			*s = style
			return nil
		}
	}
	return fmt.Errorf("unknown message style %q", string(text))
}

// IsPrompt reports whether the style expects an answer.
func (s MessageStyle) IsPrompt() bool {
	return s == PromptEchoOff || s == PromptEchoOn
}

func messageStyleFrom(raw int) (MessageStyle, bool) {
	style := MessageStyle(raw)
	_, ok := messageStyleNames[style]
	return style, ok
}

// Message is one entry of a conversation batch.
type Message struct {
	Style MessageStyle `json:"style"`
	Text  string       `json:"text"`
}

// Response answers the message at the same position in a batch. The zero
// value means no answer.
type Response struct {
	Text  string
	Valid bool
}

// Answer returns a Response carrying text.
func Answer(text string) Response {
	return Response{Text: text, Valid: true}
}

// NoAnswer returns an empty Response.
func NoAnswer() Response {
	return Response{}
}

// Answers wraps every text in a Response.
func Answers(texts ...string) []Response {
	out := make([]Response, len(texts))
	for i, t := range texts {
		out[i] = Answer(t)
	}
	return out
}

// ConversationHandler supplies responses for a batch of messages. It runs on
// the goroutine that issued the native call and may block until answers are
// available. It must return exactly one Response per message.
type ConversationHandler interface {
	Converse(ctx context.Context, s *Session, msgs []Message, data any) ([]Response, error)
}

// ConversationFunc adapts a function to ConversationHandler.
type ConversationFunc func(ctx context.Context, s *Session, msgs []Message, data any) ([]Response, error)

// Converse implements ConversationHandler.
func (f ConversationFunc) Converse(ctx context.Context, s *Session, msgs []Message, data any) ([]Response, error) {
	return f(ctx, s, msgs, data)
}

// PasswordHandler answers hidden prompts with password and visible prompts
// with user. Informational messages get no answer.
func PasswordHandler(user, password string) ConversationHandler {
	return ConversationFunc(func(_ context.Context, _ *Session, msgs []Message, _ any) ([]Response, error) {
		out := make([]Response, len(msgs))
		for i, m := range msgs {
			switch m.Style {
			case PromptEchoOff:
				out[i] = Answer(password)
			case PromptEchoOn:
				out[i] = Answer(user)
			default:
				out[i] = NoAnswer()
			}
		}
		return out, nil
	})
}

// conversationState is guarded by its own lock, never by the session lock,
// since the bridge runs while a native call owns the handle.
type conversationState struct {
	mu      sync.Mutex
	handler ConversationHandler
	data    any
	log     [][]Message
	ctx     context.Context
	err     error
}

func (c *conversationState) setHandler(h ConversationHandler, data any) {
	c.mu.Lock()
	c.handler = h
	c.data = data
	c.mu.Unlock()
}

// begin prepares for a native call that may converse.
func (c *conversationState) begin(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.err = nil
	c.mu.Unlock()
}

// finish returns the first error left by any conversation round of the call.
func (c *conversationState) finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.err
	c.err = nil
	c.ctx = nil
	return err
}

func (c *conversationState) round(batch []Message) (ConversationHandler, any, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, append([]Message(nil), batch...))
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return c.handler, c.data, ctx
}

// fail keeps the first error of the native call. A module that ignores
// CONV_ERR and converses again must not clear it.
func (c *conversationState) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *conversationState) messages() [][]Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]Message, len(c.log))
	for i, batch := range c.log {
		out[i] = append([]Message(nil), batch...)
	}
	return out
}

// converse is the Conversation the session hands to its backend.
func (s *Session) converse(num int, msgs []NativeMessage) ([]*string, Code) {
	invariant(num >= 0, "negative message count from native library")
	invariant(num == len(msgs), "message count does not match message batch")

	batch := make([]Message, num)
	for i, m := range msgs {
		style, ok := messageStyleFrom(m.Style)
		if !ok {
			s.conv.fail(protocolf("unknown message style %d at position %d", m.Style, i))
			return nil, CodeConvErr
		}
		batch[i] = Message{Style: style, Text: m.Msg}
	}

	handler, data, ctx := s.conv.round(batch)
	if handler == nil {
		s.conv.fail(protocolf("no conversation handler registered"))
		return nil, CodeConvErr
	}

	responses, err := callHandler(ctx, handler, s, append([]Message(nil), batch...), data)
	if err != nil {
		s.conv.fail(err)
		return nil, CodeConvErr
	}

	if len(responses) > num {
		s.conv.fail(protocolf("response contains more elements than expected value of (%d)", num))
		return nil, CodeConvErr
	}
	if len(responses) < num {
		s.conv.fail(protocolf("response contains fewer elements than expected value of (%d)", num))
		return nil, CodeConvErr
	}

	replies := make([]*string, num)
	for i, r := range responses {
		if r.Valid {
			text := r.Text
			replies[i] = &text
		}
	}
	return replies, CodeSuccess
}

func callHandler(ctx context.Context, h ConversationHandler, s *Session, batch []Message, data any) (responses []Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			responses = nil
			err = fmt.Errorf("conversation handler panicked: %v", r)
		}
	}()
	return h.Converse(ctx, s, batch, data)
}
