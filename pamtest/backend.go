// Package pamtest provides an in-memory pam.Backend that behaves like a small
// password module. It records every call so tests can assert on what reached
// the native layer.
package pamtest

import (
	"sync"

	"github.com/goliatone/go-pam"
)

// DefaultPrompt is the hidden prompt sent by the default authenticate routine.
const DefaultPrompt = "Password: "

// AuthenticateFunc replaces the default authenticate routine. conv is the
// conversation entry point registered at start.
type AuthenticateFunc func(h *Handle, conv pam.Conversation) pam.Code

// Option configures a Backend.
type Option func(*Backend)

// WithAccount registers a user and password accepted by the default routine.
func WithAccount(user, password string) Option {
	return func(b *Backend) {
		b.accounts[user] = password
	}
}

// WithResult forces op to return code. For OpAuthenticate the forced code
// applies after a successful conversation.
func WithResult(op Op, code pam.Code) Option {
	return func(b *Backend) {
		b.results[op] = code
	}
}

// WithStartResult makes Start fail with code.
func WithStartResult(code pam.Code) Option {
	return func(b *Backend) {
		b.startCode = code
	}
}

// WithBanner sends a TEXT_INFO batch before the password prompt.
func WithBanner(text string) Option {
	return func(b *Backend) {
		b.banner = text
	}
}

// WithPrompt overrides the password prompt text.
func WithPrompt(text string) Option {
	return func(b *Backend) {
		b.prompt = text
	}
}

// WithGate blocks authenticate until gate is closed or receives a value.
func WithGate(gate <-chan struct{}) Option {
	return func(b *Backend) {
		b.gate = gate
	}
}

// WithAuthenticate replaces the default authenticate routine.
func WithAuthenticate(fn AuthenticateFunc) Option {
	return func(b *Backend) {
		b.authenticate = fn
	}
}

// WithMessages makes op converse with msgs before returning its result, the
// way pam_lastlog or pam_motd print from open_session. A failed round makes
// op return the conversation code.
func WithMessages(op Op, msgs ...pam.NativeMessage) Option {
	return func(b *Backend) {
		b.messages[op] = append(b.messages[op], msgs...)
	}
}

// Backend is a pam.Backend backed by process memory.
type Backend struct {
	accounts     map[string]string
	results      map[Op]pam.Code
	messages     map[Op][]pam.NativeMessage
	startCode    pam.Code
	banner       string
	prompt       string
	gate         <-chan struct{}
	authenticate AuthenticateFunc

	mu      sync.Mutex
	handles []*Handle
}

// New returns a backend configured with opts.
func New(opts ...Option) *Backend {
	b := &Backend{
		accounts: map[string]string{},
		results:  map[Op]pam.Code{},
		messages: map[Op][]pam.NativeMessage{},
		prompt:   DefaultPrompt,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start implements pam.Backend.
func (b *Backend) Start(req pam.StartRequest, conv pam.Conversation) (pam.Handle, pam.Code) {
	if b.startCode != pam.CodeSuccess {
		return nil, b.startCode
	}

	h := &Handle{
		backend: b,
		request: req,
		conv:    conv,
		items: map[pam.Item]string{
			pam.ItemService: req.Service,
			pam.ItemUser:    req.User,
		},
		env: map[string]string{},
	}

	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()

	return h, pam.CodeSuccess
}

// Handles returns every handle started so far, oldest first.
func (b *Backend) Handles() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Handle(nil), b.handles...)
}

// Last returns the most recent handle, or nil.
func (b *Backend) Last() *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handles) == 0 {
		return nil
	}
	return b.handles[len(b.handles)-1]
}

func (b *Backend) result(op Op) pam.Code {
	if code, ok := b.results[op]; ok {
		return code
	}
	return pam.CodeSuccess
}

func (b *Backend) defaultAuthenticate(h *Handle, conv pam.Conversation) pam.Code {
	if b.gate != nil {
		<-b.gate
	}

	if b.banner != "" {
		batch := []pam.NativeMessage{{Style: int(pam.TextInfo), Msg: b.banner}}
		if _, code := conv(len(batch), batch); code != pam.CodeSuccess {
			return code
		}
	}

	batch := []pam.NativeMessage{{Style: int(pam.PromptEchoOff), Msg: b.prompt}}
	replies, code := conv(len(batch), batch)
	if code != pam.CodeSuccess {
		return code
	}
	if len(replies) != 1 || replies[0] == nil {
		return pam.CodeAuthErr
	}

	expected, ok := b.accounts[h.request.User]
	if !ok {
		return pam.CodeUserUnknown
	}
	if *replies[0] != expected {
		return pam.CodeAuthErr
	}
	return b.result(OpAuthenticate)
}
