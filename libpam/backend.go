//go:build cgo

package libpam

import (
	"errors"
	"time"

	gopam "github.com/goliatone/go-pam"
	"github.com/msteinert/pam/v2"
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger used for conditions the binding cannot surface
// as result codes.
func WithLogger(logger gopam.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Backend starts real PAM transactions.
type Backend struct {
	logger gopam.Logger
}

// New returns a libpam backed Backend.
func New(opts ...Option) *Backend {
	b := &Backend{logger: nopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start implements pam.Backend.
func (b *Backend) Start(req gopam.StartRequest, conv gopam.Conversation) (gopam.Handle, gopam.Code) {
	handler := pam.ConversationFunc(func(style pam.Style, msg string) (string, error) {
		batch := []gopam.NativeMessage{{Style: int(style), Msg: msg}}
		replies, code := conv(len(batch), batch)
		if code != gopam.CodeSuccess {
			return "", pam.ErrConv
		}
		if len(replies) == 0 || replies[0] == nil {
			return "", nil
		}
		return *replies[0], nil
	})

	var (
		txn *pam.Transaction
		err error
	)
	if req.ConfDir != "" {
		txn, err = pam.StartConfDir(req.Service, req.User, handler, req.ConfDir)
	} else {
		txn, err = pam.Start(req.Service, req.User, handler)
	}
	if err != nil {
		return nil, codeOf(err)
	}

	return &handle{txn: txn, logger: b.logger}, gopam.CodeSuccess
}

type handle struct {
	txn    *pam.Transaction
	logger gopam.Logger
}

func (h *handle) Authenticate(flags gopam.Flag) gopam.Code {
	return codeOf(h.txn.Authenticate(pam.Flags(flags)))
}

func (h *handle) AcctMgmt(flags gopam.Flag) gopam.Code {
	return codeOf(h.txn.AcctMgmt(pam.Flags(flags)))
}

func (h *handle) ChangeAuthTok(flags gopam.Flag) gopam.Code {
	return codeOf(h.txn.ChangeAuthTok(pam.Flags(flags)))
}

func (h *handle) SetCred(flags gopam.Flag) gopam.Code {
	return codeOf(h.txn.SetCred(pam.Flags(flags)))
}

func (h *handle) OpenSession(flags gopam.Flag) gopam.Code {
	return codeOf(h.txn.OpenSession(pam.Flags(flags)))
}

func (h *handle) CloseSession(flags gopam.Flag) gopam.Code {
	return codeOf(h.txn.CloseSession(pam.Flags(flags)))
}

func (h *handle) SetItem(item gopam.Item, value string) gopam.Code {
	return codeOf(h.txn.SetItem(pam.Item(item), value))
}

// FailDelay is not exposed by the binding. The request is logged and the
// configured modules keep their own delay.
func (h *handle) FailDelay(delay time.Duration) gopam.Code {
	h.logger.Warn("pam_fail_delay not supported by libpam binding, ignoring", "delay", delay)
	return gopam.CodeSuccess
}

func (h *handle) GetEnv(name string) (string, bool) {
	env, err := h.txn.GetEnvList()
	if err != nil {
		return "", false
	}
	value, ok := env[name]
	return value, ok
}

func (h *handle) PutEnv(nameval string) gopam.Code {
	return codeOf(h.txn.PutEnv(nameval))
}

func (h *handle) EnvList() (map[string]string, gopam.Code) {
	env, err := h.txn.GetEnvList()
	if err != nil {
		return nil, codeOf(err)
	}
	return env, gopam.CodeSuccess
}

// End releases the transaction. The binding tracks the last status itself,
// so status is only used for logging.
func (h *handle) End(status gopam.Code) gopam.Code {
	if err := h.txn.End(); err != nil {
		h.logger.Warn("pam_end failed", "status", status, "error", err)
		return codeOf(err)
	}
	return gopam.CodeSuccess
}

func codeOf(err error) gopam.Code {
	if err == nil {
		return gopam.CodeSuccess
	}
	var perr pam.Error
	if errors.As(err, &perr) {
		return gopam.Code(perr)
	}
	return gopam.CodeSystemErr
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
