package pamtest

import (
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-pam"
)

// Op names a recorded handle call.
type Op string

const (
	OpAuthenticate  Op = "authenticate"
	OpAcctMgmt      Op = "acct_mgmt"
	OpChangeAuthTok Op = "chauthtok"
	OpSetCred       Op = "setcred"
	OpOpenSession   Op = "open_session"
	OpCloseSession  Op = "close_session"
	OpSetItem       Op = "set_item"
	OpFailDelay     Op = "fail_delay"
	OpPutEnv        Op = "putenv"
	OpEnd           Op = "end"
)

// Call is one recorded handle call.
type Call struct {
	Op    Op
	Flags pam.Flag
	Arg   string
}

// Handle is the in-memory pam.Handle returned by Backend.Start.
type Handle struct {
	backend *Backend
	request pam.StartRequest
	conv    pam.Conversation

	mu        sync.Mutex
	calls     []Call
	items     map[pam.Item]string
	env       map[string]string
	failDelay time.Duration
	ended     bool
	endStatus pam.Code
}

// Request returns the arguments the handle was started with.
func (h *Handle) Request() pam.StartRequest {
	return h.request
}

// Converse invokes the registered conversation directly.
func (h *Handle) Converse(msgs ...pam.NativeMessage) ([]*string, pam.Code) {
	return h.conv(len(msgs), msgs)
}

// Calls returns the recorded calls in order.
func (h *Handle) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Ops returns the recorded operation names in order.
func (h *Handle) Ops() []Op {
	h.mu.Lock()
	defer h.mu.Unlock()
	ops := make([]Op, 0, len(h.calls))
	for _, c := range h.calls {
		ops = append(ops, c.Op)
	}
	return ops
}

// Count returns how many times op was called.
func (h *Handle) Count(op Op) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Item returns the stored item value.
func (h *Handle) Item(item pam.Item) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.items[item]
}

// FailDelayValue returns the requested failure delay.
func (h *Handle) FailDelayValue() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failDelay
}

// Ended reports whether End was called, and with which status.
func (h *Handle) Ended() (bool, pam.Code) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended, h.endStatus
}

func (h *Handle) record(op Op, flags pam.Flag, arg string) {
	h.mu.Lock()
	h.calls = append(h.calls, Call{Op: op, Flags: flags, Arg: arg})
	h.mu.Unlock()
}

// outcome converses the messages registered for op, then returns its result.
func (h *Handle) outcome(op Op) pam.Code {
	if msgs := h.backend.messages[op]; len(msgs) > 0 {
		if _, code := h.conv(len(msgs), msgs); code != pam.CodeSuccess {
			return code
		}
	}
	return h.backend.result(op)
}

// Authenticate runs the configured authenticate routine.
func (h *Handle) Authenticate(flags pam.Flag) pam.Code {
	h.record(OpAuthenticate, flags, "")
	if h.backend.authenticate != nil {
		return h.backend.authenticate(h, h.conv)
	}
	return h.backend.defaultAuthenticate(h, h.conv)
}

func (h *Handle) AcctMgmt(flags pam.Flag) pam.Code {
	h.record(OpAcctMgmt, flags, "")
	return h.outcome(OpAcctMgmt)
}

func (h *Handle) ChangeAuthTok(flags pam.Flag) pam.Code {
	h.record(OpChangeAuthTok, flags, "")
	return h.outcome(OpChangeAuthTok)
}

func (h *Handle) SetCred(flags pam.Flag) pam.Code {
	h.record(OpSetCred, flags, "")
	return h.outcome(OpSetCred)
}

func (h *Handle) OpenSession(flags pam.Flag) pam.Code {
	h.record(OpOpenSession, flags, "")
	return h.outcome(OpOpenSession)
}

func (h *Handle) CloseSession(flags pam.Flag) pam.Code {
	h.record(OpCloseSession, flags, "")
	return h.outcome(OpCloseSession)
}

func (h *Handle) SetItem(item pam.Item, value string) pam.Code {
	h.record(OpSetItem, 0, value)
	if code := h.backend.result(OpSetItem); code != pam.CodeSuccess {
		return code
	}
	h.mu.Lock()
	h.items[item] = value
	h.mu.Unlock()
	return pam.CodeSuccess
}

func (h *Handle) FailDelay(delay time.Duration) pam.Code {
	h.record(OpFailDelay, 0, delay.String())
	if code := h.backend.result(OpFailDelay); code != pam.CodeSuccess {
		return code
	}
	h.mu.Lock()
	h.failDelay = delay
	h.mu.Unlock()
	return pam.CodeSuccess
}

func (h *Handle) GetEnv(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, ok := h.env[name]
	return value, ok
}

// PutEnv follows pam_putenv: "NAME=value" sets, "NAME" removes.
func (h *Handle) PutEnv(nameval string) pam.Code {
	h.record(OpPutEnv, 0, nameval)
	if code := h.backend.result(OpPutEnv); code != pam.CodeSuccess {
		return code
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	name, value, set := strings.Cut(nameval, "=")
	if name == "" {
		return pam.CodePermDenied
	}
	if !set {
		if _, ok := h.env[name]; !ok {
			return pam.CodeBadItem
		}
		delete(h.env, name)
		return pam.CodeSuccess
	}
	h.env[name] = value
	return pam.CodeSuccess
}

func (h *Handle) EnvList() (map[string]string, pam.Code) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.env))
	for k, v := range h.env {
		out[k] = v
	}
	return out, pam.CodeSuccess
}

func (h *Handle) End(status pam.Code) pam.Code {
	h.record(OpEnd, 0, status.Name())
	h.mu.Lock()
	h.ended = true
	h.endStatus = status
	h.mu.Unlock()
	return h.backend.result(OpEnd)
}
