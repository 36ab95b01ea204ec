package pam

import "time"

// Flag is a bit set passed to native operations. Values follow Linux-PAM.
type Flag int

const (
	Silent               Flag = 0x8000
	DisallowNullAuthtok  Flag = 0x0001
	ChangeExpiredAuthtok Flag = 0x0020
)

// CredOp is a credential operation accepted by SetCredential.
type CredOp Flag

const (
	EstablishCred    CredOp = 0x0002
	DeleteCred       CredOp = 0x0004
	ReinitializeCred CredOp = 0x0008
	RefreshCred      CredOp = 0x0010
)

var credOpNames = map[CredOp]string{
	EstablishCred:    "ESTABLISH_CRED",
	DeleteCred:       "DELETE_CRED",
	ReinitializeCred: "REINITIALIZE_CRED",
	RefreshCred:      "REFRESH_CRED",
}

func (op CredOp) String() string {
	if name, ok := credOpNames[op]; ok {
		return name
	}
	return "INVALID_CRED_OP"
}

// Valid reports whether op is exactly one of the known credential operations.
func (op CredOp) Valid() bool {
	_, ok := credOpNames[op]
	return ok
}

// Item identifies an auxiliary field stored on the native handle.
type Item int

const (
	ItemService    Item = 1
	ItemUser       Item = 2
	ItemRemoteHost Item = 4
	ItemRemoteUser Item = 8
)

// NativeMessage is a prompt as delivered by the native library, before
// translation. Style carries the raw library value.
type NativeMessage struct {
	Style int
	Msg   string
}

// Conversation is the entry point a Handle invokes, synchronously and from
// inside a native call, whenever a module needs input. num is the count the
// native side reports and must match len(msgs). A nil reply entry means no
// answer.
type Conversation func(num int, msgs []NativeMessage) ([]*string, Code)

// StartRequest carries the arguments to create a native handle.
type StartRequest struct {
	Service string
	User    string
	ConfDir string
}

// Backend creates native handles. It replaces any process-wide module
// registry: each session receives the backend it should use.
type Backend interface {
	Start(req StartRequest, conv Conversation) (Handle, Code)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(req StartRequest, conv Conversation) (Handle, Code)

// Start implements Backend.
func (f BackendFunc) Start(req StartRequest, conv Conversation) (Handle, Code) {
	if f == nil {
		return nil, CodeSystemErr
	}
	return f(req, conv)
}

// Handle is an opaque native authentication handle. Implementations are not
// expected to be safe for concurrent use; Session serializes access.
type Handle interface {
	Authenticate(flags Flag) Code
	AcctMgmt(flags Flag) Code
	ChangeAuthTok(flags Flag) Code
	SetCred(flags Flag) Code
	OpenSession(flags Flag) Code
	CloseSession(flags Flag) Code
	SetItem(item Item, value string) Code
	FailDelay(delay time.Duration) Code
	GetEnv(name string) (string, bool)
	PutEnv(nameval string) Code
	EnvList() (map[string]string, Code)
	// End releases the handle. status is the last result observed so
	// modules can clean up consistently with it.
	End(status Code) Code
}
