package pam_test

import (
	"time"

	"github.com/goliatone/go-pam"
	"github.com/stretchr/testify/mock"
)

// MockHandle implements pam.Handle
type MockHandle struct {
	mock.Mock
}

func (m *MockHandle) Authenticate(flags pam.Flag) pam.Code {
	args := m.Called(flags)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) AcctMgmt(flags pam.Flag) pam.Code {
	args := m.Called(flags)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) ChangeAuthTok(flags pam.Flag) pam.Code {
	args := m.Called(flags)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) SetCred(flags pam.Flag) pam.Code {
	args := m.Called(flags)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) OpenSession(flags pam.Flag) pam.Code {
	args := m.Called(flags)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) CloseSession(flags pam.Flag) pam.Code {
	args := m.Called(flags)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) SetItem(item pam.Item, value string) pam.Code {
	args := m.Called(item, value)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) FailDelay(delay time.Duration) pam.Code {
	args := m.Called(delay)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) GetEnv(name string) (string, bool) {
	args := m.Called(name)
	return args.String(0), args.Bool(1)
}

func (m *MockHandle) PutEnv(nameval string) pam.Code {
	args := m.Called(nameval)
	return args.Get(0).(pam.Code)
}

func (m *MockHandle) EnvList() (map[string]string, pam.Code) {
	args := m.Called()
	return args.Get(0).(map[string]string), args.Get(1).(pam.Code)
}

func (m *MockHandle) End(status pam.Code) pam.Code {
	args := m.Called(status)
	return args.Get(0).(pam.Code)
}

// mockBackend starts every session on h.
func mockBackend(h *MockHandle) pam.Backend {
	return pam.BackendFunc(func(pam.StartRequest, pam.Conversation) (pam.Handle, pam.Code) {
		return h, pam.CodeSuccess
	})
}

// quietLogger discards output.
type quietLogger struct{}

func (quietLogger) Debug(string, ...any) {}
func (quietLogger) Info(string, ...any)  {}
func (quietLogger) Warn(string, ...any)  {}
func (quietLogger) Error(string, ...any) {}
