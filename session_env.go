package pam

import (
	"fmt"
	"strings"
)

// GetEnv returns the value of a PAM environment variable.
func (s *Session) GetEnv(name string) (string, error) {
	if err := checkEnvName(name); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return "", err
	}

	value, ok := s.handle.GetEnv(name)
	if !ok {
		return "", withMessage(ErrEnvNotFound, fmt.Sprintf("%s: environment variable not set", name), nil)
	}
	return value, nil
}

// SetEnv sets a PAM environment variable.
func (s *Session) SetEnv(name, value string) error {
	if err := checkEnvName(name); err != nil {
		return err
	}
	return s.putEnv(name+"="+value, "pam_putenv() failed")
}

// UnsetEnv removes a PAM environment variable. Removing a variable that is
// not set fails with BAD_ITEM.
func (s *Session) UnsetEnv(name string) error {
	if err := checkEnvName(name); err != nil {
		return err
	}
	return s.putEnv(name, "pam_putenv() failed to remove variable")
}

// EnvList returns a copy of the PAM environment.
func (s *Session) EnvList() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}

	env, code := s.handle.EnvList()
	if code != CodeSuccess {
		return nil, NewResultError(code, "pam_getenvlist() failed")
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out, nil
}

func (s *Session) putEnv(nameval, context string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}

	code := s.handle.PutEnv(nameval)
	s.lastResult = code
	if code != CodeSuccess {
		return NewResultError(code, context)
	}
	return nil
}

func checkEnvName(name string) error {
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return invalidArgumentf("invalid environment variable name %q", name)
	}
	return nil
}
