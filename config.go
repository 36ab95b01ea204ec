package pam

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
)

const (
	DefaultService = "login"
	DefaultTimeout = 10 * time.Second
)

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config holds the parameters used to create a native handle and drive an
// authentication attempt.
type Config struct {
	// Service is the PAM service name.
	// Default: "login".
	Service string

	// User is the identity being authenticated. Required.
	User string

	// Timeout bounds every blocking wait in the authenticator.
	// Default: 10 seconds.
	Timeout time.Duration

	// RemoteHost and RemoteUser are stored on the handle as PAM_RHOST / PAM_RUSER.
	RemoteHost string
	RemoteUser string

	// FailDelay requests a delay after failed authentication (microsecond
	// resolution in the native library). Zero leaves the module default.
	FailDelay time.Duration

	// ConfDir overrides the PAM configuration directory. Must be absolute.
	ConfDir string

	// Env is applied to the handle's PAM environment after creation.
	Env map[string]string

	// AuthFlags are passed to the authenticate call.
	AuthFlags Flag
}

// Option customizes a Config.
type Option func(*Config)

// DefaultConfig returns a Config for user with sensible defaults.
func DefaultConfig(user string) Config {
	return Config{
		Service: DefaultService,
		User:    user,
		Timeout: DefaultTimeout,
	}
}

// NewConfig builds a Config for user and applies opts.
func NewConfig(user string, opts ...Option) Config {
	cfg := DefaultConfig(user)
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithService sets the PAM service name.
func WithService(service string) Option {
	return func(c *Config) {
		if service != "" {
			c.Service = service
		}
	}
}

// WithTimeout sets the bound applied to each blocking wait.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithRemoteHost sets PAM_RHOST.
func WithRemoteHost(host string) Option {
	return func(c *Config) {
		c.RemoteHost = host
	}
}

// WithRemoteUser sets PAM_RUSER.
func WithRemoteUser(user string) Option {
	return func(c *Config) {
		c.RemoteUser = user
	}
}

// WithFailDelay sets the delay requested after a failed authentication.
func WithFailDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.FailDelay = delay
	}
}

// WithConfDir sets the PAM configuration directory.
func WithConfDir(dir string) Option {
	return func(c *Config) {
		c.ConfDir = dir
	}
}

// WithEnv merges variables into the PAM environment set at creation.
func WithEnv(env map[string]string) Option {
	return func(c *Config) {
		if len(env) == 0 {
			return
		}
		if c.Env == nil {
			c.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			c.Env[k] = v
		}
	}
}

// WithAuthFlags sets the flags passed to the authenticate call.
func WithAuthFlags(flags Flag) Option {
	return func(c *Config) {
		c.AuthFlags = flags
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.User, validation.Required, validation.Length(1, 256)),
		validation.Field(&c.Service, validation.Required, validation.Match(serviceNamePattern)),
		validation.Field(&c.Timeout, validation.By(positiveDuration)),
		validation.Field(&c.FailDelay, validation.By(nonNegativeDuration)),
		validation.Field(&c.ConfDir, validation.By(absolutePath)),
		validation.Field(&c.Env, validation.By(envNames)),
		validation.Field(&c.AuthFlags, validation.By(authFlags)),
	)
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

func positiveDuration(value any) error {
	if d, ok := value.(time.Duration); ok && d <= 0 {
		return errors.New("must be greater than zero")
	}
	return nil
}

func nonNegativeDuration(value any) error {
	if d, ok := value.(time.Duration); ok && d < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func absolutePath(value any) error {
	if dir, ok := value.(string); ok && dir != "" && !filepath.IsAbs(dir) {
		return errors.New("must be an absolute path")
	}
	return nil
}

func envNames(value any) error {
	env, ok := value.(map[string]string)
	if !ok {
		return nil
	}
	for name := range env {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return errors.New("variable names must be non-empty and must not contain '='")
		}
	}
	return nil
}

func authFlags(value any) error {
	if flags, ok := value.(Flag); ok && flags&^(Silent|DisallowNullAuthtok) != 0 {
		return errors.New("only Silent and DisallowNullAuthtok are accepted")
	}
	return nil
}
