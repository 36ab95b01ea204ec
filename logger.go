package pam

import "fmt"

// Logger is the logging surface used across the package. It matches the
// key/value style of go-logger's glog.Logger so those loggers plug in directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggerProvider hands out named loggers.
type LoggerProvider interface {
	GetLogger(name string) Logger
}

// LoggerProviderFunc adapts a function to LoggerProvider.
type LoggerProviderFunc func(name string) Logger

// GetLogger implements LoggerProvider.
func (f LoggerProviderFunc) GetLogger(name string) Logger {
	if f == nil {
		return nil
	}
	return f(name)
}

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Println(format("[DBG] PAM ", msg, args))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Println(format("[INF] PAM ", msg, args))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Println(format("[WRN] PAM ", msg, args))
}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Println(format("[ERR] PAM ", msg, args))
}

func format(prefix, msg string, args []any) string {
	out := prefix + msg
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			out += fmt.Sprintf(" %v=%v", args[i], args[i+1])
		} else {
			out += fmt.Sprintf(" %v", args[i])
		}
	}
	return out
}

func resolveLogger(provider LoggerProvider, name string, fallback Logger) Logger {
	if provider != nil {
		if lgr := provider.GetLogger(name); lgr != nil {
			return lgr
		}
	}
	if fallback != nil {
		return fallback
	}
	return defLogger{}
}
