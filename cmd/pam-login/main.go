//go:build cgo

// Command pam-login drives a PAM stack from the terminal, or serves the
// two phase HTTP gateway in front of it.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-pam"
	"github.com/goliatone/go-pam/gateway"
	"github.com/goliatone/go-pam/libpam"
	"github.com/goliatone/go-print"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

type options struct {
	user     string
	service  string
	confDir  string
	rhost    string
	timeout  time.Duration
	session  bool
	showEnv  bool
	serve    string
	services string
}

func main() {
	opts := options{}
	flag.StringVar(&opts.user, "user", os.Getenv("USER"), "user to authenticate")
	flag.StringVar(&opts.service, "service", pam.DefaultService, "PAM service name")
	flag.StringVar(&opts.confDir, "conf-dir", "", "alternative PAM configuration directory")
	flag.StringVar(&opts.rhost, "rhost", "", "remote host reported to PAM")
	flag.DurationVar(&opts.timeout, "timeout", time.Minute, "per exchange timeout")
	flag.BoolVar(&opts.session, "session", false, "open and close a session after authenticating")
	flag.BoolVar(&opts.showEnv, "env", false, "print the PAM environment after login")
	flag.StringVar(&opts.serve, "serve", "", "serve the HTTP gateway on this address instead")
	flag.StringVar(&opts.services, "services", "", "comma separated services the gateway accepts")
	flag.Parse()

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("pam-login"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	)
	provider := pam.LoggerProviderFunc(func(name string) pam.Logger {
		return lgr.GetLogger(name)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := libpam.New(libpam.WithLogger(provider.GetLogger("libpam")))

	var err error
	if opts.serve != "" {
		err = serve(ctx, backend, provider, opts)
	} else {
		err = login(ctx, backend, provider, opts)
	}

	if err != nil {
		if code, ok := pam.CodeOf(err); ok {
			fmt.Fprintf(os.Stderr, "pam-login: %v (%s)\n", err, code.Description())
		} else {
			fmt.Fprintf(os.Stderr, "pam-login: %v\n", err)
		}
		os.Exit(1)
	}
}

func config(opts options) pam.Config {
	return pam.NewConfig(opts.user,
		pam.WithService(opts.service),
		pam.WithConfDir(opts.confDir),
		pam.WithRemoteHost(opts.rhost),
		pam.WithTimeout(opts.timeout),
	)
}

func login(ctx context.Context, backend pam.Backend, provider pam.LoggerProvider, opts options) error {
	a, err := pam.NewAuthenticator(backend, config(opts), pam.WithLoggerProvider(provider))
	if err != nil {
		return err
	}
	defer a.End()

	// One reader for the whole login; piped input is buffered across rounds.
	stdin := bufio.NewReader(os.Stdin)
	fd := int(os.Stdin.Fd())

	step, err := a.AuthInit(ctx)
	for err == nil && !step.Terminal {
		var responses []pam.Response
		if responses, err = prompt(stdin, os.Stderr, fd, step.Prompts); err != nil {
			return err
		}
		step, err = a.AuthContinue(ctx, responses)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "authenticated %s\n", a.User())
	if !opts.session {
		return nil
	}

	seen := len(a.Messages())
	if err := a.Login(ctx, fmt.Sprintf("tty-%d", os.Getpid())); err != nil {
		return err
	}
	for _, batch := range a.Messages()[seen:] {
		if _, err := prompt(stdin, os.Stderr, fd, batch); err != nil {
			return err
		}
	}

	if opts.showEnv {
		env, err := a.Session().EnvList()
		if err != nil {
			return err
		}
		fmt.Println(print.MaybePrettyJSON(env))
	}

	return a.Logout(ctx)
}

// prompt answers one batch. Hidden prompts use the terminal when fd is one,
// otherwise every answer is a line read from in.
func prompt(in *bufio.Reader, out io.Writer, fd int, msgs []pam.Message) ([]pam.Response, error) {
	responses := make([]pam.Response, 0, len(msgs))
	for _, m := range msgs {
		switch m.Style {
		case pam.PromptEchoOff:
			fmt.Fprint(out, m.Text)
			if term.IsTerminal(fd) {
				secret, err := term.ReadPassword(fd)
				fmt.Fprintln(out)
				if err != nil {
					return nil, err
				}
				responses = append(responses, pam.Answer(string(secret)))
				continue
			}
			line, err := readLine(in)
			if err != nil {
				return nil, err
			}
			responses = append(responses, pam.Answer(line))
		case pam.PromptEchoOn:
			fmt.Fprint(out, m.Text)
			line, err := readLine(in)
			if err != nil {
				return nil, err
			}
			responses = append(responses, pam.Answer(line))
		case pam.ErrorMsg:
			fmt.Fprintln(out, "error:", m.Text)
			responses = append(responses, pam.NoAnswer())
		default:
			fmt.Fprintln(out, m.Text)
			responses = append(responses, pam.NoAnswer())
		}
	}
	return responses, nil
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
