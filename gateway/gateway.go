// Package gateway exposes the two phase authenticator over HTTP with fiber.
// Each flow is addressed by an opaque id returned from POST /auth.
package gateway

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-pam"
	"github.com/google/uuid"
)

const (
	TextCodeFlowNotFound = "FLOW_NOT_FOUND"
	TextCodeBadPayload   = "BAD_PAYLOAD"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfigOptions applies opts to every flow configuration.
func WithConfigOptions(opts ...pam.Option) Option {
	return func(g *Gateway) {
		g.configOpts = append(g.configOpts, opts...)
	}
}

// WithAuthenticatorOptions applies opts to every flow authenticator.
func WithAuthenticatorOptions(opts ...pam.AuthenticatorOption) Option {
	return func(g *Gateway) {
		g.authOpts = append(g.authOpts, opts...)
	}
}

// WithServices restricts the services a client may request.
func WithServices(services ...string) Option {
	return func(g *Gateway) {
		g.services = append(g.services, services...)
	}
}

// WithLogger overrides the gateway logger.
func WithLogger(logger pam.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithIDGenerator overrides flow id generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// Gateway keeps the live authenticators keyed by flow id.
type Gateway struct {
	backend    pam.Backend
	configOpts []pam.Option
	authOpts   []pam.AuthenticatorOption
	services   []string
	logger     pam.Logger
	newID      func() string

	mu    sync.Mutex
	flows map[string]*pam.Authenticator
}

// New creates a gateway that starts flows on backend.
func New(backend pam.Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend: backend,
		logger:  nopLogger{},
		newID:   func() string { return uuid.NewString() },
		flows:   map[string]*pam.Authenticator{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Register mounts the gateway routes on r.
func (g *Gateway) Register(r fiber.Router) {
	r.Post("/auth", g.Init)
	r.Post("/auth/:id/continue", g.Continue)
	r.Post("/auth/:id/login", g.Login)
	r.Post("/auth/:id/logout", g.Logout)
	r.Delete("/auth/:id", g.End)
}

// Len returns the number of live flows.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flows)
}

// Init handles POST /auth.
func (g *Gateway) Init(c *fiber.Ctx) error {
	var req InitRequest
	if err := c.BodyParser(&req); err != nil {
		return g.fail(c, badPayload(err))
	}
	if err := req.validate(g.services); err != nil {
		return g.fail(c, badPayload(err))
	}

	opts := append([]pam.Option{}, g.configOpts...)
	if req.Service != "" {
		opts = append(opts, pam.WithService(req.Service))
	}
	cfg := pam.NewConfig(req.Username, opts...)

	a, err := pam.NewAuthenticator(g.backend, cfg, g.authOpts...)
	if err != nil {
		return g.fail(c, err)
	}

	id := g.newID()
	g.mu.Lock()
	g.flows[id] = a
	g.mu.Unlock()

	step, err := a.AuthInit(c.UserContext())
	if err != nil {
		g.drop(id)
		return g.fail(c, err)
	}

	g.logger.Debug("pam flow started", "id", id, "user", req.Username)
	return c.Status(fiber.StatusCreated).JSON(stepResponse(id, step))
}

// Continue handles POST /auth/:id/continue.
func (g *Gateway) Continue(c *fiber.Ctx) error {
	id := c.Params("id")
	a, err := g.lookup(id)
	if err != nil {
		return g.fail(c, err)
	}

	var req ContinueRequest
	if err := c.BodyParser(&req); err != nil {
		return g.fail(c, badPayload(err))
	}
	if err := req.Validate(); err != nil {
		return g.fail(c, badPayload(err))
	}

	step, err := a.AuthContinue(c.UserContext(), req.answers())
	if err != nil {
		if a.Stage().Terminal() {
			g.drop(id)
		}
		return g.fail(c, err)
	}
	return c.JSON(stepResponse(id, step))
}

// Login handles POST /auth/:id/login.
func (g *Gateway) Login(c *fiber.Ctx) error {
	id := c.Params("id")
	a, err := g.lookup(id)
	if err != nil {
		return g.fail(c, err)
	}

	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return g.fail(c, badPayload(err))
	}
	if err := req.Validate(); err != nil {
		return g.fail(c, badPayload(err))
	}

	if err := a.Login(c.UserContext(), req.SessionID); err != nil {
		if a.Stage().Terminal() {
			g.drop(id)
		}
		return g.fail(c, err)
	}
	return c.JSON(StageResponse{ID: id, Stage: a.Stage().String()})
}

// Logout handles POST /auth/:id/logout. The flow is always removed; teardown
// failures are reported in the body.
func (g *Gateway) Logout(c *fiber.Ctx) error {
	id := c.Params("id")
	a, err := g.lookup(id)
	if err != nil {
		return g.fail(c, err)
	}

	err = a.Logout(c.UserContext())
	if pam.IsPrecondition(err) {
		return g.fail(c, err)
	}
	g.drop(id)

	res := StageResponse{ID: id, Stage: a.Stage().String()}
	if err != nil {
		g.logger.Warn("pam logout completed with errors", "id", id, "error", err)
		res.Error = err.Error()
	}
	return c.JSON(res)
}

// End handles DELETE /auth/:id.
func (g *Gateway) End(c *fiber.Ctx) error {
	id := c.Params("id")
	a, err := g.lookup(id)
	if err != nil {
		return g.fail(c, err)
	}
	g.drop(id)
	a.End()
	return c.SendStatus(fiber.StatusNoContent)
}

// Close ends every live flow.
func (g *Gateway) Close() {
	g.mu.Lock()
	flows := g.flows
	g.flows = map[string]*pam.Authenticator{}
	g.mu.Unlock()

	for _, a := range flows {
		a.End()
	}
}

func (g *Gateway) lookup(id string) (*pam.Authenticator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.flows[id]
	if !ok {
		return nil, goerrors.New("authentication flow not found", goerrors.CategoryNotFound).
			WithTextCode(TextCodeFlowNotFound).
			WithCode(goerrors.CodeNotFound).
			WithMetadata(map[string]any{"id": id})
	}
	return a, nil
}

func (g *Gateway) drop(id string) {
	g.mu.Lock()
	a, ok := g.flows[id]
	delete(g.flows, id)
	g.mu.Unlock()
	if ok {
		a.End()
	}
}

func (g *Gateway) fail(c *fiber.Ctx, err error) error {
	status, code := classify(err)
	if status >= fiber.StatusInternalServerError {
		g.logger.Error("pam gateway request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(ErrorResponse{Error: ErrorBody{Code: code, Message: err.Error()}})
}

func classify(err error) (int, string) {
	code := "INTERNAL"
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode != "" {
		code = rich.TextCode
	}

	switch {
	case code == TextCodeFlowNotFound:
		return fiber.StatusNotFound, code
	case code == TextCodeBadPayload:
		return fiber.StatusBadRequest, code
	case pam.IsPrecondition(err):
		return fiber.StatusConflict, code
	case pam.IsProtocol(err), pam.IsInvalidArgument(err):
		return fiber.StatusBadRequest, code
	case pam.IsTimeout(err):
		return fiber.StatusRequestTimeout, code
	case pam.IsAuditRejected(err):
		return fiber.StatusServiceUnavailable, code
	case pam.IsResultError(err):
		return fiber.StatusUnauthorized, code
	}

	if rich != nil && rich.Category == goerrors.CategoryValidation {
		return fiber.StatusBadRequest, code
	}
	return fiber.StatusInternalServerError, code
}

func badPayload(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid request payload").
		WithTextCode(TextCodeBadPayload).
		WithCode(goerrors.CodeBadRequest)
}

func stepResponse(id string, step *pam.Step) StepResponse {
	return StepResponse{
		ID:       id,
		Stage:    step.Stage.String(),
		Terminal: step.Terminal,
		Code:     step.Code.Name(),
		Prompts:  step.Prompts,
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
