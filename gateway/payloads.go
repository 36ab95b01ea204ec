package gateway

import (
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-pam"
)

// InitRequest starts a new authentication flow.
type InitRequest struct {
	Username string `json:"username"`
	Service  string `json:"service,omitempty"`
}

func (r InitRequest) validate(services []string) error {
	rules := []validation.Rule{validation.Length(1, 64)}
	if len(services) > 0 {
		allowed := make([]any, len(services))
		for i, s := range services {
			allowed[i] = s
		}
		rules = append(rules, validation.In(allowed...))
	}

	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.Service, rules...),
	)
}

// ContinueRequest answers the pending prompts. A null entry means no answer.
type ContinueRequest struct {
	Responses []*string `json:"responses"`
}

func (r ContinueRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Responses, validation.Required),
	)
}

func (r ContinueRequest) answers() []pam.Response {
	out := make([]pam.Response, len(r.Responses))
	for i, text := range r.Responses {
		if text != nil {
			out[i] = pam.Answer(*text)
		} else {
			out[i] = pam.NoAnswer()
		}
	}
	return out
}

// LoginRequest opens the session of an authenticated flow.
type LoginRequest struct {
	SessionID string `json:"session_id"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SessionID, validation.Required, validation.Length(1, 128)),
	)
}

// StepResponse mirrors pam.Step for a flow.
type StepResponse struct {
	ID       string        `json:"id"`
	Stage    string        `json:"stage"`
	Terminal bool          `json:"terminal"`
	Code     string        `json:"code"`
	Prompts  []pam.Message `json:"prompts,omitempty"`
}

// StageResponse reports the stage after login or logout.
type StageResponse struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
