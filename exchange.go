package pam

import (
	"context"
	"fmt"
	"time"
)

// pendingExchange hands prompts and responses between the worker running the
// native authenticate call and the caller driving AuthInit/AuthContinue. It
// lives for exactly one native call.
type pendingExchange struct {
	prompts   chan []Message
	responses chan []Response
	result    chan error
	done      chan struct{}
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc

	// awaiting is guarded by the authenticator lock.
	awaiting bool
}

func newPendingExchange(timeout time.Duration) *pendingExchange {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &pendingExchange{
		prompts:   make(chan []Message, 1),
		responses: make(chan []Response, 1),
		result:    make(chan error, 1),
		done:      make(chan struct{}),
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Converse implements ConversationHandler on the worker side.
func (x *pendingExchange) Converse(ctx context.Context, _ *Session, msgs []Message, _ any) ([]Response, error) {
	select {
	case x.prompts <- msgs:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	timer := time.NewTimer(x.timeout)
	defer timer.Stop()

	select {
	case responses := <-x.responses:
		return responses, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-timer.C:
		return nil, timeoutError(x.timeout)
	}
}

// abandon detaches the caller. The native call keeps running until it
// returns on its own; only its result is discarded.
func (x *pendingExchange) abandon(cause error) {
	x.cancel(cause)
}

func (x *pendingExchange) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-x.done:
		return true
	case <-timer.C:
		return false
	}
}

func timeoutError(timeout time.Duration) error {
	return withMessage(ErrTimeout, fmt.Sprintf("authentication exchange timed out after %s", timeout), nil)
}
