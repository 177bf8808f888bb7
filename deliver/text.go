package deliver

import (
	"context"

	paygate "github.com/agentpay/paygate"
)

// Generator produces the text reply for a paid prompt. The horoscope and
// summary agents plug their provider calls in here.
type Generator func(ctx context.Context, prompt string) (string, error)

// TextExecutor delivers a plain text payload produced by a Generator.
type TextExecutor struct {
	generate Generator
}

// NewTextExecutor wraps a generator.
func NewTextExecutor(generate Generator) *TextExecutor {
	return &TextExecutor{generate: generate}
}

// Deliver implements Executor.
func (e *TextExecutor) Deliver(ctx context.Context, _, _ string, order paygate.WorkOrder) (paygate.DeliveryResult, error) {
	text, err := e.generate(ctx, order.Payload)
	if err != nil {
		return paygate.DeliveryResult{
			Success: false,
			Err:     "could not produce your reply, please resend your request",
		}, err
	}
	return paygate.DeliveryResult{Success: true, Payload: text}, nil
}

var _ Executor = (*TextExecutor)(nil)
