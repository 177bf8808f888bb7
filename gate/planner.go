package gate

import (
	"context"
	"strings"

	paygate "github.com/agentpay/paygate"
)

// Planner turns an inbound chat message into a work order, or nil when the
// message does not express a priced intent. Deployments with intent
// classifiers implement this; the gate only cares about the result.
type Planner interface {
	Plan(ctx context.Context, msg paygate.ChatMessage) (*paygate.WorkOrder, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, msg paygate.ChatMessage) (*paygate.WorkOrder, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, msg paygate.ChatMessage) (*paygate.WorkOrder, error) {
	return f(ctx, msg)
}

// StaticPlanner treats every non-empty message as a work order of a fixed
// kind with the message text as payload. The single-purpose agents
// (one image per payment, one horoscope per payment) use this.
type StaticPlanner struct {
	Kind paygate.WorkOrderKind
}

// Plan implements Planner.
func (p StaticPlanner) Plan(_ context.Context, msg paygate.ChatMessage) (*paygate.WorkOrder, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil
	}
	return &paygate.WorkOrder{Kind: p.Kind, Payload: text}, nil
}

// FixedPricer always offers the same fund options regardless of the work
// order.
type FixedPricer struct {
	Accepted    []paygate.Funds
	Description string
}

// Price implements paygate.Pricer.
func (p FixedPricer) Price(paygate.WorkOrder) ([]paygate.Funds, string, error) {
	return p.Accepted, p.Description, nil
}
