// Package deliver performs the paid action for a verified payment and
// produces a user-facing result. The gate enforces at-most-once invocation
// per verified transaction; executors here additionally guard inherently
// non-idempotent actions with their own execution markers so a
// crash-and-resume never repeats an expensive call.
package deliver

import (
	"context"
	"fmt"

	paygate "github.com/agentpay/paygate"
)

// Executor performs one work order. A failed delivery is reported through
// Result.Success=false with a human-readable Err; returned errors are
// reserved for infrastructure faults the caller should log.
type Executor interface {
	Deliver(ctx context.Context, sender, sessionID string, order paygate.WorkOrder) (paygate.DeliveryResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, sender, sessionID string, order paygate.WorkOrder) (paygate.DeliveryResult, error)

// Deliver implements Executor.
func (f ExecutorFunc) Deliver(ctx context.Context, sender, sessionID string, order paygate.WorkOrder) (paygate.DeliveryResult, error) {
	return f(ctx, sender, sessionID, order)
}

// Router dispatches work orders to the executor registered for their kind.
// The kind set is closed: an unregistered kind is a permanent failure, not
// a retryable one.
type Router struct {
	executors map[paygate.WorkOrderKind]Executor
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{executors: make(map[paygate.WorkOrderKind]Executor)}
}

// Register adds an executor for a work order kind.
func (r *Router) Register(kind paygate.WorkOrderKind, executor Executor) *Router {
	r.executors[kind] = executor
	return r
}

// Deliver implements Executor.
func (r *Router) Deliver(ctx context.Context, sender, sessionID string, order paygate.WorkOrder) (paygate.DeliveryResult, error) {
	executor, ok := r.executors[order.Kind]
	if !ok {
		return paygate.DeliveryResult{
			Success: false,
			Err:     fmt.Sprintf("no executor for work order kind %q", order.Kind),
		}, fmt.Errorf("unknown work order kind: %s", order.Kind)
	}
	return executor.Deliver(ctx, sender, sessionID, order)
}

var _ Executor = (*Router)(nil)
