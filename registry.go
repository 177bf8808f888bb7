package paygate

import (
	"context"
	"fmt"
	"sync"
)

// VerifyContext is passed to registry lifecycle hooks.
type VerifyContext struct {
	Ctx    context.Context
	Method string
	Claim  CommitClaim
}

// VerifyHookResult lets a before-verify hook short-circuit verification.
type VerifyHookResult struct {
	Abort  bool
	Reason string
}

// VerifyFailureContext is passed to failure hooks when a rail errors.
type VerifyFailureContext struct {
	VerifyContext
	Error error
}

type (
	// BeforeVerifyHook runs before the rail is queried. Returning a result
	// with Abort set rejects the commitment without touching the rail.
	BeforeVerifyHook func(VerifyContext) (*VerifyHookResult, error)

	// AfterVerifyHook runs after a successful rail query. Errors are
	// logged by the caller but never fail the verification.
	AfterVerifyHook func(VerifyContext, VerificationResult) error

	// VerifyFailureHook runs when the rail itself errored.
	VerifyFailureHook func(VerifyFailureContext)
)

// VerifierRegistry routes commit claims to the rail registered for their
// payment method. Registration is expected at startup; Verify may be
// called concurrently afterwards.
type VerifierRegistry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier

	beforeVerifyHooks  []BeforeVerifyHook
	afterVerifyHooks   []AfterVerifyHook
	verifyFailureHooks []VerifyFailureHook
}

// NewVerifierRegistry returns an empty registry.
func NewVerifierRegistry() *VerifierRegistry {
	return &VerifierRegistry{verifiers: make(map[string]Verifier)}
}

// Register adds a rail for its payment method, replacing any previous
// registration for the same method.
func (r *VerifierRegistry) Register(v Verifier) *VerifierRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[v.Method()] = v
	return r
}

// OnBeforeVerify registers a hook that runs before every rail query.
func (r *VerifierRegistry) OnBeforeVerify(hook BeforeVerifyHook) *VerifierRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeVerifyHooks = append(r.beforeVerifyHooks, hook)
	return r
}

// OnAfterVerify registers a hook that runs after every successful rail query.
func (r *VerifierRegistry) OnAfterVerify(hook AfterVerifyHook) *VerifierRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterVerifyHooks = append(r.afterVerifyHooks, hook)
	return r
}

// OnVerifyFailure registers a hook that runs when a rail returns an error.
func (r *VerifierRegistry) OnVerifyFailure(hook VerifyFailureHook) *VerifierRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyFailureHooks = append(r.verifyFailureHooks, hook)
	return r
}

// Supported returns the registered payment method strings.
func (r *VerifierRegistry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.verifiers))
	for method := range r.verifiers {
		methods = append(methods, method)
	}
	return methods
}

// Verify routes a claim to the rail registered for the method and runs the
// lifecycle hooks around it. Rail errors surface as a not-verified result
// plus the error; nothing escapes as a panic.
func (r *VerifierRegistry) Verify(ctx context.Context, method string, claim CommitClaim) (VerificationResult, error) {
	r.mu.RLock()
	verifier := r.verifiers[method]
	before := r.beforeVerifyHooks
	after := r.afterVerifyHooks
	onFailure := r.verifyFailureHooks
	r.mu.RUnlock()

	if verifier == nil {
		return VerificationResult{Verified: false, Reason: ReasonUnsupportedFunds},
			fmt.Errorf("%w: %s", ErrNoVerifier, method)
	}

	hookCtx := VerifyContext{Ctx: ctx, Method: method, Claim: claim}
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			return VerificationResult{Verified: false, Reason: ReasonNotVerified}, err
		}
		if result != nil && result.Abort {
			return VerificationResult{Verified: false, Reason: result.Reason}, nil
		}
	}

	result, err := verifier.Verify(ctx, claim)
	if err != nil {
		for _, hook := range onFailure {
			hook(VerifyFailureContext{VerifyContext: hookCtx, Error: err})
		}
		// Fail closed regardless of what the rail put in the result.
		return VerificationResult{Verified: false, Reason: ReasonNotVerified}, err
	}

	for _, hook := range after {
		_ = hook(hookCtx, result)
	}
	return result, nil
}
