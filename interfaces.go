package paygate

import "context"

// CommitClaim is everything a rail needs to independently confirm one
// payment: the claimed transaction, the amount the seller expects, and the
// merged metadata of the original request and the payer's commitment.
// Rails never see the payer's message beyond this.
type CommitClaim struct {
	TransactionID    string
	ExpectedAmount   string
	ExpectedCurrency string
	Recipient        string
	Metadata         map[string]string
}

// Verifier confirms with an external payment rail that a claimed payment,
// for at least the expected amount, reached the expected recipient.
//
// Implementations must fail closed: a transaction that cannot be found,
// did not succeed, or cannot be parsed yields Verified=false, not an
// optimistic result. Returned errors are for logging; callers treat any
// error as not verified.
type Verifier interface {
	// Method returns the payment method string this rail handles,
	// e.g. "fet_direct".
	Method() string

	Verify(ctx context.Context, claim CommitClaim) (VerificationResult, error)
}

// Pricer computes the accepted fund options and a human-readable
// description for a work order. Fixed-price deployments return a constant
// list; computed pricing (FX-converted totals and the like) lives entirely
// behind this interface.
type Pricer interface {
	Price(order WorkOrder) (accepted []Funds, description string, err error)
}

// Outbox is the gate's only way to talk back to a payer. Transports
// implement it; the gate never holds transport handles directly, and the
// session key is always passed explicitly.
type Outbox interface {
	SendPaymentRequest(ctx context.Context, recipient string, req PaymentRequest) error
	SendComplete(ctx context.Context, recipient string, msg CompletePayment) error
	SendReject(ctx context.Context, recipient string, msg RejectPayment) error
	SendCancel(ctx context.Context, recipient string, msg CancelPayment) error
	SendText(ctx context.Context, recipient string, text string) error
	SendResource(ctx context.Context, recipient string, uri string, mimeType string) error
}
