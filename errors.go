package paygate

import "errors"

// Rejection reason constants sent back to payers. Kept short and stable so
// payer-side tooling can match on them without parsing prose.
const (
	ReasonUnsupportedFunds = "funds do not match any accepted payment option"
	ReasonReplayedCommit   = "transaction id was already used for this session"
	ReasonRequestExpired   = "payment request has expired, please start over"
	ReasonNoPendingRequest = "no payment is currently expected for this session"
	ReasonNotVerified      = "payment could not be verified, please retry"
)

var (
	// ErrNoVerifier means no rail is registered for the commit's payment method.
	ErrNoVerifier = errors.New("no verifier registered for payment method")

	// ErrAmountUnparseable means a decimal amount string could not be
	// converted to base units. Treated as verification failure by callers.
	ErrAmountUnparseable = errors.New("amount is not a valid decimal string")

	// ErrUnknownCurrency means no base-unit decimals are configured for
	// the currency.
	ErrUnknownCurrency = errors.New("unknown currency")
)
