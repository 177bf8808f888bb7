package paygate

// Payment method identifiers for the rails shipped with this module.
// New methods plug in by registering a Verifier for the method string;
// the gate itself never switches on these values.
const (
	MethodFetDirect      = "fet_direct"
	MethodSkyfire        = "skyfire"
	MethodStripeCheckout = "stripe"
)

// Funds is a single acceptable payment option: a currency, a decimal
// amount string, and the payment method used to move it.
type Funds struct {
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	PaymentMethod string `json:"payment_method"`
}

// Equal reports whether two funds tuples describe the same payment option.
func (f Funds) Equal(other Funds) bool {
	return f.Currency == other.Currency &&
		f.Amount == other.Amount &&
		f.PaymentMethod == other.PaymentMethod
}

// PaymentRequest asks a payer to settle one of the accepted fund options.
// Order of AcceptedFunds expresses seller preference.
type PaymentRequest struct {
	AcceptedFunds   []Funds           `json:"accepted_funds"`
	Recipient       string            `json:"recipient"`
	Reference       string            `json:"reference"`
	DeadlineSeconds int               `json:"deadline_seconds"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Accepts reports whether the given funds tuple is one of the options
// originally offered in this request.
func (r PaymentRequest) Accepts(funds Funds) bool {
	for _, accepted := range r.AcceptedFunds {
		if accepted.Equal(funds) {
			return true
		}
	}
	return false
}

// CommitPayment is the payer's claim that a payment was made. Nothing in
// it is trusted; the matching rail is always queried independently.
type CommitPayment struct {
	TransactionID string            `json:"transaction_id"`
	Funds         Funds             `json:"funds"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RejectPayment tells the payer a commitment was not accepted.
type RejectPayment struct {
	Reason string `json:"reason"`
}

// CompletePayment confirms a verified payment back to the payer.
type CompletePayment struct {
	TransactionID string `json:"transaction_id"`
}

// CancelPayment voids an outstanding payment request.
type CancelPayment struct {
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// VerificationResult is the internal outcome of a rail lookup.
type VerificationResult struct {
	Verified        bool   `json:"verified"`
	AmountConfirmed string `json:"amount_confirmed,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// WorkOrderKind enumerates the priced actions this module can deliver.
type WorkOrderKind string

const (
	WorkOrderImage WorkOrderKind = "image"
	WorkOrderText  WorkOrderKind = "text"
)

// WorkOrder is the payload to execute once payment clears. It is stored in
// session state when the user expresses intent and must survive exactly one
// payment cycle, including rejected commitments in between.
type WorkOrder struct {
	Kind     WorkOrderKind     `json:"kind"`
	Payload  string            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DeliveryResult is what an executor produced for a paid work order.
// Exactly one of Payload or AssetURI is set on success: Payload for plain
// text replies, AssetURI for binary assets parked in external storage.
type DeliveryResult struct {
	Success  bool   `json:"success"`
	Payload  string `json:"payload,omitempty"`
	AssetURI string `json:"asset_uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Err      string `json:"error,omitempty"`
}

// ChatMessage is the inbound transport message that drives the gate.
type ChatMessage struct {
	SenderID  string `json:"sender_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	MsgID     string `json:"msg_id"`
}
