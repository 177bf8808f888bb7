// Package session holds per-conversation payment state. Each (sender,
// session id) pair owns exactly one State; unrelated conversations never
// share an entry. Stores are explicit repository objects constructed once
// per process, never package-level maps.
package session

import (
	"errors"
	"time"

	paygate "github.com/agentpay/paygate"
)

// Phase is where a session sits in the payment lifecycle. Phases advance
// strictly Idle -> AwaitingPayment -> PaidAwaitingDelivery -> Delivered;
// a failed verification keeps the session in AwaitingPayment.
type Phase string

const (
	PhaseIdle                 Phase = "IDLE"
	PhaseAwaitingPayment      Phase = "AWAITING_PAYMENT"
	PhasePaidAwaitingDelivery Phase = "PAID_AWAITING_DELIVERY"
	PhaseDelivered            Phase = "DELIVERED"
)

// Key addresses one conversation's state.
type Key struct {
	Sender    string `json:"sender"`
	SessionID string `json:"session_id"`
}

// String renders the key in the sender:session form used for storage.
func (k Key) String() string {
	return k.Sender + ":" + k.SessionID
}

// State is everything a session carries across one payment cycle.
type State struct {
	Key             Key                     `json:"key"`
	Phase           Phase                   `json:"phase"`
	PendingRequest  *paygate.PaymentRequest `json:"pending_request,omitempty"`
	RequestedAt     time.Time               `json:"requested_at,omitempty"`
	WorkOrder       *paygate.WorkOrder      `json:"work_order,omitempty"`
	RetryBudget     int                     `json:"retry_budget"`
	IdempotencyKeys map[string]struct{}     `json:"idempotency_keys,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// New returns a fresh idle state for the key.
func New(key Key, retryBudget int) *State {
	return &State{
		Key:             key,
		Phase:           PhaseIdle,
		RetryBudget:     retryBudget,
		IdempotencyKeys: make(map[string]struct{}),
		UpdatedAt:       time.Now(),
	}
}

// ConsumedTransaction reports whether the transaction id has already been
// accepted for this session.
func (s *State) ConsumedTransaction(txID string) bool {
	_, ok := s.IdempotencyKeys[txID]
	return ok
}

// ConsumeTransaction records a verified transaction id so replays can
// never double-deliver.
func (s *State) ConsumeTransaction(txID string) {
	if s.IdempotencyKeys == nil {
		s.IdempotencyKeys = make(map[string]struct{})
	}
	s.IdempotencyKeys[txID] = struct{}{}
}

// RequestExpired reports whether the pending payment request's deadline
// has passed as of now.
func (s *State) RequestExpired(now time.Time) bool {
	if s.PendingRequest == nil || s.RequestedAt.IsZero() {
		return false
	}
	deadline := s.RequestedAt.Add(time.Duration(s.PendingRequest.DeadlineSeconds) * time.Second)
	return now.After(deadline)
}

// ErrNotFound means no state exists for the key.
var ErrNotFound = errors.New("session state not found")

// ErrUnavailable means the backing store could not be reached. Callers
// must refuse to proceed with payment-gated actions rather than guess.
var ErrUnavailable = errors.New("session store unavailable")
