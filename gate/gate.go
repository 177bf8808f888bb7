// Package gate implements the seller-side payment state machine: request
// payment, verify a commitment exactly once, and trigger delivery with a
// bounded free-retry allowance. Sessions move strictly
// IDLE -> AWAITING_PAYMENT -> PAID_AWAITING_DELIVERY -> DELIVERED; a
// verified payment that fails to produce output is never charged twice.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	paygate "github.com/agentpay/paygate"
	"github.com/agentpay/paygate/deliver"
	"github.com/agentpay/paygate/session"
)

// User-facing texts. Short and actionable; provider error bodies never
// leak through here.
const (
	textNoIntent       = "Tell me what you'd like and I'll send a payment request."
	textRetryDelivery  = "Your payment is confirmed but delivery failed. Resend your input and I'll try again at no extra charge."
	textFinalApology   = "I'm sorry - delivery failed and the retry allowance is used up. Please contact support with your transaction id."
	textPaymentPending = "A payment request is already outstanding for this session."
	textRejectAck      = "You rejected the payment. If you'd like to continue, reply and I'll send a new payment request."
)

// Config carries the seller-side constants of the gate.
type Config struct {
	// Recipient is the wallet or account payments must land in.
	Recipient string
	// DeadlineSeconds is the validity window of each payment request.
	DeadlineSeconds int
	// RetryBudget is how many free delivery retries a verified payment
	// buys on top of the first attempt.
	RetryBudget int
	// RequestMetadata is passed through on every payment request
	// (provider wallet, gateway service id and the like).
	RequestMetadata map[string]string
}

// Gate orchestrates the payment lifecycle for every session. All mutation
// of a session's state happens under that session's lock; unrelated
// sessions proceed concurrently.
type Gate struct {
	cfg      Config
	store    session.Store
	registry *paygate.VerifierRegistry
	outbox   paygate.Outbox
	executor deliver.Executor
	pricer   paygate.Pricer
	planner  Planner
	locks    keyedLocks
	dedup    *DedupCache
	log      *logrus.Entry
	now      func() time.Time
}

// New wires a gate. All collaborators are required.
func New(
	cfg Config,
	store session.Store,
	registry *paygate.VerifierRegistry,
	outbox paygate.Outbox,
	executor deliver.Executor,
	pricer paygate.Pricer,
	planner Planner,
	dedup *DedupCache,
	log *logrus.Entry,
) *Gate {
	return &Gate{
		cfg:      cfg,
		store:    store,
		registry: registry,
		outbox:   outbox,
		executor: executor,
		pricer:   pricer,
		planner:  planner,
		dedup:    dedup,
		log:      log.WithField("component", "gate"),
		now:      time.Now,
	}
}

// HandleChat processes one inbound chat message for its session.
func (g *Gate) HandleChat(ctx context.Context, msg paygate.ChatMessage) error {
	if err := paygate.ValidateChatMessage(msg); err != nil {
		return err
	}
	if g.dedup != nil && g.dedup.Seen(msg.SenderID, msg.MsgID, msg.Text) {
		g.log.WithFields(logrus.Fields{"sender": msg.SenderID, "msg_id": msg.MsgID}).
			Debug("duplicate chat message dropped")
		return nil
	}

	key := session.Key{Sender: msg.SenderID, SessionID: msg.SessionID}
	mu := g.locks.lock(key.String())
	defer mu.Unlock()

	state, err := g.loadOrCreate(ctx, key)
	if err != nil {
		return err
	}

	// A finished session starts over on new intent; consumed transaction
	// ids are kept so a replayed commit can never deliver again.
	if state.Phase == session.PhaseDelivered {
		state.Phase = session.PhaseIdle
		state.WorkOrder = nil
		state.PendingRequest = nil
		state.RetryBudget = g.cfg.RetryBudget
	}

	switch state.Phase {
	case session.PhaseIdle:
		return g.startPaymentCycle(ctx, state, msg)

	case session.PhaseAwaitingPayment:
		return g.handleChatWhileAwaiting(ctx, state, msg)

	case session.PhasePaidAwaitingDelivery:
		// The user is resending input after a failed delivery. The
		// payment stays consumed; no new charge is created.
		if text := msg.Text; text != "" && state.WorkOrder != nil {
			state.WorkOrder.Payload = text
		}
		return g.attemptDelivery(ctx, state)

	default:
		return fmt.Errorf("session %s in unexpected phase %s", key, state.Phase)
	}
}

// HandleCommit processes a payment commitment for its session.
func (g *Gate) HandleCommit(ctx context.Context, sender, sessionID string, commit paygate.CommitPayment) error {
	if err := paygate.ValidateCommitPayment(commit); err != nil {
		return g.outbox.SendReject(ctx, sender, paygate.RejectPayment{Reason: err.Error()})
	}

	key := session.Key{Sender: sender, SessionID: sessionID}
	mu := g.locks.lock(key.String())
	defer mu.Unlock()

	log := g.log.WithFields(logrus.Fields{"session": key.String(), "tx": commit.TransactionID})

	state, err := g.store.Get(ctx, key)
	if err != nil {
		if err == session.ErrNotFound {
			return g.outbox.SendReject(ctx, sender, paygate.RejectPayment{Reason: paygate.ReasonNoPendingRequest})
		}
		// Store trouble: refuse to proceed rather than guess state.
		return fmt.Errorf("load session %s: %w", key, err)
	}

	// Replayed commit. Already-consumed transactions are a no-op once the
	// payment cycle moved on; while still awaiting payment (a key held
	// over from an earlier cycle of this session) they are rejected.
	if state.ConsumedTransaction(commit.TransactionID) {
		if state.Phase == session.PhaseAwaitingPayment {
			return g.outbox.SendReject(ctx, sender, paygate.RejectPayment{Reason: paygate.ReasonReplayedCommit})
		}
		log.Info("replayed commit ignored")
		return nil
	}

	if state.Phase != session.PhaseAwaitingPayment || state.PendingRequest == nil {
		return g.outbox.SendReject(ctx, sender, paygate.RejectPayment{Reason: paygate.ReasonNoPendingRequest})
	}

	// Expired requests are void regardless of rail-side validity.
	if state.RequestExpired(g.now()) {
		reference := state.PendingRequest.Reference
		state.Phase = session.PhaseIdle
		state.PendingRequest = nil
		if err := g.store.Put(ctx, state); err != nil {
			return fmt.Errorf("store session %s: %w", key, err)
		}
		if err := g.outbox.SendCancel(ctx, sender, paygate.CancelPayment{Reference: reference, Reason: paygate.ReasonRequestExpired}); err != nil {
			log.WithError(err).Warn("cancel notification failed")
		}
		return g.outbox.SendReject(ctx, sender, paygate.RejectPayment{Reason: paygate.ReasonRequestExpired})
	}

	if !state.PendingRequest.Accepts(commit.Funds) {
		return g.outbox.SendReject(ctx, sender, paygate.RejectPayment{Reason: paygate.ReasonUnsupportedFunds})
	}

	claim := paygate.CommitClaim{
		TransactionID:    commit.TransactionID,
		ExpectedAmount:   commit.Funds.Amount,
		ExpectedCurrency: commit.Funds.Currency,
		Recipient:        state.PendingRequest.Recipient,
		Metadata:         mergeMetadata(state.PendingRequest.Metadata, commit.Metadata),
	}

	// Blocking on the rail here is fine: this path is per-session
	// serialized and is not a hot path.
	result, err := g.registry.Verify(ctx, commit.Funds.PaymentMethod, claim)
	if err != nil {
		log.WithError(err).Warn("verification errored")
	}
	if !result.Verified {
		reason := result.Reason
		if reason == "" {
			reason = paygate.ReasonNotVerified
		}
		log.WithField("reason", reason).Info("payment rejected")
		// Work order survives the rejection; the user retries payment
		// without restating intent.
		return g.outbox.SendReject(ctx, sender, paygate.RejectPayment{Reason: reason})
	}

	state.ConsumeTransaction(commit.TransactionID)
	state.Phase = session.PhasePaidAwaitingDelivery
	// Persist before announcing success: a crash after this point resumes
	// into the paid phase instead of re-charging.
	if err := g.store.Put(ctx, state); err != nil {
		return fmt.Errorf("store session %s: %w", key, err)
	}
	if err := g.outbox.SendComplete(ctx, sender, paygate.CompletePayment{TransactionID: commit.TransactionID}); err != nil {
		log.WithError(err).Warn("complete notification failed")
	}
	log.WithField("amount", result.AmountConfirmed).Info("payment verified")

	return g.attemptDelivery(ctx, state)
}

// HandleReject handles the payer declining a payment request.
func (g *Gate) HandleReject(ctx context.Context, sender, sessionID string, _ paygate.RejectPayment) error {
	key := session.Key{Sender: sender, SessionID: sessionID}
	mu := g.locks.lock(key.String())
	defer mu.Unlock()

	state, err := g.store.Get(ctx, key)
	if err == nil && state.Phase == session.PhaseAwaitingPayment {
		state.Phase = session.PhaseIdle
		state.PendingRequest = nil
		if putErr := g.store.Put(ctx, state); putErr != nil {
			return fmt.Errorf("store session %s: %w", key, putErr)
		}
	}
	return g.outbox.SendText(ctx, sender, textRejectAck)
}

func (g *Gate) loadOrCreate(ctx context.Context, key session.Key) (*session.State, error) {
	state, err := g.store.Get(ctx, key)
	if err == session.ErrNotFound {
		return session.New(key, g.cfg.RetryBudget), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	return state, nil
}

func (g *Gate) startPaymentCycle(ctx context.Context, state *session.State, msg paygate.ChatMessage) error {
	order, err := g.planner.Plan(ctx, msg)
	if err != nil {
		return fmt.Errorf("plan intent: %w", err)
	}
	if order == nil {
		return g.outbox.SendText(ctx, msg.SenderID, textNoIntent)
	}

	accepted, description, err := g.pricer.Price(*order)
	if err != nil {
		return fmt.Errorf("price work order: %w", err)
	}

	request := paygate.PaymentRequest{
		AcceptedFunds:   accepted,
		Recipient:       g.cfg.Recipient,
		Reference:       uuid.NewString(),
		DeadlineSeconds: g.cfg.DeadlineSeconds,
		Description:     description,
		Metadata:        mergeMetadata(g.cfg.RequestMetadata, nil),
	}
	if err := paygate.ValidatePaymentRequest(request); err != nil {
		return fmt.Errorf("built invalid payment request: %w", err)
	}

	state.Phase = session.PhaseAwaitingPayment
	state.WorkOrder = order
	state.PendingRequest = &request
	state.RequestedAt = g.now()
	if err := g.store.Put(ctx, state); err != nil {
		return fmt.Errorf("store session %s: %w", state.Key, err)
	}

	g.log.WithFields(logrus.Fields{"session": state.Key.String(), "reference": request.Reference}).
		Info("payment requested")
	return g.outbox.SendPaymentRequest(ctx, msg.SenderID, request)
}

func (g *Gate) handleChatWhileAwaiting(ctx context.Context, state *session.State, msg paygate.ChatMessage) error {
	order, err := g.planner.Plan(ctx, msg)
	if err != nil {
		return fmt.Errorf("plan intent: %w", err)
	}

	// Same intent again is an idempotent nudge: re-send the identical
	// request instead of minting a new reference.
	if order == nil || (state.WorkOrder != nil && order.Kind == state.WorkOrder.Kind && order.Payload == state.WorkOrder.Payload) {
		if state.PendingRequest == nil {
			return g.outbox.SendText(ctx, msg.SenderID, textPaymentPending)
		}
		return g.outbox.SendPaymentRequest(ctx, msg.SenderID, *state.PendingRequest)
	}

	// Restated intent voids the outstanding request and starts a fresh
	// cycle; there is never more than one outstanding request.
	if state.PendingRequest != nil {
		cancel := paygate.CancelPayment{Reference: state.PendingRequest.Reference, Reason: "superseded by a new request"}
		if err := g.outbox.SendCancel(ctx, msg.SenderID, cancel); err != nil {
			g.log.WithError(err).Warn("cancel notification failed")
		}
	}
	state.Phase = session.PhaseIdle
	state.PendingRequest = nil
	state.WorkOrder = nil
	return g.startPaymentCycle(ctx, state, msg)
}

// attemptDelivery runs the executor for a paid session and settles the
// outcome: DELIVERED on success, a free retry or the final apology on
// failure. It never re-requests payment.
func (g *Gate) attemptDelivery(ctx context.Context, state *session.State) error {
	key := state.Key
	sender := key.Sender
	log := g.log.WithField("session", key.String())

	if state.WorkOrder == nil {
		log.Error("paid session has no work order")
		return g.outbox.SendText(ctx, sender, textRetryDelivery)
	}

	result, err := g.executor.Deliver(ctx, sender, key.SessionID, *state.WorkOrder)
	if err != nil {
		log.WithError(err).Warn("delivery attempt failed")
	}

	if result.Success {
		state.Phase = session.PhaseDelivered
		state.WorkOrder = nil
		state.PendingRequest = nil
		if err := g.store.Put(ctx, state); err != nil {
			return fmt.Errorf("store session %s: %w", key, err)
		}
		log.Info("delivered")
		if result.AssetURI != "" {
			return g.outbox.SendResource(ctx, sender, result.AssetURI, result.MimeType)
		}
		return g.outbox.SendText(ctx, sender, result.Payload)
	}

	if state.RetryBudget <= 0 {
		log.Error("delivery failed with no retry budget left")
		if err := g.store.Delete(ctx, key); err != nil {
			log.WithError(err).Warn("session teardown failed")
		}
		return g.outbox.SendText(ctx, sender, textFinalApology)
	}

	state.RetryBudget--
	if err := g.store.Put(ctx, state); err != nil {
		return fmt.Errorf("store session %s: %w", key, err)
	}
	log.WithField("retries_left", state.RetryBudget).Warn("delivery failed, free retry allowed")
	return g.outbox.SendText(ctx, sender, textRetryDelivery)
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
