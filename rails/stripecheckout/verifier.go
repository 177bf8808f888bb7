// Package stripecheckout verifies hosted checkout payments. The payer
// commits a checkout session id; the verifier retrieves the session
// from the provider and trusts only its payment_status field. A
// client-supplied "paid" flag is never believed.
package stripecheckout

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	paygate "github.com/agentpay/paygate"
)

const (
	minExpiry = 30 * time.Minute
	maxExpiry = 24 * time.Hour
)

// Config configures the hosted checkout rail.
type Config struct {
	// APIKey is the seller's secret key.
	APIKey string
	// BackendURL overrides the provider API host. Leave empty in
	// production; tests point it at a local server.
	BackendURL string
	// ProductName labels the line item on the checkout page.
	ProductName string
	// ReturnURL is where the buyer lands after checkout.
	ReturnURL string
	// Expiry is how long a created session stays payable. The provider
	// clamps it to [30m, 24h]; out-of-range values are clamped here.
	Expiry time.Duration
}

// Verifier retrieves and creates checkout sessions.
type Verifier struct {
	api *client.API
	cfg Config
	log *logrus.Entry
	now func() time.Time
}

// New creates a verifier backed by the provider's REST API.
func New(cfg Config, log *logrus.Entry) *Verifier {
	api := &client.API{}
	if cfg.BackendURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL: stripe.String(cfg.BackendURL),
		})
		api.Init(cfg.APIKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	} else {
		api.Init(cfg.APIKey, nil)
	}
	return &Verifier{
		api: api,
		cfg: cfg,
		log: log.WithField("rail", paygate.MethodStripeCheckout),
		now: time.Now,
	}
}

// Method implements paygate.Verifier.
func (v *Verifier) Method() string { return paygate.MethodStripeCheckout }

// Verify implements paygate.Verifier.
func (v *Verifier) Verify(ctx context.Context, claim paygate.CommitClaim) (paygate.VerificationResult, error) {
	if claim.TransactionID == "" {
		return notVerified("commit is missing the checkout session id"), nil
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := v.api.CheckoutSessions.Get(claim.TransactionID, params)
	if err != nil {
		return notVerified("checkout session not found"), fmt.Errorf("retrieve checkout session: %w", err)
	}

	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		v.log.WithFields(logrus.Fields{
			"session": sess.ID,
			"status":  sess.PaymentStatus,
		}).Warn("checkout session not paid")
		return notVerified("checkout session is not paid"), nil
	}

	expected, err := expectedMinorUnits(claim)
	if err != nil {
		return notVerified("expected amount is not parseable"), err
	}
	if !strings.EqualFold(string(sess.Currency), claim.ExpectedCurrency) {
		return notVerified("checkout session currency does not match"), nil
	}
	if big.NewInt(sess.AmountTotal).Cmp(expected) < 0 {
		return notVerified("checkout session amount is below the requested price"), nil
	}

	return paygate.VerificationResult{Verified: true, AmountConfirmed: claim.ExpectedAmount}, nil
}

// Session is the slice of a created checkout session the gate needs to
// hand to the buyer.
type Session struct {
	ID           string
	ClientSecret string
	ExpiresAt    time.Time
}

// CreateSessionParams describes the checkout session to create.
type CreateSessionParams struct {
	// Amount and Currency price the single line item, e.g. "0.50" USD.
	Amount   string
	Currency string
	// Description appears on the checkout page.
	Description string
	// UserAddress and ChatSessionID are carried in session metadata so
	// the completed payment can be correlated back to the conversation.
	UserAddress   string
	ChatSessionID string
}

// CreateSession opens an embedded checkout session the buyer can pay.
func (v *Verifier) CreateSession(ctx context.Context, p CreateSessionParams) (*Session, error) {
	decimals, err := paygate.CurrencyDecimals(p.Currency)
	if err != nil {
		return nil, err
	}
	unitAmount, err := paygate.ParseBaseUnits(p.Amount, decimals)
	if err != nil {
		return nil, err
	}
	if !unitAmount.IsInt64() {
		return nil, fmt.Errorf("amount %s out of range", p.Amount)
	}

	expiry := v.cfg.Expiry
	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}
	expiresAt := v.now().Add(expiry)

	params := &stripe.CheckoutSessionParams{
		UIMode:               stripe.String(string(stripe.CheckoutSessionUIModeEmbedded)),
		RedirectOnCompletion: stripe.String("if_required"),
		Mode:                 stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes:   stripe.StringSlice([]string{"card"}),
		ReturnURL:            stripe.String(v.cfg.ReturnURL),
		ExpiresAt:            stripe.Int64(expiresAt.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(strings.ToLower(p.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(v.cfg.ProductName),
					Description: stripe.String(p.Description),
				},
				UnitAmount: stripe.Int64(unitAmount.Int64()),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata("user_address", p.UserAddress)
	params.AddMetadata("session_id", p.ChatSessionID)

	sess, err := v.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	v.log.WithField("session", sess.ID).Info("checkout session created")
	return &Session{ID: sess.ID, ClientSecret: sess.ClientSecret, ExpiresAt: expiresAt}, nil
}

func expectedMinorUnits(claim paygate.CommitClaim) (*big.Int, error) {
	decimals, err := paygate.CurrencyDecimals(claim.ExpectedCurrency)
	if err != nil {
		return nil, err
	}
	return paygate.ParseBaseUnits(claim.ExpectedAmount, decimals)
}

func notVerified(reason string) paygate.VerificationResult {
	return paygate.VerificationResult{Verified: false, Reason: reason}
}

var _ paygate.Verifier = (*Verifier)(nil)
