// Package skyfire verifies token-gateway payments. The payer commits a
// signed pay token; the verifier checks the signature against the
// gateway's published JWKS before asking the gateway to charge it. The
// charge response is the only proof of payment - a token that merely
// parses is worth nothing.
package skyfire

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	paygate "github.com/agentpay/paygate"
)

const (
	apiVersionHeader = "2"
	maxResponseBytes = 1 << 20
)

// Config configures the gateway verifier.
type Config struct {
	// JWKSURL is the gateway's published signing key set, usually
	// <app base>/.well-known/jwks.json.
	JWKSURL string
	// ChargeURL is the token charge endpoint, usually
	// <api base>/api/v1/tokens/charge.
	ChargeURL string
	// Issuer must match the token's iss claim.
	Issuer string
	// Audience is the seller account id the token must be addressed to.
	Audience string
	// ServiceID, when set, must match the token's ssi claim.
	ServiceID string
	// APIKey authenticates the seller to the charge endpoint.
	APIKey string
	// Timeout bounds each outbound HTTP call. Zero means 20s.
	Timeout time.Duration
}

// Verifier verifies and charges gateway pay tokens.
type Verifier struct {
	cfg    Config
	client *http.Client
	log    *logrus.Entry
}

// New creates a verifier. A nil client gets a default with the
// configured timeout.
func New(cfg Config, client *http.Client, log *logrus.Entry) *Verifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Verifier{
		cfg:    cfg,
		client: client,
		log:    log.WithField("rail", paygate.MethodSkyfire),
	}
}

// Method implements paygate.Verifier.
func (v *Verifier) Method() string { return paygate.MethodSkyfire }

// Verify implements paygate.Verifier. Signature verification happens
// strictly before the charge call so a forged token never reaches the
// gateway with our API key attached.
func (v *Verifier) Verify(ctx context.Context, claim paygate.CommitClaim) (paygate.VerificationResult, error) {
	token := claim.TransactionID
	if token == "" {
		return notVerified("commit is missing the pay token"), nil
	}
	if v.cfg.APIKey == "" {
		return notVerified("gateway rail is not configured"), fmt.Errorf("skyfire api key not set")
	}

	if result, err := v.verifySignature(ctx, token); !result.Verified {
		return result, err
	}

	charged, err := v.charge(ctx, token, claim)
	if err != nil {
		return notVerified("charge failed, payment not taken"), err
	}
	return charged, nil
}

// jwk is the subset of an EC JSON Web Key the verifier reads.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

func (v *Verifier) verifySignature(ctx context.Context, token string) (paygate.VerificationResult, error) {
	var fetchErr error
	keyfunc := func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		set, err := v.fetchJWKS(ctx)
		if err != nil {
			fetchErr = err
			return nil, err
		}
		for _, key := range set.Keys {
			if key.Kid == kid {
				return publicKey(key)
			}
		}
		return nil, fmt.Errorf("no signing key with kid %q", kid)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	parsed, err := jwt.Parse(token, keyfunc, opts...)
	if err != nil {
		if fetchErr != nil {
			// Could not reach the key set; the token itself is not
			// proven bad.
			return notVerified("could not fetch gateway signing keys"), fetchErr
		}
		v.log.WithError(err).Warn("pay token verification failed")
		return notVerified("pay token signature or claims invalid"), nil
	}

	if v.cfg.ServiceID != "" {
		claims, _ := parsed.Claims.(jwt.MapClaims)
		ssi, _ := claims["ssi"].(string)
		if ssi != v.cfg.ServiceID {
			v.log.WithField("ssi", ssi).Warn("pay token issued for another service")
			return notVerified("pay token is not issued for this service"), nil
		}
	}
	return paygate.VerificationResult{Verified: true}, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context) (*jwks, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	return &set, nil
}

// publicKey builds an ECDSA public key from an EC JWK.
func publicKey(key jwk) (*ecdsa.PublicKey, error) {
	if key.Kty != "EC" || key.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported jwk type %s/%s", key.Kty, key.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(key.X)
	if err != nil {
		return nil, fmt.Errorf("decode jwk x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(key.Y)
	if err != nil {
		return nil, fmt.Errorf("decode jwk y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

type chargeRequest struct {
	Token        string `json:"token"`
	ChargeAmount string `json:"chargeAmount"`
}

type chargeResponse struct {
	AmountCharged    string `json:"amountCharged"`
	RemainingBalance string `json:"remainingBalance"`
}

func (v *Verifier) charge(ctx context.Context, token string, claim paygate.CommitClaim) (paygate.VerificationResult, error) {
	body, err := json.Marshal(chargeRequest{Token: token, ChargeAmount: claim.ExpectedAmount})
	if err != nil {
		return notVerified(""), fmt.Errorf("encode charge request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.ChargeURL, bytes.NewReader(body))
	if err != nil {
		return notVerified(""), fmt.Errorf("build charge request: %w", err)
	}
	req.Header.Set("skyfire-api-key", v.cfg.APIKey)
	req.Header.Set("skyfire-api-version", apiVersionHeader)
	req.Header.Set("content-type", "application/json")

	idempotencyKey := claim.Metadata["idempotency_key"]
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	req.Header.Set("x-idempotency-key", idempotencyKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return notVerified(""), fmt.Errorf("charge token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return notVerified(""), fmt.Errorf("read charge response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		v.log.WithField("status", resp.StatusCode).Warn("gateway refused charge")
		return notVerified(""), fmt.Errorf("charge token: status %d", resp.StatusCode)
	}

	var result chargeResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return notVerified(""), fmt.Errorf("decode charge response: %w", err)
	}
	if result.AmountCharged == "" {
		// A 2xx without an amount is not proof of payment.
		return notVerified(""), fmt.Errorf("charge response missing amountCharged")
	}

	v.log.WithFields(logrus.Fields{
		"amount_charged": result.AmountCharged,
	}).Info("pay token charged")
	return paygate.VerificationResult{Verified: true, AmountConfirmed: result.AmountCharged}, nil
}

func notVerified(reason string) paygate.VerificationResult {
	return paygate.VerificationResult{Verified: false, Reason: reason}
}

var _ paygate.Verifier = (*Verifier)(nil)
