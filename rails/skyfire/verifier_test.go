package skyfire

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygate "github.com/agentpay/paygate"
)

const (
	testIssuer    = "https://gateway.test"
	testAudience  = "seller-account"
	testServiceID = "svc-images"
	testKid       = "key-1"
)

type railServers struct {
	signer  *ecdsa.PrivateKey
	jwks    *httptest.Server
	charge  *httptest.Server
	charges []chargeRequest
}

func newRailServers(t *testing.T, chargeHandler http.HandlerFunc) *railServers {
	t.Helper()
	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	rs := &railServers{signer: signer}

	rs.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub := signer.PublicKey
		json.NewEncoder(w).Encode(jwks{Keys: []jwk{{
			Kty: "EC",
			Crv: "P-256",
			Kid: testKid,
			X:   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
			Y:   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
		}}})
	}))
	t.Cleanup(rs.jwks.Close)

	if chargeHandler == nil {
		chargeHandler = func(w http.ResponseWriter, r *http.Request) {
			var req chargeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			rs.charges = append(rs.charges, req)
			json.NewEncoder(w).Encode(chargeResponse{
				AmountCharged:    req.ChargeAmount,
				RemainingBalance: "99.0",
			})
		}
	}
	rs.charge = httptest.NewServer(chargeHandler)
	t.Cleanup(rs.charge.Close)
	return rs
}

func (rs *railServers) verifier(t *testing.T) *Verifier {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(Config{
		JWKSURL:   rs.jwks.URL,
		ChargeURL: rs.charge.URL,
		Issuer:    testIssuer,
		Audience:  testAudience,
		ServiceID: testServiceID,
		APIKey:    "sk-test",
	}, nil, logrus.NewEntry(log))
}

func (rs *railServers) token(t *testing.T, mutate func(jwt.MapClaims, *jwt.Token)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"ssi": testServiceID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = testKid
	if mutate != nil {
		mutate(claims, tok)
	}
	signed, err := tok.SignedString(rs.signer)
	require.NoError(t, err)
	return signed
}

func claimFor(token string) paygate.CommitClaim {
	return paygate.CommitClaim{
		TransactionID:    token,
		ExpectedAmount:   "0.001",
		ExpectedCurrency: "USDC",
	}
}

func TestVerify_ChargesValidToken(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)

	result, err := v.Verify(context.Background(), claimFor(rs.token(t, nil)))
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "0.001", result.AmountConfirmed)
	require.Len(t, rs.charges, 1)
	assert.Equal(t, "0.001", rs.charges[0].ChargeAmount)
}

func TestVerify_ForgedSignatureNeverCharged(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)

	// Signed by a key the JWKS does not publish under this kid.
	stranger, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"ssi": testServiceID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = testKid
	forged, err := tok.SignedString(stranger)
	require.NoError(t, err)

	result, verr := v.Verify(context.Background(), claimFor(forged))
	require.NoError(t, verr)
	assert.False(t, result.Verified)
	assert.Empty(t, rs.charges, "charge endpoint must not see a forged token")
}

func TestVerify_WrongIssuerRejected(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)

	token := rs.token(t, func(c jwt.MapClaims, _ *jwt.Token) { c["iss"] = "https://evil.test" })
	result, err := v.Verify(context.Background(), claimFor(token))
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Empty(t, rs.charges)
}

func TestVerify_WrongAudienceRejected(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)

	token := rs.token(t, func(c jwt.MapClaims, _ *jwt.Token) { c["aud"] = "someone-else" })
	result, err := v.Verify(context.Background(), claimFor(token))
	require.NoError(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_WrongServiceIDRejected(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)

	token := rs.token(t, func(c jwt.MapClaims, _ *jwt.Token) { c["ssi"] = "svc-other" })
	result, err := v.Verify(context.Background(), claimFor(token))
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Empty(t, rs.charges)
}

func TestVerify_ExpiredTokenRejected(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)

	token := rs.token(t, func(c jwt.MapClaims, _ *jwt.Token) {
		c["exp"] = time.Now().Add(-time.Hour).Unix()
	})
	result, err := v.Verify(context.Background(), claimFor(token))
	require.NoError(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_MissingKidRejected(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)

	token := rs.token(t, func(_ jwt.MapClaims, tok *jwt.Token) { delete(tok.Header, "kid") })
	result, err := v.Verify(context.Background(), claimFor(token))
	require.NoError(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_ChargeRefusalIsHardFailure(t *testing.T) {
	rs := newRailServers(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"insufficient balance"}`, http.StatusPaymentRequired)
	})
	v := rs.verifier(t)

	result, err := v.Verify(context.Background(), claimFor(rs.token(t, nil)))
	require.Error(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_ChargeWithoutAmountIsHardFailure(t *testing.T) {
	rs := newRailServers(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	v := rs.verifier(t)

	result, err := v.Verify(context.Background(), claimFor(rs.token(t, nil)))
	require.Error(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_JWKSOutageFailsClosed(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)
	rs.jwks.Close()

	result, err := v.Verify(context.Background(), claimFor(rs.token(t, nil)))
	require.Error(t, err)
	assert.False(t, result.Verified)
	assert.Empty(t, rs.charges)
}

func TestVerify_ChargeCarriesSellerHeaders(t *testing.T) {
	var gotKey, gotVersion, gotIdem string
	rs := newRailServers(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("skyfire-api-key")
		gotVersion = r.Header.Get("skyfire-api-version")
		gotIdem = r.Header.Get("x-idempotency-key")
		json.NewEncoder(w).Encode(chargeResponse{AmountCharged: "0.001"})
	})
	v := rs.verifier(t)

	claim := claimFor(rs.token(t, nil))
	claim.Metadata = map[string]string{"idempotency_key": "idem-42"}
	result, err := v.Verify(context.Background(), claim)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "sk-test", gotKey)
	assert.Equal(t, "2", gotVersion)
	assert.Equal(t, "idem-42", gotIdem)
}

func TestVerify_EmptyTokenRejectedLocally(t *testing.T) {
	rs := newRailServers(t, nil)
	v := rs.verifier(t)

	result, err := v.Verify(context.Background(), claimFor(""))
	require.NoError(t, err)
	assert.False(t, result.Verified)
}
