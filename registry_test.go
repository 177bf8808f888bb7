package paygate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubVerifier implements Verifier for registry tests.
type stubVerifier struct {
	method string
	result VerificationResult
	err    error
	calls  int
}

func (s *stubVerifier) Method() string { return s.method }

func (s *stubVerifier) Verify(_ context.Context, _ CommitClaim) (VerificationResult, error) {
	s.calls++
	return s.result, s.err
}

func TestRegistryVerify_RoutesByMethod(t *testing.T) {
	fet := &stubVerifier{method: MethodFetDirect, result: VerificationResult{Verified: true, AmountConfirmed: "0.1"}}
	sky := &stubVerifier{method: MethodSkyfire, result: VerificationResult{Verified: false, Reason: "charge failed"}}

	registry := NewVerifierRegistry().Register(fet).Register(sky)

	result, err := registry.Verify(context.Background(), MethodFetDirect, CommitClaim{TransactionID: "0xabc"})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, 1, fet.calls)
	assert.Equal(t, 0, sky.calls)
}

func TestRegistryVerify_UnknownMethod(t *testing.T) {
	registry := NewVerifierRegistry()

	result, err := registry.Verify(context.Background(), "carrier_pigeon", CommitClaim{})
	assert.ErrorIs(t, err, ErrNoVerifier)
	assert.False(t, result.Verified)
}

func TestRegistryVerify_RailErrorFailsClosed(t *testing.T) {
	boom := errors.New("rpc unreachable")
	// A misbehaving rail that errors while claiming success.
	rail := &stubVerifier{method: MethodFetDirect, result: VerificationResult{Verified: true}, err: boom}
	var failures []error
	registry := NewVerifierRegistry().
		Register(rail).
		OnVerifyFailure(func(fc VerifyFailureContext) { failures = append(failures, fc.Error) })

	result, err := registry.Verify(context.Background(), MethodFetDirect, CommitClaim{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, result.Verified)
	require.Len(t, failures, 1)
}

func TestRegistryVerify_BeforeHookAborts(t *testing.T) {
	rail := &stubVerifier{method: MethodSkyfire, result: VerificationResult{Verified: true}}
	registry := NewVerifierRegistry().
		Register(rail).
		OnBeforeVerify(func(VerifyContext) (*VerifyHookResult, error) {
			return &VerifyHookResult{Abort: true, Reason: "blocked"}, nil
		})

	result, err := registry.Verify(context.Background(), MethodSkyfire, CommitClaim{})
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "blocked", result.Reason)
	assert.Equal(t, 0, rail.calls, "rail must not be queried after abort")
}

func TestRegistryVerify_AfterHookSeesResult(t *testing.T) {
	rail := &stubVerifier{method: MethodSkyfire, result: VerificationResult{Verified: true, AmountConfirmed: "0.001"}}
	var seen []VerificationResult
	registry := NewVerifierRegistry().
		Register(rail).
		OnAfterVerify(func(_ VerifyContext, result VerificationResult) error {
			seen = append(seen, result)
			return nil
		})

	_, err := registry.Verify(context.Background(), MethodSkyfire, CommitClaim{})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "0.001", seen[0].AmountConfirmed)
}
