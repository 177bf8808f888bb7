package fetdirect

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygate "github.com/agentpay/paygate"
)

var (
	tokenAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	sellerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	buyerAddr  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	otherAddr  = common.HexToAddress("0x4444444444444444444444444444444444444444")

	txHash = "0x" + strings.Repeat("aa", 32)
)

// fakeBackend returns a scripted receipt.
type fakeBackend struct {
	receipt *types.Receipt
	err     error
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, f.err
}

// transferLog builds an ERC-20 style Transfer event log entry.
func transferLog(token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: amount.FillBytes(make([]byte, 32)),
	}
}

func fetBase(amount string) *big.Int {
	v, err := paygate.ParseBaseUnits(amount, 18)
	if err != nil {
		panic(err)
	}
	return v
}

func newVerifier(backend ChainBackend) *Verifier {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(backend, Config{TokenAddress: tokenAddr}, logrus.NewEntry(log))
}

func claimFor(amount string) paygate.CommitClaim {
	return paygate.CommitClaim{
		TransactionID:    txHash,
		ExpectedAmount:   amount,
		ExpectedCurrency: "FET",
		Recipient:        sellerAddr.Hex(),
		Metadata:         map[string]string{"buyer_wallet": buyerAddr.Hex()},
	}
}

func TestVerify_ConfirmsExactTransfer(t *testing.T) {
	backend := &fakeBackend{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{transferLog(tokenAddr, buyerAddr, sellerAddr, fetBase("0.1"))},
	}}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "0.1", result.AmountConfirmed)
}

func TestVerify_OverpaymentCounts(t *testing.T) {
	backend := &fakeBackend{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{transferLog(tokenAddr, buyerAddr, sellerAddr, fetBase("0.5"))},
	}}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestVerify_SplitTransferLaterLogCounts(t *testing.T) {
	// An underpaying transfer earlier in the receipt must not mask a
	// later one that covers the price.
	backend := &fakeBackend{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			transferLog(tokenAddr, buyerAddr, sellerAddr, fetBase("0.02")),
			transferLog(tokenAddr, buyerAddr, sellerAddr, fetBase("0.1")),
		},
	}}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestVerify_InsufficientAmount(t *testing.T) {
	backend := &fakeBackend{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{transferLog(tokenAddr, buyerAddr, sellerAddr, fetBase("0.05"))},
	}}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.Reason, "below")
}

func TestVerify_WrongRecipient(t *testing.T) {
	backend := &fakeBackend{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{transferLog(tokenAddr, buyerAddr, otherAddr, fetBase("0.1"))},
	}}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.NoError(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_ForeignTransactionRejected(t *testing.T) {
	// Correct recipient and amount, but authored by someone other than
	// the declared buyer: reusing another party's transaction id must
	// not verify.
	backend := &fakeBackend{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{transferLog(tokenAddr, otherAddr, sellerAddr, fetBase("0.1"))},
	}}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.NoError(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_WrongTokenContract(t *testing.T) {
	backend := &fakeBackend{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{transferLog(otherAddr, buyerAddr, sellerAddr, fetBase("0.1"))},
	}}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.NoError(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_RevertedTransaction(t *testing.T) {
	backend := &fakeBackend{receipt: &types.Receipt{
		Status: types.ReceiptStatusFailed,
		Logs:   []*types.Log{transferLog(tokenAddr, buyerAddr, sellerAddr, fetBase("0.1"))},
	}}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.NoError(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_ReceiptLookupFailureFailsClosed(t *testing.T) {
	backend := &fakeBackend{err: errors.New("not found")}

	result, err := newVerifier(backend).Verify(context.Background(), claimFor("0.1"))
	require.Error(t, err)
	assert.False(t, result.Verified)
}

func TestVerify_MalformedClaims(t *testing.T) {
	backend := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	verifier := newVerifier(backend)
	ctx := context.Background()

	missingBuyer := claimFor("0.1")
	missingBuyer.Metadata = nil
	result, err := verifier.Verify(ctx, missingBuyer)
	require.NoError(t, err)
	assert.False(t, result.Verified)

	badTx := claimFor("0.1")
	badTx.TransactionID = "not-a-hash"
	result, err = verifier.Verify(ctx, badTx)
	require.NoError(t, err)
	assert.False(t, result.Verified)

	badAmount := claimFor("lots")
	result, err = verifier.Verify(ctx, badAmount)
	require.Error(t, err)
	assert.False(t, result.Verified)
}
