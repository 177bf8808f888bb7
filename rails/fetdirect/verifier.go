// Package fetdirect verifies direct on-chain token transfers. The payer
// commits a transaction hash; the verifier fetches the receipt from the
// chain and checks the token transfer event itself - the commit message
// is never trusted.
package fetdirect

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	paygate "github.com/agentpay/paygate"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainBackend is the slice of the RPC client the verifier needs.
// *ethclient.Client satisfies it.
type ChainBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ ChainBackend = (*ethclient.Client)(nil)

// Config configures the on-chain verifier.
type Config struct {
	// TokenAddress is the token contract whose transfer events count.
	TokenAddress common.Address
}

// Verifier checks direct token transfers against chain state.
type Verifier struct {
	backend ChainBackend
	cfg     Config
	log     *logrus.Entry
}

// New creates a verifier over an existing chain backend.
func New(backend ChainBackend, cfg Config, log *logrus.Entry) *Verifier {
	return &Verifier{
		backend: backend,
		cfg:     cfg,
		log:     log.WithField("rail", paygate.MethodFetDirect),
	}
}

// Method implements paygate.Verifier.
func (v *Verifier) Method() string { return paygate.MethodFetDirect }

// Verify implements paygate.Verifier. It fails closed on every anomaly:
// transaction missing, reverted, wrong recipient, wrong author, or an
// amount below the expected value.
func (v *Verifier) Verify(ctx context.Context, claim paygate.CommitClaim) (paygate.VerificationResult, error) {
	buyer := claim.Metadata["buyer_wallet"]
	if buyer == "" {
		return notVerified("commit is missing the buyer wallet"), nil
	}
	if !strings.HasPrefix(claim.TransactionID, "0x") || len(claim.TransactionID) != 66 {
		return notVerified("transaction id is not a valid hash"), nil
	}
	if !common.IsHexAddress(claim.Recipient) || !common.IsHexAddress(buyer) {
		return notVerified("recipient or buyer wallet is not a valid address"), nil
	}

	decimals, err := paygate.CurrencyDecimals(claim.ExpectedCurrency)
	if err != nil {
		return notVerified("unsupported currency"), err
	}
	expected, err := paygate.ParseBaseUnits(claim.ExpectedAmount, decimals)
	if err != nil {
		return notVerified("expected amount is not parseable"), err
	}

	receipt, err := v.backend.TransactionReceipt(ctx, common.HexToHash(claim.TransactionID))
	if err != nil {
		return notVerified("transaction not found, please retry"), fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return notVerified("transaction did not succeed"), nil
	}

	recipient := common.HexToAddress(claim.Recipient)
	buyerAddr := common.HexToAddress(buyer)

	underpaid := false
	for _, entry := range receipt.Logs {
		if entry.Address != v.cfg.TokenAddress || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		from := common.BytesToAddress(entry.Topics[1].Bytes())
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		amount := new(big.Int).SetBytes(entry.Data)

		if to != recipient {
			continue
		}
		if from != buyerAddr {
			// Someone else's transfer to us; an attacker must not be
			// able to reuse it.
			v.log.WithField("tx", claim.TransactionID).Warn("transfer author mismatch")
			continue
		}
		if amount.Cmp(expected) < 0 {
			// A transaction may split the payment across several
			// transfer events; keep scanning for one that covers it.
			underpaid = true
			continue
		}
		return paygate.VerificationResult{Verified: true, AmountConfirmed: claim.ExpectedAmount}, nil
	}

	if underpaid {
		return notVerified("transferred amount is below the requested price"), nil
	}
	return notVerified("no matching transfer to the payment recipient"), nil
}

func notVerified(reason string) paygate.VerificationResult {
	return paygate.VerificationResult{Verified: false, Reason: reason}
}

var _ paygate.Verifier = (*Verifier)(nil)
