package paygate

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBaseUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{name: "whole fet", amount: "1", decimals: 18, want: "1000000000000000000"},
		{name: "tenth of fet", amount: "0.1", decimals: 18, want: "100000000000000000"},
		{name: "usdc milli", amount: "0.001", decimals: 6, want: "1000"},
		{name: "usd cents", amount: "4.99", decimals: 2, want: "499"},
		{name: "bare fraction", amount: ".5", decimals: 2, want: "50"},
		{name: "whitespace", amount: " 2 ", decimals: 2, want: "200"},
		{name: "empty", amount: "", decimals: 6, wantErr: true},
		{name: "negative", amount: "-1", decimals: 6, wantErr: true},
		{name: "exponent", amount: "1e3", decimals: 6, wantErr: true},
		{name: "too many fraction digits", amount: "0.1234567", decimals: 6, wantErr: true},
		{name: "garbage", amount: "abc", decimals: 6, wantErr: true},
		{name: "double dot", amount: "1.2.3", decimals: 6, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBaseUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrAmountUnparseable)
				return
			}
			require.NoError(t, err)
			want, ok := new(big.Int).SetString(tt.want, 10)
			require.True(t, ok)
			assert.Zero(t, got.Cmp(want))
		})
	}
}

func TestBaseUnits_UnknownCurrency(t *testing.T) {
	_, err := BaseUnits(Funds{Currency: "DOGE", Amount: "1", PaymentMethod: MethodFetDirect})
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestPaymentRequestAccepts(t *testing.T) {
	req := PaymentRequest{
		AcceptedFunds: []Funds{
			{Currency: "FET", Amount: "0.1", PaymentMethod: MethodFetDirect},
			{Currency: "USDC", Amount: "0.001", PaymentMethod: MethodSkyfire},
		},
	}

	assert.True(t, req.Accepts(Funds{Currency: "FET", Amount: "0.1", PaymentMethod: MethodFetDirect}))
	assert.False(t, req.Accepts(Funds{Currency: "FET", Amount: "0.05", PaymentMethod: MethodFetDirect}))
	assert.False(t, req.Accepts(Funds{Currency: "USDC", Amount: "0.001", PaymentMethod: MethodStripeCheckout}))
}
