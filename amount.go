package paygate

import (
	"fmt"
	"math/big"
	"strings"
)

// defaultDecimals maps currencies to the number of base-unit decimals used
// when comparing claimed transfers against expected amounts.
var defaultDecimals = map[string]int{
	"FET":  18,
	"USDC": 6,
	"USD":  2,
}

// CurrencyDecimals returns the base-unit decimals for a currency.
func CurrencyDecimals(currency string) (int, error) {
	decimals, ok := defaultDecimals[strings.ToUpper(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return decimals, nil
}

// ParseBaseUnits converts a decimal amount string such as "0.1" into base
// units as a big integer, given the currency's decimals. It rejects
// anything that is not a plain non-negative decimal: signs, exponents, and
// fractional parts longer than the currency supports all fail.
func ParseBaseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, ErrAmountUnparseable
	}

	whole, frac := amount, ""
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		whole, frac = amount[:i], amount[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, fmt.Errorf("%w: %q", ErrAmountUnparseable, amount)
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrAmountUnparseable, amount, decimals)
	}

	// Pad the fraction out to the full decimal width.
	padded := whole + frac + strings.Repeat("0", decimals-len(frac))
	value, ok := new(big.Int).SetString(padded, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAmountUnparseable, amount)
	}
	return value, nil
}

// BaseUnits converts a funds tuple to base units using the currency's
// registered decimals.
func BaseUnits(funds Funds) (*big.Int, error) {
	decimals, err := CurrencyDecimals(funds.Currency)
	if err != nil {
		return nil, err
	}
	return ParseBaseUnits(funds.Amount, decimals)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
