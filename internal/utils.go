package internal

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// FormatUnits renders wei as a decimal amount with the given number of
// decimals, e.g. 18 for ether or 9 for gwei, trimming trailing zeros.
func FormatUnits(wei *big.Int, decimals int32) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -decimals).String()
}

// FormatEther renders wei as ether.
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, 18)
}

// FormatGwei renders wei as gwei.
func FormatGwei(wei *big.Int) string {
	return FormatUnits(wei, 9)
}

// ParseUnits converts a decimal amount such as "1.5" into wei using the given
// number of decimals. Amounts finer than one wei are rejected.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %v", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: must not be negative", amount)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// ParseEther converts ether to wei.
func ParseEther(amount string) (*big.Int, error) {
	return ParseUnits(amount, 18)
}

// ParseGwei converts gwei to wei.
func ParseGwei(amount string) (*big.Int, error) {
	return ParseUnits(amount, 9)
}

// GweiToWei converts a float gwei value, as read from configuration, to wei.
func GweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).Truncate(0).BigInt()
}
