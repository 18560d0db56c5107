package escrow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Quantize rounds value to the coin's canonical precision using banker's
// rounding. Quantize(Quantize(x)) == Quantize(x).
func Quantize(value decimal.Decimal, coin Coin) decimal.Decimal {
	return value.RoundBank(coin.Precision())
}

// FormatValue renders a quantized value with a fixed number of fractional digits.
func FormatValue(value decimal.Decimal, coin Coin) string {
	return Quantize(value, coin).StringFixed(coin.Precision())
}

// ParseValue parses a user supplied amount and quantizes it for the coin. Zero
// and negative amounts are rejected.
func ParseValue(raw string, coin Coin) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: empty amount", ErrInvalidValue)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidValue, raw)
	}
	return checkValue(value, coin)
}

func checkValue(value decimal.Decimal, coin Coin) (decimal.Decimal, error) {
	if value.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: negative amount", ErrInvalidValue)
	}
	quantized := Quantize(value, coin)
	if quantized.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("%w: amount below %s precision", ErrInvalidValue, coin)
	}
	return quantized, nil
}

// suffixOffset converts a suffix token into the amount added to the deposit,
// placed on the lowest digits the coin precision allows.
func suffixOffset(token string, coin Coin) (decimal.Decimal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return decimal.Zero, nil
	}
	n, err := strconv.ParseInt(token, 10, 64)
	if err != nil || n < 0 {
		return decimal.Zero, fmt.Errorf("escrow: malformed suffix token %q", token)
	}
	return decimal.New(n, -coin.Precision()), nil
}

// step is the smallest representable increment for the coin.
func step(coin Coin) decimal.Decimal {
	return decimal.New(1, -coin.Precision())
}
