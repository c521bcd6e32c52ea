// Package money converts broker decimal amounts to and from the scaled
// integers every monetary column is stored as.
//
// A scaled value is the amount multiplied by Factor and rounded half-to-even,
// so 1.25 USD is stored as 1250000. Conversion never passes through float64
// arithmetic: floats reported by the gateway are first rendered to their
// shortest exact decimal text and parsed from there.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const (
	// Scale is the number of fractional digits kept in a scaled integer.
	Scale = 6

	// Factor is 10^Scale.
	Factor = 1_000_000
)

var (
	// ErrUnsupportedCurrency is returned for any currency other than the
	// configured one.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrOverflow is returned when a scaled value does not fit in int64.
	ErrOverflow = errors.New("scaled value overflows int64")

	// ErrInvalidAmount is returned for text that is not a decimal number.
	ErrInvalidAmount = errors.New("invalid decimal amount")
)

var factor = decimal.NewFromInt(Factor)

// CurrencyError reports a currency mismatch.
type CurrencyError struct {
	Code      string
	Supported string
}

func (e *CurrencyError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("unsupported currency: missing code (supported %s)", e.Supported)
	}
	return fmt.Sprintf("unsupported currency %q (supported %s)", e.Code, e.Supported)
}

// Is makes errors.Is(err, ErrUnsupportedCurrency) match.
func (e *CurrencyError) Is(target error) bool {
	return target == ErrUnsupportedCurrency
}

// Converter scales amounts denominated in a single supported currency.
type Converter struct {
	currency string
}

// NewConverter returns a Converter for the given ISO 4217 code.
func NewConverter(currency string) (*Converter, error) {
	code := normalizeCode(currency)
	if code == "" {
		return nil, errors.New("currency code is required")
	}
	if gomoney.GetCurrency(code) == nil {
		return nil, fmt.Errorf("unknown ISO 4217 currency %q", currency)
	}
	return &Converter{currency: code}, nil
}

// Currency returns the supported currency code.
func (c *Converter) Currency() string {
	return c.currency
}

// Supports reports whether code names the supported currency.
func (c *Converter) Supports(code string) bool {
	return normalizeCode(code) == c.currency
}

// CheckCurrency returns a *CurrencyError unless code is the supported currency.
func (c *Converter) CheckCurrency(code string) error {
	if !c.Supports(code) {
		return &CurrencyError{Code: strings.TrimSpace(code), Supported: c.currency}
	}
	return nil
}

// ToScaled converts value in currency to a scaled integer.
func (c *Converter) ToScaled(value decimal.Decimal, currency string) (int64, error) {
	if err := c.CheckCurrency(currency); err != nil {
		return 0, err
	}
	return ScaleDecimal(value)
}

// FromScaled converts a scaled integer back to a decimal in the supported
// currency. FromScaled(ToScaled(x)) equals x rounded half-even to Scale digits.
func (c *Converter) FromScaled(v int64) decimal.Decimal {
	return FromScaled(v)
}

// ScaleDecimal scales a currency-free quantity (share counts, strikes,
// multipliers) with the same factor and rounding as money.
func ScaleDecimal(value decimal.Decimal) (int64, error) {
	scaled := value.RoundBank(Scale).Mul(factor)
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, value.String())
	}
	return bi.Int64(), nil
}

// FromScaled converts a scaled integer to a decimal.
func FromScaled(v int64) decimal.Decimal {
	return decimal.New(v, -Scale)
}

// ParseDecimal parses exact decimal text such as "1234.5678" or "-0.01".
func ParseDecimal(text string) (decimal.Decimal, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, text)
	}
	return d, nil
}

// FromFloat converts a float through its shortest round-tripping decimal
// text, so 0.1 becomes exactly 0.1 rather than its binary approximation.
func FromFloat(f float64) (decimal.Decimal, error) {
	return ParseDecimal(strconv.FormatFloat(f, 'f', -1, 64))
}

// Format renders a scaled integer with all Scale digits, e.g. "12.500000".
func Format(v int64) string {
	return FromScaled(v).StringFixed(Scale)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
