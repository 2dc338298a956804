// Package commission computes platform fees for escrowed job payments.
//
// All amounts are int64 minor currency units (cents). Percentage math is done
// in arbitrary-precision decimals and rounded half-up exactly once, at the
// final step, before converting back to minor units.
package commission

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidConfig = errors.New("invalid commission config")
)

var hundred = decimal.NewFromInt(100)

// Config holds the fee schedule. Rates are percentages ("10" means 10%).
type Config struct {
	ClientFeeRate   decimal.Decimal
	ProviderFeeRate decimal.Decimal
	MinimumFee      int64
	Currency        string
}

// ClientTotal is what the client is charged for a given base price.
type ClientTotal struct {
	BasePrice    int64 `json:"basePrice"`
	ClientFee    int64 `json:"clientFee"`
	TotalCharged int64 `json:"totalCharged"`
}

// ProviderPayout is what the provider receives once funds are released.
type ProviderPayout struct {
	BasePrice   int64 `json:"basePrice"`
	ProviderFee int64 `json:"providerFee"`
	NetPayout   int64 `json:"netPayout"`
}

// ClientRefund splits a refunded payment. The client fee is retained by the
// platform and never refunded.
type ClientRefund struct {
	TotalPaid        int64 `json:"totalPaid"`
	Refund           int64 `json:"refund"`
	PlatformRetained int64 `json:"platformRetained"`
}

// Quote bundles every figure for one base price.
type Quote struct {
	Currency string         `json:"currency"`
	Client   ClientTotal    `json:"client"`
	Provider ProviderPayout `json:"provider"`
	Refund   ClientRefund   `json:"refund"`
}

// Calculator is safe for concurrent use; it holds no mutable state.
type Calculator struct {
	cfg Config
}

// NewCalculator validates the fee schedule and returns a calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	if cfg.ClientFeeRate.IsNegative() {
		return nil, fmt.Errorf("%w: client fee rate must not be negative", ErrInvalidConfig)
	}
	if cfg.ProviderFeeRate.IsNegative() {
		return nil, fmt.Errorf("%w: provider fee rate must not be negative", ErrInvalidConfig)
	}
	if cfg.MinimumFee < 0 {
		return nil, fmt.Errorf("%w: minimum fee must not be negative", ErrInvalidConfig)
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Calculator{cfg: cfg}, nil
}

// Currency returns the configured ISO currency code.
func (c *Calculator) Currency() string {
	return c.cfg.Currency
}

// MinimumFee returns the configured fee floor in minor units.
func (c *Calculator) MinimumFee() int64 {
	return c.cfg.MinimumFee
}

// ClientTotal computes the client fee and total charge for basePrice.
// A zero base price still incurs the minimum fee.
func (c *Calculator) ClientTotal(basePrice int64) (ClientTotal, error) {
	fee, err := c.fee(basePrice, c.cfg.ClientFeeRate)
	if err != nil {
		return ClientTotal{}, err
	}
	if basePrice > math.MaxInt64-fee {
		return ClientTotal{}, fmt.Errorf("%w: total overflows", ErrInvalidAmount)
	}
	return ClientTotal{
		BasePrice:    basePrice,
		ClientFee:    fee,
		TotalCharged: basePrice + fee,
	}, nil
}

// ProviderPayout computes the provider fee and net payout for basePrice.
func (c *Calculator) ProviderPayout(basePrice int64) (ProviderPayout, error) {
	fee, err := c.fee(basePrice, c.cfg.ProviderFeeRate)
	if err != nil {
		return ProviderPayout{}, err
	}
	return ProviderPayout{
		BasePrice:   basePrice,
		ProviderFee: fee,
		NetPayout:   basePrice - fee,
	}, nil
}

// ClientRefund computes the refund owed to the client for basePrice.
func (c *Calculator) ClientRefund(basePrice int64) (ClientRefund, error) {
	total, err := c.ClientTotal(basePrice)
	if err != nil {
		return ClientRefund{}, err
	}
	return ClientRefund{
		TotalPaid:        total.TotalCharged,
		Refund:           total.TotalCharged - total.ClientFee,
		PlatformRetained: total.ClientFee,
	}, nil
}

// Quote computes client, provider and refund figures in one call.
func (c *Calculator) Quote(basePrice int64) (Quote, error) {
	client, err := c.ClientTotal(basePrice)
	if err != nil {
		return Quote{}, err
	}
	provider, err := c.ProviderPayout(basePrice)
	if err != nil {
		return Quote{}, err
	}
	refund, err := c.ClientRefund(basePrice)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Currency: c.cfg.Currency,
		Client:   client,
		Provider: provider,
		Refund:   refund,
	}, nil
}

// fee returns max(basePrice * rate / 100, minimumFee), rounded half-up to
// the minor unit. Intermediate products are never rounded.
func (c *Calculator) fee(basePrice int64, rate decimal.Decimal) (int64, error) {
	if basePrice < 0 {
		return 0, fmt.Errorf("%w: base price %d is negative", ErrInvalidAmount, basePrice)
	}

	raw := decimal.NewFromInt(basePrice).Mul(rate).Div(hundred)
	floor := decimal.NewFromInt(c.cfg.MinimumFee)
	if raw.LessThan(floor) {
		raw = floor
	}

	// Round rounds half away from zero, which is half-up for non-negative values.
	rounded := raw.Round(0)
	if !rounded.IsInteger() || rounded.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: fee out of range", ErrInvalidAmount)
	}
	return rounded.IntPart(), nil
}
