package commission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	calc, err := NewCalculator(Config{
		ClientFeeRate:   decimal.NewFromInt(10),
		ProviderFeeRate: decimal.NewFromInt(5),
		MinimumFee:      200,
		Currency:        "usd",
	})
	require.NoError(t, err)
	return calc
}

func TestClientTotal(t *testing.T) {
	calc := newTestCalculator(t)

	tests := []struct {
		name      string
		basePrice int64
		want      ClientTotal
	}{
		{"percentage fee", 10000, ClientTotal{BasePrice: 10000, ClientFee: 1000, TotalCharged: 11000}},
		{"minimum fee applies", 1000, ClientTotal{BasePrice: 1000, ClientFee: 200, TotalCharged: 1200}},
		{"zero price still pays minimum", 0, ClientTotal{BasePrice: 0, ClientFee: 200, TotalCharged: 200}},
		{"fee equals minimum exactly", 2000, ClientTotal{BasePrice: 2000, ClientFee: 200, TotalCharged: 2200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.ClientTotal(tt.basePrice)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProviderPayout(t *testing.T) {
	calc := newTestCalculator(t)

	got, err := calc.ProviderPayout(10000)
	require.NoError(t, err)
	assert.Equal(t, ProviderPayout{BasePrice: 10000, ProviderFee: 500, NetPayout: 9500}, got)

	got, err = calc.ProviderPayout(1000)
	require.NoError(t, err)
	assert.Equal(t, ProviderPayout{BasePrice: 1000, ProviderFee: 200, NetPayout: 800}, got)
}

func TestClientRefund(t *testing.T) {
	calc := newTestCalculator(t)

	got, err := calc.ClientRefund(10000)
	require.NoError(t, err)
	assert.Equal(t, ClientRefund{TotalPaid: 11000, Refund: 10000, PlatformRetained: 1000}, got)
}

func TestRoundsHalfUpOnce(t *testing.T) {
	calc, err := NewCalculator(Config{
		ClientFeeRate:   decimal.RequireFromString("2.5"),
		ProviderFeeRate: decimal.RequireFromString("2.45"),
		MinimumFee:      0,
	})
	require.NoError(t, err)

	// 2.5% of 10_020 = 250.5 -> 251
	total, err := calc.ClientTotal(10020)
	require.NoError(t, err)
	assert.Equal(t, int64(251), total.ClientFee)

	// 2.45% of 1_030 = 25.235 -> 25
	payout, err := calc.ProviderPayout(1030)
	require.NoError(t, err)
	assert.Equal(t, int64(25), payout.ProviderFee)
	assert.Equal(t, int64(1005), payout.NetPayout)
}

func TestInvalidAmount(t *testing.T) {
	calc := newTestCalculator(t)

	_, err := calc.ClientTotal(-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = calc.ProviderPayout(-500)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = calc.ClientRefund(-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = calc.Quote(-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNewCalculator_RejectsBadConfig(t *testing.T) {
	_, err := NewCalculator(Config{ClientFeeRate: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCalculator(Config{ProviderFeeRate: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCalculator(Config{MinimumFee: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	calc, err := NewCalculator(Config{})
	require.NoError(t, err)
	assert.Equal(t, "usd", calc.Currency())
}

func TestFeeInvariants(t *testing.T) {
	calc := newTestCalculator(t)

	for base := int64(0); base <= 50000; base += 37 {
		client, err := calc.ClientTotal(base)
		require.NoError(t, err)
		provider, err := calc.ProviderPayout(base)
		require.NoError(t, err)

		if client.ClientFee < calc.MinimumFee() || provider.ProviderFee < calc.MinimumFee() {
			t.Fatalf("base %d: fee below minimum (client %d, provider %d)", base, client.ClientFee, provider.ProviderFee)
		}
		if client.TotalCharged-base != client.ClientFee {
			t.Fatalf("base %d: total - base != client fee", base)
		}
		if base-provider.NetPayout != provider.ProviderFee {
			t.Fatalf("base %d: base - net != provider fee", base)
		}
		if client.TotalCharged < base || provider.NetPayout > base {
			t.Fatalf("base %d: total/net bounds violated", base)
		}
	}
}

func TestQuote(t *testing.T) {
	calc := newTestCalculator(t)

	q, err := calc.Quote(10000)
	require.NoError(t, err)
	assert.Equal(t, "usd", q.Currency)
	assert.Equal(t, int64(11000), q.Client.TotalCharged)
	assert.Equal(t, int64(9500), q.Provider.NetPayout)
	assert.Equal(t, int64(10000), q.Refund.Refund)
}
