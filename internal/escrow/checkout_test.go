package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v81"
)

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_123", URL: "https://checkout.stripe.com/c/pay/cs_test_123"}, nil
}

func TestStripeCheckout_Initiate(t *testing.T) {
	sessions := &fakeSessions{}
	co := &StripeCheckout{sessions: sessions, successURL: "https://app.test/ok", cancelURL: "https://app.test/cancel"}

	tx := &Transaction{
		ID: "esc_1", JobID: testJob, ClientID: testClient, ProviderID: testProvider,
		Currency: "usd", TotalCharged: 11000,
	}
	got, err := co.Initiate(context.Background(), tx)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got.PaymentRef != "cs_test_123" || got.URL == "" {
		t.Errorf("unexpected checkout %+v", got)
	}

	p := sessions.params
	if len(p.LineItems) != 1 || *p.LineItems[0].PriceData.UnitAmount != 11000 {
		t.Errorf("line item should charge the total, got %+v", p.LineItems)
	}
	want := map[string]string{
		MetaPaymentType:   PaymentTypeEscrow,
		MetaJobID:         testJob,
		MetaClientID:      testClient,
		MetaProviderID:    testProvider,
		MetaTransactionID: "esc_1",
	}
	for k, v := range want {
		if p.Metadata[k] != v {
			t.Errorf("metadata %s = %q, want %q", k, p.Metadata[k], v)
		}
	}
}

func TestStripeCheckout_Error(t *testing.T) {
	co := &StripeCheckout{sessions: &fakeSessions{err: errors.New("card_declined")}}
	if _, err := co.Initiate(context.Background(), &Transaction{JobID: testJob, Currency: "usd"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestService_CheckoutUnavailable(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	createTestEscrow(t, svc)
	if _, err := svc.InitiateCheckout(context.Background(), testJob, testClient); !errors.Is(err, ErrCheckoutUnavailable) {
		t.Fatalf("expected ErrCheckoutUnavailable, got %v", err)
	}
}
