package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// ErrCheckoutUnavailable is returned when no payment processor is configured.
var ErrCheckoutUnavailable = errors.New("checkout is not configured")

// Metadata attached to every checkout session so processor events can be
// routed back to the job.
const (
	MetaPaymentType   = "payment_type"
	MetaJobID         = "job_id"
	MetaClientID      = "client_id"
	MetaProviderID    = "provider_id"
	MetaTransactionID = "escrow_transaction_id"

	PaymentTypeEscrow = "escrow"
)

// Checkout is a hosted payment page opened for a transaction.
type Checkout struct {
	PaymentRef string `json:"paymentRef"`
	URL        string `json:"url"`
}

// PaymentInitiator opens a payment with the processor for a pending transaction.
type PaymentInitiator interface {
	Initiate(ctx context.Context, tx *Transaction) (*Checkout, error)
}

// sessionCreator is satisfied by the Stripe checkout session client.
type sessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeCheckout creates Stripe Checkout sessions charging TotalCharged.
type StripeCheckout struct {
	sessions   sessionCreator
	successURL string
	cancelURL  string
}

// NewStripeCheckout creates a checkout initiator using the given secret key.
func NewStripeCheckout(secretKey, successURL, cancelURL string) *StripeCheckout {
	sc := client.New(secretKey, nil)
	return &StripeCheckout{
		sessions:   sc.CheckoutSessions,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// Initiate creates a checkout session. Each call opens a new session; the
// stored payment reference always names the latest one.
func (c *StripeCheckout) Initiate(ctx context.Context, tx *Transaction) (*Checkout, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(tx.JobID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(tx.Currency),
					UnitAmount: stripe.Int64(tx.TotalCharged),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Escrow payment for job %s", tx.JobID)),
					},
				},
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(MetaPaymentType, PaymentTypeEscrow)
	params.AddMetadata(MetaJobID, tx.JobID)
	params.AddMetadata(MetaClientID, tx.ClientID)
	params.AddMetadata(MetaProviderID, tx.ProviderID)
	params.AddMetadata(MetaTransactionID, tx.ID)

	sess, err := c.sessions.New(params)
	if err != nil {
		return nil, err
	}
	return &Checkout{PaymentRef: sess.ID, URL: sess.URL}, nil
}
