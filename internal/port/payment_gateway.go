package port

import "context"

// GatewayStatus is the gateway's view of a payment request. A zero
// ResultCode with an empty ReceiptNumber means the request was
// accepted but not yet paid.
type GatewayStatus struct {
	ResultCode    int
	ResultDesc    string
	ReceiptNumber string
	Amount        float64
}

// PaymentGateway is the narrow contract with the mobile-money
// provider. The gateway is unreliable and rate-limited: callers treat
// any transport error as "status unknown", never as a failure.
type PaymentGateway interface {
	// InitiatePayment asks the gateway to push a payment prompt to the
	// customer's phone and returns the checkout reference correlating
	// later signals to this request.
	InitiatePayment(ctx context.Context, phone string, amount float64, reference string) (string, error)

	// QueryStatus asks the gateway for the current state of a checkout
	// request.
	QueryStatus(ctx context.Context, checkoutRef string) (*GatewayStatus, error)
}
