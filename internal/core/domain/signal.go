package domain

import "time"

// SignalSource identifies which of the four channels reported a
// payment. All sources feed the same finalize path; the source is kept
// for logging and metrics only.
type SignalSource string

const (
	SourceCallback SignalSource = "callback"
	SourcePoll     SignalSource = "poll"
	SourceSweep    SignalSource = "sweep"
	SourceManual   SignalSource = "manual"
)

// ResultCodeOK is the gateway result code for a successful payment.
// Any other code is a terminal gateway-side failure.
const ResultCodeOK = 0

// PaymentSignal is the canonical form of a completion report. At least
// one of OrderID or CheckoutRef must be set for the signal to be
// usable as a correlation key.
type PaymentSignal struct {
	OrderID       int64
	CheckoutRef   string
	ResultCode    int
	ResultDesc    string
	ReceiptNumber string
	Amount        float64
	Phone         string
	Timestamp     time.Time
	Source        SignalSource
}

// Qualifies reports whether the signal proves a completed payment: a
// success code alone means "request accepted, not yet paid" and does
// not qualify without a receipt.
func (s PaymentSignal) Qualifies() bool {
	return s.ResultCode == ResultCodeOK && s.ReceiptNumber != ""
}

// Failed reports whether the gateway declared the payment attempt
// terminally failed.
func (s PaymentSignal) Failed() bool {
	return s.ResultCode != ResultCodeOK
}

// FinalizeOutcome describes what FinalizePayment decided.
type FinalizeOutcome string

const (
	// ResultApplied: first completion, all side effects applied.
	ResultApplied FinalizeOutcome = "applied"
	// ResultRepaired: a completed marker existed but some side effects
	// were missing; only the missing ones were forward-filled.
	ResultRepaired FinalizeOutcome = "repaired"
	// ResultAlreadySettled: nothing to do; callers treat this as
	// confirmation, not as an error.
	ResultAlreadySettled FinalizeOutcome = "already_settled"
	// ResultStillPending: the signal did not prove completion (success
	// code without a receipt, or an unreachable gateway).
	ResultStillPending FinalizeOutcome = "still_pending"
	// ResultRejected: the gateway declared the attempt failed.
	ResultRejected FinalizeOutcome = "rejected"
)

// FinalizeResult is the ledger truth after a finalize attempt.
type FinalizeResult struct {
	Outcome       FinalizeOutcome
	OrderID       int64
	OrderStatus   OrderStatus
	PaymentStatus PaymentStatus
	ReceiptNumber string
}
