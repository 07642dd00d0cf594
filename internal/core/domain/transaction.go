package domain

import "time"

type TransactionType string

const (
	TransactionTypePayment     TransactionType = "payment"
	TransactionTypeDeliveryPay TransactionType = "delivery_pay"
	TransactionTypeTip         TransactionType = "tip"
	TransactionTypeWithdrawal  TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// Terminal reports whether a status can no longer change. An order may
// hold at most one non-terminal transaction per type at a time.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

// Transaction is a ledger entry scoped to one (order, type) pair.
//
// For delivery_pay rows Amount is the driver's share of the delivery
// fee and MerchantShare is the remainder; the row stays pending until
// the delivery-completion event pays it out. WalletCreditedAt is the
// exactly-once marker for the wallet credit funded by this row.
type Transaction struct {
	ID                string
	OrderID           int64
	TransactionType   TransactionType
	Status            TransactionStatus
	PaymentStatus     PaymentStatus
	ReceiptNumber     *string
	CheckoutRequestID string
	DriverID          *int64
	Amount            float64
	MerchantShare     *float64
	WalletCreditedAt  *time.Time
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (t *Transaction) Completed() bool {
	return t != nil && t.Status == TransactionStatusCompleted
}
