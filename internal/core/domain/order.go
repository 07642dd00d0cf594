package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusUnpaid  PaymentStatus = "unpaid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// PickupAddress is the sentinel delivery address marking an in-store
// purchase. Pickup orders carry no delivery fee and settle directly to
// completed once paid.
const PickupAddress = "In-Store Purchase"

type Order struct {
	ID              int64
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	TotalAmount     float64
	TipAmount       float64
	DeliveryFee     float64
	DriverID        *int64
	DeliveryAddress string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o *Order) IsPickup() bool {
	return o.DeliveryAddress == PickupAddress
}

// statusRank orders statuses along the delivery lifecycle. Cancelled
// ranks with pending: a payment arriving for a cancelled order revives
// it to confirmed rather than regressing anything.
var statusRank = map[OrderStatus]int{
	OrderStatusPending:        0,
	OrderStatusCancelled:      0,
	OrderStatusConfirmed:      1,
	OrderStatusPreparing:      2,
	OrderStatusOutForDelivery: 3,
	OrderStatusDelivered:      4,
	OrderStatusCompleted:      5,
}

// StatusAdvances reports whether moving from one status to the next is
// a forward transition. Transitions never move backward.
func StatusAdvances(from, next OrderStatus) bool {
	return statusRank[next] > statusRank[from]
}

// StatusAfterPayment returns the status a successful payment moves the
// order to. Payment alone never advances delivery progress: confirmed
// and preparing orders stay where they are.
func StatusAfterPayment(o *Order) OrderStatus {
	if o.IsPickup() {
		return OrderStatusCompleted
	}
	switch o.Status {
	case OrderStatusPending, OrderStatusCancelled:
		return OrderStatusConfirmed
	case OrderStatusOutForDelivery, OrderStatusDelivered:
		return OrderStatusCompleted
	default:
		return o.Status
	}
}

// Delivered reports whether the order has reached the point where
// wallets may be credited at payment time.
func (o *Order) Delivered() bool {
	return o.IsPickup() || statusRank[o.Status] >= statusRank[OrderStatusDelivered]
}
