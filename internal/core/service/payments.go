package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/port"
)

// PaymentView is the customer-facing read of an order's payment state.
// Always ledger truth; never touches the gateway.
type PaymentView struct {
	OrderID           int64
	OrderStatus       domain.OrderStatus
	PaymentStatus     domain.PaymentStatus
	TransactionStatus domain.TransactionStatus
	ReceiptNumber     string
	Amount            float64
	CheckoutRef       string
}

// PaymentStatus returns the last known ledger truth for an order.
func (r *Reconciler) PaymentStatus(ctx context.Context, orderID int64) (*PaymentView, error) {
	order, payTx, err := r.ledger.OrderPayment(ctx, orderID)
	if err != nil {
		return nil, err
	}
	view := &PaymentView{
		OrderID:       order.ID,
		OrderStatus:   order.Status,
		PaymentStatus: order.PaymentStatus,
	}
	if payTx != nil {
		view.TransactionStatus = payTx.Status
		view.Amount = payTx.Amount
		view.CheckoutRef = payTx.CheckoutRequestID
		if payTx.ReceiptNumber != nil {
			view.ReceiptNumber = *payTx.ReceiptNumber
		}
	}
	return view, nil
}

// PollPayment queries the gateway for the order's pending payment and
// feeds the answer through FinalizePayment. Used when a callback is
// suspected lost. A gateway failure degrades to "still pending": the
// customer never sees a false terminal state because the gateway was
// slow.
func (r *Reconciler) PollPayment(ctx context.Context, orderID int64) (domain.FinalizeResult, error) {
	order, payTx, err := r.ledger.OrderPayment(ctx, orderID)
	if err != nil {
		return domain.FinalizeResult{}, err
	}
	if payTx == nil {
		return result(domain.ResultStillPending, order, nil), nil
	}
	if payTx.Completed() {
		// Nothing to ask the gateway; run the normal finalize so any
		// missing side effect still gets repaired.
		return r.FinalizePayment(ctx, domain.PaymentSignal{
			OrderID:     orderID,
			CheckoutRef: payTx.CheckoutRequestID,
			Source:      domain.SourcePoll,
		})
	}

	st, err := r.gateway.QueryStatus(ctx, payTx.CheckoutRequestID)
	if err != nil {
		r.log.Warn("gateway query failed, degrading to pending",
			"order_id", orderID, "err", err)
		return result(domain.ResultStillPending, order, payTx), nil
	}
	return r.FinalizePayment(ctx, SignalFromStatus(orderID, payTx.CheckoutRequestID, st, domain.SourcePoll))
}

// InitiatePayment asks the gateway to prompt the customer and records
// the pending payment transaction carrying the checkout reference that
// correlates every later signal back to this order.
func (r *Reconciler) InitiatePayment(ctx context.Context, orderID int64, phone string) (string, error) {
	var checkoutRef string
	err := r.ledger.WithOrderLock(ctx, orderID, func(ctx context.Context, ol port.OrderLedger) error {
		order, err := ol.Order(ctx)
		if err != nil {
			return err
		}
		payTx, err := ol.Transaction(ctx, domain.TransactionTypePayment)
		if err != nil {
			return err
		}
		if payTx.Completed() {
			return ErrAlreadyPaid
		}

		amount := order.TotalAmount + order.TipAmount
		ref, err := r.gateway.InitiatePayment(ctx, phone, amount, fmt.Sprintf("ORDER-%d", orderID))
		if err != nil {
			return fmt.Errorf("initiate payment: %w", err)
		}
		checkoutRef = ref

		if payTx == nil || payTx.Status.Terminal() {
			payTx = &domain.Transaction{
				ID:              uuid.NewString(),
				OrderID:         orderID,
				TransactionType: domain.TransactionTypePayment,
				CreatedAt:       r.now(),
			}
		}
		payTx.Status = domain.TransactionStatusPending
		payTx.PaymentStatus = domain.PaymentStatusPending
		payTx.CheckoutRequestID = ref
		payTx.Amount = amount
		payTx.UpdatedAt = r.now()
		return ol.UpsertTransaction(ctx, payTx)
	})
	if err != nil {
		return "", err
	}
	r.log.Info("payment initiated", "order_id", orderID, "checkout_ref", checkoutRef)
	return checkoutRef, nil
}

// CompleteDelivery consumes the delivery-completion event: it pays out
// the driver's recorded share (exactly once), credits the merchant if
// payment already completed, and advances the order. For unpaid orders
// it only marks the order delivered so a later payment settles it.
func (r *Reconciler) CompleteDelivery(ctx context.Context, orderID int64) (domain.FinalizeResult, error) {
	var res domain.FinalizeResult
	err := r.ledger.WithOrderLock(ctx, orderID, func(ctx context.Context, ol port.OrderLedger) error {
		order, err := ol.Order(ctx)
		if err != nil {
			return err
		}
		payTx, err := ol.Transaction(ctx, domain.TransactionTypePayment)
		if err != nil {
			return err
		}

		if !payTx.Completed() {
			if domain.StatusAdvances(order.Status, domain.OrderStatusDelivered) {
				if err := ol.TransitionOrderStatus(ctx, domain.OrderStatusDelivered, order.PaymentStatus); err != nil {
					return err
				}
				order.Status = domain.OrderStatusDelivered
			}
			res = result(domain.ResultStillPending, order, payTx)
			return nil
		}

		if domain.StatusAdvances(order.Status, domain.OrderStatusCompleted) {
			if err := ol.TransitionOrderStatus(ctx, domain.OrderStatusCompleted, domain.PaymentStatusPaid); err != nil {
				return err
			}
			order.Status = domain.OrderStatusCompleted
			order.PaymentStatus = domain.PaymentStatusPaid
		}

		if _, err := r.creditMerchantIfDelivered(ctx, ol, order, payTx); err != nil {
			return err
		}
		if err := r.payoutDriver(ctx, ol, order, payTx); err != nil {
			return err
		}
		if err := r.payTip(ctx, ol, order, payTx); err != nil {
			return err
		}

		res = result(domain.ResultApplied, order, payTx)
		return nil
	})
	if err != nil {
		return domain.FinalizeResult{}, err
	}

	r.log.Info("delivery completed", "order_id", orderID, "outcome", res.Outcome)
	if res.Outcome == domain.ResultApplied {
		r.publish(ctx, res, domain.SourceManual)
	}
	return res, nil
}

// payoutDriver credits the driver wallet for the pending delivery_pay
// row plus any tip, then closes the row. Idempotent: a second call
// finds the row terminal and does nothing.
func (r *Reconciler) payoutDriver(ctx context.Context, ol port.OrderLedger, order *domain.Order, payTx *domain.Transaction) error {
	dp, err := ol.Transaction(ctx, domain.TransactionTypeDeliveryPay)
	if err != nil {
		return err
	}
	if dp == nil || dp.Status.Terminal() || dp.DriverID == nil {
		return nil
	}

	if err := ol.CreditWallet(ctx, domain.WalletOwnerDriver, *dp.DriverID, dp.Amount, dp.ID, false); err != nil {
		return err
	}

	dp.Status = domain.TransactionStatusCompleted
	dp.PaymentStatus = domain.PaymentStatusPaid
	dp.ReceiptNumber = payTx.ReceiptNumber
	dp.UpdatedAt = r.now()
	return ol.UpsertTransaction(ctx, dp)
}

// payTip records the customer's tip as its own ledger entry and
// credits it to the assigned driver. Independent of the delivery-pay
// split: the tip is owed to the driver even when driver pay is
// disabled or the order carried no delivery fee.
func (r *Reconciler) payTip(ctx context.Context, ol port.OrderLedger, order *domain.Order, payTx *domain.Transaction) error {
	if order.TipAmount <= 0 || order.DriverID == nil {
		return nil
	}

	tip, err := ol.Transaction(ctx, domain.TransactionTypeTip)
	if err != nil {
		return err
	}
	if tip == nil {
		tip = &domain.Transaction{
			ID:              uuid.NewString(),
			OrderID:         order.ID,
			TransactionType: domain.TransactionTypeTip,
			DriverID:        order.DriverID,
			Amount:          order.TipAmount,
			CreatedAt:       r.now(),
		}
	} else if tip.Status.Terminal() {
		return nil
	}

	tip.Status = domain.TransactionStatusCompleted
	tip.PaymentStatus = domain.PaymentStatusPaid
	tip.ReceiptNumber = payTx.ReceiptNumber
	tip.UpdatedAt = r.now()
	if err := ol.UpsertTransaction(ctx, tip); err != nil {
		return err
	}
	return ol.CreditWallet(ctx, domain.WalletOwnerDriver, *order.DriverID, tip.Amount, tip.ID, false)
}
