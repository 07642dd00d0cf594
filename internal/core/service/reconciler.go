package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/port"
)

var (
	// ErrAlreadyPaid rejects a payment initiation for an order that
	// already has a completed payment.
	ErrAlreadyPaid = errors.New("order already paid")
)

// Config carries the reconciler's operator-configured policy.
type Config struct {
	Split       SplitConfig
	NotifyTopic string
}

// RawSignal is an unparsed completion report queued by a signal
// source for asynchronous finalization.
type RawSignal struct {
	Payload []byte
	Source  domain.SignalSource
}

// Reconciler owns FinalizePayment: the single decision point that
// converts payment signals from any channel into at-most-once ledger
// side effects. All four signal sources call it; none of them mutate
// the ledger directly.
type Reconciler struct {
	ledger   port.LedgerRepository
	gateway  port.PaymentGateway
	notifier port.Notifier
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	signals chan RawSignal
}

func NewReconciler(ledger port.LedgerRepository, gateway port.PaymentGateway, notifier port.Notifier, cfg Config, log *slog.Logger, queueSize int) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.NotifyTopic == "" {
		cfg.NotifyTopic = "payments.events"
	}
	return &Reconciler{
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		signals:  make(chan RawSignal, queueSize),
	}
}

// Enqueue hands a raw signal to the background finalize workers
// without blocking. A full queue drops the signal (the sweep job will
// pick the payment up again); the caller has already acknowledged the
// upstream system either way.
func (r *Reconciler) Enqueue(rs RawSignal) bool {
	select {
	case r.signals <- rs:
		return true
	default:
		r.log.Warn("signal queue full, dropping", "source", rs.Source)
		return false
	}
}

// Signals exposes the queue for the worker pool in cmd/server.
func (r *Reconciler) Signals() <-chan RawSignal {
	return r.signals
}

// Close stops accepting queued signals.
func (r *Reconciler) Close() {
	close(r.signals)
}

// FinalizePayment applies a canonical payment signal to the ledger
// with at-most-once side effects. Safe to call any number of times,
// from any channel, in any order, for the same order: the order-scoped
// lock totally orders invocations and the decision inside it only ever
// moves state forward.
func (r *Reconciler) FinalizePayment(ctx context.Context, sig domain.PaymentSignal) (domain.FinalizeResult, error) {
	orderID, err := r.resolveOrder(ctx, sig)
	if err != nil {
		return domain.FinalizeResult{}, err
	}

	var res domain.FinalizeResult
	err = r.ledger.WithOrderLock(ctx, orderID, func(ctx context.Context, ol port.OrderLedger) error {
		var ferr error
		res, ferr = r.finalizeLocked(ctx, ol, sig)
		return ferr
	})
	if err != nil {
		return domain.FinalizeResult{}, err
	}

	r.log.Info("finalize",
		"order_id", res.OrderID,
		"outcome", res.Outcome,
		"source", sig.Source,
		"receipt", res.ReceiptNumber,
	)

	switch res.Outcome {
	case domain.ResultApplied, domain.ResultRepaired, domain.ResultRejected:
		r.publish(ctx, res, sig.Source)
	}
	return res, nil
}

// resolveOrder maps the signal's correlation key to an order id:
// explicit order id, then the checkout-reference index, then the
// legacy notes-substring lookup as a last resort.
func (r *Reconciler) resolveOrder(ctx context.Context, sig domain.PaymentSignal) (int64, error) {
	if sig.OrderID != 0 {
		return sig.OrderID, nil
	}
	if sig.CheckoutRef != "" {
		id, err := r.ledger.OrderIDByCheckoutRef(ctx, sig.CheckoutRef)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return 0, fmt.Errorf("resolve checkout ref: %w", err)
		}
	}
	if sig.ReceiptNumber != "" {
		// Degraded legacy path: free-text match against transaction
		// notes. Kept only for pre-migration data.
		id, err := r.ledger.OrderIDByReceiptNote(ctx, sig.ReceiptNumber)
		if err == nil {
			r.log.Warn("order resolved via legacy notes lookup",
				"order_id", id, "receipt", sig.ReceiptNumber)
			return id, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return 0, fmt.Errorf("legacy notes lookup: %w", err)
		}
	}
	return 0, domain.ErrOrderNotFound
}

func (r *Reconciler) finalizeLocked(ctx context.Context, ol port.OrderLedger, sig domain.PaymentSignal) (domain.FinalizeResult, error) {
	order, err := ol.Order(ctx)
	if err != nil {
		return domain.FinalizeResult{}, err
	}
	payTx, err := ol.Transaction(ctx, domain.TransactionTypePayment)
	if err != nil {
		return domain.FinalizeResult{}, err
	}

	// A completed payment is never regressed by any later signal;
	// at most the missing side effects are forward-filled.
	if payTx.Completed() {
		return r.settleForward(ctx, ol, order, payTx, sig)
	}

	if sig.Failed() {
		return r.rejectPayment(ctx, ol, order, payTx, sig)
	}

	if !sig.Qualifies() {
		// Success code without a receipt: request accepted, not yet
		// paid. Leave everything pending.
		return result(domain.ResultStillPending, order, payTx), nil
	}

	return r.applyFirstCompletion(ctx, ol, order, payTx, sig)
}

// settleForward implements the idempotency short-circuit and the
// partial-repair path: with a completed payment already on the books,
// fill in whatever side effect is missing and touch nothing else.
func (r *Reconciler) settleForward(ctx context.Context, ol port.OrderLedger, order *domain.Order, payTx *domain.Transaction, sig domain.PaymentSignal) (domain.FinalizeResult, error) {
	repaired := false

	// Legacy rows may be completed without a stored receipt. Only a
	// qualifying signal may supply it; a receipt riding on a failure
	// report is not proof of anything.
	if payTx.ReceiptNumber == nil && sig.Qualifies() {
		receipt := sig.ReceiptNumber
		payTx.ReceiptNumber = &receipt
		payTx.UpdatedAt = r.now()
		if err := ol.UpsertTransaction(ctx, payTx); err != nil {
			return domain.FinalizeResult{}, err
		}
		repaired = true
	}

	target := order.Status
	if next := domain.StatusAfterPayment(order); domain.StatusAdvances(order.Status, next) {
		target = next
	}
	if target != order.Status || order.PaymentStatus != domain.PaymentStatusPaid {
		if err := ol.TransitionOrderStatus(ctx, target, domain.PaymentStatusPaid); err != nil {
			return domain.FinalizeResult{}, err
		}
		order.Status = target
		order.PaymentStatus = domain.PaymentStatusPaid
		repaired = true
	}

	created, err := r.ensureDriverPayout(ctx, ol, order, payTx)
	if err != nil {
		return domain.FinalizeResult{}, err
	}
	repaired = repaired || created

	credited, err := r.creditMerchantIfDelivered(ctx, ol, order, payTx)
	if err != nil {
		return domain.FinalizeResult{}, err
	}
	repaired = repaired || credited

	if repaired {
		return result(domain.ResultRepaired, order, payTx), nil
	}
	return result(domain.ResultAlreadySettled, order, payTx), nil
}

func (r *Reconciler) rejectPayment(ctx context.Context, ol port.OrderLedger, order *domain.Order, payTx *domain.Transaction, sig domain.PaymentSignal) (domain.FinalizeResult, error) {
	if payTx != nil && !payTx.Status.Terminal() {
		payTx.Status = domain.TransactionStatusFailed
		payTx.PaymentStatus = domain.PaymentStatusFailed
		payTx.Notes = sig.ResultDesc
		payTx.UpdatedAt = r.now()
		if err := ol.UpsertTransaction(ctx, payTx); err != nil {
			return domain.FinalizeResult{}, err
		}
	}
	if err := ol.TransitionOrderStatus(ctx, order.Status, domain.PaymentStatusUnpaid); err != nil {
		return domain.FinalizeResult{}, err
	}
	order.PaymentStatus = domain.PaymentStatusUnpaid
	return result(domain.ResultRejected, order, payTx), nil
}

func (r *Reconciler) applyFirstCompletion(ctx context.Context, ol port.OrderLedger, order *domain.Order, payTx *domain.Transaction, sig domain.PaymentSignal) (domain.FinalizeResult, error) {
	ts := sig.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	if payTx == nil {
		// Manual confirmations may arrive for orders whose initiation
		// record predates the ledger.
		payTx = &domain.Transaction{
			ID:                uuid.NewString(),
			OrderID:           order.ID,
			TransactionType:   domain.TransactionTypePayment,
			CheckoutRequestID: sig.CheckoutRef,
			Amount:            sig.Amount,
			CreatedAt:         r.now(),
		}
		if payTx.Amount == 0 {
			payTx.Amount = order.TotalAmount + order.TipAmount
		}
	}

	receipt := sig.ReceiptNumber
	payTx.Status = domain.TransactionStatusCompleted
	payTx.PaymentStatus = domain.PaymentStatusPaid
	payTx.ReceiptNumber = &receipt
	payTx.UpdatedAt = ts
	if err := ol.UpsertTransaction(ctx, payTx); err != nil {
		return domain.FinalizeResult{}, err
	}

	next := order.Status
	if n := domain.StatusAfterPayment(order); domain.StatusAdvances(order.Status, n) {
		next = n
	}
	if err := ol.TransitionOrderStatus(ctx, next, domain.PaymentStatusPaid); err != nil {
		return domain.FinalizeResult{}, err
	}
	order.Status = next
	order.PaymentStatus = domain.PaymentStatusPaid

	if _, err := r.ensureDriverPayout(ctx, ol, order, payTx); err != nil {
		return domain.FinalizeResult{}, err
	}
	if _, err := r.creditMerchantIfDelivered(ctx, ol, order, payTx); err != nil {
		return domain.FinalizeResult{}, err
	}

	return result(domain.ResultApplied, order, payTx), nil
}

// ensureDriverPayout records (never pays) the driver's share of the
// delivery fee. The actual driver-wallet credit waits for the
// delivery-completion event so a driver is never paid before the
// delivery is confirmed.
func (r *Reconciler) ensureDriverPayout(ctx context.Context, ol port.OrderLedger, order *domain.Order, payTx *domain.Transaction) (bool, error) {
	if order.IsPickup() || order.DriverID == nil || !r.cfg.Split.DriverPayEnabled || order.DeliveryFee <= 0 {
		return false, nil
	}
	split := SplitDeliveryFee(order.DeliveryFee, r.cfg.Split)
	if split.DriverShare <= 0 {
		return false, nil
	}

	existing, err := ol.Transaction(ctx, domain.TransactionTypeDeliveryPay)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	merchantShare := split.MerchantShare
	dp := &domain.Transaction{
		ID:                uuid.NewString(),
		OrderID:           order.ID,
		TransactionType:   domain.TransactionTypeDeliveryPay,
		Status:            domain.TransactionStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		CheckoutRequestID: payTx.CheckoutRequestID,
		DriverID:          order.DriverID,
		Amount:            split.DriverShare,
		MerchantShare:     &merchantShare,
		CreatedAt:         r.now(),
		UpdatedAt:         r.now(),
	}
	if err := ol.UpsertTransaction(ctx, dp); err != nil {
		return false, err
	}
	return true, nil
}

// creditMerchantIfDelivered credits the merchant wallet once the order
// is delivered or picked up. For undelivered orders the credit waits
// for the delivery-completion event. Exactly-once is guarded by the
// payment transaction's credited marker inside CreditWallet.
func (r *Reconciler) creditMerchantIfDelivered(ctx context.Context, ol port.OrderLedger, order *domain.Order, payTx *domain.Transaction) (bool, error) {
	if !order.Delivered() || payTx == nil || payTx.WalletCreditedAt != nil {
		return false, nil
	}
	amount := r.merchantCut(ctx, ol, order)
	if err := ol.CreditWallet(ctx, domain.WalletOwnerMerchant, domain.MerchantWalletID, amount, payTx.ID, true); err != nil {
		return false, err
	}
	now := r.now()
	payTx.WalletCreditedAt = &now
	return true, nil
}

// merchantCut is the order total minus the driver's recorded share.
// The tip belongs to the driver and is excluded.
func (r *Reconciler) merchantCut(ctx context.Context, ol port.OrderLedger, order *domain.Order) float64 {
	amount := order.TotalAmount
	dp, err := ol.Transaction(ctx, domain.TransactionTypeDeliveryPay)
	if err == nil && dp != nil {
		amount -= dp.Amount
	}
	return amount
}

func (r *Reconciler) publish(ctx context.Context, res domain.FinalizeResult, source domain.SignalSource) {
	if r.notifier == nil {
		return
	}
	event := map[string]any{
		"order_id":       res.OrderID,
		"outcome":        res.Outcome,
		"order_status":   res.OrderStatus,
		"payment_status": res.PaymentStatus,
		"receipt_number": res.ReceiptNumber,
		"source":         source,
		"at":             r.now().UTC(),
	}
	if err := r.notifier.Publish(ctx, r.cfg.NotifyTopic, event); err != nil {
		// Fire and forget: a lost event never fails a finalize.
		r.log.Error("publish payment event failed", "order_id", res.OrderID, "err", err)
	}
}

func result(outcome domain.FinalizeOutcome, order *domain.Order, payTx *domain.Transaction) domain.FinalizeResult {
	res := domain.FinalizeResult{
		Outcome:       outcome,
		OrderID:       order.ID,
		OrderStatus:   order.Status,
		PaymentStatus: order.PaymentStatus,
	}
	if payTx != nil && payTx.ReceiptNumber != nil {
		res.ReceiptNumber = *payTx.ReceiptNumber
	}
	return res
}
