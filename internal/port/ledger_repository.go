package port

import (
	"context"
	"time"

	"github.com/sokodrop/payments/internal/core/domain"
)

// OrderLedger is the set of mutations valid while the order-scoped
// lock is held. Every method must be safe to call twice with identical
// inputs; the wallet credit is additionally guarded by the funding
// transaction's credited marker.
type OrderLedger interface {
	// Order returns the locked order row.
	Order(ctx context.Context) (*domain.Order, error)

	// Transaction returns the latest transaction of the given type for
	// the locked order, or nil when none exists.
	Transaction(ctx context.Context, txType domain.TransactionType) (*domain.Transaction, error)

	// UpsertTransaction inserts or updates the transaction row keyed by
	// its id.
	UpsertTransaction(ctx context.Context, tx *domain.Transaction) error

	// TransitionOrderStatus updates the order's status and payment
	// status.
	TransitionOrderStatus(ctx context.Context, status domain.OrderStatus, payStatus domain.PaymentStatus) error

	// CreditWallet adds amount to the wallet identified by owner,
	// funded by the given transaction. The credit is applied at most
	// once per funding transaction: a second call with the same
	// fundingTxID is a no-op. countOrder bumps the wallet's order
	// counter alongside the balance.
	CreditWallet(ctx context.Context, owner domain.WalletOwner, ownerID int64, amount float64, fundingTxID string, countOrder bool) error
}

// LedgerRepository is the single writer for orders, transactions and
// wallets.
type LedgerRepository interface {
	// WithOrderLock runs fn while holding an exclusive lock on the
	// order row, committing all mutations atomically when fn returns
	// nil. Lock contention surfaces as domain.ErrBusy; a missing order
	// as domain.ErrOrderNotFound.
	WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context, ol OrderLedger) error) error

	// OrderIDByCheckoutRef resolves a checkout reference to its order
	// via the transactions index.
	OrderIDByCheckoutRef(ctx context.Context, checkoutRef string) (int64, error)

	// OrderIDByReceiptNote is the legacy last-resort lookup: a
	// substring match against the free-text notes field. Degraded path
	// only; returns domain.ErrOrderNotFound on no or ambiguous match.
	OrderIDByReceiptNote(ctx context.Context, needle string) (int64, error)

	// OrderPayment reads the order and its payment transaction without
	// locking, for customer-facing status checks.
	OrderPayment(ctx context.Context, orderID int64) (*domain.Order, *domain.Transaction, error)

	// PendingPayments lists payment transactions still pending and
	// created after the cutoff, for the sweep job.
	PendingPayments(ctx context.Context, createdAfter time.Time) ([]domain.Transaction, error)

	// Wallet reads a wallet by owner.
	Wallet(ctx context.Context, owner domain.WalletOwner, ownerID int64) (*domain.Wallet, error)
}
