package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/port"
)

// MySQL error numbers mapped to domain.ErrBusy: lock wait timeout and
// NOWAIT lock rejection.
const (
	errLockWaitTimeout = 1205
	errLockNowait      = 3572
)

// MySQLAdapter is the single writer for the orders, transactions and
// wallets tables.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

const orderColumns = `id, status, payment_status, total_amount, tip_amount, delivery_fee,
	driver_id, delivery_address, created_at, updated_at`

const transactionColumns = `id, order_id, transaction_type, status, payment_status,
	receipt_number, checkout_request_id, driver_id, amount, merchant_share,
	wallet_credited_at, notes, created_at, updated_at`

// WithOrderLock opens a transaction, takes the row lock on the order
// (the sole serialization point across all four signal channels), runs
// fn, and commits. Everything fn writes lands atomically or not at
// all.
func (m *MySQLAdapter) WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context, ol port.OrderLedger) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders WHERE id = ? FOR UPDATE NOWAIT`, orderID)

	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrOrderNotFound
	}
	if err != nil {
		if isLockTimeout(err) {
			return domain.ErrBusy
		}
		return fmt.Errorf("lock order %d: %w", orderID, err)
	}

	ol := &orderLedgerTx{tx: tx, order: order}
	if err := fn(ctx, ol); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MySQLAdapter) OrderIDByCheckoutRef(ctx context.Context, checkoutRef string) (int64, error) {
	var orderID int64
	err := m.db.QueryRowContext(ctx, `
		SELECT order_id FROM transactions
		WHERE checkout_request_id = ?
		ORDER BY created_at DESC LIMIT 1`, checkoutRef,
	).Scan(&orderID)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrOrderNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query checkout ref: %w", err)
	}
	return orderID, nil
}

// OrderIDByReceiptNote is the legacy free-text fallback. It only
// answers when exactly one transaction mentions the receipt; anything
// ambiguous is treated as not found.
func (m *MySQLAdapter) OrderIDByReceiptNote(ctx context.Context, needle string) (int64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT DISTINCT order_id FROM transactions
		WHERE notes LIKE CONCAT('%', ?, '%') LIMIT 2`, needle)
	if err != nil {
		return 0, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan notes match: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate notes matches: %w", err)
	}
	if len(ids) != 1 {
		return 0, domain.ErrOrderNotFound
	}
	return ids[0], nil
}

func (m *MySQLAdapter) OrderPayment(ctx context.Context, orderID int64) (*domain.Order, *domain.Transaction, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query order: %w", err)
	}

	txRow := m.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE order_id = ? AND transaction_type = ?
		ORDER BY created_at DESC LIMIT 1`, orderID, domain.TransactionTypePayment)
	payTx, err := scanTransaction(txRow)
	if errors.Is(err, sql.ErrNoRows) {
		return order, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query payment transaction: %w", err)
	}
	return order, payTx, nil
}

func (m *MySQLAdapter) PendingPayments(ctx context.Context, createdAfter time.Time) ([]domain.Transaction, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE transaction_type = ? AND status = ? AND created_at >= ?
		ORDER BY created_at ASC`,
		domain.TransactionTypePayment, domain.TransactionStatusPending, createdAfter)
	if err != nil {
		return nil, fmt.Errorf("query pending payments: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) Wallet(ctx context.Context, owner domain.WalletOwner, ownerID int64) (*domain.Wallet, error) {
	var w domain.Wallet
	err := m.db.QueryRowContext(ctx, `
		SELECT id, owner_type, owner_id, balance, total_orders, total_earned, created_at, updated_at
		FROM wallets WHERE owner_type = ? AND owner_id = ?`, owner, ownerID,
	).Scan(&w.ID, &w.OwnerType, &w.OwnerID, &w.Balance, &w.TotalOrders, &w.TotalEarned,
		&w.CreatedAt, &w.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	return &w, nil
}

// orderLedgerTx is the locked-section view handed to the reconciler.
type orderLedgerTx struct {
	tx    *sql.Tx
	order *domain.Order
}

func (l *orderLedgerTx) Order(ctx context.Context) (*domain.Order, error) {
	cp := *l.order
	return &cp, nil
}

func (l *orderLedgerTx) Transaction(ctx context.Context, txType domain.TransactionType) (*domain.Transaction, error) {
	row := l.tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE order_id = ? AND transaction_type = ?
		ORDER BY created_at DESC LIMIT 1`, l.order.ID, txType)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return t, nil
}

func (l *orderLedgerTx) UpsertTransaction(ctx context.Context, t *domain.Transaction) error {
	_, err := l.tx.ExecContext(ctx, `
		INSERT INTO transactions
			(`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			payment_status = VALUES(payment_status),
			receipt_number = VALUES(receipt_number),
			checkout_request_id = VALUES(checkout_request_id),
			driver_id = VALUES(driver_id),
			amount = VALUES(amount),
			merchant_share = VALUES(merchant_share),
			notes = VALUES(notes),
			updated_at = VALUES(updated_at)`,
		t.ID, t.OrderID, t.TransactionType, t.Status, t.PaymentStatus,
		t.ReceiptNumber, t.CheckoutRequestID, t.DriverID, t.Amount, t.MerchantShare,
		t.WalletCreditedAt, t.Notes, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

func (l *orderLedgerTx) TransitionOrderStatus(ctx context.Context, status domain.OrderStatus, payStatus domain.PaymentStatus) error {
	_, err := l.tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, payment_status = ?, updated_at = NOW()
		WHERE id = ?`, status, payStatus, l.order.ID)
	if err != nil {
		return fmt.Errorf("transition order status: %w", err)
	}
	l.order.Status = status
	l.order.PaymentStatus = payStatus
	return nil
}

// CreditWallet applies a wallet credit at most once per funding
// transaction: the credited marker on the transaction row is claimed
// first, and only a successful claim touches the wallet.
func (l *orderLedgerTx) CreditWallet(ctx context.Context, owner domain.WalletOwner, ownerID int64, amount float64, fundingTxID string, countOrder bool) error {
	res, err := l.tx.ExecContext(ctx, `
		UPDATE transactions SET wallet_credited_at = NOW()
		WHERE id = ? AND wallet_credited_at IS NULL`, fundingTxID)
	if err != nil {
		return fmt.Errorf("claim wallet credit: %w", err)
	}
	claimed, _ := res.RowsAffected()
	if claimed == 0 {
		// Already credited by an earlier signal.
		return nil
	}

	orderInc := 0
	if countOrder {
		orderInc = 1
	}
	_, err = l.tx.ExecContext(ctx, `
		INSERT INTO wallets (owner_type, owner_id, balance, total_orders, total_earned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
			balance = balance + VALUES(balance),
			total_orders = total_orders + VALUES(total_orders),
			total_earned = total_earned + VALUES(total_earned),
			updated_at = NOW()`,
		owner, ownerID, amount, orderInc, amount,
	)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return nil
}

func isLockTimeout(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errLockWaitTimeout || myErr.Number == errLockNowait
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var driverID sql.NullInt64
	err := row.Scan(&o.ID, &o.Status, &o.PaymentStatus, &o.TotalAmount, &o.TipAmount,
		&o.DeliveryFee, &driverID, &o.DeliveryAddress, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		o.DriverID = &driverID.Int64
	}
	return &o, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var receipt sql.NullString
	var driverID sql.NullInt64
	var merchantShare sql.NullFloat64
	var creditedAt sql.NullTime
	var notes sql.NullString

	err := row.Scan(&t.ID, &t.OrderID, &t.TransactionType, &t.Status, &t.PaymentStatus,
		&receipt, &t.CheckoutRequestID, &driverID, &t.Amount, &merchantShare,
		&creditedAt, &notes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if receipt.Valid {
		t.ReceiptNumber = &receipt.String
	}
	if driverID.Valid {
		t.DriverID = &driverID.Int64
	}
	if merchantShare.Valid {
		t.MerchantShare = &merchantShare.Float64
	}
	if creditedAt.Valid {
		t.WalletCreditedAt = &creditedAt.Time
	}
	t.Notes = notes.String
	return &t, nil
}

func scanTransactionRows(rows *sql.Rows) (*domain.Transaction, error) {
	t, err := scanTransaction(rows)
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}
