package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/port"
)

// mockLedger is an in-memory LedgerRepository with a real per-order
// mutex, so concurrency tests exercise the same serialization the
// MySQL row lock provides. Mutations apply eagerly; the tests here
// never roll back.
type mockLedger struct {
	mu      sync.Mutex
	locks   map[int64]*sync.Mutex
	orders  map[int64]*domain.Order
	txs     map[int64][]*domain.Transaction
	wallets map[string]*domain.Wallet

	creditCount int
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		locks:   make(map[int64]*sync.Mutex),
		orders:  make(map[int64]*domain.Order),
		txs:     make(map[int64][]*domain.Transaction),
		wallets: make(map[string]*domain.Wallet),
	}
}

func (m *mockLedger) addOrder(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.orders[o.ID] = &cp
}

func (m *mockLedger) addTransaction(t domain.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.txs[t.OrderID] = append(m.txs[t.OrderID], &cp)
}

func (m *mockLedger) orderLock(orderID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[orderID] = l
	}
	return l
}

func (m *mockLedger) WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context, ol port.OrderLedger) error) error {
	m.mu.Lock()
	_, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return domain.ErrOrderNotFound
	}

	l := m.orderLock(orderID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx, &mockOrderLedger{ledger: m, orderID: orderID})
}

func (m *mockLedger) OrderIDByCheckoutRef(ctx context.Context, ref string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for orderID, txs := range m.txs {
		for _, t := range txs {
			if t.CheckoutRequestID == ref && ref != "" {
				return orderID, nil
			}
		}
	}
	return 0, domain.ErrOrderNotFound
}

func (m *mockLedger) OrderIDByReceiptNote(ctx context.Context, needle string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []int64
	for orderID, txs := range m.txs {
		for _, t := range txs {
			if needle != "" && strings.Contains(t.Notes, needle) {
				matches = append(matches, orderID)
			}
		}
	}
	if len(matches) != 1 {
		return 0, domain.ErrOrderNotFound
	}
	return matches[0], nil
}

func (m *mockLedger) OrderPayment(ctx context.Context, orderID int64) (*domain.Order, *domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil, domain.ErrOrderNotFound
	}
	ocp := *o
	t := m.latestLocked(orderID, domain.TransactionTypePayment)
	if t == nil {
		return &ocp, nil, nil
	}
	tcp := *t
	return &ocp, &tcp, nil
}

func (m *mockLedger) PendingPayments(ctx context.Context, createdAfter time.Time) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, txs := range m.txs {
		for _, t := range txs {
			if t.TransactionType == domain.TransactionTypePayment &&
				t.Status == domain.TransactionStatusPending &&
				!t.CreatedAt.Before(createdAfter) {
				out = append(out, *t)
			}
		}
	}
	return out, nil
}

func (m *mockLedger) Wallet(ctx context.Context, owner domain.WalletOwner, ownerID int64) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletKey(owner, ownerID)]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *mockLedger) transactionCount(orderID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs[orderID])
}

func (m *mockLedger) latestLocked(orderID int64, txType domain.TransactionType) *domain.Transaction {
	txs := m.txs[orderID]
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].TransactionType == txType {
			return txs[i]
		}
	}
	return nil
}

func walletKey(owner domain.WalletOwner, ownerID int64) string {
	return string(owner) + ":" + strconv.FormatInt(ownerID, 10)
}

type mockOrderLedger struct {
	ledger  *mockLedger
	orderID int64
}

func (l *mockOrderLedger) Order(ctx context.Context) (*domain.Order, error) {
	l.ledger.mu.Lock()
	defer l.ledger.mu.Unlock()
	cp := *l.ledger.orders[l.orderID]
	return &cp, nil
}

func (l *mockOrderLedger) Transaction(ctx context.Context, txType domain.TransactionType) (*domain.Transaction, error) {
	l.ledger.mu.Lock()
	defer l.ledger.mu.Unlock()
	t := l.ledger.latestLocked(l.orderID, txType)
	if t == nil {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (l *mockOrderLedger) UpsertTransaction(ctx context.Context, t *domain.Transaction) error {
	l.ledger.mu.Lock()
	defer l.ledger.mu.Unlock()
	cp := *t
	for i, existing := range l.ledger.txs[l.orderID] {
		if existing.ID == t.ID {
			// Credited marker is owned by CreditWallet, never by upsert.
			cp.WalletCreditedAt = existing.WalletCreditedAt
			l.ledger.txs[l.orderID][i] = &cp
			return nil
		}
	}
	l.ledger.txs[l.orderID] = append(l.ledger.txs[l.orderID], &cp)
	return nil
}

func (l *mockOrderLedger) TransitionOrderStatus(ctx context.Context, status domain.OrderStatus, payStatus domain.PaymentStatus) error {
	l.ledger.mu.Lock()
	defer l.ledger.mu.Unlock()
	o := l.ledger.orders[l.orderID]
	o.Status = status
	o.PaymentStatus = payStatus
	return nil
}

func (l *mockOrderLedger) CreditWallet(ctx context.Context, owner domain.WalletOwner, ownerID int64, amount float64, fundingTxID string, countOrder bool) error {
	l.ledger.mu.Lock()
	defer l.ledger.mu.Unlock()

	var funding *domain.Transaction
	for _, txs := range l.ledger.txs {
		for _, t := range txs {
			if t.ID == fundingTxID {
				funding = t
			}
		}
	}
	if funding == nil || funding.WalletCreditedAt != nil {
		return nil
	}
	now := time.Now()
	funding.WalletCreditedAt = &now

	key := walletKey(owner, ownerID)
	w, ok := l.ledger.wallets[key]
	if !ok {
		w = &domain.Wallet{OwnerType: owner, OwnerID: ownerID}
		l.ledger.wallets[key] = w
	}
	w.Balance += amount
	w.TotalEarned += amount
	if countOrder {
		w.TotalOrders++
	}
	l.ledger.creditCount++
	return nil
}
