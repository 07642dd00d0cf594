package tests

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sokodrop/payments/internal/adapter/storage"
	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/core/service"
	"github.com/sokodrop/payments/internal/port"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/sokopay?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return &testEnv{
		redis: rdb,
		mysql: db,
		cache: storage.NewRedisAdapter(rdb),
		db:    storage.NewMySQLAdapter(db),
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

// staticGateway stands in for the mobile-money API: every query
// reports the same completed payment.
type staticGateway struct {
	receipt string
	amount  float64
}

func (g staticGateway) InitiatePayment(ctx context.Context, phone string, amount float64, reference string) (string, error) {
	return "ws_CO_" + uuid.NewString(), nil
}

func (g staticGateway) QueryStatus(ctx context.Context, checkoutRef string) (*port.GatewayStatus, error) {
	return &port.GatewayStatus{ResultCode: 0, ReceiptNumber: g.receipt, Amount: g.amount}, nil
}

func (env *testEnv) insertOrder(t *testing.T, address string, total, fee float64, driverID *int64) int64 {
	t.Helper()
	ctx := context.Background()
	res, err := env.mysql.ExecContext(ctx, `
		INSERT INTO orders (status, payment_status, total_amount, delivery_fee, driver_id, delivery_address)
		VALUES ('pending', 'pending', ?, ?, ?, ?)`, total, fee, driverID, address)
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	id, _ := res.LastInsertId()
	t.Cleanup(func() {
		env.mysql.ExecContext(ctx, `DELETE FROM transactions WHERE order_id = ?`, id)
		env.mysql.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	})
	return id
}

func (env *testEnv) insertPendingPayment(t *testing.T, orderID int64, ref string, amount float64) {
	t.Helper()
	_, err := env.mysql.ExecContext(context.Background(), `
		INSERT INTO transactions (id, order_id, transaction_type, status, payment_status, checkout_request_id, amount)
		VALUES (?, ?, 'payment', 'pending', 'pending', ?, ?)`,
		uuid.NewString(), orderID, ref, amount)
	if err != nil {
		t.Fatalf("insert payment: %v", err)
	}
}

func newReconciler(env *testEnv, gw port.PaymentGateway) *service.Reconciler {
	cfg := service.Config{
		Split: service.SplitConfig{DriverPayEnabled: true, DriverPayAmount: 50, RoundEpsilon: 0.009},
	}
	return service.NewReconciler(env.db, gw, env.cache, cfg, nil, 64)
}

func TestIntegration_ConcurrentReplaysSettleOnce(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	orderID := env.insertOrder(t, "In-Store Purchase", 1000, 0, nil)
	ref := "ws_CO_it_" + uuid.NewString()
	env.insertPendingPayment(t, orderID, ref, 1000)

	rec := newReconciler(env, staticGateway{receipt: "ITRCPT1", amount: 1000})
	defer rec.Close()

	env.mysql.ExecContext(ctx, `DELETE FROM wallets WHERE owner_type = 'merchant' AND owner_id = 0`)

	// Callback, poll and sweep all race to finalize the same payment.
	sig := domain.PaymentSignal{
		CheckoutRef:   ref,
		ResultCode:    domain.ResultCodeOK,
		ReceiptNumber: "ITRCPT1",
		Amount:        1000,
		Source:        domain.SourceCallback,
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// ErrBusy is an acceptable answer under contention; the
			// ledger outcome below is what matters.
			rec.FinalizePayment(ctx, sig)
		}()
	}
	wg.Wait()

	// Retry once without contention so a fully busy race still settles.
	if _, err := rec.FinalizePayment(ctx, sig); err != nil {
		t.Fatalf("final pass: %v", err)
	}

	var txCount int
	env.mysql.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE order_id = ? AND transaction_type = 'payment'`,
		orderID).Scan(&txCount)
	if txCount != 1 {
		t.Errorf("expected 1 payment transaction, got %d", txCount)
	}

	order, payTx, err := env.db.OrderPayment(ctx, orderID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Errorf("order not settled: %+v", order)
	}
	if payTx == nil || !payTx.Completed() || *payTx.ReceiptNumber != "ITRCPT1" {
		t.Errorf("payment not settled: %+v", payTx)
	}
	if payTx.WalletCreditedAt == nil {
		t.Error("merchant credit never claimed")
	}

	var credited int
	env.mysql.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE order_id = ? AND wallet_credited_at IS NOT NULL`, orderID).Scan(&credited)
	if credited != 1 {
		t.Errorf("expected exactly 1 credited transaction, got %d", credited)
	}
}

func TestIntegration_SweepSettlesDeliveryOrder(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	driverID := int64(990001)
	orderID := env.insertOrder(t, "14 Riverside Drive", 1000, 80, &driverID)
	ref := "ws_CO_sweep_" + uuid.NewString()
	env.insertPendingPayment(t, orderID, ref, 1000)

	rec := newReconciler(env, staticGateway{receipt: "SWEEPRC1", amount: 1000})
	defer rec.Close()
	sweeper := service.NewSweeper(env.db, staticGateway{receipt: "SWEEPRC1", amount: 1000}, rec, nil, time.Minute, 30*time.Minute)

	// Three sweep cycles; the second and third must be no-ops.
	for i := 0; i < 3; i++ {
		if err := sweeper.SweepOnce(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	order, payTx, err := env.db.OrderPayment(ctx, orderID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Errorf("expected confirmed, got %s", order.Status)
	}
	if payTx == nil || !payTx.Completed() {
		t.Errorf("payment not settled: %+v", payTx)
	}

	var dpCount int
	var dpAmount, dpMerchant float64
	err = env.mysql.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(amount), 0), COALESCE(MAX(merchant_share), 0)
		FROM transactions WHERE order_id = ? AND transaction_type = 'delivery_pay'`,
		orderID).Scan(&dpCount, &dpAmount, &dpMerchant)
	if err != nil {
		t.Fatalf("delivery_pay read: %v", err)
	}
	if dpCount != 1 {
		t.Errorf("expected 1 delivery_pay row after 3 sweeps, got %d", dpCount)
	}
	if dpAmount != 50 || dpMerchant != 30 {
		t.Errorf("expected 50/30 split, got %.2f/%.2f", dpAmount, dpMerchant)
	}
}

func TestIntegration_DeliveryCompletionPaysDriver(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	driverID := time.Now().UnixNano() % 1_000_000
	orderID := env.insertOrder(t, "14 Riverside Drive", 600, 80, &driverID)
	ref := "ws_CO_drv_" + uuid.NewString()
	env.insertPendingPayment(t, orderID, ref, 600)
	t.Cleanup(func() {
		env.mysql.ExecContext(ctx, `DELETE FROM wallets WHERE owner_type = 'driver' AND owner_id = ?`, driverID)
	})

	rec := newReconciler(env, staticGateway{receipt: "DRVRC1", amount: 600})
	defer rec.Close()

	sig := domain.PaymentSignal{
		CheckoutRef:   ref,
		ResultCode:    domain.ResultCodeOK,
		ReceiptNumber: "DRVRC1",
		Amount:        600,
		Source:        domain.SourceCallback,
	}
	if _, err := rec.FinalizePayment(ctx, sig); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := rec.CompleteDelivery(ctx, orderID); err != nil {
			t.Fatalf("complete delivery %d: %v", i, err)
		}
	}

	wallet, err := env.db.Wallet(ctx, domain.WalletOwnerDriver, driverID)
	if err != nil {
		t.Fatalf("wallet read: %v", err)
	}
	if wallet == nil {
		t.Fatal("expected driver wallet")
	}
	if wallet.Balance != 50 {
		t.Errorf("expected driver balance 50 after replayed completion, got %.2f", wallet.Balance)
	}

	order, _, _ := env.db.OrderPayment(ctx, orderID)
	if order.Status != domain.OrderStatusCompleted {
		t.Errorf("expected completed, got %s", order.Status)
	}
}
