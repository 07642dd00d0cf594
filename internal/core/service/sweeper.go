package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/port"
)

// Sweeper is the periodic background job that re-queries the gateway
// for payment transactions stuck in pending. Only transactions younger
// than the window are swept; anything older is left for manual
// intervention, never auto-failed.
type Sweeper struct {
	ledger   port.LedgerRepository
	gateway  port.PaymentGateway
	rec      *Reconciler
	log      *slog.Logger
	interval time.Duration
	window   time.Duration

	// retry policy for transient gateway errors; bounded backoff lives
	// only here, never inline in the callback or poll paths.
	maxAttempts int
	backoff     time.Duration
}

func NewSweeper(ledger port.LedgerRepository, gateway port.PaymentGateway, rec *Reconciler, log *slog.Logger, interval, window time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		ledger:      ledger,
		gateway:     gateway,
		rec:         rec,
		log:         log,
		interval:    interval,
		window:      window,
		maxAttempts: 3,
		backoff:     2 * time.Second,
	}
}

// Run loops until ctx is cancelled. Errors from individual sweeps are
// reported on errs (consumed by the supervisor in cmd/server) and
// never stop the loop.
func (s *Sweeper) Run(ctx context.Context, errs chan<- error) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				select {
				case errs <- err:
				default:
				}
			}
		}
	}
}

// SweepOnce scans pending payments inside the window and feeds each
// gateway answer through the same FinalizePayment as every other
// channel.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.window)
	pending, err := s.ledger.PendingPayments(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	s.log.Info("sweeping pending payments", "count", len(pending))

	for _, tx := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st, err := s.queryWithBackoff(ctx, tx.CheckoutRequestID)
		if err != nil {
			// Unknown is not failed; the next sweep tries again.
			s.log.Warn("sweep query degraded to pending",
				"order_id", tx.OrderID, "checkout_ref", tx.CheckoutRequestID, "err", err)
			continue
		}

		sig := SignalFromStatus(tx.OrderID, tx.CheckoutRequestID, st, domain.SourceSweep)
		if _, err := s.rec.FinalizePayment(ctx, sig); err != nil {
			if errors.Is(err, domain.ErrBusy) {
				// Another channel is finalizing this order right now;
				// duplicating the attempt is exactly what we must not do.
				continue
			}
			s.log.Error("sweep finalize failed", "order_id", tx.OrderID, "err", err)
		}
	}
	return nil
}

func (s *Sweeper) queryWithBackoff(ctx context.Context, checkoutRef string) (*port.GatewayStatus, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff << (attempt - 1)):
			}
		}
		st, err := s.gateway.QueryStatus(ctx, checkoutRef)
		if err == nil {
			return st, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			break
		}
	}
	return nil, lastErr
}
