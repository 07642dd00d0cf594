package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/core/service"
)

// HTTPHandler exposes the four signal sources plus the customer status
// check. Each route only extracts and normalizes a signal; every
// decision lives in the reconciler.
type HTTPHandler struct {
	rec *service.Reconciler
	log *slog.Logger
}

func NewHTTPHandler(rec *service.Reconciler, log *slog.Logger) *HTTPHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPHandler{rec: rec, log: log}
}

func (h *HTTPHandler) Register(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.POST("/payments/callback", h.Callback)
	api.POST("/payments/initiate", h.Initiate)
	api.POST("/payments/:orderID/poll", h.Poll)
	api.POST("/payments/confirm", h.ManualConfirm)
	api.GET("/orders/:orderID/payment", h.PaymentStatus)
	api.POST("/deliveries/:orderID/complete", h.CompleteDelivery)
}

// Callback receives the gateway's asynchronous completion report. The
// gateway expects an acknowledgment within a tight deadline, so the
// payload is queued for the finalize workers and acknowledged
// unconditionally. Even a malformed body gets a clean ack; it is the
// workers' job to log and drop it.
func (h *HTTPHandler) Callback(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		h.log.Warn("callback body unreadable", "err", err)
	} else {
		h.rec.Enqueue(service.RawSignal{Payload: raw, Source: domain.SourceCallback})
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

type initiateRequest struct {
	OrderID int64  `json:"order_id" binding:"required" validate:"gt=0"`
	Phone   string `json:"phone" binding:"required" validate:"min=9,max=15"`
}

func (h *HTTPHandler) Initiate(c *gin.Context) {
	var req initiateRequest
	if !bindAndValidate(c, &req) {
		return
	}

	checkoutRef, err := h.rec.InitiatePayment(c.Request.Context(), req.OrderID, req.Phone)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		case errors.Is(err, service.ErrAlreadyPaid):
			c.JSON(http.StatusConflict, gin.H{"error": "already_paid"})
		case errors.Is(err, domain.ErrBusy):
			c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
		case errors.Is(err, domain.ErrGatewayUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable"})
		default:
			h.log.Error("initiate failed", "order_id", req.OrderID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": req.OrderID, "checkout_request_id": checkoutRef})
}

// Poll synchronously re-queries the gateway for an order whose
// callback is suspected lost. A gateway hiccup answers "pending",
// never a false failure.
func (h *HTTPHandler) Poll(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	res, err := h.rec.PollPayment(c.Request.Context(), orderID)
	if err != nil {
		h.writeFinalizeError(c, orderID, err)
		return
	}
	c.JSON(http.StatusOK, finalizeBody(res))
}

type manualConfirmRequest struct {
	OrderID       int64   `json:"order_id" binding:"required" validate:"gt=0"`
	ReceiptNumber string  `json:"receipt_number" binding:"required" validate:"min=4,max=32"`
	Amount        float64 `json:"amount" validate:"gte=0"`
	Phone         string  `json:"phone"`
}

// ManualConfirm lets an operator or customer submit a receipt. It goes
// through the exact same finalize path as every other channel; there
// is no special-cased manual flow.
func (h *HTTPHandler) ManualConfirm(c *gin.Context) {
	var req manualConfirmRequest
	if !bindAndValidate(c, &req) {
		return
	}

	sig := domain.PaymentSignal{
		OrderID:       req.OrderID,
		ResultCode:    domain.ResultCodeOK,
		ReceiptNumber: req.ReceiptNumber,
		Amount:        req.Amount,
		Phone:         req.Phone,
		Source:        domain.SourceManual,
	}
	res, err := h.rec.FinalizePayment(c.Request.Context(), sig)
	if err != nil {
		h.writeFinalizeError(c, req.OrderID, err)
		return
	}
	c.JSON(http.StatusOK, finalizeBody(res))
}

// PaymentStatus reflects the last known ledger truth. It never calls
// the gateway: a transient gateway failure must not show a false
// terminal state here.
func (h *HTTPHandler) PaymentStatus(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	view, err := h.rec.PaymentStatus(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		h.log.Error("status read failed", "order_id", orderID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":            view.OrderID,
		"order_status":        view.OrderStatus,
		"payment_status":      view.PaymentStatus,
		"transaction_status":  view.TransactionStatus,
		"receipt_number":      view.ReceiptNumber,
		"amount":              view.Amount,
		"checkout_request_id": view.CheckoutRef,
	})
}

// CompleteDelivery consumes the delivery-completion event from the
// dispatch system, releasing the driver payout recorded at payment
// time.
func (h *HTTPHandler) CompleteDelivery(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	res, err := h.rec.CompleteDelivery(c.Request.Context(), orderID)
	if err != nil {
		h.writeFinalizeError(c, orderID, err)
		return
	}
	c.JSON(http.StatusOK, finalizeBody(res))
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) writeFinalizeError(c *gin.Context, orderID int64, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
	case errors.Is(err, domain.ErrBusy):
		// Another finalize holds the order lock; the caller re-polls
		// rather than duplicating the attempt.
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	default:
		h.log.Error("finalize failed", "order_id", orderID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func orderIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("orderID"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return 0, false
	}
	return id, true
}

func finalizeBody(res domain.FinalizeResult) gin.H {
	return gin.H{
		"order_id":       res.OrderID,
		"outcome":        res.Outcome,
		"order_status":   res.OrderStatus,
		"payment_status": res.PaymentStatus,
		"receipt_number": res.ReceiptNumber,
	}
}
