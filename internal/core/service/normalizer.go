package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/port"
)

// Normalize converts a raw completion report from any channel into a
// canonical PaymentSignal. Three wire shapes are recognized: the
// gateway's nested stkCallback envelope, the same fields at the root,
// and the flattened snake_case form used by the legacy relay. Poll and
// sweep results never hit the wire; they go through SignalFromStatus.
//
// Pure transform: no side effects, never panics on foreign input.
// Returns domain.ErrMalformedSignal when no correlation key (checkout
// reference or order id) can be extracted.
func Normalize(raw []byte, source domain.SignalSource) (domain.PaymentSignal, error) {
	sig := domain.PaymentSignal{Source: source}

	var env callbackEnvelope
	if err := decodeStrictNumbers(raw, &env); err == nil && env.Body.StkCallback != nil {
		fillFromCallback(&sig, env.Body.StkCallback)
		return checkKey(sig)
	}

	var root rootCallback
	if err := decodeStrictNumbers(raw, &root); err == nil && root.CheckoutRequestID != "" {
		fillFromRoot(&sig, &root)
		return checkKey(sig)
	}

	var flat flatSignal
	if err := decodeStrictNumbers(raw, &flat); err == nil {
		fillFromFlat(&sig, &flat)
		return checkKey(sig)
	}

	return domain.PaymentSignal{}, fmt.Errorf("%w: unrecognized payload shape", domain.ErrMalformedSignal)
}

// SignalFromStatus builds the synthetic signal a poll or sweep feeds
// into the reconciler after querying the gateway.
func SignalFromStatus(orderID int64, checkoutRef string, st *port.GatewayStatus, source domain.SignalSource) domain.PaymentSignal {
	return domain.PaymentSignal{
		OrderID:       orderID,
		CheckoutRef:   checkoutRef,
		ResultCode:    st.ResultCode,
		ResultDesc:    st.ResultDesc,
		ReceiptNumber: st.ReceiptNumber,
		Amount:        st.Amount,
		Timestamp:     time.Now().UTC(),
		Source:        source,
	}
}

func checkKey(sig domain.PaymentSignal) (domain.PaymentSignal, error) {
	if sig.OrderID == 0 && sig.CheckoutRef == "" {
		return domain.PaymentSignal{}, fmt.Errorf("%w: no checkout reference or order id", domain.ErrMalformedSignal)
	}
	return sig, nil
}

func decodeStrictNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        json.Number `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []metaItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metaItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

type rootCallback struct {
	CheckoutRequestID  string      `json:"CheckoutRequestID"`
	ResultCode         json.Number `json:"ResultCode"`
	ResultDesc         string      `json:"ResultDesc"`
	MpesaReceiptNumber string      `json:"MpesaReceiptNumber"`
	Amount             json.Number `json:"Amount"`
	PhoneNumber        any         `json:"PhoneNumber"`
	TransactionDate    any         `json:"TransactionDate"`
}

// flatSignal tolerates the legacy relay's habit of sending numbers as
// strings.
type flatSignal struct {
	OrderID           any    `json:"order_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	ResultCode        any    `json:"result_code"`
	ResultDesc        string `json:"result_desc"`
	ReceiptNumber     string `json:"receipt_number"`
	Amount            any    `json:"amount"`
	Phone             string `json:"phone"`
	TransactionDate   any    `json:"transaction_date"`
}

func fillFromCallback(sig *domain.PaymentSignal, cb *stkCallback) {
	sig.CheckoutRef = cb.CheckoutRequestID
	sig.ResultCode = numToInt(cb.ResultCode)
	sig.ResultDesc = cb.ResultDesc
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			sig.ReceiptNumber = anyToString(item.Value)
		case "Amount":
			sig.Amount = anyToFloat(item.Value)
		case "PhoneNumber":
			sig.Phone = anyToString(item.Value)
		case "TransactionDate":
			sig.Timestamp = parseGatewayTime(item.Value)
		}
	}
}

func fillFromRoot(sig *domain.PaymentSignal, r *rootCallback) {
	sig.CheckoutRef = r.CheckoutRequestID
	sig.ResultCode = numToInt(r.ResultCode)
	sig.ResultDesc = r.ResultDesc
	sig.ReceiptNumber = r.MpesaReceiptNumber
	sig.Amount = numToFloat(r.Amount)
	sig.Phone = anyToString(r.PhoneNumber)
	sig.Timestamp = parseGatewayTime(r.TransactionDate)
}

func fillFromFlat(sig *domain.PaymentSignal, f *flatSignal) {
	sig.OrderID = int64(anyToFloat(f.OrderID))
	sig.CheckoutRef = f.CheckoutRequestID
	sig.ResultCode = int(anyToFloat(f.ResultCode))
	sig.ResultDesc = f.ResultDesc
	sig.ReceiptNumber = f.ReceiptNumber
	sig.Amount = anyToFloat(f.Amount)
	sig.Phone = f.Phone
	sig.Timestamp = parseGatewayTime(f.TransactionDate)
}

func numToInt(n json.Number) int {
	i, err := n.Int64()
	if err != nil {
		return 0
	}
	return int(i)
}

func numToFloat(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func anyToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func anyToFloat(v any) float64 {
	switch x := v.(type) {
	case json.Number:
		return numToFloat(x)
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	default:
		return 0
	}
}

// gatewayTimeLayout is the gateway's yyyymmddhhmmss numeric timestamp.
const gatewayTimeLayout = "20060102150405"

func parseGatewayTime(v any) time.Time {
	s := anyToString(v)
	if len(s) != len(gatewayTimeLayout) {
		return time.Time{}
	}
	ts, err := time.Parse(gatewayTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
