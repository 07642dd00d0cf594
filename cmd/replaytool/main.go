// Command replaytool hammers a running server with the same gateway
// callback N times concurrently, then checks via the status endpoint
// that the ledger absorbed exactly one completion. A cheap smoke test
// for finalize idempotence under real concurrency.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	var (
		baseURL     = flag.String("base", "http://localhost:8080", "server base URL")
		orderID     = flag.Int64("order", 0, "order id with an initiated payment")
		checkoutRef = flag.String("ref", "", "checkout request id of the pending payment")
		receipt     = flag.String("receipt", "RPLAY123", "receipt number to replay")
		amount      = flag.Float64("amount", 1000, "paid amount")
		replays     = flag.Int("n", 25, "number of concurrent replays")
	)
	flag.Parse()

	if *orderID == 0 || *checkoutRef == "" {
		log.Fatal("both -order and -ref are required")
	}

	payload, _ := json.Marshal(map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"CheckoutRequestID": *checkoutRef,
				"ResultCode":        0,
				"ResultDesc":        "The service request is processed successfully.",
				"CallbackMetadata": map[string]any{
					"Item": []map[string]any{
						{"Name": "Amount", "Value": *amount},
						{"Name": "MpesaReceiptNumber", "Value": *receipt},
						{"Name": "TransactionDate", "Value": time.Now().Format("20060102150405")},
						{"Name": "PhoneNumber", "Value": 254700000000},
					},
				},
			},
		},
	})

	var acked atomic.Int32
	var failed atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *replays; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(*baseURL+"/api/payments/callback", "application/json", bytes.NewReader(payload))
			if err != nil || resp.StatusCode != http.StatusOK {
				failed.Add(1)
				return
			}
			resp.Body.Close()
			acked.Add(1)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Give the finalize workers a moment to drain the queue.
	time.Sleep(2 * time.Second)

	resp, err := http.Get(fmt.Sprintf("%s/api/orders/%d/payment", *baseURL, *orderID))
	if err != nil {
		log.Fatalf("status check failed: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		PaymentStatus     string  `json:"payment_status"`
		TransactionStatus string  `json:"transaction_status"`
		ReceiptNumber     string  `json:"receipt_number"`
		Amount            float64 `json:"amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		log.Fatalf("decode status: %v", err)
	}

	fmt.Println("========== REPLAY RESULTS ==========")
	fmt.Printf("Replays sent:      %d\n", *replays)
	fmt.Printf("Acknowledged:      %d\n", acked.Load())
	fmt.Printf("Transport errors:  %d\n", failed.Load())
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Printf("Final tx status:   %s\n", status.TransactionStatus)
	fmt.Printf("Final receipt:     %s\n", status.ReceiptNumber)
	fmt.Println("====================================")

	if status.TransactionStatus == "completed" && status.ReceiptNumber == *receipt {
		fmt.Println("PASS: single completed payment with the replayed receipt")
	} else {
		fmt.Println("FAIL: ledger did not converge to a single completion")
	}
}
