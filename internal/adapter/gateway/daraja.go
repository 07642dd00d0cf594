package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sokodrop/payments/internal/core/domain"
	"github.com/sokodrop/payments/internal/port"
)

// tokenTTLSlack is shaved off the gateway-reported token lifetime so a
// cached token never expires mid-request.
const tokenTTLSlack = 60 * time.Second

// DarajaClient talks to the mobile-money gateway's STK-push API. The
// OAuth token lives in the injected TokenCache, refreshed on expiry or
// on a 401. Every request runs under the client's bounded timeout; the
// client itself never retries; backoff policy belongs to the sweep
// job.
type DarajaClient struct {
	http        *http.Client
	baseURL     string
	consumerKey string
	secret      string
	shortCode   string
	passkey     string
	callbackURL string
	tokens      port.TokenCache
	log         *slog.Logger
	now         func() time.Time
}

type Options struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

func NewDarajaClient(opts Options, tokens port.TokenCache, log *slog.Logger) *DarajaClient {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	return &DarajaClient{
		http:        &http.Client{Timeout: opts.Timeout},
		baseURL:     opts.BaseURL,
		consumerKey: opts.ConsumerKey,
		secret:      opts.ConsumerSecret,
		shortCode:   opts.ShortCode,
		passkey:     opts.Passkey,
		callbackURL: opts.CallbackURL,
		tokens:      tokens,
		log:         log,
		now:         time.Now,
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResultCode    string  `json:"ResultCode"`
	ResultDesc    string  `json:"ResultDesc"`
	ReceiptNumber string  `json:"MpesaReceiptNumber"`
	Amount        float64 `json:"Amount"`
}

func (c *DarajaClient) InitiatePayment(ctx context.Context, phone string, amount float64, reference string) (string, error) {
	ts := c.now().Format("20060102150405")
	req := stkPushRequest{
		BusinessShortCode: c.shortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            int64(math.Ceil(amount)),
		PartyA:            phone,
		PartyB:            c.shortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  reference,
		TransactionDesc:   reference,
	}

	var resp stkPushResponse
	if err := c.postAuthorized(ctx, "/mpesa/stkpush/v1/processrequest", req, &resp); err != nil {
		return "", err
	}
	if resp.ResponseCode != "0" {
		return "", fmt.Errorf("gateway rejected initiation: %s (%s)", resp.ResponseDesc, resp.ResponseCode)
	}
	return resp.CheckoutRequestID, nil
}

func (c *DarajaClient) QueryStatus(ctx context.Context, checkoutRef string) (*port.GatewayStatus, error) {
	ts := c.now().Format("20060102150405")
	req := stkQueryRequest{
		BusinessShortCode: c.shortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRef,
	}

	var resp stkQueryResponse
	if err := c.postAuthorized(ctx, "/mpesa/stkpushquery/v1/query", req, &resp); err != nil {
		return nil, err
	}

	code, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("gateway returned unparsable result code %q", resp.ResultCode)
	}
	return &port.GatewayStatus{
		ResultCode:    code,
		ResultDesc:    resp.ResultDesc,
		ReceiptNumber: resp.ReceiptNumber,
		Amount:        resp.Amount,
	}, nil
}

// password is the gateway's shortcode+passkey+timestamp credential.
func (c *DarajaClient) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.shortCode + c.passkey + ts))
}

// postAuthorized sends an authenticated JSON POST, refreshing the
// token and retrying once on a 401.
func (c *DarajaClient) postAuthorized(ctx context.Context, path string, body, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		status, err := c.postJSON(ctx, path, token, body, out)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			if err := c.tokens.Invalidate(ctx); err != nil {
				c.log.Warn("token invalidate failed", "err", err)
			}
			continue
		}
		if status != http.StatusOK {
			return fmt.Errorf("%w: gateway returned %d", domain.ErrGatewayUnavailable, status)
		}
		return nil
	}
	return fmt.Errorf("%w: authorization kept failing", domain.ErrGatewayUnavailable)
}

func (c *DarajaClient) postJSON(ctx context.Context, path, token string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns a valid token, fetching and caching a fresh one
// when the cache is empty.
func (c *DarajaClient) accessToken(ctx context.Context) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.log.Warn("token cache read failed, fetching fresh", "err", err)
	}
	if token != "" {
		return token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.consumerKey, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	var oauth oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&oauth); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if oauth.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", domain.ErrGatewayUnavailable)
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(oauth.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > tokenTTLSlack {
		ttl -= tokenTTLSlack
	}
	if err := c.tokens.Store(ctx, oauth.AccessToken, ttl); err != nil {
		c.log.Warn("token cache write failed", "err", err)
	}
	return oauth.AccessToken, nil
}
