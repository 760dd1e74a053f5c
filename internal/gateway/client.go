package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/judeokello/microbima-sub000/internal/config"
	"github.com/judeokello/microbima-sub000/internal/domain"
)

// Error is a classified gateway failure. Retryable errors (throttling,
// transient 5xx, network) are retried by the client itself; fatal ones
// (credentials, malformed request) surface immediately.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// InitiateRequest is the input to a push-payment prompt.
type InitiateRequest struct {
	RequestID        string
	MSISDN           string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// InitiateResponse carries the provider's correlation token for the prompt.
type InitiateResponse struct {
	CorrelationToken string
}

// Client talks to the Daraja API. The OAuth token cache is per-process on
// purpose; tokens are cheap to regenerate so instances never coordinate.
type Client struct {
	cfg        config.GatewayConfig
	httpClient *http.Client
	log        *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg config.GatewayConfig, log *slog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

const tokenExpiryMargin = 60 * time.Second

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns a cached token, refreshing it under the lock when it
// is missing or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp.StatusCode, body)
	}

	var parsed oauthResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("oauth response decode failed: %w", err)
	}
	ttl, err := strconv.Atoi(parsed.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3600
	}
	c.token = parsed.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(ttl)*time.Second - tokenExpiryMargin)
	return c.token, nil
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
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

// Initiate sends the push-payment prompt. Retryable failures are retried on
// a fixed backoff schedule; the request id rides along so the provider can
// dedupe our retries.
func (c *Client) Initiate(ctx context.Context, in InitiateRequest) (*InitiateResponse, error) {
	ts := domain.FormatProviderTime(time.Now())
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))

	desc := in.Description
	if desc == "" {
		desc = in.AccountReference
	}
	payload := stkPushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            in.Amount.String(),
		PartyA:            in.MSISDN,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       in.MSISDN,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  in.AccountReference,
		TransactionDesc:   desc,
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := c.cfg.BaseURL + "/mpesa/stkpush/v1/processrequest"
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying gateway initiate",
				"request_id", in.RequestID, "attempt", attempt, "err", lastErr)
			if err := sleepContext(ctx, retryDelay(attempt)); err != nil {
				return nil, err
			}
		}

		token, err := c.accessToken(ctx)
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-Id", in.RequestID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &Error{Message: err.Error(), Retryable: true}
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = &Error{Message: readErr.Error(), Retryable: true}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var parsed stkPushResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return nil, fmt.Errorf("stk push response decode failed: %w", err)
			}
			if parsed.ResponseCode != "" && parsed.ResponseCode != "0" {
				return nil, &Error{
					StatusCode: resp.StatusCode,
					Code:       parsed.ResponseCode,
					Message:    parsed.ResponseDesc,
				}
			}
			return &InitiateResponse{CorrelationToken: parsed.CheckoutRequestID}, nil
		}

		gwErr := classifyHTTPError(resp.StatusCode, respBody)
		if !isRetryable(gwErr) {
			return nil, gwErr
		}
		lastErr = gwErr
	}
	return nil, lastErr
}

func classifyHTTPError(status int, body []byte) *Error {
	e := &Error{
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
	var parsed struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.ErrorCode != "" {
		e.Code = parsed.ErrorCode
		e.Message = parsed.ErrorMessage
	}
	return e
}

func isRetryable(err error) bool {
	gwErr, ok := err.(*Error)
	return ok && gwErr.Retryable
}

// Fixed schedule; the attempt count is small enough that exponential
// growth buys nothing here.
var retrySchedule = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}

func retryDelay(attempt int) time.Duration {
	if attempt-1 < len(retrySchedule) {
		return retrySchedule[attempt-1]
	}
	return retrySchedule[len(retrySchedule)-1]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
