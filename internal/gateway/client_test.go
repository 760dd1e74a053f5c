package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/judeokello/microbima-sub000/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig(baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "600000",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/callbacks/stk",
		MaxRetries:     2,
	}
}

// zero backoff keeps retry tests fast
func init() {
	retrySchedule = []time.Duration{0, 0, 0}
}

func serveToken(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]string{
		"access_token": "tok-1",
		"expires_in":   "3599",
	})
}

func TestInitiateSuccess(t *testing.T) {
	var tokenCalls, pushCalls int32
	var gotPush map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			atomic.AddInt32(&tokenCalls, 1)
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "key", user)
			assert.Equal(t, "secret", pass)
			serveToken(w)
		case "/mpesa/stkpush/v1/processrequest":
			atomic.AddInt32(&pushCalls, 1)
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPush))
			json.NewEncoder(w).Encode(map[string]string{
				"CheckoutRequestID":   "ws_CO_1",
				"ResponseCode":        "0",
				"ResponseDescription": "Success. Request accepted for processing",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	resp, err := c.Initiate(context.Background(), InitiateRequest{
		RequestID:        "req-1",
		MSISDN:           "254722000000",
		Amount:           decimal.RequireFromString("100"),
		AccountReference: "POL123456",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", resp.CorrelationToken)
	assert.Equal(t, "254722000000", gotPush["PhoneNumber"])
	assert.Equal(t, "100", gotPush["Amount"])
	assert.Equal(t, "POL123456", gotPush["AccountReference"])
	assert.Equal(t, "CustomerPayBillOnline", gotPush["TransactionType"])
	assert.NotEmpty(t, gotPush["Password"])

	// Second call reuses the cached token.
	_, err = c.Initiate(context.Background(), InitiateRequest{
		RequestID:        "req-2",
		MSISDN:           "254722000000",
		Amount:           decimal.RequireFromString("50"),
		AccountReference: "POL123456",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&pushCalls))
}

func TestInitiateRetriesTransientFailures(t *testing.T) {
	var pushCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			serveToken(w)
			return
		}
		if atomic.AddInt32(&pushCalls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"CheckoutRequestID": "ws_CO_2", "ResponseCode": "0"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	resp, err := c.Initiate(context.Background(), InitiateRequest{
		RequestID: "req-1", MSISDN: "254722000000",
		Amount: decimal.RequireFromString("100"), AccountReference: "POL123456",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_2", resp.CorrelationToken)
	assert.Equal(t, int32(3), atomic.LoadInt32(&pushCalls))
}

func TestInitiateFatalErrorNotRetried(t *testing.T) {
	var pushCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			serveToken(w)
			return
		}
		atomic.AddInt32(&pushCalls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid PhoneNumber",
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	_, err := c.Initiate(context.Background(), InitiateRequest{
		RequestID: "req-1", MSISDN: "bad",
		Amount: decimal.RequireFromString("100"), AccountReference: "POL123456",
	})
	require.Error(t, err)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.False(t, gwErr.Retryable)
	assert.Equal(t, "400.002.02", gwErr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pushCalls))
}

func TestInitiateRetriesExhausted(t *testing.T) {
	var pushCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			serveToken(w)
			return
		}
		atomic.AddInt32(&pushCalls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	_, err := c.Initiate(context.Background(), InitiateRequest{
		RequestID: "req-1", MSISDN: "254722000000",
		Amount: decimal.RequireFromString("100"), AccountReference: "POL123456",
	})
	require.Error(t, err)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.True(t, gwErr.Retryable)
	// initial attempt plus MaxRetries
	assert.Equal(t, int32(3), atomic.LoadInt32(&pushCalls))
}

func TestAccessTokenAuthFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "404.001.03",
			"errorMessage": "Invalid Access Token",
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), testLogger())
	_, err := c.Initiate(context.Background(), InitiateRequest{
		RequestID: "req-1", MSISDN: "254722000000",
		Amount: decimal.RequireFromString("100"), AccountReference: "POL123456",
	})
	require.Error(t, err)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.False(t, gwErr.Retryable)
}
