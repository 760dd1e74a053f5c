package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client invokes the policy-activation collaborator over HTTP. The caller
// treats failures as retryable-later and never fails a payment on them.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Activate asks the policy service to activate everything the customer has
// pending. With no base URL configured the call is a logged no-op, which
// keeps single-binary deployments running.
func (c *Client) Activate(ctx context.Context, customerID int64) error {
	if c.baseURL == "" {
		c.log.Info("activation endpoint not configured; skipping", "customer_id", customerID)
		return nil
	}

	payload, err := json.Marshal(map[string]int64{"customer_id": customerID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/v1/activations", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("activation rejected: status=%d body=%s", resp.StatusCode, body)
	}
	return nil
}
