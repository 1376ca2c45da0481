package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSClient calls the SMS gateway microservice.
type SMSClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Skip    bool
}

// NewSMSClient creates a client. skip short-circuits sends in dev.
func NewSMSClient(baseURL, apiKey string, skip bool) *SMSClient {
	return &SMSClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Health checks gateway reachability.
func (c *SMSClient) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway unhealthy: %s", resp.Status)
	}
	return nil
}

// Send delivers one SMS.
func (c *SMSClient) Send(ctx context.Context, to, message string) error {
	if to == "" || message == "" {
		return fmt.Errorf("sms: recipient and message required")
	}
	if c.Skip {
		return nil
	}

	body, _ := json.Marshal(map[string]string{"to": to, "message": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sms gateway error %s: %s", resp.Status, string(respBody))
	}
	return nil
}
