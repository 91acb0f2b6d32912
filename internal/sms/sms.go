// Package sms sends the SMS escalation channel through an SMSAPI-style
// REST gateway. The dispatcher only sees the narrow Gateway contract.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "reportbot/pkg/logx"
)

// Gateway is the bulk-send contract consumed by the dispatcher. One call
// addresses the whole recipient list; the gateway fans out internally.
type Gateway interface {
	SendBulk(ctx context.Context, from string, to []string, body string) error
}

const defaultBaseURL = "https://api.smsapi.pl"

type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	http    *http.Client
	token   string
	baseURL string
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("sms token is empty")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		token:   cfg.Token,
		baseURL: base,
		log:     log,
	}, nil
}

type sendResponse struct {
	Count   int    `json:"count"`
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// SendBulk sends one message body to every number in a single batched call.
func (c *Client) SendBulk(ctx context.Context, from string, to []string, body string) error {
	if len(to) == 0 {
		c.log.Debug("sms send skipped (no recipients)")
		return nil
	}

	form := url.Values{}
	form.Set("from", from)
	form.Set("to", strings.Join(to, ","))
	form.Set("message", body)
	form.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sms.do",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("sms gateway: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms gateway: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var sr sendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		// The gateway answered 200 with an unexpected body; treat as sent
		// but leave a trace.
		c.log.Warn("sms gateway returned unparseable body", logx.Err(err))
		return nil
	}
	if sr.Error != 0 {
		return fmt.Errorf("sms gateway: error %d: %s", sr.Error, sr.Message)
	}
	c.log.Debug("sms batch sent", logx.Int("recipients", len(to)), logx.Int("accepted", sr.Count))
	return nil
}
