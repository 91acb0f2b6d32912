// Package gmail is a thin REST client for the mail provider's history,
// message, and watch endpoints. Token lifecycle is out of scope here; the
// client sends whatever bearer token it was configured with.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "reportbot/pkg/logx"
)

const defaultBaseURL = "https://gmail.googleapis.com"

type Config struct {
	Account string // mailbox user; "me" addresses the authenticated account
	Topic   string // pub/sub topic for watch renewal
	Token   string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	http    *http.Client
	cfg     Config
	baseURL string
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Account) == "" {
		cfg.Account = "me"
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("mail token is empty")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		cfg:     cfg,
		baseURL: base,
		log:     log,
	}, nil
}

type historyResponse struct {
	History []struct {
		MessagesAdded []struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	NextPageToken string `json:"nextPageToken"`
}

// ListAddedMessages returns the ids of messages added since the given
// history cursor, following pagination.
func (c *Client) ListAddedMessages(ctx context.Context, sinceHistoryID uint64) ([]string, error) {
	var (
		ids       []string
		pageToken string
	)
	for {
		q := url.Values{}
		q.Set("startHistoryId", strconv.FormatUint(sinceHistoryID, 10))
		q.Set("historyTypes", "messageAdded")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var hr historyResponse
		if err := c.getJSON(ctx, c.userURL("history")+"?"+q.Encode(), &hr); err != nil {
			return nil, err
		}
		for _, h := range hr.History {
			for _, added := range h.MessagesAdded {
				if added.Message.ID != "" {
					ids = append(ids, added.Message.ID)
				}
			}
		}
		if hr.NextPageToken == "" {
			return ids, nil
		}
		pageToken = hr.NextPageToken
	}
}

type rawMessageResponse struct {
	Raw string `json:"raw"`
}

// RawMessage fetches and decodes one message in RFC 822 form.
func (c *Client) RawMessage(ctx context.Context, id string) ([]byte, error) {
	var mr rawMessageResponse
	if err := c.getJSON(ctx, c.userURL("messages/"+url.PathEscape(id))+"?format=raw", &mr); err != nil {
		return nil, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(mr.Raw, "="))
	if err != nil {
		return nil, fmt.Errorf("decoding raw message %s: %w", id, err)
	}
	return raw, nil
}

// RenewWatch drops the current push subscription and registers a fresh one
// against the configured topic. The provider expires subscriptions after a
// few days, so this is scheduled daily. A failed stop is not fatal; the
// watch call below supersedes the old subscription anyway.
func (c *Client) RenewWatch(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.Topic) == "" {
		return errors.New("mail topic is not configured")
	}

	stopReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.userURL("stop"), nil)
	if err != nil {
		return err
	}
	if err := c.do(stopReq, nil); err != nil {
		c.log.Warn("stopping previous watch failed", logx.Err(err))
	}

	body, err := json.Marshal(map[string]string{"topicName": c.cfg.Topic})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.userURL("watch"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("renewing watch: %w", err)
	}
	c.log.Info("mail watch renewed", logx.String("topic", c.cfg.Topic))
	return nil
}

func (c *Client) userURL(suffix string) string {
	return c.baseURL + "/gmail/v1/users/" + url.PathEscape(c.cfg.Account) + "/" + suffix
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mail provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("mail provider: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mail provider: %s: status %d: %s",
			req.URL.Path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mail provider: decoding %s: %w", req.URL.Path, err)
	}
	return nil
}
