// Package botapi delivers payloads through Telegram's HTTP Bot API
// (sendMessage) using a plain resty client.
package botapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	kit "tgrelay/internal/transport"
)

const (
	DefaultAPIURL  = "https://api.telegram.org"
	defaultTimeout = 10 * time.Second
)

type Config struct {
	Token   string
	APIURL  string
	Timeout time.Duration
	Options kit.SendOptions
}

type sendMessageResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int `json:"message_id"`
	} `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Client implements transport.Sink.
type Client struct {
	cfg    Config
	client *resty.Client
}

func New(cfg Config) (*Client, error) {
	client := resty.New()
	return NewWithClient(cfg, client)
}

func NewWithClient(cfg Config, client *resty.Client) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if client == nil {
		return nil, errors.New("resty client is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		base = DefaultAPIURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid telegram api url: %w", err)
	}
	cfg.APIURL = base

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client.SetTimeout(timeout)
	// Retries would double-deliver batches Telegram already accepted.
	client.SetRetryCount(0)
	client.SetBaseURL(base)

	return &Client{cfg: cfg, client: client}, nil
}

func (c *Client) Deliver(ctx context.Context, recipientID string, payload string) (kit.Ack, error) {
	if c == nil || c.client == nil {
		return kit.Ack{}, kit.TransportFailure(errors.New("botapi client is not initialized"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	form := map[string]string{
		"chat_id": recipientID,
		"text":    payload,
	}
	if pm := strings.TrimSpace(c.cfg.Options.ParseMode); pm != "" {
		form["parse_mode"] = pm
	}
	if c.cfg.Options.DisablePreview {
		form["disable_web_page_preview"] = "true"
	}
	if c.cfg.Options.ThreadID != 0 {
		form["message_thread_id"] = strconv.Itoa(c.cfg.Options.ThreadID)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post("/bot" + c.cfg.Token + "/sendMessage")
	if err != nil {
		return kit.Ack{}, kit.TransportFailure(err).Redact(c.cfg.Token)
	}
	if resp == nil {
		return kit.Ack{}, kit.TransportFailure(errors.New("empty response"))
	}

	body := resp.Body()
	var out sendMessageResponse
	_ = json.Unmarshal(body, &out)

	code := resp.StatusCode()
	if code < http.StatusOK || code >= http.StatusMultipleChoices || !out.OK {
		return kit.Ack{}, kit.Rejected(code, resp.Status(), strings.TrimSpace(string(body))).Redact(c.cfg.Token)
	}
	return kit.Ack{MessageID: out.Result.MessageID, At: resp.ReceivedAt()}, nil
}
