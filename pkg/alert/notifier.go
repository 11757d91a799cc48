// Package alert delivers exception alerts to a chat webhook.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
)

// DefaultBaseURL is the WeChat Work group robot endpoint.
const DefaultBaseURL = "https://qyapi.weixin.qq.com/cgi-bin/webhook/send"

// ErrWebhookRejected is returned when the webhook answers with a non-zero errcode.
var ErrWebhookRejected = errors.New("webhook rejected message")

// Notifier sends a formatted message to a webhook target.
type Notifier interface {
	Send(ctx context.Context, target, content string) error
}

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// WebhookNotifier posts markdown messages to a group robot webhook. The
// target is the robot key appended as the "key" query parameter.
type WebhookNotifier struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhookNotifier creates a notifier. A zero Timeout selects 5 seconds.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{baseURL: baseURL, client: client, logger: logger}
}

type markdownMessage struct {
	MsgType  string          `json:"msgtype"`
	Markdown markdownContent `json:"markdown"`
}

type markdownContent struct {
	Content string `json:"content"`
}

type webhookReply struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Send posts content as a markdown message. It makes exactly one attempt.
func (n *WebhookNotifier) Send(ctx context.Context, target, content string) error {
	endpoint, err := n.endpoint(target)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(markdownMessage{
		MsgType:  "markdown",
		Markdown: markdownContent{Content: content},
	})
	if err != nil {
		return fmt.Errorf("encode webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read webhook reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrWebhookRejected, resp.StatusCode)
	}

	var reply webhookReply
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			return fmt.Errorf("decode webhook reply: %w", err)
		}
	}
	if reply.ErrCode != 0 {
		return fmt.Errorf("%w: errcode %d: %s", ErrWebhookRejected, reply.ErrCode, reply.ErrMsg)
	}

	n.logger.Debug("webhook alert delivered", "status", resp.StatusCode)
	return nil
}

func (n *WebhookNotifier) endpoint(target string) (string, error) {
	u, err := url.Parse(n.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse webhook base url: %w", err)
	}
	if target != "" {
		q := u.Query()
		q.Set("key", target)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Nop discards every message.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, string, string) error { return nil }
