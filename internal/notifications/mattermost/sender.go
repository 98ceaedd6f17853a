// Package mattermost provides Mattermost notification sending via Incoming Webhooks.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/notifications"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "Medication Reminders"
	maxErrorBody    = 4096
)

// Config holds Mattermost sender configuration.
// The webhook URL is the recipient's chat target, so there is no Enabled flag.
type Config struct {
	DefaultUsername string        // username for display
	DefaultIconURL  string        // icon URL (optional)
	Timeout         time.Duration // request timeout
}

// Sender implements Mattermost notification sender via Incoming Webhooks.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new Mattermost sender.
func NewSender(config Config) *Sender {
	if config.DefaultUsername == "" {
		config.DefaultUsername = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeMattermost
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

// Send posts a notification to Mattermost. notification.To contains the
// webhook URL. Incoming webhooks return no post id, so the message id is empty.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) (string, error) {
	webhookURL := notification.To
	if webhookURL == "" {
		return "", delivery.NewSendError(domain.ErrorCategoryInvalidChat, "EMPTY_WEBHOOK", "webhook URL is empty")
	}

	payload := webhookPayload{
		Username: s.config.DefaultUsername,
		IconURL:  s.config.DefaultIconURL,
		Text:     notification.Body,
	}
	if notification.Subject != "" {
		payload.Text = fmt.Sprintf("### %s\n\n%s", notification.Subject, notification.Body)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", delivery.NewSendError(domain.ErrorCategoryInvalidChat, "BAD_WEBHOOK", fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &delivery.SendError{
			Category: domain.ErrorCategoryNetwork,
			Code:     "ECONNECTION",
			Message:  fmt.Sprintf("send request: %v", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := translateResponse(resp); err != nil {
		return "", err
	}

	ctxlog.FromContext(ctx).Debug("mattermost message sent", "webhook", maskWebhookURL(webhookURL))
	return "", nil
}

// translateResponse maps a webhook response to a delivery error category.
// It returns nil for 2xx responses.
func translateResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(raw))

	e := &delivery.SendError{Code: strconv.Itoa(resp.StatusCode)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Category = domain.ErrorCategoryRateLimited
		e.Message = "rate limited"
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusRequestEntityTooLarge,
		strings.Contains(strings.ToLower(text), "too long"):
		e.Category = domain.ErrorCategoryMessageTooLong
		e.Message = fmt.Sprintf("message too long: %s", text)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		e.Category = domain.ErrorCategoryInvalidChat
		e.Message = "invalid or expired webhook"
	case resp.StatusCode == http.StatusNotFound:
		e.Category = domain.ErrorCategoryInvalidChat
		e.Message = "webhook not found"
	case resp.StatusCode >= 500:
		e.Category = domain.ErrorCategoryServerError
		e.Message = fmt.Sprintf("server error: %s", text)
	case resp.StatusCode >= 400:
		e.Category = domain.ErrorCategoryBadRequest
		e.Message = fmt.Sprintf("bad request: %s", text)
	default:
		e.Category = domain.ErrorCategoryUnknown
		e.Message = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, text)
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// maskWebhookURL hides part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}
