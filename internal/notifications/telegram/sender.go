// Package telegram provides Telegram notification sending via the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/notifications"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL    = "https://api.telegram.org/bot%s/sendMessage"
	defaultRateLimit = 25.0 // messages per second
	defaultTimeout   = 10 * time.Second
	maxErrorBody     = 4096
)

// Config holds telegram sender configuration.
type Config struct {
	Enabled   bool
	BotToken  string
	RateLimit float64
	Timeout   time.Duration
}

// Sender implements telegram notification sender.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewSender creates a new telegram sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.BotToken == "" {
			return nil, errors.New("telegram sender: bot token is required when enabled")
		}
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("telegram sender configured",
		"enabled", config.Enabled,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		apiURL:     defaultAPIURL,
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeTelegram
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
}

type telegramResponse struct {
	OK          bool                `json:"ok"`
	Result      *messageResult      `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

// Send sends a telegram message. notification.To contains the chat id.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) (string, error) {
	if !s.config.Enabled {
		return "", delivery.NewSendError(domain.ErrorCategoryBadRequest, "DISABLED", "telegram sender is disabled")
	}
	if notification.To == "" {
		return "", delivery.NewSendError(domain.ErrorCategoryInvalidChat, "EMPTY_CHAT_ID", "chat id is empty")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for rate limiter: %w", err)
	}

	text := notification.Body
	if notification.Subject != "" {
		text = fmt.Sprintf("<b>%s</b>\n\n%s", html.EscapeString(notification.Subject), notification.Body)
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:                notification.To,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf(s.apiURL, s.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
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

	return s.handleResponse(ctx, resp)
}

func (s *Sender) handleResponse(ctx context.Context, resp *http.Response) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", &delivery.SendError{
			Category: domain.ErrorCategoryNetwork,
			Code:     "EREAD",
			Message:  fmt.Sprintf("read response: %v", err),
		}
	}

	var tr telegramResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		// Proxies in front of the API answer with HTML on gateway failures.
		tr = telegramResponse{ErrorCode: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}

	if resp.StatusCode == http.StatusOK && tr.OK {
		messageID := ""
		if tr.Result != nil {
			messageID = strconv.FormatInt(tr.Result.MessageID, 10)
		}
		ctxlog.FromContext(ctx).Debug("telegram message sent", "message_id", messageID)
		return messageID, nil
	}

	return "", translateError(resp.StatusCode, tr)
}

// translateError maps a Bot API failure to a delivery error category.
func translateError(status int, tr telegramResponse) *delivery.SendError {
	code := tr.ErrorCode
	if code == 0 {
		code = status
	}
	desc := tr.Description
	if desc == "" {
		desc = http.StatusText(status)
	}
	lower := strings.ToLower(desc)

	e := &delivery.SendError{Code: strconv.Itoa(code), Message: desc}
	switch {
	case code == http.StatusTooManyRequests:
		e.Category = domain.ErrorCategoryRateLimited
		if tr.Parameters != nil && tr.Parameters.RetryAfter > 0 {
			e.RetryAfter = time.Duration(tr.Parameters.RetryAfter) * time.Second
		}
	case strings.Contains(lower, "message is too long"):
		e.Category = domain.ErrorCategoryMessageTooLong
	case code == http.StatusForbidden,
		code == http.StatusNotFound,
		strings.Contains(lower, "chat not found"),
		strings.Contains(lower, "user not found"),
		strings.Contains(lower, "peer_id_invalid"):
		e.Category = domain.ErrorCategoryInvalidChat
	case code >= 500:
		e.Category = domain.ErrorCategoryServerError
	case code >= 400:
		e.Category = domain.ErrorCategoryBadRequest
	default:
		e.Category = domain.ErrorCategoryUnknown
	}
	return e
}
