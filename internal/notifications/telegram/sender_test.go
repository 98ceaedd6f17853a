package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "enabled without bot token",
			config: Config{
				Enabled: true,
			},
			wantErr: "bot token is required",
		},
		{
			name: "disabled - no validation",
			config: Config{
				Enabled: false,
			},
			wantErr: "",
		},
		{
			name: "valid config",
			config: Config{
				Enabled:  true,
				BotToken: "123456:ABC-DEF",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, sender)
			}
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:  true,
		BotToken: "test-token",
	})
	require.NoError(t, err)

	assert.NotNil(t, sender.limiter)
	assert.NotNil(t, sender.httpClient)
	assert.Equal(t, defaultAPIURL, sender.apiURL)
	assert.Equal(t, defaultRateLimit, sender.config.RateLimit)
	assert.Equal(t, defaultTimeout, sender.httpClient.Timeout)
}

func TestSender_Type(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:  true,
		BotToken: "test-token",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ChannelTypeTelegram, sender.Type())
}

func newTestSender(server *httptest.Server) *Sender {
	return &Sender{
		config:     Config{Enabled: true, BotToken: "test-token"},
		httpClient: server.Client(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		apiURL:     server.URL + "/%s/sendMessage",
	}
}

func replyWith(status int, resp telegramResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestSender_Send_Disabled(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false})
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), notifications.Notification{
		To:   "123456789",
		Body: "Test message",
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCategoryBadRequest, delivery.Classify(err))
}

func TestSender_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/test-token/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req sendMessageRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		assert.Equal(t, "123456789", req.ChatID)
		assert.Equal(t, "<b>Time for A&amp;B</b>\n\nTest message", req.Text)
		assert.Equal(t, "HTML", req.ParseMode)

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(telegramResponse{OK: true, Result: &messageResult{MessageID: 4242}})
	}))
	defer server.Close()

	messageID, err := newTestSender(server).Send(context.Background(), notifications.Notification{
		To:      "123456789",
		Subject: "Time for A&B",
		Body:    "Test message",
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", messageID)
}

func TestSender_Send_RateLimit(t *testing.T) {
	server := httptest.NewServer(replyWith(http.StatusTooManyRequests, telegramResponse{
		OK:          false,
		ErrorCode:   429,
		Description: "Too Many Requests: retry after 30",
		Parameters:  &responseParameters{RetryAfter: 30},
	}))
	defer server.Close()

	_, err := newTestSender(server).Send(context.Background(), notifications.Notification{
		To:   "123456789",
		Body: "Test message",
	})

	require.Error(t, err)
	var sendErr *delivery.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, domain.ErrorCategoryRateLimited, sendErr.Category)
	assert.Equal(t, 30*time.Second, sendErr.RetryAfter)
	assert.Equal(t, "429", sendErr.Code)
	assert.True(t, sendErr.IsRetryable())
}

func TestSender_Send_ErrorTranslation(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		resp      telegramResponse
		want      domain.ErrorCategory
		retryable bool
	}{
		{
			name:   "bot blocked by user",
			status: http.StatusForbidden,
			resp:   telegramResponse{ErrorCode: 403, Description: "Forbidden: bot was blocked by the user"},
			want:   domain.ErrorCategoryInvalidChat,
		},
		{
			name:   "chat not found",
			status: http.StatusBadRequest,
			resp:   telegramResponse{ErrorCode: 400, Description: "Bad Request: chat not found"},
			want:   domain.ErrorCategoryInvalidChat,
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			resp:   telegramResponse{ErrorCode: 404, Description: "Not Found"},
			want:   domain.ErrorCategoryInvalidChat,
		},
		{
			name:   "message too long",
			status: http.StatusBadRequest,
			resp:   telegramResponse{ErrorCode: 400, Description: "Bad Request: message is too long"},
			want:   domain.ErrorCategoryMessageTooLong,
		},
		{
			name:   "malformed entities",
			status: http.StatusBadRequest,
			resp:   telegramResponse{ErrorCode: 400, Description: "Bad Request: can't parse entities"},
			want:   domain.ErrorCategoryBadRequest,
		},
		{
			name:      "server error",
			status:    http.StatusBadGateway,
			resp:      telegramResponse{ErrorCode: 502, Description: "Bad Gateway"},
			want:      domain.ErrorCategoryServerError,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(replyWith(tt.status, tt.resp))
			defer server.Close()

			_, err := newTestSender(server).Send(context.Background(), notifications.Notification{
				To:   "999999999",
				Body: "Test message",
			})

			require.Error(t, err)
			assert.Equal(t, tt.want, delivery.Classify(err))
			assert.Equal(t, tt.retryable, delivery.Classify(err).IsRetryable())
		})
	}
}

func TestSender_Send_NonJSONGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<html>503 Service Temporarily Unavailable</html>"))
	}))
	defer server.Close()

	_, err := newTestSender(server).Send(context.Background(), notifications.Notification{
		To:   "123",
		Body: "Test message",
	})

	require.Error(t, err)
	assert.Equal(t, domain.ErrorCategoryServerError, delivery.Classify(err))
	assert.Equal(t, "503", delivery.ErrorCode(err))
}

func TestSender_Send_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	sender := newTestSender(server)
	server.Close()

	_, err := sender.Send(context.Background(), notifications.Notification{
		To:   "123",
		Body: "Test message",
	})

	require.Error(t, err)
	assert.Equal(t, domain.ErrorCategoryNetwork, delivery.Classify(err))
}

func TestSender_Send_EmptyChatID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("request must not be sent")
	}))
	defer server.Close()

	_, err := newTestSender(server).Send(context.Background(), notifications.Notification{Body: "x"})

	require.Error(t, err)
	assert.Equal(t, domain.ErrorCategoryInvalidChat, delivery.Classify(err))
}
