package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrGateway = errors.New("messaging gateway rejected request")

const statusSuccess = "success"

// Gateway delivers one text message to one chat.
type Gateway interface {
	SendMessage(ctx context.Context, chatID, message string) error
}

type GatewayConfig struct {
	BaseURL  string
	Instance string
	Token    string
	Timeout  time.Duration
}

// NewGateway picks the WhatsApp API client when credentials are configured
// and falls back to logging the message otherwise.
func NewGateway(cfg GatewayConfig, logger *zap.Logger) Gateway {
	if cfg.Token == "" || cfg.Instance == "" {
		logger.Warn("whatsapp gateway not configured, messages will only be logged")
		return LogGateway{logger: logger}
	}
	return NewWaapiClient(cfg, logger)
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type sendMessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type WaapiClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

func NewWaapiClient(cfg GatewayConfig, logger *zap.Logger) *WaapiClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://waapi.app/api/v1"
	}
	client := resty.New().
		SetBaseURL(fmt.Sprintf("%s/instances/%s/client/action", baseURL, cfg.Instance)).
		SetTimeout(timeout).
		SetAuthToken(cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WaapiClient{httpClient: client, logger: logger}
}

func (c *WaapiClient) SendMessage(ctx context.Context, chatID, message string) error {
	ctx, span := otel.Tracer("prayerroom-service/notify").Start(ctx, "waapi.send_message", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("messaging.chat_id", chatID))

	var response sendMessageResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{ChatID: chatID, Message: message}).
		SetResult(&response).
		SetError(&response).
		Post("/send-message")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Error("whatsapp gateway call failed", zap.String("chat_id", chatID), zap.Error(err))
		return fmt.Errorf("send message to %s: %w", chatID, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if resp.IsError() || response.Status != statusSuccess {
		span.SetStatus(codes.Error, "gateway rejected")
		c.logger.Warn("whatsapp gateway rejected message",
			zap.String("chat_id", chatID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("status", response.Status),
		)
		return fmt.Errorf("%w: chat %s status %q (http %d)", ErrGateway, chatID, response.Status, resp.StatusCode())
	}
	return nil
}

type LogGateway struct {
	logger *zap.Logger
}

func (g LogGateway) SendMessage(_ context.Context, chatID, message string) error {
	g.logger.Info("send whatsapp message", zap.String("chat_id", chatID), zap.String("message", message))
	return nil
}

type NoopGateway struct{}

func (NoopGateway) SendMessage(context.Context, string, string) error {
	return nil
}
