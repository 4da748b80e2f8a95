// Package notify отправляет пользователям уведомления о доставке.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Notifier доставляет сообщение получателю.
type Notifier interface {
	SendNotification(ctx context.Context, recipient, subject, body string) error
}

// Client отправляет письма через HTTP-шлюз почтовой рассылки.
type Client struct {
	http *resty.Client
}

// Message — тело запроса к почтовому шлюзу.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// NewClient создаёт клиент почтового шлюза по указанному адресу.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(5*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{http: httpClient}
}

// SendNotification передаёт письмо шлюзу. Любой ответ, кроме 2xx, считается ошибкой.
func (c *Client) SendNotification(ctx context.Context, recipient, subject, body string) error {
	if c == nil || c.http == nil {
		return fmt.Errorf("mail gateway client not configured")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(Message{To: recipient, Subject: subject, Text: body}).
		Post("/api/send")
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	if !resp.IsSuccess() {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode())
	}

	return nil
}

// LogNotifier пишет письма в журнал вместо реальной отправки.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт уведомитель, пишущий в переданный логгер.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// SendNotification логирует письмо и всегда завершается успешно.
func (n *LogNotifier) SendNotification(_ context.Context, recipient, subject, body string) error {
	n.logger.Info("email disabled, logging notification",
		zap.String("to", recipient),
		zap.String("subject", subject),
		zap.String("text", body),
	)
	return nil
}
