package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderstatus-service/internal/model"
)

// ExchangeName — fanout-обменник, в который публикуются события заказов.
const ExchangeName = "order_events"

const publishTimeout = 3 * time.Second

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher публикует события в RabbitMQ.
type AMQPPublisher struct {
	conn   *amqp.Connection
	ch     amqpChannel
	logger *zap.Logger

	// канал AMQP не потокобезопасен для публикации
	mu sync.Mutex
}

// DialAMQP подключается к брокеру и объявляет обменник событий.
func DialAMQP(url string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, logger: logger}, nil
}

// Publish сериализует событие в JSON и отправляет его в обменник.
// Ошибки брокера только логируются.
func (p *AMQPPublisher) Publish(ctx context.Context, ev model.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal event", zap.Error(err), zap.String("event", ev.Name))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, ExchangeName, ev.Name, false, false, amqp.Publishing{
		MessageId:    ev.ID,
		Type:         ev.Name,
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("publish event",
			zap.Error(err),
			zap.String("event", ev.Name),
			zap.String("orderId", ev.OrderID),
		)
	}
}

// Close закрывает канал и соединение с брокером.
func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
