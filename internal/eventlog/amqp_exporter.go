package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述事件导出队列的连接参数。
type AMQPConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AMQPExporter 将事件记录广播到 RabbitMQ，供外部观察者订阅。
// 导出失败只记录不阻断：事件日志的权威副本在 Store 中。
type AMQPExporter struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPExporter 创建事件导出器实例。
func NewAMQPExporter(cfg AMQPConfig) (*AMQPExporter, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agora.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &AMQPExporter{conn: conn, ch: ch, queue: queue}, nil
}

// Export 将事件记录序列化后投递到 RabbitMQ。
func (e *AMQPExporter) Export(ctx context.Context, rec *Record) error {
	if e == nil || e.ch == nil {
		return errors.New("RabbitMQ 导出器未初始化")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化事件记录失败: %w", err)
	}
	return e.ch.PublishWithContext(ctx, "", e.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

// Close 关闭 RabbitMQ 连接。
func (e *AMQPExporter) Close() error {
	if e == nil {
		return nil
	}
	if e.ch != nil {
		_ = e.ch.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
