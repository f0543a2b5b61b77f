package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"packrec/internal/log"
)

// AMQPConfig はRabbitMQへの接続設定
type AMQPConfig struct {
	URL            string
	Exchange       string
	RoutingPrefix  string
	PublishTimeout time.Duration
}

// AMQPNotifier はトピックエクスチェンジへJSONで通知を発行する
// ルーティングキーは "<prefix>.<kind>"
type AMQPNotifier struct {
	cfg    AMQPConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPNotifier は接続してエクスチェンジを宣言する
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "packrec.events"
	}
	if cfg.RoutingPrefix == "" {
		cfg.RoutingPrefix = "packrec"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャネルの作成に失敗: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("エクスチェンジの宣言に失敗: %w", err)
	}

	logger := log.WithComponent("notify")
	logger.Info().Str("exchange", cfg.Exchange).Msg("RabbitMQに接続しました")
	return &AMQPNotifier{cfg: cfg, logger: logger, conn: conn, ch: ch}, nil
}

// RoutingKey は通知の種類からルーティングキーを作る
func (n *AMQPNotifier) RoutingKey(k Kind) string {
	return n.cfg.RoutingPrefix + "." + string(k)
}

func (n *AMQPNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("通知のエンコードに失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.PublishTimeout)
	defer cancel()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		return fmt.Errorf("通知チャネルは閉じられています")
	}
	err = n.ch.PublishWithContext(ctx,
		n.cfg.Exchange,
		n.RoutingKey(ev.Kind),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
		})
	if err != nil {
		return fmt.Errorf("通知の発行に失敗: %w", err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		return nil
	}
	chErr := n.ch.Close()
	connErr := n.conn.Close()
	n.ch, n.conn = nil, nil
	if chErr != nil {
		return chErr
	}
	return connErr
}
