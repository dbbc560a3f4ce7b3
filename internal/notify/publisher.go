package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Kinds double as outbox message kinds and AMQP routing keys.
const (
	KindPurchaseCompleted = "purchase.completed"
	KindCommissionCredit  = "commission.credit"
)

// PurchaseCompleted is the payload behind KindPurchaseCompleted. Downstream
// consumers (mailer and friends) own everything past this message.
type PurchaseCompleted struct {
	BuyerID string `json:"buyer_id"`
	OrderID string `json:"order_id"`
}

// CommissionCredit asks for a commission credit for the order. Crediting is
// keyed uniquely per order, so replaying this message is safe.
type CommissionCredit struct {
	OrderID string `json:"order_id"`
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close()
}

type amqpPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewPublisher(amqpURL, exchange string) (Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &amqpPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
	}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("notification body is not valid json")
	}

	err := p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	return nil
}

func (p *amqpPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
