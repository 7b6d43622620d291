package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// publisher is the subset of *amqp.Channel the sender needs
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender publishes booking events to a topic exchange with routing key
// "booking.<kind>". An email worker consumes them.
type AMQPSender struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
	logger   *logrus.Logger
	mu       sync.Mutex
}

// NewAMQPSender dials the broker and declares the exchange
func NewAMQPSender(url, exchange string, logger *logrus.Logger) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	logger.WithField("exchange", exchange).Info("Connected to RabbitMQ for booking notifications")

	return &AMQPSender{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

func newAMQPSenderWithPublisher(ch publisher, exchange string, logger *logrus.Logger) *AMQPSender {
	return &AMQPSender{ch: ch, exchange: exchange, logger: logger}
}

// SendBookingEvent publishes one persistent JSON message
func (s *AMQPSender) SendBookingEvent(ctx context.Context, recipientEmail string, kind EventKind, data map[string]interface{}) error {
	if recipientEmail == "" {
		return fmt.Errorf("recipient email is required")
	}

	body, err := json.Marshal(Event{
		Kind:      kind,
		Recipient: recipientEmail,
		Data:      data,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal booking event: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.ch.PublishWithContext(
		ctx,
		s.exchange,
		"booking."+string(kind),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish booking event: %w", err)
	}
	return nil
}

// Close closes the channel and connection
func (s *AMQPSender) Close() error {
	if ch, ok := s.ch.(*amqp.Channel); ok {
		_ = ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
