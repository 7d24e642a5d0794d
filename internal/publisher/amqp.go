package publisher

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPTransport publishes to a durable RabbitMQ queue through the default
// exchange, with publisher confirms and mandatory routing.
type AMQPTransport struct {
	url   string
	queue string
}

func NewAMQPTransport(url, queue string) *AMQPTransport {
	return &AMQPTransport{url: url, queue: queue}
}

func (t *AMQPTransport) Name() string {
	return "rabbitmq"
}

func (t *AMQPTransport) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("%w: rabbitmq connect: %v", ErrConnectionLost, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: rabbitmq channel open: %v", ErrConnectionLost, err)
	}
	if _, err := ch.QueueDeclare(t.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare %q: %w", t.queue, classifyAMQP(err))
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", classifyAMQP(err))
	}

	return &amqpSession{
		conn:    conn,
		ch:      ch,
		queue:   t.queue,
		returns: ch.NotifyReturn(make(chan amqp.Return, 1)),
	}, nil
}

type amqpSession struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	returns chan amqp.Return
}

func (s *amqpSession) Publish(ctx context.Context, msg Message) error {
	conf, err := s.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",
		s.queue,
		true, // mandatory: unroutable messages come back as basic.return
		false,
		amqp.Publishing{
			ContentType:  msg.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Body:         msg.Body,
		},
	)
	if err != nil {
		return classifyAMQP(err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classifyAMQP(err)
	}

	// The broker sends basic.return before the ack of an unroutable message.
	select {
	case r := <-s.returns:
		return fmt.Errorf("%w: %s (%d)", ErrUnroutable, r.ReplyText, r.ReplyCode)
	default:
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

func (s *amqpSession) IsClosed() bool {
	return s.conn.IsClosed() || s.ch.IsClosed()
}

func (s *amqpSession) Close() error {
	var errs []error
	if !s.ch.IsClosed() {
		errs = append(errs, s.ch.Close())
	}
	if !s.conn.IsClosed() {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

func classifyAMQP(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr)
	}
	return err
}
