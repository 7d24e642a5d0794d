package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport publishes to a JetStream stream. The PubAck is the broker
// confirmation; a subject with no stream behind it is unroutable.
type NATSTransport struct {
	url     string
	stream  string
	subject string
	logger  *slog.Logger
}

func NewNATSTransport(url, stream, subject string, logger *slog.Logger) *NATSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSTransport{url: url, stream: stream, subject: subject, logger: logger}
}

func (t *NATSTransport) Name() string {
	return "nats"
}

func (t *NATSTransport) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := t.logger
	nc, err := nats.Connect(t.url,
		nats.Name("transit-weather-relay"),
		nats.Timeout(10*time.Second),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %v", ErrConnectionLost, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := t.ensureStream(js); err != nil {
		nc.Close()
		return nil, err
	}
	return &natsSession{nc: nc, js: js, subject: t.subject}, nil
}

func (t *NATSTransport) ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(t.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return classifyNATS(fmt.Errorf("stream info %q: %w", t.stream, err))
	}
	t.logger.Info("creating jetstream stream", "stream", t.stream, "subject", t.subject)
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     t.stream,
		Subjects: []string{t.subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return classifyNATS(fmt.Errorf("add stream %q: %w", t.stream, err))
	}
	return nil
}

type natsSession struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

func (s *natsSession) Publish(ctx context.Context, msg Message) error {
	m := nats.NewMsg(s.subject)
	m.Header.Set("Content-Type", msg.ContentType)
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	m.Data = msg.Body

	if _, err := s.js.PublishMsg(m, nats.Context(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classifyNATS(err)
	}
	return nil
}

func (s *natsSession) IsClosed() bool {
	return !s.nc.IsConnected()
}

func (s *natsSession) Close() error {
	if s.nc.IsClosed() {
		return nil
	}
	s.nc.Close()
	return nil
}

func classifyNATS(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoStreamResponse), errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %v", ErrUnroutable, err)
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	default:
		return err
	}
}
