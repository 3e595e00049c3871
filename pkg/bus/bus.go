package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultAckWait = 5 * time.Minute
	publishTimeout = 5 * time.Second
)

// Bus wraps a NATS JetStream connection for publishing and consuming upload events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Connected reports whether the connection is currently usable.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// EnsureStream creates the stream if it does not exist yet, or widens its subjects.
func (b *Bus) EnsureStream(ctx context.Context, name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}

	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	}

	_, err := b.js.StreamInfo(name, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = b.js.AddStream(cfg, nats.Context(ctx))
		return err
	case err != nil:
		return err
	}
	_, err = b.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

// Publish encodes v as JSON and publishes it to the given subject. Each message carries a
// unique id so JetStream can drop duplicates from client retries.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err = b.js.Publish(subj, data, nats.Context(ctx), nats.MsgId(uuid.NewString()))
	return err
}

// Handler processes one message payload. A nil error acks the message; any error naks it.
type Handler func(ctx context.Context, data []byte) error

// SubscribeOptions tunes a durable consumer.
type SubscribeOptions struct {
	Durable string
	// Concurrency bounds how many messages are handled at once. Values below one mean one.
	Concurrency int
	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait time.Duration
}

type subscription struct {
	sub    *nats.Subscription
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.sub.Drain()
	s.wg.Wait()
	return err
}

// Subscribe creates a durable consumer on subj and invokes fn for each message. Messages are
// handled on their own goroutines, at most opts.Concurrency at a time, and acked after fn
// returns. Closing the returned io.Closer waits for in-flight handlers.
func (b *Bus) Subscribe(ctx context.Context, subj string, opts SubscribeOptions, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	if opts.Durable == "" {
		return nil, errors.New("durable name is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.AckWait <= 0 {
		opts.AckWait = defaultAckWait
	}

	s := &subscription{}
	slots := make(chan struct{}, opts.Concurrency)

	handler := func(msg *nats.Msg) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = msg.Nak()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()

		slots <- struct{}{}
		go func() {
			defer func() {
				<-slots
				s.wg.Done()
			}()

			handlerCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if err := fn(handlerCtx, msg.Data); err != nil {
				_ = msg.Nak()
				return
			}
			_ = msg.Ack()
		}()
	}

	sub, err := b.js.Subscribe(subj, handler,
		nats.Durable(opts.Durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(opts.AckWait),
		nats.MaxAckPending(opts.Concurrency*2),
	)
	if err != nil {
		return nil, err
	}
	s.sub = sub

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
