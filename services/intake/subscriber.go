package intake

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"qtus/pkg/bus"
	"qtus/services/pipeline"
)

const (
	// StreamName is the JetStream stream holding qtus upload subjects.
	StreamName = "QTUS"
	// StreamSubjects covers finished events and the outcomes the pipeline publishes.
	StreamSubjects = "qtus.uploads.>"
	// DurableName is the consumer shared by all qtus replicas.
	DurableName = "qtus-completion"

	streamPrefix       = "qtus.uploads."
	defaultConcurrency = 8
)

// Runner processes one upload to a terminal state.
type Runner interface {
	Process(ctx context.Context, id string) pipeline.Outcome
}

// Broker is the subset of the bus the subscriber needs.
type Broker interface {
	EnsureStream(ctx context.Context, name string, subjects ...string) error
	Subscribe(ctx context.Context, subj string, opts bus.SubscribeOptions, fn bus.Handler) (io.Closer, error)
}

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	Subject     string
	Concurrency int
	AckWait     time.Duration
	Logger      zerolog.Logger
}

// Subscriber consumes finished events from the bus and runs each to completion before acking.
type Subscriber struct {
	broker Broker
	runner Runner
	opts   SubscriberOptions
	logger zerolog.Logger

	mu  sync.Mutex
	sub io.Closer
}

// NewSubscriber validates its collaborators.
func NewSubscriber(broker Broker, runner Runner, opts SubscriberOptions) (*Subscriber, error) {
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Subject == "" {
		return nil, errors.New("subject is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Subscriber{
		broker: broker,
		runner: runner,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "intake").Str("subject", opts.Subject).Logger(),
	}, nil
}

// Start ensures the stream exists and begins consuming.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("subscriber already started")
	}

	subjects := []string{StreamSubjects}
	if !strings.HasPrefix(s.opts.Subject, streamPrefix) {
		subjects = append(subjects, s.opts.Subject)
	}
	if err := s.broker.EnsureStream(ctx, StreamName, subjects...); err != nil {
		return err
	}

	sub, err := s.broker.Subscribe(ctx, s.opts.Subject, bus.SubscribeOptions{
		Durable:     DurableName,
		Concurrency: s.opts.Concurrency,
		AckWait:     s.opts.AckWait,
	}, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info().Int("concurrency", s.opts.Concurrency).Msg("consuming upload events")
	return nil
}

// Close stops consuming and waits for in-flight events.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Close()
}

// handle never returns an error: per-upload failures are recorded in the outcome, and a
// payload that cannot be decoded will not decode on redelivery either.
func (s *Subscriber) handle(ctx context.Context, data []byte) error {
	id, err := DecodeEvent(data)
	if err != nil {
		s.logger.Warn().Err(err).Bytes("payload", truncate(data, 512)).Msg("dropping undecodable event")
		return nil
	}

	out := s.runner.Process(ctx, id)
	s.logger.Debug().Str("upload_id", id).Str("state", string(out.State)).Msg("event handled")
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
