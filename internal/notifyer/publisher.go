package notifyer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/gitops-loop/internal/metrics"
	"github.com/Sh00ty/gitops-loop/internal/models"
)

const maxUnsent = 10_000

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Publisher writes reconciler transitions into a topic keyed by target.
// Transitions that could not be written are kept and resent on every tick.
type Publisher struct {
	events      <-chan models.Transition
	writer      MessageWriter
	ttlTicker   *time.Ticker
	unsentGuard sync.Mutex
	unsent      []kafka.Message
	metrics     metrics.Metrics
	log         zerolog.Logger
}

func NewPublisher(
	events <-chan models.Transition,
	writer MessageWriter,
	retryTimeout time.Duration,
	mtrcs metrics.Metrics,
	logger zerolog.Logger,
) *Publisher {
	return &Publisher{
		events:    events,
		writer:    writer,
		ttlTicker: time.NewTicker(retryTimeout),
		unsent:    make([]kafka.Message, 0),
		metrics:   mtrcs,
		log:       logger.With().Str("component", "transition-publisher").Logger(),
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	defer p.ttlTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ttlTicker.C:
			p.sendUnsent(ctx)
		case tr, ok := <-p.events:
			if !ok {
				return nil
			}
			msg, err := transitionMessage(tr)
			if err != nil {
				p.log.Error().Err(err).Msgf("failed to encode transition of %s", tr.Target)
				continue
			}
			err = retry.Do(
				func() error {
					return p.writer.WriteMessages(ctx, msg)
				},
				retry.Context(ctx),
				retry.Attempts(3),
			)
			if err != nil {
				p.log.Error().Err(err).Msg("failed to publish transition, put it into unsent queue")
				p.pushUnsent(msg)
				continue
			}
			p.metrics.Increment("notifyer.published")
		}
	}
}

func (p *Publisher) pushUnsent(msgs ...kafka.Message) {
	p.unsentGuard.Lock()
	defer p.unsentGuard.Unlock()

	p.unsent = append(p.unsent, msgs...)
	if overflow := len(p.unsent) - maxUnsent; overflow > 0 {
		p.metrics.Increment("notifyer.dropped")
		p.log.Warn().Msgf("unsent queue is full, drop %d oldest transitions", overflow)
		p.unsent = append(p.unsent[:0], p.unsent[overflow:]...)
	}
	p.metrics.Gauge("notifyer.unsent", len(p.unsent))
}

func (p *Publisher) sendUnsent(ctx context.Context) {
	p.unsentGuard.Lock()
	defer p.unsentGuard.Unlock()

	if len(p.unsent) == 0 {
		return
	}
	err := p.writer.WriteMessages(ctx, p.unsent...)
	if err == nil {
		p.unsent = p.unsent[:0]
		p.metrics.Gauge("notifyer.unsent", 0)
		return
	}

	var writeErrs kafka.WriteErrors
	if !errors.As(err, &writeErrs) || len(writeErrs) != len(p.unsent) {
		p.log.Warn().Err(err).Msgf("failed to publish %d unsent transitions", len(p.unsent))
		return
	}
	// keep only the messages that failed
	failed := make([]kafka.Message, 0, writeErrs.Count())
	for i, msgErr := range writeErrs {
		if msgErr != nil {
			failed = append(failed, p.unsent[i])
		}
	}
	p.log.Warn().Err(err).Msgf("failed to publish unsent transitions: done %d", len(p.unsent)-len(failed))
	p.unsent = failed
	p.metrics.Gauge("notifyer.unsent", len(p.unsent))
}

func (p *Publisher) Unsent() int {
	p.unsentGuard.Lock()
	defer p.unsentGuard.Unlock()
	return len(p.unsent)
}

func transitionMessage(tr models.Transition) (kafka.Message, error) {
	value, err := json.Marshal(tr)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(tr.Target.String()),
		Value: value,
		Time:  tr.At,
	}, nil
}
