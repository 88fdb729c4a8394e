package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/animus-labs/deploypipe/internal/execution/orchestrator"
	"github.com/animus-labs/deploypipe/internal/platform/env"
)

type NATSConfig struct {
	URL        string
	Stream     string
	Subject    string
	Consumer   string
	AckWait    time.Duration
	MaxDeliver int
}

func NATSConfigFromEnv() (NATSConfig, error) {
	ackWait, err := env.Duration("nats.ack_wait", time.Minute)
	if err != nil {
		return NATSConfig{}, err
	}
	maxDeliver, err := env.Int("nats.max_deliver", 5)
	if err != nil {
		return NATSConfig{}, err
	}
	cfg := NATSConfig{
		URL:        strings.TrimSpace(env.String("nats.url", nats.DefaultURL)),
		Stream:     strings.TrimSpace(env.String("nats.stream", "PIPELINES")),
		Subject:    strings.TrimSpace(env.String("nats.subject", "deploypipe.executions")),
		Consumer:   strings.TrimSpace(env.String("nats.consumer", "deploypipe-worker")),
		AckWait:    ackWait,
		MaxDeliver: maxDeliver,
	}
	if err := cfg.Validate(); err != nil {
		return NATSConfig{}, err
	}
	return cfg, nil
}

func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return errors.New("nats.url is required")
	}
	if c.Stream == "" || c.Subject == "" || c.Consumer == "" {
		return errors.New("nats.stream, nats.subject and nats.consumer are required")
	}
	if strings.ContainsAny(c.Subject, "*>") {
		return fmt.Errorf("nats.subject must be a literal subject: %q", c.Subject)
	}
	if c.AckWait <= 0 {
		return errors.New("nats.ack_wait must be positive")
	}
	if c.MaxDeliver == 0 || c.MaxDeliver < -1 {
		return errors.New("nats.max_deliver must be positive or -1")
	}
	return nil
}

// CompletedSubject carries pipeline.completed notifications.
func (c NATSConfig) CompletedSubject() string {
	return c.Subject + ".completed"
}

func Connect(cfg NATSConfig, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// JetStream is a work-queue stream consumed by a durable explicit-ack
// consumer. Publishes are deduplicated by execution id.
type JetStream struct {
	cfg      NATSConfig
	js       jetstream.JetStream
	consumer jetstream.Consumer

	mu   sync.Mutex
	iter jetstream.MessagesContext
	msgs chan jetstream.Msg
	errs chan error
	done chan struct{}
	once sync.Once
}

func NewJetStream(ctx context.Context, nc *nats.Conn, cfg NATSConfig) (*JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}
	return &JetStream{cfg: cfg, js: js, consumer: consumer, done: make(chan struct{})}, nil
}

func (q *JetStream) Enqueue(ctx context.Context, executionID string) error {
	_, err := q.js.Publish(ctx, q.cfg.Subject, []byte(executionID), jetstream.WithMsgID(executionID))
	if err != nil {
		return fmt.Errorf("publish execution %s: %w", executionID, err)
	}
	return nil
}

func (q *JetStream) Receive(ctx context.Context) (Delivery, error) {
	if err := q.start(); err != nil {
		return nil, err
	}
	select {
	case msg, ok := <-q.msgs:
		if !ok {
			return nil, ErrClosed
		}
		attempt := 1
		if md, err := msg.Metadata(); err == nil {
			attempt = int(md.NumDelivered)
		}
		return &jetStreamDelivery{msg: msg, attempt: attempt}, nil
	case err := <-q.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrClosed
	}
}

// start opens the message iterator once and pumps it into q.msgs.
func (q *JetStream) start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.iter != nil {
		return nil
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	iter, err := q.consumer.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.cfg.Consumer, err)
	}
	q.iter = iter
	q.msgs = make(chan jetstream.Msg)
	q.errs = make(chan error, 1)
	go func() {
		defer close(q.msgs)
		for {
			msg, err := iter.Next()
			if err != nil {
				if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					return
				}
				select {
				case q.errs <- err:
				default:
				}
				continue
			}
			select {
			case q.msgs <- msg:
			case <-q.done:
				_ = msg.Nak()
				return
			}
		}
	}()
	return nil
}

func (q *JetStream) Close() error {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.iter != nil {
			q.iter.Stop()
		}
	})
	return nil
}

type jetStreamDelivery struct {
	msg     jetstream.Msg
	attempt int
}

func (d *jetStreamDelivery) ExecutionID() string { return strings.TrimSpace(string(d.msg.Data())) }

func (d *jetStreamDelivery) Attempt() int { return d.attempt }

func (d *jetStreamDelivery) Ack() error { return d.msg.Ack() }

func (d *jetStreamDelivery) Nak(delay time.Duration) error {
	if delay > 0 {
		return d.msg.NakWithDelay(delay)
	}
	return d.msg.Nak()
}

func (d *jetStreamDelivery) InProgress() error { return d.msg.InProgress() }

// Notifier publishes pipeline.completed events on core NATS.
type Notifier struct {
	nc      *nats.Conn
	subject string
}

func NewNotifier(nc *nats.Conn, subject string) *Notifier {
	return &Notifier{nc: nc, subject: subject}
}

type completedEvent struct {
	Type string `json:"type"`
	orchestrator.Completion
}

func (n *Notifier) PipelineCompleted(ctx context.Context, c orchestrator.Completion) error {
	data, err := json.Marshal(completedEvent{Type: "pipeline.completed", Completion: c})
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, c.ExecutionID+":completed")
	return n.nc.PublishMsg(msg)
}
