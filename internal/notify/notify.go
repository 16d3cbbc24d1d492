// Package notify publishes domain events to NATS JetStream after the unit of
// work that produced them has committed. Delivery is best effort.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lv-propdesk/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "PROPDESK_EVENTS"
	SubjectPrefix = "propdesk.events."

	SubjectTradeClosed       = SubjectPrefix + "trade.closed"
	SubjectMarginCall        = SubjectPrefix + "margin.call"
	SubjectChallengeBreached = SubjectPrefix + "challenge.breached"
	SubjectChallengePassed   = SubjectPrefix + "challenge.phase_passed"
	SubjectChallengeFunded   = SubjectPrefix + "challenge.funded"
	SubjectChallengeExpired  = SubjectPrefix + "challenge.expired"
	SubjectChallengePayout   = SubjectPrefix + "challenge.payout"

	defaultBuffer = 1024
)

var errQueueFull = errors.New("notification queue full")

type Event struct {
	Subject string
	Payload any
	At      time.Time
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(subject string, payload any)
}

// Nop drops everything. It is used when NATS_URL is empty.
type Nop struct{}

func (Nop) Publish(string, any) {}

type envelope struct {
	Subject   string    `json:"subject"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// JetStream queues events and publishes them from Run.
type JetStream struct {
	js      jetstream.JetStream
	queue   chan Event
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewJetStream(js jetstream.JetStream, metrics *observability.Metrics, log zerolog.Logger) *JetStream {
	return &JetStream{js: js, queue: make(chan Event, defaultBuffer), metrics: metrics, log: log}
}

func (p *JetStream) Publish(subject string, payload any) {
	select {
	case p.queue <- Event{Subject: subject, Payload: payload, At: time.Now().UTC()}:
	default:
		p.drop(subject, errQueueFull)
	}
}

func (p *JetStream) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			if err := p.send(ctx, evt); err != nil {
				p.drop(evt.Subject, err)
			}
		}
	}
}

func (p *JetStream) send(ctx context.Context, evt Event) error {
	data, err := json.Marshal(envelope{Subject: evt.Subject, Payload: evt.Payload, Timestamp: evt.At})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = p.js.Publish(pubCtx, evt.Subject, data)
	return err
}

func (p *JetStream) drop(subject string, err error) {
	if p.metrics != nil {
		p.metrics.NotifyDrops.Inc()
	}
	p.log.Warn().Err(err).Str("subject", subject).Msg("notification dropped")
}

// EnsureStream creates or updates the stream that captures every subject
// under propdesk.events.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}

// Connect dials NATS and returns a JetStream handle with the events stream
// in place.
func Connect(ctx context.Context, url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("propdesk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

var _ Publisher = (*JetStream)(nil)
