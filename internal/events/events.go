// Package events publishes committed ledger entries to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"bankcore.org/internal/audit"
	"bankcore.org/internal/ledger"
	"bankcore.org/internal/obs"
)

// EntryCommitted is the event type of every published message.
const EntryCommitted = "ledger.entry.committed"

// Event is the JSON envelope published for each committed entry.
type Event struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	RequestID  string             `json:"request_id,omitempty"`
	Entry      ledger.Transaction `json:"entry"`
}

// RoutingKey is ledger.entry.<method>, e.g. ledger.entry.sbp.
func RoutingKey(m ledger.Method) string {
	return "ledger.entry." + strings.ToLower(string(m))
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher hands entries to a background worker so the commit path never
// waits on the broker. When the buffer is full new entries are dropped and
// logged.
type Publisher struct {
	ch       Channel
	conn     io.Closer
	exchange string
	timeout  time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex // guards closed and sends on queue
	closed    bool
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures Publisher.
type Option func(*Publisher)

// WithBuffer sets the number of queued events.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Event, n)
		}
	}
}

// WithPublishTimeout bounds each broker round trip.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// Dial connects to the broker and declares exchange.
func Dial(rawURL, exchange string, opts ...Option) (*Publisher, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(clean)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares a durable topic exchange on ch and starts the worker.
func NewPublisher(ch Channel, exchange string, opts ...Option) (*Publisher, error) {
	if strings.TrimSpace(exchange) == "" {
		return nil, errors.New("exchange is required")
	}
	p := &Publisher{
		ch:       ch,
		exchange: exchange,
		timeout:  5 * time.Second,
		logger:   obs.Logger(),
		queue:    make(chan Event, 1024),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	go p.run()
	return p, nil
}

// Committed implements ledger.Observer.
func (p *Publisher) Committed(ctx context.Context, entry ledger.Transaction) {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       EntryCommitted,
		OccurredAt: entry.CreatedAt,
		RequestID:  audit.RequestIDFromContext(ctx),
		Entry:      entry,
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("event publisher closed; entry not published", zap.Int64("entry_id", entry.ID))
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("event buffer full; entry not published", zap.Int64("entry_id", entry.ID))
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		if err := p.publish(ev); err != nil {
			p.logger.Error("publish ledger event failed",
				zap.String("event_id", ev.ID),
				zap.Int64("entry_id", ev.Entry.ID),
				zap.Error(err),
			)
		}
	}
}

func (p *Publisher) publish(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Entry.Method), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.RequestID,
		Timestamp:     ev.OccurredAt,
		Type:          ev.Type,
		Body:          body,
	})
}

// Close stops accepting events, flushes the buffer and closes the channel
// and connection.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done
		err = p.ch.Close()
		if p.conn != nil {
			err = errors.Join(err, p.conn.Close())
		}
	})
	return err
}

// Log is the observer used when no broker is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log observer writing to l, or obs.Logger() when nil.
func NewLog(l *zap.Logger) *Log {
	if l == nil {
		l = obs.Logger()
	}
	return &Log{logger: l}
}

func (l *Log) Committed(ctx context.Context, entry ledger.Transaction) {
	l.logger.Debug(EntryCommitted,
		zap.String("routing_key", RoutingKey(entry.Method)),
		zap.String("request_id", audit.RequestIDFromContext(ctx)),
		zap.Int64("entry_id", entry.ID),
	)
}
