package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/billgrant/webhook-tester/internal/envelope"
)

// Headers the NATS relay stamps on every published message so that pollers
// see stable ids and publish times.
const (
	HeaderID   = "Relay-Id"
	HeaderTime = "Relay-Time"
)

// NATSConfig holds NATS relay configuration.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	Buffer        int
	Timeout       time.Duration
	Token         string
	Username      string
	Password      string
}

// NATSRelay uses NATS core subjects as topics. NATS keeps no history, so
// the first Poll of a topic subscribes to it and later polls return what
// arrived since then.
type NATSRelay struct {
	conn   *nats.Conn
	prefix string
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[string]*topicBuffer
	subs    []*nats.Subscription
}

// NewNATS connects to a NATS server.
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATSRelay, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "webhook-tester"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSRelay{
		conn:    conn,
		prefix:  cfg.SubjectPrefix,
		size:    cfg.Buffer,
		logger:  logger,
		buffers: make(map[string]*topicBuffer),
	}, nil
}

// Subject maps a topic onto a NATS subject.
func (r *NATSRelay) Subject(topic string) string {
	return subject(r.prefix, topic)
}

// Publish sends body to the topic subject.
func (r *NATSRelay) Publish(ctx context.Context, topic string, body []byte) (envelope.Message, error) {
	if err := ctx.Err(); err != nil {
		return envelope.Message{}, err
	}

	msg := envelope.Message{
		ID:      uuid.NewString(),
		Time:    time.Now().Unix(),
		Event:   envelope.EventMessage,
		Topic:   topic,
		Message: string(body),
	}

	natsMsg := nats.NewMsg(r.Subject(topic))
	natsMsg.Data = body
	natsMsg.Header.Set(HeaderID, msg.ID)
	natsMsg.Header.Set(HeaderTime, strconv.FormatInt(msg.Time, 10))

	if err := r.conn.PublishMsg(natsMsg); err != nil {
		return envelope.Message{}, fmt.Errorf("publish to %s: %w", topic, err)
	}
	return msg, nil
}

// Poll returns buffered messages for topic, subscribing on first use.
func (r *NATSRelay) Poll(ctx context.Context, topic, since string) ([]envelope.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf, err := r.buffer(topic)
	if err != nil {
		return nil, err
	}
	return buf.since(since, time.Now()), nil
}

// Close unsubscribes and drains the connection.
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	return r.conn.Drain()
}

func (r *NATSRelay) buffer(topic string) (*topicBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buf, ok := r.buffers[topic]; ok {
		return buf, nil
	}

	buf := newTopicBuffer(topic, r.size)
	sub, err := r.conn.Subscribe(r.Subject(topic), buf.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	r.logger.Info("subscribed to nats relay topic", "topic", topic, "subject", sub.Subject)

	r.buffers[topic] = buf
	r.subs = append(r.subs, sub)
	return buf, nil
}

func subject(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// defaultBufferSize bounds the messages kept per topic.
const defaultBufferSize = 1000

// topicBuffer is a bounded FIFO of the messages seen on one subject.
type topicBuffer struct {
	topic string
	size  int

	mu       sync.Mutex
	messages []envelope.Message
}

func newTopicBuffer(topic string, size int) *topicBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &topicBuffer{topic: topic, size: size}
}

func (b *topicBuffer) handle(m *nats.Msg) {
	msg := envelope.Message{
		ID:      m.Header.Get(HeaderID),
		Event:   envelope.EventMessage,
		Topic:   b.topic,
		Message: string(m.Data),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if ts, err := strconv.ParseInt(m.Header.Get(HeaderTime), 10, 64); err == nil {
		msg.Time = ts
	} else {
		msg.Time = time.Now().Unix()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, msg)
	if over := len(b.messages) - b.size; over > 0 {
		b.messages = append([]envelope.Message(nil), b.messages[over:]...)
	}
}

func (b *topicBuffer) since(since string, now time.Time) []envelope.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if since == "" || since == SinceAll {
		return append([]envelope.Message(nil), b.messages...)
	}

	if d, err := time.ParseDuration(since); err == nil {
		cutoff := now.Add(-d).Unix()
		var out []envelope.Message
		for _, msg := range b.messages {
			if msg.Time >= cutoff {
				out = append(out, msg)
			}
		}
		return out
	}

	for i, msg := range b.messages {
		if msg.ID == since {
			return append([]envelope.Message(nil), b.messages[i+1:]...)
		}
	}
	// The id has been evicted; everything still buffered is newer.
	return append([]envelope.Message(nil), b.messages...)
}
