// Package poller pulls new messages from a relay topic into the inbox.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/billgrant/webhook-tester/internal/envelope"
	"github.com/billgrant/webhook-tester/internal/inbox"
	"github.com/billgrant/webhook-tester/internal/relay"
)

// DefaultInterval matches the two second refresh of the dashboard.
const DefaultInterval = 2 * time.Second

// Status describes the most recent polling activity.
type Status struct {
	Topic     string    `json:"topic"`
	Since     string    `json:"since"`
	LastPoll  time.Time `json:"last_poll,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Polls     int       `json:"polls"`
	Failures  int       `json:"failures"`
	Stored    int       `json:"stored"`
}

// Healthy reports whether the last poll succeeded.
func (s Status) Healthy() bool {
	return s.LastError == ""
}

// Poller copies "message" events of one topic into a store.
type Poller struct {
	relay    relay.Poller
	store    inbox.Store
	topic    string
	interval time.Duration
	logger   *slog.Logger
	onPoll   func(stored int, err error)
	now      func() time.Time

	mu     sync.Mutex
	since  string
	status Status
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the delay between polls.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithSince sets the initial since cursor ("all", a message id, or a
// duration such as "10m").
func WithSince(since string) Option {
	return func(p *Poller) {
		if since != "" {
			p.since = since
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithOnPoll registers a callback invoked after every poll.
func WithOnPoll(fn func(stored int, err error)) Option {
	return func(p *Poller) {
		p.onPoll = fn
	}
}

// New creates a Poller for topic.
func New(r relay.Poller, store inbox.Store, topic string, opts ...Option) *Poller {
	p := &Poller{
		relay:    r,
		store:    store,
		topic:    topic,
		interval: DefaultInterval,
		logger:   slog.Default(),
		now:      time.Now,
		since:    relay.SinceAll,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.status.Topic = topic
	p.status.Since = p.since
	return p
}

// PollOnce fetches the topic once and stores new message events. It returns
// the number of entries that were not already in the store.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	since := p.since
	p.mu.Unlock()

	messages, err := p.relay.Poll(ctx, p.topic, since)
	if err != nil {
		err = fmt.Errorf("poll %s: %w", p.topic, err)
		p.record(since, 0, err)
		return 0, err
	}

	stored := 0
	for _, msg := range messages {
		if msg.Event != envelope.EventMessage || msg.ID == "" {
			continue
		}

		created, err := p.store.Put(ctx, entryFor(msg))
		if err != nil {
			p.record(since, stored, err)
			return stored, err
		}
		if created {
			stored++
		}
		since = msg.ID
	}

	p.record(since, stored, nil)
	return stored, nil
}

// Run polls until ctx is cancelled. Poll errors are logged and exposed
// through Status; they never stop the loop.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("relay poller started", "topic", p.topic, "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		n, err := p.PollOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Warn("relay poll failed", "topic", p.topic, "error", err)
		case n > 0:
			p.logger.Info("stored relay messages", "topic", p.topic, "count", n)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("relay poller stopped", "topic", p.topic)
			return
		case <-ticker.C:
		}
	}
}

// Status returns a snapshot of the polling state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) record(since string, stored int, err error) {
	p.mu.Lock()
	p.since = since
	p.status.Since = since
	p.status.LastPoll = p.now()
	p.status.Polls++
	p.status.Stored += stored
	if err != nil {
		p.status.Failures++
		p.status.LastError = err.Error()
	} else {
		p.status.LastError = ""
	}
	p.mu.Unlock()

	if p.onPoll != nil {
		p.onPoll(stored, err)
	}
}

func entryFor(msg envelope.Message) inbox.Entry {
	return inbox.Entry{
		ID:      msg.ID,
		Source:  inbox.SourceRelay,
		Topic:   msg.Topic,
		Event:   msg.Event,
		Time:    msg.Timestamp(),
		Message: msg.Message,
	}
}
