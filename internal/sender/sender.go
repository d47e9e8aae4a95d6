// Package sender builds test webhooks and delivers them either through a
// relay topic or straight to a receiver URL.
package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/billgrant/webhook-tester/internal/basicauth"
	"github.com/billgrant/webhook-tester/internal/envelope"
	"github.com/billgrant/webhook-tester/internal/relay"
)

var (
	ErrInvalidPayload = errors.New("payload is not valid JSON")
	// ErrRejected wraps non-2xx answers to direct sends.
	ErrRejected = errors.New("receiver rejected webhook")
)

// Options control how a payload is turned into a request.
type Options struct {
	// Headers are extra headers to deliver with the payload.
	Headers map[string]string
	// Username and Password, when Username is set, add an
	// "Authorization: Basic ..." header.
	Username string
	Password string
	// Headers are wrapped into the body as {"headers":...,"payload":...}
	// unless NoTunnel is set, in which case they go out as HTTP headers.
	// Relays drop arbitrary HTTP headers.
	NoTunnel bool
}

// Request is a built webhook.
type Request struct {
	Body   []byte
	Header http.Header
}

// Build turns payload into a request according to opts.
func Build(payload json.RawMessage, opts Options) (Request, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || !json.Valid(payload) {
		return Request{}, ErrInvalidPayload
	}

	headers := make(map[string]string, len(opts.Headers)+1)
	maps.Copy(headers, opts.Headers)
	if opts.Username != "" {
		headers["Authorization"] = basicauth.Encode(opts.Username, opts.Password)
	}

	req := Request{Header: http.Header{"Content-Type": {"application/json"}}}

	if !opts.NoTunnel {
		body, err := envelope.Wrap(headers, payload)
		if err != nil {
			return Request{}, err
		}
		req.Body = body
		return req, nil
	}

	req.Body = payload
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Response is what a receiver answered to a direct send.
type Response struct {
	StatusCode int
	Body       []byte
}

// Sender delivers built requests.
type Sender struct {
	publisher relay.Publisher
	client    *http.Client
	logger    *slog.Logger
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the client used for direct sends.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithInsecureTLS disables certificate verification for direct sends.
func WithInsecureTLS() Option {
	return func(s *Sender) {
		s.client.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed test receivers
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// New creates a Sender. publisher may be nil when only direct sends are used.
func New(publisher relay.Publisher, opts ...Option) *Sender {
	s := &Sender{
		publisher: publisher,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ToRelay publishes payload to topic. Headers only survive the relay when
// they are tunneled.
func (s *Sender) ToRelay(ctx context.Context, topic string, payload json.RawMessage, opts Options) (envelope.Message, error) {
	if s.publisher == nil {
		return envelope.Message{}, errors.New("no relay configured")
	}

	req, err := Build(payload, opts)
	if err != nil {
		return envelope.Message{}, err
	}
	if opts.NoTunnel && len(req.Header) > 1 {
		s.logger.Warn("headers are not tunneled and will be dropped by the relay", "topic", topic)
	}

	msg, err := s.publisher.Publish(ctx, topic, req.Body)
	if err != nil {
		return envelope.Message{}, err
	}

	s.logger.Info("webhook published", "topic", topic, "id", msg.ID, "bytes", len(req.Body))
	return msg, nil
}

// Direct POSTs payload to url. A non-2xx answer is returned alongside an
// error wrapping ErrRejected.
func (s *Sender) Direct(ctx context.Context, url string, payload json.RawMessage, opts Options) (Response, error) {
	req, err := Build(payload, opts)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = req.Header

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send to %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	out := Response{StatusCode: resp.StatusCode, Body: body}
	s.logger.Info("webhook sent", "url", url, "status", resp.StatusCode, "bytes", len(req.Body))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(body))
	}
	return out, nil
}
