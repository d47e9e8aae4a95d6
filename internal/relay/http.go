package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/billgrant/webhook-tester/internal/basicauth"
	"github.com/billgrant/webhook-tester/internal/envelope"
)

// DefaultURL is the public ntfy relay.
const DefaultURL = "https://ntfy.sh"

// DefaultTimeout bounds each relay request.
const DefaultTimeout = 2 * time.Second

// maxErrorBody bounds how much of an error response ends up in StatusError.
const maxErrorBody = 512

// HTTPRelay is a client for an ntfy-compatible relay:
//
//	POST {base}/{topic}                     publish a body
//	GET  {base}/{topic}/json?poll=1&since=  cached messages, one JSON per line
type HTTPRelay struct {
	baseURL  string
	token    string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// HTTPOption configures an HTTPRelay.
type HTTPOption func(*HTTPRelay)

// WithToken authenticates with a bearer access token.
func WithToken(token string) HTTPOption {
	return func(r *HTTPRelay) {
		r.token = token
	}
}

// WithBasicAuth authenticates with a username and password.
func WithBasicAuth(username, password string) HTTPOption {
	return func(r *HTTPRelay) {
		r.username = username
		r.password = password
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPRelay) {
		r.client = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(r *HTTPRelay) {
		r.client.Timeout = d
	}
}

// WithInsecureTLS disables certificate verification.
func WithInsecureTLS() HTTPOption {
	return func(r *HTTPRelay) {
		r.client.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed test relays
		}
	}
}

// WithLogger sets the logger used for skipped stream lines.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(r *HTTPRelay) {
		r.logger = logger
	}
}

// NewHTTP creates a relay client for baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTPRelay {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	r := &HTTPRelay{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TopicURL is the address senders post to for topic.
func (r *HTTPRelay) TopicURL(topic string) string {
	return r.baseURL + "/" + url.PathEscape(topic)
}

// Publish posts body to topic and returns the relay's record of it.
func (r *HTTPRelay) Publish(ctx context.Context, topic string, body []byte) (envelope.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TopicURL(topic), bytes.NewReader(body))
	if err != nil {
		return envelope.Message{}, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return envelope.Message{}, fmt.Errorf("publish to %s: %w", topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return envelope.Message{}, statusError("publish", resp)
	}

	// Relays that do not echo the message back still count as success.
	var msg envelope.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return envelope.Message{Topic: topic, Event: envelope.EventMessage, Message: string(body)}, nil
	}
	return msg, nil
}

// Poll fetches the cached messages for topic.
func (r *HTTPRelay) Poll(ctx context.Context, topic, since string) ([]envelope.Message, error) {
	if since == "" {
		since = SinceAll
	}
	q := url.Values{}
	q.Set("poll", "1")
	q.Set("since", since)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.TopicURL(topic)+"/json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("poll", resp)
	}

	messages, skipped, err := envelope.ParseStream(resp.Body)
	if skipped > 0 {
		r.logger.Warn("skipped malformed relay lines", "topic", topic, "count", skipped)
	}
	if err != nil {
		return messages, err
	}
	return messages, nil
}

// Close releases idle connections.
func (r *HTTPRelay) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *HTTPRelay) authorize(req *http.Request) {
	switch {
	case r.token != "":
		req.Header.Set("Authorization", "Bearer "+r.token)
	case r.username != "":
		req.Header.Set("Authorization", basicauth.Encode(r.username, r.password))
	}
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
