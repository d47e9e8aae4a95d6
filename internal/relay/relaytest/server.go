// Package relaytest provides an in-memory, ntfy-compatible relay for tests
// and offline development.
package relaytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/billgrant/webhook-tester/internal/envelope"
)

// maxBody mirrors the public relay's message size limit.
const maxBody = 4096

// Server caches published messages per topic and serves them back as
// line-delimited JSON.
type Server struct {
	// Now is the clock used to stamp messages. Defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	seq    int
	topics map[string][]string // topic -> raw stream lines
	polls  []*http.Request
}

// NewServer returns an empty relay.
func NewServer() *Server {
	return &Server{
		Now:    time.Now,
		topics: make(map[string][]string),
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		http.Error(w, `{"error":"topic required"}`, http.StatusNotFound)
		return
	}

	topic, rest, _ := strings.Cut(path, "/")

	switch {
	case rest == "" && (r.Method == http.MethodPost || r.Method == http.MethodPut):
		s.publish(w, r, topic)
	case rest == "json" && r.Method == http.MethodGet:
		s.poll(w, r, topic)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

// Publish stores a message event on topic and returns it.
func (s *Server) Publish(topic, body string) envelope.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg := envelope.Message{
		ID:      fmt.Sprintf("m%011d", s.seq),
		Time:    s.Now().Unix(),
		Event:   envelope.EventMessage,
		Topic:   topic,
		Message: body,
	}
	line, _ := json.Marshal(msg)
	s.topics[topic] = append(s.topics[topic], string(line))
	return msg
}

// AddEvent stores a non-message event (open, keepalive) on topic.
func (s *Server) AddEvent(topic, event string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	line, _ := json.Marshal(envelope.Message{
		ID:    fmt.Sprintf("e%011d", s.seq),
		Time:  s.Now().Unix(),
		Event: event,
		Topic: topic,
	})
	s.topics[topic] = append(s.topics[topic], string(line))
}

// AddRawLine appends an arbitrary, possibly malformed, stream line.
func (s *Server) AddRawLine(topic, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = append(s.topics[topic], line)
}

// PollRequests returns the poll requests served so far.
func (s *Server) PollRequests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.polls...)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request, topic string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, `{"error":"read failed"}`, http.StatusBadRequest)
		return
	}
	if len(body) > maxBody {
		http.Error(w, `{"error":"message too large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	msg := s.Publish(topic, string(body))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msg)
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request, topic string) {
	s.mu.Lock()
	s.polls = append(s.polls, r.Clone(r.Context()))
	lines := s.since(s.topics[topic], r.URL.Query().Get("since"))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, line := range lines {
		io.WriteString(w, line+"\n")
	}
}

// since filters lines the way the relay interprets its since parameter:
// "all", a duration, a unix timestamp, or a message id.
func (s *Server) since(lines []string, since string) []string {
	if since == "" || since == "all" {
		return lines
	}

	var cutoff int64 = -1
	if d, err := time.ParseDuration(since); err == nil {
		cutoff = s.Now().Add(-d).Unix()
	} else if ts, err := strconv.ParseInt(since, 10, 64); err == nil {
		cutoff = ts
	}

	if cutoff >= 0 {
		var out []string
		for _, line := range lines {
			var msg envelope.Message
			if json.Unmarshal([]byte(line), &msg) == nil && msg.Time >= cutoff {
				out = append(out, line)
			}
		}
		return out
	}

	for i, line := range lines {
		var msg envelope.Message
		if json.Unmarshal([]byte(line), &msg) == nil && msg.ID == since {
			return lines[i+1:]
		}
	}
	return lines
}
