package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/billgrant/webhook-tester/internal/basicauth"
	"github.com/billgrant/webhook-tester/internal/envelope"
	"github.com/billgrant/webhook-tester/internal/inbox"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// =============================================================================
// Health Endpoint
// =============================================================================

// healthHandler responds with a JSON health status
// Used by Docker HEALTHCHECK and load balancers to verify the app is running
func healthHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// =============================================================================
// Receiver Endpoint
// =============================================================================

// receiverPath is where webhooks can be sent directly, bypassing the relay.
func receiverPath() string {
	if settings == nil || settings.Receiver.Path == "" {
		return "/hooks"
	}
	return strings.TrimRight(settings.Receiver.Path, "/")
}

// receiverHandler stores whatever is sent to the receiver path.
// POST/PUT/PATCH store the body; GET ?payload=... stores the query value.
// Anything after the receiver path becomes the entry's topic:
// POST /hooks/github stores an entry with topic "github".
func receiverHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	topic := strings.Trim(strings.TrimPrefix(r.URL.Path, receiverPath()), "/")

	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		receiveBody(w, r, topic)
	case http.MethodGet:
		receiveQuery(w, r, topic)
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func receiveBody(w http.ResponseWriter, r *http.Request, topic string) {
	maxBody := int64(1 << 20)
	if settings != nil && settings.Receiver.MaxBody > 0 {
		maxBody = settings.Receiver.MaxBody
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error":"body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		http.Error(w, `{"error":"empty body"}`, http.StatusBadRequest)
		return
	}

	storeDirect(w, r, topic, string(body))
}

// receiveQuery handles GET ?payload=... senders. Browsers re-send the same
// URL on refresh, so a payload equal to the newest direct entry is not
// stored again.
func receiveQuery(w http.ResponseWriter, r *http.Request, topic string) {
	payload := r.URL.Query().Get("payload")
	if payload == "" {
		http.Error(w, `{"error":"payload query parameter is required"}`, http.StatusBadRequest)
		return
	}

	latest, err := hooks.Latest(r.Context(), inbox.SourceDirect)
	switch {
	case err == nil && latest.Message == payload:
		json.NewEncoder(w).Encode(map[string]string{"status": "duplicate", "id": latest.ID})
		return
	case err != nil && !errors.Is(err, inbox.ErrNotFound):
		slog.ErrorContext(r.Context(), "failed to read latest hook", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}

	storeDirect(w, r, topic, payload)
}

func storeDirect(w http.ResponseWriter, r *http.Request, topic, message string) {
	entry := inbox.Entry{
		ID:      uuid.NewString(),
		Source:  inbox.SourceDirect,
		Topic:   topic,
		Event:   envelope.EventMessage,
		Time:    time.Now().UTC(),
		Message: message,
		Headers: getRequestHeaders(r),
	}

	if _, err := hooks.Put(r.Context(), entry); err != nil {
		slog.ErrorContext(r.Context(), "failed to store hook", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}

	hooksReceivedTotal.WithLabelValues(inbox.SourceDirect).Inc()
	refreshStoredGauge(r.Context())

	slog.InfoContext(r.Context(), "hook received",
		"id", entry.ID,
		"topic", topic,
		"bytes", len(message),
	)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "received", "id": entry.ID})
}

// getRequestHeaders flattens the request headers into single values.
// Multiple values are joined with a comma (standard HTTP format).
func getRequestHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if name == forwardedLogHeader {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}
	return headers
}

// =============================================================================
// Hooks API
// =============================================================================

// hookSummary is one row of the feed.
type hookSummary struct {
	ID      string    `json:"id"`
	ShortID string    `json:"short_id"`
	Source  string    `json:"source"`
	Topic   string    `json:"topic,omitempty"`
	Time    time.Time `json:"time"`
	Label   string    `json:"label"`
	Viewed  bool      `json:"viewed"`
	Size    int       `json:"size"`
}

// authInfo is a decoded Authorization header.
type authInfo struct {
	// Source is "tunneled" when the header came from inside the body and
	// "transport" when it was a real HTTP header.
	Source   string `json:"source"`
	Scheme   string `json:"scheme,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Error    string `json:"error,omitempty"`
}

// hookDetail is an entry with its body interpreted.
type hookDetail struct {
	inbox.Entry
	Valid    bool              `json:"valid"`
	Wrapped  bool              `json:"wrapped"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Tunneled map[string]string `json:"tunneled_headers,omitempty"`
	Auth     *authInfo         `json:"auth,omitempty"`
}

// hooksHandler routes /api/hooks requests based on method and path
//
//	GET    /api/hooks        list (q, unread, limit)
//	DELETE /api/hooks        purge everything
//	POST   /api/hooks/reset  move the clear gate to now
//	GET    /api/hooks/:id    detail, marks the entry viewed
func hooksHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/hooks")
	path = strings.TrimPrefix(path, "/")

	w.Header().Set("Content-Type", "application/json")

	switch {
	case path == "":
		switch r.Method {
		case http.MethodGet:
			listHooks(w, r)
		case http.MethodDelete:
			purgeHooks(w, r)
		default:
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		}
	case path == "reset":
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		resetHooks(w, r)
	default:
		if r.Method != http.MethodGet {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		getHook(w, r, path)
	}
}

// listHooks returns the visible entries, newest first
func listHooks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
		return
	}

	entries, err := hooks.List(r.Context(), filter)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list hooks", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}

	loc := displayLocation()
	summaries := make([]hookSummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, summarize(e, loc))
	}

	json.NewEncoder(w).Encode(summaries)
}

// parseFilter reads q, unread and limit. On a bad limit the returned filter
// still carries the search and unread flag with the default limit.
func parseFilter(r *http.Request) (inbox.Filter, error) {
	q := r.URL.Query()
	filter := inbox.Filter{
		Search:     strings.TrimSpace(q.Get("q")),
		UnreadOnly: isTrue(q.Get("unread")),
		Limit:      defaultListLimit,
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, errors.New("invalid limit")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	return filter, nil
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// getHook returns one entry, decoded, and marks it viewed
func getHook(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := hooks.Get(r.Context(), id)
	if errors.Is(err, inbox.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to fetch hook", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}

	if !entry.Viewed {
		if err := hooks.MarkViewed(r.Context(), id); err != nil {
			slog.WarnContext(r.Context(), "failed to mark hook viewed", "id", id, "error", err)
		} else {
			entry.Viewed = true
		}
	}

	json.NewEncoder(w).Encode(describe(entry))
}

// resetHooks hides everything received so far without deleting it
func resetHooks(w http.ResponseWriter, r *http.Request) {
	gate := gateAt(time.Now())
	if err := hooks.SetClearBefore(r.Context(), gate); err != nil {
		slog.ErrorContext(r.Context(), "failed to reset feed", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}

	slog.InfoContext(r.Context(), "feed reset", "clear_before", gate)
	json.NewEncoder(w).Encode(map[string]any{"status": "reset", "clear_before": gate})
}

// purgeHooks deletes every stored entry
func purgeHooks(w http.ResponseWriter, r *http.Request) {
	n, err := hooks.Purge(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to purge hooks", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}
	hooksStored.Set(0)

	slog.InfoContext(r.Context(), "hooks purged", "count", n)
	json.NewEncoder(w).Encode(map[string]any{"status": "purged", "deleted": n})
}

// =============================================================================
// Status Endpoint
// =============================================================================

// statusHandler reports relay polling health and inbox counts (GET only)
func statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	ctx := r.Context()
	stored, err := hooks.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count hooks", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}
	visible, err := hooks.List(ctx, inbox.Filter{})
	if err != nil {
		slog.ErrorContext(ctx, "failed to list hooks", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}
	gate, err := hooks.ClearBefore(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read clear gate", "error", err)
		http.Error(w, `{"error":"database error"}`, http.StatusInternalServerError)
		return
	}

	unread := 0
	for _, e := range visible {
		if !e.Viewed {
			unread++
		}
	}

	response := map[string]any{
		"version":  version,
		"receiver": receiverPath(),
		"stored":   stored,
		"visible":  len(visible),
		"unread":   unread,
	}
	if !gate.IsZero() {
		response["clear_before"] = gate
	}
	if settings != nil {
		response["relay_driver"] = settings.Relay.Driver
	}
	if feed != nil {
		response["relay"] = feed.Status()
	}

	json.NewEncoder(w).Encode(response)
}

// =============================================================================
// Decoding
// =============================================================================

// describe interprets an entry's body: unwraps tunneled headers and decodes
// the Authorization header, preferring the tunneled one.
func describe(e inbox.Entry) hookDetail {
	u := envelope.Unwrap(e.Message)

	d := hookDetail{
		Entry:    e,
		Valid:    u.Valid,
		Wrapped:  u.Wrapped,
		Payload:  u.Payload,
		Tunneled: u.Headers,
	}

	if value, ok := u.Header("Authorization"); ok {
		d.Auth = decodeAuth("tunneled", value)
	} else if value, ok := envelope.Lookup(e.Headers, "Authorization"); ok {
		d.Auth = decodeAuth("transport", value)
	}
	return d
}

func decodeAuth(source, value string) *authInfo {
	info := &authInfo{Source: source}
	if scheme, _, ok := strings.Cut(strings.TrimSpace(value), " "); ok {
		info.Scheme = scheme
	}

	creds, err := basicauth.Parse(value)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Username = creds.Username
	info.Password = creds.Password
	return info
}

func summarize(e inbox.Entry, loc *time.Location) hookSummary {
	return hookSummary{
		ID:      e.ID,
		ShortID: shortID(e.ID),
		Source:  e.Source,
		Topic:   e.Topic,
		Time:    e.Time,
		Label:   e.Time.In(loc).Format("15:04:05") + " | ID: " + shortID(e.ID),
		Viewed:  e.Viewed,
		Size:    len(e.Message),
	}
}

// shortID is the six character prefix shown in the feed.
func shortID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[:6]
}

func displayLocation() *time.Location {
	if settings == nil {
		return time.UTC
	}
	return settings.Display.Location()
}

// sortedHeaders returns header names in a stable order for rendering.
func sortedHeaders(headers map[string]string) []string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
