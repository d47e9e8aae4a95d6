package main

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/billgrant/webhook-tester/internal/envelope"
	"github.com/billgrant/webhook-tester/internal/inbox"
	"github.com/billgrant/webhook-tester/internal/poller"
)

//go:embed templates/dashboard.html
var templateFS embed.FS

var dashboardTemplate = template.Must(template.ParseFS(templateFS, "templates/dashboard.html"))

// dashboardPage is everything the dashboard template renders.
type dashboardPage struct {
	Version     string
	Topic       string
	Receiver    string
	Query       string
	UnreadOnly  bool
	Refresh     int
	ClearBefore string
	Rows        []dashboardRow
	Selected    *dashboardHook
	NotFound    bool
	Relay       *poller.Status
}

type dashboardRow struct {
	hookSummary
	Link     string
	Selected bool
}

type dashboardHook struct {
	hookDetail
	Time      string
	Pretty    string
	Tunneled  []headerLine
	Transport []headerLine
}

type headerLine struct {
	Name  string
	Value string
}

// dashboardHandler serves the HTML viewer at /.
// GET renders the feed and, with ?id=, the selected webhook.
// POST handles the Reset and Clear All buttons.
func dashboardHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		renderDashboard(w, r)
	case http.MethodPost:
		dashboardAction(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func renderDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	// A bad limit falls back to the default.
	filter, _ := parseFilter(r)

	page := dashboardPage{
		Version:    version,
		Receiver:   receiverPath(),
		Query:      filter.Search,
		UnreadOnly: filter.UnreadOnly,
		Refresh:    refreshSeconds(),
	}
	if settings != nil && settings.Relay.Driver != "none" {
		page.Topic = settings.Relay.Topic
	}
	if feed != nil {
		status := feed.Status()
		page.Relay = &status
	}

	loc := displayLocation()

	// Viewing marks the entry read, so load it before the list.
	selectedID := q.Get("id")
	if selectedID != "" {
		entry, err := hooks.Get(ctx, selectedID)
		switch {
		case errors.Is(err, inbox.ErrNotFound):
			page.NotFound = true
		case err != nil:
			slog.ErrorContext(ctx, "failed to fetch hook", "error", err)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		default:
			if err := hooks.MarkViewed(ctx, selectedID); err == nil {
				entry.Viewed = true
			}
			page.Selected = newDashboardHook(entry, loc)
		}
	}

	entries, err := hooks.List(ctx, filter)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list hooks", "error", err)
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	for _, e := range entries {
		page.Rows = append(page.Rows, dashboardRow{
			hookSummary: summarize(e, loc),
			Link:        dashboardLink(e.ID, filter.Search, filter.UnreadOnly),
			Selected:    e.ID == selectedID,
		})
	}

	if gate, err := hooks.ClearBefore(ctx); err == nil && !gate.IsZero() {
		page.ClearBefore = gate.In(loc).Format("15:04:05")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, page); err != nil {
		slog.ErrorContext(ctx, "failed to render dashboard", "error", err)
	}
}

// dashboardAction handles the form buttons and redirects back to a clean
// view, which also clears the selection.
func dashboardAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	switch r.FormValue("action") {
	case "reset":
		if err := hooks.SetClearBefore(ctx, gateAt(time.Now())); err != nil {
			slog.ErrorContext(ctx, "failed to reset feed", "error", err)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		slog.InfoContext(ctx, "feed reset from dashboard")
	case "purge":
		n, err := hooks.Purge(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to purge hooks", "error", err)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		hooksStored.Set(0)
		slog.InfoContext(ctx, "hooks purged from dashboard", "count", n)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func newDashboardHook(e inbox.Entry, loc *time.Location) *dashboardHook {
	d := describe(e)

	h := &dashboardHook{
		hookDetail: d,
		Time:       e.Time.In(loc).Format("2006-01-02 15:04:05 MST"),
	}
	if d.Valid {
		h.Pretty = envelope.Pretty(d.Payload)
	}
	for _, name := range sortedHeaders(d.Tunneled) {
		h.Tunneled = append(h.Tunneled, headerLine{Name: name, Value: d.Tunneled[name]})
	}
	for _, name := range sortedHeaders(e.Headers) {
		h.Transport = append(h.Transport, headerLine{Name: name, Value: e.Headers[name]})
	}
	return h
}

// dashboardLink keeps the search state when selecting a row, so the
// auto-refresh reloads the same view.
func dashboardLink(id, search string, unreadOnly bool) string {
	v := url.Values{}
	v.Set("id", id)
	if search != "" {
		v.Set("q", search)
	}
	if unreadOnly {
		v.Set("unread", "1")
	}
	return "/?" + v.Encode()
}

func refreshSeconds() int {
	if settings == nil || settings.Display.Refresh <= 0 {
		return 2
	}
	return max(1, int(math.Round(settings.Display.Refresh.Seconds())))
}
