package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/billgrant/webhook-tester/internal/envelope"
)

// logForwarder is a slog.Handler that writes through next and, when target
// is set, also posts each record as a tunneled webhook
// {"headers":{"Authorization":auth},"payload":<record>}. Pointed at a
// webhook-tester, the dashboard then shows the record with its credentials.
type logForwarder struct {
	next   slog.Handler
	target string
	auth   string
	attrs  []slog.Attr
	client *http.Client
}

func newLogForwarder(next slog.Handler, target, auth string) *logForwarder {
	return &logForwarder{
		next:   next,
		target: target,
		auth:   auth,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (f *logForwarder) Enabled(ctx context.Context, level slog.Level) bool {
	return f.next.Enabled(ctx, level)
}

// Handle skips forwarding for records logged while serving a forwarded log.
func (f *logForwarder) Handle(ctx context.Context, record slog.Record) error {
	if err := f.next.Handle(ctx, record); err != nil {
		return err
	}
	if f.target == "" || isForwardedLog(ctx) {
		return nil
	}

	fields := f.fields(record)
	go f.post(fields)
	return nil
}

func (f *logForwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *f
	clone.next = f.next.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr(nil), f.attrs...), attrs...)
	return &clone
}

func (f *logForwarder) WithGroup(name string) slog.Handler {
	clone := *f
	clone.next = f.next.WithGroup(name)
	return &clone
}

// fields flattens a record and the handler's attrs into one JSON object.
func (f *logForwarder) fields(record slog.Record) map[string]any {
	fields := make(map[string]any, 3+len(f.attrs)+record.NumAttrs())
	add := func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Resolve().Any()
		return true
	}
	for _, a := range f.attrs {
		add(a)
	}
	record.Attrs(add)

	fields["time"] = record.Time.UTC().Format(time.RFC3339)
	fields["level"] = record.Level.String()
	fields["msg"] = record.Message
	return fields
}

func (f *logForwarder) envelope(fields map[string]any) ([]byte, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if f.auth != "" {
		headers = map[string]string{"Authorization": f.auth}
	}
	return envelope.Wrap(headers, payload)
}

// post delivers one record. Errors go to stderr since logging them would
// recurse.
func (f *logForwarder) post(fields map[string]any) {
	body, err := f.envelope(fields)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log forward: encode:", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, f.target, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "log forward: request:", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(forwardedLogHeader, "1")
	if f.auth != "" {
		req.Header.Set("Authorization", f.auth)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log forward: send:", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		fmt.Fprintln(os.Stderr, "log forward: unexpected status", resp.StatusCode)
	}
}
