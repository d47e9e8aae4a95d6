// Package inbox stores received webhooks so the viewer can list, search and
// inspect them. Entries arrive either from the relay poller or from the
// direct receiver endpoint.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entry sources.
const (
	SourceRelay  = "relay"
	SourceDirect = "direct"
)

var ErrNotFound = errors.New("entry not found")

// Entry is one received webhook.
type Entry struct {
	ID      string            `json:"id"`
	Source  string            `json:"source"`
	Topic   string            `json:"topic,omitempty"`
	Event   string            `json:"event"`
	Time    time.Time         `json:"time"`
	Message string            `json:"message"`
	Headers map[string]string `json:"headers,omitempty"`
	Viewed  bool              `json:"viewed"`
}

// Filter narrows a List call.
type Filter struct {
	// Search is a case-insensitive substring matched against the raw message.
	Search string
	// UnreadOnly hides entries that have been viewed.
	UnreadOnly bool
	// Limit caps the number of entries returned; zero means no limit.
	Limit int
}

// Store persists inbox entries.
type Store interface {
	// Put saves e. It reports false, without error, when an entry with the
	// same id already exists.
	Put(ctx context.Context, e Entry) (bool, error)
	Get(ctx context.Context, id string) (Entry, error)
	// List returns entries newer than the clear gate, newest first.
	List(ctx context.Context, f Filter) ([]Entry, error)
	// Latest returns the newest entry from source regardless of the clear
	// gate, or ErrNotFound.
	Latest(ctx context.Context, source string) (Entry, error)
	MarkViewed(ctx context.Context, id string) error
	// SetClearBefore hides every entry at or before t from List.
	SetClearBefore(ctx context.Context, t time.Time) error
	ClearBefore(ctx context.Context) (time.Time, error)
	// Purge deletes every entry and returns how many were removed.
	Purge(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Drivers.
const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// MemoryPath selects an ephemeral store.
const MemoryPath = ":memory:"

// Open opens the store for driver at path. An empty path or MemoryPath keeps
// everything in memory.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverBadger, "":
		return OpenBadger(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q (supported: badger, sqlite)", driver)
	}
}

// apply is the List contract shared by every backend.
func apply(entries []Entry, clearBefore time.Time, f Filter) []Entry {
	search := strings.ToLower(f.Search)

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Time.After(clearBefore) {
			continue
		}
		if f.UnreadOnly && e.Viewed {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Message), search) {
			continue
		}
		out = append(out, e)
	}

	sortNewestFirst(out)

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Time.After(entries[j].Time)
		}
		return entries[i].ID > entries[j].ID
	})
}

func latest(entries []Entry, source string) (Entry, error) {
	var (
		best  Entry
		found bool
	)
	for _, e := range entries {
		if e.Source != source {
			continue
		}
		if !found || e.Time.After(best.Time) || (e.Time.Equal(best.Time) && e.ID > best.ID) {
			best, found = e, true
		}
	}
	if !found {
		return Entry{}, ErrNotFound
	}
	return best, nil
}
