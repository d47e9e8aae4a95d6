package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billgrant/webhook-tester/internal/basicauth"
	"github.com/billgrant/webhook-tester/internal/envelope"
	"github.com/billgrant/webhook-tester/internal/relay/relaytest"
)

func newTestRelay(t *testing.T) (*relaytest.Server, *HTTPRelay) {
	t.Helper()
	mock := relaytest.NewServer()
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)
	return mock, NewHTTP(srv.URL)
}

func TestHTTPRelay_PublishAndPoll(t *testing.T) {
	_, client := newTestRelay(t)
	ctx := context.Background()

	sent, err := client.Publish(ctx, "wh_receiver", []byte(`{"payload":{"id":101}}`))
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, envelope.EventMessage, sent.Event)

	messages, err := client.Poll(ctx, "wh_receiver", SinceAll)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, sent.ID, messages[0].ID)
	assert.Equal(t, `{"payload":{"id":101}}`, messages[0].Message)
}

func TestHTTPRelay_PollSinceID(t *testing.T) {
	mock, client := newTestRelay(t)
	ctx := context.Background()

	first := mock.Publish("t", "one")
	mock.Publish("t", "two")

	messages, err := client.Poll(ctx, "t", first.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "two", messages[0].Message)

	polls := mock.PollRequests()
	require.NotEmpty(t, polls)
	last := polls[len(polls)-1]
	assert.Equal(t, "1", last.URL.Query().Get("poll"))
	assert.Equal(t, first.ID, last.URL.Query().Get("since"))
}

func TestHTTPRelay_PollDefaultsToAll(t *testing.T) {
	mock, client := newTestRelay(t)

	_, err := client.Poll(context.Background(), "t", "")
	require.NoError(t, err)

	polls := mock.PollRequests()
	require.Len(t, polls, 1)
	assert.Equal(t, SinceAll, polls[0].URL.Query().Get("since"))
}

func TestHTTPRelay_PollSkipsMalformedLines(t *testing.T) {
	mock, client := newTestRelay(t)

	mock.AddEvent("t", envelope.EventOpen)
	mock.AddRawLine("t", "{broken")
	mock.Publish("t", "ok")

	messages, err := client.Poll(context.Background(), "t", SinceAll)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, envelope.EventOpen, messages[0].Event)
	assert.Equal(t, "ok", messages[1].Message)
}

func TestHTTPRelay_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic is reserved", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewHTTP(srv.URL)

	_, err := client.Poll(context.Background(), "t", SinceAll)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, "poll", statusErr.Op)
	assert.Contains(t, statusErr.Error(), "topic is reserved")

	_, err = client.Publish(context.Background(), "t", []byte("x"))
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "publish", statusErr.Op)
}

func TestHTTPRelay_Authorization(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
	}))
	defer srv.Close()
	ctx := context.Background()

	_, err := NewHTTP(srv.URL, WithToken("tk_123")).Poll(ctx, "t", SinceAll)
	require.NoError(t, err)
	_, err = NewHTTP(srv.URL, WithBasicAuth("u", "p")).Poll(ctx, "t", SinceAll)
	require.NoError(t, err)
	_, err = NewHTTP(srv.URL).Poll(ctx, "t", SinceAll)
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer tk_123", basicauth.Encode("u", "p"), ""}, got)
}

func TestHTTPRelay_PublishWithoutEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	msg, err := NewHTTP(srv.URL).Publish(context.Background(), "t", []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, "t", msg.Topic)
	assert.Equal(t, "body", msg.Message)
}

func TestHTTPRelay_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, WithTimeout(20*time.Millisecond)).Poll(context.Background(), "t", SinceAll)
	assert.Error(t, err)
}

func TestHTTPRelay_TopicURL(t *testing.T) {
	client := NewHTTP("https://relay.example/")
	assert.Equal(t, "https://relay.example/a%20b", client.TopicURL("a b"))
	assert.Equal(t, DefaultURL+"/x", NewHTTP("").TopicURL("x"))
}
