package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
)

type recorder struct {
	name   string
	err    error
	events []Event
}

func (r *recorder) Channel() string { return r.name }

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recorder{name: "a"}
	b := &recorder{name: "b", err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Kind: KindPaused, Severity: SeverityCritical, Message: "paused"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b")
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	assert.NoError(t, d.Notify(context.Background(), Event{}))
}

func TestWebhookPostsEvent(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		_ = json.NewDecoder(r.Body).Decode(&e)
		got <- e
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{HTTP: httpx.New(2*time.Second, 0), URL: srv.URL}
	require.NoError(t, n.Notify(context.Background(), Event{Kind: KindDeadLetter, Message: "job s1 dead", Metadata: map[string]string{"signal_id": "s1"}}))
	e := <-got
	assert.Equal(t, KindDeadLetter, e.Kind)
	assert.Equal(t, "s1", e.Metadata["signal_id"])
}

func TestUnconfiguredWebhookSkips(t *testing.T) {
	n := &WebhookNotifier{}
	assert.NoError(t, n.Notify(context.Background(), Event{Kind: KindKillSwitch}))
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{Logger: logger.Discard()}
	assert.NoError(t, n.Notify(context.Background(), Event{Kind: KindKillSwitch, Metadata: map[string]string{"k": "v"}}))
}
