package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "Agora-Substrate/internal/errors"
)

type fakeNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (f *fakeNotifier) Channel() Channel { return f.channel }

func (f *fakeNotifier) Notify(_ context.Context, event Event) error {
	f.events = append(f.events, event)
	return f.err
}

func TestFanoutBroadcastsAndJoinsErrors(t *testing.T) {
	ok := &fakeNotifier{channel: ChannelEmail}
	bad := &fakeNotifier{channel: ChannelSlack, err: errors.New("down")}
	dispatcher := NewFanout(ok, bad)

	event := Event{
		Code:       xerrors.CodeStorageFailure,
		Message:    "checkpoint write failed",
		Component:  "snapshot",
		Tick:       7,
		OccurredAt: time.Now(),
	}
	err := dispatcher.Notify(context.Background(), event)
	if err == nil {
		t.Fatal("expected joined error from failing channel")
	}
	if len(ok.events) != 1 || ok.events[0].Tick != 7 {
		t.Fatalf("email channel missed event: %+v", ok.events)
	}
	if len(bad.events) != 1 {
		t.Fatalf("slack channel missed event: %+v", bad.events)
	}
}

func TestSlackWebhookSenderPostsPayload(t *testing.T) {
	var got slackWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := &SlackWebhookSender{WebhookURL: srv.URL, Client: srv.Client()}
	if err := sender.Send(context.Background(), "#ops", "principal frozen"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Channel != "#ops" || got.Text != "principal frozen" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSlackWebhookSenderSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	sender := &SlackWebhookSender{WebhookURL: srv.URL, Client: srv.Client()}
	if err := sender.Send(context.Background(), "#ops", "msg"); err == nil {
		t.Fatal("expected error for 403 response")
	}
}
