package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Agora-Substrate/sdk/go/agora"
)

// This example runs against a stub server so it can be executed without a
// live agorad instance. Point the client at a real deployment by replacing
// the base URL and API key.
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/actions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agora.ActionResult{
			Success:           true,
			Outcome:           "accepted",
			ResourcesConsumed: 1,
		})
	})
	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]agora.EventRecord{
			{
				ID:         "ev-demo",
				Tick:       42,
				Timestamp:  time.Now().Unix(),
				Proposer:   "alice",
				ActionType: "write_artifact",
				Summary:    "write_artifact doc (5 bytes)",
				Outcome:    "accepted",
			},
		})
	})
	mux.HandleFunc("/api/v1/principals/alice", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agora.PrincipalView{
			ID:    "alice",
			Scrip: 95,
			Flow:  map[string]float64{"compute": 870},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := agora.NewClient(srv.URL, srv.Client())
	client.SetAPIKey("demo-key")
	ctx := context.Background()

	result, err := client.SubmitAction(ctx, agora.ActionSubmission{
		Proposer:   "alice",
		ActionType: "write_artifact",
		ArtifactID: "doc",
		Content:    "hello",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("action: success=%v outcome=%s consumed=%.0f\n",
		result.Success, result.Outcome, result.ResourcesConsumed)

	events, err := client.ListEvents(ctx, 10)
	if err != nil {
		panic(err)
	}
	for _, ev := range events {
		fmt.Printf("event %s tick=%d %s by %s: %s\n", ev.ID, ev.Tick, ev.ActionType, ev.Proposer, ev.Summary)
	}

	view, err := client.GetPrincipal(ctx, "alice")
	if err != nil {
		panic(err)
	}
	fmt.Printf("principal %s scrip=%d frozen=%v\n", view.ID, view.Scrip, view.Frozen)
}
