package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Standalone fake prediction backend for local development:
//
//	go run test_prediction_server.go
//
// Point prediction.endpoint at http://localhost:8090/v1/predictions and use
// any non-empty token and model version. Predictions report "processing" for
// a couple of polls and then succeed with a canned storefront answer.

type predictionRecord struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Output    json.RawMessage   `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	URLs      map[string]string `json:"urls"`
	CreatedAt time.Time         `json:"created_at"`

	polls int
}

type fakeBackend struct {
	mu      sync.Mutex
	seq     int
	records map[string]*predictionRecord
}

func (b *fakeBackend) submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Version string `json:"version"`
		Input   struct {
			Command    string `json:"command"`
			Audio      string `json:"audio"`
			ShopDomain string `json:"shop_domain"`
		} `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.seq++
	id := fmt.Sprintf("fake-%d", b.seq)
	rec := &predictionRecord{
		ID:        id,
		Status:    "starting",
		URLs:      map[string]string{"get": fmt.Sprintf("http://%s/v1/predictions/%s", r.Host, id)},
		CreatedAt: time.Now(),
	}
	b.records[id] = rec
	b.mu.Unlock()

	log.Printf("Submitted prediction %s (shop=%s, audio=%d bytes base64)",
		id, body.Input.ShopDomain, len(body.Input.Audio))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

func (b *fakeBackend) poll(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/predictions/")

	b.mu.Lock()
	rec, ok := b.records[id]
	if ok {
		rec.polls++
		switch {
		case rec.polls < 2:
			rec.Status = "processing"
		default:
			rec.Status = "succeeded"
			// The real model returns its result as a JSON string.
			answer := `{"message": "Found 3 products matching your request.", "action": "search", "query": "running shoes"}`
			out, _ := json.Marshal(answer)
			rec.Output = out
		}
	}
	b.mu.Unlock()

	if !ok {
		http.Error(w, "Prediction not found", http.StatusNotFound)
		return
	}

	log.Printf("Polled prediction %s (status=%s, polls=%d)", id, rec.Status, rec.polls)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func main() {
	backend := &fakeBackend{records: make(map[string]*predictionRecord)}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/predictions", backend.submit)
	mux.HandleFunc("/v1/predictions/", backend.poll)

	addr := ":8090"
	log.Printf("Fake prediction backend listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
