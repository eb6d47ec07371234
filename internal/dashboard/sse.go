package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// jobEvent is the JSON shape pushed to dashboard clients over SSE.
type jobEvent struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	CommitHash string `json:"commit_hash"`
}

// Broker fans one PublishJob call out to every currently connected SSE
// client, following the teacher's internal/dashboard/sse.go subscriber
// registry shape.
type Broker struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan []byte]struct{})}
}

// PublishJob encodes ev and sends it to every connected subscriber,
// dropping it for any subscriber whose channel is currently full rather
// than blocking the publisher.
func (b *Broker) PublishJob(id, kind, status, commitHash string) {
	data, err := json.Marshal(jobEvent{ID: id, Kind: kind, Status: status, CommitHash: commitHash})
	if err != nil {
		return
	}
	frame := []byte(fmt.Sprintf("event: job\ndata: %s\n\n", data))

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// ServeHTTP handles one long-lived SSE connection.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
