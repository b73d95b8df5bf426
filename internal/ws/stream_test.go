package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weaverlabs/ces/internal/event"
	"github.com/weaverlabs/ces/internal/stream"
)

func setupStream(t *testing.T) (*stream.Hub, string) {
	t.Helper()
	hub := stream.New(0, 0)
	streamer := NewStreamer([]string{"*"})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamer.Serve(w, r, hub)
	}))
	t.Cleanup(ts.Close)
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestServeReplaysAndCloses(t *testing.T) {
	hub, url := setupStream(t)

	// Events published before the client connects must be replayed.
	hub.Publish(event.Event{Seq: 0, Kind: event.KindStdout, Payload: "a\n"})
	hub.Publish(event.Event{Seq: 1, Kind: event.KindStdout, Payload: "b\n"})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hub.Publish(event.Event{Seq: 2, Kind: event.KindStatus, Payload: "done", Terminal: true})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seqs []int64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read: %v", err)
		}
		var ev struct {
			Seq      int64 `json:"seq"`
			Terminal bool  `json:"terminal"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		seqs = append(seqs, ev.Seq)
	}

	if len(seqs) != 3 {
		t.Fatalf("received %d events, want 3 (%v)", len(seqs), seqs)
	}
	for i, seq := range seqs {
		if seq != int64(i) {
			t.Errorf("event %d has seq %d", i, seq)
		}
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest("GET", "/stream", nil)
	if !check(req) {
		t.Error("requests without an Origin header should pass")
	}

	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Error("allowed origin rejected")
	}

	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Error("disallowed origin accepted")
	}

	wildcard := originChecker([]string{"*"})
	if !wildcard(req) {
		t.Error("wildcard should accept any origin")
	}
}
