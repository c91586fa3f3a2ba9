package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/slidemanager/slidemanager/internal/domain/index"
)

func TestEventsStream_HelloThenLiveEvents(t *testing.T) {
	backend, root := newTestBackend(t)
	writeDeck(t, root, "deck.pptx", "alpha")
	reg := NewRegistry([]*Backend{backend})

	r := chi.NewRouter()
	r.Post("/jobs/index", NewJobsHandler(reg).Create)
	r.Get("/jobs/{id}/events", NewEventsHandler(reg).Stream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	jobID, err := backend.Manager.CreateJob(context.Background(), root, false, index.DefaultJobOptions())
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/jobs/"+jobID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawHello, sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: hello":
			sawHello = true
		case strings.HasPrefix(line, "data: ") && sawHello && !sawEvent:
			if strings.Contains(line, "\"last_seq\"") {
				// Payload of the hello frame itself. The job may already be
				// finished by now, so force one live publish to prove the
				// subscription delivers.
				if !strings.Contains(line, jobID) {
					t.Errorf("hello frame missing job id: %s", line)
				}
				backend.Bus.Publish(jobID, "stats_snapshot", map[string]any{"probe": true})
				continue
			}
			var ev struct {
				JobID string `json:"job_id"`
				Type  string `json:"type"`
				Seq   uint64 `json:"seq"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event frame %q: %v", line, err)
			}
			if ev.JobID != jobID || ev.Type == "" || ev.Seq == 0 {
				t.Errorf("malformed event: %+v", ev)
			}
			sawEvent = true
		}
		if sawHello && sawEvent {
			cancel()
			break
		}
	}
	if !sawHello {
		t.Error("no hello frame")
	}
	if !sawEvent {
		t.Error("no live event after hello")
	}

	backend.Manager.WaitJob(jobID)
}

func TestEventsStream_UnknownJobIs404(t *testing.T) {
	backend, _ := newTestBackend(t)
	reg := NewRegistry([]*Backend{backend})

	r := chi.NewRouter()
	r.Get("/jobs/{id}/events", NewEventsHandler(reg).Stream)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job_missing/events", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestIsLocalOrigin(t *testing.T) {
	cases := map[string]bool{
		"http://localhost:3000": true,
		"http://127.0.0.1:8080": true,
		"https://example.com":   false,
		"":                      false,
	}
	for origin, want := range cases {
		if got := isLocalOrigin(origin); got != want {
			t.Errorf("isLocalOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}
