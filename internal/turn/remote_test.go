package turn

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newClassifier(t *testing.T, reply string, seen *[]Message) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != checkEndOfTurnProcedure {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []Message `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if seen != nil {
			*seen = req.Messages
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
}

func TestRemoteSendsTailOfHistory(t *testing.T) {
	var seen []Message
	srv := newClassifier(t, `{"probability":0.2}`, &seen)
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL})
	history := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello, how can I help?"},
	}
	done, err := r.IsEndOfTurn(context.Background(), "where is my order", history)
	if err != nil {
		t.Fatalf("IsEndOfTurn() error = %v", err)
	}
	if !done {
		t.Fatalf("IsEndOfTurn() = false, want true for probability above threshold")
	}
	if len(seen) != 2 || seen[0].Role != "assistant" || seen[1].Content != "where is my order" {
		t.Fatalf("sent messages = %+v", seen)
	}
}

func TestRemoteBelowThreshold(t *testing.T) {
	srv := newClassifier(t, `{"probability":0.01}`, nil)
	defer srv.Close()

	done, err := NewRemote(RemoteConfig{URL: srv.URL}).IsEndOfTurn(context.Background(), "I want to", nil)
	if err != nil {
		t.Fatalf("IsEndOfTurn() error = %v", err)
	}
	if done {
		t.Fatalf("IsEndOfTurn() = true, want false")
	}
}

func TestRemoteBooleanVerdict(t *testing.T) {
	srv := newClassifier(t, `{"end_of_turn":true}`, nil)
	defer srv.Close()

	done, err := NewRemote(RemoteConfig{URL: srv.URL}).IsEndOfTurn(context.Background(), "bye", nil)
	if err != nil {
		t.Fatalf("IsEndOfTurn() error = %v", err)
	}
	if !done {
		t.Fatalf("IsEndOfTurn() = false, want true")
	}
}

func TestRemoteErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewRemote(RemoteConfig{URL: srv.URL}).IsEndOfTurn(context.Background(), "hello", nil); err == nil {
		t.Fatalf("IsEndOfTurn() error = nil, want error")
	}
}
