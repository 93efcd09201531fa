package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralphloop/ralph/internal/agent"
)

func TestRunSendsPromptAndDetectsCompletion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
	})
	mux.HandleFunc("/session/sess-1/message", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parts": []map[string]string{
				{"type": "text", "text": "done <promise>COMPLETE</promise>"},
			},
		})
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New()
	a.BaseURL = srv.URL

	result, err := a.Run(context.Background(), agent.Config{Prompt: "do the thing"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Completed {
		t.Fatalf("expected completion, got output %q", result.Output)
	}
	if result.Failed {
		t.Fatal("did not expect failure")
	}
}

func TestRunClassifiesFailureFromResponseText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-2"})
	})
	mux.HandleFunc("/session/sess-2/message", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parts": []map[string]string{
				{"type": "text", "text": "rate limit exceeded, giving up"},
			},
		})
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New()
	a.BaseURL = srv.URL

	result, err := a.Run(context.Background(), agent.Config{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Failed {
		t.Fatal("expected rate-limit text to classify as failure")
	}
}

func TestRunPropagatesHTTPErrorFromCreateSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := New()
	a.BaseURL = srv.URL

	_, err := a.Run(context.Background(), agent.Config{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error when session creation fails")
	}
}

func TestRunRequiresBaseURL(t *testing.T) {
	a := New()
	_, err := a.Run(context.Background(), agent.Config{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error when BaseURL is unset")
	}
}

func TestIterationDeadlineDefault(t *testing.T) {
	if IterationDeadline != time.Hour {
		t.Fatalf("expected default 1h deadline, got %v", IterationDeadline)
	}
}

func TestWatchIdleMarkerDetectsPreExistingMarker(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IdleMarkerName), []byte("idle"), 0o644); err != nil {
		t.Fatal(err)
	}

	idleSeen := make(chan struct{})
	a := New()
	a.watchIdleMarker(context.Background(), dir, idleSeen)

	select {
	case <-idleSeen:
	default:
		t.Fatal("expected idleSeen to be closed for a pre-existing marker file")
	}
}

func TestWatchIdleMarkerDetectsCreatedMarker(t *testing.T) {
	dir := t.TempDir()
	idleSeen := make(chan struct{})
	a := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.watchIdleMarker(ctx, dir, idleSeen)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, IdleMarkerName), []byte("idle"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-idleSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("expected idleSeen to close after marker creation")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected watchIdleMarker to return after signaling")
	}
}

func TestWatchIdleMarkerNoopWithoutWorkDir(t *testing.T) {
	idleSeen := make(chan struct{})
	a := New()
	a.watchIdleMarker(context.Background(), "", idleSeen)

	select {
	case <-idleSeen:
		t.Fatal("did not expect idleSeen to close without a workDir")
	default:
	}
}
