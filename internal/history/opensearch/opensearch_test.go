package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/procwarden/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		receivedBody   []byte
		receivedPath   string
		receivedMethod string
		user, pass     string
		hasAuth        bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedPath = r.URL.Path
		user, pass, hasAuth = r.BasicAuth()
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	base := strings.Replace(server.URL, "http://", "http://admin:secret@", 1)
	sink := New(base+"/", "task-history")

	event := history.Event{
		Type:       history.EventReclaim,
		OccurredAt: time.Now().UTC(),
		TaskID:     "t1",
		Path:       "/base/t1",
		PID:        12345,
		Reason:     "abandoned",
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedPath != "/task-history/_doc" {
		t.Errorf("Expected URL path /task-history/_doc, got: %s", receivedPath)
	}
	if !hasAuth || user != "admin" || pass != "secret" {
		t.Errorf("Expected basic auth admin/secret, got %q/%q (%v)", user, pass, hasAuth)
	}

	var doc map[string]any
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["type"] != string(history.EventReclaim) {
		t.Errorf("Expected type %s, got: %v", history.EventReclaim, doc["type"])
	}
	if doc["task_id"] != "t1" {
		t.Errorf("Expected task_id t1, got: %v", doc["task_id"])
	}
	if doc["pid"] != float64(12345) {
		t.Errorf("Expected pid 12345, got: %v", doc["pid"])
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	err := sink.Send(context.Background(), history.Event{Type: history.EventLaunch, TaskID: "x"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}
