package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/roomwatch/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_index":"room-history","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "room-history")

	at := time.Date(2025, 12, 12, 10, 0, 0, 0, time.UTC)
	event := history.Event{
		Type:       history.EventDisconnected,
		OccurredAt: at,
		RoomID:     "alice",
		Reason:     "zombie",
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	want := "/room-history/_doc/" + DocID(event)
	if receivedURL != want {
		t.Errorf("Expected URL path %s, got: %s", want, receivedURL)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["type"] != string(history.EventDisconnected) {
		t.Errorf("Expected type %s, got: %v", history.EventDisconnected, doc["type"])
	}
	if doc["room_id"] != "alice" || doc["reason"] != "zombie" {
		t.Errorf("unexpected document: %v", doc)
	}
	if doc["@timestamp"] != "2025-12-12T10:00:00Z" {
		t.Errorf("unexpected @timestamp: %v", doc["@timestamp"])
	}
	if _, ok := doc["session_id"]; ok {
		t.Errorf("empty session_id should be omitted: %v", doc)
	}
}

func TestOpenSearchSink_ResendOverwrites(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := New(server.URL, "room-history")
	e := history.Event{Type: history.EventSessionCreated, RoomID: "bob", SessionID: "bob-2025121201", OccurredAt: time.UnixMilli(1765533600000)}
	for i := 0; i < 2; i++ {
		if err := sink.Send(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	if len(paths) != 1 {
		t.Fatalf("expected one document id, got %v", paths)
	}
	if DocID(e) != "bob-session_created-1765533600000" {
		t.Errorf("unexpected doc id %s", DocID(e))
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "room-history")
	err := sink.Send(context.Background(), history.Event{Type: history.EventConnected, RoomID: "bob"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") || !strings.Contains(err.Error(), "bad request") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}
