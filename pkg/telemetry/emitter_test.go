package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestEmitterPostsEventPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		path    string
		payload map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		path = req.URL.Path
		_ = json.Unmarshal(body, &payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	emitter, err := NewEmitter(server.URL+"/", nil)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	occurred := time.Date(2026, time.March, 12, 9, 0, 0, 0, time.UTC)
	err = emitter.Emit(context.Background(), Event{
		Service:    "sample-service",
		Endpoint:   "/slow",
		Method:     "GET",
		Status:     200,
		LatencyMS:  812.5,
		OccurredAt: occurred,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/collect/log" {
		t.Fatalf("expected POST to /collect/log, got %s", path)
	}
	if payload["service"] != "sample-service" || payload["endpoint"] != "/slow" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if v, ok := payload["latencyMs"].(float64); !ok || v != 812.5 {
		t.Fatalf("expected latencyMs 812.5, got %v", payload["latencyMs"])
	}
	if payload["timestamp"] != occurred.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %v", payload["timestamp"])
	}
}

func TestEmitterRequiresBaseURL(t *testing.T) {
	if _, err := NewEmitter("  ", nil); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestEmitterSurfacesBadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
	}))
	defer server.Close()

	emitter, err := NewEmitter(server.URL, nil)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	err = emitter.Emit(context.Background(), Event{Service: "s"})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestMiddlewareEmitsAfterResponse(t *testing.T) {
	received := make(chan map[string]any, 1)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	emitter, err := NewEmitter(collector.URL, nil)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	handler := Middleware("sample-service", emitter, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"server error"}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/error", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("middleware must not alter the response, got %d", rr.Code)
	}

	select {
	case payload := <-received:
		if payload["service"] != "sample-service" || payload["endpoint"] != "/error" {
			t.Fatalf("unexpected payload %v", payload)
		}
		if v, ok := payload["status"].(float64); !ok || int(v) != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %v", payload["status"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected telemetry emission")
	}
}
