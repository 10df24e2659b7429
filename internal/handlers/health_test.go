package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzReportsOK(t *testing.T) {
	handlers := NewHealthHandlers()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handlers.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", body["status"])
	}
	if body["uptime"] == "" {
		t.Fatal("expected uptime to be reported")
	}
}

func TestReadyzProbesDependencies(t *testing.T) {
	probed := false
	handlers := NewHealthHandlers(
		WithReadinessCheck("firestore", func(ctx context.Context) error {
			probed = true
			return nil
		}),
		WithReadinessCheck("pubsub", func(ctx context.Context) error { return nil }),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !probed {
		t.Fatal("expected readiness check to run")
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	deps, ok := body["dependencies"].(map[string]any)
	if !ok {
		t.Fatalf("expected dependencies map, got %T", body["dependencies"])
	}
	if deps["firestore"] != "ok" || deps["pubsub"] != "ok" {
		t.Fatalf("expected both probes ok, got %v", deps)
	}
}

func TestReadyzReportsFailedProbe(t *testing.T) {
	handlers := NewHealthHandlers(
		WithReadinessCheck("firestore", func(ctx context.Context) error { return nil }),
		WithReadinessCheck("pubsub", func(ctx context.Context) error {
			return errors.New("publisher closed")
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", body["status"])
	}
	deps := body["dependencies"].(map[string]any)
	if deps["firestore"] != "ok" {
		t.Fatalf("healthy probe should stay ok, got %v", deps["firestore"])
	}
	if deps["pubsub"] != "publisher closed" {
		t.Fatalf("expected probe error message, got %v", deps["pubsub"])
	}
}
