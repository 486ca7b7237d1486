package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"labtrack/api/internal/authpw"
	"labtrack/api/internal/config"
)

// failingPingStore makes readiness checks fail without a real database.
type failingPingStore struct {
	*memStore
}

func (f *failingPingStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newTestServer(t *testing.T) (*HTTPServer, *memStore) {
	t.Helper()
	svc, mem := newTestService(t)
	return NewHTTPServer(svc, "*"), mem
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func signUp(t *testing.T, handler http.Handler, email, name string) (token string, userID string) {
	t.Helper()
	rr, payload := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email": email, "password": "hunter2hunter2", "displayName": name,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %s", email, rr.Code, rr.Body.String())
	}
	return payload["token"].(string), payload["userId"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if payload["ok"] != true {
		t.Fatalf("payload = %v, want ok=true", payload)
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	mem := newMemStore()
	cfg := config.Config{TokenSecret: "s", AccessTTL: time.Hour, RefreshTTL: time.Hour, AutosaveQuiet: time.Hour}
	svc := New(cfg, &failingPingStore{mem}, mem, fakeHistory{}, nil, nil, authpw.NewService(mem))
	t.Cleanup(svc.Close)
	server := NewHTTPServer(svc, "*")

	rr, payload := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if payload["status"] != "not_ready" {
		t.Fatalf("payload = %v, want not_ready", payload)
	}
}

func TestRequestsWithoutSessionRejected(t *testing.T) {
	server, _ := newTestServer(t)
	rr, _ := doJSON(t, server.Handler(), http.MethodGet, "/api/summary", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	rr, _ = doJSON(t, server.Handler(), http.MethodGet, "/api/summary", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", rr.Code)
	}
}

func TestSignUpAndSessionFlow(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	token, _ := signUp(t, handler, "alice@lab.test", "Alice")

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/session", token, nil)
	if rr.Code != http.StatusOK || payload["authenticated"] != true || payload["userName"] != "Alice" {
		t.Fatalf("whoami = %d %v", rr.Code, payload)
	}

	// Duplicate email is a conflict, not a validation error.
	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email": "alice@lab.test", "password": "hunter2hunter2", "displayName": "Alice Again",
	})
	if rr.Code != http.StatusConflict || payload["code"] != "EMAIL_EXISTS" {
		t.Fatalf("duplicate signup = %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "alice@lab.test", "password": "wrong-password",
	})
	if rr.Code != http.StatusUnauthorized || payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("bad signin = %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "alice@lab.test", "password": "hunter2hunter2",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("signin = %d", rr.Code)
	}
}

func TestReportLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	authorToken, _ := signUp(t, handler, "alice@lab.test", "Alice")
	reviewerToken, reviewerID := signUp(t, handler, "bob@lab.test", "Bob")

	rr, group := doJSON(t, handler, http.MethodPost, "/api/groups", authorToken, map[string]any{"name": "Microbio Lab"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create group = %d %s", rr.Code, rr.Body.String())
	}
	groupID := group["id"].(string)

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/groups/"+groupID+"/members", authorToken, map[string]any{
		"userId": reviewerID, "role": "member",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add member = %d %s", rr.Code, rr.Body.String())
	}

	rr, report := doJSON(t, handler, http.MethodPost, "/api/reports", authorToken, map[string]any{
		"groupId": groupID, "periodStart": "2026-03-02", "periodEnd": "2026-03-08",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create report = %d %s", rr.Code, rr.Body.String())
	}
	reportID := report["id"].(string)

	rr, section := doJSON(t, handler, http.MethodPut, "/api/reports/"+reportID+"/sections/findings", authorToken, map[string]any{
		"content": "plates showed clear zones of inhibition",
	})
	if rr.Code != http.StatusOK || section["pendingSave"] != true {
		t.Fatalf("update section = %d %v", rr.Code, section)
	}

	rr, submitted := doJSON(t, handler, http.MethodPost, "/api/reports/"+reportID+"/submit", authorToken, nil)
	if rr.Code != http.StatusOK || submitted["status"] != "submitted" {
		t.Fatalf("submit = %d %v", rr.Code, submitted)
	}

	// Reviewer cannot submit someone else's report.
	rr, body := doJSON(t, handler, http.MethodPost, "/api/reports/"+reportID+"/submit", reviewerToken, nil)
	if rr.Code != http.StatusForbidden || body["code"] != "FORBIDDEN" {
		t.Fatalf("foreign submit = %d %v", rr.Code, body)
	}

	rr, view := doJSON(t, handler, http.MethodGet, "/api/reports/"+reportID, reviewerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("report view = %d %s", rr.Code, rr.Body.String())
	}
	foundSection := false
	for _, raw := range view["sections"].([]any) {
		entry := raw.(map[string]any)
		if entry["key"] == "findings" && entry["content"] == "plates showed clear zones of inhibition" {
			foundSection = true
		}
	}
	if !foundSection {
		t.Fatalf("flushed section content missing from view: %v", view["sections"])
	}

	rr, panel := doJSON(t, handler, http.MethodPost, "/api/reports/"+reportID+"/decision", reviewerToken, map[string]any{
		"decision": "approved",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("decision = %d %s", rr.Code, rr.Body.String())
	}
	if panel["report"].(map[string]any)["status"] != "reviewed" {
		t.Fatalf("panel = %v, want reviewed after the only reviewer approves", panel)
	}

	rr, annotation := doJSON(t, handler, http.MethodPost, "/api/reports/"+reportID+"/annotations", reviewerToken, map[string]any{
		"sectionKey": "findings", "type": "comment", "quote": "clear zones",
		"rangeStart": 14, "rangeEnd": 25, "content": "nice control",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("annotate = %d %s", rr.Code, rr.Body.String())
	}

	rr, deleted := doJSON(t, handler, http.MethodDelete, "/api/annotations/"+annotation["id"].(string), reviewerToken, nil)
	if rr.Code != http.StatusOK || len(deleted["deleted"].([]any)) != 1 {
		t.Fatalf("delete annotation = %d %v", rr.Code, deleted)
	}
}
