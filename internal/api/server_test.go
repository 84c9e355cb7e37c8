package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gatecheck/internal/checkin"
	"gatecheck/internal/counter"
	"gatecheck/internal/hub"
	"gatecheck/internal/lifecycle"
	"gatecheck/internal/scheduler"
	"gatecheck/internal/store"
	gatews "gatecheck/internal/websocket"
	"gatecheck/pkg/types"
)

type testServer struct {
	server *Server
	store  *store.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := store.NewManager(path, 30*time.Second)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	gate := counter.NewSQLiteStore(m.DB())
	eventHub := hub.NewHub()
	if err := eventHub.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { eventHub.Stop() })

	sched := scheduler.NewScheduler(m, 10*time.Minute, 15*time.Minute)
	t.Cleanup(sched.Stop)

	engine := lifecycle.NewEngine(m, sched, eventHub, gate, lifecycle.Defaults{
		OpenLead:      10 * time.Minute,
		EndGrace:      15 * time.Minute,
		LateThreshold: 10 * time.Minute,
	})
	sched.SetHandler(engine.HandleTrigger)

	pipeline := checkin.NewPipeline(m, gate, eventHub, engine, nil, 2*time.Second)
	wsHandler := gatews.NewHandler(eventHub, gatews.Options{
		SendBuffer:   10,
		PingInterval: 30 * time.Second,
		ReadTimeout:  time.Minute,
		WriteTimeout: 10 * time.Second,
	})

	server := NewServer(m, engine, pipeline, wsHandler, eventHub.Stats, []string{"*"})
	return &testServer{server: server, store: m}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// createOpenSession creates a session mid-window through the API and
// returns its ID.
func (ts *testServer) createOpenSession(t *testing.T) string {
	t.Helper()
	now := time.Now().UTC()
	w := ts.do(t, http.MethodPost, "/api/sessions", map[string]interface{}{
		"title":      "API Workshop",
		"location":   "Hall A",
		"start_time": now.Add(-5 * time.Minute).Format(time.RFC3339),
		"end_time":   now.Add(time.Hour).Format(time.RFC3339),
		"capacity":   50,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	session := decode(t, w)["session"].(map[string]interface{})
	return session["id"].(string)
}

func (ts *testServer) createParticipant(t *testing.T, badge string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/participants", map[string]interface{}{
		"name":       "Test Attendee",
		"badge_code": badge,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	participant := decode(t, w)["participant"].(map[string]interface{})
	return participant["id"].(string)
}

func TestCreateAndGetSession(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)

	w := ts.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	session := decode(t, w)["session"].(map[string]interface{})
	if session["title"] != "API Workshop" {
		t.Errorf("Expected title in summary, got %v", session["title"])
	}
	// Mid-window, so the time-derived status is open.
	if session["status"] != types.StatusOpen {
		t.Errorf("Expected open status, got %v", session["status"])
	}
	if session["checked_in"] != float64(0) {
		t.Errorf("Expected 0 checked in, got %v", session["checked_in"])
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing title", map[string]interface{}{
			"start_time": now.Format(time.RFC3339),
			"end_time":   now.Add(time.Hour).Format(time.RFC3339),
		}},
		{"inverted window", map[string]interface{}{
			"title":      "Backwards",
			"start_time": now.Add(time.Hour).Format(time.RFC3339),
			"end_time":   now.Format(time.RFC3339),
		}},
		{"negative capacity", map[string]interface{}{
			"title":      "Oversold",
			"start_time": now.Format(time.RFC3339),
			"end_time":   now.Add(time.Hour).Format(time.RFC3339),
			"capacity":   -5,
		}},
		{"bad duration override", map[string]interface{}{
			"title":          "Weird Timing",
			"start_time":     now.Format(time.RFC3339),
			"end_time":       now.Add(time.Hour).Format(time.RFC3339),
			"open_lead_time": "whenever",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/sessions", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestUpdateSession(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)
	now := time.Now().UTC()

	w := ts.do(t, http.MethodPut, "/api/sessions/"+sessionID, map[string]interface{}{
		"title":      "Renamed Workshop",
		"start_time": now.Add(-5 * time.Minute).Format(time.RFC3339),
		"end_time":   now.Add(2 * time.Hour).Format(time.RFC3339),
		"capacity":   10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, err := ts.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Failed to read session: %v", err)
	}
	if got.Title != "Renamed Workshop" || got.Capacity != 10 {
		t.Errorf("Update not persisted: %+v", got)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()
	w := ts.do(t, http.MethodPut, "/api/sessions/missing", map[string]interface{}{
		"title":      "Ghost",
		"start_time": now.Format(time.RFC3339),
		"end_time":   now.Add(time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)

	if w := ts.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/api/sessions/"+sessionID, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on double delete, got %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	ts := newTestServer(t)
	ts.createOpenSession(t)
	ts.createOpenSession(t)

	w := ts.do(t, http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if count := decode(t, w)["count"]; count != float64(2) {
		t.Errorf("Expected 2 sessions, got %v", count)
	}
}

func TestCheckInFlow(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)
	ts.createParticipant(t, "BADGE-001")

	w := ts.do(t, http.MethodPost, "/api/checkin", map[string]interface{}{
		"session_id": sessionID,
		"identifier": "BADGE-001",
		"method":     types.MethodScan,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	result := decode(t, w)["result"].(map[string]interface{})
	if result["outcome"] != types.OutcomeAccepted {
		t.Errorf("Expected accepted, got %v", result)
	}

	// Duplicate declines with 409.
	w = ts.do(t, http.MethodPost, "/api/checkin", map[string]interface{}{
		"session_id": sessionID,
		"identifier": "BADGE-001",
		"method":     types.MethodScan,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate, got %d: %s", w.Code, w.Body.String())
	}
	result = decode(t, w)["result"].(map[string]interface{})
	if result["reason"] != types.ReasonAlreadyCheckedIn {
		t.Errorf("Expected already_checked_in, got %v", result["reason"])
	}
}

func TestCheckInUnknownCode(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)

	w := ts.do(t, http.MethodPost, "/api/checkin", map[string]interface{}{
		"session_id": sessionID,
		"identifier": "WHO-IS-THIS",
		"method":     types.MethodScan,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown code, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCheckInRejectsBadMethod(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)

	w := ts.do(t, http.MethodPost, "/api/checkin", map[string]interface{}{
		"session_id": sessionID,
		"identifier": "BADGE-001",
		"method":     "telepathy",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid method, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUndoCheckIn(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)
	participantID := ts.createParticipant(t, "BADGE-001")

	w := ts.do(t, http.MethodPost, "/api/checkin", map[string]interface{}{
		"session_id": sessionID,
		"identifier": "BADGE-001",
		"method":     types.MethodManual,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	path := "/api/sessions/" + sessionID + "/checkins/" + participantID
	if w := ts.do(t, http.MethodDelete, path, nil); w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for undo, got %d: %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodDelete, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second undo, got %d", w.Code)
	}
}

func TestManualTransitions(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)

	w := ts.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for close, got %d: %s", w.Code, w.Body.String())
	}
	session := decode(t, w)["session"].(map[string]interface{})
	if session["status"] != types.StatusClosed {
		t.Errorf("Expected closed, got %v", session["status"])
	}

	w = ts.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/reopen", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for reopen, got %d: %s", w.Code, w.Body.String())
	}
	session = decode(t, w)["session"].(map[string]interface{})
	if session["status"] != types.StatusOpen {
		t.Errorf("Expected reopened session to be open, got %v", session["status"])
	}

	// Reopening a non-closed session conflicts.
	w = ts.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/reopen", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 reopening open session, got %d", w.Code)
	}
}

func TestManualOpenAheadOfWindow(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()
	w := ts.do(t, http.MethodPost, "/api/sessions", map[string]interface{}{
		"title":      "Evening Social",
		"start_time": now.Add(5 * time.Hour).Format(time.RFC3339),
		"end_time":   now.Add(6 * time.Hour).Format(time.RFC3339),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	sessionID := decode(t, w)["session"].(map[string]interface{})["id"].(string)

	w = ts.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/open", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for open, got %d: %s", w.Code, w.Body.String())
	}
	session := decode(t, w)["session"].(map[string]interface{})
	if session["status"] != types.StatusOpen || session["manually_opened"] != true {
		t.Errorf("Expected force-opened session, got %v", session)
	}
}

func TestListCheckinsAndAttempts(t *testing.T) {
	ts := newTestServer(t)
	sessionID := ts.createOpenSession(t)
	ts.createParticipant(t, "BADGE-001")

	ts.do(t, http.MethodPost, "/api/checkin", map[string]interface{}{
		"session_id": sessionID,
		"identifier": "BADGE-001",
		"method":     types.MethodScan,
	})
	ts.do(t, http.MethodPost, "/api/checkin", map[string]interface{}{
		"session_id": sessionID,
		"identifier": "UNKNOWN",
		"method":     types.MethodScan,
	})

	w := ts.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/checkins", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if count := decode(t, w)["count"]; count != float64(1) {
		t.Errorf("Expected 1 check-in, got %v", count)
	}

	w = ts.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/attempts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if count := decode(t, w)["count"]; count != float64(2) {
		t.Errorf("Expected 2 attempts, got %v", count)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
	if _, ok := body["hub"]; !ok {
		t.Error("Expected hub stats in health response")
	}
}
