package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"medtrack/internal/config"
	"medtrack/internal/db"
	"medtrack/internal/engine"
	"medtrack/internal/migrate"
	"medtrack/internal/notify"
	"medtrack/internal/reminder"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, clock.FakeClock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Timezone = "UTC"
	cfg.Auth.Token = testToken
	logger := zap.NewNop().Sugar()

	fc := clock.NewFake()
	fc.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	e := engine.New(conn, cfg, logger)
	e.Clock = fc

	registry := notify.NewRegistry(e.Repo, logger)
	dispatcher := notify.NewDispatcher(notify.Options{}, logger) // no VAPID keys
	sched := reminder.NewScheduler(e.Repo, dispatcher, registry, cfg, logger)
	sched.Clock = fc

	handler, err := New(Config{
		Engine:         e,
		Scheduler:      sched,
		Registry:       registry,
		Dispatcher:     dispatcher,
		VAPIDPublicKey: "test-public-key",
		BasePath:       "/v1",
		Auth:           AuthConfig{Token: testToken},
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, fc
}

func doReq(t *testing.T, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHealthIsOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doReq(t, http.MethodGet, srv.URL+"/v1/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d: %s", resp.StatusCode, body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doReq(t, http.MethodGet, srv.URL+"/v1/status?medication_id=daily_pill", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("bad error envelope: %s", body)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestTokenInQueryWorks(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doReq(t, http.MethodGet,
		srv.URL+"/v1/track?med=daily_pill&token="+testToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("nfc track = %d: %s", resp.StatusCode, body)
	}
	var tr TrackResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Event.Source != "nfc" {
		t.Fatalf("source = %q, want nfc", tr.Event.Source)
	}
	if tr.Duplicate {
		t.Fatal("first tap flagged duplicate")
	}

	// Second tap in the same minute is the double-tap case: success with
	// duplicate=true and an unchanged dose count.
	resp, body = doReq(t, http.MethodGet,
		srv.URL+"/v1/track?med=daily_pill&token="+testToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second tap = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatal(err)
	}
	if !tr.Duplicate {
		t.Fatal("second tap not flagged duplicate")
	}
	if tr.Status.Today.DoseCount != 1 {
		t.Fatalf("dose count = %d, want 1", tr.Status.Today.DoseCount)
	}
}

func TestTrackPost(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doReq(t, http.MethodPost, srv.URL+"/v1/track", TrackRequest{
		MedicationID: "daily_pill",
		Source:       "manual",
		Note:         "with breakfast",
	}, testToken)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("track = %d: %s", resp.StatusCode, body)
	}
	var tr TrackResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Event.Note != "with breakfast" {
		t.Fatalf("note = %q", tr.Event.Note)
	}
	if !tr.Status.Today.Taken {
		t.Fatal("status not refreshed after track")
	}
}

func TestStatusUnknownMedication(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doReq(t, http.MethodGet,
		srv.URL+"/v1/status?medication_id=nope", nil, testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("envelope = %s", body)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	name := "Blood Pressure Med"
	schedule := "21:30"
	resp, body := doReq(t, http.MethodPut, srv.URL+"/v1/settings", UpdateSettingsRequest{
		MedicationID: "bp_med",
		Name:         &name,
		ScheduleTime: &schedule,
	}, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings = %d: %s", resp.StatusCode, body)
	}

	resp, body = doReq(t, http.MethodGet,
		srv.URL+"/v1/settings?medication_id=bp_med", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get settings = %d: %s", resp.StatusCode, body)
	}
	var got struct {
		Name         string `json:"name"`
		ScheduleTime string `json:"schedule_time"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != name || got.ScheduleTime != schedule {
		t.Fatalf("settings = %+v", got)
	}

	bad := "9am"
	resp, body = doReq(t, http.MethodPut, srv.URL+"/v1/settings", UpdateSettingsRequest{
		MedicationID: "bp_med",
		ScheduleTime: &bad,
	}, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad schedule = %d: %s", resp.StatusCode, body)
	}
}

func TestOpenAPISpecServed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doReq(t, http.MethodGet, srv.URL+"/v1/openapi.json", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi = %d: %s", resp.StatusCode, body)
	}
	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("spec is not valid json: %v", err)
	}
	if doc.OpenAPI == "" || len(doc.Paths) == 0 {
		t.Fatalf("spec incomplete: version %q, %d paths", doc.OpenAPI, len(doc.Paths))
	}
}

func TestActionSnoozeAndTaken(t *testing.T) {
	srv, fc := newTestServer(t)

	// Move past the 09:00 schedule so there is something to snooze.
	fc.Set(time.Date(2026, 3, 10, 9, 1, 0, 0, time.UTC))

	resp, body := doReq(t, http.MethodPost, srv.URL+"/v1/actions", ActionRequest{
		MedicationID: "daily_pill",
		Action:       "snooze",
	}, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snooze = %d: %s", resp.StatusCode, body)
	}
	var ar ActionResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		t.Fatal(err)
	}
	if ar.Phase != string(reminder.PhaseSnoozed) || ar.SnoozeUntil == "" {
		t.Fatalf("snooze response = %+v", ar)
	}

	resp, body = doReq(t, http.MethodPost, srv.URL+"/v1/actions", ActionRequest{
		MedicationID: "daily_pill",
		Action:       "taken",
	}, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("taken = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &ar); err != nil {
		t.Fatal(err)
	}
	if ar.Event == nil || ar.Event.Source != "notification-action" {
		t.Fatalf("taken response = %+v", ar)
	}
	if ar.Phase != string(reminder.PhaseIdle) {
		t.Fatalf("phase after taken = %q", ar.Phase)
	}

	resp, _ = doReq(t, http.MethodPost, srv.URL+"/v1/actions", ActionRequest{
		MedicationID: "daily_pill",
		Action:       "explode",
	}, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown action = %d", resp.StatusCode)
	}
}

func TestSubscribeAndVapidKey(t *testing.T) {
	srv, _ := newTestServer(t)

	// VAPID public key is open so the service worker can subscribe before
	// it has any credentials.
	resp, body := doReq(t, http.MethodGet, srv.URL+"/v1/vapid-public-key", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("vapid key = %d", resp.StatusCode)
	}
	var key map[string]string
	if err := json.Unmarshal(body, &key); err != nil || key["public_key"] != "test-public-key" {
		t.Fatalf("vapid body = %s", body)
	}

	sub := SubscribeRequest{Endpoint: "https://push.example/abc"}
	sub.Keys.P256dh = "p256dh-key"
	sub.Keys.Auth = "auth-key"
	resp, body = doReq(t, http.MethodPost, srv.URL+"/v1/subscribe", sub, testToken)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("subscribe = %d: %s", resp.StatusCode, body)
	}

	// Re-subscribing the same endpoint refreshes rather than duplicates.
	resp, _ = doReq(t, http.MethodPost, srv.URL+"/v1/subscribe", sub, testToken)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("re-subscribe = %d", resp.StatusCode)
	}

	// Without VAPID keys configured, test-notification is a 400.
	resp, _ = doReq(t, http.MethodPost, srv.URL+"/v1/test-notification", nil, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("test-notification without keys = %d", resp.StatusCode)
	}
}
