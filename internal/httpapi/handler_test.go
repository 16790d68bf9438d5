package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"qms/prayerroom-service/internal/bulk"
	"qms/prayerroom-service/internal/checkin"
	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/notify"
	"qms/prayerroom-service/internal/registration"
	"qms/prayerroom-service/internal/store"
	"qms/prayerroom-service/internal/store/memory"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeGateway) SendMessage(_ context.Context, chatID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatID)
	return f.err
}

// failingStore fails every visitor listing and delegates the rest.
type failingStore struct {
	store.Store
}

func (failingStore) ListVisitors(context.Context) ([]models.Visitor, error) {
	return nil, errors.New("connection reset")
}

type testEnv struct {
	handler *Handler
	store   store.Store
	gateway *fakeGateway
}

func newTestEnv(t *testing.T, st store.Store, supportNumber string) testEnv {
	t.Helper()
	gateway := &fakeGateway{}
	notifier := notify.NewNotifier(gateway, notify.Options{SupportNumber: supportNumber}, nil)
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	h := NewHandler(Dependencies{
		Store:        st,
		Scans:        checkin.NewService(st, checkin.NewLocalLocker(0), nil),
		Registration: registration.NewService(st, nil),
		Bulk:         bulk.NewService(st, notifier, bulk.Config{}, nil),
		Notifier:     notifier,
	}, Options{PasswordHash: hash})
	return testEnv{handler: h, store: st, gateway: gateway}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func registerVisitor(t *testing.T, handler http.Handler, firstName, phone string) models.Visitor {
	t.Helper()
	resp := doJSON(t, handler, http.MethodPost, "/api/visitors", map[string]string{
		"first_name": firstName,
		"phone":      phone,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var visitor models.Visitor
	if err := json.NewDecoder(resp.Body).Decode(&visitor); err != nil {
		t.Fatalf("decode visitor: %v", err)
	}
	return visitor
}

func decodeErrorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return payload.Error.Code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()

	env.handler.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestScanLifecycle(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	routes := env.handler.Routes()
	visitor := registerVisitor(t, routes, "Ana", "5562912345678")

	wantOutcomes := []checkin.Outcome{checkin.OutcomeEntered, checkin.OutcomeLeft, checkin.OutcomeNoop}
	for _, want := range wantOutcomes {
		resp := doJSON(t, routes, http.MethodPost, "/api/scans", map[string]string{"code": visitor.UniqueCode})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", resp.Code)
		}
		var result checkin.Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if !result.Success || result.Outcome != want {
			t.Fatalf("expected outcome %s, got %+v", want, result)
		}
	}
}

func TestScanFailures(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	tests := []struct {
		code        string
		wantStatus  int
		wantMessage string
	}{
		{code: "   ", wantStatus: http.StatusBadRequest, wantMessage: checkin.MessageInvalidInput},
		{code: "missing", wantStatus: http.StatusNotFound, wantMessage: checkin.MessageNotFound},
	}
	for _, tt := range tests {
		resp := doJSON(t, env.handler.Routes(), http.MethodPost, "/api/scans", map[string]string{"code": tt.code})
		if resp.Code != tt.wantStatus {
			t.Fatalf("code %q: expected status %d, got %d", tt.code, tt.wantStatus, resp.Code)
		}
		var result checkin.Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if result.Success || result.Message != tt.wantMessage {
			t.Fatalf("code %q: unexpected result %+v", tt.code, result)
		}
	}
}

func TestScanRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	resp := doJSON(t, env.handler.Routes(), http.MethodPost, "/api/scans", map[string]string{"qr": "x"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if code := decodeErrorCode(t, resp); code != "invalid_json" {
		t.Fatalf("expected invalid_json, got %s", code)
	}
}

func TestRegisterValidationAndClosed(t *testing.T) {
	st := memory.NewStore()
	env := newTestEnv(t, st, "")
	routes := env.handler.Routes()

	resp := doJSON(t, routes, http.MethodPost, "/api/visitors", map[string]string{"first_name": "Ana", "phone": "12"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}

	if err := st.SetSubscription(context.Background(), false); err != nil {
		t.Fatalf("close registrations: %v", err)
	}
	resp = doJSON(t, routes, http.MethodPost, "/api/visitors", map[string]string{"first_name": "Ana", "phone": "5562912345678"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", resp.Code)
	}
	if code := decodeErrorCode(t, resp); code != "registration_closed" {
		t.Fatalf("expected registration_closed, got %s", code)
	}
}

func TestListVisitorViews(t *testing.T) {
	st := memory.NewStore()
	env := newTestEnv(t, st, "")
	routes := env.handler.Routes()
	registerVisitor(t, routes, "José", "5562911111111")
	registerVisitor(t, routes, "Maria", "5562922222222")
	if err := st.MarkMessageSent(context.Background(), "5562911111111"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{query: "?view=presence", want: []string{"Maria"}},
		{query: "?view=control", want: []string{"José"}},
		{query: "?q=jose", want: []string{"José"}},
		{query: "?view=all&q=2222", want: []string{"Maria"}},
		{query: "?view=all&q=Maria%202", want: []string{}},
	}
	for _, tt := range tests {
		resp := doJSON(t, routes, http.MethodGet, "/api/visitors"+tt.query, nil)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", tt.query, resp.Code)
		}
		var visitors []models.Visitor
		if err := json.NewDecoder(resp.Body).Decode(&visitors); err != nil {
			t.Fatalf("%s: decode visitors: %v", tt.query, err)
		}
		if len(visitors) != len(tt.want) {
			t.Fatalf("%s: expected %d visitors, got %+v", tt.query, len(tt.want), visitors)
		}
		for i, name := range tt.want {
			if visitors[i].FirstName != name {
				t.Fatalf("%s: expected %s, got %s", tt.query, name, visitors[i].FirstName)
			}
		}
	}

	resp := doJSON(t, routes, http.MethodGet, "/api/visitors?view=queue", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestBulkMarkPresentReportsFailures(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	routes := env.handler.Routes()
	registerVisitor(t, routes, "Ana", "5562912345678")

	resp := doJSON(t, routes, http.MethodPost, "/api/visitors/actions/present", map[string][]string{
		"phones": {"5562912345678", "5562900000000"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var result bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode bulk response: %v", err)
	}
	if len(result.Applied) != 1 || result.Applied[0] != "5562912345678" {
		t.Fatalf("unexpected applied list: %+v", result)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "5562900000000" {
		t.Fatalf("unexpected failed list: %+v", result)
	}

	resp = doJSON(t, routes, http.MethodPost, "/api/visitors/actions/left", map[string][]string{"phones": {}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestNotifyNextMovesVisitorsToControl(t *testing.T) {
	st := memory.NewStore()
	env := newTestEnv(t, st, "")
	routes := env.handler.Routes()
	registerVisitor(t, routes, "Ana", "5562912345678")

	req := httptest.NewRequest(http.MethodPost, "/api/visitors/actions/notify-next", nil)
	resp := httptest.NewRecorder()
	routes.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var report bulk.NotifyReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Sent) != 1 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	want := []string{"5562912345678@c.us", "556212345678@c.us"}
	if len(env.gateway.calls) != len(want) {
		t.Fatalf("expected %d gateway calls, got %v", len(want), env.gateway.calls)
	}
	for i := range want {
		if env.gateway.calls[i] != want[i] {
			t.Fatalf("call %d: expected %s, got %s", i, want[i], env.gateway.calls[i])
		}
	}

	control, err := st.ListControl(context.Background())
	if err != nil {
		t.Fatalf("list control: %v", err)
	}
	if len(control) != 1 {
		t.Fatalf("expected visitor in control list, got %+v", control)
	}
}

func TestNotifyGatewayFailureIsReported(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	env.gateway.err = notify.ErrGateway
	routes := env.handler.Routes()
	registerVisitor(t, routes, "Ana", "5562912345678")

	resp := doJSON(t, routes, http.MethodPost, "/api/visitors/actions/notify", map[string]interface{}{
		"phones":    []string{"5562912345678"},
		"mark_sent": true,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var report bulk.NotifyReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Failed) != 1 || len(report.Sent) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestDeleteVisitor(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	routes := env.handler.Routes()
	registerVisitor(t, routes, "Ana", "5562912345678")

	resp := doJSON(t, routes, http.MethodDelete, "/api/visitors/5562912345678", nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	resp = doJSON(t, routes, http.MethodDelete, "/api/visitors/5562912345678", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	routes := env.handler.Routes()

	resp := doJSON(t, routes, http.MethodGet, "/api/messages/default", nil)
	var fallback models.Message
	if err := json.NewDecoder(resp.Body).Decode(&fallback); err != nil {
		t.Fatalf("decode default: %v", err)
	}
	if fallback.Content != models.FallbackMessage {
		t.Fatalf("expected fallback message, got %q", fallback.Content)
	}

	resp = doJSON(t, routes, http.MethodPost, "/api/messages", map[string]string{"content": "  Sua vez chegou  "})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
	var created models.Message
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode message: %v", err)
	}

	resp = doJSON(t, routes, http.MethodPost, "/api/messages/"+strconv.FormatInt(created.ID, 10)+"/default", nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}

	resp = doJSON(t, routes, http.MethodGet, "/api/messages/default", nil)
	var current models.Message
	if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
		t.Fatalf("decode default: %v", err)
	}
	if current.Content != "Sua vez chegou" || !current.Default {
		t.Fatalf("unexpected default message: %+v", current)
	}

	resp = doJSON(t, routes, http.MethodDelete, "/api/messages/999", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
	resp = doJSON(t, routes, http.MethodDelete, "/api/messages/abc", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	resp = doJSON(t, routes, http.MethodPost, "/api/messages", map[string]string{"content": " "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestSubscriptionToggle(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	routes := env.handler.Routes()

	resp := doJSON(t, routes, http.MethodPut, "/api/settings/subscription", map[string]bool{"subscription": false})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var settings models.Settings
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings.Subscription {
		t.Fatalf("expected registrations closed")
	}

	resp = doJSON(t, routes, http.MethodPut, "/api/settings/subscription", map[string]string{})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestSupportCall(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	resp := doJSON(t, env.handler.Routes(), http.MethodPost, "/api/support", nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}

	env = newTestEnv(t, memory.NewStore(), "5562912345678")
	resp = doJSON(t, env.handler.Routes(), http.MethodPost, "/api/support", nil)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.Code)
	}
	if len(env.gateway.calls) != 1 || env.gateway.calls[0] != "5562912345678@c.us" {
		t.Fatalf("unexpected gateway calls: %v", env.gateway.calls)
	}

	env.gateway.err = notify.ErrGateway
	resp = doJSON(t, env.handler.Routes(), http.MethodPost, "/api/support", nil)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", resp.Code)
	}
}

func TestCountryFormat(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	resp := doJSON(t, env.handler.Routes(), http.MethodGet, "/api/countries/br/format?digits=62912345678", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["formatted"] != "(62) 91234-5678" {
		t.Fatalf("unexpected formatted number: %q", payload["formatted"])
	}

	resp = doJSON(t, env.handler.Routes(), http.MethodGet, "/api/countries/zz", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestVisitorsReport(t *testing.T) {
	env := newTestEnv(t, memory.NewStore(), "")
	routes := env.handler.Routes()
	registerVisitor(t, routes, "Ana", "5562912345678")

	resp := doJSON(t, routes, http.MethodGet, "/api/reports/visitors.xlsx", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if resp.Header().Get("Content-Type") != xlsxContentType {
		t.Fatalf("unexpected content type %q", resp.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(resp.Header().Get("Content-Disposition"), "attachment;") {
		t.Fatalf("expected attachment disposition")
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("PK")) {
		t.Fatalf("expected zip container")
	}
}

func TestStoreFailureMapsToInternalError(t *testing.T) {
	env := newTestEnv(t, failingStore{Store: memory.NewStore()}, "")
	resp := doJSON(t, env.handler.Routes(), http.MethodGet, "/api/visitors", nil)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", resp.Code)
	}
	if code := decodeErrorCode(t, resp); code != "internal_error" {
		t.Fatalf("expected internal_error, got %s", code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	st := memory.NewStore()
	env := newTestEnv(t, st, "")
	handler := AuthMiddleware(st, env.handler.Routes())

	resp := doJSON(t, handler, http.MethodGet, "/api/dashboard", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodGet, "/api/settings/subscription", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected public subscription read, got %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/login", map[string]string{"password": "wrong"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/login", map[string]string{"password": "s3cret"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var session models.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+session.SessionID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.Header.Set("X-Session-ID", session.SessionID)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+session.SessionID)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 after logout, got %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("request %d: expected status %d, got %d", i, want, resp.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", resp.Code)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"Bearer abc":       "abc",
		"bearer abc":       "abc",
		"Basic abc":        "",
		"Bearer abc extra": "",
	}
	for header, want := range tests {
		if got := bearerToken(header); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
