package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"qms/prayerroom-service/internal/bulk"
	"qms/prayerroom-service/internal/checkin"
	"qms/prayerroom-service/internal/feed"
	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/notify"
	"qms/prayerroom-service/internal/phone"
	"qms/prayerroom-service/internal/registration"
	"qms/prayerroom-service/internal/report"
	"qms/prayerroom-service/internal/search"
	"qms/prayerroom-service/internal/store"

	"go.uber.org/zap"
)

const (
	maxMessageLength = 1000
	xlsxContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Handler struct {
	store        store.Store
	scans        *checkin.Service
	registration *registration.Service
	bulk         *bulk.Service
	notifier     *notify.Notifier
	hub          *feed.Hub
	logger       *zap.Logger
	passwordHash []byte
	sessionTTL   time.Duration
	reportLoc    *time.Location
	now          func() time.Time
}

type Dependencies struct {
	Store        store.Store
	Scans        *checkin.Service
	Registration *registration.Service
	Bulk         *bulk.Service
	Notifier     *notify.Notifier
	Hub          *feed.Hub
	Logger       *zap.Logger
}

type Options struct {
	PasswordHash   []byte
	SessionTTL     time.Duration
	ReportLocation *time.Location
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type loginRequest struct {
	Password string `json:"password"`
}

type scanRequest struct {
	Code string `json:"code"`
}

type phonesRequest struct {
	Phones   []string `json:"phones"`
	MarkSent bool     `json:"mark_sent"`
}

type notifyNextRequest struct {
	Limit int `json:"limit"`
}

type bulkResponse struct {
	Applied []string `json:"applied"`
	Failed  []string `json:"failed"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type subscriptionRequest struct {
	Subscription *bool `json:"subscription"`
}

func NewHandler(deps Dependencies, options Options) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionTTL := options.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 12 * time.Hour
	}
	loc := options.ReportLocation
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{
		store:        deps.Store,
		scans:        deps.Scans,
		registration: deps.Registration,
		bulk:         deps.Bulk,
		notifier:     deps.Notifier,
		hub:          deps.Hub,
		logger:       logger,
		passwordHash: options.PasswordHash,
		sessionTTL:   sessionTTL,
		reportLoc:    loc,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/login", h.handleLogin)
	mux.HandleFunc("/api/logout", h.handleLogout)
	mux.HandleFunc("/api/scans", h.handleScans)
	mux.HandleFunc("/api/visitors", h.handleVisitors)
	mux.HandleFunc("/api/visitors/", h.handleVisitorPath)
	mux.HandleFunc("/api/messages", h.handleMessages)
	mux.HandleFunc("/api/messages/default", h.handleDefaultMessage)
	mux.HandleFunc("/api/messages/", h.handleMessagePath)
	mux.HandleFunc("/api/settings/subscription", h.handleSubscription)
	mux.HandleFunc("/api/dashboard", h.handleDashboard)
	mux.HandleFunc("/api/reports/visitors.xlsx", h.handleVisitorsReport)
	mux.HandleFunc("/api/support", h.handleSupport)
	mux.HandleFunc("/api/countries", h.handleCountries)
	mux.HandleFunc("/api/countries/", h.handleCountryPath)
	if h.hub != nil {
		mux.Handle("/realtime/", RealtimeHandler(h.hub, h.store, h.logger))
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	if err := checkPassword(h.passwordHash, req.Password); err != nil {
		h.logger.Warn("staff login rejected", zap.String("ip", clientIP(r)))
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	session, err := h.store.CreateSession(r.Context(), h.now().Add(h.sessionTTL))
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	if err := h.store.DeleteSession(r.Context(), session.SessionID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req scanRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	result, err := h.scans.ProcessScan(r.Context(), req.Code)
	if err != nil {
		status, _, _ := mapError(err)
		writeJSON(w, status, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleVisitors(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListVisitors(w, r)
	case http.MethodPost:
		h.handleRegister(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleListVisitors(w http.ResponseWriter, r *http.Request) {
	var (
		visitors []models.Visitor
		err      error
	)
	switch view := strings.TrimSpace(r.URL.Query().Get("view")); view {
	case "control":
		visitors, err = h.store.ListControl(r.Context())
	case "presence":
		visitors, err = h.store.ListPresence(r.Context())
	case "", "all":
		visitors, err = h.store.ListVisitors(r.Context())
	default:
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "view must be control, presence or all")
		return
	}
	if err != nil {
		h.logger.Error("list visitors failed", zap.Error(err))
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	visitors = search.FilterVisitors(visitors, r.URL.Query().Get("q"))
	if visitors == nil {
		visitors = []models.Visitor{}
	}
	writeJSON(w, http.StatusOK, visitors)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registration.Input
	if !decodeRequest(w, r, &req, false) {
		return
	}
	visitor, err := h.registration.Register(r.Context(), req)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, visitor)
}

func (h *Handler) handleVisitorPath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/visitors/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 2 && parts[0] == "actions" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "present":
			h.handleMarkBatch(w, r, h.bulk.MarkPresent)
		case "left":
			h.handleMarkBatch(w, r, h.bulk.MarkLeft)
		case "notify":
			h.handleNotify(w, r)
		case "notify-next":
			h.handleNotifyNext(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}

	if len(parts) != 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	number := phone.Digits(parts[0])
	if number == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "phone is required")
		return
	}
	if err := h.store.DeleteVisitor(r.Context(), number); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkBatch(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, phones []string) error) {
	var req phonesRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	phones := cleanPhones(req.Phones)
	if len(phones) == 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "phones are required")
		return
	}

	err := apply(r.Context(), phones)
	var batchErr *bulk.BatchError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, bulkResponse{Applied: phones, Failed: []string{}})
	case errors.As(err, &batchErr):
		failed := batchErr.Phones()
		writeJSON(w, http.StatusOK, bulkResponse{Applied: without(phones, failed), Failed: failed})
	default:
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
	}
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req phonesRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	phones := cleanPhones(req.Phones)
	if len(phones) == 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "phones are required")
		return
	}
	result, err := h.bulk.Notify(r.Context(), phones, bulk.NotifyOptions{MarkSent: req.MarkSent})
	h.writeNotifyReport(w, r, result, err)
}

func (h *Handler) handleNotifyNext(w http.ResponseWriter, r *http.Request) {
	var req notifyNextRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	if req.Limit < 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "limit must not be negative")
		return
	}
	result, err := h.bulk.NotifyNext(r.Context(), req.Limit)
	h.writeNotifyReport(w, r, result, err)
}

func (h *Handler) writeNotifyReport(w http.ResponseWriter, r *http.Request, result bulk.NotifyReport, err error) {
	var batchErr *bulk.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		messages, err := h.store.ListMessages(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		if messages == nil {
			messages = []models.Message{}
		}
		writeJSON(w, http.StatusOK, messages)
	case http.MethodPost:
		var req messageRequest
		if !decodeRequest(w, r, &req, false) {
			return
		}
		content := strings.TrimSpace(req.Content)
		if content == "" || utf8.RuneCountInString(content) > maxMessageLength {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", fmt.Sprintf("content must be 1-%d characters", maxMessageLength))
			return
		}
		message, err := h.store.InsertMessage(r.Context(), content)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, message)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleDefaultMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	message, ok, err := h.store.GetDefaultMessage(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if !ok {
		message = models.Message{Content: models.FallbackMessage, Default: true}
	}
	writeJSON(w, http.StatusOK, message)
}

func (h *Handler) handleMessagePath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "message id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		err = h.store.DeleteMessage(r.Context(), id)
	case len(parts) == 2 && parts[1] == "default" && r.Method == http.MethodPost:
		err = h.store.SetDefaultMessage(r.Context(), id)
	case len(parts) == 2 && parts[1] != "default":
		w.WriteHeader(http.StatusNotFound)
		return
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubscription(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req subscriptionRequest
		if !decodeRequest(w, r, &req, false) {
			return
		}
		if req.Subscription == nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "subscription is required")
			return
		}
		if err := h.store.SetSubscription(r.Context(), *req.Subscription); err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		h.logger.Info("subscription changed", zap.Bool("open", *req.Subscription))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	settings, err := h.store.GetSettings(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	dashboard, err := h.store.GetDashboard(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (h *Handler) handleVisitorsReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	visitors, err := h.store.ListVisitors(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	dashboard, err := h.store.GetDashboard(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	content, err := report.VisitorsWorkbook(visitors, dashboard, h.reportLoc)
	if err != nil {
		h.logger.Error("build visitors report failed", zap.Error(err))
		writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "report generation failed")
		return
	}
	filename := fmt.Sprintf("visitors-%s.xlsx", h.now().In(h.reportLoc).Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *Handler) handleSupport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.notifier.CallSupport(r.Context()); err != nil {
		h.logger.Warn("support call failed", zap.Error(err))
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleCountries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	countries, err := phone.Countries()
	if err != nil {
		h.logger.Error("load countries failed", zap.Error(err))
		writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, countries)
}

func (h *Handler) handleCountryPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/countries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 2 || (len(parts) == 2 && parts[1] != "format") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	country, ok := phone.Lookup(parts[0])
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "country_not_found", "country not found")
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, country)
		return
	}
	formatted, err := phone.Format(country.Code, r.URL.Query().Get("digits"))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"country": country.Code, "formatted": formatted})
}

func cleanPhones(values []string) []string {
	seen := make(map[string]bool, len(values))
	phones := make([]string, 0, len(values))
	for _, value := range values {
		number := phone.Digits(value)
		if number == "" || seen[number] {
			continue
		}
		seen[number] = true
		phones = append(phones, number)
	}
	return phones
}

func without(values, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, value := range drop {
		skip[value] = true
	}
	result := make([]string, 0, len(values))
	for _, value := range values {
		if !skip[value] {
			result = append(result, value)
		}
	}
	return result
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var sendErr *notify.SendError
	switch {
	case errors.Is(err, checkin.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", checkin.MessageInvalidInput
	case errors.Is(err, checkin.ErrNotFound), errors.Is(err, store.ErrVisitorNotFound):
		return http.StatusNotFound, "visitor_not_found", "visitor not found"
	case errors.Is(err, store.ErrStateChanged):
		return http.StatusConflict, "state_changed", checkin.MessageStateChanged
	case errors.Is(err, checkin.ErrLocked):
		return http.StatusConflict, "scan_in_progress", checkin.MessageScanInFlight
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "visitor state does not allow this action"
	case errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound, "message_not_found", "message not found"
	case errors.Is(err, store.ErrRegistrationClosed):
		return http.StatusForbidden, "registration_closed", "registrations are closed"
	case errors.Is(err, store.ErrDuplicateCode):
		return http.StatusConflict, "duplicate_code", "unique code already issued"
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "unauthorized", "invalid credentials"
	case errors.Is(err, registration.ErrInvalidName):
		return http.StatusBadRequest, "invalid_request", "first_name is required and names are limited to 80 characters"
	case errors.Is(err, phone.ErrInvalidNumber):
		return http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits"
	case errors.Is(err, phone.ErrUnknownCountry):
		return http.StatusBadRequest, "unknown_country", "unknown country"
	case errors.Is(err, feed.ErrInvalidFilter):
		return http.StatusBadRequest, "invalid_filter", "invalid subscription filter"
	case errors.Is(err, notify.ErrSupportNotConfigured):
		return http.StatusServiceUnavailable, "support_unavailable", "support number not configured"
	case errors.As(err, &sendErr), errors.Is(err, notify.ErrGateway):
		return http.StatusBadGateway, "gateway_error", "messaging gateway failed"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
