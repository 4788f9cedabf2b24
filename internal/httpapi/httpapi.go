package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"retailpulse/backend/internal/domain"
	"retailpulse/backend/internal/ingest"
	"retailpulse/backend/internal/metrics"
	"retailpulse/backend/internal/service"
	"retailpulse/backend/internal/store"
	"retailpulse/backend/internal/worker"
)

const (
	roleAdmin = "admin"
	roleStaff = "staff"
)

type API struct {
	service        *service.Service
	auth           *AuthManager
	metrics        *metrics.Metrics
	allowedOrigin  string
	maxUploadBytes int64
	loginLimiter   *attemptLimiter
	log            zerolog.Logger
}

type Config struct {
	AllowedOrigin  string
	MaxUploadBytes int64
}

func New(svc *service.Service, auth *AuthManager, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *API {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	return &API{
		service:        svc,
		auth:           auth,
		metrics:        m,
		allowedOrigin:  cfg.AllowedOrigin,
		maxUploadBytes: cfg.MaxUploadBytes,
		loginLimiter:   newAttemptLimiter(5, time.Minute),
		log:            logger.With().Str("component", "http").Logger(),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("POST /api/v1/uploads/sales", a.requireAuth(a.handleUpload(domain.BatchSales), roleAdmin, roleStaff))
	mux.HandleFunc("POST /api/v1/uploads/receipts", a.requireAuth(a.handleUpload(domain.BatchReceipt), roleAdmin, roleStaff))
	mux.HandleFunc("POST /api/v1/uploads/inventory", a.requireAuth(a.handleUpload(domain.BatchInventory), roleAdmin))
	mux.HandleFunc("GET /api/v1/uploads/monitor", a.requireAuth(a.handleMonitor, roleAdmin, roleStaff))
	mux.HandleFunc("GET /api/v1/uploads/{id}", a.requireAuth(a.handleBatch, roleAdmin, roleStaff))
	mux.HandleFunc("GET /api/v1/receipts/{id}", a.requireAuth(a.handleReceiptPreview, roleAdmin, roleStaff))

	mux.HandleFunc("GET /api/v1/failed-rows", a.requireAuth(a.handleFailedRows, roleAdmin, roleStaff))
	mux.HandleFunc("POST /api/v1/failed-rows/{id}/retry", a.requireAuth(a.handleRetry, roleAdmin, roleStaff))

	mux.HandleFunc("GET /api/v1/transactions", a.requireAuth(a.handleTransactions, roleAdmin, roleStaff))
	mux.HandleFunc("GET /api/v1/transactions/summary", a.requireAuth(a.handleTransactionSummary, roleAdmin, roleStaff))

	mux.HandleFunc("POST /api/v1/inventory/sales", a.requireAuth(a.handleManualSale, roleAdmin, roleStaff))
	mux.HandleFunc("POST /api/v1/inventory/adjust", a.requireAuth(a.handleAdjust, roleAdmin))
	mux.HandleFunc("GET /api/v1/inventory/movements", a.requireAuth(a.handleMovements, roleAdmin, roleStaff))
	mux.HandleFunc("GET /api/v1/inventory/report", a.requireAuth(a.handleInventoryReport, roleAdmin, roleStaff))
	mux.HandleFunc("GET /api/v1/inventory/products/{id}/ledger", a.requireAuth(a.handleLedger, roleAdmin))

	mux.HandleFunc("GET /api/v1/alerts", a.requireAuth(a.handleAlerts, roleAdmin, roleStaff))
	mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", a.requireAuth(a.handleAcknowledge, roleAdmin, roleStaff))

	mux.HandleFunc("POST /api/v1/churn/recalculate", a.requireAuth(a.handleChurnRecalculate, roleAdmin))
	mux.HandleFunc("GET /api/v1/churn/scores", a.requireAuth(a.handleChurnScores, roleAdmin, roleStaff))
	mux.HandleFunc("GET /api/v1/churn/summary", a.requireAuth(a.handleChurnSummary, roleAdmin, roleStaff))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, ErrInvalidCredentials) && !errors.Is(err, ErrInactiveAccount) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUpload(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes+(1<<20))
		if err := r.ParseMultipartForm(a.maxUploadBytes); err != nil {
			writeError(w, uploadStatus(err), fmt.Errorf("invalid multipart upload: %w", err))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("multipart field \"file\" is required"))
			return
		}
		defer file.Close()
		if header.Size > a.maxUploadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d bytes", a.maxUploadBytes))
			return
		}
		content, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		accepted, err := a.service.SubmitUpload(r.Context(), kind, header.Filename, content)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
	}
}

func uploadStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := a.service.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *API) handleMonitor(w http.ResponseWriter, r *http.Request) {
	monitor, err := a.service.MonitorUploads(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, monitor)
}

func (a *API) handleReceiptPreview(w http.ResponseWriter, r *http.Request) {
	preview, err := a.service.ReceiptPreview(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (a *API) handleFailedRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseDateRange(q.Get("date_from"), q.Get("date_to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter := domain.FailedRowFilter{
		BatchID: strings.TrimSpace(q.Get("batch_id")),
		From:    from,
		To:      to,
		Limit:   parsePositiveLimit(q.Get("limit"), 50, 500),
		Offset:  parseOffset(q.Get("offset")),
	}
	rows, total, err := a.service.ListFailedRows(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_rows": rows, "total": total})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.service.SubmitRetry(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"failed_row_id": id, "status": "queued"})
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := transactionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txns, total, err := a.service.ListTransactions(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns, "total": total})
}

func (a *API) handleTransactionSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := transactionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	summary, err := a.service.TransactionSummary(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func transactionFilter(r *http.Request) (domain.TransactionFilter, error) {
	q := r.URL.Query()
	from, to, err := parseDateRange(q.Get("date_from"), q.Get("date_to"))
	if err != nil {
		return domain.TransactionFilter{}, err
	}
	sortBy := strings.ToLower(strings.TrimSpace(q.Get("sort_by")))
	switch sortBy {
	case "", "date", "amount", "quantity":
	default:
		return domain.TransactionFilter{}, fmt.Errorf("unsupported sort_by %q", sortBy)
	}
	return domain.TransactionFilter{
		ProductID:     strings.TrimSpace(q.Get("product_id")),
		CustomerID:    strings.TrimSpace(q.Get("customer_id")),
		PaymentMethod: strings.ToLower(strings.TrimSpace(q.Get("payment_method"))),
		From:          from,
		To:            to,
		SortBy:        sortBy,
		SortDesc:      !strings.EqualFold(q.Get("order"), "asc"),
		Limit:         parsePositiveLimit(q.Get("limit"), 100, 1000),
		Offset:        parseOffset(q.Get("offset")),
	}, nil
}

func (a *API) handleManualSale(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.RecordSale(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.AdjustStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := parseDateRange(q.Get("date_from"), q.Get("date_to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	movements, total, err := a.service.ListMovements(r.Context(), domain.MovementFilter{
		ProductID:    strings.TrimSpace(q.Get("product_id")),
		MovementType: strings.TrimSpace(q.Get("movement_type")),
		From:         from,
		To:           to,
		Limit:        parsePositiveLimit(q.Get("limit"), 100, 1000),
		Offset:       parseOffset(q.Get("offset")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements, "total": total})
}

func (a *API) handleInventoryReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.InventoryReport(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.VerifyLedger(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var acknowledged *bool
	if raw := strings.TrimSpace(r.URL.Query().Get("acknowledged")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid acknowledged value %q", raw))
			return
		}
		acknowledged = &parsed
	}
	alerts, err := a.service.ListAlerts(r.Context(), acknowledged)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alert, err := a.service.AcknowledgeAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) handleChurnRecalculate(w http.ResponseWriter, r *http.Request) {
	scores, err := a.service.RecalculateChurn(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers_scored": len(scores)})
}

func (a *API) handleChurnScores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scores, err := a.service.ChurnScores(r.Context(), q.Get("level"), q.Get("segment"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func (a *API) handleChurnSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.ChurnSummary(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		_, pattern := next.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		if a.metrics != nil {
			a.metrics.RequestFinished(r.Method, pattern, rec.status, elapsed)
		}
		a.log.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).Dur("duration", elapsed).Msg("request")
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, store.ErrInsufficientStock), ingest.IsRowError(err):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parseDateRange(rawFrom string, rawTo string) (*time.Time, *time.Time, error) {
	from, err := parseDateParam("date_from", rawFrom)
	if err != nil {
		return nil, nil, err
	}
	to, err := parseDateParam("date_to", rawTo)
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, errors.New("date_to must not be before date_from")
	}
	return from, to, nil
}

func parseDateParam(name string, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be YYYY-MM-DD", name)
	}
	return &parsed, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseOffset(raw string) int {
	offset, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
