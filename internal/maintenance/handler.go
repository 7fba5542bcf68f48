package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"entity-registry/internal/auth"
	"entity-registry/internal/observability"
)

// Cleaner clears expired grants and stale rate-limit rows.
type Cleaner interface {
	CleanupStaleAuthData(ctx context.Context, now time.Time, ipRetention time.Duration, batchSize int) (auth.CleanupResult, error)
}

type CleanupHandler struct {
	cleaner     Cleaner
	logger      *observability.Logger
	cronSecret  string
	ipRetention time.Duration
	batchSize   int
	now         func() time.Time
}

func NewCleanupHandler(
	cleaner Cleaner,
	logger *observability.Logger,
	cronSecret string,
	ipRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		cleaner:     cleaner,
		logger:      logger,
		cronSecret:  strings.TrimSpace(cronSecret),
		ipRetention: ipRetention,
		batchSize:   batchSize,
		now:         time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.cleaner.CleanupStaleAuthData(r.Context(), h.now().UTC(), h.ipRetention, h.batchSize)
	if err != nil {
		sentry.CaptureException(err)
		h.logger.LogError("auth_cleanup_failed", err, nil)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"cleared_sessions":            result.ClearedSessions,
		"cleared_reset_tokens":        result.ClearedResetTokens,
		"cleared_verification_tokens": result.ClearedVerificationTokens,
		"deleted_ip_limits":           result.DeletedIPLimits,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
