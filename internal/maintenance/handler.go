package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// RefreshPurger deletes refresh records that expired or were revoked before cutoff.
type RefreshPurger interface {
	DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type CleanupResult struct {
	DeletedRefreshTokens int64     `json:"deletedRefreshTokens"`
	Cutoff               time.Time `json:"cutoff"`
}

type CleanupHandler struct {
	store            RefreshPurger
	logger           *zap.Logger
	cronSecret       string
	refreshRetention time.Duration
	batchSize        int
	now              func() time.Time
}

func NewCleanupHandler(
	store RefreshPurger,
	logger *zap.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupHandler{
		store:            store,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		refreshRetention: refreshRetention,
		batchSize:        batchSize,
		now:              time.Now,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
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
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
		return
	}

	result, err := h.Run(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("auth_cleanup_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// Run purges one batch of stale refresh records.
func (h *CleanupHandler) Run(ctx context.Context) (CleanupResult, error) {
	cutoff := h.now().UTC().Add(-h.refreshRetention)

	deleted, err := h.store.DeleteExpired(ctx, cutoff, h.batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	h.logger.Info("auth_cleanup_completed",
		zap.Int64("deleted_refresh_tokens", deleted),
		zap.Time("cutoff", cutoff),
	)

	return CleanupResult{DeletedRefreshTokens: deleted, Cutoff: cutoff}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
