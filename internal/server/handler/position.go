package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// PositionSource is the live view the position handler reads from.
type PositionSource interface {
	Snapshot(wallet string) (domain.PositionSnapshot, bool)
	StartObserving(ctx context.Context, wallet string)
}

// PositionHandler serves position snapshot endpoints.
type PositionHandler struct {
	source PositionSource
	cache  domain.SnapshotCache // may be nil
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler. cache is the fallback for
// wallets not currently observed by this process; it may be nil.
func NewPositionHandler(source PositionSource, cache domain.SnapshotCache, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		source: source,
		cache:  cache,
		logger: logger,
	}
}

// GetPosition returns the freshest known snapshot for a wallet. An unobserved
// wallet falls back to the shared cache and starts observation so the next
// read is live; with no cached view either, an empty snapshot is returned.
// GET /api/position?wallet=0x...
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}

	if snap, ok := h.source.Snapshot(wallet); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	// Not observed here; warm up for subsequent reads.
	h.source.StartObserving(r.Context(), wallet)

	if h.cache != nil {
		snap, err := h.cache.Get(r.Context(), wallet)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			logHandler(h.logger, "get_position").WarnContext(r.Context(), "handler: snapshot cache read failed",
				slog.String("wallet", wallet),
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, domain.PositionSnapshot{Wallet: wallet})
}
