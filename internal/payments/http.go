package payments

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"genbot/internal/storage"
	"genbot/pkg/logx"
)

// TokenHeader carries the shared callback secret.
const TokenHeader = "X-Callback-Token"

// Routes mounts POST /callback. The processor retries on any non-2xx status,
// so only malformed or unauthenticated requests get 4xx.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/callback", s.handleCallback)
	return r
}

func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	secret := s.Settings().Secret
	if secret == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(secret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var cb Callback
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&cb); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	res, err := s.Confirm(r.Context(), cb)
	switch {
	case errors.Is(err, ErrInvalidCallback):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account"})
	case err != nil:
		s.log.Error("payment callback failed", logx.String("payment", cb.PaymentID), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(res)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
