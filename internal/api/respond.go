package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cliparr/internal/logging"
	"cliparr/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError maps the service taxonomy onto HTTP statuses: bad input and
// missing entities surface as 4xx, everything else is a 500 with details.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid input", Details: err.Error()})
	case errors.Is(err, services.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Details: err.Error()})
	default:
		s.logger.Error("request failed", logging.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Details: err.Error()})
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, details string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid input", Details: details})
}

func (s *Server) writeNotFound(w http.ResponseWriter, details string) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Details: details})
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
