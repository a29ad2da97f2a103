package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/datawire/dlib/dlog"

	"github.com/netfleet/netfleet/internal/controller/authz"
	"github.com/netfleet/netfleet/internal/controller/database"
	"github.com/netfleet/netfleet/internal/controller/state"
	"github.com/netfleet/netfleet/internal/controller/token"
)

// apiError carries a status code chosen by the handler.
type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string { return e.detail }

func errStatus(status int, detail string) error {
	return &apiError{status: status, detail: detail}
}

// writeJSON writes v with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		dlog.Errorf(ctx, "failed to write response: %v", err)
	}
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as a bare 500 so internals never leak.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		writeJSON(ctx, w, ae.status, map[string]string{"detail": ae.detail})
		return
	}
	status := http.StatusInternalServerError
	detail := "internal server error"
	switch {
	case errors.Is(err, database.ErrNotFound):
		status, detail = http.StatusNotFound, "not found"
	case errors.Is(err, authz.ErrForbidden):
		status, detail = http.StatusForbidden, "operation not permitted"
	case errors.Is(err, authz.ErrUnauthenticated):
		status, detail = http.StatusUnauthorized, "not authenticated"
	case errors.Is(err, token.ErrAlreadyActive):
		status, detail = http.StatusConflict, "token is already active"
	case errors.Is(err, state.ErrSessionTerminal):
		status, detail = http.StatusConflict, "session is already finished"
	default:
		dlog.Errorf(ctx, "request failed: %v", err)
	}
	writeJSON(ctx, w, status, map[string]string{"detail": detail})
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errStatus(http.StatusBadRequest, "invalid request body")
	}
	return nil
}
