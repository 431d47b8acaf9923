package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/theprotagonist3610/les-sandwichs-du-docteur-backend-sub000/internal/core"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Actor headers. Elevation is asserted by the reverse proxy after
// authentication; this layer only reads the result.
const (
	headerActorID   = "X-Actor-Id"
	headerActorRole = "X-Actor-Role"
	roleAdmin       = "admin"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Response encoding failed", "error", err)
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vErr *core.ValidationError
		nErr *core.NotFoundError
		cErr *core.ConcurrencyError
		aErr *core.AuthorizationError
		rErr *core.RetryExhaustedError
	)

	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errors.As(err, &vErr):
		status, kind = http.StatusBadRequest, "validation"
	case errors.As(err, &nErr):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &cErr):
		status, kind = http.StatusConflict, "concurrency"
	case errors.As(err, &aErr):
		status, kind = http.StatusForbidden, "authorization"
	case errors.As(err, &rErr):
		status, kind = http.StatusInternalServerError, "retry_exhausted"
	}

	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed",
			"path", r.URL.Path, "kind", kind, "error", err)
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

// decodeBody reads a JSON request body into dst, rejecting unknown
// fields and oversized payloads.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &core.ValidationError{Field: "body", Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

func actorFromRequest(r *http.Request) core.Actor {
	id := strings.TrimSpace(r.Header.Get(headerActorID))
	if id == "" {
		id = "anonymous"
	}
	return core.Actor{
		ID:       id,
		Elevated: strings.EqualFold(r.Header.Get(headerActorRole), roleAdmin),
	}
}

// queryParam returns a required query parameter or a ValidationError.
func queryParam(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", &core.ValidationError{Field: name, Detail: "missing query parameter"}
	}
	return v, nil
}

// queryInt returns an optional integer query parameter, falling back to
// def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &core.ValidationError{Field: name, Detail: fmt.Sprintf("not an integer: %q", v)}
	}
	return n, nil
}
