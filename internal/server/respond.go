package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lamim/ddreview/pkg/models"
)

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error    string            `json:"error"`
	Code     string            `json:"code,omitempty"`
	Class    models.ErrorClass `json:"class"`
	Missing  []string          `json:"missing,omitempty"`
	Problems map[string]string `json:"problems,omitempty"`
}

// PollIntervalHeader carries the cadence the client should poll at, in seconds.
// Zero means the pipeline is terminal.
const PollIntervalHeader = "X-Poll-Interval"

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// StatusFor maps an error onto its HTTP status
func StatusFor(err error) int {
	switch models.Classify(err) {
	case models.ClassValidation:
		if errors.Is(err, models.ErrIncompleteResponse) || errors.Is(err, models.ErrInvalidResponse) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case models.ClassConcurrency:
		return http.StatusConflict
	case models.ClassNotFound:
		return http.StatusNotFound
	case models.ClassTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusFor(err)
	body := ErrorBody{
		Error: err.Error(),
		Code:  models.ErrorCode(err),
		Class: models.Classify(err),
	}
	var incomplete *models.IncompleteResponseError
	if errors.As(err, &incomplete) {
		body.Missing = incomplete.Missing
	}
	var invalid *models.InvalidResponseError
	if errors.As(err, &invalid) {
		body.Problems = invalid.Problems
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "status", status, "error", err)
		if body.Class == models.ClassFatal {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

// decode reads a bounded JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	reader := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer reader.Close()

	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: payload exceeds %d bytes", models.ErrBadRequest, maxErr.Limit)
		}
		return fmt.Errorf("%w: invalid JSON: %v", models.ErrBadRequest, err)
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", models.ErrBadRequest, name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrBadRequest, name)
	}
	return n, nil
}

func setPollInterval(w http.ResponseWriter, d time.Duration) {
	w.Header().Set(PollIntervalHeader, strconv.Itoa(int(d/time.Second)))
}
