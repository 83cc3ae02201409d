package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpalmerr/regadera/internal/store"
)

const (
	apiPrefix = "/api/v1"

	// maxBodyBytes caps REST request bodies.
	maxBodyBytes = 64 << 10
)

// apiError is the error body of every REST failure.
type apiError struct {
	Detail string `json:"detail"`
}

// readingBody is the REST form of a new reading. Pointer fields distinguish
// a missing key from a zero value.
type readingBody struct {
	Humidity   *float64 `json:"humidity"`
	Light      *float64 `json:"light"`
	PumpStatus *bool    `json:"pump_status"`
	Mode       *string  `json:"mode"`
	SoilType   *string  `json:"soil_type"`
}

func (b readingBody) input() (store.ReadingInput, error) {
	if err := missingFields(
		bodyField{"humidity", b.Humidity == nil},
		bodyField{"light", b.Light == nil},
		bodyField{"pump_status", b.PumpStatus == nil},
		bodyField{"mode", b.Mode == nil},
		bodyField{"soil_type", b.SoilType == nil},
	); err != nil {
		return store.ReadingInput{}, err
	}
	return store.ReadingInput{
		Humidity:   *b.Humidity,
		Light:      *b.Light,
		PumpStatus: *b.PumpStatus,
		Mode:       *b.Mode,
		SoilType:   *b.SoilType,
	}, nil
}

// eventBody is the REST form of a new watering event.
type eventBody struct {
	DurationSeconds *int    `json:"duration_seconds"`
	Reason          *string `json:"reason"`
}

func (b eventBody) input() (store.WateringEventInput, error) {
	if err := missingFields(
		bodyField{"duration_seconds", b.DurationSeconds == nil},
		bodyField{"reason", b.Reason == nil},
	); err != nil {
		return store.WateringEventInput{}, err
	}
	return store.WateringEventInput{
		DurationSeconds: *b.DurationSeconds,
		Reason:          *b.Reason,
	}, nil
}

type bodyField struct {
	name    string
	missing bool
}

// missingFields reports every field that was absent from the request body.
func missingFields(fields ...bodyField) error {
	var missing []string
	for _, f := range fields {
		if f.missing {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// emptyRange is returned by the stats endpoints when no reading matches.
type emptyRange struct {
	Message string `json:"message"`
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST "+apiPrefix+"/readings/{$}", s.handleCreateReading)
	mux.HandleFunc("GET "+apiPrefix+"/readings/{$}", s.handleListReadings)
	mux.HandleFunc("GET "+apiPrefix+"/readings/latest/{$}", s.handleLatestReading)
	mux.HandleFunc("POST "+apiPrefix+"/watering-events/{$}", s.handleCreateWateringEvent)
	mux.HandleFunc("GET "+apiPrefix+"/watering-events/{$}", s.handleListWateringEvents)
	mux.HandleFunc("GET "+apiPrefix+"/stats/{$}", s.handleStats)
	mux.HandleFunc("GET "+apiPrefix+"/stats/last-24h", s.handleStatsLast24h)
}

// handleCreateReading stores a reading through the feed pipeline, so it is
// cached and broadcast exactly like one received from the controller.
func (s *Server) handleCreateReading(w http.ResponseWriter, r *http.Request) {
	var body readingBody
	if !s.decodeBody(w, r, &body) {
		return
	}
	in, err := body.input()
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Detail: err.Error()}, s.logger)
		return
	}

	reading, err := s.cfg.Pipeline.Ingest(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading, s.logger)
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Detail: err.Error()}, s.logger)
		return
	}

	readings, err := s.cfg.Store.ListReadings(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings, s.logger)
}

func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	reading, ok, err := s.cfg.Store.LatestReading(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Detail: "no readings available"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, reading, s.logger)
}

func (s *Server) handleCreateWateringEvent(w http.ResponseWriter, r *http.Request) {
	var body eventBody
	if !s.decodeBody(w, r, &body) {
		return
	}
	in, err := body.input()
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Detail: err.Error()}, s.logger)
		return
	}

	ev, err := s.cfg.Store.CreateWateringEvent(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev, s.logger)
}

func (s *Server) handleListWateringEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Detail: err.Error()}, s.logger)
		return
	}

	events, err := s.cfg.Store.ListWateringEvents(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if params.Get("start_date") == "" || params.Get("end_date") == "" {
		writeJSON(w, http.StatusUnprocessableEntity,
			apiError{Detail: "start_date and end_date are required"}, s.logger)
		return
	}
	q, err := parseQuery(params)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Detail: err.Error()}, s.logger)
		return
	}
	s.writeStats(w, r, q.Start, q.End)
}

func (s *Server) handleStatsLast24h(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	s.writeStats(w, r, end.Add(-24*time.Hour), end)
}

func (s *Server) writeStats(w http.ResponseWriter, r *http.Request, start, end time.Time) {
	if end.Before(start) {
		writeJSON(w, http.StatusUnprocessableEntity,
			apiError{Detail: "end_date must not be before start_date"}, s.logger)
		return
	}

	stats, err := s.cfg.Store.ReadingStats(r.Context(), start, end)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if stats.TotalReadings == 0 {
		writeJSON(w, http.StatusOK, emptyRange{Message: "no data in range"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, stats, s.logger)
}

// decodeBody decodes a JSON request body into v. On failure it writes a 422
// response and returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity,
			apiError{Detail: fmt.Sprintf("invalid request body: %v", err)}, s.logger)
		return false
	}
	return true
}

// writeStoreError maps storage errors to status codes. Validation failures
// are the client's fault; anything else is logged and reported as 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidReading), errors.Is(err, store.ErrInvalidEvent):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Detail: err.Error()}, s.logger)
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Detail: err.Error()}, s.logger)
	default:
		s.logger.Error("storage request failed", "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, apiError{Detail: "internal error"}, s.logger)
	}
}

// parseQuery reads skip, limit, start_date and end_date. Dates are RFC 3339.
func parseQuery(params url.Values) (store.Query, error) {
	var q store.Query
	var err error

	if v := params.Get("skip"); v != "" {
		if q.Skip, err = strconv.Atoi(v); err != nil || q.Skip < 0 {
			return store.Query{}, fmt.Errorf("skip must be a non-negative integer, got %q", v)
		}
	}
	if v := params.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit <= 0 {
			return store.Query{}, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
	}
	if v := params.Get("start_date"); v != "" {
		if q.Start, err = time.Parse(time.RFC3339, v); err != nil {
			return store.Query{}, fmt.Errorf("start_date must be RFC 3339, got %q", v)
		}
	}
	if v := params.Get("end_date"); v != "" {
		if q.End, err = time.Parse(time.RFC3339, v); err != nil {
			return store.Query{}, fmt.Errorf("end_date must be RFC 3339, got %q", v)
		}
	}
	return q, nil
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
