package handler

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"saltdetect/internal/dto"
	"saltdetect/internal/logger"
	"saltdetect/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ModelStatus reports whether the detection model is loaded.
type ModelStatus interface {
	Ready() bool
	ModelPath() string
}

// ConnectionCounter reports the number of live stream connections.
type ConnectionCounter interface {
	GetClientCount() int
}

// HealthHandler reports model readiness and the number of live connections.
func HealthHandler(model ModelStatus, hub ConnectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := dto.HealthResponse{
			Status:      "ok",
			ModelLoaded: model.Ready(),
			ModelPath:   model.ModelPath(),
			Connections: hub.GetClientCount(),
		}
		status := http.StatusOK
		if !resp.ModelLoaded {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// GetSessionHandler returns a session with its running totals.
func GetSessionHandler(sessions repository.SessionRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httprouter.ParamsFromContext(r.Context()).ByName("id")

		session, err := sessions.GetByID(r.Context(), id)
		if err != nil {
			logger.Error("Error getting session %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if session == nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

// GetSessionBatchesHandler returns the most recent batches of a session, newest first.
func GetSessionBatchesHandler(sessions repository.SessionRepository, batches repository.BatchRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httprouter.ParamsFromContext(r.Context()).ByName("id")

		session, err := sessions.GetByID(r.Context(), id)
		if err != nil {
			logger.Error("Error getting session %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if session == nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}

		list, err := batches.GetRecentBySession(r.Context(), id, queryInt(r, "limit", 10, 1, maxPageSize))
		if err != nil {
			logger.Error("Error listing batches of session %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to load batches")
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// ListBatchesHandler returns a page of batches, optionally for a single session.
func ListBatchesHandler(batches repository.BatchRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := dto.BatchFilters{
			SessionID: r.URL.Query().Get("sessionId"),
			Limit:     queryInt(r, "limit", defaultPageSize, 1, maxPageSize),
			Offset:    queryInt(r, "offset", 0, 0, 1<<31-1),
		}

		list, total, err := batches.GetAll(r.Context(), filter)
		if err != nil {
			logger.Error("Error listing batches: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load batches")
			return
		}

		writeJSON(w, http.StatusOK, dto.BatchList{
			Data:   list,
			Total:  total,
			Limit:  filter.Limit,
			Offset: filter.Offset,
		})
	}
}

func GetBatchHandler(batches repository.BatchRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httprouter.ParamsFromContext(r.Context()).ByName("id")

		batch, err := batches.GetByID(r.Context(), id)
		if err != nil {
			logger.Error("Error getting batch %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to load batch")
			return
		}
		if batch == nil {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

// DeleteBatchHandler removes a batch. Its detection records stay, detached from the batch.
func DeleteBatchHandler(batches repository.BatchRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httprouter.ParamsFromContext(r.Context()).ByName("id")

		batch, err := batches.GetByID(r.Context(), id)
		if err != nil {
			logger.Error("Error getting batch %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to load batch")
			return
		}
		if batch == nil {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}

		if err := batches.Delete(r.Context(), id); err != nil {
			logger.Error("Error deleting batch %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to delete batch")
			return
		}

		logger.Info("Deleted batch %s (session %s, #%d)", id, batch.SessionID, batch.BatchNumber)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListDetectionsHandler returns the newest stored detection records.
func ListDetectionsHandler(detections repository.DetectionRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, before, ok := timeRange(w, r)
		if !ok {
			return
		}

		records, err := detections.GetRecent(r.Context(), dto.DetectionFilters{
			SessionID: r.URL.Query().Get("sessionId"),
			After:     after,
			Before:    before,
			Limit:     queryInt(r, "limit", defaultPageSize, 1, maxPageSize),
		})
		if err != nil {
			logger.Error("Error listing detections: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load detections")
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// StatisticsSummaryHandler aggregates stored detection records, optionally within [after, before].
func StatisticsSummaryHandler(stats repository.StatisticsRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, before, ok := timeRange(w, r)
		if !ok {
			return
		}

		summary, err := stats.Summary(r.Context(), after, before)
		if err != nil {
			logger.Error("Error computing statistics: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to compute statistics")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// timeRange parses the optional RFC 3339 after/before parameters and answers 400 on bad input.
func timeRange(w http.ResponseWriter, r *http.Request) (after, before time.Time, ok bool) {
	parse := func(key string) (time.Time, bool) {
		v := r.URL.Query().Get(key)
		if v == "" {
			return time.Time{}, true
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+key+": expected RFC 3339 time")
			return time.Time{}, false
		}
		return t, true
	}

	if after, ok = parse("after"); !ok {
		return
	}
	before, ok = parse("before")
	return
}
