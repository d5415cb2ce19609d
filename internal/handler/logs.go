package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"slices"

	"github.com/julienschmidt/httprouter"

	"saltdetect/internal/config"
	"saltdetect/internal/logger"
)

var logLevels = []string{"info", "warning", "error"}

// logFileName maps the :level route parameter to a log file, or "" for unknown levels.
func logFileName(r *http.Request) string {
	level := httprouter.ParamsFromContext(r.Context()).ByName("level")
	if !slices.Contains(logLevels, level) {
		return ""
	}
	return level + ".log"
}

// ShowLogsHandler serves info.log, warning.log or error.log as text/plain.
func ShowLogsHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := logFileName(r)
		if filename == "" {
			http.NotFound(w, r)
			return
		}

		filePath := filepath.Join(cfg.LogDirectory, filename)
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Log file not found: " + filename))
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, filePath)
	}
}

// ClearLogsHandler truncates one of the log files via the logger.
func ClearLogsHandler(logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := logFileName(r)
		if filename == "" {
			http.NotFound(w, r)
			return
		}

		if err := logger.CleanLogs(filename); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to clear "+filename)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
