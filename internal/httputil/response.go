// Package httputil writes JSON responses for the debug handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/holistic.replay/internal/monitoring"
)

var logf = monitoring.Tagged("http")

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes data as JSON with 200 OK.
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
