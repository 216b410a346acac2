package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// response is the envelope every JSON endpoint writes.
type response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, response{Status: "ok", RequestID: reqID, Data: data})
}

func respondError(w http.ResponseWriter, reqID string, status int, msg string) {
	respondJSON(w, status, response{Status: "error", RequestID: reqID, Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, resp response) {
	resp.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
