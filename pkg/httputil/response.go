package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse is the JSON body of every error reply
type ErrorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 response with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a 201 response with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteErrorMessage writes a JSON error response
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteDetailedError(w, status, message, nil)
}

// WriteDetailedError writes a JSON error response carrying details
func WriteDetailedError(w http.ResponseWriter, status int, message string, details interface{}) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// WriteBadRequest writes a 400 error
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteNotFoundError writes a 404 error
func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteInternalError writes a 500 error. The cause is not echoed to clients.
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

// WriteServiceUnavailable writes a 503 error with a Retry-After hint
func WriteServiceUnavailable(w http.ResponseWriter, message string, retryAfter time.Duration) {
	setRetryAfter(w, retryAfter)
	WriteErrorMessage(w, http.StatusServiceUnavailable, message)
}

// WriteTooManyRequests writes a 429 error with a Retry-After hint
func WriteTooManyRequests(w http.ResponseWriter, message string, retryAfter time.Duration) {
	setRetryAfter(w, retryAfter)
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

func setRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}
}
