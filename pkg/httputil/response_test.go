package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()

	require.NoError(t, WriteCreated(w, map[string]int{"id": 1}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"id":1}`, w.Body.String())
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorMessage(w, http.StatusNotFound, "resource not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"resource not found"}`, w.Body.String())
}

func TestWriteDetailedError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteDetailedError(w, http.StatusBadRequest, "downgrade blocked", map[string]interface{}{
		"blockers": []string{"members_exceed_limit"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp struct {
		Error   string              `json:"error"`
		Details map[string][]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "downgrade blocked", resp.Error)
	assert.Equal(t, []string{"members_exceed_limit"}, resp.Details["blockers"])
}

func TestWriteInternalError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalError(w)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}

func TestWriteServiceUnavailable(t *testing.T) {
	t.Run("with retry hint", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteServiceUnavailable(w, "payment gateway unavailable", 30*time.Second)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), "payment gateway unavailable")
	})

	t.Run("without retry hint", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteServiceUnavailable(w, "busy", 0)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Empty(t, w.Header().Get("Retry-After"))
	})
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, "rate limit exceeded", time.Minute)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}
