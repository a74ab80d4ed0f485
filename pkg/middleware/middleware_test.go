package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"convsync/internal/logger"
)

func newRouter(log logger.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(log), RequestIDMiddleware(), LoggerMiddleware(log))
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })
	router.GET("/panic", func(c *gin.Context) { panic("handler bug") })
	return router
}

func TestRequestIDMiddleware(t *testing.T) {
	router := newRouter(logger.NopLogger())

	tests := []struct {
		name     string
		incoming string
	}{
		{name: "generated"},
		{name: "propagated", incoming: "req-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ok", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			id := w.Header().Get(RequestIDHeader)
			require.NotEmpty(t, id)
			assert.Equal(t, id, w.Body.String())
			if tt.incoming != "" {
				assert.Equal(t, tt.incoming, id)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	router := newRouter(logger.NewObserved(core))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "UNEXPECTED", body["error_code"])
	assert.NotContains(t, body, "details", "stack traces stay in the logs")

	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}

func TestLoggerMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	router := newRouter(logger.NewObserved(core))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok?verbose=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	entries := logs.FilterMessage("HTTP Request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/ok?verbose=1", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
}
