package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"convsync/internal/logger"
	apperrors "convsync/pkg/errors"
)

const RequestIDHeader = "X-Request-ID"

func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		logFields := []interface{}{
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"request_id", c.GetString("request_id"),
		}

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logFields = append(logFields, "error", errorMessage)
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.ErrorwCtx(c.Request.Context(), "HTTP Request", logFields...)
		} else {
			log.DebugwCtx(c.Request.Context(), "HTTP Request", logFields...)
		}
	}
}

func RecoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err := apperrors.RecoverPanic(recovered)
		log.ErrorwCtx(c.Request.Context(), "Panic recovered",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, apperrors.ToErrorResponse(apperrors.ErrUnexpected))
	})
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}
