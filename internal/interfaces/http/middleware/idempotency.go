package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/erp/dte/internal/infrastructure/cache"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdempotencyHeader carries the client chosen key of a retryable POST
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 200

// Idempotency replays the stored response of a completed request that used
// the same key. Requests without the header pass through. Server errors
// release the key so the client can retry; any other outcome is kept for ttl.
func Idempotency(store cache.IdempotencyStore, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			abortWithError(c, http.StatusBadRequest, dto.ErrCodeBadRequest, "Idempotency-Key is too long")
			return
		}
		scoped := GetSubject(c) + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key
		log := logger.GetGinLogger(c)

		prev, won, err := store.Reserve(c.Request.Context(), scoped, ttl)
		if err != nil {
			log.Error("idempotency store unavailable", zap.Error(err))
			abortWithError(c, http.StatusServiceUnavailable, dto.ErrCodeInternal, "Idempotency store unavailable")
			return
		}
		if !won {
			if prev.InFlight() {
				abortWithError(c, http.StatusConflict, dto.ErrCodeRequestInFlight,
					"A request with this Idempotency-Key is still being processed")
				return
			}
			c.Header("Idempotent-Replayed", "true")
			c.Data(prev.Status, prev.ContentType, prev.Body)
			c.Abort()
			return
		}

		rec := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		ctx := context.WithoutCancel(c.Request.Context())
		status := rec.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(ctx, scoped); err != nil {
				log.Warn("failed to release idempotency key", zap.Error(err))
			}
			return
		}
		replay := cache.Replay{
			Status:      status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		}
		if err := store.Complete(ctx, scoped, replay, ttl); err != nil {
			log.Warn("failed to store idempotent response", zap.Error(err))
		}
	}
}

type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
