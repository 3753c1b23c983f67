package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/dte/internal/infrastructure/auth"
	"github.com/erp/dte/internal/infrastructure/cache"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/interfaces/http/dto"
	"github.com/erp/dte/tests/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newJWT(t *testing.T) *auth.JWTService {
	t.Helper()
	svc, err := auth.NewJWTService(config.JWTConfig{Secret: "middleware-test-secret-32-chars!!", Issuer: "dte-engine"})
	require.NoError(t, err)
	return svc
}

func bearer(t *testing.T, svc *auth.JWTService, subject string, scopes ...string) map[string]string {
	t.Helper()
	token, err := svc.Issue(subject, scopes, time.Hour)
	require.NoError(t, err)
	return map[string]string{AuthHeaderKey: BearerPrefix + token}
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	t.Run("generated", func(t *testing.T) {
		w := testutil.Do(t, r, testutil.Request{Path: "/"})
		assert.Len(t, w.Body.String(), 32)
		assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		w := testutil.Do(t, r, testutil.Request{Path: "/", Headers: map[string]string{RequestIDHeader: "abc-123"}})
		assert.Equal(t, "abc-123", w.Body.String())
	})

	t.Run("oversized replaced", func(t *testing.T) {
		long := strings.Repeat("x", MaxRequestIDLength+1)
		w := testutil.Do(t, r, testutil.Request{Path: "/", Headers: map[string]string{RequestIDHeader: long}})
		assert.NotEqual(t, long, w.Body.String())
	})
}

func TestSecure(t *testing.T) {
	r := gin.New()
	r.Use(Secure())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := testutil.Do(t, r, testutil.Request{Path: "/"})
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestBodyLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodyLimit(16))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	w := testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: "/", Raw: []byte(`{"a":1}`)})
	assert.Equal(t, http.StatusOK, w.Code)

	w = testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: "/", Raw: []byte(`{"a":"0123456789abcdef"}`)})
	testutil.AssertErrorCode(t, w, http.StatusRequestEntityTooLarge, dto.ErrCodePayloadTooLarge)
}

func TestOperatorAuth(t *testing.T) {
	svc := newJWT(t)
	r := gin.New()
	r.Use(RequestID(), OperatorAuth(svc, nil))
	r.GET("/read", RequireScope(auth.ScopeRead), func(c *gin.Context) { c.String(http.StatusOK, GetSubject(c)) })
	r.GET("/caf", RequireScope(auth.ScopeCAF), func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("missing header", func(t *testing.T) {
		w := testutil.Do(t, r, testutil.Request{Path: "/read"})
		testutil.AssertErrorCode(t, w, http.StatusUnauthorized, dto.ErrCodeUnauthorized)
	})

	t.Run("malformed header", func(t *testing.T) {
		w := testutil.Do(t, r, testutil.Request{Path: "/read", Headers: map[string]string{AuthHeaderKey: "Basic x"}})
		testutil.AssertErrorCode(t, w, http.StatusUnauthorized, dto.ErrCodeUnauthorized)
	})

	t.Run("bad token", func(t *testing.T) {
		w := testutil.Do(t, r, testutil.Request{Path: "/read", Headers: map[string]string{AuthHeaderKey: BearerPrefix + "nope"}})
		testutil.AssertErrorCode(t, w, http.StatusUnauthorized, dto.ErrCodeTokenInvalid)
	})

	t.Run("scope granted", func(t *testing.T) {
		w := testutil.Do(t, r, testutil.Request{Path: "/read", Headers: bearer(t, svc, "erp", auth.ScopeRead)})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "erp", w.Body.String())
	})

	t.Run("scope missing", func(t *testing.T) {
		w := testutil.Do(t, r, testutil.Request{Path: "/caf", Headers: bearer(t, svc, "erp", auth.ScopeRead)})
		testutil.AssertErrorCode(t, w, http.StatusForbidden, dto.ErrCodeForbidden)
	})
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.Use(RateLimit(rl))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, testutil.Do(t, r, testutil.Request{Path: "/"}).Code)
	assert.Equal(t, http.StatusOK, testutil.Do(t, r, testutil.Request{Path: "/"}).Code)
	w := testutil.Do(t, r, testutil.Request{Path: "/"})
	testutil.AssertErrorCode(t, w, http.StatusTooManyRequests, dto.ErrCodeRateLimited)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, testutil.Do(t, r, testutil.Request{Path: "/"}).Code)
}

func TestIdempotency(t *testing.T) {
	store := cache.NewInMemoryIdempotencyStore()
	var calls atomic.Int32
	var fail atomic.Bool

	r := gin.New()
	r.Use(Idempotency(store, time.Hour))
	r.POST("/documents", func(c *gin.Context) {
		n := calls.Add(1)
		if fail.Load() {
			c.JSON(http.StatusBadGateway, dto.NewErrorResponse("TRANSPORT_TIMEOUT", "down"))
			return
		}
		c.JSON(http.StatusCreated, dto.NewSuccessResponse(gin.H{"folio": n}))
	})
	post := func(key string) *httptest.ResponseRecorder {
		h := map[string]string{}
		if key != "" {
			h[IdempotencyHeader] = key
		}
		return testutil.Do(t, r, testutil.Request{Method: http.MethodPost, Path: "/documents", Raw: []byte(`{}`), Headers: h})
	}

	first := post("k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	replay := post("k-1")
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), calls.Load())

	other := post("k-2")
	assert.Equal(t, http.StatusCreated, other.Code)
	assert.Equal(t, int32(2), calls.Load())

	post("")
	post("")
	assert.Equal(t, int32(4), calls.Load())

	t.Run("server errors release the key", func(t *testing.T) {
		fail.Store(true)
		assert.Equal(t, http.StatusBadGateway, post("k-3").Code)
		fail.Store(false)
		assert.Equal(t, http.StatusCreated, post("k-3").Code)
		assert.Equal(t, int32(6), calls.Load())
	})

	t.Run("in flight", func(t *testing.T) {
		_, _, err := store.Reserve(t.Context(), ":POST:/documents:busy", time.Hour)
		require.NoError(t, err)
		testutil.AssertErrorCode(t, post("busy"), http.StatusConflict, dto.ErrCodeRequestInFlight)
	})
}

func TestHTTPMetrics(t *testing.T) {
	mw, err := HTTPMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	r := gin.New()
	r.Use(mw)
	r.GET("/documents/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, testutil.Do(t, r, testutil.Request{Path: "/documents/1"}).Code)
	assert.Equal(t, http.StatusNotFound, testutil.Do(t, r, testutil.Request{Path: "/nowhere"}).Code)
}

func TestTracing_Disabled(t *testing.T) {
	r := gin.New()
	r.Use(Tracing(TracingConfig{Enabled: false}), SpanAttributes())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusOK, testutil.Do(t, r, testutil.Request{Path: "/"}).Code)
}

func TestSwaggerProtection(t *testing.T) {
	svc := newJWT(t)
	build := func(cfg SwaggerConfig) *gin.Engine {
		r := gin.New()
		r.Use(RequestID())
		r.GET("/swagger/*any", SwaggerProtection(cfg, OperatorAuth(svc, nil)), func(c *gin.Context) { c.String(http.StatusOK, "docs") })
		return r
	}

	t.Run("disabled answers not found", func(t *testing.T) {
		w := testutil.Do(t, build(SwaggerConfig{}), testutil.Request{Path: "/swagger/index.html"})
		testutil.AssertErrorCode(t, w, http.StatusNotFound, dto.ErrCodeNotFound)
	})

	t.Run("exact address allowed", func(t *testing.T) {
		w := testutil.Do(t, build(SwaggerConfig{Enabled: true, AllowedIPs: []string{"192.0.2.1"}}), testutil.Request{Path: "/swagger/index.html"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "docs", w.Body.String())
	})

	t.Run("unparseable entries never match", func(t *testing.T) {
		w := testutil.Do(t, build(SwaggerConfig{Enabled: true, AllowedIPs: []string{"not-an-ip", "300.0.0.0/8"}}), testutil.Request{Path: "/swagger/index.html"})
		testutil.AssertErrorCode(t, w, http.StatusForbidden, dto.ErrCodeForbidden)
	})

	t.Run("token checked after the allowlist", func(t *testing.T) {
		r := build(SwaggerConfig{Enabled: true, RequireAuth: true})
		w := testutil.Do(t, r, testutil.Request{Path: "/swagger/index.html"})
		testutil.AssertErrorCode(t, w, http.StatusUnauthorized, dto.ErrCodeUnauthorized)

		w = testutil.Do(t, r, testutil.Request{Path: "/swagger/index.html", Headers: bearer(t, svc, "erp", auth.ScopeRead)})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "docs", w.Body.String())
	})
}
