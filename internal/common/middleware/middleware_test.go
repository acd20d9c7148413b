package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrix-ledger-backend/internal/common/errors"
)

const botToken = "123456:TEST-TOKEN"

func init() {
	gin.SetMode(gin.TestMode)
}

// signInitData builds init data the way Telegram signs it for Mini Apps.
func signInitData(token string, userID int64) string {
	vals := url.Values{}
	vals.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	vals.Set("query_id", "AAHdF6IQAAAAAN0XohDhrOrc")
	vals.Set("user", fmt.Sprintf(`{"id":%d,"first_name":"Ops"}`, userID))

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+vals.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(token))
	h := hmac.New(sha256.New, secret.Sum(nil))
	h.Write([]byte(strings.Join(pairs, "\n")))
	vals.Set("hash", hex.EncodeToString(h.Sum(nil)))
	return vals.Encode()
}

type errorBody struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), ErrorHandler(), HandleErrors())
	r.Use(mw...)
	return r
}

func TestStatusCode(t *testing.T) {
	cases := map[errors.ErrorCode]int{
		errors.ErrCodeInvalidSponsor:       http.StatusBadRequest,
		errors.ErrCodePaymentRejected:      http.StatusBadRequest,
		errors.ErrCodeUserNotFound:         http.StatusNotFound,
		errors.ErrCodePayoutNotFound:       http.StatusNotFound,
		errors.ErrCodeAlreadyRegistered:    http.StatusConflict,
		errors.ErrCodePaymentAlreadyBooked: http.StatusConflict,
		errors.ErrCodeInsufficientBalance:  http.StatusPaymentRequired,
		errors.ErrCodeTooEarly:             http.StatusTooEarly,
		errors.ErrCodeSystemPaused:         http.StatusLocked,
		errors.ErrCodeCircuitBreakerOpen:   http.StatusServiceUnavailable,
		errors.ErrCodeUnauthorized:         http.StatusUnauthorized,
		errors.ErrCodeUserBlacklisted:      http.StatusForbidden,
		errors.ErrCodePayoutFailed:         http.StatusBadGateway,
		errors.ErrCodePayoutUnconfirmed:    http.StatusBadGateway,
		errors.ErrCodeRateLimit:            http.StatusTooManyRequests,
		errors.ErrCodeUpkeepFailed:         http.StatusInternalServerError,
		errors.ErrCodeStorageError:         http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusCode(errors.New(code, "x")), string(code))
	}
}

func TestSendErrorRendersAppError(t *testing.T) {
	r := newRouter()
	r.GET("/fail", func(c *gin.Context) {
		SendError(c, errors.New(errors.ErrCodeTooEarly, "Pool distribution is not due yet").WithDetail("pool", "club"))
	})
	r.GET("/plain", func(c *gin.Context) {
		_ = c.Error(stderrors.New("boom"))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooEarly, w.Code)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
	body := decodeError(t, w)
	assert.False(t, body.Success)
	assert.Equal(t, "req-1", body.RequestID)
	assert.Equal(t, "TOO_EARLY", body.Error.Code)
	assert.Equal(t, "club", body.Error.Details["pool"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body = decodeError(t, w)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.NotContains(t, w.Body.String(), "boom")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	r := newRouter()
	r.GET("/panic", func(c *gin.Context) { panic("ledger corrupted") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Empty(t, body.Error.Details)
}

func TestTelegramInitDataAndRequireAdmin(t *testing.T) {
	r := newRouter(TelegramInitData(botToken, time.Hour))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, CallerID(c))
	})
	r.POST("/admin", RequireAdmin([]int64{42}), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	do := func(method, path, initData string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		if initData != "" {
			req.Header.Set(InitDataHeader, initData)
		}
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(http.MethodGet, "/me", signInitData("other:token", 42))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, w).Error.Code)

	w = do(http.MethodGet, "/me", signInitData(botToken, 42))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "42", w.Body.String())

	w = do(http.MethodPost, "/admin", signInitData(botToken, 7))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(http.MethodPost, "/admin", signInitData(botToken, 42))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdminWithoutInitData(t *testing.T) {
	r := newRouter()
	r.POST("/admin", RequireAdmin([]int64{42}), func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimit(t *testing.T) {
	r := newRouter()
	r.POST("/upkeep", RateLimit("upkeep", PerMinute(2)), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upkeep", nil))
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "30", w.Header().Get("Retry-After"))
			assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, w).Error.Code)
		}
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)

	unlimited := PerMinute(0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow())
	}
}

func TestCallerLimiter(t *testing.T) {
	limiter := NewCallerLimiter(1)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }

	r := newRouter()
	r.POST("/withdraw", func(c *gin.Context) {
		c.Set(CallerIDKey, c.GetHeader("X-Caller"))
		c.Next()
	}, limiter.Middleware("withdrawals"), func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(caller string) int {
		req := httptest.NewRequest(http.MethodPost, "/withdraw", nil)
		req.Header.Set("X-Caller", caller)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, call("1"))
	assert.Equal(t, http.StatusTooManyRequests, call("1"))
	assert.Equal(t, http.StatusOK, call("2"), "budgets are per caller")

	clock = clock.Add(time.Hour)
	call("3")
	limiter.mu.Lock()
	assert.Len(t, limiter.callers, 1, "idle callers are swept")
	limiter.mu.Unlock()
}

func TestLoggerPassesThrough(t *testing.T) {
	r := newRouter(Logger("/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health?check=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
