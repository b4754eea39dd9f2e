package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type captureLogger struct {
	lastInfo RequestInfo
	called   bool
}

func (m *captureLogger) Log(info RequestInfo) {
	m.lastInfo = info
	m.called = true
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTimeoutFastHandlerPassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutMiddleware(5 * time.Second))
	r.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := serve(r, http.MethodGet, "/ok")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestTimeoutLateResponseStillDelivered(t *testing.T) {
	logger := &captureLogger{}
	r := gin.New()
	r.Use(LogRequest(logger))
	r.Use(TimeoutMiddleware(30 * time.Millisecond))
	r.GET("/slow", func(c *gin.Context) {
		time.Sleep(80 * time.Millisecond)
		c.JSON(http.StatusOK, gin.H{"status": "late but done"})
	})

	w := serve(r, http.MethodGet, "/slow")

	// The handler outran the deadline but still produced a response, so the
	// client gets it rather than a 504. The log records that the deadline
	// fired.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, logger.called)
	assert.True(t, logger.lastInfo.TimedOut)
}

func TestTimeoutSilentHandlerGets504(t *testing.T) {
	RegisterMiddlewareMsgID(RequestTimeout, 1504)
	RegisterMiddlewareErrCode(RequestTimeout, "request_timeout")

	r := gin.New()
	r.Use(TimeoutMiddleware(30 * time.Millisecond))
	r.GET("/hang", func(c *gin.Context) {
		<-c.Request.Context().Done()
	})

	w := serve(r, http.MethodGet, "/hang")

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "request_timeout")
}

func TestTimeoutPanicReachesRecovery(t *testing.T) {
	logger := &captureLogger{}
	r := gin.New()
	r.Use(LogRequest(logger))
	r.Use(gin.Recovery())
	r.Use(TimeoutMiddleware(5 * time.Second))
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := serve(r, http.MethodGet, "/panic")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, logger.lastInfo.PanicRecovered)
	assert.Equal(t, "boom", logger.lastInfo.PanicValue)
	assert.False(t, logger.lastInfo.TimedOut)
}

func TestTimeoutPanicAfterDeadlineGets500(t *testing.T) {
	logger := &captureLogger{}
	r := gin.New()
	r.Use(LogRequest(logger))
	r.Use(gin.Recovery())
	r.Use(TimeoutMiddleware(30 * time.Millisecond))
	r.GET("/slow-panic", func(c *gin.Context) {
		time.Sleep(80 * time.Millisecond)
		panic("late boom")
	})

	w := serve(r, http.MethodGet, "/slow-panic")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, logger.lastInfo.TimedOut)
	assert.True(t, logger.lastInfo.PanicRecovered)
	assert.Equal(t, "late boom", logger.lastInfo.PanicValue)
}

func TestTimeoutDistinguishesClientDisconnect(t *testing.T) {
	logger := &captureLogger{}
	r := gin.New()
	r.Use(LogRequest(logger))
	r.Use(TimeoutMiddleware(5 * time.Second))
	r.GET("/slow", func(c *gin.Context) {
		<-c.Request.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	assert.True(t, logger.called)
	assert.False(t, logger.lastInfo.TimedOut)
	assert.True(t, logger.lastInfo.ClientDisconnected)
}

func TestTimeoutConcurrentRequests(t *testing.T) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TimeoutMiddleware(10 * time.Millisecond))
	r.GET("/mixed", func(c *gin.Context) {
		time.Sleep(5 * time.Millisecond)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			w := serve(r, http.MethodGet, "/mixed")
			assert.Contains(t, []int{http.StatusOK, http.StatusGatewayTimeout}, w.Code)
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	close(done)
}
