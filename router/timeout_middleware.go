package router

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/tenderflow/wscutils"
)

var (
	defaultMsgID   = wscutils.DefaultMsgID
	defaultErrCode = wscutils.ErrcodeUnknown
)

// MiddlewareErrorScenario names an error case a middleware can emit, so the
// application can register its own message id and error code for it.
type MiddlewareErrorScenario string

const (
	RequestTimeout MiddlewareErrorScenario = "RequestTimeout"
)

// Context keys set by TimeoutMiddleware and read by LogRequest. Timeout and
// client disconnect both cancel the request context; ctx.Err() tells them
// apart.
const (
	CtxKeyTimedOut           = "_request_timed_out"
	CtxKeyClientDisconnected = "_client_disconnected"
	CtxKeyPanicRecovered     = "_panic_recovered"
	CtxKeyPanicValue         = "_panic_value"
)

var middlewareScenarioToMsgID = make(map[MiddlewareErrorScenario]int)
var middlewareScenarioToErrCode = make(map[MiddlewareErrorScenario]string)

func RegisterMiddlewareMsgID(scenario MiddlewareErrorScenario, msgID int) {
	middlewareScenarioToMsgID[scenario] = msgID
}

func RegisterMiddlewareErrCode(scenario MiddlewareErrorScenario, errCode string) {
	middlewareScenarioToErrCode[scenario] = errCode
}

// guardedWriter serializes writes from the handler goroutine and remembers
// whether a header went out, so the middleware knows if it may still respond.
type guardedWriter struct {
	gin.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
}

func (w *guardedWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *guardedWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *guardedWriter) WriteString(s string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wroteHeader = true
	return w.ResponseWriter.WriteString(s)
}

func (w *guardedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

func (w *guardedWriter) Flush() {
	w.ResponseWriter.(http.Flusher).Flush()
}

func (w *guardedWriter) wrote() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wroteHeader
}

// TimeoutMiddleware bounds request processing time. The handler runs in its
// own goroutine with a deadline on the request context. When the deadline
// fires the middleware waits for the handler to finish: a response the
// handler managed to write is kept, otherwise a 504 goes out (500 if the
// handler panicked without writing).
//
// Handlers must honor context cancellation for the bound to be effective.
// Panics from the handler goroutine are re-raised on the main goroutine, so
// gin.Recovery() must be registered before this middleware.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		// Once the deadline fires nobody listens on panicCh anymore.
		var timedOut atomic.Bool

		gw := &guardedWriter{ResponseWriter: c.Writer}
		c.Writer = gw

		finCh := make(chan struct{}, 1)
		panicCh := make(chan any, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					c.Set(CtxKeyPanicRecovered, true)
					c.Set(CtxKeyPanicValue, fmt.Sprintf("%v", p))
					if !timedOut.Load() {
						panicCh <- p
					}
				}
				finCh <- struct{}{}
			}()
			c.Next()
		}()

		select {
		case p := <-panicCh:
			// Main goroutine, where gin.Recovery() can catch it.
			panic(p)

		case <-ctx.Done():
			timedOut.Store(true)
			if ctx.Err() == context.DeadlineExceeded {
				c.Set(CtxKeyTimedOut, true)
			} else {
				c.Set(CtxKeyClientDisconnected, true)
			}

			// Let the handler finish; a late but complete response beats
			// a 504 the client has to retry.
			<-finCh

			if _, panicked := c.Get(CtxKeyPanicRecovered); panicked {
				if !gw.wrote() {
					c.AbortWithStatusJSON(http.StatusInternalServerError,
						wscutils.NewErrorResponse(defaultMsgID, defaultErrCode))
				}
				return
			}
			if gw.wrote() {
				return
			}

			msgID, ok := middlewareScenarioToMsgID[RequestTimeout]
			if !ok {
				msgID = defaultMsgID
			}
			errCode, ok := middlewareScenarioToErrCode[RequestTimeout]
			if !ok {
				errCode = defaultErrCode
			}
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, wscutils.NewErrorResponse(msgID, errCode))

		case <-finCh:
			// Finished within the deadline.
		}
	}
}
