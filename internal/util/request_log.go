package util

import (
	"net/http"
	"time"
)

type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeter) WriteHeader(statusCode int) {
	if m.status == 0 {
		m.status = statusCode
	}
	m.ResponseWriter.WriteHeader(statusCode)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.bytes += n
	return n, err
}

// WithRequestLog logs one line per request through the context logger, so
// the request id attached by WithRequestID rides along automatically.
// Runs inside WithRequestID in the middleware chain.
func WithRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meter := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(meter, r)

		status := meter.status
		if status == 0 {
			status = http.StatusOK
		}
		LoggerFromContext(r.Context()).Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", meter.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
