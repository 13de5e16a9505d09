package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Middleware wraps an http.Handler and reports one telemetry event per
// request to the collector. Emission is fire-and-forget: it runs in its own
// goroutine after the response is written and never blocks or fails the
// request path.
func Middleware(service string, emitter *Emitter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		var requestSize int64
		if raw := req.Header.Get("Content-Length"); raw != "" {
			requestSize, _ = strconv.ParseInt(raw, 10, 64)
		}
		event := Event{
			Service:      service,
			Endpoint:     req.URL.Path,
			Method:       req.Method,
			Status:       status,
			LatencyMS:    float64(time.Since(start)) / float64(time.Millisecond),
			RequestSize:  requestSize,
			ResponseSize: recorder.bytes,
			OccurredAt:   time.Now().UTC(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			_ = emitter.Emit(ctx, event)
		}()
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}
