package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"
)

// StatusRecorder remembers the status code and body size of a response. It
// passes Flush and Hijack through so SSE and WebSocket handlers keep working.
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int64
	FirstWrite   time.Time
	Hijacked     bool
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w}
}

func (w *StatusRecorder) markWrite() {
	if w.FirstWrite.IsZero() {
		w.FirstWrite = time.Now()
	}
}

func (w *StatusRecorder) WriteHeader(statusCode int) {
	w.markWrite()
	if w.StatusCode == 0 {
		w.StatusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	w.markWrite()
	if w.StatusCode == 0 {
		w.StatusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

func (w *StatusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("the ResponseWriter doesn't support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		w.Hijacked = true
		if w.StatusCode == 0 {
			w.StatusCode = http.StatusSwitchingProtocols
		}
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *StatusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
