// ABOUTME: Server-sent event framing for stream responses
// ABOUTME: One event per update: "event: <kind>" then "data: <json>" and a blank line

package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WriteSSE writes one event. data is JSON-encoded on a single line.
func WriteSSE(w io.Writer, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode sse data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// PrepareSSE sets the stream headers and flushes them. It reports false if
// w cannot stream.
func PrepareSSE(w http.ResponseWriter) bool {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return true
}
