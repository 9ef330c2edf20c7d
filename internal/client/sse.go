// ABOUTME: Server-Sent Events frame reader
// ABOUTME: Accumulates event/data lines and emits one callback per blank-line terminated frame

package client

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxFrameSize bounds a single SSE line.
const maxFrameSize = 4 << 20

// ReadSSE parses an event stream from r, calling fn for every frame with a
// data field. Frames without an event field have event "message". Returning
// an error from fn stops the read and returns that error; io.EOF from fn
// stops cleanly.
func ReadSSE(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var event string
	var data bytes.Buffer
	hasData := false

	dispatch := func() error {
		defer func() {
			event = ""
			data.Reset()
			hasData = false
		}()
		if !hasData {
			return nil
		}
		name := event
		if name == "" {
			name = "message"
		}
		return fn(name, bytes.Clone(data.Bytes()))
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := dispatch(); err != nil && err != io.EOF {
		return err
	}
	return nil
}
