package transport

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// SSEEvent is one decoded Server-Sent Event: the accumulated event name
// (possibly empty) and the concatenated data payload for the event.
type SSEEvent struct {
	Name string
	Data string
}

// DecodeSSE consumes r line by line per the SSE wire format in spec §4.1 and
// §6: lines are terminated by \n or \r\n; `event:` and `data:` fields
// accumulate; a blank line dispatches the accumulated event; comment lines
// (starting with `:`) are ignored. handler is invoked once per dispatched
// event; returning false aborts decoding early (the caller surfaces this as
// ErrStreamAborted). DecodeSSE returns the first scan error encountered, or
// nil on a clean EOF.
func DecodeSSE(ctx context.Context, r io.Reader, handler StreamHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var dataLines []string

	dispatch := func() bool {
		if eventName == "" && len(dataLines) == 0 {
			return true
		}
		evt := SSEEvent{Name: eventName, Data: strings.Join(dataLines, "\n")}
		eventName = ""
		dataLines = nil
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return handler(evt)
	}

	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimSuffix(line, "\r")

		switch {
		case line == "":
			if !dispatch() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// comment, ignored
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// unrecognized field, ignored per spec §4.1
		}
	}

	// Flush a trailing event that wasn't terminated by a final blank line.
	dispatch()

	return scanner.Err()
}
