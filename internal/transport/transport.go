// Package transport executes one-shot and streaming HTTP requests on behalf
// of the provider strategy, classifying transport failures as retryable or
// fatal and exposing a cooperative interrupt point for long-running streams.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Request describes a single HTTP call.
type Request struct {
	Method         string
	URL            string
	Body           []byte
	Headers        map[string]string
	ConnectTimeout time.Duration // not read by Do or DoStream; the Client's connect timeout from NewClient applies
	TotalTimeout   time.Duration // not read by Do or DoStream; the Client's total timeout from NewClient applies
}

// Response is the result of a one-shot request.
type Response struct {
	Status          int
	Body            []byte
	ResponseHeaders http.Header
	Duration        time.Duration
	Err             *Error
}

// Error carries a message and whether the retry wrapper should retry it.
type Error struct {
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return e.Message }

// ErrStreamAborted is returned when the caller's progress callback requests
// cancellation mid-stream. Always non-retryable.
var ErrStreamAborted = &Error{Message: "stream aborted by caller", Retryable: false}

// Client executes requests. Each provider variant owns its own Client so
// that HTTP connections are never shared across goroutines per variant.
type Client struct {
	http *http.Client
}

// NewClient builds a transport client with the given total timeout. Connect
// timeout is applied via a custom dialer.
func NewClient(connectTimeout, totalTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	if totalTimeout <= 0 {
		totalTimeout = 300 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		http: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
	}
}

// Close releases idle connections held by the underlying transport.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Do executes a single, non-streaming request.
func (c *Client) Do(ctx context.Context, req Request) *Response {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return &Response{Err: &Error{Message: err.Error(), Retryable: false}}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &Response{Duration: time.Since(start), Err: classifyTransportErr(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Response{Duration: time.Since(start), Err: classifyTransportErr(err)}
	}

	return &Response{
		Status:          resp.StatusCode,
		Body:            body,
		ResponseHeaders: resp.Header,
		Duration:        time.Since(start),
		Err:             classifyStatus(resp.StatusCode),
	}
}

// StreamHandler receives one decoded SSE event at a time. Returning false
// aborts the transfer; the stream ends with ErrStreamAborted.
type StreamHandler func(SSEEvent) bool

// DoStream executes req and feeds decoded SSE events to handler as they
// arrive. The returned Response carries only status/headers/duration/error;
// the body has already been consumed by handler.
func (c *Client) DoStream(ctx context.Context, req Request, handler StreamHandler) *Response {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return &Response{Err: &Error{Message: err.Error(), Retryable: false}}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &Response{Duration: time.Since(start), Err: classifyTransportErr(err)}
	}
	defer resp.Body.Close()

	if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
		payload, _ := io.ReadAll(resp.Body)
		return &Response{
			Status:          resp.StatusCode,
			Body:            payload,
			ResponseHeaders: resp.Header,
			Duration:        time.Since(start),
			Err:             statusErr,
		}
	}

	aborted := false
	decodeErr := DecodeSSE(ctx, resp.Body, func(evt SSEEvent) bool {
		if !handler(evt) {
			aborted = true
			return false
		}
		return true
	})

	result := &Response{
		Status:          resp.StatusCode,
		ResponseHeaders: resp.Header,
		Duration:        time.Since(start),
	}
	switch {
	case aborted:
		result.Err = ErrStreamAborted
	case decodeErr != nil:
		result.Err = classifyTransportErr(decodeErr)
	}
	return result
}

// classifyTransportErr maps a Go transport error to the retryable taxonomy
// in spec §4.1: connect-refused, connect-timeout, total-timeout, read/write
// error, TLS-handshake-error, received-zero-bytes, HTTP/2-stream-reset are
// retryable; a caller-aborted (context-cancelled) transfer is not.
func classifyTransportErr(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Message: "request cancelled", Retryable: false}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Message: "total timeout exceeded", Retryable: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Message: fmt.Sprintf("connect timeout: %v", err), Retryable: true}
	}

	var tlsErr tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return &Error{Message: fmt.Sprintf("tls handshake error: %v", err), Retryable: true}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Message: fmt.Sprintf("received zero bytes: %v", err), Retryable: true}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return &Error{Message: fmt.Sprintf("connect refused: %v", err), Retryable: true}
		}
		return &Error{Message: fmt.Sprintf("read/write error: %v", err), Retryable: true}
	}

	log.Debug().Err(err).Msg("transport: unclassified error treated as retryable")
	return &Error{Message: err.Error(), Retryable: true}
}

// classifyStatus maps an HTTP status to the retryable taxonomy in spec
// §4.1: 429, 408, and 5xx are retryable. 2xx carries no error; 3xx and
// other 4xx statuses carry a non-retryable error.
func classifyStatus(status int) *Error {
	if status >= 200 && status < 300 {
		return nil
	}
	retryable := status == 429 || status == 408 || status >= 500
	return &Error{Message: fmt.Sprintf("http status %d", status), Retryable: retryable}
}

// RetryDelays returns the exponential-backoff schedule for attempt 1..n,
// base*2^(attempt-1), matching the shared retry/backoff state machine of
// §4.2. The delays carry no jitter.
func RetryDelays(base time.Duration, attempts int) []time.Duration {
	delays := make([]time.Duration, attempts)
	d := base
	for i := 0; i < attempts; i++ {
		delays[i] = d
		d *= 2
	}
	return delays
}
