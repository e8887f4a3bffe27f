// Package agenterr defines the error taxonomy surfaced by the agent loop,
// provider strategy, and MCP client to the UI event sink.
package agenterr

import "fmt"

// Retryable is implemented by the errors in this package that can reach the
// retry wrapper (transport, provider HTTP, context-length, auth, invalid
// response, interrupted) so it can classify failures without resorting to
// string matching. ToolError, MCPError and ConfigError do not implement it.
type Retryable interface {
	error
	Retryable() bool
}

// TransportError wraps a network, TLS, or unexpected-EOF failure from the
// HTTP transport.
type TransportError struct {
	Message   string
	retryable bool
}

func NewTransportError(message string, retryable bool) *TransportError {
	return &TransportError{Message: message, retryable: retryable}
}

func (e *TransportError) Error() string   { return "transport error: " + e.Message }
func (e *TransportError) Retryable() bool { return e.retryable }

// ProviderHTTPError wraps a non-2xx response from a provider.
type ProviderHTTPError struct {
	Status    int
	Message   string
	retryable bool
}

func NewProviderHTTPError(status int, message string) *ProviderHTTPError {
	return &ProviderHTTPError{
		Status:    status,
		Message:   message,
		retryable: status == 429 || status == 408 || status >= 500,
	}
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("provider http error %d: %s", e.Status, e.Message)
}
func (e *ProviderHTTPError) Retryable() bool { return e.retryable }

// ContextLengthExceededError is the model-specific token-limit error.
// Always non-retryable, so UIs can advise the user to start a fresh session.
type ContextLengthExceededError struct {
	Message string
}

func (e *ContextLengthExceededError) Error() string {
	return "context length exceeded: " + e.Message
}
func (e *ContextLengthExceededError) Retryable() bool { return false }

// AuthError is Bedrock's distinguished auth failure. Refreshed=true signals
// the retry policy should attempt one more call without consuming the
// attempt budget.
type AuthError struct {
	Message   string
	Refreshed bool
}

func (e *AuthError) Error() string   { return "auth error: " + e.Message }
func (e *AuthError) Retryable() bool { return e.Refreshed }

// InvalidResponseError marks a wire response that didn't contain the
// expected shape (no choices, no message, ...). Always non-retryable.
type InvalidResponseError struct {
	Message string
}

func (e *InvalidResponseError) Error() string   { return "invalid response: " + e.Message }
func (e *InvalidResponseError) Retryable() bool { return false }

// ToolError wraps a tool execution failure. Never ends the turn; it is
// materialized as a tool-result message with IsError=true.
type ToolError struct {
	ToolName string
	Message  string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q error: %s", e.ToolName, e.Message)
}

// MCPError wraps an MCP server failure. Surfaced to the model as a ToolError.
type MCPError struct {
	ServerName string
	Message    string
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("mcp server %q error: %s", e.ServerName, e.Message)
}

// AsToolError converts an MCPError into the ToolError shape the dispatcher
// feeds back to the model.
func (e *MCPError) AsToolError(toolName string) *ToolError {
	return &ToolError{ToolName: toolName, Message: e.Error()}
}

// InterruptedError marks a user-initiated cancellation. Non-retryable and
// terminal for the turn.
type InterruptedError struct{}

func (e *InterruptedError) Error() string   { return "interrupted" }
func (e *InterruptedError) Retryable() bool { return false }

// ConfigError marks an initialization problem (missing API key, bad
// endpoint). Surfaced once at startup.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "config error: " + e.Message }

// IsRetryable reports whether err should be retried by the backoff state
// machine. Errors that don't implement Retryable are treated as fatal.
func IsRetryable(err error) bool {
	if r, ok := err.(Retryable); ok {
		return r.Retryable()
	}
	return false
}
