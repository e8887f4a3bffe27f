package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// callSlice and callSlices compose the per-call timeout into 50 100ms slices
// rather than one opaque 5s timer, so a cancelled ctx or a log-worthy slow
// server is observed well before the deadline.
const (
	callSlice  = 100 * time.Millisecond
	callSlices = 50
)

// shutdownSlice and shutdownSlices bound how long Close waits for the child
// to exit after SIGTERM before escalating to SIGKILL.
const (
	shutdownSlice  = 100 * time.Millisecond
	shutdownSlices = 20
)

// StdioClient is an MCP client that speaks JSON-RPC 2.0 over a spawned
// child process's stdin/stdout, per the stdio transport in spec §4.3.
type StdioClient struct {
	name   string
	config ServerConfig

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	logFile *os.File

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	events chan *Notification

	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewStdioClient creates a stdio client for one configured MCP server. The
// child process is not started until Connect is called.
func NewStdioClient(cfg ServerConfig) *StdioClient {
	return &StdioClient{
		name:    cfg.Name,
		config:  cfg,
		pending: make(map[int64]chan *Response),
		events:  make(chan *Notification, 64),
		stopCh:  make(chan struct{}),
	}
}

// Connect forks the configured command, wires up stdio pipes, opens the
// per-server log file, and starts the reader and stderr-drain goroutines.
func (c *StdioClient) Connect(ctx context.Context) error {
	if c.config.Command == "" {
		return fmt.Errorf("mcp server %q: command is required", c.name)
	}

	c.process = exec.Command(c.config.Command, c.config.Args...)
	c.process.Env = os.Environ()
	for k, v := range c.config.Env {
		c.process.Env = append(c.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if c.config.WorkDir != "" {
		c.process.Dir = c.config.WorkDir
	}

	var err error
	c.stdin, err = c.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp server %q: stdin pipe: %w", c.name, err)
	}

	stdout, err := c.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp server %q: stdout pipe: %w", c.name, err)
	}
	c.stdout = bufio.NewScanner(stdout)
	c.stdout.Buffer(make([]byte, 64*1024), 1024*1024)

	stderr, err := c.process.StderrPipe()
	if err != nil {
		return fmt.Errorf("mcp server %q: stderr pipe: %w", c.name, err)
	}

	if c.logFile, err = openServerLog(c.name); err != nil {
		log.Warn().Str("server", c.name).Err(err).Msg("mcp: could not open server log file, stderr will be discarded")
	}

	if err := c.process.Start(); err != nil {
		return fmt.Errorf("mcp server %q: start: %w", c.name, err)
	}
	c.connected.Store(true)

	log.Info().Str("server", c.name).Str("command", c.config.Command).Int("pid", c.process.Process.Pid).Msg("mcp: server started")

	c.wg.Add(2)
	go c.readLoop()
	go c.drainStderr(stderr)

	return nil
}

// openServerLog opens (creating parent dirs) ./.claude-c/mcp/<name>.log for
// append, matching the per-server stderr log location in spec §4.3.
func openServerLog(name string) (*os.File, error) {
	dir := filepath.Join(".claude-c", "mcp")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// readLoop reads newline-delimited JSON-RPC messages from the child's
// stdout and routes them to pending callers or the notification channel.
func (c *StdioClient) readLoop() {
	defer c.wg.Done()
	defer c.connected.Store(false)

	for c.stdout.Scan() {
		select {
		case <-c.stopCh:
			return
		default:
		}
		line := c.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		c.processLine(line)
	}
	if err := c.stdout.Err(); err != nil {
		log.Warn().Str("server", c.name).Err(err).Msg("mcp: stdout scanner error")
	}
}

func (c *StdioClient) processLine(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
		id, ok := toInt64(resp.ID)
		if !ok {
			log.Warn().Str("server", c.name).Interface("id", resp.ID).Msg("mcp: unexpected response id type")
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
		return
	}

	var notif Notification
	if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
		select {
		case c.events <- &notif:
		default:
			log.Warn().Str("server", c.name).Msg("mcp: notification channel full, dropping")
		}
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// drainStderr copies the child's stderr into the per-server log file line
// by line for the lifetime of the process.
func (c *StdioClient) drainStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if c.logFile == nil {
			continue
		}
		line := append(bytes.TrimRight(scanner.Bytes(), "\r\n"), '\n')
		if _, err := c.logFile.Write(line); err != nil {
			log.Debug().Str("server", c.name).Err(err).Msg("mcp: failed writing server log")
		}
	}
}

// Call sends a JSON-RPC request and waits for the matching response, or
// times out after 50 100ms slices (5s total), checking ctx cancellation at
// each slice boundary.
func (c *StdioClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("mcp server %q: not connected", c.name)
	}

	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: build request: %w", c.name, err)
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: marshal request: %w", c.name, err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("mcp server %q: write request: %w", c.name, err)
	}

	for i := 0; i < callSlices; i++ {
		select {
		case resp := <-respCh:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stopCh:
			return nil, fmt.Errorf("mcp server %q: closed", c.name)
		case <-time.After(callSlice):
			// Next slice; loop re-checks ctx/stop without losing respCh.
		}
	}
	return nil, fmt.Errorf("mcp server %q: request %q timed out after %v", c.name, method, callSlice*callSlices)
}

// Notify sends a JSON-RPC notification; no response is expected.
func (c *StdioClient) Notify(ctx context.Context, method string, params interface{}) error {
	if !c.connected.Load() {
		return fmt.Errorf("mcp server %q: not connected", c.name)
	}
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp server %q: marshal params: %w", c.name, err)
		}
		notif.Params = data
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("mcp server %q: marshal notification: %w", c.name, err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp server %q: write notification: %w", c.name, err)
	}
	return nil
}

// Events returns server-initiated notifications (e.g. tools/list_changed).
func (c *StdioClient) Events() <-chan *Notification { return c.events }

// Initialize performs the MCP handshake: an "initialize" call followed by
// a "notifications/initialized" notification, per spec §4.3.
func (c *StdioClient) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}
	resp, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: initialize: %w", c.name, err)
	}
	if resp.Error != nil {
		return resp, nil
	}
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("mcp server %q: send initialized: %w", c.name, err)
	}
	return resp, nil
}

// ListTools requests tools/list from the server.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp server %q: %s", c.name, resp.Error.Message)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp server %q: unmarshal tools: %w", c.name, err)
	}
	return result.Tools, nil
}

// CallTool invokes tools/call on the server.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	var argsJSON json.RawMessage
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("mcp server %q: marshal arguments: %w", c.name, err)
		}
		argsJSON = data
	}
	resp, err := c.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: argsJSON})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}
	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp server %q: unmarshal result: %w", c.name, err)
	}
	return &result, nil
}

// ListResources requests resources/list from the server.
func (c *StdioClient) ListResources(ctx context.Context) ([]Resource, error) {
	resp, err := c.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp server %q: %s", c.name, resp.Error.Message)
	}
	var result ListResourcesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp server %q: unmarshal resources: %w", c.name, err)
	}
	return result.Resources, nil
}

// ReadResource requests resources/read for one URI.
func (c *StdioClient) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	resp, err := c.Call(ctx, "resources/read", ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp server %q: %s", c.name, resp.Error.Message)
	}
	var result ReadResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp server %q: unmarshal resource contents: %w", c.name, err)
	}
	return result.Contents, nil
}

// Connected reports whether the child process is currently running.
func (c *StdioClient) Connected() bool { return c.connected.Load() }

// Close shuts the child process down gracefully: SIGTERM, then a
// WNOHANG-style non-blocking poll for exit, escalating to SIGKILL if the
// process is still alive once the shutdown window elapses.
func (c *StdioClient) Close() error {
	if !c.connected.CompareAndSwap(true, false) {
		close(c.stopCh)
		c.wg.Wait()
		return nil
	}
	close(c.stopCh)

	if c.stdin != nil {
		c.stdin.Close()
	}

	if c.process == nil || c.process.Process == nil {
		c.wg.Wait()
		return nil
	}

	exited := make(chan error, 1)
	go func() { exited <- c.process.Wait() }()

	c.process.Process.Signal(syscall.SIGTERM)

	for i := 0; i < shutdownSlices; i++ {
		select {
		case <-exited:
			c.wg.Wait()
			if c.logFile != nil {
				c.logFile.Close()
			}
			return nil
		case <-time.After(shutdownSlice):
			// Poll again next slice (emulates a WNOHANG wait loop).
		}
	}

	log.Warn().Str("server", c.name).Msg("mcp: server did not exit after SIGTERM, sending SIGKILL")
	c.process.Process.Signal(syscall.SIGKILL)
	<-exited

	c.wg.Wait()
	if c.logFile != nil {
		c.logFile.Close()
	}
	return nil
}
