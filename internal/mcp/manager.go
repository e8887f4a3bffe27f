package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// toolPrefix is the separator used to namespace an upstream server's tools,
// e.g. server "git" tool "status" becomes "mcp_git_status".
const toolPrefix = "mcp_"

// Manager implements UpstreamClient by multiplexing one or more stdio MCP
// servers behind a single client, so Proxy never needs to know whether it is
// talking to one server or many. Spec §4.3's "mcp_<server>_<tool>" name
// prefixing happens entirely inside ListTools/CallTool here.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*StdioClient
	// order records registration order (LoadServersFile registers servers
	// sorted by name) for deterministic tool listing and prefix resolution.
	order []string
}

// NewManager creates an empty Manager; use Add to populate it, or build one
// from a servers file with LoadServersFile.
func NewManager() *Manager {
	return &Manager{clients: make(map[string]*StdioClient)}
}

// LoadServersFile reads a ServersFile JSON document (the
// {"mcpServers": {...}} shape) from path and registers a StdioClient for
// each entry, but does not connect them yet.
func LoadServersFile(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read servers file %q: %w", path, err)
	}
	var file ServersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parse servers file %q: %w", path, err)
	}

	m := NewManager()
	names := make([]string, 0, len(file.MCPServers))
	for name := range file.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := file.MCPServers[name]
		cfg.Name = name
		m.Add(cfg)
	}
	return m, nil
}

// Add registers a server config under the manager without connecting it.
func (m *Manager) Add(cfg ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[cfg.Name]; exists {
		return
	}
	m.clients[cfg.Name] = NewStdioClient(cfg)
	m.order = append(m.order, cfg.Name)
}

// ServerNames returns the registered server names in registration order.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Initialize connects and handshakes every registered server. A server that
// fails to start is logged and skipped rather than failing the whole
// manager, so one misconfigured MCP server doesn't take down every tool.
func (m *Manager) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	var started int
	var lastErr error
	for _, name := range names {
		m.mu.RLock()
		client := m.clients[name]
		m.mu.RUnlock()

		if err := client.Connect(ctx); err != nil {
			log.Warn().Str("server", name).Err(err).Msg("mcp: failed to start server, skipping")
			lastErr = err
			continue
		}
		if _, err := client.Initialize(ctx, clientInfo); err != nil {
			log.Warn().Str("server", name).Err(err).Msg("mcp: handshake failed, skipping")
			client.Close()
			lastErr = err
			continue
		}
		started++
	}

	if started == 0 && len(names) > 0 {
		return nil, fmt.Errorf("mcp: no servers started successfully: %w", lastErr)
	}
	result, _ := NewResponse(nil, map[string]interface{}{"serversStarted": started, "serversConfigured": len(names)})
	return result, nil
}

// ListTools aggregates tools/list across every connected server, prefixing
// each tool name with "mcp_<server>_" so CallTool can route unambiguously.
func (m *Manager) ListTools(ctx context.Context) ([]Tool, error) {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	var out []Tool
	for _, name := range names {
		m.mu.RLock()
		client := m.clients[name]
		m.mu.RUnlock()

		if !client.Connected() {
			continue
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			log.Warn().Str("server", name).Err(err).Msg("mcp: tools/list failed")
			continue
		}
		for _, t := range tools {
			t.Name = toolPrefix + name + "_" + t.Name
			out = append(out, t)
		}
	}
	return out, nil
}

// CallTool resolves the target server by matching the longest registered
// server-name prefix against name, then dispatches the unprefixed tool name
// to that server. Resolving by registered names (rather than splitting on
// underscores) avoids ambiguity when server or tool names contain "_".
func (m *Manager) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	client, unprefixed, err := m.resolve(name)
	if err != nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return client.CallTool(ctx, unprefixed, arguments)
}

func (m *Manager) resolve(name string) (*StdioClient, string, error) {
	if !strings.HasPrefix(name, toolPrefix) {
		return nil, "", fmt.Errorf("mcp: tool %q is not a namespaced mcp tool", name)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var best string
	for _, serverName := range m.order {
		candidate := toolPrefix + serverName + "_"
		if strings.HasPrefix(name, candidate) && len(candidate) > len(best) {
			best = candidate
		}
	}
	if best == "" {
		return nil, "", fmt.Errorf("mcp: no server matches tool %q", name)
	}
	serverName := best[len(toolPrefix) : len(best)-1]
	return m.clients[serverName], strings.TrimPrefix(name, best), nil
}

// ListResources aggregates resources/list across every connected server.
func (m *Manager) ListResources(ctx context.Context) (map[string][]Resource, error) {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	out := make(map[string][]Resource)
	for _, name := range names {
		m.mu.RLock()
		client := m.clients[name]
		m.mu.RUnlock()
		if !client.Connected() {
			continue
		}
		resources, err := client.ListResources(ctx)
		if err != nil {
			log.Debug().Str("server", name).Err(err).Msg("mcp: resources/list unsupported or failed")
			continue
		}
		out[name] = resources
	}
	return out, nil
}

// ReadResource reads a resource from the named server.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) ([]ResourceContent, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q", server)
	}
	return client.ReadResource(ctx, uri)
}

// Close shuts down every connected server.
func (m *Manager) Close() error {
	m.mu.RLock()
	clients := make([]*StdioClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
