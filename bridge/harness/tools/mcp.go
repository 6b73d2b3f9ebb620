package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	internal "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/config"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

const maxToolNameLength = 64

// ErrToolReportedError marks a call the MCP server completed with isError set.
var ErrToolReportedError = errors.New("mcp tool reported an error")

// MCPOption configures an MCPSource.
type MCPOption func(*MCPSource)

// WithMCPLogger sets the logger.
func WithMCPLogger(logger zerolog.Logger) MCPOption {
	return func(s *MCPSource) { s.logger = logger }
}

// WithConnectTimeout bounds each server's handshake.
func WithConnectTimeout(d time.Duration) MCPOption {
	return func(s *MCPSource) { s.connectTimeout = d }
}

// WithCallAttempts sets how many times a call failing at the transport level is tried.
func WithCallAttempts(n uint, delay time.Duration) MCPOption {
	return func(s *MCPSource) {
		s.callAttempts = max(n, 1)
		s.callDelay = delay
	}
}

type mcpServer struct {
	name    string
	cfg     config.MCPServerConfig
	session *sdkmcp.ClientSession
}

// MCPSource connects to MCP servers and exposes their tools to a Registry.
type MCPSource struct {
	client         *sdkmcp.Client
	logger         zerolog.Logger
	connectTimeout time.Duration
	callAttempts   uint
	callDelay      time.Duration

	mu      sync.Mutex
	servers map[string]*mcpServer
}

// NewMCPSource creates a source with no connected servers.
func NewMCPSource(opts ...MCPOption) *MCPSource {
	s := &MCPSource{
		client:         sdkmcp.NewClient(&sdkmcp.Implementation{Name: internal.DefaultAppName, Version: "v1.0.0"}, nil),
		logger:         zerolog.Nop(),
		connectTimeout: 30 * time.Second,
		callAttempts:   2,
		callDelay:      time.Second,
		servers:        make(map[string]*mcpServer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectAll connects every enabled server concurrently. A server that fails to start
// is logged and skipped; the returned error joins all such failures.
func (s *MCPSource) ConnectAll(ctx context.Context, servers map[string]config.MCPServerConfig) error {
	names := make([]string, 0, len(servers))
	for name, cfg := range servers {
		if cfg.Disabled {
			s.logger.Debug().Str("server", name).Msg("MCP server disabled; skipping")
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	p := pool.New().WithErrors().WithContext(ctx)
	for _, name := range names {
		cfg := servers[name]
		p.Go(func(ctx context.Context) error {
			if err := s.Connect(ctx, name, cfg); err != nil {
				s.logger.Error().Err(err).Str("server", name).Msg("Failed to initialize MCP server")
				return err
			}
			return nil
		})
	}
	return p.Wait()
}

// Connect starts or dials one server and performs the MCP handshake.
func (s *MCPSource) Connect(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	transport, err := newMCPTransport(cfg)
	if err != nil {
		return fmt.Errorf("mcp server %q: %w", name, err)
	}
	return s.ConnectTransport(ctx, name, cfg, transport)
}

// ConnectTransport performs the handshake over an already constructed transport.
func (s *MCPSource) ConnectTransport(ctx context.Context, name string, cfg config.MCPServerConfig, transport sdkmcp.Transport) error {
	s.mu.Lock()
	_, exists := s.servers[name]
	s.mu.Unlock()
	if exists {
		return fmt.Errorf("mcp server %q already connected", name)
	}

	connectCtx := ctx
	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}

	session, err := s.client.Connect(connectCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect mcp server %q: %w", name, err)
	}

	if init := session.InitializeResult(); init != nil && init.ServerInfo != nil {
		s.logger.Info().
			Str("server", name).
			Str("protocol", init.ProtocolVersion).
			Str("implementation", init.ServerInfo.Name).
			Msg("MCP server initialized")
	}

	s.mu.Lock()
	s.servers[name] = &mcpServer{name: name, cfg: cfg, session: session}
	s.mu.Unlock()
	return nil
}

// Servers returns the names of connected servers in sorted order.
func (s *MCPSource) Servers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register lists the tools of every connected server and adds them to reg as
// "<server>_<tool>". It returns the number of tools registered.
func (s *MCPSource) Register(ctx context.Context, reg *harness.Registry) (int, error) {
	count := 0
	for _, name := range s.Servers() {
		s.mu.Lock()
		srv := s.servers[name]
		s.mu.Unlock()

		result, err := srv.session.ListTools(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("mcp server %q: tools/list: %w", name, err)
		}

		for _, tool := range result.Tools {
			def, err := s.definition(srv, tool)
			if err != nil {
				return count, err
			}
			if err := reg.Register(def); err != nil {
				return count, fmt.Errorf("mcp server %q: %w", name, err)
			}
			count++
		}
		s.logger.Info().Str("server", name).Int("tools", len(result.Tools)).Msg("MCP tools registered")
	}
	return count, nil
}

func (s *MCPSource) definition(srv *mcpServer, tool *sdkmcp.Tool) (harness.ToolDefinition, error) {
	schema, err := inputSchema(tool.InputSchema)
	if err != nil {
		return harness.ToolDefinition{}, fmt.Errorf("mcp tool %s/%s: %w", srv.name, tool.Name, err)
	}

	description := strings.TrimSpace(tool.Description)
	if description == "" {
		description = fmt.Sprintf("Tool %s provided by MCP server %s", tool.Name, srv.name)
	}

	return harness.ToolDefinition{
		Name:         ToolName(srv.name, tool.Name),
		Description:  description,
		Schema:       schema,
		Handler:      &mcpHandler{source: s, server: srv, remote: tool.Name},
		NonReentrant: srv.cfg.NonReentrant,
		ResourceKey:  "mcp:" + srv.name,
		Timeout:      srv.cfg.Timeout,
	}, nil
}

// Close ends every session. Stdio servers are terminated with their session.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	servers := s.servers
	s.servers = make(map[string]*mcpServer)
	s.mu.Unlock()

	var errs []error
	for name, srv := range servers {
		if err := srv.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

type mcpHandler struct {
	source *MCPSource
	server *mcpServer
	remote string
}

// Invoke forwards the call and returns the server's text content, decoded as JSON
// when it is valid JSON.
func (h *mcpHandler) Invoke(ctx context.Context, args ports.Value) (any, error) {
	var arguments map[string]any
	switch args.Kind() {
	case ports.KindNull:
		arguments = map[string]any{}
	case ports.KindMap:
		arguments, _ = args.Interface().(map[string]any)
	default:
		return nil, fmt.Errorf("mcp tool arguments must be an object, got %s", args.Kind())
	}

	logger := h.source.logger.With().Str("server", h.server.name).Str("tool", h.remote).Logger()
	op := func() (string, error) {
		result, err := h.server.session.CallTool(ctx, &sdkmcp.CallToolParams{
			Name:      h.remote,
			Arguments: arguments,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", fmt.Errorf("tools/call %s: %w", h.remote, err)
		}
		text := extractText(result)
		if result.IsError {
			return "", backoff.Permanent(fmt.Errorf("%w: %s", ErrToolReportedError, text))
		}
		return text, nil
	}

	text, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(h.source.callDelay)),
		backoff.WithMaxTries(h.attempts()),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("MCP tool call failed; retrying")
		}),
	)
	if err != nil {
		return nil, err
	}

	if trimmed := strings.TrimSpace(text); trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	return text, nil
}

// attempts is how often a call failing at the transport level is tried. A failed call
// may still have run on the server, so tools with side effects get a single attempt.
func (h *mcpHandler) attempts() uint {
	if h.server.cfg.NonReentrant {
		return 1
	}
	return h.source.callAttempts
}

func newMCPTransport(cfg config.MCPServerConfig) (sdkmcp.Transport, error) {
	switch {
	case cfg.URL != "":
		client := &http.Client{}
		if len(cfg.Headers) > 0 {
			headers, err := splitPairs(cfg.Headers)
			if err != nil {
				return nil, fmt.Errorf("headers: %w", err)
			}
			client.Transport = &headerTransport{headers: headers, base: http.DefaultTransport}
		}
		return &sdkmcp.StreamableClientTransport{
			Endpoint:             cfg.URL,
			HTTPClient:           client,
			DisableStandaloneSSE: true,
		}, nil
	case cfg.Command != "":
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			if _, err := splitPairs(cfg.Env); err != nil {
				return nil, fmt.Errorf("env: %w", err)
			}
			cmd.Env = append(os.Environ(), cfg.Env...)
		}
		return &sdkmcp.CommandTransport{Command: cmd}, nil
	default:
		return nil, errors.New("either command or url is required")
	}
}

func splitPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", pair)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// inputSchema converts an MCP tool schema to raw JSON. A missing schema accepts any
// object. The $schema keyword is dropped since servers may declare drafts the
// validator does not know.
func inputSchema(schema any) ([]byte, error) {
	if schema == nil {
		return []byte(`{"type":"object","properties":{}}`), nil
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var node map[string]any
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("input schema is not an object: %w", err)
	}
	delete(node, "$schema")
	if _, ok := node["type"]; !ok {
		node["type"] = "object"
	}
	return json.Marshal(node)
}

func extractText(result *sdkmcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case *sdkmcp.TextContent:
			parts = append(parts, c.Text)
		case *sdkmcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *sdkmcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio: %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *sdkmcp.ResourceLink:
			parts = append(parts, fmt.Sprintf("[resource_link: %s]", c.URI))
		case *sdkmcp.EmbeddedResource:
			if c.Resource != nil {
				if c.Resource.Text != "" {
					parts = append(parts, c.Resource.Text)
				} else {
					parts = append(parts, fmt.Sprintf("[embedded resource: %s]", c.Resource.URI))
				}
			}
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolName builds the registry name "<server>_<tool>". Characters outside
// [A-Za-z0-9_.-] become '_'; names longer than 64 bytes are cut and suffixed with a
// hash of the full name so distinct tools stay distinct.
func ToolName(server, tool string) string {
	full := server + "_" + tool

	var b strings.Builder
	lossy := false
	lastUnderscore := false
	for _, r := range full {
		ok := r == '_' || r == '-' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			r = '_'
			lossy = true
		}
		if r == '_' && lastUnderscore {
			lossy = true
			continue
		}
		lastUnderscore = r == '_'
		b.WriteRune(r)
	}
	name := b.String()

	if !lossy && len(name) <= maxToolNameLength {
		return name
	}

	h := fnv.New32a()
	h.Write([]byte(full))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	if len(name)+len(suffix) > maxToolNameLength {
		name = name[:maxToolNameLength-len(suffix)]
	}
	return name + suffix
}
