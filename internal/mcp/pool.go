package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

// DialFunc creates an unstarted client for a server URL.
type DialFunc func(url string) (*mcpclient.Client, error)

// Config holds the tool client pool configuration.
type Config struct {
	// ClientName is reported to servers during initialize.
	// Default: ragbench
	ClientName string `yaml:"client_name"`

	// Timeout bounds each HTTP request to a server.
	// Default: 60s
	Timeout time.Duration `yaml:"timeout"`

	// Headers are sent with every request, e.g. for bearer auth.
	Headers map[string]string `yaml:"headers"`
}

// Pool keeps one connected client per server URL. Clients are created on
// first use and live until Close.
type Pool struct {
	config  Config
	version string
	dial    DialFunc
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the transport selection.
func WithDialer(dial DialFunc) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// NewPool creates an empty pool.
func NewPool(cfg Config, version string, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "ragbench"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	p := &Pool{
		config:  cfg,
		version: version,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
	p.dial = p.dialHTTP
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// dialHTTP uses the SSE transport for URLs ending in /sse and streamable
// HTTP otherwise.
func (p *Pool) dialHTTP(url string) (*mcpclient.Client, error) {
	if strings.HasSuffix(strings.TrimRight(url, "/"), "/sse") {
		return mcpclient.NewSSEMCPClient(url, transport.WithHeaders(p.config.Headers))
	}
	return mcpclient.NewStreamableHttpClient(url,
		transport.WithHTTPTimeout(p.config.Timeout),
		transport.WithHTTPHeaders(p.config.Headers),
	)
}

// Get returns the connected client for url, connecting on first use. A
// failed connection is not cached.
func (p *Pool) Get(ctx context.Context, url string) (*Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("mcp server url is empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[url]; ok {
		return c, nil
	}

	conn, err := p.dial(url)
	if err != nil {
		return nil, fmt.Errorf("create mcp client for %s: %w", url, err)
	}
	c := NewClient(url, conn, p.logger)
	if err := c.Connect(ctx, p.config.ClientName, p.version); err != nil {
		return nil, fmt.Errorf("connect to mcp server %s: %w", url, err)
	}
	p.clients[url] = c
	p.logger.Info("tool server ready", "url", url, "tools", len(c.Tools()))
	return c, nil
}

// URLs returns the connected server URLs in sorted order.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, 0, len(p.clients))
	for u := range p.clients {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// Close disconnects from every server.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for url, c := range p.clients {
		if err := c.Close(); err != nil {
			p.logger.Error("failed to close MCP client", "server", url, "error", err)
			errs = append(errs, err)
		}
		delete(p.clients, url)
	}
	return errors.Join(errs...)
}
