// Package connector maintains sessions to the external data-connector
// service.
//
// The connector speaks MCP: each brand exposes named tools
// (amazon_get_purchase_history, poll_signin, check_signin) that drive
// real browser automation on the remote side. Calls can run for minutes
// and transports drop under load, so the client carries bounded
// retry-with-reconnect semantics and sessions are pooled per
// (user session, brand) pair.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Defaults for client behavior. CallTimeout is deliberately long: the
// remote side performs live browser automation and a purchase-history
// scrape can legitimately take minutes.
const (
	DefaultCallTimeout = 100 * time.Minute
	DefaultMaxRetries  = 3
	DefaultIdleWindow  = time.Hour
)

// ErrSessionSuperseded reports that a concurrent reconnect replaced the
// session generation an in-flight call was using. The call is treated as
// cancelled rather than retried against a client that changed underneath
// it.
var ErrSessionSuperseded = errors.New("connector session superseded by reconnect")

// TransportFactory produces a fresh transport for each session
// generation. Production uses streamable HTTP transports against the
// connector service; tests inject in-memory transports.
type TransportFactory func(ctx context.Context) (mcp.Transport, error)

// ClientConfig configures a connector session client.
type ClientConfig struct {
	SessionID string
	ClientIP  string
	BrandID   string

	// Transport dials one session generation.
	Transport TransportFactory
	// CallTimeout bounds a single tool call attempt.
	CallTimeout time.Duration
	// MaxRetries bounds reconnect-and-retry cycles per call.
	MaxRetries int
	// IdleWindow is how long a client stays live without tool calls.
	IdleWindow time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
}

// Client wraps one bidirectional connector session for one
// (user session, brand) pair.
//
// Reconnection is modeled with a generation counter: each successful
// connect bumps the generation, and a call that observes a generation
// change mid-flight reports ErrSessionSuperseded instead of retrying.
type Client struct {
	cfg ClientConfig

	mu           sync.Mutex
	session      *mcp.ClientSession
	generation   uint64
	lastAccessed time.Time
}

// NewClient creates an unconnected client. Call Connect before CallTool,
// or let the pool do it.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.With(
		zap.String("session_id", cfg.SessionID),
		zap.String("brand_id", cfg.BrandID),
	)

	return &Client{
		cfg:          cfg,
		lastAccessed: time.Now(),
	}, nil
}

// Connect establishes the first session generation.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil
	}
	return c.dialLocked(ctx)
}

// dialLocked dials a new session and bumps the generation. Caller holds
// the mutex.
func (c *Client) dialLocked(ctx context.Context) error {
	transport, err := c.cfg.Transport(ctx)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "gatherd",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect session: %w", err)
	}

	c.session = session
	c.generation++
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionOpened(ctx)
	}
	c.cfg.Logger.Debug("connector session established",
		zap.Uint64("generation", c.generation))
	return nil
}

// currentSession returns the live session and its generation, dialing
// lazily when no session exists.
func (c *Client) currentSession(ctx context.Context) (*mcp.ClientSession, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		if err := c.dialLocked(ctx); err != nil {
			return nil, 0, err
		}
	}
	return c.session, c.generation, nil
}

// CallTool invokes a named remote operation, reconnecting and retrying
// on failure until the retry budget is exhausted. The last error is
// returned after exhaustion. Every attempt refreshes the idle timestamp.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.touch()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		session, generation, err := c.currentSession(ctx)
		if err != nil {
			lastErr = err
		} else {
			c.cfg.Logger.Info("calling connector tool",
				zap.String("tool", name),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.MaxRetries+1))

			start := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			result, callErr := session.CallTool(callCtx, &mcp.CallToolParams{
				Name:      name,
				Arguments: args,
			})
			cancel()

			if c.cfg.Metrics != nil {
				c.cfg.Metrics.ToolCall(ctx, name, time.Since(start), callErr)
			}
			if callErr == nil {
				return result, nil
			}
			lastErr = callErr

			// A concurrent reconnect invalidated the session this call
			// was using; report cancellation instead of retrying blind.
			if c.currentGeneration() != generation {
				return nil, fmt.Errorf("call tool %s: %w", name, ErrSessionSuperseded)
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > c.cfg.MaxRetries {
			break
		}

		c.cfg.Logger.Warn("tool call failed, reconnecting",
			zap.String("tool", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxRetries+1),
			zap.Error(lastErr))
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Retry(ctx, name)
		}

		if err := c.Reconnect(ctx); err != nil {
			c.cfg.Logger.Warn("reconnect failed", zap.Error(err))
			lastErr = err
		}
	}

	return nil, fmt.Errorf("call tool %s after %d attempts: %w", name, c.cfg.MaxRetries+1, lastErr)
}

// Reconnect closes the current session (close errors suppressed) and
// dials a new generation.
func (c *Client) Reconnect(ctx context.Context) error {
	c.touch()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.cfg.Logger.Debug("closing stale session", zap.Error(err))
		}
		c.session = nil
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SessionClosed(ctx)
		}
	}
	return c.dialLocked(ctx)
}

// Close closes the underlying session, best effort.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionClosed(context.Background())
	}
	if err != nil {
		c.cfg.Logger.Debug("session close", zap.Error(err))
	}
	return nil
}

// Expired reports whether the client has been idle past its window.
func (c *Client) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastAccessed) > c.cfg.IdleWindow
}

// Generation returns the current session generation.
func (c *Client) Generation() uint64 {
	return c.currentGeneration()
}

func (c *Client) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastAccessed = time.Now()
	c.mu.Unlock()
}

// StreamableTransportFactory dials the connector service over streamable
// HTTP. The brand's sub-path selects the connector vertical
// (mcp-shopping, mcp-books); caller metadata rides along as headers on
// every request: the custom app identifier, the caller's location as
// JSON, and the anonymization flag.
func StreamableTransportFactory(baseURL, urlPath string, headers map[string]string) TransportFactory {
	endpoint := baseURL + "/" + urlPath
	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: headers,
			base:    http.DefaultTransport,
		},
	}
	return func(ctx context.Context) (mcp.Transport, error) {
		return &mcp.StreamableClientTransport{
			Endpoint:   endpoint,
			HTTPClient: httpClient,
		}, nil
	}
}

// headerTransport stamps fixed headers onto every outbound request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			clone.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(clone)
}
