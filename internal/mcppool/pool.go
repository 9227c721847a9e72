// Package mcppool owns the lifecycle of every MCP server connection:
// bounded parallel startup, the capability handshake, explicit reconnect,
// call dispatch with timeout accounting, and graceful shutdown.
package mcppool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lydakis/toolgate/internal/config"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// Status is the lifecycle state of one connection.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusDegraded   Status = "degraded"
	StatusClosed     Status = "closed"
)

var (
	ErrUnknownServer = errors.New("unknown server")
	ErrNotReady      = errors.New("connection not ready")
	ErrShutdown      = errors.New("connection pool is shut down")
)

// Handshake stages reported in ConnectError.
const (
	StagePreflight  = "preflight"
	StageTransport  = "transport"
	StageInitialize = "initialize"
	StageListTools  = "list_tools"
)

// ConnectError explains why a connection did not become ready.
type ConnectError struct {
	Server string
	Stage  string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %s: %v", e.Server, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Failure pairs a server name with the cause of its connection failure.
type Failure struct {
	Name string
	Err  error
}

// ConnectReport is the outcome of ConnectAll. Partial success is normal.
type ConnectReport struct {
	Ready  []string
	Failed []Failure
}

// Info is a point-in-time view of one connection.
type Info struct {
	Name                string
	Transport           string
	Status              Status
	Tools               []mcp.Tool
	LastError           string
	ConsecutiveTimeouts int
	ConnectedAt         time.Time
}

type conn struct {
	cfg         config.ServerConfig
	status      Status
	client      *connection
	tools       []mcp.Tool
	lastErr     error
	timeouts    int
	connectedAt time.Time
	// gen changes on every (re)connect so late results from an older
	// connection never touch the state of its replacement.
	gen uint64
}

// Pool manages the MCP server connections declared in config.
type Pool struct {
	servers     []config.ServerConfig
	parallelism int
	grace       time.Duration
	logger      *slog.Logger

	dial      func(ctx context.Context, srv config.ServerConfig) (*connection, error)
	preflight func(srv config.ServerConfig) error

	mu        sync.Mutex
	conns     map[string]*conn
	listeners []func()
	shutdown  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDialer replaces the stdio/HTTP transports, e.g. with in-process servers.
func WithDialer(d Dialer) Option {
	return func(p *Pool) {
		if d != nil {
			p.dial = dialWith(d)
			p.preflight = func(config.ServerConfig) error { return nil }
		}
	}
}

// New creates a pool for cfg's servers. No connection is attempted until
// ConnectAll is called.
func New(cfg *config.Config, opts ...Option) *Pool {
	if cfg == nil {
		cfg = &config.Config{}
	}
	p := &Pool{
		servers:     append([]config.ServerConfig(nil), cfg.Servers...),
		parallelism: cfg.ConnectParallelismOrDefault(),
		grace:       cfg.ShutdownGraceDuration(),
		logger:      slog.Default(),
		dial:        dialDefault,
		preflight:   Preflight,
		conns:       make(map[string]*conn, len(cfg.Servers)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "mcppool")
	for _, srv := range p.servers {
		p.conns[srv.Name] = &conn{cfg: srv, status: StatusClosed}
	}
	return p
}

// ConnectAll connects every declared server concurrently, bounded by the
// configured parallelism. One server failing never blocks or aborts others.
func (p *Pool) ConnectAll(ctx context.Context) ConnectReport {
	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for _, srv := range p.servers {
		g.Go(func() error {
			_ = p.connect(ctx, srv)
			return nil
		})
	}
	_ = g.Wait()

	p.notify()
	return p.report()
}

// Reconnect closes the named connection and connects it afresh. It is the
// only retry path: failed connections are never retried implicitly.
func (p *Pool) Reconnect(ctx context.Context, name string) (Info, error) {
	srv, ok := p.server(name)
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}

	err := p.connect(ctx, srv)
	if !errors.Is(err, ErrShutdown) {
		p.notify()
	}
	info, _ := p.Info(name)
	return info, err
}

func (p *Pool) server(name string) (config.ServerConfig, bool) {
	for _, srv := range p.servers {
		if srv.Name == name {
			return srv, true
		}
	}
	return config.ServerConfig{}, false
}

func (p *Pool) connect(ctx context.Context, srv config.ServerConfig) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrShutdown
	}
	c := p.conns[srv.Name]
	old := c.client
	c.gen++
	gen := c.gen
	c.status = StatusConnecting
	c.client = nil
	c.tools = nil
	c.lastErr = nil
	c.timeouts = 0
	p.mu.Unlock()

	if old != nil {
		p.closeWithin(old)
	}

	started := time.Now()
	client, tools, status, err := p.handshake(ctx, srv)

	p.mu.Lock()
	if p.shutdown || c.gen != gen {
		p.mu.Unlock()
		if client != nil {
			p.closeWithin(client)
		}
		if p.shutdown {
			return ErrShutdown
		}
		return fmt.Errorf("connecting to %s: superseded by a newer attempt", srv.Name)
	}
	c.status = status
	c.client = client
	c.tools = tools
	c.lastErr = err
	if status == StatusReady {
		c.connectedAt = time.Now()
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("server connection failed",
			"server", srv.Name, "status", status, "error", err)
		return err
	}
	p.logger.Info("server ready",
		"server", srv.Name,
		"transport", transportName(srv),
		"tools", len(tools),
		"elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

// handshake runs transport start, initialize and tools/list under the
// server's handshake timeout. A transport failure leaves the connection
// closed; a failure after the transport is up marks it degraded.
func (p *Pool) handshake(ctx context.Context, srv config.ServerConfig) (*connection, []mcp.Tool, Status, error) {
	if err := p.preflight(srv); err != nil {
		return nil, nil, StatusClosed, &ConnectError{Server: srv.Name, Stage: StagePreflight, Err: err}
	}

	hctx, cancel := context.WithTimeout(ctx, srv.HandshakeTimeoutDuration())
	defer cancel()

	client, err := p.dial(hctx, srv)
	if err != nil {
		return nil, nil, StatusClosed, &ConnectError{Server: srv.Name, Stage: StageTransport, Err: err}
	}
	if err := client.initialize(hctx); err != nil {
		p.closeWithin(client)
		return nil, nil, StatusDegraded, &ConnectError{Server: srv.Name, Stage: StageInitialize, Err: err}
	}
	tools, err := client.listTools(hctx)
	if err != nil {
		p.closeWithin(client)
		return nil, nil, StatusDegraded, &ConnectError{Server: srv.Name, Stage: StageListTools, Err: err}
	}
	return client, tools, StatusReady, nil
}

// Call invokes tool on server. It fails fast with ErrNotReady when the
// connection is not ready. Consecutive timeouts at or above the server's
// threshold degrade the connection; a transport failure closes it.
func (p *Pool) Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	p.mu.Lock()
	c, ok := p.conns[server]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	if c.status != StatusReady || c.client == nil {
		status := c.status
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, server, status)
	}
	client, gen := c.client, c.gen
	p.mu.Unlock()

	if args == nil {
		args = map[string]any{}
	}
	result, err := client.callTool(ctx, tool, args)
	p.recordOutcome(server, gen, err)
	return result, err
}

func (p *Pool) recordOutcome(server string, gen uint64, err error) {
	p.mu.Lock()
	c := p.conns[server]
	if c == nil || c.gen != gen || c.status != StatusReady {
		p.mu.Unlock()
		return
	}

	var broken *connection
	switch {
	case err == nil:
		c.timeouts = 0
	case errors.Is(err, context.DeadlineExceeded):
		c.timeouts++
		if limit := c.cfg.ConsecutiveTimeoutLimit(); c.timeouts >= limit {
			c.status = StatusDegraded
			c.lastErr = fmt.Errorf("%d consecutive call timeouts", c.timeouts)
			broken = c.client
			c.client = nil
		}
	case errors.Is(err, context.Canceled):
	case isTransportFailure(err):
		c.status = StatusClosed
		c.lastErr = err
		broken = c.client
		c.client = nil
	default:
		// Application-level error: the connection itself is healthy.
		c.timeouts = 0
	}
	status, lastErr := c.status, c.lastErr
	p.mu.Unlock()

	if broken != nil {
		p.logger.Warn("server connection lost", "server", server, "status", status, "error", lastErr)
		go p.closeWithin(broken)
		p.notify()
	}
}

func isTransportFailure(err error) bool {
	var terr *transport.Error
	return errors.As(err, &terr) || errors.Is(err, transport.ErrTransportClosed)
}

// Info returns the current view of the named connection.
func (p *Pool) Info(name string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[name]
	if !ok {
		return Info{}, false
	}
	return c.info(), true
}

// Status returns the current status of the named connection.
func (p *Pool) Status(name string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[name]
	if !ok {
		return "", false
	}
	return c.status, true
}

// Statuses lists every declared connection in declaration order,
// including failed ones.
func (p *Pool) Statuses() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]Info, 0, len(p.servers))
	for _, srv := range p.servers {
		infos = append(infos, p.conns[srv.Name].info())
	}
	return infos
}

// Ready lists ready connections in declaration order.
func (p *Pool) Ready() []Info {
	all := p.Statuses()
	ready := all[:0]
	for _, info := range all {
		if info.Status == StatusReady {
			ready = append(ready, info)
		}
	}
	return ready
}

func (c *conn) info() Info {
	info := Info{
		Name:                c.cfg.Name,
		Transport:           transportName(c.cfg),
		Status:              c.status,
		Tools:               append([]mcp.Tool(nil), c.tools...),
		ConsecutiveTimeouts: c.timeouts,
		ConnectedAt:         c.connectedAt,
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	return info
}

func (p *Pool) report() ConnectReport {
	var report ConnectReport
	for _, info := range p.Statuses() {
		if info.Status == StatusReady {
			report.Ready = append(report.Ready, info.Name)
			continue
		}
		p.mu.Lock()
		err := p.conns[info.Name].lastErr
		p.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%s is %s", info.Name, info.Status)
		}
		report.Failed = append(report.Failed, Failure{Name: info.Name, Err: err})
	}
	return report
}

// OnChange registers fn to run after the set of ready connections may have
// changed (connect, reconnect, lost connection).
func (p *Pool) OnChange(fn func()) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *Pool) notify() {
	p.mu.Lock()
	listeners := append([]func(){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Shutdown closes every connection concurrently and waits up to the
// configured grace period; stragglers are then killed. Safe to call twice.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	clients := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		if c.client != nil {
			clients = append(clients, c.client)
		}
		c.client = nil
		c.status = StatusClosed
		c.gen++
	}
	p.mu.Unlock()

	if len(clients) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeConnection(client)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	for _, client := range clients {
		if client.kill != nil {
			client.kill()
		}
	}
	p.logger.Warn("shutdown grace period elapsed, killed remaining servers", "grace", p.grace)
	return fmt.Errorf("shutdown: connections still open after %s", p.grace)
}

// closeWithin closes c, killing its server process when close has not
// returned within the grace period. A stdio child that ignores stdin EOF
// would otherwise hold the caller forever.
func (p *Pool) closeWithin(c *connection) {
	if c == nil || c.close == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.close()
	}()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		if c.kill != nil {
			c.kill()
		}
		p.logger.Warn("server did not exit after close, killed", "grace", p.grace)
	}
}

func closeConnection(c *connection) {
	if c != nil && c.close != nil {
		_ = c.close()
	}
}
