// Package router dispatches capability invocations to the server that owns
// them and turns every failure into a typed *Error.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lydakis/toolgate/internal/cache"
	"github.com/lydakis/toolgate/internal/config"
	"github.com/lydakis/toolgate/internal/mcppool"
	"github.com/lydakis/toolgate/internal/registry"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Resolver answers which server owns a capability.
type Resolver interface {
	Resolve(name string) (registry.Capability, bool)
}

// Caller performs calls over live connections.
type Caller interface {
	Status(server string) (mcppool.Status, bool)
	Call(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error)
}

// Result is a successful invocation.
type Result struct {
	Capability string
	Server     string
	Content    string
	Cached     bool
	Duration   time.Duration
}

// Router routes capability calls.
type Router struct {
	resolver Resolver
	caller   Caller
	servers  map[string]config.ServerConfig
	cache    *cache.Store
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithServers supplies per-server call timeouts and cache policy.
func WithServers(servers []config.ServerConfig) Option {
	return func(r *Router) {
		for _, srv := range servers {
			r.servers[srv.Name] = srv
		}
	}
}

// WithCache enables result caching for servers that configure cache_ttl.
func WithCache(store *cache.Store) Option {
	return func(r *Router) { r.cache = store }
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a router over resolver and caller.
func New(resolver Resolver, caller Caller, opts ...Option) *Router {
	r := &Router{
		resolver: resolver,
		caller:   caller,
		servers:  make(map[string]config.ServerConfig),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Invoke calls capability name with JSON-encoded args. A zero timeout uses
// the owning server's call_timeout. Every failure is an *Error.
func (r *Router) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*Result, error) {
	capability, ok := r.resolver.Resolve(name)
	if !ok {
		return nil, &Error{Kind: KindUnknownCapability, Capability: name}
	}
	fail := func(kind Kind, err error) (*Result, error) {
		return nil, &Error{Kind: kind, Capability: name, Server: capability.Server, Err: err}
	}

	if status, known := r.caller.Status(capability.Server); !known || status != mcppool.StatusReady {
		if !known {
			status = mcppool.StatusClosed
		}
		return fail(KindConnectionUnavailable, fmt.Errorf("connection is %s", status))
	}

	decoded, err := decodeArgs(args)
	if err != nil {
		return fail(KindInvalidArguments, err)
	}
	compiled, err := capability.Schema.Compile(decoded)
	if err != nil {
		return fail(KindInvalidArguments, err)
	}

	srv := r.servers[capability.Server]
	ttl, cacheable := cache.TTLFor(srv, capability.Name)
	cacheable = cacheable && r.cache != nil
	if cacheable {
		if entry, hit := r.cache.Get(capability.Server, capability.Name, compiled); hit {
			r.logger.Debug("cache hit", "capability", name, "server", capability.Server, "age", entry.Age())
			return &Result{Capability: name, Server: capability.Server, Content: entry.Content, Cached: true}, nil
		}
	}

	if timeout <= 0 {
		timeout = srv.CallTimeoutDuration()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := r.caller.Call(callCtx, capability.Server, capability.Name, compiled)
	elapsed := time.Since(started)
	if err != nil {
		r.logger.Debug("capability call failed",
			"capability", name, "server", capability.Server, "elapsed", elapsed, "error", err)
		return fail(classify(err), err)
	}

	content := Render(result)
	if result.IsError {
		return nil, &Error{Kind: KindRemoteError, Capability: name, Server: capability.Server, Content: content}
	}

	if cacheable {
		if err := r.cache.Put(capability.Server, capability.Name, compiled, content, ttl); err != nil {
			r.logger.Warn("cache store failed", "capability", name, "error", err)
		}
	}

	r.logger.Debug("capability invoked", "capability", name, "server", capability.Server, "elapsed", elapsed)
	return &Result{Capability: name, Server: capability.Server, Content: content, Duration: elapsed}, nil
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, mcppool.ErrNotReady), errors.Is(err, mcppool.ErrUnknownServer):
		return KindConnectionUnavailable
	case errors.Is(err, transport.ErrTransportClosed):
		return KindConnectionUnavailable
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return KindConnectionUnavailable
	}
	return KindRemoteError
}

func decodeArgs(args json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}

	// Some models double-encode the arguments object as a JSON string.
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil {
			return decodeArgs(json.RawMessage(inner))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object: %v", mcp.ErrInvalidParams, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
